package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"argus/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, opts Options) *AlertStore {
	t.Helper()

	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"), opts, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(sqlite.Close)

	store, err := NewAlertStore(sqlite, zap.NewNop().Sugar())
	require.NoError(t, err)
	return store
}

func testFileAlert(path, rule, sha string) *core.FileAlert {
	a := core.NewFileAlert()
	a.FilePath = path
	a.FileHash = core.FileHashes{MD5: "d41d8cd9", SHA256: sha}
	a.FileSize = 128
	a.MatchedRule = core.MatchedRule{Name: rule, Namespace: "testing"}
	a.Severity = core.SeverityMedium
	return a
}

func testNetworkAlert(sigID int64, flowID string, ts time.Time) *core.NetworkAlert {
	a := core.NewNetworkAlert()
	a.Timestamp = ts
	a.SrcIP = "10.0.0.5"
	a.DestIP = "192.0.2.7"
	a.Proto = "TCP"
	a.SignatureID = sigID
	a.Signature = "ET MALWARE Test Signature"
	a.Category = "A Network Trojan was detected"
	a.Severity = core.SeverityHigh
	a.FlowID = flowID
	return a
}

func TestInsertFileAlertDeduplicates(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()

	first := testFileAlert("/tmp/a.bin", "EICAR_Test_File", "abc123")
	inserted, err := store.InsertFileAlert(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same identity triple, different ID: rescanning an unchanged file.
	dup := testFileAlert("/tmp/a.bin", "EICAR_Test_File", "abc123")
	inserted, err = store.InsertFileAlert(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	// A different rule on the same file is a distinct alert.
	other := testFileAlert("/tmp/a.bin", "Embedded_PE_Header", "abc123")
	inserted, err = store.InsertFileAlert(ctx, other)
	require.NoError(t, err)
	assert.True(t, inserted)

	alerts, total, err := store.QueryAlerts(ctx, AlertFilter{Source: core.SourceFile})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, alerts, 2)
}

func TestInsertNetworkAlertDeduplicates(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()
	ts := time.Now().UTC().Truncate(time.Second)

	inserted, err := store.InsertNetworkAlert(ctx, testNetworkAlert(2024001, "112233", ts))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.InsertNetworkAlert(ctx, testNetworkAlert(2024001, "112233", ts))
	require.NoError(t, err)
	assert.False(t, inserted)

	// Same signature on a different flow is a distinct alert.
	inserted, err = store.InsertNetworkAlert(ctx, testNetworkAlert(2024001, "445566", ts))
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestQueryAlertsFiltersAndPagination(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		a := testFileAlert("/tmp/f"+string(rune('a'+i)), "EICAR_Test_File", "sha"+string(rune('a'+i)))
		a.Timestamp = base.Add(time.Duration(i) * time.Minute)
		_, err := store.InsertFileAlert(ctx, a)
		require.NoError(t, err)
	}
	n := testNetworkAlert(1, "1", base.Add(10*time.Minute))
	_, err := store.InsertNetworkAlert(ctx, n)
	require.NoError(t, err)

	// Unified query, newest first.
	alerts, total, err := store.QueryAlerts(ctx, AlertFilter{Limit: 3})
	require.NoError(t, err)
	assert.EqualValues(t, 6, total)
	require.Len(t, alerts, 3)
	assert.Equal(t, core.SourceNetwork, alerts[0].Source)
	assert.True(t, alerts[0].Timestamp.After(alerts[1].Timestamp))

	// Second page.
	page2, _, err := store.QueryAlerts(ctx, AlertFilter{Limit: 3, Offset: 3})
	require.NoError(t, err)
	assert.Len(t, page2, 3)
	assert.NotEqual(t, alerts[0].ID, page2[0].ID)

	// Source filter.
	_, total, err = store.QueryAlerts(ctx, AlertFilter{Source: core.SourceNetwork})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	// Severity filter.
	_, total, err = store.QueryAlerts(ctx, AlertFilter{Severity: core.SeverityHigh})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	// Time range filter.
	_, total, err = store.QueryAlerts(ctx, AlertFilter{
		From: base.Add(2 * time.Minute),
		To:   base.Add(4 * time.Minute),
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
}

func TestGetAlertAcrossSources(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()

	fa := testFileAlert("/tmp/x.bin", "EICAR_Test_File", "deadbeef")
	_, err := store.InsertFileAlert(ctx, fa)
	require.NoError(t, err)

	na := testNetworkAlert(77, "9988", time.Now().UTC())
	_, err = store.InsertNetworkAlert(ctx, na)
	require.NoError(t, err)

	got, err := store.GetAlert(ctx, fa.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SourceFile, got.Source)
	require.NotNil(t, got.File)
	assert.Equal(t, "deadbeef", got.File.FileHash.SHA256)
	assert.Nil(t, got.File.CorrelatedAt)

	got, err = store.GetAlert(ctx, na.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SourceNetwork, got.Source)
	require.NotNil(t, got.Network)
	assert.EqualValues(t, 77, got.Network.SignatureID)

	_, err = store.GetAlert(ctx, "no-such-id")
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestLoadWindowBounds(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	inside := testFileAlert("/tmp/in.bin", "r", "s1")
	inside.Timestamp = base.Add(time.Minute)
	_, err := store.InsertFileAlert(ctx, inside)
	require.NoError(t, err)

	outside := testFileAlert("/tmp/out.bin", "r", "s2")
	outside.Timestamp = base.Add(time.Hour)
	_, err = store.InsertFileAlert(ctx, outside)
	require.NoError(t, err)

	net := testNetworkAlert(5, "f", base.Add(2*time.Minute))
	_, err = store.InsertNetworkAlert(ctx, net)
	require.NoError(t, err)

	files, nets, err := store.LoadWindow(ctx, base, base.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, inside.ID, files[0].ID)
	require.Len(t, nets, 1)
	assert.Equal(t, net.ID, nets[0].ID)
}

func TestReadPoolExhaustion(t *testing.T) {
	store := newTestStore(t, Options{ReadPoolSize: 1, AcquireTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	// Hold the only read connection so the next acquire has to wait.
	conn, err := store.sqlite.ReadDB.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = store.QueryAlerts(ctx, AlertFilter{})
	assert.ErrorIs(t, err, ErrPoolExhausted)

	// Releasing the connection makes the store usable again.
	require.NoError(t, conn.Close())
	_, _, err = store.QueryAlerts(ctx, AlertFilter{})
	assert.NoError(t, err)
}

func TestIngestOffsetRoundTrip(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()

	offset, err := store.GetIngestOffset(ctx, "eve_offset")
	require.NoError(t, err)
	assert.EqualValues(t, 0, offset)

	require.NoError(t, store.SetIngestOffset(ctx, "eve_offset", 4096))
	require.NoError(t, store.SetIngestOffset(ctx, "eve_offset", 8192))

	offset, err = store.GetIngestOffset(ctx, "eve_offset")
	require.NoError(t, err)
	assert.EqualValues(t, 8192, offset)
}
