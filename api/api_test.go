package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"argus/config"
	"argus/core"
	"argus/correlate"
	"argus/rules"
	"argus/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type testEnv struct {
	api    *API
	store  *storage.AlertStore
	health *core.HealthRegistry
	holder *rules.Holder
	rules  string
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.API.RateLimit.RequestsPerSecond = 1000
	cfg.API.RateLimit.Burst = 1000
	return cfg
}

func newTestAPI(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()

	sqlite, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"), storage.Options{}, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(sqlite.Close)

	store, err := storage.NewAlertStore(sqlite, zap.NewNop().Sugar())
	require.NoError(t, err)

	ruleDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ruleDir, "test.yaml"),
		[]byte("rules:\n  - name: Test_Rule\n    strings:\n      - value: needle\n"), 0o644))
	holder, err := rules.NewHolder(ruleDir, zap.NewNop().Sugar())
	require.NoError(t, err)

	health := core.NewHealthRegistry()
	engine := correlate.NewEngine(config.CorrelationConfig{
		Window:        300 * time.Second,
		TimeProximity: 60 * time.Second,
		MinConfidence: 40,
	}, store, health, zap.NewNop().Sugar())

	return &testEnv{
		api:    NewAPI(store, engine, holder, health, cfg, zap.NewNop().Sugar()),
		store:  store,
		health: health,
		holder: holder,
		rules:  ruleDir,
	}
}

func (e *testEnv) request(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.api.Handler().ServeHTTP(rec, req)
	return rec
}

func seedAlertPair(t *testing.T, store *storage.AlertStore) (*core.FileAlert, *core.NetworkAlert) {
	t.Helper()
	ctx := context.Background()

	fa := core.NewFileAlert()
	fa.FilePath = "/tmp/mal.bin"
	fa.FileHash = core.FileHashes{SHA256: "cafe01"}
	fa.MatchedRule = core.MatchedRule{Name: "Test_Rule"}
	fa.Severity = core.SeverityMedium
	_, err := store.InsertFileAlert(ctx, fa)
	require.NoError(t, err)

	na := core.NewNetworkAlert()
	na.SrcIP, na.DestIP = "10.0.0.5", "192.0.2.7"
	na.SignatureID = 1
	na.Signature = "ET MALWARE Test"
	na.Severity = core.SeverityHigh
	na.FlowID = "9001"
	na.Indicators = []string{"cafe01"}
	_, err = store.InsertNetworkAlert(ctx, na)
	require.NoError(t, err)

	return fa, na
}

func TestGetAlertsFilteringAndPagination(t *testing.T) {
	env := newTestAPI(t, testConfig())
	seedAlertPair(t, env.store)

	rec := env.request(t, "GET", "/api/alerts?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page PaginationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.EqualValues(t, 2, page.Total)
	assert.Equal(t, 2, page.TotalPages)

	rec = env.request(t, "GET", "/api/alerts?source=network", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.EqualValues(t, 1, page.Total)

	rec = env.request(t, "GET", "/api/alerts?source=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.request(t, "GET", "/api/alerts?from=not-a-time", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAlertByID(t *testing.T) {
	env := newTestAPI(t, testConfig())
	fa, _ := seedAlertPair(t, env.store)

	rec := env.request(t, "GET", "/api/alerts/"+fa.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var detail storage.AlertDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, core.SourceFile, detail.Source)
	require.NotNil(t, detail.File)
	assert.Equal(t, "cafe01", detail.File.FileHash.SHA256)

	rec = env.request(t, "GET", "/api/alerts/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCorrelateAndIncidentEndpoints(t *testing.T) {
	env := newTestAPI(t, testConfig())
	seedAlertPair(t, env.store)

	// On-demand correlation groups the seeded pair via the shared hash.
	rec := env.request(t, "POST", "/api/correlate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runResp correlationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runResp))
	assert.Equal(t, 1, runResp.IncidentsCreated)

	rec = env.request(t, "GET", "/api/incidents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page PaginationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.EqualValues(t, 1, page.Total)

	items, err := json.Marshal(page.Items)
	require.NoError(t, err)
	var incidents []core.CorrelatedIncident
	require.NoError(t, json.Unmarshal(items, &incidents))
	inc := incidents[0]
	assert.Equal(t, 50, inc.Confidence)
	assert.Len(t, inc.MemberAlertIDs, 2)

	// min_confidence above the incident's score filters it out.
	rec = env.request(t, "GET", "/api/incidents?min_confidence=90", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.EqualValues(t, 0, page.Total)

	rec = env.request(t, "GET", "/api/incidents/"+inc.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Status transitions.
	rec = env.request(t, "PATCH", "/api/incidents/"+inc.ID+"/status", []byte(`{"status":"acknowledged"}`))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.request(t, "PATCH", "/api/incidents/"+inc.ID+"/status", []byte(`{"status":"bogus"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.request(t, "PATCH", "/api/incidents/missing/status", []byte(`{"status":"closed"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRulesReloadEndpoint(t *testing.T) {
	env := newTestAPI(t, testConfig())

	rec := env.request(t, "POST", "/api/rules/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp reloadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Rules)

	// A broken rule directory fails the reload and keeps the old snapshot.
	require.NoError(t, os.WriteFile(filepath.Join(env.rules, "bad.yaml"),
		[]byte("rules:\n  - name: Bad\n    strings: []\n"), 0o644))
	rec = env.request(t, "POST", "/api/rules/reload", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1, env.holder.Load().Len())
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestAPI(t, testConfig())
	env.health.SetHealthy("watcher")

	rec := env.request(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, core.StateHealthy, resp.Status)

	env.health.SetDegraded("watcher", "queue saturated")
	rec = env.request(t, "GET", "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, core.StateDegraded, resp.Status)
	assert.Equal(t, "queue saturated", resp.Components["watcher"].Reason)
}

func TestBasicAuthMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.API.Auth.Enabled = true
	cfg.API.Auth.Username = "argus"
	hashed, err := bcrypt.GenerateFromPassword([]byte("sekret"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg.API.Auth.HashedPassword = string(hashed)

	env := newTestAPI(t, cfg)

	rec := env.request(t, "GET", "/api/alerts", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest("GET", "/api/alerts", nil)
	req.SetBasicAuth("argus", "wrong")
	w := httptest.NewRecorder()
	env.api.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest("GET", "/api/alerts", nil)
	req.SetBasicAuth("argus", "sekret")
	w = httptest.NewRecorder()
	env.api.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.API.RateLimit.RequestsPerSecond = 1
	cfg.API.RateLimit.Burst = 1
	env := newTestAPI(t, cfg)

	rec := env.request(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
