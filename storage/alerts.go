package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"argus/core"
	"argus/metrics"

	"go.uber.org/zap"
)

// AlertStore persists file-alerts and network-alerts and serves the range
// queries the correlation engine and the API depend on.
type AlertStore struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewAlertStore creates the store and ensures the schema exists.
func NewAlertStore(sqlite *SQLite, logger *zap.SugaredLogger) (*AlertStore, error) {
	store := &AlertStore{sqlite: sqlite, logger: logger}
	if err := sqlite.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to ensure alert store schema: %w", err)
	}
	return store, nil
}

// SQLite exposes the underlying pools for health checks.
func (s *AlertStore) SQLite() *SQLite {
	return s.sqlite
}

// InsertFileAlert writes a file alert. Violating the
// (file_path, rule_name, sha256) uniqueness constraint is a successful
// no-op, reported by inserted=false.
func (s *AlertStore) InsertFileAlert(ctx context.Context, a *core.FileAlert) (inserted bool, err error) {
	res, err := s.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO file_alerts (
			id, timestamp, file_path, md5, sha256, file_size,
			rule_name, rule_namespace, rule_tags, rule_meta, matched_strings,
			severity, correlation_ref, src_ip, dest_ip
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path, rule_name, sha256) DO NOTHING`,
		a.ID, a.Timestamp.UTC(), a.FilePath, a.FileHash.MD5, a.FileHash.SHA256, a.FileSize,
		a.MatchedRule.Name, a.MatchedRule.Namespace,
		marshalJSON(a.MatchedRule.Tags), marshalJSON(a.MatchedRule.Meta), marshalJSON(a.MatchedStrings),
		a.Severity, a.CorrelationRef, a.SrcIP, a.DestIP,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert file alert: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		metrics.AlertsDeduplicated.WithLabelValues(string(core.SourceFile)).Inc()
		return false, nil
	}
	metrics.AlertsPersisted.WithLabelValues(string(core.SourceFile)).Inc()
	return true, nil
}

// InsertNetworkAlert writes a network alert. Re-ingesting the same IDS
// record (signature_id, flow_id, timestamp) is a no-op.
func (s *AlertStore) InsertNetworkAlert(ctx context.Context, a *core.NetworkAlert) (inserted bool, err error) {
	res, err := s.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO network_alerts (
			id, timestamp, src_ip, dest_ip, proto,
			signature_id, signature, category, severity, flow_id, indicators
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(signature_id, flow_id, timestamp) DO NOTHING`,
		a.ID, a.Timestamp.UTC(), a.SrcIP, a.DestIP, a.Proto,
		a.SignatureID, a.Signature, a.Category, a.Severity, a.FlowID,
		marshalJSON(a.Indicators),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert network alert: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		metrics.AlertsDeduplicated.WithLabelValues(string(core.SourceNetwork)).Inc()
		return false, nil
	}
	metrics.AlertsPersisted.WithLabelValues(string(core.SourceNetwork)).Inc()
	return true, nil
}

// AlertFilter narrows the unified alerts query.
type AlertFilter struct {
	Source   core.AlertSource // empty = both
	Severity string
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// QueryAlerts returns a page of alerts from both sources merged by
// timestamp descending, plus the total row count for the filter.
func (s *AlertStore) QueryAlerts(ctx context.Context, f AlertFilter) ([]core.AlertSummary, int64, error) {
	conn, err := s.sqlite.acquireRead(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()

	var parts []string
	var args []any

	fileWhere, fileArgs := alertWhere(f)
	netWhere, netArgs := alertWhere(f)

	if f.Source == "" || f.Source == core.SourceFile {
		parts = append(parts, fmt.Sprintf(
			`SELECT id, 'file' AS source, timestamp, severity, rule_name AS title FROM file_alerts %s`, fileWhere))
		args = append(args, fileArgs...)
	}
	if f.Source == "" || f.Source == core.SourceNetwork {
		parts = append(parts, fmt.Sprintf(
			`SELECT id, 'network' AS source, timestamp, severity, signature AS title FROM network_alerts %s`, netWhere))
		args = append(args, netArgs...)
	}
	if len(parts) == 0 {
		return nil, 0, fmt.Errorf("unknown alert source %q", f.Source)
	}

	unified := strings.Join(parts, " UNION ALL ")

	var total int64
	countArgs := make([]any, len(args))
	copy(countArgs, args)
	if err := conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM (%s)", unified), countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count alerts: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := conn.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM (%s) ORDER BY timestamp DESC LIMIT ? OFFSET ?", unified), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var out []core.AlertSummary
	for rows.Next() {
		var a core.AlertSummary
		var source string
		if err := rows.Scan(&a.ID, &source, &a.Timestamp, &a.Severity, &a.Title); err != nil {
			return nil, 0, fmt.Errorf("failed to scan alert row: %w", err)
		}
		a.Source = core.AlertSource(source)
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// alertWhere builds the shared WHERE clause for one source table.
func alertWhere(f AlertFilter) (string, []any) {
	var conds []string
	var args []any
	if !f.From.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.To.UTC())
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, f.Severity)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// AlertDetail is the full record behind an AlertSummary; exactly one of
// File or Network is set.
type AlertDetail struct {
	Source  core.AlertSource   `json:"source"`
	File    *core.FileAlert    `json:"file,omitempty"`
	Network *core.NetworkAlert `json:"network,omitempty"`
}

// GetAlert looks an alert up by ID across both sources.
func (s *AlertStore) GetAlert(ctx context.Context, id string) (*AlertDetail, error) {
	conn, err := s.sqlite.acquireRead(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	fa, err := scanFileAlert(conn.QueryRowContext(ctx,
		fileAlertColumns+" FROM file_alerts WHERE id = ?", id))
	if err == nil {
		return &AlertDetail{Source: core.SourceFile, File: fa}, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to load file alert: %w", err)
	}

	na, err := scanNetworkAlert(conn.QueryRowContext(ctx,
		networkAlertColumns+" FROM network_alerts WHERE id = ?", id))
	if err == nil {
		return &AlertDetail{Source: core.SourceNetwork, Network: na}, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to load network alert: %w", err)
	}
	return nil, ErrAlertNotFound
}

const fileAlertColumns = `SELECT id, timestamp, file_path, md5, sha256, file_size,
	rule_name, rule_namespace, rule_tags, rule_meta, matched_strings,
	severity, correlation_ref, src_ip, dest_ip, correlated_at`

const networkAlertColumns = `SELECT id, timestamp, src_ip, dest_ip, proto,
	signature_id, signature, category, severity, flow_id, indicators, correlated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileAlert(row rowScanner) (*core.FileAlert, error) {
	var a core.FileAlert
	var tags, meta, matched string
	var correlatedAt sql.NullTime
	err := row.Scan(&a.ID, &a.Timestamp, &a.FilePath, &a.FileHash.MD5, &a.FileHash.SHA256,
		&a.FileSize, &a.MatchedRule.Name, &a.MatchedRule.Namespace, &tags, &meta, &matched,
		&a.Severity, &a.CorrelationRef, &a.SrcIP, &a.DestIP, &correlatedAt)
	if err != nil {
		return nil, err
	}
	unmarshalJSON(tags, &a.MatchedRule.Tags)
	unmarshalJSON(meta, &a.MatchedRule.Meta)
	unmarshalJSON(matched, &a.MatchedStrings)
	if correlatedAt.Valid {
		t := correlatedAt.Time
		a.CorrelatedAt = &t
	}
	return &a, nil
}

func scanNetworkAlert(row rowScanner) (*core.NetworkAlert, error) {
	var a core.NetworkAlert
	var indicators string
	var correlatedAt sql.NullTime
	err := row.Scan(&a.ID, &a.Timestamp, &a.SrcIP, &a.DestIP, &a.Proto,
		&a.SignatureID, &a.Signature, &a.Category, &a.Severity, &a.FlowID,
		&indicators, &correlatedAt)
	if err != nil {
		return nil, err
	}
	unmarshalJSON(indicators, &a.Indicators)
	if correlatedAt.Valid {
		t := correlatedAt.Time
		a.CorrelatedAt = &t
	}
	return &a, nil
}

// LoadWindow loads every alert from both sources with timestamp in
// [from, to] inside one read transaction, so a correlation run sees one
// consistent snapshot regardless of concurrent inserts.
func (s *AlertStore) LoadWindow(ctx context.Context, from, to time.Time) ([]core.FileAlert, []core.NetworkAlert, error) {
	conn, err := s.sqlite.acquireRead(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin snapshot read: %w", err)
	}
	defer tx.Rollback()

	fileRows, err := tx.QueryContext(ctx,
		fileAlertColumns+" FROM file_alerts WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp, id",
		from.UTC(), to.UTC())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load file alerts: %w", err)
	}
	defer fileRows.Close()

	var files []core.FileAlert
	for fileRows.Next() {
		a, err := scanFileAlert(fileRows)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan file alert: %w", err)
		}
		files = append(files, *a)
	}
	if err := fileRows.Err(); err != nil {
		return nil, nil, err
	}

	netRows, err := tx.QueryContext(ctx,
		networkAlertColumns+" FROM network_alerts WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp, id",
		from.UTC(), to.UTC())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load network alerts: %w", err)
	}
	defer netRows.Close()

	var nets []core.NetworkAlert
	for netRows.Next() {
		a, err := scanNetworkAlert(netRows)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan network alert: %w", err)
		}
		nets = append(nets, *a)
	}
	if err := netRows.Err(); err != nil {
		return nil, nil, err
	}

	return files, nets, nil
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func unmarshalJSON(s string, v any) {
	if s == "" {
		return
	}
	_ = json.Unmarshal([]byte(s), v)
}
