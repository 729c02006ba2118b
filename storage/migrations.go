package storage

import "fmt"

// schema is idempotent: every statement is CREATE IF NOT EXISTS.
// The unique index on file_alerts is what makes duplicate scans a no-op,
// and the fingerprint index is what makes correlation re-runs a no-op.
const schema = `
CREATE TABLE IF NOT EXISTS file_alerts (
	id TEXT PRIMARY KEY,
	timestamp DATETIME NOT NULL,
	file_path TEXT NOT NULL,
	md5 TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	file_size INTEGER NOT NULL,
	rule_name TEXT NOT NULL,
	rule_namespace TEXT DEFAULT '',
	rule_tags TEXT DEFAULT '[]',
	rule_meta TEXT DEFAULT '{}',
	matched_strings TEXT DEFAULT '[]',
	severity TEXT NOT NULL DEFAULT 'medium',
	correlation_ref TEXT DEFAULT '',
	src_ip TEXT DEFAULT '',
	dest_ip TEXT DEFAULT '',
	correlated_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_file_alerts_identity
	ON file_alerts(file_path, rule_name, sha256);
CREATE INDEX IF NOT EXISTS idx_file_alerts_timestamp ON file_alerts(timestamp);
CREATE INDEX IF NOT EXISTS idx_file_alerts_sha256 ON file_alerts(sha256);

CREATE TABLE IF NOT EXISTS network_alerts (
	id TEXT PRIMARY KEY,
	timestamp DATETIME NOT NULL,
	src_ip TEXT NOT NULL,
	dest_ip TEXT NOT NULL,
	proto TEXT DEFAULT '',
	signature_id INTEGER NOT NULL,
	signature TEXT NOT NULL,
	category TEXT DEFAULT '',
	severity TEXT NOT NULL DEFAULT 'medium',
	flow_id TEXT DEFAULT '',
	indicators TEXT DEFAULT '[]',
	correlated_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_network_alerts_identity
	ON network_alerts(signature_id, flow_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_network_alerts_timestamp ON network_alerts(timestamp);

CREATE TABLE IF NOT EXISTS incidents (
	id TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL,
	confidence INTEGER NOT NULL CHECK(confidence >= 0 AND confidence <= 100),
	member_alert_ids TEXT NOT NULL,
	common_ips TEXT DEFAULT '[]',
	common_hashes TEXT DEFAULT '[]',
	methods TEXT DEFAULT '[]',
	fingerprint TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open','acknowledged','closed'))
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_fingerprint ON incidents(fingerprint);
CREATE INDEX IF NOT EXISTS idx_incidents_created_at ON incidents(created_at);
CREATE INDEX IF NOT EXISTS idx_incidents_confidence ON incidents(confidence);

CREATE TABLE IF NOT EXISTS ingest_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Migrate creates all tables and indexes.
func (s *SQLite) Migrate() error {
	if _, err := s.WriteDB.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.logger.Info("Alert store schema ensured")
	return nil
}
