// Package core defines the domain model shared by the scanning pipeline,
// the alert store, and the correlation engine.
package core

import (
	"time"

	"github.com/google/uuid"
)

// AlertSource identifies which collaborator produced an alert.
type AlertSource string

const (
	SourceFile    AlertSource = "file"
	SourceNetwork AlertSource = "network"
)

// Severity levels shared by both alert sources. Network severities are
// mapped from the IDS numeric scale at ingest time.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

// FileHashes holds the content hashes computed for a scanned file.
type FileHashes struct {
	MD5    string `json:"md5"`
	SHA256 string `json:"sha256"`
}

// MatchedRule describes the rule that fired on a scanned file.
type MatchedRule struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace"`
	Tags      []string          `json:"tags,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// FileAlert is produced by a scan worker on a positive rule match.
// Immutable once written; the store enforces uniqueness over
// (file_path, rule_name, sha256).
type FileAlert struct {
	ID             string      `json:"id"`
	Timestamp      time.Time   `json:"timestamp"`
	FilePath       string      `json:"file_path"`
	FileHash       FileHashes  `json:"file_hash"`
	FileSize       int64       `json:"file_size"`
	MatchedRule    MatchedRule `json:"matched_rule"`
	MatchedStrings []string    `json:"matched_strings,omitempty"`
	Severity       string      `json:"severity"`

	// CorrelationRef is an optional flow identifier supplied by the
	// extraction collaborator alongside the file.
	CorrelationRef string `json:"correlation_ref,omitempty"`
	SrcIP          string `json:"src_ip,omitempty"`
	DestIP         string `json:"dest_ip,omitempty"`

	CorrelatedAt *time.Time `json:"correlated_at,omitempty"`
}

// NewFileAlert creates a FileAlert with a generated UUID and the current time.
func NewFileAlert() *FileAlert {
	return &FileAlert{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
	}
}

// NetworkAlert is one record ingested from the network-IDS event stream.
// Immutable once written.
type NetworkAlert struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	SrcIP       string    `json:"src_ip"`
	DestIP      string    `json:"dest_ip"`
	Proto       string    `json:"proto"`
	SignatureID int64     `json:"signature_id"`
	Signature   string    `json:"signature"`
	Category    string    `json:"category"`
	Severity    string    `json:"severity"`
	FlowID      string    `json:"flow_id,omitempty"`

	// Indicators holds file hashes the IDS attached to the event
	// (e.g. fileinfo md5/sha256 from an extracted transfer).
	Indicators []string `json:"indicators,omitempty"`

	CorrelatedAt *time.Time `json:"correlated_at,omitempty"`
}

// NewNetworkAlert creates a NetworkAlert with a generated UUID.
func NewNetworkAlert() *NetworkAlert {
	return &NetworkAlert{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
	}
}

// AlertSummary is the unified row shape returned by the alerts query
// surface, covering both sources.
type AlertSummary struct {
	ID        string      `json:"id"`
	Source    AlertSource `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Severity  string      `json:"severity"`
	Title     string      `json:"title"`
}
