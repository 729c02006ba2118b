package core

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Incident status values set by operators. Status never affects
// membership or confidence.
const (
	IncidentStatusOpen         = "open"
	IncidentStatusAcknowledged = "acknowledged"
	IncidentStatusClosed       = "closed"
)

// Correlation methods that can contribute edges to an incident.
const (
	MethodHashMatch     = "hash_match"
	MethodFlowIPMatch   = "flow_ip_match"
	MethodTimeProximity = "time_proximity"
)

// CommonIndicators are the indicators shared by an incident's members.
type CommonIndicators struct {
	IPs    []string `json:"ips,omitempty"`
	Hashes []string `json:"hashes,omitempty"`
}

// CorrelatedIncident groups alerts from independent sources. Created only
// by the correlation engine and append-only except for the operator-set
// Status field.
type CorrelatedIncident struct {
	ID               string           `json:"id"`
	CreatedAt        time.Time        `json:"created_at"`
	Confidence       int              `json:"confidence"`
	MemberAlertIDs   []string         `json:"member_alert_ids"`
	CommonIndicators CommonIndicators `json:"common_indicators"`
	MethodsUsed      []string         `json:"methods_used"`
	Status           string           `json:"status"`

	// Fingerprint is derived from the sorted member IDs; the store's
	// unique index over it makes re-persisting the same component a no-op.
	Fingerprint string `json:"-"`
}

// NewCorrelatedIncident creates an incident over the given members and
// computes its membership fingerprint.
func NewCorrelatedIncident(memberIDs []string) *CorrelatedIncident {
	inc := &CorrelatedIncident{
		ID:             uuid.New().String(),
		CreatedAt:      time.Now().UTC(),
		MemberAlertIDs: memberIDs,
		Status:         IncidentStatusOpen,
	}
	inc.Fingerprint = IncidentFingerprint(memberIDs)
	return inc
}

// IncidentFingerprint returns a stable identity for a set of member alert
// IDs, independent of ordering.
func IncidentFingerprint(memberIDs []string) string {
	sorted := make([]string, len(memberIDs))
	copy(sorted, memberIDs)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// ValidIncidentStatus reports whether s is an operator-settable status.
func ValidIncidentStatus(s string) bool {
	switch s {
	case IncidentStatusOpen, IncidentStatusAcknowledged, IncidentStatusClosed:
		return true
	}
	return false
}
