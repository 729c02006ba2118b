package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"argus/core"
	"argus/metrics"
)

// InsertIncidents persists a correlation run's incidents and stamps every
// member alert's correlated_at marker in a single transaction. Incidents
// whose fingerprint already exists are skipped, which makes re-running
// over an unchanged alert set a no-op. Any failure rolls the whole run
// back: zero partial writes.
func (s *AlertStore) InsertIncidents(ctx context.Context, incidents []*core.CorrelatedIncident) (created int, err error) {
	if len(incidents) == 0 {
		return 0, nil
	}

	tx, err := s.sqlite.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin incident transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	for _, inc := range incidents {
		res, err2 := tx.ExecContext(ctx, `
			INSERT INTO incidents (
				id, created_at, confidence, member_alert_ids,
				common_ips, common_hashes, methods, fingerprint, status
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(fingerprint) DO NOTHING`,
			inc.ID, inc.CreatedAt.UTC(), inc.Confidence, marshalJSON(inc.MemberAlertIDs),
			marshalJSON(inc.CommonIndicators.IPs), marshalJSON(inc.CommonIndicators.Hashes),
			marshalJSON(inc.MethodsUsed), inc.Fingerprint, inc.Status,
		)
		if err2 != nil {
			err = fmt.Errorf("failed to insert incident: %w", err2)
			return 0, err
		}
		n, err2 := res.RowsAffected()
		if err2 != nil {
			err = err2
			return 0, err
		}
		if n == 0 {
			continue
		}
		created++

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(inc.MemberAlertIDs)), ",")
		args := make([]any, 0, len(inc.MemberAlertIDs)+1)
		args = append(args, now)
		for _, id := range inc.MemberAlertIDs {
			args = append(args, id)
		}
		if _, err2 := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE file_alerts SET correlated_at = ? WHERE id IN (%s)", placeholders),
			args...); err2 != nil {
			err = fmt.Errorf("failed to stamp file alerts: %w", err2)
			return 0, err
		}
		if _, err2 := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE network_alerts SET correlated_at = ? WHERE id IN (%s)", placeholders),
			args...); err2 != nil {
			err = fmt.Errorf("failed to stamp network alerts: %w", err2)
			return 0, err
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit incidents: %w", err)
	}
	metrics.IncidentsCreated.Add(float64(created))
	return created, nil
}

// IncidentFilter narrows the incidents query.
type IncidentFilter struct {
	MinConfidence int
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}

// ListIncidents returns a page of incidents newest first, plus the total
// count for the filter.
func (s *AlertStore) ListIncidents(ctx context.Context, f IncidentFilter) ([]core.CorrelatedIncident, int64, error) {
	conn, err := s.sqlite.acquireRead(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()

	var conds []string
	var args []any
	if f.MinConfidence > 0 {
		conds = append(conds, "confidence >= ?")
		args = append(args, f.MinConfidence)
	}
	if !f.From.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.To.UTC())
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	countArgs := make([]any, len(args))
	copy(countArgs, args)
	if err := conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM incidents %s", where), countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count incidents: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, created_at, confidence, member_alert_ids,
			common_ips, common_hashes, methods, fingerprint, status
		FROM incidents %s ORDER BY created_at DESC LIMIT ? OFFSET ?`, where), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var out []core.CorrelatedIncident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *inc)
	}
	return out, total, rows.Err()
}

// GetIncident loads one incident by ID.
func (s *AlertStore) GetIncident(ctx context.Context, id string) (*core.CorrelatedIncident, error) {
	conn, err := s.sqlite.acquireRead(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	inc, err := scanIncident(conn.QueryRowContext(ctx, `
		SELECT id, created_at, confidence, member_alert_ids,
			common_ips, common_hashes, methods, fingerprint, status
		FROM incidents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIncidentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load incident: %w", err)
	}
	return inc, nil
}

// UpdateIncidentStatus sets the operator-facing status. Membership and
// confidence are never touched here.
func (s *AlertStore) UpdateIncidentStatus(ctx context.Context, id, status string) error {
	if !core.ValidIncidentStatus(status) {
		return ErrInvalidStatus
	}
	res, err := s.sqlite.WriteDB.ExecContext(ctx,
		"UPDATE incidents SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("failed to update incident status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrIncidentNotFound
	}
	return nil
}

func scanIncident(row rowScanner) (*core.CorrelatedIncident, error) {
	var inc core.CorrelatedIncident
	var members, ips, hashes, methods string
	err := row.Scan(&inc.ID, &inc.CreatedAt, &inc.Confidence, &members,
		&ips, &hashes, &methods, &inc.Fingerprint, &inc.Status)
	if err != nil {
		return nil, err
	}
	unmarshalJSON(members, &inc.MemberAlertIDs)
	unmarshalJSON(ips, &inc.CommonIndicators.IPs)
	unmarshalJSON(hashes, &inc.CommonIndicators.Hashes)
	unmarshalJSON(methods, &inc.MethodsUsed)
	return &inc, nil
}
