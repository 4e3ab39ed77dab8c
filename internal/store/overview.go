package store

import (
	"context"
	"fmt"
	"time"

	"github.com/eventops/outreach/internal/domain"
)

// StatusCount is one aggregated contact-status bucket.
type StatusCount struct {
	Status string
	Count  int
}

// ContactStatusCounts aggregates non-finalized contacts by status for the
// queue overview. One row per contact; status is lowercased.
func (s *Store) ContactStatusCounts(ctx context.Context) ([]StatusCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT LOWER(COALESCE(status, '')), COUNT(DISTINCT id)
		FROM contacts
		WHERE COALESCE(status, '') != 'finalized'
		GROUP BY LOWER(COALESCE(status, ''))`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatusCount
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// OrphanPendingCounts covers pending queue rows whose contact row is gone,
// grouped by message type, so the overview still accounts for them.
func (s *Store) OrphanPendingCounts(ctx context.Context) ([]StatusCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT LOWER(COALESCE(last_message_type, '')), COUNT(DISTINCT contact_id)
		FROM email_queue
		WHERE status = 'pending' AND contact_id NOT IN (SELECT id FROM contacts)
		GROUP BY LOWER(COALESCE(last_message_type, ''))`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatusCount
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// FlowStepCounts returns, per active-flow step order, how many contacts
// currently sit on that flow.
func (s *Store) FlowStepCounts(ctx context.Context) (map[int]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.step_order, COUNT(DISTINCT cf.contact_id)
		FROM custom_flows cf
		JOIN custom_flow_steps s ON s.flow_id = cf.id
		WHERE cf.active IS TRUE
		GROUP BY s.step_order
		ORDER BY s.step_order`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]int)
	for rows.Next() {
		var order, cnt int
		if err := rows.Scan(&order, &cnt); err != nil {
			return nil, err
		}
		out[order] = cnt
	}
	return out, rows.Err()
}

// FailureSummary holds the recent-failure roll-up for the overview.
type FailureSummary struct {
	TotalItems int
	Contacts   int
	ByReason   map[string]int
}

// RecentFailureSummary summarizes failed queue rows inside the window.
// Reasons are capped at 50 buckets, largest first.
func (s *Store) RecentFailureSummary(ctx context.Context, window time.Duration) (*FailureSummary, error) {
	sum := &FailureSummary{ByReason: make(map[string]int)}
	cutoff := "now() - $1::interval"

	interval := fmt.Sprintf("%d seconds", int64(window.Seconds()))
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT contact_id) FROM email_queue
		 WHERE status = 'failed' AND created_at >= `+cutoff, interval).
		Scan(&sum.TotalItems, &sum.Contacts)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(error_message, '(unknown)'), COUNT(*)
		FROM email_queue
		WHERE status = 'failed' AND created_at >= `+cutoff+`
		GROUP BY error_message
		ORDER BY COUNT(*) DESC
		LIMIT 50`, interval)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var reason string
		var cnt int
		if err := rows.Scan(&reason, &cnt); err != nil {
			return nil, err
		}
		sum.ByReason[reason] = cnt
	}
	return sum, rows.Err()
}

// WorkerHeartbeats lists the last check-in per worker.
func (s *Store) WorkerHeartbeats(ctx context.Context) ([]domain.WorkerHeartbeat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker, hostname, last_beat
		FROM worker_heartbeats
		ORDER BY worker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WorkerHeartbeat
	for rows.Next() {
		var hb domain.WorkerHeartbeat
		if err := rows.Scan(&hb.WorkerName, &hb.Hostname, &hb.LastHeartbeat); err != nil {
			return nil, err
		}
		out = append(out, hb)
	}
	return out, rows.Err()
}
