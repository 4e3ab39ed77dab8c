package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/eventops/outreach/internal/domain"
	"github.com/eventops/outreach/internal/schedule"
)

// GetSenderStats reads one stats row; nil when none exists.
func (s *Store) GetSenderStats(ctx context.Context, key string) (*domain.SenderStats, error) {
	var st domain.SenderStats
	err := s.db.QueryRowContext(ctx,
		`SELECT key, last_sent, cooldown FROM sender_stats WHERE key = $1`,
		key).Scan(&st.Key, &st.LastSent, &st.Cooldown)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sender stats %s: %w", key, err)
	}
	return &st, nil
}

// EffectiveSenderStats resolves the stats governing a send from this
// mailbox: the domain-level row when present, else the per-mailbox row.
func (s *Store) EffectiveSenderStats(ctx context.Context, senderEmail string) (*domain.SenderStats, error) {
	if st, err := s.GetSenderStats(ctx, schedule.DomainKey(senderEmail)); err != nil || st != nil {
		return st, err
	}
	return s.GetSenderStats(ctx, strings.ToLower(senderEmail))
}

// TouchSenderAfterSend records a successful send: the domain row gets a
// fresh last_sent and a new randomized cooldown; the per-mailbox row only
// refreshes last_sent, keeping whatever cooldown an operator configured.
func (s *Store) TouchSenderAfterSend(ctx context.Context, tx *sql.Tx, senderEmail string, at time.Time, newCooldown int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sender_stats (key, last_sent, cooldown)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET last_sent = EXCLUDED.last_sent, cooldown = EXCLUDED.cooldown`,
		schedule.DomainKey(senderEmail), at, newCooldown)
	if err != nil {
		return fmt.Errorf("touch domain stats for %s: %w", senderEmail, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sender_stats (key, last_sent)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET last_sent = EXCLUDED.last_sent`,
		strings.ToLower(senderEmail), at)
	if err != nil {
		return fmt.Errorf("touch sender stats for %s: %w", senderEmail, err)
	}
	return nil
}

// UpsertBounce records one NDR against an address, bumping the counter
// on repeats.
func (s *Store) UpsertBounce(ctx context.Context, tx *sql.Tx, email string, bt domain.BounceType, reason string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO bounced_emails (email, first_bounced_at, last_bounced_at, bounce_count, bounce_type, bounce_reason)
		VALUES (lower($1), $2, $2, 1, $3, $4)
		ON CONFLICT (email) DO UPDATE
		SET last_bounced_at = EXCLUDED.last_bounced_at,
		    bounce_count = bounced_emails.bounce_count + 1,
		    bounce_type = EXCLUDED.bounce_type,
		    bounce_reason = EXCLUDED.bounce_reason`,
		email, at, string(bt), reason)
	if err != nil {
		return fmt.Errorf("upsert bounce for %s: %w", email, err)
	}
	return nil
}

// IsBounced reports whether an address sits in the quarantine set.
func (s *Store) IsBounced(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM bounced_emails WHERE email = lower($1))`,
		email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("bounce check for %s: %w", email, err)
	}
	return exists, nil
}

// Heartbeat refreshes a worker's liveness row.
func (s *Store) Heartbeat(ctx context.Context, worker, hostname string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (worker, hostname, last_beat)
		VALUES ($1, $2, now())
		ON CONFLICT (worker) DO UPDATE
		SET hostname = EXCLUDED.hostname, last_beat = now()`,
		worker, hostname)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", worker, err)
	}
	return nil
}
