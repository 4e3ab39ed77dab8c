package store

import (
	"context"
	"fmt"
	"log"
)

// schemaStatements are executed in order by EnsureSchema. Every statement
// is idempotent so startup can run this unconditionally.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id           BIGSERIAL PRIMARY KEY,
		sender_email TEXT NOT NULL,
		event_name   TEXT,
		org_name     TEXT,
		city         TEXT,
		venue        TEXT,
		date2        TEXT,
		month        TEXT,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS contacts (
		id                  BIGSERIAL PRIMARY KEY,
		event_id            BIGINT NOT NULL REFERENCES events(id),
		name                TEXT NOT NULL DEFAULT '',
		prefix              TEXT,
		email               TEXT NOT NULL,
		cc_store            TEXT,
		stage               TEXT NOT NULL DEFAULT 'initial',
		status              TEXT,
		last_message_type   TEXT,
		last_triggered_at   TIMESTAMPTZ,
		last_sent_body      TEXT,
		last_sent_at        TIMESTAMPTZ,
		last_reply_body     TEXT,
		last_reply_at       TIMESTAMPTZ,
		campaign_paused     BOOLEAN NOT NULL DEFAULT FALSE,
		email_bounced       BOOLEAN NOT NULL DEFAULT FALSE,
		flow_type           TEXT,
		attachment          BYTEA,
		attachment_filename TEXT,
		attachment_mimetype TEXT,
		forms_link          TEXT,
		payment_link        TEXT,
		invoice_number      TEXT,
		assigned_to         TEXT,
		trigger_log         TEXT,
		email_error         TEXT,
		validation_result   TEXT,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS contacts_active_idx
		ON contacts (last_triggered_at ASC NULLS FIRST)
		WHERE campaign_paused = FALSE`,
	`CREATE INDEX IF NOT EXISTS contacts_primary_email_idx
		ON contacts (lower(split_part(email, ',', 1)))`,

	`CREATE TABLE IF NOT EXISTS contact_event_relations (
		event_id   BIGINT NOT NULL REFERENCES events(id),
		contact_id BIGINT NOT NULL REFERENCES contacts(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (event_id, contact_id)
	)`,

	`CREATE TABLE IF NOT EXISTS email_queue (
		id                  BIGSERIAL PRIMARY KEY,
		contact_id          BIGINT NOT NULL REFERENCES contacts(id),
		event_id            BIGINT NOT NULL,
		sender_email        TEXT NOT NULL,
		recipient_email     TEXT NOT NULL,
		cc_recipients       TEXT,
		subject             TEXT NOT NULL,
		message             TEXT NOT NULL,
		last_message_type   TEXT NOT NULL,
		status              TEXT NOT NULL DEFAULT 'pending',
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		due_at              TIMESTAMPTZ,
		scheduled_at        TIMESTAMPTZ,
		sent_at             TIMESTAMPTZ,
		attachment          BYTEA,
		attachment_filename TEXT,
		attachment_mimetype TEXT,
		conversation_id     TEXT,
		message_id          TEXT,
		in_reply_to         TEXT,
		error_message       TEXT,
		retry_count         INT NOT NULL DEFAULT 0
	)`,
	// Single delivery per step: at most one live row per contact and
	// message type.
	`CREATE UNIQUE INDEX IF NOT EXISTS email_queue_one_live_per_step
		ON email_queue (contact_id, last_message_type)
		WHERE status IN ('pending', 'sent')`,
	`CREATE INDEX IF NOT EXISTS email_queue_dispatch_idx
		ON email_queue (status, scheduled_at)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id              BIGSERIAL PRIMARY KEY,
		message_id      TEXT NOT NULL,
		conversation_id TEXT,
		contact_id      BIGINT,
		sender_email    TEXT NOT NULL,
		recipient_email TEXT,
		subject         TEXT NOT NULL DEFAULT '',
		body            TEXT NOT NULL DEFAULT '',
		direction       TEXT NOT NULL,
		sent_at         TIMESTAMPTZ,
		received_at     TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS messages_provider_id_idx
		ON messages (message_id)`,

	`CREATE TABLE IF NOT EXISTS message_contact_map (
		message_id TEXT NOT NULL,
		contact_id BIGINT NOT NULL REFERENCES contacts(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (message_id, contact_id)
	)`,

	`CREATE TABLE IF NOT EXISTS sender_stats (
		key       TEXT PRIMARY KEY,
		last_sent TIMESTAMPTZ,
		cooldown  INT NOT NULL DEFAULT 90
	)`,

	`CREATE TABLE IF NOT EXISTS bounced_emails (
		email            TEXT PRIMARY KEY,
		first_bounced_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_bounced_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		bounce_count     INT NOT NULL DEFAULT 1,
		bounce_type      TEXT NOT NULL DEFAULT 'hard',
		bounce_reason    TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS custom_flows (
		id         BIGSERIAL PRIMARY KEY,
		contact_id BIGINT NOT NULL REFERENCES contacts(id),
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS custom_flow_steps (
		id         BIGSERIAL PRIMARY KEY,
		flow_id    BIGINT NOT NULL REFERENCES custom_flows(id) ON DELETE CASCADE,
		step_order INT NOT NULL,
		step_type  TEXT NOT NULL DEFAULT 'email',
		subject    TEXT NOT NULL DEFAULT '',
		body       TEXT NOT NULL DEFAULT '',
		delay_days INT NOT NULL DEFAULT 0,
		UNIQUE (flow_id, step_order)
	)`,

	`CREATE TABLE IF NOT EXISTS custom_contact_messages (
		id           BIGSERIAL PRIMARY KEY,
		contact_id   BIGINT NOT NULL REFERENCES contacts(id),
		message_type TEXT NOT NULL,
		stage        TEXT,
		reminder_type TEXT,
		subject      TEXT NOT NULL,
		body         TEXT NOT NULL,
		is_active    BOOLEAN NOT NULL DEFAULT TRUE,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (contact_id, message_type)
	)`,

	`CREATE TABLE IF NOT EXISTS worker_heartbeats (
		worker    TEXT PRIMARY KEY,
		hostname  TEXT NOT NULL DEFAULT '',
		last_beat TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates every table and index the workers depend on.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	log.Printf("[Store] schema ensured (%d statements)", len(schemaStatements))
	return nil
}
