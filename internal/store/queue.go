package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/eventops/outreach/internal/domain"
)

// ErrDuplicateRow signals the partial unique index rejected an insert
// because a live row for (contact, message type) already exists.
var ErrDuplicateRow = errors.New("active queue row already exists")

const queueColumns = `id, contact_id, event_id, sender_email, recipient_email,
	cc_recipients, subject, message, last_message_type, status, created_at,
	due_at, scheduled_at, sent_at, attachment, attachment_filename,
	attachment_mimetype, conversation_id, message_id, in_reply_to,
	error_message, retry_count`

func scanQueueRow(row rowScanner) (*domain.QueueRow, error) {
	var q domain.QueueRow
	err := row.Scan(
		&q.ID, &q.ContactID, &q.EventID, &q.SenderEmail, &q.RecipientEmail,
		&q.CCRecipients, &q.Subject, &q.Message, &q.LastMessageType, &q.Status, &q.CreatedAt,
		&q.DueAt, &q.ScheduledAt, &q.SentAt, &q.Attachment, &q.AttachmentFilename,
		&q.AttachmentMimetype, &q.ConversationID, &q.MessageID, &q.InReplyTo,
		&q.ErrorMessage, &q.RetryCount,
	)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// priorityCase orders pending rows by dispatch tier: stage initials
// first, then the staged reminder families, then top-of-funnel, then
// the rest. Mirrors domain.MessageType.PriorityTier.
const priorityCase = `CASE
	WHEN last_message_type IN ('forms_initial', 'payments_initial', 'sepa_initial', 'rh_initial', 'forms_main', 'payment_main') THEN 1
	WHEN last_message_type LIKE 'forms_reminder%' THEN 2
	WHEN last_message_type LIKE 'payments_reminder%' THEN 3
	WHEN last_message_type LIKE 'sepa_reminder%' THEN 4
	WHEN last_message_type LIKE 'rh_reminder%' THEN 5
	WHEN last_message_type IN ('campaign_main', 'reminder1', 'reminder2') THEN 6
	ELSE 7
END`

// FetchDuePendingIDs returns ids of pending rows whose schedule window
// has opened, in dispatch order. The worker locks each row individually
// in its own transaction.
func (s *Store) FetchDuePendingIDs(ctx context.Context, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM email_queue
		WHERE status = 'pending'
		  AND (scheduled_at IS NULL OR scheduled_at <= now())
		ORDER BY `+priorityCase+`, created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch due pending: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LockQueueRow locks one pending row for processing. Returns nil when
// the row is gone, no longer pending, or held by another worker.
func (s *Store) LockQueueRow(ctx context.Context, tx *sql.Tx, id int64) (*domain.QueueRow, error) {
	q, err := scanQueueRow(tx.QueryRowContext(ctx, `
		SELECT `+queueColumns+`
		FROM email_queue
		WHERE id = $1 AND status = 'pending'
		FOR UPDATE SKIP LOCKED`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock queue row %d: %w", id, err)
	}
	return q, nil
}

// InsertQueueRow creates one pending row and returns its id.
func (s *Store) InsertQueueRow(ctx context.Context, tx *sql.Tx, q *domain.QueueRow) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO email_queue (
			contact_id, event_id, sender_email, recipient_email, cc_recipients,
			subject, message, last_message_type, status, due_at, scheduled_at,
			attachment, attachment_filename, attachment_mimetype
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'pending',$9,$10,$11,$12,$13)
		RETURNING id`,
		q.ContactID, q.EventID, q.SenderEmail, q.RecipientEmail, q.CCRecipients,
		q.Subject, q.Message, string(q.LastMessageType), q.DueAt, q.ScheduledAt,
		q.Attachment, q.AttachmentFilename, q.AttachmentMimetype,
	).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return 0, ErrDuplicateRow
		}
		return 0, fmt.Errorf("insert queue row for contact %d: %w", q.ContactID, err)
	}
	return id, nil
}

// ActiveRowExists reports whether a pending or sent row already exists
// for (contact, message type). The unique index enforces this too; the
// check lets callers skip cleanly instead of surfacing a constraint
// error.
func (s *Store) ActiveRowExists(ctx context.Context, tx *sql.Tx, contactID int64, mt domain.MessageType) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM email_queue
			WHERE contact_id = $1 AND last_message_type = $2
			  AND status IN ('pending', 'sent')
		)`, contactID, string(mt)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("active row check: %w", err)
	}
	return exists, nil
}

// DuplicateRecentExists is the send-time duplicate gate: another live
// row for the same (contact, type, recipient) created within the last
// hour.
func (s *Store) DuplicateRecentExists(ctx context.Context, tx *sql.Tx, rowID, contactID int64, mt domain.MessageType, recipient string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM email_queue
			WHERE id <> $1
			  AND contact_id = $2
			  AND last_message_type = $3
			  AND lower(recipient_email) = lower($4)
			  AND status IN ('pending', 'sent')
			  AND created_at > now() - interval '1 hour'
		)`, rowID, contactID, string(mt), recipient).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("duplicate check: %w", err)
	}
	return exists, nil
}

// FailStuckOlder garbage-collects an older pending row for the same
// (contact, type) that predates rowID by more than maxAge.
func (s *Store) FailStuckOlder(ctx context.Context, tx *sql.Tx, rowID, contactID int64, mt domain.MessageType, maxAge time.Duration) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'failed', error_message = 'Message stuck in pending state'
		WHERE contact_id = $1
		  AND last_message_type = $2
		  AND status = 'pending'
		  AND id <> $3
		  AND created_at < (SELECT created_at FROM email_queue WHERE id = $3) - $4::interval`,
		contactID, string(mt), rowID, fmt.Sprintf("%d seconds", int(maxAge.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("fail stuck rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MarkSent finalizes a delivered row. Sent rows are immutable afterwards.
func (s *Store) MarkSent(ctx context.Context, tx *sql.Tx, id int64, messageID, conversationID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'sent', sent_at = $2, message_id = $3, conversation_id = $4, error_message = NULL
		WHERE id = $1 AND status = 'pending'`,
		id, at, messageID, conversationID)
	if err != nil {
		return fmt.Errorf("mark row %d sent: %w", id, err)
	}
	return nil
}

// MarkFailed records a failure reason and bumps the retry counter.
func (s *Store) MarkFailed(ctx context.Context, tx *sql.Tx, id int64, reason string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'failed', error_message = $2, retry_count = retry_count + 1
		WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("mark row %d failed: %w", id, err)
	}
	return nil
}

// MarkSkipped drops a row without sending.
func (s *Store) MarkSkipped(ctx context.Context, tx *sql.Tx, id int64, reason string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE email_queue SET status = 'skipped', error_message = $2 WHERE id = $1`,
		id, reason)
	if err != nil {
		return fmt.Errorf("mark row %d skipped: %w", id, err)
	}
	return nil
}

// RescheduleRow pushes a pending row to a later dispatch window.
func (s *Store) RescheduleRow(ctx context.Context, tx *sql.Tx, id int64, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE email_queue SET scheduled_at = $2 WHERE id = $1 AND status = 'pending'`,
		id, at)
	if err != nil {
		return fmt.Errorf("reschedule row %d: %w", id, err)
	}
	return nil
}

// SetRowAttachment persists an attachment propagated from the contact so
// it survives row retries.
func (s *Store) SetRowAttachment(ctx context.Context, tx *sql.Tx, id int64, blob []byte, filename, mimetype sql.NullString) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE email_queue
		SET attachment = $2, attachment_filename = $3, attachment_mimetype = $4
		WHERE id = $1`, id, blob, filename, mimetype)
	if err != nil {
		return fmt.Errorf("set attachment on row %d: %w", id, err)
	}
	return nil
}

// FailPendingForAddress fails every pending row targeting a bounced
// address.
func (s *Store) FailPendingForAddress(ctx context.Context, tx *sql.Tx, email, reason string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'failed', error_message = $2
		WHERE status = 'pending' AND lower(split_part(recipient_email, ',', 1)) = lower($1)`,
		email, reason)
	if err != nil {
		return 0, fmt.Errorf("fail pending for %s: %w", email, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PriorSentExists reports whether the predecessor step was confirmed
// sent. Reminders are never emitted on the strength of a queued-but-
// unconfirmed predecessor.
func (s *Store) PriorSentExists(ctx context.Context, contactID int64, mt domain.MessageType) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM email_queue
			WHERE contact_id = $1 AND last_message_type = $2 AND status = 'sent'
		)`, contactID, string(mt)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("prior sent check: %w", err)
	}
	return exists, nil
}

// LatestSentForStage returns the most recent sent_at among rows whose
// message type carries the given stage prefix.
func (s *Store) LatestSentForStage(ctx context.Context, contactID int64, stagePrefix string) (sql.NullTime, error) {
	var t sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(sent_at) FROM email_queue
		WHERE contact_id = $1 AND status = 'sent' AND last_message_type LIKE $2 || '%'`,
		contactID, stagePrefix).Scan(&t)
	if err != nil {
		return sql.NullTime{}, fmt.Errorf("latest sent for stage: %w", err)
	}
	return t, nil
}

// PendingStageReminderExists reports a pending reminder row for a stage.
func (s *Store) PendingStageReminderExists(ctx context.Context, contactID int64, stagePrefix string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM email_queue
			WHERE contact_id = $1 AND status = 'pending'
			  AND last_message_type LIKE $2 || '_reminder%'
		)`, contactID, stagePrefix).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("pending reminder check: %w", err)
	}
	return exists, nil
}

// LastSentAnchor returns the contact's most recent sent row that has a
// provider message id; the reply detector correlates threads against it.
func (s *Store) LastSentAnchor(ctx context.Context, contactID int64) (*domain.QueueRow, error) {
	q, err := scanQueueRow(s.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+`
		FROM email_queue
		WHERE contact_id = $1 AND status = 'sent' AND message_id IS NOT NULL
		ORDER BY sent_at DESC
		LIMIT 1`, contactID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last sent anchor for contact %d: %w", contactID, err)
	}
	return q, nil
}

// LatestQueueSentAt is the newest sent_at across all of a contact's rows;
// first choice when resolving the custom-flow anchor time.
func (s *Store) LatestQueueSentAt(ctx context.Context, contactID int64) (sql.NullTime, error) {
	var t sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(sent_at) FROM email_queue
		WHERE contact_id = $1 AND status = 'sent'`, contactID).Scan(&t)
	if err != nil {
		return sql.NullTime{}, fmt.Errorf("latest queue sent: %w", err)
	}
	return t, nil
}

// QueueStatusCounts returns row counts per raw status.
func (s *Store) QueueStatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM email_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue status counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// RecentQueueRows lists the newest rows for the operator overview.
func (s *Store) RecentQueueRows(ctx context.Context, limit int) ([]domain.QueueRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM email_queue
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent queue rows: %w", err)
	}
	defer rows.Close()

	var out []domain.QueueRow
	for rows.Next() {
		q, err := scanQueueRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}
