package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/eventops/outreach/internal/domain"
)

const contactColumns = `id, event_id, name, prefix, email, cc_store, stage, status,
	last_message_type, last_triggered_at, last_sent_body, last_sent_at,
	last_reply_body, last_reply_at, campaign_paused, email_bounced, flow_type,
	attachment, attachment_filename, attachment_mimetype,
	forms_link, payment_link, invoice_number, assigned_to`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanContact(row rowScanner) (*domain.Contact, error) {
	var c domain.Contact
	err := row.Scan(
		&c.ID, &c.EventID, &c.Name, &c.Prefix, &c.Email, &c.CCStore, &c.Stage, &c.Status,
		&c.LastMessageType, &c.LastTriggeredAt, &c.LastSentBody, &c.LastSentAt,
		&c.LastReplyBody, &c.LastReplyAt, &c.CampaignPaused, &c.EmailBounced, &c.FlowType,
		&c.Attachment, &c.AttachmentFilename, &c.AttachmentMimetype,
		&c.FormsLink, &c.PaymentLink, &c.InvoiceNumber, &c.AssignedTo,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FetchActiveContacts returns every contact the decision engine should
// consider this tick, oldest-triggered first so stalled contacts are not
// starved by busy ones.
func (s *Store) FetchActiveContacts(ctx context.Context) ([]domain.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE campaign_paused = FALSE
		  AND email_bounced = FALSE
		  AND COALESCE(status, '') NOT IN ('completed', 'cancelled', 'Replied')
		  AND lower(stage) NOT IN ('completed', 'cancelled')
		ORDER BY last_triggered_at ASC NULLS FIRST`)
	if err != nil {
		return nil, fmt.Errorf("fetch active contacts: %w", err)
	}
	defer rows.Close()

	var out []domain.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetContactTx loads one contact inside a transaction, re-reading state
// after the advisory lock was taken.
func (s *Store) GetContactTx(ctx context.Context, tx *sql.Tx, id int64) (*domain.Contact, error) {
	c, err := scanContact(tx.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contact %d: %w", id, err)
	}
	return c, nil
}

// GetContact loads one contact outside a transaction.
func (s *Store) GetContact(ctx context.Context, id int64) (*domain.Contact, error) {
	c, err := scanContact(s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contact %d: %w", id, err)
	}
	return c, nil
}

// GetEvent loads the event that owns a contact's sender mailbox.
func (s *Store) GetEvent(ctx context.Context, id int64) (*domain.Event, error) {
	var e domain.Event
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sender_email, org_name, city, venue, date2, month, event_name
		FROM events WHERE id = $1`, id).Scan(
		&e.ID, &e.SenderEmail, &e.OrgName, &e.City, &e.Venue, &e.Date2, &e.Month, &e.EventName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event %d: %w", id, err)
	}
	return &e, nil
}

// MarkEnqueued records the decision engine's writes after a queue row was
// inserted: status, last_message_type, last_triggered_at and the audit
// trigger line.
func (s *Store) MarkEnqueued(ctx context.Context, tx *sql.Tx, contactID int64, status string, mt domain.MessageType, at time.Time, trigger string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE contacts
		SET status = $2,
		    last_message_type = $3,
		    last_triggered_at = $4,
		    trigger_log = COALESCE(trigger_log, '') || $5,
		    updated_at = now()
		WHERE id = $1`,
		contactID, status, string(mt), at, triggerLine(at, trigger))
	if err != nil {
		return fmt.Errorf("mark enqueued for contact %d: %w", contactID, err)
	}
	return nil
}

// MarkContactSent mirrors a successful send onto the contact: the status
// token for the message type, the sent body for later history quoting,
// and an audit line.
func (s *Store) MarkContactSent(ctx context.Context, tx *sql.Tx, contactID int64, status, body string, at time.Time, trigger string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE contacts
		SET status = $2,
		    last_sent_body = $3,
		    last_sent_at = $4,
		    trigger_log = COALESCE(trigger_log, '') || $5,
		    updated_at = now()
		WHERE id = $1`,
		contactID, status, body, at, triggerLine(at, trigger))
	if err != nil {
		return fmt.Errorf("mark contact %d sent: %w", contactID, err)
	}
	return nil
}

// MarkReplied pauses the contact after an inbound reply was correlated.
func (s *Store) MarkReplied(ctx context.Context, tx *sql.Tx, contactID int64, replyBody string, at time.Time, trigger string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE contacts
		SET status = 'Replied',
		    campaign_paused = TRUE,
		    last_reply_body = $2,
		    last_reply_at = $3,
		    trigger_log = COALESCE(trigger_log, '') || $4,
		    updated_at = now()
		WHERE id = $1`,
		contactID, replyBody, at, triggerLine(at, trigger))
	if err != nil {
		return fmt.Errorf("mark contact %d replied: %w", contactID, err)
	}
	return nil
}

// SetEmailError mirrors a send failure onto the contact record.
func (s *Store) SetEmailError(ctx context.Context, contactID int64, msg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET email_error = $2, updated_at = now() WHERE id = $1`,
		contactID, msg)
	if err != nil {
		return fmt.Errorf("set email error for contact %d: %w", contactID, err)
	}
	return nil
}

// ContactToValidate pairs a contact with the address to validate.
type ContactToValidate struct {
	ID    int64
	Email string
}

// ContactsPendingValidation lists contacts never checked against the
// validation service, oldest first.
func (s *Store) ContactsPendingValidation(ctx context.Context, limit int) ([]ContactToValidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email FROM contacts
		WHERE validation_result IS NULL AND email != ''
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("contacts pending validation: %w", err)
	}
	defer rows.Close()

	var out []ContactToValidate
	for rows.Next() {
		var c ContactToValidate
		if err := rows.Scan(&c.ID, &c.Email); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetValidationResult records the service's verdict, or the final error
// text when the service could not be reached.
func (s *Store) SetValidationResult(ctx context.Context, contactID int64, result string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET validation_result = $2, updated_at = now() WHERE id = $1`,
		contactID, result)
	if err != nil {
		return fmt.Errorf("set validation result for contact %d: %w", contactID, err)
	}
	return nil
}

// SetContactStatus writes a bare status token (used by the custom flow
// branch for non-email steps and completion markers).
func (s *Store) SetContactStatus(ctx context.Context, tx *sql.Tx, contactID int64, status string, at time.Time, trigger string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE contacts
		SET status = $2,
		    trigger_log = COALESCE(trigger_log, '') || $3,
		    updated_at = now()
		WHERE id = $1`,
		contactID, status, triggerLine(at, trigger))
	if err != nil {
		return fmt.Errorf("set status for contact %d: %w", contactID, err)
	}
	return nil
}

// protectedBounceStages keep their stage on bounce; the failure was
// intentional or the sequence already ended.
const protectedBounceStages = `('completed', 'invoice & confirmation', 'payment due', 'wrong person')`

// QuarantineAddress applies the bounce cascade to every contact whose
// primary address matches: bounced flag, pause, stage rewrite, audit.
// Returns the affected contact ids.
func (s *Store) QuarantineAddress(ctx context.Context, tx *sql.Tx, email string, at time.Time, trigger string) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `
		UPDATE contacts
		SET email_bounced = TRUE,
		    campaign_paused = TRUE,
		    stage = CASE
		        WHEN lower(stage) IN `+protectedBounceStages+` THEN stage
		        ELSE 'mail delivery'
		    END,
		    trigger_log = COALESCE(trigger_log, '') || $2,
		    updated_at = now()
		WHERE lower(split_part(email, ',', 1)) = lower($1)
		RETURNING id`,
		email, triggerLine(at, trigger))
	if err != nil {
		return nil, fmt.Errorf("quarantine %s: %w", email, err)
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

// UpdateContactStage is the operator stage change. Any transition away
// from a staged sequence, including into another sequence, resets
// last_message_type and pauses the campaign so an operator reviews
// before anything else goes out. Otherwise a forms reminder left in
// last_message_type would let the engine auto-advance the new stage.
func (s *Store) UpdateContactStage(ctx context.Context, contactID int64, newStage string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		c, err := s.GetContactTx(ctx, tx, contactID)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("contact %d not found", contactID)
		}

		leavingSequence := stageInSequence(c.Stage) &&
			domain.NormalizeStage(newStage) != domain.NormalizeStage(c.Stage)
		if leavingSequence {
			_, err = tx.ExecContext(ctx, `
				UPDATE contacts
				SET stage = $2, last_message_type = NULL, campaign_paused = TRUE, updated_at = now()
				WHERE id = $1`, contactID, newStage)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE contacts SET stage = $2, updated_at = now() WHERE id = $1`,
				contactID, newStage)
		}
		if err != nil {
			return fmt.Errorf("update stage for contact %d: %w", contactID, err)
		}
		return nil
	})
}

func stageInSequence(stage string) bool {
	switch domain.NormalizeStage(stage) {
	case domain.StageForms, domain.StagePayments, domain.StageSEPA, domain.StageRH:
		// NormalizeStage buckets unknown values into initial, so only an
		// actual sequence keyword lands here.
		return true
	}
	return false
}

// ResumeCampaign clears the pause and stamps last_triggered_at so the
// decision engine's recent-resume guard defers to the immediate path.
func (s *Store) ResumeCampaign(ctx context.Context, contactID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contacts
		SET campaign_paused = FALSE,
		    status = 'pending',
		    last_message_type = NULL,
		    last_triggered_at = $2,
		    updated_at = now()
		WHERE id = $1`, contactID, at)
	if err != nil {
		return fmt.Errorf("resume contact %d: %w", contactID, err)
	}
	return nil
}

func triggerLine(at time.Time, text string) string {
	return fmt.Sprintf("\n[%s] %s", at.UTC().Format("2006-01-02 15:04:05"), text)
}
