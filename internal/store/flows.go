package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/eventops/outreach/internal/domain"
)

// ActiveFlowForContact loads the contact's active custom flow with its
// steps in order; nil when the contact has none.
func (s *Store) ActiveFlowForContact(ctx context.Context, contactID int64) (*domain.CustomFlow, error) {
	var f domain.CustomFlow
	err := s.db.QueryRowContext(ctx, `
		SELECT id, contact_id, active, created_at
		FROM custom_flows
		WHERE contact_id = $1 AND active = TRUE
		ORDER BY created_at DESC
		LIMIT 1`, contactID).Scan(&f.ID, &f.ContactID, &f.Active, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active flow for contact %d: %w", contactID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, flow_id, step_order, step_type, subject, body, delay_days
		FROM custom_flow_steps
		WHERE flow_id = $1
		ORDER BY step_order ASC`, f.ID)
	if err != nil {
		return nil, fmt.Errorf("flow steps for flow %d: %w", f.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var st domain.CustomFlowStep
		if err := rows.Scan(&st.ID, &st.FlowID, &st.StepOrder, &st.Type, &st.Subject, &st.Body, &st.DelayDays); err != nil {
			return nil, err
		}
		f.Steps = append(f.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateCustomFlow replaces any active flow for the contact with a new
// one and switches the contact onto the custom path.
func (s *Store) CreateCustomFlow(ctx context.Context, contactID int64, steps []domain.CustomFlowStep) (int64, error) {
	var flowID int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE custom_flows SET active = FALSE WHERE contact_id = $1 AND active = TRUE`,
			contactID); err != nil {
			return fmt.Errorf("deactivate old flows: %w", err)
		}
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO custom_flows (contact_id) VALUES ($1) RETURNING id`,
			contactID).Scan(&flowID); err != nil {
			return fmt.Errorf("insert flow: %w", err)
		}
		for i, st := range steps {
			stepType := st.Type
			if stepType == "" {
				stepType = domain.StepEmail
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO custom_flow_steps (flow_id, step_order, step_type, subject, body, delay_days)
				VALUES ($1,$2,$3,$4,$5,$6)`,
				flowID, i+1, string(stepType), st.Subject, st.Body, st.DelayDays); err != nil {
				return fmt.Errorf("insert step %d: %w", i+1, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE contacts
			SET flow_type = 'custom', stage = 'custom', updated_at = now()
			WHERE id = $1`, contactID); err != nil {
			return fmt.Errorf("switch contact to custom flow: %w", err)
		}
		return nil
	})
	return flowID, err
}

// SetFlowActive pauses or resumes a whole flow.
func (s *Store) SetFlowActive(ctx context.Context, flowID int64, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE custom_flows SET active = $2 WHERE id = $1`, flowID, active)
	if err != nil {
		return fmt.Errorf("set flow %d active=%v: %w", flowID, active, err)
	}
	return nil
}

// UpsertCustomMessage stores a per-contact template override. One
// override per (contact, message type); repeats replace the text.
func (s *Store) UpsertCustomMessage(ctx context.Context, m *domain.CustomMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO custom_contact_messages
			(contact_id, message_type, stage, reminder_type, subject, body, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,TRUE)
		ON CONFLICT (contact_id, message_type) DO UPDATE
		SET stage = EXCLUDED.stage,
		    reminder_type = EXCLUDED.reminder_type,
		    subject = EXCLUDED.subject,
		    body = EXCLUDED.body,
		    is_active = TRUE,
		    updated_at = now()`,
		m.ContactID, m.MessageType, m.Stage, m.ReminderType, m.Subject, m.Body)
	if err != nil {
		return fmt.Errorf("upsert custom message for contact %d: %w", m.ContactID, err)
	}
	return nil
}

// ActiveCustomMessage returns the override for (contact, message type)
// if one is active; nil otherwise.
func (s *Store) ActiveCustomMessage(ctx context.Context, contactID int64, messageType string) (*domain.CustomMessage, error) {
	var m domain.CustomMessage
	err := s.db.QueryRowContext(ctx, `
		SELECT id, contact_id, message_type, stage, reminder_type, subject, body, is_active, created_at, updated_at
		FROM custom_contact_messages
		WHERE contact_id = $1 AND message_type = $2 AND is_active = TRUE`,
		contactID, messageType).Scan(
		&m.ID, &m.ContactID, &m.MessageType, &m.Stage, &m.ReminderType,
		&m.Subject, &m.Body, &m.IsActive, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("custom message lookup: %w", err)
	}
	return &m, nil
}

// ListCustomMessages lists all overrides for a contact, active or not.
func (s *Store) ListCustomMessages(ctx context.Context, contactID int64) ([]domain.CustomMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, contact_id, message_type, stage, reminder_type, subject, body, is_active, created_at, updated_at
		FROM custom_contact_messages
		WHERE contact_id = $1
		ORDER BY message_type`, contactID)
	if err != nil {
		return nil, fmt.Errorf("list custom messages: %w", err)
	}
	defer rows.Close()

	var out []domain.CustomMessage
	for rows.Next() {
		var m domain.CustomMessage
		if err := rows.Scan(&m.ID, &m.ContactID, &m.MessageType, &m.Stage, &m.ReminderType,
			&m.Subject, &m.Body, &m.IsActive, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeactivateCustomMessage disables an override without deleting the text.
func (s *Store) DeactivateCustomMessage(ctx context.Context, contactID int64, messageType string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE custom_contact_messages
		SET is_active = FALSE, updated_at = now()
		WHERE contact_id = $1 AND message_type = $2`,
		contactID, messageType)
	if err != nil {
		return fmt.Errorf("deactivate custom message: %w", err)
	}
	return nil
}

// RelationsForEmail lists every (event, contact) pairing a primary
// address appears in, with the contact's progress in each.
func (s *Store) RelationsForEmail(ctx context.Context, email string) ([]domain.ContactEventRelation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.event_id, r.contact_id, COALESCE(e.event_name, ''), COALESCE(c.status, ''), c.stage, r.created_at
		FROM contact_event_relations r
		JOIN contacts c ON c.id = r.contact_id
		JOIN events e ON e.id = r.event_id
		WHERE lower(split_part(c.email, ',', 1)) = lower($1)
		ORDER BY r.created_at DESC`, email)
	if err != nil {
		return nil, fmt.Errorf("relations for %s: %w", email, err)
	}
	defer rows.Close()

	var out []domain.ContactEventRelation
	for rows.Next() {
		var r domain.ContactEventRelation
		if err := rows.Scan(&r.EventID, &r.ContactID, &r.EventName, &r.Status, &r.Stage, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EnsureRelation records that a contact belongs to an event.
func (s *Store) EnsureRelation(ctx context.Context, eventID, contactID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contact_event_relations (event_id, contact_id)
		VALUES ($1, $2)
		ON CONFLICT (event_id, contact_id) DO NOTHING`,
		eventID, contactID)
	if err != nil {
		return fmt.Errorf("ensure relation (%d, %d): %w", eventID, contactID, err)
	}
	return nil
}
