package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/eventops/outreach/internal/domain"
)

// InsertMessage appends an audit row. Re-processing the same provider id
// is a no-op thanks to the unique index.
func (s *Store) InsertMessage(ctx context.Context, tx *sql.Tx, m *domain.MessageRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (
			message_id, conversation_id, contact_id, sender_email,
			recipient_email, subject, body, direction, sent_at, received_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (message_id) DO NOTHING`,
		m.MessageID, m.ConversationID, m.ContactID, m.SenderEmail,
		m.RecipientEmail, m.Subject, m.Body, string(m.Direction), m.SentAt, m.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.MessageID, err)
	}
	return nil
}

// MessageSeen reports whether a provider message id was already recorded.
func (s *Store) MessageSeen(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE message_id = $1)`,
		messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("message seen check: %w", err)
	}
	return exists, nil
}

// MapMessageContact records message_id -> contact for O(1) reply
// correlation. Only the primary recipient is mapped; CC'd addresses are
// matched through the recipient map instead.
func (s *Store) MapMessageContact(ctx context.Context, tx *sql.Tx, messageID string, contactID int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO message_contact_map (message_id, contact_id)
		VALUES ($1, $2)
		ON CONFLICT (message_id, contact_id) DO NOTHING`,
		messageID, contactID)
	if err != nil {
		return fmt.Errorf("map message %s: %w", messageID, err)
	}
	return nil
}

// ContactsForMessageID resolves the deterministic reply map.
func (s *Store) ContactsForMessageID(ctx context.Context, messageID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT contact_id FROM message_contact_map WHERE message_id = $1`,
		strings.Trim(messageID, "<>"))
	if err != nil {
		return nil, fmt.Errorf("contacts for message: %w", err)
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

// LatestMessageSentAt is the fallback anchor source when the queue has
// no sent rows for the contact.
func (s *Store) LatestMessageSentAt(ctx context.Context, contactID int64) (sql.NullTime, error) {
	var t sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(sent_at) FROM messages
		WHERE contact_id = $1 AND direction = 'sent'`, contactID).Scan(&t)
	if err != nil {
		return sql.NullTime{}, fmt.Errorf("latest message sent: %w", err)
	}
	return t, nil
}

// RecipientContactMap builds address -> contact ids from the sent audit
// trail. Catches replies from contacts who were only ever CC'd.
func (s *Store) RecipientContactMap(ctx context.Context) (map[string][]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT lower(recipient_email), contact_id
		FROM messages
		WHERE direction = 'sent' AND contact_id IS NOT NULL AND recipient_email IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("recipient contact map: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]int64)
	for rows.Next() {
		var addr string
		var id int64
		if err := rows.Scan(&addr, &id); err != nil {
			return nil, err
		}
		out[addr] = append(out[addr], id)
	}
	return out, rows.Err()
}
