package domain

import (
	"database/sql"
	"strings"
	"time"
)

// Contact is one recipient progressing through a campaign. The embedded
// sql.Null* fields mirror nullable columns; everything the decision engine
// reads is resolved through helper methods.
type Contact struct {
	ID              int64
	EventID         int64
	Name            string
	Prefix          sql.NullString
	Email           string
	CCStore         sql.NullString // storage-only, never used for sending
	Stage           string
	Status          sql.NullString
	LastMessageType sql.NullString
	LastTriggeredAt sql.NullTime
	LastSentBody    sql.NullString
	LastSentAt      sql.NullTime
	LastReplyBody   sql.NullString
	LastReplyAt     sql.NullTime
	CampaignPaused  bool
	EmailBounced    bool
	FlowType        sql.NullString

	Attachment         []byte
	AttachmentFilename sql.NullString
	AttachmentMimetype sql.NullString

	FormsLink     sql.NullString
	PaymentLink   sql.NullString
	InvoiceNumber sql.NullString
	AssignedTo    sql.NullString
}

// PrimaryEmail returns the first address embedded in the email field.
func (c *Contact) PrimaryEmail() string {
	addrs := SplitAddresses(c.Email)
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}

// EmbeddedExtras returns the legacy extra addresses embedded after the
// primary one in the email field.
func (c *Contact) EmbeddedExtras() []string {
	addrs := SplitAddresses(c.Email)
	if len(addrs) <= 1 {
		return nil
	}
	return addrs[1:]
}

// AllAddresses returns every address that identifies this contact,
// lowercased, for reply verification.
func (c *Contact) AllAddresses() []string {
	addrs := SplitAddresses(c.Email)
	for i := range addrs {
		addrs[i] = strings.ToLower(addrs[i])
	}
	return addrs
}

// CCForEnqueue resolves the CC list snapshotted onto a queue row at
// enqueue time: cc_store when present, otherwise the embedded extras.
// cc_store is never consulted again after this point.
func (c *Contact) CCForEnqueue() string {
	if c.CCStore.Valid && strings.TrimSpace(c.CCStore.String) != "" {
		return strings.Join(SplitAddresses(c.CCStore.String), ",")
	}
	return strings.Join(c.EmbeddedExtras(), ",")
}

// IsCustomFlow reports whether the contact is driven by an operator flow.
func (c *Contact) IsCustomFlow() bool {
	return c.FlowType.Valid && strings.EqualFold(c.FlowType.String, "custom")
}

// SplitAddresses splits a comma-separated address list, trimming blanks.
func SplitAddresses(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Event owns the sender mailbox and the display fields templates render.
type Event struct {
	ID          int64
	SenderEmail string
	OrgName     sql.NullString
	City        sql.NullString
	Venue       sql.NullString
	Date2       sql.NullString
	Month       sql.NullString
	EventName   sql.NullString
}

// ContactEventRelation is one (event, contact) pairing for an email that
// appears across multiple events.
type ContactEventRelation struct {
	EventID   int64     `json:"event_id"`
	ContactID int64     `json:"contact_id"`
	EventName string    `json:"event_name"`
	Status    string    `json:"status,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	CreatedAt time.Time `json:"-"`
}
