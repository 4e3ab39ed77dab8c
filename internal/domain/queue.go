package domain

import (
	"database/sql"
	"time"
)

// QueueStatus enumerates the lifecycle of one row in the email queue.
type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueSent    QueueStatus = "sent"
	QueueFailed  QueueStatus = "failed"
	QueueSkipped QueueStatus = "skipped"
)

// QueueRow is one scheduled outbound message. Recipient and CC lists are
// snapshotted at enqueue time so later contact edits do not affect rows
// already in flight.
type QueueRow struct {
	ID              int64
	ContactID       int64
	EventID         int64
	SenderEmail     string
	RecipientEmail  string
	CCRecipients    sql.NullString
	Subject         string
	Message         string
	LastMessageType MessageType
	Status          QueueStatus
	CreatedAt       time.Time
	DueAt           sql.NullTime
	ScheduledAt     sql.NullTime
	SentAt          sql.NullTime

	Attachment         []byte
	AttachmentFilename sql.NullString
	AttachmentMimetype sql.NullString

	ConversationID sql.NullString
	MessageID      sql.NullString
	InReplyTo      sql.NullString
	ErrorMessage   sql.NullString
	RetryCount     int
}

// MessageDirection distinguishes audit rows for outbound and inbound mail.
type MessageDirection string

const (
	DirectionSent     MessageDirection = "sent"
	DirectionReceived MessageDirection = "received"
)

// MessageRecord is the audit row for every message the system sent or saw.
// Keyed by provider message id; re-insertion is a no-op.
type MessageRecord struct {
	ID             int64
	MessageID      string
	ConversationID sql.NullString
	ContactID      sql.NullInt64
	SenderEmail    string
	RecipientEmail sql.NullString
	Subject        string
	Body           string
	Direction      MessageDirection
	SentAt         sql.NullTime
	ReceivedAt     sql.NullTime
}

// SenderStats is the cooldown bookkeeping for a sender mailbox or a
// sending domain. Domain rows are keyed "domain:<host>" and dominate
// per-mailbox rows.
type SenderStats struct {
	Key      string
	LastSent sql.NullTime
	Cooldown int // seconds
}

// BounceType classifies a delivery failure.
type BounceType string

const (
	BounceHard BounceType = "hard"
	BounceSoft BounceType = "soft"
)

// BouncedEmail quarantines an address after an NDR. Keyed by lowercased
// address.
type BouncedEmail struct {
	Email          string
	FirstBouncedAt time.Time
	LastBouncedAt  time.Time
	BounceCount    int
	BounceType     BounceType
	BounceReason   string
}

// CustomFlowStepType enumerates what a flow step does.
type CustomFlowStepType string

const (
	StepEmail        CustomFlowStepType = "email"
	StepTask         CustomFlowStepType = "task"
	StepNotification CustomFlowStepType = "notification"
)

// CustomFlow is an operator-defined step sequence for a single contact.
type CustomFlow struct {
	ID        int64
	ContactID int64
	Active    bool
	CreatedAt time.Time
	Steps     []CustomFlowStep
}

// CustomFlowStep is one step in a custom flow. StepOrder is 1-based.
type CustomFlowStep struct {
	ID        int64
	FlowID    int64
	StepOrder int
	Type      CustomFlowStepType
	Subject   string
	Body      string
	DelayDays int
}

// WorkerHeartbeat is the last check-in recorded by a running worker.
type WorkerHeartbeat struct {
	WorkerName    string    `json:"worker_name"`
	Hostname      string    `json:"hostname"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// CustomMessage is a per-contact template override that takes precedence
// over the file-store templates.
type CustomMessage struct {
	ID           int64          `json:"id"`
	ContactID    int64          `json:"contact_id"`
	MessageType  string         `json:"message_type"`
	Stage        sql.NullString `json:"-"`
	ReminderType sql.NullString `json:"-"`
	Subject      string         `json:"subject"`
	Body         string         `json:"body"`
	IsActive     bool           `json:"is_active"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
