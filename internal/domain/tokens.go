package domain

import (
	"fmt"
	"strings"
	"time"
)

// Stage is the macro-phase a contact is in. Legacy rows carry free-form
// values, so anything outside the canonical set round-trips as-is.
type Stage string

const (
	StageInitial      Stage = "initial"
	StageForms        Stage = "forms"
	StagePayments     Stage = "payments"
	StageSEPA         Stage = "sepa"
	StageRH           Stage = "rh"
	StageCustom       Stage = "custom"
	StageCompleted    Stage = "completed"
	StageCancelled    Stage = "cancelled"
	StageMailDelivery Stage = "mail delivery"
	StageWrongPerson  Stage = "wrong person"
)

// NormalizeStage maps a stored stage string onto one of the five stages the
// decision engine understands. Matching is by substring, so values like
// "payments - chased" or "RH follow-up" land in the right bucket.
func NormalizeStage(s string) Stage {
	ls := strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.Contains(ls, "rh"):
		return StageRH
	case strings.Contains(ls, "payments"), strings.Contains(ls, "payment"):
		return StagePayments
	case strings.Contains(ls, "sepa"):
		return StageSEPA
	case strings.Contains(ls, "forms"):
		return StageForms
	default:
		return StageInitial
	}
}

// IsTerminalStage reports whether no further automatic sends may happen.
func IsTerminalStage(s string) bool {
	ls := strings.ToLower(strings.TrimSpace(s))
	return ls == string(StageCompleted) || ls == string(StageCancelled)
}

// MessageType is the canonical token identifying which message to emit.
type MessageType string

const (
	MsgCampaignMain MessageType = "campaign_main"
	MsgReminder1    MessageType = "reminder1"
	MsgReminder2    MessageType = "reminder2"

	MsgFormsInitial   MessageType = "forms_initial"
	MsgFormsReminder1 MessageType = "forms_reminder1"
	MsgFormsReminder2 MessageType = "forms_reminder2"
	MsgFormsReminder3 MessageType = "forms_reminder3"

	MsgPaymentsInitial   MessageType = "payments_initial"
	MsgPaymentsReminder1 MessageType = "payments_reminder1"
	MsgPaymentsReminder2 MessageType = "payments_reminder2"
	MsgPaymentsReminder3 MessageType = "payments_reminder3"
	MsgPaymentsReminder4 MessageType = "payments_reminder4"
	MsgPaymentsReminder5 MessageType = "payments_reminder5"
	MsgPaymentsReminder6 MessageType = "payments_reminder6"

	MsgSEPAInitial   MessageType = "sepa_initial"
	MsgSEPAReminder1 MessageType = "sepa_reminder1"
	MsgSEPAReminder2 MessageType = "sepa_reminder2"
	MsgSEPAReminder3 MessageType = "sepa_reminder3"

	MsgRHInitial   MessageType = "rh_initial"
	MsgRHReminder1 MessageType = "rh_reminder1"
	MsgRHReminder2 MessageType = "rh_reminder2"
	MsgRHReminder3 MessageType = "rh_reminder3"

	MsgError MessageType = "error"
)

// CustomStep returns the canonical token for custom-flow step n (1-based).
func CustomStep(n int) MessageType {
	return MessageType(fmt.Sprintf("custom-step-%d", n))
}

// IsCustomStep reports whether mt is a custom-flow step token and, if so,
// its 1-based step number.
func IsCustomStep(mt MessageType) (int, bool) {
	var n int
	if _, err := fmt.Sscanf(string(mt), "custom-step-%d", &n); err == nil && n > 0 {
		return n, true
	}
	return 0, false
}

// NormalizeMessageType maps legacy aliases onto canonical tokens. Aliases
// are accepted on read but never written back.
func NormalizeMessageType(s string) MessageType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "forms_main":
		return MsgFormsInitial
	case "payment_main", "payments_main":
		return MsgPaymentsInitial
	default:
		return MessageType(strings.TrimSpace(s))
	}
}

// IsInitial reports whether mt opens a stage (no cadence gate applies).
func (mt MessageType) IsInitial() bool {
	switch mt {
	case MsgCampaignMain, MsgFormsInitial, MsgPaymentsInitial, MsgSEPAInitial, MsgRHInitial:
		return true
	}
	return false
}

// cadenceDays is the minimum number of days between a message and its
// designated predecessor before the queue worker will send it.
var cadenceDays = map[MessageType]int{
	MsgReminder1:         3,
	MsgReminder2:         4,
	MsgFormsReminder1:    2,
	MsgFormsReminder2:    2,
	MsgFormsReminder3:    3,
	MsgPaymentsReminder1: 2,
	MsgPaymentsReminder2: 2,
	MsgPaymentsReminder3: 3,
	MsgPaymentsReminder4: 7,
	MsgPaymentsReminder5: 7,
	MsgPaymentsReminder6: 7,
	MsgSEPAReminder1:     2,
	MsgSEPAReminder2:     2,
	MsgSEPAReminder3:     2,
	MsgRHReminder1:       2,
	MsgRHReminder2:       2,
	MsgRHReminder3:       2,
}

// Cadence returns the minimum gap before mt may be sent after its
// predecessor. Initial messages and custom steps have no gate here.
func (mt MessageType) Cadence() time.Duration {
	if d, ok := cadenceDays[mt]; ok {
		return time.Duration(d) * 24 * time.Hour
	}
	return 0
}

// PriorityTier orders pending queue rows for the send worker. Lower tiers
// are dequeued first; rows within a tier go FIFO.
func (mt MessageType) PriorityTier() int {
	norm := NormalizeMessageType(string(mt))
	switch {
	case norm.IsInitial() && norm != MsgCampaignMain:
		return 1
	case strings.HasPrefix(string(norm), "forms_reminder"):
		return 2
	case strings.HasPrefix(string(norm), "payments_reminder"):
		return 3
	case strings.HasPrefix(string(norm), "sepa_reminder"):
		return 4
	case strings.HasPrefix(string(norm), "rh_reminder"):
		return 5
	case norm == MsgCampaignMain || norm == MsgReminder1 || norm == MsgReminder2:
		return 6
	default:
		return 7
	}
}

// Contact status tokens. Stage-qualified "_sent" markers are produced by
// SentStatus; the rest are operator- or detector-set.
const (
	StatusPending   = "pending"
	StatusReplied   = "Replied"
	StatusOOO       = "ooo"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"

	StatusFirstMessageSent = "first_message_sent"
	StatusFirstReminder    = "first_reminder"
	StatusSecondReminder   = "second_reminder"
)

// SentStatus maps a message type to the contact status token recorded
// after a successful send.
func SentStatus(mt MessageType) string {
	switch mt {
	case MsgCampaignMain:
		return StatusFirstMessageSent
	case MsgReminder1:
		return StatusFirstReminder
	case MsgReminder2:
		return StatusSecondReminder
	}
	if n, ok := IsCustomStep(mt); ok {
		return fmt.Sprintf("step-%d_sent", n)
	}
	return string(mt) + "_sent"
}

// IsTerminalStatus reports whether a contact status blocks further sends.
func IsTerminalStatus(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case strings.ToLower(StatusReplied), StatusCompleted, StatusCancelled:
		return true
	}
	return false
}
