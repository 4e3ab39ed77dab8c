// Package worker hosts the three long-running singletons: the campaign
// decision engine, the email queue worker, and the reply & bounce
// detector.
package worker

import (
	"fmt"
	"strings"
	"time"

	"github.com/eventops/outreach/internal/domain"
	"github.com/eventops/outreach/internal/template"
)

// Action is one decision-engine verdict: which message to enqueue next
// for a contact, and how to label the contact while it is in flight.
type Action struct {
	MessageType      domain.MessageType
	TemplateType     template.Type
	TemplateReminder string
	QueuedStatus     string
	Trigger          string
}

// errorRetryDelay gates re-emission after a contact hit an error.
const errorRetryDelay = time.Hour

// chains maps each message type to its successor and the minimum gap
// before the successor may be decided. SEPA and RH run their own three
// reminders, then fall into the long payments tail.
var successor = map[domain.MessageType]domain.MessageType{
	domain.MsgCampaignMain: domain.MsgReminder1,
	domain.MsgReminder1:    domain.MsgReminder2,

	domain.MsgFormsInitial:   domain.MsgFormsReminder1,
	domain.MsgFormsReminder1: domain.MsgFormsReminder2,
	domain.MsgFormsReminder2: domain.MsgFormsReminder3,

	domain.MsgPaymentsInitial:   domain.MsgPaymentsReminder1,
	domain.MsgPaymentsReminder1: domain.MsgPaymentsReminder2,
	domain.MsgPaymentsReminder2: domain.MsgPaymentsReminder3,
	domain.MsgPaymentsReminder3: domain.MsgPaymentsReminder4,
	domain.MsgPaymentsReminder4: domain.MsgPaymentsReminder5,
	domain.MsgPaymentsReminder5: domain.MsgPaymentsReminder6,

	domain.MsgSEPAInitial:   domain.MsgSEPAReminder1,
	domain.MsgSEPAReminder1: domain.MsgSEPAReminder2,
	domain.MsgSEPAReminder2: domain.MsgSEPAReminder3,
	domain.MsgSEPAReminder3: domain.MsgPaymentsReminder4,

	domain.MsgRHInitial:   domain.MsgRHReminder1,
	domain.MsgRHReminder1: domain.MsgRHReminder2,
	domain.MsgRHReminder2: domain.MsgRHReminder3,
	domain.MsgRHReminder3: domain.MsgPaymentsReminder4,
}

// stageInitials maps a normalized stage onto its opening message.
var stageInitials = map[domain.Stage]domain.MessageType{
	domain.StageForms:    domain.MsgFormsInitial,
	domain.StagePayments: domain.MsgPaymentsInitial,
	domain.StageSEPA:     domain.MsgSEPAInitial,
	domain.StageRH:       domain.MsgRHInitial,
}

// DetermineNextAction decides what a contact gets next. Pure: all state
// comes in as arguments. timeSinceLast is measured from the cadence
// anchor (latest stage send, else last_triggered_at, else the message
// audit trail). Returns nil when nothing is due.
//
// The caller must separately confirm that the predecessor step has a row
// in status='sent' before acting on a reminder verdict.
func DetermineNextAction(stage string, status string, lastMessageType string, timeSinceLast time.Duration) *Action {
	if domain.IsTerminalStatus(status) || domain.IsTerminalStage(stage) {
		return nil
	}

	norm := domain.NormalizeStage(stage)
	last := domain.NormalizeMessageType(lastMessageType)

	// Error retry: re-emit the same message after an hour.
	if strings.EqualFold(status, string(domain.MsgError)) && last != "" && last != domain.MsgError {
		if timeSinceLast < errorRetryDelay {
			return nil
		}
		return buildAction(last, "retrying after error")
	}

	if last == "" {
		if initial, ok := stageInitials[norm]; ok {
			return buildAction(initial, "stage sequence opened")
		}
		// Top of funnel only fires for contacts still marked pending.
		if strings.EqualFold(strings.TrimSpace(status), domain.StatusPending) || strings.TrimSpace(status) == "" {
			return buildAction(domain.MsgCampaignMain, "campaign opened")
		}
		return nil
	}

	// A stage switch restarts from the new stage's initial rather than
	// continuing the old chain. SEPA/RH contacts in the payments tail
	// still count as in-stage.
	if initial, ok := stageInitials[norm]; ok && !belongsToStage(last, norm) {
		return buildAction(initial, "stage sequence opened")
	}

	next, ok := successor[last]
	if !ok {
		return nil
	}
	if gate := next.Cadence(); gate > 0 && timeSinceLast < gate {
		return nil
	}
	return buildAction(next, fmt.Sprintf("cadence reached for %s", next))
}

func stagePrefix(s domain.Stage) string {
	switch s {
	case domain.StageForms:
		return "forms_"
	case domain.StagePayments:
		return "payments_"
	case domain.StageSEPA:
		return "sepa_"
	case domain.StageRH:
		return "rh_"
	}
	return ""
}

// belongsToStage accepts the payments tail for SEPA/RH contacts.
func belongsToStage(mt domain.MessageType, s domain.Stage) bool {
	if strings.HasPrefix(string(mt), stagePrefix(s)) {
		return true
	}
	if s == domain.StageSEPA || s == domain.StageRH {
		return strings.HasPrefix(string(mt), "payments_reminder")
	}
	return false
}

func buildAction(mt domain.MessageType, reason string) *Action {
	a := &Action{
		MessageType:  mt,
		QueuedStatus: string(mt) + "_queued",
		Trigger:      fmt.Sprintf("Queued %s (%s)", mt, reason),
	}
	a.TemplateType, a.TemplateReminder = templateKeyFor(mt)
	return a
}

// templateKeyFor maps a message type onto its template family. SEPA/RH
// contacts that fall into the payments tail render payments templates.
func templateKeyFor(mt domain.MessageType) (template.Type, string) {
	s := string(mt)
	switch {
	case mt == domain.MsgCampaignMain:
		return template.TypeCampaign, ""
	case mt == domain.MsgReminder1 || mt == domain.MsgReminder2:
		return template.TypeReminder, s
	case strings.HasPrefix(s, "forms_"):
		return template.TypeForms, reminderToken(s)
	case strings.HasPrefix(s, "payments_"):
		return template.TypePayments, reminderToken(s)
	case strings.HasPrefix(s, "sepa_"):
		return template.TypeSEPA, reminderToken(s)
	case strings.HasPrefix(s, "rh_"):
		return template.TypeRH, reminderToken(s)
	}
	return template.TypeCampaign, ""
}

func reminderToken(s string) string {
	if i := strings.Index(s, "_reminder"); i >= 0 {
		return s[i+1:]
	}
	return ""
}
