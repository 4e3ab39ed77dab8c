package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventops/outreach/internal/domain"
	"github.com/eventops/outreach/internal/template"
)

const day = 24 * time.Hour

func TestDetermineNextActionTopFunnel(t *testing.T) {
	// Fresh contact opens the campaign.
	a := DetermineNextAction("initial", "pending", "", 0)
	require.NotNil(t, a)
	assert.Equal(t, domain.MsgCampaignMain, a.MessageType)
	assert.Equal(t, template.TypeCampaign, a.TemplateType)
	assert.Equal(t, "campaign_main_queued", a.QueuedStatus)

	// reminder1 gated at 3 days.
	assert.Nil(t, DetermineNextAction("initial", "first_message_sent", "campaign_main", 2*day))
	a = DetermineNextAction("initial", "first_message_sent", "campaign_main", 3*day)
	require.NotNil(t, a)
	assert.Equal(t, domain.MsgReminder1, a.MessageType)
	assert.Equal(t, "reminder1", a.TemplateReminder)

	// reminder2 gated at 4 days after reminder1.
	assert.Nil(t, DetermineNextAction("initial", "first_reminder", "reminder1", 3*day))
	a = DetermineNextAction("initial", "first_reminder", "reminder1", 4*day)
	require.NotNil(t, a)
	assert.Equal(t, domain.MsgReminder2, a.MessageType)

	// Chain ends after reminder2.
	assert.Nil(t, DetermineNextAction("initial", "second_reminder", "reminder2", 30*day))
}

func TestDetermineNextActionFormsChain(t *testing.T) {
	a := DetermineNextAction("forms", "pending", "", 0)
	require.NotNil(t, a)
	assert.Equal(t, domain.MsgFormsInitial, a.MessageType)

	steps := []struct {
		last domain.MessageType
		gate time.Duration
		next domain.MessageType
	}{
		{domain.MsgFormsInitial, 2 * day, domain.MsgFormsReminder1},
		{domain.MsgFormsReminder1, 2 * day, domain.MsgFormsReminder2},
		{domain.MsgFormsReminder2, 3 * day, domain.MsgFormsReminder3},
	}
	for _, st := range steps {
		assert.Nil(t, DetermineNextAction("forms", "x_sent", string(st.last), st.gate-time.Minute),
			"gate for %s", st.next)
		a := DetermineNextAction("forms", "x_sent", string(st.last), st.gate)
		require.NotNil(t, a, "after %s", st.last)
		assert.Equal(t, st.next, a.MessageType)
		assert.Equal(t, template.TypeForms, a.TemplateType)
	}

	assert.Nil(t, DetermineNextAction("forms", "x_sent", "forms_reminder3", 90*day))
}

func TestDetermineNextActionPaymentsTail(t *testing.T) {
	// reminders 4..6 carry the 7-day gate.
	assert.Nil(t, DetermineNextAction("payments", "s", "payments_reminder3", 6*day))
	a := DetermineNextAction("payments", "s", "payments_reminder3", 7*day)
	require.NotNil(t, a)
	assert.Equal(t, domain.MsgPaymentsReminder4, a.MessageType)

	a = DetermineNextAction("payments", "s", "payments_reminder5", 7*day)
	require.NotNil(t, a)
	assert.Equal(t, domain.MsgPaymentsReminder6, a.MessageType)
	assert.Nil(t, DetermineNextAction("payments", "s", "payments_reminder6", 365*day))
}

func TestDetermineNextActionSEPAFallsIntoPaymentsTail(t *testing.T) {
	a := DetermineNextAction("sepa", "s", "sepa_reminder3", 7*day)
	require.NotNil(t, a)
	assert.Equal(t, domain.MsgPaymentsReminder4, a.MessageType)
	// Renders payments templates from there on.
	assert.Equal(t, template.TypePayments, a.TemplateType)

	// Still in-stage: does not restart sepa_initial.
	a = DetermineNextAction("sepa", "s", "payments_reminder4", 7*day)
	require.NotNil(t, a)
	assert.Equal(t, domain.MsgPaymentsReminder5, a.MessageType)
}

func TestDetermineNextActionRHChain(t *testing.T) {
	a := DetermineNextAction("rh", "pending", "", 0)
	require.NotNil(t, a)
	assert.Equal(t, domain.MsgRHInitial, a.MessageType)

	a = DetermineNextAction("RH follow-up", "s", "rh_reminder1", 2*day)
	require.NotNil(t, a)
	assert.Equal(t, domain.MsgRHReminder2, a.MessageType)
}

func TestDetermineNextActionStageSwitchRestarts(t *testing.T) {
	// Contact moved from forms into payments mid-chain.
	a := DetermineNextAction("payments", "forms_reminder1_sent", "forms_reminder1", 10*day)
	require.NotNil(t, a)
	assert.Equal(t, domain.MsgPaymentsInitial, a.MessageType)

	// Top-funnel contact promoted into forms.
	a = DetermineNextAction("forms", "first_message_sent", "campaign_main", time.Hour)
	require.NotNil(t, a)
	assert.Equal(t, domain.MsgFormsInitial, a.MessageType)
}

func TestDetermineNextActionLegacyAliases(t *testing.T) {
	a := DetermineNextAction("forms", "s", "forms_main", 2*day)
	require.NotNil(t, a)
	assert.Equal(t, domain.MsgFormsReminder1, a.MessageType)

	a = DetermineNextAction("payments", "s", "payment_main", 2*day)
	require.NotNil(t, a)
	assert.Equal(t, domain.MsgPaymentsReminder1, a.MessageType)
}

func TestDetermineNextActionTerminalStates(t *testing.T) {
	assert.Nil(t, DetermineNextAction("forms", "Replied", "forms_initial", 30*day))
	assert.Nil(t, DetermineNextAction("forms", "replied", "forms_initial", 30*day))
	assert.Nil(t, DetermineNextAction("completed", "s", "forms_initial", 30*day))
	assert.Nil(t, DetermineNextAction("forms", "cancelled", "", 0))
}

func TestDetermineNextActionErrorRetry(t *testing.T) {
	assert.Nil(t, DetermineNextAction("forms", "error", "forms_reminder1", 30*time.Minute))
	a := DetermineNextAction("forms", "error", "forms_reminder1", 2*time.Hour)
	require.NotNil(t, a)
	assert.Equal(t, domain.MsgFormsReminder1, a.MessageType)
}

func TestDetermineNextActionNonPendingFreshContact(t *testing.T) {
	// A fresh top-funnel contact with an operator-set status like ooo
	// does not open the campaign.
	assert.Nil(t, DetermineNextAction("initial", "ooo", "", 0))
}
