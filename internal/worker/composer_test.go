package worker

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventops/outreach/internal/domain"
	"github.com/eventops/outreach/internal/graph"
	"github.com/eventops/outreach/internal/template"
)

type stubOverrides struct {
	byType map[string]*domain.CustomMessage
}

func (s *stubOverrides) ActiveCustomMessage(_ context.Context, _ int64, messageType string) (*domain.CustomMessage, error) {
	return s.byType[messageType], nil
}

func ns(s string) sql.NullString { return sql.NullString{String: s, Valid: true} }

func msgWith(from string, to, cc []string) graph.InboxMessage {
	return graph.InboxMessage{From: from, To: to, CC: cc}
}

func testContact() *domain.Contact {
	return &domain.Contact{
		ID:            1,
		EventID:       2,
		Name:          "dr maria delgado",
		Email:         "maria@example.org, assistant@example.org",
		Stage:         "forms",
		FormsLink:     ns("https://forms.example.org/f/1"),
		InvoiceNumber: ns("INV-9"),
	}
}

func testEvent() *domain.Event {
	return &domain.Event{
		ID:          2,
		SenderEmail: "events@ourorg.example",
		OrgName:     ns("Chamber Orchestra"),
		City:        ns("London"),
	}
}

func newTestComposer(overrides *stubOverrides) *Composer {
	src := template.MapSource{
		"forms_initial_subject.txt": "Forms for {{org_name}}",
		"forms_initial_body.txt":    "Dear {{greeting_name}},\n\nPlease fill in {{forms_link}}.",
	}
	return NewComposer(overrides, template.NewResolver(src), template.NewRenderer())
}

func TestComposeFromTemplates(t *testing.T) {
	cp := newTestComposer(&stubOverrides{})
	action := buildAction(domain.MsgFormsInitial, "test")

	subject, body, err := cp.Compose(context.Background(), testContact(), testEvent(), action)
	require.NoError(t, err)
	assert.Equal(t, "Forms for Chamber Orchestra", subject)
	assert.Contains(t, body, "Dear Dr. Delgado,")
	assert.Contains(t, body, "https://forms.example.org/f/1")
}

func TestComposeOverrideWins(t *testing.T) {
	cp := newTestComposer(&stubOverrides{byType: map[string]*domain.CustomMessage{
		"forms_initial": {
			Subject: "A note for {{name}}",
			Body:    "Hand-written body for {{org_name}}.",
		},
	}})
	action := buildAction(domain.MsgFormsInitial, "test")

	subject, body, err := cp.Compose(context.Background(), testContact(), testEvent(), action)
	require.NoError(t, err)
	assert.Equal(t, "A note for Dr Maria Delgado", subject)
	assert.Contains(t, body, "Chamber Orchestra")
}

func TestComposeMissingVariableFails(t *testing.T) {
	cp := newTestComposer(&stubOverrides{})
	action := buildAction(domain.MsgFormsInitial, "test")

	c := testContact()
	c.FormsLink = sql.NullString{}
	_, _, err := cp.Compose(context.Background(), c, testEvent(), action)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forms_link")
}

func TestComposeFlowStep(t *testing.T) {
	cp := newTestComposer(&stubOverrides{})
	subject, body, err := cp.ComposeFlowStep(testContact(), testEvent(), domain.CustomFlowStep{
		StepOrder: 2,
		Subject:   "Checking in, {{last_name}}",
		Body:      "Hello {{greeting_name}}.",
	})
	require.NoError(t, err)
	assert.Equal(t, "Checking in, Delgado", subject)
	assert.Equal(t, "Hello Dr. Delgado.", body)
}

func TestHistoryQuotePrefersReply(t *testing.T) {
	c := testContact()
	c.LastSentBody = ns("our earlier message")
	c.LastReplyBody = ns("their reply\nsecond line")

	q := historyQuote(c)
	assert.Contains(t, q, "> their reply")
	assert.Contains(t, q, "> second line")
	assert.NotContains(t, q, "our earlier message")
}

func TestHistoryQuoteFallsBackToSent(t *testing.T) {
	c := testContact()
	c.LastSentBody = ns("our earlier message")

	q := historyQuote(c)
	assert.Contains(t, q, "> our earlier message")
}

func TestHistoryQuoteEmpty(t *testing.T) {
	assert.Equal(t, "", historyQuote(testContact()))
}

func TestNormalizeSubject(t *testing.T) {
	assert.Equal(t, "invitation for org", normalizeSubject("Re:  RE: Fwd: Invitation   for Org"))
	assert.Equal(t, "hello", normalizeSubject("AW: hello"))
}

func TestVerifyReplyParticipant(t *testing.T) {
	c := testContact()

	fromPrimary := msgWith("maria@example.org", nil, nil)
	assert.True(t, verifyReplyParticipant(fromPrimary, c))

	// Embedded extra address counts.
	fromExtra := msgWith("assistant@example.org", nil, nil)
	assert.True(t, verifyReplyParticipant(fromExtra, c))

	// CC'd contact counts even when someone else wrote.
	ccd := msgWith("other@elsewhere.example", []string{"x@y.example"}, []string{"Maria@Example.org"})
	assert.True(t, verifyReplyParticipant(ccd, c))

	stranger := msgWith("other@elsewhere.example", []string{"x@y.example"}, nil)
	assert.False(t, verifyReplyParticipant(stranger, c))
}

func TestStepMarker(t *testing.T) {
	assert.Equal(t, 3, stepMarker("step-3"))
	assert.Equal(t, 2, stepMarker("step-2_sent"))
	assert.Equal(t, 0, stepMarker("forms_reminder1_sent"))
	assert.Equal(t, 0, stepMarker(""))
}
