package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSource() MapSource {
	return MapSource{
		"campaign_subject.txt":        "Invitation for {{org_name}}",
		"campaign_body.txt":           "Dear {{greeting_name}},\n\nWelcome.",
		"forms_initial_subject.txt":   "Forms for {{org_name}}",
		"forms_reminder2_subject.txt": "Reminder: forms for {{org_name}}",
		"payments_reminder1_body.txt": "Dear {{greeting_name}},\n\nInvoice {{invoice_number}}: {{payment_link}}",
	}
}

func TestResolveExactKey(t *testing.T) {
	r := NewResolver(testSource())

	got, err := r.Resolve(Key{Type: TypeForms, Part: PartSubject, ReminderType: "reminder2"})
	require.NoError(t, err)
	assert.Contains(t, got, "Reminder: forms")
}

func TestResolveFallbackChain(t *testing.T) {
	r := NewResolver(testSource())

	// No (forms, subject, reminder9) entry: falls back to (forms, subject).
	got, err := r.Resolve(Key{Type: TypeForms, Part: PartSubject, ReminderType: "reminder9"})
	require.NoError(t, err)
	assert.Equal(t, "Forms for {{org_name}}", got)

	// Stage set but no stage-qualified entry: falls through to bare key.
	got, err = r.Resolve(Key{Type: TypeCampaign, Part: PartBody, Stage: "somestage"})
	require.NoError(t, err)
	assert.Contains(t, got, "Dear")
}

func TestResolveReminderStageReinterpretation(t *testing.T) {
	r := NewResolver(testSource())

	// Stage carries a reminder token and reminder_type is unset: stage is
	// reinterpreted as the reminder type.
	got, err := r.Resolve(Key{Type: TypeForms, Part: PartSubject, Stage: "reminder2"})
	require.NoError(t, err)
	assert.Equal(t, "Reminder: forms for {{org_name}}", got)
}

func TestResolveUnknownType(t *testing.T) {
	r := NewResolver(testSource())
	_, err := r.Resolve(Key{Type: Type("bogus"), Part: PartSubject})
	assert.Error(t, err)
}

func TestRenderStrict(t *testing.T) {
	rd := NewRenderer()

	out, err := rd.Render("Hello {{name}}, invoice {{invoice_number}}", map[string]string{
		"name":           "Dr. Smith",
		"invoice_number": "INV-42",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello Dr. Smith, invoice INV-42", out)
}

func TestRenderMissingVariableFails(t *testing.T) {
	rd := NewRenderer()

	_, err := rd.Render("Hello {{name}} from {{org_name}}", map[string]string{"name": "A"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "org_name")
}

func TestRenderEmptyVariableFails(t *testing.T) {
	rd := NewRenderer()

	_, err := rd.Render("Link: {{forms_link}}", map[string]string{"forms_link": "  "})
	assert.Error(t, err)
}

func TestRenderLinkAliases(t *testing.T) {
	rd := NewRenderer()

	// Template says payment_link, context only carries payments_link.
	out, err := rd.Render("Pay here: {{payment_link}}", map[string]string{
		"payments_link": "https://pay.example.org/i/42",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "https://pay.example.org/i/42")

	// And the forms pair in the other direction.
	out, err = rd.Render("Form: {{form_link}}", map[string]string{
		"forms_link": "https://forms.example.org/f/7",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "forms.example.org")
}

func TestSplitName(t *testing.T) {
	cases := []struct {
		name     string
		dbPrefix string
		want     NameParts
	}{
		{
			name:     "maria delgado",
			dbPrefix: "Dr",
			want:     NameParts{Prefix: "Dr.", LastName: "Delgado", GreetingName: "Dr. Delgado", Name: "Maria Delgado"},
		},
		{
			name: "Prof. Jan Novak",
			want: NameParts{Prefix: "Prof.", LastName: "Novak", GreetingName: "Prof. Novak", Name: "Prof. Jan Novak"},
		},
		{
			name: "mrs emily stone",
			want: NameParts{Prefix: "Mrs.", LastName: "Stone", GreetingName: "Mrs. Stone", Name: "Mrs Emily Stone"},
		},
		{
			name: "alice walker",
			want: NameParts{LastName: "Walker", GreetingName: "Alice Walker", Name: "Alice Walker"},
		},
	}

	for _, tc := range cases {
		got := SplitName(tc.name, tc.dbPrefix)
		assert.Equal(t, tc.want, got, "SplitName(%q, %q)", tc.name, tc.dbPrefix)
	}
}
