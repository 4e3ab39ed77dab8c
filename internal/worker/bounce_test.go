package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/eventops/outreach/internal/domain"
)

func TestClassifyBounceBySubject(t *testing.T) {
	v := ClassifyBounce("Undeliverable: Invitation for Org", "someone@relay.example", "x", nil)
	assert.True(t, v.IsBounce)
	assert.Equal(t, domain.BounceHard, v.Type)
}

func TestClassifyBounceBySender(t *testing.T) {
	v := ClassifyBounce("Re: hello", "Mailer-Daemon@mx.example.net", "", nil)
	assert.True(t, v.IsBounce)
}

func TestClassifyBounceByBodyWithAddress(t *testing.T) {
	body := "Delivery has failed to these recipients.\n550 5.1.1 user unknown <alice@example.com>"
	v := ClassifyBounce("Mail Delivery Failure", "postmaster@mx.example", body, nil)
	assert.True(t, v.IsBounce)
	assert.Equal(t, domain.BounceHard, v.Type)
	assert.Equal(t, "alice@example.com", v.FailedAddress)
}

func TestClassifyBounceSoft(t *testing.T) {
	body := "452 4.2.2 The recipient's mailbox full, try again later <bob@example.org>"
	v := ClassifyBounce("Delivery Status Notification (Delay)", "postmaster@mx", body, nil)
	assert.True(t, v.IsBounce)
	assert.Equal(t, domain.BounceSoft, v.Type)
}

func TestClassifyBounceNegative(t *testing.T) {
	v := ClassifyBounce("Re: Invitation for Org", "alice@example.com",
		"Thanks, happy to join. Best, Alice", nil)
	assert.False(t, v.IsBounce)
}

func TestExtractFailedAddressCascade(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "final-recipient header",
			body: "Reporting-MTA: dns; mx.example\nFinal-Recipient: rfc822; carol@example.net\nAction: failed",
			want: "carol@example.net",
		},
		{
			name: "google style wasn't delivered",
			body: "Your message wasn't delivered to dave@example.io because the address couldn't be found",
			want: "dave@example.io",
		},
		{
			name: "address wasn't found suffix",
			body: "The email account dave@example.io wasn't found at the domain",
			want: "dave@example.io",
		},
		{
			name: "angle bracket fallback",
			body: "Could not deliver message to the following recipient:\n  <eve@example.org>",
			want: "eve@example.org",
		},
		{
			name: "skips own and daemon addresses",
			body: "From: <sender@ourevents.org>\nDelivery failed to <frank@example.com>",
			want: "frank@example.com",
		},
		{
			name: "nothing extractable",
			body: "Delivery failed for reasons unknown.",
			want: "",
		},
	}

	for _, tc := range cases {
		got := ExtractFailedAddress(tc.body, []string{"sender@ourevents.org"})
		assert.Equal(t, tc.want, got, tc.name)
	}
}
