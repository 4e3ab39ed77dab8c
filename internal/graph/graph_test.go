package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"test-token","token_type":"Bearer","expires_in":3600}`)
	}))
}

func newTestClient(t *testing.T, apiURL, loginURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		Senders: []SenderCredentials{{
			ClientID:     "cid",
			ClientSecret: "secret",
			TenantID:     "tenant",
			SenderEmail:  "sender@example.org",
		}},
		BaseURL:   apiURL,
		LoginBase: loginURL,
	})
	require.NoError(t, err)
	c.verifyDelay = time.Millisecond
	return c
}

func TestSendVerifiedInSentItems(t *testing.T) {
	login := newTokenServer(t)
	defer login.Close()

	var gotPayload sendMailRequest
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/sendMail"):
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
			w.WriteHeader(http.StatusAccepted)
		case strings.Contains(r.URL.Path, "/mailFolders/SentItems/messages"):
			json.NewEncoder(w).Encode(messageListing{Value: []graphMessage{{
				ID:                "m1",
				Subject:           "Invitation  for   Org", // extra spaces collapse away
				InternetMessageID: "<abc@example>",
				ConversationID:    "conv-1",
				ToRecipients:      recipients([]string{"To@Example.org"}),
			}}})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer api.Close()

	c := newTestClient(t, api.URL, login.URL)
	res, err := c.Send(context.Background(), SendRequest{
		Sender:  "sender@example.org",
		To:      []string{"to@example.org"},
		CC:      []string{"cc@example.org"},
		Subject: "Invitation for Org",
		Body:    "Dear Dr. Smith,\n\nHello.",
	})
	require.NoError(t, err)
	assert.True(t, res.Sent())
	assert.Equal(t, "<abc@example>", res.MessageID)
	assert.Equal(t, "conv-1", res.ConversationID)

	assert.True(t, gotPayload.SaveToSentItems)
	assert.Equal(t, "Text", gotPayload.Message.Body.ContentType)
	assert.Contains(t, gotPayload.Message.Body.Content, "\r\n")
	require.Len(t, gotPayload.Message.CcRecipients, 1)
}

func TestSendRejectedByGraph(t *testing.T) {
	login := newTokenServer(t)
	defer login.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"code":"ErrorAccessDenied","message":"Access is denied"}}`)
	}))
	defer api.Close()

	c := newTestClient(t, api.URL, login.URL)
	res, err := c.Send(context.Background(), SendRequest{
		Sender:  "sender@example.org",
		To:      []string{"to@example.org"},
		Subject: "s",
		Body:    "b",
	})
	require.NoError(t, err)
	assert.Equal(t, "failed", res.Status)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Contains(t, res.ErrorMessage, "ErrorAccessDenied")
}

func TestSendAcceptedButUnverified(t *testing.T) {
	login := newTokenServer(t)
	defer login.Close()

	verifyCalls := 0
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/sendMail") {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		verifyCalls++
		json.NewEncoder(w).Encode(messageListing{})
	}))
	defer api.Close()

	c := newTestClient(t, api.URL, login.URL)
	res, err := c.Send(context.Background(), SendRequest{
		Sender:  "sender@example.org",
		To:      []string{"to@example.org"},
		Subject: "s",
		Body:    "b",
	})
	require.NoError(t, err)
	assert.Equal(t, "failed", res.Status)
	assert.Contains(t, res.ErrorMessage, "not found in Sent Items")
	assert.Equal(t, 3, verifyCalls)
}

func TestFetchInboxPagingAndDerivedFields(t *testing.T) {
	login := newTokenServer(t)
	defer login.Close()

	var api *httptest.Server
	api = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			json.NewEncoder(w).Encode(messageListing{Value: []graphMessage{{
				ID:      "m2",
				Subject: "RE: hello",
				From:    &recipient{EmailAddress: emailAddress{Address: "b@example.org"}},
				InternetMessageHeaders: []internetHeader{
					{Name: "X-In-Reply-To", Value: "<orig@example>"},
				},
				BodyPreview: "preview text",
			}}})
			return
		}
		json.NewEncoder(w).Encode(messageListing{
			Value: []graphMessage{{
				ID:      "m1",
				Subject: "hello   there",
				From:    &recipient{EmailAddress: emailAddress{Address: "a@example.org"}},
				InternetMessageHeaders: []internetHeader{
					{Name: "In-Reply-To", Value: "<first@example>"},
				},
				UniqueBody: &itemBody{ContentType: "html", Content: "<p>Thanks!</p><p>Best</p>"},
				Body:       &itemBody{ContentType: "html", Content: "<p>Thanks!</p><blockquote>old</blockquote>"},
			}},
			NextLink: api.URL + "/users/sender%40example.org/mailFolders/Inbox/messages?page=2",
		})
	}))
	defer api.Close()

	c := newTestClient(t, api.URL, login.URL)
	msgs, err := c.FetchInbox(context.Background(), "sender@example.org", 100)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "hello there", msgs[0].Subject)
	assert.Equal(t, "<first@example>", msgs[0].InReplyTo)
	assert.Equal(t, "Thanks!\nBest", msgs[0].ProcessedBody)

	assert.Equal(t, "<orig@example>", msgs[1].InReplyTo)
	assert.Equal(t, "preview text", msgs[1].ProcessedBody)
}

func TestFetchInboxHonorsMax(t *testing.T) {
	login := newTokenServer(t)
	defer login.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var page []graphMessage
		for i := 0; i < 50; i++ {
			page = append(page, graphMessage{ID: fmt.Sprintf("m%d", i)})
		}
		json.NewEncoder(w).Encode(messageListing{Value: page, NextLink: "http://" + r.Host + r.URL.String()})
	}))
	defer api.Close()

	c := newTestClient(t, api.URL, login.URL)
	msgs, err := c.FetchInbox(context.Background(), "sender@example.org", 75)
	require.NoError(t, err)
	assert.Len(t, msgs, 75)
}

func TestStripHTML(t *testing.T) {
	in := `<html><head><style>p{color:red}</style></head><body>
<p>Dear Dr.&nbsp;Smith,</p>
<script>alert(1)</script>
<p>Thanks &amp; regards,<br>Jane</p>
</body></html>`
	got := StripHTML(in)
	assert.NotContains(t, got, "<")
	assert.NotContains(t, got, "alert")
	assert.NotContains(t, got, "color:red")
	assert.Contains(t, got, "Thanks & regards,\nJane")
}

func TestCollapseWhitespace(t *testing.T) {
	assert.Equal(t, "Re: hello world", CollapseWhitespace("  Re:\thello \n world "))
}

func TestUnknownSenderFails(t *testing.T) {
	login := newTokenServer(t)
	defer login.Close()

	c := newTestClient(t, "http://unused.invalid", login.URL)
	_, err := c.Send(context.Background(), SendRequest{
		Sender: "other@example.org",
		To:     []string{"x@example.org"},
	})
	assert.Error(t, err)
}
