package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const inboxPageSize = 50

// FetchInbox retrieves up to max messages from the sender's inbox,
// newest first, following @odata.nextLink pages of inboxPageSize each.
// The In-Reply-To value is recovered from internet message headers and
// the body is reduced to plain text before the messages are returned.
func (c *Client) FetchInbox(ctx context.Context, sender string, max int) ([]InboxMessage, error) {
	if max <= 0 {
		max = 100
	}
	bearer, err := c.bearerFor(sender)
	if err != nil {
		return nil, err
	}

	next := fmt.Sprintf(
		"%s/users/%s/mailFolders/Inbox/messages?%s",
		c.baseURL, url.PathEscape(sender),
		url.Values{
			"$select": {"id,subject,from,toRecipients,ccRecipients,receivedDateTime," +
				"conversationId,internetMessageHeaders,body,uniqueBody,bodyPreview"},
			"$top":     {fmt.Sprintf("%d", inboxPageSize)},
			"$orderby": {"receivedDateTime desc"},
		}.Encode(),
	)

	var out []InboxMessage
	for next != "" && len(out) < max {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", bearer)
		httpReq.Header.Set("Prefer", `outlook.body-content-type="text"`)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("graph: fetch inbox for %s: %w", sender, err)
		}
		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
			return nil, fmt.Errorf("graph: fetch inbox for %s: %s", sender, graphErrorMessage(raw, resp.StatusCode))
		}
		var listing messageListing
		if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("graph: decode inbox page: %w", err)
		}
		resp.Body.Close()

		for i := range listing.Value {
			out = append(out, toInboxMessage(&listing.Value[i]))
			if len(out) >= max {
				break
			}
		}
		next = listing.NextLink
	}
	return out, nil
}

func toInboxMessage(m *graphMessage) InboxMessage {
	from := ""
	if m.From != nil {
		from = m.From.EmailAddress.Address
	}
	return InboxMessage{
		ID:             m.ID,
		Subject:        CollapseWhitespace(m.Subject),
		From:           from,
		To:             addresses(m.ToRecipients),
		CC:             addresses(m.CcRecipients),
		ReceivedAt:     m.ReceivedDateTime,
		ConversationID: m.ConversationID,
		InReplyTo:      inReplyToHeader(m.InternetMessageHeaders),
		RawBody:        rawBody(m),
		ProcessedBody:  processedBody(m),
	}
}

// inReplyToHeader scans the internet headers for a reply reference.
// Some relays rewrite In-Reply-To into an x- prefixed variant.
func inReplyToHeader(headers []internetHeader) string {
	candidates := []string{"in-reply-to", "x-in-reply-to"}
	for _, want := range candidates {
		for _, h := range headers {
			if strings.EqualFold(h.Name, want) {
				return strings.TrimSpace(h.Value)
			}
		}
	}
	return ""
}

func rawBody(m *graphMessage) string {
	if m.Body != nil && m.Body.Content != "" {
		return m.Body.Content
	}
	return m.BodyPreview
}

// processedBody reduces the message to plain text, preferring uniqueBody
// (the part new to this message, quoted history excluded) over the full
// body, with bodyPreview as the last resort.
func processedBody(m *graphMessage) string {
	pick := func(b *itemBody) string {
		if b == nil || strings.TrimSpace(b.Content) == "" {
			return ""
		}
		if strings.EqualFold(b.ContentType, "html") {
			return StripHTML(b.Content)
		}
		return strings.TrimSpace(b.Content)
	}
	if s := pick(m.UniqueBody); s != "" {
		return s
	}
	if s := pick(m.Body); s != "" {
		return s
	}
	return strings.TrimSpace(m.BodyPreview)
}
