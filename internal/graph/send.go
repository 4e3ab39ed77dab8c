package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Send submits the message via sendMail with saveToSentItems, then
// confirms it landed in the sender's Sent Items folder. Graph accepts
// sendMail asynchronously, so acceptance alone is not proof of delivery
// to the sent folder; the verification pass recovers the message and
// conversation identifiers we need for reply threading.
func (c *Client) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if len(req.To) == 0 {
		return nil, fmt.Errorf("graph: send requires at least one recipient")
	}

	bearer, err := c.bearerFor(req.Sender)
	if err != nil {
		return nil, err
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "Text"
	}
	body := req.Body
	if contentType == "Text" {
		body = ToCRLF(body)
	}

	msg := outgoingMessage{
		Subject:      req.Subject,
		Body:         itemBody{ContentType: contentType, Content: body},
		ToRecipients: recipients(req.To),
		CcRecipients: recipients(req.CC),
	}
	if req.InReplyTo != "" {
		msg.InternetMessageHeaders = append(msg.InternetMessageHeaders,
			internetHeader{Name: "x-in-reply-to", Value: req.InReplyTo})
		refs := req.References
		if refs == "" {
			refs = req.InReplyTo
		}
		msg.InternetMessageHeaders = append(msg.InternetMessageHeaders,
			internetHeader{Name: "x-references", Value: refs})
	}
	if len(req.Attachment) > 0 {
		mime := req.AttachmentMime
		if mime == "" {
			mime = "application/octet-stream"
		}
		name := req.AttachmentName
		if name == "" {
			name = "attachment"
		}
		msg.Attachments = append(msg.Attachments, fileAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         name,
			ContentType:  mime,
			ContentBytes: base64.StdEncoding.EncodeToString(req.Attachment),
		})
	}

	payload, err := json.Marshal(sendMailRequest{Message: msg, SaveToSentItems: true})
	if err != nil {
		return nil, fmt.Errorf("graph: marshal sendMail: %w", err)
	}

	endpoint := fmt.Sprintf("%s/users/%s/sendMail", c.baseURL, url.PathEscape(req.Sender))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", bearer)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &SendResult{Status: "failed", ErrorMessage: err.Error()}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &SendResult{
			Status:       "failed",
			StatusCode:   resp.StatusCode,
			ErrorMessage: graphErrorMessage(raw, resp.StatusCode),
		}, nil
	}

	found, err := c.verifySentItems(ctx, req.Sender, req.Subject, req.To[0])
	if err != nil {
		log.Printf("[Graph] sent-items verification errored for %s: %v", req.Sender, err)
	}
	if found == nil {
		return &SendResult{
			Status:       "failed",
			StatusCode:   resp.StatusCode,
			ErrorMessage: "accepted by Graph API but not found in Sent Items",
		}, nil
	}
	return &SendResult{
		Status:         "sent",
		StatusCode:     resp.StatusCode,
		MessageID:      found.InternetMessageID,
		ConversationID: found.ConversationID,
	}, nil
}

// verifySentItems polls Sent Items looking for a message matching the
// subject (case-insensitive, whitespace-collapsed) with the primary
// recipient in its To list. Up to verifyAttempts passes with verifyDelay
// between them; Graph writes the sent copy asynchronously.
func (c *Client) verifySentItems(ctx context.Context, sender, subject, primaryTo string) (*graphMessage, error) {
	bearer, err := c.bearerFor(sender)
	if err != nil {
		return nil, err
	}

	wantSubject := strings.ToLower(CollapseWhitespace(subject))
	wantTo := strings.ToLower(strings.TrimSpace(primaryTo))

	endpoint := fmt.Sprintf(
		"%s/users/%s/mailFolders/SentItems/messages?%s",
		c.baseURL, url.PathEscape(sender),
		url.Values{
			"$select":  {"id,internetMessageId,conversationId,subject,toRecipients"},
			"$top":     {"10"},
			"$orderby": {"sentDateTime desc"},
		}.Encode(),
	)

	for attempt := 1; attempt <= c.verifyAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(c.verifyDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", bearer)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			continue
		}
		var listing messageListing
		decodeErr := json.NewDecoder(resp.Body).Decode(&listing)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || decodeErr != nil {
			continue
		}

		for i := range listing.Value {
			m := &listing.Value[i]
			if strings.ToLower(CollapseWhitespace(m.Subject)) != wantSubject {
				continue
			}
			for _, addr := range addresses(m.ToRecipients) {
				if strings.ToLower(addr) == wantTo {
					return m, nil
				}
			}
		}
	}
	return nil, nil
}

func graphErrorMessage(raw []byte, status int) string {
	var body graphErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		if body.Error.Code != "" {
			return fmt.Sprintf("%s: %s", body.Error.Code, body.Error.Message)
		}
		return body.Error.Message
	}
	return fmt.Sprintf("graph returned status %d", status)
}
