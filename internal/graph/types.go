package graph

import "time"

// Wire shapes for the Graph mail endpoints. Only the fields we read or
// write are declared.

type emailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type internetHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type fileAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

type outgoingMessage struct {
	Subject                string           `json:"subject"`
	Body                   itemBody         `json:"body"`
	ToRecipients           []recipient      `json:"toRecipients"`
	CcRecipients           []recipient      `json:"ccRecipients,omitempty"`
	InternetMessageHeaders []internetHeader `json:"internetMessageHeaders,omitempty"`
	Attachments            []fileAttachment `json:"attachments,omitempty"`
}

type sendMailRequest struct {
	Message         outgoingMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

type graphMessage struct {
	ID                     string           `json:"id"`
	Subject                string           `json:"subject"`
	InternetMessageID      string           `json:"internetMessageId"`
	ConversationID         string           `json:"conversationId"`
	ReceivedDateTime       time.Time        `json:"receivedDateTime"`
	From                   *recipient       `json:"from"`
	ToRecipients           []recipient      `json:"toRecipients"`
	CcRecipients           []recipient      `json:"ccRecipients"`
	InternetMessageHeaders []internetHeader `json:"internetMessageHeaders"`
	Body                   *itemBody        `json:"body"`
	UniqueBody             *itemBody        `json:"uniqueBody"`
	BodyPreview            string           `json:"bodyPreview"`
}

type messageListing struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

type graphErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SendRequest describes one outgoing email.
type SendRequest struct {
	Sender      string
	To          []string
	CC          []string
	Subject     string
	Body        string
	ContentType string // "Text" or "HTML"; defaults to Text

	// Threading headers for replies.
	InReplyTo  string
	References string

	Attachment     []byte
	AttachmentName string
	AttachmentMime string
}

// SendResult reports the outcome of a send, including the identifiers
// recovered from Sent Items when verification succeeded.
type SendResult struct {
	Status         string // "sent" or "failed"
	MessageID      string // internetMessageId
	ConversationID string
	ErrorMessage   string
	StatusCode     int
}

func (r *SendResult) Sent() bool { return r.Status == "sent" }

// InboxMessage is one received message with derived fields resolved.
type InboxMessage struct {
	ID             string
	Subject        string
	From           string
	To             []string
	CC             []string
	ReceivedAt     time.Time
	ConversationID string
	InReplyTo      string
	RawBody        string
	ProcessedBody  string
}

func recipients(addrs []string) []recipient {
	out := make([]recipient, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, recipient{EmailAddress: emailAddress{Address: a}})
	}
	return out
}

func addresses(recips []recipient) []string {
	out := make([]string, 0, len(recips))
	for _, r := range recips {
		if r.EmailAddress.Address != "" {
			out = append(out, r.EmailAddress.Address)
		}
	}
	return out
}
