package worker

import (
	"regexp"
	"strings"

	"github.com/eventops/outreach/internal/domain"
)

// Bounce heuristics. NDR formats vary wildly across providers, so
// classification is an OR over three indicator sets (subject, sender,
// body), and address extraction walks a regex cascade from most to least
// specific.

var bounceSubjectIndicators = []string{
	"delivery status notification",
	"undeliverable",
	"undelivered mail returned to sender",
	"mail delivery failed",
	"mail delivery failure",
	"delivery has failed",
	"failure notice",
	"returned mail",
	"delivery incomplete",
	"message not delivered",
}

var bounceSenderIndicators = []string{
	"postmaster@",
	"mailer-daemon@",
	"mailerdaemon@",
	"microsoftexchange",
	"noreply@",
	"no-reply@",
}

var bounceBodyIndicators = []string{
	"mailbox unavailable",
	"mailbox not found",
	"mailbox full",
	"user unknown",
	"recipient not found",
	"address rejected",
	"address not found",
	"does not exist",
	"no such user",
	"unrouteable address",
	"550 ",
	"550-",
	"551 ",
	"553 ",
	"554 ",
	"recipient address rejected",
	"delivery to the following recipient failed",
	"wasn't found at",
	"could not be delivered",
}

// softBounceIndicators downgrade a match to a soft bounce: the address
// is valid but delivery failed transiently.
var softBounceIndicators = []string{
	"mailbox full",
	"quota exceeded",
	"over quota",
	"temporarily deferred",
	"try again later",
	"temporary failure",
	"421 ",
	"450 ",
	"451 ",
	"452 ",
}

// failedAddressPatterns are tried in order; the first capture wins.
var failedAddressPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:final-recipient|original-recipient)\s*:\s*(?:rfc822;)?\s*<?([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})>?`),
	regexp.MustCompile(`(?i)(?:delivery to the following recipient failed|your message to|wasn't delivered to)\s+<?([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})>?`),
	regexp.MustCompile(`(?i)<?([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})>?\s*(?:wasn't found|was not found|couldn't be found|could not be found)`),
	regexp.MustCompile(`(?i)(?:user|recipient|address|mailbox)\s+<?([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})>?\s+(?:unknown|not found|rejected|does not exist)`),
	regexp.MustCompile(`(?i)5\d\d[ -][^\n]*?<([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})>`),
	regexp.MustCompile(`<([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})>`),
}

// BounceVerdict is the classifier output for one inbound message.
type BounceVerdict struct {
	IsBounce      bool
	Type          domain.BounceType
	FailedAddress string
	Reason        string
}

// ClassifyBounce inspects an inbound message's subject, sender, and body.
// ownAddresses lets the extractor skip the sender mailbox's own address
// when it appears in the NDR text.
func ClassifyBounce(subject, from, body string, ownAddresses []string) BounceVerdict {
	ls, lf, lb := strings.ToLower(subject), strings.ToLower(from), strings.ToLower(body)

	matched := ""
	for _, ind := range bounceSubjectIndicators {
		if strings.Contains(ls, ind) {
			matched = "subject: " + ind
			break
		}
	}
	if matched == "" {
		for _, ind := range bounceSenderIndicators {
			if strings.Contains(lf, ind) {
				matched = "sender: " + ind
				break
			}
		}
	}
	if matched == "" {
		for _, ind := range bounceBodyIndicators {
			if strings.Contains(lb, ind) {
				matched = "body: " + ind
				break
			}
		}
	}
	if matched == "" {
		return BounceVerdict{}
	}

	bt := domain.BounceHard
	for _, ind := range softBounceIndicators {
		if strings.Contains(lb, ind) {
			bt = domain.BounceSoft
			break
		}
	}

	return BounceVerdict{
		IsBounce:      true,
		Type:          bt,
		FailedAddress: ExtractFailedAddress(body, ownAddresses),
		Reason:        matched,
	}
}

// ExtractFailedAddress recovers the bounced recipient from NDR text,
// ignoring the system's own mailboxes and daemon addresses.
func ExtractFailedAddress(body string, ownAddresses []string) string {
	skip := make(map[string]bool, len(ownAddresses))
	for _, a := range ownAddresses {
		skip[strings.ToLower(a)] = true
	}
	for _, p := range failedAddressPatterns {
		for _, m := range p.FindAllStringSubmatch(body, -1) {
			addr := strings.ToLower(strings.TrimSpace(m[1]))
			if skip[addr] || strings.HasPrefix(addr, "postmaster@") || strings.HasPrefix(addr, "mailer-daemon@") {
				continue
			}
			return addr
		}
	}
	return ""
}
