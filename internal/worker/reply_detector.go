package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eventops/outreach/internal/domain"
	"github.com/eventops/outreach/internal/graph"
	"github.com/eventops/outreach/internal/pkg/distlock"
	"github.com/eventops/outreach/internal/pkg/logger"
	"github.com/eventops/outreach/internal/store"
)

// InboxFetcher is the slice of the Graph client the detector needs.
type InboxFetcher interface {
	FetchInbox(ctx context.Context, sender string, max int) ([]graph.InboxMessage, error)
}

const inboxFetchLimit = 100

// ReplyDetector polls every sender mailbox, correlates inbound messages
// to contacts, pauses contacts that replied, and quarantines addresses
// that bounced. It never advances a sequence; it only stops them.
// Singleton: holds the reply-detector advisory lock.
type ReplyDetector struct {
	store    *store.Store
	fetcher  InboxFetcher
	guard    distlock.Guard
	interval time.Duration
	audit    *logger.Logger

	totalReplies int64
	totalBounces int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

func NewReplyDetector(st *store.Store, fetcher InboxFetcher, guard distlock.Guard, interval time.Duration) *ReplyDetector {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ReplyDetector{
		store:    st,
		fetcher:  fetcher,
		guard:    guard,
		interval: interval,
		audit:    logger.New("ReplyDetector"),
	}
}

func (r *ReplyDetector) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run()
}

func (r *ReplyDetector) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	log.Printf("[ReplyDetector] Stopped. Replies: %d, bounces: %d",
		atomic.LoadInt64(&r.totalReplies), atomic.LoadInt64(&r.totalBounces))
}

func (r *ReplyDetector) Stats() map[string]int64 {
	return map[string]int64{
		"replies": atomic.LoadInt64(&r.totalReplies),
		"bounces": atomic.LoadInt64(&r.totalBounces),
	}
}

func (r *ReplyDetector) run() {
	defer r.wg.Done()

	if !waitForGuard(r.ctx, r.guard, "ReplyDetector") {
		return
	}
	defer r.guard.Release(context.Background())

	log.Printf("[ReplyDetector] Started (interval=%s)", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.tick()
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *ReplyDetector) tick() {
	if err := r.store.Heartbeat(r.ctx, "reply_detector", hostname()); err != nil {
		log.Printf("[ReplyDetector] heartbeat: %v", err)
	}

	contacts, err := r.store.FetchActiveContacts(r.ctx)
	if err != nil {
		log.Printf("[ReplyDetector] fetch contacts: %v", err)
		return
	}

	// Group contacts under their sender mailbox via their event.
	events := make(map[int64]*domain.Event)
	byMailbox := make(map[string][]*domain.Contact)
	for i := range contacts {
		c := &contacts[i]
		ev, ok := events[c.EventID]
		if !ok {
			ev, err = r.store.GetEvent(r.ctx, c.EventID)
			if err != nil {
				log.Printf("[ReplyDetector] event %d: %v", c.EventID, err)
				continue
			}
			events[c.EventID] = ev
		}
		if ev == nil || ev.SenderEmail == "" {
			continue
		}
		mailbox := strings.ToLower(ev.SenderEmail)
		byMailbox[mailbox] = append(byMailbox[mailbox], c)
	}

	var mailboxes []string
	for m := range byMailbox {
		mailboxes = append(mailboxes, m)
	}

	recipientMap, err := r.store.RecipientContactMap(r.ctx)
	if err != nil {
		log.Printf("[ReplyDetector] recipient map: %v", err)
		recipientMap = nil
	}

	for mailbox, group := range byMailbox {
		if r.ctx.Err() != nil {
			return
		}
		r.scanMailbox(mailbox, group, mailboxes, recipientMap)
	}
}

func (r *ReplyDetector) scanMailbox(mailbox string, contacts []*domain.Contact, ownMailboxes []string, recipientMap map[string][]int64) {
	msgs, err := r.fetcher.FetchInbox(r.ctx, mailbox, inboxFetchLimit)
	if err != nil {
		log.Printf("[ReplyDetector] fetch inbox %s: %v", mailbox, err)
		return
	}

	anchors := make(map[int64]*domain.QueueRow)
	for _, msg := range msgs {
		if r.ctx.Err() != nil {
			return
		}
		if err := r.processInbound(msg, contacts, ownMailboxes, recipientMap, anchors); err != nil {
			log.Printf("[ReplyDetector] message %s: %v", msg.ID, err)
		}
	}
}

func (r *ReplyDetector) processInbound(msg graph.InboxMessage, contacts []*domain.Contact, ownMailboxes []string, recipientMap map[string][]int64, anchors map[int64]*domain.QueueRow) error {
	seen, err := r.store.MessageSeen(r.ctx, msg.ID)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	// Bounces first: an NDR often quotes our own subject, which would
	// otherwise satisfy the reply heuristics.
	if v := ClassifyBounce(msg.Subject, msg.From, msg.ProcessedBody, ownMailboxes); v.IsBounce {
		return r.applyBounce(msg, v)
	}

	for _, c := range contacts {
		matched, err := r.correlate(msg, c, recipientMap, anchors)
		if err != nil {
			return err
		}
		if !matched {
			continue
		}
		if !verifyReplyParticipant(msg, c) {
			continue
		}
		return r.applyReply(msg, c)
	}
	return nil
}

// correlate runs the reply-matching ladder from strongest to weakest
// signal.
func (r *ReplyDetector) correlate(msg graph.InboxMessage, c *domain.Contact, recipientMap map[string][]int64, anchors map[int64]*domain.QueueRow) (bool, error) {
	// Deterministic map hit on In-Reply-To.
	if msg.InReplyTo != "" {
		ids, err := r.store.ContactsForMessageID(r.ctx, msg.InReplyTo)
		if err != nil {
			return false, err
		}
		for _, id := range ids {
			if id == c.ID {
				return true, nil
			}
		}
	}

	anchor, ok := anchors[c.ID]
	if !ok {
		var err error
		anchor, err = r.store.LastSentAnchor(r.ctx, c.ID)
		if err != nil {
			return false, err
		}
		if anchor == nil && recipientMap != nil {
			// No direct sends; the contact may have been CC'd on a send
			// mapped under another contact's address.
			for _, addr := range c.AllAddresses() {
				if ids := recipientMap[addr]; len(ids) > 0 {
					anchor, err = r.store.LastSentAnchor(r.ctx, ids[0])
					if err != nil {
						return false, err
					}
					break
				}
			}
		}
		anchors[c.ID] = anchor
	}
	if anchor == nil {
		return false, nil
	}

	if msg.InReplyTo != "" && anchor.MessageID.Valid &&
		normalizeMessageID(msg.InReplyTo) == normalizeMessageID(anchor.MessageID.String) {
		return true, nil
	}
	if msg.ConversationID != "" && anchor.ConversationID.Valid &&
		msg.ConversationID == anchor.ConversationID.String {
		return true, nil
	}

	subjectMatches := anchor.Subject != "" &&
		strings.Contains(normalizeSubject(msg.Subject), normalizeSubject(anchor.Subject))
	if subjectMatches && contactInRecipients(msg, c) {
		return true, nil
	}
	if subjectMatches && addressBelongsToContact(msg.From, c) {
		return true, nil
	}
	return false, nil
}

// verifyReplyParticipant rejects matches where the contact is nowhere in
// the inbound message at all.
func verifyReplyParticipant(msg graph.InboxMessage, c *domain.Contact) bool {
	return addressBelongsToContact(msg.From, c) || contactInRecipients(msg, c)
}

func (r *ReplyDetector) applyReply(msg graph.InboxMessage, c *domain.Contact) error {
	at := msg.ReceivedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	err := r.store.WithTx(r.ctx, func(tx *sql.Tx) error {
		trigger := fmt.Sprintf("Reply received from %s (%q)", msg.From, msg.Subject)
		if err := r.store.MarkReplied(r.ctx, tx, c.ID, msg.ProcessedBody, at, trigger); err != nil {
			return err
		}
		return r.store.InsertMessage(r.ctx, tx, &domain.MessageRecord{
			MessageID:      msg.ID,
			ConversationID: nullableString(msg.ConversationID),
			ContactID:      sql.NullInt64{Int64: c.ID, Valid: true},
			SenderEmail:    msg.From,
			RecipientEmail: nullableString(strings.Join(msg.To, ",")),
			Subject:        msg.Subject,
			Body:           msg.ProcessedBody,
			Direction:      domain.DirectionReceived,
			ReceivedAt:     sql.NullTime{Time: at, Valid: true},
		})
	})
	if err != nil {
		return err
	}
	atomic.AddInt64(&r.totalReplies, 1)
	r.audit.Info("reply detected",
		"contact_id", c.ID,
		"from", msg.From,
		"message_id", msg.ID)
	return nil
}

func (r *ReplyDetector) applyBounce(msg graph.InboxMessage, v BounceVerdict) error {
	if v.FailedAddress == "" {
		// Record the NDR so we do not re-classify it every tick, but
		// without an address there is nothing to quarantine.
		return r.store.WithTx(r.ctx, func(tx *sql.Tx) error {
			return r.insertBounceRecord(tx, msg)
		})
	}

	now := time.Now().UTC()
	err := r.store.WithTx(r.ctx, func(tx *sql.Tx) error {
		if err := r.store.UpsertBounce(r.ctx, tx, v.FailedAddress, v.Type, v.Reason, now); err != nil {
			return err
		}
		trigger := fmt.Sprintf("Email bounced (%s): %s", v.Type, v.Reason)
		ids, err := r.store.QuarantineAddress(r.ctx, tx, v.FailedAddress, now, trigger)
		if err != nil {
			return err
		}
		if _, err := r.store.FailPendingForAddress(r.ctx, tx, v.FailedAddress, "Recipient email bounced"); err != nil {
			return err
		}
		if len(ids) > 0 {
			r.audit.Warn("address quarantined",
				"failed_address", v.FailedAddress,
				"bounce_type", string(v.Type),
				"contacts", fmt.Sprint(ids))
		}
		return r.insertBounceRecord(tx, msg)
	})
	if err != nil {
		return err
	}
	atomic.AddInt64(&r.totalBounces, 1)
	return nil
}

func (r *ReplyDetector) insertBounceRecord(tx *sql.Tx, msg graph.InboxMessage) error {
	return r.store.InsertMessage(r.ctx, tx, &domain.MessageRecord{
		MessageID:   msg.ID,
		SenderEmail: msg.From,
		Subject:     msg.Subject,
		Body:        msg.ProcessedBody,
		Direction:   domain.DirectionReceived,
		ReceivedAt:  sql.NullTime{Time: msg.ReceivedAt, Valid: true},
	})
}

var subjectPrefixPattern = regexp.MustCompile(`(?i)^(re|fwd?|aw|sv)\s*:\s*`)

// normalizeSubject strips reply/forward prefixes and folds whitespace
// for containment comparison.
func normalizeSubject(s string) string {
	s = strings.TrimSpace(s)
	for {
		stripped := subjectPrefixPattern.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	return strings.ToLower(graph.CollapseWhitespace(s))
}

func normalizeMessageID(s string) string {
	return strings.Trim(strings.TrimSpace(s), "<>")
}

func addressBelongsToContact(addr string, c *domain.Contact) bool {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" {
		return false
	}
	for _, a := range c.AllAddresses() {
		if a == addr {
			return true
		}
	}
	return false
}

func contactInRecipients(msg graph.InboxMessage, c *domain.Contact) bool {
	for _, addr := range append(append([]string{}, msg.To...), msg.CC...) {
		if addressBelongsToContact(addr, c) {
			return true
		}
	}
	return false
}
