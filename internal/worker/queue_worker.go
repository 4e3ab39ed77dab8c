package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eventops/outreach/internal/domain"
	"github.com/eventops/outreach/internal/graph"
	"github.com/eventops/outreach/internal/pkg/distlock"
	"github.com/eventops/outreach/internal/pkg/logger"
	"github.com/eventops/outreach/internal/schedule"
	"github.com/eventops/outreach/internal/store"
)

// MailTransport is the slice of the Graph client the queue worker needs.
type MailTransport interface {
	Send(ctx context.Context, req graph.SendRequest) (*graph.SendResult, error)
}

// stuckRowAge is how far an older pending duplicate must lag before it
// is garbage-collected.
const stuckRowAge = 300 * time.Second

// QueueWorker drains due pending rows and sends them through the mail
// transport, honoring business hours, sender cooldowns, and the bounce
// quarantine. Singleton: holds the queue-worker advisory lock.
type QueueWorker struct {
	store     *store.Store
	transport MailTransport
	guard     distlock.Guard
	interval  time.Duration
	batchSize int
	audit     *logger.Logger

	totalSent    int64
	totalFailed  int64
	totalSkipped int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

func NewQueueWorker(st *store.Store, transport MailTransport, guard distlock.Guard, interval time.Duration) *QueueWorker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &QueueWorker{
		store:     st,
		transport: transport,
		guard:     guard,
		interval:  interval,
		batchSize: 50,
		audit:     logger.New("QueueWorker"),
	}
}

func (w *QueueWorker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run()
}

func (w *QueueWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	log.Printf("[QueueWorker] Stopped. Sent: %d, failed: %d, skipped: %d",
		atomic.LoadInt64(&w.totalSent), atomic.LoadInt64(&w.totalFailed), atomic.LoadInt64(&w.totalSkipped))
}

func (w *QueueWorker) Stats() map[string]int64 {
	return map[string]int64{
		"sent":    atomic.LoadInt64(&w.totalSent),
		"failed":  atomic.LoadInt64(&w.totalFailed),
		"skipped": atomic.LoadInt64(&w.totalSkipped),
	}
}

func (w *QueueWorker) run() {
	defer w.wg.Done()

	if !waitForGuard(w.ctx, w.guard, "QueueWorker") {
		return
	}
	defer w.guard.Release(context.Background())

	log.Printf("[QueueWorker] Started (interval=%s, batch=%d)", w.interval, w.batchSize)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.tick()
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *QueueWorker) tick() {
	if err := w.store.Heartbeat(w.ctx, "queue_worker", hostname()); err != nil {
		log.Printf("[QueueWorker] heartbeat: %v", err)
	}

	ids, err := w.store.FetchDuePendingIDs(w.ctx, w.batchSize)
	if err != nil {
		log.Printf("[QueueWorker] fetch due rows: %v", err)
		return
	}
	for _, id := range ids {
		if w.ctx.Err() != nil {
			return
		}
		if err := w.processRow(w.ctx, id); err != nil {
			log.Printf("[QueueWorker] row %d: %v", id, err)
		}
	}
}

// processRow runs one queue row through the full gate sequence and, if
// everything passes, sends it. One transaction per row; the row is held
// FOR UPDATE for the duration.
func (w *QueueWorker) processRow(ctx context.Context, rowID int64) error {
	tx, err := w.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()
	commit := func() error {
		committed = true
		return tx.Commit()
	}

	row, err := w.store.LockQueueRow(ctx, tx, rowID)
	if err != nil {
		return err
	}
	if row == nil {
		return commit()
	}

	// The DB clock is authoritative; host skew must not release rows
	// early.
	now, err := w.store.DBNow(ctx)
	if err != nil {
		return err
	}

	if row.DueAt.Valid && now.Before(row.DueAt.Time) {
		return commit()
	}

	dup, err := w.store.DuplicateRecentExists(ctx, tx, row.ID, row.ContactID, row.LastMessageType, row.RecipientEmail)
	if err != nil {
		return err
	}
	if dup {
		atomic.AddInt64(&w.totalSkipped, 1)
		if err := w.store.MarkSkipped(ctx, tx, row.ID, "Duplicate message in the last hour"); err != nil {
			return err
		}
		return commit()
	}

	if !schedule.IsBusinessHours(now) {
		next := schedule.NextAllowedUKBusinessTime(now)
		if err := w.store.RescheduleRow(ctx, tx, row.ID, next); err != nil {
			return err
		}
		return commit()
	}

	contact, err := w.store.GetContactTx(ctx, tx, row.ContactID)
	if err != nil {
		return err
	}
	if contact == nil || contact.CampaignPaused ||
		domain.IsTerminalStage(contact.Stage) || domain.IsTerminalStatus(nullStr(contact.Status)) {
		atomic.AddInt64(&w.totalSkipped, 1)
		if err := w.store.MarkSkipped(ctx, tx, row.ID, "Contact paused or sequence ended"); err != nil {
			return err
		}
		return commit()
	}

	if reschedule, until, err := w.cadenceBlocked(ctx, contact, row.LastMessageType, now); err != nil {
		return err
	} else if reschedule {
		if err := w.store.RescheduleRow(ctx, tx, row.ID, until); err != nil {
			return err
		}
		return commit()
	}

	stats, err := w.store.EffectiveSenderStats(ctx, row.SenderEmail)
	if err != nil {
		return err
	}
	cooldownReady := schedule.CooldownReady(stats, now)

	// GC an older stuck duplicate. Custom flow rows skip the cooldown
	// condition so an abandoned row cannot wedge the whole flow.
	_, isCustom := domain.IsCustomStep(row.LastMessageType)
	if cooldownReady || isCustom {
		if n, err := w.store.FailStuckOlder(ctx, tx, row.ID, row.ContactID, row.LastMessageType, stuckRowAge); err != nil {
			return err
		} else if n > 0 {
			log.Printf("[QueueWorker] GC'd %d stuck rows for contact %d / %s", n, row.ContactID, row.LastMessageType)
		}
	}

	if !cooldownReady {
		expiry := schedule.CooldownExpiry(stats)
		if !expiry.IsZero() && !schedule.IsBusinessHours(expiry) {
			if err := w.store.RescheduleRow(ctx, tx, row.ID, schedule.NextAllowedUKBusinessTime(expiry)); err != nil {
				return err
			}
		}
		// Inside business hours the row just stays pending; next tick
		// retries.
		return commit()
	}

	primary := primaryAddress(row.RecipientEmail)
	if primary == "" {
		atomic.AddInt64(&w.totalFailed, 1)
		if err := w.store.MarkFailed(ctx, tx, row.ID, "No parseable recipient address"); err != nil {
			return err
		}
		return commit()
	}

	bounced, err := w.store.IsBounced(ctx, primary)
	if err != nil {
		return err
	}
	if bounced {
		atomic.AddInt64(&w.totalFailed, 1)
		if err := w.store.MarkFailed(ctx, tx, row.ID, "Recipient address is quarantined after a bounce"); err != nil {
			return err
		}
		return commit()
	}

	if err := w.sendRow(ctx, tx, row, contact, primary, now); err != nil {
		return err
	}
	return commit()
}

// cadenceBlocked re-verifies the message's day gate against the most
// recent authoritative send right before dispatch.
func (w *QueueWorker) cadenceBlocked(ctx context.Context, c *domain.Contact, mt domain.MessageType, now time.Time) (bool, time.Time, error) {
	gate := domain.NormalizeMessageType(string(mt)).Cadence()
	if gate == 0 {
		return false, time.Time{}, nil
	}

	var anchor time.Time
	if t, err := w.store.LatestQueueSentAt(ctx, c.ID); err != nil {
		return false, time.Time{}, err
	} else if t.Valid {
		anchor = t.Time
	} else if t, err := w.store.LatestMessageSentAt(ctx, c.ID); err != nil {
		return false, time.Time{}, err
	} else if t.Valid {
		anchor = t.Time
	} else if c.LastTriggeredAt.Valid {
		anchor = c.LastTriggeredAt.Time
	}
	if anchor.IsZero() {
		return false, time.Time{}, nil
	}

	ready := anchor.Add(gate)
	if now.Before(ready) {
		return true, schedule.NextAllowedUKBusinessTime(ready), nil
	}
	return false, time.Time{}, nil
}

// sendRow performs the transport call and all post-send bookkeeping.
func (w *QueueWorker) sendRow(ctx context.Context, tx *sql.Tx, row *domain.QueueRow, contact *domain.Contact, primary string, now time.Time) error {
	// Propagate the contact's invoice onto payments rows that lack one,
	// persisting it so a retry does not lose the file.
	if len(row.Attachment) == 0 && len(contact.Attachment) > 0 &&
		domain.NormalizeStage(contact.Stage) == domain.StagePayments {
		row.Attachment = contact.Attachment
		row.AttachmentFilename = contact.AttachmentFilename
		row.AttachmentMimetype = contact.AttachmentMimetype
		if err := w.store.SetRowAttachment(ctx, tx, row.ID, row.Attachment, row.AttachmentFilename, row.AttachmentMimetype); err != nil {
			return err
		}
	}

	ccs := domain.SplitAddresses(nullStr(row.CCRecipients))
	if len(ccs) == 0 {
		ccs = contact.EmbeddedExtras()
	}

	body := row.Message
	if quote := historyQuote(contact); quote != "" {
		body = body + "\n\n" + quote
	}

	res, err := w.transport.Send(ctx, graph.SendRequest{
		Sender:         row.SenderEmail,
		To:             []string{primary},
		CC:             ccs,
		Subject:        row.Subject,
		Body:           body,
		InReplyTo:      nullStr(row.InReplyTo),
		Attachment:     row.Attachment,
		AttachmentName: nullStr(row.AttachmentFilename),
		AttachmentMime: nullStr(row.AttachmentMimetype),
	})
	if err != nil {
		return w.failRow(ctx, tx, row, contact, primary, err.Error(), now)
	}
	if !res.Sent() {
		return w.failRow(ctx, tx, row, contact, primary, res.ErrorMessage, now)
	}

	if err := w.store.MarkSent(ctx, tx, row.ID, res.MessageID, res.ConversationID, now); err != nil {
		return err
	}
	if err := w.store.InsertMessage(ctx, tx, &domain.MessageRecord{
		MessageID:      strings.Trim(res.MessageID, "<>"),
		ConversationID: nullableString(res.ConversationID),
		ContactID:      sql.NullInt64{Int64: contact.ID, Valid: true},
		SenderEmail:    row.SenderEmail,
		RecipientEmail: nullableString(primary),
		Subject:        row.Subject,
		Body:           body,
		Direction:      domain.DirectionSent,
		SentAt:         sql.NullTime{Time: now, Valid: true},
	}); err != nil {
		return err
	}
	// Only the primary recipient is mapped; CC'd addresses correlate
	// through the recipient map instead.
	if err := w.store.MapMessageContact(ctx, tx, strings.Trim(res.MessageID, "<>"), contact.ID); err != nil {
		return err
	}

	status := domain.SentStatus(row.LastMessageType)
	trigger := fmt.Sprintf("Sent %s to %s", row.LastMessageType, primary)
	if err := w.store.MarkContactSent(ctx, tx, contact.ID, status, body, now, trigger); err != nil {
		return err
	}
	if err := w.store.TouchSenderAfterSend(ctx, tx, row.SenderEmail, now, schedule.RandomCooldown()); err != nil {
		return err
	}

	atomic.AddInt64(&w.totalSent, 1)
	w.audit.Info("email sent",
		"row_id", row.ID,
		"contact_id", contact.ID,
		"message_type", string(row.LastMessageType),
		"recipient", primary,
		"sender", row.SenderEmail)
	return nil
}

// failRow records a send failure on the row and the contact. A transport
// error that reads like an NDR also quarantines the address immediately
// rather than waiting for the detector's next pass.
func (w *QueueWorker) failRow(ctx context.Context, tx *sql.Tx, row *domain.QueueRow, contact *domain.Contact, primary, reason string, now time.Time) error {
	atomic.AddInt64(&w.totalFailed, 1)
	if reason == "" {
		reason = "send failed"
	}
	if err := w.store.MarkFailed(ctx, tx, row.ID, reason); err != nil {
		return err
	}

	if v := ClassifyBounce("", "", reason, []string{row.SenderEmail}); v.IsBounce {
		addr := v.FailedAddress
		if addr == "" {
			addr = primary
		}
		if err := w.store.UpsertBounce(ctx, tx, addr, v.Type, reason, now); err != nil {
			return err
		}
		if _, err := w.store.QuarantineAddress(ctx, tx, addr, now, "Bounce surfaced by transport: "+v.Reason); err != nil {
			return err
		}
	}

	w.audit.Warn("send failed",
		"row_id", row.ID,
		"contact_id", contact.ID,
		"recipient", primary,
		"reason", reason)
	// Mirror outside the tx: the error note must survive even if a later
	// statement aborts this transaction.
	if err := w.store.SetEmailError(ctx, contact.ID, reason); err != nil {
		log.Printf("[QueueWorker] mirror email error: %v", err)
	}
	return nil
}

// historyQuote picks the single quoted block appended below the rendered
// body: the contact's most recent reply when there is one, else the most
// recent message we sent them. Never both.
func historyQuote(c *domain.Contact) string {
	if c.LastReplyBody.Valid && strings.TrimSpace(c.LastReplyBody.String) != "" {
		return quoteBlock(c.LastReplyAt, c.Name, c.LastReplyBody.String)
	}
	if c.LastSentBody.Valid && strings.TrimSpace(c.LastSentBody.String) != "" {
		return quoteBlock(c.LastSentAt, "", c.LastSentBody.String)
	}
	return ""
}

func quoteBlock(at sql.NullTime, who, body string) string {
	var b strings.Builder
	switch {
	case at.Valid && who != "":
		fmt.Fprintf(&b, "On %s, %s wrote:\n", at.Time.Format("Mon, 2 Jan 2006 15:04"), who)
	case at.Valid:
		fmt.Fprintf(&b, "On %s:\n", at.Time.Format("Mon, 2 Jan 2006 15:04"))
	}
	for _, line := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
		b.WriteString("> ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func primaryAddress(s string) string {
	addrs := domain.SplitAddresses(s)
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}
