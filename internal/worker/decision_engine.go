package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eventops/outreach/internal/domain"
	"github.com/eventops/outreach/internal/pkg/distlock"
	"github.com/eventops/outreach/internal/schedule"
	"github.com/eventops/outreach/internal/store"
)

// recentResumeWindow defers freshly-resumed contacts to the immediate
// single-contact path.
const recentResumeWindow = 5 * time.Minute

// DecisionEngine walks every active contact once per tick and enqueues
// the next campaign message when one is due. Singleton: holds the
// decision-engine advisory lock for its lifetime.
type DecisionEngine struct {
	store    *store.Store
	composer *Composer
	guard    distlock.Guard
	interval time.Duration

	totalDecided  int64
	totalEnqueued int64
	totalSkipped  int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

func NewDecisionEngine(st *store.Store, composer *Composer, guard distlock.Guard, interval time.Duration) *DecisionEngine {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &DecisionEngine{store: st, composer: composer, guard: guard, interval: interval}
}

// Start acquires the singleton lock and begins the decision loop.
func (d *DecisionEngine) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run()
}

// Stop halts the loop and waits for the in-flight tick.
func (d *DecisionEngine) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	log.Printf("[DecisionEngine] Stopped. Decided: %d, enqueued: %d, skipped: %d",
		atomic.LoadInt64(&d.totalDecided), atomic.LoadInt64(&d.totalEnqueued), atomic.LoadInt64(&d.totalSkipped))
}

// Stats returns loop counters.
func (d *DecisionEngine) Stats() map[string]int64 {
	return map[string]int64{
		"decided":  atomic.LoadInt64(&d.totalDecided),
		"enqueued": atomic.LoadInt64(&d.totalEnqueued),
		"skipped":  atomic.LoadInt64(&d.totalSkipped),
	}
}

func (d *DecisionEngine) run() {
	defer d.wg.Done()

	if !waitForGuard(d.ctx, d.guard, "DecisionEngine") {
		return
	}
	defer d.guard.Release(context.Background())

	log.Printf("[DecisionEngine] Started (interval=%s)", d.interval)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		d.tick()
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *DecisionEngine) tick() {
	if err := d.store.Heartbeat(d.ctx, "decision_engine", hostname()); err != nil {
		log.Printf("[DecisionEngine] heartbeat: %v", err)
	}

	contacts, err := d.store.FetchActiveContacts(d.ctx)
	if err != nil {
		log.Printf("[DecisionEngine] fetch contacts: %v", err)
		return
	}
	for i := range contacts {
		if d.ctx.Err() != nil {
			return
		}
		if err := d.ProcessContact(d.ctx, contacts[i].ID); err != nil {
			log.Printf("[DecisionEngine] contact %d: %v", contacts[i].ID, err)
		}
	}
}

// ProcessContact decides one contact inside its own transaction, guarded
// by the per-contact advisory lock. Also used by the immediate path.
func (d *DecisionEngine) ProcessContact(ctx context.Context, contactID int64) error {
	atomic.AddInt64(&d.totalDecided, 1)

	tx, err := d.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	locked, err := d.store.TryAdvisoryXactLock(ctx, tx, contactID)
	if err != nil {
		return err
	}
	if !locked {
		atomic.AddInt64(&d.totalSkipped, 1)
		return nil
	}

	c, err := d.store.GetContactTx(ctx, tx, contactID)
	if err != nil {
		return err
	}
	// Re-check gates now that we hold the lock; another worker may have
	// paused or bounced the contact since the fetch.
	if c == nil || c.CampaignPaused || c.EmailBounced ||
		domain.IsTerminalStage(c.Stage) || domain.IsTerminalStatus(nullStr(c.Status)) {
		atomic.AddInt64(&d.totalSkipped, 1)
		return nil
	}

	now := time.Now().UTC()

	if !c.LastMessageType.Valid && c.LastTriggeredAt.Valid &&
		now.Sub(c.LastTriggeredAt.Time) < recentResumeWindow {
		atomic.AddInt64(&d.totalSkipped, 1)
		return nil
	}

	if c.IsCustomFlow() {
		if err := d.processCustomFlow(ctx, tx, c, now); err != nil {
			return err
		}
		committed = true
		return tx.Commit()
	}

	if err := d.processDefault(ctx, tx, c, now); err != nil {
		return err
	}
	committed = true
	return tx.Commit()
}

func (d *DecisionEngine) processDefault(ctx context.Context, tx *sql.Tx, c *domain.Contact, now time.Time) error {
	norm := domain.NormalizeStage(c.Stage)
	prefix := strings.TrimSuffix(stagePrefix(norm), "_")

	anchor, err := d.cadenceAnchor(ctx, c, prefix)
	if err != nil {
		return err
	}
	timeSince := time.Duration(0)
	if !anchor.IsZero() {
		timeSince = now.Sub(anchor)
	}

	// A pending reminder plus a confirmed initial means the pipeline is
	// already primed; nothing to decide this tick.
	if prefix != "" {
		pending, err := d.store.PendingStageReminderExists(ctx, c.ID, prefix)
		if err != nil {
			return err
		}
		if pending {
			if initial, ok := stageInitials[norm]; ok {
				sent, err := d.store.PriorSentExists(ctx, c.ID, initial)
				if err != nil {
					return err
				}
				if sent {
					atomic.AddInt64(&d.totalSkipped, 1)
					return nil
				}
			}
		}
	}

	action := DetermineNextAction(c.Stage, nullStr(c.Status), nullStr(c.LastMessageType), timeSince)
	if action == nil {
		return nil
	}

	// Reminders only follow a confirmed send of the predecessor; a queued
	// or silently failed predecessor must not be jumped over.
	if !action.MessageType.IsInitial() && c.LastMessageType.Valid {
		prior := domain.NormalizeMessageType(c.LastMessageType.String)
		if prior != "" && prior != action.MessageType {
			sent, err := d.store.PriorSentExists(ctx, c.ID, prior)
			if err != nil {
				return err
			}
			if !sent {
				atomic.AddInt64(&d.totalSkipped, 1)
				return nil
			}
		}
	}

	return d.enqueueAction(ctx, tx, c, action, anchor, now)
}

// cadenceAnchor resolves the reference point time_since_last is measured
// from: latest stage send, else last_triggered_at, else the audit trail.
func (d *DecisionEngine) cadenceAnchor(ctx context.Context, c *domain.Contact, stagePrefix string) (time.Time, error) {
	if stagePrefix != "" {
		t, err := d.store.LatestSentForStage(ctx, c.ID, stagePrefix)
		if err != nil {
			return time.Time{}, err
		}
		if t.Valid {
			return t.Time, nil
		}
	}
	if c.LastTriggeredAt.Valid {
		return c.LastTriggeredAt.Time, nil
	}
	t, err := d.store.LatestMessageSentAt(ctx, c.ID)
	if err != nil {
		return time.Time{}, err
	}
	if t.Valid {
		return t.Time, nil
	}
	return time.Time{}, nil
}

// enqueueAction inserts the queue row and stamps the contact, all within
// the caller's transaction.
func (d *DecisionEngine) enqueueAction(ctx context.Context, tx *sql.Tx, c *domain.Contact, action *Action, anchor, now time.Time) error {
	exists, err := d.store.ActiveRowExists(ctx, tx, c.ID, action.MessageType)
	if err != nil {
		return err
	}
	if exists {
		atomic.AddInt64(&d.totalSkipped, 1)
		return nil
	}

	event, err := d.store.GetEvent(ctx, c.EventID)
	if err != nil {
		return err
	}
	if event == nil {
		return fmt.Errorf("contact %d references missing event %d", c.ID, c.EventID)
	}

	subject, body, err := d.composer.Compose(ctx, c, event, action)
	if err != nil {
		// A render failure must not wedge the tick. Park the contact in
		// error state; the retry gate re-emits this step in an hour.
		log.Printf("[DecisionEngine] render %s for contact %d: %v", action.MessageType, c.ID, err)
		trigger := fmt.Sprintf("Template render failed for %s: %v", action.MessageType, err)
		if err := d.store.MarkEnqueued(ctx, tx, c.ID, string(domain.MsgError), action.MessageType, now, trigger); err != nil {
			return err
		}
		atomic.AddInt64(&d.totalSkipped, 1)
		return nil
	}

	dueAt := now
	if gate := action.MessageType.Cadence(); gate > 0 && !anchor.IsZero() {
		if t := anchor.Add(gate); t.After(now) {
			dueAt = t
		}
	}
	scheduledAt := schedule.NextAllowedUKBusinessTime(dueAt)

	row := &domain.QueueRow{
		ContactID:       c.ID,
		EventID:         c.EventID,
		SenderEmail:     event.SenderEmail,
		RecipientEmail:  c.PrimaryEmail(),
		CCRecipients:    nullableString(c.CCForEnqueue()),
		Subject:         subject,
		Message:         body,
		LastMessageType: action.MessageType,
		DueAt:           sql.NullTime{Time: dueAt, Valid: true},
		ScheduledAt:     sql.NullTime{Time: scheduledAt, Valid: true},
	}
	if isPaymentsClass(action.MessageType) && len(c.Attachment) > 0 {
		row.Attachment = c.Attachment
		row.AttachmentFilename = c.AttachmentFilename
		row.AttachmentMimetype = c.AttachmentMimetype
	}

	if _, err := d.store.InsertQueueRow(ctx, tx, row); err != nil {
		// The existence check above races with the immediate path; the
		// unique index is the arbiter.
		if errors.Is(err, store.ErrDuplicateRow) {
			atomic.AddInt64(&d.totalSkipped, 1)
			return nil
		}
		return err
	}
	if err := d.store.MarkEnqueued(ctx, tx, c.ID, action.QueuedStatus, action.MessageType, now, action.Trigger); err != nil {
		return err
	}
	atomic.AddInt64(&d.totalEnqueued, 1)
	log.Printf("[DecisionEngine] Enqueued %s for contact %d (due %s, scheduled %s)",
		action.MessageType, c.ID, dueAt.Format(time.RFC3339), scheduledAt.Format(time.RFC3339))
	return nil
}

// isPaymentsClass gates attachment propagation: invoices ride along only
// on payments messages.
func isPaymentsClass(mt domain.MessageType) bool {
	return strings.HasPrefix(string(mt), "payments_")
}

func nullableString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// waitForGuard blocks until the singleton guard is acquired or the
// context ends. Another process holding the lock is normal during
// deploys; keep retrying quietly.
func waitForGuard(ctx context.Context, guard distlock.Guard, name string) bool {
	for {
		ok, err := guard.Acquire(ctx)
		if err != nil {
			log.Printf("[%s] acquire lock: %v", name, err)
		} else if ok {
			return true
		} else {
			log.Printf("[%s] singleton lock held elsewhere, retrying", name)
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(30 * time.Second):
		}
	}
}
