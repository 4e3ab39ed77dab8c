package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/eventops/outreach/internal/domain"
	"github.com/eventops/outreach/internal/schedule"
	"github.com/eventops/outreach/internal/store"
)

// StatusCustomComplete marks a contact whose custom flow ran out of
// steps.
const StatusCustomComplete = "custom-complete"

// processCustomFlow advances a flow-driven contact by at most one step
// per tick. Email steps enqueue; task/notification steps just stamp the
// contact and move on.
func (d *DecisionEngine) processCustomFlow(ctx context.Context, tx *sql.Tx, c *domain.Contact, now time.Time) error {
	flow, err := d.store.ActiveFlowForContact(ctx, c.ID)
	if err != nil {
		return err
	}
	if flow == nil || len(flow.Steps) == 0 {
		return nil
	}

	step, done, err := d.nextFlowStep(ctx, tx, c, flow)
	if err != nil {
		return err
	}
	if done {
		if nullStr(c.Status) != StatusCustomComplete {
			if err := d.store.SetContactStatus(ctx, tx, c.ID, StatusCustomComplete, now, "Custom flow completed"); err != nil {
				return err
			}
			log.Printf("[DecisionEngine] Custom flow complete for contact %d", c.ID)
		}
		return nil
	}

	anchor, err := d.flowAnchor(ctx, c, now)
	if err != nil {
		return err
	}
	due := anchor.Add(time.Duration(step.DelayDays) * 24 * time.Hour)
	if step.StepOrder == 1 {
		// The first step fires as soon as the flow is created.
		due = now
	}
	if now.Before(due) {
		return nil
	}

	if step.Type != domain.StepEmail {
		marker := fmt.Sprintf("step-%d", step.StepOrder)
		return d.store.SetContactStatus(ctx, tx, c.ID, marker, now,
			fmt.Sprintf("Custom flow %s step %d processed", step.Type, step.StepOrder))
	}

	event, err := d.store.GetEvent(ctx, c.EventID)
	if err != nil {
		return err
	}
	if event == nil {
		return fmt.Errorf("contact %d references missing event %d", c.ID, c.EventID)
	}
	subject, body, err := d.composer.ComposeFlowStep(c, event, *step)
	if err != nil {
		return err
	}

	mt := domain.CustomStep(step.StepOrder)
	scheduledAt := schedule.NextAllowedUKBusinessTime(due)
	row := &domain.QueueRow{
		ContactID:       c.ID,
		EventID:         c.EventID,
		SenderEmail:     event.SenderEmail,
		RecipientEmail:  c.PrimaryEmail(),
		CCRecipients:    nullableString(c.CCForEnqueue()),
		Subject:         subject,
		Message:         body,
		LastMessageType: mt,
		DueAt:           sql.NullTime{Time: due, Valid: true},
		ScheduledAt:     sql.NullTime{Time: scheduledAt, Valid: true},
	}
	if _, err := d.store.InsertQueueRow(ctx, tx, row); err != nil {
		if errors.Is(err, store.ErrDuplicateRow) {
			return nil
		}
		return err
	}
	if err := d.store.MarkEnqueued(ctx, tx, c.ID, string(mt)+"_queued", mt, now,
		fmt.Sprintf("Queued custom flow step %d", step.StepOrder)); err != nil {
		return err
	}
	atomic.AddInt64(&d.totalEnqueued, 1)
	log.Printf("[DecisionEngine] Enqueued custom step %d for contact %d", step.StepOrder, c.ID)
	return nil
}

// nextFlowStep finds the first step without evidence of completion.
// Email steps leave queue rows; non-email steps leave status markers.
func (d *DecisionEngine) nextFlowStep(ctx context.Context, tx *sql.Tx, c *domain.Contact, flow *domain.CustomFlow) (*domain.CustomFlowStep, bool, error) {
	highestMarker := stepMarker(nullStr(c.Status))
	for i := range flow.Steps {
		step := &flow.Steps[i]
		if step.Type == domain.StepEmail {
			exists, err := d.store.ActiveRowExists(ctx, tx, c.ID, domain.CustomStep(step.StepOrder))
			if err != nil {
				return nil, false, err
			}
			if exists {
				continue
			}
			return step, false, nil
		}
		if highestMarker >= step.StepOrder {
			continue
		}
		return step, false, nil
	}
	return nil, true, nil
}

// flowAnchor resolves the reference time step delays count from.
func (d *DecisionEngine) flowAnchor(ctx context.Context, c *domain.Contact, now time.Time) (time.Time, error) {
	t, err := d.store.LatestQueueSentAt(ctx, c.ID)
	if err != nil {
		return time.Time{}, err
	}
	if t.Valid {
		return t.Time, nil
	}
	t, err = d.store.LatestMessageSentAt(ctx, c.ID)
	if err != nil {
		return time.Time{}, err
	}
	if t.Valid {
		return t.Time, nil
	}
	if c.LastTriggeredAt.Valid {
		return c.LastTriggeredAt.Time, nil
	}
	return now, nil
}

// stepMarker parses "step-N" or "step-N_sent" status tokens; 0 when the
// status is not a step marker.
func stepMarker(status string) int {
	var n int
	if _, err := fmt.Sscanf(status, "step-%d", &n); err == nil && n > 0 {
		return n
	}
	return 0
}
