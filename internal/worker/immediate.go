package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eventops/outreach/internal/domain"
)

// ProcessContactNow is the immediate single-contact path invoked after
// operator actions. It bypasses the 60-second cycle but reuses the same
// decision and enqueue primitives, including the per-contact lock.
func (d *DecisionEngine) ProcessContactNow(ctx context.Context, contactID int64) error {
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
		return fmt.Errorf("contact %d is being processed by a worker, try again", contactID)
	}

	c, err := d.store.GetContactTx(ctx, tx, contactID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("contact %d not found", contactID)
	}
	if c.CampaignPaused || c.EmailBounced ||
		domain.IsTerminalStage(c.Stage) || domain.IsTerminalStatus(nullStr(c.Status)) {
		return fmt.Errorf("contact %d is paused or finished", contactID)
	}

	now := time.Now().UTC()

	if c.IsCustomFlow() {
		if err := d.processCustomFlow(ctx, tx, c, now); err != nil {
			return err
		}
		committed = true
		return tx.Commit()
	}

	// Stage sequences open immediately when nothing for the stage was
	// ever sent; the regular engine path covers everything else.
	norm := domain.NormalizeStage(c.Stage)
	if initial, ok := stageInitials[norm]; ok {
		prefix := strings.TrimSuffix(stagePrefix(norm), "_")
		sent, err := d.store.LatestSentForStage(ctx, c.ID, prefix)
		if err != nil {
			return err
		}
		if !sent.Valid {
			action := buildAction(initial, "operator requested immediate processing")
			if err := d.enqueueAction(ctx, tx, c, action, time.Time{}, now); err != nil {
				return err
			}
			committed = true
			return tx.Commit()
		}
	}

	if err := d.processDefault(ctx, tx, c, now); err != nil {
		return err
	}
	committed = true
	return tx.Commit()
}
