package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eventops/outreach/internal/store"
	"github.com/eventops/outreach/internal/validator"
)

// ValidationSweeper checks never-validated contacts against the external
// validation service in the background. Verdicts are informational; the
// sweep never pauses a contact or blocks a send.
type ValidationSweeper struct {
	store    *store.Store
	client   *validator.Client
	interval time.Duration
	batch    int

	totalChecked int64
	totalInvalid int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

func NewValidationSweeper(st *store.Store, client *validator.Client, interval time.Duration) *ValidationSweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &ValidationSweeper{store: st, client: client, interval: interval, batch: 100}
}

func (v *ValidationSweeper) Start() {
	v.mu.Lock()
	if v.running {
		v.mu.Unlock()
		return
	}
	v.running = true
	v.ctx, v.cancel = context.WithCancel(context.Background())
	v.mu.Unlock()

	v.wg.Add(1)
	go v.run()
}

func (v *ValidationSweeper) Stop() {
	v.mu.Lock()
	if !v.running {
		v.mu.Unlock()
		return
	}
	v.running = false
	v.cancel()
	v.mu.Unlock()

	v.wg.Wait()
	log.Printf("[ValidationSweeper] Stopped. Checked: %d, invalid: %d",
		atomic.LoadInt64(&v.totalChecked), atomic.LoadInt64(&v.totalInvalid))
}

func (v *ValidationSweeper) Stats() map[string]int64 {
	return map[string]int64{
		"checked": atomic.LoadInt64(&v.totalChecked),
		"invalid": atomic.LoadInt64(&v.totalInvalid),
	}
}

func (v *ValidationSweeper) run() {
	defer v.wg.Done()

	log.Printf("[ValidationSweeper] Started (interval=%s)", v.interval)
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		v.tick()
		select {
		case <-v.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (v *ValidationSweeper) tick() {
	pending, err := v.store.ContactsPendingValidation(v.ctx, v.batch)
	if err != nil {
		log.Printf("[ValidationSweeper] fetch pending: %v", err)
		return
	}

	for _, c := range pending {
		if v.ctx.Err() != nil {
			return
		}
		result := v.verdict(c.Email)
		if err := v.store.SetValidationResult(v.ctx, c.ID, result); err != nil {
			log.Printf("[ValidationSweeper] contact %d: %v", c.ID, err)
		}
		atomic.AddInt64(&v.totalChecked, 1)
	}
}

// verdict turns the service response into the stored result string. A
// final transport failure is stored as-is so the sweep does not retry
// the same address forever.
func (v *ValidationSweeper) verdict(email string) string {
	primary := primaryAddress(email)
	if primary == "" {
		return "invalid: no parseable address"
	}

	res, err := v.client.Validate(v.ctx, primary)
	if err != nil {
		return fmt.Sprintf("check failed: %v", err)
	}
	if !res.Valid {
		atomic.AddInt64(&v.totalInvalid, 1)
		if res.Reason != "" {
			return "invalid: " + res.Reason
		}
		return "invalid"
	}
	return "valid"
}
