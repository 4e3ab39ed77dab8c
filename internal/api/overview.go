package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// failureWindow bounds the error roll-up on the overview.
const failureWindow = 30 * 24 * time.Hour

// overviewBuckets seeds the fixed keys the dashboard expects even when
// their counts are zero.
func overviewBuckets() map[string]map[string]int {
	return map[string]map[string]int{
		"initial": {
			"first_message_sent": 0,
			"first_reminder":     0,
			"second_reminder":    0,
			"total":              0,
		},
		"forms": {
			"forms_main":           0,
			"forms_reminder1_sent": 0,
			"forms_reminder2_sent": 0,
			"forms_reminder3_sent": 0,
			"total":                0,
		},
		"payments": {
			"payments_initial":        0,
			"payments_reminder1_sent": 0,
			"payments_reminder2_sent": 0,
			"payments_reminder3_sent": 0,
			"payments_reminder4_sent": 0,
			"payments_reminder5_sent": 0,
			"payments_reminder6_sent": 0,
			"total":                   0,
		},
		"custom_flow": {"total": 0},
	}
}

// mapStatus folds a contact status or queued message type into the
// (category, key) bucket the dashboard renders. Status tokens carry
// suffixes like _sent and _queued; matching is by substring so every
// variant of a step lands in the same bucket.
func mapStatus(status string) (string, string) {
	if status == "" {
		return "initial", "first_message_sent"
	}
	s := strings.ToLower(status)

	switch s {
	case "first_message_sent", "first_reminder", "second_reminder":
		return "initial", s
	}

	if strings.Contains(s, "campaign_main") || strings.Contains(s, "first_message") {
		return "initial", "first_message_sent"
	}
	if strings.Contains(s, "reminder1") && !strings.Contains(s, "forms") && !strings.Contains(s, "payments") {
		return "initial", "first_reminder"
	}
	if strings.Contains(s, "reminder2") && !strings.Contains(s, "forms") && !strings.Contains(s, "payments") {
		return "initial", "second_reminder"
	}

	if strings.Contains(s, "forms_initial") || strings.Contains(s, "forms_main") || s == "forms" {
		return "forms", "forms_main"
	}
	for i := 1; i <= 3; i++ {
		if strings.Contains(s, fmt.Sprintf("forms_reminder%d", i)) {
			return "forms", fmt.Sprintf("forms_reminder%d_sent", i)
		}
	}

	if strings.Contains(s, "payment_main") || strings.Contains(s, "payments_main") {
		return "payments", "payments_initial"
	}
	for i := 1; i <= 6; i++ {
		if strings.Contains(s, fmt.Sprintf("payments_reminder%d", i)) {
			return "payments", fmt.Sprintf("payments_reminder%d_sent", i)
		}
	}
	if strings.Contains(s, "payments_initial") {
		return "payments", "payments_initial"
	}
	if strings.Contains(s, "payments") || strings.Contains(s, "payment") {
		return "payments", "payments_initial"
	}

	if strings.Contains(s, "step-") || strings.Contains(s, "custom-step") || strings.HasPrefix(s, "step") {
		return "custom_flow", s
	}

	// Unknown statuses surface under initial with their original key so
	// they are visible rather than silently dropped.
	return "initial", status
}

func addToBucket(overview map[string]map[string]int, status string, cnt int) {
	cat, key := mapStatus(status)
	bucket, ok := overview[cat]
	if !ok {
		bucket = map[string]int{"total": 0}
		overview[cat] = bucket
	}
	bucket[key] += cnt
	bucket["total"] += cnt
}

// QueueOverview aggregates contact statuses, orphaned pending rows,
// active flow steps and recent failures into the dashboard buckets.
func (h *Handlers) QueueOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overview := overviewBuckets()

	statuses, err := h.store.ContactStatusCounts(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, sc := range statuses {
		addToBucket(overview, sc.Status, sc.Count)
	}

	orphans, err := h.store.OrphanPendingCounts(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, sc := range orphans {
		addToBucket(overview, sc.Status, sc.Count)
	}

	steps, err := h.store.FlowStepCounts(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	totalFlow := 0
	for order, cnt := range steps {
		overview["custom_flow"][fmt.Sprintf("step%d", order)] = cnt
		totalFlow += cnt
	}
	overview["custom_flow"]["total"] = totalFlow

	failures, err := h.store.RecentFailureSummary(ctx, failureWindow)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"initial":     overview["initial"],
		"forms":       overview["forms"],
		"payments":    overview["payments"],
		"custom_flow": overview["custom_flow"],
		"errors": map[string]any{
			"total_items":      failures.TotalItems,
			"contacts":         failures.Contacts,
			"by_error_message": failures.ByReason,
		},
	})
}
