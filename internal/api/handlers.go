package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eventops/outreach/internal/domain"
	"github.com/eventops/outreach/internal/store"
)

// ImmediateProcessor runs the decision path for one contact on demand.
type ImmediateProcessor interface {
	ProcessContactNow(ctx context.Context, contactID int64) error
}

// StatsSource exposes a worker's loop counters.
type StatsSource interface {
	Stats() map[string]int64
}

// Handlers carries the dependencies for all operator endpoints.
type Handlers struct {
	store   *store.Store
	engine  ImmediateProcessor
	workers map[string]StatsSource
}

func NewHandlers(st *store.Store, engine ImmediateProcessor, workers map[string]StatsSource) *Handlers {
	return &Handlers{store: st, engine: engine, workers: workers}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[API] encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func contactIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "contactID"), 10, 64)
	return id, err == nil && id > 0
}

// HealthCheck reports liveness and database reachability.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.DBNow(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded", "database": err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ContactRelations lists every event a contact's email appears in.
func (h *Handlers) ContactRelations(w http.ResponseWriter, r *http.Request) {
	id, ok := contactIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid contact id")
		return
	}
	c, err := h.store.GetContact(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if c == nil {
		respondError(w, http.StatusNotFound, "contact not found")
		return
	}

	relations, err := h.store.RelationsForEmail(r.Context(), c.PrimaryEmail())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"email":        c.PrimaryEmail(),
		"total_events": len(relations),
		"relations":    relations,
	})
}

// EmailRelations lists every event a raw email address appears in.
func (h *Handlers) EmailRelations(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(chi.URLParam(r, "email"))
	if email == "" {
		respondError(w, http.StatusBadRequest, "email is required")
		return
	}
	relations, err := h.store.RelationsForEmail(r.Context(), email)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if relations == nil {
		relations = []domain.ContactEventRelation{}
	}
	respondJSON(w, http.StatusOK, relations)
}

// ProcessNow pushes one contact through the decision path immediately,
// bypassing the decision loop's tick.
func (h *Handlers) ProcessNow(w http.ResponseWriter, r *http.Request) {
	id, ok := contactIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid contact id")
		return
	}
	if err := h.engine.ProcessContactNow(r.Context(), id); err != nil {
		status := http.StatusConflict
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		respondError(w, status, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"contact_id": id, "processed": true})
}

// ResumeCampaign clears the paused flag and restarts a contact's
// sequence. The resume write stamps last_triggered_at, which the
// decision loop defers on for a few minutes, so the immediate pass here
// is what actually emits the next message.
func (h *Handlers) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := contactIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid contact id")
		return
	}
	if err := h.store.ResumeCampaign(r.Context(), id, time.Now().UTC()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	processed := true
	if err := h.engine.ProcessContactNow(r.Context(), id); err != nil {
		// The resume itself committed; a lost per-contact lock just means
		// a worker has the contact and the loop will catch up.
		log.Printf("[API] immediate processing after resume for contact %d: %v", id, err)
		processed = false
	}
	respondJSON(w, http.StatusOK, map[string]any{"contact_id": id, "resumed": true, "processed": processed})
}

type stageRequest struct {
	Stage string `json:"stage"`
}

// UpdateStage moves a contact to a new pipeline stage.
func (h *Handlers) UpdateStage(w http.ResponseWriter, r *http.Request) {
	id, ok := contactIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid contact id")
		return
	}
	var req stageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Stage) == "" {
		respondError(w, http.StatusBadRequest, "stage is required")
		return
	}
	if err := h.store.UpdateContactStage(r.Context(), id, req.Stage); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"contact_id": id, "stage": req.Stage})
}

type flowStepRequest struct {
	Type      string `json:"type"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	DelayDays int    `json:"delay_days"`
}

type flowRequest struct {
	Steps []flowStepRequest `json:"steps"`
}

// CreateFlow replaces a contact's active custom flow with a new one and
// switches the contact onto it.
func (h *Handlers) CreateFlow(w http.ResponseWriter, r *http.Request) {
	id, ok := contactIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid contact id")
		return
	}
	var req flowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Steps) == 0 {
		respondError(w, http.StatusBadRequest, "at least one step is required")
		return
	}

	steps := make([]domain.CustomFlowStep, 0, len(req.Steps))
	for i, s := range req.Steps {
		st := domain.CustomFlowStepType(strings.ToLower(strings.TrimSpace(s.Type)))
		if st == "" {
			st = domain.StepEmail
		}
		if st != domain.StepEmail && st != domain.StepTask && st != domain.StepNotification {
			respondError(w, http.StatusBadRequest, "unknown step type: "+s.Type)
			return
		}
		if st == domain.StepEmail && (s.Subject == "" || s.Body == "") {
			respondError(w, http.StatusBadRequest, "email steps need subject and body")
			return
		}
		if s.DelayDays < 0 {
			respondError(w, http.StatusBadRequest, "delay_days must be non-negative")
			return
		}
		steps = append(steps, domain.CustomFlowStep{
			StepOrder: i + 1,
			Type:      st,
			Subject:   s.Subject,
			Body:      s.Body,
			DelayDays: s.DelayDays,
		})
	}

	flowID, err := h.store.CreateCustomFlow(r.Context(), id, steps)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Step 1 is due the moment the flow exists; run the contact now
	// instead of waiting for the decision loop's next tick.
	if err := h.engine.ProcessContactNow(r.Context(), id); err != nil {
		log.Printf("[API] immediate processing after flow create for contact %d: %v", id, err)
	}
	respondJSON(w, http.StatusCreated, map[string]any{"flow_id": flowID, "steps": len(steps)})
}

type customMessageRequest struct {
	MessageType string `json:"message_type"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
}

// UpsertCustomMessage saves a per-contact template override.
func (h *Handlers) UpsertCustomMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := contactIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid contact id")
		return
	}
	var req customMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.MessageType == "" || req.Subject == "" || req.Body == "" {
		respondError(w, http.StatusBadRequest, "message_type, subject and body are required")
		return
	}
	m := &domain.CustomMessage{
		ContactID:   id,
		MessageType: string(domain.NormalizeMessageType(req.MessageType)),
		Subject:     req.Subject,
		Body:        req.Body,
	}
	if err := h.store.UpsertCustomMessage(r.Context(), m); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"contact_id": id, "message_type": m.MessageType})
}

// ListCustomMessages returns all overrides for a contact.
func (h *Handlers) ListCustomMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := contactIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid contact id")
		return
	}
	msgs, err := h.store.ListCustomMessages(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []domain.CustomMessage{}
	}
	respondJSON(w, http.StatusOK, msgs)
}

// DeactivateCustomMessage retires an override so the default template
// applies again.
func (h *Handlers) DeactivateCustomMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := contactIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid contact id")
		return
	}
	mt := strings.TrimSpace(chi.URLParam(r, "messageType"))
	if mt == "" {
		respondError(w, http.StatusBadRequest, "message type is required")
		return
	}
	if err := h.store.DeactivateCustomMessage(r.Context(), id, string(domain.NormalizeMessageType(mt))); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"contact_id": id, "deactivated": mt})
}

// RecentQueue lists the newest queue rows for operator inspection.
func (h *Handlers) RecentQueue(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	rows, err := h.store.RecentQueueRows(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]any, 0, len(rows))
	for i := range rows {
		q := &rows[i]
		entry := map[string]any{
			"id":                q.ID,
			"contact_id":        q.ContactID,
			"sender_email":      q.SenderEmail,
			"recipient_email":   q.RecipientEmail,
			"subject":           q.Subject,
			"last_message_type": string(q.LastMessageType),
			"status":            string(q.Status),
			"created_at":        q.CreatedAt,
		}
		if q.ScheduledAt.Valid {
			entry["scheduled_at"] = q.ScheduledAt.Time
		}
		if q.SentAt.Valid {
			entry["sent_at"] = q.SentAt.Time
		}
		if q.ErrorMessage.Valid {
			entry["error_message"] = q.ErrorMessage.String
		}
		out = append(out, entry)
	}
	respondJSON(w, http.StatusOK, out)
}

// WorkerStatus combines in-process loop counters with the heartbeat table,
// which also covers workers running in other processes.
func (h *Handlers) WorkerStatus(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]map[string]int64, len(h.workers))
	for name, src := range h.workers {
		stats[name] = src.Stats()
	}

	heartbeats, err := h.store.WorkerHeartbeats(r.Context())
	if err != nil && err != sql.ErrNoRows {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"stats":      stats,
		"heartbeats": heartbeats,
	})
}
