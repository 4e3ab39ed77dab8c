package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventops/outreach/internal/store"
)

type stubEngine struct {
	err    error
	called []int64
}

func (s *stubEngine) ProcessContactNow(_ context.Context, contactID int64) error {
	s.called = append(s.called, contactID)
	return s.err
}

func newTestServer(t *testing.T, engine ImmediateProcessor) (http.Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	h := NewHandlers(store.NewWithDB(db), engine, nil)
	return NewServer(h).Handler(), mock
}

func TestMapStatus(t *testing.T) {
	cases := []struct {
		status   string
		category string
		key      string
	}{
		{"", "initial", "first_message_sent"},
		{"first_reminder", "initial", "first_reminder"},
		{"campaign_main_sent", "initial", "first_message_sent"},
		{"campaign_main_queued", "initial", "first_message_sent"},
		{"reminder1_sent", "initial", "first_reminder"},
		{"reminder2_queued", "initial", "second_reminder"},
		{"forms_initial_sent", "forms", "forms_main"},
		{"forms", "forms", "forms_main"},
		{"forms_main", "forms", "forms_main"},
		{"forms_reminder2_queued", "forms", "forms_reminder2_sent"},
		{"payment_main_sent", "payments", "payments_initial"},
		{"payments_initial_queued", "payments", "payments_initial"},
		{"payments_reminder4_sent", "payments", "payments_reminder4_sent"},
		{"payments_reminder6_queued", "payments", "payments_reminder6_sent"},
		{"step-2", "custom_flow", "step-2"},
		{"custom-step-3_queued", "custom_flow", "custom-step-3_queued"},
		{"ooo", "initial", "ooo"},
	}
	for _, tc := range cases {
		cat, key := mapStatus(tc.status)
		assert.Equal(t, tc.category, cat, "status %q", tc.status)
		assert.Equal(t, tc.key, key, "status %q", tc.status)
	}
}

func TestQueueOverview(t *testing.T) {
	handler, mock := newTestServer(t, &stubEngine{})

	mock.ExpectQuery(`FROM contacts`).WillReturnRows(
		sqlmock.NewRows([]string{"status", "cnt"}).
			AddRow("campaign_main_sent", 12).
			AddRow("forms_reminder1_sent", 4).
			AddRow("payments_reminder4_queued", 2))
	mock.ExpectQuery(`FROM email_queue`).WillReturnRows(
		sqlmock.NewRows([]string{"status", "cnt"}).
			AddRow("reminder1_queued", 1))
	mock.ExpectQuery(`FROM custom_flows`).WillReturnRows(
		sqlmock.NewRows([]string{"step_order", "cnt"}).
			AddRow(1, 3).AddRow(2, 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\), COUNT\(DISTINCT contact_id\)`).
		WithArgs("2592000 seconds").
		WillReturnRows(sqlmock.NewRows([]string{"items", "contacts"}).AddRow(5, 4))
	mock.ExpectQuery(`GROUP BY error_message`).
		WithArgs("2592000 seconds").
		WillReturnRows(sqlmock.NewRows([]string{"error_message", "cnt"}).
			AddRow("mailbox full", 5))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/queue/overview", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Initial    map[string]int `json:"initial"`
		Forms      map[string]int `json:"forms"`
		Payments   map[string]int `json:"payments"`
		CustomFlow map[string]int `json:"custom_flow"`
		Errors     struct {
			TotalItems int            `json:"total_items"`
			Contacts   int            `json:"contacts"`
			ByError    map[string]int `json:"by_error_message"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, 12, body.Initial["first_message_sent"])
	assert.Equal(t, 1, body.Initial["first_reminder"])
	assert.Equal(t, 13, body.Initial["total"])
	assert.Equal(t, 4, body.Forms["forms_reminder1_sent"])
	assert.Equal(t, 2, body.Payments["payments_reminder4_sent"])
	assert.Equal(t, 3, body.CustomFlow["step1"])
	assert.Equal(t, 4, body.CustomFlow["total"])
	assert.Equal(t, 5, body.Errors.TotalItems)
	assert.Equal(t, 5, body.Errors.ByError["mailbox full"])
}

func TestProcessNow(t *testing.T) {
	engine := &stubEngine{}
	handler, _ := newTestServer(t, engine)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/contacts/42/process-now", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{42}, engine.called)
}

func TestProcessNowNotFound(t *testing.T) {
	engine := &stubEngine{err: errors.New("contact 99 not found")}
	handler, _ := newTestServer(t, engine)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/contacts/99/process-now", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProcessNowBusyConflicts(t *testing.T) {
	engine := &stubEngine{err: errors.New("contact 7 is being processed by a worker")}
	handler, _ := newTestServer(t, engine)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/contacts/7/process-now", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpsertCustomMessageValidation(t *testing.T) {
	handler, _ := newTestServer(t, &stubEngine{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", "/api/contacts/5/messages/", strings.NewReader(`{"subject":"s"}`))
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpsertCustomMessageNormalizesLegacyType(t *testing.T) {
	handler, mock := newTestServer(t, &stubEngine{})

	mock.ExpectExec(`INSERT INTO custom_contact_messages`).
		WithArgs(int64(5), "forms_initial", nil, nil, "Subject", "Body").
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", "/api/contacts/5/messages/",
		strings.NewReader(`{"message_type":"forms_main","subject":"Subject","body":"Body"}`))
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "forms_initial")
}

func TestEmailRelationsEmpty(t *testing.T) {
	handler, mock := newTestServer(t, &stubEngine{})

	mock.ExpectQuery(`FROM contact_event_relations`).
		WithArgs("ghost@example.org").
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "contact_id", "event_name", "status", "stage", "created_at"}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/contacts/email-relations/ghost@example.org", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestResumeRunsContactImmediately(t *testing.T) {
	engine := &stubEngine{}
	handler, mock := newTestServer(t, engine)

	mock.ExpectExec(`campaign_paused = FALSE`).
		WithArgs(int64(7), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/contacts/7/resume", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{7}, engine.called)
	assert.Contains(t, rec.Body.String(), `"processed":true`)
}

func TestResumeSurvivesImmediateConflict(t *testing.T) {
	engine := &stubEngine{err: errors.New("contact 7 is being processed by a worker")}
	handler, mock := newTestServer(t, engine)

	mock.ExpectExec(`campaign_paused = FALSE`).
		WithArgs(int64(7), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/contacts/7/resume", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{7}, engine.called)
	assert.Contains(t, rec.Body.String(), `"processed":false`)
}

func TestCreateFlowRunsContactImmediately(t *testing.T) {
	engine := &stubEngine{}
	handler, mock := newTestServer(t, engine)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE custom_flows SET active = FALSE`).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO custom_flows`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(31))
	mock.ExpectExec(`INSERT INTO custom_flow_steps`).
		WithArgs(int64(31), 1, "email", "Hello", "Body", 0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`SET flow_type = 'custom'`).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/contacts/5/flow",
		strings.NewReader(`{"steps":[{"type":"email","subject":"Hello","body":"Body"}]}`))
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []int64{5}, engine.called)
}

func TestCreateFlowRejectsEmptyEmailStep(t *testing.T) {
	handler, _ := newTestServer(t, &stubEngine{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/contacts/5/flow",
		strings.NewReader(`{"steps":[{"type":"email","delay_days":2}]}`))
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateStageRequiresStage(t *testing.T) {
	handler, _ := newTestServer(t, &stubEngine{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", "/api/contacts/5/stage", strings.NewReader(`{}`))
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
