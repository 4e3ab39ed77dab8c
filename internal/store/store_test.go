package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/eventops/outreach/internal/domain"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return NewWithDB(db), mock, func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	}
}

func TestDBNow(t *testing.T) {
	s, mock, done := newMock(t)
	defer done()

	want := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT now()`)).
		WillReturnRows(sqlmock.NewRows([]string{"now"}).AddRow(want))

	got, err := s.DBNow(context.Background())
	if err != nil {
		t.Fatalf("DBNow: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("DBNow = %v, want %v", got, want)
	}
}

func TestFetchDuePendingIDsOrdering(t *testing.T) {
	s, mock, done := newMock(t)
	defer done()

	mock.ExpectQuery(`SELECT id FROM email_queue`).
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3).AddRow(1).AddRow(7))

	ids, err := s.FetchDuePendingIDs(context.Background(), 50)
	if err != nil {
		t.Fatalf("FetchDuePendingIDs: %v", err)
	}
	if len(ids) != 3 || ids[0] != 3 {
		t.Errorf("ids = %v", ids)
	}
}

func TestLockQueueRowGone(t *testing.T) {
	s, mock, done := newMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(int64(42)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	tx, _ := s.BeginTx(context.Background())
	row, err := s.LockQueueRow(context.Background(), tx, 42)
	if err != nil {
		t.Fatalf("LockQueueRow: %v", err)
	}
	if row != nil {
		t.Error("expected nil row when already claimed")
	}
	tx.Rollback()
}

func TestTouchSenderAfterSend(t *testing.T) {
	s, mock, done := newMock(t)
	defer done()

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sender_stats`).
		WithArgs("domain:example.org", now, 120).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO sender_stats`).
		WithArgs("sender@example.org", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		return s.TouchSenderAfterSend(context.Background(), tx, "Sender@example.org", now, 120)
	})
	if err != nil {
		t.Fatalf("TouchSenderAfterSend: %v", err)
	}
}

func TestEffectiveSenderStatsPrefersDomain(t *testing.T) {
	s, mock, done := newMock(t)
	defer done()

	last := time.Now().Add(-time.Minute)
	mock.ExpectQuery(`SELECT key, last_sent, cooldown FROM sender_stats`).
		WithArgs("domain:example.org").
		WillReturnRows(sqlmock.NewRows([]string{"key", "last_sent", "cooldown"}).
			AddRow("domain:example.org", last, 150))

	st, err := s.EffectiveSenderStats(context.Background(), "sender@example.org")
	if err != nil {
		t.Fatalf("EffectiveSenderStats: %v", err)
	}
	if st == nil || st.Key != "domain:example.org" || st.Cooldown != 150 {
		t.Errorf("stats = %+v", st)
	}
}

func TestEffectiveSenderStatsFallsBackToMailbox(t *testing.T) {
	s, mock, done := newMock(t)
	defer done()

	mock.ExpectQuery(`SELECT key, last_sent, cooldown FROM sender_stats`).
		WithArgs("domain:example.org").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT key, last_sent, cooldown FROM sender_stats`).
		WithArgs("sender@example.org").
		WillReturnRows(sqlmock.NewRows([]string{"key", "last_sent", "cooldown"}).
			AddRow("sender@example.org", nil, 90))

	st, err := s.EffectiveSenderStats(context.Background(), "Sender@example.org")
	if err != nil {
		t.Fatalf("EffectiveSenderStats: %v", err)
	}
	if st == nil || st.Key != "sender@example.org" {
		t.Errorf("stats = %+v", st)
	}
}

func TestUpsertBounceAndQuarantine(t *testing.T) {
	s, mock, done := newMock(t)
	defer done()

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO bounced_emails`).
		WithArgs("Alice@Example.com", now, "hard", "550 user unknown").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE contacts`).
		WithArgs("Alice@Example.com", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11).AddRow(12))
	mock.ExpectExec(`UPDATE email_queue`).
		WithArgs("Alice@Example.com", "Recipient email bounced").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		if err := s.UpsertBounce(context.Background(), tx, "Alice@Example.com", domain.BounceHard, "550 user unknown", now); err != nil {
			return err
		}
		ids, err := s.QuarantineAddress(context.Background(), tx, "Alice@Example.com", now, "Bounce detected")
		if err != nil {
			return err
		}
		if len(ids) != 2 {
			t.Errorf("quarantined ids = %v", ids)
		}
		_, err = s.FailPendingForAddress(context.Background(), tx, "Alice@Example.com", "Recipient email bounced")
		return err
	})
	if err != nil {
		t.Fatalf("bounce cascade: %v", err)
	}
}

func TestMessageSeen(t *testing.T) {
	s, mock, done := newMock(t)
	defer done()

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("AAMkAD-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	seen, err := s.MessageSeen(context.Background(), "AAMkAD-1")
	if err != nil {
		t.Fatalf("MessageSeen: %v", err)
	}
	if !seen {
		t.Error("expected seen=true")
	}
}

func TestInsertMessageIdempotent(t *testing.T) {
	s, mock, done := newMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec(`ON CONFLICT \(message_id\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		return s.InsertMessage(context.Background(), tx, &domain.MessageRecord{
			MessageID:   "<dup@example>",
			SenderEmail: "sender@example.org",
			Direction:   domain.DirectionReceived,
		})
	})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
}

func TestTryAdvisoryXactLock(t *testing.T) {
	s, mock, done := newMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pg_try_advisory_xact_lock($1)`)).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(false))
	mock.ExpectRollback()

	tx, _ := s.BeginTx(context.Background())
	got, err := s.TryAdvisoryXactLock(context.Background(), tx, 7)
	if err != nil {
		t.Fatalf("TryAdvisoryXactLock: %v", err)
	}
	if got {
		t.Error("expected lock contention")
	}
	tx.Rollback()
}

func contactRows(id int64, stage, lastMessageType string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "event_id", "name", "prefix", "email", "cc_store", "stage", "status",
		"last_message_type", "last_triggered_at", "last_sent_body", "last_sent_at",
		"last_reply_body", "last_reply_at", "campaign_paused", "email_bounced", "flow_type",
		"attachment", "attachment_filename", "attachment_mimetype",
		"forms_link", "payment_link", "invoice_number", "assigned_to",
	}).AddRow(id, 1, "Alice", nil, "alice@example.com", nil, stage, nil,
		lastMessageType, nil, nil, nil, nil, nil, false, false, nil,
		nil, nil, nil, nil, nil, nil, nil)
}

func TestUpdateStageBetweenSequencesResets(t *testing.T) {
	s, mock, done := newMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM contacts WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(contactRows(7, "forms", "forms_reminder1"))
	mock.ExpectExec(`last_message_type = NULL, campaign_paused = TRUE`).
		WithArgs(int64(7), "payments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.UpdateContactStage(context.Background(), 7, "payments"); err != nil {
		t.Fatalf("UpdateContactStage: %v", err)
	}
}

func TestUpdateStageLeavingSequenceResets(t *testing.T) {
	s, mock, done := newMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM contacts WHERE id = \$1`).
		WithArgs(int64(8)).
		WillReturnRows(contactRows(8, "payments", "payments_reminder2"))
	mock.ExpectExec(`last_message_type = NULL, campaign_paused = TRUE`).
		WithArgs(int64(8), "completed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.UpdateContactStage(context.Background(), 8, "completed"); err != nil {
		t.Fatalf("UpdateContactStage: %v", err)
	}
}

func TestUpdateStageWithinSequencePlainWrite(t *testing.T) {
	s, mock, done := newMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM contacts WHERE id = \$1`).
		WithArgs(int64(9)).
		WillReturnRows(contactRows(9, "forms", "forms_reminder1"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE contacts SET stage = $2, updated_at = now() WHERE id = $1`)).
		WithArgs(int64(9), "Forms - chased").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.UpdateContactStage(context.Background(), 9, "Forms - chased"); err != nil {
		t.Fatalf("UpdateContactStage: %v", err)
	}
}

func TestUpsertCustomMessage(t *testing.T) {
	s, mock, done := newMock(t)
	defer done()

	mock.ExpectExec(`ON CONFLICT \(contact_id, message_type\) DO UPDATE`).
		WithArgs(int64(5), "forms_reminder1", sqlmock.AnyArg(), sqlmock.AnyArg(), "custom subject", "custom body").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.UpsertCustomMessage(context.Background(), &domain.CustomMessage{
		ContactID:   5,
		MessageType: "forms_reminder1",
		Subject:     "custom subject",
		Body:        "custom body",
	})
	if err != nil {
		t.Fatalf("UpsertCustomMessage: %v", err)
	}
}
