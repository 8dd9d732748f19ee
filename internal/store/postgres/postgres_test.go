package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/sstlabs/esocial-engine/internal/model"
	"github.com/sstlabs/esocial-engine/internal/store"
)

// newMockDB creates a sqlmock database with automatic cleanup and expectation checking.
func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

var eventRowColumns = []string{
	"id", "event_type", "employer_id", "employee_id", "payload", "dedup_key",
	"xml_id", "raw_xml", "signed_xml", "xml_blob_key", "status", "batch_id", "receipt_number",
	"processing_errors", "created_by", "created_at", "updated_at", "processed_at",
}

var batchRowColumns = []string{
	"id", "seq", "employer_id", "certificate_id", "grupo", "event_ids",
	"submitted_at", "receipt_number", "response_code", "created_at",
}

var certificateRowColumns = []string{
	"id", "employer_id", "storage_location", "password_secret_ref",
	"not_before", "not_after", "key_bit_length", "signature_algorithm", "owner_tax_id",
	"fingerprint", "active", "created_at", "updated_at",
}

var employeeRowColumns = []string{
	"id", "employer_id", "cpf", "name", "registration", "job_title",
	"sector", "category", "admission_at", "active", "created_at", "updated_at",
}

// addEventRow adds a minimal event row to a sqlmock.Rows.
func addEventRow(rows *sqlmock.Rows, id, status, batchID string, now time.Time) *sqlmock.Rows {
	var batch any
	if batchID != "" {
		batch = batchID
	}
	return rows.AddRow(
		id, "periodic-exam", "er-1", nil, []byte(`{}`), "S-2220:1",
		"ID1", "<eSocial/>", nil, nil, status, batch, nil,
		[]byte(`[]`), nil, now, now, nil,
	)
}

func TestParseSortClause(t *testing.T) {
	for _, tc := range []struct {
		input string
		want  string
	}{
		{"", "created_at DESC, id DESC"},
		{"status", "status ASC"},
		{"-updated_at", "updated_at DESC"},
		{"evil_column", "created_at DESC, id DESC"},
		{"-evil; DROP TABLE events", "created_at DESC, id DESC"},
	} {
		if got := parseSortClause(tc.input); got != tc.want {
			t.Errorf("parseSortClause(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestScanHelpers(t *testing.T) {
	if nullTimePtr(nil).Valid {
		t.Error("nullTimePtr(nil) should be invalid")
	}
	now := time.Now()
	if nt := nullTimePtr(&now); !nt.Valid || !nt.Time.Equal(now) {
		t.Errorf("nullTimePtr(now) = %v", nt)
	}
	if nullString("").Valid {
		t.Error("nullString(\"\") should be invalid")
	}
	if string(jsonList(nil)) != "[]" {
		t.Errorf("jsonList(nil) = %s", jsonList(nil))
	}
	if string(jsonList([]string{"a", "b"})) != `["a","b"]` {
		t.Errorf("jsonList = %s", jsonList([]string{"a", "b"}))
	}
	if jsonbArg(nil) != nil {
		t.Error("jsonbArg(nil) should be nil")
	}
	if ptrArg(nil) != nil {
		t.Error("ptrArg(nil) should be nil")
	}
}

func TestTranslate(t *testing.T) {
	if !errors.Is(translate(sql.ErrNoRows), store.ErrNotFound) {
		t.Error("ErrNoRows should map to ErrNotFound")
	}
	dup := &pq.Error{Code: "23505", Message: "duplicate key"}
	if !errors.Is(translate(fmt.Errorf("insert: %w", dup)), store.ErrConflict) {
		t.Error("unique violation should map to ErrConflict")
	}
	other := errors.New("boom")
	if translate(other) != other {
		t.Error("other errors pass through")
	}
}

func TestQueryCreateEvent(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO events").
		WithArgs("ev-1", "periodic-exam", "er-1", sqlmock.AnyArg(), []byte(`{}`), "S-2220:1",
			"ID1", "<eSocial/>", sqlmock.AnyArg(), sqlmock.AnyArg(), "preparing", sqlmock.AnyArg(), sqlmock.AnyArg(),
			[]byte("[]"), "api").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	e := &model.Event{
		ID: "ev-1", Type: model.TypePeriodicExam, EmployerID: "er-1",
		Payload: []byte(`{}`), DedupKey: "S-2220:1", XMLID: "ID1", RawXML: "<eSocial/>",
		Status: model.StatusPreparing, CreatedBy: "api",
	}
	if err := queryCreateEvent(context.Background(), db, e); err != nil {
		t.Fatalf("queryCreateEvent: %v", err)
	}
	if !e.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", e.CreatedAt, now)
	}
	if e.ProcessingErrors == nil {
		t.Error("ProcessingErrors should be an empty list, not nil")
	}
}

func TestQueryTransitionEvent(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()

	mock.ExpectQuery("UPDATE events SET").
		WithArgs("ev-1", "preparing", "sending", "bt-1", nil, nil, nil, nil, sqlmock.AnyArg()).
		WillReturnRows(addEventRow(sqlmock.NewRows(eventRowColumns), "ev-1", "sending", "bt-1", now))

	e, err := queryTransitionEvent(context.Background(), db, "ev-1", model.StatusPreparing, model.StatusSending,
		model.TransitionFields{BatchID: model.StringPtr("bt-1")})
	if err != nil {
		t.Fatalf("queryTransitionEvent: %v", err)
	}
	if e.Status != model.StatusSending || e.BatchID != "bt-1" {
		t.Errorf("got status=%s batch=%s", e.Status, e.BatchID)
	}
}

func TestQueryTransitionEvent_Conflict(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("UPDATE events SET").
		WillReturnRows(sqlmock.NewRows(eventRowColumns))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("ev-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := queryTransitionEvent(context.Background(), db, "ev-1", model.StatusPreparing, model.StatusSending, model.TransitionFields{})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestQueryTransitionEvent_NotFound(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("UPDATE events SET").
		WillReturnRows(sqlmock.NewRows(eventRowColumns))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("ev-9").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := queryTransitionEvent(context.Background(), db, "ev-9", model.StatusPreparing, model.StatusSending, model.TransitionFields{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestQueryTransitionEvent_ProcessingErrors(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()

	mock.ExpectQuery("UPDATE events SET").
		WithArgs("ev-1", "sending", "error", nil, nil, nil, nil, []byte(`["timeout"]`), sqlmock.AnyArg()).
		WillReturnRows(addEventRow(sqlmock.NewRows(eventRowColumns), "ev-1", "error", "", now))

	_, err := queryTransitionEvent(context.Background(), db, "ev-1", model.StatusSending, model.StatusError,
		model.TransitionFields{ProcessingErrors: []string{"timeout"}})
	if err != nil {
		t.Fatalf("queryTransitionEvent: %v", err)
	}
}

func TestQueryDeleteEvent_Guarded(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()

	mock.ExpectQuery(`DELETE FROM events WHERE id = \$1 AND status IN \(\$2, \$3\) RETURNING`).
		WithArgs("ev-1", "preparing", "error").
		WillReturnRows(addEventRow(sqlmock.NewRows(eventRowColumns), "ev-1", "preparing", "", now))

	e, err := queryDeleteEvent(context.Background(), db, "ev-1", []model.Status{model.StatusPreparing, model.StatusError})
	if err != nil {
		t.Fatalf("queryDeleteEvent: %v", err)
	}
	if e.ID != "ev-1" {
		t.Errorf("deleted %q", e.ID)
	}
}

func TestQueryDeleteEvent_Irreversible(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("DELETE FROM events").
		WithArgs("ev-1", "preparing", "error").
		WillReturnRows(sqlmock.NewRows(eventRowColumns))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("ev-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := queryDeleteEvent(context.Background(), db, "ev-1", []model.Status{model.StatusPreparing, model.StatusError})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestQueryListEvents(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()

	cols := append([]string{"total_count"}, eventRowColumns...)
	rows := sqlmock.NewRows(cols).
		AddRow(append([]driver.Value{5}, "ev-1", "periodic-exam", "er-1", nil, []byte(`{}`), nil,
			nil, nil, nil, nil, "sent", "bt-1", "1.2.3",
			[]byte(`[]`), nil, now, now, nil)...)

	mock.ExpectQuery(`SELECT COUNT\(\*\) OVER\(\) AS total_count, .+ FROM events WHERE status IN \(\$1\) AND employer_id = \$2 ORDER BY created_at DESC, id DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("sent", "er-1", 1, 2).
		WillReturnRows(rows)

	events, total, err := queryListEvents(context.Background(), db, model.EventFilter{
		Status:     []model.Status{model.StatusSent},
		EmployerID: "er-1",
		Limit:      1,
		Offset:     2,
	})
	if err != nil {
		t.Fatalf("queryListEvents: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(events) != 1 || events[0].ReceiptNumber != "1.2.3" {
		t.Errorf("events = %+v", events)
	}
}

func TestQueryReportEvents(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`SELECT event_type, status, COUNT\(\*\) FROM events WHERE employer_id = \$1 GROUP BY event_type, status`).
		WithArgs("er-1").
		WillReturnRows(sqlmock.NewRows([]string{"event_type", "status", "count"}).
			AddRow("periodic-exam", "processed", 3).
			AddRow("accident", "error", 1).
			AddRow("periodic-exam", "sent", 2))

	r, err := queryReportEvents(context.Background(), db, "er-1", model.EventFilter{})
	if err != nil {
		t.Fatalf("queryReportEvents: %v", err)
	}
	if r.Total != 6 || r.Processed != 3 || r.Errors != 1 || r.Sent != 2 {
		t.Errorf("report = %+v", r)
	}
	if r.ByType["periodic-exam"] != 5 {
		t.Errorf("ByType = %v", r.ByType)
	}
}

func TestQueryCreateBatch(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO batches").
		WithArgs("bt-1", "er-1", "ct-1", 2, []byte(`["ev-1","ev-2"]`)).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "created_at"}).AddRow(int64(42), now))

	b := &model.Batch{ID: "bt-1", EmployerID: "er-1", CertificateID: "ct-1", Group: 2, EventIDs: []string{"ev-1", "ev-2"}}
	if err := queryCreateBatch(context.Background(), db, b); err != nil {
		t.Fatalf("queryCreateBatch: %v", err)
	}
	if b.Seq != 42 {
		t.Errorf("Seq = %d, want 42", b.Seq)
	}
}

func TestQueryClaimBatchAttempt(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()
	stale := now.Add(-10 * time.Minute)

	mock.ExpectExec(`UPDATE batches SET attempt_started_at = \$2 WHERE id = \$1 AND submitted_at IS NULL`).
		WithArgs("bt-1", now, stale).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE batches SET attempt_started_at`).
		WithArgs("bt-1", now, stale).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("bt-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	if err := queryClaimBatchAttempt(context.Background(), db, "bt-1", now, stale); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := queryClaimBatchAttempt(context.Background(), db, "bt-1", now, stale); !errors.Is(err, store.ErrConflict) {
		t.Errorf("second claim err = %v, want ErrConflict", err)
	}
}

func TestQueryMarkBatchSubmitted_Twice(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()

	mock.ExpectQuery(`UPDATE batches SET .+ WHERE id = \$1 AND submitted_at IS NULL`).
		WithArgs("bt-1", now, "1.2.3", "201").
		WillReturnRows(sqlmock.NewRows(batchRowColumns).
			AddRow("bt-1", int64(1), "er-1", "ct-1", 2, []byte(`["ev-1"]`), now, "1.2.3", "201", now))
	mock.ExpectQuery(`UPDATE batches SET`).
		WillReturnRows(sqlmock.NewRows(batchRowColumns))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("bt-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	b, err := queryMarkBatchSubmitted(context.Background(), db, "bt-1", "1.2.3", "201", now)
	if err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if !b.Submitted() || len(b.EventIDs) != 1 {
		t.Errorf("batch = %+v", b)
	}
	if _, err := queryMarkBatchSubmitted(context.Background(), db, "bt-1", "1.2.3", "201", now); !errors.Is(err, store.ErrConflict) {
		t.Errorf("second mark err = %v, want ErrConflict", err)
	}
}

func TestActivateCertificate_Transaction(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE certificates SET active = FALSE`).WithArgs("ct-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE certificates SET active = TRUE`).WithArgs("ct-2").
		WillReturnRows(sqlmock.NewRows(certificateRowColumns).
			AddRow("ct-2", "er-1", "certs/er-1/ct-2.pfx", "secret/er-1", now, now.Add(time.Hour), 2048,
				"SHA256-RSA", "12345678000190", "ab", true, now, now))
	mock.ExpectCommit()

	c, err := s.ActivateCertificate(context.Background(), "ct-2")
	if err != nil {
		t.Fatalf("ActivateCertificate: %v", err)
	}
	if !c.Active {
		t.Error("certificate should be active")
	}
}

func TestActivateCertificate_RollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	s := &PostgresStore{db: db}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE certificates SET active = FALSE`).WithArgs("ct-9").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`UPDATE certificates SET active = TRUE`).WithArgs("ct-9").
		WillReturnRows(sqlmock.NewRows(certificateRowColumns))
	mock.ExpectRollback()

	if _, err := s.ActivateCertificate(context.Background(), "ct-9"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestQueryUpsertEmployee(t *testing.T) {
	now := time.Now()
	ctx := context.Background()

	t.Run("created", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(`SELECT .+ FROM employees WHERE employer_id = \$1 AND cpf = \$2 FOR UPDATE`).
			WithArgs("er-1", "12345678909").
			WillReturnRows(sqlmock.NewRows(employeeRowColumns))
		mock.ExpectQuery("INSERT INTO employees").
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

		out, err := queryUpsertEmployee(ctx, db, &model.Employee{ID: "ee-1", EmployerID: "er-1", CPF: "12345678909", Name: "Ana", Active: true})
		if err != nil || out != model.UpsertCreated {
			t.Fatalf("out=%s err=%v", out, err)
		}
	})

	t.Run("unchanged", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(`SELECT .+ FROM employees`).
			WillReturnRows(sqlmock.NewRows(employeeRowColumns).
				AddRow("ee-1", "er-1", "12345678909", "Ana", nil, "Analista", "Geral", nil, nil, true, now, now))

		e := &model.Employee{ID: "ee-new", EmployerID: "er-1", CPF: "12345678909", Name: "Ana", JobTitle: "Analista", Sector: "Geral", Active: true}
		out, err := queryUpsertEmployee(ctx, db, e)
		if err != nil || out != model.UpsertUnchanged {
			t.Fatalf("out=%s err=%v", out, err)
		}
		if e.ID != "ee-1" {
			t.Errorf("ID = %q, want existing ee-1", e.ID)
		}
	})

	t.Run("updated", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(`SELECT .+ FROM employees`).
			WillReturnRows(sqlmock.NewRows(employeeRowColumns).
				AddRow("ee-1", "er-1", "12345678909", "Ana", nil, "Analista", "Geral", nil, nil, true, now, now))
		mock.ExpectQuery("UPDATE employees SET").
			WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(now))

		e := &model.Employee{EmployerID: "er-1", CPF: "12345678909", Name: "Ana", JobTitle: "Gerente", Sector: "Gestão", Active: true}
		out, err := queryUpsertEmployee(ctx, db, e)
		if err != nil || out != model.UpsertUpdated {
			t.Fatalf("out=%s err=%v", out, err)
		}
	})
}

func TestQueryGetEvent_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT .+ FROM events WHERE id = \$1`).WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(eventRowColumns))

	if _, err := queryGetEvent(context.Background(), db, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
