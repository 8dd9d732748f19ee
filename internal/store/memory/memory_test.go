package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sstlabs/esocial-engine/internal/model"
	"github.com/sstlabs/esocial-engine/internal/store"
)

func newEvent(id, employer string, st model.Status) *model.Event {
	return &model.Event{
		ID:         id,
		Type:       model.TypePeriodicExam,
		EmployerID: employer,
		Payload:    []byte(`{}`),
		Status:     st,
		DedupKey:   "k-" + id,
	}
}

func TestTransitionEvent_Guard(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateEvent(ctx, newEvent("ev-1", "er-1", model.StatusPreparing)))

	got, err := s.TransitionEvent(ctx, "ev-1", model.StatusPreparing, model.StatusSending,
		model.TransitionFields{BatchID: model.StringPtr("bt-1")})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSending, got.Status)
	assert.Equal(t, "bt-1", got.BatchID)

	_, err = s.TransitionEvent(ctx, "ev-1", model.StatusPreparing, model.StatusSending, model.TransitionFields{})
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.TransitionEvent(ctx, "missing", model.StatusPreparing, model.StatusSending, model.TransitionFields{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTransitionEvent_OnlyOneConcurrentWinner(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateEvent(ctx, newEvent("ev-1", "er-1", model.StatusPreparing)))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.TransitionEvent(ctx, "ev-1", model.StatusPreparing, model.StatusSending, model.TransitionFields{}); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestDeleteEvent_Guard(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateEvent(ctx, newEvent("ev-1", "er-1", model.StatusProcessed)))
	require.NoError(t, s.CreateEvent(ctx, newEvent("ev-2", "er-1", model.StatusPreparing)))

	_, err := s.DeleteEvent(ctx, "ev-1", model.StatusPreparing, model.StatusError)
	assert.ErrorIs(t, err, store.ErrConflict)

	deleted, err := s.DeleteEvent(ctx, "ev-2", model.StatusPreparing, model.StatusError)
	require.NoError(t, err)
	assert.Equal(t, "ev-2", deleted.ID)
	_, err = s.GetEvent(ctx, "ev-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFindEventByDedupKey_IgnoresErrored(t *testing.T) {
	ctx := context.Background()
	s := New()
	e := newEvent("ev-1", "er-1", model.StatusError)
	e.DedupKey = "S-2220:1"
	require.NoError(t, s.CreateEvent(ctx, e))

	_, err := s.FindEventByDedupKey(ctx, "er-1", "S-2220:1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	e2 := newEvent("ev-2", "er-1", model.StatusSent)
	e2.DedupKey = "S-2220:1"
	require.NoError(t, s.CreateEvent(ctx, e2))
	got, err := s.FindEventByDedupKey(ctx, "er-1", "S-2220:1")
	require.NoError(t, err)
	assert.Equal(t, "ev-2", got.ID)

	_, err = s.FindEventByDedupKey(ctx, "er-2", "S-2220:1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateEvent_DedupKeyUnique(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := newEvent("ev-1", "er-1", model.StatusPreparing)
	a.DedupKey = "S-2220:1"
	require.NoError(t, s.CreateEvent(ctx, a))

	b := newEvent("ev-2", "er-1", model.StatusPreparing)
	b.DedupKey = "S-2220:1"
	assert.ErrorIs(t, s.CreateEvent(ctx, b), store.ErrConflict)

	other := newEvent("ev-3", "er-2", model.StatusPreparing)
	other.DedupKey = "S-2220:1"
	assert.NoError(t, s.CreateEvent(ctx, other))

	_, err := s.TransitionEvent(ctx, "ev-1", model.StatusPreparing, model.StatusSending, model.TransitionFields{})
	require.NoError(t, err)
	_, err = s.TransitionEvent(ctx, "ev-1", model.StatusSending, model.StatusError, model.TransitionFields{})
	require.NoError(t, err)
	assert.NoError(t, s.CreateEvent(ctx, b), "an errored event frees its key")
}

func TestCreateEvent_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	s := New()
	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := newEvent(string(rune('a'+i)), "er-1", model.StatusPreparing)
			e.DedupKey = "S-2220:same"
			if s.CreateEvent(ctx, e) == nil {
				created.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), created.Load())
}

func TestListEvents_FilterAndPaging(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, st := range []model.Status{model.StatusPreparing, model.StatusSent, model.StatusPreparing, model.StatusPreparing} {
		e := newEvent(string(rune('a'+i)), "er-1", st)
		e.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.CreateEvent(ctx, e))
	}

	events, total, err := s.ListEvents(ctx, model.EventFilter{Status: []model.Status{model.StatusPreparing}, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, events, 2)
	assert.Equal(t, "d", events[0].ID, "default order is newest first")
	assert.Equal(t, "c", events[1].ID)

	events, _, err = s.ListEvents(ctx, model.EventFilter{Sort: "created_at", Offset: 1, Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "b", events[0].ID)
}

func TestRunInTransaction_RollsBack(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateEvent(ctx, newEvent("ev-1", "er-1", model.StatusPreparing)))

	boom := errors.New("boom")
	err := s.RunInTransaction(ctx, func(tx store.Store) error {
		if err := tx.CreateBatch(ctx, &model.Batch{ID: "bt-1", EmployerID: "er-1"}); err != nil {
			return err
		}
		if _, err := tx.TransitionEvent(ctx, "ev-1", model.StatusPreparing, model.StatusSending, model.TransitionFields{}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	e, err := s.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPreparing, e.Status)
	_, err = s.GetBatch(ctx, "bt-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunInTransaction_Commits(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.RunInTransaction(ctx, func(tx store.Store) error {
		return tx.CreateBatch(ctx, &model.Batch{ID: "bt-1", EmployerID: "er-1"})
	})
	require.NoError(t, err)
	b, err := s.GetBatch(ctx, "bt-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Seq)
}

func TestBatchSeqIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := New()
	var last int64
	for _, id := range []string{"bt-1", "bt-2", "bt-3"} {
		b := &model.Batch{ID: id, EmployerID: "er-1"}
		require.NoError(t, s.CreateBatch(ctx, b))
		assert.Greater(t, b.Seq, last)
		last = b.Seq
	}
}

func TestMarkBatchSubmitted_Once(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateBatch(ctx, &model.Batch{ID: "bt-1", EmployerID: "er-1"}))

	b, err := s.MarkBatchSubmitted(ctx, "bt-1", "1.2.3", "201", time.Now())
	require.NoError(t, err)
	assert.True(t, b.Submitted())
	assert.Equal(t, "1.2.3", b.ReceiptNumber)

	_, err = s.MarkBatchSubmitted(ctx, "bt-1", "9.9.9", "201", time.Now())
	assert.ErrorIs(t, err, store.ErrConflict)

	yes := true
	list, err := s.ListBatches(ctx, store.BatchFilter{EmployerID: "er-1", Submitted: &yes})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestClaimBatchAttempt(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateBatch(ctx, &model.Batch{ID: "bt-1", EmployerID: "er-1"}))
	start := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	lease := 5 * time.Minute

	require.NoError(t, s.ClaimBatchAttempt(ctx, "bt-1", start, start.Add(-lease)))

	later := start.Add(time.Minute)
	assert.ErrorIs(t, s.ClaimBatchAttempt(ctx, "bt-1", later, later.Add(-lease)), store.ErrConflict)

	expired := start.Add(lease + time.Second)
	require.NoError(t, s.ClaimBatchAttempt(ctx, "bt-1", expired, expired.Add(-lease)), "a stale attempt can be taken over")

	_, err := s.MarkBatchSubmitted(ctx, "bt-1", "1.2.3", "201", expired)
	require.NoError(t, err)
	far := expired.Add(time.Hour)
	assert.ErrorIs(t, s.ClaimBatchAttempt(ctx, "bt-1", far, far.Add(-lease)), store.ErrConflict)
	assert.ErrorIs(t, s.ClaimBatchAttempt(ctx, "bt-missing", far, far), store.ErrNotFound)
}

func TestActivateCertificate_SingleActive(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateCertificate(ctx, &model.Certificate{ID: "ct-1", EmployerID: "er-1", Active: true}))
	require.NoError(t, s.CreateCertificate(ctx, &model.Certificate{ID: "ct-2", EmployerID: "er-1"}))
	assert.ErrorIs(t, s.CreateCertificate(ctx, &model.Certificate{ID: "ct-3", EmployerID: "er-1", Active: true}), store.ErrConflict)

	_, err := s.ActivateCertificate(ctx, "ct-2")
	require.NoError(t, err)
	active, err := s.GetActiveCertificate(ctx, "er-1")
	require.NoError(t, err)
	assert.Equal(t, "ct-2", active.ID)
	old, err := s.GetCertificate(ctx, "ct-1")
	require.NoError(t, err)
	assert.False(t, old.Active)

	_, err = s.DeactivateCertificate(ctx, "ct-2")
	require.NoError(t, err)
	_, err = s.GetActiveCertificate(ctx, "er-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpsertEmployee(t *testing.T) {
	ctx := context.Background()
	s := New()
	e := &model.Employee{ID: "ee-1", EmployerID: "er-1", CPF: "12345678909", Name: "Ana", JobTitle: "Analista"}

	out, err := s.UpsertEmployee(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, model.UpsertCreated, out)

	same := *e
	same.ID = "ee-other"
	out, err = s.UpsertEmployee(ctx, &same)
	require.NoError(t, err)
	assert.Equal(t, model.UpsertUnchanged, out)
	assert.Equal(t, "ee-1", same.ID)

	changed := *e
	changed.JobTitle = "Gerente"
	out, err = s.UpsertEmployee(ctx, &changed)
	require.NoError(t, err)
	assert.Equal(t, model.UpsertUpdated, out)

	list, err := s.ListEmployees(ctx, "er-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Gerente", list[0].JobTitle)
}

func TestEmployers(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateEmployer(ctx, &model.Employer{ID: "er-1", TaxID: "12345678000190", Name: "ACME"}))
	assert.ErrorIs(t, s.CreateEmployer(ctx, &model.Employer{ID: "er-2", TaxID: "12345678000190"}), store.ErrConflict)

	got, err := s.GetEmployerByTaxID(ctx, "12.345.678/0001-90")
	require.NoError(t, err)
	assert.Equal(t, "er-1", got.ID)
}

func TestReportEvents(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateEvent(ctx, newEvent("a", "er-1", model.StatusProcessed)))
	require.NoError(t, s.CreateEvent(ctx, newEvent("b", "er-1", model.StatusError)))
	require.NoError(t, s.CreateEvent(ctx, newEvent("c", "er-1", model.StatusSent)))
	require.NoError(t, s.CreateEvent(ctx, newEvent("d", "er-2", model.StatusSent)))

	r, err := s.ReportEvents(ctx, "er-1", model.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, r.Total)
	assert.Equal(t, 1, r.Processed)
	assert.Equal(t, 1, r.Errors)
	assert.Equal(t, 1, r.Sent)
	assert.Equal(t, 3, r.ByType[string(model.TypePeriodicExam)])
}

func TestAudit(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.AppendAudit(ctx, &model.AuditRecord{ID: "1", Entity: model.EntityEvent, EntityID: "ev-1", Action: model.ActionCreateEvent}))
	require.NoError(t, s.AppendAudit(ctx, &model.AuditRecord{ID: "2", Entity: model.EntityBatch, EntityID: "bt-1", Action: model.ActionSubmitBatch}))
	recs, err := s.ListAudit(ctx, model.EntityEvent, "ev-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.ActionCreateEvent, recs[0].Action)
}
