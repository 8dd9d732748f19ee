package syncsched

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sstlabs/esocial-engine/internal/errs"
	"github.com/sstlabs/esocial-engine/internal/events"
	"github.com/sstlabs/esocial-engine/internal/model"
	"github.com/sstlabs/esocial-engine/internal/store/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	taxA = "12345678000190"
	taxB = "98765432000110"
)

// gatedReconciler blocks every run until released or cancelled.
type gatedReconciler struct {
	started chan string
	release chan struct{}
	err     error

	mu    sync.Mutex
	calls int
}

func newGated() *gatedReconciler {
	return &gatedReconciler{started: make(chan string, 16), release: make(chan struct{})}
}

func (g *gatedReconciler) Reconcile(ctx context.Context, emp *model.Employer) (*model.SyncResult, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	select {
	case g.started <- emp.TaxID:
	default:
	}
	select {
	case <-g.release:
		if g.err != nil {
			return &model.SyncResult{Errors: []string{g.err.Error()}}, g.err
		}
		return &model.SyncResult{Processed: 2, Created: 1, Updated: 1}, nil
	case <-ctx.Done():
		return &model.SyncResult{}, ctx.Err()
	}
}

func (g *gatedReconciler) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case tax := <-g.started:
		return tax
	case <-time.After(5 * time.Second):
		t.Fatal("reconciliation did not start")
		return ""
	}
}

func newScheduler(t *testing.T, cfg Config, rec Reconciler, claimer Claimer) (*Scheduler, *events.Recorder) {
	t.Helper()
	st := memory.New()
	ctx := context.Background()
	require.NoError(t, st.CreateEmployer(ctx, &model.Employer{ID: "er-a", TaxID: taxA, Name: "A"}))
	require.NoError(t, st.CreateEmployer(ctx, &model.Employer{ID: "er-b", TaxID: taxB, Name: "B"}))
	pub := &events.Recorder{}
	s := New(cfg, st, rec, claimer, pub, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, s.Stop(ctx))
	})
	return s, pub
}

func waitStatus(t *testing.T, s *Scheduler, id string, want model.JobStatus) *model.SyncJob {
	t.Helper()
	var got *model.SyncJob
	require.Eventually(t, func() bool {
		j, err := s.GetJobStatus(id)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return got
}

func TestScheduleManual_RejectsSecondJobForEmployer(t *testing.T) {
	rec := newGated()
	s, pub := newScheduler(t, Config{}, rec, nil)
	ctx := context.Background()

	job, err := s.ScheduleManual(ctx, "12.345.678/0001-90")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^manual_12345678000190_\d+$`), job.ID)
	assert.Equal(t, model.JobQueued, job.Status)
	assert.Equal(t, "er-a", job.EmployerID)
	rec.waitStarted(t)
	waitStatus(t, s, job.ID, model.JobRunning)

	_, err = s.ScheduleManual(ctx, taxA)
	assert.ErrorIs(t, err, errs.ErrDuplicateJob)
	assert.Equal(t, 1, s.Stats().Total)

	close(rec.release)
	done := waitStatus(t, s, job.ID, model.JobCompleted)
	require.NotNil(t, done.Result)
	assert.Equal(t, 1, done.Result.Created)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.FinishedAt)

	require.Eventually(t, func() bool {
		_, err := s.ScheduleManual(ctx, taxA)
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)
	assert.Contains(t, pub.Topics(), events.TopicSyncJobFinished)
}

func TestScheduleManual_UnknownEmployer(t *testing.T) {
	s, _ := newScheduler(t, Config{}, newGated(), nil)
	_, err := s.ScheduleManual(context.Background(), "11222333000181")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestFailedJob(t *testing.T) {
	rec := newGated()
	rec.err = errors.New("remote directory unavailable")
	s, _ := newScheduler(t, Config{}, rec, nil)

	job, err := s.ScheduleManual(context.Background(), taxA)
	require.NoError(t, err)
	rec.waitStarted(t)
	close(rec.release)

	got := waitStatus(t, s, job.ID, model.JobFailed)
	assert.Equal(t, "remote directory unavailable", got.Error)
}

func TestCancel_Running(t *testing.T) {
	rec := newGated()
	s, _ := newScheduler(t, Config{}, rec, nil)

	job, err := s.ScheduleManual(context.Background(), taxA)
	require.NoError(t, err)
	rec.waitStarted(t)

	ok, err := s.Cancel(job.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	waitStatus(t, s, job.ID, model.JobCancelled)

	ok, err = s.Cancel(job.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, err, errs.ErrJobFinished)

	_, err = s.Cancel("manual_missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCancel_QueuedNeverRuns(t *testing.T) {
	rec := newGated()
	s, _ := newScheduler(t, Config{MaxConcurrent: 1}, rec, nil)
	ctx := context.Background()

	first, err := s.ScheduleManual(ctx, taxA)
	require.NoError(t, err)
	rec.waitStarted(t)
	second, err := s.ScheduleManual(ctx, taxB)
	require.NoError(t, err)

	stats := s.Stats()
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Queued)
	assert.Equal(t, 0, stats.FreeSlots)

	ok, err := s.Cancel(second.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := s.GetJobStatus(second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, got.Status)
	assert.Nil(t, got.StartedAt)

	close(rec.release)
	waitStatus(t, s, first.ID, model.JobCompleted)
	rec.mu.Lock()
	assert.Equal(t, 1, rec.calls)
	rec.mu.Unlock()
}

func TestScheduleAutomaticForAllEmployers(t *testing.T) {
	rec := newGated()
	s, _ := newScheduler(t, Config{}, rec, nil)
	ctx := context.Background()

	manual, err := s.ScheduleManual(ctx, taxA)
	require.NoError(t, err)

	jobs, err := s.ScheduleAutomaticForAllEmployers(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, taxB, jobs[0].EmployerTaxID)
	assert.Equal(t, model.JobAutomatic, jobs[0].Kind)
	assert.Regexp(t, regexp.MustCompile(`^auto_98765432000110_\d+$`), jobs[0].ID)

	close(rec.release)
	waitStatus(t, s, manual.ID, model.JobCompleted)
	waitStatus(t, s, jobs[0].ID, model.JobCompleted)
	assert.Len(t, s.Jobs(), 2)
}

func TestPurgeOld(t *testing.T) {
	rec := newGated()
	s, _ := newScheduler(t, Config{MaxConcurrent: 2}, rec, nil)
	ctx := context.Background()

	done, err := s.ScheduleManual(ctx, taxA)
	require.NoError(t, err)
	rec.waitStarted(t)
	rec.release <- struct{}{}
	waitStatus(t, s, done.ID, model.JobCompleted)

	running, err := s.ScheduleManual(ctx, taxB)
	require.NoError(t, err)
	rec.waitStarted(t)
	waitStatus(t, s, running.ID, model.JobRunning)

	assert.Zero(t, s.PurgeOld(time.Hour))

	s.mu.Lock()
	s.now = func() time.Time { return time.Now().Add(3 * time.Hour) }
	s.mu.Unlock()
	assert.Equal(t, 1, s.PurgeOld(time.Hour))

	_, err = s.GetJobStatus(done.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = s.GetJobStatus(running.ID)
	assert.NoError(t, err)
}

func TestStop_CancelsRunningJobs(t *testing.T) {
	rec := newGated()
	st := memory.New()
	require.NoError(t, st.CreateEmployer(context.Background(), &model.Employer{ID: "er-a", TaxID: taxA, Name: "A"}))
	s := New(Config{Interval: time.Hour}, st, rec, nil, nil, zerolog.Nop())
	s.Start()

	job, err := s.ScheduleManual(context.Background(), taxA)
	require.NoError(t, err)
	rec.waitStarted(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	got, err := s.GetJobStatus(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, got.Status)

	_, err = s.ScheduleManual(context.Background(), taxA)
	assert.Error(t, err)
}

func TestTicker_SchedulesAutomaticJobs(t *testing.T) {
	rec := newGated()
	close(rec.release)
	s, _ := newScheduler(t, Config{Interval: 10 * time.Millisecond}, rec, nil)
	s.Start()

	require.Eventually(t, func() bool {
		return s.Stats().Completed >= 2
	}, 5*time.Second, 5*time.Millisecond)
}
