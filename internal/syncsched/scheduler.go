// Package syncsched runs employee reconciliation jobs, at most one per
// employer at a time, on demand and on a timer.
package syncsched

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/sstlabs/esocial-engine/internal/errs"
	"github.com/sstlabs/esocial-engine/internal/events"
	"github.com/sstlabs/esocial-engine/internal/metrics"
	"github.com/sstlabs/esocial-engine/internal/model"
	"github.com/sstlabs/esocial-engine/internal/store"
)

// Reconciler compares remote employee records with local ones for one
// employer. It must return promptly once ctx is cancelled.
type Reconciler interface {
	Reconcile(ctx context.Context, employer *model.Employer) (*model.SyncResult, error)
}

// Employers resolves the employers jobs run for. store.Store satisfies it.
type Employers interface {
	GetEmployerByTaxID(ctx context.Context, taxID string) (*model.Employer, error)
	ListEmployers(ctx context.Context) ([]*model.Employer, error)
}

// Config tunes the scheduler.
type Config struct {
	MaxConcurrent int           // jobs running at once (default 3)
	Interval      time.Duration // automatic scheduling period (default 24h)
	Retention     time.Duration // finished jobs kept this long (default 7 days)
}

// Scheduler tracks sync jobs. It is constructed once by the hosting
// process; Stop cancels and waits for every job it started.
type Scheduler struct {
	cfg       Config
	employers Employers
	rec       Reconciler
	claimer   Claimer
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time

	slots *semaphore.Weighted

	mu      sync.Mutex
	jobs    map[string]*job
	running int

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ticker sync.WaitGroup
}

var errStopped = errs.StateConflict(errs.CodeInvalidState, "sync scheduler is stopped")

type job struct {
	rec       model.SyncJob
	employer  *model.Employer
	cancel    context.CancelFunc
	cancelled bool
}

// New creates a Scheduler. A nil claimer selects a MemoryClaimer and a
// nil publisher drops notifications.
func New(cfg Config, employers Employers, rec Reconciler, claimer Claimer, pub events.Publisher, logger zerolog.Logger) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if claimer == nil {
		claimer = NewMemoryClaimer()
	}
	if pub == nil {
		pub = &events.NoopPublisher{}
	}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:       cfg,
		employers: employers,
		rec:       rec,
		claimer:   claimer,
		publisher: pub,
		logger:    logger,
		now:       time.Now,
		slots:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		jobs:      make(map[string]*job),
		base:      base,
		cancel:    cancel,
	}
}

// ScheduleManual queues a job for the employer with the given CNPJ. It
// fails with DUPLICATE_JOB while another job for the employer is queued
// or running; no second job record is created.
func (s *Scheduler) ScheduleManual(ctx context.Context, taxID string) (*model.SyncJob, error) {
	emp, err := s.employers.GetEmployerByTaxID(ctx, model.Digits(taxID))
	if err != nil {
		return nil, store.Classify(err, "employer", taxID)
	}
	return s.schedule(ctx, emp, model.JobManual)
}

// ScheduleAutomaticForAllEmployers queues a job for every employer that
// has none in flight and returns the new jobs.
func (s *Scheduler) ScheduleAutomaticForAllEmployers(ctx context.Context) ([]*model.SyncJob, error) {
	list, err := s.employers.ListEmployers(ctx)
	if err != nil {
		return nil, store.Classify(err, "employers", "")
	}
	var out []*model.SyncJob
	for _, emp := range list {
		j, err := s.schedule(ctx, emp, model.JobAutomatic)
		if err != nil {
			if errs.CodeOf(err) != errs.CodeDuplicateJob {
				s.logger.Warn().Err(err).Str("tax_id", emp.TaxID).Msg("automatic sync not scheduled")
			}
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *Scheduler) schedule(ctx context.Context, emp *model.Employer, kind model.JobKind) (*model.SyncJob, error) {
	if s.base.Err() != nil {
		return nil, errStopped
	}
	id := s.jobID(kind, emp.TaxID)
	ok, err := s.claimer.Claim(ctx, emp.TaxID, id)
	if err != nil {
		return nil, errs.Storage(err, "claim employer "+emp.TaxID)
	}
	if !ok {
		return nil, errs.StateConflict(errs.CodeDuplicateJob, "a sync job for employer %s is already queued or running", emp.TaxID)
	}

	jctx, cancel := context.WithCancel(s.base)
	j := &job{
		rec: model.SyncJob{
			ID:            id,
			EmployerTaxID: emp.TaxID,
			EmployerID:    emp.ID,
			Kind:          kind,
			Status:        model.JobQueued,
			CreatedAt:     s.now().UTC(),
		},
		employer: emp,
		cancel:   cancel,
	}
	s.mu.Lock()
	if s.base.Err() != nil {
		s.mu.Unlock()
		cancel()
		_ = s.claimer.Release(context.WithoutCancel(ctx), emp.TaxID, id)
		return nil, errStopped
	}
	s.jobs[id] = j
	snapshot := j.rec
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(jctx, j)

	s.logger.Info().Str("job_id", id).Str("tax_id", emp.TaxID).Str("kind", string(kind)).Msg("sync job queued")
	return &snapshot, nil
}

// jobID names a job {kind}_{taxID}_{unix}. A suffix keeps ids unique when
// the same employer is scheduled twice within one second.
func (s *Scheduler) jobID(kind model.JobKind, taxID string) string {
	prefix := "auto"
	if kind == model.JobManual {
		prefix = "manual"
	}
	base := fmt.Sprintf("%s_%s_%d", prefix, taxID, s.now().Unix())
	s.mu.Lock()
	defer s.mu.Unlock()
	id := base
	for n := 2; s.jobs[id] != nil; n++ {
		id = fmt.Sprintf("%s_%d", base, n)
	}
	return id
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	defer s.wg.Done()
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.claimer.Release(rctx, j.rec.EmployerTaxID, j.rec.ID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", j.rec.ID).Msg("releasing employer claim failed")
		}
	}()

	if err := s.slots.Acquire(ctx, 1); err != nil {
		s.finish(j, model.JobCancelled, nil, "")
		return
	}
	defer s.slots.Release(1)

	s.mu.Lock()
	if j.rec.Status != model.JobQueued {
		s.mu.Unlock()
		return
	}
	started := s.now().UTC()
	j.rec.Status = model.JobRunning
	j.rec.StartedAt = &started
	s.running++
	s.mu.Unlock()
	metrics.SyncJobStarted()
	defer metrics.SyncJobStopped()

	res, err := s.reconcile(ctx, j)
	if res != nil {
		res.DurationMs = s.now().Sub(started).Milliseconds()
	}

	s.mu.Lock()
	s.running--
	cancelled := j.cancelled || s.base.Err() != nil
	s.mu.Unlock()

	switch {
	case cancelled:
		s.finish(j, model.JobCancelled, res, "")
	case err != nil:
		s.finish(j, model.JobFailed, res, err.Error())
	default:
		s.finish(j, model.JobCompleted, res, "")
	}
}

// reconcile shields the scheduler from a panicking reconciler.
func (s *Scheduler) reconcile(ctx context.Context, j *job) (res *model.SyncResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconciliation panicked: %v", r)
		}
	}()
	return s.rec.Reconcile(ctx, j.employer)
}

// finish moves j to a terminal status once; later calls are ignored.
func (s *Scheduler) finish(j *job, status model.JobStatus, res *model.SyncResult, reason string) {
	s.mu.Lock()
	if j.rec.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	at := s.now().UTC()
	j.rec.Status = status
	j.rec.FinishedAt = &at
	j.rec.Result = res
	j.rec.Error = reason
	snapshot := j.rec
	s.mu.Unlock()
	j.cancel()

	metrics.RecordSyncJob(string(snapshot.Kind), string(status))
	if err := s.publisher.Publish(context.Background(), events.TopicSyncJobFinished, events.SyncJobFinished{Job: &snapshot}); err != nil {
		s.logger.Warn().Err(err).Str("job_id", snapshot.ID).Msg("publish failed")
	}
	ev := s.logger.Info()
	if status == model.JobFailed {
		ev = s.logger.Warn().Str("error", reason)
	}
	ev.Str("job_id", snapshot.ID).Str("status", string(status)).Msg("sync job finished")
}

// GetJobStatus returns a snapshot of one job.
func (s *Scheduler) GetJobStatus(id string) (*model.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, errs.NotFound("sync job", id)
	}
	snapshot := j.rec
	return &snapshot, nil
}

// Jobs returns every tracked job, newest first.
func (s *Scheduler) Jobs() []*model.SyncJob {
	s.mu.Lock()
	out := make([]*model.SyncJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		snapshot := j.rec
		out = append(out, &snapshot)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID > out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out
}

// Cancel stops a queued or running job. A queued job is cancelled at
// once; a running job stops before its next unit of work and then ends
// as cancelled. Cancelling a finished job fails with JOB_FINISHED.
func (s *Scheduler) Cancel(id string) (bool, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false, errs.NotFound("sync job", id)
	}
	status := j.rec.Status
	if status.IsTerminal() {
		s.mu.Unlock()
		return false, errs.StateConflict(errs.CodeJobFinished, "sync job %s already %s", id, status)
	}
	j.cancelled = true
	s.mu.Unlock()

	if status == model.JobQueued {
		s.finish(j, model.JobCancelled, nil, "")
	}
	j.cancel()
	s.logger.Info().Str("job_id", id).Str("was", string(status)).Msg("sync job cancellation requested")
	return true, nil
}

// PurgeOld drops finished jobs older than retention and returns how many
// were removed. Queued and running jobs are never purged.
func (s *Scheduler) PurgeOld(retention time.Duration) int {
	horizon := s.now().Add(-retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.rec.Status.IsTerminal() && j.rec.FinishedAt != nil && j.rec.FinishedAt.Before(horizon) {
			delete(s.jobs, id)
			n++
		}
	}
	return n
}

// Retention is the age past which finished jobs are purged.
func (s *Scheduler) Retention() time.Duration { return s.cfg.Retention }

// Stats counts jobs per status.
func (s *Scheduler) Stats() model.SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := model.SchedulerStats{Total: len(s.jobs), FreeSlots: s.cfg.MaxConcurrent - s.running}
	for _, j := range s.jobs {
		switch j.rec.Status {
		case model.JobQueued:
			st.Queued++
		case model.JobRunning:
			st.Running++
		case model.JobCompleted:
			st.Completed++
		case model.JobFailed:
			st.Failed++
		case model.JobCancelled:
			st.Cancelled++
		}
	}
	return st
}

// Start begins periodic scheduling: every Interval it queues automatic
// jobs for all employers and purges jobs past Retention.
func (s *Scheduler) Start() {
	s.ticker.Add(1)
	go func() {
		defer s.ticker.Done()
		t := time.NewTicker(s.cfg.Interval)
		defer t.Stop()
		for {
			select {
			case <-s.base.Done():
				return
			case <-t.C:
				s.tick()
			}
		}
	}()
	s.logger.Info().Dur("interval", s.cfg.Interval).Dur("retention", s.cfg.Retention).Msg("sync scheduler started")
}

func (s *Scheduler) tick() {
	jobs, err := s.ScheduleAutomaticForAllEmployers(s.base)
	if err != nil {
		s.logger.Error().Err(err).Msg("automatic sync scheduling failed")
	}
	purged := s.PurgeOld(s.cfg.Retention)
	s.logger.Debug().Int("scheduled", len(jobs)).Int("purged", purged).Msg("sync tick")
}

// Stop cancels every job and waits for them to settle or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.ticker.Wait()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
