// Package hooks reacts to lifecycle events on the bus. Its one hook today
// queues a master-data sync for an employer once admissions for it reach
// processed, so employee records follow the government's view without
// waiting for the periodic run.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sstlabs/esocial-engine/internal/errs"
	"github.com/sstlabs/esocial-engine/internal/events"
	"github.com/sstlabs/esocial-engine/internal/model"
)

// DefaultQuiet is how long the handler waits after the last matching
// transition before queueing. One poll settles a whole batch, so the
// transitions of a batch arrive together and yield one job per employer.
const DefaultQuiet = 2 * time.Second

// Employers resolves the employer named by an event. store.Store
// satisfies it.
type Employers interface {
	GetEmployer(ctx context.Context, id string) (*model.Employer, error)
}

// Scheduler queues sync jobs. *syncsched.Scheduler satisfies it.
type Scheduler interface {
	ScheduleManual(ctx context.Context, taxID string) (*model.SyncJob, error)
}

// Handler collects employers with newly processed admissions and queues
// a sync job for each.
type Handler struct {
	employers Employers
	sched     Scheduler
	quiet     time.Duration
	logger    zerolog.Logger

	mu      sync.Mutex
	pending map[string]struct{} // employer ids
}

// Option configures a Handler.
type Option func(*Handler)

// WithQuiet overrides DefaultQuiet.
func WithQuiet(d time.Duration) Option { return func(h *Handler) { h.quiet = d } }

// NewHandler creates a Handler.
func NewHandler(employers Employers, sched Scheduler, logger zerolog.Logger, opts ...Option) *Handler {
	h := &Handler{
		employers: employers,
		sched:     sched,
		quiet:     DefaultQuiet,
		logger:    logger,
		pending:   make(map[string]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// HandleTransition records the employer of ev when ev is an admission
// that just became processed, and reports whether it did.
func (h *Handler) HandleTransition(ev events.EventTransitioned) bool {
	if ev.To != model.StatusProcessed || ev.Type != model.TypeAdmission || ev.EmployerID == "" {
		return false
	}
	h.mu.Lock()
	h.pending[ev.EmployerID] = struct{}{}
	h.mu.Unlock()
	return true
}

// Flush queues one sync job per pending employer and clears the set. An
// employer whose job is already queued or running is skipped quietly;
// that job will see the new admissions. Returns the jobs queued.
func (h *Handler) Flush(ctx context.Context) []*model.SyncJob {
	h.mu.Lock()
	ids := make([]string, 0, len(h.pending))
	for id := range h.pending {
		ids = append(ids, id)
	}
	h.pending = make(map[string]struct{})
	h.mu.Unlock()
	sort.Strings(ids)

	var jobs []*model.SyncJob
	for _, id := range ids {
		emp, err := h.employers.GetEmployer(ctx, id)
		if err != nil {
			h.logger.Warn().Err(err).Str("employer_id", id).Msg("hooks: employer lookup failed")
			continue
		}
		job, err := h.sched.ScheduleManual(ctx, emp.TaxID)
		switch {
		case errs.CodeOf(err) == errs.CodeDuplicateJob:
			h.logger.Debug().Str("tax_id", emp.TaxID).Msg("hooks: sync already in flight")
		case err != nil:
			h.logger.Warn().Err(err).Str("tax_id", emp.TaxID).Msg("hooks: sync not queued")
		default:
			h.logger.Info().Str("job_id", job.ID).Str("tax_id", emp.TaxID).Msg("hooks: sync queued after processed admissions")
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// StartSubscriber follows event transitions on the bus and flushes once
// the stream has been quiet for the configured period. It blocks until
// ctx is cancelled or the subscription closes.
func (h *Handler) StartSubscriber(ctx context.Context, sub events.Subscriber) error {
	ch, cancel, err := sub.Subscribe(events.TopicEventTransitioned)
	if err != nil {
		return fmt.Errorf("hooks: subscribe: %w", err)
	}
	defer cancel()

	h.logger.Info().Dur("quiet", h.quiet).Msg("hooks: subscriber started")

	debounce := time.NewTimer(h.quiet)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Msg("hooks: subscriber stopping")
			return nil
		case msg, ok := <-ch:
			if !ok {
				h.logger.Info().Msg("hooks: subscription channel closed")
				return nil
			}
			var ev events.EventTransitioned
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				h.logger.Warn().Err(err).Msg("hooks: bad event payload")
				continue
			}
			if h.HandleTransition(ev) {
				debounce.Reset(h.quiet)
			}
		case <-debounce.C:
			h.Flush(ctx)
		}
	}
}
