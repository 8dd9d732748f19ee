// Package lifecycle drives events through their status machine: creation,
// batch submission, status polling, deletion and certificate management.
// Every mutation is audited and published on a best-effort basis.
package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sstlabs/esocial-engine/internal/audit"
	"github.com/sstlabs/esocial-engine/internal/batch"
	"github.com/sstlabs/esocial-engine/internal/blob"
	"github.com/sstlabs/esocial-engine/internal/certvault"
	"github.com/sstlabs/esocial-engine/internal/errs"
	"github.com/sstlabs/esocial-engine/internal/events"
	"github.com/sstlabs/esocial-engine/internal/metrics"
	"github.com/sstlabs/esocial-engine/internal/model"
	"github.com/sstlabs/esocial-engine/internal/secrets"
	"github.com/sstlabs/esocial-engine/internal/store"
	"github.com/sstlabs/esocial-engine/internal/submission"
	"github.com/sstlabs/esocial-engine/internal/xmlbuild"
)

// Remote is the government webservice. *submission.Client satisfies it.
type Remote interface {
	SubmitBatch(ctx context.Context, req submission.BatchRequest, cert *certvault.Certificate) (*submission.Ack, error)
	PollStatus(ctx context.Context, employerTaxID, receipt string, cert *certvault.Certificate) (*submission.StatusResult, error)
	DownloadEvent(ctx context.Context, employerTaxID, receipt string, cert *certvault.Certificate) ([]byte, error)
	TestConnectivity(ctx context.Context) *submission.ConnectivityResult
}

// Config tunes the service.
type Config struct {
	Environment     model.Environment // required
	AppVersion      string
	MaxRetries      int           // retries after the first submission attempt (default 3)
	RetryInitial    time.Duration // first backoff interval (default 1s)
	RetryMax        time.Duration // backoff interval cap (default 30s)
	PollConcurrency int           // batches polled in parallel (default 4)
	URLTTL          time.Duration // presigned certificate URL lifetime (default 15m)
	// AttemptLease is how long a started transmission keeps a batch from
	// being sent again by RetryBatch (default 10m). It must outlast every
	// attempt plus backoff.
	AttemptLease time.Duration
}

// Deps are the collaborators of the service. Publisher and Audit may be
// nil.
type Deps struct {
	Store     store.Store
	Blobs     blob.Store
	Secrets   secrets.Resolver
	Vault     *certvault.Vault
	Builder   *xmlbuild.Builder
	Remote    Remote
	Publisher events.Publisher
	Audit     *audit.Sink
	Logger    zerolog.Logger
}

// Service orchestrates the event lifecycle.
type Service struct {
	cfg       Config
	store     store.Store
	blobs     blob.Store
	secrets   secrets.Resolver
	vault     *certvault.Vault
	builder   *xmlbuild.Builder
	remote    Remote
	publisher events.Publisher
	audit     *audit.Sink
	coord     *batch.Coordinator
	logger    zerolog.Logger
	now       func() time.Time
	seq       atomic.Uint32
}

// New creates a Service.
func New(cfg Config, d Deps) (*Service, error) {
	if !cfg.Environment.IsValid() {
		return nil, errs.Validation("lifecycle service requires an explicit environment")
	}
	if d.Store == nil || d.Blobs == nil || d.Secrets == nil || d.Remote == nil {
		return nil, errs.New(errs.KindInternal, errs.CodeInternal, "lifecycle service is missing a dependency")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	if cfg.PollConcurrency <= 0 {
		cfg.PollConcurrency = 4
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = 15 * time.Minute
	}
	if cfg.AttemptLease <= 0 {
		cfg.AttemptLease = 10 * time.Minute
	}
	if d.Vault == nil {
		d.Vault = certvault.New()
	}
	if d.Builder == nil {
		d.Builder = xmlbuild.New()
	}
	if d.Publisher == nil {
		d.Publisher = &events.NoopPublisher{}
	}
	return &Service{
		cfg:       cfg,
		store:     d.Store,
		blobs:     d.Blobs,
		secrets:   d.Secrets,
		vault:     d.Vault,
		builder:   d.Builder,
		remote:    d.Remote,
		publisher: d.Publisher,
		audit:     d.Audit,
		coord:     batch.NewCoordinator(d.Store, d.Logger),
		logger:    d.Logger,
		now:       time.Now,
	}, nil
}

// Environment returns the environment every event is built for.
func (s *Service) Environment() model.Environment { return s.cfg.Environment }

// Outcome is the per-event result of a batch operation.
type Outcome struct {
	EventID       string       `json:"event_id"`
	XMLID         string       `json:"xml_id,omitempty"`
	Status        model.Status `json:"status"`
	ReceiptNumber string       `json:"receipt_number,omitempty"`
	Errors        []string     `json:"errors,omitempty"`
}

func outcomeOf(e *model.Event) Outcome {
	return Outcome{
		EventID:       e.ID,
		XMLID:         e.XMLID,
		Status:        e.Status,
		ReceiptNumber: e.ReceiptNumber,
		Errors:        e.ProcessingErrors,
	}
}

// outcomeDetails renders outcomes as error details so a failed batch
// still enumerates every member.
func outcomeDetails(outs []Outcome) []errs.Detail {
	d := make([]errs.Detail, 0, len(outs))
	for _, o := range outs {
		msg := string(o.Status)
		if len(o.Errors) > 0 {
			msg = o.Errors[0]
		}
		d = append(d, errs.Detail{ID: o.EventID, Code: string(o.Status), Message: msg})
	}
	return d
}

// transition applies one guarded status change and emits its side
// effects. Edges outside the status table are refused before touching
// the store.
func (s *Service) transition(ctx context.Context, e *model.Event, to model.Status, f model.TransitionFields) (*model.Event, error) {
	if !model.CanTransition(e.Status, to) {
		return nil, errs.StateConflict(errs.CodeInvalidState, "event %s cannot move from %s to %s", e.ID, e.Status, to)
	}
	next, err := s.store.TransitionEvent(ctx, e.ID, e.Status, to, f)
	if err != nil {
		return nil, store.Classify(err, "event", e.ID)
	}
	s.transitioned(ctx, e.Status, next)
	return next, nil
}

func (s *Service) transitioned(ctx context.Context, from model.Status, e *model.Event) {
	metrics.RecordTransition(string(from), string(e.Status))
	s.publish(ctx, events.TopicEventTransitioned, events.EventTransitioned{
		EventID:    e.ID,
		EmployerID: e.EmployerID,
		Type:       e.Type,
		From:       from,
		To:         e.Status,
		BatchID:    e.BatchID,
		Receipt:    e.ReceiptNumber,
		Errors:     e.ProcessingErrors,
	})
}

func (s *Service) publish(ctx context.Context, topic string, payload any) {
	if err := s.publisher.Publish(context.WithoutCancel(ctx), topic, payload); err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("publish failed")
	}
}

func (s *Service) record(ctx context.Context, action, entity, id string, before, after any) {
	s.audit.Record(ctx, audit.Entry{Action: action, Entity: entity, EntityID: id, Before: before, After: after})
}

// putBlob stores data and reports whether it succeeded. Failures are
// logged; callers treat blob copies as best-effort.
func (s *Service) putBlob(ctx context.Context, key string, data []byte, contentType string) bool {
	if err := s.blobs.Put(context.WithoutCancel(ctx), key, data, contentType); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("blob upload failed")
		return false
	}
	return true
}

func (s *Service) employer(ctx context.Context, id string) (*model.Employer, error) {
	emp, err := s.store.GetEmployer(ctx, id)
	if err != nil {
		return nil, store.Classify(err, "employer", id)
	}
	return emp, nil
}

// activeCertificate loads, decrypts and validates the employer's active
// certificate. An unusable certificate is refused here, before anything
// is signed or sent.
func (s *Service) activeCertificate(ctx context.Context, emp *model.Employer) (*certvault.Certificate, *model.Certificate, error) {
	meta, err := s.store.GetActiveCertificate(ctx, emp.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, errs.Certificate(errs.CodeNoActiveCertificate, "employer %s has no active certificate", emp.ID)
	}
	if err != nil {
		return nil, nil, store.Classify(err, "certificate", emp.ID)
	}
	cert, err := s.openCertificate(ctx, meta, emp.TaxID)
	if err != nil {
		return nil, nil, err
	}
	return cert, meta, nil
}

func (s *Service) openCertificate(ctx context.Context, meta *model.Certificate, ownerTaxID string) (*certvault.Certificate, error) {
	data, err := s.blobs.Get(ctx, meta.StorageLocation)
	if err != nil {
		return nil, errs.Storage(err, "read certificate "+meta.ID)
	}
	password, err := s.secrets.Resolve(ctx, meta.PasswordSecretRef)
	if err != nil {
		return nil, errs.Storage(err, "resolve password of certificate "+meta.ID)
	}
	cert, report, err := s.vault.LoadAndValidate(data, password, ownerTaxID)
	if err != nil {
		return nil, err
	}
	if err := report.Err(); err != nil {
		s.logger.Warn().Str("certificate_id", meta.ID).Str("summary", report.Summary).Msg("certificate refused")
		return nil, err
	}
	return cert, nil
}
