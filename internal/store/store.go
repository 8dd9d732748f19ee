package store

import (
	"context"
	"errors"
	"time"

	"github.com/sstlabs/esocial-engine/internal/errs"
	"github.com/sstlabs/esocial-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional write finds the record in
	// a different state than the caller expected, or a uniqueness rule
	// would be violated.
	ErrConflict = errors.New("conflict")
)

// Classify converts a store error into the engine taxonomy: ErrNotFound
// becomes a not-found error for entity/id, ErrConflict a concurrent
// update, anything else a storage failure. A nil err stays nil and
// already-tagged errors pass through.
func Classify(err error, entity, id string) error {
	var tagged *errs.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &tagged):
		return err
	case errors.Is(err, ErrNotFound):
		return errs.NotFound(entity, id)
	case errors.Is(err, ErrConflict):
		return errs.StateConflict(errs.CodeConcurrentUpdate, "%s %s was modified concurrently", entity, id)
	}
	return errs.Storage(err, entity+" "+id)
}

// BatchFilter selects batches.
type BatchFilter struct {
	EmployerID string
	Submitted  *bool
	Limit      int
}

// Store defines the persistence interface for the submission engine.
type Store interface {
	// Events
	CreateEvent(ctx context.Context, event *model.Event) error
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	ListEvents(ctx context.Context, filter model.EventFilter) ([]*model.Event, int, error) // returns events, total count, error
	// FindEventByDedupKey returns the employer's event with the given key
	// whose status is not error, or ErrNotFound.
	FindEventByDedupKey(ctx context.Context, employerID, key string) (*model.Event, error)
	// TransitionEvent moves an event from one status to another only if it
	// is still in from. It returns ErrConflict when the guard fails.
	TransitionEvent(ctx context.Context, id string, from, to model.Status, fields model.TransitionFields) (*model.Event, error)
	// DeleteEvent removes an event only if its status is one of allowed and
	// returns the removed record. It returns ErrConflict when the guard fails.
	DeleteEvent(ctx context.Context, id string, allowed ...model.Status) (*model.Event, error)
	SetEventBlobKey(ctx context.Context, id, key string) error
	ReportEvents(ctx context.Context, employerID string, filter model.EventFilter) (*model.EventReport, error)

	// Batches
	CreateBatch(ctx context.Context, batch *model.Batch) error // assigns Seq
	GetBatch(ctx context.Context, id string) (*model.Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]*model.Batch, error)
	// MarkBatchSubmitted records the acknowledgment once. A second call
	// returns ErrConflict.
	MarkBatchSubmitted(ctx context.Context, id, receipt, responseCode string, at time.Time) (*model.Batch, error)
	// ClaimBatchAttempt stamps an unsubmitted batch as being transmitted
	// from at. It returns ErrConflict when the batch is already submitted
	// or holds an attempt that started after staleBefore.
	ClaimBatchAttempt(ctx context.Context, id string, at, staleBefore time.Time) error

	// Certificates
	CreateCertificate(ctx context.Context, cert *model.Certificate) error
	GetCertificate(ctx context.Context, id string) (*model.Certificate, error)
	GetActiveCertificate(ctx context.Context, employerID string) (*model.Certificate, error)
	ListCertificates(ctx context.Context, employerID string) ([]*model.Certificate, error)
	// ActivateCertificate deactivates every sibling of the certificate and
	// activates it.
	ActivateCertificate(ctx context.Context, id string) (*model.Certificate, error)
	DeactivateCertificate(ctx context.Context, id string) (*model.Certificate, error)

	// Employers and employees
	CreateEmployer(ctx context.Context, employer *model.Employer) error
	GetEmployer(ctx context.Context, id string) (*model.Employer, error)
	GetEmployerByTaxID(ctx context.Context, taxID string) (*model.Employer, error)
	ListEmployers(ctx context.Context) ([]*model.Employer, error)
	// UpsertEmployee creates the employee if absent and updates it if any
	// tracked field changed, keyed by employer and CPF.
	UpsertEmployee(ctx context.Context, employee *model.Employee) (model.UpsertOutcome, error)
	ListEmployees(ctx context.Context, employerID string) ([]*model.Employee, error)

	// Audit
	AppendAudit(ctx context.Context, rec *model.AuditRecord) error
	ListAudit(ctx context.Context, entity, entityID string) ([]*model.AuditRecord, error)

	// Transaction support
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Close() error
}
