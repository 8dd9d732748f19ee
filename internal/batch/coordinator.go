// Package batch forms submission batches out of preparing events.
package batch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/sstlabs/esocial-engine/internal/errs"
	"github.com/sstlabs/esocial-engine/internal/idgen"
	"github.com/sstlabs/esocial-engine/internal/model"
	"github.com/sstlabs/esocial-engine/internal/store"
)

// Plan is a validated, not yet committed batch.
type Plan struct {
	EmployerID  string
	Group       int
	Certificate *model.Certificate
	Events      []*model.Event // input order
}

// EventIDs returns the member ids in order.
func (p *Plan) EventIDs() []string {
	ids := make([]string, len(p.Events))
	for i, e := range p.Events {
		ids[i] = e.ID
	}
	return ids
}

// Coordinator validates and commits batches.
type Coordinator struct {
	store  store.Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewCoordinator creates a Coordinator over s.
func NewCoordinator(s store.Store, logger zerolog.Logger) *Coordinator {
	return &Coordinator{store: s, logger: logger, now: time.Now}
}

// Prepare runs every read-only check without changing any record. Checks
// run in a fixed order so the reported failure is deterministic: empty
// input, size limit, eligibility, employer, group, certificate.
func (c *Coordinator) Prepare(ctx context.Context, eventIDs []string) (*Plan, error) {
	ids := dedupe(eventIDs)
	if len(ids) == 0 {
		return nil, errs.New(errs.KindValidation, errs.CodeEmptyBatch, "no events to batch")
	}
	if len(ids) > model.MaxBatchEvents {
		return nil, errs.Newf(errs.KindValidation, errs.CodeBatchTooLarge,
			"batch has %d events, limit is %d", len(ids), model.MaxBatchEvents)
	}

	events := make([]*model.Event, 0, len(ids))
	for _, id := range ids {
		e, err := c.store.GetEvent(ctx, id)
		if err != nil {
			return nil, store.Classify(err, "event", id)
		}
		events = append(events, e)
	}

	var ineligible []errs.Detail
	for _, e := range events {
		if e.Status != model.StatusPreparing {
			ineligible = append(ineligible, errs.Detail{ID: e.ID, Code: string(e.Status), Message: "event is " + string(e.Status)})
		}
	}
	if len(ineligible) > 0 {
		return nil, errs.StateConflict(errs.CodeNotEligible,
			"%d event(s) are not in preparing status", len(ineligible)).WithDetails(ineligible...)
	}

	first := events[0]
	for _, e := range events[1:] {
		if e.EmployerID != first.EmployerID {
			return nil, errs.Newf(errs.KindValidation, errs.CodeMixedEmployer,
				"events belong to employers %s and %s", first.EmployerID, e.EmployerID)
		}
	}
	for _, e := range events[1:] {
		if e.Type.Group() != first.Type.Group() {
			return nil, errs.Newf(errs.KindValidation, errs.CodeMixedGroup,
				"%s (group %d) and %s (group %d) cannot share a batch",
				first.Type.Code(), first.Type.Group(), e.Type.Code(), e.Type.Group())
		}
	}

	cert, err := c.store.GetActiveCertificate(ctx, first.EmployerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errs.Certificate(errs.CodeNoActiveCertificate, "employer %s has no active certificate", first.EmployerID)
	}
	if err != nil {
		return nil, store.Classify(err, "certificate", first.EmployerID)
	}
	if !cert.Active {
		return nil, errs.Certificate(errs.CodeNoActiveCertificate, "certificate %s is not active", cert.ID)
	}
	if !cert.ValidAt(c.now()) {
		return nil, errs.Certificate(errs.CodeInvalidCertificate,
			"certificate %s is outside its validity window (%s to %s)",
			cert.ID, cert.NotBefore.Format(time.DateOnly), cert.NotAfter.Format(time.DateOnly))
	}

	return &Plan{EmployerID: first.EmployerID, Group: first.Type.Group(), Certificate: cert, Events: events}, nil
}

// Commit creates the batch record and moves every member preparing ->
// sending in one transaction. If any member changed since Prepare, nothing
// is written.
func (c *Coordinator) Commit(ctx context.Context, plan *Plan) (*model.Batch, []*model.Event, error) {
	id, err := idgen.Batch()
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindInternal, errs.CodeInternal, err, "generate batch id")
	}
	b := &model.Batch{
		ID:            id,
		EmployerID:    plan.EmployerID,
		CertificateID: plan.Certificate.ID,
		Group:         plan.Group,
		EventIDs:      plan.EventIDs(),
	}

	updated := make([]*model.Event, 0, len(plan.Events))
	err = c.store.RunInTransaction(ctx, func(tx store.Store) error {
		if err := tx.CreateBatch(ctx, b); err != nil {
			return store.Classify(err, "batch", b.ID)
		}
		for _, e := range plan.Events {
			next, err := tx.TransitionEvent(ctx, e.ID, model.StatusPreparing, model.StatusSending,
				model.TransitionFields{BatchID: model.StringPtr(b.ID)})
			if errors.Is(err, store.ErrConflict) {
				return errs.StateConflict(errs.CodeConcurrentUpdate, "event %s left preparing status while the batch was formed", e.ID)
			}
			if err != nil {
				return store.Classify(err, "event", e.ID)
			}
			updated = append(updated, next)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	c.logger.Info().
		Str("batch_id", b.ID).
		Int64("seq", b.Seq).
		Str("employer_id", b.EmployerID).
		Int("events", len(b.EventIDs)).
		Msg("batch formed")
	return b, updated, nil
}

// BuildBatch is Prepare followed by Commit.
func (c *Coordinator) BuildBatch(ctx context.Context, eventIDs []string) (*model.Batch, []*model.Event, error) {
	plan, err := c.Prepare(ctx, eventIDs)
	if err != nil {
		return nil, nil, err
	}
	return c.Commit(ctx, plan)
}

// dedupe drops repeated and empty ids, keeping first-seen order.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
