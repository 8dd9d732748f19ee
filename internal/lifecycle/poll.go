package lifecycle

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/sstlabs/esocial-engine/internal/blob"
	"github.com/sstlabs/esocial-engine/internal/errs"
	"github.com/sstlabs/esocial-engine/internal/model"
	"github.com/sstlabs/esocial-engine/internal/store"
	"github.com/sstlabs/esocial-engine/internal/submission"
)

// PollResult is the state of one batch after a status query.
type PollResult struct {
	BatchID  string                `json:"batch_id"`
	Receipt  string                `json:"receipt_number"`
	State    submission.BatchState `json:"state"`
	Cached   bool                  `json:"cached"` // answered from stored results, no remote call
	Outcomes []Outcome             `json:"outcomes"`
}

// BatchPoll is one entry of an employer-wide poll. Error is set when
// that batch could not be polled.
type BatchPoll struct {
	BatchID string      `json:"batch_id"`
	Result  *PollResult `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    errs.Code   `json:"code,omitempty"`
}

// PollBatch queries the remote processing state of an accepted batch and
// applies it to the members. When every member is already final the
// stored outcome is returned without contacting the remote service, so
// repeated polls are harmless.
func (s *Service) PollBatch(ctx context.Context, batchID string) (*PollResult, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, store.Classify(err, "batch", batchID)
	}
	if !b.Submitted() || b.ReceiptNumber == "" {
		return nil, errs.StateConflict(errs.CodeInvalidState, "batch %s has no receipt to poll", b.ID)
	}
	members, err := s.members(ctx, b)
	if err != nil {
		return nil, err
	}
	res := &PollResult{BatchID: b.ID, Receipt: b.ReceiptNumber}
	if allTerminal(members) {
		res.State = finalState(members)
		res.Cached = true
		res.Outcomes = outcomes(members)
		return res, nil
	}

	emp, err := s.employer(ctx, b.EmployerID)
	if err != nil {
		return nil, err
	}
	cert, _, err := s.activeCertificate(ctx, emp)
	if err != nil {
		return nil, err
	}
	status, err := s.remote.PollStatus(ctx, emp.TaxID, b.ReceiptNumber, cert)
	if err != nil {
		return nil, err
	}

	after := make([]*model.Event, 0, len(members))
	for _, m := range members {
		after = append(after, s.applyStatus(ctx, m, status))
	}
	res.State = status.State
	res.Outcomes = outcomes(after)
	s.record(ctx, model.ActionPollStatus, model.EntityBatch, b.ID, outcomes(members), res)
	return res, nil
}

// applyStatus moves one member according to the batch status. It returns
// the event as it stands afterwards; a lost race is not an error since a
// concurrent poll applied the same answer.
func (s *Service) applyStatus(ctx context.Context, e *model.Event, st *submission.StatusResult) *model.Event {
	if e.Status.IsTerminal() {
		return e
	}
	var (
		to model.Status
		f  model.TransitionFields
	)
	switch st.State {
	case submission.StateProcessing:
		if e.Status != model.StatusSent {
			return e
		}
		to = model.StatusProcessing
	case submission.StateProcessed:
		r, ok := st.Event(e.XMLID)
		if !ok {
			s.logger.Warn().Str("event_id", e.ID).Str("xml_id", e.XMLID).Msg("event missing from processing result")
			return e
		}
		if r.Accepted {
			now := s.now()
			to = model.StatusProcessed
			f = model.TransitionFields{ProcessedAt: &now, ProcessingErrors: []string{}}
			if r.Receipt != "" {
				f.ReceiptNumber = model.StringPtr(r.Receipt)
			}
		} else {
			to = model.StatusError
			f = model.TransitionFields{ProcessingErrors: occurrenceMessages(r.Code, r.Description, r.Occurrences)}
		}
	case submission.StateError:
		to = model.StatusError
		f = model.TransitionFields{ProcessingErrors: occurrenceMessages(st.Code, st.Description, st.Occurrences)}
	default:
		return e
	}

	next, err := s.transition(ctx, e, to, f)
	if err == nil {
		return next
	}
	if errors.Is(err, errs.ErrConcurrentUpdate) {
		if cur, gerr := s.store.GetEvent(ctx, e.ID); gerr == nil {
			return cur
		}
	}
	s.logger.Error().Err(err).Str("event_id", e.ID).Str("to", string(to)).Msg("applying poll result failed")
	return e
}

func occurrenceMessages(code, desc string, occ []submission.Occurrence) []string {
	if len(occ) == 0 {
		return []string{code + ": " + desc}
	}
	out := make([]string, len(occ))
	for i, o := range occ {
		out[i] = o.String()
	}
	return out
}

func allTerminal(list []*model.Event) bool {
	for _, e := range list {
		if !e.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// finalState summarizes a settled batch: error only when no member was
// processed.
func finalState(list []*model.Event) submission.BatchState {
	for _, e := range list {
		if e.Status == model.StatusProcessed {
			return submission.StateProcessed
		}
	}
	return submission.StateError
}

func outcomes(list []*model.Event) []Outcome {
	out := make([]Outcome, len(list))
	for i, e := range list {
		out[i] = outcomeOf(e)
	}
	return out
}

// PollEmployer polls every accepted batch of the employer, at most
// PollConcurrency at a time. A failing batch is reported in its entry
// and does not stop the others.
func (s *Service) PollEmployer(ctx context.Context, employerID string) ([]BatchPoll, error) {
	if _, err := s.employer(ctx, employerID); err != nil {
		return nil, err
	}
	submitted := true
	batches, err := s.store.ListBatches(ctx, store.BatchFilter{EmployerID: employerID, Submitted: &submitted})
	if err != nil {
		return nil, store.Classify(err, "batches", employerID)
	}

	var pollable []*model.Batch
	for _, b := range batches {
		if b.ReceiptNumber != "" {
			pollable = append(pollable, b)
		}
	}
	results := make([]BatchPoll, len(pollable))
	var g errgroup.Group
	g.SetLimit(s.cfg.PollConcurrency)
	for i, b := range pollable {
		g.Go(func() error {
			entry := BatchPoll{BatchID: b.ID}
			res, err := s.PollBatch(ctx, b.ID)
			if err != nil {
				entry.Error = err.Error()
				entry.Code = errs.CodeOf(err)
			} else {
				entry.Result = res
			}
			results[i] = entry
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// DownloadProcessed returns the government's processed copy of an event.
// The copy is cached in blob storage after the first download.
func (s *Service) DownloadProcessed(ctx context.Context, eventID string) ([]byte, error) {
	e, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if e.Status != model.StatusProcessed || e.ReceiptNumber == "" {
		return nil, errs.StateConflict(errs.CodeInvalidState, "event %s is %s; only processed events can be downloaded", e.ID, e.Status)
	}
	key := blob.EventXMLKey(e.EmployerID, e.ID, blob.KindProcessed)
	data, err := s.blobs.Get(ctx, key)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, blob.ErrNotFound) {
		s.logger.Warn().Err(err).Str("key", key).Msg("processed copy cache read failed")
	}

	emp, err := s.employer(ctx, e.EmployerID)
	if err != nil {
		return nil, err
	}
	cert, _, err := s.activeCertificate(ctx, emp)
	if err != nil {
		return nil, err
	}
	data, err = s.remote.DownloadEvent(ctx, emp.TaxID, e.ReceiptNumber, cert)
	if err != nil {
		return nil, err
	}
	s.putBlob(ctx, key, data, blob.ContentTypeXML)
	s.record(ctx, model.ActionDownloadEvent, model.EntityEvent, e.ID, nil, map[string]any{
		"receipt_number": e.ReceiptNumber,
		"bytes":          len(data),
	})
	return data, nil
}

// TestConnectivity probes the configured environment.
func (s *Service) TestConnectivity(ctx context.Context) *submission.ConnectivityResult {
	return s.remote.TestConnectivity(ctx)
}
