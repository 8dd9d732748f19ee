package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/sstlabs/esocial-engine/internal/blob"
	"github.com/sstlabs/esocial-engine/internal/certvault"
	"github.com/sstlabs/esocial-engine/internal/errs"
	"github.com/sstlabs/esocial-engine/internal/events"
	"github.com/sstlabs/esocial-engine/internal/metrics"
	"github.com/sstlabs/esocial-engine/internal/model"
	"github.com/sstlabs/esocial-engine/internal/store"
	"github.com/sstlabs/esocial-engine/internal/submission"
)

// SubmitResult describes one transmitted (or failed) batch.
type SubmitResult struct {
	BatchID      string    `json:"batch_id"`
	Seq          int64     `json:"seq"`
	Accepted     bool      `json:"accepted"`
	Receipt      string    `json:"receipt_number,omitempty"`
	ResponseCode string    `json:"response_code,omitempty"`
	Outcomes     []Outcome `json:"outcomes"`
}

// Submit forms a batch from eventIDs and transmits it. Every check that
// can fail without remote contact runs before any event is touched: an
// ineligible event, a mixed batch or an unusable certificate leaves all
// events exactly as they were.
//
// Once the events are sending, the call always ends with each of them
// either sent (carrying the batch receipt) or error (carrying the
// reason). A failed submission returns both the result and an error
// whose details enumerate the per-event outcomes.
func (s *Service) Submit(ctx context.Context, eventIDs []string) (*SubmitResult, error) {
	plan, err := s.coord.Prepare(ctx, eventIDs)
	if err != nil {
		return nil, err
	}
	emp, err := s.employer(ctx, plan.EmployerID)
	if err != nil {
		return nil, err
	}
	cert, err := s.openCertificate(ctx, plan.Certificate, emp.TaxID)
	if err != nil {
		return nil, err
	}

	b, members, err := s.coord.Commit(ctx, plan)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		s.transitioned(ctx, model.StatusPreparing, m)
	}
	s.record(ctx, model.ActionSubmitBatch, model.EntityBatch, b.ID, nil, b)
	if err := s.claimAttempt(ctx, b.ID); err != nil {
		// The members stay sending; RetryBatch picks them up.
		return nil, err
	}
	return s.send(ctx, b, emp, cert, members)
}

// RetryBatch resumes a batch whose events are still sending, e.g. after
// a crash between commit and acknowledgment. If the acknowledgment was
// already recorded the events are moved to sent without resending. A batch
// whose transmission started less than AttemptLease ago is refused with
// BATCH_IN_FLIGHT.
func (s *Service) RetryBatch(ctx context.Context, batchID string) (*SubmitResult, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, store.Classify(err, "batch", batchID)
	}
	all, err := s.members(ctx, b)
	if err != nil {
		return nil, err
	}
	var pending []*model.Event
	for _, m := range all {
		if m.Status == model.StatusSending {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil, errs.StateConflict(errs.CodeInvalidState, "batch %s has no events awaiting transmission", b.ID)
	}
	emp, err := s.employer(ctx, b.EmployerID)
	if err != nil {
		return nil, err
	}
	if !b.Submitted() {
		if err := s.claimAttempt(ctx, b.ID); err != nil {
			return nil, err
		}
	}
	s.record(ctx, model.ActionRetryBatch, model.EntityBatch, b.ID, nil, b)

	if b.Submitted() {
		if b.ReceiptNumber == "" {
			cause := errs.Remote(errs.CodeRemoteRejected, nil,
				fmt.Sprintf("batch was refused earlier (code %s)", b.ResponseCode))
			return s.failSending(ctx, b, pending, cause)
		}
		ack := &submission.Ack{Receipt: b.ReceiptNumber, Code: b.ResponseCode}
		return s.markSent(ctx, b, emp, ack, pending, false)
	}

	cert, _, err := s.activeCertificate(ctx, emp)
	if err != nil {
		// Nothing can be signed; the events must not stay in flight.
		return s.failSending(ctx, b, pending, err)
	}
	return s.send(ctx, b, emp, cert, pending)
}

// claimAttempt takes the transmission lease on an unsubmitted batch.
func (s *Service) claimAttempt(ctx context.Context, batchID string) error {
	now := s.now()
	err := s.store.ClaimBatchAttempt(ctx, batchID, now, now.Add(-s.cfg.AttemptLease))
	if errors.Is(err, store.ErrConflict) {
		return errs.StateConflict(errs.CodeBatchInFlight, "batch %s is already being transmitted", batchID)
	}
	return store.Classify(err, "batch", batchID)
}

func (s *Service) send(ctx context.Context, b *model.Batch, emp *model.Employer, cert *certvault.Certificate, members []*model.Event) (*SubmitResult, error) {
	req := submission.BatchRequest{Batch: b, EmployerTaxID: emp.TaxID, Events: members}
	ack, err := s.transmit(ctx, req, cert)
	if err != nil {
		return s.failSending(ctx, b, members, err)
	}
	return s.markSent(ctx, b, emp, ack, members, true)
}

// transmit submits with bounded exponential backoff on retryable errors.
// A panic anywhere in signing or transport is converted into an error so
// the caller still settles every member.
func (s *Service) transmit(ctx context.Context, req submission.BatchRequest, cert *certvault.Certificate) (ack *submission.Ack, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("batch_id", req.Batch.ID).Interface("panic", r).Msg("submission panicked")
			err = errs.Newf(errs.KindInternal, errs.CodeInternal, "submission aborted: %v", r)
		}
	}()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.cfg.RetryInitial
	expo.MaxInterval = s.cfg.RetryMax

	ack, err = backoff.Retry(ctx, func() (*submission.Ack, error) {
		a, err := s.remote.SubmitBatch(ctx, req, cert)
		if err != nil && !errs.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return a, err
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(s.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn().Err(err).Str("batch_id", req.Batch.ID).Dur("retry_in", next).Msg("submission failed, retrying")
		}),
	)
	if err != nil && errs.KindOf(err) == errs.KindInternal && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		err = errs.Remote(errs.CodeRemoteTimeout, err, "submission interrupted")
	}
	return ack, err
}

// failSending settles every member as error with the failure reason.
// It runs detached from ctx so a cancelled request cannot leave events
// in flight.
func (s *Service) failSending(ctx context.Context, b *model.Batch, members []*model.Event, cause error) (*SubmitResult, error) {
	ctx = context.WithoutCancel(ctx)
	code := errs.CodeOf(cause)
	reasons := []string{cause.Error()}
	for _, d := range errs.DetailsOf(cause) {
		if d.Code != "" {
			reasons = append(reasons, d.Code+": "+d.Message)
		} else {
			reasons = append(reasons, d.Message)
		}
	}

	outs := make([]Outcome, 0, len(members))
	for _, m := range members {
		next, err := s.transition(ctx, m, model.StatusError, model.TransitionFields{ProcessingErrors: reasons})
		if err != nil {
			s.logger.Error().Err(err).Str("event_id", m.ID).Msg("could not settle event after failed submission")
			next = s.current(ctx, m)
		}
		outs = append(outs, outcomeOf(next))
	}

	if !b.Submitted() {
		if _, err := s.store.MarkBatchSubmitted(ctx, b.ID, "", string(code), s.now()); err != nil {
			s.logger.Warn().Err(err).Str("batch_id", b.ID).Msg("recording failed submission")
		}
	}

	outcome := "failed"
	if code == errs.CodeRemoteRejected {
		outcome = "rejected"
	}
	metrics.RecordSubmission(outcome)
	s.publish(ctx, events.TopicBatchSubmitted, events.BatchSubmitted{
		BatchID: b.ID, Seq: b.Seq, EmployerID: b.EmployerID, EventIDs: b.EventIDs,
		Accepted: false, Reason: cause.Error(),
	})
	s.logger.Warn().Err(cause).Str("batch_id", b.ID).Str("code", string(code)).Msg("batch submission failed")

	res := &SubmitResult{BatchID: b.ID, Seq: b.Seq, ResponseCode: string(code), Outcomes: outs}
	e := errs.Wrap(errs.KindOf(cause), code, cause, "batch "+b.ID+" was not accepted")
	return res, e.WithDetails(outcomeDetails(outs)...)
}

// markSent records the acknowledgment and moves members to sent. record
// is false when the acknowledgment is already stored.
//
// When another attempt recorded a response first, the stored response
// wins: members are settled against it and the result reports their
// stored state together with ErrConcurrentUpdate.
func (s *Service) markSent(ctx context.Context, b *model.Batch, emp *model.Employer, ack *submission.Ack, members []*model.Event, record bool) (*SubmitResult, error) {
	ctx = context.WithoutCancel(ctx)
	var conflict error
	if record {
		stored, err := s.store.MarkBatchSubmitted(ctx, b.ID, ack.Receipt, ack.Code, s.now())
		switch {
		case err == nil:
			b = stored
		case errors.Is(err, store.ErrConflict):
			prev, gerr := s.store.GetBatch(ctx, b.ID)
			if gerr != nil {
				return nil, store.Classify(gerr, "batch", b.ID)
			}
			s.logger.Error().Str("batch_id", b.ID).Str("receipt", ack.Receipt).Str("stored_receipt", prev.ReceiptNumber).
				Msg("batch response was already recorded by another attempt")
			conflict = errs.StateConflict(errs.CodeConcurrentUpdate, "batch %s was settled by another attempt", b.ID)
			b = prev
			if b.ReceiptNumber == "" {
				return s.storedOutcome(ctx, b, members, conflict)
			}
			ack = &submission.Ack{Receipt: b.ReceiptNumber, Code: b.ResponseCode, Signed: ack.Signed}
		default:
			s.logger.Error().Err(err).Str("batch_id", b.ID).Msg("recording acknowledgment failed")
		}
	}

	outs := make([]Outcome, 0, len(members))
	for _, m := range members {
		f := model.TransitionFields{ReceiptNumber: model.StringPtr(ack.Receipt)}
		if signed, ok := ack.Signed[m.ID]; ok {
			f.SignedXML = model.StringPtr(string(signed))
			key := blob.EventXMLKey(emp.ID, m.ID, blob.KindSigned)
			if s.putBlob(ctx, key, signed, blob.ContentTypeXML) {
				f.XMLBlobKey = model.StringPtr(key)
			}
		}
		next, err := s.transition(ctx, m, model.StatusSent, f)
		if err != nil {
			s.logger.Error().Err(err).Str("event_id", m.ID).Msg("could not mark event sent")
			next = s.current(ctx, m)
		}
		outs = append(outs, outcomeOf(next))
	}
	if conflict != nil {
		return s.result(b, true, outs), conflict
	}

	metrics.RecordSubmission("accepted")
	s.publish(ctx, events.TopicBatchSubmitted, events.BatchSubmitted{
		BatchID: b.ID, Seq: b.Seq, EmployerID: b.EmployerID, EventIDs: b.EventIDs,
		Accepted: true, Receipt: ack.Receipt,
	})
	return &SubmitResult{
		BatchID:      b.ID,
		Seq:          b.Seq,
		Accepted:     true,
		Receipt:      ack.Receipt,
		ResponseCode: ack.Code,
		Outcomes:     outs,
	}, nil
}

// storedOutcome reports the stored state of members without changing it.
func (s *Service) storedOutcome(ctx context.Context, b *model.Batch, members []*model.Event, cause error) (*SubmitResult, error) {
	outs := make([]Outcome, 0, len(members))
	for _, m := range members {
		outs = append(outs, outcomeOf(s.current(ctx, m)))
	}
	return s.result(b, b.ReceiptNumber != "", outs), cause
}

func (s *Service) result(b *model.Batch, accepted bool, outs []Outcome) *SubmitResult {
	return &SubmitResult{
		BatchID:      b.ID,
		Seq:          b.Seq,
		Accepted:     accepted,
		Receipt:      b.ReceiptNumber,
		ResponseCode: b.ResponseCode,
		Outcomes:     outs,
	}
}

// current reloads e, falling back to the copy in hand.
func (s *Service) current(ctx context.Context, e *model.Event) *model.Event {
	cur, err := s.store.GetEvent(ctx, e.ID)
	if err != nil {
		return e
	}
	return cur
}

// members loads the batch events in batch order.
func (s *Service) members(ctx context.Context, b *model.Batch) ([]*model.Event, error) {
	out := make([]*model.Event, 0, len(b.EventIDs))
	for _, id := range b.EventIDs {
		e, err := s.store.GetEvent(ctx, id)
		if err != nil {
			return nil, store.Classify(err, "event", id)
		}
		out = append(out, e)
	}
	return out, nil
}
