package lifecycle

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sstlabs/esocial-engine/internal/audit"
	"github.com/sstlabs/esocial-engine/internal/blob"
	"github.com/sstlabs/esocial-engine/internal/errs"
	"github.com/sstlabs/esocial-engine/internal/events"
	"github.com/sstlabs/esocial-engine/internal/idgen"
	"github.com/sstlabs/esocial-engine/internal/metrics"
	"github.com/sstlabs/esocial-engine/internal/model"
	"github.com/sstlabs/esocial-engine/internal/store"
	"github.com/sstlabs/esocial-engine/internal/xmlbuild"
)

// CreateRequest asks for a new event.
type CreateRequest struct {
	Type       model.EventType `json:"event_type"`
	EmployerID string          `json:"employer_id"`
	Payload    json.RawMessage `json:"payload"`
}

// CreateEvent validates the payload, refuses duplicates of a live event,
// builds the XML and stores the event as preparing.
func (s *Service) CreateEvent(ctx context.Context, req CreateRequest) (*model.Event, error) {
	e, err := s.create(ctx, req, "", "")
	if err != nil {
		return nil, err
	}
	s.record(ctx, model.ActionCreateEvent, model.EntityEvent, e.ID, nil, e)
	return e, nil
}

// create builds and stores an event. rectifies, when set, is the receipt
// of the event being rectified and namespaces the dedup key.
func (s *Service) create(ctx context.Context, req CreateRequest, rectifies, actor string) (*model.Event, error) {
	if !req.Type.IsValid() {
		return nil, errs.Validation("unsupported event type %q", req.Type)
	}
	payload, err := model.DecodePayload(req.Type, req.Payload)
	if err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	emp, err := s.employer(ctx, req.EmployerID)
	if err != nil {
		return nil, err
	}

	key := payload.DedupKey()
	if key != "" && rectifies != "" {
		key += ":rectifies:" + rectifies
	}
	if key != "" {
		existing, err := s.store.FindEventByDedupKey(ctx, emp.ID, key)
		switch {
		case err == nil:
			return nil, duplicateOf(existing)
		case !errors.Is(err, store.ErrNotFound):
			return nil, store.Classify(err, "event", key)
		}
	}

	doc, err := s.builder.Build(req.Type, payload, s.cfg.Environment, xmlbuild.Options{
		EmployerTaxID:    emp.TaxID,
		Now:              s.now(),
		Seq:              int((s.seq.Add(1)-1)%99999) + 1,
		AppVersion:       s.cfg.AppVersion,
		RectifiesReceipt: rectifies,
	})
	if err != nil {
		return nil, err
	}

	id, err := idgen.Event()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, errs.CodeInternal, err, "generate event id")
	}
	if actor == "" {
		actor = audit.ActorFrom(ctx)
	}
	e := &model.Event{
		ID:         id,
		Type:       req.Type,
		EmployerID: emp.ID,
		EmployeeID: s.employeeFor(ctx, emp.ID, payload),
		Payload:    req.Payload,
		DedupKey:   key,
		XMLID:      doc.ID,
		RawXML:     string(doc.XML),
		Status:     model.StatusPreparing,
		CreatedBy:  actor,
	}
	if err := s.store.CreateEvent(ctx, e); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a race on the dedup index.
			return nil, errs.StateConflict(errs.CodeDuplicateEvent, "an event with key %s already exists", key)
		}
		return nil, store.Classify(err, "event", id)
	}

	rawKey := blob.EventXMLKey(emp.ID, e.ID, blob.KindRaw)
	if s.putBlob(ctx, rawKey, doc.XML, blob.ContentTypeXML) {
		if err := s.store.SetEventBlobKey(ctx, e.ID, rawKey); err != nil {
			s.logger.Warn().Err(err).Str("event_id", e.ID).Msg("recording blob key failed")
		} else {
			e.XMLBlobKey = rawKey
		}
	}

	metrics.RecordEventCreated(string(e.Type))
	s.publish(ctx, events.TopicEventCreated, events.EventCreated{
		EventID: e.ID, EmployerID: e.EmployerID, Type: e.Type, XMLID: e.XMLID,
	})
	s.logger.Info().Str("event_id", e.ID).Str("type", e.Type.Code()).Str("employer_id", e.EmployerID).Msg("event created")
	return e, nil
}

func duplicateOf(existing *model.Event) error {
	return errs.StateConflict(errs.CodeDuplicateEvent,
		"%s event for this period already exists as %s (%s)", existing.Type.Code(), existing.ID, existing.Status).
		WithDetails(errs.Detail{ID: existing.ID, Code: string(existing.Status), Message: "existing event"})
}

// employeeFor links the event to a known employee by CPF, if any.
func (s *Service) employeeFor(ctx context.Context, employerID string, p model.Payload) string {
	var cpf string
	switch v := p.(type) {
	case *model.Admission:
		cpf = v.Worker.CPF
	case *model.Accident:
		cpf = v.Employee.CPF
	case *model.PeriodicExam:
		cpf = v.Employee.CPF
	case *model.RiskExposure:
		cpf = v.Employee.CPF
	default:
		return ""
	}
	list, err := s.store.ListEmployees(ctx, employerID)
	if err != nil {
		return ""
	}
	want := model.Digits(cpf)
	for _, emp := range list {
		if model.Digits(emp.CPF) == want {
			return emp.ID
		}
	}
	return ""
}

// DuplicateEvent creates a new preparing event from the payload of id.
// Copying a sent or processed event produces a rectification of its
// receipt; copying an errored event re-issues it; copying an event still
// in flight is refused as a duplicate.
func (s *Service) DuplicateEvent(ctx context.Context, id string) (*model.Event, error) {
	src, err := s.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	rectifies := ""
	if src.Status.Irreversible() && src.ReceiptNumber != "" {
		rectifies = src.ReceiptNumber
	}
	e, err := s.create(ctx, CreateRequest{Type: src.Type, EmployerID: src.EmployerID, Payload: src.Payload}, rectifies, "")
	if err != nil {
		return nil, err
	}
	s.record(ctx, model.ActionDuplicateEvent, model.EntityEvent, e.ID, src, e)
	return e, nil
}

// DeleteEvent removes a preparing or errored event. Events the government
// may hold are irreversible. The XML copies in blob storage are removed
// best-effort afterwards.
func (s *Service) DeleteEvent(ctx context.Context, id string) (*model.Event, error) {
	e, err := s.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := deletable(e); err != nil {
		return nil, err
	}
	removed, err := s.store.DeleteEvent(ctx, id, model.StatusPreparing, model.StatusError)
	if errors.Is(err, store.ErrConflict) {
		// Moved since we read it; report against the current status.
		if cur, gerr := s.store.GetEvent(ctx, id); gerr == nil {
			if derr := deletable(cur); derr != nil {
				return nil, derr
			}
		}
		return nil, errs.StateConflict(errs.CodeConcurrentUpdate, "event %s changed during deletion", id)
	}
	if err != nil {
		return nil, store.Classify(err, "event", id)
	}

	for _, kind := range []string{blob.KindRaw, blob.KindSigned, blob.KindProcessed} {
		key := blob.EventXMLKey(removed.EmployerID, removed.ID, kind)
		if err := s.blobs.Delete(context.WithoutCancel(ctx), key); err != nil && !errors.Is(err, blob.ErrNotFound) {
			s.logger.Warn().Err(err).Str("key", key).Msg("blob removal failed")
		}
	}

	s.record(ctx, model.ActionDeleteEvent, model.EntityEvent, id, removed, nil)
	s.publish(ctx, events.TopicEventDeleted, events.EventDeleted{EventID: id, EmployerID: removed.EmployerID})
	return removed, nil
}

func deletable(e *model.Event) error {
	switch {
	case e.Status.Deletable():
		return nil
	case e.Status.Irreversible():
		return errs.StateConflict(errs.CodeIrreversibleState,
			"event %s is %s; it is part of the legal record and cannot be deleted", e.ID, e.Status)
	default:
		return errs.StateConflict(errs.CodeInvalidState, "event %s is %s and cannot be deleted", e.ID, e.Status)
	}
}

// GetEvent returns one event.
func (s *Service) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	e, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, store.Classify(err, "event", id)
	}
	return e, nil
}

// ListEvents returns a page of events and the total match count.
func (s *Service) ListEvents(ctx context.Context, filter model.EventFilter) ([]*model.Event, int, error) {
	list, total, err := s.store.ListEvents(ctx, filter)
	if err != nil {
		return nil, 0, store.Classify(err, "events", "")
	}
	return list, total, nil
}

// Report aggregates an employer's events by status and type.
func (s *Service) Report(ctx context.Context, employerID string, filter model.EventFilter) (*model.EventReport, error) {
	if _, err := s.employer(ctx, employerID); err != nil {
		return nil, err
	}
	r, err := s.store.ReportEvents(ctx, employerID, filter)
	if err != nil {
		return nil, store.Classify(err, "report", employerID)
	}
	return r, nil
}
