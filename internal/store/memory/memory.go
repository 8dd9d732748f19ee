// Package memory implements store.Store in process memory. It backs tests
// and single-node development runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sstlabs/esocial-engine/internal/model"
	"github.com/sstlabs/esocial-engine/internal/store"
)

type state struct {
	events       map[string]*model.Event
	batches      map[string]*model.Batch
	attempts     map[string]time.Time // batch id -> start of the running transmission
	certificates map[string]*model.Certificate
	employers    map[string]*model.Employer
	employees    map[string]*model.Employee // keyed by employer id + "/" + cpf
	audit        []*model.AuditRecord
	seq          int64
}

func newState() *state {
	return &state{
		events:       make(map[string]*model.Event),
		batches:      make(map[string]*model.Batch),
		attempts:     make(map[string]time.Time),
		certificates: make(map[string]*model.Certificate),
		employers:    make(map[string]*model.Employer),
		employees:    make(map[string]*model.Employee),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.events {
		c.events[k] = copyEvent(v)
	}
	for k, v := range s.batches {
		c.batches[k] = copyBatch(v)
	}
	for k, v := range s.attempts {
		c.attempts[k] = v
	}
	for k, v := range s.certificates {
		cp := *v
		c.certificates[k] = &cp
	}
	for k, v := range s.employers {
		cp := *v
		c.employers[k] = &cp
	}
	for k, v := range s.employees {
		cp := *v
		c.employees[k] = &cp
	}
	c.audit = append(c.audit, s.audit...)
	c.seq = s.seq
	return c
}

// Store is an in-memory store.Store. Transactions hold the store lock for
// their whole duration and restore a snapshot when fn fails.
type Store struct {
	mu  *sync.Mutex // nil on a transaction view; the parent holds the lock
	st  *state
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{mu: &sync.Mutex{}, st: newState(), now: time.Now}
}

func (s *Store) lock() func() {
	if s.mu == nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// RunInTransaction runs fn against a view sharing this store's state and
// rolls every change back if fn returns an error or panics.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) (err error) {
	if s.mu == nil {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	defer func() {
		if r := recover(); r != nil {
			*s.st = *snapshot
			panic(r)
		}
	}()
	if err := fn(&Store{st: s.st, now: s.now}); err != nil {
		*s.st = *snapshot
		return err
	}
	return nil
}

func (s *Store) Close() error { return nil }

func copyEvent(e *model.Event) *model.Event {
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	cp.ProcessingErrors = append([]string{}, e.ProcessingErrors...)
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		cp.ProcessedAt = &t
	}
	return &cp
}

func copyBatch(b *model.Batch) *model.Batch {
	cp := *b
	cp.EventIDs = append([]string(nil), b.EventIDs...)
	if b.SubmittedAt != nil {
		t := *b.SubmittedAt
		cp.SubmittedAt = &t
	}
	return &cp
}

// --- events ---

func (s *Store) CreateEvent(_ context.Context, e *model.Event) error {
	defer s.lock()()
	if _, ok := s.st.events[e.ID]; ok {
		return store.ErrConflict
	}
	if e.DedupKey != "" && e.Status != model.StatusError {
		for _, other := range s.st.events {
			if other.EmployerID == e.EmployerID && other.DedupKey == e.DedupKey && other.Status != model.StatusError {
				return store.ErrConflict
			}
		}
	}
	now := s.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = e.CreatedAt
	if e.ProcessingErrors == nil {
		e.ProcessingErrors = []string{}
	}
	s.st.events[e.ID] = copyEvent(e)
	return nil
}

func (s *Store) GetEvent(_ context.Context, id string) (*model.Event, error) {
	defer s.lock()()
	e, ok := s.st.events[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyEvent(e), nil
}

func (s *Store) ListEvents(_ context.Context, filter model.EventFilter) ([]*model.Event, int, error) {
	defer s.lock()()
	var matched []*model.Event
	for _, e := range s.st.events {
		if filter.Matches(e) {
			matched = append(matched, copyEvent(e))
		}
	}
	sortEvents(matched, filter.Sort)
	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func sortEvents(events []*model.Event, sortKey string) {
	desc := sortKey == "" || strings.HasPrefix(sortKey, "-")
	col := strings.TrimPrefix(sortKey, "-")
	less := func(a, b *model.Event) bool {
		switch col {
		case "updated_at":
			return a.UpdatedAt.Before(b.UpdatedAt)
		case "status":
			return a.Status < b.Status
		case "event_type":
			return a.Type < b.Type
		default:
			if a.CreatedAt.Equal(b.CreatedAt) {
				return a.ID < b.ID
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if desc {
			return less(events[j], events[i])
		}
		return less(events[i], events[j])
	})
}

func (s *Store) FindEventByDedupKey(_ context.Context, employerID, key string) (*model.Event, error) {
	defer s.lock()()
	for _, e := range s.st.events {
		if e.EmployerID == employerID && e.DedupKey == key && e.Status != model.StatusError {
			return copyEvent(e), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) TransitionEvent(_ context.Context, id string, from, to model.Status, fields model.TransitionFields) (*model.Event, error) {
	defer s.lock()()
	e, ok := s.st.events[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if e.Status != from {
		return nil, store.ErrConflict
	}
	e.Status = to
	fields.Apply(e)
	e.UpdatedAt = s.now().UTC()
	return copyEvent(e), nil
}

func (s *Store) DeleteEvent(_ context.Context, id string, allowed ...model.Status) (*model.Event, error) {
	defer s.lock()()
	e, ok := s.st.events[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	permitted := len(allowed) == 0
	for _, st := range allowed {
		if e.Status == st {
			permitted = true
		}
	}
	if !permitted {
		return nil, store.ErrConflict
	}
	delete(s.st.events, id)
	return copyEvent(e), nil
}

func (s *Store) SetEventBlobKey(_ context.Context, id, key string) error {
	defer s.lock()()
	e, ok := s.st.events[id]
	if !ok {
		return store.ErrNotFound
	}
	e.XMLBlobKey = key
	e.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) ReportEvents(_ context.Context, employerID string, filter model.EventFilter) (*model.EventReport, error) {
	defer s.lock()()
	filter.EmployerID = employerID
	r := &model.EventReport{EmployerID: employerID, ByType: map[string]int{}, ByStatus: map[string]int{}}
	for _, e := range s.st.events {
		if !filter.Matches(e) {
			continue
		}
		r.Total++
		r.ByType[string(e.Type)]++
		r.ByStatus[string(e.Status)]++
	}
	r.Sent = r.ByStatus[string(model.StatusSent)]
	r.Processed = r.ByStatus[string(model.StatusProcessed)]
	r.Errors = r.ByStatus[string(model.StatusError)]
	return r, nil
}

// --- batches ---

func (s *Store) CreateBatch(_ context.Context, b *model.Batch) error {
	defer s.lock()()
	if _, ok := s.st.batches[b.ID]; ok {
		return store.ErrConflict
	}
	s.st.seq++
	b.Seq = s.st.seq
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now().UTC()
	}
	s.st.batches[b.ID] = copyBatch(b)
	return nil
}

func (s *Store) GetBatch(_ context.Context, id string) (*model.Batch, error) {
	defer s.lock()()
	b, ok := s.st.batches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyBatch(b), nil
}

func (s *Store) ListBatches(_ context.Context, filter store.BatchFilter) ([]*model.Batch, error) {
	defer s.lock()()
	var out []*model.Batch
	for _, b := range s.st.batches {
		if filter.EmployerID != "" && b.EmployerID != filter.EmployerID {
			continue
		}
		if filter.Submitted != nil && b.Submitted() != *filter.Submitted {
			continue
		}
		out = append(out, copyBatch(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) MarkBatchSubmitted(_ context.Context, id, receipt, responseCode string, at time.Time) (*model.Batch, error) {
	defer s.lock()()
	b, ok := s.st.batches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if b.Submitted() {
		return nil, store.ErrConflict
	}
	t := at.UTC()
	b.SubmittedAt = &t
	b.ReceiptNumber = receipt
	b.ResponseCode = responseCode
	return copyBatch(b), nil
}

func (s *Store) ClaimBatchAttempt(_ context.Context, id string, at, staleBefore time.Time) error {
	defer s.lock()()
	b, ok := s.st.batches[id]
	if !ok {
		return store.ErrNotFound
	}
	if b.Submitted() {
		return store.ErrConflict
	}
	if prev, ok := s.st.attempts[id]; ok && prev.After(staleBefore) {
		return store.ErrConflict
	}
	s.st.attempts[id] = at.UTC()
	return nil
}

// --- certificates ---

func (s *Store) CreateCertificate(_ context.Context, c *model.Certificate) error {
	defer s.lock()()
	if _, ok := s.st.certificates[c.ID]; ok {
		return store.ErrConflict
	}
	if c.Active && s.activeFor(c.EmployerID) != nil {
		return store.ErrConflict
	}
	now := s.now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	s.st.certificates[c.ID] = &cp
	return nil
}

func (s *Store) activeFor(employerID string) *model.Certificate {
	for _, c := range s.st.certificates {
		if c.EmployerID == employerID && c.Active {
			return c
		}
	}
	return nil
}

func (s *Store) GetCertificate(_ context.Context, id string) (*model.Certificate, error) {
	defer s.lock()()
	c, ok := s.st.certificates[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) GetActiveCertificate(_ context.Context, employerID string) (*model.Certificate, error) {
	defer s.lock()()
	c := s.activeFor(employerID)
	if c == nil {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListCertificates(_ context.Context, employerID string) ([]*model.Certificate, error) {
	defer s.lock()()
	var out []*model.Certificate
	for _, c := range s.st.certificates {
		if c.EmployerID == employerID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ActivateCertificate(_ context.Context, id string) (*model.Certificate, error) {
	defer s.lock()()
	c, ok := s.st.certificates[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	now := s.now().UTC()
	for _, other := range s.st.certificates {
		if other.EmployerID == c.EmployerID && other.ID != id && other.Active {
			other.Active = false
			other.UpdatedAt = now
		}
	}
	c.Active = true
	c.UpdatedAt = now
	cp := *c
	return &cp, nil
}

func (s *Store) DeactivateCertificate(_ context.Context, id string) (*model.Certificate, error) {
	defer s.lock()()
	c, ok := s.st.certificates[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c.Active = false
	c.UpdatedAt = s.now().UTC()
	cp := *c
	return &cp, nil
}

// --- employers / employees ---

func (s *Store) CreateEmployer(_ context.Context, e *model.Employer) error {
	defer s.lock()()
	for _, other := range s.st.employers {
		if other.ID == e.ID || other.TaxID == e.TaxID {
			return store.ErrConflict
		}
	}
	now := s.now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	cp := *e
	s.st.employers[e.ID] = &cp
	return nil
}

func (s *Store) GetEmployer(_ context.Context, id string) (*model.Employer, error) {
	defer s.lock()()
	e, ok := s.st.employers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) GetEmployerByTaxID(_ context.Context, taxID string) (*model.Employer, error) {
	defer s.lock()()
	taxID = model.Digits(taxID)
	for _, e := range s.st.employers {
		if e.TaxID == taxID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListEmployers(_ context.Context) ([]*model.Employer, error) {
	defer s.lock()()
	out := make([]*model.Employer, 0, len(s.st.employers))
	for _, e := range s.st.employers {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaxID < out[j].TaxID })
	return out, nil
}

func (s *Store) UpsertEmployee(_ context.Context, e *model.Employee) (model.UpsertOutcome, error) {
	defer s.lock()()
	key := e.EmployerID + "/" + model.Digits(e.CPF)
	now := s.now().UTC()
	existing, ok := s.st.employees[key]
	if !ok {
		e.CreatedAt, e.UpdatedAt = now, now
		cp := *e
		s.st.employees[key] = &cp
		return model.UpsertCreated, nil
	}
	e.ID = existing.ID
	e.CreatedAt = existing.CreatedAt
	if existing.SameAs(e) {
		e.UpdatedAt = existing.UpdatedAt
		return model.UpsertUnchanged, nil
	}
	e.UpdatedAt = now
	cp := *e
	s.st.employees[key] = &cp
	return model.UpsertUpdated, nil
}

func (s *Store) ListEmployees(_ context.Context, employerID string) ([]*model.Employee, error) {
	defer s.lock()()
	var out []*model.Employee
	for _, e := range s.st.employees {
		if e.EmployerID == employerID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- audit ---

func (s *Store) AppendAudit(_ context.Context, rec *model.AuditRecord) error {
	defer s.lock()()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	cp := *rec
	s.st.audit = append(s.st.audit, &cp)
	return nil
}

func (s *Store) ListAudit(_ context.Context, entity, entityID string) ([]*model.AuditRecord, error) {
	defer s.lock()()
	var out []*model.AuditRecord
	for _, r := range s.st.audit {
		if (entity == "" || r.Entity == entity) && (entityID == "" || r.EntityID == entityID) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}
