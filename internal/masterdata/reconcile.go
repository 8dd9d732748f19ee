// Package masterdata reconciles local employee records with the
// admissions the government has processed.
package masterdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/rs/zerolog"

	"github.com/sstlabs/esocial-engine/internal/idgen"
	"github.com/sstlabs/esocial-engine/internal/model"
)

const pageSize = 100

// Store is the persistence the reconciler needs. store.Store satisfies it.
type Store interface {
	ListEvents(ctx context.Context, filter model.EventFilter) ([]*model.Event, int, error)
	UpsertEmployee(ctx context.Context, employee *model.Employee) (model.UpsertOutcome, error)
}

// Documents returns the processed XML of an event, from the local cache
// or the remote service. *lifecycle.Service satisfies it.
type Documents interface {
	DownloadProcessed(ctx context.Context, eventID string) ([]byte, error)
}

// Reconciler upserts employees from processed S-2200 admissions.
type Reconciler struct {
	store  Store
	docs   Documents
	logger zerolog.Logger
}

// New creates a Reconciler.
func New(s Store, docs Documents, logger zerolog.Logger) *Reconciler {
	return &Reconciler{store: s, docs: docs, logger: logger}
}

// Reconcile walks every processed admission of the employer and upserts
// the worker it describes. A record that cannot be fetched or parsed is
// reported in Result.Errors and skipped. Cancellation is checked between
// records; the partial result is returned with the context error.
func (r *Reconciler) Reconcile(ctx context.Context, emp *model.Employer) (*model.SyncResult, error) {
	start := time.Now()
	res := &model.SyncResult{}
	defer func() { res.DurationMs = time.Since(start).Milliseconds() }()

	filter := model.EventFilter{
		EmployerID: emp.ID,
		Type:       []model.EventType{model.TypeAdmission},
		Status:     []model.Status{model.StatusProcessed},
		Sort:       "created_at",
		Limit:      pageSize,
	}
	for {
		page, total, err := r.store.ListEvents(ctx, filter)
		if err != nil {
			return res, fmt.Errorf("list admissions: %w", err)
		}
		for _, e := range page {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			r.one(ctx, emp, e, res)
		}
		filter.Offset += len(page)
		if len(page) == 0 || filter.Offset >= total {
			break
		}
	}

	r.logger.Info().
		Str("employer_id", emp.ID).
		Int("processed", res.Processed).
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("errors", len(res.Errors)).
		Msg("employee reconciliation finished")
	return res, nil
}

func (r *Reconciler) one(ctx context.Context, emp *model.Employer, e *model.Event, res *model.SyncResult) {
	fail := func(err error) {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", e.ID, err))
		r.logger.Warn().Err(err).Str("event_id", e.ID).Msg("admission skipped")
	}

	data, err := r.docs.DownloadProcessed(ctx, e.ID)
	if err != nil {
		fail(err)
		return
	}
	worker, err := ParseAdmission(data)
	if err != nil {
		fail(err)
		return
	}
	id, err := idgen.Employee()
	if err != nil {
		fail(err)
		return
	}
	worker.ID = id
	worker.EmployerID = emp.ID
	worker.Active = true

	outcome, err := r.store.UpsertEmployee(ctx, worker)
	if err != nil {
		fail(err)
		return
	}
	res.Processed++
	switch outcome {
	case model.UpsertCreated:
		res.Created++
	case model.UpsertUpdated:
		res.Updated++
	default:
		res.Unchanged++
	}
}

// ParseAdmission extracts the worker fields of an S-2200 document. The
// document may be the event itself or the government's processed copy
// wrapping it; elements are matched by local name in any namespace.
func ParseAdmission(data []byte) (*model.Employee, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("parse admission: %w", err)
	}
	root := doc.FindElement("//evtAdmissao")
	if root == nil {
		return nil, fmt.Errorf("document holds no evtAdmissao")
	}
	get := func(path string) string {
		if el := root.FindElement(path); el != nil {
			return strings.TrimSpace(el.Text())
		}
		return ""
	}

	cpf := model.Digits(get("trabalhador/cpfTrab"))
	if !model.IsCPF(cpf) {
		return nil, fmt.Errorf("admission has no valid cpfTrab")
	}
	job := get("vinculo/infoContrato/nmCargo")
	return &model.Employee{
		CPF:          cpf,
		Name:         get("trabalhador/nmTrab"),
		Registration: get("vinculo/matricula"),
		JobTitle:     job,
		Sector:       model.SectorFor(job),
		Category:     get("vinculo/infoContrato/codCateg"),
		AdmissionAt:  get("vinculo/infoRegimeTrab/infoCeletista/dtAdm"),
	}, nil
}
