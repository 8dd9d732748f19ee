package lifecycle

import (
	"context"
	"errors"
	"strings"

	"github.com/sstlabs/esocial-engine/internal/errs"
	"github.com/sstlabs/esocial-engine/internal/idgen"
	"github.com/sstlabs/esocial-engine/internal/model"
	"github.com/sstlabs/esocial-engine/internal/store"
)

// CreateEmployer registers an employer by CNPJ.
func (s *Service) CreateEmployer(ctx context.Context, taxID, name string) (*model.Employer, error) {
	digits := model.Digits(taxID)
	if !model.IsCNPJ(digits) {
		return nil, errs.Validation("tax_id %q is not a valid CNPJ", taxID)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.Validation("name is required")
	}
	id, err := idgen.Employer()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, errs.CodeInternal, err, "generate employer id")
	}
	emp := &model.Employer{ID: id, TaxID: digits, Name: name}
	if err := s.store.CreateEmployer(ctx, emp); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, errs.StateConflict(errs.CodeInvalidState, "employer with tax id %s already exists", digits)
		}
		return nil, store.Classify(err, "employer", id)
	}
	s.logger.Info().Str("employer_id", emp.ID).Str("tax_id", emp.TaxID).Msg("employer created")
	return emp, nil
}

// GetEmployer returns one employer.
func (s *Service) GetEmployer(ctx context.Context, id string) (*model.Employer, error) {
	return s.employer(ctx, id)
}

// EmployerByTaxID resolves an employer from its CNPJ.
func (s *Service) EmployerByTaxID(ctx context.Context, taxID string) (*model.Employer, error) {
	digits := model.Digits(taxID)
	emp, err := s.store.GetEmployerByTaxID(ctx, digits)
	if err != nil {
		return nil, store.Classify(err, "employer", digits)
	}
	return emp, nil
}

// ListEmployers returns every employer.
func (s *Service) ListEmployers(ctx context.Context) ([]*model.Employer, error) {
	list, err := s.store.ListEmployers(ctx)
	if err != nil {
		return nil, store.Classify(err, "employers", "")
	}
	return list, nil
}

// ListEmployees returns the employer's reconciled employees.
func (s *Service) ListEmployees(ctx context.Context, employerID string) ([]*model.Employee, error) {
	if _, err := s.employer(ctx, employerID); err != nil {
		return nil, err
	}
	list, err := s.store.ListEmployees(ctx, employerID)
	if err != nil {
		return nil, store.Classify(err, "employees", employerID)
	}
	return list, nil
}

// AuditTrail returns the audit records of one entity, oldest first.
func (s *Service) AuditTrail(ctx context.Context, entity, entityID string) ([]*model.AuditRecord, error) {
	list, err := s.store.ListAudit(ctx, entity, entityID)
	if err != nil {
		return nil, store.Classify(err, "audit", entityID)
	}
	return list, nil
}
