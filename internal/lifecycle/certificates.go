package lifecycle

import (
	"context"

	"github.com/sstlabs/esocial-engine/internal/blob"
	"github.com/sstlabs/esocial-engine/internal/certvault"
	"github.com/sstlabs/esocial-engine/internal/errs"
	"github.com/sstlabs/esocial-engine/internal/events"
	"github.com/sstlabs/esocial-engine/internal/idgen"
	"github.com/sstlabs/esocial-engine/internal/model"
	"github.com/sstlabs/esocial-engine/internal/secrets"
	"github.com/sstlabs/esocial-engine/internal/store"
)

// UploadRequest carries a PKCS#12 container for one employer.
type UploadRequest struct {
	EmployerID string
	Data       []byte
	Password   string
	Activate   bool
}

// UploadCertificate validates a container against the employer and
// stores it. The container goes to blob storage and the password to the
// secret store; only references are persisted. An unusable container is
// refused with its report and nothing is stored.
func (s *Service) UploadCertificate(ctx context.Context, req UploadRequest) (*model.Certificate, *certvault.Report, error) {
	emp, err := s.employer(ctx, req.EmployerID)
	if err != nil {
		return nil, nil, err
	}
	_, report, err := s.vault.LoadAndValidate(req.Data, req.Password, emp.TaxID)
	if err != nil {
		return nil, report, err
	}
	if err := report.Err(); err != nil {
		return nil, report, err
	}

	id, err := idgen.Certificate()
	if err != nil {
		return nil, report, errs.Wrap(errs.KindInternal, errs.CodeInternal, err, "generate certificate id")
	}
	key := blob.CertificateKey(emp.ID, id)
	if err := s.blobs.Put(ctx, key, req.Data, blob.ContentTypePKCS12); err != nil {
		return nil, report, errs.Storage(err, "store certificate container")
	}
	ref := secrets.CertificateRef(id)
	if err := s.secrets.Store(ctx, ref, req.Password); err != nil {
		s.dropBlob(ctx, key)
		return nil, report, errs.Storage(err, "store certificate password")
	}

	meta := report.Meta
	c := &model.Certificate{
		ID:                 id,
		EmployerID:         emp.ID,
		StorageLocation:    key,
		PasswordSecretRef:  ref,
		NotBefore:          meta.NotBefore,
		NotAfter:           meta.NotAfter,
		KeyBitLength:       meta.KeyBits,
		SignatureAlgorithm: meta.SignatureAlgorithm,
		OwnerTaxID:         meta.OwnerTaxID,
		Fingerprint:        meta.Fingerprint,
	}
	if err := s.store.CreateCertificate(ctx, c); err != nil {
		s.dropBlob(ctx, key)
		return nil, report, store.Classify(err, "certificate", id)
	}
	s.record(ctx, model.ActionUploadCertificate, model.EntityCertificate, c.ID, nil, c)
	s.publish(ctx, events.TopicCertificateUploaded, events.CertificateChanged{CertificateID: c.ID, EmployerID: c.EmployerID})
	s.logger.Info().Str("certificate_id", c.ID).Str("employer_id", c.EmployerID).Int("days_remaining", meta.DaysRemaining).Msg("certificate uploaded")

	if req.Activate {
		activated, err := s.ActivateCertificate(ctx, c.ID)
		if err != nil {
			return c, report, err
		}
		c = activated
	}
	return c, report, nil
}

func (s *Service) dropBlob(ctx context.Context, key string) {
	if err := s.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("blob cleanup failed")
	}
}

// ActivateCertificate makes id the employer's single active certificate.
// The stored container is revalidated first so an expired certificate
// can never become active.
func (s *Service) ActivateCertificate(ctx context.Context, id string) (*model.Certificate, error) {
	before, err := s.certificate(ctx, id)
	if err != nil {
		return nil, err
	}
	emp, err := s.employer(ctx, before.EmployerID)
	if err != nil {
		return nil, err
	}
	if _, err := s.openCertificate(ctx, before, emp.TaxID); err != nil {
		return nil, err
	}
	c, err := s.store.ActivateCertificate(ctx, id)
	if err != nil {
		return nil, store.Classify(err, "certificate", id)
	}
	s.record(ctx, model.ActionActivateCertificate, model.EntityCertificate, id, before, c)
	s.publish(ctx, events.TopicCertificateActivated, events.CertificateChanged{CertificateID: id, EmployerID: c.EmployerID, Active: true})
	return c, nil
}

// DeactivateCertificate clears the active flag. Submissions for the
// employer fail until another certificate is activated.
func (s *Service) DeactivateCertificate(ctx context.Context, id string) (*model.Certificate, error) {
	before, err := s.certificate(ctx, id)
	if err != nil {
		return nil, err
	}
	c, err := s.store.DeactivateCertificate(ctx, id)
	if err != nil {
		return nil, store.Classify(err, "certificate", id)
	}
	s.record(ctx, model.ActionDeactivateCert, model.EntityCertificate, id, before, c)
	s.publish(ctx, events.TopicCertificateDeactivated, events.CertificateChanged{CertificateID: id, EmployerID: c.EmployerID})
	return c, nil
}

// ValidateCertificate reruns the vault checks on a stored certificate and
// returns the report. The report is returned even when it is a failure.
// When the container cannot be opened or is incomplete the report comes
// back together with INVALID_CONTAINER or INCOMPLETE_CERTIFICATE.
func (s *Service) ValidateCertificate(ctx context.Context, id string) (*certvault.Report, error) {
	c, err := s.certificate(ctx, id)
	if err != nil {
		return nil, err
	}
	emp, err := s.employer(ctx, c.EmployerID)
	if err != nil {
		return nil, err
	}
	data, err := s.blobs.Get(ctx, c.StorageLocation)
	if err != nil {
		return nil, errs.Storage(err, "read certificate "+c.ID)
	}
	password, err := s.secrets.Resolve(ctx, c.PasswordSecretRef)
	if err != nil {
		return nil, errs.Storage(err, "resolve password of certificate "+c.ID)
	}
	_, report, err := s.vault.LoadAndValidate(data, password, emp.TaxID)
	return report, err
}

// InspectCertificate validates a container that is not stored. The owner
// check runs only when employerTaxID is given. Errors are those of
// ValidateCertificate, again alongside the report.
func (s *Service) InspectCertificate(data []byte, password, employerTaxID string) (*certvault.Report, error) {
	_, report, err := s.vault.LoadAndValidate(data, password, employerTaxID)
	return report, err
}

// CertificateURL returns a short-lived download URL for the container.
func (s *Service) CertificateURL(ctx context.Context, id string) (string, error) {
	c, err := s.certificate(ctx, id)
	if err != nil {
		return "", err
	}
	url, err := s.blobs.URL(ctx, c.StorageLocation, s.cfg.URLTTL)
	if err != nil {
		return "", errs.Storage(err, "presign certificate "+c.ID)
	}
	return url, nil
}

// ListCertificates returns the employer's certificates.
func (s *Service) ListCertificates(ctx context.Context, employerID string) ([]*model.Certificate, error) {
	list, err := s.store.ListCertificates(ctx, employerID)
	if err != nil {
		return nil, store.Classify(err, "certificates", employerID)
	}
	return list, nil
}

func (s *Service) certificate(ctx context.Context, id string) (*model.Certificate, error) {
	c, err := s.store.GetCertificate(ctx, id)
	if err != nil {
		return nil, store.Classify(err, "certificate", id)
	}
	return c, nil
}
