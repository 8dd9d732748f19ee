package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sstlabs/esocial-engine/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

const eventColumns = `id, event_type, employer_id, employee_id, payload, dedup_key,
	xml_id, raw_xml, signed_xml, xml_blob_key, status, batch_id, receipt_number,
	processing_errors, created_by, created_at, updated_at, processed_at`

const batchColumns = `id, seq, employer_id, certificate_id, grupo, event_ids,
	submitted_at, receipt_number, response_code, created_at`

const certificateColumns = `id, employer_id, storage_location, password_secret_ref,
	not_before, not_after, key_bit_length, signature_algorithm, owner_tax_id,
	fingerprint, active, created_at, updated_at`

const employerColumns = `id, tax_id, name, created_at, updated_at`

const employeeColumns = `id, employer_id, cpf, name, registration, job_title,
	sector, category, admission_at, active, created_at, updated_at`

const auditColumns = `id, actor, action, entity, entity_id, before, after, created_at`

// scanEvent scans a single row into a model.Event. When withTotal is set the
// row carries a leading total_count column, as produced by COUNT(*) OVER().
func scanEvent(row scannable, withTotal bool) (*model.Event, int, error) {
	var (
		e           model.Event
		total       int
		employeeID  sql.NullString
		dedupKey    sql.NullString
		xmlID       sql.NullString
		rawXML      sql.NullString
		signedXML   sql.NullString
		blobKey     sql.NullString
		batchID     sql.NullString
		receipt     sql.NullString
		createdBy   sql.NullString
		payload     []byte
		procErrors  []byte
		processedAt sql.NullTime
	)

	dest := []any{
		&e.ID, &e.Type, &e.EmployerID, &employeeID, &payload, &dedupKey,
		&xmlID, &rawXML, &signedXML, &blobKey, &e.Status, &batchID, &receipt,
		&procErrors, &createdBy, &e.CreatedAt, &e.UpdatedAt, &processedAt,
	}
	if withTotal {
		dest = append([]any{&total}, dest...)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, 0, err
	}

	e.EmployeeID = employeeID.String
	e.DedupKey = dedupKey.String
	e.XMLID = xmlID.String
	e.RawXML = rawXML.String
	e.SignedXML = signedXML.String
	e.XMLBlobKey = blobKey.String
	e.BatchID = batchID.String
	e.ReceiptNumber = receipt.String
	e.CreatedBy = createdBy.String
	if len(payload) > 0 {
		e.Payload = json.RawMessage(payload)
	}
	e.ProcessingErrors = []string{}
	if len(procErrors) > 0 {
		if err := json.Unmarshal(procErrors, &e.ProcessingErrors); err != nil {
			return nil, 0, fmt.Errorf("decode processing_errors: %w", err)
		}
	}
	if processedAt.Valid {
		t := processedAt.Time
		e.ProcessedAt = &t
	}
	return &e, total, nil
}

func scanBatch(row scannable) (*model.Batch, error) {
	var (
		b           model.Batch
		eventIDs    []byte
		submittedAt sql.NullTime
		receipt     sql.NullString
		code        sql.NullString
	)
	err := row.Scan(&b.ID, &b.Seq, &b.EmployerID, &b.CertificateID, &b.Group, &eventIDs,
		&submittedAt, &receipt, &code, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(eventIDs) > 0 {
		if err := json.Unmarshal(eventIDs, &b.EventIDs); err != nil {
			return nil, fmt.Errorf("decode event_ids: %w", err)
		}
	}
	if submittedAt.Valid {
		t := submittedAt.Time
		b.SubmittedAt = &t
	}
	b.ReceiptNumber = receipt.String
	b.ResponseCode = code.String
	return &b, nil
}

func scanCertificate(row scannable) (*model.Certificate, error) {
	var (
		c     model.Certificate
		owner sql.NullString
	)
	err := row.Scan(&c.ID, &c.EmployerID, &c.StorageLocation, &c.PasswordSecretRef,
		&c.NotBefore, &c.NotAfter, &c.KeyBitLength, &c.SignatureAlgorithm, &owner,
		&c.Fingerprint, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.OwnerTaxID = owner.String
	return &c, nil
}

func scanEmployer(row scannable) (*model.Employer, error) {
	var e model.Employer
	if err := row.Scan(&e.ID, &e.TaxID, &e.Name, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEmployee(row scannable) (*model.Employee, error) {
	var (
		e                                                  model.Employee
		registration, jobTitle, sector, category, admitted sql.NullString
	)
	err := row.Scan(&e.ID, &e.EmployerID, &e.CPF, &e.Name, &registration, &jobTitle,
		&sector, &category, &admitted, &e.Active, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Registration = registration.String
	e.JobTitle = jobTitle.String
	e.Sector = sector.String
	e.Category = category.String
	e.AdmissionAt = admitted.String
	return &e, nil
}

func scanAudit(row scannable) (*model.AuditRecord, error) {
	var (
		r             model.AuditRecord
		before, after []byte
	)
	if err := row.Scan(&r.ID, &r.Actor, &r.Action, &r.Entity, &r.EntityID, &before, &after, &r.CreatedAt); err != nil {
		return nil, err
	}
	if len(before) > 0 {
		r.Before = json.RawMessage(before)
	}
	if len(after) > 0 {
		r.After = json.RawMessage(after)
	}
	return &r, nil
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// jsonList encodes a string slice as a JSONB array, never null.
func jsonList(list []string) []byte {
	if len(list) == 0 {
		return []byte("[]")
	}
	b, _ := json.Marshal(list)
	return b
}
