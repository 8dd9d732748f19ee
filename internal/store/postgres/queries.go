package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/sstlabs/esocial-engine/internal/model"
	"github.com/sstlabs/esocial-engine/internal/store"
)

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// translate maps driver errors onto the store sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
		return fmt.Errorf("%w: %s", store.ErrConflict, pqErr.Message)
	}
	return err
}

func ptrArg(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func jsonbArg(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// --- events ---

func queryCreateEvent(ctx context.Context, db executor, e *model.Event) error {
	err := db.QueryRowContext(ctx, `
		INSERT INTO events (
			id, event_type, employer_id, employee_id, payload, dedup_key,
			xml_id, raw_xml, signed_xml, xml_blob_key, status, batch_id, receipt_number,
			processing_errors, created_by
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12, $13,
			$14, $15
		)
		RETURNING created_at, updated_at`,
		e.ID,
		string(e.Type),
		e.EmployerID,
		nullString(e.EmployeeID),
		jsonbArg(e.Payload),
		nullString(e.DedupKey),
		nullString(e.XMLID),
		nullString(e.RawXML),
		nullString(e.SignedXML),
		nullString(e.XMLBlobKey),
		string(e.Status),
		nullString(e.BatchID),
		nullString(e.ReceiptNumber),
		jsonList(e.ProcessingErrors),
		nullString(e.CreatedBy),
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return translate(err)
	}
	if e.ProcessingErrors == nil {
		e.ProcessingErrors = []string{}
	}
	return nil
}

func queryGetEvent(ctx context.Context, db executor, id string) (*model.Event, error) {
	row := db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	e, _, err := scanEvent(row, false)
	if err != nil {
		return nil, translate(err)
	}
	return e, nil
}

// eventWhere renders the WHERE clause for filter. nextArg numbers the
// placeholders so callers can append LIMIT and OFFSET.
func eventWhere(filter model.EventFilter) (string, []any, func() string) {
	var (
		whereClauses []string
		args         []any
		argIdx       int
	)

	nextArg := func() string {
		argIdx++
		return fmt.Sprintf("$%d", argIdx)
	}

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			placeholders[i] = nextArg()
			args = append(args, string(s))
		}
		whereClauses = append(whereClauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	if len(filter.Type) > 0 {
		placeholders := make([]string, len(filter.Type))
		for i, t := range filter.Type {
			placeholders[i] = nextArg()
			args = append(args, string(t))
		}
		whereClauses = append(whereClauses, "event_type IN ("+strings.Join(placeholders, ", ")+")")
	}

	for _, eq := range []struct{ col, val string }{
		{"employer_id", filter.EmployerID},
		{"employee_id", filter.EmployeeID},
		{"batch_id", filter.BatchID},
		{"dedup_key", filter.DedupKey},
	} {
		if eq.val != "" {
			whereClauses = append(whereClauses, eq.col+" = "+nextArg())
			args = append(args, eq.val)
		}
	}

	if filter.HasReceipt {
		whereClauses = append(whereClauses, "receipt_number IS NOT NULL")
	}
	if filter.CreatedAfter != nil {
		whereClauses = append(whereClauses, "created_at >= "+nextArg())
		args = append(args, *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		whereClauses = append(whereClauses, "created_at <= "+nextArg())
		args = append(args, *filter.CreatedBefore)
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}
	return whereSQL, args, nextArg
}

func queryListEvents(ctx context.Context, db executor, filter model.EventFilter) ([]*model.Event, int, error) {
	whereSQL, args, nextArg := eventWhere(filter)

	// Single query with COUNT(*) OVER() to get total and rows atomically.
	dataQuery := "SELECT COUNT(*) OVER() AS total_count, " + eventColumns + " FROM events" + whereSQL + " ORDER BY " + parseSortClause(filter.Sort)

	if filter.Limit > 0 {
		dataQuery += " LIMIT " + nextArg()
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		dataQuery += " OFFSET " + nextArg()
		args = append(args, filter.Offset)
	}

	rows, err := db.QueryContext(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*model.Event
	var total int
	for rows.Next() {
		e, t, err := scanEvent(rows, true)
		if err != nil {
			return nil, 0, fmt.Errorf("scan events: %w", err)
		}
		total = t
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan events: %w", err)
	}
	return events, total, nil
}

func queryFindEventByDedupKey(ctx context.Context, db executor, employerID, key string) (*model.Event, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE employer_id = $1 AND dedup_key = $2 AND status <> 'error'
		ORDER BY created_at DESC
		LIMIT 1`,
		employerID, key,
	)
	e, _, err := scanEvent(row, false)
	if err != nil {
		return nil, translate(err)
	}
	return e, nil
}

func queryTransitionEvent(ctx context.Context, db executor, id string, from, to model.Status, f model.TransitionFields) (*model.Event, error) {
	var procErrors any
	if f.ProcessingErrors != nil {
		procErrors = jsonList(f.ProcessingErrors)
	}
	row := db.QueryRowContext(ctx, `
		UPDATE events SET
			status = $3,
			batch_id = COALESCE($4, batch_id),
			signed_xml = COALESCE($5, signed_xml),
			xml_blob_key = COALESCE($6, xml_blob_key),
			receipt_number = COALESCE($7, receipt_number),
			processing_errors = COALESCE($8, processing_errors),
			processed_at = COALESCE($9, processed_at),
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+eventColumns,
		id,
		string(from),
		string(to),
		ptrArg(f.BatchID),
		ptrArg(f.SignedXML),
		ptrArg(f.XMLBlobKey),
		ptrArg(f.ReceiptNumber),
		procErrors,
		nullTimePtr(f.ProcessedAt),
	)
	e, _, err := scanEvent(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, missingOrConflict(ctx, db, "events", id)
	}
	if err != nil {
		return nil, fmt.Errorf("transition event %s: %w", id, err)
	}
	return e, nil
}

// missingOrConflict tells apart a guarded write that matched nothing
// because the row is gone from one that lost to a concurrent change.
func missingOrConflict(ctx context.Context, db executor, table, id string) error {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check %s %s: %w", table, id, err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

func queryDeleteEvent(ctx context.Context, db executor, id string, allowed []model.Status) (*model.Event, error) {
	query := `DELETE FROM events WHERE id = $1`
	args := []any{id}
	if len(allowed) > 0 {
		placeholders := make([]string, len(allowed))
		for i, s := range allowed {
			placeholders[i] = fmt.Sprintf("$%d", i+2)
			args = append(args, string(s))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	row := db.QueryRowContext(ctx, query+` RETURNING `+eventColumns, args...)
	e, _, err := scanEvent(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, missingOrConflict(ctx, db, "events", id)
	}
	if err != nil {
		return nil, fmt.Errorf("delete event %s: %w", id, err)
	}
	return e, nil
}

func querySetEventBlobKey(ctx context.Context, db executor, id, key string) error {
	res, err := db.ExecContext(ctx, `UPDATE events SET xml_blob_key = $2, updated_at = NOW() WHERE id = $1`, id, key)
	if err != nil {
		return fmt.Errorf("set blob key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set blob key: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func queryReportEvents(ctx context.Context, db executor, employerID string, filter model.EventFilter) (*model.EventReport, error) {
	filter.EmployerID = employerID
	whereSQL, args, _ := eventWhere(filter)
	rows, err := db.QueryContext(ctx,
		"SELECT event_type, status, COUNT(*) FROM events"+whereSQL+" GROUP BY event_type, status", args...)
	if err != nil {
		return nil, fmt.Errorf("report events: %w", err)
	}
	defer rows.Close()

	r := &model.EventReport{EmployerID: employerID, ByType: map[string]int{}, ByStatus: map[string]int{}}
	for rows.Next() {
		var typ, status string
		var n int
		if err := rows.Scan(&typ, &status, &n); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		r.Total += n
		r.ByType[typ] += n
		r.ByStatus[status] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan report: %w", err)
	}
	r.Sent = r.ByStatus[string(model.StatusSent)]
	r.Processed = r.ByStatus[string(model.StatusProcessed)]
	r.Errors = r.ByStatus[string(model.StatusError)]
	return r, nil
}

// parseSortClause converts a sort string like "-created_at" into a safe
// SQL ORDER BY clause. Only allowlisted columns are accepted.
func parseSortClause(sort string) string {
	if sort == "" {
		return "created_at DESC, id DESC"
	}
	desc := strings.HasPrefix(sort, "-")
	col := strings.TrimPrefix(sort, "-")
	allowed := map[string]bool{
		"created_at": true, "updated_at": true, "status": true, "event_type": true,
	}
	if !allowed[col] {
		return "created_at DESC, id DESC"
	}
	if desc {
		return col + " DESC"
	}
	return col + " ASC"
}

// --- batches ---

func queryCreateBatch(ctx context.Context, db executor, b *model.Batch) error {
	err := db.QueryRowContext(ctx, `
		INSERT INTO batches (id, employer_id, certificate_id, grupo, event_ids)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq, created_at`,
		b.ID, b.EmployerID, b.CertificateID, b.Group, jsonList(b.EventIDs),
	).Scan(&b.Seq, &b.CreatedAt)
	return translate(err)
}

func queryGetBatch(ctx context.Context, db executor, id string) (*model.Batch, error) {
	b, err := scanBatch(db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err)
	}
	return b, nil
}

func queryListBatches(ctx context.Context, db executor, filter store.BatchFilter) ([]*model.Batch, error) {
	var (
		where []string
		args  []any
	)
	if filter.EmployerID != "" {
		args = append(args, filter.EmployerID)
		where = append(where, fmt.Sprintf("employer_id = $%d", len(args)))
	}
	if filter.Submitted != nil {
		if *filter.Submitted {
			where = append(where, "submitted_at IS NOT NULL")
		} else {
			where = append(where, "submitted_at IS NULL")
		}
	}
	query := `SELECT ` + batchColumns + ` FROM batches`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()
	var out []*model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batches: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func queryMarkBatchSubmitted(ctx context.Context, db executor, id, receipt, code string, at time.Time) (*model.Batch, error) {
	row := db.QueryRowContext(ctx, `
		UPDATE batches SET submitted_at = $2, receipt_number = $3, response_code = $4
		WHERE id = $1 AND submitted_at IS NULL
		RETURNING `+batchColumns,
		id, at, nullString(receipt), nullString(code),
	)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, missingOrConflict(ctx, db, "batches", id)
	}
	if err != nil {
		return nil, fmt.Errorf("mark batch %s submitted: %w", id, err)
	}
	return b, nil
}

func queryClaimBatchAttempt(ctx context.Context, db executor, id string, at, staleBefore time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE batches SET attempt_started_at = $2
		WHERE id = $1 AND submitted_at IS NULL
		  AND (attempt_started_at IS NULL OR attempt_started_at <= $3)`,
		id, at, staleBefore,
	)
	if err != nil {
		return fmt.Errorf("claim batch %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim batch %s: %w", id, err)
	}
	if n == 0 {
		return missingOrConflict(ctx, db, "batches", id)
	}
	return nil
}

// --- certificates ---

func queryCreateCertificate(ctx context.Context, db executor, c *model.Certificate) error {
	err := db.QueryRowContext(ctx, `
		INSERT INTO certificates (
			id, employer_id, storage_location, password_secret_ref,
			not_before, not_after, key_bit_length, signature_algorithm,
			owner_tax_id, fingerprint, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`,
		c.ID, c.EmployerID, c.StorageLocation, c.PasswordSecretRef,
		c.NotBefore, c.NotAfter, c.KeyBitLength, c.SignatureAlgorithm,
		nullString(c.OwnerTaxID), c.Fingerprint, c.Active,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	return translate(err)
}

func queryGetCertificate(ctx context.Context, db executor, id string) (*model.Certificate, error) {
	c, err := scanCertificate(db.QueryRowContext(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err)
	}
	return c, nil
}

func queryGetActiveCertificate(ctx context.Context, db executor, employerID string) (*model.Certificate, error) {
	c, err := scanCertificate(db.QueryRowContext(ctx,
		`SELECT `+certificateColumns+` FROM certificates WHERE employer_id = $1 AND active`, employerID))
	if err != nil {
		return nil, translate(err)
	}
	return c, nil
}

func queryListCertificates(ctx context.Context, db executor, employerID string) ([]*model.Certificate, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+certificateColumns+` FROM certificates WHERE employer_id = $1 ORDER BY created_at DESC`, employerID)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	defer rows.Close()
	var out []*model.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan certificates: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// queryActivateCertificate must run inside a transaction: it clears the
// employer's active certificate before setting the new one so the partial
// unique index never sees two.
func queryActivateCertificate(ctx context.Context, db executor, id string) (*model.Certificate, error) {
	_, err := db.ExecContext(ctx, `
		UPDATE certificates SET active = FALSE, updated_at = NOW()
		WHERE employer_id = (SELECT employer_id FROM certificates WHERE id = $1)
		  AND id <> $1 AND active`, id)
	if err != nil {
		return nil, fmt.Errorf("deactivate siblings: %w", err)
	}
	c, err := scanCertificate(db.QueryRowContext(ctx, `
		UPDATE certificates SET active = TRUE, updated_at = NOW()
		WHERE id = $1
		RETURNING `+certificateColumns, id))
	if err != nil {
		return nil, translate(err)
	}
	return c, nil
}

func queryDeactivateCertificate(ctx context.Context, db executor, id string) (*model.Certificate, error) {
	c, err := scanCertificate(db.QueryRowContext(ctx, `
		UPDATE certificates SET active = FALSE, updated_at = NOW()
		WHERE id = $1
		RETURNING `+certificateColumns, id))
	if err != nil {
		return nil, translate(err)
	}
	return c, nil
}

// --- employers / employees ---

func queryCreateEmployer(ctx context.Context, db executor, e *model.Employer) error {
	err := db.QueryRowContext(ctx, `
		INSERT INTO employers (id, tax_id, name) VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`,
		e.ID, e.TaxID, e.Name,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	return translate(err)
}

func queryGetEmployer(ctx context.Context, db executor, column, value string) (*model.Employer, error) {
	e, err := scanEmployer(db.QueryRowContext(ctx, `SELECT `+employerColumns+` FROM employers WHERE `+column+` = $1`, value))
	if err != nil {
		return nil, translate(err)
	}
	return e, nil
}

func queryListEmployers(ctx context.Context, db executor) ([]*model.Employer, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+employerColumns+` FROM employers ORDER BY tax_id`)
	if err != nil {
		return nil, fmt.Errorf("list employers: %w", err)
	}
	defer rows.Close()
	var out []*model.Employer
	for rows.Next() {
		e, err := scanEmployer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan employers: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func queryUpsertEmployee(ctx context.Context, db executor, e *model.Employee) (model.UpsertOutcome, error) {
	existing, err := scanEmployee(db.QueryRowContext(ctx, `
		SELECT `+employeeColumns+` FROM employees
		WHERE employer_id = $1 AND cpf = $2
		FOR UPDATE`,
		e.EmployerID, e.CPF,
	))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err := db.QueryRowContext(ctx, `
			INSERT INTO employees (
				id, employer_id, cpf, name, registration, job_title,
				sector, category, admission_at, active
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING created_at, updated_at`,
			e.ID, e.EmployerID, e.CPF, e.Name, nullString(e.Registration), nullString(e.JobTitle),
			nullString(e.Sector), nullString(e.Category), nullString(e.AdmissionAt), e.Active,
		).Scan(&e.CreatedAt, &e.UpdatedAt)
		if err != nil {
			return "", translate(err)
		}
		return model.UpsertCreated, nil
	case err != nil:
		return "", fmt.Errorf("load employee: %w", err)
	}

	e.ID = existing.ID
	e.CreatedAt = existing.CreatedAt
	if existing.SameAs(e) {
		e.UpdatedAt = existing.UpdatedAt
		return model.UpsertUnchanged, nil
	}
	err = db.QueryRowContext(ctx, `
		UPDATE employees SET
			name = $2, registration = $3, job_title = $4, sector = $5,
			category = $6, admission_at = $7, active = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		e.ID, e.Name, nullString(e.Registration), nullString(e.JobTitle), nullString(e.Sector),
		nullString(e.Category), nullString(e.AdmissionAt), e.Active,
	).Scan(&e.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("update employee: %w", err)
	}
	return model.UpsertUpdated, nil
}

func queryListEmployees(ctx context.Context, db executor, employerID string) ([]*model.Employee, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+employeeColumns+` FROM employees WHERE employer_id = $1 ORDER BY name`, employerID)
	if err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}
	defer rows.Close()
	var out []*model.Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, fmt.Errorf("scan employees: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- audit ---

func queryAppendAudit(ctx context.Context, db executor, r *model.AuditRecord) error {
	err := db.QueryRowContext(ctx, `
		INSERT INTO audit_log (id, actor, action, entity, entity_id, before, after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		r.ID, r.Actor, r.Action, r.Entity, r.EntityID, jsonbArg(r.Before), jsonbArg(r.After),
	).Scan(&r.CreatedAt)
	return translate(err)
}

func queryListAudit(ctx context.Context, db executor, entity, entityID string) ([]*model.AuditRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+auditColumns+` FROM audit_log
		WHERE ($1 = '' OR entity = $1) AND ($2 = '' OR entity_id = $2)
		ORDER BY created_at`,
		entity, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []*model.AuditRecord
	for rows.Next() {
		r, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
