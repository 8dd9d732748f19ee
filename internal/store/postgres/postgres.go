// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/sstlabs/esocial-engine/internal/model"
	"github.com/sstlabs/esocial-engine/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Migrate applies pending migrations to the database at databaseURL.
func Migrate(databaseURL string) error {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return runMigrations(db)
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateEvent(ctx context.Context, e *model.Event) error {
	return queryCreateEvent(ctx, s.db, e)
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return queryGetEvent(ctx, s.db, id)
}

func (s *PostgresStore) ListEvents(ctx context.Context, filter model.EventFilter) ([]*model.Event, int, error) {
	return queryListEvents(ctx, s.db, filter)
}

func (s *PostgresStore) FindEventByDedupKey(ctx context.Context, employerID, key string) (*model.Event, error) {
	return queryFindEventByDedupKey(ctx, s.db, employerID, key)
}

func (s *PostgresStore) TransitionEvent(ctx context.Context, id string, from, to model.Status, fields model.TransitionFields) (*model.Event, error) {
	return queryTransitionEvent(ctx, s.db, id, from, to, fields)
}

func (s *PostgresStore) DeleteEvent(ctx context.Context, id string, allowed ...model.Status) (*model.Event, error) {
	return queryDeleteEvent(ctx, s.db, id, allowed)
}

func (s *PostgresStore) SetEventBlobKey(ctx context.Context, id, key string) error {
	return querySetEventBlobKey(ctx, s.db, id, key)
}

func (s *PostgresStore) ReportEvents(ctx context.Context, employerID string, filter model.EventFilter) (*model.EventReport, error) {
	return queryReportEvents(ctx, s.db, employerID, filter)
}

func (s *PostgresStore) CreateBatch(ctx context.Context, b *model.Batch) error {
	return queryCreateBatch(ctx, s.db, b)
}

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	return queryGetBatch(ctx, s.db, id)
}

func (s *PostgresStore) ListBatches(ctx context.Context, filter store.BatchFilter) ([]*model.Batch, error) {
	return queryListBatches(ctx, s.db, filter)
}

func (s *PostgresStore) MarkBatchSubmitted(ctx context.Context, id, receipt, code string, at time.Time) (*model.Batch, error) {
	return queryMarkBatchSubmitted(ctx, s.db, id, receipt, code, at)
}

func (s *PostgresStore) ClaimBatchAttempt(ctx context.Context, id string, at, staleBefore time.Time) error {
	return queryClaimBatchAttempt(ctx, s.db, id, at, staleBefore)
}

func (s *PostgresStore) CreateCertificate(ctx context.Context, c *model.Certificate) error {
	return queryCreateCertificate(ctx, s.db, c)
}

func (s *PostgresStore) GetCertificate(ctx context.Context, id string) (*model.Certificate, error) {
	return queryGetCertificate(ctx, s.db, id)
}

func (s *PostgresStore) GetActiveCertificate(ctx context.Context, employerID string) (*model.Certificate, error) {
	return queryGetActiveCertificate(ctx, s.db, employerID)
}

func (s *PostgresStore) ListCertificates(ctx context.Context, employerID string) ([]*model.Certificate, error) {
	return queryListCertificates(ctx, s.db, employerID)
}

// ActivateCertificate runs the sibling swap in its own transaction.
func (s *PostgresStore) ActivateCertificate(ctx context.Context, id string) (*model.Certificate, error) {
	var c *model.Certificate
	err := s.RunInTransaction(ctx, func(tx store.Store) error {
		var err error
		c, err = tx.ActivateCertificate(ctx, id)
		return err
	})
	return c, err
}

func (s *PostgresStore) DeactivateCertificate(ctx context.Context, id string) (*model.Certificate, error) {
	return queryDeactivateCertificate(ctx, s.db, id)
}

func (s *PostgresStore) CreateEmployer(ctx context.Context, e *model.Employer) error {
	return queryCreateEmployer(ctx, s.db, e)
}

func (s *PostgresStore) GetEmployer(ctx context.Context, id string) (*model.Employer, error) {
	return queryGetEmployer(ctx, s.db, "id", id)
}

func (s *PostgresStore) GetEmployerByTaxID(ctx context.Context, taxID string) (*model.Employer, error) {
	return queryGetEmployer(ctx, s.db, "tax_id", model.Digits(taxID))
}

func (s *PostgresStore) ListEmployers(ctx context.Context) ([]*model.Employer, error) {
	return queryListEmployers(ctx, s.db)
}

// UpsertEmployee locks the existing row, so it runs in its own transaction.
func (s *PostgresStore) UpsertEmployee(ctx context.Context, e *model.Employee) (model.UpsertOutcome, error) {
	var out model.UpsertOutcome
	err := s.RunInTransaction(ctx, func(tx store.Store) error {
		var err error
		out, err = tx.UpsertEmployee(ctx, e)
		return err
	})
	return out, err
}

func (s *PostgresStore) ListEmployees(ctx context.Context, employerID string) ([]*model.Employee, error) {
	return queryListEmployees(ctx, s.db, employerID)
}

func (s *PostgresStore) AppendAudit(ctx context.Context, r *model.AuditRecord) error {
	return queryAppendAudit(ctx, s.db, r)
}

func (s *PostgresStore) ListAudit(ctx context.Context, entity, entityID string) ([]*model.AuditRecord, error) {
	return queryListAudit(ctx, s.db, entity, entityID)
}

// RunInTransaction begins a database transaction, creates a txStore that
// delegates to it, calls fn, and commits on success or rolls back on error.
func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txS := &txStore{tx: tx}
	if err := fn(txS); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// txStore implements store.Store using a *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

// Compile-time check that txStore implements store.Store.
var _ store.Store = (*txStore)(nil)

func (s *txStore) CreateEvent(ctx context.Context, e *model.Event) error {
	return queryCreateEvent(ctx, s.tx, e)
}

func (s *txStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return queryGetEvent(ctx, s.tx, id)
}

func (s *txStore) ListEvents(ctx context.Context, filter model.EventFilter) ([]*model.Event, int, error) {
	return queryListEvents(ctx, s.tx, filter)
}

func (s *txStore) FindEventByDedupKey(ctx context.Context, employerID, key string) (*model.Event, error) {
	return queryFindEventByDedupKey(ctx, s.tx, employerID, key)
}

func (s *txStore) TransitionEvent(ctx context.Context, id string, from, to model.Status, fields model.TransitionFields) (*model.Event, error) {
	return queryTransitionEvent(ctx, s.tx, id, from, to, fields)
}

func (s *txStore) DeleteEvent(ctx context.Context, id string, allowed ...model.Status) (*model.Event, error) {
	return queryDeleteEvent(ctx, s.tx, id, allowed)
}

func (s *txStore) SetEventBlobKey(ctx context.Context, id, key string) error {
	return querySetEventBlobKey(ctx, s.tx, id, key)
}

func (s *txStore) ReportEvents(ctx context.Context, employerID string, filter model.EventFilter) (*model.EventReport, error) {
	return queryReportEvents(ctx, s.tx, employerID, filter)
}

func (s *txStore) CreateBatch(ctx context.Context, b *model.Batch) error {
	return queryCreateBatch(ctx, s.tx, b)
}

func (s *txStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	return queryGetBatch(ctx, s.tx, id)
}

func (s *txStore) ListBatches(ctx context.Context, filter store.BatchFilter) ([]*model.Batch, error) {
	return queryListBatches(ctx, s.tx, filter)
}

func (s *txStore) MarkBatchSubmitted(ctx context.Context, id, receipt, code string, at time.Time) (*model.Batch, error) {
	return queryMarkBatchSubmitted(ctx, s.tx, id, receipt, code, at)
}

func (s *txStore) ClaimBatchAttempt(ctx context.Context, id string, at, staleBefore time.Time) error {
	return queryClaimBatchAttempt(ctx, s.tx, id, at, staleBefore)
}

func (s *txStore) CreateCertificate(ctx context.Context, c *model.Certificate) error {
	return queryCreateCertificate(ctx, s.tx, c)
}

func (s *txStore) GetCertificate(ctx context.Context, id string) (*model.Certificate, error) {
	return queryGetCertificate(ctx, s.tx, id)
}

func (s *txStore) GetActiveCertificate(ctx context.Context, employerID string) (*model.Certificate, error) {
	return queryGetActiveCertificate(ctx, s.tx, employerID)
}

func (s *txStore) ListCertificates(ctx context.Context, employerID string) ([]*model.Certificate, error) {
	return queryListCertificates(ctx, s.tx, employerID)
}

func (s *txStore) ActivateCertificate(ctx context.Context, id string) (*model.Certificate, error) {
	return queryActivateCertificate(ctx, s.tx, id)
}

func (s *txStore) DeactivateCertificate(ctx context.Context, id string) (*model.Certificate, error) {
	return queryDeactivateCertificate(ctx, s.tx, id)
}

func (s *txStore) CreateEmployer(ctx context.Context, e *model.Employer) error {
	return queryCreateEmployer(ctx, s.tx, e)
}

func (s *txStore) GetEmployer(ctx context.Context, id string) (*model.Employer, error) {
	return queryGetEmployer(ctx, s.tx, "id", id)
}

func (s *txStore) GetEmployerByTaxID(ctx context.Context, taxID string) (*model.Employer, error) {
	return queryGetEmployer(ctx, s.tx, "tax_id", model.Digits(taxID))
}

func (s *txStore) ListEmployers(ctx context.Context) ([]*model.Employer, error) {
	return queryListEmployers(ctx, s.tx)
}

func (s *txStore) UpsertEmployee(ctx context.Context, e *model.Employee) (model.UpsertOutcome, error) {
	return queryUpsertEmployee(ctx, s.tx, e)
}

func (s *txStore) ListEmployees(ctx context.Context, employerID string) ([]*model.Employee, error) {
	return queryListEmployees(ctx, s.tx, employerID)
}

func (s *txStore) AppendAudit(ctx context.Context, r *model.AuditRecord) error {
	return queryAppendAudit(ctx, s.tx, r)
}

func (s *txStore) ListAudit(ctx context.Context, entity, entityID string) ([]*model.AuditRecord, error) {
	return queryListAudit(ctx, s.tx, entity, entityID)
}

// RunInTransaction on a txStore reuses the existing transaction (no nesting).
func (s *txStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Close is a no-op for a transaction store; the parent store owns the connection.
func (s *txStore) Close() error {
	return nil
}
