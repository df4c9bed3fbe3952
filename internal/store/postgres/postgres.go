// Package postgres implements the record store on PostgreSQL through pgxpool.
// The sat_jobs, sat_packages, sat_logs and invoices tables are owned by the
// application schema; sat_packages needs a unique (job_id, sat_package_id)
// index for EnsurePackage.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/config"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/models"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/store"
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open creates the pool and pings the database.
func Open(ctx context.Context, cfg config.Postgres) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConnections) // #nosec G115 - bounded by config validation
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	query := `
		INSERT INTO sat_jobs (
			id, rfc, type, date_start, date_end, status,
			requested_packages, available_packages, downloaded_packages, imported_xml,
			error_message, started_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at
	`
	err := s.pool.QueryRow(ctx, query,
		job.ID,
		job.RFC,
		job.Direction,
		job.DateStart,
		job.DateEnd,
		job.Status,
		job.RequestedPackages,
		job.AvailablePackages,
		job.DownloadedPackages,
		job.ImportedXML,
		job.ErrorMessage,
		job.StartedAt,
		job.FinishedAt,
	).Scan(&job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create sat job: %w", mapErr(err))
	}
	return nil
}

const jobColumns = `id, rfc, type, date_start, date_end, status,
	requested_packages, available_packages, downloaded_packages, imported_xml,
	error_message, created_at, started_at, finished_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	err := row.Scan(
		&job.ID,
		&job.RFC,
		&job.Direction,
		&job.DateStart,
		&job.DateEnd,
		&job.Status,
		&job.RequestedPackages,
		&job.AvailablePackages,
		&job.DownloadedPackages,
		&job.ImportedXML,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.StartedAt,
		&job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM sat_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("sat job %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get sat job: %w", err)
	}
	return job, nil
}

// UpdateJob locks the row so concurrent writers cannot break the status order.
func (s *Store) UpdateJob(ctx context.Context, id string, update models.JobUpdate) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current models.JobStatus
		err := tx.QueryRow(ctx, `SELECT status FROM sat_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("sat job %s: %w", id, store.ErrNotFound)
			}
			return fmt.Errorf("failed to lock sat job: %w", err)
		}
		if update.Status != nil && !current.CanTransition(*update.Status) {
			return fmt.Errorf("sat job %s %s -> %s: %w", id, current, *update.Status, store.ErrInvalidTransition)
		}
		if update.Status == nil && current.Terminal() {
			return fmt.Errorf("sat job %s is %s: %w", id, current, store.ErrInvalidTransition)
		}
		query := `
			UPDATE sat_jobs
			SET status = COALESCE($2, status),
				requested_packages = COALESCE($3, requested_packages),
				available_packages = COALESCE($4, available_packages),
				error_message = COALESCE($5, error_message),
				started_at = COALESCE($6, started_at),
				finished_at = COALESCE($7, finished_at)
			WHERE id = $1
		`
		_, err = tx.Exec(ctx, query,
			id,
			update.Status,
			update.RequestedPackages,
			update.AvailablePackages,
			update.ErrorMessage,
			update.StartedAt,
			update.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update sat job: %w", err)
		}
		return nil
	})
}

func (s *Store) IncrementJobCounters(ctx context.Context, id string, delta models.JobCounters) error {
	if delta.DownloadedPackages < 0 || delta.ImportedXML < 0 {
		return fmt.Errorf("sat job %s: negative counter delta", id)
	}
	result, err := s.pool.Exec(ctx, `
		UPDATE sat_jobs
		SET downloaded_packages = downloaded_packages + $2,
			imported_xml = imported_xml + $3
		WHERE id = $1
	`, id, delta.DownloadedPackages, delta.ImportedXML)
	if err != nil {
		return fmt.Errorf("failed to increment sat job counters: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("sat job %s: %w", id, store.ErrNotFound)
	}
	return nil
}

const packageColumns = `id, job_id, sat_package_id, status, zip_path, error_message, downloaded_at, created_at`

func scanPackage(row pgx.Row) (*models.Package, error) {
	var pkg models.Package
	err := row.Scan(
		&pkg.ID,
		&pkg.JobID,
		&pkg.SATPackageID,
		&pkg.Status,
		&pkg.StorageRef,
		&pkg.ErrorMessage,
		&pkg.DownloadedAt,
		&pkg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

func (s *Store) EnsurePackage(ctx context.Context, jobID, satPackageID string) (*models.Package, bool, error) {
	insert := `
		INSERT INTO sat_packages (id, job_id, sat_package_id, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id, sat_package_id) DO NOTHING
		RETURNING ` + packageColumns
	pkg, err := scanPackage(s.pool.QueryRow(ctx, insert,
		uuid.New().String(), jobID, satPackageID, models.PackageDownloading))
	if err == nil {
		return pkg, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create sat package: %w", mapErr(err))
	}
	pkg, err = scanPackage(s.pool.QueryRow(ctx,
		`SELECT `+packageColumns+` FROM sat_packages WHERE job_id = $1 AND sat_package_id = $2`,
		jobID, satPackageID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to get sat package: %w", err)
	}
	return pkg, false, nil
}

func (s *Store) UpdatePackage(ctx context.Context, id string, update models.PackageUpdate) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE sat_packages
		SET status = $2,
			zip_path = COALESCE($3, zip_path),
			error_message = COALESCE($4, error_message),
			downloaded_at = COALESCE($5, downloaded_at)
		WHERE id = $1 AND status NOT IN ($6, $7)
	`, id, update.Status, update.StorageRef, update.ErrorMessage, update.DownloadedAt,
		models.PackageDownloaded, models.PackageFailed)
	if err != nil {
		return fmt.Errorf("failed to update sat package: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("sat package %s missing or final: %w", id, store.ErrInvalidTransition)
	}
	return nil
}

func (s *Store) ListPackages(ctx context.Context, jobID string) ([]models.Package, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+packageColumns+` FROM sat_packages WHERE job_id = $1 ORDER BY created_at, sat_package_id`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sat packages: %w", err)
	}
	defer rows.Close()

	packages := []models.Package{}
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sat package: %w", err)
		}
		packages = append(packages, *pkg)
	}
	return packages, rows.Err()
}

func (s *Store) AppendLog(ctx context.Context, entry *models.LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sat_logs (id, job_id, level, message)
		VALUES ($1, $2, $3, $4)
		RETURNING ts
	`, entry.ID, entry.JobID, entry.Level, entry.Message).Scan(&entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append sat log: %w", err)
	}
	return nil
}

func (s *Store) ListLogs(ctx context.Context, jobID string, limit int) ([]models.LogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, level, message, ts FROM (
			SELECT id, job_id, level, message, ts
			FROM sat_logs
			WHERE job_id = $1
			ORDER BY ts DESC
			LIMIT $2
		) recent
		ORDER BY ts ASC
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sat logs: %w", err)
	}
	defer rows.Close()

	entries := []models.LogEntry{}
	for rows.Next() {
		var e models.LogEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.Level, &e.Message, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan sat log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) CreateInvoice(ctx context.Context, record models.FiscalRecord) (string, error) {
	var uuidValue *string
	if record.UUID != "" {
		uuidValue = &record.UUID
	}
	var series *string
	if record.Series != "" {
		series = &record.Series
	}
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO invoices (
			id, folio, uuid, series, client_rfc, client_name,
			subtotal, tax, total, currency, payment_method, payment_form, cfdi_use,
			status, issue_date
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 'sent', $14)
	`,
		id,
		record.Folio,
		uuidValue,
		series,
		record.ReceiverRFC,
		record.ReceiverName,
		record.Subtotal.StringFixed(2),
		record.Tax.StringFixed(2),
		record.Total.StringFixed(2),
		record.Currency,
		record.PaymentMethod,
		record.PaymentForm,
		record.CFDIUse,
		record.IssueDate,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create invoice %s: %w", record.Folio, mapErr(err))
	}
	return id, nil
}

func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, store.ErrDuplicate)
	}
	return err
}
