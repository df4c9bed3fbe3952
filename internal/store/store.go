// Package store defines the record store the pipeline persists into.
package store

import (
	"context"
	"errors"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
	// ErrInvalidTransition guards the monotonic job lifecycle.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, id string, update models.JobUpdate) error
	IncrementJobCounters(ctx context.Context, id string, delta models.JobCounters) error
}

type PackageStore interface {
	// EnsurePackage returns the package for (jobID, satPackageID), creating it
	// in status downloading when absent.
	EnsurePackage(ctx context.Context, jobID, satPackageID string) (*models.Package, bool, error)
	UpdatePackage(ctx context.Context, id string, update models.PackageUpdate) error
	ListPackages(ctx context.Context, jobID string) ([]models.Package, error)
}

type LogStore interface {
	AppendLog(ctx context.Context, entry *models.LogEntry) error
	// ListLogs returns the most recent limit entries, oldest first.
	ListLogs(ctx context.Context, jobID string, limit int) ([]models.LogEntry, error)
}

type InvoiceStore interface {
	CreateInvoice(ctx context.Context, record models.FiscalRecord) (string, error)
}

type Store interface {
	JobStore
	PackageStore
	LogStore
	InvoiceStore
	Close()
}
