// Package memory is an in-process record store used by the CLI's memory
// driver and by tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/models"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/store"
)

type Store struct {
	mu       sync.RWMutex
	jobs     map[string]*models.Job
	packages map[string]*models.Package
	pkgIndex map[string]string
	logs     map[string][]models.LogEntry
	invoices map[string]models.FiscalRecord
	uuids    map[string]struct{}
	now      func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		jobs:     make(map[string]*models.Job),
		packages: make(map[string]*models.Package),
		pkgIndex: make(map[string]string),
		logs:     make(map[string][]models.LogEntry),
		invoices: make(map[string]models.FiscalRecord),
		uuids:    make(map[string]struct{}),
		now:      time.Now,
	}
}

func (s *Store) Close() {}

func (s *Store) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s: %w", job.ID, store.ErrDuplicate)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	cp := *job
	return &cp, nil
}

func (s *Store) UpdateJob(_ context.Context, id string, update models.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if update.Status != nil {
		if !job.Status.CanTransition(*update.Status) {
			return fmt.Errorf("job %s %s -> %s: %w", id, job.Status, *update.Status, store.ErrInvalidTransition)
		}
		job.Status = *update.Status
	} else if job.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", id, job.Status, store.ErrInvalidTransition)
	}
	if update.RequestedPackages != nil {
		job.RequestedPackages = *update.RequestedPackages
	}
	if update.AvailablePackages != nil {
		job.AvailablePackages = *update.AvailablePackages
	}
	if update.ErrorMessage != nil {
		msg := *update.ErrorMessage
		job.ErrorMessage = &msg
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		job.StartedAt = &t
	}
	if update.FinishedAt != nil {
		t := *update.FinishedAt
		job.FinishedAt = &t
	}
	return nil
}

func (s *Store) IncrementJobCounters(_ context.Context, id string, delta models.JobCounters) error {
	if delta.DownloadedPackages < 0 || delta.ImportedXML < 0 {
		return fmt.Errorf("job %s: negative counter delta", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	job.DownloadedPackages += delta.DownloadedPackages
	job.ImportedXML += delta.ImportedXML
	return nil
}

func (s *Store) EnsurePackage(_ context.Context, jobID, satPackageID string) (*models.Package, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := jobID + "/" + satPackageID
	if id, ok := s.pkgIndex[key]; ok {
		cp := *s.packages[id]
		return &cp, false, nil
	}
	pkg := &models.Package{
		ID:           uuid.New().String(),
		JobID:        jobID,
		SATPackageID: satPackageID,
		Status:       models.PackageDownloading,
		CreatedAt:    s.now(),
	}
	s.packages[pkg.ID] = pkg
	s.pkgIndex[key] = pkg.ID
	cp := *pkg
	return &cp, true, nil
}

func (s *Store) UpdatePackage(_ context.Context, id string, update models.PackageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkg, ok := s.packages[id]
	if !ok {
		return fmt.Errorf("package %s: %w", id, store.ErrNotFound)
	}
	if pkg.Status.Terminal() {
		return fmt.Errorf("package %s is %s: %w", id, pkg.Status, store.ErrInvalidTransition)
	}
	pkg.Status = update.Status
	if update.StorageRef != nil {
		ref := *update.StorageRef
		pkg.StorageRef = &ref
	}
	if update.ErrorMessage != nil {
		msg := *update.ErrorMessage
		pkg.ErrorMessage = &msg
	}
	if update.DownloadedAt != nil {
		t := *update.DownloadedAt
		pkg.DownloadedAt = &t
	}
	return nil
}

func (s *Store) ListPackages(_ context.Context, jobID string) ([]models.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Package{}
	for _, pkg := range s.packages {
		if pkg.JobID == jobID {
			out = append(out, *pkg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SATPackageID < out[j].SATPackageID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) AppendLog(_ context.Context, entry *models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	s.logs[entry.JobID] = append(s.logs[entry.JobID], *entry)
	return nil
}

func (s *Store) ListLogs(_ context.Context, jobID string, limit int) ([]models.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.logs[jobID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]models.LogEntry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *Store) CreateInvoice(_ context.Context, record models.FiscalRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invoices[record.Folio]; ok {
		return "", fmt.Errorf("invoice folio %s: %w", record.Folio, store.ErrDuplicate)
	}
	if record.UUID != "" {
		if _, ok := s.uuids[record.UUID]; ok {
			return "", fmt.Errorf("invoice uuid %s: %w", record.UUID, store.ErrDuplicate)
		}
		s.uuids[record.UUID] = struct{}{}
	}
	s.invoices[record.Folio] = record
	return uuid.New().String(), nil
}

// Invoices returns committed records ordered by folio.
func (s *Store) Invoices() []models.FiscalRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.FiscalRecord, 0, len(s.invoices))
	for _, r := range s.invoices {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Folio < out[j].Folio })
	return out
}
