// Package job runs bulk retrieval jobs and reports on their progress.
package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/archive"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/cancel"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/config"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/download"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/extract"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/models"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/parse"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/sat"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/store"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job already finished")
	// ErrCancelled ends a job whose cancellation flag was set.
	ErrCancelled = errors.New("cancelled by request")
)

// Gateway is the part of the SAT client the workflow drives directly.
type Gateway interface {
	Authenticate(ctx context.Context, creds *sat.Credentials, rfc string) (sat.Session, error)
	Request(ctx context.Context, session sat.Session, req sat.BulkRequest) (sat.RequestReceipt, error)
}

type Poller interface {
	WaitForPackages(ctx context.Context, session sat.Session, requestID string) ([]string, error)
}

type Downloader interface {
	Fetch(ctx context.Context, session sat.Session, jobID, packageID string) (download.Payload, error)
	Cleanup(jobID string) error
}

type Extractor interface {
	Extract(ctx context.Context, packageID, path string) ([]extract.Document, error)
}

// Dependencies are the collaborators of a Service. Archive may be nil.
type Dependencies struct {
	Store      store.Store
	Gateway    Gateway
	Poller     Poller
	Downloader Downloader
	Extractor  Extractor
	Parser     parse.DocumentParser
	Flags      cancel.Flags
	Archive    archive.Store
}

// StartParams are the inputs of a job. CertPath and KeyPath are consumed:
// both files are deleted once the job reaches a terminal state.
type StartParams struct {
	RFC        string
	Direction  models.Direction
	Start      time.Time
	End        time.Time
	CertPath   string
	KeyPath    string
	Passphrase string
}

func (p StartParams) bulkRequest() sat.BulkRequest {
	return sat.BulkRequest{
		RFC:       strings.ToUpper(strings.TrimSpace(p.RFC)),
		Direction: p.Direction,
		Start:     p.Start,
		End:       p.End,
	}
}

func (p StartParams) Validate() error {
	if err := p.bulkRequest().Validate(); err != nil {
		return err
	}
	if p.CertPath == "" || p.KeyPath == "" {
		return fmt.Errorf("certificate and key files are required")
	}
	if p.Passphrase == "" {
		return fmt.Errorf("passphrase is required")
	}
	return nil
}

type Counts struct {
	Requested  int `json:"requested"`
	Available  int `json:"available"`
	Downloaded int `json:"downloaded"`
	Imported   int `json:"imported"`
}

type StatusReport struct {
	Job      models.Job        `json:"job"`
	Counts   Counts            `json:"counts"`
	Packages []models.Package  `json:"packages"`
	Logs     []models.LogEntry `json:"logs"`
}

type Service struct {
	Dependencies
	Workers        int
	LogLimit       int
	CancelInterval time.Duration
	Logger         *zap.SugaredLogger
	Tracer         trace.Tracer
	now            func() time.Time

	mu      sync.Mutex
	running map[string]chan struct{}
	wg      sync.WaitGroup

	jobsStarted      metric.Int64Counter
	jobsFinished     metric.Int64Counter
	jobDuration      metric.Int64Histogram
	recordsImported  metric.Int64Counter
	documentsSkipped metric.Int64Counter
}

func NewService(
	cfg config.Config,
	deps Dependencies,
	tracer trace.Tracer,
	logger *zap.SugaredLogger,
	meter metric.Meter,
) (*Service, error) {
	s := &Service{
		Dependencies:   deps,
		Workers:        cfg.Download.Workers,
		LogLimit:       cfg.Status.LogLimit,
		CancelInterval: 2 * time.Second,
		Logger:         logger,
		Tracer:         tracer,
		now:            time.Now,
		running:        make(map[string]chan struct{}),
	}
	if s.Workers < 1 {
		s.Workers = 1
	}
	if s.LogLimit < 1 {
		s.LogLimit = 200
	}

	var err error
	s.jobsStarted, err = meter.Int64Counter(
		"job.started.total",
		metric.WithDescription("Jobs accepted for execution"),
	)
	if err != nil {
		return nil, err
	}
	s.jobsFinished, err = meter.Int64Counter(
		"job.finished.total",
		metric.WithDescription("Jobs that reached a terminal state"),
	)
	if err != nil {
		return nil, err
	}
	s.jobDuration, err = meter.Int64Histogram(
		"job.duration",
		metric.WithDescription("Duration of a job from start to terminal state"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	s.recordsImported, err = meter.Int64Counter(
		"job.records.imported",
		metric.WithDescription("Fiscal records committed to the store"),
	)
	if err != nil {
		return nil, err
	}
	s.documentsSkipped, err = meter.Int64Counter(
		"job.documents.skipped",
		metric.WithDescription("Documents skipped as malformed or not insertable"),
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Start persists a queued job and runs its workflow in the background. The
// returned id is usable as soon as Start returns.
func (s *Service) Start(ctx context.Context, p StartParams) (string, error) {
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("invalid job parameters: %w", err)
	}
	req := p.bulkRequest()
	job := &models.Job{
		RFC:       req.RFC,
		Direction: req.Direction,
		DateStart: req.Start,
		DateEnd:   req.End,
		Status:    models.JobQueued,
		CreatedAt: s.now(),
	}
	if err := s.Store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	s.appendLog(ctx, job.ID, models.SeverityInfo, fmt.Sprintf("Job created for %s (%s) %s..%s",
		job.RFC, job.Direction, job.DateStart.Format(time.DateOnly), job.DateEnd.Format(time.DateOnly)))
	s.jobsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", string(job.Direction))))

	done := make(chan struct{})
	s.mu.Lock()
	s.running[job.ID] = done
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, job.ID)
			s.mu.Unlock()
			close(done)
		}()
		s.run(context.WithoutCancel(ctx), *job, p)
	}()
	return job.ID, nil
}

// Wait blocks until the workflow of jobID started by this Service returns.
// Jobs not running in this process return immediately.
func (s *Service) Wait(ctx context.Context, jobID string) error {
	s.mu.Lock()
	done, ok := s.running[jobID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel flags jobID for cooperative cancellation. The workflow notices the
// flag between steps and ends in the error state.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	job, err := s.Store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrJobFinished
	}
	if err := s.Flags.Request(ctx, jobID); err != nil {
		return fmt.Errorf("request cancellation: %w", err)
	}
	s.appendLog(ctx, jobID, models.SeverityInfo, "Cancellation requested")
	return nil
}

// Status assembles the job, its packages and its most recent log entries.
// It never mutates state.
func (s *Service) Status(ctx context.Context, jobID string) (*StatusReport, error) {
	job, err := s.Store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	packages, err := s.Store.ListPackages(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	logs, err := s.Store.ListLogs(ctx, jobID, s.LogLimit)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	return &StatusReport{
		Job: *job,
		Counts: Counts{
			Requested:  job.RequestedPackages,
			Available:  job.AvailablePackages,
			Downloaded: job.DownloadedPackages,
			Imported:   job.ImportedXML,
		},
		Packages: packages,
		Logs:     logs,
	}, nil
}

// Shutdown waits for every workflow started by this Service.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// appendLog writes a job log entry and mirrors it to the process logger.
// Failing to persist the entry never fails the job.
func (s *Service) appendLog(ctx context.Context, jobID string, level models.Severity, msg string) {
	entry := &models.LogEntry{JobID: jobID, Level: level, Message: msg, Timestamp: s.now()}
	if err := s.Store.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		s.Logger.Warnw("Failed to append job log", "job_id", jobID, "err", err)
	}
	switch level {
	case models.SeverityError:
		s.Logger.Errorw(msg, "job_id", jobID)
	case models.SeverityWarn:
		s.Logger.Warnw(msg, "job_id", jobID)
	default:
		s.Logger.Infow(msg, "job_id", jobID)
	}
}
