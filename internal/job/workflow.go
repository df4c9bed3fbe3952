package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/archive"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/models"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/sat"
)

func ptr[T any](v T) *T { return &v }

// run drives one job to a terminal state. Credentials, staged payloads and
// the cancellation flag are released on every exit path.
func (s *Service) run(ctx context.Context, job models.Job, p StartParams) {
	ctx, span := s.Tracer.Start(ctx, "job.run", trace.WithAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("direction", string(job.Direction)),
	))
	defer span.End()
	startTime := time.Now()

	defer s.cleanup(ctx, job.ID, p)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("internal error: %v", r)
			span.RecordError(err)
			s.fail(ctx, job.ID, err)
			s.recordOutcome(ctx, models.JobError, startTime)
		}
	}()

	if err := s.execute(ctx, job, p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job failed")
		s.fail(ctx, job.ID, err)
		s.recordOutcome(ctx, models.JobError, startTime)
		return
	}
	if err := s.Store.UpdateJob(ctx, job.ID, models.JobUpdate{
		Status:     ptr(models.JobDone),
		FinishedAt: ptr(s.now()),
	}); err != nil {
		s.fail(ctx, job.ID, fmt.Errorf("mark job done: %w", err))
		s.recordOutcome(ctx, models.JobError, startTime)
		return
	}
	s.appendLog(ctx, job.ID, models.SeverityInfo, "Process completed.")
	s.recordOutcome(ctx, models.JobDone, startTime)
}

func (s *Service) recordOutcome(ctx context.Context, status models.JobStatus, start time.Time) {
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	s.jobsFinished.Add(ctx, 1, attrs)
	s.jobDuration.Record(ctx, time.Since(start).Milliseconds(), attrs)
}

// execute runs auth, request and poll once, then the package loop. Any error
// it returns is fatal for the job.
func (s *Service) execute(ctx context.Context, job models.Job, p StartParams) error {
	persist := ctx
	ctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	go s.watchCancel(ctx, job.ID, stop)

	if err := s.Store.UpdateJob(persist, job.ID, models.JobUpdate{
		Status:    ptr(models.JobRunning),
		StartedAt: ptr(s.now()),
	}); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	s.appendLog(ctx, job.ID, models.SeverityInfo, "Job started")

	creds, err := sat.LoadCredentials(p.CertPath, p.KeyPath, p.Passphrase, s.now())
	if err != nil {
		return err
	}
	if err := creds.CheckHolder(job.RFC); err != nil {
		return err
	}
	if err := s.checkCancelled(ctx, job.ID); err != nil {
		return err
	}

	session, err := s.Gateway.Authenticate(ctx, creds, job.RFC)
	if err != nil {
		return cancelCause(ctx, err)
	}
	s.appendLog(ctx, job.ID, models.SeverityInfo, "Authenticated with SAT")
	if err := s.checkCancelled(ctx, job.ID); err != nil {
		return err
	}

	receipt, err := s.Gateway.Request(ctx, session, p.bulkRequest())
	if err != nil {
		return cancelCause(ctx, err)
	}
	if err := s.Store.UpdateJob(persist, job.ID, models.JobUpdate{
		RequestedPackages: ptr(receipt.EstimatedPackages),
	}); err != nil {
		return fmt.Errorf("record requested packages: %w", err)
	}
	s.appendLog(ctx, job.ID, models.SeverityInfo, fmt.Sprintf("Request %s accepted, %d packages estimated",
		receipt.RequestID, receipt.EstimatedPackages))
	if err := s.checkCancelled(ctx, job.ID); err != nil {
		return err
	}

	ids, err := s.Poller.WaitForPackages(ctx, session, receipt.RequestID)
	if err != nil {
		return cancelCause(ctx, err)
	}
	if err := s.Store.UpdateJob(persist, job.ID, models.JobUpdate{
		AvailablePackages: ptr(len(ids)),
	}); err != nil {
		return fmt.Errorf("record available packages: %w", err)
	}
	s.appendLog(ctx, job.ID, models.SeverityInfo, fmt.Sprintf("%d packages available", len(ids)))

	return s.processPackages(ctx, job, session, ids)
}

// processPackages runs up to Workers packages at a time. It stops handing
// out packages once the job is cancelled but lets started ones finish.
func (s *Service) processPackages(ctx context.Context, job models.Job, session sat.Session, ids []string) error {
	sem := semaphore.NewWeighted(int64(s.Workers))
	var wg sync.WaitGroup
	var loopErr error
	for _, id := range ids {
		if err := s.checkCancelled(ctx, job.ID); err != nil {
			loopErr = err
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			loopErr = cancelCause(ctx, err)
			break
		}
		wg.Add(1)
		go func(packageID string) {
			defer wg.Done()
			defer sem.Release(1)
			s.processPackage(ctx, job, session, packageID)
		}(id)
	}
	wg.Wait()
	if loopErr != nil {
		return loopErr
	}
	if errors.Is(context.Cause(ctx), ErrCancelled) {
		return ErrCancelled
	}
	return nil
}

// processPackage downloads, extracts, parses and commits one package. Its
// failures are contained: they end the package, never the job.
func (s *Service) processPackage(ctx context.Context, job models.Job, session sat.Session, satID string) {
	ctx, span := s.Tracer.Start(ctx, "job.package", trace.WithAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("package_id", satID),
	))
	defer span.End()
	persist := context.WithoutCancel(ctx)

	pkg, created, err := s.Store.EnsurePackage(persist, job.ID, satID)
	if err != nil {
		span.RecordError(err)
		s.appendLog(ctx, job.ID, models.SeverityError, fmt.Sprintf("Package %s could not be registered: %v", satID, err))
		return
	}
	if !created && pkg.Status.Terminal() {
		s.appendLog(ctx, job.ID, models.SeverityInfo, fmt.Sprintf("Package %s already %s", satID, pkg.Status))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.failPackage(persist, job.ID, pkg, models.SeverityError, fmt.Errorf("internal error: %v", r))
		}
	}()
	s.appendLog(ctx, job.ID, models.SeverityInfo, fmt.Sprintf("Downloading package %s", satID))

	payload, err := s.Downloader.Fetch(ctx, session, job.ID, satID)
	if err != nil {
		span.RecordError(err)
		s.failPackage(persist, job.ID, pkg, models.SeverityError, fmt.Errorf("download failed: %w", err))
		return
	}
	docs, err := s.Extractor.Extract(ctx, satID, payload.Path)
	if err != nil {
		span.RecordError(err)
		s.failPackage(persist, job.ID, pkg, models.SeverityWarn, fmt.Errorf("extraction failed: %w", err))
		return
	}

	var ref *string
	if s.Archive != nil {
		r, err := s.archivePackage(ctx, job, satID, payload.Path)
		if err != nil {
			s.appendLog(ctx, job.ID, models.SeverityWarn, fmt.Sprintf("Package %s not archived: %v", satID, err))
		} else {
			ref = &r
		}
	}

	if err := s.Store.UpdatePackage(persist, pkg.ID, models.PackageUpdate{
		Status:       models.PackageDownloaded,
		StorageRef:   ref,
		DownloadedAt: ptr(s.now()),
	}); err != nil {
		span.RecordError(err)
		s.failPackage(persist, job.ID, pkg, models.SeverityError, fmt.Errorf("status not saved: %w", err))
		return
	}
	if err := s.Store.IncrementJobCounters(persist, job.ID, models.JobCounters{DownloadedPackages: 1}); err != nil {
		s.Logger.Warnw("Failed to count downloaded package", "job_id", job.ID, "package_id", satID, "err", err)
	}
	s.appendLog(ctx, job.ID, models.SeverityInfo, fmt.Sprintf("Package %s downloaded, %d documents", satID, len(docs)))

	imported := 0
	for _, doc := range docs {
		if ctx.Err() != nil {
			break
		}
		rec, err := s.Parser.Parse(doc.Name, doc.Content)
		if err != nil {
			s.documentsSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "parse")))
			s.appendLog(ctx, job.ID, models.SeverityWarn, fmt.Sprintf("Package %s: skipped %s: %v", satID, doc.Name, err))
			continue
		}
		if _, err := s.Store.CreateInvoice(persist, rec); err != nil {
			s.documentsSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "insert")))
			s.appendLog(ctx, job.ID, models.SeverityWarn, fmt.Sprintf("Package %s: %s (folio %s) not imported: %v",
				satID, doc.Name, rec.Folio, err))
			continue
		}
		imported++
		s.recordsImported.Add(ctx, 1)
		if err := s.Store.IncrementJobCounters(persist, job.ID, models.JobCounters{ImportedXML: 1}); err != nil {
			s.Logger.Warnw("Failed to count imported record", "job_id", job.ID, "folio", rec.Folio, "err", err)
		}
	}
	s.appendLog(ctx, job.ID, models.SeverityInfo, fmt.Sprintf("Package %s: imported %d of %d documents",
		satID, imported, len(docs)))
}

func (s *Service) archivePackage(ctx context.Context, job models.Job, satID, path string) (string, error) {
	key, err := archive.ObjectName(job.RFC, job.ID, satID)
	if err != nil {
		return "", err
	}
	return s.Archive.Put(ctx, key, path)
}

func (s *Service) failPackage(ctx context.Context, jobID string, pkg *models.Package, level models.Severity, cause error) {
	msg := cause.Error()
	if err := s.Store.UpdatePackage(ctx, pkg.ID, models.PackageUpdate{
		Status:       models.PackageFailed,
		ErrorMessage: &msg,
	}); err != nil {
		s.Logger.Errorw("Failed to mark package failed", "job_id", jobID, "package_id", pkg.SATPackageID, "err", err)
	}
	s.appendLog(ctx, jobID, level, fmt.Sprintf("Package %s failed: %s", pkg.SATPackageID, msg))
}

// fail moves the job to error. A job already terminal is left untouched.
func (s *Service) fail(ctx context.Context, jobID string, cause error) {
	msg := cause.Error()
	if errors.Is(cause, ErrCancelled) {
		msg = ErrCancelled.Error()
	}
	persist := context.WithoutCancel(ctx)
	if err := s.Store.UpdateJob(persist, jobID, models.JobUpdate{
		Status:       ptr(models.JobError),
		ErrorMessage: &msg,
		FinishedAt:   ptr(s.now()),
	}); err != nil {
		s.Logger.Errorw("Failed to mark job failed", "job_id", jobID, "cause", msg, "err", err)
		return
	}
	s.appendLog(persist, jobID, models.SeverityError, msg)
}

func (s *Service) cleanup(ctx context.Context, jobID string, p StartParams) {
	if err := sat.RemoveFiles(p.CertPath, p.KeyPath); err != nil {
		s.Logger.Errorw("Failed to remove credential files", "job_id", jobID, "err", err)
	}
	if err := s.Downloader.Cleanup(jobID); err != nil {
		s.Logger.Warnw("Failed to remove staged packages", "job_id", jobID, "err", err)
	}
	if err := s.Flags.Clear(context.WithoutCancel(ctx), jobID); err != nil {
		s.Logger.Warnw("Failed to clear cancellation flag", "job_id", jobID, "err", err)
	}
}

func (s *Service) checkCancelled(ctx context.Context, jobID string) error {
	if errors.Is(context.Cause(ctx), ErrCancelled) {
		return ErrCancelled
	}
	requested, err := s.Flags.Requested(context.WithoutCancel(ctx), jobID)
	if err != nil {
		s.Logger.Warnw("Cancellation flag unreadable", "job_id", jobID, "err", err)
		return nil
	}
	if requested {
		return ErrCancelled
	}
	return nil
}

// watchCancel aborts in-flight network calls and the poller's backoff wait
// once the flag is set.
func (s *Service) watchCancel(ctx context.Context, jobID string, stop context.CancelCauseFunc) {
	ticker := time.NewTicker(s.CancelInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if requested, err := s.Flags.Requested(ctx, jobID); err == nil && requested {
				stop(ErrCancelled)
				return
			}
		}
	}
}

// cancelCause reports ErrCancelled for errors caused by the cancellation
// watcher and returns err unchanged otherwise.
func cancelCause(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrCancelled) {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return err
}
