package parse

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/config"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/models"
)

var csvHeader = []string{
	"folio", "uuid", "series", "emitter_rfc", "emitter_name", "receiver_rfc", "receiver_name",
	"subtotal", "tax", "total", "currency", "payment_method", "payment_form", "cfdi_use", "issue_date", "source",
}

// BatchResult summarises a directory run.
type BatchResult struct {
	Files     int
	Records   int
	Malformed int
}

// Batch parses local CFDI files outside of a job, e.g. packages extracted by
// hand, and exports the records as CSV.
type Batch struct {
	Parser       DocumentParser
	Logger       *zap.SugaredLogger
	Tracer       trace.Tracer
	ShowProgress bool
	progress     *progressbar.ProgressBar
	filesTotal   metric.Int64Counter
	filesFailed  metric.Int64Counter
	recordsTotal metric.Int64Counter
	fileDuration metric.Int64Histogram
}

func NewBatch(
	cfg config.Config,
	tracer trace.Tracer,
	logger *zap.SugaredLogger,
	meter metric.Meter,
) (*Batch, error) {
	parser, err := New(cfg.Parse.Mode)
	if err != nil {
		return nil, err
	}
	b := &Batch{
		Parser: parser,
		Logger: logger,
		Tracer: tracer,
	}

	b.filesTotal, err = meter.Int64Counter(
		"parse.xml_files.total",
		metric.WithDescription("Total number of XML files processed"),
	)
	if err != nil {
		return nil, err
	}
	b.filesFailed, err = meter.Int64Counter(
		"parse.xml_files.failed",
		metric.WithDescription("Number of malformed or unreadable XML files"),
	)
	if err != nil {
		return nil, err
	}
	b.recordsTotal, err = meter.Int64Counter(
		"parse.records.total",
		metric.WithDescription("Total number of records written to CSV"),
	)
	if err != nil {
		return nil, err
	}
	b.fileDuration, err = meter.Int64Histogram(
		"parse.file.duration",
		metric.WithDescription("Duration of individual XML file parsing"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// FindXML lists the .xml files under dir in lexical order.
func FindXML(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".xml") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// ToCSV parses every XML file under dir with up to workers goroutines and
// writes one row per record to out. Malformed files are logged and skipped.
func (b *Batch) ToCSV(ctx context.Context, dir string, out io.Writer, workers int64) (BatchResult, error) {
	ctx, span := b.Tracer.Start(ctx, "parse.batch", trace.WithAttributes(
		attribute.String("dir", dir),
		attribute.Int64("workers", workers),
	))
	defer span.End()

	files, err := FindXML(dir)
	if err != nil {
		span.RecordError(err)
		return BatchResult{}, err
	}
	b.Logger.Infow("Found XML files", "dir", dir, "count", len(files))

	if b.ShowProgress {
		b.progress = progressbar.NewOptions(len(files),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetWidth(60),
			progressbar.OptionSetDescription("Parsing CFDI files..."),
			progressbar.OptionSetElapsedTime(true),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionThrottle(50*time.Millisecond),
			progressbar.OptionSetRenderBlankState(true),
		)
	}

	writer := csv.NewWriter(out)
	if err := writer.Write(csvHeader); err != nil {
		return BatchResult{}, fmt.Errorf("write header: %w", err)
	}

	if workers < 1 {
		workers = 1
	}
	var (
		writeMu   sync.Mutex
		wg        sync.WaitGroup
		records   atomic.Int64
		malformed atomic.Int64
		firstErr  error
		errOnce   sync.Once
	)
	sem := semaphore.NewWeighted(workers)

	for _, path := range files {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			defer sem.Release(1)
			defer b.updateProgress()

			start := time.Now()
			b.filesTotal.Add(ctx, 1)
			content, err := os.ReadFile(path)
			if err != nil {
				errOnce.Do(func() { firstErr = fmt.Errorf("read %s: %w", path, err) })
				return
			}
			rec, err := b.Parser.Parse(filepath.Base(path), content)
			b.fileDuration.Record(ctx, time.Since(start).Milliseconds())
			if err != nil {
				var malformedErr *MalformedDocumentError
				if errors.As(err, &malformedErr) {
					malformed.Add(1)
					b.filesFailed.Add(ctx, 1)
					b.Logger.Warnw("Skipping malformed document", "path", path, "reason", malformedErr.Reason)
					return
				}
				errOnce.Do(func() { firstErr = err })
				return
			}

			writeMu.Lock()
			defer writeMu.Unlock()
			if err := writer.Write(row(rec)); err != nil {
				errOnce.Do(func() { firstErr = err })
				return
			}
			records.Add(1)
			b.recordsTotal.Add(ctx, 1)
		}(path)
	}
	wg.Wait()

	writer.Flush()
	if err := writer.Error(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr == nil {
		firstErr = ctx.Err()
	}
	if b.progress != nil {
		_ = b.progress.Finish()
		b.progress = nil
	}

	res := BatchResult{Files: len(files), Records: int(records.Load()), Malformed: int(malformed.Load())}
	if firstErr != nil {
		span.RecordError(firstErr)
		return res, firstErr
	}
	b.Logger.Infow("Parsing completed", "files", res.Files, "records", res.Records, "malformed", res.Malformed)
	return res, nil
}

func (b *Batch) updateProgress() {
	if b.progress != nil {
		_ = b.progress.Add(1)
	}
}

func row(r models.FiscalRecord) []string {
	return []string{
		r.Folio, r.UUID, r.Series,
		r.EmitterRFC, r.EmitterName, r.ReceiverRFC, r.ReceiverName,
		r.Subtotal.StringFixed(2), r.Tax.StringFixed(2), r.Total.StringFixed(2),
		r.Currency, r.PaymentMethod, r.PaymentForm, r.CFDIUse,
		r.IssueDate.Format("2006-01-02T15:04:05"), r.SourceName,
	}
}
