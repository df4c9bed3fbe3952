package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/config"
)

const (
	maxEntries      = 250_000
	maxDocumentSize = 16 << 20
	maxNesting      = 3
)

// ExtractionError marks a payload that is not a readable archive.
type ExtractionError struct {
	PackageID string
	Entry     string
	Err       error
}

func (e *ExtractionError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("extract package %s entry %s: %v", e.PackageID, e.Entry, e.Err)
	}
	return fmt.Sprintf("extract package %s: %v", e.PackageID, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Document is one raw CFDI taken out of a package.
type Document struct {
	Name    string
	Content []byte
}

type Extractor struct {
	Logger          *zap.SugaredLogger
	Tracer          trace.Tracer
	sessionDuration metric.Int64Histogram
	documentsTotal  metric.Int64Counter
	archivesTotal   metric.Int64Counter
	archivesFailed  metric.Int64Counter
	bytesTotal      metric.Int64Counter
}

func NewExtractor(
	_ config.Config,
	tracer trace.Tracer,
	logger *zap.SugaredLogger,
	meter metric.Meter,
) (*Extractor, error) {
	e := &Extractor{
		Logger: logger,
		Tracer: tracer,
	}

	var err error
	e.sessionDuration, err = meter.Int64Histogram(
		"extraction.package.duration",
		metric.WithDescription("Duration of a package extraction"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	e.documentsTotal, err = meter.Int64Counter(
		"extraction.documents.total",
		metric.WithDescription("Documents extracted from packages"),
	)
	if err != nil {
		return nil, err
	}
	e.archivesTotal, err = meter.Int64Counter(
		"extraction.archives.total",
		metric.WithDescription("Archives opened, nested ones included"),
	)
	if err != nil {
		return nil, err
	}
	e.archivesFailed, err = meter.Int64Counter(
		"extraction.archives.failed",
		metric.WithDescription("Archives that could not be read"),
	)
	if err != nil {
		return nil, err
	}
	e.bytesTotal, err = meter.Int64Counter(
		"extraction.bytes.total",
		metric.WithDescription("Uncompressed document bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Extract returns the XML documents of the package staged at path. An empty
// file yields no documents and no error; nested zip entries are expanded.
func (e *Extractor) Extract(ctx context.Context, packageID, path string) ([]Document, error) {
	ctx, span := e.Tracer.Start(ctx, "extraction.package", trace.WithAttributes(
		attribute.String("package_id", packageID),
		attribute.String("payload.path", path),
	))
	defer span.End()
	startTime := time.Now()

	info, err := os.Stat(path)
	if err != nil {
		span.RecordError(err)
		return nil, &ExtractionError{PackageID: packageID, Err: err}
	}
	span.SetAttributes(attribute.Int64("payload.bytes", info.Size()))
	if info.Size() == 0 {
		e.Logger.Infow("Empty package payload", "package_id", packageID)
		return []Document{}, nil
	}

	e.Logger.Debugw("Opening zip file", "package_id", packageID, "zip", path)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := zip.OpenReader(path)
	if err != nil {
		span.RecordError(err)
		e.archivesFailed.Add(ctx, 1)
		return nil, &ExtractionError{PackageID: packageID, Err: err}
	}
	defer r.Close()

	docs := []Document{}
	if err := e.walk(ctx, packageID, "", &r.Reader, 0, &docs); err != nil {
		span.RecordError(err)
		e.archivesFailed.Add(ctx, 1)
		return nil, err
	}

	e.sessionDuration.Record(ctx, time.Since(startTime).Milliseconds(),
		metric.WithAttributes(attribute.String("status", "success")))
	e.documentsTotal.Add(ctx, int64(len(docs)))
	span.SetAttributes(attribute.Int("documents", len(docs)))
	e.Logger.Infow("Package extracted", "package_id", packageID, "documents", len(docs))
	return docs, nil
}

func (e *Extractor) walk(
	ctx context.Context,
	packageID, prefix string,
	r *zip.Reader,
	depth int,
	docs *[]Document,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.archivesTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("nested", depth > 0)))
	if len(r.File) > maxEntries {
		return &ExtractionError{PackageID: packageID, Entry: prefix, Err: fmt.Errorf("%d entries exceed limit", len(r.File))}
	}

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Join(prefix, f.Name)
		lower := strings.ToLower(f.Name)
		isZip := strings.HasSuffix(lower, ".zip")
		if !isZip && !strings.HasSuffix(lower, ".xml") {
			e.Logger.Debugw("Skipping non-XML entry", "package_id", packageID, "entry", name)
			continue
		}
		content, err := readEntry(f)
		if err != nil {
			return &ExtractionError{PackageID: packageID, Entry: name, Err: err}
		}
		if isZip {
			nestedPrefix := strings.TrimSuffix(name, path.Ext(name))
			if depth+1 > maxNesting {
				return &ExtractionError{PackageID: packageID, Entry: name, Err: fmt.Errorf("archive nesting deeper than %d", maxNesting)}
			}
			nested, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
			if err != nil {
				return &ExtractionError{PackageID: packageID, Entry: nestedPrefix, Err: err}
			}
			e.Logger.Debugw("Extracting nested zip", "package_id", packageID, "entry", name)
			if err := e.walk(ctx, packageID, nestedPrefix, nested, depth+1, docs); err != nil {
				return err
			}
			continue
		}
		e.bytesTotal.Add(ctx, int64(len(content)))
		*docs = append(*docs, Document{Name: path.Base(f.Name), Content: content})
	}
	return nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxDocumentSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDocumentSize {
		return nil, fmt.Errorf("entry larger than %d bytes", maxDocumentSize)
	}
	return data, nil
}
