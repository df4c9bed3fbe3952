package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	ET "github.com/IBM/fp-go/v2/either"
	"github.com/IBM/fp-go/v2/function"
	IOE "github.com/IBM/fp-go/v2/ioeither"
	"github.com/IBM/fp-go/v2/ioeither/file"
	"github.com/IBM/fp-go/v2/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/config"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/sat"
	T "github.com/Qubut/IP-Claim/packages/sat_processor/internal/typing"
)

type Fetcher interface {
	Download(ctx context.Context, session sat.Session, packageID string) ([]byte, error)
}

// Payload is a downloaded package staged on disk.
type Payload struct {
	PackageID string
	Path      string
	Size      int64
}

type Downloader struct {
	Fetcher          Fetcher
	Directory        string
	MaxRetries       int
	RetryBase        time.Duration
	Logger           *zap.SugaredLogger
	Tracer           trace.Tracer
	packagesTotal    metric.Int64Counter
	packagesSuccess  metric.Int64Counter
	packagesFailed   metric.Int64Counter
	bytesTotal       metric.Int64Counter
	downloadDuration metric.Int64Histogram
}

func NewDownloader(
	cfg config.Config,
	fetcher Fetcher,
	tracer trace.Tracer,
	logger *zap.SugaredLogger,
	meter metric.Meter,
) (*Downloader, error) {
	d := &Downloader{
		Fetcher:    fetcher,
		Directory:  cfg.Download.Directory,
		MaxRetries: cfg.Download.MaxRetries,
		RetryBase:  250 * time.Millisecond,
		Logger:     logger,
		Tracer:     tracer,
	}

	var err error
	d.packagesTotal, err = meter.Int64Counter(
		"download.packages.total",
		metric.WithDescription("Packages requested for download"),
	)
	if err != nil {
		return nil, err
	}
	d.packagesSuccess, err = meter.Int64Counter(
		"download.packages.success",
		metric.WithDescription("Packages downloaded and staged"),
	)
	if err != nil {
		return nil, err
	}
	d.packagesFailed, err = meter.Int64Counter(
		"download.packages.failed",
		metric.WithDescription("Packages that failed after retries"),
	)
	if err != nil {
		return nil, err
	}
	d.bytesTotal, err = meter.Int64Counter(
		"download.bytes.total",
		metric.WithDescription("Total bytes staged"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}
	d.downloadDuration, err = meter.Int64Histogram(
		"download.package.duration",
		metric.WithDescription("Duration of a package download including retries"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// StagingDir is where payloads of jobID are written.
func (d *Downloader) StagingDir(jobID string) string {
	return filepath.Join(d.Directory, jobID)
}

// Fetch downloads packageID with retries and stages it under the job
// directory. A partial file from an earlier attempt is replaced, so calling
// Fetch again for the same package is safe.
func (d *Downloader) Fetch(ctx context.Context, session sat.Session, jobID, packageID string) (Payload, error) {
	ctx, span := d.Tracer.Start(ctx, "download.package", trace.WithAttributes(
		attribute.String("job_id", jobID),
		attribute.String("package_id", packageID),
	))
	defer span.End()
	startTime := time.Now()
	d.packagesTotal.Add(ctx, 1)

	if !sat.ValidPackageID(packageID) {
		err := &sat.DownloadError{PackageID: packageID, Err: fmt.Errorf("invalid package id %q", packageID)}
		span.RecordError(err)
		d.packagesFailed.Add(ctx, 1)
		return Payload{}, err
	}
	dir := d.StagingDir(jobID)
	path := filepath.Join(dir, packageID+".zip")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Payload{}, &sat.DownloadError{PackageID: packageID, Err: err}
	}

	policy := retry.Monoid.Concat(
		retry.LimitRetries(uint(d.MaxRetries)),
		retry.ExponentialBackoff(d.RetryBase),
	)
	action := func(status retry.RetryStatus) IOE.IOEither[error, int64] {
		select {
		case <-ctx.Done():
			return IOE.Left[int64](ctx.Err())
		default:
		}
		if status.IterNumber > 0 {
			d.Logger.Warnw("Retrying package download", "package_id", packageID, "attempt", status.IterNumber+1)
		}
		return function.Pipe1(
			IOE.TryCatchError(func() ([]byte, error) {
				return d.Fetcher.Download(ctx, session, packageID)
			}),
			IOE.Chain(func(data []byte) IOE.IOEither[error, int64] {
				return stage(path, data)
			}),
		)
	}
	shouldRetry := func(res ET.Either[error, int64]) bool {
		_, err := ET.UnwrapError(res)
		if err == nil || ctx.Err() != nil {
			return false
		}
		return true
	}
	size, err := ET.UnwrapError(IOE.Retrying(policy, action, shouldRetry)())
	durationMs := time.Since(startTime).Milliseconds()
	if err != nil {
		_ = os.Remove(path)
		span.RecordError(err)
		d.packagesFailed.Add(ctx, 1)
		d.downloadDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("status", "failed")))
		var de *sat.DownloadError
		if errors.As(err, &de) {
			return Payload{}, err
		}
		return Payload{}, &sat.DownloadError{PackageID: packageID, Err: err}
	}

	d.packagesSuccess.Add(ctx, 1)
	d.bytesTotal.Add(ctx, size)
	d.downloadDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("status", "success")))
	d.Logger.Infow("Package staged", "package_id", packageID, "bytes", size, "path", path)
	return Payload{PackageID: packageID, Path: path, Size: size}, nil
}

// stage replaces path with data.
func stage(path string, data []byte) IOE.IOEither[error, int64] {
	_ = os.Remove(path)
	return IOE.Bracket(
		file.Create(path),
		func(f *os.File) IOE.IOEither[error, int64] {
			return IOE.TryCatchError(func() (int64, error) {
				return io.Copy(f, bytes.NewReader(data))
			})
		},
		func(f *os.File, _ ET.Either[error, int64]) IOE.IOEither[error, T.Unit] {
			return IOE.TryCatchError(func() (T.Unit, error) { return T.Unit{}, f.Close() })
		},
	)
}

// Cleanup removes everything staged for jobID.
func (d *Downloader) Cleanup(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("empty job id")
	}
	return os.RemoveAll(d.StagingDir(jobID))
}
