package internal

import (
	"context"
	"io"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/job"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/parse"
)

type JobRunnerInterface interface {
	Start(ctx context.Context, p job.StartParams) (string, error)
	Wait(ctx context.Context, jobID string) error
	Cancel(ctx context.Context, jobID string) error
	Status(ctx context.Context, jobID string) (*job.StatusReport, error)
	Shutdown(ctx context.Context) error
}

type BatchParserInterface interface {
	ToCSV(ctx context.Context, dir string, out io.Writer, workers int64) (parse.BatchResult, error)
}
