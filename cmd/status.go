package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/job"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/models"
)

var (
	statusJobID   string
	watchInterval time.Duration
	startInterval time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the status report of a job as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := services.Jobs.Status(cmd.Context(), statusJobID)
		if errors.Is(err, job.ErrJobNotFound) {
			return fmt.Errorf("job %s not found", statusJobID)
		}
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Render the progress of a job until it finishes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := services.Jobs.Status(cmd.Context(), statusJobID); err != nil {
			if errors.Is(err, job.ErrJobNotFound) {
				return fmt.Errorf("job %s not found", statusJobID)
			}
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		report := follow(ctx, statusJobID, nil, watchInterval)
		if report == nil {
			return ctx.Err()
		}
		return printJSON(report)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Request cancellation of a running job",
	RunE: func(cmd *cobra.Command, args []string) error {
		err := services.Jobs.Cancel(cmd.Context(), statusJobID)
		switch {
		case errors.Is(err, job.ErrJobNotFound):
			return fmt.Errorf("job %s not found", statusJobID)
		case errors.Is(err, job.ErrJobFinished):
			fmt.Fprintf(os.Stderr, "Job %s already finished\n", statusJobID)
			return nil
		case err != nil:
			return err
		}
		fmt.Fprintf(os.Stderr, "Cancellation of job %s requested\n", statusJobID)
		return nil
	},
}

// follow renders package progress until the job is terminal, ctx ends or done
// is closed, and returns the last report it read.
func follow(ctx context.Context, jobID string, done <-chan struct{}, interval time.Duration) *job.StatusReport {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("waiting for packages"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetElapsedTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetRenderBlankState(true),
	)
	defer func() { _ = bar.Finish() }()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last *job.StatusReport
	for {
		report, err := services.Jobs.Status(ctx, jobID)
		if err == nil {
			last = report
			render(bar, report)
			if report.Job.Status.Terminal() {
				return last
			}
		}
		select {
		case <-ctx.Done():
			return last
		case <-done:
			return last
		case <-ticker.C:
		}
	}
}

func render(bar *progressbar.ProgressBar, r *job.StatusReport) {
	finished := 0
	for _, p := range r.Packages {
		if p.Status.Terminal() {
			finished++
		}
	}
	if r.Counts.Available > 0 && bar.GetMax() != r.Counts.Available {
		bar.ChangeMax(r.Counts.Available)
	}
	bar.Describe(fmt.Sprintf("[%s] %d/%d packages, %d imported",
		r.Job.Status, r.Counts.Downloaded, r.Counts.Available, r.Counts.Imported))
	if r.Counts.Available > 0 {
		_ = bar.Set(finished)
	}
	if r.Job.Status == models.JobDone {
		bar.Describe(fmt.Sprintf("[done] %d packages, %d imported", r.Counts.Downloaded, r.Counts.Imported))
	}
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, watchCmd, cancelCmd} {
		c.Flags().StringVar(&statusJobID, "id", "", "Job id")
		_ = c.MarkFlagRequired("id")
	}
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "Polling interval")
	startCmd.Flags().DurationVar(&startInterval, "interval", 500*time.Millisecond, "Progress refresh interval")
}
