package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/job"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/models"
)

var startOpts struct {
	rfc        string
	direction  string
	from       string
	to         string
	cer        string
	key        string
	passphrase string
	quiet      bool
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a bulk download job and follow it until it finishes",
	Example: `  sat-processor start --rfc AAA010101AAA --direction issued \
    --from 2024-01-01 --to 2024-01-31 --cer fiel.cer --key fiel.key`,
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := time.Parse(time.DateOnly, startOpts.from)
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		to, err := time.Parse(time.DateOnly, startOpts.to)
		if err != nil {
			return fmt.Errorf("--to: %w", err)
		}
		passphrase := startOpts.passphrase
		if passphrase == "" {
			passphrase = os.Getenv("SAT_FIEL_PASSPHRASE")
		}

		certPath, keyPath, err := job.StageCredentials(
			filepath.Join(cfg.Download.Directory, "credentials"), startOpts.cer, startOpts.key)
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()
		jobID, err := services.Jobs.Start(ctx, job.StartParams{
			RFC:        startOpts.rfc,
			Direction:  models.Direction(startOpts.direction),
			Start:      from,
			End:        to,
			CertPath:   certPath,
			KeyPath:    keyPath,
			Passphrase: passphrase,
		})
		if err != nil {
			_ = os.Remove(certPath)
			_ = os.Remove(keyPath)
			return err
		}
		fmt.Fprintf(os.Stderr, "Job %s started\n", jobID)

		done := make(chan struct{})
		go func() {
			_ = services.Jobs.Wait(context.Background(), jobID)
			close(done)
		}()

		if !startOpts.quiet {
			follow(ctx, jobID, done, startInterval)
		}
		select {
		case <-done:
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "Interrupted, cancelling job...")
			if err := services.Jobs.Cancel(context.Background(), jobID); err != nil && !errors.Is(err, job.ErrJobFinished) {
				logger.Warnw("cancel on interrupt", "job_id", jobID, "err", err)
			}
			<-done
		}

		report, err := services.Jobs.Status(context.Background(), jobID)
		if err != nil {
			return err
		}
		if err := printJSON(report); err != nil {
			return err
		}
		if report.Job.Status == models.JobError {
			return fmt.Errorf("job %s failed: %s", jobID, deref(report.Job.ErrorMessage))
		}
		return nil
	},
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func init() {
	f := startCmd.Flags()
	f.StringVar(&startOpts.rfc, "rfc", "", "RFC of the taxpayer")
	f.StringVar(&startOpts.direction, "direction", string(models.DirectionIssued), "Documents issued or received by the RFC (issued|received)")
	f.StringVar(&startOpts.from, "from", "", "First day of the range (YYYY-MM-DD)")
	f.StringVar(&startOpts.to, "to", "", "Last day of the range (YYYY-MM-DD)")
	f.StringVar(&startOpts.cer, "cer", "", "FIEL certificate file (.cer)")
	f.StringVar(&startOpts.key, "key", "", "FIEL private key file (.key)")
	f.StringVar(&startOpts.passphrase, "passphrase", "", "Private key passphrase (or SAT_FIEL_PASSPHRASE)")
	f.BoolVar(&startOpts.quiet, "quiet", false, "Do not render progress")
	for _, name := range []string{"rfc", "from", "to", "cer", "key"} {
		_ = startCmd.MarkFlagRequired(name)
	}
}
