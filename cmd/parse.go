package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var parseOpts struct {
	output  string
	workers int64
}

var parseCmd = &cobra.Command{
	Use:   "parse <dir>",
	Short: "Parse local CFDI files to CSV without importing them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		out := os.Stdout
		if parseOpts.output != "" && parseOpts.output != "-" {
			f, err := os.Create(parseOpts.output)
			if err != nil {
				return fmt.Errorf("create %s: %w", parseOpts.output, err)
			}
			defer f.Close()
			out = f
		}
		res, err := services.Batch.ToCSV(ctx, args[0], out, parseOpts.workers)
		if err != nil {
			return fmt.Errorf("parse failed: %w", err)
		}
		fmt.Fprintf(os.Stderr, "%d files, %d records, %d malformed\n", res.Files, res.Records, res.Malformed)
		logger.Info("Parse completed")
		return nil
	},
}

func init() {
	parseCmd.Flags().StringVarP(&parseOpts.output, "output", "o", "-", "Output CSV path (- for stdout)")
	parseCmd.Flags().Int64Var(&parseOpts.workers, "workers", 4, "Parse workers")
}
