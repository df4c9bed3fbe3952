package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/config"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/telemetry"
)

var (
	cfgFile  string
	cfg      config.Config
	logger   *zap.SugaredLogger
	tracer   trace.Tracer
	meter    metric.Meter
	shutdown func(context.Context) error
	services *internal.Services
	Version  = "dev" // Set at build time: go build -ldflags "-X github.com/Qubut/IP-Claim/packages/sat_processor/cmd.Version=v1.0.0"
)

var RootCmd = &cobra.Command{
	Use:   "sat-processor",
	Short: "Bulk CFDI retrieval and import from the SAT",
	Long: `sat-processor requests CFDI packages from the SAT bulk download service,
downloads and unpacks them and imports every document as an invoice record.

Job state lives in the configured store. With the default in-memory store a
job is only visible to the process that started it; use store.driver=postgres
and cancel.driver=redis to inspect or cancel jobs from another invocation.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile, cmd.Root().PersistentFlags())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.Log.LogDir != "" {
			if err := os.MkdirAll(cfg.Log.LogDir, 0o755); err != nil {
				return fmt.Errorf("create log directory: %w", err)
			}
		}
		tracer, meter, logger, shutdown, err = telemetry.InitOTEL(cfg)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		if !needsServices(cmd) {
			return nil
		}
		services, err = internal.InitServices(cmd.Context(), cfg, tracer, logger, meter)
		if err != nil {
			return fmt.Errorf("init services: %w", err)
		}
		return nil
	},
}

// closeAll releases the services and flushes telemetry. It runs as a cobra
// finalizer so a failing command still closes what PersistentPreRunE opened.
func closeAll() error {
	var errs []error
	if services != nil {
		if err := services.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close services: %w", err))
		}
		services = nil
	}
	if shutdown != nil {
		if err := shutdown(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
		shutdown = nil
	}
	return errors.Join(errs...)
}

// needsServices is false for commands that only print local information.
func needsServices(cmd *cobra.Command) bool {
	switch cmd {
	case versionCmd, printConfigCmd:
		return false
	}
	return true
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of sat-processor",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Config operations",
}

var printConfigCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the current loaded configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		redacted := cfg
		if redacted.Archive.SecretKey != "" {
			redacted.Archive.SecretKey = "****"
		}
		if redacted.Cancel.Redis.Password != "" {
			redacted.Cancel.Redis.Password = "****"
		}
		if redacted.Store.Postgres.DSN != "" {
			redacted.Store.Postgres.DSN = "****"
		}
		return printJSON(redacted)
	},
}

func init() {
	RootCmd.PersistentFlags().
		StringVar(&cfgFile, "config", "", "Path to config file (yaml/json/toml)")

	// Flag map to avoid repetition
	type flagDef struct {
		name, def, usage string
	}
	flags := []flagDef{
		{"log.log-level", "info", "Log level (debug/info/warn/error)"},
		{"log.log-dir", "logs", "Directory for the rotated JSON log (empty disables file logging)"},
		{"telemetry.enabled", "false", "Enable OpenTelemetry"},
		{"telemetry.exporter", "none", "Telemetry exporter (otlp|stdout|none)"},
		{"telemetry.endpoint", "localhost:4317", "OTLP endpoint (host:port)"},
		{"telemetry.protocol", "grpc", "OTLP protocol (grpc|http)"},
		{"telemetry.service-name", "sat-processor", "Service name for telemetry"},
		{"sat.base-url", "http://localhost:8089", "SAT signing gateway base URL"},
		{"sat.timeout", "60s", "Timeout of every gateway call (duration)"},
		{"sat.rate-limit", "2", "Gateway calls per second (0 disables throttling)"},
		{"poll.initial-interval", "30s", "First wait between verification attempts"},
		{"poll.max-interval", "5m", "Longest wait between verification attempts"},
		{"poll.max-attempts", "40", "Verification attempts before giving up"},
		{"poll.max-wait", "2h", "Total time to wait for packages"},
		{"download.directory", "", "Staging directory for packages (default: system temp)"},
		{"download.max-retries", "3", "Retries per package download"},
		{"download.workers", "1", "Packages processed concurrently"},
		{"parse.mode", "regex", "Document parser (regex|xml)"},
		{"store.driver", "memory", "Record store (memory|postgres)"},
		{"store.postgres.dsn", "", "Postgres connection string"},
		{"cancel.driver", "memory", "Cancellation flags (memory|redis)"},
		{"cancel.redis.addr", "localhost:6379", "Redis address for cancellation flags"},
		{"archive.enabled", "false", "Archive downloaded packages in MinIO"},
		{"archive.endpoint", "", "MinIO endpoint (host:port)"},
		{"archive.bucket", "", "MinIO bucket"},
	}
	for _, f := range flags {
		RootCmd.PersistentFlags().String(f.name, f.def, f.usage)
	}

	cobra.OnFinalize(func() {
		if err := closeAll(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	})

	configCmd.AddCommand(printConfigCmd)

	RootCmd.AddCommand(startCmd)
	RootCmd.AddCommand(statusCmd)
	RootCmd.AddCommand(watchCmd)
	RootCmd.AddCommand(cancelCmd)
	RootCmd.AddCommand(parseCmd)
	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(configCmd)
}
