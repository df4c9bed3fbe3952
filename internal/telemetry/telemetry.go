package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/config"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/logger"
)

const version = "1.0.0"

// Noop returns instruments that record nothing and a logger that discards.
func Noop() (trace.Tracer, metric.Meter, *zap.SugaredLogger) {
	return tracenoop.NewTracerProvider().Tracer("sat-processor"),
		metricnoop.NewMeterProvider().Meter("sat-processor"),
		zap.NewNop().Sugar()
}

// InitOTEL sets up providers, tracer, meter, and returns them + bridged logger.
// With telemetry disabled only the file logger is built.
func InitOTEL(
	cfg config.Config,
) (trace.Tracer, metric.Meter, *zap.SugaredLogger, func(context.Context) error, error) {
	tc := cfg.Telemetry
	if !tc.Enabled || tc.Exporter == "none" || tc.Exporter == "" {
		tracer, meter, _ := Noop()
		fileLogger := logger.NewLogger(cfg.Log.LogDir, cfg.Log.LogLevel)
		return tracer, meter, fileLogger, func(context.Context) error {
			_ = fileLogger.Sync()
			return nil
		}, nil
	}

	ctx := context.Background()
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceNameKey.String(tc.ServiceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	traceExp, err := newTraceExporter(ctx, tc)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("trace exporter: %w", err)
	}
	logExp, err := newLogExporter(ctx, tc)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("log exporter: %w", err)
	}
	metricExp, err := newMetricExporter(ctx, tc)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
	)
	otel.SetMeterProvider(mp)

	lp := log.NewLoggerProvider(
		log.WithProcessor(log.NewBatchProcessor(logExp)),
		log.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	cores := []zapcore.Core{
		otelzap.NewCore(
			tc.ServiceName,
			otelzap.WithLoggerProvider(lp),
			otelzap.WithVersion(version),
		),
	}
	if path := logger.Path(cfg.Log.LogDir); path != "" {
		cores = append(cores, logger.FileCore(path, logger.Level(cfg.Log.LogLevel)))
	}
	zapLogger := zap.New(zapcore.NewTee(cores...))

	shutdown := func(ctx context.Context) error {
		_ = zapLogger.Sync()
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx), lp.Shutdown(ctx))
	}
	return otel.Tracer(tc.ServiceName), otel.Meter(tc.ServiceName), zapLogger.Sugar(), shutdown, nil
}

func newTraceExporter(ctx context.Context, tc config.Telemetry) (sdktrace.SpanExporter, error) {
	switch tc.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		var client otlptrace.Client
		switch tc.Protocol {
		case "", "grpc":
			opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(tc.Endpoint)}
			if tc.Insecure {
				opts = append(opts, otlptracegrpc.WithInsecure())
			}
			if len(tc.Headers) > 0 {
				opts = append(opts, otlptracegrpc.WithHeaders(tc.Headers))
			}
			client = otlptracegrpc.NewClient(opts...)
		case "http":
			opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(tc.Endpoint)}
			if tc.Insecure {
				opts = append(opts, otlptracehttp.WithInsecure())
			}
			if len(tc.Headers) > 0 {
				opts = append(opts, otlptracehttp.WithHeaders(tc.Headers))
			}
			client = otlptracehttp.NewClient(opts...)
		default:
			return nil, fmt.Errorf("invalid protocol: %s", tc.Protocol)
		}
		return otlptrace.New(ctx, client)
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", tc.Exporter)
	}
}

func newLogExporter(ctx context.Context, tc config.Telemetry) (log.Exporter, error) {
	switch tc.Exporter {
	case "stdout":
		return stdoutlog.New()
	case "otlp":
		switch tc.Protocol {
		case "", "grpc":
			opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(tc.Endpoint)}
			if tc.Insecure {
				opts = append(opts, otlploggrpc.WithInsecure())
			}
			if len(tc.Headers) > 0 {
				opts = append(opts, otlploggrpc.WithHeaders(tc.Headers))
			}
			return otlploggrpc.New(ctx, opts...)
		case "http":
			opts := []otlploghttp.Option{otlploghttp.WithEndpoint(tc.Endpoint)}
			if tc.Insecure {
				opts = append(opts, otlploghttp.WithInsecure())
			}
			if len(tc.Headers) > 0 {
				opts = append(opts, otlploghttp.WithHeaders(tc.Headers))
			}
			return otlploghttp.New(ctx, opts...)
		}
		return nil, fmt.Errorf("invalid protocol: %s", tc.Protocol)
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", tc.Exporter)
	}
}

func newMetricExporter(ctx context.Context, tc config.Telemetry) (sdkmetric.Exporter, error) {
	switch tc.Exporter {
	case "stdout":
		return stdoutmetric.New(stdoutmetric.WithPrettyPrint())
	case "otlp":
		switch tc.Protocol {
		case "", "grpc":
			opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(tc.Endpoint)}
			if tc.Insecure {
				opts = append(opts, otlpmetricgrpc.WithInsecure())
			}
			if len(tc.Headers) > 0 {
				opts = append(opts, otlpmetricgrpc.WithHeaders(tc.Headers))
			}
			return otlpmetricgrpc.New(ctx, opts...)
		case "http":
			opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(tc.Endpoint)}
			if tc.Insecure {
				opts = append(opts, otlpmetrichttp.WithInsecure())
			}
			if len(tc.Headers) > 0 {
				opts = append(opts, otlpmetrichttp.WithHeaders(tc.Headers))
			}
			return otlpmetrichttp.New(ctx, opts...)
		}
		return nil, fmt.Errorf("invalid protocol: %s", tc.Protocol)
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", tc.Exporter)
	}
}
