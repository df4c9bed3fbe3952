package internal

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/archive"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/cancel"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/config"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/download"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/extract"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/job"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/parse"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/poll"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/sat"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/store"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/store/memory"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/store/postgres"
)

type Services struct {
	Jobs    JobRunnerInterface
	Batch   BatchParserInterface
	closers []func() error
}

// Close releases the store and the cancellation backend.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func InitServices(
	ctx context.Context,
	cfg config.Config,
	tracer trace.Tracer,
	logger *zap.SugaredLogger,
	meter metric.Meter,
) (*Services, error) {
	svc := &Services{}
	ok := false
	defer func() {
		if !ok {
			_ = svc.Close()
		}
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	svc.closers = append(svc.closers, func() error { st.Close(); return nil })

	flags, err := openFlags(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if rf, isRedis := flags.(*cancel.RedisFlags); isRedis {
		svc.closers = append(svc.closers, rf.Close)
	}

	client, err := sat.NewHTTPClient(cfg, tracer, logger, meter)
	if err != nil {
		return nil, err
	}
	poller, err := poll.NewPoller(cfg, client, tracer, logger, meter)
	if err != nil {
		return nil, err
	}
	downloader, err := download.NewDownloader(cfg, client, tracer, logger, meter)
	if err != nil {
		return nil, err
	}
	extractor, err := extract.NewExtractor(cfg, tracer, logger, meter)
	if err != nil {
		return nil, err
	}
	parser, err := parse.New(cfg.Parse.Mode)
	if err != nil {
		return nil, err
	}

	deps := job.Dependencies{
		Store:      st,
		Gateway:    client,
		Poller:     poller,
		Downloader: downloader,
		Extractor:  extractor,
		Parser:     parser,
		Flags:      flags,
	}
	if cfg.Archive.Enabled {
		ms, err := archive.NewMinioStore(cfg.Archive, logger)
		if err != nil {
			return nil, err
		}
		if err := ms.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		deps.Archive = ms
	}

	jobs, err := job.NewService(cfg, deps, tracer, logger, meter)
	if err != nil {
		return nil, err
	}
	batch, err := parse.NewBatch(cfg, tracer, logger, meter)
	if err != nil {
		return nil, err
	}

	svc.Jobs = jobs
	svc.Batch = batch
	ok = true
	return svc, nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return memory.New(), nil
	case "postgres":
		s, err := postgres.Open(ctx, cfg.Store.Postgres)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func openFlags(ctx context.Context, cfg config.Config) (cancel.Flags, error) {
	switch cfg.Cancel.Driver {
	case "", "memory":
		return cancel.NewMemoryFlags(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cancel.Redis.Addr,
			Password: cfg.Cancel.Redis.Password,
			DB:       cfg.Cancel.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Cancel.Redis.Addr, err)
		}
		return cancel.NewRedisFlags(client), nil
	default:
		return nil, fmt.Errorf("unknown cancel driver %q", cfg.Cancel.Driver)
	}
}
