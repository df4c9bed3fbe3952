// Package poll waits for the packages of a SAT bulk request to become available.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/config"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/sat"
)

// PollTimeoutError is terminal for the job: no package became available
// within the allotted attempts or wait.
type PollTimeoutError struct {
	RequestID string
	Attempts  int
	Waited    time.Duration
	Last      error
}

func (e *PollTimeoutError) Error() string {
	msg := fmt.Sprintf("no packages available for request %s after %d attempts (%s)",
		e.RequestID, e.Attempts, e.Waited.Round(time.Millisecond))
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *PollTimeoutError) Unwrap() error { return e.Last }

var errNotReady = errors.New("packages not ready")

type Verifier interface {
	Verify(ctx context.Context, session sat.Session, requestID string) (sat.Verification, error)
}

type Poller struct {
	Verifier        Verifier
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
	MaxWait         time.Duration
	Logger          *zap.SugaredLogger
	Tracer          trace.Tracer
	attemptsTotal   metric.Int64Counter
	waitDuration    metric.Int64Histogram
}

func NewPoller(
	cfg config.Config,
	verifier Verifier,
	tracer trace.Tracer,
	logger *zap.SugaredLogger,
	meter metric.Meter,
) (*Poller, error) {
	p := &Poller{
		Verifier:        verifier,
		InitialInterval: cfg.Poll.InitialInterval,
		MaxInterval:     cfg.Poll.MaxInterval,
		MaxAttempts:     cfg.Poll.MaxAttempts,
		MaxWait:         cfg.Poll.MaxWait,
		Logger:          logger,
		Tracer:          tracer,
	}
	var err error
	p.attemptsTotal, err = meter.Int64Counter(
		"poll.attempts.total",
		metric.WithDescription("Verification attempts against the SAT"),
	)
	if err != nil {
		return nil, err
	}
	p.waitDuration, err = meter.Int64Histogram(
		"poll.wait.duration",
		metric.WithDescription("Time until packages became available"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// WaitForPackages verifies requestID with exponential backoff until at least
// one package id is returned. Rejections are returned immediately.
func (p *Poller) WaitForPackages(ctx context.Context, session sat.Session, requestID string) ([]string, error) {
	ctx, span := p.Tracer.Start(ctx, "poll.wait", trace.WithAttributes(
		attribute.String("request_id", requestID),
	))
	defer span.End()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.1

	start := time.Now()
	attempts := 0
	operation := func() ([]string, error) {
		attempts++
		p.attemptsTotal.Add(ctx, 1)
		v, err := p.Verifier.Verify(ctx, session, requestID)
		if err != nil {
			var rejected *sat.RequestRejectedError
			if errors.As(err, &rejected) {
				return nil, backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			p.Logger.Warnw("Verification failed, retrying", "request_id", requestID, "attempt", attempts, "err", err)
			return nil, err
		}
		switch v.State {
		case sat.StateRejected, sat.StateExpired:
			return nil, backoff.Permanent(&sat.RequestRejectedError{
				RequestID: requestID,
				Code:      v.Code,
				Message:   fmt.Sprintf("request %s: %s", v.State, v.Message),
			})
		}
		ids := dedupe(v.PackageIDs)
		if len(ids) == 0 {
			p.Logger.Debugw("Packages not ready", "request_id", requestID, "state", v.State, "attempt", attempts)
			return nil, errNotReady
		}
		return ids, nil
	}

	ids, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(p.MaxWait),
	)
	waited := time.Since(start)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		var rejected *sat.RequestRejectedError
		if errors.As(err, &rejected) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var last error
		if !errors.Is(err, errNotReady) {
			last = err
		}
		return nil, &PollTimeoutError{RequestID: requestID, Attempts: attempts, Waited: waited, Last: last}
	}
	p.waitDuration.Record(ctx, waited.Milliseconds())
	p.Logger.Infow("Packages available", "request_id", requestID, "count", len(ids), "attempts", attempts)
	return ids, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
