package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"notoristake/observability"
	telemetry "notoristake/observability/otel"
)

// MaxAttempts bounds every upstream call: the first try plus one retry.
const MaxAttempts = 2

// DefaultTimeout is the per-attempt budget when callers pass zero.
const DefaultTimeout = 10 * time.Second

// Retry runs fn with a per-attempt timeout. Only timeouts are retried, at most
// once; a second timeout is reported as ErrUpstream. Other errors are returned
// unchanged after the first attempt.
func Retry[T any](ctx context.Context, target string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		out, err := runAttempt(ctx, target, attempt, timeout, fn)
		if err == nil {
			return out, nil
		}
		if !IsTimeout(err) {
			return zero, err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < MaxAttempts {
			observability.Upstream().RecordRetry(target)
		}
	}
	return zero, fmt.Errorf("%w: %s timed out: %w", ErrUpstream, target, lastErr)
}

func runAttempt[T any](ctx context.Context, target string, attempt int, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "upstream."+target,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("upstream.attempt", attempt)),
	)
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	out, err := fn(attemptCtx)
	observability.Upstream().Observe(target, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
