package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/addonpkg/addonpkg/pkg/addon"
	"github.com/addonpkg/addonpkg/pkg/telemetry"
)

// Limiter runs adapter calls under each source's policy: at most
// MaxConcurrent calls in flight, a timeout per attempt, and retries with
// jittered exponential backoff for transient failures. When a source
// reports a rate limit its gate closes and every call to that source waits
// for it to reopen before the next attempt.
type Limiter struct {
	registry  *Registry
	overrides map[addon.Source]int
	metrics   *telemetry.Metrics
	events    telemetry.Emitter
	log       zerolog.Logger

	mu    sync.Mutex
	lanes map[addon.Source]*lane
}

type lane struct {
	policy Policy
	sem    *semaphore.Weighted

	mu       sync.Mutex
	reopenAt time.Time
}

type LimiterOption func(*Limiter)

// WithConcurrencyOverrides replaces the concurrency ceiling of the named
// sources.
func WithConcurrencyOverrides(o map[addon.Source]int) LimiterOption {
	return func(l *Limiter) { l.overrides = o }
}

func WithMetrics(m *telemetry.Metrics) LimiterOption {
	return func(l *Limiter) { l.metrics = m }
}

func WithEvents(e telemetry.Emitter) LimiterOption {
	return func(l *Limiter) { l.events = e }
}

func WithLogger(log zerolog.Logger) LimiterOption {
	return func(l *Limiter) { l.log = log }
}

func NewLimiter(reg *Registry, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		registry: reg,
		events:   telemetry.Nop(),
		log:      zerolog.Nop(),
		lanes:    make(map[addon.Source]*lane),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) lane(src addon.Source) (*lane, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ln, ok := l.lanes[src]; ok {
		return ln, nil
	}
	a, ok := l.registry.Get(src)
	if !ok {
		return nil, fmt.Errorf("%w: %q", addon.ErrUnknownSource, src)
	}
	p := a.Policy().WithConcurrency(l.overrides[src])
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = 1
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	ln := &lane{policy: p, sem: semaphore.NewWeighted(int64(p.MaxConcurrent))}
	l.lanes[src] = ln
	return ln, nil
}

// wait blocks until the lane's rate-limit gate is open.
func (ln *lane) wait(ctx context.Context) error {
	ln.mu.Lock()
	d := time.Until(ln.reopenAt)
	ln.mu.Unlock()
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (ln *lane) closeFor(d time.Duration) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	if at := time.Now().Add(d); at.After(ln.reopenAt) {
		ln.reopenAt = at
	}
}

// Do runs call against src under its policy. The error of the last attempt
// is returned; context cancellation is returned as is.
func (l *Limiter) Do(ctx context.Context, src addon.Source, call func(context.Context) error) error {
	ln, err := l.lane(src)
	if err != nil {
		return err
	}
	p := ln.policy

	op := func() error {
		if err := ln.wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		if err := ln.sem.Acquire(ctx, 1); err != nil {
			return backoff.Permanent(err)
		}
		defer ln.sem.Release(1)

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		defer cancel()

		err := call(callCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s: no answer within %s", addon.ErrSourceError, src, p.Timeout)
		}

		var rl *addon.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			ln.closeFor(rl.RetryAfter)
		}
		if !addon.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	b.MaxElapsedTime = 0

	notify := func(err error, next time.Duration) {
		reason := "source_error"
		if errors.Is(err, addon.ErrRateLimited) {
			reason = "rate_limited"
		}
		l.metrics.IncRetry(string(src), reason)
		l.log.Debug().Err(err).Str("source", string(src)).Dur("backoff", next).Msg("retrying")
		telemetry.Emit(ctx, l.events, telemetry.Event{
			Type:    telemetry.EventResolveRetry,
			Key:     addon.Key{Source: src},
			Message: reason,
			Err:     err,
		})
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
	return backoff.RetryNotify(op, policy, notify)
}
