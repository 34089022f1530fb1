package audit

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"llm-audit/internal/openai"
)

// Policy is the uniform request policy the Runner applies around every
// outbound request: bounded concurrency, calling-side pacing, bounded
// retries with exponential backoff, and a hard per-request timeout.
type Policy struct {
	Parallel       int
	RateLimitSleep time.Duration
	Retries        int
	Timeout        time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Parallel:       1,
		RateLimitSleep: 200 * time.Millisecond,
		Retries:        2,
		Timeout:        60 * time.Second,
		BackoffBase:    time.Second,
		BackoffMax:     16 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	if p.Parallel < 1 {
		p.Parallel = 1
	}
	if p.Retries < 0 {
		p.Retries = 0
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = time.Second
	}
	if p.BackoffMax < p.BackoffBase {
		p.BackoffMax = p.BackoffBase
	}
	return p
}

// Do sends one request under the policy: per-attempt timeout, retries on
// retryable transport failures, exponential backoff between attempts.
// Terminal failures (4xx other than 429, cancellation) return immediately.
func (p Policy) Do(ctx context.Context, sender Sender, messages []openai.ChatMessage, params DecodingParams) (*Completion, error) {
	p = p.normalized()
	attempts := p.Retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, p.backoff(attempt)); err != nil {
				return nil, &TransportError{Retryable: false, Err: err}
			}
		}
		attemptCtx := ctx
		cancel := func() {}
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		completion, err := sender.Send(attemptCtx, messages, params)
		cancel()
		if err == nil {
			return completion, nil
		}
		lastErr = err
		te, ok := AsTransportError(err)
		if !ok || !te.Retryable {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// Dispatch runs n probe jobs with at most Parallel in flight, pacing
// issuance with RateLimitSleep. Jobs receive their index so callers can
// record outcomes order-preserving regardless of completion order.
// Cancellation stops new jobs from being issued; already-launched jobs
// observe the group context.
func (p Policy) Dispatch(ctx context.Context, n int, job func(ctx context.Context, index int)) error {
	p = p.normalized()
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.Parallel)
	for i := 0; i < n; i++ {
		if i > 0 && p.RateLimitSleep > 0 {
			if err := sleepCtx(groupCtx, p.RateLimitSleep); err != nil {
				break
			}
		}
		if groupCtx.Err() != nil {
			break
		}
		index := i
		group.Go(func() error {
			job(groupCtx, index)
			return nil
		})
	}
	_ = group.Wait()
	return ctx.Err()
}

func (p Policy) backoff(attempt int) time.Duration {
	wait := p.BackoffBase
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if wait > p.BackoffMax {
		wait = p.BackoffMax
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
