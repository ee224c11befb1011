package gateway

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/abdoElHodaky/breakoutengine/internal/types"
	"github.com/abdoElHodaky/breakoutengine/internal/xerrors"
)

// ResilientGateway wraps an ExchangeGateway's order-lifecycle RPCs with a
// token-bucket rate limiter and a circuit breaker, generalizing the
// teacher's CircuitBreakerFactory (internal/architecture/fx/resilience)
// away from fx injection into a plain constructor. Per spec.md §5, every
// order RPC (place, cancel, query) carries a per-call timeout and transient
// transport errors are retried with jittered backoff; business rejections
// are never retried. Market-data subscriptions pass through unwrapped.
type ResilientGateway struct {
	ExchangeGateway
	logger  *zap.Logger
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration

	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	backoffFactor  float64
	jitter         float64
}

// ResilientConfig controls rate limiting, breaker trip thresholds, the
// per-call RPC timeout (spec.md §5 default 5s) and the jittered-backoff
// retry applied to transient transport failures only (spec.md §5, §7).
type ResilientConfig struct {
	RequestsPerSecond float64
	Burst             int
	CallTimeout       time.Duration
	BreakerName       string

	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         float64 // fraction of the computed backoff randomized, 0.0-1.0
}

func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		RequestsPerSecond: 20, Burst: 10, CallTimeout: 5 * time.Second, BreakerName: "gateway",
		MaxRetries: 3, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 2 * time.Second,
		BackoffFactor: 2.0, Jitter: 0.2,
	}
}

// NewResilientGateway wraps an underlying gateway.
func NewResilientGateway(underlying ExchangeGateway, cfg ResilientConfig, logger *zap.Logger) *ResilientGateway {
	settings := gobreaker.Settings{
		Name:        cfg.BreakerName,
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(maxInt(counts.Requests, 1))
			return counts.Requests >= 10 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("gateway circuit breaker state change",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	g := &ResilientGateway{
		ExchangeGateway: underlying,
		logger:          logger,
		limiter:         rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cb:              gobreaker.NewCircuitBreaker(settings),
		timeout:         cfg.CallTimeout,
		maxRetries:      cfg.MaxRetries,
		initialBackoff:  cfg.InitialBackoff,
		maxBackoff:      cfg.MaxBackoff,
		backoffFactor:   cfg.BackoffFactor,
		jitter:          cfg.Jitter,
	}
	if g.initialBackoff <= 0 {
		g.initialBackoff = 100 * time.Millisecond
	}
	if g.maxBackoff <= 0 {
		g.maxBackoff = 2 * time.Second
	}
	if g.backoffFactor <= 1 {
		g.backoffFactor = 2.0
	}
	return g
}

func maxInt(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// PlaceOrder overrides the embedded interface's method, wrapping the call
// with the breaker/limiter/timeout stack.
func (g *ResilientGateway) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (types.Order, error) {
	return g.callOrder(ctx, func(ctx context.Context) (types.Order, error) {
		return g.ExchangeGateway.PlaceOrder(ctx, req)
	})
}

// CancelOrder overrides the embedded interface's method analogously.
func (g *ResilientGateway) CancelOrder(ctx context.Context, orderID string) error {
	_, err := g.callOrder(ctx, func(ctx context.Context) (types.Order, error) {
		return types.Order{}, g.ExchangeGateway.CancelOrder(ctx, orderID)
	})
	return err
}

// QueryOrder overrides the embedded interface's method analogously.
func (g *ResilientGateway) QueryOrder(ctx context.Context, orderID string) (types.Order, error) {
	return g.callOrder(ctx, func(ctx context.Context) (types.Order, error) {
		return g.ExchangeGateway.QueryOrder(ctx, orderID)
	})
}

// callOrder runs fn through the limiter, per-call timeout and circuit
// breaker, retrying with jittered exponential backoff when the resulting
// error classifies as transient transport (spec.md §5, §7). Business
// rejections and breaker-open faults return on the first attempt, adapted
// from the teacher's internal/architecture/retry.go backoff shape.
func (g *ResilientGateway) callOrder(ctx context.Context, fn func(context.Context) (types.Order, error)) (types.Order, error) {
	var lastErr error

	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return types.Order{}, xerrors.New(xerrors.CategoryTransientTransport, xerrors.CodeGatewayTimeout,
				"rate limiter wait cancelled").WithCause(err)
		}

		result, err := func() (types.Order, error) {
			callCtx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			res, err := g.cb.Execute(func() (interface{}, error) {
				return fn(callCtx)
			})
			if err != nil {
				return types.Order{}, err
			}
			return res.(types.Order), nil
		}()
		if err == nil {
			return result, nil
		}

		xerr := classifyGatewayErr(err)
		lastErr = xerr
		if !xerr.(*xerrors.Error).Retryable() || attempt == g.maxRetries {
			return types.Order{}, xerr
		}

		wait := backoffFor(attempt, g.initialBackoff, g.maxBackoff, g.backoffFactor, g.jitter)
		g.logger.Debug("retrying gateway call after transient transport error",
			zap.Error(xerr), zap.Int("attempt", attempt+1), zap.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return types.Order{}, xerrors.New(xerrors.CategoryTransientTransport, xerrors.CodeGatewayTimeout,
				"retry aborted by context cancellation").WithCause(ctx.Err())
		}
	}
	return types.Order{}, lastErr
}

// backoffFor computes the jittered exponential backoff duration for a given
// retry attempt (0-indexed), mirroring the teacher's calculateBackoff.
func backoffFor(attempt int, initial, maxWait time.Duration, factor, jitterFrac float64) time.Duration {
	backoff := float64(initial) * math.Pow(factor, float64(attempt))
	if backoff > float64(maxWait) {
		backoff = float64(maxWait)
	}
	if jitterFrac > 0 {
		jitter := jitterFrac * backoff
		backoff = backoff - (jitter / 2) + (rand.Float64() * jitter)
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}

// classifyGatewayErr maps a breaker/transport error onto the spec.md §7
// taxonomy. Business rejections bubbling up from the underlying gateway are
// expected to already be *xerrors.Error and pass through unchanged.
func classifyGatewayErr(err error) error {
	if _, ok := err.(*xerrors.Error); ok {
		return err
	}
	if err == context.DeadlineExceeded {
		return xerrors.New(xerrors.CategoryTransientTransport, xerrors.CodeGatewayTimeout, "gateway call timed out").WithCause(err)
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return xerrors.New(xerrors.CategoryGlobalFault, xerrors.CodePersistentGatewayDown, "gateway circuit open").WithCause(err)
	}
	return xerrors.New(xerrors.CategoryTransientTransport, xerrors.CodeGatewayNetwork, "gateway transport error").WithCause(err)
}
