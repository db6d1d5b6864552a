package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/xraph/billing/organization"
	"github.com/xraph/billing/types"
)

// GuardConfig tunes the timeout and breaker wrapped around a Processor.
type GuardConfig struct {
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	MaxRequests      uint32        `json:"max_requests" yaml:"max_requests"`
	Interval         time.Duration `json:"interval" yaml:"interval"`
	OpenTimeout      time.Duration `json:"open_timeout" yaml:"open_timeout"`
	FailureThreshold uint32        `json:"failure_threshold" yaml:"failure_threshold"`
}

// DefaultGuardConfig returns the defaults used by the engine.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Timeout:          30 * time.Second,
		MaxRequests:      1,
		Interval:         time.Minute,
		OpenTimeout:      30 * time.Second,
		FailureThreshold: 5,
	}
}

// Guard bounds every call to the wrapped Processor with a timeout and
// stops calling it while it keeps failing. Declines do not count as
// processor failures.
type Guard struct {
	next    Processor
	breaker *gobreaker.CircuitBreaker[Result]
	timeout time.Duration
	logger  *slog.Logger
}

// NewGuard wraps next.
func NewGuard(next Processor, cfg GuardConfig, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGuardConfig().Timeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultGuardConfig().FailureThreshold
	}

	settings := gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("processor circuit breaker state changed",
				"processor", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
	}

	return &Guard{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker[Result](settings),
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

func (g *Guard) Name() string { return g.next.Name() }

// PaymentContext moves no money and is only bounded by the timeout.
func (g *Guard) PaymentContext(ctx context.Context, org *organization.Organization) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.next.PaymentContext(ctx, org)
}

func (g *Guard) CreatePayment(ctx context.Context, req PaymentRequest) (Result, error) {
	return g.call(ctx, "create_payment", func(ctx context.Context) (Result, error) {
		return g.next.CreatePayment(ctx, req)
	})
}

func (g *Guard) RefundPayment(ctx context.Context, processorChargeID string, amount types.Money) (Result, error) {
	return g.call(ctx, "refund_payment", func(ctx context.Context) (Result, error) {
		return g.next.RefundPayment(ctx, processorChargeID, amount)
	})
}

func (g *Guard) PaymentStatus(ctx context.Context, lookup Lookup) (Result, error) {
	return g.call(ctx, "payment_status", func(ctx context.Context) (Result, error) {
		return g.next.PaymentStatus(ctx, lookup)
	})
}

type outcome struct {
	res Result
	err error
}

func (g *Guard) call(ctx context.Context, op string, fn func(context.Context) (Result, error)) (Result, error) {
	res, err := g.breaker.Execute(func() (Result, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		done := make(chan outcome, 1)
		go func() {
			r, err := fn(callCtx)
			done <- outcome{res: r, err: err}
		}()

		select {
		case o := <-done:
			if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return o.res, fmt.Errorf("%w: %s after %s", ErrProcessorTimeout, op, g.timeout)
			}
			return o.res, o.err
		case <-callCtx.Done():
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			return Result{}, fmt.Errorf("%w: %s after %s", ErrProcessorTimeout, op, g.timeout)
		}
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		g.logger.Warn("processor call rejected by circuit breaker", "processor", g.Name(), "op", op)
		return Result{}, fmt.Errorf("%w: %s: %v", ErrProcessorUnavailable, op, err)
	}
	return res, err
}
