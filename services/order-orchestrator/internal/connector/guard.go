package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/amodvardhan/INDMoneyPlus/libs/trace"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/orchmetrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "order-orchestrator/connector"

type GuardOptions struct {
	PlaceTimeout  time.Duration
	StatusTimeout time.Duration
	Breaker       BreakerConfig
}

// Guarded wraps a Connector so that every call is bounded in time, traced and
// isolated behind a per-broker circuit breaker. Failures are returned as
// *Error alongside a rejected OrderResult.
type Guarded struct {
	inner   Connector
	opts    GuardOptions
	breaker *Breaker
	logger  *slog.Logger
	metrics *orchmetrics.Metrics
}

func NewGuarded(inner Connector, opts GuardOptions, logger *slog.Logger, metrics *orchmetrics.Metrics) *Guarded {
	if opts.PlaceTimeout <= 0 {
		opts.PlaceTimeout = 5 * time.Second
	}
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guarded{inner: inner, opts: opts, logger: logger, metrics: metrics}
	g.breaker = NewBreaker(opts.Breaker, func(s BreakerState) {
		g.logger.Warn("broker circuit state changed", "broker", inner.Name(), "state", s.String())
		g.metrics.SetBreakerOpen(inner.Name(), s == BreakerOpen)
	})
	return g
}

func (g *Guarded) Name() string { return g.inner.Name() }

// Unwrap exposes the wrapped connector.
func (g *Guarded) Unwrap() Connector { return g.inner }

func (g *Guarded) BreakerState() BreakerState { return g.breaker.State() }

func (g *Guarded) PlaceOrder(ctx context.Context, req PlaceRequest) (OrderResult, error) {
	ctx, span := trace.StartClientSpan(ctx, tracerName, "broker.place_order")
	defer span.End()
	span.SetAttributes(
		attribute.String("broker", g.Name()),
		attribute.Int64("instrument_id", req.InstrumentID),
		attribute.String("side", req.Side),
	)

	if !g.breaker.Allow() {
		span.SetStatus(codes.Error, ErrCircuitOpen.Error())
		return Rejected(ErrCircuitOpen.Error()), &Error{Broker: g.Name(), Op: "place_order", Retryable: true, Err: ErrCircuitOpen}
	}

	start := time.Now()
	result, err := call(ctx, g.opts.PlaceTimeout, func(cctx context.Context) (OrderResult, error) {
		return g.inner.PlaceOrder(cctx, req)
	})
	g.metrics.ConnectorCall(g.Name(), "place_order", start)

	if err != nil {
		g.breaker.RecordFailure()
		timedOut := errors.Is(err, context.DeadlineExceeded)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.logger.Warn("broker placement failed", "broker", g.Name(), "instrument_id", req.InstrumentID, "timeout", timedOut, "error", err)
		msg := err.Error()
		if timedOut {
			msg = fmt.Sprintf("broker did not respond within %s", g.opts.PlaceTimeout)
		}
		return Rejected(msg), &Error{Broker: g.Name(), Op: "place_order", Retryable: timedOut, Err: err}
	}

	g.breaker.RecordSuccess()
	if !result.Success && result.Status == "" {
		result.Status = "rejected"
	}
	span.SetAttributes(attribute.String("status", result.Status), attribute.String("ext_order_id", result.ExtOrderID))
	return result, nil
}

func (g *Guarded) GetOrderStatus(ctx context.Context, extOrderID string) (OrderResult, error) {
	ctx, span := trace.StartClientSpan(ctx, tracerName, "broker.get_order_status")
	defer span.End()
	span.SetAttributes(attribute.String("broker", g.Name()), attribute.String("ext_order_id", extOrderID))

	if !g.breaker.Allow() {
		return OrderResult{}, &Error{Broker: g.Name(), Op: "get_order_status", Retryable: true, Err: ErrCircuitOpen}
	}

	start := time.Now()
	result, err := call(ctx, g.opts.StatusTimeout, func(cctx context.Context) (OrderResult, error) {
		return g.inner.GetOrderStatus(cctx, extOrderID)
	})
	g.metrics.ConnectorCall(g.Name(), "get_order_status", start)

	if err != nil {
		if errors.Is(err, ErrUnknownOrder) {
			g.breaker.RecordSuccess()
			return OrderResult{}, &Error{Broker: g.Name(), Op: "get_order_status", Err: err}
		}
		g.breaker.RecordFailure()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return OrderResult{}, &Error{Broker: g.Name(), Op: "get_order_status", Retryable: true, Err: err}
	}
	g.breaker.RecordSuccess()
	return result, nil
}

// call runs fn with a deadline and returns as soon as the deadline passes,
// even if fn ignores its context.
func call(ctx context.Context, timeout time.Duration, fn func(context.Context) (OrderResult, error)) (OrderResult, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result OrderResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := fn(cctx)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-cctx.Done():
		return OrderResult{}, cctx.Err()
	}
}
