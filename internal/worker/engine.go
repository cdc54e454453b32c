package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/yagydev/animalmela/internal/config"
	"github.com/yagydev/animalmela/internal/messaging"
)

const maxBackoff = 30 * time.Second

var tracer = otel.Tracer("github.com/yagydev/animalmela/worker")

// HandlerRegistration binds a named handler to a topic. Several handlers may
// share a topic. When Events is set the handler only sees messages whose
// event-type header is listed; messages without the header go to everyone.
type HandlerRegistration struct {
	Name    string
	Topic   string
	Events  []string
	Handler messaging.Handler
}

func (r HandlerRegistration) accepts(msg messaging.Message) bool {
	if len(r.Events) == 0 {
		return true
	}
	t, ok := msg.Headers[messaging.HeaderEventType]
	return !ok || slices.Contains(r.Events, t)
}

// Params collects dependencies via Fx.
type Params struct {
	fx.In

	Client        messaging.Client
	Logger        *zap.Logger
	Config        config.Config
	Registrations []HandlerRegistration `group:"worker.handlers"`
}

// Engine runs Workers.Concurrency consume loops and fans every message out to
// the handlers registered for its topic.
type Engine struct {
	client        messaging.Client
	logger        *zap.Logger
	cfg           config.Messaging
	registrations map[string][]HandlerRegistration
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewEngine drops registrations without a topic or handler.
func NewEngine(p Params) *Engine {
	reg := make(map[string][]HandlerRegistration, len(p.Registrations))
	for _, r := range p.Registrations {
		if r.Topic == "" || r.Handler == nil {
			continue
		}
		reg[r.Topic] = append(reg[r.Topic], r)
	}
	return &Engine{
		client:        p.Client,
		logger:        p.Logger.Named("worker"),
		cfg:           p.Config.Messaging,
		registrations: reg,
	}
}

// Module wires the engine into Fx lifecycle.
var Module = fx.Options(
	fx.Provide(NewEngine),
	fx.Invoke(func(lc fx.Lifecycle, engine *Engine) {
		lc.Append(fx.Hook{
			OnStart: engine.start,
			OnStop:  engine.stop,
		})
	}),
)

func (e *Engine) start(context.Context) error {
	switch {
	case !e.cfg.Enabled || !e.cfg.Workers.Enabled:
		e.logger.Info("worker engine disabled")
		return nil
	case len(e.registrations) == 0:
		e.logger.Info("worker engine has no handlers; skipping")
		return nil
	}

	workers := max(e.cfg.Workers.Concurrency, 1)
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	for i := range workers {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.consumeLoop(runCtx, e.logger.With(zap.Int("worker", i)))
		}()
	}

	names := make([]string, 0)
	for _, regs := range e.registrations {
		for _, r := range regs {
			names = append(names, r.Name)
		}
	}
	e.logger.Info("worker engine started", zap.Int("workers", workers), zap.Strings("handlers", names))
	return nil
}

func (e *Engine) stop(ctx context.Context) error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		e.logger.Info("worker engine stopped")
		return nil
	}
}

// consumeLoop restarts Consume with exponential backoff until ctx ends.
func (e *Engine) consumeLoop(ctx context.Context, logger *zap.Logger) {
	backoff := time.Second
	for {
		err := e.client.Consume(ctx, e.dispatch)
		if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
			return
		}
		logger.Error("consume loop error", zap.Duration("retry_in", backoff), zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// dispatch offers msg to every interested handler. A failing handler does not
// stop the others; the joined error makes the client redeliver the message,
// so handlers must tolerate seeing it again.
func (e *Engine) dispatch(ctx context.Context, msg messaging.Message) error {
	handlers, ok := e.registrations[msg.Topic]
	if !ok {
		e.logger.Warn("no handler for topic", zap.String("topic", msg.Topic))
		return nil
	}

	var errs []error
	for _, r := range handlers {
		if !r.accepts(msg) {
			continue
		}
		if err := e.run(ctx, r, msg); err != nil {
			e.logger.Warn("handler failed",
				zap.String("handler", r.Name),
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, err))
		}
	}
	return errors.Join(errs...)
}

// run invokes one handler inside its own span and turns a panic into an error.
func (e *Engine) run(ctx context.Context, r HandlerRegistration, msg messaging.Message) (err error) {
	ctx, span := tracer.Start(ctx, "worker."+r.Name, trace.WithSpanKind(trace.SpanKindConsumer), trace.WithAttributes(
		attribute.String("messaging.destination.name", msg.Topic),
		attribute.Int64("messaging.kafka.offset", msg.Offset),
		attribute.String("event.type", msg.Headers[messaging.HeaderEventType]),
	))
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("handler panicked", zap.String("handler", r.Name), zap.Any("panic", p), zap.Stack("stack"))
			err = fmt.Errorf("handler panicked: %v", p)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler failed")
		}
		span.End()
	}()
	return r.Handler(ctx, msg)
}
