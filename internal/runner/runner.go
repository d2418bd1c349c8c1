package runner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tgtg_items_updater/internal/transport"
)

// DefaultSessionGrace stays below the Kafka rebalance timeout so a revoked
// partition is released before the group evicts this member.
const DefaultSessionGrace = 15 * time.Second

// Handler processes one trigger. *pipeline.Orchestrator implements it.
type Handler interface {
	Handle(ctx context.Context, msg *transport.Message) transport.Disposition
}

type Runner struct {
	consumer     transport.Consumer
	handler      Handler
	grace        time.Duration
	sessionGrace time.Duration
	logger       *slog.Logger
}

type Option func(*Runner)

// WithSessionGrace bounds how long an in-flight trigger may keep running
// after the consumer session that delivered it ends (a rebalance).
func WithSessionGrace(d time.Duration) Option {
	return func(r *Runner) { r.sessionGrace = d }
}

func NewRunner(consumer transport.Consumer, handler Handler, grace time.Duration, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		consumer:     consumer,
		handler:      handler,
		grace:        grace,
		sessionGrace: DefaultSessionGrace,
		logger:       logger.With("component", "runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start consumes triggers until ctx is cancelled. A trigger already being
// processed when ctx is cancelled gets up to the shutdown grace period to
// finish before its own context is cancelled too.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("runner started", "shutdown_grace", r.grace, "session_grace", r.sessionGrace)

	err := r.consumer.Consume(ctx, func(consumeCtx context.Context, msg *transport.Message) transport.Disposition {
		return r.process(ctx, consumeCtx, msg)
	})

	r.logger.Info("runner stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *Runner) process(runCtx, consumeCtx context.Context, msg *transport.Message) transport.Disposition {
	procCtx, cancel := context.WithCancel(context.WithoutCancel(consumeCtx))
	defer cancel()

	stopRun := r.cancelAfter(runCtx, procCtx, cancel, r.grace, "shutdown", msg, nil)
	defer stopRun()
	// on shutdown the session ends too; the shutdown grace applies then
	stopSession := r.cancelAfter(consumeCtx, procCtx, cancel, r.sessionGrace, "session ended", msg, runCtx)
	defer stopSession()

	return r.handler.Handle(procCtx, msg)
}

// cancelAfter cancels procCtx once trigger has been done for longer than
// grace, unless unless is already done by then.
func (r *Runner) cancelAfter(
	trigger, procCtx context.Context,
	cancel context.CancelFunc,
	grace time.Duration,
	reason string,
	msg *transport.Message,
	unless context.Context,
) func() bool {
	return context.AfterFunc(trigger, func() {
		if unless != nil && unless.Err() != nil {
			return
		}
		r.logger.Info("finishing in-flight trigger",
			"reason", reason,
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"grace", grace,
		)
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			r.logger.Warn("grace elapsed, cancelling in-flight trigger", "reason", reason, "offset", msg.Offset)
			cancel()
		case <-procCtx.Done():
		}
	})
}
