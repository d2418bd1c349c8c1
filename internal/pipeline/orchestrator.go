package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tgtg_items_updater/internal/domain"
	"tgtg_items_updater/internal/schema"
	"tgtg_items_updater/internal/transport"
)

const recordTimeout = 5 * time.Second

type Config struct {
	FetchRetry   RetryPolicy
	PublishRetry RetryPolicy
}

// Orchestrator drives one trigger through decode, validation, fetch and
// publish, and decides whether the consumer may commit it.
//
// Commit policy:
//   - schema, validation, auth and malformed-response failures are rejected
//     and committed; retrying cannot fix them.
//   - provider unavailability is retried, then committed as RETRY_EXHAUSTED.
//   - publish failures are retried, then left uncommitted so the broker
//     redelivers the trigger (at-least-once; duplicates are possible).
//   - a cancelled context leaves the trigger uncommitted.
type Orchestrator struct {
	registry  *schema.Registry
	fetcher   Fetcher
	publisher Publisher
	alerter   Alerter
	reloader  CredentialReloader
	recorder  OutcomeRecorder
	logger    *slog.Logger
	config    Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Orchestrator)

func WithAlerter(a Alerter) Option {
	return func(o *Orchestrator) { o.alerter = a }
}

// WithCredentialReloader sets the hook fired after an AuthError so later
// triggers run with refreshed credentials.
func WithCredentialReloader(r CredentialReloader) Option {
	return func(o *Orchestrator) { o.reloader = r }
}

func WithOutcomeRecorder(r OutcomeRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(
	registry *schema.Registry,
	fetcher Fetcher,
	publisher Publisher,
	logger *slog.Logger,
	cfg Config,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		registry:  registry,
		fetcher:   fetcher,
		publisher: publisher,
		logger:    logger.With("component", "pipeline"),
		config:    cfg,
		now:       time.Now,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.alerter == nil {
		o.alerter = NewLogAlerter(logger)
	}
	if o.config.FetchRetry.MaxAttempts < 1 {
		o.config.FetchRetry.MaxAttempts = 1
	}
	if o.config.PublishRetry.MaxAttempts < 1 {
		o.config.PublishRetry.MaxAttempts = 1
	}
	return o
}

// run tracks one delivery of one trigger.
type run struct {
	msg       *transport.Message
	messageID string
	trigger   domain.TriggerMessage
	decoded   bool
	state     domain.State
	attempts  int
	items     int
	checkedAt time.Time
	started   time.Time
}

// Handle processes msg and reports whether it may be committed. It never
// panics on bad input and never returns an error: every failure ends in a
// terminal state for this trigger only.
func (o *Orchestrator) Handle(ctx context.Context, msg *transport.Message) transport.Disposition {
	r := &run{msg: msg, state: domain.StateReceived, started: o.now()}

	trigger, env, err := o.registry.DecodeTrigger(msg.Value)
	if env != nil {
		r.messageID = env.ID
	}
	if err != nil {
		return o.finish(ctx, r, domain.StateRejected, err, transport.Commit)
	}
	r.trigger = trigger
	r.decoded = true

	if err := trigger.Validate(); err != nil {
		return o.finish(ctx, r, domain.StateRejected, err, transport.Commit)
	}
	r.state = domain.StateValidated

	var items []domain.Item
	var checkedAt time.Time
	attempts, err := o.retry(ctx, o.config.FetchRetry, "fetch", r, func(ctx context.Context) error {
		var fetchErr error
		items, checkedAt, fetchErr = o.fetcher.Fetch(ctx, trigger)
		return fetchErr
	})
	r.attempts = attempts
	if err != nil {
		return o.fetchFailed(ctx, r, err)
	}
	r.state = domain.StateFetched
	r.items = len(items)
	r.checkedAt = checkedAt

	result := domain.FetchedItems{
		TriggerMessage: trigger,
		CheckedAt:      domain.NewTimestamp(checkedAt),
		Items:          items,
	}
	attempts, err = o.retry(ctx, o.config.PublishRetry, "publish", r, func(ctx context.Context) error {
		return o.publisher.Publish(ctx, result)
	})
	r.attempts = attempts
	if err != nil {
		return o.publishFailed(ctx, r, err)
	}

	return o.finish(ctx, r, domain.StatePublished, nil, transport.Commit)
}

func (o *Orchestrator) fetchFailed(ctx context.Context, r *run, err error) transport.Disposition {
	if ctx.Err() != nil {
		return o.abandon(ctx, r, err)
	}

	switch domain.KindOf(err) {
	case domain.KindAuth:
		o.alerter.Alert(ctx, domain.Alert{
			Kind:      domain.KindAuth,
			Reason:    "provider rejected credentials",
			Trigger:   r.trigger,
			Err:       err,
			RaisedAt:  o.now(),
			MessageID: r.messageID,
		})
		o.reloadCredentials()
		return o.finish(ctx, r, domain.StateRejected, err, transport.Commit)
	case domain.KindValidation, domain.KindMalformedResponse:
		return o.finish(ctx, r, domain.StateRejected, err, transport.Commit)
	default:
		return o.finish(ctx, r, domain.StateRetryExhausted, err, transport.Commit)
	}
}

func (o *Orchestrator) publishFailed(ctx context.Context, r *run, err error) transport.Disposition {
	if ctx.Err() != nil {
		return o.abandon(ctx, r, err)
	}

	switch domain.KindOf(err) {
	case domain.KindSchema:
		return o.finish(ctx, r, domain.StateRejected, err, transport.Commit)
	default:
		return o.finish(ctx, r, domain.StateRetryExhausted, err, transport.Redeliver)
	}
}

// abandon leaves the trigger uncommitted in its current, non-terminal state
// because processing was cancelled.
func (o *Orchestrator) abandon(ctx context.Context, r *run, err error) transport.Disposition {
	return o.finish(ctx, r, r.state, err, transport.Redeliver)
}

func (o *Orchestrator) retry(
	ctx context.Context,
	policy RetryPolicy,
	step string,
	r *run,
	fn func(ctx context.Context) error,
) (int, error) {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !domain.KindOf(err).Transient() || attempt >= policy.MaxAttempts {
			return attempt, err
		}

		backoff := policy.Backoff(attempt)
		o.logger.Warn(step+" failed, retrying",
			"trigger", r.trigger,
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"backoff", backoff,
			"error", err,
		)

		if sleepErr := o.sleep(ctx, backoff); sleepErr != nil {
			return attempt, errors.Join(err, sleepErr)
		}
	}
}

func (o *Orchestrator) reloadCredentials() {
	if o.reloader == nil {
		return
	}
	if err := o.reloader.Reload(); err != nil {
		o.logger.Error("credentials reload failed", "error", err)
	}
}

func (o *Orchestrator) finish(ctx context.Context, r *run, state domain.State, err error, disp transport.Disposition) transport.Disposition {
	r.state = state
	elapsed := o.now().Sub(r.started)

	attrs := o.attrs(r, err)
	attrs = append(attrs, "disposition", disp.String(), "elapsed", elapsed)

	switch {
	case !state.Terminal():
		o.logger.Warn("trigger processing interrupted, leaving uncommitted", attrs...)
	case state == domain.StatePublished:
		o.logger.Info("trigger processed", attrs...)
	case state == domain.StateRetryExhausted:
		o.logger.Error("trigger processing gave up", attrs...)
	default:
		o.logger.Warn("trigger rejected", attrs...)
	}

	o.record(ctx, r, err, elapsed, disp)
	return disp
}

func (o *Orchestrator) attrs(r *run, err error) []any {
	attrs := []any{
		"state", string(r.state),
		"topic", r.msg.Topic,
		"partition", r.msg.Partition,
		"offset", r.msg.Offset,
		"redelivered", r.msg.Redelivered,
		"attempts", r.attempts,
	}
	if r.messageID != "" {
		attrs = append(attrs, "message_id", r.messageID)
	}
	if r.decoded {
		attrs = append(attrs, "trigger", r.trigger)
	}
	if r.state == domain.StatePublished {
		attrs = append(attrs, "items", r.items)
	}
	if err != nil {
		attrs = append(attrs, "error_kind", domain.KindOf(err).String(), "error", err)
	}
	return attrs
}

func (o *Orchestrator) record(ctx context.Context, r *run, err error, elapsed time.Duration, disp transport.Disposition) {
	if o.recorder == nil {
		return
	}

	outcome := &domain.Outcome{
		MessageID:     r.messageID,
		Topic:         r.msg.Topic,
		Partition:     r.msg.Partition,
		Offset:        r.msg.Offset,
		State:         r.state,
		Attempts:      r.attempts,
		ItemCount:     r.items,
		Latitude:      r.trigger.Latitude,
		Longitude:     r.trigger.Longitude,
		Radius:        r.trigger.Radius,
		FavoritesOnly: r.trigger.FavoritesOnly,
		Elapsed:       elapsed,
		Committed:     disp == transport.Commit,
		RecordedAt:    o.now().UTC(),
	}
	if !r.checkedAt.IsZero() {
		checkedAt := r.checkedAt
		outcome.CheckedAt = &checkedAt
	}
	if err != nil {
		outcome.ErrorKind = domain.KindOf(err).String()
		outcome.Error = err.Error()
	}

	// interrupted triggers are recorded too, so the write must outlive ctx
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if recErr := o.recorder.Record(recCtx, outcome); recErr != nil {
		o.logger.Error("failed to record outcome", "state", string(r.state), "error", recErr)
	}
}
