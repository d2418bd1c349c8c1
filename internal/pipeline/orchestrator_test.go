package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"tgtg_items_updater/internal/domain"
	"tgtg_items_updater/internal/pipeline/mocks"
	"tgtg_items_updater/internal/schema"
	"tgtg_items_updater/internal/transport"
)

type OrchestratorTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller

	fetcher   *mocks.MockFetcher
	publisher *mocks.MockPublisher
	alerter   *mocks.MockAlerter
	reloader  *mocks.MockCredentialReloader

	registry *schema.Registry
	logs     *bytes.Buffer
	now      time.Time
	sleeps   []time.Duration

	orchestrator *Orchestrator
}

func (s *OrchestratorTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.fetcher = mocks.NewMockFetcher(s.ctrl)
	s.publisher = mocks.NewMockPublisher(s.ctrl)
	s.alerter = mocks.NewMockAlerter(s.ctrl)
	s.reloader = mocks.NewMockCredentialReloader(s.ctrl)

	s.registry = schema.Default()
	s.logs = &bytes.Buffer{}
	s.now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.sleeps = nil

	s.orchestrator = s.newOrchestrator()
}

func (s *OrchestratorTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestOrchestratorTestSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorTestSuite))
}

func (s *OrchestratorTestSuite) newOrchestrator(opts ...Option) *Orchestrator {
	logger := slog.New(slog.NewJSONHandler(s.logs, nil))
	cfg := Config{
		FetchRetry:   RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second},
		PublishRetry: RetryPolicy{MaxAttempts: 2, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second},
	}
	opts = append([]Option{
		WithAlerter(s.alerter),
		WithCredentialReloader(s.reloader),
		WithClock(func() time.Time { return s.now }),
	}, opts...)

	o := NewOrchestrator(s.registry, s.fetcher, s.publisher, logger, cfg, opts...)
	o.sleep = func(_ context.Context, d time.Duration) error {
		s.sleeps = append(s.sleeps, d)
		return nil
	}
	return o
}

func (s *OrchestratorTestSuite) message(trigger domain.TriggerMessage) *transport.Message {
	_, data, err := s.registry.EncodeTrigger(trigger)
	s.Require().NoError(err)
	return &transport.Message{Topic: "tgtg_notifier.trigger", Partition: 0, Offset: 7, Value: data}
}

// logLines returns the decoded JSON log entries with the given message.
func (s *OrchestratorTestSuite) logLines(msg string) []map[string]any {
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(s.logs.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var entry map[string]any
		s.Require().NoError(json.Unmarshal(line, &entry))
		if entry["msg"] == msg {
			out = append(out, entry)
		}
	}
	return out
}

func (s *OrchestratorTestSuite) TestHandle_PublishesFetchedItems() {
	trigger := domain.TriggerMessage{Latitude: 52.23, Longitude: 21.01, Radius: 5, FavoritesOnly: true}
	items := []domain.Item{json.RawMessage(`{"item_id":"x1"}`), json.RawMessage(`{"item_id":"x2"}`)}
	checkedAt := s.now.Add(-time.Second)

	s.fetcher.EXPECT().Fetch(gomock.Any(), trigger).Return(items, checkedAt, nil)
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, result domain.FetchedItems) error {
			s.Equal(trigger, result.TriggerMessage)
			s.Equal(checkedAt, result.CheckedAt.Time)
			s.Require().Len(result.Items, 2)
			s.JSONEq(`{"item_id":"x1"}`, string(result.Items[0]))
			s.JSONEq(`{"item_id":"x2"}`, string(result.Items[1]))
			return nil
		},
	)

	disp := s.orchestrator.Handle(context.Background(), s.message(trigger))

	s.Equal(transport.Commit, disp)
	lines := s.logLines("trigger processed")
	s.Require().Len(lines, 1)
	s.Equal(string(domain.StatePublished), lines[0]["state"])
	s.Equal(float64(2), lines[0]["items"])
}

func (s *OrchestratorTestSuite) TestHandle_EmptyResultIsPublished() {
	trigger := domain.TriggerMessage{Latitude: 1, Longitude: 2, Radius: 3}

	s.fetcher.EXPECT().Fetch(gomock.Any(), trigger).Return([]domain.Item{}, s.now, nil)
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, result domain.FetchedItems) error {
			s.NotNil(result.Items)
			s.Empty(result.Items)
			return nil
		},
	)

	s.Equal(transport.Commit, s.orchestrator.Handle(context.Background(), s.message(trigger)))
}

func (s *OrchestratorTestSuite) TestHandle_InvalidTriggerNeverReachesProvider() {
	trigger := domain.TriggerMessage{Latitude: 52.23, Longitude: 21.01, Radius: 0}

	disp := s.orchestrator.Handle(context.Background(), s.message(trigger))

	s.Equal(transport.Commit, disp)
	lines := s.logLines("trigger rejected")
	s.Require().Len(lines, 1)
	s.Equal("ValidationError", lines[0]["error_kind"])
}

func (s *OrchestratorTestSuite) TestHandle_SchemaErrorIsRejected() {
	msgs := [][]byte{
		[]byte(`not json`),
		[]byte(`{"id":"1","schema_name":"FetchedItems","schema_version":1,"payload":{}}`),
		[]byte(`{"id":"2","schema_name":"Trigger","schema_version":1,"payload":{"latitude":1,"longitude":2}}`),
	}

	for _, value := range msgs {
		disp := s.orchestrator.Handle(context.Background(), &transport.Message{Topic: "t", Value: value})
		s.Equal(transport.Commit, disp)
	}

	lines := s.logLines("trigger rejected")
	s.Require().Len(lines, 3)
	for _, line := range lines {
		s.Equal("SchemaError", line["error_kind"])
	}
}

func (s *OrchestratorTestSuite) TestHandle_AuthErrorAlertsAndSkipsPublish() {
	trigger := domain.TriggerMessage{Latitude: 1, Longitude: 2, Radius: 3}
	authErr := domain.NewError(domain.KindAuth, "fetch items", errors.New("status 401"))

	s.fetcher.EXPECT().Fetch(gomock.Any(), trigger).Return(nil, s.now, authErr).Times(1)
	s.alerter.EXPECT().Alert(gomock.Any(), gomock.Any()).Do(func(_ context.Context, alert domain.Alert) {
		s.Equal(domain.KindAuth, alert.Kind)
		s.Equal(trigger, alert.Trigger)
		s.ErrorIs(alert.Err, authErr)
	})
	s.reloader.EXPECT().Reload().Return(nil)

	disp := s.orchestrator.Handle(context.Background(), s.message(trigger))

	s.Equal(transport.Commit, disp)
	s.Empty(s.sleeps)
	lines := s.logLines("trigger rejected")
	s.Require().Len(lines, 1)
	s.Equal("AuthError", lines[0]["error_kind"])
}

func (s *OrchestratorTestSuite) TestHandle_MalformedResponseThenNextTrigger() {
	bad := domain.TriggerMessage{Latitude: 1, Longitude: 2, Radius: 3}
	good := domain.TriggerMessage{Latitude: 4, Longitude: 5, Radius: 6}

	gomock.InOrder(
		s.fetcher.EXPECT().Fetch(gomock.Any(), bad).
			Return(nil, s.now, domain.NewError(domain.KindMalformedResponse, "decode items", errors.New("missing items"))),
		s.fetcher.EXPECT().Fetch(gomock.Any(), good).Return([]domain.Item{}, s.now, nil),
	)
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)

	s.Equal(transport.Commit, s.orchestrator.Handle(context.Background(), s.message(bad)))
	s.Equal(transport.Commit, s.orchestrator.Handle(context.Background(), s.message(good)))

	rejected := s.logLines("trigger rejected")
	s.Require().Len(rejected, 1)
	s.Equal("MalformedResponseError", rejected[0]["error_kind"])
	s.Len(s.logLines("trigger processed"), 1)
}

func (s *OrchestratorTestSuite) TestHandle_UnavailableIsRetriedThenSucceeds() {
	trigger := domain.TriggerMessage{Latitude: 1, Longitude: 2, Radius: 3}
	unavailable := domain.NewError(domain.KindProviderUnavailable, "fetch items", errors.New("status 503"))

	gomock.InOrder(
		s.fetcher.EXPECT().Fetch(gomock.Any(), trigger).Return(nil, s.now, unavailable),
		s.fetcher.EXPECT().Fetch(gomock.Any(), trigger).Return([]domain.Item{json.RawMessage(`{}`)}, s.now, nil),
	)
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)

	s.Equal(transport.Commit, s.orchestrator.Handle(context.Background(), s.message(trigger)))
	s.Equal([]time.Duration{time.Second}, s.sleeps)
}

func (s *OrchestratorTestSuite) TestHandle_UnavailableExhaustsRetries() {
	trigger := domain.TriggerMessage{Latitude: 1, Longitude: 2, Radius: 3}
	unavailable := domain.NewError(domain.KindProviderUnavailable, "fetch items", errors.New("status 503"))

	s.fetcher.EXPECT().Fetch(gomock.Any(), trigger).Return(nil, s.now, unavailable).Times(3)

	disp := s.orchestrator.Handle(context.Background(), s.message(trigger))

	s.Equal(transport.Commit, disp)
	s.Equal([]time.Duration{time.Second, 2 * time.Second}, s.sleeps)
	lines := s.logLines("trigger processing gave up")
	s.Require().Len(lines, 1)
	s.Equal(string(domain.StateRetryExhausted), lines[0]["state"])
	s.Equal(float64(3), lines[0]["attempts"])
}

func (s *OrchestratorTestSuite) TestHandle_PublishFailureLeavesUncommitted() {
	trigger := domain.TriggerMessage{Latitude: 1, Longitude: 2, Radius: 3}
	pubErr := domain.NewError(domain.KindPublish, "publish items", errors.New("broker down"))

	s.fetcher.EXPECT().Fetch(gomock.Any(), trigger).Return([]domain.Item{}, s.now, nil)
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(pubErr).Times(2)

	disp := s.orchestrator.Handle(context.Background(), s.message(trigger))

	s.Equal(transport.Redeliver, disp)
	s.Equal([]time.Duration{100 * time.Millisecond}, s.sleeps)
	lines := s.logLines("trigger processing gave up")
	s.Require().Len(lines, 1)
	s.Equal("PublishError", lines[0]["error_kind"])
	s.Equal("redeliver", lines[0]["disposition"])
}

func (s *OrchestratorTestSuite) TestHandle_RedeliveryRefetches() {
	trigger := domain.TriggerMessage{Latitude: 1, Longitude: 2, Radius: 3}
	first := s.now
	second := s.now.Add(time.Minute)

	gomock.InOrder(
		s.fetcher.EXPECT().Fetch(gomock.Any(), trigger).Return([]domain.Item{}, first, nil),
		s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).
			Return(domain.NewError(domain.KindPublish, "publish items", errors.New("timeout"))).Times(2),
		s.fetcher.EXPECT().Fetch(gomock.Any(), trigger).Return([]domain.Item{}, second, nil),
		s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, result domain.FetchedItems) error {
				s.True(result.CheckedAt.After(first))
				return nil
			},
		),
	)

	msg := s.message(trigger)
	s.Equal(transport.Redeliver, s.orchestrator.Handle(context.Background(), msg))
	msg.Redelivered = true
	s.Equal(transport.Commit, s.orchestrator.Handle(context.Background(), msg))
}

func (s *OrchestratorTestSuite) TestHandle_PublishSchemaErrorIsRejected() {
	trigger := domain.TriggerMessage{Latitude: 1, Longitude: 2, Radius: 3}

	s.fetcher.EXPECT().Fetch(gomock.Any(), trigger).Return([]domain.Item{}, s.now, nil)
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).
		Return(domain.NewError(domain.KindSchema, "encode items", errors.New("bad item"))).Times(1)

	s.Equal(transport.Commit, s.orchestrator.Handle(context.Background(), s.message(trigger)))
	s.Empty(s.sleeps)
}

func (s *OrchestratorTestSuite) TestHandle_CancelledContextLeavesUncommitted() {
	trigger := domain.TriggerMessage{Latitude: 1, Longitude: 2, Radius: 3}
	ctx, cancel := context.WithCancel(context.Background())

	s.fetcher.EXPECT().Fetch(gomock.Any(), trigger).DoAndReturn(
		func(ctx context.Context, _ domain.TriggerMessage) ([]domain.Item, time.Time, error) {
			cancel()
			return nil, s.now, domain.NewError(domain.KindProviderUnavailable, "fetch items", ctx.Err())
		},
	)
	s.orchestrator.sleep = sleepContext

	s.Equal(transport.Redeliver, s.orchestrator.Handle(ctx, s.message(trigger)))
	s.Len(s.logLines("trigger processing interrupted, leaving uncommitted"), 1)
}

func (s *OrchestratorTestSuite) TestHandle_RecordsOutcome() {
	recorder := mocks.NewMockOutcomeRecorder(s.ctrl)
	o := s.newOrchestrator(WithOutcomeRecorder(recorder))
	trigger := domain.TriggerMessage{Latitude: 52.23, Longitude: 21.01, Radius: 5, FavoritesOnly: true}
	msg := s.message(trigger)

	s.fetcher.EXPECT().Fetch(gomock.Any(), trigger).Return([]domain.Item{json.RawMessage(`{}`)}, s.now, nil)
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)
	recorder.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, outcome *domain.Outcome) error {
			s.Equal(domain.StatePublished, outcome.State)
			s.Equal(int64(7), outcome.Offset)
			s.Equal(1, outcome.ItemCount)
			s.Equal(1, outcome.Attempts)
			s.True(outcome.Committed)
			s.True(outcome.FavoritesOnly)
			s.NotEmpty(outcome.MessageID)
			s.Require().NotNil(outcome.CheckedAt)
			s.Equal(s.now, *outcome.CheckedAt)
			return errors.New("db down")
		},
	)

	s.Equal(transport.Commit, o.Handle(context.Background(), msg))
	s.Len(s.logLines("failed to record outcome"), 1)
}

func (s *OrchestratorTestSuite) TestHandle_TriggersProcessedInOrder() {
	triggers := []domain.TriggerMessage{
		{Latitude: 1, Longitude: 1, Radius: 1},
		{Latitude: 2, Longitude: 2, Radius: 2},
		{Latitude: 3, Longitude: 3, Radius: 3},
	}

	var published []domain.TriggerMessage
	for _, t := range triggers {
		s.fetcher.EXPECT().Fetch(gomock.Any(), t).Return([]domain.Item{}, s.now, nil)
	}
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, result domain.FetchedItems) error {
			published = append(published, result.TriggerMessage)
			return nil
		},
	).Times(len(triggers))

	for _, t := range triggers {
		s.orchestrator.Handle(context.Background(), s.message(t))
	}

	s.Equal(triggers, published)
}

func (s *OrchestratorTestSuite) TestHandle_InterruptedTriggerIsRecordedUncommitted() {
	recorder := mocks.NewMockOutcomeRecorder(s.ctrl)
	o := s.newOrchestrator(WithOutcomeRecorder(recorder))
	o.sleep = sleepContext
	trigger := domain.TriggerMessage{Latitude: 1, Longitude: 2, Radius: 3}
	ctx, cancel := context.WithCancel(context.Background())

	s.fetcher.EXPECT().Fetch(gomock.Any(), trigger).DoAndReturn(
		func(context.Context, domain.TriggerMessage) ([]domain.Item, time.Time, error) {
			cancel()
			return nil, s.now, domain.NewError(domain.KindProviderUnavailable, "fetch items", context.Canceled)
		},
	)
	recorder.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(
		func(recCtx context.Context, outcome *domain.Outcome) error {
			s.NoError(recCtx.Err())
			s.Equal(domain.StateValidated, outcome.State)
			s.False(outcome.State.Terminal())
			s.False(outcome.Committed)
			s.Equal("ProviderUnavailableError", outcome.ErrorKind)
			return nil
		},
	)

	s.Equal(transport.Redeliver, o.Handle(ctx, s.message(trigger)))
	lines := s.logLines("trigger processing interrupted, leaving uncommitted")
	s.Require().Len(lines, 1)
	s.Equal(string(domain.StateValidated), lines[0]["state"])
}

func (s *OrchestratorTestSuite) TestHandle_OnlyTransientErrorsAreRetried() {
	trigger := domain.TriggerMessage{Latitude: 1, Longitude: 2, Radius: 3}

	for _, kind := range []domain.ErrorKind{domain.KindAuth, domain.KindMalformedResponse, domain.KindValidation, domain.KindUnknown} {
		s.sleeps = nil
		s.fetcher.EXPECT().Fetch(gomock.Any(), trigger).
			Return(nil, s.now, domain.NewError(kind, "fetch items", errors.New("x"))).Times(1)
		if kind == domain.KindAuth {
			s.alerter.EXPECT().Alert(gomock.Any(), gomock.Any())
			s.reloader.EXPECT().Reload().Return(nil)
		}

		s.Equal(transport.Commit, s.orchestrator.Handle(context.Background(), s.message(trigger)), kind.String())
		s.Empty(s.sleeps, kind.String())
	}
}
