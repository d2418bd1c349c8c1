package pipeline

import (
	"context"
	"log/slog"

	"tgtg_items_updater/internal/domain"
)

// LogAlerter raises alerts as error-level log lines tagged alert=true, which
// is what log-based alerting rules match on.
type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.With("component", "alerter")}
}

func (a *LogAlerter) Alert(ctx context.Context, alert domain.Alert) {
	a.logger.ErrorContext(ctx, "operator attention required",
		"alert", true,
		"error_kind", alert.Kind.String(),
		"reason", alert.Reason,
		"trigger", alert.Trigger,
		"message_id", alert.MessageID,
		"error", alert.Err,
		"raised_at", alert.RaisedAt,
	)
}
