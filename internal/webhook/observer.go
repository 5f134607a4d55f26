package webhook

import (
	"context"

	"github.com/smallbiznis/hookline/internal/webhook/domain"
	"go.uber.org/zap"
)

// NewAuditObserver logs every accepted event before type-specific dispatch,
// giving operators a trail that covers unhandled types too.
func NewAuditObserver(log *zap.Logger) domain.Observer {
	audit := log.Named("webhook.audit")
	return func(ctx context.Context, event *domain.BillingEvent) {
		audit.Info("billing event received",
			zap.String("provider", event.Provider),
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.Type),
			zap.String("raw_type", event.RawType),
			zap.String("account_key", event.AccountKey()),
			zap.Time("occurred_at", event.OccurredAt),
		)
	}
}
