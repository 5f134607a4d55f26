package service

import (
	"context"
	"strings"
	"time"

	accountdomain "github.com/smallbiznis/hookline/internal/account/domain"
	"github.com/smallbiznis/hookline/internal/commet"
	"github.com/smallbiznis/hookline/internal/config"
	"github.com/smallbiznis/hookline/internal/entitlement/domain"
	webhookdomain "github.com/smallbiznis/hookline/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ProviderClient is the slice of the Commet API the reconciler needs for
// pull-based refresh.
type ProviderClient interface {
	CurrentSubscription(ctx context.Context, externalID string) (*commet.Subscription, error)
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Repo     domain.Repository
	Resolver accountdomain.Resolver
	Policy   *config.ReconcileConfigHolder
	Client   ProviderClient `optional:"true"`
}

// Service applies billing events to the entitlement projection.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     domain.Repository
	resolver accountdomain.Resolver
	policy   *config.ReconcileConfigHolder
	client   ProviderClient
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("entitlement.service"),
		repo:     p.Repo,
		resolver: p.Resolver,
		policy:   p.Policy,
		client:   p.Client,
	}
}

func (s *Service) Get(ctx context.Context, accountKey string) (*domain.AccountEntitlement, error) {
	return s.repo.Get(ctx, s.db, accountKey)
}

// Handlers returns the event-type dispatch table, built once at startup and
// handed to the webhook pipeline by reference.
func (s *Service) Handlers() map[string]webhookdomain.Handler {
	return map[string]webhookdomain.Handler{
		webhookdomain.EventTypeSubscriptionCreated:   s.handleSubscriptionCreated,
		webhookdomain.EventTypeSubscriptionActivated: s.handleSubscriptionActivated,
		webhookdomain.EventTypeSubscriptionUpdated:   s.handleSubscriptionUpdated,
		webhookdomain.EventTypeSubscriptionCanceled:  s.handleSubscriptionCanceled,
		webhookdomain.EventTypeSeatChanged:           s.handleSeatChanged,
		webhookdomain.EventTypeUsageRecorded:         s.handleUsageRecorded,
	}
}

func (s *Service) handleSubscriptionCreated(ctx context.Context, event *webhookdomain.BillingEvent) error {
	// Creation does not grant access by itself; paid is derived from the
	// status the provider reports, same as an update.
	return s.handleSubscriptionUpdated(ctx, event)
}

func (s *Service) handleSubscriptionActivated(ctx context.Context, event *webhookdomain.BillingEvent) error {
	accountKey, err := s.resolveAccount(ctx, event)
	if err != nil {
		return err
	}

	status := event.Status
	if status == "" {
		status = domain.StatusActive
	}
	paid := true
	change := domain.Change{
		IsPaid: &paid,
		Status: &status,
	}
	if event.SubscriptionID != "" {
		change.SubscriptionID = &event.SubscriptionID
	}

	return s.apply(ctx, accountKey, change, event)
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, event *webhookdomain.BillingEvent) error {
	accountKey, err := s.resolveAccount(ctx, event)
	if err != nil {
		return err
	}

	paid := domain.IsPaidStatus(event.Status)
	status := event.Status
	change := domain.Change{
		IsPaid: &paid,
		Status: &status,
	}
	if event.SubscriptionID != "" {
		change.SubscriptionID = &event.SubscriptionID
	}

	return s.apply(ctx, accountKey, change, event)
}

func (s *Service) handleSubscriptionCanceled(ctx context.Context, event *webhookdomain.BillingEvent) error {
	accountKey, err := s.resolveAccount(ctx, event)
	if err != nil {
		return err
	}

	paid := false
	status := event.Status
	if status == "" {
		status = domain.StatusCanceled
	}
	change := domain.Change{
		IsPaid: &paid,
		Status: &status,
	}
	// Whether the subscription id survives cancellation is an operator
	// policy; the default retains it for audit.
	if !s.policy.Get().RetainCanceledSubscriptionID {
		change.ClearSubscriptionID = true
	}

	return s.apply(ctx, accountKey, change, event)
}

func (s *Service) handleSeatChanged(ctx context.Context, event *webhookdomain.BillingEvent) error {
	accountKey, err := s.resolveAccount(ctx, event)
	if err != nil {
		return err
	}

	change := domain.Change{
		SeatsUsed:     event.SeatsUsed,
		SeatsIncluded: event.SeatsIncluded,
	}
	if change.Empty() {
		// No seat fields to apply; retrying will never make this payload
		// usable, so report it as a skip rather than a failure.
		return webhookdomain.ErrUnusableEvent
	}

	return s.apply(ctx, accountKey, change, event)
}

func (s *Service) handleUsageRecorded(ctx context.Context, event *webhookdomain.BillingEvent) error {
	// Usage notifications carry no entitlement state; the processed-event
	// trail is their only footprint.
	_, err := s.resolveAccount(ctx, event)
	return err
}

func (s *Service) apply(ctx context.Context, accountKey string, change domain.Change, event *webhookdomain.BillingEvent) error {
	applied, err := s.repo.Apply(ctx, s.db, accountKey, change, event.OccurredAt, event.EventID)
	if err != nil {
		return err
	}
	if !applied {
		return webhookdomain.ErrStaleEvent
	}
	return nil
}

// resolveAccount prefers the event's own externalId and falls back to the
// customer directory. Mappings observed on events carrying both ids are
// learned for future customer-scoped events.
func (s *Service) resolveAccount(ctx context.Context, event *webhookdomain.BillingEvent) (string, error) {
	if event.ExternalID != "" {
		if event.CustomerID != "" {
			if err := s.resolver.Learn(ctx, event.Provider, event.CustomerID, event.ExternalID); err != nil {
				s.log.Warn("failed to learn customer mapping",
					zap.String("customer_id", event.CustomerID),
					zap.Error(err),
				)
			}
		}
		return event.ExternalID, nil
	}

	accountKey, err := s.resolver.Resolve(ctx, event.Provider, event.CustomerID)
	if err != nil {
		return "", err
	}
	if accountKey == "" {
		return "", webhookdomain.ErrUnresolvedAccount
	}
	return accountKey, nil
}

// Refresh pulls authoritative subscription state from the provider and
// reconciles it as if a subscription.updated event had arrived now.
func (s *Service) Refresh(ctx context.Context, accountKey string) (*domain.AccountEntitlement, error) {
	accountKey = strings.TrimSpace(accountKey)
	if accountKey == "" {
		return nil, domain.ErrInvalidAccountKey
	}
	if s.client == nil {
		return nil, commet.ErrClientNotConfigured
	}

	sub, err := s.client.CurrentSubscription(ctx, accountKey)
	if err != nil {
		return nil, err
	}

	change := domain.Change{}
	occurredAt := time.Now().UTC()
	paid := false
	if sub != nil {
		status := strings.ToLower(strings.TrimSpace(sub.Status))
		paid = domain.IsPaidStatus(status)
		change.Status = &status
		if sub.ID != "" {
			change.SubscriptionID = &sub.ID
		}
		if !sub.UpdatedAt.IsZero() {
			occurredAt = sub.UpdatedAt.UTC()
		}
	}
	change.IsPaid = &paid

	if _, err := s.repo.Apply(ctx, s.db, accountKey, change, occurredAt, "refresh"); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, s.db, accountKey)
}
