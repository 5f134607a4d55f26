// Package service runs the webhook ingest pipeline: verify, parse, dedupe,
// dispatch, record the outcome.
package service

import (
	"context"
	"errors"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hookline/internal/config"
	obscontext "github.com/smallbiznis/hookline/internal/observability/context"
	"github.com/smallbiznis/hookline/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/hookline/internal/observability/metrics"
	"github.com/smallbiznis/hookline/internal/webhook/adapters"
	"github.com/smallbiznis/hookline/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// accountLockStripes bounds lock memory while keeping contention between
// unrelated accounts unlikely.
const accountLockStripes = 128

type Params struct {
	fx.In

	Cfg       config.Config
	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Registry  *adapters.Registry
	Repo      domain.Repository
	Handlers  map[string]domain.Handler
	Observers []domain.Observer   `group:"webhook.observers"`
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	repo      domain.Repository
	adapters  map[string]domain.Adapter
	handlers  map[string]domain.Handler
	observers []domain.Observer
	metrics   *obsmetrics.Metrics

	accountLocks [accountLockStripes]sync.Mutex
}

// NewService builds one adapter per configured provider secret. Secrets for
// providers with no registered adapter are ignored with a warning so a config
// typo does not take the whole pipeline down.
func NewService(p Params) (*Service, error) {
	log := p.Log.Named("webhook.service")
	tolerance := time.Duration(p.Cfg.Webhook.SignatureToleranceSeconds) * time.Second

	providerAdapters := make(map[string]domain.Adapter, len(p.Cfg.Webhook.Secrets))
	for provider, secret := range p.Cfg.Webhook.Secrets {
		provider = strings.ToLower(strings.TrimSpace(provider))
		if !p.Registry.ProviderExists(provider) {
			log.Warn("webhook secret configured for unknown provider", zap.String("provider", provider))
			continue
		}
		adapter, err := p.Registry.NewAdapter(provider, domain.AdapterConfig{
			Provider:  provider,
			Secret:    secret,
			Tolerance: tolerance,
		})
		if err != nil {
			return nil, err
		}
		providerAdapters[provider] = adapter
	}

	return &Service{
		db:        p.DB,
		log:       log,
		genID:     p.GenID,
		repo:      p.Repo,
		adapters:  providerAdapters,
		handlers:  p.Handlers,
		observers: p.Observers,
		metrics:   p.Metrics,
	}, nil
}

// Ingest runs one delivery through the pipeline. Only signature and payload
// problems surface as errors; handler failures are recorded on the event and
// swallowed so the provider stops redelivering.
func (s *Service) Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	adapter, ok := s.adapters[provider]
	if !ok {
		return domain.ErrUnknownProvider
	}
	ctx = obscontext.WithProvider(ctx, provider)

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		return err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		return err
	}
	ctx = obscontext.WithEventID(ctx, event.EventID)
	s.metrics.RecordEventReceived(ctx, provider, event.Type)

	now := time.Now().UTC()
	record := &domain.EventRecord{
		ID:         s.genID.Generate(),
		Provider:   provider,
		EventID:    event.EventID,
		EventType:  event.Type,
		CustomerID: event.CustomerID,
		ExternalID: event.ExternalID,
		Payload:    datatypes.JSON(payload),
		OccurredAt: event.OccurredAt.UTC(),
		ReceivedAt: now,
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return err
	}
	if !inserted {
		existing, err := s.repo.FindEvent(ctx, s.db, provider, event.EventID)
		if err != nil {
			return err
		}
		if existing == nil || (existing.ProcessedAt != nil && existing.Outcome != domain.OutcomeFailed) {
			return domain.ErrDuplicateDelivery
		}
		// Either the first attempt died before recording an outcome, or the
		// handler failed; a provider retry gets to finish the work under the
		// original marker. Only applied/skipped records block redelivery.
		record = existing
	}

	s.dispatch(ctx, record, event)
	return nil
}

// Replay re-dispatches a stored event through its handler. The signature is
// not re-checked; the payload was verified when it was first accepted.
func (s *Service) Replay(ctx context.Context, id snowflake.ID) error {
	record, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return err
	}
	if record == nil {
		return domain.ErrEventNotFound
	}
	return s.Redispatch(ctx, record)
}

// Redispatch re-parses a stored payload and runs dispatch again. Used by
// replay and by the failure retry worker.
func (s *Service) Redispatch(ctx context.Context, record *domain.EventRecord) error {
	if record.ProcessedAt == nil {
		return domain.ErrNotReplayable
	}
	adapter, ok := s.adapters[record.Provider]
	if !ok {
		return domain.ErrUnknownProvider
	}

	event, err := adapter.Parse(ctx, []byte(record.Payload))
	if err != nil {
		return err
	}

	ctx = obscontext.WithProvider(ctx, record.Provider)
	ctx = obscontext.WithEventID(ctx, event.EventID)
	s.dispatch(ctx, record, event)
	return nil
}

func (s *Service) ListRecent(ctx context.Context, limit int) ([]domain.EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return s.repo.ListRecent(ctx, s.db, limit)
}

// dispatch serializes events per account while leaving other accounts free to
// proceed, then maps the handler result onto the recorded outcome.
func (s *Service) dispatch(ctx context.Context, record *domain.EventRecord, event *domain.BillingEvent) {
	log := logger.WithContext(ctx, s.log).With(
		zap.String("event_type", event.Type),
		zap.String("account_key", event.AccountKey()),
	)

	s.notifyObservers(ctx, event)

	lock := s.lockFor(event.AccountKey())
	lock.Lock()
	defer lock.Unlock()

	handler, ok := s.handlers[event.Type]
	if !ok {
		s.recordOutcome(ctx, log, record, event, domain.OutcomeSkipped, domain.SkipReasonUnhandledType, "")
		return
	}

	err := handler(ctx, event)
	switch {
	case err == nil:
		s.recordOutcome(ctx, log, record, event, domain.OutcomeApplied, "", "")
	case errors.Is(err, domain.ErrStaleEvent):
		s.recordOutcome(ctx, log, record, event, domain.OutcomeSkipped, domain.SkipReasonStale, "")
	case errors.Is(err, domain.ErrUnresolvedAccount):
		s.recordOutcome(ctx, log, record, event, domain.OutcomeSkipped, domain.SkipReasonUnresolvedAccount, "")
	case errors.Is(err, domain.ErrUnusableEvent):
		s.recordOutcome(ctx, log, record, event, domain.OutcomeSkipped, domain.SkipReasonInvalidEvent, "")
	default:
		log.Error("webhook handler failed", zap.Error(err))
		s.metrics.RecordHandlerFailure(ctx, event.Provider, event.Type)
		s.recordOutcome(ctx, log, record, event, domain.OutcomeFailed, "", err.Error())
	}
}

func (s *Service) recordOutcome(ctx context.Context, log *zap.Logger, record *domain.EventRecord, event *domain.BillingEvent, outcome, skipReason, lastError string) {
	s.metrics.RecordEventOutcome(ctx, event.Provider, event.Type, outcome)

	if err := s.repo.MarkOutcome(ctx, s.db, record.ID, outcome, skipReason, lastError, time.Now().UTC()); err != nil {
		log.Error("failed to record event outcome", zap.Error(err))
		return
	}

	fields := []zap.Field{zap.String("outcome", outcome)}
	if skipReason != "" {
		fields = append(fields, zap.String("skip_reason", skipReason))
	}
	log.Info("webhook event processed", fields...)
}

func (s *Service) notifyObservers(ctx context.Context, event *domain.BillingEvent) {
	for _, observer := range s.observers {
		if observer == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("webhook observer panicked", zap.Any("panic", r))
				}
			}()
			observer(ctx, event)
		}()
	}
}

func (s *Service) lockFor(accountKey string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(accountKey))
	return &s.accountLocks[h.Sum32()%accountLockStripes]
}
