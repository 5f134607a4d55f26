// Package domain contains the canonical billing event model and the
// contracts between the webhook pipeline and its collaborators.
package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Canonical event types. Providers send a superset of these over time;
// anything unrecognized maps to EventTypeUnknown instead of failing.
const (
	EventTypeSubscriptionCreated   = "subscription.created"
	EventTypeSubscriptionActivated = "subscription.activated"
	EventTypeSubscriptionUpdated   = "subscription.updated"
	EventTypeSubscriptionCanceled  = "subscription.canceled"
	EventTypeUsageRecorded         = "usage.recorded"
	EventTypeSeatChanged           = "seat.changed"
	EventTypeUnknown               = "unknown"
)

// Outcomes recorded per processed event.
const (
	OutcomeApplied = "applied"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Skip reasons recorded alongside OutcomeSkipped.
const (
	SkipReasonStale             = "stale_event"
	SkipReasonUnresolvedAccount = "unresolved_account"
	SkipReasonUnhandledType     = "unhandled_event_type"
	SkipReasonInvalidEvent      = "invalid_event"
)

var (
	ErrInvalidSignature  = errors.New("invalid_signature")
	ErrMalformedPayload  = errors.New("malformed_payload")
	ErrUnknownProvider   = errors.New("unknown_provider")
	ErrInvalidEvent      = errors.New("invalid_event")
	ErrDuplicateDelivery = errors.New("duplicate_delivery")
	ErrEventNotFound     = errors.New("event_not_found")
	ErrNotReplayable     = errors.New("event_not_replayable")

	// ErrStaleEvent is returned by handlers when the event precedes state
	// already applied; the pipeline records it as a skip, not a failure.
	ErrStaleEvent = errors.New("stale_event")
	// ErrUnresolvedAccount is returned when no local account maps to the
	// event's customer.
	ErrUnresolvedAccount = errors.New("unresolved_account")
	// ErrUnusableEvent is returned by handlers when the payload can never be
	// applied (e.g. a seat change with no seat fields); retrying cannot help,
	// so the pipeline records a skip instead of a failure.
	ErrUnusableEvent = errors.New("unusable_event")
)

// BillingEvent is the canonical, provider-neutral notification parsed from a
// webhook delivery. It lives only for the duration of one dispatch.
type BillingEvent struct {
	Provider       string
	EventID        string
	Type           string
	RawType        string
	ExternalID     string
	CustomerID     string
	SubscriptionID string
	Status         string
	SeatsUsed      *int
	SeatsIncluded  *int
	Quantity       *int64
	OccurredAt     time.Time
	RawPayload     []byte
}

// AccountKey returns the serialization key for per-account ordering:
// the consuming application's own id when present, the provider customer id
// otherwise.
func (e *BillingEvent) AccountKey() string {
	if e == nil {
		return ""
	}
	if e.ExternalID != "" {
		return e.ExternalID
	}
	return e.CustomerID
}

// EventRecord is the append-only marker of every considered delivery.
type EventRecord struct {
	ID          snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider    string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_processed_events_provider_event,priority:1"`
	EventID     string         `json:"event_id" gorm:"type:text;not null;uniqueIndex:ux_processed_events_provider_event,priority:2"`
	EventType   string         `json:"event_type" gorm:"type:text;not null"`
	CustomerID  string         `json:"customer_id" gorm:"type:text;not null;index"`
	ExternalID  string         `json:"external_id" gorm:"type:text"`
	Payload     datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	OccurredAt  time.Time      `json:"occurred_at" gorm:"not null"`
	ReceivedAt  time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt *time.Time     `json:"processed_at"`
	Outcome     string         `json:"outcome" gorm:"type:text"`
	SkipReason  string         `json:"skip_reason" gorm:"type:text"`
	LastError   string         `json:"last_error" gorm:"type:text"`
	Attempts    int            `json:"attempts" gorm:"not null;default:0"`
}

// TableName sets the database table name.
func (EventRecord) TableName() string { return "processed_events" }

// AdapterConfig carries per-provider verification settings.
type AdapterConfig struct {
	Provider  string
	Secret    string
	Tolerance time.Duration
}

// Adapter verifies and parses one provider's webhook deliveries.
type Adapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*BillingEvent, error)
}

// AdapterFactory builds adapters for a named provider.
type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}

// Handler applies one event type to local state. Returning ErrStaleEvent,
// ErrUnresolvedAccount or ErrUnusableEvent records a skip; any other error
// records a failure.
type Handler func(ctx context.Context, event *BillingEvent) error

// Observer runs before type-specific dispatch for every event. Observer
// failures are logged and never block the handler.
type Observer func(ctx context.Context, event *BillingEvent)

// Repository persists processed-event markers.
type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, record *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider, eventID string) (*EventRecord, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*EventRecord, error)
	MarkOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome, skipReason, lastError string, processedAt time.Time) error
	ListFailed(ctx context.Context, db *gorm.DB, before time.Time, maxAttempts, limit int) ([]EventRecord, error)
	ListRecent(ctx context.Context, db *gorm.DB, limit int) ([]EventRecord, error)
}

// Service ingests webhook deliveries end to end.
type Service interface {
	Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) error
	Replay(ctx context.Context, id snowflake.ID) error
	ListRecent(ctx context.Context, limit int) ([]EventRecord, error)
}
