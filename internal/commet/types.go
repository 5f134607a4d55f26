package commet

import (
	"errors"
	"fmt"
	"time"
)

var ErrClientNotConfigured = errors.New("commet client not configured")

// APIError is the provider's error envelope surfaced as a Go error.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("commet api error %s: %s", e.Code, e.Message)
}

// Subscription mirrors the provider's subscription resource.
type Subscription struct {
	ID            string    `json:"id"`
	CustomerID    string    `json:"customerId"`
	ExternalID    string    `json:"externalId"`
	PlanID        string    `json:"planId"`
	Status        string    `json:"status"`
	SeatsUsed     int       `json:"seatsUsed"`
	SeatsIncluded int       `json:"seatsIncluded"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Customer mirrors the provider's customer resource.
type Customer struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalId"`
	Email      string `json:"email"`
	Name       string `json:"name"`
}

// CreateCustomerRequest creates a provider customer bound to a local account.
type CreateCustomerRequest struct {
	ExternalID string `json:"externalId"`
	Email      string `json:"email,omitempty"`
	Name       string `json:"name,omitempty"`
}

// CreateSubscriptionRequest starts a subscription for a customer.
type CreateSubscriptionRequest struct {
	CustomerID string `json:"customerId"`
	PlanID     string `json:"planId"`
	Seats      int    `json:"seats,omitempty"`
}

// UsageRecord reports metered usage. IdempotencyKey deduplicates retries on
// the provider side.
type UsageRecord struct {
	ExternalID     string    `json:"externalId,omitempty"`
	CustomerID     string    `json:"customerId,omitempty"`
	Meter          string    `json:"meter"`
	Quantity       int64     `json:"quantity"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	RecordedAt     time.Time `json:"recordedAt,omitempty"`
}

// FeatureCheck is the provider's entitlement answer for one feature.
type FeatureCheck struct {
	Feature   string `json:"feature"`
	Allowed   bool   `json:"allowed"`
	Remaining *int64 `json:"remaining,omitempty"`
}

type portalResponse struct {
	URL string `json:"url"`
}

type seatRequest struct {
	Seats int `json:"seats"`
}

type usageBatchRequest struct {
	Records []UsageRecord `json:"records"`
}
