// Package commet adapts Commet webhook deliveries to the canonical event
// model. Commet signs the raw body with HMAC-SHA256 over "<timestamp>.<body>"
// and sends the result in the Commet-Signature header as "t=...,v1=...".
package commet

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/hookline/internal/webhook/domain"
)

const signatureHeader = "Commet-Signature"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "commet"
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, domain.ErrUnknownProvider
	}

	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}

	return &Adapter{
		secret:    secret,
		tolerance: tolerance,
		now:       time.Now,
	}, nil
}

type Adapter struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get(signatureHeader))
	if sigHeader == "" {
		return domain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return domain.ErrInvalidSignature
	}

	signedAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	age := a.now().UTC().Sub(time.Unix(signedAt, 0))
	if age > a.tolerance || age < -a.tolerance {
		return domain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.secret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return domain.ErrInvalidSignature
}

// envelope is Commet's wire format: the event name plus a data object whose
// fields vary by event type.
type envelope struct {
	ID         string          `json:"id"`
	Event      string          `json:"event"`
	OccurredAt json.RawMessage `json:"occurredAt"`
	Data       struct {
		CustomerID     string `json:"customerId"`
		ExternalID     string `json:"externalId"`
		SubscriptionID string `json:"subscriptionId"`
		Status         string `json:"status"`
		SeatsUsed      *int   `json:"seatsUsed"`
		SeatsIncluded  *int   `json:"seatsIncluded"`
		Quantity       *int64 `json:"quantity"`
	} `json:"data"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.BillingEvent, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, domain.ErrMalformedPayload
	}

	eventID := strings.TrimSpace(env.ID)
	rawType := strings.TrimSpace(env.Event)
	customerID := strings.TrimSpace(env.Data.CustomerID)
	if eventID == "" || rawType == "" || customerID == "" {
		return nil, domain.ErrMalformedPayload
	}

	occurredAt, err := parseTimestamp(env.OccurredAt)
	if err != nil {
		return nil, domain.ErrMalformedPayload
	}

	return &domain.BillingEvent{
		Provider:       "commet",
		EventID:        eventID,
		Type:           canonicalType(rawType),
		RawType:        rawType,
		ExternalID:     strings.TrimSpace(env.Data.ExternalID),
		CustomerID:     customerID,
		SubscriptionID: strings.TrimSpace(env.Data.SubscriptionID),
		Status:         strings.ToLower(strings.TrimSpace(env.Data.Status)),
		SeatsUsed:      env.Data.SeatsUsed,
		SeatsIncluded:  env.Data.SeatsIncluded,
		Quantity:       env.Data.Quantity,
		OccurredAt:     occurredAt,
		RawPayload:     payload,
	}, nil
}

// canonicalType maps the provider's event catalog onto the canonical set.
// Unrecognized names map to EventTypeUnknown for forward compatibility.
func canonicalType(raw string) string {
	switch raw {
	case domain.EventTypeSubscriptionCreated,
		domain.EventTypeSubscriptionActivated,
		domain.EventTypeSubscriptionUpdated,
		domain.EventTypeSubscriptionCanceled,
		domain.EventTypeUsageRecorded,
		domain.EventTypeSeatChanged:
		return raw
	default:
		return domain.EventTypeUnknown
	}
}

// parseSignatureHeader splits "t=<unix>,v1=<hex>[,v1=<hex>...]".
func parseSignatureHeader(header string) (string, []string, error) {
	var timestamp string
	var signatures []string

	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			timestamp = strings.TrimSpace(value)
		case "v1":
			if signature := strings.TrimSpace(value); signature != "" {
				signatures = append(signatures, signature)
			}
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		return "", nil, domain.ErrInvalidSignature
	}
	return timestamp, signatures, nil
}

// parseTimestamp accepts RFC3339 strings or unix-second numbers.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, domain.ErrMalformedPayload
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		parsed, parseErr := time.Parse(time.RFC3339, strings.TrimSpace(asString))
		if parseErr != nil {
			return time.Time{}, parseErr
		}
		return parsed.UTC(), nil
	}

	var asNumber int64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return time.Unix(asNumber, 0).UTC(), nil
	}

	return time.Time{}, domain.ErrMalformedPayload
}
