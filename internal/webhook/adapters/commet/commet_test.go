package commet

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/smallbiznis/hookline/internal/webhook/domain"
)

func buildSignatureHeader(secret string, payload []byte, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", timestamp, payload)
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func newTestAdapter(t *testing.T, secret string) *Adapter {
	t.Helper()

	adapter, err := NewFactory().NewAdapter(domain.AdapterConfig{
		Provider: "commet",
		Secret:   secret,
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter.(*Adapter)
}

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_1","event":"subscription.updated","data":{"customerId":"cus_1"}}`)
	timestamp := time.Now().Unix()

	adapter := newTestAdapter(t, secret)

	header := http.Header{}
	header.Set("Commet-Signature", buildSignatureHeader(secret, payload, timestamp))
	if err := adapter.Verify(context.Background(), payload, header); err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}

	header.Set("Commet-Signature", buildSignatureHeader("wrong_secret", payload, timestamp))
	if err := adapter.Verify(context.Background(), payload, header); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_1","event":"subscription.updated","data":{"customerId":"cus_1"}}`)
	timestamp := time.Now().Unix()

	adapter := newTestAdapter(t, secret)

	header := http.Header{}
	header.Set("Commet-Signature", buildSignatureHeader(secret, payload, timestamp))

	tampered := []byte(`{"id":"evt_1","event":"subscription.updated","data":{"customerId":"cus_evil"}}`)
	if err := adapter.Verify(context.Background(), tampered, header); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for tampered payload, got %v", err)
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{}`)
	timestamp := time.Now().Add(-time.Hour).Unix()

	adapter := newTestAdapter(t, secret)

	header := http.Header{}
	header.Set("Commet-Signature", buildSignatureHeader(secret, payload, timestamp))
	if err := adapter.Verify(context.Background(), payload, header); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for stale timestamp, got %v", err)
	}
}

func TestVerifyMissingHeader(t *testing.T) {
	adapter := newTestAdapter(t, "whsec_test")

	if err := adapter.Verify(context.Background(), []byte(`{}`), http.Header{}); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for missing header, got %v", err)
	}
}

func TestVerifyAcceptsRotatedSecrets(t *testing.T) {
	payload := []byte(`{}`)
	timestamp := time.Now().Unix()

	adapter := newTestAdapter(t, "whsec_new")

	oldMac := hmac.New(sha256.New, []byte("whsec_old"))
	fmt.Fprintf(oldMac, "%d.%s", timestamp, payload)
	newMac := hmac.New(sha256.New, []byte("whsec_new"))
	fmt.Fprintf(newMac, "%d.%s", timestamp, payload)

	header := http.Header{}
	header.Set("Commet-Signature", fmt.Sprintf("t=%d,v1=%s,v1=%s",
		timestamp,
		hex.EncodeToString(oldMac.Sum(nil)),
		hex.EncodeToString(newMac.Sum(nil)),
	))

	if err := adapter.Verify(context.Background(), payload, header); err != nil {
		t.Fatalf("expected any matching v1 signature to pass, got %v", err)
	}
}

func TestParseBillingEvent(t *testing.T) {
	adapter := newTestAdapter(t, "whsec_test")

	payload := []byte(`{
		"id": "evt_42",
		"event": "seat.changed",
		"occurredAt": "2026-08-01T10:00:00Z",
		"data": {
			"customerId": "cus_1",
			"externalId": "acct_9",
			"subscriptionId": "sub_7",
			"status": "Active",
			"seatsUsed": 4,
			"seatsIncluded": 10
		}
	}`)

	event, err := adapter.Parse(context.Background(), payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if event.EventID != "evt_42" {
		t.Fatalf("event id = %q", event.EventID)
	}
	if event.Type != domain.EventTypeSeatChanged {
		t.Fatalf("type = %q", event.Type)
	}
	if event.AccountKey() != "acct_9" {
		t.Fatalf("account key = %q, want externalId preferred", event.AccountKey())
	}
	if event.Status != "active" {
		t.Fatalf("status = %q, want lowercased", event.Status)
	}
	if event.SeatsUsed == nil || *event.SeatsUsed != 4 {
		t.Fatalf("seats used = %v", event.SeatsUsed)
	}
	if !event.OccurredAt.Equal(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("occurred at = %v", event.OccurredAt)
	}
}

func TestParseUnixTimestamp(t *testing.T) {
	adapter := newTestAdapter(t, "whsec_test")

	payload := []byte(`{"id":"evt_1","event":"usage.recorded","occurredAt":1754042400,"data":{"customerId":"cus_1","quantity":12}}`)
	event, err := adapter.Parse(context.Background(), payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.OccurredAt != time.Unix(1754042400, 0).UTC() {
		t.Fatalf("occurred at = %v", event.OccurredAt)
	}
	if event.Quantity == nil || *event.Quantity != 12 {
		t.Fatalf("quantity = %v", event.Quantity)
	}
}

func TestParseUnknownEventType(t *testing.T) {
	adapter := newTestAdapter(t, "whsec_test")

	payload := []byte(`{"id":"evt_1","event":"invoice.finalized","occurredAt":1754042400,"data":{"customerId":"cus_1"}}`)
	event, err := adapter.Parse(context.Background(), payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.Type != domain.EventTypeUnknown {
		t.Fatalf("type = %q, want unknown", event.Type)
	}
	if event.RawType != "invoice.finalized" {
		t.Fatalf("raw type = %q", event.RawType)
	}
}

func TestParseMalformedPayload(t *testing.T) {
	adapter := newTestAdapter(t, "whsec_test")

	cases := map[string]string{
		"not json":          `{`,
		"missing id":        `{"event":"subscription.updated","occurredAt":1,"data":{"customerId":"cus_1"}}`,
		"missing event":     `{"id":"evt_1","occurredAt":1,"data":{"customerId":"cus_1"}}`,
		"missing customer":  `{"id":"evt_1","event":"subscription.updated","occurredAt":1,"data":{}}`,
		"missing timestamp": `{"id":"evt_1","event":"subscription.updated","data":{"customerId":"cus_1"}}`,
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := adapter.Parse(context.Background(), []byte(payload)); !errors.Is(err, domain.ErrMalformedPayload) {
				t.Fatalf("expected ErrMalformedPayload, got %v", err)
			}
		})
	}
}
