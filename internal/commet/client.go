// Package commet is the outbound client for the Commet billing API. Every
// endpoint answers with a {success, data|error} envelope; the client unwraps
// it and surfaces failures as *APIError.
package commet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/smallbiznis/hookline/internal/config"
	obsmetrics "github.com/smallbiznis/hookline/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Cfg        config.Config
	Log        *zap.Logger
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *zap.Logger
	obsMetrics *obsmetrics.Metrics
}

// NewClient builds the API client, or returns nil when no API key is set so
// consumers can treat the integration as optional.
func NewClient(p Params) *Client {
	if strings.TrimSpace(p.Cfg.Commet.APIKey) == "" {
		return nil
	}

	timeout := time.Duration(p.Cfg.Commet.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(p.Cfg.Commet.BaseURL), "/"),
		apiKey:     strings.TrimSpace(p.Cfg.Commet.APIKey),
		httpClient: &http.Client{Timeout: timeout},
		log:        p.Log.Named("commet.client"),
		obsMetrics: p.ObsMetrics,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if c == nil {
		return ErrClientNotConfigured
	}

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	c.obsMetrics.RecordProviderRequest(ctx, path, res.StatusCode)

	var env envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode commet response: %w", err)
	}

	if !env.Success || res.StatusCode >= http.StatusBadRequest {
		apiErr := env.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "unknown_error", Message: http.StatusText(res.StatusCode)}
		}
		apiErr.StatusCode = res.StatusCode
		c.log.Warn("commet api call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", res.StatusCode),
			zap.String("code", apiErr.Code),
		)
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var sub Subscription
	path := "/subscriptions/" + url.PathEscape(strings.TrimSpace(subscriptionID))
	if err := c.do(ctx, http.MethodGet, path, nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *Client) ListSubscriptions(ctx context.Context, externalID string) ([]Subscription, error) {
	var subs []Subscription
	path := "/subscriptions?externalId=" + url.QueryEscape(strings.TrimSpace(externalID))
	if err := c.do(ctx, http.MethodGet, path, nil, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

// CurrentSubscription returns the account's newest paid subscription, or its
// newest subscription of any status when none grants access, or nil when the
// account has none.
func (c *Client) CurrentSubscription(ctx context.Context, externalID string) (*Subscription, error) {
	subs, err := c.ListSubscriptions(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, nil
	}

	sort.Slice(subs, func(i, j int) bool {
		return subs[i].UpdatedAt.After(subs[j].UpdatedAt)
	})
	for i := range subs {
		switch strings.ToLower(subs[i].Status) {
		case "active", "trialing":
			return &subs[i], nil
		}
	}
	return &subs[0], nil
}

func (c *Client) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error) {
	var sub Subscription
	if err := c.do(ctx, http.MethodPost, "/subscriptions", req, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *Client) CreateCustomer(ctx context.Context, req CreateCustomerRequest) (*Customer, error) {
	var customer Customer
	if err := c.do(ctx, http.MethodPost, "/customers", req, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

func (c *Client) PortalURL(ctx context.Context, customerID string) (string, error) {
	var portal portalResponse
	path := "/customers/" + url.PathEscape(strings.TrimSpace(customerID)) + "/portal"
	if err := c.do(ctx, http.MethodGet, path, nil, &portal); err != nil {
		return "", err
	}
	return portal.URL, nil
}

func (c *Client) TrackUsage(ctx context.Context, record UsageRecord) error {
	return c.do(ctx, http.MethodPost, "/usage", record, nil)
}

func (c *Client) TrackUsageBatch(ctx context.Context, records []UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/usage/batch", usageBatchRequest{Records: records}, nil)
}

func (c *Client) SetSeats(ctx context.Context, subscriptionID string, seats int) (*Subscription, error) {
	return c.seatCall(ctx, subscriptionID, "/seats", seats)
}

func (c *Client) AddSeats(ctx context.Context, subscriptionID string, seats int) (*Subscription, error) {
	return c.seatCall(ctx, subscriptionID, "/seats/add", seats)
}

func (c *Client) RemoveSeats(ctx context.Context, subscriptionID string, seats int) (*Subscription, error) {
	return c.seatCall(ctx, subscriptionID, "/seats/remove", seats)
}

func (c *Client) seatCall(ctx context.Context, subscriptionID, suffix string, seats int) (*Subscription, error) {
	var sub Subscription
	path := "/subscriptions/" + url.PathEscape(strings.TrimSpace(subscriptionID)) + suffix
	if err := c.do(ctx, http.MethodPost, path, seatRequest{Seats: seats}, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *Client) CheckFeature(ctx context.Context, externalID, feature string) (*FeatureCheck, error) {
	var check FeatureCheck
	path := "/entitlements/" + url.PathEscape(strings.TrimSpace(externalID)) +
		"/features/" + url.PathEscape(strings.TrimSpace(feature))
	if err := c.do(ctx, http.MethodGet, path, nil, &check); err != nil {
		return nil, err
	}
	return &check, nil
}
