// Package hub is a thin client for the home-automation hub's REST
// API. It is the direct path for live telemetry and is independent of
// the tunnel: bulk historical extraction goes through pkg/recorder
// instead.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// APIError is a non-2xx response from the hub.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hub: api returned %d: %s", e.StatusCode, e.Body)
}

// Client talks to the hub's REST API with a long-lived access token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
}

type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client, mainly for
// tests and custom timeouts.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// NewClient builds a client for the hub at baseURL using a long-lived
// access token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With().Str("component", "hub").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EntityState is one entity's state as returned by the API. History
// entries with minimal_response omit attributes.
type EntityState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// InstanceConfig is the hub's /api/config payload (the fields we use).
type InstanceConfig struct {
	LocationName string `json:"location_name"`
	Version      string `json:"version"`
	TimeZone     string `json:"time_zone"`
	State        string `json:"state"`
}

// ServiceDomain groups the services exposed under one domain.
type ServiceDomain struct {
	Domain   string                     `json:"domain"`
	Services map[string]json.RawMessage `json:"services"`
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body, out any) error {
	u := fmt.Sprintf("%s/api/%s", c.baseURL, endpoint)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request body")
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	c.log.Debug().Str("method", method).Str("url", u).Msg("hub request")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, u)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "decode %s response", endpoint)
	}
	return nil
}

// Config fetches the hub's instance configuration; also serves as the
// connectivity test.
func (c *Client) Config(ctx context.Context) (*InstanceConfig, error) {
	var out InstanceConfig
	if err := c.do(ctx, http.MethodGet, "config", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// States returns every entity's current state.
func (c *Client) States(ctx context.Context) ([]EntityState, error) {
	var out []EntityState
	if err := c.do(ctx, http.MethodGet, "states", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// State returns the current state of one entity.
func (c *Client) State(ctx context.Context, entityID string) (*EntityState, error) {
	var out EntityState
	if err := c.do(ctx, http.MethodGet, "states/"+entityID, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Services lists every service the hub exposes.
func (c *Client) Services(ctx context.Context) ([]ServiceDomain, error) {
	var out []ServiceDomain
	if err := c.do(ctx, http.MethodGet, "services", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// HistoryRequest selects a state-history window. A zero Start
// defaults to 24 hours ago; a zero End means now.
type HistoryRequest struct {
	EntityIDs       []string
	Start           time.Time
	End             time.Time
	MinimalResponse bool
}

// History returns state changes per entity over the requested period.
func (c *Client) History(ctx context.Context, req HistoryRequest) ([][]EntityState, error) {
	start := req.Start
	if start.IsZero() {
		start = time.Now().Add(-24 * time.Hour)
	}
	query := url.Values{}
	if len(req.EntityIDs) > 0 {
		query.Set("filter_entity_id", strings.Join(req.EntityIDs, ","))
	}
	if !req.End.IsZero() {
		query.Set("end_time", req.End.Format(time.RFC3339))
	}
	if req.MinimalResponse {
		query.Set("minimal_response", "true")
	}
	endpoint := "history/period/" + start.Format(time.RFC3339)
	var out [][]EntityState
	if err := c.do(ctx, http.MethodGet, endpoint, query, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Statistics approximates long-term statistics through the history
// endpoint. The hub only serves real statistics over its websocket
// API; the recorder DB path (pkg/recorder) is the accurate source.
func (c *Client) Statistics(ctx context.Context, entityIDs []string, start, end time.Time) ([][]EntityState, error) {
	if start.IsZero() {
		start = time.Now().Add(-7 * 24 * time.Hour)
	}
	return c.History(ctx, HistoryRequest{EntityIDs: entityIDs, Start: start, End: end})
}

// EntitiesByDomain returns the states of all entities in one domain,
// e.g. "sensor" or "light".
func (c *Client) EntitiesByDomain(ctx context.Context, domain string) ([]EntityState, error) {
	states, err := c.States(ctx)
	if err != nil {
		return nil, err
	}
	prefix := domain + "."
	var out []EntityState
	for _, s := range states {
		if strings.HasPrefix(s.EntityID, prefix) {
			out = append(out, s)
		}
	}
	return out, nil
}

var energyKeywords = []string{"energy", "power", "watt", "kwh", "consumption"}

// EnergyEntities returns entities whose id or friendly name suggests
// an energy reading.
func (c *Client) EnergyEntities(ctx context.Context) ([]EntityState, error) {
	states, err := c.States(ctx)
	if err != nil {
		return nil, err
	}
	var out []EntityState
	for _, s := range states {
		entityID := strings.ToLower(s.EntityID)
		friendly, _ := s.Attributes["friendly_name"].(string)
		friendly = strings.ToLower(friendly)
		for _, kw := range energyKeywords {
			if strings.Contains(entityID, kw) || strings.Contains(friendly, kw) {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

// CallService invokes a hub service, e.g. light.turn_on.
func (c *Client) CallService(ctx context.Context, domain, service, entityID string, data map[string]any) error {
	payload := map[string]any{}
	for k, v := range data {
		payload[k] = v
	}
	if entityID != "" {
		payload["entity_id"] = entityID
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("services/%s/%s", domain, service), nil, payload, nil)
}
