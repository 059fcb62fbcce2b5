// Package apisix implements the per-instance gateway-fleet client: typed
// operations against one APISIX-style admin API (upsert/get/delete
// consumer, get consumer-group, list key-auth routes).
package apisix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	controlplane "github.com/eumetnet/apikey-controlplane/internal"
	"github.com/eumetnet/apikey-controlplane/internal/circuitbreaker"
	"github.com/eumetnet/apikey-controlplane/internal/cloudauth"
	"github.com/eumetnet/apikey-controlplane/internal/telemetry"
)

const backendLabel = "apisix"

// Client is a gateway-instance admin API client.
type Client struct {
	Name       string
	adminURL   string
	gatewayURL string
	http       *http.Client
	breaker    *circuitbreaker.Breaker
	metrics    *telemetry.Metrics
}

// New creates a Client for one gateway instance. adminURL is the base URL
// of the admin API (e.g. "https://gw1.internal:9180/apisix/admin");
// gatewayURL is the public base URL routes are rendered against. If
// resolver is non-nil, DNS lookups for this instance are cached via it.
func New(name, adminURL, gatewayURL, adminKey string, resolver *dnscache.Resolver, breaker *circuitbreaker.Breaker) *Client {
	t := &http.Transport{
		MaxIdleConnsPerHost: 50,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}

	return &Client{
		Name:       name,
		adminURL:   strings.TrimRight(adminURL, "/"),
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		http: &http.Client{Transport: &cloudauth.APIKeyTransport{
			Key:        adminKey,
			HeaderName: "X-API-KEY",
			Base:       t,
		}},
		breaker: breaker,
	}
}

// GatewayURL returns the public base URL routes on this instance are
// rendered against.
func (c *Client) GatewayURL() string { return c.gatewayURL }

// SetMetrics attaches Prometheus counters for circuit breaker state and
// rejections. Optional; nil (the default) disables instrumentation.
func (c *Client) SetMetrics(m *telemetry.Metrics) { c.metrics = m }

// allow checks the breaker before a call, recording a rejection if the
// circuit is open.
func (c *Client) allow(op string) error {
	if c.breaker.Allow() {
		return nil
	}
	if c.metrics != nil {
		c.metrics.CircuitBreakerRejects.WithLabelValues(backendLabel, c.Name).Inc()
	}
	return c.err(op, 0, fmt.Errorf("circuit open"))
}

// recordOutcome feeds a call result back into the breaker and publishes
// its resulting state.
func (c *Client) recordOutcome(weight float64) {
	if weight == 0 {
		c.breaker.RecordSuccess()
	} else {
		c.breaker.RecordError(weight)
	}
	if c.metrics != nil {
		c.metrics.CircuitBreakerState.WithLabelValues(backendLabel, c.Name).Set(float64(c.breaker.State()))
	}
}

type consumerWire struct {
	Username string         `json:"username"`
	Plugins  map[string]any `json:"plugins"`
	GroupID  string         `json:"group_id,omitempty"`
}

type envelope struct {
	Value json.RawMessage `json:"value"`
}

// GetConsumer returns the Consumer with the given username, or nil if it
// does not exist (a 404 is structural, not an error).
func (c *Client) GetConsumer(ctx context.Context, username string) (*controlplane.Consumer, error) {
	if err := c.allow("GetConsumer"); err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodGet, "/consumers/"+username, nil)
	if err != nil {
		c.recordOutcome(1.0)
		return nil, c.err("GetConsumer", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.recordOutcome(0)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		c.recordOutcome(circuitbreaker.ClassifyError(&statusError{resp.StatusCode}))
		return nil, c.errFromResp("GetConsumer", resp)
	}
	c.recordOutcome(0)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.err("GetConsumer", 0, err)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, c.err("GetConsumer", 0, fmt.Errorf("decode envelope: %w", err))
	}
	var w consumerWire
	if err := json.Unmarshal(env.Value, &w); err != nil {
		return nil, c.err("GetConsumer", 0, fmt.Errorf("decode consumer: %w", err))
	}
	return &controlplane.Consumer{
		InstanceName: c.Name,
		Username:     w.Username,
		Plugins:      w.Plugins,
		GroupID:      w.GroupID,
	}, nil
}

// UpsertConsumer creates or replaces the consumer and returns the stored
// value. GroupID is omitted from the wire payload when empty.
func (c *Client) UpsertConsumer(ctx context.Context, cons controlplane.Consumer) (*controlplane.Consumer, error) {
	if err := c.allow("UpsertConsumer"); err != nil {
		return nil, err
	}
	w := consumerWire{Username: cons.Username, Plugins: cons.Plugins, GroupID: cons.GroupID}
	body, err := json.Marshal(w)
	if err != nil {
		return nil, c.err("UpsertConsumer", 0, fmt.Errorf("marshal: %w", err))
	}
	resp, err := c.do(ctx, http.MethodPut, "/consumers", bytes.NewReader(body))
	if err != nil {
		c.recordOutcome(1.0)
		return nil, c.err("UpsertConsumer", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		c.recordOutcome(circuitbreaker.ClassifyError(&statusError{resp.StatusCode}))
		return nil, c.errFromResp("UpsertConsumer", resp)
	}
	c.recordOutcome(0)
	stored := cons
	stored.InstanceName = c.Name
	return &stored, nil
}

// DeleteConsumer removes the consumer identified by cons.Username.
// cons is echoed back on success so the caller retains the full prior
// state for rollback replay. A 404 is an error: the caller already
// confirmed presence, so a racing delete must be reported (spec's
// explicit resolution of the 404-on-delete ambiguity).
func (c *Client) DeleteConsumer(ctx context.Context, cons controlplane.Consumer) (*controlplane.Consumer, error) {
	if err := c.allow("DeleteConsumer"); err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodDelete, "/consumers/"+cons.Username, nil)
	if err != nil {
		c.recordOutcome(1.0)
		return nil, c.err("DeleteConsumer", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.recordOutcome(circuitbreaker.ClassifyError(&statusError{resp.StatusCode}))
		return nil, c.errFromResp("DeleteConsumer", resp)
	}
	c.recordOutcome(0)
	stored := cons
	stored.InstanceName = c.Name
	return &stored, nil
}

// GetConsumerGroup returns the ConsumerGroup with the given id, or nil if
// it does not exist.
func (c *Client) GetConsumerGroup(ctx context.Context, id string) (*controlplane.ConsumerGroup, error) {
	if id == "" {
		return nil, nil
	}
	if err := c.allow("GetConsumerGroup"); err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodGet, "/consumer_groups/"+id, nil)
	if err != nil {
		c.recordOutcome(1.0)
		return nil, c.err("GetConsumerGroup", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.recordOutcome(0)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		c.recordOutcome(circuitbreaker.ClassifyError(&statusError{resp.StatusCode}))
		return nil, c.errFromResp("GetConsumerGroup", resp)
	}
	c.recordOutcome(0)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.err("GetConsumerGroup", 0, err)
	}
	value := gjson.GetBytes(body, "value")
	plugins := map[string]any{}
	if p := value.Get("plugins"); p.Exists() {
		if err := json.Unmarshal([]byte(p.Raw), &plugins); err != nil {
			return nil, c.err("GetConsumerGroup", 0, fmt.Errorf("decode plugins: %w", err))
		}
	}
	return &controlplane.ConsumerGroup{ID: value.Get("id").String(), Plugins: plugins}, nil
}

// ListKeyAuthRoutes returns every route on this instance whose plugins
// include key-auth (invariant I-R: routes without key-auth are never
// advertised).
func (c *Client) ListKeyAuthRoutes(ctx context.Context) ([]controlplane.Route, error) {
	if err := c.allow("ListKeyAuthRoutes"); err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodGet, "/routes", nil)
	if err != nil {
		c.recordOutcome(1.0)
		return nil, c.err("ListKeyAuthRoutes", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.recordOutcome(circuitbreaker.ClassifyError(&statusError{resp.StatusCode}))
		return nil, c.errFromResp("ListKeyAuthRoutes", resp)
	}
	c.recordOutcome(0)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.err("ListKeyAuthRoutes", 0, err)
	}

	var routes []controlplane.Route
	for _, item := range gjson.GetBytes(body, "list").Array() {
		value := item.Get("value")
		if !value.Get("plugins.key-auth").Exists() {
			continue
		}
		plugins := map[string]any{}
		if p := value.Get("plugins"); p.Exists() {
			if err := json.Unmarshal([]byte(p.Raw), &plugins); err != nil {
				continue
			}
		}
		routes = append(routes, controlplane.Route{
			URI:     value.Get("uri").String(),
			Plugins: plugins,
		})
	}
	return routes, nil
}

// Health probes the admin API by listing at most one route.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/routes?page_size=1", nil)
	if err != nil {
		return c.err("Health", 0, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.errFromResp("Health", resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.adminURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

func (c *Client) err(op string, status int, cause error) error {
	return &controlplane.GatewayError{Instance: c.Name, Op: op, Status: status, Err: cause}
}

func (c *Client) errFromResp(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &controlplane.GatewayError{
		Instance: c.Name,
		Op:       op,
		Status:   resp.StatusCode,
		Err:      fmt.Errorf("%s", string(body)),
	}
}

type statusError struct{ status int }

func (e *statusError) Error() string   { return fmt.Sprintf("status %d", e.status) }
func (e *statusError) HTTPStatus() int { return e.status }
