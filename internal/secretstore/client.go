// Package secretstore implements the per-instance secret-store client:
// typed operations against one secret-store instance (put/get/delete/list
// a user record, healthcheck).
package secretstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	controlplane "github.com/eumetnet/apikey-controlplane/internal"
	"github.com/eumetnet/apikey-controlplane/internal/circuitbreaker"
	"github.com/eumetnet/apikey-controlplane/internal/cloudauth"
	"github.com/eumetnet/apikey-controlplane/internal/telemetry"
)

const backendLabel = "secretstore"

// Client is a secret-store-instance client.
type Client struct {
	Name         string
	basePath     string
	secretPhrase string
	http         *http.Client
	baseURL      string
	breaker      *circuitbreaker.Breaker
	metrics      *telemetry.Metrics
}

// New creates a Client for one secret-store instance.
func New(name, baseURL, token, basePath, secretPhrase string, breaker *circuitbreaker.Breaker) *Client {
	return &Client{
		Name:         name,
		basePath:     strings.Trim(basePath, "/"),
		secretPhrase: secretPhrase,
		baseURL:      strings.TrimRight(baseURL, "/"),
		breaker:      breaker,
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &cloudauth.APIKeyTransport{
				Key:        token,
				HeaderName: "X-Vault-Token",
			},
		},
	}
}

type recordWire struct {
	AuthKey string `json:"auth_key"`
	Date    string `json:"date"`
}

type readEnvelope struct {
	Data recordWire `json:"data"`
}

type listEnvelope struct {
	Data struct {
		Keys []string `json:"keys"`
	} `json:"data"`
}

func (c *Client) path(id string) string {
	return "/v1/" + c.basePath + "/" + id
}

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

// PutUser writes a KeyRecord. If rec.AuthKey is empty, one is derived
// deterministically from rec.Date (the current date when rec.Date is
// empty), id, and configured secret phrase (first issuance); otherwise
// the given record is written verbatim
// (rollback replay of a previously observed record).
func (c *Client) PutUser(ctx context.Context, id string, rec controlplane.KeyRecord) (controlplane.KeyRecord, error) {
	if err := c.allow("PutUser"); err != nil {
		return controlplane.KeyRecord{}, err
	}
	if rec.Date == "" {
		rec.Date = controlplane.Today(time.Now())
	}
	if rec.AuthKey == "" {
		rec.AuthKey = controlplane.HashAuthKey(rec.Date, id, c.secretPhrase)
	}
	body, err := json.Marshal(recordWire{AuthKey: rec.AuthKey, Date: rec.Date})
	if err != nil {
		return controlplane.KeyRecord{}, c.err("PutUser", 0, fmt.Errorf("marshal: %w", err))
	}
	resp, err := c.do(ctx, http.MethodPost, c.path(id), bytes.NewReader(body))
	if err != nil {
		c.recordOutcome(1.0)
		return controlplane.KeyRecord{}, c.err("PutUser", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusCreated {
		c.recordOutcome(circuitbreaker.ClassifyError(&statusError{resp.StatusCode}))
		return controlplane.KeyRecord{}, c.errFromResp("PutUser", resp)
	}
	c.recordOutcome(0)
	rec.ID = id
	rec.InstanceName = c.Name
	return rec, nil
}

// GetUser returns the KeyRecord for id, or nil if absent (404 is
// structural, not an error).
func (c *Client) GetUser(ctx context.Context, id string) (*controlplane.KeyRecord, error) {
	if err := c.allow("GetUser"); err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodGet, c.path(id), nil)
	if err != nil {
		c.recordOutcome(1.0)
		return nil, c.err("GetUser", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.recordOutcome(0)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		c.recordOutcome(circuitbreaker.ClassifyError(&statusError{resp.StatusCode}))
		return nil, c.errFromResp("GetUser", resp)
	}
	c.recordOutcome(0)

	var env readEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, c.err("GetUser", 0, fmt.Errorf("decode: %w", err))
	}
	return &controlplane.KeyRecord{
		ID:           id,
		AuthKey:      env.Data.AuthKey,
		Date:         env.Data.Date,
		InstanceName: c.Name,
	}, nil
}

// DeleteUser removes the record for id and returns the record that was
// removed (the caller must pass in the previously observed record since
// the delete response carries no body; this lets rollback replay exactly
// what was destroyed).
func (c *Client) DeleteUser(ctx context.Context, prior controlplane.KeyRecord) (controlplane.KeyRecord, error) {
	if err := c.allow("DeleteUser"); err != nil {
		return controlplane.KeyRecord{}, err
	}
	resp, err := c.do(ctx, http.MethodDelete, c.path(prior.ID), nil)
	if err != nil {
		c.recordOutcome(1.0)
		return controlplane.KeyRecord{}, c.err("DeleteUser", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		c.recordOutcome(circuitbreaker.ClassifyError(&statusError{resp.StatusCode}))
		return controlplane.KeyRecord{}, c.errFromResp("DeleteUser", resp)
	}
	c.recordOutcome(0)
	out := prior
	out.InstanceName = c.Name
	return out, nil
}

// ListUserIds lists every user id known to this instance.
func (c *Client) ListUserIds(ctx context.Context) ([]string, error) {
	if err := c.allow("ListUserIds"); err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, "LIST", "/v1/"+c.basePath+"/", nil)
	if err != nil {
		c.recordOutcome(1.0)
		return nil, c.err("ListUserIds", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.recordOutcome(0)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		c.recordOutcome(circuitbreaker.ClassifyError(&statusError{resp.StatusCode}))
		return nil, c.errFromResp("ListUserIds", resp)
	}
	c.recordOutcome(0)

	var env listEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, c.err("ListUserIds", 0, fmt.Errorf("decode: %w", err))
	}
	return env.Data.Keys, nil
}

// Health pings the instance's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/v1/sys/health", nil)
	if err != nil {
		return c.err("Health", 0, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return c.errFromResp("Health", resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

func (c *Client) err(op string, status int, cause error) error {
	return &controlplane.SecretError{Instance: c.Name, Op: op, Status: status, Err: cause}
}

func (c *Client) errFromResp(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &controlplane.SecretError{
		Instance: c.Name,
		Op:       op,
		Status:   resp.StatusCode,
		Err:      fmt.Errorf("%s", string(body)),
	}
}

type statusError struct{ status int }

func (e *statusError) Error() string   { return fmt.Sprintf("status %d", e.status) }
func (e *statusError) HTTPStatus() int { return e.status }
