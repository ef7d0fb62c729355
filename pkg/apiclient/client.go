// Package apiclient is the REST client cmd/fleetctl uses to reach pkg/api
// over the wire. Grounded on
// the teacher's pkg/client/client.go: one method per operation, each
// opening its own bounded-timeout context, returning typed results
// instead of raw proto responses since the wire format here is JSON over
// plain HTTP rather than gRPC.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// defaultTimeout bounds every request issued through Client's typed
// methods except Apply, which is bounded only by the caller's context and
// the http.Client's own Timeout.
const defaultTimeout = 10 * time.Second

// Client is a thin REST client over a control plane's /api/v1 surface.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client targeting a control plane listening at addr
// (e.g. "http://127.0.0.1:8000").
func NewClient(addr string) *Client {
	return &Client{baseURL: addr, http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("apiclient: encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("apiclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("apiclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("apiclient: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return &StatusError{Status: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("apiclient: decode response: %w", err)
	}
	return nil
}

// StatusError is returned for any non-2xx HTTP response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("apiclient: status %d: %s", e.Status, e.Body)
}

// AgentView mirrors pkg/api's agentView wire shape.
type AgentView struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities,omitempty"`
	Addresses    []string `json:"addresses,omitempty"`
	Connected    bool     `json:"connected"`
}

// ListAgents calls GET /api/v1/agents.
func (c *Client) ListAgents(ctx context.Context) ([]AgentView, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	var out []AgentView
	err := c.do(ctx, http.MethodGet, "/api/v1/agents", nil, &out)
	return out, err
}

// FindAgents calls POST /api/v1/agents/find with the given label set.
func (c *Client) FindAgents(ctx context.Context, labels []string) ([]AgentView, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	var out []AgentView
	err := c.do(ctx, http.MethodPost, "/api/v1/agents/find", map[string][]string{"labels": labels}, &out)
	return out, err
}

// KillAgent calls POST /api/v1/agents/{id}/kill.
func (c *Client) KillAgent(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return c.do(ctx, http.MethodPost, "/api/v1/agents/"+id+"/kill", nil, nil)
}

// EnvView mirrors pkg/api's envView wire shape.
type EnvView struct {
	ID      string   `json:"id"`
	Storage string   `json:"storage,omitempty"`
	Network string   `json:"network,omitempty"`
	Nodes   []string `json:"nodes,omitempty"`
}

// ListEnvs calls GET /api/v1/env/list.
func (c *Client) ListEnvs(ctx context.Context) ([]EnvView, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	var out []EnvView
	err := c.do(ctx, http.MethodGet, "/api/v1/env/list", nil, &out)
	return out, err
}

// EnvInfo calls GET /api/v1/env/{id}/info.
func (c *Client) EnvInfo(ctx context.Context, id string) (*EnvView, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	var out EnvView
	err := c.do(ctx, http.MethodGet, "/api/v1/env/"+id+"/info", nil, &out)
	return &out, err
}

// ApplyResult mirrors pkg/api's applyResponse wire shape.
type ApplyResult struct {
	Intents        int               `json:"intents"`
	DispatchErrors map[string]string `json:"dispatch_errors,omitempty"`
}

// Apply calls POST /api/v1/env/{id}/apply with a raw YAML multi-document
// body (spec.md §4.H).
func (c *Client) Apply(ctx context.Context, id string, yamlDocs []byte) (*ApplyResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/env/"+id+"/apply", bytes.NewReader(yamlDocs))
	if err != nil {
		return nil, fmt.Errorf("apiclient: build apply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/yaml")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("apiclient: apply %s: %w", id, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, &StatusError{Status: resp.StatusCode, Body: string(body)}
	}
	var out ApplyResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("apiclient: decode apply response: %w", err)
	}
	return &out, nil
}

// DeleteEnv calls DELETE /api/v1/env/{id}.
func (c *Client) DeleteEnv(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return c.do(ctx, http.MethodDelete, "/api/v1/env/"+id, nil, nil)
}

// Action calls POST /api/v1/env/{id}/action/{kind}, one of
// online/offline/reboot/execute/deploy/config (spec.md §6).
func (c *Client) Action(ctx context.Context, id, kind string, body interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return c.do(ctx, http.MethodPost, "/api/v1/env/"+id+"/action/"+kind, body, nil)
}

// CannonBroadcast calls POST
// /api/v1/env/{id}/cannons/{cannon}/{network}/transaction/broadcast with
// a raw pre-signed transaction payload.
func (c *Client) CannonBroadcast(ctx context.Context, env, cannon, network string, tx []byte) (string, error) {
	path := fmt.Sprintf("/api/v1/env/%s/cannons/%s/%s/transaction/broadcast", env, cannon, network)
	return c.postRaw(ctx, path, tx)
}

// CannonAuth calls POST /api/v1/env/{id}/cannons/{cannon}/auth with a raw
// authorization payload.
func (c *Client) CannonAuth(ctx context.Context, env, cannon string, auth []byte) (string, error) {
	path := fmt.Sprintf("/api/v1/env/%s/cannons/%s/auth", env, cannon)
	return c.postRaw(ctx, path, auth)
}

func (c *Client) postRaw(ctx context.Context, path string, payload []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("apiclient: %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return "", &StatusError{Status: resp.StatusCode, Body: string(body)}
	}
	var out struct {
		Tx string `json:"tx"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("apiclient: decode response: %w", err)
	}
	return out.Tx, nil
}
