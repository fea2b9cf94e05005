// Package httpagent provides a RemoteAgent that talks to an agent's HTTP API.
package httpagent

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

	"github.com/fentz26/flotilla/internal/connectors"
	"github.com/fentz26/flotilla/internal/models"
)

// DefaultTimeout bounds a single agent request when the caller's context
// carries no deadline.
const DefaultTimeout = 10 * time.Second

// Agent implements connectors.RemoteAgent over HTTP.
type Agent struct {
	baseURL string
	client  *http.Client
}

// New creates an Agent for the agent at baseURL.
func New(baseURL string, client *http.Client) *Agent {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Agent{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Factory creates HTTP agents sharing one client.
type Factory struct {
	client *http.Client
}

// NewFactory creates a Factory whose requests time out after timeout.
func NewFactory(timeout time.Duration) *Factory {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Factory{client: &http.Client{Timeout: timeout}}
}

// ForAgent returns the RemoteAgent for agentURI.
func (f *Factory) ForAgent(agentURI string) connectors.RemoteAgent {
	return New(agentURI, f.client)
}

// Status fetches GET /v1/agent.
func (a *Agent) Status(ctx context.Context) (*models.AgentStatus, error) {
	var status models.AgentStatus
	if err := a.do(ctx, http.MethodGet, "/v1/agent", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Install posts the installation to /v1/agent/slot.
func (a *Agent) Install(ctx context.Context, inst models.Installation) (*models.SlotStatus, error) {
	var slot models.SlotStatus
	if err := a.do(ctx, http.MethodPost, "/v1/agent/slot", inst, &slot); err != nil {
		return nil, err
	}
	return &slot, nil
}

// Upgrade puts the installation to the slot's assignment resource.
func (a *Agent) Upgrade(ctx context.Context, slot models.SlotStatus, inst models.Installation) (*models.SlotStatus, error) {
	var result models.SlotStatus
	if err := a.do(ctx, http.MethodPut, slotPath(slot, "assignment"), inst, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (a *Agent) Start(ctx context.Context, slot models.SlotStatus) (*models.SlotStatus, error) {
	return a.setLifecycle(ctx, slot, models.SlotStateRunning)
}

func (a *Agent) Stop(ctx context.Context, slot models.SlotStatus) (*models.SlotStatus, error) {
	return a.setLifecycle(ctx, slot, models.SlotStateStopped)
}

func (a *Agent) Restart(ctx context.Context, slot models.SlotStatus) (*models.SlotStatus, error) {
	return a.setLifecycle(ctx, slot, models.SlotStateRestarting)
}

// Terminate deletes the slot.
func (a *Agent) Terminate(ctx context.Context, slot models.SlotStatus) (*models.SlotStatus, error) {
	var result models.SlotStatus
	if err := a.do(ctx, http.MethodDelete, slotPath(slot, ""), nil, &result); err != nil {
		return nil, err
	}
	result.State = models.SlotStateTerminated
	return &result, nil
}

func (a *Agent) setLifecycle(ctx context.Context, slot models.SlotStatus, state models.SlotState) (*models.SlotStatus, error) {
	var result models.SlotStatus
	if err := a.do(ctx, http.MethodPut, slotPath(slot, "lifecycle"), string(state), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func slotPath(slot models.SlotStatus, action string) string {
	path := "/v1/agent/slot/" + url.PathEscape(slot.ID)
	if action != "" {
		path += "/" + action
	}
	return path
}

func (a *Agent) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", connectors.ErrAgentCommunication, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", connectors.ErrAgentCommunication, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", connectors.ErrAgentCommunication, err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: %s %s: agent returned %d: %s",
			connectors.ErrAgentCommunication, method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", connectors.ErrAgentCommunication, err)
		}
	}
	return nil
}
