package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fentz26/flotilla/internal/controlplane"
	"github.com/fentz26/flotilla/internal/filter"
	"github.com/fentz26/flotilla/internal/models"
	"github.com/fentz26/flotilla/internal/versions"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the coordinator API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// Slots fetches the slots matching f and their fleet version.
func (c *Client) Slots(f filter.SlotFilter) ([]controlplane.SlotRepresentation, string, error) {
	var slots []controlplane.SlotRepresentation
	header, err := c.do(http.MethodGet, "/v1/slot", f.Query(), nil, nil, &slots)
	if err != nil {
		return nil, "", err
	}
	return slots, header.Get(versions.SlotsVersionHeader), nil
}

// Agents fetches every agent.
func (c *Client) Agents() ([]models.AgentStatus, error) {
	var agents []models.AgentStatus
	_, err := c.do(http.MethodGet, "/v1/agent", nil, nil, nil, &agents)
	return agents, err
}

// SetState sends a lifecycle command to one slot, guarded by version.
func (c *Client) SetState(slotID, target, version string) ([]controlplane.SlotRepresentation, error) {
	var slots []controlplane.SlotRepresentation
	q := filter.SlotFilter{IDs: []string{slotID}}.Query()
	_, err := c.do(http.MethodPut, "/v1/slot/lifecycle", q, versionHeader(version), target, &slots)
	return slots, err
}

// Terminate removes one slot, guarded by version.
func (c *Client) Terminate(slotID, version string) ([]controlplane.SlotRepresentation, error) {
	var slots []controlplane.SlotRepresentation
	q := filter.SlotFilter{IDs: []string{slotID}}.Query()
	_, err := c.do(http.MethodDelete, "/v1/slot", q, versionHeader(version), nil, &slots)
	return slots, err
}

// Healthy reports whether the coordinator answers its health check.
func (c *Client) Healthy() bool {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func versionHeader(version string) http.Header {
	h := http.Header{}
	if version != "" {
		h.Set(versions.SlotsVersionHeader, version)
	}
	return h
}

func (c *Client) do(method, path string, q url.Values, header http.Header, body, out interface{}) (http.Header, error) {
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return resp.Header, fmt.Errorf("fleet changed, refresh and retry")
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return resp.Header, fmt.Errorf("API error: %s", bytes.TrimSpace(msg))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.Header, err
		}
	}
	return resp.Header, nil
}
