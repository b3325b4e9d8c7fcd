package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

// Client is an HTTP client for the engine's /v1 API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// APIError is a non-2xx answer from the engine.
type APIError struct {
	Status  int
	Message string
	Field   string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("engine returned %d: %s (field %s)", e.Status, e.Message, e.Field)
	}
	return fmt.Sprintf("engine returned %d: %s", e.Status, e.Message)
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field"`
}

func (c *Client) CreateSimulation(ctx context.Context, req domain.CreateSimulationRequest) (*domain.Simulation, error) {
	var sim domain.Simulation
	if err := c.do(ctx, http.MethodPost, "/v1/simulations", req, &sim); err != nil {
		return nil, fmt.Errorf("failed to create simulation %q: %w", req.Name, err)
	}
	return &sim, nil
}

func (c *Client) DefineAgent(ctx context.Context, simulationID string, req domain.DefineAgentRequest) (*domain.AgentDefinition, error) {
	var agent domain.AgentDefinition
	if err := c.do(ctx, http.MethodPost, "/v1/simulations/"+simulationID+"/agents", req, &agent); err != nil {
		return nil, fmt.Errorf("failed to define agent %q: %w", req.AgentKey, err)
	}
	return &agent, nil
}

func (c *Client) CreateSuite(ctx context.Context, req domain.CreateSuiteRequest) (*domain.ScenarioSuite, error) {
	var suite domain.ScenarioSuite
	if err := c.do(ctx, http.MethodPost, "/v1/suites", req, &suite); err != nil {
		return nil, fmt.Errorf("failed to create suite %q: %w", req.Name, err)
	}
	return &suite, nil
}

func (c *Client) AddSuiteItem(ctx context.Context, suiteID string, req domain.AddSuiteItemRequest) (*domain.SuiteItem, error) {
	var item domain.SuiteItem
	if err := c.do(ctx, http.MethodPost, "/v1/suites/"+suiteID+"/items", req, &item); err != nil {
		return nil, fmt.Errorf("failed to add suite item: %w", err)
	}
	return &item, nil
}

func (c *Client) StartSuiteRun(ctx context.Context, suiteID string, req domain.StartSuiteRunRequest) (*domain.SuiteRun, error) {
	var sr domain.SuiteRun
	if err := c.do(ctx, http.MethodPost, "/v1/suites/"+suiteID+"/runs", req, &sr); err != nil {
		return nil, fmt.Errorf("failed to start suite run: %w", err)
	}
	return &sr, nil
}

func (c *Client) GetSuiteRun(ctx context.Context, suiteRunID string) (*domain.SuiteRun, error) {
	var sr domain.SuiteRun
	if err := c.do(ctx, http.MethodGet, "/v1/suite_runs/"+suiteRunID, nil, &sr); err != nil {
		return nil, fmt.Errorf("failed to get suite run: %w", err)
	}
	return &sr, nil
}

func (c *Client) ListSuiteRunItems(ctx context.Context, suiteRunID string) ([]domain.SuiteRunItem, error) {
	var resp struct {
		Items []domain.SuiteRunItem `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/suite_runs/"+suiteRunID+"/items", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list suite run items: %w", err)
	}
	return resp.Items, nil
}

func (c *Client) Advance(ctx context.Context, suiteRunID string, opts domain.AdvanceOptions) (*domain.SuiteRun, error) {
	var sr domain.SuiteRun
	if err := c.do(ctx, http.MethodPost, "/v1/suite_runs/"+suiteRunID+"/advance", opts, &sr); err != nil {
		return nil, fmt.Errorf("failed to advance suite run: %w", err)
	}
	return &sr, nil
}

func (c *Client) AbortSuiteRun(ctx context.Context, suiteRunID string, req domain.AbortRequest) (*domain.SuiteRun, error) {
	var sr domain.SuiteRun
	if err := c.do(ctx, http.MethodPost, "/v1/suite_runs/"+suiteRunID+"/abort", req, &sr); err != nil {
		return nil, fmt.Errorf("failed to abort suite run: %w", err)
	}
	return &sr, nil
}

// Metrics fetches the metrics document of a suite run, or of a simulation run
// when run is true, without decoding it.
func (c *Client) Metrics(ctx context.Context, id string, run bool) (json.RawMessage, error) {
	path := "/v1/suite_runs/" + id + "/metrics"
	if run {
		path = "/v1/runs/" + id + "/metrics"
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch metrics: %w", err)
	}
	return raw, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
			apiErr.Field = errResp.Field
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// isConflict reports whether err is a 409 from the engine.
func isConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}
