package generation

import (
	"bufio"
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

// SSEEvent represents a parsed SSE event.
type SSEEvent struct {
	Event string
	Data  string
}

// EventHandler is called for each SSE event from the persona endpoint.
type EventHandler func(event SSEEvent) error

// RemoteTurnRequest is the body posted to an external persona's /invoke endpoint.
type RemoteTurnRequest struct {
	RunID         string                 `json:"run_id"`
	SimulationID  string                 `json:"simulation_id"`
	StepIndex     int                    `json:"step_index"`
	ObjectiveType domain.ObjectiveType   `json:"objective_type"`
	Agent         domain.AgentDefinition `json:"agent"`
	Behavior      domain.BehaviorConfig  `json:"behavior"`
	History       []domain.ScenarioTurn  `json:"history,omitempty"`
	Snapshot      domain.ContextSnapshot `json:"snapshot"`
	Guidance      string                 `json:"guidance,omitempty"`
}

// RemoteClient invokes externally hosted personas and streams their reply.
type RemoteClient struct {
	httpClient *http.Client
}

// NewRemoteClient creates a new remote persona client.
func NewRemoteClient(timeout time.Duration) *RemoteClient {
	return &RemoteClient{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Invoke calls a persona's /invoke endpoint and streams SSE events. ws:// and
// wss:// endpoints are spoken to over a WebSocket instead.
func (c *RemoteClient) Invoke(ctx context.Context, endpoint string, req *RemoteTurnRequest, handler EventHandler) error {
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return c.invokeWS(ctx, endpoint, req, handler)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(endpoint, "/") + "/invoke"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Run-ID", req.RunID)
	httpReq.Header.Set("X-Agent-Key", req.Agent.AgentKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return classify(ctx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return NewError(KindRateLimited, "persona endpoint rate limited", nil)
	case resp.StatusCode >= 500:
		bodyBytes, _ := io.ReadAll(resp.Body)
		return NewError(KindUnavailable, fmt.Sprintf("persona returned status %d: %s", resp.StatusCode, string(bodyBytes)), nil)
	case resp.StatusCode != http.StatusOK:
		bodyBytes, _ := io.ReadAll(resp.Body)
		return NewError(KindMalformedResponse, fmt.Sprintf("persona returned status %d: %s", resp.StatusCode, string(bodyBytes)), nil)
	}

	return c.parseSSE(resp.Body, handler)
}

// GenerateTurn invokes req.Agent.Endpoint and assembles the streamed reply.
func (c *RemoteClient) GenerateTurn(ctx context.Context, req TurnRequest) (TurnResponse, error) {
	start := time.Now()
	var (
		text strings.Builder
		done *domain.DoneEventData
	)
	err := c.Invoke(ctx, req.Agent.Endpoint, &RemoteTurnRequest{
		RunID:         req.RunID,
		SimulationID:  req.SimulationID,
		StepIndex:     req.StepIndex,
		ObjectiveType: req.ObjectiveType,
		Agent:         req.Agent,
		Behavior:      req.Behavior,
		History:       req.History,
		Snapshot:      req.Snapshot,
		Guidance:      req.Guidance,
	}, func(event SSEEvent) error {
		switch event.Event {
		case "delta":
			delta, err := ParseDeltaEvent(event.Data)
			if err != nil {
				return NewError(KindMalformedResponse, "bad delta event", err)
			}
			text.WriteString(delta.Text)
		case "done":
			d, err := ParseDoneEvent(event.Data)
			if err != nil {
				return NewError(KindMalformedResponse, "bad done event", err)
			}
			done = d
		case "error":
			evt, err := ParseErrorEvent(event.Data)
			if err != nil {
				return NewError(KindMalformedResponse, "bad error event", err)
			}
			return NewError(errorKindFromCode(evt.Code), evt.Message, nil)
		}
		return nil
	})
	if err != nil {
		var genErr *Error
		if errors.As(err, &genErr) {
			return TurnResponse{}, genErr
		}
		return TurnResponse{}, classify(ctx, err)
	}
	if done == nil {
		return TurnResponse{}, NewError(KindMalformedResponse, "stream ended without done event", nil)
	}

	content := done.FinalMessage
	if content == "" {
		content = text.String()
	}
	if strings.TrimSpace(content) == "" {
		return TurnResponse{}, NewError(KindMalformedResponse, "persona produced no content", nil)
	}

	return TurnResponse{
		Content:    content,
		Channel:    done.Channel,
		TokensUsed: done.Usage.Total(),
		Sentiment:  done.Sentiment,
		RiskSignal: done.RiskSignal,
		Model:      "remote:" + req.Agent.AgentKey,
		Duration:   time.Since(start),
	}, nil
}

func errorKindFromCode(code string) ErrorKind {
	switch ErrorKind(code) {
	case KindTimeout, KindRateLimited, KindMalformedResponse:
		return ErrorKind(code)
	}
	return KindUnavailable
}

// parseSSE parses an SSE stream and calls the handler for each event.
func (c *RemoteClient) parseSSE(reader io.Reader, handler EventHandler) error {
	scanner := bufio.NewScanner(reader)
	var event SSEEvent

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
				event = SSEEvent{}
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
	}

	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// ParseDeltaEvent parses a delta event data.
func ParseDeltaEvent(data string) (*domain.DeltaEventData, error) {
	var delta domain.DeltaEventData
	if err := json.Unmarshal([]byte(data), &delta); err != nil {
		return nil, fmt.Errorf("failed to parse delta event: %w", err)
	}
	return &delta, nil
}

// ParseDoneEvent parses a done event data.
func ParseDoneEvent(data string) (*domain.DoneEventData, error) {
	var done domain.DoneEventData
	if err := json.Unmarshal([]byte(data), &done); err != nil {
		return nil, fmt.Errorf("failed to parse done event: %w", err)
	}
	return &done, nil
}

// ParseErrorEvent parses an error event data.
func ParseErrorEvent(data string) (*domain.ErrorEventData, error) {
	var errEvt domain.ErrorEventData
	if err := json.Unmarshal([]byte(data), &errEvt); err != nil {
		return nil, fmt.Errorf("failed to parse error event: %w", err)
	}
	return &errEvt, nil
}
