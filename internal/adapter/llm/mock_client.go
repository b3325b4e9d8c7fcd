package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// MockClient is a deterministic ChatClient for local runs and tests.
// The same request always produces the same reply.
type MockClient struct{}

// NewMockClient creates a new mock chat client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Ensure MockClient implements ChatClient interface.
var _ ChatClient = (*MockClient)(nil)

type mockLine struct {
	text      string
	channel   string
	sentiment float64
	risk      float64
}

var mockLines = []mockLine{
	{"We acknowledge the concern and will publish a full timeline by Friday.", "press", 0.3, 0.2},
	{"Sources say the issue is wider than disclosed; we are asking for comment.", "press", -0.5, 0.7},
	{"Guidance is unchanged, but we want clarity on remediation costs.", "investor_call", -0.1, 0.4},
	{"We are opening an inquiry and expect a formal filing within ten days.", "regulatory_filing", -0.4, 0.8},
	{"Teams are aligned and the fix is rolling out ahead of schedule.", "internal", 0.6, 0.1},
	{"Customers are frustrated and threatening to cancel over the outage.", "social", -0.7, 0.6},
	{"The response has been transparent; confidence is recovering.", "social", 0.5, 0.2},
	{"Competitors are already pitching our accounts with this story.", "direct", -0.3, 0.5},
}

// CreateChatCompletion returns a canned persona reply picked by hashing the request.
func (m *MockClient) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	line := mockLines[m.pick(req)]
	content := "[MOCK] " + line.text
	if req.ResponseFormat["type"] == "json_object" {
		body, err := json.Marshal(map[string]any{
			"content":     content,
			"channel":     line.channel,
			"sentiment":   line.sentiment,
			"risk_signal": line.risk,
		})
		if err != nil {
			return nil, err
		}
		content = string(body)
	}

	prompt := m.estimateTokens(req)
	completion := len(content) / 4
	return &ChatCompletionResponse{
		ID:      fmt.Sprintf("mock-chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{
			{
				Index:        0,
				Message:      &ChatMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
		Usage: &Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}, nil
}

func (m *MockClient) pick(req *ChatCompletionRequest) int {
	h := fnv.New32a()
	for _, msg := range req.Messages {
		h.Write([]byte(msg.Role))
		h.Write([]byte(strings.TrimSpace(msg.Content)))
	}
	return int(h.Sum32() % uint32(len(mockLines)))
}

// estimateTokens provides a rough token count estimate.
func (m *MockClient) estimateTokens(req *ChatCompletionRequest) int {
	total := 0
	for _, msg := range req.Messages {
		total += len(msg.Content) / 4
	}
	return total
}
