package domain

import "encoding/json"

// AgentSSEEvent represents an SSE event from a remote persona endpoint.
type AgentSSEEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DeltaEventData is the data for a delta SSE event.
type DeltaEventData struct {
	Text  string `json:"text"`
	RunID string `json:"run_id"`
}

// DoneEventData is the data for a done SSE event. A remote persona may score
// its own turn; missing scores are derived downstream.
type DoneEventData struct {
	Usage        *UsageData `json:"usage,omitempty"`
	FinalMessage string     `json:"final_message,omitempty"`
	Sentiment    *float64   `json:"sentiment,omitempty"`
	RiskSignal   *float64   `json:"risk_signal,omitempty"`
	Channel      Channel    `json:"channel,omitempty"`
}

// UsageData represents token usage information.
type UsageData struct {
	Tokens           int `json:"tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	DurationMs       int `json:"duration_ms,omitempty"`
}

// Total returns the best available token count.
func (u *UsageData) Total() int {
	if u == nil {
		return 0
	}
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	if u.PromptTokens+u.CompletionTokens > 0 {
		return u.PromptTokens + u.CompletionTokens
	}
	return u.Tokens
}

// ErrorEventData is the data for an error SSE event.
type ErrorEventData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
