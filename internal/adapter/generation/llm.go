package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/xiaot623/gogo/scenarios/internal/adapter/llm"
	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

// LLMBackend speaks for agents through an OpenAI-compatible chat model.
type LLMBackend struct {
	client       llm.ChatClient
	defaultModel string
	historyLimit int
}

// NewLLMBackend creates a backend over the given chat client.
func NewLLMBackend(client llm.ChatClient, defaultModel string) *LLMBackend {
	return &LLMBackend{client: client, defaultModel: defaultModel, historyLimit: 20}
}

var _ Service = (*LLMBackend)(nil)

// personaReply is the JSON object the model is asked to return.
type personaReply struct {
	Content    string   `json:"content"`
	Channel    string   `json:"channel"`
	Sentiment  *float64 `json:"sentiment"`
	RiskSignal *float64 `json:"risk_signal"`
}

// GenerateTurn asks the model to speak as req.Agent.
func (b *LLMBackend) GenerateTurn(ctx context.Context, req TurnRequest) (TurnResponse, error) {
	model := req.Model
	if model == "" {
		model = b.defaultModel
	}

	chatReq := &llm.ChatCompletionRequest{
		Model:          model,
		Messages:       b.buildTurnMessages(req),
		ResponseFormat: llm.JSONObjectFormat,
		User:           req.RunID,
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		chatReq.Temperature = &temp
	}

	start := time.Now()
	resp, err := b.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return TurnResponse{}, classify(ctx, err)
	}

	raw := strings.TrimSpace(resp.Content())
	if raw == "" {
		return TurnResponse{}, NewError(KindMalformedResponse, "empty completion", nil)
	}
	var reply personaReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return TurnResponse{}, NewError(KindMalformedResponse, "reply is not a JSON object", err)
	}
	if strings.TrimSpace(reply.Content) == "" {
		return TurnResponse{}, NewError(KindMalformedResponse, "reply has no content", nil)
	}

	out := TurnResponse{
		Content:    reply.Content,
		Channel:    domain.Channel(reply.Channel),
		Sentiment:  reply.Sentiment,
		RiskSignal: reply.RiskSignal,
		Model:      resp.Model,
		Duration:   time.Since(start),
	}
	if resp.Usage != nil {
		out.TokensUsed = resp.Usage.TotalTokens
	}
	if out.Model == "" {
		out.Model = model
	}
	return out, nil
}

// GenerateNarrative asks the model for a prose summary of the assembled context.
func (b *LLMBackend) GenerateNarrative(ctx context.Context, req NarrativeRequest) (NarrativeResponse, error) {
	model := req.Model
	if model == "" {
		model = b.defaultModel
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return NarrativeResponse{}, fmt.Errorf("failed to marshal narrative context: %w", err)
	}

	resp, err := b.client.CreateChatCompletion(ctx, &llm.ChatCompletionRequest{
		Model: model,
		Messages: []llm.ChatMessage{
			{Role: "system", Content: "You write concise executive briefings of what-if scenario simulations. Use plain prose, no lists."},
			{Role: "user", Content: string(payload)},
		},
	})
	if err != nil {
		return NarrativeResponse{}, classify(ctx, err)
	}
	text := strings.TrimSpace(resp.Content())
	if text == "" {
		return NarrativeResponse{}, NewError(KindMalformedResponse, "empty narrative", nil)
	}

	out := NarrativeResponse{Narrative: text, Model: resp.Model}
	if resp.Usage != nil {
		out.TokensUsed = resp.Usage.TotalTokens
	}
	return out, nil
}

func (b *LLMBackend) buildTurnMessages(req TurnRequest) []llm.ChatMessage {
	var sys strings.Builder
	fmt.Fprintf(&sys, "You are %s, playing the %s in a %s scenario simulation.\n", req.Agent.Name, req.Agent.RoleType, req.ObjectiveType)
	if req.Behavior.Tone != "" {
		fmt.Fprintf(&sys, "Tone: %s.\n", req.Behavior.Tone)
	}
	if len(req.Behavior.Priorities) > 0 {
		fmt.Fprintf(&sys, "Priorities: %s.\n", strings.Join(req.Behavior.Priorities, "; "))
	}
	if len(req.Behavior.Constraints) > 0 {
		fmt.Fprintf(&sys, "Constraints: %s.\n", strings.Join(req.Behavior.Constraints, "; "))
	}
	if req.Behavior.ResponseLength != "" {
		fmt.Fprintf(&sys, "Response length: %s.\n", req.Behavior.ResponseLength)
	}
	fmt.Fprintf(&sys, "Aggressiveness: %.2f on a 0-1 scale.\n", req.Behavior.Aggressiveness)
	sys.WriteString(`Reply with one JSON object: {"content": string, "channel": one of press|internal|social|investor_call|regulatory_filing|direct, "sentiment": number in [-1,1], "risk_signal": number in [0,1]}.`)

	msgs := []llm.ChatMessage{{Role: "system", Content: sys.String()}}
	if ctxText := snapshotText(req.Snapshot); ctxText != "" {
		msgs = append(msgs, llm.ChatMessage{Role: "system", Content: "Situation context:\n" + ctxText})
	}

	history := req.History
	if len(history) > b.historyLimit {
		history = history[len(history)-b.historyLimit:]
	}
	for _, turn := range history {
		role := "user"
		if turn.AgentKey == req.Agent.AgentKey {
			role = "assistant"
		}
		msgs = append(msgs, llm.ChatMessage{
			Role:    role,
			Name:    turn.AgentKey,
			Content: fmt.Sprintf("[%s via %s] %s", turn.RoleType, turn.Channel, turn.Content),
		})
	}

	prompt := fmt.Sprintf("Step %d. Respond in character.", req.StepIndex)
	if req.Guidance != "" {
		prompt += " Facilitator guidance: " + req.Guidance
	}
	msgs = append(msgs, llm.ChatMessage{Role: "user", Content: prompt})
	return msgs
}

func snapshotText(s domain.ContextSnapshot) string {
	var b strings.Builder
	for _, part := range []struct {
		name string
		raw  json.RawMessage
	}{
		{"risk", s.Risk},
		{"graph", s.Graph},
		{"narrative", s.Narrative},
		{"competitive", s.Competitive},
		{"reputation", s.Reputation},
		{"crisis", s.Crisis},
	} {
		if len(part.raw) == 0 || string(part.raw) == "null" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", part.name, part.raw)
	}
	return b.String()
}

// classify maps transport and API errors onto generation error kinds.
func classify(ctx context.Context, err error) *Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return classifyContextErr(ctxErr)
	}
	var netErr interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return NewError(KindTimeout, "request timed out", err)
	}
	var statusErr *llm.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return NewError(KindRateLimited, "model rate limited", err)
		case statusErr.StatusCode == http.StatusRequestTimeout || statusErr.StatusCode == http.StatusGatewayTimeout:
			return NewError(KindTimeout, "model timed out", err)
		case statusErr.StatusCode >= 500:
			return NewError(KindUnavailable, "model unavailable", err)
		default:
			return NewError(KindMalformedResponse, "model rejected request", err)
		}
	}
	return NewError(KindUnavailable, "model unreachable", err)
}
