package generation

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/xiaot623/gogo/scenarios/internal/adapter/llm"
	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

type stubChat struct {
	resp  *llm.ChatCompletionResponse
	err   error
	calls int
	last  *llm.ChatCompletionRequest
}

func (s *stubChat) CreateChatCompletion(ctx context.Context, req *llm.ChatCompletionRequest) (*llm.ChatCompletionResponse, error) {
	s.calls++
	s.last = req
	return s.resp, s.err
}

func reply(content string) *llm.ChatCompletionResponse {
	return &llm.ChatCompletionResponse{
		Model:   "gpt-test",
		Choices: []llm.Choice{{Message: &llm.ChatMessage{Role: "assistant", Content: content}}},
		Usage:   &llm.Usage{TotalTokens: 42},
	}
}

func TestLLMBackendGenerateTurn(t *testing.T) {
	chat := &stubChat{resp: reply(`{"content":"No comment at this time.","channel":"press","sentiment":-0.2,"risk_signal":0.5}`)}
	backend := NewLLMBackend(chat, "default-model")

	resp, err := backend.GenerateTurn(context.Background(), TurnRequest{
		RunID:     "run_1",
		StepIndex: 2,
		Agent:     domain.AgentDefinition{AgentKey: "press", Name: "Dana", RoleType: domain.RoleJournalist},
		Behavior:  domain.BehaviorConfig{Tone: "skeptical"},
		History: []domain.ScenarioTurn{
			{AgentKey: "ceo", RoleType: domain.RoleExecutive, Channel: domain.ChannelPress, Content: "We are investigating."},
		},
		Snapshot: domain.ContextSnapshot{Crisis: []byte(`{"incident":"outage"}`)},
		Guidance: "press harder",
	})
	require.NoError(t, err)
	assert.Equal(t, "No comment at this time.", resp.Content)
	assert.Equal(t, domain.ChannelPress, resp.Channel)
	assert.Equal(t, 42, resp.TokensUsed)
	require.NotNil(t, resp.Sentiment)
	assert.InDelta(t, -0.2, *resp.Sentiment, 1e-9)

	require.NotNil(t, chat.last)
	assert.Equal(t, "default-model", chat.last.Model)
	assert.Equal(t, "json_object", chat.last.ResponseFormat["type"])
	last := chat.last.Messages[len(chat.last.Messages)-1]
	assert.Contains(t, last.Content, "press harder")
	assert.Contains(t, chat.last.Messages[1].Content, "outage")
}

func TestLLMBackendMalformedReply(t *testing.T) {
	for _, content := range []string{"", "plain text", `{"content":""}`} {
		backend := NewLLMBackend(&stubChat{resp: reply(content)}, "m")
		_, err := backend.GenerateTurn(context.Background(), TurnRequest{})
		var genErr *Error
		require.True(t, errors.As(err, &genErr), "content %q", content)
		assert.Equal(t, KindMalformedResponse, genErr.Kind)
	}
}

func TestClassifyStatusErrors(t *testing.T) {
	cases := map[int]ErrorKind{
		http.StatusTooManyRequests:     KindRateLimited,
		http.StatusGatewayTimeout:      KindTimeout,
		http.StatusInternalServerError: KindUnavailable,
		http.StatusBadRequest:          KindMalformedResponse,
	}
	for status, kind := range cases {
		backend := NewLLMBackend(&stubChat{err: &llm.StatusError{StatusCode: status}}, "m")
		_, err := backend.GenerateTurn(context.Background(), TurnRequest{})
		var genErr *Error
		require.True(t, errors.As(err, &genErr))
		assert.Equal(t, kind, genErr.Kind, "status %d", status)
		assert.True(t, IsRetryable(err))
	}
}

func TestClassifyDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()

	backend := NewLLMBackend(&stubChat{err: context.DeadlineExceeded}, "m")
	_, err := backend.GenerateTurn(ctx, TurnRequest{})
	var genErr *Error
	require.True(t, errors.As(err, &genErr))
	assert.Equal(t, KindTimeout, genErr.Kind)
}

func TestLLMBackendWithMockClient(t *testing.T) {
	backend := NewLLMBackend(llm.NewMockClient(), "mock")
	req := TurnRequest{
		RunID:     "run_mock",
		StepIndex: 1,
		Agent:     domain.AgentDefinition{AgentKey: "ceo", Name: "Avery", RoleType: domain.RoleExecutive},
	}
	first, err := backend.GenerateTurn(context.Background(), req)
	require.NoError(t, err)
	second, err := backend.GenerateTurn(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Content, second.Content)
	assert.NotNil(t, first.Sentiment)
	assert.NotNil(t, first.RiskSignal)

	narrative, err := backend.GenerateNarrative(context.Background(), NarrativeRequest{Title: "Outage drill"})
	require.NoError(t, err)
	assert.NotEmpty(t, narrative.Narrative)
}

func TestRouterSendsEndpointAgentsToRemote(t *testing.T) {
	local := &stubChat{resp: reply(`{"content":"local"}`)}
	router := NewRouter(NewLLMBackend(local, "m"), NewRemoteClient(0), nil)

	resp, err := router.GenerateTurn(context.Background(), TurnRequest{Agent: domain.AgentDefinition{AgentKey: "a"}})
	require.NoError(t, err)
	assert.Equal(t, "local", resp.Content)
	assert.Equal(t, 1, local.calls)

	// Unreachable endpoint: the remote path is taken and fails as unavailable.
	_, err = router.GenerateTurn(context.Background(), TurnRequest{Agent: domain.AgentDefinition{AgentKey: "b", Endpoint: "http://127.0.0.1:1"}})
	var genErr *Error
	require.True(t, errors.As(err, &genErr))
	assert.Equal(t, KindUnavailable, genErr.Kind)
	assert.Equal(t, 1, local.calls)
}

func TestRouterRateLimitRespectsContext(t *testing.T) {
	limiter := rate.NewLimiter(rate.Limit(0.001), 1)
	router := NewRouter(NewLLMBackend(&stubChat{resp: reply(`{"content":"ok"}`)}, "m"), nil, limiter)

	_, err := router.GenerateTurn(context.Background(), TurnRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	_, err = router.GenerateTurn(ctx, TurnRequest{})
	var genErr *Error
	require.True(t, errors.As(err, &genErr))
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, NewLimiter(0, 5))
	l := NewLimiter(2, 0)
	require.NotNil(t, l)
	assert.Equal(t, 1, l.Burst())
}
