package generation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

// wsPersona answers one turn request with the given frames.
func wsPersona(t *testing.T, frames []string, got *RemoteTurnRequest) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Agent-Key") == "" {
			http.Error(w, "missing agent key", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.ReadJSON(got); err != nil {
			return
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Drain until the client closes.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestRemoteClientWebSocketTurn(t *testing.T) {
	var gotReq RemoteTurnRequest
	server := wsPersona(t, []string{
		`{"event":"delta","data":{"text":"no "}}`,
		`{"event":"delta","data":{"text":"comment"}}`,
		`{"event":"done","data":{"usage":{"total_tokens":7},"risk_signal":0.8,"channel":"press"}}`,
	}, &gotReq)
	defer server.Close()

	client := NewRemoteClient(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.GenerateTurn(ctx, TurnRequest{
		RunID:     "run-ws",
		StepIndex: 2,
		Agent:     domain.AgentDefinition{AgentKey: "reporter", Endpoint: "ws" + strings.TrimPrefix(server.URL, "http")},
	})
	if err != nil {
		t.Fatalf("GenerateTurn failed: %v", err)
	}
	if gotReq.RunID != "run-ws" || gotReq.StepIndex != 2 || gotReq.Agent.AgentKey != "reporter" {
		t.Fatalf("unexpected request payload: %+v", gotReq)
	}
	if resp.Content != "no comment" || resp.TokensUsed != 7 || resp.Channel != domain.ChannelPress {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.RiskSignal == nil || *resp.RiskSignal != 0.8 {
		t.Fatalf("unexpected risk signal: %+v", resp.RiskSignal)
	}
}

func TestRemoteClientWebSocketErrors(t *testing.T) {
	tests := []struct {
		name   string
		frames []string
		want   ErrorKind
	}{
		{"error event", []string{`{"event":"error","data":{"code":"rate_limited","message":"slow down"}}`}, KindRateLimited},
		{"bad frame", []string{`not json`}, KindMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotReq RemoteTurnRequest
			server := wsPersona(t, tt.frames, &gotReq)
			defer server.Close()

			client := NewRemoteClient(time.Second)
			_, err := client.GenerateTurn(context.Background(), TurnRequest{
				Agent: domain.AgentDefinition{AgentKey: "ceo", Endpoint: "ws" + strings.TrimPrefix(server.URL, "http")},
			})
			var genErr *Error
			if !errors.As(err, &genErr) {
				t.Fatalf("expected generation error, got %v", err)
			}
			if genErr.Kind != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, genErr.Kind)
			}
		})
	}
}

func TestRemoteClientWebSocketUnreachable(t *testing.T) {
	client := NewRemoteClient(200 * time.Millisecond)
	_, err := client.GenerateTurn(context.Background(), TurnRequest{
		Agent: domain.AgentDefinition{AgentKey: "ceo", Endpoint: "ws://127.0.0.1:1/persona"},
	})
	var genErr *Error
	if !errors.As(err, &genErr) || genErr.Kind != KindUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
