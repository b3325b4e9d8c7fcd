package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

// invokeWS sends the turn request as the first text frame and reads
// {"event": ..., "data": ...} frames until done or error.
func (c *RemoteClient) invokeWS(ctx context.Context, endpoint string, req *RemoteTurnRequest, handler EventHandler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: c.httpClient.Timeout}
	header := http.Header{}
	header.Set("X-Run-ID", req.RunID)
	header.Set("X-Agent-Key", req.Agent.AgentKey)

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				return NewError(KindRateLimited, "persona endpoint rate limited", nil)
			case resp.StatusCode >= 500:
				return NewError(KindUnavailable, fmt.Sprintf("persona returned status %d", resp.StatusCode), nil)
			}
		}
		return classify(ctx, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else if c.httpClient.Timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.httpClient.Timeout))
	}

	if err := conn.WriteJSON(req); err != nil {
		return classify(ctx, err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return classify(ctx, err)
		}

		var frame domain.AgentSSEEvent
		if err := json.Unmarshal(data, &frame); err != nil {
			return NewError(KindMalformedResponse, "bad persona frame", err)
		}
		if err := handler(SSEEvent{Event: frame.Event, Data: string(frame.Data)}); err != nil {
			return err
		}
		if frame.Event == "done" || frame.Event == "error" {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return nil
		}
	}
}
