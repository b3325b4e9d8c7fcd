package rpc

import (
	"context"
	"fmt"
	"net"
	"net/rpc/jsonrpc"
	"net/url"
	"strings"
	"time"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

// Client calls the engine's JSON-RPC service. Each call dials a fresh
// connection.
type Client struct {
	addr        string
	dialTimeout time.Duration
	callTimeout time.Duration
}

// NewClient accepts either host:port or a URL whose host is used.
func NewClient(baseURL string, callTimeout time.Duration) *Client {
	return &Client{
		addr:        resolveRPCAddr(baseURL),
		dialTimeout: 5 * time.Second,
		callTimeout: callTimeout,
	}
}

func (c *Client) Advance(ctx context.Context, suiteRunID string, opts domain.AdvanceOptions) (*domain.SuiteRun, error) {
	var sr domain.SuiteRun
	if err := c.call(ctx, ServiceName+".Advance", &AdvanceArgs{SuiteRunID: suiteRunID, Options: opts}, &sr); err != nil {
		return nil, fmt.Errorf("failed to advance suite run: %w", err)
	}
	return &sr, nil
}

func (c *Client) AbortSuiteRun(ctx context.Context, suiteRunID string, req domain.AbortRequest) (*domain.SuiteRun, error) {
	var sr domain.SuiteRun
	if err := c.call(ctx, ServiceName+".AbortSuiteRun", &AbortSuiteRunArgs{SuiteRunID: suiteRunID, Request: req}, &sr); err != nil {
		return nil, fmt.Errorf("failed to abort suite run: %w", err)
	}
	return &sr, nil
}

func (c *Client) GetSuiteRun(ctx context.Context, suiteRunID string) (*domain.SuiteRun, error) {
	var sr domain.SuiteRun
	if err := c.call(ctx, ServiceName+".GetSuiteRun", &GetSuiteRunArgs{SuiteRunID: suiteRunID}, &sr); err != nil {
		return nil, fmt.Errorf("failed to get suite run: %w", err)
	}
	return &sr, nil
}

func (c *Client) Step(ctx context.Context, runID string, opts domain.StepOptions) (*domain.SimulationRun, error) {
	var run domain.SimulationRun
	if err := c.call(ctx, ServiceName+".Step", &StepArgs{RunID: runID, Options: opts}, &run); err != nil {
		return nil, fmt.Errorf("failed to step run: %w", err)
	}
	return &run, nil
}

func (c *Client) Sweep(ctx context.Context, batch int) (int, error) {
	var resp SweepResponse
	if err := c.call(ctx, ServiceName+".Sweep", &SweepArgs{Batch: batch}, &resp); err != nil {
		return 0, fmt.Errorf("failed to sweep suite runs: %w", err)
	}
	return resp.Visited, nil
}

func (c *Client) call(ctx context.Context, method string, args, reply interface{}) error {
	if c.addr == "" {
		return fmt.Errorf("rpc address is not configured")
	}
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if c.callTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.callTimeout))
	}

	client := jsonrpc.NewClient(conn)
	call := client.Go(method, args, reply, nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		return call.Error
	}
}

func resolveRPCAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err == nil && parsed.Host != "" {
			return parsed.Host
		}
	}
	return raw
}
