// Package rpc exposes the scheduling entry points over JSON-RPC for internal
// drivers that prefer a socket to HTTP.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
	"github.com/xiaot623/gogo/scenarios/internal/service"
)

// ServiceName is the registered JSON-RPC service name.
const ServiceName = "Scenarios"

// callTimeout bounds the work a single call may do on the engine.
const callTimeout = 10 * time.Minute

// Server exposes internal RPC endpoints.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the engine service.
func NewServer(svc *service.Service) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName(ServiceName, handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			slog.Warn("rpc accept failed", "error", err)
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}

	if err := s.listener.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the RPC methods.
type Handler struct {
	service *service.Service
}

// AdvanceArgs identifies a suite run and tunes the pass.
type AdvanceArgs struct {
	SuiteRunID string                `json:"suite_run_id"`
	Options    domain.AdvanceOptions `json:"options"`
}

// AbortSuiteRunArgs identifies a suite run to abort.
type AbortSuiteRunArgs struct {
	SuiteRunID string              `json:"suite_run_id"`
	Request    domain.AbortRequest `json:"request"`
}

// GetSuiteRunArgs identifies a suite run.
type GetSuiteRunArgs struct {
	SuiteRunID string `json:"suite_run_id"`
}

// StepArgs identifies a run and tunes the step.
type StepArgs struct {
	RunID   string             `json:"run_id"`
	Options domain.StepOptions `json:"options"`
}

// SweepArgs bounds a sweep.
type SweepArgs struct {
	Batch int `json:"batch"`
}

// SweepResponse reports how many suite runs a sweep visited.
type SweepResponse struct {
	Visited int `json:"visited"`
}

// Advance runs one scheduling pass over a suite run.
func (h *Handler) Advance(req *AdvanceArgs, resp *domain.SuiteRun) error {
	if req == nil || req.SuiteRunID == "" {
		return errors.New("suite_run_id is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	sr, err := h.service.Advance(ctx, req.SuiteRunID, req.Options)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *sr
	}
	return nil
}

// AbortSuiteRun aborts a suite run and its running simulations.
func (h *Handler) AbortSuiteRun(req *AbortSuiteRunArgs, resp *domain.SuiteRun) error {
	if req == nil || req.SuiteRunID == "" {
		return errors.New("suite_run_id is required")
	}
	sr, err := h.service.AbortSuiteRun(context.Background(), req.SuiteRunID, req.Request)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *sr
	}
	return nil
}

// GetSuiteRun returns a suite run.
func (h *Handler) GetSuiteRun(req *GetSuiteRunArgs, resp *domain.SuiteRun) error {
	if req == nil || req.SuiteRunID == "" {
		return errors.New("suite_run_id is required")
	}
	sr, err := h.service.GetSuiteRun(context.Background(), req.SuiteRunID)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *sr
	}
	return nil
}

// Step advances a simulation run by one turn.
func (h *Handler) Step(req *StepArgs, resp *domain.SimulationRun) error {
	if req == nil || req.RunID == "" {
		return errors.New("run_id is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	run, err := h.service.Step(ctx, req.RunID, req.Options)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *run
	}
	return nil
}

// Sweep advances every active suite run once.
func (h *Handler) Sweep(req *SweepArgs, resp *SweepResponse) error {
	batch := 0
	if req != nil {
		batch = req.Batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	visited, err := h.service.SweepSuiteRuns(ctx, batch)
	if err != nil {
		return err
	}
	if resp != nil {
		resp.Visited = visited
	}
	return nil
}
