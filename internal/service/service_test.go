package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/scenarios/internal/adapter/generation"
	"github.com/xiaot623/gogo/scenarios/internal/condition"
	"github.com/xiaot623/gogo/scenarios/internal/domain"
	"github.com/xiaot623/gogo/scenarios/internal/policy"
	"github.com/xiaot623/gogo/scenarios/internal/registry"
	"github.com/xiaot623/gogo/scenarios/internal/repository"
	helpers "github.com/xiaot623/gogo/scenarios/internal/testutil"
)

// scriptedGenerator answers turns from a per-test script and records what it saw.
type scriptedGenerator struct {
	mu         sync.Mutex
	script     func(req generation.TurnRequest, call int) (generation.TurnResponse, error)
	calls      map[string]int
	requests   []generation.TurnRequest
	narratives []generation.NarrativeRequest
	delay      time.Duration
	inFlight   int
	maxFlight  int
}

func newScripted(script func(req generation.TurnRequest, call int) (generation.TurnResponse, error)) *scriptedGenerator {
	return &scriptedGenerator{script: script, calls: make(map[string]int)}
}

func (g *scriptedGenerator) GenerateTurn(ctx context.Context, req generation.TurnRequest) (generation.TurnResponse, error) {
	g.mu.Lock()
	g.calls[req.RunID]++
	call := g.calls[req.RunID]
	g.requests = append(g.requests, req)
	g.inFlight++
	if g.inFlight > g.maxFlight {
		g.maxFlight = g.inFlight
	}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}()

	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return generation.TurnResponse{}, ctx.Err()
		}
	}
	if g.script == nil {
		return say(fmt.Sprintf("%s speaks at step %d", req.Agent.AgentKey, req.StepIndex), 0, 0), nil
	}
	return g.script(req, call)
}

func (g *scriptedGenerator) GenerateNarrative(ctx context.Context, req generation.NarrativeRequest) (generation.NarrativeResponse, error) {
	g.mu.Lock()
	g.narratives = append(g.narratives, req)
	g.mu.Unlock()
	return generation.NarrativeResponse{Narrative: "narrative for " + req.Title, TokensUsed: 42, Model: "scripted"}, nil
}

func (g *scriptedGenerator) totalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func (g *scriptedGenerator) lastRequest() generation.TurnRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

func say(content string, sentiment, risk float64) generation.TurnResponse {
	return generation.TurnResponse{
		Content:    content,
		TokensUsed: 10,
		Sentiment:  &sentiment,
		RiskSignal: &risk,
		Model:      "scripted",
		Duration:   5 * time.Millisecond,
	}
}

func newTestService(t *testing.T, gen generation.Service) (*Service, *store.SQLiteStore) {
	t.Helper()
	db := helpers.NewTestSQLiteStore(t)
	evaluator, err := condition.NewEvaluator()
	require.NoError(t, err)
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)
	return New(db, registry.New(db), evaluator, gen, engine, nil, nil), db
}

// newSimulation creates a simulation with one agent per key. Keys prefixed
// with "journalist" get the journalist role, everything else is an executive.
func newSimulation(t *testing.T, svc *Service, name string, cfg domain.SimulationConfig, keys ...string) *domain.Simulation {
	t.Helper()
	ctx := context.Background()
	if cfg.BackoffMs == 0 {
		cfg.BackoffMs = 1
	}
	sim, err := svc.CreateSimulation(ctx, domain.CreateSimulationRequest{
		OrgID:         "org_1",
		Name:          name,
		ObjectiveType: domain.ObjectiveCrisisComms,
		Config:        cfg,
		CreatedBy:     "tester",
	})
	require.NoError(t, err)
	for _, key := range keys {
		role := domain.RoleExecutive
		if strings.HasPrefix(key, "journalist") {
			role = domain.RoleJournalist
		}
		_, err := svc.DefineAgent(ctx, sim.SimulationID, domain.DefineAgentRequest{
			AgentKey: key,
			Name:     strings.ToUpper(key[:1]) + key[1:],
			RoleType: role,
			Behavior: domain.BehaviorConfig{Tone: "measured", Aggressiveness: 0.3},
		})
		require.NoError(t, err)
	}
	return sim
}

func auditEvents(t *testing.T, svc *Service, entity domain.EntityType, id string) []domain.AuditEventType {
	t.Helper()
	entries, err := svc.ListAuditLogs(context.Background(), entity, id, domain.Page{Limit: domain.MaxAuditPageLimit})
	require.NoError(t, err)
	out := make([]domain.AuditEventType, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.EventType)
	}
	return out
}

func countEvents(events []domain.AuditEventType, want domain.AuditEventType) int {
	n := 0
	for _, e := range events {
		if e == want {
			n++
		}
	}
	return n
}
