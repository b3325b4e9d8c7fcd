package rpc

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/scenarios/internal/adapter/generation"
	"github.com/xiaot623/gogo/scenarios/internal/adapter/llm"
	"github.com/xiaot623/gogo/scenarios/internal/condition"
	"github.com/xiaot623/gogo/scenarios/internal/domain"
	"github.com/xiaot623/gogo/scenarios/internal/registry"
	"github.com/xiaot623/gogo/scenarios/internal/service"
	helpers "github.com/xiaot623/gogo/scenarios/internal/testutil"
)

func startServer(t *testing.T) (*Client, *service.Service) {
	t.Helper()
	db := helpers.NewTestSQLiteStore(t)
	evaluator, err := condition.NewEvaluator()
	require.NoError(t, err)
	gen := generation.NewLLMBackend(llm.NewMockClient(), "mock-model")
	svc := service.New(db, registry.New(db), evaluator, gen, nil, nil, nil)

	srv, err := NewServer(svc)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return NewClient("tcp://"+ln.Addr().String(), 5*time.Second), svc
}

func TestAdvanceAndAbortOverRPC(t *testing.T) {
	client, svc := startServer(t)
	ctx := context.Background()

	sim, err := svc.CreateSimulation(ctx, domain.CreateSimulationRequest{Name: "Drill", ObjectiveType: domain.ObjectiveCrisisComms})
	require.NoError(t, err)
	_, err = svc.DefineAgent(ctx, sim.SimulationID, domain.DefineAgentRequest{AgentKey: "ceo", Name: "CEO", RoleType: domain.RoleExecutive})
	require.NoError(t, err)
	suite, err := svc.CreateSuite(ctx, domain.CreateSuiteRequest{Name: "Ops"})
	require.NoError(t, err)
	_, err = svc.AddSuiteItem(ctx, suite.SuiteID, domain.AddSuiteItemRequest{SimulationID: sim.SimulationID, Override: domain.ExecutionOverride{MaxSteps: 1}})
	require.NoError(t, err)

	first, err := svc.StartSuiteRun(ctx, suite.SuiteID, domain.StartSuiteRunRequest{})
	require.NoError(t, err)
	sr, err := client.Advance(ctx, first.SuiteRunID, domain.AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SuiteRunStatusCompleted, sr.Status)

	got, err := client.GetSuiteRun(ctx, first.SuiteRunID)
	require.NoError(t, err)
	assert.Equal(t, sr.SuiteRunID, got.SuiteRunID)

	second, err := svc.StartSuiteRun(ctx, suite.SuiteID, domain.StartSuiteRunRequest{})
	require.NoError(t, err)
	aborted, err := client.AbortSuiteRun(ctx, second.SuiteRunID, domain.AbortRequest{Reason: "drill cancelled"})
	require.NoError(t, err)
	assert.Equal(t, domain.SuiteRunStatusAborted, aborted.Status)

	visited, err := client.Sweep(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, visited)

	// Errors cross the wire as text.
	_, err = client.GetSuiteRun(ctx, "srun_missing")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not found"), err.Error())
}

func TestStepOverRPC(t *testing.T) {
	client, svc := startServer(t)
	ctx := context.Background()

	sim, err := svc.CreateSimulation(ctx, domain.CreateSimulationRequest{Name: "Drill", ObjectiveType: domain.ObjectiveCrisisComms})
	require.NoError(t, err)
	_, err = svc.DefineAgent(ctx, sim.SimulationID, domain.DefineAgentRequest{AgentKey: "ceo", Name: "CEO", RoleType: domain.RoleExecutive})
	require.NoError(t, err)
	run, err := svc.StartRun(ctx, domain.StartRunRequest{SimulationID: sim.SimulationID, MaxSteps: 2})
	require.NoError(t, err)

	got, err := client.Step(ctx, run.RunID, domain.StepOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, domain.RunStatusInProgress, got.Status)

	_, err = client.Step(ctx, "", domain.StepOptions{})
	assert.Error(t, err)
}

func TestResolveRPCAddr(t *testing.T) {
	assert.Equal(t, "", resolveRPCAddr("  "))
	assert.Equal(t, "localhost:9090", resolveRPCAddr("localhost:9090"))
	assert.Equal(t, "engine:9090", resolveRPCAddr("tcp://engine:9090"))
}
