package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/scenarios/internal/adapter/generation"
	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

func riskAtLeast(level domain.RiskLevel) *domain.TriggerCondition {
	return &domain.TriggerCondition{
		Type:          domain.ConditionRiskThreshold,
		RiskThreshold: &domain.RiskThresholdCondition{MinRiskLevel: level, Comparison: domain.ComparisonGTE},
	}
}

func boolPtr(b bool) *bool { return &b }

// bySimulation scripts turns per simulation ID. Simulations without an entry
// speak neutrally.
func bySimulation(replies map[string]func(req generation.TurnRequest) (generation.TurnResponse, error)) func(generation.TurnRequest, int) (generation.TurnResponse, error) {
	return func(req generation.TurnRequest, call int) (generation.TurnResponse, error) {
		if reply, ok := replies[req.SimulationID]; ok {
			return reply(req)
		}
		return say("Holding steady.", 0, 0), nil
	}
}

type suiteFixture struct {
	svc   *Service
	gen   *scriptedGenerator
	suite *domain.ScenarioSuite
}

func newSuite(t *testing.T, gen *scriptedGenerator, cfg domain.SuiteConfig) suiteFixture {
	t.Helper()
	svc, _ := newTestService(t, gen)
	suite, err := svc.CreateSuite(context.Background(), domain.CreateSuiteRequest{OrgID: "org_1", Name: "Crisis playbook", Config: cfg, CreatedBy: "tester"})
	require.NoError(t, err)
	assert.Equal(t, domain.SuiteStatusDraft, suite.Status)
	return suiteFixture{svc: svc, gen: gen, suite: suite}
}

func (f suiteFixture) addItem(t *testing.T, sim *domain.Simulation, order int, dependsOn string, cond *domain.TriggerCondition) *domain.SuiteItem {
	t.Helper()
	item, err := f.svc.AddSuiteItem(context.Background(), f.suite.SuiteID, domain.AddSuiteItemRequest{
		SimulationID:    sim.SimulationID,
		OrderIndex:      order,
		DependsOnItemID: dependsOn,
		Condition:       cond,
		Override:        domain.ExecutionOverride{MaxSteps: 2},
	})
	require.NoError(t, err)
	return item
}

// drive advances until the suite run is terminal.
func (f suiteFixture) drive(t *testing.T, suiteRunID string) *domain.SuiteRun {
	t.Helper()
	for i := 0; i < 20; i++ {
		sr, err := f.svc.Advance(context.Background(), suiteRunID, domain.AdvanceOptions{})
		require.NoError(t, err)
		if sr.Status.IsTerminal() {
			return sr
		}
	}
	t.Fatalf("suite run %s did not finish", suiteRunID)
	return nil
}

func itemStatuses(t *testing.T, svc *Service, suiteRunID string) map[string]domain.SuiteRunItem {
	t.Helper()
	items, err := svc.ListSuiteRunItems(context.Background(), suiteRunID)
	require.NoError(t, err)
	out := make(map[string]domain.SuiteRunItem, len(items))
	for _, ri := range items {
		out[ri.ItemID] = ri
	}
	return out
}

// Scenario A: a high-risk first run triggers the escalation branch.
func TestAdvanceChainTriggersOnHighRisk(t *testing.T) {
	ctx := context.Background()
	gen := newScripted(nil)
	f := newSuite(t, gen, domain.SuiteConfig{})
	recall := newSimulation(t, f.svc, "Recall", domain.SimulationConfig{}, "ceo", "journalist")
	escalate := newSimulation(t, f.svc, "Escalation", domain.SimulationConfig{}, "ceo")
	followUp := newSimulation(t, f.svc, "Follow-up", domain.SimulationConfig{}, "ceo")
	gen.script = bySimulation(map[string]func(generation.TurnRequest) (generation.TurnResponse, error){
		recall.SimulationID: func(req generation.TurnRequest) (generation.TurnResponse, error) {
			return say("A recall and a lawsuit are now likely.", -0.5, 0.7), nil
		},
	})

	a := f.addItem(t, recall, 0, "", nil)
	b := f.addItem(t, escalate, 1, a.ItemID, riskAtLeast(domain.RiskHigh))
	c := f.addItem(t, followUp, 2, b.ItemID, nil)

	suite, err := f.svc.GetSuite(ctx, f.suite.SuiteID)
	require.NoError(t, err)
	assert.Equal(t, domain.SuiteStatusConfigured, suite.Status)

	sr, err := f.svc.StartSuiteRun(ctx, f.suite.SuiteID, domain.StartSuiteRunRequest{RunLabel: "drill"})
	require.NoError(t, err)
	assert.Equal(t, domain.SuiteRunStatusStarting, sr.Status)

	sr = f.drive(t, sr.SuiteRunID)
	assert.Equal(t, domain.SuiteRunStatusCompleted, sr.Status)
	require.NotNil(t, sr.EndedAt)

	items := itemStatuses(t, f.svc, sr.SuiteRunID)
	for _, id := range []string{a.ItemID, b.ItemID, c.ItemID} {
		assert.Equal(t, domain.ItemStatusCompleted, items[id].Status, id)
		require.NotEmpty(t, items[id].SimulationRunID)
	}
	assert.Equal(t, domain.ConditionRiskThreshold, items[b.ItemID].ConditionType)
	assert.Contains(t, items[b.ItemID].ConditionExplanation, "high")

	// Dependencies finish before their dependents start.
	runA, err := f.svc.GetRun(ctx, items[a.ItemID].SimulationRunID)
	require.NoError(t, err)
	runB, err := f.svc.GetRun(ctx, items[b.ItemID].SimulationRunID)
	require.NoError(t, err)
	require.NotNil(t, runA.EndedAt)
	assert.False(t, runB.StartedAt.Before(*runA.EndedAt))
	assert.Equal(t, items[b.ItemID].SuiteRunItemID, runB.SuiteRunItemID)

	suite, err = f.svc.GetSuite(ctx, f.suite.SuiteID)
	require.NoError(t, err)
	assert.Equal(t, domain.SuiteStatusCompleted, suite.Status)
}

// Scenario B: an unmet condition does not block the rest of the chain.
func TestAdvanceConditionUnmetDoesNotBlockDependents(t *testing.T) {
	ctx := context.Background()
	gen := newScripted(nil)
	f := newSuite(t, gen, domain.SuiteConfig{})
	calm := newSimulation(t, f.svc, "Calm", domain.SimulationConfig{}, "ceo")
	escalate := newSimulation(t, f.svc, "Escalation", domain.SimulationConfig{}, "ceo")
	wrapUp := newSimulation(t, f.svc, "Wrap-up", domain.SimulationConfig{}, "ceo")

	a := f.addItem(t, calm, 0, "", nil)
	b := f.addItem(t, escalate, 1, a.ItemID, riskAtLeast(domain.RiskHigh))
	c := f.addItem(t, wrapUp, 2, b.ItemID, nil)

	sr, err := f.svc.StartSuiteRun(ctx, f.suite.SuiteID, domain.StartSuiteRunRequest{StartImmediately: true})
	require.NoError(t, err)
	sr = f.drive(t, sr.SuiteRunID)
	assert.Equal(t, domain.SuiteRunStatusCompleted, sr.Status)

	items := itemStatuses(t, f.svc, sr.SuiteRunID)
	assert.Equal(t, domain.ItemStatusCompleted, items[a.ItemID].Status)
	assert.Equal(t, domain.ItemStatusConditionUnmet, items[b.ItemID].Status)
	assert.Empty(t, items[b.ItemID].SimulationRunID)
	assert.Equal(t, domain.ItemStatusCompleted, items[c.ItemID].Status)

	events := auditEvents(t, f.svc, domain.EntitySuiteRun, sr.SuiteRunID)
	assert.Equal(t, 3, countEvents(events, domain.AuditConditionEvaluated))
	assert.Equal(t, 1, countEvents(events, domain.AuditSuiteRunCompleted))
}

// Scenario C: stopOnFailure skips everything still pending.
func TestAdvanceStopsOnFailure(t *testing.T) {
	ctx := context.Background()
	gen := newScripted(nil)
	f := newSuite(t, gen, domain.SuiteConfig{MaxConcurrentSimulations: 1})
	broken := newSimulation(t, f.svc, "Broken", domain.SimulationConfig{}, "ceo")
	other := newSimulation(t, f.svc, "Other", domain.SimulationConfig{}, "ceo")
	gen.script = bySimulation(map[string]func(generation.TurnRequest) (generation.TurnResponse, error){
		broken.SimulationID: func(req generation.TurnRequest) (generation.TurnResponse, error) {
			return generation.TurnResponse{}, errors.New("backend exploded")
		},
	})

	a := f.addItem(t, broken, 0, "", nil)
	b := f.addItem(t, other, 1, "", nil)
	c := f.addItem(t, other, 2, b.ItemID, nil)

	sr, err := f.svc.StartSuiteRun(ctx, f.suite.SuiteID, domain.StartSuiteRunRequest{})
	require.NoError(t, err)
	sr = f.drive(t, sr.SuiteRunID)
	assert.Equal(t, domain.SuiteRunStatusFailed, sr.Status)
	assert.Equal(t, a.ItemID, sr.FailedItemID)

	items := itemStatuses(t, f.svc, sr.SuiteRunID)
	assert.Equal(t, domain.ItemStatusFailed, items[a.ItemID].Status)
	assert.Contains(t, items[a.ItemID].LastError, "backend exploded")
	assert.Equal(t, domain.ItemStatusSkipped, items[b.ItemID].Status)
	assert.Equal(t, domain.ItemStatusSkipped, items[c.ItemID].Status)

	suite, err := f.svc.GetSuite(ctx, f.suite.SuiteID)
	require.NoError(t, err)
	assert.Equal(t, domain.SuiteStatusFailed, suite.Status)
}

func TestAdvanceContinuesIndependentBranches(t *testing.T) {
	ctx := context.Background()
	gen := newScripted(nil)
	f := newSuite(t, gen, domain.SuiteConfig{MaxConcurrentSimulations: 2, StopOnFailure: boolPtr(false)})
	broken := newSimulation(t, f.svc, "Broken", domain.SimulationConfig{}, "ceo")
	other := newSimulation(t, f.svc, "Other", domain.SimulationConfig{}, "ceo")
	gen.script = bySimulation(map[string]func(generation.TurnRequest) (generation.TurnResponse, error){
		broken.SimulationID: func(req generation.TurnRequest) (generation.TurnResponse, error) {
			return generation.TurnResponse{}, errors.New("backend exploded")
		},
	})

	a := f.addItem(t, broken, 0, "", nil)
	child := f.addItem(t, other, 1, a.ItemID, nil)
	independent := f.addItem(t, other, 2, "", nil)

	sr, err := f.svc.StartSuiteRun(ctx, f.suite.SuiteID, domain.StartSuiteRunRequest{})
	require.NoError(t, err)
	sr = f.drive(t, sr.SuiteRunID)
	assert.Equal(t, domain.SuiteRunStatusCompleted, sr.Status)

	items := itemStatuses(t, f.svc, sr.SuiteRunID)
	assert.Equal(t, domain.ItemStatusFailed, items[a.ItemID].Status)
	assert.Equal(t, domain.ItemStatusSkipped, items[child.ItemID].Status)
	assert.Equal(t, domain.ItemStatusCompleted, items[independent.ItemID].Status)
}

func TestAdvanceRespectsConcurrencyCap(t *testing.T) {
	ctx := context.Background()
	gen := newScripted(nil)
	gen.delay = 20 * time.Millisecond
	f := newSuite(t, gen, domain.SuiteConfig{MaxConcurrentSimulations: 2})
	sim := newSimulation(t, f.svc, "Parallel", domain.SimulationConfig{}, "ceo")
	for i := 0; i < 5; i++ {
		f.addItem(t, sim, i, "", nil)
	}

	sr, err := f.svc.StartSuiteRun(ctx, f.suite.SuiteID, domain.StartSuiteRunRequest{})
	require.NoError(t, err)

	sr, err = f.svc.Advance(ctx, sr.SuiteRunID, domain.AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SuiteRunStatusInProgress, sr.Status)

	counts := map[domain.SuiteRunItemStatus]int{}
	for _, ri := range itemStatuses(t, f.svc, sr.SuiteRunID) {
		counts[ri.Status]++
	}
	assert.Equal(t, 2, counts[domain.ItemStatusCompleted])
	assert.Equal(t, 3, counts[domain.ItemStatusPending])

	sr = f.drive(t, sr.SuiteRunID)
	assert.Equal(t, domain.SuiteRunStatusCompleted, sr.Status)
	assert.LessOrEqual(t, gen.maxFlight, 2)
}

func TestAdvanceMaxItems(t *testing.T) {
	ctx := context.Background()
	f := newSuite(t, newScripted(nil), domain.SuiteConfig{MaxConcurrentSimulations: 3})
	sim := newSimulation(t, f.svc, "Bounded", domain.SimulationConfig{}, "ceo")
	for i := 0; i < 3; i++ {
		f.addItem(t, sim, i, "", nil)
	}
	sr, err := f.svc.StartSuiteRun(ctx, f.suite.SuiteID, domain.StartSuiteRunRequest{})
	require.NoError(t, err)

	_, err = f.svc.Advance(ctx, sr.SuiteRunID, domain.AdvanceOptions{MaxItems: 1})
	require.NoError(t, err)
	counts := map[domain.SuiteRunItemStatus]int{}
	for _, ri := range itemStatuses(t, f.svc, sr.SuiteRunID) {
		counts[ri.Status]++
	}
	assert.Equal(t, 1, counts[domain.ItemStatusCompleted])
	assert.Equal(t, 2, counts[domain.ItemStatusPending])

	_, err = f.svc.Advance(ctx, sr.SuiteRunID, domain.AdvanceOptions{MaxItems: -1})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestAdvanceIsIdempotentOnceSettled(t *testing.T) {
	ctx := context.Background()
	f := newSuite(t, newScripted(nil), domain.SuiteConfig{})
	sim := newSimulation(t, f.svc, "Once", domain.SimulationConfig{}, "ceo")
	f.addItem(t, sim, 0, "", nil)

	sr, err := f.svc.StartSuiteRun(ctx, f.suite.SuiteID, domain.StartSuiteRunRequest{StartImmediately: true})
	require.NoError(t, err)
	require.Equal(t, domain.SuiteRunStatusCompleted, sr.Status)

	stored, err := f.svc.GetSuiteRun(ctx, sr.SuiteRunID)
	require.NoError(t, err)
	before := auditEvents(t, f.svc, domain.EntitySuiteRun, sr.SuiteRunID)
	again, err := f.svc.Advance(ctx, sr.SuiteRunID, domain.AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, stored.Status, again.Status)
	assert.True(t, stored.UpdatedAt.Equal(again.UpdatedAt))
	assert.Equal(t, before, auditEvents(t, f.svc, domain.EntitySuiteRun, sr.SuiteRunID))
}

func TestAdvanceHoldsSlotWhileAwaitingReview(t *testing.T) {
	ctx := context.Background()
	gen := newScripted(nil)
	f := newSuite(t, gen, domain.SuiteConfig{})
	risky := newSimulation(t, f.svc, "Risky", domain.SimulationConfig{}, "ceo")
	later := newSimulation(t, f.svc, "Later", domain.SimulationConfig{}, "ceo")
	gen.script = bySimulation(map[string]func(generation.TurnRequest) (generation.TurnResponse, error){
		risky.SimulationID: func(req generation.TurnRequest) (generation.TurnResponse, error) {
			if req.StepIndex == 1 {
				return say("A data breach and a regulator investigation.", -0.4, 0.8), nil
			}
			return say("Contained.", 0.1, 0), nil
		},
	})

	a, err := f.svc.AddSuiteItem(ctx, f.suite.SuiteID, domain.AddSuiteItemRequest{
		SimulationID: risky.SimulationID,
		OrderIndex:   0,
		Override:     domain.ExecutionOverride{MaxSteps: 2, PauseOnHighRisk: true},
	})
	require.NoError(t, err)
	b := f.addItem(t, later, 1, "", nil)

	sr, err := f.svc.StartSuiteRun(ctx, f.suite.SuiteID, domain.StartSuiteRunRequest{StartImmediately: true})
	require.NoError(t, err)
	assert.Equal(t, domain.SuiteRunStatusInProgress, sr.Status)

	items := itemStatuses(t, f.svc, sr.SuiteRunID)
	require.Equal(t, domain.ItemStatusRunning, items[a.ItemID].Status)
	assert.Equal(t, domain.ItemStatusPending, items[b.ItemID].Status)
	run, err := f.svc.GetRun(ctx, items[a.ItemID].SimulationRunID)
	require.NoError(t, err)
	require.True(t, run.AwaitingReview)

	// Nothing can move while the only slot waits for review.
	before := auditEvents(t, f.svc, domain.EntitySuiteRun, sr.SuiteRunID)
	_, err = f.svc.Advance(ctx, sr.SuiteRunID, domain.AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, before, auditEvents(t, f.svc, domain.EntitySuiteRun, sr.SuiteRunID))

	_, err = f.svc.PostFeedback(ctx, run.RunID, domain.RunFeedback{Actor: "analyst", Message: "Proceed."})
	require.NoError(t, err)

	sr = f.drive(t, sr.SuiteRunID)
	assert.Equal(t, domain.SuiteRunStatusCompleted, sr.Status)
	items = itemStatuses(t, f.svc, sr.SuiteRunID)
	assert.Equal(t, domain.ItemStatusCompleted, items[a.ItemID].Status)
	assert.Equal(t, domain.ItemStatusCompleted, items[b.ItemID].Status)
}

func TestAdvanceSkipConditionCheck(t *testing.T) {
	ctx := context.Background()
	f := newSuite(t, newScripted(nil), domain.SuiteConfig{})
	sim := newSimulation(t, f.svc, "Forced", domain.SimulationConfig{}, "ceo")
	item := f.addItem(t, sim, 0, "", riskAtLeast(domain.RiskCritical))

	sr, err := f.svc.StartSuiteRun(ctx, f.suite.SuiteID, domain.StartSuiteRunRequest{})
	require.NoError(t, err)
	_, err = f.svc.Advance(ctx, sr.SuiteRunID, domain.AdvanceOptions{SkipConditionCheck: true})
	require.NoError(t, err)

	items := itemStatuses(t, f.svc, sr.SuiteRunID)
	assert.Equal(t, domain.ItemStatusCompleted, items[item.ItemID].Status)
	assert.Empty(t, items[item.ItemID].ConditionType)

	m, err := f.svc.ComputeSuiteRunMetrics(ctx, sr.SuiteRunID)
	require.NoError(t, err)
	assert.Empty(t, m.Conditions)
}

func TestAdvanceMalformedConditionFailsClosed(t *testing.T) {
	ctx := context.Background()
	f := newSuite(t, newScripted(nil), domain.SuiteConfig{})
	sim := newSimulation(t, f.svc, "Malformed", domain.SimulationConfig{}, "ceo")
	item := f.addItem(t, sim, 0, "", nil)

	// Stored conditions can predate the current validator.
	sr, err := f.svc.StartSuiteRun(ctx, f.suite.SuiteID, domain.StartSuiteRunRequest{})
	require.NoError(t, err)
	st, err := f.svc.loadAdvanceState(ctx, sr.SuiteRunID)
	require.NoError(t, err)
	ri := st.runItems[item.ItemID]
	bad := &domain.SuiteItem{ItemID: item.ItemID, Condition: domain.TriggerCondition{Type: "vibes_check"}}

	met, err := f.svc.checkCondition(ctx, st, bad, ri, false)
	require.NoError(t, err)
	assert.False(t, met)
	assert.Equal(t, domain.ItemStatusConditionUnmet, ri.Status)
	assert.NotEmpty(t, ri.LastError)
}

func TestAdvanceTimesOut(t *testing.T) {
	ctx := context.Background()
	f := newSuite(t, newScripted(nil), domain.SuiteConfig{TimeoutSeconds: 60})
	sim := newSimulation(t, f.svc, "Slow", domain.SimulationConfig{}, "ceo")
	a := f.addItem(t, sim, 0, "", nil)

	sr, err := f.svc.StartSuiteRun(ctx, f.suite.SuiteID, domain.StartSuiteRunRequest{})
	require.NoError(t, err)

	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	sr, err = f.svc.Advance(ctx, sr.SuiteRunID, domain.AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SuiteRunStatusAborted, sr.Status)
	assert.Contains(t, sr.AbortReason, "timed out")

	items := itemStatuses(t, f.svc, sr.SuiteRunID)
	assert.Equal(t, domain.ItemStatusSkipped, items[a.ItemID].Status)
	assert.Equal(t, 1, countEvents(auditEvents(t, f.svc, domain.EntitySuiteRun, sr.SuiteRunID), domain.AuditSuiteRunTimedOut))
}

// turnClock is a test clock that generated turns move forward.
type turnClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *turnClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *turnClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestAdvanceTimesOutWhileItemsRun(t *testing.T) {
	ctx := context.Background()
	clock := &turnClock{now: time.Now()}
	gen := newScripted(func(req generation.TurnRequest, call int) (generation.TurnResponse, error) {
		clock.advance(30 * time.Second)
		return say("Still negotiating.", 0, 0), nil
	})
	f := newSuite(t, gen, domain.SuiteConfig{TimeoutSeconds: 60})
	f.svc.now = clock.Now
	sim := newSimulation(t, f.svc, "Long haul", domain.SimulationConfig{}, "ceo")
	item, err := f.svc.AddSuiteItem(ctx, f.suite.SuiteID, domain.AddSuiteItemRequest{
		SimulationID: sim.SimulationID,
		Override:     domain.ExecutionOverride{MaxSteps: 20},
	})
	require.NoError(t, err)

	sr, err := f.svc.StartSuiteRun(ctx, f.suite.SuiteID, domain.StartSuiteRunRequest{StartImmediately: true})
	require.NoError(t, err)
	assert.Equal(t, domain.SuiteRunStatusAborted, sr.Status)
	assert.Contains(t, sr.AbortReason, "timed out")

	// The run stops at the first step boundary past the deadline.
	assert.Equal(t, 2, gen.totalCalls())
	items := itemStatuses(t, f.svc, sr.SuiteRunID)
	assert.Equal(t, domain.ItemStatusFailed, items[item.ItemID].Status)
	run, err := f.svc.GetRun(ctx, items[item.ItemID].SimulationRunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusAborted, run.Status)
	assert.Equal(t, 2, run.CurrentStep)
	assert.Equal(t, 1, countEvents(auditEvents(t, f.svc, domain.EntitySuiteRun, sr.SuiteRunID), domain.AuditSuiteRunTimedOut))
}

func TestStopOnFailureHaltsItemsAwaitingReview(t *testing.T) {
	ctx := context.Background()
	gen := newScripted(nil)
	f := newSuite(t, gen, domain.SuiteConfig{MaxConcurrentSimulations: 2})
	broken := newSimulation(t, f.svc, "Broken", domain.SimulationConfig{}, "ceo")
	risky := newSimulation(t, f.svc, "Risky", domain.SimulationConfig{}, "ceo")
	gen.script = bySimulation(map[string]func(generation.TurnRequest) (generation.TurnResponse, error){
		broken.SimulationID: func(req generation.TurnRequest) (generation.TurnResponse, error) {
			return generation.TurnResponse{}, errors.New("backend exploded")
		},
		risky.SimulationID: func(req generation.TurnRequest) (generation.TurnResponse, error) {
			return say("Criminal investigation and a subpoena.", -0.8, 0.95), nil
		},
	})

	a := f.addItem(t, broken, 0, "", nil)
	b, err := f.svc.AddSuiteItem(ctx, f.suite.SuiteID, domain.AddSuiteItemRequest{
		SimulationID: risky.SimulationID,
		OrderIndex:   1,
		Override:     domain.ExecutionOverride{MaxSteps: 3, PauseOnHighRisk: true},
	})
	require.NoError(t, err)

	sr, err := f.svc.StartSuiteRun(ctx, f.suite.SuiteID, domain.StartSuiteRunRequest{StartImmediately: true})
	require.NoError(t, err)
	assert.Equal(t, domain.SuiteRunStatusFailed, sr.Status)
	assert.Equal(t, a.ItemID, sr.FailedItemID)
	require.NotNil(t, sr.EndedAt)

	items := itemStatuses(t, f.svc, sr.SuiteRunID)
	assert.Equal(t, domain.ItemStatusFailed, items[a.ItemID].Status)
	assert.Equal(t, domain.ItemStatusFailed, items[b.ItemID].Status)
	assert.Contains(t, items[b.ItemID].LastError, "suite stopped on failure of "+a.ItemID)
	run, err := f.svc.GetRun(ctx, items[b.ItemID].SimulationRunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusAborted, run.Status)
	assert.False(t, run.AwaitingReview)

	again, err := f.svc.Advance(ctx, sr.SuiteRunID, domain.AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SuiteRunStatusFailed, again.Status)
	assert.Equal(t, a.ItemID, again.FailedItemID)
}

func TestAbortBeatsStaleAdvance(t *testing.T) {
	ctx := context.Background()
	f := newSuite(t, newScripted(nil), domain.SuiteConfig{})
	sim := newSimulation(t, f.svc, "Raced", domain.SimulationConfig{}, "ceo")
	item := f.addItem(t, sim, 0, "", nil)

	sr, err := f.svc.StartSuiteRun(ctx, f.suite.SuiteID, domain.StartSuiteRunRequest{})
	require.NoError(t, err)
	st, err := f.svc.loadAdvanceState(ctx, sr.SuiteRunID)
	require.NoError(t, err)

	_, err = f.svc.AbortSuiteRun(ctx, sr.SuiteRunID, domain.AbortRequest{Reason: "called off", Actor: "tester"})
	require.NoError(t, err)

	// The pass still sees the item pending and must not start it.
	_, err = f.svc.advance(ctx, st, domain.AdvanceOptions{})
	require.ErrorIs(t, err, domain.ErrStale)
	assert.Equal(t, domain.ItemStatusPending, st.runItems[item.ItemID].Status)

	items := itemStatuses(t, f.svc, sr.SuiteRunID)
	assert.Equal(t, domain.ItemStatusSkipped, items[item.ItemID].Status)
	assert.Empty(t, items[item.ItemID].SimulationRunID)
	runs, err := f.svc.ListRuns(ctx, sim.SimulationID, domain.Page{})
	require.NoError(t, err)
	assert.Empty(t, runs)

	got, err := f.svc.Advance(ctx, sr.SuiteRunID, domain.AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SuiteRunStatusAborted, got.Status)
}

func TestAbortAfterConditionCheckStopsLaunch(t *testing.T) {
	ctx := context.Background()
	f := newSuite(t, newScripted(nil), domain.SuiteConfig{})
	sim := newSimulation(t, f.svc, "Raced", domain.SimulationConfig{}, "ceo")
	item := f.addItem(t, sim, 0, "", nil)

	sr, err := f.svc.StartSuiteRun(ctx, f.suite.SuiteID, domain.StartSuiteRunRequest{})
	require.NoError(t, err)
	st, err := f.svc.loadAdvanceState(ctx, sr.SuiteRunID)
	require.NoError(t, err)
	ri := st.runItems[item.ItemID]
	met, err := f.svc.checkCondition(ctx, st, item, ri, false)
	require.NoError(t, err)
	require.True(t, met)

	_, err = f.svc.AbortSuiteRun(ctx, sr.SuiteRunID, domain.AbortRequest{Reason: "called off", Actor: "tester"})
	require.NoError(t, err)

	err = f.svc.launch(ctx, st, item, ri)
	require.ErrorIs(t, err, domain.ErrStale)

	// The run started for the halted item is aborted straight away.
	runs, err := f.svc.ListRuns(ctx, sim.SimulationID, domain.Page{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunStatusAborted, runs[0].Status)
	items := itemStatuses(t, f.svc, sr.SuiteRunID)
	assert.Equal(t, domain.ItemStatusSkipped, items[item.ItemID].Status)
}

func TestAbortSuiteRun(t *testing.T) {
	ctx := context.Background()
	gen := newScripted(nil)
	f := newSuite(t, gen, domain.SuiteConfig{})
	risky := newSimulation(t, f.svc, "Risky", domain.SimulationConfig{}, "ceo")
	gen.script = bySimulation(map[string]func(generation.TurnRequest) (generation.TurnResponse, error){
		risky.SimulationID: func(req generation.TurnRequest) (generation.TurnResponse, error) {
			return say("Criminal investigation and a subpoena.", -0.8, 0.95), nil
		},
	})
	a, err := f.svc.AddSuiteItem(ctx, f.suite.SuiteID, domain.AddSuiteItemRequest{
		SimulationID: risky.SimulationID,
		Override:     domain.ExecutionOverride{MaxSteps: 3, PauseOnHighRisk: true},
	})
	require.NoError(t, err)
	b := f.addItem(t, risky, 1, a.ItemID, nil)

	sr, err := f.svc.StartSuiteRun(ctx, f.suite.SuiteID, domain.StartSuiteRunRequest{StartImmediately: true})
	require.NoError(t, err)
	items := itemStatuses(t, f.svc, sr.SuiteRunID)
	require.Equal(t, domain.ItemStatusRunning, items[a.ItemID].Status)

	sr, err = f.svc.AbortSuiteRun(ctx, sr.SuiteRunID, domain.AbortRequest{Reason: "drill cancelled", Actor: "tester"})
	require.NoError(t, err)
	assert.Equal(t, domain.SuiteRunStatusAborted, sr.Status)
	assert.Equal(t, "drill cancelled", sr.AbortReason)

	items = itemStatuses(t, f.svc, sr.SuiteRunID)
	assert.Equal(t, domain.ItemStatusFailed, items[a.ItemID].Status)
	assert.Equal(t, domain.ItemStatusSkipped, items[b.ItemID].Status)
	run, err := f.svc.GetRun(ctx, items[a.ItemID].SimulationRunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusAborted, run.Status)

	settled, err := f.svc.Advance(ctx, sr.SuiteRunID, domain.AdvanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SuiteRunStatusAborted, settled.Status)

	_, err = f.svc.AbortSuiteRun(ctx, sr.SuiteRunID, domain.AbortRequest{})
	var stateErr *domain.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestAddSuiteItemValidation(t *testing.T) {
	ctx := context.Background()
	f := newSuite(t, newScripted(nil), domain.SuiteConfig{})
	sim := newSimulation(t, f.svc, "Base", domain.SimulationConfig{}, "ceo")
	first := f.addItem(t, sim, 5, "", nil)

	_, err := f.svc.AddSuiteItem(ctx, f.suite.SuiteID, domain.AddSuiteItemRequest{SimulationID: sim.SimulationID, OrderIndex: 5, DependsOnItemID: first.ItemID})
	var cycle *domain.DependencyCycleError
	require.ErrorAs(t, err, &cycle)

	_, err = f.svc.AddSuiteItem(ctx, f.suite.SuiteID, domain.AddSuiteItemRequest{SimulationID: sim.SimulationID, OrderIndex: 6, DependsOnItemID: "item_missing"})
	require.ErrorAs(t, err, &cycle)

	other, err := f.svc.CreateSuite(ctx, domain.CreateSuiteRequest{Name: "Other"})
	require.NoError(t, err)
	_, err = f.svc.AddSuiteItem(ctx, other.SuiteID, domain.AddSuiteItemRequest{SimulationID: sim.SimulationID, OrderIndex: 9, DependsOnItemID: first.ItemID})
	require.ErrorAs(t, err, &cycle)

	var verr *domain.ValidationError
	_, err = f.svc.AddSuiteItem(ctx, f.suite.SuiteID, domain.AddSuiteItemRequest{
		SimulationID: sim.SimulationID,
		OrderIndex:   6,
		Condition:    &domain.TriggerCondition{Type: domain.ConditionRiskThreshold},
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "trigger_condition", verr.Field)

	_, err = f.svc.AddSuiteItem(ctx, f.suite.SuiteID, domain.AddSuiteItemRequest{
		SimulationID: sim.SimulationID,
		OrderIndex:   6,
		Override:     domain.ExecutionOverride{AgentKeys: []string{"ghost"}},
	})
	require.ErrorAs(t, err, &verr)

	_, err = f.svc.AddSuiteItem(ctx, f.suite.SuiteID, domain.AddSuiteItemRequest{SimulationID: "sim_missing", OrderIndex: 6})
	require.ErrorAs(t, err, &verr)

	items, err := f.svc.ListSuiteItems(ctx, f.suite.SuiteID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.ConditionAlways, items[0].Condition.Type)
	assert.Equal(t, "Base", items[0].Label)
}

func TestCreateSuiteValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, newScripted(nil))

	_, err := svc.CreateSuite(ctx, domain.CreateSuiteRequest{Name: "Too wide", Config: domain.SuiteConfig{MaxConcurrentSimulations: 11}})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	suite, err := svc.CreateSuite(ctx, domain.CreateSuiteRequest{Name: "Defaults"})
	require.NoError(t, err)
	assert.Equal(t, 1, suite.Config.MaxConcurrentSimulations)
	assert.True(t, suite.Config.StopsOnFailure())

	_, err = svc.StartSuiteRun(ctx, suite.SuiteID, domain.StartSuiteRunRequest{})
	require.ErrorAs(t, err, &verr)

	archived, err := svc.ArchiveSuite(ctx, suite.SuiteID, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.SuiteStatusArchived, archived.Status)
	_, err = svc.UpdateSuite(ctx, suite.SuiteID, domain.UpdateSuiteRequest{})
	var stateErr *domain.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestStartSuiteRunRejectsNonObjectSeed(t *testing.T) {
	ctx := context.Background()
	f := newSuite(t, newScripted(nil), domain.SuiteConfig{})
	sim := newSimulation(t, f.svc, "Seeded", domain.SimulationConfig{}, "ceo")
	f.addItem(t, sim, 0, "", nil)

	_, err := f.svc.StartSuiteRun(ctx, f.suite.SuiteID, domain.StartSuiteRunRequest{SeedContext: json.RawMessage(`"text"`)})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestSuiteWorkerSweep(t *testing.T) {
	ctx := context.Background()
	f := newSuite(t, newScripted(nil), domain.SuiteConfig{MaxConcurrentSimulations: 2})
	sim := newSimulation(t, f.svc, "Background", domain.SimulationConfig{}, "ceo")
	f.addItem(t, sim, 0, "", nil)
	f.addItem(t, sim, 1, "", nil)

	sr, err := f.svc.StartSuiteRun(ctx, f.suite.SuiteID, domain.StartSuiteRunRequest{})
	require.NoError(t, err)

	visited, err := f.svc.SweepSuiteRuns(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, visited)
	got, err := f.svc.GetSuiteRun(ctx, sr.SuiteRunID)
	require.NoError(t, err)
	assert.Equal(t, domain.SuiteRunStatusCompleted, got.Status)

	workerCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	f.svc.RunSuiteWorker(workerCtx, 10*time.Millisecond, 5)
}
