package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/scenarios/internal/condition"
	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

// StartSuiteRun creates a suite run with one pending item per suite item.
func (s *Service) StartSuiteRun(ctx context.Context, suiteID string, req domain.StartSuiteRunRequest) (*domain.SuiteRun, error) {
	suite, err := s.GetSuite(ctx, suiteID)
	if err != nil {
		return nil, err
	}
	if suite.Status == domain.SuiteStatusArchived {
		return nil, &domain.InvalidStateError{Entity: domain.EntitySuite, ID: suiteID, Status: string(suite.Status), Operation: "start run of"}
	}
	items, err := s.store.ListSuiteItems(ctx, suiteID)
	if err != nil {
		return nil, fmt.Errorf("failed to list suite items: %w", err)
	}
	if len(items) == 0 {
		return nil, domain.NewValidationError("items", "suite %s has no items", suiteID)
	}
	if _, err := snapshotFromSeed(req.SeedContext, s.now()); err != nil {
		return nil, err
	}

	now := s.now()
	sr := &domain.SuiteRun{
		SuiteRunID:  "srun_" + uuid.New().String()[:8],
		SuiteID:     suiteID,
		RunLabel:    req.RunLabel,
		SeedContext: req.SeedContext,
		Status:      domain.SuiteRunStatusStarting,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	runItems := make([]domain.SuiteRunItem, 0, len(items))
	for _, item := range items {
		runItems = append(runItems, domain.SuiteRunItem{
			SuiteRunItemID: "sri_" + uuid.New().String()[:8],
			SuiteRunID:     sr.SuiteRunID,
			ItemID:         item.ItemID,
			Status:         domain.ItemStatusPending,
		})
	}
	if err := s.store.CreateSuiteRun(ctx, sr, runItems); err != nil {
		return nil, fmt.Errorf("failed to create suite run: %w", err)
	}
	s.settleSuite(ctx, suiteID, domain.SuiteStatusRunning)
	s.audit(ctx, domain.EntitySuiteRun, sr.SuiteRunID, domain.AuditSuiteRunStarted, req.Actor, map[string]interface{}{
		"suite_id":  suiteID,
		"run_label": sr.RunLabel,
		"items":     len(runItems),
	})

	if !req.StartImmediately {
		return sr, nil
	}
	return s.Advance(ctx, sr.SuiteRunID, domain.AdvanceOptions{})
}

func (s *Service) GetSuiteRun(ctx context.Context, suiteRunID string) (*domain.SuiteRun, error) {
	sr, err := s.store.GetSuiteRun(ctx, suiteRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to get suite run: %w", err)
	}
	if sr == nil {
		return nil, notFound("suite run", suiteRunID)
	}
	return sr, nil
}

func (s *Service) ListSuiteRuns(ctx context.Context, suiteID string, page domain.Page) ([]domain.SuiteRun, error) {
	if _, err := s.GetSuite(ctx, suiteID); err != nil {
		return nil, err
	}
	runs, err := s.store.ListSuiteRuns(ctx, suiteID, page.Normalize(domain.MaxPageLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to list suite runs: %w", err)
	}
	return runs, nil
}

func (s *Service) ListSuiteRunItems(ctx context.Context, suiteRunID string) ([]domain.SuiteRunItem, error) {
	if _, err := s.GetSuiteRun(ctx, suiteRunID); err != nil {
		return nil, err
	}
	items, err := s.store.ListSuiteRunItems(ctx, suiteRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to list suite run items: %w", err)
	}
	return items, nil
}

// advanceState is the in-memory view of one suite run during an advance.
type advanceState struct {
	suite    *domain.ScenarioSuite
	sr       *domain.SuiteRun
	items    []domain.SuiteItem
	byItem   map[string]*domain.SuiteItem
	runItems map[string]*domain.SuiteRunItem
	upstream map[string]upstreamRun
	changed  bool
}

type upstreamRun struct {
	turns    []domain.ScenarioTurn
	outcomes []domain.ScenarioOutcome
}

// deadline is when the suite run times out, or the zero time without a timeout.
func (st *advanceState) deadline() time.Time {
	timeout := st.suite.Config.Timeout()
	if timeout <= 0 {
		return time.Time{}
	}
	return st.sr.StartedAt.Add(timeout)
}

func (st *advanceState) expired(now time.Time) bool {
	deadline := st.deadline()
	return !deadline.IsZero() && !now.Before(deadline)
}

func (st *advanceState) count(status domain.SuiteRunItemStatus) int {
	n := 0
	for _, ri := range st.runItems {
		if ri.Status == status {
			n++
		}
	}
	return n
}

func (st *advanceState) parentStatus(item *domain.SuiteItem) (domain.SuiteRunItemStatus, bool) {
	if item.DependsOnItemID == "" {
		return "", false
	}
	parent, ok := st.runItems[item.DependsOnItemID]
	if !ok {
		return "", false
	}
	return parent.Status, true
}

// dispatch is one item handed to the run stepper during an advance.
type dispatch struct {
	runItem *domain.SuiteRunItem
	item    *domain.SuiteItem
	err     error
}

// Advance moves a suite run forward by one scheduling pass: it reconciles
// running items, evaluates the frontier, executes dispatched runs concurrently
// and settles the suite run when every item is terminal. Dispatched runs stop at
// the suite run deadline, and a pass that ends past it times the suite run out.
// Failures inside an item are recorded on the item and never returned.
func (s *Service) Advance(ctx context.Context, suiteRunID string, opts domain.AdvanceOptions) (*domain.SuiteRun, error) {
	if opts.MaxItems < 0 {
		return nil, domain.NewValidationError("max_items", "must not be negative")
	}
	release, err := s.acquire(ctx, suiteRunKey(suiteRunID))
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, span := s.tracer.Start(ctx, "suite_run.advance", trace.WithAttributes(attribute.String("suite_run.id", suiteRunID)))
	defer span.End()

	st, err := s.loadAdvanceState(ctx, suiteRunID)
	if err != nil {
		return nil, err
	}
	if st.sr.Status.IsTerminal() {
		return st.sr, nil
	}

	sr, err := s.advance(ctx, st, opts)
	if errors.Is(err, domain.ErrStale) {
		// An abort landed while this pass ran.
		return s.GetSuiteRun(ctx, suiteRunID)
	}
	return sr, err
}

func (s *Service) advance(ctx context.Context, st *advanceState, opts domain.AdvanceOptions) (*domain.SuiteRun, error) {
	if st.expired(s.now()) {
		return s.timeOut(ctx, st)
	}

	if st.sr.Status == domain.SuiteRunStatusStarting {
		st.sr.Status = domain.SuiteRunStatusInProgress
		st.changed = true
	}

	var wave []*dispatch
	if err := s.reconcileRunning(ctx, st, &wave); err != nil {
		return nil, err
	}
	stopped, err := s.stopOnFailure(ctx, st)
	if err != nil {
		return nil, err
	}
	if !stopped {
		fresh, err := s.schedule(ctx, st, opts)
		if err != nil {
			return nil, err
		}
		wave = append(wave, fresh...)
	}
	// Items halted by stop-on-failure leave the wave.
	wave = slices.DeleteFunc(wave, func(d *dispatch) bool { return d.runItem.Status != domain.ItemStatusRunning })
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("suite_run.dispatched", len(wave)))

	if len(wave) > 0 {
		s.execute(ctx, st, wave)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, d := range wave {
			if err := s.settleItem(ctx, st, d); err != nil {
				return nil, err
			}
		}
		if st.expired(s.now()) {
			return s.timeOut(ctx, st)
		}
		if _, err := s.stopOnFailure(ctx, st); err != nil {
			return nil, err
		}
	}
	if err := s.propagateSkips(ctx, st); err != nil {
		return nil, err
	}

	if !st.changed {
		return st.sr, nil
	}
	return s.finishAdvance(ctx, st, len(wave))
}

func (s *Service) loadAdvanceState(ctx context.Context, suiteRunID string) (*advanceState, error) {
	sr, err := s.GetSuiteRun(ctx, suiteRunID)
	if err != nil {
		return nil, err
	}
	suite, err := s.GetSuite(ctx, sr.SuiteID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListSuiteItems(ctx, sr.SuiteID)
	if err != nil {
		return nil, fmt.Errorf("failed to list suite items: %w", err)
	}
	runItems, err := s.store.ListSuiteRunItems(ctx, suiteRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to list suite run items: %w", err)
	}

	st := &advanceState{
		suite:    suite,
		sr:       sr,
		items:    items,
		byItem:   make(map[string]*domain.SuiteItem, len(items)),
		runItems: make(map[string]*domain.SuiteRunItem, len(runItems)),
		upstream: make(map[string]upstreamRun),
	}
	for i := range st.items {
		st.byItem[st.items[i].ItemID] = &st.items[i]
	}
	for i := range runItems {
		st.runItems[runItems[i].ItemID] = &runItems[i]
	}
	return st, nil
}

// reconcileRunning copies terminal run statuses onto running items and queues
// runs that can continue. Items whose run awaits review keep their slot.
func (s *Service) reconcileRunning(ctx context.Context, st *advanceState, wave *[]*dispatch) error {
	for i := range st.items {
		item := &st.items[i]
		ri := st.runItems[item.ItemID]
		if ri == nil || ri.Status != domain.ItemStatusRunning {
			continue
		}
		if ri.SimulationRunID == "" {
			if err := s.transitionItem(ctx, st, ri, domain.ItemStatusFailed, "item has no simulation run"); err != nil {
				return err
			}
			continue
		}
		run, err := s.store.GetSimulationRun(ctx, ri.SimulationRunID)
		if err != nil {
			return fmt.Errorf("failed to get run %s: %w", ri.SimulationRunID, err)
		}
		switch {
		case run == nil:
			if err := s.transitionItem(ctx, st, ri, domain.ItemStatusFailed, "simulation run not found"); err != nil {
				return err
			}
		case run.Status.IsTerminal():
			if err := s.copyRunStatus(ctx, st, ri, run); err != nil {
				return err
			}
		case !run.AwaitingReview:
			*wave = append(*wave, &dispatch{runItem: ri, item: item})
		}
	}
	return nil
}

// schedule evaluates the frontier until no further item can be decided and
// returns the items to dispatch. condition_unmet unblocks dependents, so the
// frontier is recomputed after every unmet decision.
func (s *Service) schedule(ctx context.Context, st *advanceState, opts domain.AdvanceOptions) ([]*dispatch, error) {
	slots := st.suite.Config.ConcurrencyCap() - st.count(domain.ItemStatusRunning)
	processed := 0
	var wave []*dispatch

	for {
		if err := s.propagateSkips(ctx, st); err != nil {
			return nil, err
		}
		progressed := false
		for i := range st.items {
			if opts.MaxItems > 0 && processed >= opts.MaxItems {
				return wave, nil
			}
			if slots <= 0 {
				return wave, nil
			}
			item := &st.items[i]
			ri := st.runItems[item.ItemID]
			if ri == nil || ri.Status != domain.ItemStatusPending {
				continue
			}
			if status, ok := st.parentStatus(item); ok && !status.SatisfiesDependency() {
				continue
			}

			processed++
			met, err := s.checkCondition(ctx, st, item, ri, opts.SkipConditionCheck)
			if err != nil {
				return nil, err
			}
			if !met {
				progressed = true
				continue
			}
			if err := s.launch(ctx, st, item, ri); err != nil {
				return nil, err
			}
			if ri.Status != domain.ItemStatusRunning {
				stopped, err := s.stopOnFailure(ctx, st)
				if err != nil {
					return nil, err
				}
				if stopped {
					return wave, nil
				}
				progressed = true
				continue
			}
			wave = append(wave, &dispatch{runItem: ri, item: item})
			slots--
		}
		if !progressed {
			return wave, nil
		}
	}
}

// checkCondition records the trigger decision for a frontier item and reports
// whether it was met. Malformed conditions fail closed.
func (s *Service) checkCondition(ctx context.Context, st *advanceState, item *domain.SuiteItem, ri *domain.SuiteRunItem, skip bool) (bool, error) {
	if skip {
		ri.ConditionExplanation = "condition check skipped"
		return true, s.transitionItem(ctx, st, ri, domain.ItemStatusConditionMet, "")
	}

	ectx, err := s.conditionContext(ctx, st, item)
	if err != nil {
		return false, err
	}
	res := s.evaluator.Evaluate(item.Condition, ectx)
	ri.ConditionType = item.Condition.Type
	ri.ConditionExplanation = res.Explanation

	detail := map[string]interface{}{
		"suite_run_item_id": ri.SuiteRunItemID,
		"item_id":           item.ItemID,
		"condition_type":    item.Condition.Type,
		"met":               res.Met,
		"explanation":       res.Explanation,
	}
	if res.Err != nil {
		detail["error"] = res.Err.Error()
		slog.WarnContext(ctx, "trigger condition failed closed",
			"suite_run_id", st.sr.SuiteRunID, "item_id", item.ItemID, "condition_type", item.Condition.Type, "error", res.Err)
	}
	s.audit(ctx, domain.EntitySuiteRun, st.sr.SuiteRunID, domain.AuditConditionEvaluated, systemActor, detail)

	if !res.Met {
		lastErr := ""
		if res.Err != nil {
			lastErr = res.Err.Error()
		}
		return false, s.transitionItem(ctx, st, ri, domain.ItemStatusConditionUnmet, lastErr)
	}
	return true, s.transitionItem(ctx, st, ri, domain.ItemStatusConditionMet, "")
}

// conditionContext gathers the upstream turns and outcomes an item's trigger is
// evaluated against: its ancestor chain, or every earlier completed item when
// it has no dependency.
func (s *Service) conditionContext(ctx context.Context, st *advanceState, item *domain.SuiteItem) (condition.Context, error) {
	var sources []*domain.SuiteItem
	if item.DependsOnItemID != "" {
		for id := item.DependsOnItemID; id != ""; {
			parent, ok := st.byItem[id]
			if !ok {
				break
			}
			sources = append(sources, parent)
			id = parent.DependsOnItemID
		}
	} else {
		for i := range st.items {
			other := &st.items[i]
			if other.OrderIndex < item.OrderIndex && st.runItems[other.ItemID] != nil &&
				st.runItems[other.ItemID].Status == domain.ItemStatusCompleted {
				sources = append(sources, other)
			}
		}
	}
	sort.SliceStable(sources, func(i, j int) bool { return sources[i].OrderIndex < sources[j].OrderIndex })

	ectx := condition.Context{OutcomesByItem: make(map[string][]domain.ScenarioOutcome)}
	for _, src := range sources {
		ri := st.runItems[src.ItemID]
		if ri == nil || ri.SimulationRunID == "" {
			continue
		}
		up, err := s.loadUpstream(ctx, st, ri.SimulationRunID)
		if err != nil {
			return ectx, err
		}
		ectx.Turns = append(ectx.Turns, up.turns...)
		ectx.Outcomes = append(ectx.Outcomes, up.outcomes...)
		ectx.OutcomesByItem[src.ItemID] = up.outcomes
	}
	return ectx, nil
}

func (s *Service) loadUpstream(ctx context.Context, st *advanceState, runID string) (upstreamRun, error) {
	if up, ok := st.upstream[runID]; ok {
		return up, nil
	}
	turns, err := s.store.ListTurns(ctx, runID, domain.Page{})
	if err != nil {
		return upstreamRun{}, fmt.Errorf("failed to load turns of run %s: %w", runID, err)
	}
	outcomes, err := s.store.ListOutcomes(ctx, runID)
	if err != nil {
		return upstreamRun{}, fmt.Errorf("failed to load outcomes of run %s: %w", runID, err)
	}
	up := upstreamRun{turns: turns, outcomes: outcomes}
	st.upstream[runID] = up
	return up, nil
}

// launch hydrates a met item into a simulation run and marks it running. A run
// that cannot be started fails the item.
func (s *Service) launch(ctx context.Context, st *advanceState, item *domain.SuiteItem, ri *domain.SuiteRunItem) error {
	run, err := s.StartRun(ctx, domain.StartRunRequest{
		SimulationID:   item.SimulationID,
		AgentKeys:      item.Override.AgentKeys,
		MaxSteps:       item.Override.MaxSteps,
		Criteria:       item.Override.ConvergenceCriteria,
		SeedContext:    st.sr.SeedContext,
		SuiteRunItemID: ri.SuiteRunItemID,
		Actor:          systemActor,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.WarnContext(ctx, "failed to start item run", "suite_run_id", st.sr.SuiteRunID, "item_id", item.ItemID, "error", err)
		return s.transitionItem(ctx, st, ri, domain.ItemStatusFailed, err.Error())
	}
	now := s.now()
	ri.SimulationRunID = run.RunID
	ri.StartedAt = &now
	err = s.transitionItem(ctx, st, ri, domain.ItemStatusRunning, "")
	if errors.Is(err, domain.ErrStale) {
		// The item was halted after its condition was checked.
		if _, abortErr := s.AbortRun(ctx, run.RunID, domain.AbortRequest{Reason: "suite run halted", Actor: systemActor}); abortErr != nil {
			slog.WarnContext(ctx, "failed to abort orphaned item run", "run_id", run.RunID, "error", abortErr)
		}
	}
	return err
}

// execute drives every dispatched run to completion, a review pause, its step
// budget or the suite run deadline, at most ConcurrencyCap at a time.
func (s *Service) execute(ctx context.Context, st *advanceState, wave []*dispatch) {
	retry := st.suite.Config.RetryPolicy
	deadline := st.deadline()
	var g errgroup.Group
	g.SetLimit(st.suite.Config.ConcurrencyCap())
	for _, d := range wave {
		g.Go(func() error {
			release, err := s.acquire(ctx, runKey(d.runItem.SimulationRunID))
			if err != nil {
				d.err = err
				return nil
			}
			defer release()
			_, d.err = s.runUntilLocked(ctx, d.runItem.SimulationRunID, domain.RunUntilOptions{
				PauseOnHighRisk: d.item.Override.PauseOnHighRisk,
			}, &retry, deadline)
			return nil
		})
	}
	_ = g.Wait()
}

// settleItem copies the outcome of one dispatched run back onto its item.
func (s *Service) settleItem(ctx context.Context, st *advanceState, d *dispatch) error {
	ri := d.runItem
	if d.err != nil && !errors.Is(d.err, domain.ErrBusy) {
		slog.WarnContext(ctx, "item run did not finish cleanly",
			"suite_run_id", st.sr.SuiteRunID, "item_id", ri.ItemID, "run_id", ri.SimulationRunID, "error", d.err)
		ri.LastError = d.err.Error()
		st.changed = true
		if err := s.store.UpdateSuiteRunItem(ctx, ri, ri.Status); err != nil {
			return fmt.Errorf("failed to update suite run item: %w", err)
		}
	}
	run, err := s.store.GetSimulationRun(ctx, ri.SimulationRunID)
	if err != nil {
		return fmt.Errorf("failed to get run %s: %w", ri.SimulationRunID, err)
	}
	if run != nil && run.Status.IsTerminal() {
		return s.copyRunStatus(ctx, st, ri, run)
	}
	return nil
}

func (s *Service) copyRunStatus(ctx context.Context, st *advanceState, ri *domain.SuiteRunItem, run *domain.SimulationRun) error {
	if run.Status == domain.RunStatusCompleted {
		return s.transitionItem(ctx, st, ri, domain.ItemStatusCompleted, "")
	}
	reason := run.LastError
	if reason == "" {
		reason = "run " + string(run.Status)
	}
	return s.transitionItem(ctx, st, ri, domain.ItemStatusFailed, reason)
}

// stopOnFailure halts the suite run the first time an item fails while the
// suite stops on failure: pending items are skipped and the runs of running
// items are aborted. It reports whether the suite run stopped.
func (s *Service) stopOnFailure(ctx context.Context, st *advanceState) (bool, error) {
	if st.sr.Status.IsTerminal() {
		return true, nil
	}
	if !st.suite.Config.StopsOnFailure() {
		return false, nil
	}
	failedID := st.sr.FailedItemID
	for i := 0; failedID == "" && i < len(st.items); i++ {
		if ri := st.runItems[st.items[i].ItemID]; ri != nil && ri.Status == domain.ItemStatusFailed {
			failedID = ri.ItemID
		}
	}
	if failedID == "" {
		return false, nil
	}
	if st.sr.FailedItemID == "" {
		st.sr.FailedItemID = failedID
		st.changed = true
	}
	return true, s.haltItems(ctx, st, "suite stopped on failure of "+failedID)
}

// propagateSkips skips pending items whose dependency failed or was skipped.
// Items are ordered by order index, so one pass reaches a fixpoint.
func (s *Service) propagateSkips(ctx context.Context, st *advanceState) error {
	for i := range st.items {
		item := &st.items[i]
		ri := st.runItems[item.ItemID]
		if ri == nil || ri.Status != domain.ItemStatusPending {
			continue
		}
		status, ok := st.parentStatus(item)
		if !ok || (status != domain.ItemStatusFailed && status != domain.ItemStatusSkipped) {
			continue
		}
		if err := s.transitionItem(ctx, st, ri, domain.ItemStatusSkipped, "dependency "+item.DependsOnItemID+" "+string(status)); err != nil {
			return err
		}
	}
	return nil
}

// completion returns the terminal status of the suite run once every item is
// terminal.
func (st *advanceState) completion() (domain.SuiteRunStatus, bool) {
	anyFailed := false
	for _, ri := range st.runItems {
		if !ri.Status.IsTerminal() {
			return "", false
		}
		if ri.Status == domain.ItemStatusFailed {
			anyFailed = true
		}
	}
	if anyFailed && st.suite.Config.StopsOnFailure() {
		return domain.SuiteRunStatusFailed, true
	}
	return domain.SuiteRunStatusCompleted, true
}

func (s *Service) finishAdvance(ctx context.Context, st *advanceState, dispatched int) (*domain.SuiteRun, error) {
	sr := st.sr
	if status, done := st.completion(); done {
		sr.Status = status
	}

	now := s.now()
	sr.UpdatedAt = now
	if sr.Status.IsTerminal() {
		sr.EndedAt = &now
	}
	if err := s.store.UpdateSuiteRun(ctx, sr); err != nil {
		return nil, fmt.Errorf("failed to update suite run: %w", err)
	}

	counts := make(map[domain.SuiteRunItemStatus]int)
	for _, ri := range st.runItems {
		counts[ri.Status]++
	}
	s.audit(ctx, domain.EntitySuiteRun, sr.SuiteRunID, domain.AuditSuiteRunAdvanced, systemActor, map[string]interface{}{
		"dispatched": dispatched,
		"items":      counts,
	})
	switch sr.Status {
	case domain.SuiteRunStatusCompleted:
		s.audit(ctx, domain.EntitySuiteRun, sr.SuiteRunID, domain.AuditSuiteRunCompleted, systemActor, nil)
		s.settleSuite(ctx, sr.SuiteID, domain.SuiteStatusCompleted)
	case domain.SuiteRunStatusFailed:
		s.audit(ctx, domain.EntitySuiteRun, sr.SuiteRunID, domain.AuditSuiteRunFailed, systemActor, map[string]interface{}{
			"failed_item_id": sr.FailedItemID,
		})
		s.settleSuite(ctx, sr.SuiteID, domain.SuiteStatusFailed)
	}
	return sr, nil
}

// timeOut aborts a suite run whose deadline passed with work outstanding.
func (s *Service) timeOut(ctx context.Context, st *advanceState) (*domain.SuiteRun, error) {
	outstanding := st.count(domain.ItemStatusPending) + st.count(domain.ItemStatusConditionMet) + st.count(domain.ItemStatusRunning)
	if outstanding == 0 {
		st.changed = true
		return s.finishAdvance(ctx, st, 0)
	}
	reason := fmt.Sprintf("timed out after %s", st.suite.Config.Timeout())
	slog.WarnContext(ctx, "suite run timed out", "suite_run_id", st.sr.SuiteRunID, "outstanding", outstanding)
	if err := s.haltItems(ctx, st, reason); err != nil {
		return nil, err
	}
	s.audit(ctx, domain.EntitySuiteRun, st.sr.SuiteRunID, domain.AuditSuiteRunTimedOut, systemActor, map[string]interface{}{
		"timeout_seconds": st.suite.Config.TimeoutSeconds,
		"outstanding":     outstanding,
	})
	return s.markAborted(ctx, st, reason, systemActor)
}

// AbortSuiteRun cancels a suite run. It does not wait for an in-flight advance,
// which observes the abort before its final write.
func (s *Service) AbortSuiteRun(ctx context.Context, suiteRunID string, req domain.AbortRequest) (*domain.SuiteRun, error) {
	st, err := s.loadAdvanceState(ctx, suiteRunID)
	if err != nil {
		return nil, err
	}
	if st.sr.Status.IsTerminal() {
		return nil, &domain.InvalidStateError{Entity: domain.EntitySuiteRun, ID: suiteRunID, Status: string(st.sr.Status), Operation: "abort"}
	}
	reason := req.Reason
	if reason == "" {
		reason = "aborted"
	}
	if err := s.haltItems(ctx, st, reason); err != nil {
		return nil, err
	}
	sr, err := s.markAborted(ctx, st, reason, req.Actor)
	if errors.Is(err, domain.ErrStale) {
		// An advance settled the suite run first.
		latest, getErr := s.GetSuiteRun(ctx, suiteRunID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &domain.InvalidStateError{Entity: domain.EntitySuiteRun, ID: suiteRunID, Status: string(latest.Status), Operation: "abort"}
	}
	return sr, err
}

// haltItems skips pending items and aborts the runs of running items, which
// are recorded as failed. An item that moved since it was read is reloaded and
// halted again.
func (s *Service) haltItems(ctx context.Context, st *advanceState, reason string) error {
	for i := range st.items {
		ri := st.runItems[st.items[i].ItemID]
		if ri == nil {
			continue
		}
		for attempt := 0; ; attempt++ {
			err := s.haltItem(ctx, st, ri, reason)
			if err == nil {
				break
			}
			if !errors.Is(err, domain.ErrStale) || attempt+1 >= maxAbortAttempts {
				return err
			}
			if err := s.reloadItem(ctx, ri); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) haltItem(ctx context.Context, st *advanceState, ri *domain.SuiteRunItem, reason string) error {
	switch ri.Status {
	case domain.ItemStatusPending, domain.ItemStatusConditionMet:
		return s.transitionItem(ctx, st, ri, domain.ItemStatusSkipped, reason)
	case domain.ItemStatusRunning:
		if ri.SimulationRunID != "" {
			_, err := s.AbortRun(ctx, ri.SimulationRunID, domain.AbortRequest{Reason: reason, Actor: systemActor})
			var stateErr *domain.InvalidStateError
			if err != nil && !errors.As(err, &stateErr) && !domain.IsNotFound(err) {
				return err
			}
		}
		return s.transitionItem(ctx, st, ri, domain.ItemStatusFailed, reason)
	}
	return nil
}

func (s *Service) reloadItem(ctx context.Context, ri *domain.SuiteRunItem) error {
	items, err := s.store.ListSuiteRunItems(ctx, ri.SuiteRunID)
	if err != nil {
		return fmt.Errorf("failed to reload suite run items: %w", err)
	}
	for _, it := range items {
		if it.SuiteRunItemID == ri.SuiteRunItemID {
			*ri = it
			return nil
		}
	}
	return notFound("suite run item", ri.SuiteRunItemID)
}

func (s *Service) markAborted(ctx context.Context, st *advanceState, reason, actor string) (*domain.SuiteRun, error) {
	now := s.now()
	sr := st.sr
	sr.Status = domain.SuiteRunStatusAborted
	sr.AbortReason = reason
	sr.EndedAt = &now
	sr.UpdatedAt = now
	if err := s.store.UpdateSuiteRun(ctx, sr); err != nil {
		return nil, fmt.Errorf("failed to abort suite run: %w", err)
	}
	s.audit(ctx, domain.EntitySuiteRun, sr.SuiteRunID, domain.AuditSuiteRunAborted, actor, map[string]interface{}{
		"reason": reason,
	})
	s.settleSuite(ctx, sr.SuiteID, domain.SuiteStatusFailed)
	return sr, nil
}

// transitionItem persists an item status change and audits it.
func (s *Service) transitionItem(ctx context.Context, st *advanceState, ri *domain.SuiteRunItem, to domain.SuiteRunItemStatus, lastError string) error {
	from := ri.Status
	next := *ri
	next.Status = to
	if lastError != "" {
		next.LastError = lastError
	}
	if to.IsTerminal() && next.EndedAt == nil {
		now := s.now()
		next.EndedAt = &now
	}
	if err := s.store.UpdateSuiteRunItem(ctx, &next, from); err != nil {
		return fmt.Errorf("failed to update suite run item: %w", err)
	}
	*ri = next
	st.changed = true
	s.audit(ctx, domain.EntitySuiteRun, ri.SuiteRunID, domain.AuditSuiteItemStatus, systemActor, map[string]interface{}{
		"suite_run_item_id": ri.SuiteRunItemID,
		"item_id":           ri.ItemID,
		"from":              from,
		"to":                to,
		"simulation_run_id": ri.SimulationRunID,
		"error":             lastError,
	})
	return nil
}

// settleSuite mirrors suite run progress onto the suite status.
func (s *Service) settleSuite(ctx context.Context, suiteID string, status domain.SuiteStatus) {
	suite, err := s.store.GetSuite(ctx, suiteID)
	if err != nil || suite == nil {
		slog.WarnContext(ctx, "failed to load suite for status update", "suite_id", suiteID, "error", err)
		return
	}
	if suite.Status == domain.SuiteStatusArchived || suite.Status == status {
		return
	}
	suite.Status = status
	suite.UpdatedAt = s.now()
	if err := s.store.UpdateSuite(ctx, suite); err != nil {
		slog.WarnContext(ctx, "failed to update suite status", "suite_id", suiteID, "status", status, "error", err)
	}
}
