package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/gogo/scenarios/internal/adapter/generation"
	"github.com/xiaot623/gogo/scenarios/internal/domain"
	"github.com/xiaot623/gogo/scenarios/internal/policy"
	"github.com/xiaot623/gogo/scenarios/internal/registry"
)

type stepParams struct {
	opts domain.StepOptions
	// criteria replaces the run's convergence criteria when set.
	criteria        []domain.ConvergenceCriterion
	pauseOnHighRisk bool
	// retry overrides the simulation's retry policy for suite-dispatched runs.
	retry *domain.RetryPolicy
}

type stepResult struct {
	turn     *domain.ScenarioTurn
	outcomes []domain.ScenarioOutcome
	paused   bool
	reasons  []string
}

// Step takes exactly one turn of a run.
func (s *Service) Step(ctx context.Context, runID string, opts domain.StepOptions) (*domain.SimulationRun, error) {
	release, err := s.acquire(ctx, runKey(runID))
	if err != nil {
		return nil, err
	}
	defer release()

	run, _, err := s.stepLocked(ctx, runID, stepParams{opts: opts})
	return run, err
}

// RunUntilConverged steps a run until it completes, fails, converges, pauses
// for review or has taken opts.MaxSteps steps.
func (s *Service) RunUntilConverged(ctx context.Context, runID string, opts domain.RunUntilOptions) (*domain.SimulationRun, error) {
	if opts.MaxSteps < 0 || opts.MaxSteps > domain.MaxAllowedSteps {
		return nil, domain.NewValidationError("max_steps", "must be within [0,%d]", domain.MaxAllowedSteps)
	}
	if err := validateCriteria("convergence_criteria", opts.ConvergenceCriteria); err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx, runKey(runID))
	if err != nil {
		return nil, err
	}
	defer release()

	return s.runUntilLocked(ctx, runID, opts, nil, time.Time{})
}

// runUntilLocked steps a run while it has budget. A non-zero deadline stops it
// at the first step boundary at or past the deadline.
func (s *Service) runUntilLocked(ctx context.Context, runID string, opts domain.RunUntilOptions, retry *domain.RetryPolicy, deadline time.Time) (*domain.SimulationRun, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, &domain.InvalidStateError{Entity: domain.EntityRun, ID: runID, Status: string(run.Status), Operation: "run"}
	}

	budget := run.MaxSteps - run.CurrentStep
	if opts.MaxSteps > 0 && opts.MaxSteps < budget {
		budget = opts.MaxSteps
	}
	params := stepParams{criteria: opts.ConvergenceCriteria, pauseOnHighRisk: opts.PauseOnHighRisk, retry: retry}

	for taken := 0; taken < budget && !run.AwaitingReview; taken++ {
		if err := ctx.Err(); err != nil {
			return run, err
		}
		if !deadline.IsZero() && !s.now().Before(deadline) {
			break
		}
		next, res, err := s.stepLocked(ctx, runID, params)
		if err != nil {
			var stateErr *domain.InvalidStateError
			if errors.As(err, &stateErr) {
				// Aborted underneath us; report where it stopped.
				return s.GetRun(ctx, runID)
			}
			return nil, err
		}
		run = next
		if run.Status.IsTerminal() || res == nil || res.paused {
			break
		}
	}
	return run, nil
}

// stepLocked performs one step. The caller holds the run lease.
func (s *Service) stepLocked(ctx context.Context, runID string, p stepParams) (*domain.SimulationRun, *stepResult, error) {
	ctx, span := s.tracer.Start(ctx, "run.step", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if run.Status.IsTerminal() {
		return nil, nil, &domain.InvalidStateError{Entity: domain.EntityRun, ID: runID, Status: string(run.Status), Operation: "step"}
	}
	sim, err := s.GetSimulation(ctx, run.SimulationID)
	if err != nil {
		return nil, nil, err
	}
	cfg := sim.Config.WithDefaults()
	if p.retry != nil && (p.retry.MaxRetries > 0 || p.retry.BackoffMs > 0) {
		cfg.RetryCount = p.retry.MaxRetries
		if p.retry.BackoffMs > 0 {
			cfg.BackoffMs = p.retry.BackoffMs
		}
	}

	agents, err := s.registry.Active(ctx, run.SimulationID, run.AgentKeys)
	if err != nil {
		return nil, nil, err
	}
	if len(agents) == 0 {
		return nil, nil, domain.NewValidationError("agent_keys", "run %s has no active agents", runID)
	}
	var agent domain.AgentDefinition
	if p.opts.AgentID != "" {
		var ok bool
		agent, ok = registry.Find(agents, p.opts.AgentID)
		if !ok {
			return nil, nil, domain.NewValidationError("agent_id", "agent %q is not an active participant", p.opts.AgentID)
		}
	} else {
		agent, _ = registry.Next(agents, run.LastSpeakerKey, p.opts.SkipAgent)
	}

	history, err := s.store.ListTurns(ctx, runID, domain.Page{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load turn history: %w", err)
	}

	guidance := strings.TrimSpace(p.opts.UserGuidance)
	if guidance == "" {
		guidance = run.PendingGuidance
	}
	stepIndex := run.CurrentStep + 1
	span.SetAttributes(attribute.Int("run.step_index", stepIndex), attribute.String("agent.key", agent.AgentKey))

	req := generation.TurnRequest{
		RunID:         run.RunID,
		SimulationID:  run.SimulationID,
		StepIndex:     stepIndex,
		ObjectiveType: sim.ObjectiveType,
		Agent:         agent,
		Behavior:      registry.EffectiveBehavior(agent, cfg.AgentOverrides),
		History:       history,
		Snapshot:      run.Snapshot.Clone(),
		Guidance:      guidance,
		Model:         cfg.Model,
		Temperature:   cfg.Temperature,
	}
	resp, retries, genErr := s.generateTurn(ctx, run, cfg, req)
	if genErr != nil {
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("step interrupted: %w", ctx.Err())
		}
		span.RecordError(genErr)
		span.SetStatus(codes.Error, "generation failed")
		failed, err := s.failRun(ctx, run, retries, genErr)
		return failed, nil, err
	}

	now := s.now()
	turn := buildTurn(run, agent, stepIndex, resp, retries, guidance, now)
	outcomes := deriveOutcomes(run, turn, agent, now)

	resumed := run.AwaitingReview
	run.CurrentStep = stepIndex
	run.TotalSteps = stepIndex
	run.LastSpeakerKey = agent.AgentKey
	run.RetryCount += retries
	run.PendingGuidance = ""
	run.AwaitingReview = false
	run.LastError = ""
	run.UpdatedAt = now
	if run.Status == domain.RunStatusStarting {
		run.Status = domain.RunStatusInProgress
	}

	criteria := run.Criteria
	if len(p.criteria) > 0 {
		criteria = p.criteria
	}
	all := append(history, *turn)
	if kind, ok := converged(criteria, all, agents); ok {
		run.Status = domain.RunStatusCompleted
		run.Converged = true
		run.ConvergedReason = string(kind)
	} else if run.CurrentStep >= run.MaxSteps {
		run.Status = domain.RunStatusCompleted
	}

	if run.Status == domain.RunStatusCompleted {
		run.EndedAt = &now
		if len(outcomes) == 0 {
			existing, err := s.store.ListOutcomes(ctx, runID)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to load outcomes: %w", err)
			}
			if len(existing) == 0 {
				outcomes = append(outcomes, neutralOutcome(run, stepIndex, now))
			}
		}
	}

	res := &stepResult{turn: turn, outcomes: outcomes}
	if p.pauseOnHighRisk && run.Status == domain.RunStatusInProgress {
		decision := s.reviewDecision(ctx, turn, outcomes)
		if decision.Pause() {
			run.AwaitingReview = true
			res.paused = true
			res.reasons = decision.Reasons
		}
	}

	if err := s.store.CommitStep(ctx, run, turn, outcomes); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			if latest, getErr := s.store.GetSimulationRun(ctx, runID); getErr == nil && latest != nil && latest.Status.IsTerminal() {
				return nil, nil, &domain.InvalidStateError{Entity: domain.EntityRun, ID: runID, Status: string(latest.Status), Operation: "step"}
			}
		}
		return nil, nil, fmt.Errorf("failed to commit step %d: %w", stepIndex, err)
	}

	s.audit(ctx, domain.EntityRun, runID, domain.AuditRunStepCompleted, systemActor, map[string]interface{}{
		"step_index":  stepIndex,
		"agent_key":   agent.AgentKey,
		"tokens_used": turn.Metadata.TokensUsed,
		"retries":     retries,
		"outcomes":    len(outcomes),
	})
	if res.paused {
		s.audit(ctx, domain.EntityRun, runID, domain.AuditRunPausedForReview, systemActor, map[string]interface{}{
			"step_index": stepIndex,
			"reasons":    res.reasons,
		})
		s.settleSimulation(ctx, run.SimulationID, domain.SimulationStatusPaused)
	} else if resumed && run.Status == domain.RunStatusInProgress {
		s.settleSimulation(ctx, run.SimulationID, domain.SimulationStatusRunning)
	}
	if run.Status == domain.RunStatusCompleted {
		s.audit(ctx, domain.EntityRun, runID, domain.AuditRunCompleted, systemActor, map[string]interface{}{
			"steps":            run.CurrentStep,
			"converged":        run.Converged,
			"converged_reason": run.ConvergedReason,
		})
		s.settleSimulation(ctx, run.SimulationID, domain.SimulationStatusCompleted)
	}
	return run, res, nil
}

func buildTurn(run *domain.SimulationRun, agent domain.AgentDefinition, stepIndex int, resp generation.TurnResponse, retries int, guidance string, now time.Time) *domain.ScenarioTurn {
	sentiment := scoreSentiment(resp.Content)
	if resp.Sentiment != nil {
		sentiment = clamp(*resp.Sentiment, -1, 1)
	}
	risk := scoreRisk(resp.Content)
	if resp.RiskSignal != nil {
		risk = clamp(*resp.RiskSignal, 0, 1)
	}
	channel := resp.Channel
	if channel == "" {
		channel = defaultChannel(agent.RoleType)
	}
	return &domain.ScenarioTurn{
		TurnID:    "turn_" + uuid.New().String()[:8],
		RunID:     run.RunID,
		StepIndex: stepIndex,
		AgentID:   agent.AgentID,
		AgentKey:  agent.AgentKey,
		RoleType:  agent.RoleType,
		Channel:   channel,
		Content:   strings.TrimSpace(resp.Content),
		Metadata: domain.TurnMetadata{
			TokensUsed:  resp.TokensUsed,
			Sentiment:   sentiment,
			RiskSignal:  risk,
			Model:       resp.Model,
			DurationMs:  resp.Duration.Milliseconds(),
			Retries:     retries,
			GeneratedAt: now,
		},
		UserGuidance: guidance,
		CreatedAt:    now,
	}
}

func defaultChannel(role domain.RoleType) domain.Channel {
	switch role {
	case domain.RoleJournalist:
		return domain.ChannelPress
	case domain.RoleInvestor, domain.RoleAnalyst:
		return domain.ChannelInvestorCall
	case domain.RoleRegulator:
		return domain.ChannelRegulatoryFiling
	case domain.RoleEmployee:
		return domain.ChannelInternal
	case domain.RoleCustomer, domain.RoleActivist:
		return domain.ChannelSocial
	}
	return domain.ChannelDirect
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// generateTurn calls the generation service under the simulation's fixed-delay
// retry policy and reports how many retries it took.
func (s *Service) generateTurn(ctx context.Context, run *domain.SimulationRun, cfg domain.SimulationConfig, req generation.TurnRequest) (generation.TurnResponse, int, error) {
	retries := 0
	op := func() (generation.TurnResponse, error) {
		resp, err := s.generator.GenerateTurn(ctx, req)
		if err != nil {
			if !generation.IsRetryable(err) {
				return resp, backoff.Permanent(err)
			}
			return resp, err
		}
		if strings.TrimSpace(resp.Content) == "" {
			return resp, generation.NewError(generation.KindMalformedResponse, "empty turn content", nil)
		}
		return resp, nil
	}
	notify := func(err error, next time.Duration) {
		retries++
		slog.WarnContext(ctx, "generation failed, retrying",
			"run_id", run.RunID, "step_index", req.StepIndex, "attempt", retries, "backoff", next, "error", err)
		s.audit(ctx, domain.EntityRun, run.RunID, domain.AuditRunGenerationRetry, systemActor, map[string]interface{}{
			"step_index": req.StepIndex,
			"attempt":    retries,
			"error":      err.Error(),
		})
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(time.Duration(cfg.BackoffMs)*time.Millisecond)),
		backoff.WithMaxTries(uint(cfg.RetryCount+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return resp, retries, err
}

// failRun records a terminal generation failure on the run.
func (s *Service) failRun(ctx context.Context, run *domain.SimulationRun, retries int, cause error) (*domain.SimulationRun, error) {
	now := s.now()
	run.Status = domain.RunStatusFailed
	run.LastError = cause.Error()
	run.RetryCount += retries
	run.AwaitingReview = false
	run.EndedAt = &now
	run.UpdatedAt = now
	if err := s.store.UpdateSimulationRun(ctx, run); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			if latest, getErr := s.store.GetSimulationRun(ctx, run.RunID); getErr == nil && latest != nil && latest.Status.IsTerminal() {
				return nil, &domain.InvalidStateError{Entity: domain.EntityRun, ID: run.RunID, Status: string(latest.Status), Operation: "step"}
			}
		}
		return nil, fmt.Errorf("failed to record run failure: %w", err)
	}

	var genErr *generation.Error
	kind := ""
	if errors.As(cause, &genErr) {
		kind = string(genErr.Kind)
	}
	slog.ErrorContext(ctx, "run failed", "run_id", run.RunID, "step_index", run.CurrentStep+1, "kind", kind, "error", cause)
	s.audit(ctx, domain.EntityRun, run.RunID, domain.AuditRunFailed, systemActor, map[string]interface{}{
		"error":   run.LastError,
		"kind":    kind,
		"retries": retries,
	})
	s.settleSimulation(ctx, run.SimulationID, domain.SimulationStatusFailed)
	return run, nil
}

// reviewDecision asks the review gate whether the run should wait for a human.
// Gate failures pause the run.
func (s *Service) reviewDecision(ctx context.Context, turn *domain.ScenarioTurn, outcomes []domain.ScenarioOutcome) policy.Decision {
	if s.policyEngine == nil {
		for _, o := range outcomes {
			if o.Type == domain.OutcomeRisk && o.RiskLevel.Rank() >= domain.RiskHigh.Rank() {
				return policy.Decision{Action: policy.ActionPause, Reasons: []string{"outcome risk " + string(o.RiskLevel)}}
			}
		}
		return policy.Decision{Action: policy.ActionContinue}
	}

	decision, err := s.policyEngine.Evaluate(ctx, policy.ReviewInput{
		PauseOnHighRisk: true,
		StepIndex:       turn.StepIndex,
		RoleType:        turn.RoleType,
		RiskSignal:      turn.Metadata.RiskSignal,
		Outcomes:        outcomes,
	})
	if err != nil {
		slog.ErrorContext(ctx, "review gate evaluation failed", "run_id", turn.RunID, "error", err)
		return policy.Decision{Action: policy.ActionPause, Reasons: []string{"review gate unavailable"}}
	}
	return decision
}
