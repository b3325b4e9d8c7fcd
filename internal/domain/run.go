package domain

import (
	"encoding/json"
	"time"
)

// SimulationRun represents one stepped execution of a simulation.
type SimulationRun struct {
	RunID           string                 `json:"run_id"`
	SimulationID    string                 `json:"simulation_id"`
	SuiteRunItemID  string                 `json:"suite_run_item_id,omitempty"`
	RunNumber       int                    `json:"run_number"`
	Status          RunStatus              `json:"status"`
	CurrentStep     int                    `json:"current_step"`
	MaxSteps        int                    `json:"max_steps"`
	NextStepAt      *time.Time             `json:"next_step_at,omitempty"`
	TotalSteps      int                    `json:"total_steps"`
	Converged       bool                   `json:"converged"`
	ConvergedReason string                 `json:"converged_reason,omitempty"`
	AwaitingReview  bool                   `json:"awaiting_review"`
	PendingGuidance string                 `json:"pending_guidance,omitempty"`
	LastSpeakerKey  string                 `json:"last_speaker_key,omitempty"`
	LastError       string                 `json:"last_error,omitempty"`
	RetryCount      int                    `json:"retry_count"`
	AgentKeys       []string               `json:"agent_keys,omitempty"`
	SeedSources     []string               `json:"seed_sources,omitempty"`
	Snapshot        ContextSnapshot        `json:"snapshot"`
	Criteria        []ConvergenceCriterion `json:"convergence_criteria,omitempty"`
	Version         int64                  `json:"version"`
	StartedAt       time.Time              `json:"started_at"`
	EndedAt         *time.Time             `json:"ended_at,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// ContextSnapshot is the ambient intelligence captured once when a run starts.
// It is passed by value into every step and only replaced by an explicit refresh.
type ContextSnapshot struct {
	Risk        json.RawMessage `json:"risk,omitempty"`
	Graph       json.RawMessage `json:"graph,omitempty"`
	Narrative   json.RawMessage `json:"narrative,omitempty"`
	Competitive json.RawMessage `json:"competitive,omitempty"`
	Reputation  json.RawMessage `json:"reputation,omitempty"`
	Crisis      json.RawMessage `json:"crisis,omitempty"`
	CapturedAt  time.Time       `json:"captured_at"`
}

// Clone returns a deep copy so callers cannot mutate a stored snapshot.
func (s ContextSnapshot) Clone() ContextSnapshot {
	cp := func(b json.RawMessage) json.RawMessage {
		if b == nil {
			return nil
		}
		return append(json.RawMessage(nil), b...)
	}
	return ContextSnapshot{
		Risk:        cp(s.Risk),
		Graph:       cp(s.Graph),
		Narrative:   cp(s.Narrative),
		Competitive: cp(s.Competitive),
		Reputation:  cp(s.Reputation),
		Crisis:      cp(s.Crisis),
		CapturedAt:  s.CapturedAt,
	}
}

// ScenarioTurn is one agent contribution at a given step.
type ScenarioTurn struct {
	TurnID       string       `json:"turn_id"`
	RunID        string       `json:"run_id"`
	StepIndex    int          `json:"step_index"`
	AgentID      string       `json:"agent_id"`
	AgentKey     string       `json:"agent_key"`
	RoleType     RoleType     `json:"role_type"`
	Channel      Channel      `json:"channel"`
	Content      string       `json:"content"`
	Metadata     TurnMetadata `json:"metadata"`
	UserGuidance string       `json:"user_guidance,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// TurnMetadata records generation facts for a turn.
type TurnMetadata struct {
	TokensUsed  int       `json:"tokens_used"`
	Sentiment   float64   `json:"sentiment"`
	RiskSignal  float64   `json:"risk_signal"`
	Model       string    `json:"model,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	Retries     int       `json:"retries"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ScenarioOutcome is a derived risk/opportunity/neutral finding of a run.
type ScenarioOutcome struct {
	OutcomeID          string      `json:"outcome_id"`
	RunID              string      `json:"run_id"`
	StepIndex          int         `json:"step_index"`
	Type               OutcomeType `json:"type"`
	RiskLevel          RiskLevel   `json:"risk_level"`
	Severity           float64     `json:"severity"`
	Title              string      `json:"title"`
	Description        string      `json:"description,omitempty"`
	RecommendedActions []string    `json:"recommended_actions,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
}

// ConvergenceKind names a run-level stopping predicate.
type ConvergenceKind string

const (
	ConvergeSentimentStable ConvergenceKind = "sentiment_stable"
	ConvergeConsensus       ConvergenceKind = "consensus"
	ConvergeKeyword         ConvergenceKind = "keyword"
	ConvergeRiskResolved    ConvergenceKind = "risk_resolved"
	ConvergeRepetition      ConvergenceKind = "repetition"
	ConvergeAllAgentsSpoken ConvergenceKind = "all_agents_spoken"
)

// ConvergenceCriterion is one named predicate over the turn history.
type ConvergenceCriterion struct {
	Kind      ConvergenceKind `json:"kind"`
	Window    int             `json:"window,omitempty"`
	Threshold float64         `json:"threshold,omitempty"`
	Keyword   string          `json:"keyword,omitempty"`
}

// RunFeedback is human input posted against a run under review.
type RunFeedback struct {
	Actor   string `json:"actor"`
	Message string `json:"message"`
	Resume  bool   `json:"resume"`
}
