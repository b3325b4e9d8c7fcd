package domain

import "encoding/json"

// CreateSimulationRequest represents the request to author a simulation.
type CreateSimulationRequest struct {
	OrgID         string           `json:"org_id"`
	Name          string           `json:"name"`
	Description   string           `json:"description,omitempty"`
	ObjectiveType ObjectiveType    `json:"objective_type"`
	Mode          SimulationMode   `json:"mode"`
	Config        SimulationConfig `json:"config"`
	CreatedBy     string           `json:"created_by,omitempty"`
}

// UpdateSimulationRequest patches a simulation. Nil fields are left unchanged.
type UpdateSimulationRequest struct {
	Name        *string           `json:"name,omitempty"`
	Description *string           `json:"description,omitempty"`
	Config      *SimulationConfig `json:"config,omitempty"`
	Actor       string            `json:"actor,omitempty"`
}

// DefineAgentRequest represents the request to add an agent to a simulation.
type DefineAgentRequest struct {
	AgentKey   string         `json:"agent_key"`
	Name       string         `json:"name"`
	RoleType   RoleType       `json:"role_type"`
	PersonaRef string         `json:"persona_ref,omitempty"`
	Behavior   BehaviorConfig `json:"behavior"`
	Endpoint   string         `json:"endpoint,omitempty"`
	Actor      string         `json:"actor,omitempty"`
}

// StartRunRequest represents the request to start a simulation run.
type StartRunRequest struct {
	SimulationID   string                 `json:"simulation_id"`
	AgentKeys      []string               `json:"agent_keys,omitempty"`
	SeedSources    []string               `json:"seed_sources,omitempty"`
	MaxSteps       int                    `json:"max_steps,omitempty"`
	Criteria       []ConvergenceCriterion `json:"convergence_criteria,omitempty"`
	SeedContext    json.RawMessage        `json:"seed_context,omitempty"`
	SuiteRunItemID string                 `json:"suite_run_item_id,omitempty"`
	Actor          string                 `json:"actor,omitempty"`
}

// StepOptions tunes a single step.
type StepOptions struct {
	AgentID      string `json:"agent_id,omitempty"`
	UserGuidance string `json:"user_guidance,omitempty"`
	SkipAgent    bool   `json:"skip_agent,omitempty"`
}

// RunUntilOptions tunes run-until-converged.
type RunUntilOptions struct {
	MaxSteps            int                    `json:"max_steps,omitempty"`
	ConvergenceCriteria []ConvergenceCriterion `json:"convergence_criteria,omitempty"`
	PauseOnHighRisk     bool                   `json:"pause_on_high_risk,omitempty"`
}

// AbortRequest carries a cancellation reason.
type AbortRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor,omitempty"`
}

// CreateSuiteRequest represents the request to author a suite.
type CreateSuiteRequest struct {
	OrgID       string      `json:"org_id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Config      SuiteConfig `json:"config"`
	CreatedBy   string      `json:"created_by,omitempty"`
}

// UpdateSuiteRequest patches a suite. Nil fields are left unchanged.
type UpdateSuiteRequest struct {
	Name        *string      `json:"name,omitempty"`
	Description *string      `json:"description,omitempty"`
	Config      *SuiteConfig `json:"config,omitempty"`
	Actor       string       `json:"actor,omitempty"`
}

// AddSuiteItemRequest represents the request to append an item to a suite.
type AddSuiteItemRequest struct {
	SimulationID    string            `json:"simulation_id"`
	Label           string            `json:"label,omitempty"`
	OrderIndex      int               `json:"order_index"`
	DependsOnItemID string            `json:"depends_on_item_id,omitempty"`
	Condition       *TriggerCondition `json:"trigger_condition,omitempty"`
	Override        ExecutionOverride `json:"execution_override"`
	Actor           string            `json:"actor,omitempty"`
}

// StartSuiteRunRequest represents the request to start a suite run.
type StartSuiteRunRequest struct {
	RunLabel         string          `json:"run_label,omitempty"`
	SeedContext      json.RawMessage `json:"seed_context,omitempty"`
	StartImmediately bool            `json:"start_immediately,omitempty"`
	Actor            string          `json:"actor,omitempty"`
}

// AdvanceOptions tunes a single advance of a suite run.
type AdvanceOptions struct {
	MaxItems           int  `json:"max_items,omitempty"`
	SkipConditionCheck bool `json:"skip_condition_check,omitempty"`
}
