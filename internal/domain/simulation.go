package domain

import "time"

// Simulation is a reusable scenario definition.
type Simulation struct {
	SimulationID  string           `json:"simulation_id"`
	OrgID         string           `json:"org_id"`
	Name          string           `json:"name"`
	Description   string           `json:"description,omitempty"`
	ObjectiveType ObjectiveType    `json:"objective_type"`
	Mode          SimulationMode   `json:"mode"`
	Status        SimulationStatus `json:"status"`
	Config        SimulationConfig `json:"config"`
	CreatedBy     string           `json:"created_by"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// SimulationConfig carries the execution defaults of a simulation.
type SimulationConfig struct {
	TimeHorizonDays     int                       `json:"time_horizon_days,omitempty"`
	MaxSteps            int                       `json:"max_steps"`
	Temperature         float64                   `json:"temperature,omitempty"`
	Model               string                    `json:"model,omitempty"`
	AgentOverrides      map[string]BehaviorConfig `json:"agent_overrides,omitempty"`
	RetryCount          int                       `json:"retry_count"`
	BackoffMs           int                       `json:"backoff_ms"`
	ConvergenceCriteria []ConvergenceCriterion    `json:"convergence_criteria,omitempty"`
}

// Default simulation execution settings.
const (
	DefaultMaxSteps   = 10
	MaxAllowedSteps   = 200
	DefaultRetryCount = 2
	DefaultBackoffMs  = 500
)

// WithDefaults fills zero-valued fields.
func (c SimulationConfig) WithDefaults() SimulationConfig {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.BackoffMs <= 0 {
		c.BackoffMs = DefaultBackoffMs
	}
	return c
}

// ResponseLength hints how verbose an agent should be.
type ResponseLength string

const (
	ResponseShort  ResponseLength = "short"
	ResponseMedium ResponseLength = "medium"
	ResponseLong   ResponseLength = "long"
)

// BehaviorConfig shapes how an agent speaks.
type BehaviorConfig struct {
	Tone           string         `json:"tone,omitempty"`
	Priorities     []string       `json:"priorities,omitempty"`
	Constraints    []string       `json:"constraints,omitempty"`
	ResponseLength ResponseLength `json:"response_length,omitempty"`
	Aggressiveness float64        `json:"aggressiveness"`
}

// Merge overlays non-zero fields of o onto b.
func (b BehaviorConfig) Merge(o BehaviorConfig) BehaviorConfig {
	if o.Tone != "" {
		b.Tone = o.Tone
	}
	if len(o.Priorities) > 0 {
		b.Priorities = o.Priorities
	}
	if len(o.Constraints) > 0 {
		b.Constraints = o.Constraints
	}
	if o.ResponseLength != "" {
		b.ResponseLength = o.ResponseLength
	}
	if o.Aggressiveness != 0 {
		b.Aggressiveness = o.Aggressiveness
	}
	return b
}

// AgentDefinition is one persona participating in a simulation.
type AgentDefinition struct {
	AgentID      string         `json:"agent_id"`
	SimulationID string         `json:"simulation_id"`
	AgentKey     string         `json:"agent_key"`
	Name         string         `json:"name"`
	RoleType     RoleType       `json:"role_type"`
	PersonaRef   string         `json:"persona_ref,omitempty"`
	Behavior     BehaviorConfig `json:"behavior"`
	Endpoint     string         `json:"endpoint,omitempty"`
	IsActive     bool           `json:"is_active"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
