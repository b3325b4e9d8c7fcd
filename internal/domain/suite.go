package domain

import (
	"encoding/json"
	"time"
)

// ScenarioSuite is a named, ordered collection of suite items.
type ScenarioSuite struct {
	SuiteID     string      `json:"suite_id"`
	OrgID       string      `json:"org_id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Status      SuiteStatus `json:"status"`
	Config      SuiteConfig `json:"config"`
	CreatedBy   string      `json:"created_by"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// SuiteConfig holds scheduling policy for a suite.
type SuiteConfig struct {
	MaxConcurrentSimulations int                  `json:"max_concurrent_simulations"`
	StopOnFailure            *bool                `json:"stop_on_failure,omitempty"`
	TimeoutSeconds           int                  `json:"timeout_seconds,omitempty"`
	RetryPolicy              RetryPolicy          `json:"retry_policy"`
	Notifications            NotificationSettings `json:"notifications"`
}

// Suite scheduling bounds.
const (
	DefaultMaxConcurrent = 1
	MaxConcurrentLimit   = 10
)

// StopsOnFailure reports the effective stop-on-failure setting (default true).
func (c SuiteConfig) StopsOnFailure() bool {
	return c.StopOnFailure == nil || *c.StopOnFailure
}

// ConcurrencyCap returns the effective cap on running items.
func (c SuiteConfig) ConcurrencyCap() int {
	if c.MaxConcurrentSimulations <= 0 {
		return DefaultMaxConcurrent
	}
	if c.MaxConcurrentSimulations > MaxConcurrentLimit {
		return MaxConcurrentLimit
	}
	return c.MaxConcurrentSimulations
}

// Timeout returns the suite run deadline duration, zero meaning none.
func (c SuiteConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryPolicy is the fixed-delay retry applied to generation calls.
type RetryPolicy struct {
	MaxRetries int `json:"max_retries"`
	BackoffMs  int `json:"backoff_ms"`
}

// NotificationSettings records who should hear about suite results.
type NotificationSettings struct {
	OnComplete bool     `json:"on_complete"`
	OnFailure  bool     `json:"on_failure"`
	Channels   []string `json:"channels,omitempty"`
}

// SuiteItem is one node of the suite dependency chain.
type SuiteItem struct {
	ItemID          string            `json:"item_id"`
	SuiteID         string            `json:"suite_id"`
	SimulationID    string            `json:"simulation_id"`
	Label           string            `json:"label,omitempty"`
	OrderIndex      int               `json:"order_index"`
	DependsOnItemID string            `json:"depends_on_item_id,omitempty"`
	Condition       TriggerCondition  `json:"trigger_condition"`
	Override        ExecutionOverride `json:"execution_override"`
	CreatedAt       time.Time         `json:"created_at"`
}

// ExecutionOverride adjusts how the item's simulation run executes.
type ExecutionOverride struct {
	MaxSteps            int                    `json:"max_steps,omitempty"`
	ConvergenceCriteria []ConvergenceCriterion `json:"convergence_criteria,omitempty"`
	PauseOnHighRisk     bool                   `json:"pause_on_high_risk,omitempty"`
	AgentKeys           []string               `json:"agent_keys,omitempty"`
}

// SuiteRun is one execution of a suite.
type SuiteRun struct {
	SuiteRunID   string          `json:"suite_run_id"`
	SuiteID      string          `json:"suite_id"`
	RunLabel     string          `json:"run_label,omitempty"`
	SeedContext  json.RawMessage `json:"seed_context,omitempty"`
	Status       SuiteRunStatus  `json:"status"`
	FailedItemID string          `json:"failed_item_id,omitempty"`
	AbortReason  string          `json:"abort_reason,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// SuiteRunItem tracks one suite item inside a suite run.
type SuiteRunItem struct {
	SuiteRunItemID       string             `json:"suite_run_item_id"`
	SuiteRunID           string             `json:"suite_run_id"`
	ItemID               string             `json:"item_id"`
	Status               SuiteRunItemStatus `json:"status"`
	ConditionType        ConditionType      `json:"condition_type,omitempty"`
	ConditionExplanation string             `json:"condition_explanation,omitempty"`
	SimulationRunID      string             `json:"simulation_run_id,omitempty"`
	LastError            string             `json:"last_error,omitempty"`
	StartedAt            *time.Time         `json:"started_at,omitempty"`
	EndedAt              *time.Time         `json:"ended_at,omitempty"`
}
