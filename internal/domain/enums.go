// Package domain defines the core domain models for the scenario engine.
package domain

// SimulationStatus represents the authoring lifecycle of a simulation.
type SimulationStatus string

const (
	SimulationStatusDraft      SimulationStatus = "draft"
	SimulationStatusConfigured SimulationStatus = "configured"
	SimulationStatusRunning    SimulationStatus = "running"
	SimulationStatusPaused     SimulationStatus = "paused"
	SimulationStatusCompleted  SimulationStatus = "completed"
	SimulationStatusFailed     SimulationStatus = "failed"
	SimulationStatusArchived   SimulationStatus = "archived"
)

// ObjectiveType classifies what a simulation is trying to explore.
type ObjectiveType string

const (
	ObjectiveCrisisComms       ObjectiveType = "crisis_comms"
	ObjectiveInvestorRelations ObjectiveType = "investor_relations"
	ObjectiveProductLaunch     ObjectiveType = "product_launch"
	ObjectiveRegulatory        ObjectiveType = "regulatory"
	ObjectiveReputation        ObjectiveType = "reputation"
	ObjectiveCompetitive       ObjectiveType = "competitive"
	ObjectiveCustom            ObjectiveType = "custom"
)

// Valid reports whether t is a known objective type.
func (t ObjectiveType) Valid() bool {
	switch t {
	case ObjectiveCrisisComms, ObjectiveInvestorRelations, ObjectiveProductLaunch, ObjectiveRegulatory,
		ObjectiveReputation, ObjectiveCompetitive, ObjectiveCustom:
		return true
	}
	return false
}

// SimulationMode controls how many runs a simulation is expected to produce.
type SimulationMode string

const (
	SimulationModeSingleRun SimulationMode = "single_run"
	SimulationModeMultiRun  SimulationMode = "multi_run"
	SimulationModeWhatIf    SimulationMode = "what_if"
)

// Valid reports whether m is a known mode.
func (m SimulationMode) Valid() bool {
	return m == SimulationModeSingleRun || m == SimulationModeMultiRun || m == SimulationModeWhatIf
}

// RoleType is the persona archetype of an agent.
type RoleType string

const (
	RoleExecutive  RoleType = "executive"
	RoleJournalist RoleType = "journalist"
	RoleInvestor   RoleType = "investor"
	RoleRegulator  RoleType = "regulator"
	RoleEmployee   RoleType = "employee"
	RoleCustomer   RoleType = "customer"
	RoleActivist   RoleType = "activist"
	RoleCompetitor RoleType = "competitor"
	RoleAnalyst    RoleType = "analyst"
	RoleCustom     RoleType = "custom"
)

// Valid reports whether r is a known role type.
func (r RoleType) Valid() bool {
	switch r {
	case RoleExecutive, RoleJournalist, RoleInvestor, RoleRegulator, RoleEmployee,
		RoleCustomer, RoleActivist, RoleCompetitor, RoleAnalyst, RoleCustom:
		return true
	}
	return false
}

// RunStatus represents the status of a simulation run.
type RunStatus string

const (
	RunStatusStarting   RunStatus = "starting"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusAborted    RunStatus = "aborted"
)

// IsTerminal reports whether no further steps may be taken.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusAborted:
		return true
	}
	return false
}

// Channel is the medium a turn was delivered on.
type Channel string

const (
	ChannelPress            Channel = "press"
	ChannelInternal         Channel = "internal"
	ChannelSocial           Channel = "social"
	ChannelInvestorCall     Channel = "investor_call"
	ChannelRegulatoryFiling Channel = "regulatory_filing"
	ChannelDirect           Channel = "direct"
)

// OutcomeType classifies a derived finding.
type OutcomeType string

const (
	OutcomeRisk        OutcomeType = "risk"
	OutcomeOpportunity OutcomeType = "opportunity"
	OutcomeNeutral     OutcomeType = "neutral"
)

// SuiteStatus represents the authoring lifecycle of a suite.
type SuiteStatus string

const (
	SuiteStatusDraft      SuiteStatus = "draft"
	SuiteStatusConfigured SuiteStatus = "configured"
	SuiteStatusRunning    SuiteStatus = "running"
	SuiteStatusCompleted  SuiteStatus = "completed"
	SuiteStatusFailed     SuiteStatus = "failed"
	SuiteStatusArchived   SuiteStatus = "archived"
)

// SuiteRunStatus represents the status of one suite execution.
type SuiteRunStatus string

const (
	SuiteRunStatusStarting   SuiteRunStatus = "starting"
	SuiteRunStatusInProgress SuiteRunStatus = "in_progress"
	SuiteRunStatusCompleted  SuiteRunStatus = "completed"
	SuiteRunStatusFailed     SuiteRunStatus = "failed"
	SuiteRunStatusAborted    SuiteRunStatus = "aborted"
)

// IsTerminal reports whether the suite run has finished.
func (s SuiteRunStatus) IsTerminal() bool {
	switch s {
	case SuiteRunStatusCompleted, SuiteRunStatusFailed, SuiteRunStatusAborted:
		return true
	}
	return false
}

// SuiteRunItemStatus represents the status of one item within a suite run.
type SuiteRunItemStatus string

const (
	ItemStatusPending        SuiteRunItemStatus = "pending"
	ItemStatusConditionMet   SuiteRunItemStatus = "condition_met"
	ItemStatusConditionUnmet SuiteRunItemStatus = "condition_unmet"
	ItemStatusRunning        SuiteRunItemStatus = "running"
	ItemStatusCompleted      SuiteRunItemStatus = "completed"
	ItemStatusFailed         SuiteRunItemStatus = "failed"
	ItemStatusSkipped        SuiteRunItemStatus = "skipped"
)

// IsTerminal reports whether the item will not change status again.
func (s SuiteRunItemStatus) IsTerminal() bool {
	switch s {
	case ItemStatusCompleted, ItemStatusFailed, ItemStatusSkipped, ItemStatusConditionUnmet:
		return true
	}
	return false
}

// SatisfiesDependency reports whether a child depending on an item in this
// status may be dispatched. condition_unmet means "does not apply", not failure.
func (s SuiteRunItemStatus) SatisfiesDependency() bool {
	return s == ItemStatusCompleted || s == ItemStatusConditionUnmet
}

// EntityType identifies what an audit entry refers to.
type EntityType string

const (
	EntitySimulation EntityType = "simulation"
	EntityRun        EntityType = "run"
	EntitySuite      EntityType = "suite"
	EntitySuiteRun   EntityType = "suite_run"
)

// AuditEventType represents the type of an audit log entry.
type AuditEventType string

const (
	AuditSimulationCreated  AuditEventType = "simulation_created"
	AuditSimulationUpdated  AuditEventType = "simulation_updated"
	AuditSimulationArchived AuditEventType = "simulation_archived"
	AuditAgentDefined       AuditEventType = "agent_defined"
	AuditAgentToggled       AuditEventType = "agent_toggled"

	AuditRunStarted          AuditEventType = "run_started"
	AuditRunStepCompleted    AuditEventType = "run_step_completed"
	AuditRunGenerationRetry  AuditEventType = "run_generation_retry"
	AuditRunCompleted        AuditEventType = "run_completed"
	AuditRunFailed           AuditEventType = "run_failed"
	AuditRunAborted          AuditEventType = "run_aborted"
	AuditRunPausedForReview  AuditEventType = "run_paused_for_review"
	AuditRunFeedback         AuditEventType = "run_feedback"
	AuditRunContextRefreshed AuditEventType = "run_context_refreshed"

	AuditSuiteCreated   AuditEventType = "suite_created"
	AuditSuiteUpdated   AuditEventType = "suite_updated"
	AuditSuiteArchived  AuditEventType = "suite_archived"
	AuditSuiteItemAdded AuditEventType = "suite_item_added"

	AuditSuiteRunStarted    AuditEventType = "suite_run_started"
	AuditSuiteRunAdvanced   AuditEventType = "suite_run_advanced"
	AuditSuiteItemStatus    AuditEventType = "suite_item_status"
	AuditConditionEvaluated AuditEventType = "condition_evaluated"
	AuditSuiteRunCompleted  AuditEventType = "suite_run_completed"
	AuditSuiteRunFailed     AuditEventType = "suite_run_failed"
	AuditSuiteRunAborted    AuditEventType = "suite_run_aborted"
	AuditSuiteRunTimedOut   AuditEventType = "suite_run_timed_out"
)
