// Package registry holds the per-simulation agent definitions used by the run stepper.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
	"github.com/xiaot623/gogo/scenarios/internal/repository"
)

// Registry caches agent definitions keyed by simulation, backed by the store.
type Registry struct {
	store store.Store

	mu     sync.RWMutex
	agents map[string][]domain.AgentDefinition
	locked map[string]bool
}

// New creates a registry over the given store.
func New(s store.Store) *Registry {
	return &Registry{
		store:  s,
		agents: make(map[string][]domain.AgentDefinition),
		locked: make(map[string]bool),
	}
}

// Define adds an agent to a simulation. Keys are unique per simulation and the
// roster is frozen once the simulation has started a run.
func (r *Registry) Define(ctx context.Context, simulationID string, req domain.DefineAgentRequest) (*domain.AgentDefinition, error) {
	key := strings.TrimSpace(req.AgentKey)
	if key == "" {
		return nil, domain.NewValidationError("agent_key", "is required")
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, domain.NewValidationError("name", "is required")
	}
	if !req.RoleType.Valid() {
		return nil, domain.NewValidationError("role_type", "unknown role type %q", req.RoleType)
	}
	if a := req.Behavior.Aggressiveness; a < 0 || a > 1 {
		return nil, domain.NewValidationError("behavior.aggressiveness", "must be within [0,1]")
	}

	locked, err := r.Locked(ctx, simulationID)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, &domain.InvalidStateError{
			Entity:    domain.EntitySimulation,
			ID:        simulationID,
			Status:    "started",
			Operation: "define agent for",
		}
	}

	existing, err := r.List(ctx, simulationID)
	if err != nil {
		return nil, err
	}
	for _, a := range existing {
		if a.AgentKey == key {
			return nil, domain.NewValidationError("agent_key", "%q is already defined", key)
		}
	}

	now := time.Now()
	agent := &domain.AgentDefinition{
		AgentID:      "agent_" + uuid.New().String()[:8],
		SimulationID: simulationID,
		AgentKey:     key,
		Name:         req.Name,
		RoleType:     req.RoleType,
		PersonaRef:   req.PersonaRef,
		Behavior:     Preset(req.RoleType).Merge(req.Behavior),
		Endpoint:     req.Endpoint,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.CreateAgentDefinition(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}
	r.invalidate(simulationID)
	return agent, nil
}

// SetActive toggles an agent. It is allowed at any time, including mid-run.
func (r *Registry) SetActive(ctx context.Context, simulationID, agentKey string, active bool) (*domain.AgentDefinition, error) {
	agents, err := r.List(ctx, simulationID)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if a.AgentKey != agentKey {
			continue
		}
		if err := r.store.UpdateAgentActive(ctx, a.AgentID, active); err != nil {
			return nil, fmt.Errorf("failed to update agent: %w", err)
		}
		r.invalidate(simulationID)
		a.IsActive = active
		return &a, nil
	}
	return nil, fmt.Errorf("agent %s: %w", agentKey, domain.ErrNotFound)
}

// List returns all agents of a simulation in definition order.
func (r *Registry) List(ctx context.Context, simulationID string) ([]domain.AgentDefinition, error) {
	r.mu.RLock()
	cached, ok := r.agents[simulationID]
	r.mu.RUnlock()
	if ok {
		return append([]domain.AgentDefinition(nil), cached...), nil
	}

	agents, err := r.store.ListAgentDefinitions(ctx, simulationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	r.mu.Lock()
	r.agents[simulationID] = agents
	r.mu.Unlock()
	return append([]domain.AgentDefinition(nil), agents...), nil
}

// Active returns the active agents of a simulation, restricted to keys when
// keys is non-empty. Unknown keys are rejected.
func (r *Registry) Active(ctx context.Context, simulationID string, keys []string) ([]domain.AgentDefinition, error) {
	agents, err := r.List(ctx, simulationID)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	if len(keys) > 0 {
		known := make(map[string]bool, len(agents))
		for _, a := range agents {
			known[a.AgentKey] = true
		}
		for _, k := range keys {
			if !known[k] {
				return nil, domain.NewValidationError("agent_keys", "unknown agent %q", k)
			}
		}
	}

	var out []domain.AgentDefinition
	for _, a := range agents {
		if !a.IsActive {
			continue
		}
		if len(want) > 0 && !want[a.AgentKey] {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Lock freezes the roster of a simulation.
func (r *Registry) Lock(simulationID string) {
	r.mu.Lock()
	r.locked[simulationID] = true
	r.mu.Unlock()
}

// Locked reports whether the simulation has started a run.
func (r *Registry) Locked(ctx context.Context, simulationID string) (bool, error) {
	r.mu.RLock()
	locked := r.locked[simulationID]
	r.mu.RUnlock()
	if locked {
		return true, nil
	}
	next, err := r.store.NextRunNumber(ctx, simulationID)
	if err != nil {
		return false, fmt.Errorf("failed to check runs: %w", err)
	}
	if next > 1 {
		r.Lock(simulationID)
		return true, nil
	}
	return false, nil
}

func (r *Registry) invalidate(simulationID string) {
	r.mu.Lock()
	delete(r.agents, simulationID)
	r.mu.Unlock()
}

// Next picks the speaker after lastSpeaker in round-robin order. With skip set,
// the agent next in rotation is passed over. It returns false when agents is empty.
func Next(agents []domain.AgentDefinition, lastSpeaker string, skip bool) (domain.AgentDefinition, bool) {
	n := len(agents)
	if n == 0 {
		return domain.AgentDefinition{}, false
	}
	idx := -1
	for i, a := range agents {
		if a.AgentKey == lastSpeaker {
			idx = i
			break
		}
	}
	next := (idx + 1) % n
	if skip && n > 1 {
		next = (next + 1) % n
	}
	return agents[next], true
}

// Find returns the agent with the given ID or key.
func Find(agents []domain.AgentDefinition, idOrKey string) (domain.AgentDefinition, bool) {
	for _, a := range agents {
		if a.AgentID == idOrKey || a.AgentKey == idOrKey {
			return a, true
		}
	}
	return domain.AgentDefinition{}, false
}

// EffectiveBehavior overlays the simulation's per-agent override onto the agent's behavior.
func EffectiveBehavior(agent domain.AgentDefinition, overrides map[string]domain.BehaviorConfig) domain.BehaviorConfig {
	if o, ok := overrides[agent.AgentKey]; ok {
		return agent.Behavior.Merge(o)
	}
	return agent.Behavior
}
