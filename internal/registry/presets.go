package registry

import (
	"fmt"
	"sync"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

var (
	presetsMu sync.RWMutex
	presets   = make(map[domain.RoleType]domain.BehaviorConfig)
)

// RegisterPreset sets the default behavior for a role type.
func RegisterPreset(role domain.RoleType, b domain.BehaviorConfig) error {
	if !role.Valid() {
		return fmt.Errorf("unknown role type %q", role)
	}
	presetsMu.Lock()
	defer presetsMu.Unlock()
	if _, exists := presets[role]; exists {
		return fmt.Errorf("preset already registered for %s", role)
	}
	presets[role] = b
	return nil
}

// MustRegisterPreset registers a preset or panics.
func MustRegisterPreset(role domain.RoleType, b domain.BehaviorConfig) {
	if err := RegisterPreset(role, b); err != nil {
		panic(err)
	}
}

// Preset returns the default behavior of a role type; the zero value if none.
func Preset(role domain.RoleType) domain.BehaviorConfig {
	presetsMu.RLock()
	defer presetsMu.RUnlock()
	return presets[role]
}

func init() {
	MustRegisterPreset(domain.RoleExecutive, domain.BehaviorConfig{
		Tone:           "measured",
		Priorities:     []string{"protect the brand", "reassure stakeholders"},
		ResponseLength: domain.ResponseMedium,
		Aggressiveness: 0.3,
	})
	MustRegisterPreset(domain.RoleJournalist, domain.BehaviorConfig{
		Tone:           "probing",
		Priorities:     []string{"find the story", "hold leadership to account"},
		ResponseLength: domain.ResponseShort,
		Aggressiveness: 0.6,
	})
	MustRegisterPreset(domain.RoleInvestor, domain.BehaviorConfig{
		Tone:           "skeptical",
		Priorities:     []string{"protect returns", "understand exposure"},
		ResponseLength: domain.ResponseShort,
		Aggressiveness: 0.5,
	})
	MustRegisterPreset(domain.RoleRegulator, domain.BehaviorConfig{
		Tone:           "formal",
		Priorities:     []string{"public safety", "compliance"},
		Constraints:    []string{"cite the applicable rule"},
		ResponseLength: domain.ResponseMedium,
		Aggressiveness: 0.4,
	})
	MustRegisterPreset(domain.RoleActivist, domain.BehaviorConfig{
		Tone:           "urgent",
		Priorities:     []string{"mobilize the public"},
		ResponseLength: domain.ResponseShort,
		Aggressiveness: 0.8,
	})
}
