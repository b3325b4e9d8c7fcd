package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

// Manifest declares a suite and the simulations it orchestrates. Fields carry
// the API's JSON names so YAML and JSON manifests read the same.
type Manifest struct {
	OrgID       string           `json:"org_id"`
	Actor       string           `json:"actor"`
	Simulations []SimulationSpec `json:"simulations"`
	Suite       *SuiteSpec       `json:"suite"`
}

// SimulationSpec is a simulation plus its roster. Key names it inside the
// manifest only.
type SimulationSpec struct {
	Key string `json:"key"`
	domain.CreateSimulationRequest
	Agents []domain.DefineAgentRequest `json:"agents"`
}

type SuiteSpec struct {
	domain.CreateSuiteRequest
	Items []ItemSpec `json:"items"`
}

// ItemSpec references its simulation by manifest key (or by an existing
// simulation ID) and its dependency by an earlier item's key.
type ItemSpec struct {
	Key        string `json:"key"`
	Simulation string `json:"simulation"`
	DependsOn  string `json:"depends_on"`
	domain.AddSuiteItemRequest
}

// Applied maps manifest keys to the IDs the engine assigned.
type Applied struct {
	Simulations map[string]string `json:"simulations"`
	SuiteID     string            `json:"suite_id,omitempty"`
	Items       map[string]string `json:"items,omitempty"`
}

// LoadManifest reads a YAML (or JSON) manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes YAML into the JSON shape of the API types, so that
// trigger conditions decode through their own tagged-union logic.
func ParseManifest(data []byte) (*Manifest, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("manifest is not representable as JSON: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks manifest-local references. Field-level validation is left to
// the engine.
func (m *Manifest) Validate() error {
	keys := make(map[string]bool, len(m.Simulations))
	for i, sim := range m.Simulations {
		if sim.Key == "" {
			return fmt.Errorf("simulations[%d]: key is required", i)
		}
		if keys[sim.Key] {
			return fmt.Errorf("simulations[%d]: duplicate key %q", i, sim.Key)
		}
		keys[sim.Key] = true
	}
	if m.Suite == nil {
		return nil
	}
	items := make(map[string]bool, len(m.Suite.Items))
	for i, item := range m.Suite.Items {
		if item.Simulation == "" && item.SimulationID == "" {
			return fmt.Errorf("suite.items[%d]: simulation is required", i)
		}
		if item.DependsOn != "" && !items[item.DependsOn] {
			return fmt.Errorf("suite.items[%d]: depends_on %q must name an earlier item", i, item.DependsOn)
		}
		if item.Key != "" {
			if items[item.Key] {
				return fmt.Errorf("suite.items[%d]: duplicate key %q", i, item.Key)
			}
			items[item.Key] = true
		}
	}
	return nil
}

// Apply creates every simulation, agent, suite and item in manifest order.
// It is not transactional: on error, entities created so far remain.
func Apply(ctx context.Context, c *Client, m *Manifest) (*Applied, error) {
	out := &Applied{Simulations: map[string]string{}}

	for _, spec := range m.Simulations {
		req := spec.CreateSimulationRequest
		if req.OrgID == "" {
			req.OrgID = m.OrgID
		}
		if req.CreatedBy == "" {
			req.CreatedBy = m.Actor
		}
		sim, err := c.CreateSimulation(ctx, req)
		if err != nil {
			return out, err
		}
		out.Simulations[spec.Key] = sim.SimulationID

		for _, agent := range spec.Agents {
			if agent.Actor == "" {
				agent.Actor = m.Actor
			}
			if _, err := c.DefineAgent(ctx, sim.SimulationID, agent); err != nil {
				return out, err
			}
		}
	}

	if m.Suite == nil {
		return out, nil
	}

	req := m.Suite.CreateSuiteRequest
	if req.OrgID == "" {
		req.OrgID = m.OrgID
	}
	if req.CreatedBy == "" {
		req.CreatedBy = m.Actor
	}
	suite, err := c.CreateSuite(ctx, req)
	if err != nil {
		return out, err
	}
	out.SuiteID = suite.SuiteID
	out.Items = map[string]string{}

	for i, spec := range m.Suite.Items {
		item := spec.AddSuiteItemRequest
		if spec.Simulation != "" {
			item.SimulationID = spec.Simulation
			if id, ok := out.Simulations[spec.Simulation]; ok {
				item.SimulationID = id
			}
		}
		if spec.DependsOn != "" {
			item.DependsOnItemID = out.Items[spec.DependsOn]
		}
		if item.Actor == "" {
			item.Actor = m.Actor
		}
		created, err := c.AddSuiteItem(ctx, suite.SuiteID, item)
		if err != nil {
			return out, fmt.Errorf("suite.items[%d]: %w", i, err)
		}
		if spec.Key != "" {
			out.Items[spec.Key] = created.ItemID
		}
	}
	return out, nil
}
