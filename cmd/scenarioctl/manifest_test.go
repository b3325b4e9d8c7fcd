package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

const drillManifest = `
org_id: org_1
simulations:
  - key: recall
    name: Recall
    objective_type: crisis_comms
    config:
      max_steps: 2
      backoff_ms: 1
    agents:
      - {agent_key: ceo, name: CEO, role_type: executive}
      - {agent_key: reporter, name: Reporter, role_type: journalist}
  - key: response
    name: Response
    objective_type: crisis_comms
    config:
      max_steps: 2
      backoff_ms: 1
    agents:
      - {agent_key: ceo, name: CEO, role_type: executive}
      - {agent_key: reporter, name: Reporter, role_type: journalist}
suite:
  name: Recall drill
  config:
    max_concurrent_simulations: 1
  items:
    - key: first
      simulation: recall
      order_index: 0
    - key: second
      simulation: response
      order_index: 1
      depends_on: first
      trigger_condition:
        type: always
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(drillManifest))
	require.NoError(t, err)

	require.Len(t, m.Simulations, 2)
	assert.Equal(t, "recall", m.Simulations[0].Key)
	assert.Equal(t, domain.ObjectiveType("crisis_comms"), m.Simulations[0].ObjectiveType)
	assert.Equal(t, 2, m.Simulations[0].Config.MaxSteps)
	assert.Len(t, m.Simulations[0].Agents, 2)

	require.NotNil(t, m.Suite)
	assert.Equal(t, 1, m.Suite.Config.MaxConcurrentSimulations)
	require.Len(t, m.Suite.Items, 2)
	assert.Equal(t, "first", m.Suite.Items[1].DependsOn)
	require.NotNil(t, m.Suite.Items[1].Condition)
	assert.Equal(t, domain.ConditionAlways, m.Suite.Items[1].Condition.Type)
}

func TestParseManifestDecodesTaggedConditions(t *testing.T) {
	m, err := ParseManifest([]byte(`
simulations:
  - {key: a, name: A, objective_type: crisis_comms}
suite:
  name: S
  items:
    - {key: one, simulation: a, order_index: 0}
    - key: two
      simulation: a
      order_index: 1
      depends_on: one
      trigger_condition:
        type: risk_threshold
        min_risk_level: high
        comparison: gte
`))
	require.NoError(t, err)
	cond := m.Suite.Items[1].Condition
	require.NotNil(t, cond)
	require.NotNil(t, cond.RiskThreshold)
	assert.Equal(t, domain.RiskLevel("high"), cond.RiskThreshold.MinRiskLevel)
	assert.Empty(t, cond.DecodeErr)
}

func TestParseManifestRejectsBadReferences(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "missing simulation key",
			doc:  "simulations:\n  - {name: A}\n",
			want: "key is required",
		},
		{
			name: "duplicate simulation key",
			doc:  "simulations:\n  - {key: a, name: A}\n  - {key: a, name: B}\n",
			want: "duplicate key",
		},
		{
			name: "item without simulation",
			doc:  "suite:\n  name: S\n  items:\n    - {key: one, order_index: 0}\n",
			want: "simulation is required",
		},
		{
			name: "forward dependency",
			doc:  "suite:\n  name: S\n  items:\n    - {key: one, simulation: x, depends_on: two}\n    - {key: two, simulation: x}\n",
			want: "must name an earlier item",
		},
		{
			name: "not yaml",
			doc:  "simulations: [",
			want: "failed to parse manifest",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
