// Package schema validates request payloads against the embedded JSON Schemas
// before they are bound to domain types.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

//go:embed schemas/scenarios.schema.json
var files embed.FS

const schemaURL = "https://scenarios.schemas.local/scenarios.schema.json"

// Schema names, each a $defs entry of the embedded document.
const (
	CreateSimulation  = "create_simulation"
	SimulationConfig  = "simulation_config"
	DefineAgent       = "define_agent"
	CreateSuite       = "create_suite"
	SuiteConfig       = "suite_config"
	AddSuiteItem      = "add_suite_item"
	TriggerCondition  = "trigger_condition"
	ExecutionOverride = "execution_override"
	StartRun          = "start_run"
	StartSuiteRun     = "start_suite_run"
)

var names = []string{
	CreateSimulation, SimulationConfig, DefineAgent, CreateSuite, SuiteConfig,
	AddSuiteItem, TriggerCondition, ExecutionOverride, StartRun, StartSuiteRun,
}

// Validator holds the compiled schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles every schema.
func New() (*Validator, error) {
	doc, err := files.ReadFile("schemas/scenarios.schema.json")
	if err != nil {
		return nil, fmt.Errorf("schema load failed: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("schema load failed: %w", err)
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		compiled, err := c.Compile(schemaURL + "#/$defs/" + name)
		if err != nil {
			return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
		}
		v.schemas[name] = compiled
	}
	return v, nil
}

// Validate checks raw JSON against the named schema. Violations come back as
// *domain.ValidationError naming the offending field.
func (v *Validator) Validate(name string, raw []byte) error {
	s, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return domain.NewValidationError("", "invalid JSON: %v", err)
	}
	if err := s.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			leaf := deepest(verr)
			return domain.NewValidationError(field(leaf.InstanceLocation), "%s", leaf.Message)
		}
		return domain.NewValidationError("", "%v", err)
	}
	return nil
}

// ValidateValue marshals value and validates it.
func (v *Validator) ValidateValue(name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return domain.NewValidationError("", "cannot encode payload: %v", err)
	}
	return v.Validate(name, raw)
}

func deepest(e *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(e.Causes) > 0 {
		e = e.Causes[0]
	}
	return e
}

// field turns a JSON pointer into a dotted path.
func field(pointer string) string {
	p := strings.TrimPrefix(pointer, "/")
	return strings.ReplaceAll(p, "/", ".")
}
