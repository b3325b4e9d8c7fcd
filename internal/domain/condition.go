package domain

import (
	"encoding/json"
	"fmt"
)

// ConditionType tags the variant of a trigger condition.
type ConditionType string

const (
	ConditionAlways           ConditionType = "always"
	ConditionRiskThreshold    ConditionType = "risk_threshold"
	ConditionSentimentShift   ConditionType = "sentiment_shift"
	ConditionKeywordMatch     ConditionType = "keyword_match"
	ConditionAgentResponse    ConditionType = "agent_response"
	ConditionOutcomeMatch     ConditionType = "outcome_match"
	ConditionCustomExpression ConditionType = "custom_expression"
)

// ConditionTypes lists every known variant.
var ConditionTypes = []ConditionType{
	ConditionAlways,
	ConditionRiskThreshold,
	ConditionSentimentShift,
	ConditionKeywordMatch,
	ConditionAgentResponse,
	ConditionOutcomeMatch,
	ConditionCustomExpression,
}

// TriggerCondition is a tagged union: Type selects which variant pointer is set.
// Payloads that fail to decode keep Type and Raw but leave every variant nil,
// which the evaluator treats as malformed.
type TriggerCondition struct {
	Type             ConditionType
	RiskThreshold    *RiskThresholdCondition
	SentimentShift   *SentimentShiftCondition
	KeywordMatch     *KeywordMatchCondition
	AgentResponse    *AgentResponseCondition
	OutcomeMatch     *OutcomeMatchCondition
	CustomExpression *CustomExpressionCondition

	Raw       json.RawMessage
	DecodeErr string
}

// RiskThresholdCondition is met when the max referenced risk level compares
// true against MinRiskLevel.
type RiskThresholdCondition struct {
	MinRiskLevel  RiskLevel  `json:"min_risk_level"`
	Comparison    Comparison `json:"comparison,omitempty"`
	SourceItemIDs []string   `json:"source_item_ids,omitempty"`
}

// SentimentDirection is the sign a sentiment shift must have.
type SentimentDirection string

const (
	SentimentPositive SentimentDirection = "positive"
	SentimentNegative SentimentDirection = "negative"
)

// SentimentShiftCondition is met when the latest sentiment has the given sign
// and at least the given magnitude.
type SentimentShiftCondition struct {
	Direction SentimentDirection `json:"direction"`
	Magnitude *float64           `json:"magnitude,omitempty"`
}

// MatchMode selects any/all semantics for keyword lists.
type MatchMode string

const (
	MatchAny MatchMode = "any"
	MatchAll MatchMode = "all"
)

// KeywordMatchCondition matches keywords over turn and outcome text.
type KeywordMatchCondition struct {
	Keywords      []string  `json:"keywords"`
	MatchMode     MatchMode `json:"match_mode,omitempty"`
	CaseSensitive bool      `json:"case_sensitive,omitempty"`
}

// AgentResponseCondition inspects turns spoken by a given role.
type AgentResponseCondition struct {
	AgentRoleType      RoleType `json:"agent_role_type"`
	ContainsKeywords   []string `json:"contains_keywords,omitempty"`
	SentimentThreshold *float64 `json:"sentiment_threshold,omitempty"`
}

// OutcomeMatchCondition is met when an outcome of a type and minimum severity exists.
type OutcomeMatchCondition struct {
	OutcomeType OutcomeType `json:"outcome_type"`
	MinSeverity RiskLevel   `json:"min_severity,omitempty"`
}

// CustomExpressionCondition is a restricted boolean expression over named variables.
type CustomExpressionCondition struct {
	Expression string   `json:"expression"`
	Variables  []string `json:"variables"`
}

// Always returns the unconditional trigger.
func Always() TriggerCondition {
	return TriggerCondition{Type: ConditionAlways}
}

type conditionHeader struct {
	Type ConditionType `json:"type"`
}

// MarshalJSON flattens the active variant next to its type tag.
func (c TriggerCondition) MarshalJSON() ([]byte, error) {
	var variant any
	switch c.Type {
	case ConditionAlways:
		return json.Marshal(conditionHeader{Type: c.Type})
	case ConditionRiskThreshold:
		variant = c.RiskThreshold
	case ConditionSentimentShift:
		variant = c.SentimentShift
	case ConditionKeywordMatch:
		variant = c.KeywordMatch
	case ConditionAgentResponse:
		variant = c.AgentResponse
	case ConditionOutcomeMatch:
		variant = c.OutcomeMatch
	case ConditionCustomExpression:
		variant = c.CustomExpression
	}
	if variant == nil || isNilVariant(c) {
		if len(c.Raw) > 0 {
			return c.Raw, nil
		}
		return json.Marshal(conditionHeader{Type: c.Type})
	}

	body, err := json.Marshal(variant)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(c.Type)
	fields["type"] = tag
	return json.Marshal(fields)
}

func isNilVariant(c TriggerCondition) bool {
	switch c.Type {
	case ConditionRiskThreshold:
		return c.RiskThreshold == nil
	case ConditionSentimentShift:
		return c.SentimentShift == nil
	case ConditionKeywordMatch:
		return c.KeywordMatch == nil
	case ConditionAgentResponse:
		return c.AgentResponse == nil
	case ConditionOutcomeMatch:
		return c.OutcomeMatch == nil
	case ConditionCustomExpression:
		return c.CustomExpression == nil
	}
	return true
}

// UnmarshalJSON decodes the type tag and the matching variant. It never fails on
// an unknown tag or a bad variant body; those are recorded for fail-closed evaluation.
func (c *TriggerCondition) UnmarshalJSON(data []byte) error {
	*c = TriggerCondition{Raw: append(json.RawMessage(nil), data...)}

	var hdr conditionHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		c.DecodeErr = fmt.Sprintf("invalid condition payload: %v", err)
		return nil
	}
	c.Type = hdr.Type

	var err error
	switch hdr.Type {
	case ConditionAlways:
	case ConditionRiskThreshold:
		var v RiskThresholdCondition
		if err = json.Unmarshal(data, &v); err == nil {
			c.RiskThreshold = &v
		}
	case ConditionSentimentShift:
		var v SentimentShiftCondition
		if err = json.Unmarshal(data, &v); err == nil {
			c.SentimentShift = &v
		}
	case ConditionKeywordMatch:
		var v KeywordMatchCondition
		if err = json.Unmarshal(data, &v); err == nil {
			c.KeywordMatch = &v
		}
	case ConditionAgentResponse:
		var v AgentResponseCondition
		if err = json.Unmarshal(data, &v); err == nil {
			c.AgentResponse = &v
		}
	case ConditionOutcomeMatch:
		var v OutcomeMatchCondition
		if err = json.Unmarshal(data, &v); err == nil {
			c.OutcomeMatch = &v
		}
	case ConditionCustomExpression:
		var v CustomExpressionCondition
		if err = json.Unmarshal(data, &v); err == nil {
			c.CustomExpression = &v
		}
	default:
		c.DecodeErr = fmt.Sprintf("unknown condition type %q", hdr.Type)
		return nil
	}
	if err != nil {
		c.DecodeErr = fmt.Sprintf("invalid %s payload: %v", hdr.Type, err)
	}
	return nil
}
