// Package generation is the collaborator that produces persona turns and
// narratives for the scenario engine.
package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

// Service generates the content of a single agent turn and of run narratives.
type Service interface {
	GenerateTurn(ctx context.Context, req TurnRequest) (TurnResponse, error)
	GenerateNarrative(ctx context.Context, req NarrativeRequest) (NarrativeResponse, error)
}

// TurnRequest is everything a backend needs to speak as one agent.
type TurnRequest struct {
	RunID         string
	SimulationID  string
	StepIndex     int
	ObjectiveType domain.ObjectiveType
	Agent         domain.AgentDefinition
	Behavior      domain.BehaviorConfig
	History       []domain.ScenarioTurn
	Snapshot      domain.ContextSnapshot
	Guidance      string
	Model         string
	Temperature   float64
}

// TurnResponse is the generated turn. Sentiment and RiskSignal are nil when the
// backend did not score its own output.
type TurnResponse struct {
	Content    string
	Channel    domain.Channel
	TokensUsed int
	Sentiment  *float64
	RiskSignal *float64
	Model      string
	Duration   time.Duration
}

// NarrativeRequest is the assembled context for a run or suite narrative.
type NarrativeRequest struct {
	Title         string           `json:"title"`
	Objective     string           `json:"objective,omitempty"`
	AggregateRisk domain.RiskLevel `json:"aggregate_risk"`
	Highlights    []string         `json:"highlights"`
	RiskFactors   []string         `json:"risk_factors"`
	Opportunities []string         `json:"opportunities"`
	Transcript    []string         `json:"transcript,omitempty"`
	Model         string           `json:"model,omitempty"`
}

// NarrativeResponse is a generated narrative.
type NarrativeResponse struct {
	Narrative  string `json:"narrative"`
	TokensUsed int    `json:"tokens_used"`
	Model      string `json:"model,omitempty"`
}

// ErrorKind classifies generation failures.
type ErrorKind string

const (
	KindTimeout           ErrorKind = "timeout"
	KindRateLimited       ErrorKind = "rate_limited"
	KindMalformedResponse ErrorKind = "malformed_response"
	KindUnavailable       ErrorKind = "unavailable"
)

// Error is a GenerationServiceError. Every kind is considered transient and
// is retried under the simulation's retry policy.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("generation %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("generation %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a generation error.
func NewError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// IsRetryable reports whether err is a generation failure worth retrying.
func IsRetryable(err error) bool {
	var genErr *Error
	return errors.As(err, &genErr)
}

// classifyContextErr maps a context error onto a generation error kind.
func classifyContextErr(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, "deadline exceeded", err)
	}
	return NewError(KindUnavailable, "request cancelled", err)
}
