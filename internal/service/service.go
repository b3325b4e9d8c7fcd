// Package service implements the scenario engine: the simulation run stepper,
// the suite scheduler and the derived reads built on top of them.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/gogo/scenarios/internal/adapter/auditbus"
	"github.com/xiaot623/gogo/scenarios/internal/adapter/generation"
	"github.com/xiaot623/gogo/scenarios/internal/condition"
	"github.com/xiaot623/gogo/scenarios/internal/domain"
	"github.com/xiaot623/gogo/scenarios/internal/lease"
	"github.com/xiaot623/gogo/scenarios/internal/policy"
	"github.com/xiaot623/gogo/scenarios/internal/registry"
	"github.com/xiaot623/gogo/scenarios/internal/repository"
)

type Service struct {
	store        store.Store
	registry     *registry.Registry
	evaluator    *condition.Evaluator
	generator    generation.Service
	policyEngine *policy.Engine
	locker       lease.Locker
	bus          auditbus.Publisher
	tracer       trace.Tracer
	now          func() time.Time
}

// New wires the engine. A nil locker falls back to in-process leases, a nil bus
// disables the audit mirror and a nil policy engine uses the built-in review rule.
func New(store store.Store, reg *registry.Registry, evaluator *condition.Evaluator, generator generation.Service, policyEngine *policy.Engine, locker lease.Locker, bus auditbus.Publisher) *Service {
	if locker == nil {
		locker = lease.NewMemory()
	}
	if bus == nil {
		bus = auditbus.Nop{}
	}
	return &Service{
		store:        store,
		registry:     reg,
		evaluator:    evaluator,
		generator:    generator,
		policyEngine: policyEngine,
		locker:       locker,
		bus:          bus,
		tracer:       otel.Tracer("scenarios.engine"),
		now:          time.Now,
	}
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func runKey(runID string) string           { return "run:" + runID }
func suiteRunKey(suiteRunID string) string { return "suite_run:" + suiteRunID }

// acquire takes the entity lease, mapping a held lease to domain.ErrBusy.
func (s *Service) acquire(ctx context.Context, key string) (lease.ReleaseFunc, error) {
	release, err := s.locker.Acquire(ctx, key)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return nil, fmt.Errorf("%s: %w", key, domain.ErrBusy)
		}
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return release, nil
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
}
