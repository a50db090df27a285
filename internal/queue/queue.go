// Package queue builds an approver's validation queue: the pending tasks
// they are allowed to decide on, with assignee names resolved.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"phasegate/internal/config"
	"phasegate/internal/domain"
	"phasegate/internal/gate"
	"phasegate/internal/repo"
)

// Store is the task store surface the queue reads from.
type Store interface {
	ListValidationQueue(ctx context.Context, orgID string) ([]repo.PendingRow, error)
	ListPendingTasks(ctx context.Context, orgID string) ([]domain.Task, error)
}

// Directory resolves identities and display names.
type Directory interface {
	GetActor(ctx context.Context, id string) (domain.Actor, error)
	DisplayNames(ctx context.Context, ids []string) (map[string]string, error)
}

// FallbackObserver is called each time the joined read fails and the
// decomposed read is used instead.
type FallbackObserver func(ctx context.Context, approverID string, cause error)

type Service struct {
	Store     Store
	Directory Directory
	Policy    gate.Policy
	Strategy  string
	Logger    *slog.Logger
	Observer  FallbackObserver

	fallbacks metric.Int64Counter
	reads     metric.Int64Counter
	group     singleflight.Group
	// generation is part of the singleflight key; Invalidate bumps it so a
	// read started after a decision never joins one started before it.
	generation atomic.Uint64
}

// New builds a Service. meter may be nil, in which case instruments are
// not recorded.
func New(store Store, dir Directory, policy gate.Policy, strategy string, logger *slog.Logger, meter metric.Meter) (*Service, error) {
	if strategy == "" {
		strategy = config.StrategyAuto
	}
	switch strategy {
	case config.StrategyAuto, config.StrategyJoined, config.StrategyDecomposed:
	default:
		return nil, fmt.Errorf("unknown queue strategy %q", strategy)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{Store: store, Directory: dir, Policy: policy, Strategy: strategy, Logger: logger}
	if meter != nil {
		var err error
		s.fallbacks, err = meter.Int64Counter("phasegate.queue.fallback",
			metric.WithDescription("Queue reads served by the decomposed path after the joined path failed"))
		if err != nil {
			return nil, err
		}
		s.reads, err = meter.Int64Counter("phasegate.queue.reads",
			metric.WithDescription("Queue reads by strategy"))
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ForApprover returns the queue for approverID ordered by updated_at, then
// task id. Concurrent calls for the same approver share one read.
func (s *Service) ForApprover(ctx context.Context, approverID string) ([]domain.QueueItem, error) {
	actor, err := s.Directory.GetActor(ctx, approverID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, gate.ForbiddenError{Permission: gate.PermViewQueue, ActorID: approverID, Reason: "unknown actor"}
		}
		return nil, err
	}
	if err := s.Policy.CanViewQueue(actor); err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s@%d", approverID, s.generation.Load())
	// The shared read outlives any single caller; a cancelled caller just
	// stops waiting for it.
	ch := s.group.DoChan(key, func() (any, error) {
		return s.read(context.WithoutCancel(ctx), actor)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		shared := res.Val.([]domain.QueueItem)
		out := make([]domain.QueueItem, len(shared))
		copy(out, shared)
		return out, nil
	}
}

// Invalidate is called after a committed decision. Reads already in flight
// finish for their current waiters; later callers start a fresh read.
func (s *Service) Invalidate() {
	s.generation.Add(1)
}

func (s *Service) read(ctx context.Context, actor domain.Actor) ([]domain.QueueItem, error) {
	org := s.Policy.QueueOrg(actor)
	switch s.Strategy {
	case config.StrategyJoined:
		s.countRead(ctx, config.StrategyJoined)
		return s.joined(ctx, actor, org)
	case config.StrategyDecomposed:
		s.countRead(ctx, config.StrategyDecomposed)
		return s.decomposed(ctx, actor, org)
	}
	items, err := s.joined(ctx, actor, org)
	if err == nil {
		s.countRead(ctx, config.StrategyJoined)
		return items, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	s.reportFallback(ctx, actor.ID, err)
	s.countRead(ctx, config.StrategyDecomposed)
	return s.decomposed(ctx, actor, org)
}

func (s *Service) joined(ctx context.Context, actor domain.Actor, org string) ([]domain.QueueItem, error) {
	rows, err := s.Store.ListValidationQueue(ctx, org)
	if err != nil {
		return nil, err
	}
	items := []domain.QueueItem{}
	for _, row := range rows {
		if s.Policy.CanDecide(actor, row.Task) != nil {
			continue
		}
		items = append(items, toItem(row.Task, row.AssignedToName))
	}
	return items, nil
}

func (s *Service) decomposed(ctx context.Context, actor domain.Actor, org string) ([]domain.QueueItem, error) {
	tasks, err := s.Store.ListPendingTasks(ctx, org)
	if err != nil {
		return nil, err
	}
	var visible []domain.Task
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if s.Policy.CanDecide(actor, t) != nil {
			continue
		}
		visible = append(visible, t)
		ids = append(ids, t.AssignedTo)
	}
	names, err := s.Directory.DisplayNames(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve assignee names: %w", err)
	}
	items := make([]domain.QueueItem, 0, len(visible))
	for _, t := range visible {
		name, ok := names[t.AssignedTo]
		if !ok || name == "" {
			name = domain.UnknownActorName
		}
		items = append(items, toItem(t, name))
	}
	return items, nil
}

func toItem(t domain.Task, assigneeName string) domain.QueueItem {
	return domain.QueueItem{
		TaskID:             t.ID,
		Title:              t.Title,
		Phase:              t.Phase,
		NextRequestedPhase: domain.NextPhase(t.Phase),
		AssignedToName:     assigneeName,
		SubState:           t.SubState,
		SubmittedEvidence:  t.SubmittedEvidence,
	}
}

func (s *Service) reportFallback(ctx context.Context, approverID string, cause error) {
	s.Logger.WarnContext(ctx, "validation queue joined read failed, using decomposed read",
		"approver_id", approverID, "error", cause)
	if s.fallbacks != nil {
		s.fallbacks.Add(ctx, 1)
	}
	if s.Observer != nil {
		s.Observer(ctx, approverID, cause)
	}
}

func (s *Service) countRead(ctx context.Context, strategy string) {
	if s.reads != nil {
		s.reads.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategy)))
	}
}
