// Package discovery implements mid-task discovery branching: findings
// recorded by agents spawn new work, possibly in phases outside the
// normal transition graph.
package discovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kestrelhq/kestrel/internal/bus"
	"github.com/kestrelhq/kestrel/internal/clock"
	"github.com/kestrelhq/kestrel/internal/config"
	kerr "github.com/kestrelhq/kestrel/internal/errors"
	"github.com/kestrelhq/kestrel/internal/model"
	"github.com/kestrelhq/kestrel/internal/scheduler"
	"github.com/kestrelhq/kestrel/internal/store"
)

// BlockedReasonDiscovery marks source tasks gated on a blocking discovery.
const BlockedReasonDiscovery = "awaiting discovery resolution"

// Service records discoveries and spawns their follow-up tasks.
type Service struct {
	store     store.Backend
	bus       *bus.Bus
	scheduler *scheduler.Scheduler
	clock     clock.Clock
	cfg       config.DiscoveryConfig
	logger    *slog.Logger
}

// New creates a discovery service.
func New(backend store.Backend, b *bus.Bus, sched *scheduler.Scheduler, clk clock.Clock, cfg config.DiscoveryConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     backend,
		bus:       b,
		scheduler: sched,
		clock:     clk,
		cfg:       cfg,
		logger:    logger,
	}
}

// BranchRequest describes one discovery and the task it should spawn.
type BranchRequest struct {
	SourceTaskID     string
	Type             model.DiscoveryType
	Description      string
	SpawnPhaseID     string
	SpawnDescription string
	PriorityBoost    bool
	Actor            string
}

// RecordAndBranch persists a discovery and spawns its follow-up task.
// Duplicate calls (same source, type, and normalized description) return
// the original spawn. Blocking discovery types park the source task until
// the spawned task completes.
func (s *Service) RecordAndBranch(ctx context.Context, req BranchRequest) (*model.Discovery, *model.Task, error) {
	source, _, err := s.store.GetTask(ctx, req.SourceTaskID)
	if err != nil {
		return nil, nil, err
	}
	if source == nil {
		return nil, nil, kerr.ErrNotFound("task", req.SourceTaskID)
	}

	hash := model.HashDescription(req.Description)
	if existing, err := s.store.FindDiscoveryByKey(ctx, req.SourceTaskID, req.Type, hash); err != nil {
		return nil, nil, err
	} else if existing != nil {
		var spawned *model.Task
		if len(existing.SpawnedTaskIDs) > 0 {
			spawned, _, err = s.store.GetTask(ctx, existing.SpawnedTaskIDs[0])
			if err != nil {
				return nil, nil, err
			}
		}
		return existing, spawned, nil
	}

	if req.SpawnPhaseID != "" {
		phase, err := s.store.GetPhase(ctx, req.SpawnPhaseID)
		if err != nil {
			return nil, nil, err
		}
		if phase == nil {
			return nil, nil, kerr.ErrNotFound("phase", req.SpawnPhaseID)
		}
		if !s.cfg.AllowPhaseBypass {
			current, err := s.store.GetPhase(ctx, source.PhaseID)
			if err != nil {
				return nil, nil, err
			}
			if current != nil && req.SpawnPhaseID != source.PhaseID && !current.CanTransitionPhase(req.SpawnPhaseID) {
				return nil, nil, kerr.ErrInvalidTransition("phase", source.PhaseID, req.SpawnPhaseID)
			}
		}
	}

	now := s.clock.Now()
	disc := &model.Discovery{
		SourceTaskID:     req.SourceTaskID,
		Type:             req.Type,
		Description:      req.Description,
		DescriptionHash:  hash,
		PriorityBoost:    req.PriorityBoost,
		ResolutionStatus: "open",
	}
	disc.ID = model.NewID()
	disc.CreatedAt = now
	disc.UpdatedAt = now
	if err := s.store.InsertDiscovery(ctx, disc); err != nil {
		// A concurrent duplicate lost the race on the idempotency key.
		if kerr.CodeOf(err) == kerr.CodeConflict {
			if existing, lookupErr := s.store.FindDiscoveryByKey(ctx, req.SourceTaskID, req.Type, hash); lookupErr == nil && existing != nil {
				return existing, nil, nil
			}
		}
		return nil, nil, err
	}

	spawnPhase := req.SpawnPhaseID
	if spawnPhase == "" {
		spawnPhase = source.PhaseID
	}
	priority := source.Priority
	if req.PriorityBoost {
		priority = priority.Boost()
	}

	child := &model.Task{
		TicketID:             source.TicketID,
		PhaseID:              spawnPhase,
		Title:                fmt.Sprintf("%s: %s", req.Type, firstLine(req.Description)),
		Description:          req.SpawnDescription,
		Priority:             priority,
		ParentTaskID:         source.ID,
		RequiredCapabilities: source.RequiredCapabilities,
	}
	if err := s.scheduler.CreateTask(ctx, child); err != nil {
		return nil, nil, err
	}

	disc.SpawnedTaskIDs = []string{child.ID}
	disc.Touch(s.clock.Now())
	if err := s.store.UpdateDiscovery(ctx, disc); err != nil {
		return nil, nil, err
	}

	// Clarifications and security findings gate the source task until the
	// spawned work lands.
	if req.Type.Blocking() && !model.IsTerminalTask(source.Status) && source.Status != model.TaskBlocked {
		if err := s.scheduler.Block(ctx, source.ID, BlockedReasonDiscovery); err != nil {
			s.logger.Error("block source task", "task", source.ID, "error", err)
		}
	}

	s.logger.Info("discovery recorded",
		"discovery", disc.ID, "source", source.ID, "type", disc.Type,
		"spawned", child.ID, "phase", spawnPhase, "blocking", req.Type.Blocking())
	if _, err := bus.Emit(ctx, s.bus, bus.TopicDiscoveryRecorded, source.ID, req.Actor, disc); err != nil {
		s.logger.Error("publish discovery.recorded", "discovery", disc.ID, "error", err)
	}
	return disc, child, nil
}

// ResolveSpawned closes discoveries whose spawned task finished and
// unblocks their gated sources. Wired to task.completed on the bus.
func (s *Service) ResolveSpawned(ctx context.Context, completedTaskID string) error {
	task, _, err := s.store.GetTask(ctx, completedTaskID)
	if err != nil {
		return err
	}
	if task == nil || task.ParentTaskID == "" {
		return nil
	}

	discoveries, err := s.store.ListDiscoveriesForTask(ctx, task.ParentTaskID)
	if err != nil {
		return err
	}
	for _, disc := range discoveries {
		if disc.ResolutionStatus != "open" || !contains(disc.SpawnedTaskIDs, completedTaskID) {
			continue
		}
		disc.ResolutionStatus = "resolved"
		disc.Touch(s.clock.Now())
		if err := s.store.UpdateDiscovery(ctx, disc); err != nil {
			return err
		}
		if disc.Type.Blocking() {
			if err := s.unblockSource(ctx, disc.SourceTaskID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) unblockSource(ctx context.Context, sourceTaskID string) error {
	source, _, err := s.store.GetTask(ctx, sourceTaskID)
	if err != nil {
		return err
	}
	if source == nil || source.Status != model.TaskBlocked || source.BlockedReason != BlockedReasonDiscovery {
		return nil
	}

	// Resume in place when the assignment survived, otherwise requeue.
	if source.AssignedAgentID != "" {
		return s.scheduler.Resume(ctx, source.ID)
	}
	return s.requeue(ctx, source.ID)
}

func (s *Service) requeue(ctx context.Context, taskID string) error {
	task, version, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}
	if !model.CanTransitionTask(task.Status, model.TaskPending) {
		return kerr.ErrInvalidTransition("task", string(task.Status), string(model.TaskPending))
	}
	task.Status = model.TaskPending
	task.BlockedReason = ""
	task.Touch(s.clock.Now())
	return s.store.UpdateTask(ctx, task, version)
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
		if i > 120 {
			return s[:i]
		}
	}
	return s
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
