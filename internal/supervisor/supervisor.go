// Package supervisor implements audited emergency interventions: task
// cancellation, capacity reallocation, priority overrides, and agent
// quarantine, each reversible within a bounded window.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kestrelhq/kestrel/internal/bus"
	"github.com/kestrelhq/kestrel/internal/clock"
	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/db"
	kerr "github.com/kestrelhq/kestrel/internal/errors"
	"github.com/kestrelhq/kestrel/internal/model"
	"github.com/kestrelhq/kestrel/internal/registry"
	"github.com/kestrelhq/kestrel/internal/scheduler"
	"github.com/kestrelhq/kestrel/internal/store"
)

// SystemActor issues actions with system authority, outside any agent.
const SystemActor = "system"

// Service executes supervisor actions. Actions against the same target
// are serialized.
type Service struct {
	store     store.Backend
	bus       *bus.Bus
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	clock     clock.Clock
	cfg       config.SupervisorConfig
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a supervisor service.
func New(backend store.Backend, b *bus.Bus, reg *registry.Registry, sched *scheduler.Scheduler, clk clock.Clock, cfg config.SupervisorConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     backend,
		bus:       b,
		registry:  reg,
		scheduler: sched,
		clock:     clk,
		cfg:       cfg,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (s *Service) lockTarget(target string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[target]
	if !ok {
		l = &sync.Mutex{}
		s.locks[target] = l
	}
	return l
}

// auditEntry is one line of an action's audit log. The log is a JSON
// array queried with gjson during reverts.
type auditEntry struct {
	At    time.Time       `json:"at"`
	Event string          `json:"event"`
	Actor string          `json:"actor"`
	Pre   json.RawMessage `json:"pre,omitempty"`
	Post  json.RawMessage `json:"post,omitempty"`
	Note  string          `json:"note,omitempty"`
}

func appendAudit(log string, e auditEntry) (string, error) {
	var entries []auditEntry
	if log != "" && log != "[]" {
		if err := json.Unmarshal([]byte(log), &entries); err != nil {
			return "", fmt.Errorf("parse audit log: %w", err)
		}
	}
	entries = append(entries, e)
	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("marshal audit log: %w", err)
	}
	return string(data), nil
}

// authority resolves the issuer's authority level. The system actor holds
// the highest level.
func (s *Service) authority(ctx context.Context, actorID string) (model.AuthorityLevel, error) {
	if actorID == SystemActor {
		return model.AuthoritySystem, nil
	}
	agent, _, err := s.store.GetAgent(ctx, actorID)
	if err != nil {
		return 0, err
	}
	if agent == nil {
		return 0, kerr.ErrNotFound("agent", actorID)
	}
	return agent.Type.Authority(), nil
}

// IssueRequest describes one supervisor action.
type IssueRequest struct {
	ActorID    string
	ActionType model.SupervisorActionType
	Target     string
	Reason     string

	// Reallocation parameters.
	RecipientID string
	Amount      int

	// Priority override parameter.
	NewPriority model.TaskPriority
}

// Issue authority-checks, executes, and journals a supervisor action.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*model.SupervisorAction, error) {
	level, err := s.authority(ctx, req.ActorID)
	if err != nil {
		return nil, err
	}
	if level < req.ActionType.RequiredAuthority() {
		return nil, kerr.ErrNotAuthorized(fmt.Sprintf(
			"%s requires authority %d, actor %s holds %d",
			req.ActionType, req.ActionType.RequiredAuthority(), req.ActorID, level))
	}

	l := s.lockTarget(req.Target)
	l.Lock()
	defer l.Unlock()

	pre, err := s.snapshot(ctx, req.ActionType, req)
	if err != nil {
		return nil, err
	}

	switch req.ActionType {
	case model.ActionCancelTask:
		err = s.cancelTask(ctx, req)
	case model.ActionReallocateCapacity:
		err = s.reallocate(ctx, req)
	case model.ActionOverridePriority:
		err = s.overridePriority(ctx, req)
	case model.ActionQuarantineAgent:
		err = s.quarantine(ctx, req)
	default:
		err = kerr.ErrBadArtifact(string(req.ActionType), "unknown action type")
	}
	if err != nil {
		return nil, err
	}

	post, err := s.snapshot(ctx, req.ActionType, req)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	action := &model.SupervisorAction{
		ActorAgentID:   req.ActorID,
		AuthorityLevel: level,
		ActionType:     req.ActionType,
		Target:         req.Target,
		Reason:         req.Reason,
	}
	action.ID = model.NewID()
	action.CreatedAt = now
	action.UpdatedAt = now
	action.AuditLog, err = appendAudit("", auditEntry{
		At:    now,
		Event: "issued",
		Actor: req.ActorID,
		Pre:   pre,
		Post:  post,
		Note:  req.Reason,
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertSupervisorAction(ctx, action); err != nil {
		return nil, err
	}

	s.logger.Info("supervisor action issued",
		"action", action.ID, "type", action.ActionType,
		"target", action.Target, "actor", req.ActorID, "authority", level)
	if _, err := bus.Emit(ctx, s.bus, bus.TopicSupervisorAction, req.Target, req.ActorID, action); err != nil {
		s.logger.Error("publish supervisor.action", "action", action.ID, "error", err)
	}
	return action, nil
}

// snapshot captures the state the action touches, for audit and revert.
func (s *Service) snapshot(ctx context.Context, t model.SupervisorActionType, req IssueRequest) (json.RawMessage, error) {
	switch t {
	case model.ActionCancelTask, model.ActionOverridePriority:
		task, _, err := s.store.GetTask(ctx, req.Target)
		if err != nil {
			return nil, err
		}
		if task == nil {
			return nil, kerr.ErrNotFound("task", req.Target)
		}
		return json.Marshal(task)
	case model.ActionQuarantineAgent:
		agent, _, err := s.store.GetAgent(ctx, req.Target)
		if err != nil {
			return nil, err
		}
		if agent == nil {
			return nil, kerr.ErrNotFound("agent", req.Target)
		}
		return json.Marshal(agent)
	case model.ActionReallocateCapacity:
		donor, _, err := s.store.GetAgent(ctx, req.Target)
		if err != nil {
			return nil, err
		}
		if donor == nil {
			return nil, kerr.ErrNotFound("agent", req.Target)
		}
		recipient, _, err := s.store.GetAgent(ctx, req.RecipientID)
		if err != nil {
			return nil, err
		}
		if recipient == nil {
			return nil, kerr.ErrNotFound("agent", req.RecipientID)
		}
		return json.Marshal(map[string]*model.Agent{"donor": donor, "recipient": recipient})
	default:
		return nil, nil
	}
}

func (s *Service) cancelTask(ctx context.Context, req IssueRequest) error {
	return s.scheduler.Fail(ctx, req.Target, "cancelled: "+req.Reason)
}

func (s *Service) reallocate(ctx context.Context, req IssueRequest) error {
	if req.Amount <= 0 {
		return kerr.ErrBadArtifact("reallocate_capacity", "amount must be positive")
	}

	donor, donorVersion, err := s.store.GetAgent(ctx, req.Target)
	if err != nil {
		return err
	}
	if donor == nil {
		return kerr.ErrNotFound("agent", req.Target)
	}
	remaining := donor.MaxConcurrent - req.Amount
	if remaining < 1 {
		return kerr.ErrBadArtifact("reallocate_capacity",
			fmt.Sprintf("donor %s would drop below one slot", donor.ID))
	}
	if donor.CurrentTaskID != "" {
		active, err := s.store.ListTasks(ctx, db.TaskFilter{
			AgentID: donor.ID,
			Statuses: []model.TaskStatus{
				model.TaskAssigned, model.TaskInProgress,
				model.TaskUnderReview, model.TaskValidationInProgress,
			},
		})
		if err != nil {
			return err
		}
		if len(active) > remaining {
			return kerr.ErrBadArtifact("reallocate_capacity", fmt.Sprintf(
				"donor %s holds %d in-flight tasks, more than the %d remaining slots",
				donor.ID, len(active), remaining))
		}
	}

	recipient, recipientVersion, err := s.store.GetAgent(ctx, req.RecipientID)
	if err != nil {
		return err
	}
	if recipient == nil {
		return kerr.ErrNotFound("agent", req.RecipientID)
	}

	now := s.clock.Now()
	donor.MaxConcurrent -= req.Amount
	donor.Touch(now)
	if err := s.store.UpdateAgent(ctx, donor, donorVersion); err != nil {
		return err
	}
	recipient.MaxConcurrent += req.Amount
	recipient.Touch(now)
	if err := s.store.UpdateAgent(ctx, recipient, recipientVersion); err != nil {
		// Put the donor's capacity back; the pair must move together.
		donor.MaxConcurrent += req.Amount
		donor.Touch(s.clock.Now())
		if rbErr := s.store.UpdateAgent(ctx, donor, donorVersion+1); rbErr != nil {
			s.logger.Error("restore donor capacity", "agent", donor.ID, "error", rbErr)
		}
		return err
	}
	return nil
}

func (s *Service) overridePriority(ctx context.Context, req IssueRequest) error {
	if !model.IsValidPriority(req.NewPriority) {
		return kerr.ErrBadArtifact("override_priority", fmt.Sprintf("unknown priority %q", req.NewPriority))
	}
	task, version, err := s.store.GetTask(ctx, req.Target)
	if err != nil {
		return err
	}
	if task == nil {
		return kerr.ErrNotFound("task", req.Target)
	}
	task.Priority = req.NewPriority
	task.Touch(s.clock.Now())
	return s.store.UpdateTask(ctx, task, version)
}

func (s *Service) quarantine(ctx context.Context, req IssueRequest) error {
	return s.registry.SetStatus(ctx, req.Target, model.AgentQuarantined, req.Reason)
}

// Revert undoes an action within the revert window. The reverting actor
// must hold authority at or above the issuer's. If the target moved on
// since the action, reversion is rejected as cascaded state.
func (s *Service) Revert(ctx context.Context, actionID, actorID string) error {
	level, err := s.authority(ctx, actorID)
	if err != nil {
		return err
	}

	action, err := s.store.GetSupervisorAction(ctx, actionID)
	if err != nil {
		return err
	}
	if action == nil {
		return kerr.ErrNotFound("supervisor_action", actionID)
	}
	if level < action.AuthorityLevel {
		return kerr.ErrNotAuthorized(fmt.Sprintf(
			"revert requires authority %d, actor %s holds %d", action.AuthorityLevel, actorID, level))
	}

	l := s.lockTarget(action.Target)
	l.Lock()
	defer l.Unlock()

	// Re-read under the target lock.
	action, err = s.store.GetSupervisorAction(ctx, actionID)
	if err != nil {
		return err
	}
	if action == nil {
		return kerr.ErrNotFound("supervisor_action", actionID)
	}
	if action.Reversed {
		return kerr.ErrConflict("supervisor_action", actionID)
	}

	now := s.clock.Now()
	if now.Sub(action.CreatedAt) > s.cfg.RevertWindow {
		return kerr.ErrNotAuthorized("revert window has elapsed, action is terminal")
	}

	issued := gjson.Get(action.AuditLog, `#(event=="issued")#`)
	pre := gjson.Get(action.AuditLog, `#(event=="issued").pre`)
	post := gjson.Get(action.AuditLog, `#(event=="issued").post`)
	if !issued.Exists() || !pre.Exists() || !post.Exists() {
		return kerr.ErrBadArtifact("supervisor_action", "audit log is missing snapshots")
	}

	if err := s.restore(ctx, action, pre, post); err != nil {
		return err
	}

	action.Reversed = true
	action.AuditLog, err = appendAudit(action.AuditLog, auditEntry{
		At:    now,
		Event: "reverted",
		Actor: actorID,
	})
	if err != nil {
		return err
	}
	action.Touch(now)
	if err := s.store.UpdateSupervisorAction(ctx, action); err != nil {
		return err
	}

	s.logger.Info("supervisor action reverted", "action", actionID, "actor", actorID)
	if _, err := bus.Emit(ctx, s.bus, bus.TopicSupervisorReverted, action.Target, actorID, action); err != nil {
		s.logger.Error("publish supervisor.reverted", "action", actionID, "error", err)
	}
	return nil
}

// restore puts the target back to its pre-action snapshot, rejecting the
// revert when downstream changes have built on the action's outcome.
func (s *Service) restore(ctx context.Context, action *model.SupervisorAction, pre, post gjson.Result) error {
	switch action.ActionType {
	case model.ActionCancelTask:
		task, version, err := s.store.GetTask(ctx, action.Target)
		if err != nil {
			return err
		}
		if task == nil {
			return kerr.ErrNotFound("task", action.Target)
		}
		if string(task.Status) != post.Get("status").String() {
			return kerr.ErrCascadedState(action.ID)
		}
		task.Status = model.TaskStatus(pre.Get("status").String())
		task.AssignedAgentID = pre.Get("assigned_agent_id").String()
		task.BlockedReason = pre.Get("blocked_reason").String()
		task.CompletedAt = nil
		task.Touch(s.clock.Now())
		return s.store.UpdateTask(ctx, task, version)

	case model.ActionOverridePriority:
		task, version, err := s.store.GetTask(ctx, action.Target)
		if err != nil {
			return err
		}
		if task == nil {
			return kerr.ErrNotFound("task", action.Target)
		}
		if string(task.Priority) != post.Get("priority").String() {
			return kerr.ErrCascadedState(action.ID)
		}
		task.Priority = model.TaskPriority(pre.Get("priority").String())
		task.Touch(s.clock.Now())
		return s.store.UpdateTask(ctx, task, version)

	case model.ActionQuarantineAgent:
		agent, _, err := s.store.GetAgent(ctx, action.Target)
		if err != nil {
			return err
		}
		if agent == nil {
			return kerr.ErrNotFound("agent", action.Target)
		}
		if agent.Status != model.AgentQuarantined {
			return kerr.ErrCascadedState(action.ID)
		}
		return s.registry.SetStatus(ctx, action.Target, model.AgentIdle, "quarantine reverted")

	case model.ActionReallocateCapacity:
		donor, donorVersion, err := s.store.GetAgent(ctx, action.Target)
		if err != nil {
			return err
		}
		recipientID := post.Get("recipient.id").String()
		recipient, recipientVersion, err := s.store.GetAgent(ctx, recipientID)
		if err != nil {
			return err
		}
		if donor == nil || recipient == nil {
			return kerr.ErrCascadedState(action.ID)
		}
		if int64(donor.MaxConcurrent) != post.Get("donor.max_concurrent").Int() ||
			int64(recipient.MaxConcurrent) != post.Get("recipient.max_concurrent").Int() {
			return kerr.ErrCascadedState(action.ID)
		}
		now := s.clock.Now()
		donor.MaxConcurrent = int(pre.Get("donor.max_concurrent").Int())
		donor.Touch(now)
		if err := s.store.UpdateAgent(ctx, donor, donorVersion); err != nil {
			return err
		}
		recipient.MaxConcurrent = int(pre.Get("recipient.max_concurrent").Int())
		recipient.Touch(now)
		return s.store.UpdateAgent(ctx, recipient, recipientVersion)

	default:
		return kerr.ErrBadArtifact(string(action.ActionType), "unknown action type")
	}
}
