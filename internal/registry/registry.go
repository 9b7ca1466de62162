// Package registry implements the agent registry: the registration
// protocol, the heartbeat liveness sweep, the agent status machine, and
// the capability index used by the dispatcher.
package registry

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kestrelhq/kestrel/internal/bus"
	"github.com/kestrelhq/kestrel/internal/clock"
	"github.com/kestrelhq/kestrel/internal/config"
	kerr "github.com/kestrelhq/kestrel/internal/errors"
	"github.com/kestrelhq/kestrel/internal/model"
	"github.com/kestrelhq/kestrel/internal/store"
)

// Topics owned by the registry beyond the shared set: restart requests
// and guardian escalations.
const (
	TopicAgentRestart             = "agent.restart"
	TopicAgentEscalation          = "agent.escalation"
	TopicAgentRegistrationTimeout = "agent.registration_timeout"
)

// Registry manages agent identities, liveness, and the capability index.
type Registry struct {
	store     store.Backend
	bus       *bus.Bus
	clock     clock.Clock
	cfg       config.HeartbeatConfig
	logger    *slog.Logger
	index     *CapabilityIndex
	deadlines *clock.DeadlineQueue

	// AcceptedVersions lists version prefixes the kernel accepts during
	// pre-validation. Empty means accept everything.
	AcceptedVersions []string

	mu          sync.Mutex
	locks       map[string]*sync.Mutex
	mailboxes   map[string]chan bus.Event
	pendingBeat map[string]int64     // agent ID -> first-heartbeat deadline ID
	lastRestart map[string]time.Time // agent ID -> last auto-restart
}

// New creates a registry. The deadline queue drives the initial-heartbeat
// timeout; callers run it alongside the sweeper.
func New(backend store.Backend, b *bus.Bus, clk clock.Clock, cfg config.HeartbeatConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:       backend,
		bus:         b,
		clock:       clk,
		cfg:         cfg,
		logger:      logger,
		index:       NewCapabilityIndex(),
		deadlines:   clock.NewDeadlineQueue(clk, time.Second),
		locks:       make(map[string]*sync.Mutex),
		mailboxes:   make(map[string]chan bus.Event),
		pendingBeat: make(map[string]int64),
		lastRestart: make(map[string]time.Time),
	}
}

// Index exposes the capability index to the dispatcher.
func (r *Registry) Index() *CapabilityIndex {
	return r.index
}

// Deadlines exposes the registration deadline queue for the runner.
func (r *Registry) Deadlines() *clock.DeadlineQueue {
	return r.deadlines
}

// Start rebuilds the capability index from the store.
func (r *Registry) Start(ctx context.Context) error {
	return r.index.Rebuild(ctx, r.store)
}

func (r *Registry) lockAgent(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// RegisterRequest carries everything an agent presents at registration.
type RegisterRequest struct {
	// AgentID re-registers an existing identity after a restart. Empty
	// requests a fresh identity.
	AgentID       string
	Type          model.AgentType
	PhaseID       string
	Capabilities  []string
	Version       string
	BinaryHash    string
	MaxConcurrent int
}

// RegisterResponse returns the created entry. PrivateKey is handed out
// exactly once and never stored.
type RegisterResponse struct {
	Agent      *model.Agent
	PrivateKey string
}

// Register runs the registration protocol. Partial failure leaves no
// registry entry behind.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	if err := r.preValidate(req); err != nil {
		return nil, err
	}

	if req.AgentID != "" {
		return r.reregister(ctx, req)
	}

	now := r.clock.Now()
	if resp, err := r.resumePending(ctx, req, now); err != nil {
		return nil, err
	} else if resp != nil {
		return resp, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate agent keypair: %w", err)
	}

	agent := &model.Agent{
		Type:            req.Type,
		PhaseID:         req.PhaseID,
		Capabilities:    req.Capabilities,
		Status:          model.AgentIdle,
		HealthStatus:    "healthy",
		LastHeartbeatAt: now,
		PublicKey:       hex.EncodeToString(pub),
		MaxConcurrent:   req.MaxConcurrent,
		Version:         req.Version,
	}
	agent.ID = model.NewID()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	if agent.MaxConcurrent <= 0 {
		agent.MaxConcurrent = 1
	}

	// Name derivation may race with concurrent registrations of the same
	// (type, phase); the unique index arbitrates, so retry with the next
	// counter on conflict.
	prefix := namePrefix(req.Type, req.PhaseID)
	for attempt := 0; ; attempt++ {
		count, err := r.store.CountAgentsByTypePrefix(ctx, req.Type, prefix)
		if err != nil {
			return nil, err
		}
		agent.Name = fmt.Sprintf("%s%03d", prefix, count+1+attempt)
		err = r.store.InsertAgent(ctx, agent)
		if err == nil {
			break
		}
		if kerr.CodeOf(err) == kerr.CodeConflict && attempt < 3 {
			continue
		}
		return nil, err
	}

	if err := r.attach(ctx, agent); err != nil {
		_ = r.store.DeleteAgent(ctx, agent.ID)
		return nil, err
	}

	r.index.Add(agent)
	r.armFirstBeat(agent.ID, now)

	if _, err := bus.Emit(ctx, r.bus, bus.TopicAgentRegistered, agent.ID, agent.ID, agent); err != nil {
		r.logger.Error("publish agent.registered", "agent", agent.ID, "error", err)
	}
	r.logger.Info("agent registered",
		"agent", agent.ID, "name", agent.Name, "type", agent.Type, "phase", agent.PhaseID)

	return &RegisterResponse{Agent: agent, PrivateKey: hex.EncodeToString(priv)}, nil
}

// resumePending resolves a retried registration. A client that never saw
// its response repeats the identical request; within the registration
// timeout, before the first heartbeat, the retry gets the existing entry
// back with a rotated keypair instead of a second identity.
func (r *Registry) resumePending(ctx context.Context, req RegisterRequest, now time.Time) (*RegisterResponse, error) {
	prefix := namePrefix(req.Type, req.PhaseID)
	count, err := r.store.CountAgentsByTypePrefix(ctx, req.Type, prefix)
	if err != nil || count == 0 {
		return nil, err
	}
	agent, version, err := r.store.GetAgentByTypeName(ctx, req.Type, fmt.Sprintf("%s%03d", prefix, count))
	if err != nil || agent == nil {
		return nil, err
	}

	r.mu.Lock()
	_, awaiting := r.pendingBeat[agent.ID]
	r.mu.Unlock()
	if !awaiting || now.Sub(agent.CreatedAt) > r.cfg.RegistrationTimeout {
		return nil, nil
	}

	maxConcurrent := req.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if agent.PhaseID != req.PhaseID || agent.Version != req.Version ||
		agent.MaxConcurrent != maxConcurrent || !slices.Equal(agent.Capabilities, req.Capabilities) {
		return nil, nil
	}

	l := r.lockAgent(agent.ID)
	l.Lock()
	defer l.Unlock()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate agent keypair: %w", err)
	}
	agent.PublicKey = hex.EncodeToString(pub)
	agent.Touch(now)
	if err := r.store.UpdateAgent(ctx, agent, version); err != nil {
		return nil, err
	}

	r.logger.Info("registration retry resolved to existing identity",
		"agent", agent.ID, "name", agent.Name)
	return &RegisterResponse{Agent: agent, PrivateKey: hex.EncodeToString(priv)}, nil
}

// reregister refreshes an existing identity after an agent restart. The
// keypair is rotated; the name and counters are preserved.
func (r *Registry) reregister(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	l := r.lockAgent(req.AgentID)
	l.Lock()
	defer l.Unlock()

	agent, version, err := r.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, kerr.ErrNotFound("agent", req.AgentID)
	}
	if agent.Status == model.AgentQuarantined {
		return nil, kerr.ErrRegistrationRejected("agent is quarantined")
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate agent keypair: %w", err)
	}

	now := r.clock.Now()
	r.index.Remove(agent)
	agent.Capabilities = req.Capabilities
	agent.Version = req.Version
	agent.PublicKey = hex.EncodeToString(pub)
	agent.Status = model.AgentIdle
	agent.CurrentTaskID = ""
	agent.HealthStatus = "healthy"
	agent.LastHeartbeatAt = now
	agent.Touch(now)
	if err := r.store.UpdateAgent(ctx, agent, version); err != nil {
		r.index.Add(agent)
		return nil, err
	}
	r.index.Add(agent)

	if err := r.attach(ctx, agent); err != nil {
		return nil, err
	}
	r.armFirstBeat(agent.ID, now)

	if _, err := bus.Emit(ctx, r.bus, bus.TopicAgentRegistered, agent.ID, agent.ID, agent); err != nil {
		r.logger.Error("publish agent.registered", "agent", agent.ID, "error", err)
	}
	return &RegisterResponse{Agent: agent, PrivateKey: hex.EncodeToString(priv)}, nil
}

func (r *Registry) preValidate(req RegisterRequest) error {
	if !model.IsValidAgentType(req.Type) {
		return kerr.ErrRegistrationRejected(fmt.Sprintf("unknown agent type %q", req.Type))
	}
	if req.BinaryHash != "" {
		if len(req.BinaryHash) != 64 {
			return kerr.ErrRegistrationRejected("binary hash is not a sha256 digest")
		}
		if _, err := hex.DecodeString(req.BinaryHash); err != nil {
			return kerr.ErrRegistrationRejected("binary hash is not hex encoded")
		}
	}
	if len(r.AcceptedVersions) > 0 {
		ok := false
		for _, v := range r.AcceptedVersions {
			if strings.HasPrefix(req.Version, v) {
				ok = true
				break
			}
		}
		if !ok {
			return kerr.ErrRegistrationRejected(fmt.Sprintf("version %q is not in the compatibility matrix", req.Version))
		}
	}
	return nil
}

func namePrefix(t model.AgentType, phaseID string) string {
	if phaseID == "" {
		phaseID = "any"
	}
	return fmt.Sprintf("%s-%s-", t, phaseID)
}

// attach wires the agent's mailbox to its bus topics: task assignment and
// validation feedback on its partition, plus system broadcast/shutdown.
func (r *Registry) attach(ctx context.Context, agent *model.Agent) error {
	r.mu.Lock()
	if _, ok := r.mailboxes[agent.ID]; ok {
		r.mu.Unlock()
		return nil
	}
	mailbox := make(chan bus.Event, 64)
	r.mailboxes[agent.ID] = mailbox
	r.mu.Unlock()

	agentID := agent.ID
	err := r.bus.Subscribe("agent."+agentID,
		"{task.assigned,validation.failed,system.**}", bus.BestEffort,
		func(_ context.Context, e bus.Event) error {
			if !strings.HasPrefix(e.Topic, "system.") && e.PartitionKey != agentID {
				return nil
			}
			select {
			case mailbox <- e:
			default:
				// Mailbox overflow drops the oldest guarantee to the bus's
				// replay path; the agent resyncs from the store.
			}
			return nil
		})
	if err != nil && kerr.CodeOf(err) != kerr.CodeConflict {
		r.mu.Lock()
		delete(r.mailboxes, agentID)
		r.mu.Unlock()
		return err
	}
	return nil
}

// Inbox returns the agent's event mailbox, nil when not attached.
func (r *Registry) Inbox(agentID string) <-chan bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mailboxes[agentID]
}

func (r *Registry) armFirstBeat(agentID string, registeredAt time.Time) {
	id := r.deadlines.Schedule(registeredAt.Add(r.cfg.RegistrationTimeout), func(time.Time) {
		r.expireRegistration(agentID)
	})
	r.mu.Lock()
	r.pendingBeat[agentID] = id
	r.mu.Unlock()
}

// expireRegistration deletes an entry that never sent its first heartbeat.
func (r *Registry) expireRegistration(agentID string) {
	r.mu.Lock()
	_, pending := r.pendingBeat[agentID]
	delete(r.pendingBeat, agentID)
	r.mu.Unlock()
	if !pending {
		return
	}

	ctx := context.Background()
	agent, _, err := r.store.GetAgent(ctx, agentID)
	if err != nil || agent == nil {
		return
	}

	r.index.Remove(agent)
	r.detach(agentID)
	if err := r.store.DeleteAgent(ctx, agentID); err != nil {
		r.logger.Error("delete expired registration", "agent", agentID, "error", err)
		return
	}

	r.logger.Warn("registration expired without first heartbeat", "agent", agentID)
	if _, err := bus.Emit(ctx, r.bus, TopicAgentRegistrationTimeout, agentID, agentID, map[string]string{
		"agent_id": agentID,
		"reason":   "no heartbeat within registration timeout",
	}); err != nil {
		r.logger.Error("publish registration timeout", "agent", agentID, "error", err)
	}
}

func (r *Registry) detach(agentID string) {
	r.bus.Unsubscribe("agent." + agentID)
	r.mu.Lock()
	if mailbox, ok := r.mailboxes[agentID]; ok {
		close(mailbox)
		delete(r.mailboxes, agentID)
	}
	r.mu.Unlock()
}

// Heartbeat records agent liveness. A heartbeat from an unresponsive
// agent restores it to idle.
func (r *Registry) Heartbeat(ctx context.Context, agentID, healthStatus string) error {
	l := r.lockAgent(agentID)
	l.Lock()
	defer l.Unlock()

	agent, version, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent == nil {
		return kerr.ErrNotFound("agent", agentID)
	}

	now := r.clock.Now()
	agent.LastHeartbeatAt = now
	if healthStatus != "" {
		agent.HealthStatus = healthStatus
	}
	if agent.Status == model.AgentUnresponsive {
		agent.Status = model.AgentIdle
		agent.CurrentTaskID = ""
		r.mu.Lock()
		if last, ok := r.lastRestart[agentID]; ok && now.Sub(last) > r.cfg.EscalationWindow {
			agent.RestartCount = 0
			delete(r.lastRestart, agentID)
		}
		r.mu.Unlock()
	}
	agent.Touch(now)
	if err := r.store.UpdateAgent(ctx, agent, version); err != nil {
		return err
	}

	r.mu.Lock()
	if id, ok := r.pendingBeat[agentID]; ok {
		r.deadlines.Cancel(id)
		delete(r.pendingBeat, agentID)
	}
	r.mu.Unlock()

	if _, err := bus.Emit(ctx, r.bus, bus.TopicAgentHeartbeat, agentID, agentID, map[string]any{
		"agent_id": agentID,
		"health":   agent.HealthStatus,
	}); err != nil {
		r.logger.Warn("publish heartbeat", "agent", agentID, "error", err)
	}
	return nil
}

// SetStatus applies a validated status transition under the agent lock.
func (r *Registry) SetStatus(ctx context.Context, agentID string, to model.AgentStatus, reason string) error {
	l := r.lockAgent(agentID)
	l.Lock()
	defer l.Unlock()
	return r.setStatusLocked(ctx, agentID, to, reason)
}

func (r *Registry) setStatusLocked(ctx context.Context, agentID string, to model.AgentStatus, reason string) error {
	agent, version, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent == nil {
		return kerr.ErrNotFound("agent", agentID)
	}
	if !model.CanTransitionAgent(agent.Status, to) {
		return kerr.ErrInvalidTransition("agent", string(agent.Status), string(to))
	}

	agent.Status = to
	if to != model.AgentRunning {
		agent.CurrentTaskID = ""
	}
	agent.Touch(r.clock.Now())
	if err := r.store.UpdateAgent(ctx, agent, version); err != nil {
		return err
	}

	if to == model.AgentQuarantined {
		if _, err := bus.Emit(ctx, r.bus, bus.TopicAgentQuarantined, agentID, agentID, map[string]string{
			"agent_id": agentID,
			"reason":   reason,
		}); err != nil {
			r.logger.Error("publish quarantine", "agent", agentID, "error", err)
		}
	}
	return nil
}

// Assign binds a task to an idle agent, moving it to running.
func (r *Registry) Assign(ctx context.Context, agentID, taskID string) error {
	l := r.lockAgent(agentID)
	l.Lock()
	defer l.Unlock()

	agent, version, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent == nil {
		return kerr.ErrNotFound("agent", agentID)
	}
	if !agent.Assignable() {
		return kerr.ErrInvalidTransition("agent", string(agent.Status), string(model.AgentRunning))
	}

	agent.Status = model.AgentRunning
	agent.CurrentTaskID = taskID
	agent.Touch(r.clock.Now())
	return r.store.UpdateAgent(ctx, agent, version)
}

// Release returns a running agent to idle, clearing its task binding.
func (r *Registry) Release(ctx context.Context, agentID string) error {
	l := r.lockAgent(agentID)
	l.Lock()
	defer l.Unlock()

	agent, version, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent == nil {
		return kerr.ErrNotFound("agent", agentID)
	}
	if agent.Status != model.AgentRunning {
		return nil
	}

	agent.Status = model.AgentIdle
	agent.CurrentTaskID = ""
	agent.Touch(r.clock.Now())
	return r.store.UpdateAgent(ctx, agent, version)
}

// Deregister removes an agent entirely.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	l := r.lockAgent(agentID)
	l.Lock()
	defer l.Unlock()

	agent, _, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent == nil {
		return nil
	}

	r.index.Remove(agent)
	r.detach(agentID)
	return r.store.DeleteAgent(ctx, agentID)
}

// Sweep marks agents whose heartbeat lapsed past the TTL as unresponsive,
// requesting restarts until the escalation budget is exhausted.
func (r *Registry) Sweep(ctx context.Context) {
	now := r.clock.Now()
	overdue, err := r.store.ListOverdueAgents(ctx, now.Add(-r.cfg.TTLThreshold))
	if err != nil {
		r.logger.Error("heartbeat sweep", "error", err)
		return
	}

	for _, agent := range overdue {
		r.sweepOne(ctx, agent.ID, now)
	}
}

func (r *Registry) sweepOne(ctx context.Context, agentID string, now time.Time) {
	l := r.lockAgent(agentID)
	l.Lock()
	defer l.Unlock()

	agent, version, err := r.store.GetAgent(ctx, agentID)
	if err != nil || agent == nil {
		return
	}
	// Re-check under the lock; a heartbeat may have landed meanwhile.
	if now.Sub(agent.LastHeartbeatAt) <= r.cfg.TTLThreshold {
		return
	}
	if !model.CanTransitionAgent(agent.Status, model.AgentUnresponsive) {
		return
	}

	if _, err := bus.Emit(ctx, r.bus, bus.TopicAgentHeartbeatMissed, agentID, agentID, map[string]any{
		"agent_id":          agentID,
		"last_heartbeat_at": agent.LastHeartbeatAt,
	}); err != nil {
		r.logger.Error("publish heartbeat.missed", "agent", agentID, "error", err)
	}

	agent.Status = model.AgentUnresponsive
	orphanedTask := agent.CurrentTaskID
	agent.CurrentTaskID = ""

	escalate := agent.RestartCount >= r.cfg.MaxRestartAttempts
	if !escalate {
		agent.RestartCount++
		r.mu.Lock()
		r.lastRestart[agentID] = now
		r.mu.Unlock()
	}

	agent.Touch(now)
	if err := r.store.UpdateAgent(ctx, agent, version); err != nil {
		r.logger.Error("mark unresponsive", "agent", agentID, "error", err)
		return
	}

	r.logger.Warn("agent unresponsive",
		"agent", agentID, "restart_count", agent.RestartCount,
		"orphaned_task", orphanedTask, "escalate", escalate)

	if _, err := bus.Emit(ctx, r.bus, bus.TopicAgentUnresponsive, agentID, agentID, map[string]any{
		"agent_id":      agentID,
		"orphaned_task": orphanedTask,
	}); err != nil {
		r.logger.Error("publish unresponsive", "agent", agentID, "error", err)
	}

	topic := TopicAgentRestart
	if escalate {
		topic = TopicAgentEscalation
	}
	if _, err := bus.Emit(ctx, r.bus, topic, agentID, agentID, map[string]any{
		"agent_id":      agentID,
		"restart_count": agent.RestartCount,
	}); err != nil {
		r.logger.Error("publish restart/escalation", "agent", agentID, "error", err)
	}
}

// RunSweeper runs the heartbeat sweep until the context is canceled.
func (r *Registry) RunSweeper(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(r.cfg.SweepInterval):
			r.Sweep(ctx)
			r.deadlines.Tick()
		}
	}
}
