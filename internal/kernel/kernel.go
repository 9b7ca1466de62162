// Package kernel assembles the orchestration runtime: storage, event bus,
// registry, scheduler, board, and the feedback loops, plus their
// background sweepers.
package kernel

import (
	"context"
	"encoding/json"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelhq/kestrel/internal/approval"
	"github.com/kestrelhq/kestrel/internal/artifact"
	"github.com/kestrelhq/kestrel/internal/board"
	"github.com/kestrelhq/kestrel/internal/bus"
	"github.com/kestrelhq/kestrel/internal/clock"
	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/diagnostic"
	"github.com/kestrelhq/kestrel/internal/discovery"
	"github.com/kestrelhq/kestrel/internal/model"
	"github.com/kestrelhq/kestrel/internal/registry"
	"github.com/kestrelhq/kestrel/internal/scheduler"
	"github.com/kestrelhq/kestrel/internal/store"
	"github.com/kestrelhq/kestrel/internal/supervisor"
	"github.com/kestrelhq/kestrel/internal/validation"
)

// Kernel owns every subsystem and their lifecycles.
type Kernel struct {
	Store      store.Backend
	Bus        *bus.Bus
	Registry   *registry.Registry
	Scheduler  *scheduler.Scheduler
	Board      *board.Engine
	Artifacts  *artifact.Service
	Discovery  *discovery.Service
	Validation *validation.Engine
	Diagnostic *diagnostic.Monitor
	Supervisor *supervisor.Service
	Approval   *approval.Gate

	cfg    *config.Config
	clock  clock.Clock
	logger *slog.Logger

	ownStore bool
}

// Options control kernel assembly. A nil Backend opens one from the
// config's store section.
type Options struct {
	Config  *config.Config
	Clock   clock.Clock
	Logger  *slog.Logger
	Backend store.Backend
}

// New assembles a kernel, seeds the board, and wires the internal bus
// subscriptions. The caller runs it with Run and tears it down with Close.
func New(opts Options) (*Kernel, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	backend := opts.Backend
	ownStore := false
	if backend == nil {
		b, err := store.NewBackend(cfg.Store.DSN, cfg.Store.Dialect)
		if err != nil {
			return nil, err
		}
		backend = b
		ownStore = true
	}

	k := &Kernel{
		Store:    backend,
		cfg:      cfg,
		clock:    clk,
		logger:   logger,
		ownStore: ownStore,
	}

	k.Bus = bus.New(backend, clk, cfg.Bus, logger.With("component", "bus"))
	k.Registry = registry.New(backend, k.Bus, clk, cfg.Heartbeat, logger.With("component", "registry"))
	k.Scheduler = scheduler.New(backend, k.Bus, k.Registry, clk, cfg, logger.With("component", "scheduler"))
	k.Board = board.New(backend, k.Bus, clk, cfg, board.TruncateSummarizer{}, logger.With("component", "board"))
	k.Artifacts = artifact.New(backend, clk, logger.With("component", "artifact"))
	k.Discovery = discovery.New(backend, k.Bus, k.Scheduler, clk, cfg.Discovery, logger.With("component", "discovery"))
	k.Validation = validation.New(backend, k.Bus, k.Registry, k.Scheduler, k.Discovery, clk, cfg, logger.With("component", "validation"))
	k.Diagnostic = diagnostic.New(backend, k.Bus, k.Discovery, clk, cfg.Discovery, logger.With("component", "diagnostic"))
	k.Supervisor = supervisor.New(backend, k.Bus, k.Registry, k.Scheduler, clk, cfg.Supervisor, logger.With("component", "supervisor"))
	k.Approval = approval.New(backend, k.Bus, clk, cfg.Approval, logger.With("component", "approval"))

	ctx := context.Background()
	if err := board.SeedFromConfig(ctx, backend, &cfg.Board); err != nil {
		k.Close()
		return nil, err
	}
	if err := k.subscribe(); err != nil {
		k.Close()
		return nil, err
	}
	if err := k.Registry.Start(ctx); err != nil {
		k.Close()
		return nil, err
	}
	return k, nil
}

// subscribe wires the completion fan-in: finished tasks resolve open
// discoveries and diagnostic runs.
func (k *Kernel) subscribe() error {
	return k.Bus.Subscribe("kernel-completions", bus.TopicTaskCompleted, bus.AtLeastOnce,
		func(ctx context.Context, e bus.Event) error {
			var task model.Task
			if err := json.Unmarshal(e.Payload, &task); err != nil {
				k.logger.Error("decode task.completed payload", "seq", e.Seq, "error", err)
				return nil
			}
			if err := k.Discovery.ResolveSpawned(ctx, task.ID); err != nil {
				return err
			}
			return k.Diagnostic.ResolveRun(ctx, task.ID)
		})
}

// Run drives every background loop until the context is canceled.
func (k *Kernel) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { k.Registry.RunSweeper(ctx); return nil })
	g.Go(func() error { k.Scheduler.RunDispatcher(ctx); return nil })
	g.Go(func() error { k.Validation.Run(ctx); return nil })
	g.Go(func() error { k.Diagnostic.Run(ctx); return nil })
	g.Go(func() error { k.Approval.Run(ctx); return nil })
	return g.Wait()
}

// Close releases the bus and, when the kernel opened it, the store.
func (k *Kernel) Close() {
	if k.Bus != nil {
		k.Bus.Close()
	}
	if k.ownStore {
		if err := k.Store.Close(); err != nil {
			k.logger.Error("close store", "error", err)
		}
	}
}
