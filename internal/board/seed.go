package board

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kestrelhq/kestrel/internal/config"
	kerr "github.com/kestrelhq/kestrel/internal/errors"
	"github.com/kestrelhq/kestrel/internal/model"
	"github.com/kestrelhq/kestrel/internal/store"
)

// SeedFile is the YAML layout of a board definition file.
type SeedFile struct {
	Phases  []model.Phase       `yaml:"phases"`
	Columns []model.BoardColumn `yaml:"columns"`
}

// DefaultSeed returns the built-in board used when no seed file is
// configured: a four-phase forward flow over four columns. Backward
// movement goes through discovery branching, not allowed_transitions.
func DefaultSeed() *SeedFile {
	wip := 10
	return &SeedFile{
		Phases: []model.Phase{
			{
				ID:                 "planning",
				SequenceOrder:      1,
				AllowedTransitions: []string{"implementation"},
				DoneDefinitions:    []string{"plan"},
				ExpectedOutputs: []model.Output{
					{Type: "plan", Pattern: "**/plan*.md", Required: true},
				},
			},
			{
				ID:                 "implementation",
				SequenceOrder:      2,
				AllowedTransitions: []string{"validation"},
				DoneDefinitions:    []string{"implementation"},
			},
			{
				ID:                 "validation",
				SequenceOrder:      3,
				AllowedTransitions: []string{"completion"},
				DoneDefinitions:    []string{"review"},
			},
			{
				ID:              "completion",
				SequenceOrder:   4,
				DoneDefinitions: []string{"summary"},
			},
		},
		Columns: []model.BoardColumn{
			{ID: "backlog", SequenceOrder: 1, PhaseMapping: []string{"planning"}},
			{ID: "in_progress", SequenceOrder: 2, PhaseMapping: []string{"planning", "implementation"}, WIPLimit: &wip},
			{ID: "review", SequenceOrder: 3, PhaseMapping: []string{"validation"}},
			{ID: "done", SequenceOrder: 4, PhaseMapping: []string{"completion"}, IsTerminal: true},
		},
	}
}

// LoadSeed reads a board definition from a YAML file.
func LoadSeed(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read board seed: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse board seed %s: %w", path, err)
	}
	if len(seed.Phases) == 0 || len(seed.Columns) == 0 {
		return nil, fmt.Errorf("board seed %s must define phases and columns", path)
	}
	return &seed, nil
}

// Seed persists the board definition, applying configuration overrides for
// WIP limits and auto-transitions. Existing definitions are updated in
// place, so seeding is idempotent.
func Seed(ctx context.Context, backend store.Backend, cfg *config.BoardConfig, seed *SeedFile) error {
	if seed == nil {
		seed = DefaultSeed()
	}
	if err := validatePhaseGraph(seed.Phases); err != nil {
		return err
	}

	for i := range seed.Phases {
		if err := backend.SavePhase(ctx, &seed.Phases[i]); err != nil {
			return err
		}
	}
	for i := range seed.Columns {
		col := seed.Columns[i]
		if v, ok := cfg.WIPLimits[col.ID]; ok {
			col.WIPLimit = &v
		}
		if v, ok := cfg.AutoTransitions[col.ID]; ok {
			col.AutoTransitionTo = v
		}
		if err := backend.SaveBoardColumn(ctx, &col); err != nil {
			return err
		}
	}
	return nil
}

// validatePhaseGraph rejects phase definitions whose allowed_transitions
// close a cycle. Edges to undeclared phases are ignored.
func validatePhaseGraph(phases []model.Phase) error {
	edges := make(map[string][]string, len(phases))
	for i := range phases {
		edges[phases[i].ID] = phases[i].AllowedTransitions
	}

	const (
		unseen = iota
		open
		done
	)
	state := make(map[string]int, len(edges))
	for id := range edges {
		if state[id] != unseen {
			continue
		}
		// Iterative DFS; reaching a node still on the stack closes a cycle.
		stack := []string{id}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			if state[n] == unseen {
				state[n] = open
				for _, next := range edges[n] {
					if _, declared := edges[next]; !declared {
						continue
					}
					if state[next] == open {
						return kerr.ErrPhaseCycle(next)
					}
					if state[next] == unseen {
						stack = append(stack, next)
					}
				}
				continue
			}
			state[n] = done
			stack = stack[:len(stack)-1]
		}
	}
	return nil
}

// SeedFromConfig seeds from the configured seed path, or the built-in
// default when none is set.
func SeedFromConfig(ctx context.Context, backend store.Backend, cfg *config.BoardConfig) error {
	seed := DefaultSeed()
	if cfg.SeedPath != "" {
		loaded, err := LoadSeed(cfg.SeedPath)
		if err != nil {
			return err
		}
		seed = loaded
	}
	return Seed(ctx, backend, cfg, seed)
}
