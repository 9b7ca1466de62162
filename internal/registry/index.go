package registry

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kestrelhq/kestrel/internal/model"
	"github.com/kestrelhq/kestrel/internal/store"
)

// CapabilityIndex is the in-memory inverted index used for candidate
// lookup during dispatch. It is derived state: rebuilt from the store on
// startup and whenever drift is suspected.
type CapabilityIndex struct {
	mu      sync.RWMutex
	byCap   map[string]map[string]bool // capability -> agent IDs
	byPhase map[string]map[string]bool // phase -> agent IDs
	rebuild singleflight.Group
}

// NewCapabilityIndex creates an empty index.
func NewCapabilityIndex() *CapabilityIndex {
	return &CapabilityIndex{
		byCap:   make(map[string]map[string]bool),
		byPhase: make(map[string]map[string]bool),
	}
}

// Add indexes an agent's phase and capabilities.
func (ix *CapabilityIndex) Add(a *model.Agent) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.addLocked(a)
}

func (ix *CapabilityIndex) addLocked(a *model.Agent) {
	for _, c := range a.Capabilities {
		if ix.byCap[c] == nil {
			ix.byCap[c] = make(map[string]bool)
		}
		ix.byCap[c][a.ID] = true
	}
	if ix.byPhase[a.PhaseID] == nil {
		ix.byPhase[a.PhaseID] = make(map[string]bool)
	}
	ix.byPhase[a.PhaseID][a.ID] = true
}

// Remove drops an agent from the index.
func (ix *CapabilityIndex) Remove(a *model.Agent) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, c := range a.Capabilities {
		delete(ix.byCap[c], a.ID)
		if len(ix.byCap[c]) == 0 {
			delete(ix.byCap, c)
		}
	}
	delete(ix.byPhase[a.PhaseID], a.ID)
	if len(ix.byPhase[a.PhaseID]) == 0 {
		delete(ix.byPhase, a.PhaseID)
	}
}

// Candidates returns agent IDs registered in the phase that advertise
// every required capability.
func (ix *CapabilityIndex) Candidates(phaseID string, required []string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []string
	for id := range ix.byPhase[phaseID] {
		ok := true
		for _, c := range required {
			if !ix.byCap[c][id] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, id)
		}
	}
	return out
}

// Missing returns the required capabilities that no agent registered in
// the phase advertises.
func (ix *CapabilityIndex) Missing(phaseID string, required []string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var missing []string
	for _, c := range required {
		covered := false
		for id := range ix.byPhase[phaseID] {
			if ix.byCap[c][id] {
				covered = true
				break
			}
		}
		if !covered {
			missing = append(missing, c)
		}
	}
	return missing
}

// Rebuild reconstructs the index from the store. Concurrent callers share
// a single rebuild.
func (ix *CapabilityIndex) Rebuild(ctx context.Context, backend store.Backend) error {
	_, err, _ := ix.rebuild.Do("rebuild", func() (any, error) {
		agents, err := backend.ListAgents(ctx, "", "")
		if err != nil {
			return nil, err
		}

		ix.mu.Lock()
		defer ix.mu.Unlock()
		ix.byCap = make(map[string]map[string]bool)
		ix.byPhase = make(map[string]map[string]bool)
		for _, a := range agents {
			ix.addLocked(a)
		}
		return nil, nil
	})
	return err
}
