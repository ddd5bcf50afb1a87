// Package registry holds the set of experts the orchestrator can dispatch
// to. It is the MoE analogue of gomind's AgentCatalog: a small, mutex-guarded
// store that readers hit far more often than writers. Reads share a read
// lock, so they never observe a torn intermediate state; they are not
// lock-free and wait while a Register or Deregister holds the write lock.
package registry

import (
	"sort"
	"sync"

	"github.com/theodoremui/moe-orchestrator/moecore"
)

// Registry holds ExpertDescriptors keyed by ID. Register serializes under
// a write lock; Snapshot and Lookup take a read lock and return copies, so
// callers can range over the result without holding the Registry open.
type Registry struct {
	mu      sync.RWMutex
	experts map[string]moecore.ExpertDescriptor
	log     moecore.Logger
}

// New builds an empty Registry. A nil logger is replaced with a NoOpLogger
// so callers never need a nil check.
func New(log moecore.Logger) *Registry {
	if log == nil {
		log = moecore.NoOpLogger{}
	}
	if caw, ok := log.(moecore.ComponentAwareLogger); ok {
		log = caw.WithComponent("moe/registry")
	}
	return &Registry{
		experts: make(map[string]moecore.ExpertDescriptor),
		log:     log,
	}
}

// Register adds a new expert descriptor. It fails with ErrDuplicateExpertID
// if the ID is already registered and ErrInvalidDescriptor if the
// descriptor is missing required fields (spec.md §4.1 failure semantics).
func (r *Registry) Register(desc moecore.ExpertDescriptor) error {
	if err := validateDescriptor(desc); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.experts[desc.ID]; exists {
		return moecore.NewError("Registry.Register", "duplicate_id", moecore.ErrDuplicateExpertID)
	}
	r.experts[desc.ID] = desc
	r.log.Info("expert registered", map[string]interface{}{"expert_id": desc.ID})
	return nil
}

// Deregister removes an expert by ID. It is a no-op if the ID is unknown.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.experts, id)
	r.log.Info("expert deregistered", map[string]interface{}{"expert_id": id})
}

// Lookup returns the descriptor for id and whether it was found.
func (r *Registry) Lookup(id string) (moecore.ExpertDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.experts[id]
	return d, ok
}

// Snapshot returns a stable, ID-sorted copy of every registered descriptor.
// Callers never see a partially-applied concurrent Register or Deregister:
// the copy is taken entirely under one read lock.
func (r *Registry) Snapshot() []moecore.ExpertDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]moecore.ExpertDescriptor, 0, len(r.experts))
	for _, d := range r.experts {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of registered experts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.experts)
}

func validateDescriptor(desc moecore.ExpertDescriptor) error {
	if desc.ID == "" {
		return moecore.NewError("Registry.Register", "invalid_descriptor", moecore.ErrInvalidDescriptor)
	}
	if desc.TimeoutMS < 0 {
		return moecore.NewError("Registry.Register", "invalid_descriptor", moecore.ErrInvalidDescriptor)
	}
	return nil
}
