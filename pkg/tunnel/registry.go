package tunnel

import (
	"context"
	"sort"
	"sync"
)

// Registry tracks one supervisor per named server. It replaces the
// shared module-level tunnel cache of earlier tooling with an
// explicit instance: callers construct a registry, pass it around and
// stop it, which keeps multiple independent tunnels and test
// isolation possible.
type Registry struct {
	mu      sync.Mutex
	tunnels map[string]*Supervisor
}

func NewRegistry() *Registry {
	return &Registry{tunnels: map[string]*Supervisor{}}
}

// Ensure returns a ready endpoint for the named server, creating and
// starting a supervisor on first use. Subsequent calls run a health
// check on the existing supervisor instead. Calls are serialized per
// registry, so two callers never race to start the same tunnel.
func (r *Registry) Ensure(ctx context.Context, name string, cfg Config) (Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sup, ok := r.tunnels[name]
	if !ok {
		var err error
		sup, err = NewSupervisor(cfg)
		if err != nil {
			return Endpoint{}, err
		}
		ep, err := sup.Start(ctx)
		if err != nil {
			return Endpoint{}, err
		}
		r.tunnels[name] = sup
		return ep, nil
	}
	if err := sup.EnsureHealthy(ctx); err != nil {
		return Endpoint{}, err
	}
	return sup.Endpoint(), nil
}

// Get returns the supervisor for a name, if one was started.
func (r *Registry) Get(name string) (*Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sup, ok := r.tunnels[name]
	return sup, ok
}

// StopAll stops every supervisor and forgets it. Safe to call twice.
func (r *Registry) StopAll() {
	r.mu.Lock()
	tunnels := r.tunnels
	r.tunnels = map[string]*Supervisor{}
	r.mu.Unlock()
	for _, sup := range tunnels {
		sup.Stop()
	}
}

// NamedStatus pairs a server name with its supervisor status.
type NamedStatus struct {
	Name string `json:"name"`
	Status
}

// Status snapshots every registered tunnel, sorted by name.
func (r *Registry) Status() []NamedStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]NamedStatus, 0, len(r.tunnels))
	for name, sup := range r.tunnels {
		out = append(out, NamedStatus{Name: name, Status: sup.Status()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
