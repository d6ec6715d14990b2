// Package cleanup tracks transient artifacts created during a run and
// sweeps them on every exit path. The registry is an explicit value
// owned by the top-level run and passed into each component that
// creates temporary artifacts; it is never a package global.
package cleanup

import (
	"context"
	"log/slog"
	"sync"

	"github.com/geodrift/tilecast/internal/logging"
	"github.com/geodrift/tilecast/internal/metrics"
	"github.com/geodrift/tilecast/internal/rastore"
)

// Registry is the transient-resource set of one run. Safe for
// concurrent use; jobs track and untrack from worker goroutines.
type Registry struct {
	mu         sync.Mutex
	artifacts  map[rastore.Ref]struct{}
	workspaces map[string]struct{}
	log        *slog.Logger
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		artifacts:  make(map[rastore.Ref]struct{}),
		workspaces: make(map[string]struct{}),
		log:        logging.Component("cleanup"),
	}
}

// Track registers a transient artifact for removal at sweep time.
func (r *Registry) Track(ref rastore.Ref) {
	r.mu.Lock()
	r.artifacts[ref] = struct{}{}
	r.mu.Unlock()
	if m := metrics.Get(); m != nil {
		m.TransientTracked.Inc()
	}
}

// Untrack removes an artifact from the registry, typically because it
// was reclaimed early or promoted to a permanent dependency.
func (r *Registry) Untrack(ref rastore.Ref) {
	r.mu.Lock()
	delete(r.artifacts, ref)
	r.mu.Unlock()
}

// TrackWorkspace registers an isolated workspace. The name stays
// tracked until its removal is confirmed.
func (r *Registry) TrackWorkspace(name string) {
	r.mu.Lock()
	r.workspaces[name] = struct{}{}
	r.mu.Unlock()
	if m := metrics.Get(); m != nil {
		m.TransientTracked.Inc()
	}
}

// UntrackWorkspace removes a workspace name from the registry.
func (r *Registry) UntrackWorkspace(name string) {
	r.mu.Lock()
	delete(r.workspaces, name)
	r.mu.Unlock()
}

// Len returns the number of tracked entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.artifacts) + len(r.workspaces)
}

// SweepAll removes every tracked, still-existing resource from the
// store. Individual failures are logged and counted, never propagated:
// the sweeper runs after fatal errors elsewhere and must not add its
// own. Returns the number of resources removed and the number of
// removal failures.
func (r *Registry) SweepAll(ctx context.Context, store rastore.Store) (removed, failed int) {
	r.mu.Lock()
	artifacts := make([]rastore.Ref, 0, len(r.artifacts))
	for ref := range r.artifacts {
		artifacts = append(artifacts, ref)
	}
	workspaces := make([]string, 0, len(r.workspaces))
	for name := range r.workspaces {
		workspaces = append(workspaces, name)
	}
	r.mu.Unlock()

	for _, ref := range artifacts {
		exists, err := store.Exists(ctx, ref)
		if err != nil {
			r.log.Warn("sweep: existence check failed", "artifact", ref.String(), "error", err)
			failed++
			continue
		}
		if !exists {
			r.Untrack(ref)
			continue
		}
		if err := store.Remove(ctx, ref); err != nil {
			r.log.Warn("sweep: remove failed", "artifact", ref.String(), "error", err)
			failed++
			continue
		}
		r.Untrack(ref)
		removed++
	}

	for _, name := range workspaces {
		exists, err := store.WorkspaceExists(ctx, name)
		if err != nil {
			r.log.Warn("sweep: workspace check failed", "workspace", name, "error", err)
			failed++
			continue
		}
		if !exists {
			r.UntrackWorkspace(name)
			continue
		}
		if err := store.RemoveWorkspace(ctx, name); err != nil {
			r.log.Warn("sweep: workspace remove failed", "workspace", name, "error", err)
			failed++
			continue
		}
		r.UntrackWorkspace(name)
		removed++
	}

	if m := metrics.Get(); m != nil {
		m.TransientSwept.Add(float64(removed))
		m.SweepFailures.Add(float64(failed))
	}
	if removed > 0 || failed > 0 {
		r.log.Info("sweep complete", "removed", removed, "failed", failed)
	}
	return removed, failed
}
