// Package workspace manages the isolated execution contexts that
// prediction jobs run inside. A workspace is a private namespace in the
// artifact store; each job owns exactly one for its lifetime and the
// parent run never writes into it. Handles are passed explicitly as
// parameters, so no job can leak its context into the parent; the
// manager's Current value exists only as a post-run regression check.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/geodrift/tilecast/internal/cleanup"
	"github.com/geodrift/tilecast/internal/logging"
	"github.com/geodrift/tilecast/internal/metrics"
	"github.com/geodrift/tilecast/internal/rastore"
)

// Workspace is a handle on one isolated context.
type Workspace struct {
	Name string
	Cell int
}

// NameFor derives the deterministic workspace name for a cell. Stale
// leftovers of a crashed prior run land on the same name and are
// removed on the next Allocate.
func NameFor(output string, cell int) string {
	return fmt.Sprintf("tmp_%s_tile_%d", output, cell)
}

// SwitchError reports that a freshly created workspace did not come up
// under the requested name. The isolation boundary did not engage; the
// job it was allocated for must not proceed.
type SwitchError struct {
	Workspace string
	Active    string
}

func (e *SwitchError) Error() string {
	return fmt.Sprintf("workspace switch failed: requested %q but store reports %q", e.Workspace, e.Active)
}

// Manager allocates and releases workspaces against one store.
type Manager struct {
	store rastore.Store
	reg   *cleanup.Registry
	log   *slog.Logger

	mu      sync.Mutex
	current string
	active  map[string]*Workspace
}

// NewManager creates a manager whose parent context is named parent.
func NewManager(store rastore.Store, reg *cleanup.Registry, parent string) *Manager {
	return &Manager{
		store:   store,
		reg:     reg,
		log:     logging.Component("workspace"),
		current: parent,
		active:  map[string]*Workspace{},
	}
}

// Allocate creates a fresh isolated workspace for a cell and copies the
// feature-variable group into it. Any pre-existing namespace under the
// same name is removed first; a stale workspace is never reused.
func (m *Manager) Allocate(ctx context.Context, cell int, name string, group rastore.Ref) (*Workspace, error) {
	stale, err := m.store.WorkspaceExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("allocate %s: %w", name, err)
	}
	if stale {
		m.log.Warn("removing stale workspace from a prior run", "workspace", name)
		if err := m.store.RemoveWorkspace(ctx, name); err != nil {
			return nil, fmt.Errorf("allocate %s: remove stale workspace: %w", name, err)
		}
	}

	if err := m.store.CreateWorkspace(ctx, name, cell); err != nil {
		return nil, fmt.Errorf("allocate %s: %w", name, err)
	}
	m.reg.TrackWorkspace(name)

	// The new context cannot see the parent's artifacts, so the group
	// and its member rasters are copied in.
	dst := rastore.Ref{Workspace: name, Name: group.Name, Kind: rastore.KindGroup}
	if err := m.store.Copy(ctx, group, dst); err != nil {
		return nil, fmt.Errorf("allocate %s: copy group %s: %w", name, group.Name, err)
	}

	// Verify the isolation boundary took effect before handing the
	// workspace to a job.
	marker, err := m.store.WorkspaceInfo(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("allocate %s: %w", name, err)
	}
	if marker.Workspace != name {
		return nil, &SwitchError{Workspace: name, Active: marker.Workspace}
	}

	ws := &Workspace{Name: name, Cell: cell}
	m.mu.Lock()
	m.active[name] = ws
	m.mu.Unlock()
	if mx := metrics.Get(); mx != nil {
		mx.WorkspaceAllocations.Inc()
	}
	return ws, nil
}

// Release deletes a workspace and everything in it. Reclamation is
// best-effort: on failure the name stays in the cleanup registry for
// the end-of-run sweep and the error is reported for logging, not as a
// fatal condition.
func (m *Manager) Release(ctx context.Context, ws *Workspace) error {
	m.mu.Lock()
	delete(m.active, ws.Name)
	m.mu.Unlock()

	if err := m.store.RemoveWorkspace(ctx, ws.Name); err != nil {
		m.log.Warn("workspace release failed, retained for sweep", "workspace", ws.Name, "error", err)
		return fmt.Errorf("release %s: %w", ws.Name, err)
	}
	m.reg.UntrackWorkspace(ws.Name)
	if mx := metrics.Get(); mx != nil {
		mx.WorkspaceReleases.Inc()
	}
	return nil
}

// Active returns the number of currently allocated workspaces.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Current returns the parent's active context name. Production code
// never switches it; the scheduler compares it before and after a
// batch as a regression net for the isolation guarantee.
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Activate switches the manager's active context. Nothing in the
// orchestration path calls this; it completes the context-manager
// surface and lets tests simulate a leak.
func (m *Manager) Activate(name string) {
	m.mu.Lock()
	m.current = name
	m.mu.Unlock()
}
