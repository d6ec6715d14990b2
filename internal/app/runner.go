// Package app wires the prediction engine together and owns the
// top-level run lifecycle: dependency check, grid planning, scheduling,
// merge and the unconditional sweep of transient artifacts.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/geodrift/tilecast/internal/cleanup"
	"github.com/geodrift/tilecast/internal/config"
	"github.com/geodrift/tilecast/internal/geo"
	"github.com/geodrift/tilecast/internal/logging"
	"github.com/geodrift/tilecast/internal/merge"
	"github.com/geodrift/tilecast/internal/metrics"
	"github.com/geodrift/tilecast/internal/predict"
	"github.com/geodrift/tilecast/internal/rastore"
	"github.com/geodrift/tilecast/internal/scheduler"
	"github.com/geodrift/tilecast/internal/workspace"
)

// Runner executes one prediction run.
type Runner struct {
	cfg    config.Config
	store  rastore.Store
	engine predict.Engine
	log    *slog.Logger
	run    string
}

// New creates a runner. Each runner carries a short random run token
// that correlates its log lines and names its temporary artifacts.
func New(cfg config.Config, store rastore.Store, engine predict.Engine) *Runner {
	token := logging.NewRunToken()
	return &Runner{
		cfg:    cfg,
		store:  store,
		engine: engine,
		log:    logging.RunLogger(token),
		run:    token,
	}
}

// Run executes the prediction end to end. Transient artifacts are
// swept on every exit path, including cancellation and fatal errors.
func (r *Runner) Run(ctx context.Context) error {
	start := time.Now()
	reg := cleanup.New()
	// The sweep must run even after cancellation or a fatal error.
	defer reg.SweepAll(context.WithoutCancel(ctx), r.store)

	if err := r.engine.Check(ctx); err != nil {
		return err
	}

	regionRef := rastore.Ref{Workspace: r.cfg.Workspace, Name: "current", Kind: rastore.KindRegion}
	regionObj, err := r.store.ReadObject(ctx, regionRef)
	if err != nil {
		return fmt.Errorf("read current region of workspace %q: %w", r.cfg.Workspace, err)
	}
	if regionObj.Region == nil {
		return fmt.Errorf("workspace %q has no current region", r.cfg.Workspace)
	}
	parentRegion := *regionObj.Region

	available := runtime.NumCPU()
	parallelism := config.ResolveParallelism(r.cfg.NProcs, available)
	if parallelism > available {
		r.log.Warn("requested more jobs than available cores", "nprocs", parallelism, "cores", available)
	}

	model := predict.ModelReference{Path: r.cfg.ModelPath, Group: r.cfg.Group}
	flags := predict.Flags{
		Probabilities:   r.cfg.Probabilities,
		ProbabilityOnly: r.cfg.ProbabilityOnly,
	}

	if parallelism <= 1 {
		return r.runDirect(ctx, parentRegion, model, flags, start)
	}

	rows, cols, err := geo.ParseGridSpec(r.cfg.GridSpec, parallelism)
	if err != nil {
		return err
	}
	r.log.Info("generating grid", "rows", rows, "cols", cols, "region", parentRegion.String())
	grid, err := geo.Plan(parentRegion, rows, cols)
	if err != nil {
		return err
	}
	if m := metrics.Get(); m != nil {
		m.CellsPlanned.Add(float64(len(grid.Cells)))
	}
	if err := r.materializeGrid(ctx, grid, reg); err != nil {
		return err
	}

	manager := workspace.NewManager(r.store, reg, r.cfg.Workspace)
	worker := predict.NewWorker(r.store, r.engine, manager, reg, r.cfg.Workspace, parentRegion, r.cfg.Grow)
	sched := scheduler.New(worker, manager)

	tiles, failures, err := sched.Run(ctx, grid, scheduler.Params{
		Model:     model,
		Output:    r.cfg.Output,
		ChunkSize: r.cfg.ChunkSize,
		Flags:     flags,
		Limit:     parallelism,
	})
	for _, failure := range failures {
		r.log.Error("cell failed, re-run it individually", "cell", failure.Cell, "error", failure.Err)
	}
	if err != nil {
		return err
	}
	if len(tiles) == 0 {
		return fmt.Errorf("prediction produced no tiles: %w", merge.ErrNoTiles)
	}

	mode := merge.ModeHard
	if r.cfg.VirtualMosaic {
		mode = merge.ModeVirtual
	}
	outputs, err := merge.New(r.store, reg, r.cfg.Workspace).Merge(ctx, tiles, r.cfg.Output, mode)
	if err != nil {
		return err
	}

	elapsed := time.Since(start)
	r.log.Info("run complete",
		"cells", len(grid.Cells),
		"failed", len(failures),
		"outputs", len(outputs),
		"duration", elapsed.String(),
		"cells_per_sec", fmt.Sprintf("%.2f", float64(len(grid.Cells))/elapsed.Seconds()),
	)
	return nil
}

// runDirect is the degenerate single-job path: no grid, no scheduler,
// no merge, one inference call over the unmodified parent region.
func (r *Runner) runDirect(ctx context.Context, region geo.Region, model predict.ModelReference, flags predict.Flags, start time.Time) error {
	r.log.Info("single job, predicting the whole region directly", "region", region.String())

	req := predict.Request{
		Group:     model.Group,
		ModelPath: model.Path,
		Output:    r.cfg.Output,
		ChunkSize: r.cfg.ChunkSize,
		Flags:     flags,
		Region:    region,
		Workspace: r.cfg.Workspace,
	}
	if err := req.Validate(); err != nil {
		return err
	}
	names, err := r.engine.Predict(ctx, req)
	if err != nil {
		return err
	}

	r.log.Info("run complete", "outputs", len(names), "duration", time.Since(start).String())
	return nil
}

// materializeGrid stores the planned grid as a vector artifact so the
// tiling of a run can be inspected afterwards. It is transient and
// reclaimed at sweep time.
func (r *Runner) materializeGrid(ctx context.Context, grid geo.Grid, reg *cleanup.Registry) error {
	cells := make([]rastore.VectorCell, len(grid.Cells))
	for i, cell := range grid.Cells {
		cells[i] = rastore.VectorCell{Cat: cell.ID, Region: cell.Region}
	}
	ref := rastore.Ref{Workspace: r.cfg.Workspace, Name: "tmp_grid_" + r.run, Kind: rastore.KindVector}
	if err := r.store.WriteObject(ctx, ref, &rastore.Object{Vector: &rastore.VectorInfo{Cells: cells}}); err != nil {
		return fmt.Errorf("materialize grid vector: %w", err)
	}
	reg.Track(ref)
	return nil
}
