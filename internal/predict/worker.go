package predict

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/geodrift/tilecast/internal/cleanup"
	"github.com/geodrift/tilecast/internal/geo"
	"github.com/geodrift/tilecast/internal/logging"
	"github.com/geodrift/tilecast/internal/metrics"
	"github.com/geodrift/tilecast/internal/rastore"
	"github.com/geodrift/tilecast/internal/workspace"
)

// Worker runs one job end to end: allocate an isolated workspace,
// invoke the engine inside it, copy the results out and release the
// workspace. All failures come back as *WorkerError data.
type Worker struct {
	store        rastore.Store
	engine       Engine
	workspaces   *workspace.Manager
	reg          *cleanup.Registry
	parent       string
	parentRegion geo.Region
	grow         int
	log          *slog.Logger
}

// NewWorker creates a worker bound to the parent workspace and region.
// grow is the margin, in cells, added around each job's extent so the
// model sees context beyond the cell boundary.
func NewWorker(store rastore.Store, engine Engine, ws *workspace.Manager, reg *cleanup.Registry, parent string, parentRegion geo.Region, grow int) *Worker {
	return &Worker{
		store:        store,
		engine:       engine,
		workspaces:   ws,
		reg:          reg,
		parent:       parent,
		parentRegion: parentRegion,
		grow:         grow,
		log:          logging.Component("worker"),
	}
}

// Run executes one job. The returned error, when non-nil, is always a
// *WorkerError carrying the cell id and the cause.
func (w *Worker) Run(ctx context.Context, job Job) ([]ResultTile, error) {
	name := workspace.NameFor(job.Output, job.Cell.ID)
	log := logging.CellLogger(w.log, job.Cell.ID, name)

	group := rastore.Ref{Workspace: w.parent, Name: job.Model.Group, Kind: rastore.KindGroup}
	ws, err := w.workspaces.Allocate(ctx, job.Cell.ID, name, group)
	if err != nil {
		return nil, &WorkerError{Cell: job.Cell.ID, Err: err}
	}

	tiles, err := w.predictInto(ctx, ws, job, log)
	if relErr := w.workspaces.Release(ctx, ws); relErr != nil {
		log.Warn("workspace left for sweep", "error", relErr)
	}
	if err != nil {
		return nil, &WorkerError{Cell: job.Cell.ID, Err: err}
	}
	return tiles, nil
}

// predictInto runs the inference inside an allocated workspace and
// copies the produced rasters into the parent.
func (w *Worker) predictInto(ctx context.Context, ws *workspace.Workspace, job Job, log *slog.Logger) ([]ResultTile, error) {
	// The job region is the cell extent snapped onto the parent's pixel
	// raster and grown by the margin; the authoritative tile is cropped
	// back to the bare cell extent on copy-out. The snap is anchored at
	// the parent corner, so it holds for parents whose extent is not on
	// absolute resolution multiples.
	jobRegion := job.Cell.Region.
		AlignTo(w.parentRegion).
		GrowCells(w.grow)

	regionRef := rastore.Ref{Workspace: ws.Name, Name: "current", Kind: rastore.KindRegion}
	if err := w.store.WriteObject(ctx, regionRef, &rastore.Object{Region: &jobRegion}); err != nil {
		return nil, fmt.Errorf("write job region: %w", err)
	}

	req := Request{
		Group:     job.Model.Group,
		ModelPath: job.Model.Path,
		Output:    fmt.Sprintf("%s_%d", job.Output, job.Cell.ID),
		ChunkSize: job.ChunkSize,
		Flags:     job.Flags,
		Region:    jobRegion,
		Workspace: ws.Name,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	log.Debug("predicting cell", "rows", jobRegion.Rows(), "cols", jobRegion.Cols(), "chunk", req.EffectiveChunk())
	start := time.Now()
	names, err := w.engine.Predict(ctx, req)
	if err != nil {
		return nil, err
	}
	if m := metrics.Get(); m != nil {
		m.PredictDuration.Observe(time.Since(start).Seconds())
	}

	tiles := make([]ResultTile, 0, len(names))
	for _, name := range names {
		produced, err := w.store.ReadRaster(ctx, rastore.Ref{Workspace: ws.Name, Name: name, Kind: rastore.KindRaster})
		if err != nil {
			return nil, fmt.Errorf("read produced raster %s: %w", name, err)
		}
		cropped, err := produced.Crop(job.Cell.Region)
		if err != nil {
			return nil, fmt.Errorf("crop %s to cell extent: %w", name, err)
		}

		dst := rastore.Ref{Workspace: w.parent, Name: name, Kind: rastore.KindRaster}
		if err := w.store.WriteRaster(ctx, dst, cropped); err != nil {
			return nil, fmt.Errorf("copy out %s: %w", name, err)
		}
		w.reg.Track(dst)

		tiles = append(tiles, ResultTile{
			Cell:  job.Cell.ID,
			Layer: layerOf(name, job.Output, job.Cell.ID),
			Name:  name,
		})
	}

	log.Debug("cell complete", "tiles", len(tiles))
	return tiles, nil
}

// layerOf recovers the class label from a produced raster name. The
// primary prediction is "<output>_<cat>"; probability rasters are
// "<output>_<class>_<cat>".
func layerOf(name, output string, cell int) string {
	suffix := "_" + strconv.Itoa(cell)
	trimmed := strings.TrimSuffix(name, suffix)
	if trimmed == output {
		return ""
	}
	return strings.TrimPrefix(trimmed, output+"_")
}
