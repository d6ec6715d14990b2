// Package predict drives the external model-inference tool over one
// grid cell at a time. The tool itself is an opaque collaborator; this
// package owns the typed invocation request, the engine boundary and
// the per-cell worker lifecycle.
package predict

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/geodrift/tilecast/internal/geo"
)

// ModelReference is the opaque, read-only predictor shared by all
// jobs: the serialized estimator file plus the imagery group of
// feature-variable rasters in the parent workspace.
type ModelReference struct {
	Path  string
	Group string
}

// Flags selects which prediction layers the tool produces.
type Flags struct {
	// Probabilities requests per-class probability rasters in
	// addition to the primary prediction.
	Probabilities bool
	// ProbabilityOnly suppresses the primary prediction and produces
	// probability rasters only.
	ProbabilityOnly bool
}

// Job binds one grid cell to the shared model and the per-run output
// parameters. Exactly one workspace serves a job for its lifetime.
type Job struct {
	Cell      geo.Cell
	Model     ModelReference
	Output    string
	ChunkSize int
	Flags     Flags
}

// ResultTile is one raster produced by a completed job, after copy-out
// into the parent workspace. Layer is empty for the primary prediction
// and carries the class label for probability rasters.
type ResultTile struct {
	Cell  int
	Layer string
	Name  string
}

// WorkerError wraps a per-job failure. It is returned as data, never
// raised across the concurrency boundary; the scheduler decides
// disposition.
type WorkerError struct {
	Cell int
	Err  error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("cell %d: %v", e.Cell, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// Request is the typed invocation of one inference call. It replaces
// string-built command lines: argument construction and chunk-size
// rounding are pure functions over this struct.
type Request struct {
	Group     string
	ModelPath string
	Output    string
	ChunkSize int
	Flags     Flags
	Region    geo.Region
	Workspace string
}

// Validate rejects an unusable request before dispatch.
func (r Request) Validate() error {
	if r.Group == "" {
		return errors.New("request: group is required")
	}
	if r.ModelPath == "" {
		return errors.New("request: model path is required")
	}
	if r.Output == "" {
		return errors.New("request: output name is required")
	}
	if r.Workspace == "" {
		return errors.New("request: workspace is required")
	}
	if r.ChunkSize <= 0 {
		return fmt.Errorf("request: chunk size must be positive, got %d", r.ChunkSize)
	}
	if err := r.Region.Validate(); err != nil {
		return fmt.Errorf("request: %w", err)
	}
	return nil
}

// EffectiveChunk returns the chunk size actually passed to the tool:
// the requested pixel count floor-divided against the region's row
// width, so one streamed chunk is always a whole number of rows and
// never less than one row. Chunk size bounds the tool's peak memory.
func (r Request) EffectiveChunk() int {
	cols := r.Region.Cols()
	if cols <= 0 {
		return r.ChunkSize
	}
	rows := r.ChunkSize / cols
	if rows < 1 {
		rows = 1
	}
	return rows * cols
}

// Args builds the tool's argument vector.
func (r Request) Args() []string {
	args := []string{
		"group=" + r.Group,
		"load_model=" + r.ModelPath,
		"output=" + r.Output,
		"chunksize=" + strconv.Itoa(r.EffectiveChunk()),
		fmt.Sprintf("region=%g,%g,%g,%g,%g,%g",
			r.Region.North, r.Region.South, r.Region.East, r.Region.West,
			r.Region.NSRes, r.Region.EWRes),
	}
	if r.Flags.Probabilities {
		args = append(args, "-p")
	}
	if r.Flags.ProbabilityOnly {
		args = append(args, "-z")
	}
	return args
}
