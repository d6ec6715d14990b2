package geo

import (
	"fmt"
	"strconv"
	"strings"
)

// Cell is one rectangular partition of a planned grid. The identifier
// is assigned at planning time, starts at 1, ascends row-major from the
// north-west corner and is never reused within a run.
type Cell struct {
	ID     int
	Region Region
}

// Grid is an ordered set of cells tiling a parent region with no gaps
// and no overlaps.
type Grid struct {
	Parent Region
	Cells  []Cell
}

// InvalidGridError reports unusable grid dimensions.
type InvalidGridError struct {
	Rows, Cols int
}

func (e InvalidGridError) Error() string {
	return fmt.Sprintf("invalid grid dimensions %d,%d: rows and columns must be positive", e.Rows, e.Cols)
}

// ParseGridSpec parses an explicit "rows,cols" grid option. An empty
// spec falls back to a square parallelism x parallelism grid.
func ParseGridSpec(spec string, parallelism int) (rows, cols int, err error) {
	if strings.TrimSpace(spec) == "" {
		return parallelism, parallelism, nil
	}
	parts := strings.Split(spec, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("grid %q: expected rows,cols", spec)
	}
	rows, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("grid rows %q: %w", parts[0], err)
	}
	cols, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("grid cols %q: %w", parts[1], err)
	}
	return rows, cols, nil
}

// Plan tiles the parent region into rows x cols cells. Pixel rows and
// columns are distributed as evenly as possible; the leading bands
// absorb the remainder, so cell boundaries always land on whole-pixel
// offsets and the union of all cells reproduces the parent extent
// exactly. Dimensions larger than the parent's pixel counts are clamped
// so that no cell is ever empty.
func Plan(parent Region, rows, cols int) (Grid, error) {
	if rows <= 0 || cols <= 0 {
		return Grid{}, InvalidGridError{Rows: rows, Cols: cols}
	}
	if err := parent.Validate(); err != nil {
		return Grid{}, fmt.Errorf("plan grid: %w", err)
	}

	pixRows, pixCols := parent.Rows(), parent.Cols()
	if rows > pixRows {
		rows = pixRows
	}
	if cols > pixCols {
		cols = pixCols
	}

	// Band boundaries in pixel offsets, converted to coordinates once so
	// adjacent cells share bit-identical edge values.
	rowBounds := bandBounds(parent.North, -parent.NSRes, pixRows, rows, parent.South)
	colBounds := bandBounds(parent.West, parent.EWRes, pixCols, cols, parent.East)

	cells := make([]Cell, 0, rows*cols)
	id := 1
	for ri := 0; ri < rows; ri++ {
		for ci := 0; ci < cols; ci++ {
			cells = append(cells, Cell{
				ID: id,
				Region: Region{
					North: rowBounds[ri],
					South: rowBounds[ri+1],
					West:  colBounds[ci],
					East:  colBounds[ci+1],
					NSRes: parent.NSRes,
					EWRes: parent.EWRes,
				},
			})
			id++
		}
	}
	return Grid{Parent: parent, Cells: cells}, nil
}

// bandBounds returns n+1 coordinates splitting total pixels into n
// bands. The first total%n bands carry one extra pixel. The final bound
// is forced to the parent edge so float accumulation can never open a
// gap there.
func bandBounds(start, step float64, total, n int, end float64) []float64 {
	base := total / n
	extra := total % n
	bounds := make([]float64, n+1)
	bounds[0] = start
	cum := 0
	for i := 0; i < n; i++ {
		cum += base
		if i < extra {
			cum++
		}
		bounds[i+1] = start + float64(cum)*step
	}
	bounds[n] = end
	return bounds
}
