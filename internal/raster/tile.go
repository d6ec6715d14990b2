// Package raster holds the in-memory tile model and its binary codec.
// A tile is a dense row-major float64 grid over a region; NaN marks
// nodata cells.
package raster

import (
	"errors"
	"fmt"
	"math"

	"github.com/geodrift/tilecast/internal/geo"
)

// Tile is one raster artifact: a region plus its pixel values, row-major
// from the north-west corner.
type Tile struct {
	Region geo.Region
	Layer  string
	Cells  []float64
}

// ErrResolutionMismatch is returned when tiles of different resolutions
// are combined.
var ErrResolutionMismatch = errors.New("tiles have mismatched resolutions")

// New allocates a tile over the given region with every cell set to
// nodata.
func New(region geo.Region, layer string) *Tile {
	cells := make([]float64, region.Rows()*region.Cols())
	for i := range cells {
		cells[i] = math.NaN()
	}
	return &Tile{Region: region, Layer: layer, Cells: cells}
}

// Rows returns the pixel row count.
func (t *Tile) Rows() int { return t.Region.Rows() }

// Cols returns the pixel column count.
func (t *Tile) Cols() int { return t.Region.Cols() }

// At returns the value at pixel (row, col), rows counted from the north
// edge.
func (t *Tile) At(row, col int) float64 {
	return t.Cells[row*t.Cols()+col]
}

// Set stores a value at pixel (row, col).
func (t *Tile) Set(row, col int, v float64) {
	t.Cells[row*t.Cols()+col] = v
}

// Clone returns a deep copy.
func (t *Tile) Clone() *Tile {
	out := &Tile{Region: t.Region, Layer: t.Layer, Cells: make([]float64, len(t.Cells))}
	copy(out.Cells, t.Cells)
	return out
}

// Equal reports whether two tiles have the same extent, layer and
// bit-identical cells (NaN equals NaN).
func (t *Tile) Equal(o *Tile) bool {
	if !t.Region.Equal(o.Region) || t.Layer != o.Layer || len(t.Cells) != len(o.Cells) {
		return false
	}
	for i, v := range t.Cells {
		w := o.Cells[i]
		if math.IsNaN(v) && math.IsNaN(w) {
			continue
		}
		if v != w {
			return false
		}
	}
	return true
}

// Crop returns the pixel-aligned sub-window of the tile covering target.
// The target extent must lie inside the tile and sit on the same pixel
// raster.
func (t *Tile) Crop(target geo.Region) (*Tile, error) {
	rowOff, colOff, err := pixelOffset(t.Region, target)
	if err != nil {
		return nil, fmt.Errorf("crop: %w", err)
	}
	rows, cols := target.Rows(), target.Cols()
	if rowOff < 0 || colOff < 0 || rowOff+rows > t.Rows() || colOff+cols > t.Cols() {
		return nil, fmt.Errorf("crop: target %v outside tile %v", target, t.Region)
	}

	out := New(target, t.Layer)
	for r := 0; r < rows; r++ {
		src := (rowOff+r)*t.Cols() + colOff
		dst := r * cols
		copy(out.Cells[dst:dst+cols], t.Cells[src:src+cols])
	}
	return out, nil
}

// Patch combines tiles into one raster covering the union of their
// extents. Tiles are written in slice order and a non-nodata pixel of a
// later tile overwrites whatever an earlier tile put there, so the last
// tile in the slice takes precedence at overlaps. Callers pass tiles in
// ascending cell id order to get the documented higher-id-wins rule.
func Patch(tiles []*Tile) (*Tile, error) {
	if len(tiles) == 0 {
		return nil, errors.New("patch: no tiles")
	}

	union := tiles[0].Region
	for _, tile := range tiles[1:] {
		if !sameResolution(tiles[0].Region, tile.Region) {
			return nil, ErrResolutionMismatch
		}
		union = union.Union(tile.Region)
	}

	out := New(union, tiles[0].Layer)
	for _, tile := range tiles {
		rowOff, colOff, err := pixelOffset(union, tile.Region)
		if err != nil {
			return nil, fmt.Errorf("patch: %w", err)
		}
		cols := tile.Cols()
		for r := 0; r < tile.Rows(); r++ {
			for c := 0; c < cols; c++ {
				v := tile.Cells[r*cols+c]
				if math.IsNaN(v) {
					continue
				}
				out.Set(rowOff+r, colOff+c, v)
			}
		}
	}
	return out, nil
}

// pixelOffset computes sub's north-west corner as whole-pixel offsets
// inside parent. Fractional offsets mean the extents do not share a
// pixel raster.
func pixelOffset(parent, sub geo.Region) (rowOff, colOff int, err error) {
	if !sameResolution(parent, sub) {
		return 0, 0, ErrResolutionMismatch
	}
	rowF := (parent.North - sub.North) / parent.NSRes
	colF := (sub.West - parent.West) / parent.EWRes
	rowOff = int(math.Round(rowF))
	colOff = int(math.Round(colF))
	if math.Abs(rowF-float64(rowOff)) > 1e-6 || math.Abs(colF-float64(colOff)) > 1e-6 {
		return 0, 0, fmt.Errorf("extent %v not pixel-aligned with %v", sub, parent)
	}
	return rowOff, colOff, nil
}

func sameResolution(a, b geo.Region) bool {
	tol := math.Min(a.NSRes, a.EWRes) * 1e-9
	return math.Abs(a.NSRes-b.NSRes) <= tol && math.Abs(a.EWRes-b.EWRes) <= tol
}
