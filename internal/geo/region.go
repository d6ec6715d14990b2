// Package geo holds the spatial types of the prediction engine: regions,
// grid cells, and the planner that tiles a region for parallel work.
package geo

import (
	"fmt"
	"math"
)

// Region describes a rectangular extent with a fixed cell resolution.
// Row and column counts are always derived from extent and resolution,
// never stored separately.
type Region struct {
	North float64 `json:"north" yaml:"north"`
	South float64 `json:"south" yaml:"south"`
	East  float64 `json:"east" yaml:"east"`
	West  float64 `json:"west" yaml:"west"`
	NSRes float64 `json:"nsres" yaml:"nsres"`
	EWRes float64 `json:"ewres" yaml:"ewres"`
}

// Validate checks the region invariants: positive resolution and a
// non-empty extent.
func (r Region) Validate() error {
	if r.NSRes <= 0 || r.EWRes <= 0 {
		return fmt.Errorf("region resolution must be positive, got nsres=%g ewres=%g", r.NSRes, r.EWRes)
	}
	if !(r.North > r.South) {
		return fmt.Errorf("region north (%g) must be greater than south (%g)", r.North, r.South)
	}
	if !(r.East > r.West) {
		return fmt.Errorf("region east (%g) must be greater than west (%g)", r.East, r.West)
	}
	return nil
}

// Rows returns the number of pixel rows covered by the region.
func (r Region) Rows() int {
	return int(math.Round((r.North - r.South) / r.NSRes))
}

// Cols returns the number of pixel columns covered by the region.
func (r Region) Cols() int {
	return int(math.Round((r.East - r.West) / r.EWRes))
}

// AlignTo snaps the extent outward onto the pixel raster of grid and
// adopts its resolution. The snap is anchored at grid's north-west
// corner, not at absolute resolution multiples, so an extent already on
// grid's raster comes back unchanged regardless of where grid sits in
// coordinate space.
func (r Region) AlignTo(grid Region) Region {
	out := r
	out.NSRes = grid.NSRes
	out.EWRes = grid.EWRes
	out.North = grid.North - math.Floor((grid.North-r.North)/grid.NSRes)*grid.NSRes
	out.South = grid.North - math.Ceil((grid.North-r.South)/grid.NSRes)*grid.NSRes
	out.West = grid.West + math.Floor((r.West-grid.West)/grid.EWRes)*grid.EWRes
	out.East = grid.West + math.Ceil((r.East-grid.West)/grid.EWRes)*grid.EWRes
	return out
}

// GrowCells expands the extent by n pixels on every side.
func (r Region) GrowCells(n int) Region {
	out := r
	out.North += float64(n) * r.NSRes
	out.South -= float64(n) * r.NSRes
	out.East += float64(n) * r.EWRes
	out.West -= float64(n) * r.EWRes
	return out
}

// Union returns the smallest region covering both r and o. Resolution
// is taken from r.
func (r Region) Union(o Region) Region {
	out := r
	out.North = math.Max(r.North, o.North)
	out.South = math.Min(r.South, o.South)
	out.East = math.Max(r.East, o.East)
	out.West = math.Min(r.West, o.West)
	return out
}

// Equal reports whether two regions describe the same extent and
// resolution, within a small tolerance relative to the cell size.
func (r Region) Equal(o Region) bool {
	tol := math.Min(r.NSRes, r.EWRes) * 1e-6
	return math.Abs(r.North-o.North) <= tol &&
		math.Abs(r.South-o.South) <= tol &&
		math.Abs(r.East-o.East) <= tol &&
		math.Abs(r.West-o.West) <= tol &&
		math.Abs(r.NSRes-o.NSRes) <= tol &&
		math.Abs(r.EWRes-o.EWRes) <= tol
}

// Overlaps reports whether the two extents share interior area.
// Regions that only touch along a boundary do not overlap.
func (r Region) Overlaps(o Region) bool {
	return r.West < o.East && o.West < r.East && r.South < o.North && o.South < r.North
}

func (r Region) String() string {
	return fmt.Sprintf("n=%g s=%g e=%g w=%g nsres=%g ewres=%g (%dx%d)",
		r.North, r.South, r.East, r.West, r.NSRes, r.EWRes, r.Rows(), r.Cols())
}
