package raster

import (
	"errors"
	"math"
	"testing"

	"github.com/geodrift/tilecast/internal/geo"
)

func region(n, s, e, w float64) geo.Region {
	return geo.Region{North: n, South: s, East: e, West: w, NSRes: 1, EWRes: 1}
}

// fill writes a recognizable value derived from the pixel's absolute
// coordinates, so merged outputs can be checked position by position.
func fill(t *Tile) {
	for r := 0; r < t.Rows(); r++ {
		for c := 0; c < t.Cols(); c++ {
			x := t.Region.West + (float64(c)+0.5)*t.Region.EWRes
			y := t.Region.North - (float64(r)+0.5)*t.Region.NSRes
			t.Set(r, c, x*10000+y)
		}
	}
}

func TestNewTileStartsAsNodata(t *testing.T) {
	tile := New(region(4, 0, 4, 0), "")
	if len(tile.Cells) != 16 {
		t.Fatalf("expected 16 cells, got %d", len(tile.Cells))
	}
	for i, v := range tile.Cells {
		if !math.IsNaN(v) {
			t.Fatalf("cell %d should start as nodata, got %g", i, v)
		}
	}
}

func TestCropAligned(t *testing.T) {
	tile := New(region(10, 0, 10, 0), "")
	fill(tile)

	cropped, err := tile.Crop(region(8, 3, 7, 2))
	if err != nil {
		t.Fatalf("crop failed: %v", err)
	}
	if cropped.Rows() != 5 || cropped.Cols() != 5 {
		t.Fatalf("expected 5x5 crop, got %dx%d", cropped.Rows(), cropped.Cols())
	}

	// The same absolute pixel must hold the same value in both tiles.
	want := tile.At(2, 2) // row 2 from north=10 is the band 8..7, col 2 is 2..3
	if got := cropped.At(0, 0); got != want {
		t.Errorf("crop NW pixel = %g, want %g", got, want)
	}
}

func TestCropRejectsMisaligned(t *testing.T) {
	tile := New(region(10, 0, 10, 0), "")

	if _, err := tile.Crop(region(8.5, 3, 7, 2)); err == nil {
		t.Error("expected error for non-pixel-aligned crop")
	}
	if _, err := tile.Crop(region(12, 3, 7, 2)); err == nil {
		t.Error("expected error for crop outside tile")
	}
}

func TestPatchUnionExtent(t *testing.T) {
	nw := New(region(10, 5, 5, 0), "")
	ne := New(region(10, 5, 10, 5), "")
	sw := New(region(5, 0, 5, 0), "")
	se := New(region(5, 0, 10, 5), "")
	for _, tile := range []*Tile{nw, ne, sw, se} {
		fill(tile)
	}

	merged, err := Patch([]*Tile{nw, ne, sw, se})
	if err != nil {
		t.Fatalf("patch failed: %v", err)
	}

	want := region(10, 0, 10, 0)
	if !merged.Region.Equal(want) {
		t.Errorf("merged extent = %v, want %v", merged.Region, want)
	}

	// Every pixel keeps the value of its source tile.
	direct := New(want, "")
	fill(direct)
	if !merged.Equal(direct) {
		t.Error("patched mosaic differs from directly filled raster")
	}
}

func TestPatchLaterTileWins(t *testing.T) {
	a := New(region(4, 0, 4, 0), "")
	b := New(region(4, 0, 4, 0), "")
	for i := range a.Cells {
		a.Cells[i] = 1
	}
	for i := range b.Cells {
		b.Cells[i] = 2
	}

	merged, err := Patch([]*Tile{a, b})
	if err != nil {
		t.Fatalf("patch failed: %v", err)
	}
	for i, v := range merged.Cells {
		if v != 2 {
			t.Fatalf("cell %d = %g, later tile must win at overlaps", i, v)
		}
	}
}

func TestPatchNodataDoesNotErase(t *testing.T) {
	a := New(region(2, 0, 2, 0), "")
	for i := range a.Cells {
		a.Cells[i] = 7
	}
	b := New(region(2, 0, 2, 0), "") // all nodata

	merged, err := Patch([]*Tile{a, b})
	if err != nil {
		t.Fatalf("patch failed: %v", err)
	}
	for i, v := range merged.Cells {
		if v != 7 {
			t.Fatalf("cell %d = %g, nodata overlay must not erase data", i, v)
		}
	}
}

func TestPatchResolutionMismatch(t *testing.T) {
	a := New(region(4, 0, 4, 0), "")
	b := New(geo.Region{North: 4, South: 0, East: 4, West: 0, NSRes: 2, EWRes: 2}, "")

	_, err := Patch([]*Tile{a, b})
	if !errors.Is(err, ErrResolutionMismatch) {
		t.Errorf("expected ErrResolutionMismatch, got %v", err)
	}
}

func TestCellsRoundTrip(t *testing.T) {
	tile := New(region(6, 0, 7, 0), "")
	fill(tile)
	tile.Set(2, 3, math.NaN())

	buf := MarshalCells(tile.Cells)
	back, err := UnmarshalCells(buf)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(back) != len(tile.Cells) {
		t.Fatalf("length mismatch: %d vs %d", len(back), len(tile.Cells))
	}
	for i, v := range tile.Cells {
		if math.IsNaN(v) != math.IsNaN(back[i]) || (!math.IsNaN(v) && v != back[i]) {
			t.Fatalf("cell %d changed across round trip", i)
		}
	}

	if _, err := UnmarshalCells(buf[:len(buf)-3]); err == nil {
		t.Error("expected error for truncated buffer")
	}
}

func TestCodecRoundTrip(t *testing.T) {
	codec, err := NewCodec()
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	defer codec.Close()

	tile := New(region(50, 0, 40, 0), "")
	fill(tile)
	raw := MarshalCells(tile.Cells)

	compressed := codec.Compress(raw)
	if len(compressed) >= len(raw) {
		t.Logf("compressed %d -> %d bytes (incompressible input is fine)", len(raw), len(compressed))
	}

	back, err := codec.Decompress(compressed)
	if err != nil {
		t.Fatalf("decompress failed: %v", err)
	}
	if string(back) != string(raw) {
		t.Error("payload changed across compress/decompress")
	}
}

func TestChecksum(t *testing.T) {
	data := []byte("tile payload")
	sum := ComputeChecksum(data)

	if len(sum) < 8 || sum[:7] != "sha256:" {
		t.Errorf("checksum format wrong: %s", sum)
	}
	if !VerifyChecksum(data, sum) {
		t.Error("checksum must verify against its own data")
	}
	if VerifyChecksum([]byte("other"), sum) {
		t.Error("checksum must reject different data")
	}
}
