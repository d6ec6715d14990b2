package rastore

import (
	"context"
	"errors"
	"testing"

	"github.com/geodrift/tilecast/internal/geo"
	"github.com/geodrift/tilecast/internal/raster"
)

func openTestStore(t *testing.T) *BlobStore {
	t.Helper()
	store, err := Open(context.Background(), "mem://", raster.CompressionZstd)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRegion(n, s, e, w float64) geo.Region {
	return geo.Region{North: n, South: s, East: e, West: w, NSRes: 1, EWRes: 1}
}

func constTile(region geo.Region, v float64) *raster.Tile {
	tile := raster.New(region, "")
	for i := range tile.Cells {
		tile.Cells[i] = v
	}
	return tile
}

func TestRasterRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	tile := constTile(testRegion(10, 0, 10, 0), 7)
	ref := Ref{Workspace: "main", Name: "out", Kind: KindRaster}

	if err := store.WriteRaster(ctx, ref, tile); err != nil {
		t.Fatalf("write raster: %v", err)
	}

	got, err := store.ReadRaster(ctx, ref)
	if err != nil {
		t.Fatalf("read raster: %v", err)
	}
	if !got.Equal(tile) {
		t.Error("roundtripped tile differs from original")
	}

	obj, err := store.ReadObject(ctx, ref)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if obj.Raster.Compression != raster.CompressionZstd {
		t.Errorf("compression = %q, want zstd", obj.Raster.Compression)
	}
	if obj.Raster.Checksum == "" {
		t.Error("header is missing the payload checksum")
	}
}

func TestReadMissingArtifact(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.ReadRaster(ctx, Ref{Workspace: "main", Name: "nope", Kind: KindRaster})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	err = store.Remove(ctx, Ref{Workspace: "main", Name: "nope", Kind: KindRaster})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("remove of missing artifact: expected ErrNotFound, got %v", err)
	}
}

func TestCopyGroupCopiesMembers(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	region := testRegion(5, 0, 5, 0)
	for _, name := range []string{"band1", "band2"} {
		ref := Ref{Workspace: "main", Name: name, Kind: KindRaster}
		if err := store.WriteRaster(ctx, ref, constTile(region, 1)); err != nil {
			t.Fatalf("write member %s: %v", name, err)
		}
	}
	groupRef := Ref{Workspace: "main", Name: "features", Kind: KindGroup}
	err := store.WriteObject(ctx, groupRef, &Object{
		Group: &GroupInfo{Members: []string{"band1", "band2"}},
	})
	if err != nil {
		t.Fatalf("write group: %v", err)
	}

	dst := Ref{Workspace: "tmp_ws_1", Name: "features", Kind: KindGroup}
	if err := store.Copy(ctx, groupRef, dst); err != nil {
		t.Fatalf("copy group: %v", err)
	}

	for _, name := range []string{"band1", "band2"} {
		exists, err := store.Exists(ctx, Ref{Workspace: "tmp_ws_1", Name: name, Kind: KindRaster})
		if err != nil {
			t.Fatalf("exists: %v", err)
		}
		if !exists {
			t.Errorf("member %s was not copied into the destination workspace", name)
		}
	}
}

func TestCombinePatchPrecedence(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	// Two tiles sharing the middle column band; the later input must win.
	a := constTile(testRegion(2, 0, 3, 0), 1)
	b := constTile(testRegion(2, 0, 4, 2), 2)
	refA := Ref{Workspace: "main", Name: "a", Kind: KindRaster}
	refB := Ref{Workspace: "main", Name: "b", Kind: KindRaster}
	if err := store.WriteRaster(ctx, refA, a); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := store.WriteRaster(ctx, refB, b); err != nil {
		t.Fatalf("write b: %v", err)
	}

	dst := Ref{Workspace: "main", Name: "merged", Kind: KindRaster}
	if err := store.Combine(ctx, []Ref{refA, refB}, dst, CombinePatch); err != nil {
		t.Fatalf("combine: %v", err)
	}

	merged, err := store.ReadRaster(ctx, dst)
	if err != nil {
		t.Fatalf("read merged: %v", err)
	}
	if merged.Rows() != 2 || merged.Cols() != 4 {
		t.Fatalf("merged extent wrong: %v", merged.Region)
	}
	if got := merged.At(0, 0); got != 1 {
		t.Errorf("pixel outside overlap = %g, want 1", got)
	}
	if got := merged.At(0, 2); got != 2 {
		t.Errorf("overlap pixel = %g, want 2 (later input wins)", got)
	}
}

func TestCombineMosaicReadsLazily(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	a := constTile(testRegion(2, 0, 2, 0), 1)
	b := constTile(testRegion(2, 0, 4, 2), 2)
	refA := Ref{Workspace: "main", Name: "a", Kind: KindRaster}
	refB := Ref{Workspace: "main", Name: "b", Kind: KindRaster}
	if err := store.WriteRaster(ctx, refA, a); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := store.WriteRaster(ctx, refB, b); err != nil {
		t.Fatalf("write b: %v", err)
	}

	dst := Ref{Workspace: "main", Name: "mosaic", Kind: KindRaster}
	if err := store.Combine(ctx, []Ref{refA, refB}, dst, CombineMosaic); err != nil {
		t.Fatalf("combine mosaic: %v", err)
	}

	// The mosaic itself stores no pixels.
	obj, err := store.ReadObject(ctx, dst)
	if err != nil {
		t.Fatalf("read mosaic object: %v", err)
	}
	if obj.Raster != nil || obj.Mosaic == nil {
		t.Fatal("mosaic header should carry mosaic info and no raster payload")
	}
	if len(obj.Mosaic.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(obj.Mosaic.Members))
	}

	// Reading resolves members on demand.
	tile, err := store.ReadRaster(ctx, dst)
	if err != nil {
		t.Fatalf("read mosaic: %v", err)
	}
	if tile.Cols() != 4 {
		t.Errorf("mosaic extent = %v, want union of members", tile.Region)
	}
	if got := tile.At(0, 3); got != 2 {
		t.Errorf("mosaic pixel = %g, want 2", got)
	}
}

func TestRenameRemovesSource(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	src := Ref{Workspace: "main", Name: "tile_1", Kind: KindRaster}
	dst := Ref{Workspace: "main", Name: "final", Kind: KindRaster}
	if err := store.WriteRaster(ctx, src, constTile(testRegion(3, 0, 3, 0), 9)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := store.Rename(ctx, src, dst); err != nil {
		t.Fatalf("rename: %v", err)
	}

	if exists, _ := store.Exists(ctx, src); exists {
		t.Error("source still present after rename")
	}
	got, err := store.ReadRaster(ctx, dst)
	if err != nil {
		t.Fatalf("read renamed: %v", err)
	}
	if got.At(0, 0) != 9 {
		t.Error("renamed tile lost its pixels")
	}
}

func TestWorkspaceLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if err := store.CreateWorkspace(ctx, "tmp_out_tile_3", 3); err != nil {
		t.Fatalf("create workspace: %v", err)
	}

	exists, err := store.WorkspaceExists(ctx, "tmp_out_tile_3")
	if err != nil || !exists {
		t.Fatalf("workspace should exist, got exists=%v err=%v", exists, err)
	}

	marker, err := store.WorkspaceInfo(ctx, "tmp_out_tile_3")
	if err != nil {
		t.Fatalf("workspace info: %v", err)
	}
	if marker.Workspace != "tmp_out_tile_3" || marker.Cell != 3 {
		t.Errorf("marker = %+v", marker)
	}

	ref := Ref{Workspace: "tmp_out_tile_3", Name: "scratch", Kind: KindRaster}
	if err := store.WriteRaster(ctx, ref, constTile(testRegion(2, 0, 2, 0), 1)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := store.RemoveWorkspace(ctx, "tmp_out_tile_3"); err != nil {
		t.Fatalf("remove workspace: %v", err)
	}
	if exists, _ := store.WorkspaceExists(ctx, "tmp_out_tile_3"); exists {
		t.Error("workspace marker survived removal")
	}
	if exists, _ := store.Exists(ctx, ref); exists {
		t.Error("workspace contents survived removal")
	}
}

func TestParseQualified(t *testing.T) {
	tests := []struct {
		in       string
		wantName string
		wantWs   string
	}{
		{"out_3@tmp_out_tile_3", "out_3", "tmp_out_tile_3"},
		{"out_3", "out_3", "main"},
		{"out_3@", "out_3", "main"},
	}
	for _, tt := range tests {
		ref := ParseQualified(tt.in, "main", KindRaster)
		if ref.Name != tt.wantName || ref.Workspace != tt.wantWs {
			t.Errorf("ParseQualified(%q) = %s@%s, want %s@%s",
				tt.in, ref.Name, ref.Workspace, tt.wantName, tt.wantWs)
		}
	}
}
