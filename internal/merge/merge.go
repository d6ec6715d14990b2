// Package merge combines completed result tiles into the final output
// rasters, one per prediction layer.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/geodrift/tilecast/internal/cleanup"
	"github.com/geodrift/tilecast/internal/logging"
	"github.com/geodrift/tilecast/internal/metrics"
	"github.com/geodrift/tilecast/internal/predict"
	"github.com/geodrift/tilecast/internal/rastore"
)

// Mode selects how tiles are combined.
type Mode string

const (
	// ModeHard physically combines tiles into one raster.
	ModeHard Mode = "hard"
	// ModeVirtual builds a reference mosaic; member tiles become
	// permanent dependencies of the output and are kept.
	ModeVirtual Mode = "virtual"
)

// ErrNoTiles is returned when there is nothing to merge. This is fatal
// for the run: a prediction that produced no tiles has failed.
var ErrNoTiles = errors.New("no result tiles to merge")

// Output names one merged raster.
type Output struct {
	Name  string
	Layer string
	Mode  Mode
	Tiles int
}

// Engine merges tiles inside one parent workspace.
type Engine struct {
	store     rastore.Store
	reg       *cleanup.Registry
	workspace string
	log       *slog.Logger
}

// New creates a merge engine for the parent workspace.
func New(store rastore.Store, reg *cleanup.Registry, workspace string) *Engine {
	return &Engine{
		store:     store,
		reg:       reg,
		workspace: workspace,
		log:       logging.Component("merge"),
	}
}

// Merge combines the tiles into one output per layer: the primary
// layer lands on outputBase, a probability layer L on outputBase_L.
// Within each layer tiles are combined in ascending cell id order, so
// at any overlapping pixel the tile with the higher cell id wins; that
// ordering is the contract, not an accident of the store. A layer with
// a single tile degenerates to a rename. In virtual mode member tiles
// are promoted to permanent dependencies and excluded from cleanup.
func (e *Engine) Merge(ctx context.Context, tiles []predict.ResultTile, outputBase string, mode Mode) ([]Output, error) {
	if len(tiles) == 0 {
		return nil, ErrNoTiles
	}
	start := time.Now()

	byLayer := map[string][]predict.ResultTile{}
	for _, tile := range tiles {
		byLayer[tile.Layer] = append(byLayer[tile.Layer], tile)
	}
	layers := make([]string, 0, len(byLayer))
	for layer := range byLayer {
		layers = append(layers, layer)
	}
	sort.Strings(layers) // primary layer "" sorts first

	e.log.Info("patching tiles", "tiles", len(tiles), "layers", len(layers), "mode", string(mode))

	outputs := make([]Output, 0, len(layers))
	for _, layer := range layers {
		group := byLayer[layer]
		sort.Slice(group, func(i, j int) bool { return group[i].Cell < group[j].Cell })

		name := outputBase
		if layer != "" {
			name = outputBase + "_" + layer
		}

		out, err := e.mergeLayer(ctx, group, name, mode)
		if err != nil {
			return nil, fmt.Errorf("merge layer %q: %w", layer, err)
		}
		out.Layer = layer
		outputs = append(outputs, out)
	}

	if m := metrics.Get(); m != nil {
		m.MergeDuration.Observe(time.Since(start).Seconds())
		m.TilesMerged.Add(float64(len(tiles)))
	}
	e.log.Info("merge complete", "outputs", len(outputs), "duration", time.Since(start).String())
	return outputs, nil
}

func (e *Engine) mergeLayer(ctx context.Context, tiles []predict.ResultTile, name string, mode Mode) (Output, error) {
	dst := rastore.Ref{Workspace: e.workspace, Name: name, Kind: rastore.KindRaster}

	if len(tiles) == 1 {
		src := rastore.Ref{Workspace: e.workspace, Name: tiles[0].Name, Kind: rastore.KindRaster}
		if err := e.store.Rename(ctx, src, dst); err != nil {
			return Output{}, err
		}
		e.reg.Untrack(src)
		return Output{Name: name, Mode: mode, Tiles: 1}, nil
	}

	srcs := make([]rastore.Ref, len(tiles))
	for i, tile := range tiles {
		srcs[i] = rastore.Ref{Workspace: e.workspace, Name: tile.Name, Kind: rastore.KindRaster}
	}

	switch mode {
	case ModeHard:
		if err := e.store.Combine(ctx, srcs, dst, rastore.CombinePatch); err != nil {
			return Output{}, err
		}
		// Input tiles stay tracked; the end-of-run sweep reclaims them.

	case ModeVirtual:
		if err := e.store.Combine(ctx, srcs, dst, rastore.CombineMosaic); err != nil {
			return Output{}, err
		}
		// The mosaic reads from its members forever; keep them.
		for _, src := range srcs {
			e.reg.Untrack(src)
		}

	default:
		return Output{}, fmt.Errorf("unknown merge mode %q", mode)
	}

	return Output{Name: name, Mode: mode, Tiles: len(tiles)}, nil
}
