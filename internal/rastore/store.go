// Package rastore is the artifact store of the prediction engine. It
// addresses named rasters, vectors, regions and imagery groups inside
// isolated workspaces, backed by any bucket gocloud.dev/blob can open.
package rastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/geodrift/tilecast/internal/geo"
	"github.com/geodrift/tilecast/internal/raster"
)

// Kind classifies store artifacts.
type Kind string

const (
	KindRaster Kind = "raster"
	KindVector Kind = "vector"
	KindRegion Kind = "region"
	KindGroup  Kind = "group"
)

// CombineMode selects how Combine assembles its inputs.
type CombineMode string

const (
	// CombinePatch physically merges pixels into a new raster.
	CombinePatch CombineMode = "patch"
	// CombineMosaic writes a reference mosaic that reads from its
	// members on demand without copying pixel data.
	CombineMosaic CombineMode = "mosaic"
)

// ErrNotFound is returned when an artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// Ref addresses one artifact inside a workspace.
type Ref struct {
	Workspace string
	Name      string
	Kind      Kind
}

// DirKey returns the object-key directory of the artifact.
func (r Ref) DirKey() string {
	return fmt.Sprintf("%s/%s/%s", r.Workspace, r.Kind, r.Name)
}

// HeaderKey returns the object key of the artifact's header document.
func (r Ref) HeaderKey() string {
	return r.DirKey() + "/header.json"
}

// CellsKey returns the object key of a raster's pixel payload.
func (r Ref) CellsKey() string {
	return r.DirKey() + "/cells.bin"
}

// Qualified returns the user-visible "name@workspace" form.
func (r Ref) Qualified() string {
	return r.Name + "@" + r.Workspace
}

func (r Ref) String() string { return string(r.Kind) + ":" + r.Qualified() }

// ParseQualified splits a "name@workspace" string; a bare name resolves
// to the given default workspace.
func ParseQualified(s, defaultWorkspace string, kind Kind) Ref {
	name, ws, found := strings.Cut(s, "@")
	if !found || ws == "" {
		ws = defaultWorkspace
	}
	return Ref{Workspace: ws, Name: name, Kind: kind}
}

// Object is the header document stored beside every artifact.
type Object struct {
	Name      string       `json:"name"`
	Workspace string       `json:"workspace"`
	Kind      Kind         `json:"kind"`
	Raster    *RasterInfo  `json:"raster,omitempty"`
	Mosaic    *MosaicInfo  `json:"mosaic,omitempty"`
	Group     *GroupInfo   `json:"group,omitempty"`
	Vector    *VectorInfo  `json:"vector,omitempty"`
	Region    *geo.Region  `json:"region,omitempty"`
	Producer  ProducerInfo `json:"producer"`
	CreatedAt time.Time    `json:"created_at"`
}

// RasterInfo describes a physical raster payload.
type RasterInfo struct {
	Region      geo.Region `json:"region"`
	Layer       string     `json:"layer,omitempty"`
	Compression string     `json:"compression"`
	Checksum    string     `json:"checksum"`
	ByteSize    int64      `json:"byte_size"`
}

// MosaicInfo describes a reference mosaic over member rasters.
type MosaicInfo struct {
	Members []string   `json:"members"`
	Region  geo.Region `json:"region"`
	Layer   string     `json:"layer,omitempty"`
}

// GroupInfo lists the member rasters of an imagery group.
type GroupInfo struct {
	Members []string `json:"members"`
}

// VectorInfo carries the cells of a grid vector.
type VectorInfo struct {
	Cells []VectorCell `json:"cells"`
}

// VectorCell is one grid polygon with its category id.
type VectorCell struct {
	Cat    int        `json:"cat"`
	Region geo.Region `json:"region"`
}

// ProducerInfo names the software that wrote the artifact.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// MarshalJSON returns the header document as indented JSON.
func (o *Object) MarshalJSON() ([]byte, error) {
	type Alias Object
	return json.MarshalIndent((*Alias)(o), "", "  ")
}

// WorkspaceMarker is the document created at the root of a workspace.
// Its Workspace field reporting the expected name is the isolation
// check workers rely on.
type WorkspaceMarker struct {
	Workspace string    `json:"workspace"`
	Cell      int       `json:"cell,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MarkerKey returns the object key of a workspace's marker document.
func MarkerKey(workspace string) string {
	return workspace + "/.workspace.json"
}

// Store abstracts artifact access for every component of the engine.
type Store interface {
	// Exists checks whether an artifact is present.
	Exists(ctx context.Context, ref Ref) (bool, error)

	// Remove deletes an artifact; removing a missing artifact is an error.
	Remove(ctx context.Context, ref Ref) error

	// Copy duplicates an artifact. Copying a group also copies its
	// member rasters into the destination workspace.
	Copy(ctx context.Context, src, dst Ref) error

	// Rename moves an artifact to a new ref.
	Rename(ctx context.Context, src, dst Ref) error

	// Combine assembles raster inputs into dst, either physically
	// (patch) or as a reference mosaic. Inputs are consumed in slice
	// order; at overlapping pixels later inputs take precedence.
	Combine(ctx context.Context, srcs []Ref, dst Ref, mode CombineMode) error

	// ReadRaster loads a raster tile, resolving mosaics on demand.
	ReadRaster(ctx context.Context, ref Ref) (*raster.Tile, error)

	// WriteRaster stores a tile under ref.
	WriteRaster(ctx context.Context, ref Ref, tile *raster.Tile) error

	// ReadObject loads an artifact's header document.
	ReadObject(ctx context.Context, ref Ref) (*Object, error)

	// WriteObject stores a documentary artifact (vector, group, region).
	WriteObject(ctx context.Context, ref Ref, obj *Object) error

	// CreateWorkspace writes the marker of a fresh workspace.
	CreateWorkspace(ctx context.Context, name string, cell int) error

	// RemoveWorkspace deletes a workspace and everything in it.
	RemoveWorkspace(ctx context.Context, name string) error

	// WorkspaceExists checks for a workspace marker.
	WorkspaceExists(ctx context.Context, name string) (bool, error)

	// WorkspaceInfo reads a workspace marker.
	WorkspaceInfo(ctx context.Context, name string) (*WorkspaceMarker, error)

	// URL returns the bucket URL backing the store.
	URL() string

	// Close releases any resources.
	Close() error
}
