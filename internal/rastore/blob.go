package rastore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local filesystem driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // in-memory driver (tests)
	_ "gocloud.dev/blob/s3blob"   // S3 driver

	"github.com/geodrift/tilecast/internal/geo"
	"github.com/geodrift/tilecast/internal/raster"
)

// Version is stamped into the producer info of every written artifact
// and reported at startup.
var Version = "v0.1.0"

// BlobStore implements Store on top of a gocloud.dev bucket. Any URL the
// drivers understand works: file://, mem://, gs://, s3://.
type BlobStore struct {
	bucket      *blob.Bucket
	url         string
	codec       *raster.Codec
	compression string
}

// Open opens a bucket-backed store. compression selects the payload
// codec for rasters written through this store ("zstd" or "none").
func Open(ctx context.Context, url, compression string) (*BlobStore, error) {
	switch compression {
	case raster.CompressionZstd, raster.CompressionNone:
	default:
		return nil, fmt.Errorf("unknown compression %q", compression)
	}

	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", url, err)
	}

	codec, err := raster.NewCodec()
	if err != nil {
		bucket.Close()
		return nil, err
	}

	return &BlobStore{
		bucket:      bucket,
		url:         url,
		codec:       codec,
		compression: compression,
	}, nil
}

// URL returns the bucket URL backing the store.
func (s *BlobStore) URL() string { return s.url }

// Close releases the bucket connection and codec.
func (s *BlobStore) Close() error {
	s.codec.Close()
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// writeKey writes data under key through a temporary key so a crashed
// writer never leaves a half-written object under the final key.
func (s *BlobStore) writeKey(ctx context.Context, key string, data []byte) error {
	tempKey := key + ".tmp." + uuid.New().String()

	if err := s.bucket.WriteAll(ctx, tempKey, data, nil); err != nil {
		return fmt.Errorf("write temp %s: %w", tempKey, err)
	}
	if err := s.bucket.Copy(ctx, key, tempKey, nil); err != nil {
		s.bucket.Delete(ctx, tempKey)
		return fmt.Errorf("finalize %s: %w", key, err)
	}
	s.bucket.Delete(ctx, tempKey) // ignore errors

	return nil
}

// Exists checks whether an artifact is present.
func (s *BlobStore) Exists(ctx context.Context, ref Ref) (bool, error) {
	return s.bucket.Exists(ctx, ref.HeaderKey())
}

// Remove deletes an artifact and every object under its directory.
func (s *BlobStore) Remove(ctx context.Context, ref Ref) error {
	exists, err := s.Exists(ctx, ref)
	if err != nil {
		return fmt.Errorf("remove %s: %w", ref, err)
	}
	if !exists {
		return fmt.Errorf("remove %s: %w", ref, ErrNotFound)
	}
	return s.deletePrefix(ctx, ref.DirKey()+"/")
}

// deletePrefix removes every object under prefix.
func (s *BlobStore) deletePrefix(ctx context.Context, prefix string) error {
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		if err := s.bucket.Delete(ctx, obj.Key); err != nil {
			return fmt.Errorf("delete %s: %w", obj.Key, err)
		}
	}
	return nil
}

// ReadObject loads an artifact's header document.
func (s *BlobStore) ReadObject(ctx context.Context, ref Ref) (*Object, error) {
	exists, err := s.bucket.Exists(ctx, ref.HeaderKey())
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", ref, err)
	}
	if !exists {
		return nil, fmt.Errorf("read %s: %w", ref, ErrNotFound)
	}

	data, err := s.bucket.ReadAll(ctx, ref.HeaderKey())
	if err != nil {
		return nil, fmt.Errorf("read header %s: %w", ref, err)
	}

	var obj Object
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("decode header %s: %w", ref, err)
	}
	return &obj, nil
}

// WriteObject stores a documentary artifact (vector, group, region,
// mosaic). Name, workspace and kind are stamped from the ref.
func (s *BlobStore) WriteObject(ctx context.Context, ref Ref, obj *Object) error {
	obj.Name = ref.Name
	obj.Workspace = ref.Workspace
	obj.Kind = ref.Kind
	if obj.CreatedAt.IsZero() {
		obj.CreatedAt = time.Now().UTC()
	}
	if obj.Producer.Name == "" {
		obj.Producer = ProducerInfo{Name: "tilecast", Version: Version}
	}

	data, err := obj.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal header %s: %w", ref, err)
	}
	return s.writeKey(ctx, ref.HeaderKey(), data)
}

// WriteRaster stores a tile under ref. The payload is written before
// the header, so a header's presence implies a complete artifact.
func (s *BlobStore) WriteRaster(ctx context.Context, ref Ref, tile *raster.Tile) error {
	raw := raster.MarshalCells(tile.Cells)
	checksum := raster.ComputeChecksum(raw)

	payload := raw
	if s.compression == raster.CompressionZstd {
		payload = s.codec.Compress(raw)
	}

	if err := s.writeKey(ctx, ref.CellsKey(), payload); err != nil {
		return fmt.Errorf("write cells %s: %w", ref, err)
	}

	return s.WriteObject(ctx, ref, &Object{
		Raster: &RasterInfo{
			Region:      tile.Region,
			Layer:       tile.Layer,
			Compression: s.compression,
			Checksum:    checksum,
			ByteSize:    int64(len(payload)),
		},
	})
}

// ReadRaster loads a raster tile. Mosaic artifacts are resolved by
// reading their members and patching them on the fly.
func (s *BlobStore) ReadRaster(ctx context.Context, ref Ref) (*raster.Tile, error) {
	obj, err := s.ReadObject(ctx, ref)
	if err != nil {
		return nil, err
	}

	if obj.Mosaic != nil {
		return s.readMosaic(ctx, ref, obj.Mosaic)
	}
	if obj.Raster == nil {
		return nil, fmt.Errorf("read %s: artifact is not a raster", ref)
	}

	payload, err := s.bucket.ReadAll(ctx, ref.CellsKey())
	if err != nil {
		return nil, fmt.Errorf("read cells %s: %w", ref, err)
	}

	raw := payload
	if obj.Raster.Compression == raster.CompressionZstd {
		raw, err = s.codec.Decompress(payload)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", ref, err)
		}
	}

	if !raster.VerifyChecksum(raw, obj.Raster.Checksum) {
		return nil, fmt.Errorf("read %s: checksum mismatch", ref)
	}

	cells, err := raster.UnmarshalCells(raw)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	return &raster.Tile{Region: obj.Raster.Region, Layer: obj.Raster.Layer, Cells: cells}, nil
}

// readMosaic materializes a reference mosaic from its members. Members
// are patched in stored order, so the precedence chosen at combine time
// is reproduced on every read.
func (s *BlobStore) readMosaic(ctx context.Context, ref Ref, info *MosaicInfo) (*raster.Tile, error) {
	tiles := make([]*raster.Tile, 0, len(info.Members))
	for _, member := range info.Members {
		mref := ParseQualified(member, ref.Workspace, KindRaster)
		tile, err := s.ReadRaster(ctx, mref)
		if err != nil {
			return nil, fmt.Errorf("mosaic %s member %s: %w", ref, member, err)
		}
		tiles = append(tiles, tile)
	}
	merged, err := raster.Patch(tiles)
	if err != nil {
		return nil, fmt.Errorf("mosaic %s: %w", ref, err)
	}
	merged.Layer = info.Layer
	return merged, nil
}

// Copy duplicates an artifact. Copying a group also copies its member
// rasters into the destination workspace, since a workspace can never
// reference its parent's artifacts implicitly.
func (s *BlobStore) Copy(ctx context.Context, src, dst Ref) error {
	obj, err := s.ReadObject(ctx, src)
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}

	if obj.Raster != nil {
		if err := s.bucket.Copy(ctx, dst.CellsKey(), src.CellsKey(), nil); err != nil {
			return fmt.Errorf("copy cells %s -> %s: %w", src, dst, err)
		}
	}

	if obj.Group != nil {
		for _, member := range obj.Group.Members {
			msrc := Ref{Workspace: src.Workspace, Name: member, Kind: KindRaster}
			mdst := Ref{Workspace: dst.Workspace, Name: member, Kind: KindRaster}
			if err := s.Copy(ctx, msrc, mdst); err != nil {
				return fmt.Errorf("copy group member %s: %w", member, err)
			}
		}
	}

	return s.WriteObject(ctx, dst, obj)
}

// Rename moves an artifact to a new ref.
func (s *BlobStore) Rename(ctx context.Context, src, dst Ref) error {
	if err := s.Copy(ctx, src, dst); err != nil {
		return err
	}
	return s.Remove(ctx, src)
}

// Combine assembles raster inputs into dst. Inputs are consumed in
// slice order; at overlapping pixels later inputs take precedence.
func (s *BlobStore) Combine(ctx context.Context, srcs []Ref, dst Ref, mode CombineMode) error {
	if len(srcs) == 0 {
		return fmt.Errorf("combine %s: no inputs", dst)
	}

	switch mode {
	case CombinePatch:
		tiles := make([]*raster.Tile, 0, len(srcs))
		for _, src := range srcs {
			tile, err := s.ReadRaster(ctx, src)
			if err != nil {
				return fmt.Errorf("combine %s: %w", dst, err)
			}
			tiles = append(tiles, tile)
		}
		merged, err := raster.Patch(tiles)
		if err != nil {
			return fmt.Errorf("combine %s: %w", dst, err)
		}
		return s.WriteRaster(ctx, dst, merged)

	case CombineMosaic:
		members := make([]string, 0, len(srcs))
		var union geo.Region
		var layer string
		for i, src := range srcs {
			obj, err := s.ReadObject(ctx, src)
			if err != nil {
				return fmt.Errorf("combine %s: %w", dst, err)
			}
			if obj.Raster == nil {
				return fmt.Errorf("combine %s: member %s is not a raster", dst, src)
			}
			if i == 0 {
				union = obj.Raster.Region
				layer = obj.Raster.Layer
			} else {
				union = union.Union(obj.Raster.Region)
			}
			members = append(members, src.Qualified())
		}
		return s.WriteObject(ctx, dst, &Object{
			Mosaic: &MosaicInfo{Members: members, Region: union, Layer: layer},
		})

	default:
		return fmt.Errorf("combine %s: unknown mode %q", dst, mode)
	}
}

// CreateWorkspace writes the marker of a fresh workspace.
func (s *BlobStore) CreateWorkspace(ctx context.Context, name string, cell int) error {
	marker := WorkspaceMarker{
		Workspace: name,
		Cell:      cell,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal marker %s: %w", name, err)
	}
	return s.writeKey(ctx, MarkerKey(name), data)
}

// RemoveWorkspace deletes a workspace and everything in it.
func (s *BlobStore) RemoveWorkspace(ctx context.Context, name string) error {
	return s.deletePrefix(ctx, name+"/")
}

// WorkspaceExists checks for a workspace marker.
func (s *BlobStore) WorkspaceExists(ctx context.Context, name string) (bool, error) {
	return s.bucket.Exists(ctx, MarkerKey(name))
}

// WorkspaceInfo reads a workspace marker.
func (s *BlobStore) WorkspaceInfo(ctx context.Context, name string) (*WorkspaceMarker, error) {
	data, err := s.bucket.ReadAll(ctx, MarkerKey(name))
	if err != nil {
		return nil, fmt.Errorf("read workspace marker %s: %w", name, err)
	}
	var marker WorkspaceMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("decode workspace marker %s: %w", name, err)
	}
	return &marker, nil
}

// Verify BlobStore implements Store.
var _ Store = (*BlobStore)(nil)
