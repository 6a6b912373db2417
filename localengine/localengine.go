// Package localengine is a reference bypass.Engine backed by local POSIX
// files. It exists to drive the bypass package's selection decomposition
// and dispatcher against real file bytes in tests, standing in for the
// production storage layer the bypass connector normally sits in front
// of.
package localengine

import (
	"context"
	"os"
	"sync"

	"github.com/grailbio/hdfbypass/bypass"
	"github.com/grailbio/hdfbypass/errors"
)

// NativeIntSize is the element size, in bytes, that this Engine reports
// for bypass.Engine.NativeIntSize: the width of the library's native
// "int" datatype, not the host's pointer/word width.
const NativeIntSize = 4

// File is the FileRef this Engine mints: a path plus the *os.File used to
// populate it in tests and to serve Flush/fsync.
type File struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// CreateFile creates (truncating) a file at path for populating test
// fixtures, returning a File usable as a bypass.FileRef.
func CreateFile(path string) (*File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.E(errors.BypassIO, "create "+path, err)
	}
	return &File{path: path, f: f}, nil
}

// WriteAt writes b at byte offset off, growing the file as needed.
func (f *File) WriteAt(b []byte, off int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.f.WriteAt(b, off)
	if err != nil {
		return errors.E(errors.BypassIO, "write "+f.path, err)
	}
	return nil
}

// Path returns the file's local path.
func (f *File) Path() string { return f.path }

// Dataset is the DatasetHandle this Engine mints.
type Dataset struct {
	File   *File
	Type   bypass.TypeDescriptor
	Layout bypass.Layout
	DCPL   bypass.DCPLInfo

	Dims []int64

	// Contiguous layout.
	BaseAddr  int64
	Allocated bool

	// Chunked layout: one entry per allocated chunk.
	Chunks []bypass.ChunkInfo

	mu        sync.Mutex
	fileSpace *Space
}

// NewContiguousDataset registers a contiguous dataset of dims backed by
// file, with its raw bytes starting at baseAddr.
func NewContiguousDataset(file *File, typ bypass.TypeDescriptor, dims []int64, baseAddr int64) *Dataset {
	return &Dataset{
		File:      file,
		Type:      typ,
		Layout:    bypass.LayoutContiguous,
		Dims:      append([]int64(nil), dims...),
		BaseAddr:  baseAddr,
		Allocated: true,
	}
}

// NewChunkedDataset registers a chunked dataset of dims, with chunkDims
// per chunk and the given chunk table (offset/address/size per chunk).
func NewChunkedDataset(file *File, typ bypass.TypeDescriptor, dims, chunkDims []int64, chunks []bypass.ChunkInfo) *Dataset {
	return &Dataset{
		File:      file,
		Type:      typ,
		Layout:    bypass.LayoutChunked,
		Dims:      append([]int64(nil), dims...),
		DCPL:      bypass.DCPLInfo{ChunkDims: append([]int64(nil), chunkDims...)},
		Chunks:    chunks,
		Allocated: len(chunks) > 0,
	}
}

// Engine implements bypass.Engine over Dataset/File values minted by this
// package.
type Engine struct{}

var _ bypass.Engine = Engine{}

func asDataset(h bypass.DatasetHandle) (*Dataset, error) {
	ds, ok := h.(*Dataset)
	if !ok {
		return nil, errors.E(errors.Classification, "not a localengine dataset handle")
	}
	return ds, nil
}

func (Engine) DatasetType(ctx context.Context, h bypass.DatasetHandle) (bypass.TypeDescriptor, error) {
	ds, err := asDataset(h)
	if err != nil {
		return bypass.TypeDescriptor{}, err
	}
	return ds.Type, nil
}

func (Engine) DatasetSpace(ctx context.Context, h bypass.DatasetHandle) (bypass.Space, error) {
	ds, err := asDataset(h)
	if err != nil {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.fileSpace == nil {
		ds.fileSpace = NewSpace(ds.Dims)
	}
	return ds.fileSpace.Copy(), nil
}

func (Engine) DatasetDCPL(ctx context.Context, h bypass.DatasetHandle) (bypass.DCPLInfo, error) {
	ds, err := asDataset(h)
	if err != nil {
		return bypass.DCPLInfo{}, err
	}
	return ds.DCPL, nil
}

func (Engine) DatasetLayout(ctx context.Context, h bypass.DatasetHandle) (bypass.Layout, error) {
	ds, err := asDataset(h)
	if err != nil {
		return bypass.LayoutError, err
	}
	return ds.Layout, nil
}

func (Engine) DatasetStorageAllocated(ctx context.Context, h bypass.DatasetHandle) (bool, error) {
	ds, err := asDataset(h)
	if err != nil {
		return false, err
	}
	return ds.Allocated, nil
}

func (Engine) DatasetContiguousAddr(ctx context.Context, h bypass.DatasetHandle) (int64, error) {
	ds, err := asDataset(h)
	if err != nil {
		return 0, err
	}
	return ds.BaseAddr, nil
}

func (Engine) DatasetFile(ctx context.Context, h bypass.DatasetHandle) (bypass.FileRef, error) {
	ds, err := asDataset(h)
	if err != nil {
		return nil, err
	}
	return ds.File, nil
}

func (Engine) ChunkIterate(ctx context.Context, h bypass.DatasetHandle, fn func(bypass.ChunkInfo) error) error {
	ds, err := asDataset(h)
	if err != nil {
		return err
	}
	for _, c := range ds.Chunks {
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func (Engine) Flush(ctx context.Context, ref bypass.FileRef) error {
	f, ok := ref.(*File)
	if !ok {
		return errors.E(errors.Classification, "not a localengine file reference")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.f.Sync(); err != nil {
		return errors.E(errors.BypassIO, "sync "+f.path, err)
	}
	return nil
}

func (Engine) FilePath(ctx context.Context, ref bypass.FileRef) (string, error) {
	f, ok := ref.(*File)
	if !ok {
		return "", errors.E(errors.Classification, "not a localengine file reference")
	}
	return f.path, nil
}

func (Engine) NativeIntSize() int { return NativeIntSize }

func asSpace(s bypass.Space) (*Space, error) {
	sp, ok := s.(*Space)
	if !ok {
		return nil, errors.E(errors.Selection, "not a localengine space")
	}
	return sp, nil
}

func (Engine) CopySpace(ctx context.Context, s bypass.Space) (bypass.Space, error) {
	sp, err := asSpace(s)
	if err != nil {
		return nil, err
	}
	return sp.Copy(), nil
}

func (Engine) SetExtent(ctx context.Context, s bypass.Space, dims []int64) error {
	sp, err := asSpace(s)
	if err != nil {
		return err
	}
	sp.SetExtent(dims)
	return nil
}

func (Engine) SelectHyperslab(ctx context.Context, s bypass.Space, op bypass.SelectOp, start, stride, count, block []int64) error {
	sp, err := asSpace(s)
	if err != nil {
		return err
	}
	return sp.SelectHyperslab(op, start, stride, count, block)
}

func (Engine) SelectAll(ctx context.Context, s bypass.Space) error {
	sp, err := asSpace(s)
	if err != nil {
		return err
	}
	sp.SelectAll()
	return nil
}

func (Engine) SelectAdjust(ctx context.Context, s bypass.Space, offset []int64) error {
	sp, err := asSpace(s)
	if err != nil {
		return err
	}
	sp.SelectAdjust(offset)
	return nil
}

func (Engine) ProjectIntersection(ctx context.Context, srcSpace, dstSpace, memSpace bypass.Space) (bypass.Space, error) {
	src, err := asSpace(srcSpace)
	if err != nil {
		return nil, err
	}
	dst, err := asSpace(dstSpace)
	if err != nil {
		return nil, err
	}
	mem, err := asSpace(memSpace)
	if err != nil {
		return nil, err
	}
	return ProjectIntersection(src, dst, mem)
}

func (Engine) SpaceExtent(ctx context.Context, s bypass.Space) ([]int64, error) {
	sp, err := asSpace(s)
	if err != nil {
		return nil, err
	}
	return sp.Dims, nil
}

func (Engine) SelectType(ctx context.Context, s bypass.Space) (bypass.SelectionKind, error) {
	sp, err := asSpace(s)
	if err != nil {
		return bypass.SelectionError, err
	}
	return sp.Kind(), nil
}

func (Engine) SelectNPoints(ctx context.Context, s bypass.Space) (int64, error) {
	sp, err := asSpace(s)
	if err != nil {
		return 0, err
	}
	return int64(len(sp.Selected)), nil
}

func (Engine) NewSequenceIterator(ctx context.Context, s bypass.Space, elemSize int64) (bypass.SequenceIterator, error) {
	sp, err := asSpace(s)
	if err != nil {
		return nil, err
	}
	return newSequenceIterator(sp, elemSize), nil
}

func (Engine) ReleaseSpace(ctx context.Context, s bypass.Space) {}
