package bypass

import "context"

// DatasetHandle is an opaque reference to an open dataset, minted and
// interpreted only by the Engine implementation in use.
type DatasetHandle interface{}

// FileRef is an opaque reference to an open file, minted and interpreted
// only by the Engine implementation in use.
type FileRef interface{}

// Space is an opaque dataspace selection handle, minted and interpreted
// only by the Engine implementation in use. Selections for a contiguous or
// chunked dataset's file-space and the caller's memory-space are both
// represented this way so SelectionEngine never needs to know their
// internal shape.
type Space interface{}

// SequenceItem is one (offset, length) run drawn from a selection's linear
// index space, the unit a SequenceIterator hands back in batches.
type SequenceItem struct {
	Offset int64
	Length int64
}

// SequenceIterator pulls batches of SequenceItem out of a Space in order.
// Next appends up to len(batch) items into batch[:n] and reports whether
// the iterator is now exhausted.
type SequenceIterator interface {
	Next(ctx context.Context, batch []SequenceItem) (n int, done bool, err error)
}

// ChunkInfo describes one chunk of a chunked dataset.
type ChunkInfo struct {
	Offset     []int64 // chunk's starting coordinate in the dataset's element space
	FilterMask uint32
	Addr       int64 // absolute byte offset of the chunk's raw bytes in the file
	Size       int64
}

// Engine is the storage-abstraction layer this package intercepts reads
// in front of. Everything not related to dataset-read classification and
// decomposition — attributes, groups, links, objects, tokens, blobs,
// datatype/file/group/link/object lifecycle — is the caller's
// responsibility to forward to it unchanged; Engine only exposes what the
// decision machine and SelectionEngine need.
type Engine interface {
	// DatasetType returns ds's element type descriptor.
	DatasetType(ctx context.Context, ds DatasetHandle) (TypeDescriptor, error)
	// DatasetSpace returns a copy of ds's current file dataspace.
	DatasetSpace(ctx context.Context, ds DatasetHandle) (Space, error)
	// DatasetDCPL returns the subset of ds's creation properties relevant to
	// classification and decomposition.
	DatasetDCPL(ctx context.Context, ds DatasetHandle) (DCPLInfo, error)
	// DatasetLayout returns ds's storage layout.
	DatasetLayout(ctx context.Context, ds DatasetHandle) (Layout, error)
	// DatasetStorageAllocated reports whether ds's storage has been
	// allocated (decision check 8).
	DatasetStorageAllocated(ctx context.Context, ds DatasetHandle) (bool, error)
	// DatasetContiguousAddr returns the base file address of a contiguous
	// dataset.
	DatasetContiguousAddr(ctx context.Context, ds DatasetHandle) (int64, error)
	// DatasetFile returns the FileRef the dataset was opened under.
	DatasetFile(ctx context.Context, ds DatasetHandle) (FileRef, error)

	// ChunkIterate calls fn once per chunk currently allocated for ds.
	ChunkIterate(ctx context.Context, ds DatasetHandle, fn func(ChunkInfo) error) error

	// Flush flushes f so that any previously written bytes are visible to a
	// positional read against the raw descriptor.
	Flush(ctx context.Context, f FileRef) error

	// FilePath returns the local path backing f, for opening a raw
	// descriptor.
	FilePath(ctx context.Context, f FileRef) (string, error)

	// NativeIntSize returns the host's native int size in bytes, used by
	// decision check 4.
	NativeIntSize() int

	// CopySpace returns an independent copy of s.
	CopySpace(ctx context.Context, s Space) (Space, error)
	// SetExtent replaces s's extent with dims and leaves its selected points
	// unchanged.
	SetExtent(ctx context.Context, s Space, dims []int64) error
	// SelectHyperslab replaces s's selection with the given hyperslab,
	// combined with op ("SET" or "AND" semantics are the only ones this
	// package uses — see SelectOp).
	SelectHyperslab(ctx context.Context, s Space, op SelectOp, start, stride, count, block []int64) error
	// SelectAll replaces s's selection with the dataspace's full extent.
	SelectAll(ctx context.Context, s Space) error
	// SelectAdjust shifts s's selection so that offset becomes the new
	// origin.
	SelectAdjust(ctx context.Context, s Space, offset []int64) error
	// ProjectIntersection projects memSpace (paired elementwise with
	// srcSpace) through the intersection srcSpace ∩ dstSpace, returning the
	// subset of memSpace corresponding to the intersection's elements.
	ProjectIntersection(ctx context.Context, srcSpace, dstSpace, memSpace Space) (Space, error)
	// SpaceExtent returns s's current dataspace extent (dimension sizes).
	SpaceExtent(ctx context.Context, s Space) ([]int64, error)
	// SelectType reports s's current selection kind.
	SelectType(ctx context.Context, s Space) (SelectionKind, error)
	// SelectNPoints reports the number of elements currently selected in s.
	SelectNPoints(ctx context.Context, s Space) (int64, error)
	// NewSequenceIterator returns an iterator over s's selection in
	// elemSize-sized units.
	NewSequenceIterator(ctx context.Context, s Space, elemSize int64) (SequenceIterator, error)
	// ReleaseSpace releases resources held by s, if any.
	ReleaseSpace(ctx context.Context, s Space)
}

// SelectOp is the combination operator for SelectHyperslab.
type SelectOp int

const (
	// SelectSet replaces the current selection.
	SelectSet SelectOp = iota
	// SelectAnd intersects the hyperslab with the current selection.
	SelectAnd
)
