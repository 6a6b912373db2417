package bypass

import (
	"context"

	"github.com/grailbio/hdfbypass/errors"
)

// SeqBatchSize is K, the number of sequence descriptors pulled from a
// selection iterator at a time.
const SeqBatchSize = 128

// SelectionEngine turns a request's (file-space, mem-space, layout, chunk
// dims, contiguous base address) into a stream of Tasks, for both
// contiguous and chunked layouts.
type SelectionEngine struct {
	Engine    Engine
	MaxNelmts int64
}

// seqCursor walks a SequenceIterator in K-sized batches, exposing the
// current (offset, length) run and letting the caller shrink it as bytes
// are consumed.
type seqCursor struct {
	iter  SequenceIterator
	batch []SequenceItem
	idx   int
	n     int
	done  bool
}

func newSeqCursor(iter SequenceIterator) *seqCursor {
	return &seqCursor{iter: iter, batch: make([]SequenceItem, SeqBatchSize)}
}

// current returns the cursor's current run, refilling the batch from the
// iterator as needed. ok is false once the iterator is exhausted.
func (c *seqCursor) current(ctx context.Context) (item SequenceItem, ok bool, err error) {
	for c.idx >= c.n {
		if c.done {
			return SequenceItem{}, false, nil
		}
		n, done, err := c.iter.Next(ctx, c.batch)
		if err != nil {
			return SequenceItem{}, false, err
		}
		c.n = n
		c.idx = 0
		c.done = done
		if n == 0 && done {
			return SequenceItem{}, false, nil
		}
	}
	return c.batch[c.idx], true, nil
}

// shrink consumes n bytes from the front of the cursor's current run,
// advancing to the next run in the batch if it is now empty.
func (c *seqCursor) shrink(n int64) {
	c.batch[c.idx].Offset += n
	c.batch[c.idx].Length -= n
	if c.batch[c.idx].Length == 0 {
		c.idx++
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// decomposeContiguous walks the file-space and mem-space selections in
// lockstep, emitting one Task per matched run, capped at MaxNelmts*elemSize
// bytes each. This serves both a contiguous dataset's whole file-space and,
// per chunk, the shifted working copy the chunked path builds.
func (se *SelectionEngine) decomposeContiguous(
	ctx context.Context,
	fh *FileHandle,
	fileSpace, memSpace Space,
	baseAddr int64,
	dstBuf []byte,
	elemSize int64,
	emit func(*Task),
) error {
	fileIter, err := se.Engine.NewSequenceIterator(ctx, fileSpace, elemSize)
	if err != nil {
		return errors.E(errors.Selection, "file sequence iterator", err)
	}
	memIter, err := se.Engine.NewSequenceIterator(ctx, memSpace, elemSize)
	if err != nil {
		return errors.E(errors.Selection, "mem sequence iterator", err)
	}
	fileCur := newSeqCursor(fileIter)
	memCur := newSeqCursor(memIter)

	maxBytes := se.MaxNelmts * elemSize
	for {
		fi, fok, err := fileCur.current(ctx)
		if err != nil {
			return errors.E(errors.Selection, "file sequence iteration", err)
		}
		mi, mok, err := memCur.current(ctx)
		if err != nil {
			return errors.E(errors.Selection, "mem sequence iteration", err)
		}
		if !fok || !mok {
			if fok != mok {
				return errors.E(errors.Selection, "file and mem selections have mismatched element counts")
			}
			return nil
		}
		ioLen := min64(min64(fi.Length, mi.Length), maxBytes)
		emit(&Task{
			File:      fh,
			Base:      baseAddr,
			FileAddr:  baseAddr + fi.Offset,
			Length:    ioLen,
			Mem:       dstBuf[mi.Offset : mi.Offset+ioLen],
			MemOffset: mi.Offset,
		})
		fileCur.shrink(ioLen)
		memCur.shrink(ioLen)
	}
}

func onesInt64(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func negateInt64(in []int64) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = -v
	}
	return out
}

// decomposeChunked iterates ds's allocated chunks, intersects the working
// file-space selection with each chunk's bounding box, projects the memory
// selection through that intersection, and decomposes the result with
// decomposeContiguous against the chunk's own base address.
func (se *SelectionEngine) decomposeChunked(
	ctx context.Context,
	shadow *DatasetShadow,
	fh *FileHandle,
	fileSpaceOrig, memSpaceOrig Space,
	dstBuf []byte,
	elemSize int64,
	emit func(*Task),
) error {
	eng := se.Engine
	chunkDims := shadow.DCPL().ChunkDims
	if len(chunkDims) == 0 {
		return errors.E(errors.Selection, "chunked dataset missing chunk dimensions")
	}
	stride := onesInt64(len(chunkDims))
	count := onesInt64(len(chunkDims))

	return eng.ChunkIterate(ctx, shadow.Handle, func(chunk ChunkInfo) error {
		work, err := eng.CopySpace(ctx, fileSpaceOrig)
		if err != nil {
			return errors.E(errors.Selection, "copy working file-space", err)
		}
		defer eng.ReleaseSpace(ctx, work)

		if err := eng.SelectHyperslab(ctx, work, SelectAnd, chunk.Offset, stride, count, chunkDims); err != nil {
			return errors.E(errors.Selection, "intersect chunk bounding box", err)
		}
		n, err := eng.SelectNPoints(ctx, work)
		if err != nil {
			return errors.E(errors.Selection, "count intersected points", err)
		}
		if n == 0 {
			return nil
		}

		projMem, err := eng.ProjectIntersection(ctx, fileSpaceOrig, work, memSpaceOrig)
		if err != nil {
			return errors.E(errors.Selection, "project memory selection through chunk intersection", err)
		}
		defer eng.ReleaseSpace(ctx, projMem)

		if err := eng.SelectAdjust(ctx, work, negateInt64(chunk.Offset)); err != nil {
			return errors.E(errors.Selection, "shift working file-space to chunk origin", err)
		}
		if err := eng.SetExtent(ctx, work, chunkDims); err != nil {
			return errors.E(errors.Selection, "shrink working file-space to chunk extent", err)
		}

		return se.decomposeContiguous(ctx, fh, work, projMem, chunk.Addr, dstBuf, elemSize, emit)
	})
}

// Decompose emits the Tasks needed to service one bypassable read of
// shadow's dataset, given the caller's file-space and mem-space selections
// (already known bypassable) and destination buffer.
func (se *SelectionEngine) Decompose(
	ctx context.Context,
	shadow *DatasetShadow,
	fh *FileHandle,
	fileSpace, memSpace Space,
	dstBuf []byte,
	elemSize int64,
	emit func(*Task),
) error {
	switch shadow.Layout() {
	case LayoutContiguous:
		baseAddr, err := se.Engine.DatasetContiguousAddr(ctx, shadow.Handle)
		if err != nil {
			return errors.E(errors.Selection, "contiguous base address query", err)
		}
		return se.decomposeContiguous(ctx, fh, fileSpace, memSpace, baseAddr, dstBuf, elemSize, emit)
	case LayoutChunked:
		return se.decomposeChunked(ctx, shadow, fh, fileSpace, memSpace, dstBuf, elemSize, emit)
	default:
		return errors.E(errors.Selection, "unsupported layout for decomposition")
	}
}
