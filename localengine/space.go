package localengine

import (
	"context"
	"sort"

	"github.com/grailbio/hdfbypass/bypass"
	"github.com/grailbio/hdfbypass/errors"
)

// Space is the in-memory dataspace representation this Engine hands back
// through bypass.Space. Selections are materialized as an explicit,
// canonically (row-major) ordered list of coordinate tuples rather than a
// compact (start, stride, count, block) description: datasets exercised
// through this package are small enough that the simpler representation
// is worth the clarity, and every operation the bypass.Engine contract
// needs (intersect, project, adjust, sequence-iterate) falls out of plain
// set and sort operations on it.
type Space struct {
	Dims     []int64
	Selected [][]int64
}

func product(dims []int64) int64 {
	p := int64(1)
	for _, d := range dims {
		p *= d
	}
	return p
}

func linearIndex(dims, coord []int64) int64 {
	var idx int64
	for i, d := range dims {
		idx = idx*d + coord[i]
	}
	return idx
}

func coordKey(coord []int64) string {
	b := make([]byte, 0, len(coord)*8)
	for _, c := range coord {
		b = append(b, byte(c>>56), byte(c>>48), byte(c>>40), byte(c>>32), byte(c>>24), byte(c>>16), byte(c>>8), byte(c))
	}
	return string(b)
}

// NewSpace returns a Space over dims with every element selected.
func NewSpace(dims []int64) *Space {
	s := &Space{Dims: append([]int64(nil), dims...)}
	s.selectAllInPlace()
	return s
}

func (s *Space) selectAllInPlace() {
	n := product(s.Dims)
	s.Selected = make([][]int64, 0, n)
	coord := make([]int64, len(s.Dims))
	var rec func(dim int)
	rec = func(dim int) {
		if dim == len(s.Dims) {
			s.Selected = append(s.Selected, append([]int64(nil), coord...))
			return
		}
		for i := int64(0); i < s.Dims[dim]; i++ {
			coord[dim] = i
			rec(dim + 1)
		}
	}
	if len(s.Dims) > 0 {
		rec(0)
	}
}

func (s *Space) sortSelected() {
	sort.Slice(s.Selected, func(i, j int) bool {
		return linearIndex(s.Dims, s.Selected[i]) < linearIndex(s.Dims, s.Selected[j])
	})
}

// Copy returns a deep copy of s.
func (s *Space) Copy() *Space {
	out := &Space{
		Dims:     append([]int64(nil), s.Dims...),
		Selected: make([][]int64, len(s.Selected)),
	}
	for i, c := range s.Selected {
		out.Selected[i] = append([]int64(nil), c...)
	}
	return out
}

// hyperslabCoords enumerates every coordinate of a regular (start, stride,
// count, block) hyperslab.
func hyperslabCoords(start, stride, count, block []int64) [][]int64 {
	ndim := len(start)
	var out [][]int64
	idx := make([]int64, ndim)
	blk := make([]int64, ndim)
	var rec func(dim int)
	rec = func(dim int) {
		if dim == ndim {
			coord := make([]int64, ndim)
			for d := 0; d < ndim; d++ {
				coord[d] = start[d] + idx[d]*stride[d] + blk[d]
			}
			out = append(out, coord)
			return
		}
		for idx[dim] = 0; idx[dim] < count[dim]; idx[dim]++ {
			for blk[dim] = 0; blk[dim] < block[dim]; blk[dim]++ {
				rec(dim + 1)
			}
		}
		idx[dim] = 0
		blk[dim] = 0
	}
	rec(0)
	return out
}

// SelectHyperslab applies a regular hyperslab to s, per op.
func (s *Space) SelectHyperslab(op bypass.SelectOp, start, stride, count, block []int64) error {
	coords := hyperslabCoords(start, stride, count, block)
	switch op {
	case bypass.SelectSet:
		s.Selected = coords
	case bypass.SelectAnd:
		present := make(map[string]bool, len(coords))
		for _, c := range coords {
			present[coordKey(c)] = true
		}
		kept := s.Selected[:0:0]
		for _, c := range s.Selected {
			if present[coordKey(c)] {
				kept = append(kept, c)
			}
		}
		s.Selected = kept
	default:
		return errors.E(errors.Selection, "unsupported hyperslab combination operator")
	}
	s.sortSelected()
	return nil
}

// SelectAll replaces s's selection with every coordinate in its extent.
func (s *Space) SelectAll() { s.selectAllInPlace() }

// SelectAdjust shifts every selected coordinate by offset (negative values
// shift toward the origin).
func (s *Space) SelectAdjust(offset []int64) {
	for _, c := range s.Selected {
		for d := range c {
			c[d] += offset[d]
		}
	}
}

// SetExtent replaces s's declared extent, without touching the current
// selection's coordinates (the caller is expected to have already shifted
// them into the new extent's frame via SelectAdjust).
func (s *Space) SetExtent(dims []int64) { s.Dims = append([]int64(nil), dims...) }

// ProjectIntersection returns the subset of mem's selected points whose
// positions correspond to dst's selected points under src's ordering: src
// and mem are assumed to enumerate the same number of points, paired
// positionally, and dst is assumed to be a subset of src's selection.
func ProjectIntersection(src, dst, mem *Space) (*Space, error) {
	if len(src.Selected) != len(mem.Selected) {
		return nil, errors.E(errors.Selection, "source and memory selections have different point counts")
	}
	pos := make(map[string]int, len(src.Selected))
	for i, c := range src.Selected {
		pos[coordKey(c)] = i
	}
	out := &Space{Dims: append([]int64(nil), mem.Dims...)}
	for _, c := range dst.Selected {
		i, ok := pos[coordKey(c)]
		if !ok {
			return nil, errors.E(errors.Selection, "intersected point not found in source selection")
		}
		out.Selected = append(out.Selected, mem.Selected[i])
	}
	return out, nil
}

// Kind reports the bypass.SelectionKind this Space currently represents.
func (s *Space) Kind() bypass.SelectionKind {
	switch {
	case len(s.Selected) == 0:
		return bypass.SelectionNone
	case int64(len(s.Selected)) == product(s.Dims):
		return bypass.SelectionAll
	default:
		return bypass.SelectionHyperslab
	}
}

// sequenceIterator walks a Space's selected points in canonical order,
// coalescing consecutive linear indices into (offset, length) runs.
type sequenceIterator struct {
	runs []bypass.SequenceItem
	pos  int
}

func newSequenceIterator(s *Space, elemSize int64) *sequenceIterator {
	s.sortSelected()
	it := &sequenceIterator{}
	var cur *bypass.SequenceItem
	var lastIdx int64 = -2
	for _, c := range s.Selected {
		idx := linearIndex(s.Dims, c)
		if cur != nil && idx == lastIdx+1 {
			cur.Length += elemSize
		} else {
			it.runs = append(it.runs, bypass.SequenceItem{Offset: idx * elemSize, Length: elemSize})
			cur = &it.runs[len(it.runs)-1]
		}
		lastIdx = idx
	}
	return it
}

func (it *sequenceIterator) Next(ctx context.Context, batch []bypass.SequenceItem) (n int, done bool, err error) {
	n = copy(batch, it.runs[it.pos:])
	it.pos += n
	return n, it.pos >= len(it.runs), nil
}
