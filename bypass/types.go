package bypass

import "fmt"

// Class is the element class of a datatype descriptor.
type Class int

const (
	ClassInteger Class = iota
	ClassFloat
	ClassString
	ClassOther
)

// ByteOrder is the element byte order of a datatype descriptor.
type ByteOrder int

const (
	OrderLittleEndian ByteOrder = iota
	OrderBigEndian
	OrderVax
	OrderMixed
	OrderNone
)

// Sign is the signedness of an integer datatype descriptor.
type Sign int

const (
	SignTwosComplement Sign = iota
	SignNone
	SignNotApplicable
)

// TypeDescriptor describes an element type. Two descriptors bypass the same
// way iff they compare equal with ==.
type TypeDescriptor struct {
	Class Class
	Size  int
	Order ByteOrder
	Sign  Sign
}

func (t TypeDescriptor) String() string {
	return fmt.Sprintf("{class=%d size=%d order=%d sign=%d}", t.Class, t.Size, t.Order, t.Sign)
}

// Layout is a dataset's storage layout.
type Layout int

const (
	LayoutContiguous Layout = iota
	LayoutChunked
	LayoutCompact
	LayoutVirtual
	LayoutError
)

// Bypassable reports whether a layout is eligible for the bypass path.
func (l Layout) Bypassable() bool {
	return l == LayoutContiguous || l == LayoutChunked
}

// SelectionKind classifies a dataspace selection.
type SelectionKind int

const (
	SelectionAll SelectionKind = iota
	SelectionHyperslab
	SelectionPoints
	SelectionNone
	SelectionError
	// SelectionBlockOrPlist is the sentinel reported for a "block" or
	// "plist" selection handle, a selection form this package never
	// decomposes. Treated identically to SelectionPoints: fall through.
	SelectionBlockOrPlist
)

// Bypassable reports whether a selection kind is eligible for the bypass
// path. SelectionNone is handled as a silent no-op by the caller, not here.
func (k SelectionKind) Bypassable() bool {
	return k == SelectionAll || k == SelectionHyperslab
}

// DCPLInfo is the subset of a dataset creation property list the decision
// machine and selection engine need.
type DCPLInfo struct {
	FilterCount       int
	ChunkDims         []int64
	ExternalFileCount int
}
