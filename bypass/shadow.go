package bypass

import (
	"context"
	"sync"

	"github.com/grailbio/hdfbypass/bitset"
	"github.com/grailbio/hdfbypass/errors"
)

// Trigger bits for DatasetShadow.triggers, one per decision check in
// Classify, in the order they are evaluated. Surfaced only for
// diagnostics and tests; the externally observable decision is UseNative.
const (
	TriggerFilterCount = iota
	TriggerLayout
	TriggerElementClass
	TriggerElementSize
	TriggerSign
	TriggerExternalFiles
	TriggerTypeMismatch
	TriggerStorageNotAllocated

	numTriggers
)

// DatasetShadow is cached metadata for one open dataset, attached the
// first time the dataset is touched by a read.
type DatasetShadow struct {
	mu *sync.Mutex

	Engine Engine
	Handle DatasetHandle
	File   *FileHandle
	Name   string

	typ    TypeDescriptor
	layout Layout
	space  Space
	dcpl   DCPLInfo

	useNativeChecked bool
	useNative        bool
	triggers         []uintptr
}

// NewDatasetShadow creates a shadow bound to file, taking a strong
// reference on it. The shadow's lifetime must be a strict subinterval of
// file's.
func NewDatasetShadow(mu *sync.Mutex, engine Engine, handle DatasetHandle, file *FileHandle, name string) *DatasetShadow {
	file.Ref()
	return &DatasetShadow{
		mu:       mu,
		Engine:   engine,
		Handle:   handle,
		File:     file,
		Name:     name,
		triggers: bitset.NewClearBits(numTriggers),
	}
}

// Close releases the shadow's reference on its FileHandle. Call exactly
// once, when the owning dataset handle is closed.
func (s *DatasetShadow) Close(ctx context.Context) error {
	return s.File.Release(ctx)
}

// InvalidateSpace marks the cached file-space stale; the next classify or
// read call will re-fetch it from the Engine. Called when a set-extent
// operation is observed on the dataset.
func (s *DatasetShadow) InvalidateSpace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.space = nil
}

// UseNative reports the binding bypass/fall-back decision, if already
// computed.
func (s *DatasetShadow) UseNative() (useNative bool, checked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.useNative, s.useNativeChecked
}

// Triggers returns which of the 8 decision checks fired, for diagnostics.
func (s *DatasetShadow) Triggers() []uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uintptr, len(s.triggers))
	copy(out, s.triggers)
	return out
}

// trigger records that check fired and commits UseNative=true. The caller
// must already hold s.mu.
func (s *DatasetShadow) triggerLocked(check int) {
	bitset.Set(s.triggers, check)
	s.useNative = true
	s.useNativeChecked = true
}

// Classify runs the 8-step fall-back decision against memType, the
// caller's memory element type. Once useNativeChecked is set, the
// decision is permanent for this shadow's lifetime and Classify returns it
// without re-running the checks.
//
// A metadata query failure here is a Classification error: the caller
// should treat it as "fall back for this dataset", not propagate it.
func (s *DatasetShadow) Classify(ctx context.Context, memType TypeDescriptor) (useNative bool, err error) {
	s.mu.Lock()
	if s.useNativeChecked {
		defer s.mu.Unlock()
		return s.useNative, nil
	}
	s.mu.Unlock()

	typ, err := s.Engine.DatasetType(ctx, s.Handle)
	if err != nil {
		return false, errors.E(errors.Classification, "dataset type query failed", err)
	}
	layout, err := s.Engine.DatasetLayout(ctx, s.Handle)
	if err != nil {
		return false, errors.E(errors.Classification, "dataset layout query failed", err)
	}
	dcpl, err := s.Engine.DatasetDCPL(ctx, s.Handle)
	if err != nil {
		return false, errors.E(errors.Classification, "dataset DCPL query failed", err)
	}
	allocated, err := s.Engine.DatasetStorageAllocated(ctx, s.Handle)
	if err != nil {
		return false, errors.E(errors.Classification, "dataset storage-status query failed", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.useNativeChecked {
		return s.useNative, nil
	}
	s.typ = typ
	s.layout = layout
	s.dcpl = dcpl

	switch {
	case dcpl.FilterCount > 0:
		s.triggerLocked(TriggerFilterCount)
	case layout == LayoutVirtual || layout == LayoutCompact:
		s.triggerLocked(TriggerLayout)
	case typ.Class != ClassInteger:
		s.triggerLocked(TriggerElementClass)
	case typ.Size != s.Engine.NativeIntSize():
		s.triggerLocked(TriggerElementSize)
	case typ.Sign != SignTwosComplement:
		s.triggerLocked(TriggerSign)
	case dcpl.ExternalFileCount > 0:
		s.triggerLocked(TriggerExternalFiles)
	case memType != typ:
		s.triggerLocked(TriggerTypeMismatch)
	case !allocated:
		s.triggerLocked(TriggerStorageNotAllocated)
	default:
		s.useNative = false
		s.useNativeChecked = true
	}
	return s.useNative, nil
}

// FileSpace returns the dataset's cached file dataspace, fetching and
// caching it from the Engine if InvalidateSpace was called or this is the
// first access.
func (s *DatasetShadow) FileSpace(ctx context.Context) (Space, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.space != nil {
		return s.space, nil
	}
	space, err := s.Engine.DatasetSpace(ctx, s.Handle)
	if err != nil {
		return nil, errors.E(errors.Classification, "dataset space query failed", err)
	}
	s.space = space
	return space, nil
}

// Layout returns the dataset's cached layout.
func (s *DatasetShadow) Layout() Layout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layout
}

// DCPL returns the dataset's cached creation properties.
func (s *DatasetShadow) DCPL() DCPLInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dcpl
}
