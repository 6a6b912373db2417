package bypass

import (
	"context"
	"os"
	"sync"

	"github.com/grailbio/hdfbypass/errors"
	"github.com/grailbio/hdfbypass/log"
	"github.com/grailbio/hdfbypass/sync/ctxsync"
)

// FileState is a FileHandle's position in its Fresh -> Active <-> Reading ->
// Closed lifecycle.
type FileState int

const (
	FileFresh FileState = iota
	FileActive
	FileReading
	FileClosed
)

// FileHandle is a process-local raw file descriptor shared by a library
// file object and every dataset/group shadow bound under it. It is
// reference-counted: each child that binds to it calls Ref, each release
// calls Release, and the descriptor is closed when the count reaches zero
// and every in-flight read against it has finished.
type FileHandle struct {
	mu *sync.Mutex

	file *os.File
	name string

	refCount    int
	numReads    int
	readStarted bool
	state       FileState

	closeReady *ctxsync.Cond
}

// NewFileHandle opens path and returns a FileHandle with a reference count
// of 1, the one held by the library file object itself. mu is the mutex
// shared with the rest of GlobalState; every counter on FileHandle is
// guarded by it.
func NewFileHandle(mu *sync.Mutex, path string) (*FileHandle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.E(errors.Lifecycle, "open file handle", err)
	}
	h := &FileHandle{
		mu:       mu,
		file:     f,
		name:     path,
		refCount: 1,
		state:    FileActive,
	}
	h.closeReady = ctxsync.NewCond(mu)
	return h, nil
}

// Name returns the path the handle was opened with.
func (h *FileHandle) Name() string { return h.name }

// OSFile returns the underlying *os.File for positional reads.
func (h *FileHandle) OSFile() *os.File { return h.file }

// Ref increments the reference count for a newly bound child (a dataset or
// group shadow).
func (h *FileHandle) Ref() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == FileClosed {
		log.Error.Printf("bypass: Ref on closed file handle %s", h.name)
		return
	}
	h.refCount++
}

// Release drops a child's reference. When the count reaches zero, Release
// waits for any in-flight reads against this file to finish (via
// closeReady) and then closes the descriptor.
func (h *FileHandle) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == FileClosed {
		return errors.E(errors.Lifecycle, "release on already-closed file handle "+h.name)
	}
	h.refCount--
	if h.refCount < 0 {
		return errors.E(errors.Lifecycle, "reference count underflow on file handle "+h.name)
	}
	if h.refCount > 0 {
		return nil
	}
	for h.readStarted && h.numReads > 0 {
		if err := h.closeReady.Wait(ctx); err != nil {
			return errors.E(errors.Lifecycle, "waiting to close file handle "+h.name, err)
		}
	}
	h.state = FileClosed
	if err := h.file.Close(); err != nil {
		return errors.E(errors.Lifecycle, "close file handle "+h.name, err)
	}
	return nil
}

// beginReadLocked is called by a worker picking up a task for this file.
// The caller must already hold h.mu.
func (h *FileHandle) beginReadLocked() {
	h.numReads++
	h.readStarted = true
	h.state = FileReading
}

// endReadLocked is called by a worker after finishing a task for this
// file. The caller must already hold h.mu. It signals closeReady when the
// file has quiesced.
func (h *FileHandle) endReadLocked() {
	h.numReads--
	if h.numReads == 0 {
		h.readStarted = false
		if h.state == FileReading {
			h.state = FileActive
		}
		h.closeReady.Broadcast()
	}
}
