package bypass

import (
	"context"

	"github.com/grailbio/hdfbypass/errors"
	"github.com/grailbio/hdfbypass/traverse"
	"golang.org/x/sync/singleflight"
)

// ReadTuple is one (dataset, mem-type, mem-space, file-space, destination
// buffer) request handed to the dispatcher. FileSpace may be nil, meaning
// "use the shadow's current file-space". MemSpace is used as given: a nil
// MemSpace is passed to the Engine unchanged and is not replaced by the
// dataset's element extent.
type ReadTuple struct {
	Shadow    *DatasetShadow
	File      *FileHandle
	MemType   TypeDescriptor
	FileSpace Space
	MemSpace  Space
	Dest      []byte
	ElemSize  int64
}

// ReadDispatcher is the top-level entry point for a dataset-read request:
// it classifies each tuple, flushes and decomposes the bypassable ones
// into Tasks, dispatches them through the pooled or serial queue, and
// writes the Logger's per-task and per-request boundary records.
type ReadDispatcher struct {
	GlobalState *GlobalState
	Selection   SelectionEngine

	flushOnce singleflight.Group
}

// NewReadDispatcher returns a dispatcher bound to gs, using eng for
// selection-space queries and the decomposition it performs.
func NewReadDispatcher(gs *GlobalState, eng Engine) *ReadDispatcher {
	return &ReadDispatcher{
		GlobalState: gs,
		Selection:   SelectionEngine{Engine: eng, MaxNelmts: gs.Tunables().MaxNelmts},
	}
}

// Fallback is called by Read for a tuple the decision machine could not
// bypass (selection kind, type mismatch, filtered dataset, and so on). It
// must forward the tuple's original arguments to the underlying engine
// unchanged, exactly once.
type Fallback func(ctx context.Context, t ReadTuple) error

// tupleClassification is the result of classifying one ReadTuple: the
// selection kinds of both spaces, and (once those are known to be
// bypassable) the dataset's permanent use-native decision.
type tupleClassification struct {
	fileKind, memKind SelectionKind
	useNative         bool
	// queryErr is a selection-metadata query failure: it fails the whole
	// request, matching the original sequential behavior.
	queryErr error
	// classifyErr is a per-dataset classification failure: local to this
	// dataset, so the tuple falls back instead of failing the request.
	classifyErr error
}

// Read classifies and services tuples. Classification only touches
// per-dataset metadata (cached after a dataset's first call) and has no
// ordering dependency between tuples, so it runs via traverse.Each across
// the whole batch; dispatch to the underlying engine or the selection
// engine then proceeds over the results in tuple order, since both share
// the process-wide task queue and logger.
func (d *ReadDispatcher) Read(ctx context.Context, tuples []ReadTuple, fallback Fallback) error {
	eng := d.Selection.Engine
	logger := d.GlobalState.Logger()
	noPool := d.GlobalState.Tunables().NoThreadPool

	results := make([]tupleClassification, len(tuples))
	traverse.Each(len(tuples)).Do(func(i int) error {
		t := tuples[i]
		fileKind, memKind, err := classifySelections(ctx, eng, t)
		if err != nil {
			results[i] = tupleClassification{queryErr: err}
			return nil
		}
		r := tupleClassification{fileKind: fileKind, memKind: memKind}
		if fileKind != SelectionNone && memKind != SelectionNone && fileKind.Bypassable() && memKind.Bypassable() {
			useNative, err := t.Shadow.Classify(ctx, t.MemType)
			if err != nil {
				r.classifyErr = err
			} else {
				r.useNative = useNative
			}
		}
		results[i] = r
		return nil
	})

	var serial *TaskQueue
	if noPool {
		serial = NewSerialTaskQueue()
	} else {
		d.GlobalState.mu.Lock()
		d.GlobalState.beginRequestLocked()
		d.GlobalState.mu.Unlock()
	}

	var firstErr error
	record := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	for i := range tuples {
		t := tuples[i]
		r := results[i]

		if r.queryErr != nil {
			record(r.queryErr)
			continue
		}
		if r.fileKind == SelectionNone || r.memKind == SelectionNone {
			continue
		}
		if !r.fileKind.Bypassable() || !r.memKind.Bypassable() {
			if err := fallback(ctx, t); err != nil {
				record(err)
			}
			continue
		}
		if r.classifyErr != nil {
			if err := fallback(ctx, t); err != nil {
				record(err)
			}
			continue
		}
		if r.useNative {
			if err := fallback(ctx, t); err != nil {
				record(err)
			}
			continue
		}

		if err := d.dispatchBypass(ctx, t, eng, serial, logger); err != nil {
			record(err)
		}
	}

	if noPool {
		if err := drainSerial(ctx, serial, logger); err != nil {
			record(err)
		}
	} else {
		if err := d.GlobalState.finishEnqueuing(ctx); err != nil {
			record(err)
		}
		if err := d.GlobalState.drainTaskErrors(); err != nil {
			record(err)
		}
	}

	return firstErr
}

// classifySelections reports the file-space and mem-space selection kinds
// for a tuple, querying the engine for whichever of FileSpace/MemSpace the
// caller left nil.
func classifySelections(ctx context.Context, eng Engine, t ReadTuple) (fileKind, memKind SelectionKind, err error) {
	fileSpace := t.FileSpace
	if fileSpace == nil {
		fileSpace, err = t.Shadow.FileSpace(ctx)
		if err != nil {
			return 0, 0, err
		}
	}
	fileKind, err = eng.SelectType(ctx, fileSpace)
	if err != nil {
		return 0, 0, errors.E(errors.Selection, "file-space selection-type query failed", err)
	}
	memKind, err = eng.SelectType(ctx, t.MemSpace)
	if err != nil {
		return 0, 0, errors.E(errors.Selection, "mem-space selection-type query failed", err)
	}
	return fileKind, memKind, nil
}

// dispatchBypass flushes the tuple's file (flushes of the same file that
// overlap in time, from concurrent requests, share one call via
// singleflight; each tuple of a request flushes on its own), decomposes
// the selection into Tasks, and pushes them onto either the shared pooled
// queue or the caller's serial queue.
func (d *ReadDispatcher) dispatchBypass(ctx context.Context, t ReadTuple, eng Engine, serial *TaskQueue, logger *Logger) error {
	fref, err := eng.DatasetFile(ctx, t.Shadow.Handle)
	if err != nil {
		return errors.E(errors.Selection, "dataset file reference query failed", err)
	}
	path, err := eng.FilePath(ctx, fref)
	if err != nil {
		return errors.E(errors.Selection, "file path query failed", err)
	}
	if _, err, _ := d.flushOnce.Do(path, func() (interface{}, error) {
		return nil, eng.Flush(ctx, fref)
	}); err != nil {
		return errors.E(errors.BypassIO, "flushing "+path+" before bypass read", err)
	}

	fileSpace := t.FileSpace
	if fileSpace == nil {
		fileSpace, err = t.Shadow.FileSpace(ctx)
		if err != nil {
			return err
		}
	}

	var tasks []*Task
	emit := func(task *Task) {
		tasks = append(tasks, task)
		fileElemOffset := (task.FileAddr - task.Base) / t.ElemSize
		elemCount := task.Length / t.ElemSize
		memElemOffset := task.MemOffset / t.ElemSize
		logger.LogRead(t.File.Name(), t.Shadow.Name, task.Base, fileElemOffset, elemCount, memElemOffset)
	}
	if err := d.Selection.Decompose(ctx, t.Shadow, t.File, fileSpace, t.MemSpace, t.Dest, t.ElemSize, emit); err != nil {
		return err
	}

	if serial != nil {
		for _, task := range tasks {
			serial.PushLocked(task)
		}
	} else {
		d.GlobalState.enqueueBatch(tasks)
	}
	logger.LogBoundary()
	return nil
}

// drainSerial runs every task in a serial-mode queue on the calling
// goroutine, in FIFO order, with no locking, accumulating per-task
// failures the same way the pooled path does so a failed or short read
// still fails the request.
func drainSerial(ctx context.Context, q *TaskQueue, logger *Logger) error {
	taskErrors := newTaskErrorSet()
	for {
		batch := q.PopBatchLocked(1)
		if len(batch) == 0 {
			return taskErrors.ErrorOrNil()
		}
		if err := performRead(ctx, batch[0]); err != nil {
			taskErrors.Add(err)
		}
	}
}
