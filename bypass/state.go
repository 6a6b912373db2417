package bypass

import (
	"context"
	"sync"

	"github.com/grailbio/hdfbypass/log"
	"github.com/grailbio/hdfbypass/shutdown"
	"github.com/grailbio/hdfbypass/sync/ctxsync"
	"github.com/grailbio/hdfbypass/sync/once"
)

// GlobalState is the process-wide singleton backing one connector
// instance: the mutex and condition variables shared by the TaskQueue,
// every FileHandle, and the ThreadPool; the tunables parsed from the
// environment; and the Logger. It is created on first use and torn down
// by a shutdown.Register hook.
type GlobalState struct {
	mu sync.Mutex

	workAvailable *ctxsync.Cond
	readsFinished *ctxsync.Cond

	queue      *TaskQueue
	pool       *ThreadPool
	tunables   Tunables
	logger     *Logger
	shutdown   bool
	taskErrors taskErrorSet
}

// NewGlobalState creates a GlobalState from the environment's tunables,
// starts the thread pool unless BYPASS_VOL_NO_TPOOL is set, and registers
// a shutdown.Register hook to tear it down on process terminate.
func NewGlobalState(logPath string) (*GlobalState, error) {
	tunables, err := LoadTunables()
	if err != nil {
		return nil, err
	}
	logger, err := NewLogger(logPath)
	if err != nil {
		return nil, err
	}
	gs := &GlobalState{
		tunables:   tunables,
		logger:     logger,
		taskErrors: newTaskErrorSet(),
	}
	gs.workAvailable = ctxsync.NewCond(&gs.mu)
	gs.readsFinished = ctxsync.NewCond(&gs.mu)
	gs.queue = NewPooledTaskQueue(&gs.mu)
	gs.pool = newThreadPool(gs)
	if !tunables.NoThreadPool {
		gs.pool.Start()
	}
	shutdown.Register(gs.Terminate)
	return gs, nil
}

// Tunables returns the parsed environment tunables.
func (gs *GlobalState) Tunables() Tunables { return gs.tunables }

// Logger returns the domain logger.
func (gs *GlobalState) Logger() *Logger { return gs.logger }

// NewFileHandle opens path and binds it to this GlobalState's shared
// mutex, so its counters participate in the same condition variables as
// the task queue.
func (gs *GlobalState) NewFileHandle(path string) (*FileHandle, error) {
	return NewFileHandle(&gs.mu, path)
}

// NewDatasetShadow creates a shadow bound to file under this GlobalState's
// shared mutex.
func (gs *GlobalState) NewDatasetShadow(engine Engine, handle DatasetHandle, file *FileHandle, name string) *DatasetShadow {
	return NewDatasetShadow(&gs.mu, engine, handle, file, name)
}

// enqueueBatch pushes tasks onto the shared queue, broadcasting
// workAvailable every NSteps pushes so workers accumulate batch-sized work
// before waking.
func (gs *GlobalState) enqueueBatch(tasks []*Task) {
	if len(tasks) == 0 {
		return
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()
	since := 0
	for _, t := range tasks {
		gs.queue.PushLocked(t)
		since++
		if since >= gs.tunables.NSteps {
			gs.workAvailable.Broadcast()
			since = 0
		}
	}
	if since > 0 {
		gs.workAvailable.Broadcast()
	}
}

// beginRequestLocked clears allEnqueued ahead of a new top-level read, for
// the caller to build tasks into. The caller must already hold gs.mu.
func (gs *GlobalState) beginRequestLocked() {
	gs.queue.SetAllEnqueuedLocked(false)
}

// finishEnqueuing sets allEnqueued and wakes any idle workers, then waits
// until every task pushed for this request (and any still in flight from
// before it) has finished.
func (gs *GlobalState) finishEnqueuing(ctx context.Context) error {
	gs.mu.Lock()
	gs.queue.SetAllEnqueuedLocked(true)
	gs.workAvailable.Broadcast()
	for gs.queue.UnfinishedLocked() > 0 {
		if err := gs.readsFinished.Wait(ctx); err != nil {
			gs.mu.Unlock()
			return err
		}
	}
	gs.mu.Unlock()
	return nil
}

// drainTaskErrors returns and clears any per-task read failures
// accumulated since the last call, for the dispatcher to surface after a
// request's reads finish.
func (gs *GlobalState) drainTaskErrors() error {
	gs.mu.Lock()
	err := gs.taskErrors.ErrorOrNil()
	gs.taskErrors = newTaskErrorSet()
	gs.mu.Unlock()
	return err
}

var (
	globalOnce  once.Task
	globalState *GlobalState
)

// Global returns the process-wide GlobalState, creating it from the
// environment on first call. Every connector instance in a process shares
// it, matching the host library's own one-connector-type-per-process
// expectation.
func Global(logPath string) (*GlobalState, error) {
	err := globalOnce.Do(func() error {
		gs, err := NewGlobalState(logPath)
		if err != nil {
			return err
		}
		globalState = gs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return globalState, nil
}

// Terminate shuts down the thread pool and flushes the logger. It is
// idempotent-safe only once, matching shutdown.Register's single
// process-terminate callback contract.
func (gs *GlobalState) Terminate() {
	gs.mu.Lock()
	gs.shutdown = true
	gs.queue.SetAllEnqueuedLocked(true)
	gs.queue.DestroyLocked()
	gs.workAvailable.Broadcast()
	gs.mu.Unlock()

	gs.pool.Wait()

	if err := gs.logger.Flush(); err != nil {
		log.Error.Printf("bypass: flushing log on terminate: %v", err)
	}
}
