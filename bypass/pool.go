package bypass

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/grailbio/hdfbypass/errors"
	"github.com/grailbio/hdfbypass/log"
	"github.com/grailbio/hdfbypass/retry"
	"github.com/grailbio/hdfbypass/sync/multierror"
)

// posixMaxIOBytes bounds a single positional-read syscall; larger requests
// are serviced with an internal loop.
const posixMaxIOBytes = 1 << 30

// ThreadPool is a fixed-size worker pool consuming a shared TaskQueue. It
// coordinates batch hand-off with the producing request thread through
// GlobalState's workAvailable and readsFinished condition variables.
type ThreadPool struct {
	gs      *GlobalState
	workers sync.WaitGroup
}

func newThreadPool(gs *GlobalState) *ThreadPool {
	return &ThreadPool{gs: gs}
}

// Start launches Tunables.NThreads worker goroutines.
func (p *ThreadPool) Start() {
	n := p.gs.tunables.NThreads
	if n < 1 {
		n = 1
	}
	p.workers.Add(n)
	for i := 0; i < n; i++ {
		go p.loop(i)
	}
}

// Wait blocks until every worker goroutine has exited, called after
// GlobalState has set shutdown and drained the queue.
func (p *ThreadPool) Wait() {
	p.workers.Wait()
}

// loop is the identical worker loop each pool goroutine runs: wait for
// work, pop a batch, mark each task's file as reading, service the batch,
// then mark the files done and fold any errors into the shared set.
func (p *ThreadPool) loop(id int) {
	defer p.workers.Done()
	gs := p.gs
	ctx := context.Background()

	for {
		gs.mu.Lock()
		for gs.queue.InQueueLocked() == 0 && !gs.shutdown {
			if err := gs.workAvailable.Wait(ctx); err != nil {
				gs.mu.Unlock()
				log.Error.Printf("bypass: worker %d wait error: %v", id, err)
				return
			}
		}
		if gs.queue.InQueueLocked() == 0 && gs.shutdown {
			gs.mu.Unlock()
			return
		}
		batch := gs.queue.PopBatchLocked(gs.tunables.NSteps)
		for _, t := range batch {
			t.File.beginReadLocked()
		}
		gs.mu.Unlock()

		for _, t := range batch {
			err := performRead(ctx, t)

			gs.mu.Lock()
			t.File.endReadLocked()
			gs.queue.FinishLocked()
			if err != nil {
				gs.taskErrors.Add(err)
			}
			if gs.queue.UnfinishedLocked() == 0 {
				gs.readsFinished.Broadcast()
			}
			gs.mu.Unlock()
		}
	}
}

// performRead services one Task with a positional read, looping at
// posixMaxIOBytes granularity and retrying on EINTR/EAGAIN.
func performRead(ctx context.Context, t *Task) error {
	var fileOff = t.FileAddr
	var memOff int64
	remaining := t.Length
	for remaining > 0 {
		chunk := remaining
		if chunk > posixMaxIOBytes {
			chunk = posixMaxIOBytes
		}
		n, err := readAtWithRetry(ctx, t.File, t.Mem[memOff:memOff+chunk], fileOff)
		if err != nil {
			return err
		}
		if int64(n) != chunk {
			return errors.E(errors.BypassIO, "short positional read")
		}
		fileOff += chunk
		memOff += chunk
		remaining -= chunk
	}
	return nil
}

var ioRetryPolicy = retry.MaxRetries(retry.Backoff(time.Millisecond, 50*time.Millisecond, 2), 10)

func readAtWithRetry(ctx context.Context, fh *FileHandle, buf []byte, off int64) (int, error) {
	for try := 0; ; try++ {
		n, err := fh.OSFile().ReadAt(buf, off)
		switch {
		case err == nil:
			return n, nil
		case stderrors.Is(err, io.EOF):
			return n, errors.E(errors.BypassIO, "unexpected EOF during positional read", err)
		case isRetryableErrno(err):
			if werr := retry.Wait(ctx, ioRetryPolicy, try); werr != nil {
				return n, errors.E(errors.BypassIO, "retry budget exhausted for "+fh.Name(), err)
			}
			continue
		default:
			return n, errors.E(errors.BypassIO, "positional read failed on "+fh.Name(), err)
		}
	}
}

func isRetryableErrno(err error) bool {
	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		return errno == syscall.EINTR || errno == syscall.EAGAIN
	}
	return false
}

// taskErrorSet accumulates per-task read failures across workers without
// aborting in-flight work, so counter discipline is preserved and the
// dispatcher can surface a single failure once the queue drains.
type taskErrorSet struct {
	errs *multierror.MultiError
}

func newTaskErrorSet() taskErrorSet {
	return taskErrorSet{errs: multierror.NewMultiError(16)}
}

func (s taskErrorSet) Add(err error) { s.errs.Add(err) }

func (s taskErrorSet) ErrorOrNil() error { return s.errs.ErrorOrNil() }
