package bypass

import "sync"

// TaskQueue is an intrusive singly-linked FIFO of Tasks, with counters for
// tasks currently queued and tasks still unfinished (queued or in flight),
// plus an allEnqueued sentinel the producer sets once it has pushed every
// task for the current batch.
//
// In pooled mode a single TaskQueue is shared by the dispatcher (producer)
// and the ThreadPool's workers (consumers), guarded by GlobalState's mutex.
// In serial mode the dispatcher builds a stack-local TaskQueue with mu ==
// nil and drains it itself with no locking at all.
//
// Push and PopBatch take the mutex themselves, while the Locked methods
// assume the caller already holds it; the counter and sentinel accessors
// and DestroyLocked exist only in the Locked form. This is the needMutex
// boolean from the task queue's
// origin, split into two call sites instead of a bool parameter, so a
// caller can never forget which state the lock is in.
type TaskQueue struct {
	mu *sync.Mutex

	head, tail  *Task
	inQueue     int
	unfinished  int
	allEnqueued bool
}

// NewPooledTaskQueue returns a TaskQueue backed by mu, the lock shared with
// the rest of GlobalState.
func NewPooledTaskQueue(mu *sync.Mutex) *TaskQueue {
	return &TaskQueue{mu: mu}
}

// NewSerialTaskQueue returns an unlocked, stack-local TaskQueue for serial
// (no thread pool) mode.
func NewSerialTaskQueue() *TaskQueue {
	return &TaskQueue{}
}

func (q *TaskQueue) lock() {
	if q.mu != nil {
		q.mu.Lock()
	}
}

func (q *TaskQueue) unlock() {
	if q.mu != nil {
		q.mu.Unlock()
	}
}

// PushLocked appends t. The caller must already hold q.mu, if any.
func (q *TaskQueue) PushLocked(t *Task) {
	t.next = nil
	if q.tail == nil {
		q.head = t
	} else {
		q.tail.next = t
	}
	q.tail = t
	q.inQueue++
	q.unfinished++
}

// Push appends t, taking q.mu itself.
func (q *TaskQueue) Push(t *Task) {
	q.lock()
	q.PushLocked(t)
	q.unlock()
}

// PopBatchLocked removes and returns up to max tasks from the head of the
// queue. The caller must already hold q.mu, if any.
func (q *TaskQueue) PopBatchLocked(max int) []*Task {
	var batch []*Task
	for len(batch) < max && q.head != nil {
		t := q.head
		q.head = t.next
		if q.head == nil {
			q.tail = nil
		}
		t.next = nil
		q.inQueue--
		batch = append(batch, t)
	}
	return batch
}

// PopBatch removes and returns up to max tasks, taking q.mu itself.
func (q *TaskQueue) PopBatch(max int) []*Task {
	q.lock()
	batch := q.PopBatchLocked(max)
	q.unlock()
	return batch
}

// FinishLocked marks one task as complete, decrementing unfinished. The
// caller must already hold q.mu, if any.
func (q *TaskQueue) FinishLocked() {
	q.unfinished--
}

// InQueueLocked returns the number of tasks currently queued (not counting
// tasks already popped and in flight). The caller must already hold q.mu.
func (q *TaskQueue) InQueueLocked() int { return q.inQueue }

// UnfinishedLocked returns the number of tasks queued or in flight. The
// caller must already hold q.mu.
func (q *TaskQueue) UnfinishedLocked() int { return q.unfinished }

// SetAllEnqueuedLocked sets or clears the allEnqueued sentinel. The caller
// must already hold q.mu.
func (q *TaskQueue) SetAllEnqueuedLocked(v bool) { q.allEnqueued = v }

// AllEnqueuedLocked reports the allEnqueued sentinel. The caller must
// already hold q.mu.
func (q *TaskQueue) AllEnqueuedLocked() bool { return q.allEnqueued }

// DestroyLocked drops every queued task without running it, used on
// shutdown. The caller must already hold q.mu, if any.
func (q *TaskQueue) DestroyLocked() {
	for q.head != nil {
		t := q.head
		q.head = t.next
		t.next = nil
	}
	q.tail = nil
	q.inQueue = 0
	q.unfinished = 0
}
