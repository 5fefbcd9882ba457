package grpcstream

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DispatchQueue serializes execution of callbacks. All state owned by a
// GrpcStream is only ever touched from tasks running on its queue, which is
// what lets the stream get away with no internal locking.
//
// Implementations must guarantee that no two tasks run concurrently and that
// tasks run in the order they were scheduled.
type DispatchQueue interface {
	// Schedule enqueues fn for asynchronous execution on the queue.
	Schedule(fn func())
	// RunSync enqueues fn and blocks until it has executed. It must not be
	// called from the queue itself.
	RunSync(fn func())
	// RunningOnQueue reports whether the caller is executing on the queue.
	// Used for defensive assertions.
	RunningOnQueue() bool
}

// SerialQueue is the default DispatchQueue: a single goroutine draining an
// unbounded FIFO of tasks.
type SerialQueue struct {
	lg *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool

	workerID atomic.Int64
	done     chan struct{}
}

// NewSerialQueue creates a queue and starts its worker goroutine. A nil
// logger defaults to a no-op logger.
func NewSerialQueue(lg *zap.Logger) *SerialQueue {
	if lg == nil {
		lg = zap.NewNop()
	}
	q := &SerialQueue{
		lg:   lg,
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

// Schedule enqueues fn. Tasks scheduled after Close are dropped.
func (q *SerialQueue) Schedule(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.lg.Debug("dispatch queue closed, dropping task")
		return
	}
	q.tasks = append(q.tasks, fn)
	q.cond.Signal()
}

// RunSync enqueues fn and waits for it to run. A panic inside fn is re-raised
// on the calling goroutine, leaving the queue itself running. Calling RunSync
// from the queue would deadlock, so it panics instead.
func (q *SerialQueue) RunSync(fn func()) {
	if q.RunningOnQueue() {
		panic("grpcstream: RunSync called from its own dispatch queue")
	}

	var p any
	done := make(chan struct{})
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.tasks = append(q.tasks, func() {
		defer close(done)
		defer func() { p = recover() }()
		fn()
	})
	q.cond.Signal()
	q.mu.Unlock()

	<-done
	if p != nil {
		panic(p)
	}
}

// RunningOnQueue reports whether the current goroutine is the queue's worker.
func (q *SerialQueue) RunningOnQueue() bool {
	return q.workerID.Load() == currentGoroutineID()
}

// Close stops intake, drains already-scheduled tasks, and waits for the
// worker goroutine to exit.
func (q *SerialQueue) Close() {
	if q.RunningOnQueue() {
		panic("grpcstream: Close called from its own dispatch queue")
	}

	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()
	<-q.done
}

func (q *SerialQueue) loop() {
	q.workerID.Store(currentGoroutineID())
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		task()
	}
}

// currentGoroutineID parses the goroutine id out of the first line of a stack
// trace ("goroutine 123 [running]:"). The runtime does not expose the id any
// other way.
func currentGoroutineID() int64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return -1
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
