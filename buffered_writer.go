package grpcstream

// bufferedWriter accepts outgoing messages and gives them to the transport
// one by one: a message is only issued after the write for the previous one
// has settled, in strict FIFO order. The queue is unbounded.
//
// The writer is dormant until start is called (which happens when the stream
// opens); messages enqueued before that simply buffer. It is only ever used
// from the stream's dispatch queue, so it needs no locking.
type bufferedWriter struct {
	issue func(message []byte)

	queue    [][]byte
	started  bool
	inFlight bool
}

func newBufferedWriter(issue func(message []byte)) *bufferedWriter {
	return &bufferedWriter{issue: issue}
}

func (w *bufferedWriter) start() {
	w.started = true
	w.issueNext()
}

func (w *bufferedWriter) enqueue(message []byte) {
	w.queue = append(w.queue, message)
	w.issueNext()
}

// onWriteSettled is called when the in-flight write completes; it issues the
// next queued message, if any.
func (w *bufferedWriter) onWriteSettled() {
	w.inFlight = false
	w.issueNext()
}

// discardUnissued drops all queued-but-not-yet-issued messages. The write
// already in flight, if any, is allowed to complete normally.
func (w *bufferedWriter) discardUnissued() {
	w.queue = nil
}

// idle reports that nothing is in flight and nothing is queued.
func (w *bufferedWriter) idle() bool {
	return !w.inFlight && len(w.queue) == 0
}

func (w *bufferedWriter) issueNext() {
	if !w.started || w.inFlight || len(w.queue) == 0 {
		return
	}
	next := w.queue[0]
	w.queue = w.queue[1:]
	w.inFlight = true
	w.issue(next)
}
