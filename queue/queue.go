// Package queue implements an explicit single-writer serialization queue.
// Envelope handling in the incoming pipeline must never run concurrently
// with itself for a given receiver, since two
// envelopes from the same device racing would corrupt ratchet state. This
// models that requirement as a real work queue rather than relying on
// incidental single-goroutine behavior.
package queue

import "context"

// Job is a unit of serialized work. It is run with the queue's context so
// long-running jobs can observe shutdown.
type Job func(ctx context.Context)

// Queue is a single-producer, single-consumer work queue: Push never blocks
// the caller on job execution, and jobs always run in submission order.
type Queue struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan Job
	done   chan struct{}
}

// New starts the worker goroutine and returns a ready Queue. capacity bounds
// how many pending jobs may be buffered before Push blocks.
func New(ctx context.Context, capacity int) *Queue {
	ctx, cancel := context.WithCancel(ctx)
	q := &Queue{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan Job, capacity),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			job(q.ctx)
		case <-q.ctx.Done():
			return
		}
	}
}

// Push enqueues a job. It blocks if the queue is at capacity, and is a no-op
// once the queue has been closed.
func (q *Queue) Push(job Job) {
	select {
	case q.jobs <- job:
	case <-q.ctx.Done():
	}
}

// Close stops accepting new jobs and waits for the worker to drain any job
// currently running before returning.
func (q *Queue) Close() {
	q.cancel()
	<-q.done
}
