// Package actor provides the per-instrument single-writer serialization
// spec §5 requires: exactly one goroutine ever touches a given
// instrument's internal/book, so a matching walk can never be
// suspended mid-walk by another goroutine's submission for the same
// instrument. Work for different instruments runs fully in parallel.
//
// The pattern generalizes the teacher's internal/worker.go WorkerPool /
// internal/net/server.go sessionHandler: there, a tomb.Tomb-supervised
// goroutine drains one shared channel of connections; here, one such
// goroutine is spawned lazily per instrument key and drains only that
// instrument's channel, which is the natural "one actor per key" reading
// of the same design.
package actor

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

// Job is one unit of serialized work. It receives the context the
// Pool was run with, so a long submission can still observe shutdown.
type Job func(ctx context.Context)

// Pool runs at most one Job at a time per key, queuing further jobs
// submitted for a busy key and running jobs for distinct keys
// concurrently.
type Pool struct {
	t        *tomb.Tomb
	ctx      context.Context
	queueCap int

	mu    sync.Mutex
	lanes map[string]chan Job
}

// NewPool creates a Pool supervised by t; queueCap bounds how many
// pending jobs a single lane's channel will buffer before Submit
// blocks, applying natural backpressure per instrument.
func NewPool(t *tomb.Tomb, ctx context.Context, queueCap int) *Pool {
	if queueCap <= 0 {
		queueCap = 64
	}
	return &Pool{t: t, ctx: ctx, queueCap: queueCap, lanes: make(map[string]chan Job)}
}

// Submit enqueues job onto key's lane, starting the lane's goroutine
// the first time key is seen. It blocks while the lane's queue is full;
// once the pool is shutting down it returns without enqueuing job.
func (p *Pool) Submit(key string, job Job) {
	lane := p.laneFor(key)
	select {
	case lane <- job:
	case <-p.t.Dying():
	}
}

func (p *Pool) laneFor(key string) chan Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.lanes[key]; ok {
		return ch
	}
	ch := make(chan Job, p.queueCap)
	p.lanes[key] = ch
	p.t.Go(func() error { return p.run(key, ch) })
	return ch
}

func (p *Pool) run(key string, jobs chan Job) error {
	log.Debug().Str("lane", key).Msg("actor lane started")
	for {
		select {
		case <-p.t.Dying():
			log.Debug().Str("lane", key).Msg("actor lane stopping")
			return nil
		case job := <-jobs:
			job(p.ctx)
		}
	}
}

// SubmitSync runs job on key's lane and blocks until it (and every job
// queued ahead of it) has completed, via a done channel closed at the
// end of the job — the coordinator uses this to turn a submission into
// a synchronous request/response call despite the underlying queue.
func (p *Pool) SubmitSync(key string, job func(ctx context.Context)) {
	done := make(chan struct{})
	p.Submit(key, func(ctx context.Context) {
		defer close(done)
		job(ctx)
	})
	select {
	case <-done:
	case <-p.t.Dying():
	}
}
