// Copyright 2025 BioPassport Project
//
// Single-writer queue. All state-changing operations are admitted into one
// queue and executed by a dedicated writer goroutine, giving the registry a
// totally ordered serial commit log. Reads never enter the queue; they take
// the read lock against the committed snapshot.

package registry

import (
	"context"
	"time"
)

type writeResult struct {
	receipt *Receipt
	err     error
}

type writeOp struct {
	name  string
	apply func() (*Receipt, error)
	reply chan writeResult
}

// submit queues a write and blocks until it commits. Cancellation is honored
// only before admission; once admitted a write runs to completion.
func (r *Registry) submit(ctx context.Context, name string, apply func() (*Receipt, error)) (*Receipt, error) {
	op := writeOp{name: name, apply: apply, reply: make(chan writeResult, 1)}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.quit:
		return nil, ErrRegistryClosed
	case r.writes <- op:
	}

	select {
	case res := <-op.reply:
		return res.receipt, res.err
	case <-r.writerDone:
		// The writer exited before this op was picked up; it may still have
		// been handled during the drain.
		select {
		case res := <-op.reply:
			return res.receipt, res.err
		default:
			return nil, ErrRegistryClosed
		}
	}
}

func (r *Registry) runOp(op writeOp) {
	start := time.Now()
	rcpt, err := op.apply()
	r.metrics.observe(op.name, err, time.Since(start))
	op.reply <- writeResult{receipt: rcpt, err: err}
}

// writeLoop is the single writer. It owns the identifier counters and the
// block height; each successful operation advances the height by one.
func (r *Registry) writeLoop() {
	defer r.wg.Done()
	defer close(r.writerDone)
	for {
		select {
		case op := <-r.writes:
			r.runOp(op)
		case <-r.quit:
			// Drain operations admitted before shutdown.
			for {
				select {
				case op := <-r.writes:
					r.runOp(op)
				default:
					return
				}
			}
		}
	}
}
