package exchange

import (
	"context"
	"hash/fnv"

	"github.com/uhyunpark/stockcenter/pkg/apperr"
)

// Every instrument hashes onto one shard, and each shard runs its jobs on a
// single goroutine. Submission, cancellation, matching and operator actions
// for one instrument therefore form one queue, while different shards run
// in parallel.
type shard struct {
	id   int
	in   chan job
	quit chan struct{}
	done chan struct{}
}

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	resp chan error
}

func newShard(id, queue int) *shard {
	s := &shard{
		id:   id,
		in:   make(chan job, queue),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *shard) loop() {
	defer close(s.done)
	for {
		select {
		case j := <-s.in:
			if err := j.ctx.Err(); err != nil {
				j.resp <- apperr.Wrap(apperr.Busy, err, "request expired in queue")
				continue
			}
			j.resp <- j.fn(j.ctx)
		case <-s.quit:
			return
		}
	}
}

// do queues fn and waits for it. Once queued, fn always runs to completion
// (bounded by ctx) so its outcome is never lost to the caller.
func (s *shard) do(ctx context.Context, fn func(ctx context.Context) error) error {
	j := job{ctx: ctx, fn: fn, resp: make(chan error, 1)}
	select {
	case s.in <- j:
	case <-ctx.Done():
		return apperr.Wrap(apperr.Busy, ctx.Err(), "shard %d queue full", s.id)
	case <-s.quit:
		return apperr.New(apperr.Busy, "exchange is shutting down")
	}
	select {
	case err := <-j.resp:
		return err
	case <-s.done:
		select {
		case err := <-j.resp:
			return err
		default:
		}
		return apperr.New(apperr.Busy, "exchange is shutting down")
	}
}

func (s *shard) stop() {
	close(s.quit)
	<-s.done
}

func pickShard(shards []*shard, instrument string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(instrument))
	return shards[int(h.Sum32()%uint32(len(shards)))]
}
