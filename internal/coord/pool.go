package coord

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Threads  int
	Pin      bool
	NumCores int
}

// Thread is the identity of one pool goroutine.
type Thread struct {
	Idx   int
	Count int
	Log   zerolog.Logger

	barrier *Barrier
}

// Coordinator reports whether this is thread 0.
func (t *Thread) Coordinator() bool { return t.Idx == 0 }

// Barrier waits for every thread of the pool.
func (t *Thread) Barrier() { t.barrier.Wait(t.Idx) }

// Pool runs a fixed number of OS-thread-bound goroutines.
type Pool struct {
	cfg     PoolConfig
	barrier *Barrier
}

// NewPool validates cfg and creates the pool.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Threads <= 0 {
		return nil, fmt.Errorf("pool needs at least one thread, got %d", cfg.Threads)
	}
	return &Pool{cfg: cfg, barrier: NewBarrier(cfg.Threads)}, nil
}

// Size is the number of threads.
func (p *Pool) Size() int { return p.cfg.Threads }

// Barrier is the flag barrier shared by the pool's threads.
func (p *Pool) Barrier() *Barrier { return p.barrier }

// Run starts cfg.Threads goroutines, each locked to its own OS thread and
// optionally pinned to the core matching its index, and calls fn on each.
// All threads enter fn together and Run returns once all have left it. A
// panic on any thread aborts the others and is re-raised by Run.
func (p *Pool) Run(fn func(t *Thread)) {
	entry := newEntryBarrier(p.cfg.Threads)

	var wg conc.WaitGroup
	for i := 0; i < p.cfg.Threads; i++ {
		t := &Thread{
			Idx:     i,
			Count:   p.cfg.Threads,
			Log:     log.With().Int("thread", i).Logger(),
			barrier: p.barrier,
		}
		wg.Go(func() {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			defer func() {
				if r := recover(); r != nil {
					p.barrier.Abort()
					entry.abort()
					panic(r)
				}
			}()

			if p.cfg.Pin {
				if err := setAffinity(t.Idx, p.cfg.NumCores); err != nil {
					t.Log.Warn().Err(err).Msg("Failed to pin thread")
				}
			}
			if !entry.wait() {
				runtime.Goexit()
			}
			t.Log.Debug().Msg("Started comm thread")
			fn(t)
			if !entry.wait() {
				runtime.Goexit()
			}
			t.Log.Debug().Msg("Comm thread finalized")
		})
	}

	if r := wg.WaitAndRecover(); r != nil {
		panic(r.Value)
	}
}

// Shard splits total elements into parts disjoint ranges and returns range
// idx. The last range takes the remainder.
func Shard(total uint64, parts, idx int) (offset, count uint64) {
	base := total / uint64(parts)
	offset = base * uint64(idx)
	count = base
	if idx == parts-1 {
		count += total % uint64(parts)
	}
	return offset, count
}
