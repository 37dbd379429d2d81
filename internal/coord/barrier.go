// Package coord runs the fixed set of DPU worker threads and provides the
// flag barrier they synchronize on between collective phases.
package coord

import (
	"runtime"
	"sync"

	"go.uber.org/atomic"

	"github.com/Mellanox/ucc/internal/fabric"
)

// Barrier is a coordinator/worker barrier over per-thread flags. Thread 0
// raises every worker's todo flag and polls their done flags; worker i polls
// todo[i], lowers it and raises done[i]. Thread 0 leaves last, so state a
// worker read before arriving may be rewritten once thread 0 returns. A
// worker that reads shared state after leaving must pass another barrier
// before thread 0 writes it again.
type Barrier struct {
	todo    []atomic.Bool
	done    []atomic.Bool
	aborted atomic.Bool
}

// NewBarrier creates a barrier for n threads.
func NewBarrier(n int) *Barrier {
	return &Barrier{
		todo: make([]atomic.Bool, n),
		done: make([]atomic.Bool, n),
	}
}

// Size is the number of participating threads.
func (b *Barrier) Size() int { return len(b.todo) }

// Wait blocks thread idx until every thread has reached the barrier. If the
// barrier is aborted the calling goroutine exits.
func (b *Barrier) Wait(idx int) {
	if idx == 0 {
		b.signalWorkers()
		b.waitForWorkers()
		// Leave every flag low for the next round.
		for i := 1; i < len(b.done); i++ {
			b.done[i].Store(false)
		}
	} else {
		b.waitForCoordinator(idx)
		b.done[idx].Store(true)
	}
}

func (b *Barrier) signalWorkers() {
	for i := 1; i < len(b.todo); i++ {
		b.done[i].Store(false)
		b.todo[i].Store(true)
	}
}

func (b *Barrier) waitForWorkers() {
	fabric.Spin(func() bool {
		b.exitIfAborted()
		for i := 1; i < len(b.done); i++ {
			if !b.done[i].Load() {
				return false
			}
		}
		return true
	})
}

func (b *Barrier) waitForCoordinator(idx int) {
	fabric.Spin(func() bool {
		b.exitIfAborted()
		return b.todo[idx].Load()
	})
	b.todo[idx].Store(false)
}

// Clear reports whether every flag is low.
func (b *Barrier) Clear() bool {
	for i := range b.todo {
		if b.todo[i].Load() || b.done[i].Load() {
			return false
		}
	}
	return true
}

// Abort releases every waiter. Waiting goroutines exit instead of
// returning.
func (b *Barrier) Abort() {
	b.aborted.Store(true)
}

func (b *Barrier) exitIfAborted() {
	if b.aborted.Load() {
		runtime.Goexit()
	}
}

// entryBarrier is a blocking barrier for bulk start and exit of the pool.
type entryBarrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	size       int
	waiting    int
	generation int
	aborted    bool
}

func newEntryBarrier(size int) *entryBarrier {
	b := &entryBarrier{size: size}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// wait returns false if the barrier was aborted.
func (b *entryBarrier) wait() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.aborted {
		return false
	}
	gen := b.generation
	b.waiting++
	if b.waiting == b.size {
		b.waiting = 0
		b.generation++
		b.cond.Broadcast()
		return true
	}
	for gen == b.generation && !b.aborted {
		b.cond.Wait()
	}
	return !b.aborted
}

func (b *entryBarrier) abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.aborted = true
	b.cond.Broadcast()
}
