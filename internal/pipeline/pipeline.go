// Package pipeline overlaps remote reads, reductions and remote writes over
// a fixed set of staging buffers.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Mellanox/ucc/internal/fabric"
)

// State is the stage a buffer is in.
type State int

const (
	Free State = iota
	Reading
	Ready
	Reducing
	Reduced
	Writing
	Done
)

var stateNames = [...]string{
	Free:     "FREE",
	Reading:  "READING",
	Ready:    "READY",
	Reducing: "REDUCING",
	Reduced:  "REDUCED",
	Writing:  "WRITING",
	Done:     "DONE",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Buffer is one staging slot.
type Buffer struct {
	Index int
	State State
	// Count and Offset are in elements, Offset from the start of the host
	// buffer.
	Count  uint64
	Offset uint64
	// Seq numbers chunks in assignment order. Every rank assigns the same
	// chunks in the same order, so Seq identifies a chunk across a team.
	Seq uint64

	mem []byte
	req fabric.Request
}

// Mem returns the whole slot.
func (b *Buffer) Mem() []byte { return b.mem }

// Pending reports whether the buffer has an outstanding request.
func (b *Buffer) Pending() bool { return b.req != nil }

// Driver issues the asynchronous operations of each stage.
type Driver interface {
	IssueGet(buf *Buffer, data []byte) (fabric.Request, error)
	IssueReduce(buf *Buffer, data []byte) (fabric.Request, error)
	IssuePut(buf *Buffer, data []byte) (fabric.Request, error)
	// Progress drives the worker and the collective runtime.
	Progress()
}

// Pipeline is a buffer arena plus the element accounting for one shard.
type Pipeline struct {
	buffers    []Buffer
	bufferSize int
	dtSize     int
	nextSeq    uint64

	MyCount        uint64
	MyOffset       uint64
	CountRequested uint64
	CountServiced  uint64
}

// New carves mem into numBuffers slots of bufferSize bytes.
func New(mem []byte, numBuffers, bufferSize int) (*Pipeline, error) {
	if numBuffers <= 0 || bufferSize <= 0 {
		return nil, fmt.Errorf("invalid pipeline geometry %d x %d", numBuffers, bufferSize)
	}
	if len(mem) < numBuffers*bufferSize {
		return nil, fmt.Errorf("pipeline memory of %d bytes cannot hold %d x %d", len(mem), numBuffers, bufferSize)
	}
	p := &Pipeline{
		buffers:    make([]Buffer, numBuffers),
		bufferSize: bufferSize,
	}
	for i := range p.buffers {
		p.buffers[i] = Buffer{
			Index: i,
			mem:   mem[i*bufferSize : (i+1)*bufferSize : (i+1)*bufferSize],
		}
	}
	return p, nil
}

func (p *Pipeline) NumBuffers() int { return len(p.buffers) }
func (p *Pipeline) BufferSize() int { return p.bufferSize }

// Buffer returns slot i.
func (p *Pipeline) Buffer(i int) *Buffer { return &p.buffers[i] }

// Start assigns the element range [offset, offset+count) of a dtSize-byte
// datatype. The pipeline must be idle.
func (p *Pipeline) Start(offset, count uint64, dtSize int) {
	if dtSize <= 0 || dtSize > p.bufferSize {
		fabric.Fatalf("datatype of %d bytes does not fit a %d byte pipeline buffer", dtSize, p.bufferSize)
	}
	for i := range p.buffers {
		if p.buffers[i].State != Free || p.buffers[i].req != nil {
			fabric.Fatalf("pipeline started with buffer %d in %s", i, p.buffers[i].State)
		}
	}
	p.dtSize = dtSize
	p.MyOffset = offset
	p.MyCount = count
	p.CountRequested = 0
	p.CountServiced = 0
	p.nextSeq = 0
}

// Reset returns every counter and buffer to its initial state.
func (p *Pipeline) Reset() {
	for i := range p.buffers {
		b := &p.buffers[i]
		if b.req != nil {
			b.req.Release()
			b.req = nil
		}
		b.State = Free
		b.Count = 0
		b.Offset = 0
		b.Seq = 0
	}
	p.MyCount = 0
	p.MyOffset = 0
	p.CountRequested = 0
	p.CountServiced = 0
	p.nextSeq = 0
}

// Done reports whether the whole assigned range has been written back.
func (p *Pipeline) Done() bool {
	return p.CountServiced == p.MyCount
}

// Run drives Progress until the shard is done.
func (p *Pipeline) Run(d Driver) {
	fabric.Spin(func() bool {
		if p.Done() {
			return true
		}
		p.Progress(d)
		return p.Done()
	})
}

// Progress visits every buffer once, in index order, advancing each by at
// most one stage.
func (p *Pipeline) Progress(d Driver) {
	for i := range p.buffers {
		d.Progress()
		p.advance(d, &p.buffers[i])
	}
	if p.CountServiced > p.CountRequested || p.CountRequested > p.MyCount {
		fabric.Fatalf("pipeline counters out of order: serviced %d requested %d count %d",
			p.CountServiced, p.CountRequested, p.MyCount)
	}
}

func (p *Pipeline) data(b *Buffer) []byte {
	return b.mem[:b.Count*uint64(p.dtSize)]
}

func (p *Pipeline) advance(d Driver, b *Buffer) {
	switch b.State {
	case Free:
		remaining := p.MyCount - p.CountRequested
		if remaining == 0 {
			return
		}
		b.Count = min(uint64(p.bufferSize/p.dtSize), remaining)
		b.Offset = p.MyOffset + p.CountRequested
		b.Seq = p.nextSeq
		req, err := d.IssueGet(b, p.data(b))
		if !p.issued(b, "get", err) {
			b.Count = 0
			return
		}
		b.req = req
		b.State = Reading
		p.CountRequested += b.Count
		p.nextSeq++
		log.Trace().Int("buf", b.Index).Uint64("offset", b.Offset).Uint64("count", b.Count).Msg("Issued get")

	case Reading:
		if p.completed(b, "get") {
			b.State = Ready
		}

	case Ready:
		req, err := d.IssueReduce(b, p.data(b))
		if !p.issued(b, "reduce", err) {
			return
		}
		b.req = req
		b.State = Reducing

	case Reducing:
		if p.completed(b, "reduce") {
			b.State = Reduced
		}

	case Reduced:
		req, err := d.IssuePut(b, p.data(b))
		if !p.issued(b, "put", err) {
			return
		}
		b.req = req
		b.State = Writing

	case Writing:
		if p.completed(b, "put") {
			b.State = Done
		}

	case Done:
		p.CountServiced += b.Count
		log.Trace().Int("buf", b.Index).Uint64("offset", b.Offset).Uint64("count", b.Count).Msg("Chunk serviced")
		b.State = Free
	}
}

// issued reports whether an issue succeeded. A transient resource shortage
// leaves the buffer where it is for a retry on the next call.
func (p *Pipeline) issued(b *Buffer, op string, err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, fabric.ErrNoResource) {
		log.Trace().Int("buf", b.Index).Str("op", op).Msg("No resource, retrying")
		return false
	}
	fabric.Fatalf("failed to issue %s on buffer %d: %v", op, b.Index, err)
	return false
}

// completed tests the outstanding request and releases it once done.
func (p *Pipeline) completed(b *Buffer, op string) bool {
	if b.req == nil {
		return true
	}
	err := b.req.Test()
	if errors.Is(err, fabric.ErrInProgress) {
		return false
	}
	if err != nil {
		fabric.Fatalf("%s on buffer %d failed: %v", op, b.Index, err)
	}
	b.req.Release()
	b.req = nil
	return true
}
