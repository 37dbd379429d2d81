// Package sim is an in-process fabric provider. Workers, registered memory
// and collective teams live in a Network shared by every participant of a
// job, which makes a whole multi-host job runnable inside one process.
package sim

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"

	"github.com/Mellanox/ucc/internal/fabric"
)

// ProviderName is the name the default network registers under.
const ProviderName = "sim"

// Default is the process-wide network used through fabric.Open("sim").
var Default = NewNetwork(ProviderName)

func init() {
	fabric.Register(Default)
}

// Option configures a Network.
type Option func(*Network)

// WithOpRate throttles RMA and tagged-send issue to perSecond operations per
// second across the network.
func WithOpRate(perSecond int) Option {
	return func(n *Network) {
		if perSecond > 0 {
			n.limiter = ratelimit.New(perSecond)
		}
	}
}

// WithMaxOutstanding caps the operations a worker may have in flight.
// Issuing beyond the cap fails with fabric.ErrNoResource.
func WithMaxOutstanding(max int) Option {
	return func(n *Network) {
		n.maxOutstanding = max
	}
}

// Network is a simulated RDMA fabric plus collective runtime.
type Network struct {
	name           string
	limiter        ratelimit.Limiter
	maxOutstanding int

	mu         sync.Mutex
	workers    map[string]*Worker
	segments   map[uint64]*segment
	teams      map[string]*teamState
	nextWorker uint64
	nextKey    uint64
	nextAddr   uint64
}

// NewNetwork creates an empty network.
func NewNetwork(name string, opts ...Option) *Network {
	n := &Network{
		name:     name,
		workers:  make(map[string]*Worker),
		segments: make(map[uint64]*segment),
		teams:    make(map[string]*teamState),
		nextAddr: 0x10000,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Network) Name() string { return n.name }

// NewWorker creates a worker attached to the network.
func (n *Network) NewWorker() (fabric.Worker, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextWorker++
	w := &Worker{
		net:  n,
		addr: fmt.Sprintf("%s/worker-%d", n.name, n.nextWorker),
		box:  newMailbox(),
	}
	n.workers[w.addr] = w
	log.Trace().Str("worker", w.addr).Msg("Created sim worker")
	return w, nil
}

// NewRuntime creates a collective runtime for one world rank.
func (n *Network) NewRuntime(worldRank, worldSize int) (fabric.Runtime, error) {
	if worldSize <= 0 || worldRank < 0 || worldRank >= worldSize {
		return nil, fmt.Errorf("invalid world rank %d of size %d", worldRank, worldSize)
	}
	return &Runtime{
		net:       n,
		worldRank: worldRank,
		worldSize: worldSize,
		created:   make(map[string]int),
	}, nil
}

func (n *Network) lookupWorker(addr string) (*Worker, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	w, ok := n.workers[addr]
	return w, ok
}

func (n *Network) removeWorker(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.workers, addr)
}

// register assigns buf a virtual address range and a key.
func (n *Network) register(owner *Worker, buf []byte) *segment {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextKey++
	seg := &segment{
		net:   n,
		owner: owner,
		key:   n.nextKey,
		base:  n.nextAddr,
		buf:   buf,
	}
	// Leave a gap so that off-by-one addressing never lands in a neighbour.
	n.nextAddr += uint64(len(buf)) + 0x1000
	n.segments[seg.key] = seg
	return seg
}

func (n *Network) lookupSegment(key uint64) (*segment, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	seg, ok := n.segments[key]
	return seg, ok
}

func (n *Network) deregister(key uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.segments, key)
}

func (n *Network) throttle() {
	if n.limiter != nil {
		n.limiter.Take()
	}
}

// segment is registered memory.
type segment struct {
	net    *Network
	owner  *Worker
	key    uint64
	base   uint64
	buf    []byte
	closed bool
}

const packedKeyLen = 16

func (s *segment) Bytes() []byte { return s.buf }
func (s *segment) Addr() uint64  { return s.base }
func (s *segment) Len() int      { return len(s.buf) }

func (s *segment) PackedKey() []byte {
	packed := make([]byte, packedKeyLen)
	binary.LittleEndian.PutUint64(packed[0:8], s.key)
	binary.LittleEndian.PutUint64(packed[8:16], s.base)
	return packed
}

func (s *segment) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.net.deregister(s.key)
	return nil
}

// slice resolves a remote address range to the backing bytes.
func (s *segment) slice(addr uint64, length int) ([]byte, error) {
	if addr < s.base || addr+uint64(length) > s.base+uint64(len(s.buf)) {
		return nil, fmt.Errorf("remote range [%#x,+%d) outside segment [%#x,+%d)",
			addr, length, s.base, len(s.buf))
	}
	off := addr - s.base
	return s.buf[off : off+uint64(length)], nil
}
