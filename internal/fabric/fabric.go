// Package fabric defines the RDMA and collective-runtime primitives the DPU
// server is built on. Providers implement these interfaces over a concrete
// transport and register themselves by name.
package fabric

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	// ErrInProgress is returned by Test while a request is outstanding.
	ErrInProgress = errors.New("operation in progress")
	// ErrNoResource reports a transient lack of send resources. The
	// operation can be reissued on a later progress call.
	ErrNoResource = errors.New("no resource available")
	// ErrClosed is returned for operations on a closed worker or endpoint.
	ErrClosed = errors.New("fabric object closed")
	// ErrUnsupported is returned for datatype and operator combinations the
	// runtime cannot reduce.
	ErrUnsupported = errors.New("unsupported operation")
)

// Request is a handle for an asynchronous operation.
type Request interface {
	// Test returns nil once the operation completed, ErrInProgress while it
	// is outstanding, or the failure.
	Test() error
	// Release returns the handle to the provider.
	Release()
}

// RecvRequest is a tagged receive. Data is valid after Test returns nil.
type RecvRequest interface {
	Request
	Data() []byte
}

// Segment is a registered memory region that remote peers can access
// through its packed key.
type Segment interface {
	Bytes() []byte
	Addr() uint64
	Len() int
	PackedKey() []byte
	Close() error
}

// RemoteKey is a packed key unpacked against one endpoint.
type RemoteKey interface {
	Release()
}

// Endpoint is a connection from a worker to one remote worker.
type Endpoint interface {
	UnpackKey(packed []byte) (RemoteKey, error)
	Get(local []byte, remoteAddr uint64, key RemoteKey) (Request, error)
	Put(local []byte, remoteAddr uint64, key RemoteKey) (Request, error)
	SendTag(tag uint64, data []byte) (Request, error)
	Flush() (Request, error)
	Close() error
}

// Worker is a progress engine. A worker and everything created from it must
// be driven by a single goroutine.
type Worker interface {
	Address() []byte
	Connect(addr []byte) (Endpoint, error)
	Register(buf []byte) (Segment, error)
	RecvTag(tag uint64) (RecvRequest, error)
	// Progress advances outstanding operations and returns how many
	// completed.
	Progress() int
	Flush() error
	Close() error
}

// TeamParams describes a team to create. EPs lists the world rank of every
// member in team order and MyIndex is the caller's position in EPs.
type TeamParams struct {
	EPs     []int
	MyIndex int
}

// CollArgs describes one team collective.
type CollArgs struct {
	Type     CollType
	Tag      Tag
	Src      []byte
	Dst      []byte
	Count    int
	Datatype Datatype
	Op       ReductionOp
}

// Team is a collective group created by a Runtime.
type Team interface {
	// CreateTest polls team creation. It returns ErrInProgress until every
	// member has posted the same team.
	CreateTest() error
	Size() int
	Rank() int
	// Post starts a collective. Allgather, Allreduce and Barrier are
	// supported.
	Post(args CollArgs) (Request, error)
	Destroy() error
}

// Runtime is the collective runtime context of one DPU.
type Runtime interface {
	CreateTeam(params TeamParams) (Team, error)
	Progress()
	Close() error
}

// Provider creates workers and collective runtimes for a job.
type Provider interface {
	Name() string
	NewWorker() (Worker, error)
	NewRuntime(worldRank, worldSize int) (Runtime, error)
}

var (
	providersMu sync.RWMutex
	providers   = make(map[string]Provider)
)

// Register makes a provider available by name. It panics on duplicates.
func Register(p Provider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	if _, dup := providers[p.Name()]; dup {
		panic("fabric: Register called twice for provider " + p.Name())
	}
	providers[p.Name()] = p
}

// Open returns the provider registered under name.
func Open(name string) (Provider, error) {
	providersMu.RLock()
	defer providersMu.RUnlock()
	p, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown fabric provider %q (available: %v)", name, providerNames())
	}
	return p, nil
}

func providerNames() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Progresser is anything that advances outstanding work.
type Progresser interface {
	Progress() int
}

// RuntimeProgresser adapts a Runtime to Progresser.
type RuntimeProgresser struct{ Runtime }

func (r RuntimeProgresser) Progress() int {
	r.Runtime.Progress()
	return 0
}

// spinYield is how many empty polls a wait loop makes before yielding the
// processor.
const spinYield = 64

// Wait polls req, driving every progresser, until it completes. The request
// is released before returning.
func Wait(req Request, engines ...Progresser) error {
	if req == nil {
		return nil
	}
	defer req.Release()
	for spins := 0; ; spins++ {
		for _, e := range engines {
			e.Progress()
		}
		err := req.Test()
		if !errors.Is(err, ErrInProgress) {
			return err
		}
		if spins%spinYield == spinYield-1 {
			runtime.Gosched()
		}
	}
}

// Spin calls poll until it returns true, yielding periodically.
func Spin(poll func() bool) {
	for spins := 0; !poll(); spins++ {
		if spins%spinYield == spinYield-1 {
			runtime.Gosched()
		}
	}
}

// IntegrityError is the panic value for protocol invariant violations.
type IntegrityError struct {
	Msg string
}

func (e *IntegrityError) Error() string {
	return "integrity violation: " + e.Msg
}

// Fatalf logs an integrity violation and panics with an *IntegrityError.
// The server does not recover these; they terminate the process.
func Fatalf(format string, args ...any) {
	err := &IntegrityError{Msg: fmt.Sprintf(format, args...)}
	log.Error().Msg(err.Error())
	panic(err)
}
