package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/Mellanox/ucc/internal/fabric"
)

type opKind int

const (
	opGet opKind = iota
	opPut
	opSend
	opFlush
)

// request is an RMA, send or flush operation queued on its worker until
// the next Progress call.
type request struct {
	kind   opKind
	ep     *Endpoint
	local  []byte
	remote []byte
	tag    uint64
	done   bool
	err    error
}

func (r *request) Test() error {
	if !r.done {
		return fabric.ErrInProgress
	}
	return r.err
}

func (r *request) Release() {}

// Worker is a simulated progress engine.
type Worker struct {
	net     *Network
	addr    string
	box     *mailbox
	pending []*request
	closed  bool
}

func (w *Worker) Address() []byte { return []byte(w.addr) }

// Connect creates an endpoint to the worker at addr.
func (w *Worker) Connect(addr []byte) (fabric.Endpoint, error) {
	if w.closed {
		return nil, fabric.ErrClosed
	}
	remote, ok := w.net.lookupWorker(string(addr))
	if !ok {
		return nil, fmt.Errorf("no worker at address %q", addr)
	}
	return &Endpoint{local: w, remote: remote}, nil
}

// Register exposes buf for remote access.
func (w *Worker) Register(buf []byte) (fabric.Segment, error) {
	if w.closed {
		return nil, fabric.ErrClosed
	}
	if len(buf) == 0 {
		return nil, errors.New("cannot register an empty buffer")
	}
	return w.net.register(w, buf), nil
}

// RecvTag posts a receive for the next message carrying tag.
func (w *Worker) RecvTag(tag uint64) (fabric.RecvRequest, error) {
	if w.closed {
		return nil, fabric.ErrClosed
	}
	return &recvRequest{box: w.box, tag: tag}, nil
}

// Progress executes every queued operation in issue order.
func (w *Worker) Progress() int {
	if len(w.pending) == 0 {
		return 0
	}
	queued := w.pending
	w.pending = nil
	for _, r := range queued {
		r.err = w.execute(r)
		r.done = true
	}
	return len(queued)
}

func (w *Worker) execute(r *request) error {
	if r.ep.closed {
		return fabric.ErrClosed
	}
	switch r.kind {
	case opGet:
		copy(r.local, r.remote)
	case opPut:
		copy(r.remote, r.local)
	case opSend:
		r.ep.remote.box.deliver(r.tag, r.local)
	case opFlush:
	}
	return nil
}

// Flush completes every outstanding operation.
func (w *Worker) Flush() error {
	for len(w.pending) > 0 {
		w.Progress()
	}
	return nil
}

func (w *Worker) Close() error {
	if w.closed {
		return nil
	}
	w.Flush()
	w.closed = true
	w.net.removeWorker(w.addr)
	return nil
}

func (w *Worker) enqueue(r *request) (fabric.Request, error) {
	if w.closed {
		return nil, fabric.ErrClosed
	}
	if w.net.maxOutstanding > 0 && len(w.pending) >= w.net.maxOutstanding {
		return nil, fabric.ErrNoResource
	}
	w.net.throttle()
	w.pending = append(w.pending, r)
	return r, nil
}

// Endpoint is a simulated connection between two workers.
type Endpoint struct {
	local  *Worker
	remote *Worker
	closed bool
}

type remoteKey struct {
	seg *segment
	ep  *Endpoint
}

func (k *remoteKey) Release() {}

// UnpackKey resolves a packed key. The key must belong to memory registered
// by the endpoint's remote worker.
func (e *Endpoint) UnpackKey(packed []byte) (fabric.RemoteKey, error) {
	if len(packed) != packedKeyLen {
		return nil, fmt.Errorf("packed key has %d bytes, want %d", len(packed), packedKeyLen)
	}
	id := binary.LittleEndian.Uint64(packed[0:8])
	seg, ok := e.local.net.lookupSegment(id)
	if !ok {
		return nil, fmt.Errorf("unknown remote key %d", id)
	}
	if seg.owner != e.remote {
		return nil, fmt.Errorf("remote key %d is not registered by %s", id, e.remote.addr)
	}
	return &remoteKey{seg: seg, ep: e}, nil
}

func (e *Endpoint) rma(kind opKind, local []byte, remoteAddr uint64, key fabric.RemoteKey) (fabric.Request, error) {
	if e.closed {
		return nil, fabric.ErrClosed
	}
	rk, ok := key.(*remoteKey)
	if !ok || rk.ep != e {
		return nil, errors.New("remote key was not unpacked on this endpoint")
	}
	remote, err := rk.seg.slice(remoteAddr, len(local))
	if err != nil {
		return nil, err
	}
	return e.local.enqueue(&request{kind: kind, ep: e, local: local, remote: remote})
}

// Get reads len(local) bytes at remoteAddr into local.
func (e *Endpoint) Get(local []byte, remoteAddr uint64, key fabric.RemoteKey) (fabric.Request, error) {
	return e.rma(opGet, local, remoteAddr, key)
}

// Put writes local to remoteAddr.
func (e *Endpoint) Put(local []byte, remoteAddr uint64, key fabric.RemoteKey) (fabric.Request, error) {
	return e.rma(opPut, local, remoteAddr, key)
}

// SendTag sends a copy of data to the remote worker.
func (e *Endpoint) SendTag(tag uint64, data []byte) (fabric.Request, error) {
	if e.closed {
		return nil, fabric.ErrClosed
	}
	msg := make([]byte, len(data))
	copy(msg, data)
	return e.local.enqueue(&request{kind: opSend, ep: e, local: msg, tag: tag})
}

// Flush completes once every operation issued before it has completed.
func (e *Endpoint) Flush() (fabric.Request, error) {
	if e.closed {
		return nil, fabric.ErrClosed
	}
	// Flushes are never refused for lack of resources.
	r := &request{kind: opFlush, ep: e}
	e.local.pending = append(e.local.pending, r)
	return r, nil
}

func (e *Endpoint) Close() error {
	e.closed = true
	return nil
}

// mailbox holds delivered tagged messages per tag in arrival order.
type mailbox struct {
	mu   sync.Mutex
	msgs map[uint64][][]byte
}

func newMailbox() *mailbox {
	return &mailbox{msgs: make(map[uint64][][]byte)}
}

func (b *mailbox) deliver(tag uint64, msg []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs[tag] = append(b.msgs[tag], msg)
}

func (b *mailbox) take(tag uint64) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	queue := b.msgs[tag]
	if len(queue) == 0 {
		return nil, false
	}
	msg := queue[0]
	if len(queue) == 1 {
		delete(b.msgs, tag)
	} else {
		b.msgs[tag] = queue[1:]
	}
	return msg, true
}

type recvRequest struct {
	box  *mailbox
	tag  uint64
	data []byte
	done bool
}

func (r *recvRequest) Test() error {
	if r.done {
		return nil
	}
	msg, ok := r.box.take(r.tag)
	if !ok {
		return fabric.ErrInProgress
	}
	r.data = msg
	r.done = true
	return nil
}

func (r *recvRequest) Data() []byte { return r.data }
func (r *recvRequest) Release()     {}
