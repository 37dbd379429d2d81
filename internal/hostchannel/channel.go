package hostchannel

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Mellanox/ucc/internal/fabric"
	"github.com/Mellanox/ucc/internal/pipeline"
	"github.com/Mellanox/ucc/internal/protocol"
)

// RemoteBuffer is a host buffer with its key unpacked on one endpoint.
type RemoteBuffer struct {
	Addr uint64
	Len  uint64
	Key  fabric.RemoteKey
}

// RemoteKeys are the source and destination buffers of one host for the
// current collective.
type RemoteKeys struct {
	Src RemoteBuffer
	Dst RemoteBuffer
}

func (k *RemoteKeys) release() {
	if k.Src.Key != nil {
		k.Src.Key.Release()
	}
	if k.Dst.Key != nil {
		k.Dst.Key.Release()
	}
}

// Channel is a worker with an endpoint to every host in the job, its own
// pipeline memory and the keys imported for the running collective. A
// channel is driven by one thread only.
type Channel struct {
	Idx      int
	Pipeline *pipeline.Pipeline

	worker    fabric.Worker
	hostEP    fabric.Endpoint
	peers     []fabric.Endpoint
	worldRank int
	seg       fabric.Segment
	keys      map[int]*RemoteKeys
	ownWorker bool
}

func newChannel(idx int, w fabric.Worker, hostEP fabric.Endpoint, worldRank int, numBuffers, bufferSize uint64, own bool) (*Channel, error) {
	c := &Channel{
		Idx:       idx,
		worker:    w,
		hostEP:    hostEP,
		worldRank: worldRank,
		keys:      make(map[int]*RemoteKeys),
		ownWorker: own,
	}
	c.seg = AllocateRegion(w, int(numBuffers*bufferSize))
	p, err := pipeline.New(c.seg.Bytes(), int(numBuffers), int(bufferSize))
	if err != nil {
		c.seg.Close()
		return nil, err
	}
	c.Pipeline = p
	return c, nil
}

// AllocateRegion allocates and registers size bytes on w. Registration
// failure is fatal.
func AllocateRegion(w fabric.Worker, size int) fabric.Segment {
	seg, err := w.Register(make([]byte, size))
	if err != nil {
		fabric.Fatalf("failed to register %d bytes: %v", size, err)
	}
	return seg
}

// Worker returns the channel's worker.
func (c *Channel) Worker() fabric.Worker { return c.worker }

// Progress drives the channel's worker.
func (c *Channel) Progress() int { return c.worker.Progress() }

// Staging is the buffer the ring path copies through.
func (c *Channel) Staging() []byte { return c.Pipeline.Buffer(0).Mem() }

// connect creates an endpoint to every host address. The local rank reuses
// the loopback endpoint.
func (c *Channel) connect(hostAddrs [][]byte) error {
	peers := make([]fabric.Endpoint, len(hostAddrs))
	for rank, addr := range hostAddrs {
		if rank == c.worldRank {
			peers[rank] = c.hostEP
			continue
		}
		ep, err := c.worker.Connect(addr)
		if err != nil {
			closeEndpoints(peers[:rank], c.hostEP)
			return fmt.Errorf("failed to connect channel %d to host of rank %d: %w", c.Idx, rank, err)
		}
		peers[rank] = ep
	}
	c.peers = peers
	return c.Flush()
}

// ImportKeys unpacks the src and dst keys of every team member. records are
// in team order and rankOf maps a team index to its world rank.
func (c *Channel) ImportKeys(records []*protocol.SyncRecord, rankOf func(index int) int) {
	c.ReleaseKeys()
	for i, rec := range records {
		rank := rankOf(i)
		if rank < 0 || rank >= len(c.peers) {
			fabric.Fatalf("channel %d has no endpoint for rank %d", c.Idx, rank)
		}
		ep := c.peers[rank]
		src, err := ep.UnpackKey(rec.Src.Key)
		if err != nil {
			fabric.Fatalf("channel %d failed to unpack src key of rank %d: %v", c.Idx, rank, err)
		}
		dst, err := ep.UnpackKey(rec.Dst.Key)
		if err != nil {
			src.Release()
			fabric.Fatalf("channel %d failed to unpack dst key of rank %d: %v", c.Idx, rank, err)
		}
		c.keys[rank] = &RemoteKeys{
			Src: RemoteBuffer{Addr: rec.Src.Addr, Len: rec.Src.Len, Key: src},
			Dst: RemoteBuffer{Addr: rec.Dst.Addr, Len: rec.Dst.Len, Key: dst},
		}
		log.Trace().Int("channel", c.Idx).Int("team_index", i).Int("rank", rank).
			Uint64("src", rec.Src.Addr).Uint64("dst", rec.Dst.Addr).Msg("Imported host keys")
	}
}

// ReleaseKeys drops every imported key.
func (c *Channel) ReleaseKeys() {
	for rank, k := range c.keys {
		k.release()
		delete(c.keys, rank)
	}
}

// KeyCount is the number of hosts with imported keys.
func (c *Channel) KeyCount() int { return len(c.keys) }

// Keys returns the imported keys of rank. Missing keys are fatal.
func (c *Channel) Keys(rank int) *RemoteKeys {
	k, ok := c.keys[rank]
	if !ok {
		fabric.Fatalf("channel %d has no keys for rank %d", c.Idx, rank)
	}
	return k
}

func checkRange(what string, rank int, buf RemoteBuffer, offset uint64, n int) {
	if offset+uint64(n) > buf.Len {
		fabric.Fatalf("%s of %d bytes at offset %d exceeds rank %d buffer of %d bytes",
			what, n, offset, rank, buf.Len)
	}
}

// IssueGet reads len(local) bytes at offset of rank's source buffer.
func (c *Channel) IssueGet(rank int, local []byte, offset uint64) (fabric.Request, error) {
	k := c.Keys(rank)
	checkRange("get", rank, k.Src, offset, len(local))
	return c.peers[rank].Get(local, k.Src.Addr+offset, k.Src.Key)
}

// IssuePut writes local at offset of rank's destination buffer.
func (c *Channel) IssuePut(rank int, local []byte, offset uint64) (fabric.Request, error) {
	k := c.Keys(rank)
	checkRange("put", rank, k.Dst, offset, len(local))
	return c.peers[rank].Put(local, k.Dst.Addr+offset, k.Dst.Key)
}

// Flush waits for every outstanding operation on every endpoint.
func (c *Channel) Flush() error {
	for rank, ep := range c.peers {
		req, err := ep.Flush()
		if err != nil {
			return fmt.Errorf("flush endpoint %d: %w", rank, err)
		}
		if err := fabric.Wait(req, c.worker); err != nil {
			return fmt.Errorf("flush endpoint %d: %w", rank, err)
		}
	}
	return c.worker.Flush()
}

// Close releases keys, closes the remote endpoints and frees the pipeline
// memory. The control channel's worker and loopback endpoint belong to the
// manager and stay open.
func (c *Channel) Close() error {
	c.ReleaseKeys()
	c.Pipeline.Reset()
	errs := []error{c.worker.Flush()}
	errs = append(errs, closeEndpoints(c.peers, c.hostEP))
	errs = append(errs, c.seg.Close())
	if c.ownWorker {
		errs = append(errs, c.hostEP.Close(), c.worker.Close())
	}
	return errors.Join(errs...)
}

func closeEndpoints(eps []fabric.Endpoint, skip fabric.Endpoint) error {
	var errs []error
	for _, ep := range eps {
		if ep == nil || ep == skip {
			continue
		}
		errs = append(errs, ep.Close())
	}
	return errors.Join(errs...)
}
