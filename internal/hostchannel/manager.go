// Package hostchannel owns the DPU side of the host connection: the
// bootstrap, registered memory, endpoints to every host in the job and the
// tagged control messages that sequence collectives.
package hostchannel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Mellanox/ucc/internal/fabric"
	"github.com/Mellanox/ucc/internal/protocol"
)

// Manager is the memory and endpoint manager of one DPU for one job.
type Manager struct {
	provider fabric.Provider
	jobID    int

	conn      net.Conn
	job       *protocol.JobInfo
	worker    fabric.Worker
	hostEP    fabric.Endpoint
	hostAddrs [][]byte
	control   *Channel
	localKeys *RemoteKeys

	// channels is appended to by every pool thread.
	mu       sync.Mutex
	channels []*Channel
}

// New creates a manager that opens workers on provider.
func New(provider fabric.Provider) *Manager {
	return &Manager{provider: provider}
}

// JobID counts accepted jobs, starting at 1.
func (m *Manager) JobID() int { return m.jobID }

// Job is the bootstrap information of the current job.
func (m *Manager) Job() *protocol.JobInfo { return m.job }

// WorldRank is this DPU's rank in the job.
func (m *Manager) WorldRank() int { return int(m.job.WorldRank) }

// WorldSize is the number of DPUs in the job.
func (m *Manager) WorldSize() int { return int(m.job.WorldSize) }

// Control is the channel owned by thread 0.
func (m *Manager) Control() *Channel { return m.control }

// Worker is the control worker.
func (m *Manager) Worker() fabric.Worker { return m.worker }

// Accept waits for a host on ln, runs the bootstrap handshake and sets up
// the control channel.
func (m *Manager) Accept(ctx context.Context, ln net.Listener) error {
	m.jobID++

	w, err := m.provider.NewWorker()
	if err != nil {
		return fmt.Errorf("failed to create control worker: %w", err)
	}
	m.worker = w

	log.Info().Int("job_id", m.jobID).Str("addr", ln.Addr().String()).Msg("Waiting for connection")
	conn, err := acceptContext(ctx, ln)
	if err != nil {
		w.Close()
		return fmt.Errorf("failed to accept job %d: %w", m.jobID, err)
	}
	m.conn = conn
	log.Info().Int("job_id", m.jobID).Str("remote", conn.RemoteAddr().String()).Msg("Connection established")

	job, err := protocol.ServeBootstrap(conn, w.Address())
	if err != nil {
		m.abortAccept()
		return fmt.Errorf("bootstrap of job %d failed: %w", m.jobID, err)
	}
	m.job = job

	hostEP, err := w.Connect(job.HostAddr)
	if err != nil {
		m.abortAccept()
		return fmt.Errorf("failed to create endpoint to local host: %w", err)
	}
	m.hostEP = hostEP

	control, err := newChannel(0, w, hostEP, int(job.WorldRank), job.NumBuffers, job.BufferSize, false)
	if err != nil {
		m.abortAccept()
		return fmt.Errorf("failed to init control pipeline: %w", err)
	}
	m.control = control

	log.Info().
		Int("job_id", m.jobID).
		Uint32("world_rank", job.WorldRank).
		Uint32("world_size", job.WorldSize).
		Uint64("buffer_size", job.BufferSize).
		Uint64("num_buffers", job.NumBuffers).
		Msg("Job bootstrapped")
	return nil
}

func acceptContext(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()
	select {
	case <-ctx.Done():
		// Nobody owns a connection accepted from here on.
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

func (m *Manager) abortAccept() {
	if m.hostEP != nil {
		m.hostEP.Close()
		m.hostEP = nil
	}
	m.worker.Close()
	m.worker = nil
	m.conn.Close()
	m.conn = nil
}

// ConnectPeers all-gathers the local host's worker address across the world
// team and connects the control channel to every host.
func (m *Manager) ConnectPeers(world fabric.Team, rt fabric.Runtime, tag fabric.Tag) error {
	addrs, err := GatherBlobs(world, tag, m.job.HostAddr, m.worker, fabric.RuntimeProgresser{Runtime: rt})
	if err != nil {
		return fmt.Errorf("failed to gather host addresses: %w", err)
	}
	if len(addrs) != m.WorldSize() {
		return fmt.Errorf("gathered %d host addresses for a world of %d", len(addrs), m.WorldSize())
	}
	m.hostAddrs = addrs
	if err := m.control.connect(addrs); err != nil {
		return err
	}
	log.Debug().Int("hosts", len(addrs)).Msg("Connected to remote hosts")
	return nil
}

// NewChannel creates a data channel with its own worker, connected to every
// host gathered by ConnectPeers.
func (m *Manager) NewChannel(idx int) (*Channel, error) {
	if m.hostAddrs == nil {
		return nil, errors.New("peers are not connected")
	}
	w, err := m.provider.NewWorker()
	if err != nil {
		return nil, fmt.Errorf("failed to create worker for channel %d: %w", idx, err)
	}
	hostEP, err := w.Connect(m.job.HostAddr)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to connect channel %d to local host: %w", idx, err)
	}
	c, err := newChannel(idx, w, hostEP, m.WorldRank(), m.job.NumBuffers, m.job.BufferSize, true)
	if err != nil {
		hostEP.Close()
		w.Close()
		return nil, err
	}
	if err := c.connect(m.hostAddrs); err != nil {
		c.Close()
		return nil, err
	}
	m.mu.Lock()
	m.channels = append(m.channels, c)
	m.mu.Unlock()
	return c, nil
}

// WaitNext blocks until the host posts the next sync record and returns it.
// A record out of sequence is fatal.
func (m *Manager) WaitNext(expected uint32) *protocol.SyncRecord {
	req, err := m.worker.RecvTag(protocol.TagSync)
	if err != nil {
		fabric.Fatalf("failed to post sync receive: %v", err)
	}
	// Wait releases the handle; the received bytes stay valid.
	if err := fabric.Wait(req, m.worker); err != nil {
		fabric.Fatalf("sync receive failed: %v", err)
	}
	rec, err := protocol.DecodeSyncRecord(req.Data())
	if err != nil {
		fabric.Fatalf("%v", err)
	}
	log.Debug().Uint32("coll_id", rec.CollID).Uint32("expected", expected).Msg("Got next coll id from host")
	if rec.CollID != expected {
		fabric.Fatalf("host sent coll id %d, expected %d", rec.CollID, expected)
	}
	if err := rec.Validate(); err != nil {
		fabric.Fatalf("invalid sync record %d: %v", rec.CollID, err)
	}

	if rec.HasData() {
		m.releaseLocalKeys()
		src, err := m.hostEP.UnpackKey(rec.Src.Key)
		if err != nil {
			fabric.Fatalf("failed to unpack src key: %v", err)
		}
		dst, err := m.hostEP.UnpackKey(rec.Dst.Key)
		if err != nil {
			fabric.Fatalf("failed to unpack dst key: %v", err)
		}
		m.localKeys = &RemoteKeys{
			Src: RemoteBuffer{Addr: rec.Src.Addr, Len: rec.Src.Len, Key: src},
			Dst: RemoteBuffer{Addr: rec.Dst.Addr, Len: rec.Dst.Len, Key: dst},
		}
	}
	return rec
}

// LocalKeys are the local host's keys of the current collective, or nil.
func (m *Manager) LocalKeys() *RemoteKeys { return m.localKeys }

// ReleaseKeys drops the local host's keys. It is called on shutdown, where
// no reply is sent.
func (m *Manager) ReleaseKeys() { m.releaseLocalKeys() }

func (m *Manager) releaseLocalKeys() {
	if m.localKeys != nil {
		m.localKeys.release()
		m.localKeys = nil
	}
}

func (m *Manager) send(c protocol.CompletionRecord) error {
	if err := m.worker.Flush(); err != nil {
		return err
	}
	b, err := c.Encode()
	if err != nil {
		return err
	}
	req, err := m.hostEP.SendTag(protocol.TagCompletion, b)
	if err != nil {
		return err
	}
	return fabric.Wait(req, m.worker)
}

// Reply acknowledges collective collID to the host and resets the control
// channel for the next round.
func (m *Manager) Reply(collID uint32, countServiced int64) {
	if err := m.send(protocol.CompletionRecord{CollID: collID, CountServiced: countServiced}); err != nil {
		fabric.Fatalf("failed to reply to coll id %d: %v", collID, err)
	}
	m.releaseLocalKeys()
	m.control.Pipeline.Reset()
	log.Debug().Uint32("coll_id", collID).Int64("count_serviced", countServiced).Msg("Replied to host")
}

// SendReady tells the host the DPU accepts collectives.
func (m *Manager) SendReady() error {
	log.Info().Int("job_id", m.jobID).Int("rank", m.WorldRank()).Int("size", m.WorldSize()).Msg("Accepted job")
	if err := m.send(protocol.ReadyRecord()); err != nil {
		return fmt.Errorf("failed to notify host of init completion: %w", err)
	}
	return nil
}

// Close tears down every channel, the loopback endpoint and the control
// worker, and closes the bootstrap connection.
func (m *Manager) Close() error {
	var errs []error
	m.releaseLocalKeys()
	m.mu.Lock()
	for _, c := range m.channels {
		errs = append(errs, c.Close())
	}
	m.channels = nil
	m.mu.Unlock()
	if m.control != nil {
		errs = append(errs, m.control.Flush(), m.control.Close())
		m.control = nil
	}
	if m.hostEP != nil {
		errs = append(errs, m.hostEP.Close())
		m.hostEP = nil
	}
	if m.worker != nil {
		errs = append(errs, m.worker.Close())
		m.worker = nil
	}
	if m.conn != nil {
		errs = append(errs, m.conn.Close())
		m.conn = nil
	}
	m.hostAddrs = nil
	log.Info().Int("job_id", m.jobID).Msg("Completed job")
	return errors.Join(errs...)
}

// GatherBlobs all-gathers one variable-length blob per team member. Lengths
// are exchanged first under tag with its Seq doubled, then the padded blobs
// under the next Seq.
func GatherBlobs(team fabric.Team, tag fabric.Tag, blob []byte, engines ...fabric.Progresser) ([][]byte, error) {
	size := team.Size()

	lenTag, dataTag := tag, tag
	lenTag.Seq = tag.Seq << 1
	dataTag.Seq = tag.Seq<<1 | 1

	mine := make([]byte, 8)
	binary.LittleEndian.PutUint64(mine, uint64(len(blob)))
	lengths := make([]byte, 8*size)
	if err := postAllgather(team, lenTag, mine, lengths, engines); err != nil {
		return nil, err
	}
	width := 0
	for i := 0; i < size; i++ {
		width = max(width, int(binary.LittleEndian.Uint64(lengths[8*i:])))
	}
	if width == 0 {
		return make([][]byte, size), nil
	}

	padded := make([]byte, width)
	copy(padded, blob)
	all := make([]byte, width*size)
	if err := postAllgather(team, dataTag, padded, all, engines); err != nil {
		return nil, err
	}
	blobs := make([][]byte, size)
	for i := range blobs {
		n := int(binary.LittleEndian.Uint64(lengths[8*i:]))
		blobs[i] = all[i*width : i*width+n : i*width+n]
	}
	return blobs, nil
}

func postAllgather(team fabric.Team, tag fabric.Tag, src, dst []byte, engines []fabric.Progresser) error {
	req, err := team.Post(fabric.CollArgs{
		Type:     fabric.CollAllgather,
		Tag:      tag,
		Src:      src,
		Dst:      dst,
		Count:    len(src),
		Datatype: fabric.DtInt8,
	})
	if err != nil {
		return fmt.Errorf("allgather %s: %w", tag, err)
	}
	if err := fabric.Wait(req, engines...); err != nil {
		return fmt.Errorf("allgather %s: %w", tag, err)
	}
	return nil
}
