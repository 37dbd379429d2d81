// Package host is the host-process half of the DPU offload protocol. A Host
// bootstraps one connection per DPU rail, registers the collective buffers
// and posts sync records, then collects each rail's completion.
package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"

	"github.com/rs/zerolog/log"

	"github.com/Mellanox/ucc/internal/fabric"
	"github.com/Mellanox/ucc/internal/protocol"
)

// Config places the host in the job.
type Config struct {
	HostRank   int
	HostCount  int
	DPUPerNode int
	BufferSize uint64
	NumBuffers uint64
}

func (c Config) validate() error {
	if c.HostCount <= 0 || c.HostRank < 0 || c.HostRank >= c.HostCount {
		return fmt.Errorf("host rank %d outside job of %d hosts", c.HostRank, c.HostCount)
	}
	if c.DPUPerNode <= 0 {
		return fmt.Errorf("invalid dpu per node count %d", c.DPUPerNode)
	}
	if c.BufferSize == 0 || c.NumBuffers == 0 {
		return fmt.Errorf("invalid pipeline geometry %d x %d", c.NumBuffers, c.BufferSize)
	}
	return nil
}

type rail struct {
	idx  int
	conn net.Conn
	ep   fabric.Endpoint
}

// Host drives the DPUs serving one host process. It is not safe for
// concurrent use.
type Host struct {
	cfg    Config
	worker fabric.Worker
	rails  []*rail

	src fabric.Segment
	dst fabric.Segment

	issued    uint32
	completed uint32
	hungUp    bool
}

// Connect bootstraps one DPU per address in addrs, in rail order.
func Connect(ctx context.Context, provider fabric.Provider, addrs []string, cfg Config) (*Host, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(addrs) != cfg.DPUPerNode {
		return nil, fmt.Errorf("got %d dpu addresses for %d dpus per node", len(addrs), cfg.DPUPerNode)
	}
	w, err := provider.NewWorker()
	if err != nil {
		return nil, fmt.Errorf("failed to create host worker: %w", err)
	}
	h := &Host{cfg: cfg, worker: w}

	var d net.Dialer
	for i, addr := range addrs {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("failed to connect to dpu %s: %w", addr, err)
		}
		r := &rail{idx: i, conn: conn}
		h.rails = append(h.rails, r)

		info := protocol.JobInfo{
			HostAddr:   w.Address(),
			BufferSize: cfg.BufferSize,
			NumBuffers: cfg.NumBuffers,
			WorldRank:  uint32(cfg.HostRank*cfg.DPUPerNode + i),
			WorldSize:  uint32(cfg.HostCount * cfg.DPUPerNode),
		}
		dpuAddr, err := protocol.DialBootstrap(conn, info)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("bootstrap with dpu %s failed: %w", addr, err)
		}
		if r.ep, err = w.Connect(dpuAddr); err != nil {
			h.Close()
			return nil, fmt.Errorf("failed to create endpoint to dpu %s: %w", addr, err)
		}
		log.Debug().Int("host_rank", cfg.HostRank).Int("rail", i).Str("dpu", addr).Msg("DPU bootstrapped")
	}
	return h, nil
}

// WaitReady blocks until every rail reports it accepts collectives.
func (h *Host) WaitReady(ctx context.Context) error {
	for range h.rails {
		c, err := h.recvCompletion(ctx)
		if err != nil {
			return fmt.Errorf("waiting for ready: %w", err)
		}
		if !c.IsReady() {
			return fmt.Errorf("expected ready record, got completion of coll id %d", c.CollID)
		}
	}
	log.Info().Int("host_rank", h.cfg.HostRank).Int("rails", len(h.rails)).Msg("DPUs ready")
	return nil
}

// SetBuffers registers the source and destination buffers used by every
// following data collective. Previously registered buffers are released.
func (h *Host) SetBuffers(src, dst []byte) error {
	h.releaseBuffers()
	var err error
	if h.src, err = h.worker.Register(src); err != nil {
		return fmt.Errorf("failed to register source buffer: %w", err)
	}
	if h.dst, err = h.worker.Register(dst); err != nil {
		h.releaseBuffers()
		return fmt.Errorf("failed to register destination buffer: %w", err)
	}
	return nil
}

func (h *Host) releaseBuffers() {
	for _, seg := range []*fabric.Segment{&h.src, &h.dst} {
		if *seg != nil {
			(*seg).Close()
			*seg = nil
		}
	}
}

// Issued is the coll id of the last posted record.
func (h *Host) Issued() uint32 { return h.issued }

// Completed is the coll id of the last completed data collective.
func (h *Host) Completed() uint32 { return h.completed }

// Post assigns the next coll id to rec and sends a copy to every rail.
func (h *Host) Post(rec protocol.SyncRecord) (uint32, error) {
	if h.hungUp {
		return 0, errors.New("host has hung up")
	}
	rec.CollID = h.issued + 1
	rec.DPUPerNodeCnt = uint16(h.cfg.DPUPerNode)
	if rec.HasData() {
		if h.src == nil || h.dst == nil {
			return 0, errors.New("data collective posted before SetBuffers")
		}
		rec.Src = protocol.MemDesc{Addr: h.src.Addr(), Key: h.src.PackedKey(), Len: uint64(h.src.Len())}
		rec.Dst = protocol.MemDesc{Addr: h.dst.Addr(), Key: h.dst.PackedKey(), Len: uint64(h.dst.Len())}
	}

	for _, r := range h.rails {
		rec.Rail = uint16(r.idx)
		b, err := rec.Encode()
		if err != nil {
			return 0, err
		}
		req, err := r.ep.SendTag(protocol.TagSync, b)
		if err != nil {
			return 0, fmt.Errorf("failed to post coll id %d to rail %d: %w", rec.CollID, r.idx, err)
		}
		if err := fabric.Wait(req, h.worker); err != nil {
			return 0, fmt.Errorf("failed to post coll id %d to rail %d: %w", rec.CollID, r.idx, err)
		}
	}
	h.issued = rec.CollID
	log.Debug().Uint32("coll_id", rec.CollID).Str("coll_type", rec.CollType.String()).Uint16("team_id", rec.TeamID).Msg("Posted collective")
	return rec.CollID, nil
}

// Complete waits for every rail to acknowledge coll id collID and returns
// the sum of the serviced counts.
func (h *Host) Complete(ctx context.Context, collID uint32) (int64, error) {
	var total int64
	for range h.rails {
		c, err := h.recvCompletion(ctx)
		if err != nil {
			return 0, fmt.Errorf("waiting for coll id %d: %w", collID, err)
		}
		if c.CollID != collID {
			return 0, fmt.Errorf("got completion of coll id %d, expected %d", c.CollID, collID)
		}
		total += c.CountServiced
	}
	h.completed = collID
	return total, nil
}

func (h *Host) run(ctx context.Context, rec protocol.SyncRecord) (int64, error) {
	id, err := h.Post(rec)
	if err != nil {
		return 0, err
	}
	return h.Complete(ctx, id)
}

// Allreduce reduces count elements of the source buffers of teamID into the
// destination buffers.
func (h *Host) Allreduce(ctx context.Context, teamID uint16, count uint64, dt fabric.Datatype, op fabric.ReductionOp) (int64, error) {
	return h.run(ctx, protocol.SyncRecord{
		CollType:   fabric.CollAllreduce,
		TeamID:     teamID,
		CountTotal: count,
		Datatype:   dt,
		Op:         op,
	})
}

// Alltoall exchanges countTotal elements split evenly across the team.
func (h *Host) Alltoall(ctx context.Context, teamID uint16, countTotal uint64, dt fabric.Datatype) (int64, error) {
	return h.run(ctx, protocol.SyncRecord{
		CollType:   fabric.CollAlltoall,
		TeamID:     teamID,
		CountTotal: countTotal,
		Datatype:   dt,
	})
}

// Alltoallv exchanges blocks laid out by per-host counts and displacements.
func (h *Host) Alltoallv(ctx context.Context, teamID uint16, src, dst protocol.VarArgs) (int64, error) {
	var total uint64
	for _, c := range dst.Counts {
		total += c
	}
	return h.run(ctx, protocol.SyncRecord{
		CollType:   fabric.CollAlltoallV,
		TeamID:     teamID,
		CountTotal: total,
		Datatype:   dst.Datatype,
		SrcV:       src,
		DstV:       dst,
	})
}

// Barrier synchronizes the DPUs of teamID.
func (h *Host) Barrier(ctx context.Context, teamID uint16) error {
	_, err := h.run(ctx, protocol.SyncRecord{CollType: fabric.CollBarrier, TeamID: teamID})
	return err
}

// CreateTeam asks the DPUs to build team teamID over the given host ranks.
// The DPUs do not acknowledge team creation.
func (h *Host) CreateTeam(teamID uint16, hostRanks []uint32) error {
	_, err := h.Post(protocol.SyncRecord{
		CollType:      fabric.CollLast,
		TeamID:        teamID,
		CreateNewTeam: true,
		RankList:      hostRanks,
	})
	return err
}

// DestroyTeam asks the DPUs to release team teamID.
func (h *Host) DestroyTeam(teamID uint16) error {
	if teamID == protocol.WorldTeamID {
		return errors.New("the world team is released by Hangup")
	}
	_, err := h.Post(protocol.SyncRecord{CollType: fabric.CollLast, TeamID: teamID})
	return err
}

// Hangup ends the job. The DPUs shut down without replying.
func (h *Host) Hangup() error {
	if _, err := h.Post(protocol.SyncRecord{CollType: fabric.CollLast, TeamID: protocol.WorldTeamID}); err != nil {
		return err
	}
	h.hungUp = true
	return nil
}

// spinYield matches the DPU side's polling cadence.
const spinYield = 64

func (h *Host) recvCompletion(ctx context.Context) (protocol.CompletionRecord, error) {
	req, err := h.worker.RecvTag(protocol.TagCompletion)
	if err != nil {
		return protocol.CompletionRecord{}, err
	}
	defer req.Release()
	for spins := 0; ; spins++ {
		h.worker.Progress()
		err := req.Test()
		if err == nil {
			break
		}
		if !errors.Is(err, fabric.ErrInProgress) {
			return protocol.CompletionRecord{}, err
		}
		if spins%spinYield == spinYield-1 {
			if err := ctx.Err(); err != nil {
				return protocol.CompletionRecord{}, err
			}
			runtime.Gosched()
		}
	}
	return protocol.DecodeCompletionRecord(req.Data())
}

// Close releases the buffers, the endpoints and the worker. It does not
// hang up.
func (h *Host) Close() error {
	var errs []error
	h.releaseBuffers()
	for _, r := range h.rails {
		if r.ep != nil {
			errs = append(errs, r.ep.Close())
		}
		errs = append(errs, r.conn.Close())
	}
	h.rails = nil
	if h.worker != nil {
		errs = append(errs, h.worker.Close())
		h.worker = nil
	}
	return errors.Join(errs...)
}
