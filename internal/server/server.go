// Package server runs the DPU side of a collective offload job: it accepts
// a host, joins the DPU world and services the host's collectives with a
// pool of worker threads until the host hangs up.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/netutil"

	"github.com/Mellanox/ucc/internal/config"
	"github.com/Mellanox/ucc/internal/coord"
	"github.com/Mellanox/ucc/internal/fabric"
	"github.com/Mellanox/ucc/internal/hostchannel"
	"github.com/Mellanox/ucc/internal/protocol"
	"github.com/Mellanox/ucc/internal/summary"
	"github.com/Mellanox/ucc/internal/team"
	"github.com/Mellanox/ucc/internal/telemetry"
)

// HealthReporter is told whether a job is being serviced.
type HealthReporter interface {
	SetServing(serving bool)
}

// SummaryRecorder persists the summary of a finished job.
type SummaryRecorder interface {
	Record(ctx context.Context, j *summary.Job) error
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records collective metrics on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth reports job activity to h.
func WithHealth(h HealthReporter) Option {
	return func(s *Server) { s.health = h }
}

// WithSummaryStore records every job summary in r.
func WithSummaryStore(r SummaryRecorder) Option {
	return func(s *Server) { s.store = r }
}

// Server is the DPU offload daemon.
type Server struct {
	cfg      *config.ServerConfig
	provider fabric.Provider
	mgr      *hostchannel.Manager
	counters *summary.Counters

	metrics *telemetry.Metrics
	health  HealthReporter
	store   SummaryRecorder
}

// New creates a server that opens fabric objects on provider.
func New(cfg *config.ServerConfig, provider fabric.Provider, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		mgr:      hostchannel.New(provider),
		counters: summary.NewCounters(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds the bootstrap listener. It hands out one connection at a
// time.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return netutil.LimitListener(ln, 1), nil
}

// Tags of the world collectives run outside any host collective. Host
// collectives have coll ids from 1, so CollID 0 is free for these.
const (
	seqJobStarted uint64 = iota
	seqThreadStarted
	seqJobFinished
)

func setupBarrierTag(thread int, seq uint64) fabric.Tag {
	return fabric.Tag{Kind: fabric.KindBarrier, Thread: uint32(thread), Seq: seq}
}

// Serve accepts one job on ln and services it until the host hangs up.
// Only the accept honors ctx; a running job is not interruptible.
func (s *Server) Serve(ctx context.Context, ln net.Listener) (*summary.Job, error) {
	if err := s.mgr.Accept(ctx, ln); err != nil {
		return nil, err
	}
	rank, size := s.mgr.WorldRank(), s.mgr.WorldSize()
	logger := log.With().Int("job_id", s.mgr.JobID()).Int("rank", rank).Logger()
	if s.metrics != nil {
		s.metrics.RecordJob(ctx)
	}

	rt, err := s.provider.NewRuntime(rank, size)
	if err != nil {
		s.mgr.Close()
		return nil, fmt.Errorf("failed to create collective runtime: %w", err)
	}
	reg := team.NewRegistry(rt, rank, size)
	world, err := reg.CreateWorld()
	if err != nil {
		rt.Close()
		s.mgr.Close()
		return nil, err
	}
	progress := []fabric.Progresser{s.mgr.Worker(), fabric.RuntimeProgresser{Runtime: rt}}

	if err := s.mgr.ConnectPeers(world.Handle, rt, fabric.Tag{Kind: fabric.KindSetup}); err != nil {
		s.teardown(reg, rt)
		return nil, err
	}
	if err := teamBarrier(world.Handle, setupBarrierTag(0, seqJobStarted), progress...); err != nil {
		s.teardown(reg, rt)
		return nil, fmt.Errorf("world barrier failed: %w", err)
	}

	pool, err := coord.NewPool(coord.PoolConfig{
		Threads:  s.cfg.NumThreads,
		Pin:      s.cfg.PinThreads,
		NumCores: s.cfg.NumCores,
	})
	if err != nil {
		s.teardown(reg, rt)
		return nil, err
	}

	sum := summary.NewJob(s.mgr.JobID(), rank, size, pool.Size())
	j := &job{srv: s, mgr: s.mgr, reg: reg, rt: rt}
	logger.Info().Int("threads", pool.Size()).Str("job_uuid", sum.ID).Msg("Starting job")

	if s.health != nil {
		s.health.SetServing(true)
	}
	pool.Run(j.thread)
	if s.health != nil {
		s.health.SetServing(false)
	}

	if err := teamBarrier(world.Handle, setupBarrierTag(0, seqJobFinished), progress...); err != nil {
		logger.Error().Err(err).Msg("Final world barrier failed")
	}
	s.teardown(reg, rt)

	sum.Finish(s.counters)
	if s.cfg.PrintSummary {
		logger.Info().Msg(sum.String())
	}
	if s.store != nil {
		if err := s.store.Record(ctx, sum); err != nil {
			logger.Warn().Err(err).Msg("Failed to record job summary")
		}
	}
	logger.Info().Uint64("collectives", sum.Total()).Dur("duration", sum.Duration).Msg("Job finished")
	return sum, nil
}

// Run serves jobs one after another until ctx is done.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	for {
		if _, err := s.Serve(ctx, ln); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Error().Err(err).Int("job_id", s.mgr.JobID()).Msg("Job failed")
		}
	}
}

func (s *Server) teardown(reg *team.Registry, rt fabric.Runtime) {
	if err := reg.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to release teams")
	}
	if err := rt.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close collective runtime")
	}
	if err := s.mgr.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close host channels")
	}
}

// account counts a finished collective. Only thread 0 calls it.
func (s *Server) account(rec *protocol.SyncRecord, count int64, d time.Duration) {
	s.counters.Add(rec.CollType, uint64(max(count, 0)), rec.Datatype.Size())
	if s.metrics != nil {
		s.metrics.RecordCollective(context.Background(), rec.CollType.String(), rec.TeamID, d, count)
	}
}

func (s *Server) accountTeamOp(rec *protocol.SyncRecord, op string, err error) {
	s.counters.Add(rec.CollType, 0, 0)
	if s.metrics != nil {
		s.metrics.RecordTeamOp(context.Background(), op, err == nil)
	}
}

func teamBarrier(t fabric.Team, tag fabric.Tag, engines ...fabric.Progresser) error {
	req, err := t.Post(fabric.CollArgs{Type: fabric.CollBarrier, Tag: tag})
	if err != nil {
		return err
	}
	return fabric.Wait(req, engines...)
}
