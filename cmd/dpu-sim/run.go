package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sourcegraph/conc/pool"

	"github.com/Mellanox/ucc/internal/config"
	"github.com/Mellanox/ucc/internal/fabric"
	"github.com/Mellanox/ucc/internal/fabric/sim"
	"github.com/Mellanox/ucc/internal/host"
	"github.com/Mellanox/ucc/internal/protocol"
	"github.com/Mellanox/ucc/internal/server"
	"github.com/Mellanox/ucc/internal/summary"
)

type result struct {
	name      string
	hosts     int
	dpus      int
	bytes     uint64
	elapsed   time.Duration
	summaries []*summary.Job
}

func (r *result) print(w io.Writer) {
	fmt.Fprintf(w, "%s: %d hosts, %d dpus, %s per host in %s\n",
		r.name, r.hosts, r.dpus, humanize.IBytes(r.bytes), r.elapsed.Round(time.Microsecond))
	for _, s := range r.summaries {
		fmt.Fprintln(w, s.String())
	}
}

// hostBody runs one host's share of the job between ready and hangup.
type hostBody func(ctx context.Context, h *host.Host, rank int) error

// simulate starts every DPU server, drives every host through body and
// waits for the servers to finish the job.
func simulate(ctx context.Context, opts *options, body hostBody) ([]*summary.Job, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	var netOpts []sim.Option
	if opts.opRate > 0 {
		netOpts = append(netOpts, sim.WithOpRate(opts.opRate))
	}
	if opts.maxOps > 0 {
		netOpts = append(netOpts, sim.WithMaxOutstanding(opts.maxOps))
	}
	network := sim.NewNetwork("dpu-sim", netOpts...)

	dpus := opts.hosts * opts.dpuPerNode
	addrs := make([][]string, opts.hosts)
	results := make(chan *summary.Job, dpus)
	servers := pool.New().WithErrors()
	for i := 0; i < dpus; i++ {
		ln, err := server.Listen("127.0.0.1:0")
		if err != nil {
			return nil, 0, err
		}
		defer ln.Close()
		addrs[i/opts.dpuPerNode] = append(addrs[i/opts.dpuPerNode], ln.Addr().String())

		srv := server.New(&config.ServerConfig{
			ListenAddr:     "127.0.0.1",
			ListenPort:     config.DefaultListenPort,
			NumThreads:     opts.threads,
			FabricProvider: network.Name(),
		}, network)
		servers.Go(func() error {
			sum, err := srv.Serve(ctx, ln)
			if err != nil {
				return err
			}
			results <- sum
			return nil
		})
	}

	start := time.Now()
	hosts := pool.New().WithErrors()
	for rank := 0; rank < opts.hosts; rank++ {
		rank := rank
		hosts.Go(func() error {
			h, err := host.Connect(ctx, network, addrs[rank], host.Config{
				HostRank:   rank,
				HostCount:  opts.hosts,
				DPUPerNode: opts.dpuPerNode,
				BufferSize: opts.bufferSize,
				NumBuffers: opts.numBuffers,
			})
			if err != nil {
				return err
			}
			defer h.Close()
			if err := h.WaitReady(ctx); err != nil {
				return err
			}
			if err := body(ctx, h, rank); err != nil {
				return fmt.Errorf("host %d: %w", rank, err)
			}
			return h.Hangup()
		})
	}
	if err := hosts.Wait(); err != nil {
		return nil, 0, err
	}
	elapsed := time.Since(start)
	if err := servers.Wait(); err != nil {
		return nil, 0, err
	}
	close(results)

	var sums []*summary.Job
	for s := range results {
		sums = append(sums, s)
	}
	return sums, elapsed, nil
}

func randomBuffer(rng *rand.Rand, n uint64) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rng.Uint32())
	}
	return b
}

func runAllreduce(ctx context.Context, opts *options, dt fabric.Datatype, op fabric.ReductionOp) (*result, error) {
	size := opts.count * uint64(dt.Size())
	if err := sim.Reduce(dt, op, make([]byte, dt.Size()), make([]byte, dt.Size())); err != nil {
		return nil, err
	}

	srcs := make([][]byte, opts.hosts)
	dsts := make([][]byte, opts.hosts)
	rng := rand.New(rand.NewSource(1))
	for rank := range srcs {
		srcs[rank] = randomBuffer(rng, size)
		dsts[rank] = make([]byte, size)
	}
	want := bytes.Clone(srcs[0])
	for _, src := range srcs[1:] {
		if err := sim.Reduce(dt, op, want, src); err != nil {
			return nil, err
		}
	}

	sums, elapsed, err := simulate(ctx, opts, func(ctx context.Context, h *host.Host, rank int) error {
		if err := h.SetBuffers(srcs[rank], dsts[rank]); err != nil {
			return err
		}
		for i := 0; i < opts.iterations; i++ {
			n, err := h.Allreduce(ctx, protocol.WorldTeamID, opts.count, dt, op)
			if err != nil {
				return err
			}
			if uint64(n) != opts.count {
				return fmt.Errorf("allreduce serviced %d of %d elements", n, opts.count)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for rank, dst := range dsts {
		if !bytes.Equal(dst, want) {
			return nil, fmt.Errorf("host %d allreduce result is wrong", rank)
		}
	}
	return &result{
		name:      fmt.Sprintf("allreduce %s %s", dt, op),
		hosts:     opts.hosts,
		dpus:      opts.hosts * opts.dpuPerNode,
		bytes:     size,
		elapsed:   elapsed,
		summaries: sums,
	}, nil
}

func runAlltoall(ctx context.Context, opts *options) (*result, error) {
	const dt = fabric.DtUint8
	block := opts.count / uint64(opts.hosts)

	srcs := make([][]byte, opts.hosts)
	dsts := make([][]byte, opts.hosts)
	rng := rand.New(rand.NewSource(3))
	for rank := range srcs {
		srcs[rank] = randomBuffer(rng, opts.count)
		dsts[rank] = make([]byte, opts.count)
	}

	sums, elapsed, err := simulate(ctx, opts, func(ctx context.Context, h *host.Host, rank int) error {
		if err := h.SetBuffers(srcs[rank], dsts[rank]); err != nil {
			return err
		}
		for i := 0; i < opts.iterations; i++ {
			if _, err := h.Alltoall(ctx, protocol.WorldTeamID, opts.count, dt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for me, dst := range dsts {
		for peer, src := range srcs {
			got := dst[uint64(peer)*block : uint64(peer+1)*block]
			if !bytes.Equal(got, src[uint64(me)*block:uint64(me+1)*block]) {
				return nil, fmt.Errorf("host %d block from host %d is wrong", me, peer)
			}
		}
	}
	return &result{
		name:      "alltoall",
		hosts:     opts.hosts,
		dpus:      opts.hosts * opts.dpuPerNode,
		bytes:     opts.count,
		elapsed:   elapsed,
		summaries: sums,
	}, nil
}
