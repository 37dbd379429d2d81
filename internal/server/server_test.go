package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Mellanox/ucc/internal/config"
	"github.com/Mellanox/ucc/internal/fabric"
	"github.com/Mellanox/ucc/internal/fabric/sim"
	"github.com/Mellanox/ucc/internal/host"
	"github.com/Mellanox/ucc/internal/protocol"
	"github.com/Mellanox/ucc/internal/summary"
)

const testTimeout = 30 * time.Second

type serveResult struct {
	sum *summary.Job
	err error
}

// cluster is a set of in-process DPU servers on one sim network, one per
// rail of every host.
type cluster struct {
	net     *sim.Network
	hosts   int
	dpn     int
	addrs   [][]string
	results chan serveResult
}

func startCluster(t *testing.T, hosts, dpn, threads int, opts ...Option) *cluster {
	t.Helper()
	c := &cluster{
		net:     sim.NewNetwork(t.Name()),
		hosts:   hosts,
		dpn:     dpn,
		addrs:   make([][]string, hosts),
		results: make(chan serveResult, hosts*dpn),
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)

	for h := 0; h < hosts; h++ {
		for r := 0; r < dpn; r++ {
			ln, err := Listen("127.0.0.1:0")
			require.NoError(t, err)
			t.Cleanup(func() { ln.Close() })
			c.addrs[h] = append(c.addrs[h], ln.Addr().String())

			cfg := &config.ServerConfig{
				ListenAddr:     "127.0.0.1",
				ListenPort:     config.DefaultListenPort,
				NumThreads:     threads,
				PrintSummary:   true,
				FabricProvider: c.net.Name(),
			}
			srv := New(cfg, c.net, opts...)
			go func() {
				sum, err := srv.Serve(ctx, ln)
				c.results <- serveResult{sum, err}
			}()
		}
	}
	return c
}

type hostFunc func(ctx context.Context, h *host.Host, rank int) error

// run drives every host through fn, hangs up and collects the summary of
// every DPU.
func (c *cluster) run(t *testing.T, bufferSize, numBuffers uint64, fn hostFunc) []*summary.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	p := pool.New().WithErrors()
	for rank := 0; rank < c.hosts; rank++ {
		rank := rank
		p.Go(func() error {
			h, err := host.Connect(ctx, c.net, c.addrs[rank], host.Config{
				HostRank:   rank,
				HostCount:  c.hosts,
				DPUPerNode: c.dpn,
				BufferSize: bufferSize,
				NumBuffers: numBuffers,
			})
			if err != nil {
				return err
			}
			defer h.Close()
			if err := h.WaitReady(ctx); err != nil {
				return err
			}
			if err := fn(ctx, h, rank); err != nil {
				return fmt.Errorf("host %d: %w", rank, err)
			}
			return h.Hangup()
		})
	}
	require.NoError(t, p.Wait())

	var sums []*summary.Job
	for n := 0; n < c.hosts*c.dpn; n++ {
		select {
		case r := <-c.results:
			require.NoError(t, r.err)
			sums = append(sums, r.sum)
		case <-ctx.Done():
			t.Fatal("servers did not finish")
		}
	}
	return sums
}

func int32s(b []byte) []int32 {
	out := make([]int32, len(b)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func putInt32s(vals []int32) []byte {
	b := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:], uint32(v))
	}
	return b
}

func TestAllreduceSum(t *testing.T) {
	const hosts, count = 4, 1024
	c := startCluster(t, hosts, 1, 2)

	dsts := make([][]byte, hosts)
	sums := c.run(t, 64, 2, func(ctx context.Context, h *host.Host, rank int) error {
		vals := make([]int32, count)
		for i := range vals {
			vals[i] = int32(i + rank)
		}
		dsts[rank] = make([]byte, count*4)
		if err := h.SetBuffers(putInt32s(vals), dsts[rank]); err != nil {
			return err
		}
		serviced, err := h.Allreduce(ctx, protocol.WorldTeamID, count, fabric.DtInt32, fabric.OpSum)
		if err != nil {
			return err
		}
		if serviced != count {
			return fmt.Errorf("serviced %d, want %d", serviced, count)
		}
		return nil
	})

	for rank, dst := range dsts {
		got := int32s(dst)
		for i, v := range got {
			require.Equal(t, int32(hosts*i+6), v, "host %d element %d", rank, i)
		}
	}
	require.Len(t, sums, hosts)
	for _, s := range sums {
		assert.Equal(t, map[string]uint64{"Allreduce": 1}, s.Counts)
		assert.Equal(t, uint64(count), s.Elements)
		assert.Equal(t, uint64(count*4), s.Bytes)
		assert.Equal(t, 2, s.Threads)
	}
}

func TestAllreduceMaxRepeated(t *testing.T) {
	const hosts, count = 3, 100
	c := startCluster(t, hosts, 1, 3)

	dsts := make([][]byte, hosts)
	c.run(t, 32, 3, func(ctx context.Context, h *host.Host, rank int) error {
		dsts[rank] = make([]byte, count*4)
		for round := 0; round < 3; round++ {
			vals := make([]int32, count)
			for i := range vals {
				vals[i] = int32(rank*round - i)
			}
			if err := h.SetBuffers(putInt32s(vals), dsts[rank]); err != nil {
				return err
			}
			if _, err := h.Allreduce(ctx, protocol.WorldTeamID, count, fabric.DtInt32, fabric.OpMax); err != nil {
				return err
			}
		}
		return nil
	})

	// Last round is round 2: the max over ranks of 2*rank - i.
	for _, dst := range dsts {
		for i, v := range int32s(dst) {
			require.Equal(t, int32(2*(hosts-1)-i), v)
		}
	}
}

func TestAlltoall(t *testing.T) {
	const hosts, count = 3, 300
	const perPeer = count / hosts
	c := startCluster(t, hosts, 1, 2)

	dsts := make([][]byte, hosts)
	c.run(t, 64, 2, func(ctx context.Context, h *host.Host, rank int) error {
		vals := make([]int32, count)
		for i := range vals {
			// Block p of host rank goes to host p.
			vals[i] = int32(rank*1000 + i)
		}
		dsts[rank] = make([]byte, count*4)
		if err := h.SetBuffers(putInt32s(vals), dsts[rank]); err != nil {
			return err
		}
		serviced, err := h.Alltoall(ctx, protocol.WorldTeamID, count, fabric.DtInt32)
		if err != nil {
			return err
		}
		if serviced != count {
			return fmt.Errorf("serviced %d, want %d", serviced, count)
		}
		return nil
	})

	for me, dst := range dsts {
		got := int32s(dst)
		for p := 0; p < hosts; p++ {
			for k := 0; k < perPeer; k++ {
				want := int32(p*1000 + me*perPeer + k)
				require.Equal(t, want, got[p*perPeer+k], "host %d block %d element %d", me, p, k)
			}
		}
	}
}

func TestAlltoallv(t *testing.T) {
	const hosts = 3
	c := startCluster(t, hosts, 1, 2)

	// Host s sends s+d+1 elements to host d.
	blockLen := func(s, d int) uint64 { return uint64(s + d + 1) }
	layout := func(n int, count func(i int) uint64) protocol.VarArgs {
		v := protocol.VarArgs{Datatype: fabric.DtInt32}
		var displ uint64
		for i := 0; i < n; i++ {
			v.Counts = append(v.Counts, count(i))
			v.Displs = append(v.Displs, displ)
			displ += count(i)
		}
		return v
	}

	dsts := make([][]byte, hosts)
	c.run(t, 16, 2, func(ctx context.Context, h *host.Host, rank int) error {
		src := layout(hosts, func(d int) uint64 { return blockLen(rank, d) })
		dst := layout(hosts, func(s int) uint64 { return blockLen(s, rank) })

		var vals []int32
		for d := 0; d < hosts; d++ {
			for k := uint64(0); k < src.Counts[d]; k++ {
				vals = append(vals, int32(rank*100+d*10+int(k)))
			}
		}
		var total uint64
		for _, n := range dst.Counts {
			total += n
		}
		dsts[rank] = make([]byte, total*4)
		if err := h.SetBuffers(putInt32s(vals), dsts[rank]); err != nil {
			return err
		}
		serviced, err := h.Alltoallv(ctx, protocol.WorldTeamID, src, dst)
		if err != nil {
			return err
		}
		if serviced != int64(total) {
			return fmt.Errorf("serviced %d, want %d", serviced, total)
		}
		return nil
	})

	for me, dst := range dsts {
		got := int32s(dst)
		pos := 0
		for s := 0; s < hosts; s++ {
			for k := 0; k < int(blockLen(s, me)); k++ {
				require.Equal(t, int32(s*100+me*10+k), got[pos])
				pos++
			}
		}
		assert.Len(t, got, pos)
	}
}

func TestBarrierAndTeams(t *testing.T) {
	const hosts, count = 2, 40
	c := startCluster(t, hosts, 1, 2)

	dsts := make([][]byte, hosts)
	sums := c.run(t, 32, 2, func(ctx context.Context, h *host.Host, rank int) error {
		if err := h.Barrier(ctx, protocol.WorldTeamID); err != nil {
			return err
		}
		vals := make([]int32, count)
		for i := range vals {
			vals[i] = int32(rank + 1)
		}
		dsts[rank] = make([]byte, count*4)
		if err := h.SetBuffers(putInt32s(vals), dsts[rank]); err != nil {
			return err
		}
		// Same slot created twice: the second team reuses freed state.
		for round := 0; round < 2; round++ {
			if err := h.CreateTeam(5, []uint32{1, 0}); err != nil {
				return err
			}
			if _, err := h.Allreduce(ctx, 5, count, fabric.DtInt32, fabric.OpSum); err != nil {
				return err
			}
			if err := h.Barrier(ctx, 5); err != nil {
				return err
			}
			if err := h.DestroyTeam(5); err != nil {
				return err
			}
		}
		return nil
	})

	for _, dst := range dsts {
		for _, v := range int32s(dst) {
			require.Equal(t, int32(3), v)
		}
	}
	for _, s := range sums {
		assert.Equal(t, map[string]uint64{"Allreduce": 2, "Barrier": 3, "Last": 4}, s.Counts)
	}
}

// Rounds that carry no data close with their own pool barrier, so a
// worker never reads the record of the round after.
func TestBackToBackRoundsKeepThreadsInStep(t *testing.T) {
	const hosts, count, iterations = 2, 64, 20
	c := startCluster(t, hosts, 1, 4)

	dsts := make([][]byte, hosts)
	sums := c.run(t, 16, 2, func(ctx context.Context, h *host.Host, rank int) error {
		vals := make([]int32, count)
		for i := range vals {
			vals[i] = int32(rank + 1)
		}
		dsts[rank] = make([]byte, count*4)
		if err := h.SetBuffers(putInt32s(vals), dsts[rank]); err != nil {
			return err
		}
		for i := 0; i < iterations; i++ {
			if err := h.Barrier(ctx, protocol.WorldTeamID); err != nil {
				return err
			}
			if _, err := h.Allreduce(ctx, protocol.WorldTeamID, count, fabric.DtInt32, fabric.OpSum); err != nil {
				return err
			}
			// The last iteration leaves create, destroy and hangup back to back.
			if err := h.CreateTeam(7, []uint32{0, 1}); err != nil {
				return err
			}
			if err := h.DestroyTeam(7); err != nil {
				return err
			}
		}
		return nil
	})

	for _, dst := range dsts {
		for _, v := range int32s(dst) {
			require.Equal(t, int32(3), v)
		}
	}
	for _, s := range sums {
		assert.Equal(t, map[string]uint64{
			"Allreduce": iterations,
			"Barrier":   iterations,
			"Last":      2 * iterations,
		}, s.Counts)
	}
}

func TestMultiRail(t *testing.T) {
	const hosts, dpn, count = 2, 2, 1000
	c := startCluster(t, hosts, dpn, 2)

	reduced := make([][]byte, hosts)
	exchanged := make([][]byte, hosts)
	sums := c.run(t, 64, 2, func(ctx context.Context, h *host.Host, rank int) error {
		vals := make([]int32, count)
		for i := range vals {
			vals[i] = int32(rank*10000 + i)
		}
		reduced[rank] = make([]byte, count*4)
		if err := h.SetBuffers(putInt32s(vals), reduced[rank]); err != nil {
			return err
		}
		serviced, err := h.Allreduce(ctx, protocol.WorldTeamID, count, fabric.DtInt32, fabric.OpSum)
		if err != nil {
			return err
		}
		if serviced != count {
			return fmt.Errorf("allreduce serviced %d, want %d", serviced, count)
		}

		exchanged[rank] = make([]byte, count*4)
		if err := h.SetBuffers(putInt32s(vals), exchanged[rank]); err != nil {
			return err
		}
		serviced, err = h.Alltoall(ctx, protocol.WorldTeamID, count, fabric.DtInt32)
		if err != nil {
			return err
		}
		if serviced != count {
			return fmt.Errorf("alltoall serviced %d, want %d", serviced, count)
		}
		return nil
	})

	for _, dst := range reduced {
		for i, v := range int32s(dst) {
			require.Equal(t, int32(10000+2*i), v)
		}
	}
	const perPeer = count / hosts
	for me, dst := range exchanged {
		got := int32s(dst)
		for p := 0; p < hosts; p++ {
			for k := 0; k < perPeer; k++ {
				require.Equal(t, int32(p*10000+me*perPeer+k), got[p*perPeer+k])
			}
		}
	}
	require.Len(t, sums, hosts*dpn)
	var elements uint64
	for _, s := range sums {
		assert.Equal(t, hosts*dpn, s.WorldSize)
		elements += s.Elements
	}
	assert.Equal(t, uint64(hosts*2*count), elements, "rails split the work of each host")
}

type mockHealth struct {
	mock.Mock
}

func (m *mockHealth) SetServing(serving bool) {
	m.Called(serving)
}

type recordingStore struct {
	mu   sync.Mutex
	jobs []*summary.Job
}

func (r *recordingStore) Record(_ context.Context, j *summary.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, j)
	return nil
}

func TestHealthFollowsJob(t *testing.T) {
	health := &mockHealth{}
	mock.InOrder(
		health.On("SetServing", true).Once(),
		health.On("SetServing", false).Once(),
	)
	c := startCluster(t, 1, 1, 1, WithHealth(health))
	c.run(t, 16, 1, func(ctx context.Context, h *host.Host, rank int) error {
		return h.Barrier(ctx, protocol.WorldTeamID)
	})
	health.AssertExpectations(t)
}

func TestSummaryRecorded(t *testing.T) {
	rec := &recordingStore{}
	c := startCluster(t, 1, 1, 1, WithSummaryStore(rec))
	c.run(t, 16, 1, func(ctx context.Context, h *host.Host, rank int) error {
		return h.Barrier(ctx, protocol.WorldTeamID)
	})
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.jobs, 1)
	assert.Equal(t, 1, rec.jobs[0].JobNumber)
	assert.Equal(t, uint64(1), rec.jobs[0].Counts["Barrier"])
}

func TestAlltoallvBlockSizeMismatchIsFatal(t *testing.T) {
	local := &protocol.SyncRecord{DstV: protocol.VarArgs{
		Counts: []uint64{4, 4}, Displs: []uint64{0, 4}, Datatype: fabric.DtInt32,
	}}
	peer := &protocol.SyncRecord{SrcV: protocol.VarArgs{
		Counts: []uint64{3, 4}, Displs: []uint64{0, 3}, Datatype: fabric.DtInt32,
	}}
	assert.Panics(t, func() { alltoallvBlock(local, peer, 0, 1) })

	blk := alltoallvBlock(local, peer, 1, 1)
	assert.Equal(t, ringBlock{peer: 1, srcOffset: 12, dstOffset: 16, bytes: 16, elements: 4}, blk)

	assert.Panics(t, func() { alltoallvBlock(local, peer, 2, 1) }, "no source block for host 2")
}

func TestAlltoallBlock(t *testing.T) {
	rec := &protocol.SyncRecord{CountTotal: 300, Datatype: fabric.DtInt32}
	blk := alltoallBlock(rec, 1, 2, 3)
	assert.Equal(t, ringBlock{peer: 2, srcOffset: 400, dstOffset: 800, bytes: 400, elements: 100}, blk)

	uneven := &protocol.SyncRecord{CollID: 4, CountTotal: 301, Datatype: fabric.DtInt32}
	assert.Panics(t, func() { alltoallBlock(uneven, 1, 2, 3) })

	r := ringStep{me: 2, hosts: 3}
	assert.Equal(t, []int{2, 0, 1}, []int{r.peer(0), r.peer(1), r.peer(2)})
}

func TestRunServesConsecutiveJobs(t *testing.T) {
	n := sim.NewNetwork(t.Name())
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	srv := New(&config.ServerConfig{NumThreads: 2, FabricProvider: n.Name()}, n)
	done := make(chan error, 1)
	runCtx, stop := context.WithCancel(ctx)
	go func() { done <- srv.Run(runCtx, ln) }()

	for job := 0; job < 2; job++ {
		h, err := host.Connect(ctx, n, []string{ln.Addr().String()}, host.Config{
			HostCount: 1, DPUPerNode: 1, BufferSize: 16, NumBuffers: 1,
		})
		require.NoError(t, err)
		require.NoError(t, h.WaitReady(ctx))
		require.NoError(t, h.Barrier(ctx, protocol.WorldTeamID))
		require.NoError(t, h.Hangup())
		require.NoError(t, h.Close())
	}

	stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 3, srv.mgr.JobID(), "third accept was interrupted")
}
