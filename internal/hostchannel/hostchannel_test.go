package hostchannel

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mellanox/ucc/internal/fabric"
	"github.com/Mellanox/ucc/internal/fabric/sim"
	"github.com/Mellanox/ucc/internal/host"
	"github.com/Mellanox/ucc/internal/protocol"
)

type testJob struct {
	net  *sim.Network
	mgr  *Manager
	rt   fabric.Runtime
	host *host.Host
}

// newTestJob bootstraps a single DPU with its host over loopback TCP and
// connects the DPU to the host's memory.
func newTestJob(t *testing.T) *testJob {
	t.Helper()
	n := sim.NewNetwork(t.Name())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	job := &testJob{net: n, mgr: New(n)}
	accepted := make(chan error, 1)
	go func() { accepted <- job.mgr.Accept(ctx, ln) }()

	job.host, err = host.Connect(ctx, n, []string{ln.Addr().String()}, host.Config{
		HostRank:   0,
		HostCount:  1,
		DPUPerNode: 1,
		BufferSize: 64,
		NumBuffers: 2,
	})
	require.NoError(t, err)
	require.NoError(t, <-accepted)
	t.Cleanup(func() { job.host.Close() })

	job.rt, err = n.NewRuntime(0, 1)
	require.NoError(t, err)
	world, err := job.rt.CreateTeam(fabric.TeamParams{EPs: []int{0}})
	require.NoError(t, err)
	fabric.Spin(func() bool { return world.CreateTest() == nil })
	require.NoError(t, job.mgr.ConnectPeers(world, job.rt, fabric.Tag{Kind: fabric.KindSetup}))

	require.NoError(t, job.mgr.SendReady())
	require.NoError(t, job.host.WaitReady(ctx))
	return job
}

func TestAcceptPlacesJob(t *testing.T) {
	job := newTestJob(t)
	assert.Equal(t, 1, job.mgr.JobID())
	assert.Equal(t, 0, job.mgr.WorldRank())
	assert.Equal(t, 1, job.mgr.WorldSize())
	assert.Equal(t, uint64(64), job.mgr.Job().BufferSize)
	assert.Equal(t, 2, job.mgr.Control().Pipeline.NumBuffers())
	require.NoError(t, job.mgr.Close())
}

func TestWaitNextImportsKeysAndReply(t *testing.T) {
	job := newTestJob(t)
	src := make([]byte, 32)
	for i := range src {
		src[i] = byte(i)
	}
	dst := make([]byte, 32)
	require.NoError(t, job.host.SetBuffers(src, dst))

	id, err := job.host.Post(protocol.SyncRecord{
		CollType:   fabric.CollAllreduce,
		TeamID:     protocol.WorldTeamID,
		CountTotal: 8,
		Datatype:   fabric.DtInt32,
		Op:         fabric.OpSum,
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)

	rec := job.mgr.WaitNext(1)
	assert.Equal(t, fabric.CollAllreduce, rec.CollType)
	require.NotNil(t, job.mgr.LocalKeys())
	assert.Equal(t, uint64(32), job.mgr.LocalKeys().Src.Len)

	ctl := job.mgr.Control()
	ctl.ImportKeys([]*protocol.SyncRecord{rec}, func(i int) int { return i })
	assert.Equal(t, 1, ctl.KeyCount())

	staging := ctl.Staging()[:8]
	req, err := ctl.IssueGet(0, staging, 8)
	require.NoError(t, err)
	require.NoError(t, fabric.Wait(req, ctl.Worker()))
	assert.Equal(t, src[8:16], staging)

	req, err = ctl.IssuePut(0, staging, 24)
	require.NoError(t, err)
	require.NoError(t, fabric.Wait(req, ctl.Worker()))
	assert.Equal(t, src[8:16], dst[24:32])

	assert.Panics(t, func() { ctl.IssuePut(0, staging, 28) }, "put past the end of the host buffer")

	ctl.ReleaseKeys()
	assert.Equal(t, 0, ctl.KeyCount())
	job.mgr.Reply(1, 8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	serviced, err := job.host.Complete(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(8), serviced)
	assert.Nil(t, job.mgr.LocalKeys())
	require.NoError(t, job.mgr.Close())
}

func TestWaitNextRejectsOutOfOrderCollID(t *testing.T) {
	job := newTestJob(t)
	_, err := job.host.Post(protocol.SyncRecord{CollType: fabric.CollBarrier, TeamID: protocol.WorldTeamID})
	require.NoError(t, err)

	var ierr *fabric.IntegrityError
	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r)
			ierr = r.(*fabric.IntegrityError)
		}()
		job.mgr.WaitNext(2)
	}()
	assert.Contains(t, ierr.Error(), "coll id 1, expected 2")
}

func TestMissingKeysAreFatal(t *testing.T) {
	job := newTestJob(t)
	assert.Panics(t, func() { job.mgr.Control().Keys(0) })
}

func TestNewChannelRequiresPeers(t *testing.T) {
	mgr := New(sim.NewNetwork(t.Name()))
	_, err := mgr.NewChannel(1)
	assert.Error(t, err)
}

func TestDataChannelReachesHost(t *testing.T) {
	job := newTestJob(t)
	c, err := job.mgr.NewChannel(1)
	require.NoError(t, err)
	assert.NotEqual(t, job.mgr.Worker(), c.Worker())

	src := []byte("0123456789abcdef")
	require.NoError(t, job.host.SetBuffers(src, make([]byte, 16)))
	_, err = job.host.Post(protocol.SyncRecord{
		CollType:   fabric.CollAlltoall,
		TeamID:     protocol.WorldTeamID,
		CountTotal: 16,
		Datatype:   fabric.DtUint8,
	})
	require.NoError(t, err)
	rec := job.mgr.WaitNext(1)

	c.ImportKeys([]*protocol.SyncRecord{rec}, func(i int) int { return i })
	buf := c.Staging()[:4]
	req, err := c.IssueGet(0, buf, 10)
	require.NoError(t, err)
	require.NoError(t, fabric.Wait(req, c))
	assert.Equal(t, "abcd", string(buf))
	require.NoError(t, job.mgr.Close())
}

func TestGatherBlobs(t *testing.T) {
	n := sim.NewNetwork(t.Name())
	blobs := [][]byte{[]byte("a"), nil, []byte("three")}

	var wg sync.WaitGroup
	results := make([][][]byte, len(blobs))
	for rank := range blobs {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			rt, err := n.NewRuntime(rank, len(blobs))
			require.NoError(t, err)
			team, err := rt.CreateTeam(fabric.TeamParams{EPs: []int{0, 1, 2}, MyIndex: rank})
			require.NoError(t, err)
			fabric.Spin(func() bool { return team.CreateTest() == nil })
			results[rank], err = GatherBlobs(team, fabric.Tag{Kind: fabric.KindSetup, Seq: 3}, blobs[rank])
			require.NoError(t, err)
		}(rank)
	}
	wg.Wait()

	for rank, got := range results {
		require.Len(t, got, 3, "rank %d", rank)
		assert.Equal(t, "a", string(got[0]))
		assert.Empty(t, got[1])
		assert.Equal(t, "three", string(got[2]))
	}
}

func TestGatherBlobsAllEmpty(t *testing.T) {
	n := sim.NewNetwork(t.Name())
	rt, err := n.NewRuntime(0, 1)
	require.NoError(t, err)
	team, err := rt.CreateTeam(fabric.TeamParams{EPs: []int{0}})
	require.NoError(t, err)
	fabric.Spin(func() bool { return team.CreateTest() == nil })

	got, err := GatherBlobs(team, fabric.Tag{Kind: fabric.KindSetup}, nil)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Empty(t, got[0])
}

func TestAllocateRegion(t *testing.T) {
	n := sim.NewNetwork(t.Name())
	w, err := n.NewWorker()
	require.NoError(t, err)
	seg := AllocateRegion(w, 128)
	assert.Equal(t, 128, seg.Len())
	binary.LittleEndian.PutUint64(seg.Bytes(), 7)
	require.NoError(t, seg.Close())

	require.NoError(t, w.Close())
	assert.Panics(t, func() { AllocateRegion(w, 8) })
}

func TestAcceptAfterCancelClosesLateConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = acceptContext(ctx, ln)
	require.ErrorIs(t, err, context.Canceled)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
