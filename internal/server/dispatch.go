package server

import (
	"time"

	"go.uber.org/atomic"

	"github.com/Mellanox/ucc/internal/coord"
	"github.com/Mellanox/ucc/internal/fabric"
	"github.com/Mellanox/ucc/internal/hostchannel"
	"github.com/Mellanox/ucc/internal/protocol"
	"github.com/Mellanox/ucc/internal/team"
)

// job is the state the pool threads share while servicing one job. Thread
// 0 writes the round fields before a pool barrier; the other threads read
// them only after it.
type job struct {
	srv *Server
	mgr *hostchannel.Manager
	reg *team.Registry
	rt  fabric.Runtime

	collID  uint32
	rec     *protocol.SyncRecord
	records []*protocol.SyncRecord
	started time.Time

	serviced atomic.Uint64
}

// thread is the body of every pool thread.
func (j *job) thread(th *coord.Thread) {
	ch, err := j.mgr.NewChannel(th.Idx + 1)
	if err != nil {
		fabric.Fatalf("thread %d failed to create data channel: %v", th.Idx, err)
	}
	world := j.reg.Get(protocol.WorldTeamID)
	if err := teamBarrier(world.Handle, setupBarrierTag(th.Idx, seqThreadStarted), ch, fabric.RuntimeProgresser{Runtime: j.rt}); err != nil {
		fabric.Fatalf("thread %d world barrier failed: %v", th.Idx, err)
	}
	th.Barrier()

	if th.Coordinator() {
		if err := j.mgr.SendReady(); err != nil {
			fabric.Fatalf("%v", err)
		}
	}
	for j.round(th, ch) {
	}
	th.Log.Debug().Msg("Leaving dispatch loop")
}

// next reads the next sync record and prepares the round. Thread 0 only.
func (j *job) next() {
	j.collID++
	j.serviced.Store(0)
	rec := j.mgr.WaitNext(j.collID)
	j.started = time.Now()
	j.records = nil

	if rec.HasData() {
		dpn := int(rec.DPUPerNodeCnt)
		if j.mgr.WorldSize()%dpn != 0 {
			fabric.Fatalf("world of %d dpus does not split into %d per node", j.mgr.WorldSize(), dpn)
		}
		if j.mgr.WorldRank()%dpn != int(rec.Rail) {
			fabric.Fatalf("coll id %d addressed to rail %d, world rank %d serves rail %d",
				rec.CollID, rec.Rail, j.mgr.WorldRank(), j.mgr.WorldRank()%dpn)
		}
		tm := j.reg.Get(rec.TeamID)
		j.records = j.gather(tm, rec)
		if rec.CollType == fabric.CollAllreduce {
			if err := j.reg.EnsureRail(rec.TeamID, int(rec.Rail), dpn); err != nil {
				fabric.Fatalf("%v", err)
			}
		}
	}
	j.rec = rec
}

// gather all-gathers the sync record of every team member, in team order.
func (j *job) gather(tm *team.Team, rec *protocol.SyncRecord) []*protocol.SyncRecord {
	b, err := rec.Encode()
	if err != nil {
		fabric.Fatalf("%v", err)
	}
	blobs, err := hostchannel.GatherBlobs(tm.Handle, fabric.Tag{Kind: fabric.KindGather, CollID: rec.CollID}, b,
		j.mgr.Worker(), fabric.RuntimeProgresser{Runtime: j.rt})
	if err != nil {
		fabric.Fatalf("failed to gather sync records of coll id %d: %v", rec.CollID, err)
	}
	records := make([]*protocol.SyncRecord, len(blobs))
	for i, blob := range blobs {
		r, err := protocol.DecodeSyncRecord(blob)
		if err != nil {
			fabric.Fatalf("team %d member %d: %v", tm.ID, i, err)
		}
		if r.CollID != rec.CollID || r.CollType != rec.CollType {
			fabric.Fatalf("team %d member %d posted coll id %d %s, this dpu coll id %d %s",
				tm.ID, i, r.CollID, r.CollType, rec.CollID, rec.CollType)
		}
		records[i] = r
	}
	return records
}

// round services one sync record and reports whether the loop goes on.
func (j *job) round(th *coord.Thread, ch *hostchannel.Channel) bool {
	if th.Coordinator() {
		j.next()
	}
	th.Barrier()
	rec := j.rec

	switch rec.CollType {
	case fabric.CollLast:
		if !j.teamOp(th, rec) {
			return false
		}
	case fabric.CollAllreduce:
		// Closes with its own pool barrier.
		j.allreduce(th, ch, rec)
		return true
	case fabric.CollAlltoall, fabric.CollAlltoallV:
		j.alltoall(th, ch, rec)
		return true
	case fabric.CollBarrier:
		if th.Coordinator() {
			j.finish(rec)
		}
	default:
		if th.Coordinator() {
			fabric.Fatalf("unsupported collective type %s in coll id %d", rec.CollType, rec.CollID)
		}
	}
	// Thread 0 rewrites the round state as soon as it leaves this barrier.
	th.Barrier()
	return true
}

// teamOp handles a LAST record: team create, team destroy or hangup. None
// is acknowledged to the host.
func (j *job) teamOp(th *coord.Thread, rec *protocol.SyncRecord) bool {
	hangup := !rec.CreateNewTeam && rec.TeamID == protocol.WorldTeamID
	if !th.Coordinator() {
		return !hangup
	}

	switch {
	case rec.CreateNewTeam:
		_, err := j.reg.Create(rec)
		if err != nil {
			th.Log.Error().Err(err).Uint32("coll_id", rec.CollID).Uint16("team_id", rec.TeamID).Msg("Team create failed")
		}
		j.srv.accountTeamOp(rec, "create", err)
	case hangup:
		j.mgr.ReleaseKeys()
		th.Log.Info().Uint32("coll_id", rec.CollID).Msg("Received hangup, leaving")
		return false
	default:
		err := j.reg.Destroy(rec.TeamID)
		if err != nil {
			th.Log.Error().Err(err).Uint32("coll_id", rec.CollID).Uint16("team_id", rec.TeamID).Msg("Team destroy failed")
		}
		j.srv.accountTeamOp(rec, "destroy", err)
	}
	return true
}

// finish waits for every team member and replies to the host with the
// count the pool serviced. Thread 0 only, after the pool barrier.
func (j *job) finish(rec *protocol.SyncRecord) {
	tm := j.reg.Get(rec.TeamID)
	tag := fabric.Tag{Kind: fabric.KindBarrier, CollID: rec.CollID}
	if err := teamBarrier(tm.Handle, tag, j.mgr.Worker(), fabric.RuntimeProgresser{Runtime: j.rt}); err != nil {
		fabric.Fatalf("team %d barrier of coll id %d failed: %v", rec.TeamID, rec.CollID, err)
	}
	count := int64(j.serviced.Load())
	j.mgr.Reply(rec.CollID, count)
	j.srv.account(rec, count, time.Since(j.started))
}
