package server

import (
	"github.com/Mellanox/ucc/internal/coord"
	"github.com/Mellanox/ucc/internal/fabric"
	"github.com/Mellanox/ucc/internal/hostchannel"
	"github.com/Mellanox/ucc/internal/pipeline"
	"github.com/Mellanox/ucc/internal/protocol"
)

// allreduceDriver moves one thread's shard through the pipeline: read the
// local host's source, reduce in place across the rail team, write the
// local host's destination.
type allreduceDriver struct {
	ch    *hostchannel.Channel
	team  fabric.Team
	rt    fabric.Runtime
	local int
	tag   fabric.Tag

	dt     fabric.Datatype
	op     fabric.ReductionOp
	dtSize uint64
}

var _ pipeline.Driver = (*allreduceDriver)(nil)

func (d *allreduceDriver) IssueGet(b *pipeline.Buffer, data []byte) (fabric.Request, error) {
	return d.ch.IssueGet(d.local, data, b.Offset*d.dtSize)
}

func (d *allreduceDriver) IssueReduce(b *pipeline.Buffer, data []byte) (fabric.Request, error) {
	tag := d.tag
	tag.Seq = b.Seq
	return d.team.Post(fabric.CollArgs{
		Type:     fabric.CollAllreduce,
		Tag:      tag,
		Src:      data,
		Dst:      data,
		Count:    int(b.Count),
		Datatype: d.dt,
		Op:       d.op,
	})
}

func (d *allreduceDriver) IssuePut(b *pipeline.Buffer, data []byte) (fabric.Request, error) {
	return d.ch.IssuePut(d.local, data, b.Offset*d.dtSize)
}

func (d *allreduceDriver) Progress() {
	d.ch.Progress()
	d.rt.Progress()
}

// allreduce splits the collective first across the rails of a host and then
// across the pool threads. Every DPU on a rail assigns the same ranges in
// the same order, so the reduction tags line up across the rail team.
func (j *job) allreduce(th *coord.Thread, ch *hostchannel.Channel, rec *protocol.SyncRecord) {
	tm := j.reg.Get(rec.TeamID)
	local := j.mgr.WorldRank()
	ch.ImportKeys([]*protocol.SyncRecord{rec}, func(int) int { return local })

	dpn := int(rec.DPUPerNodeCnt)
	railOffset, railCount := coord.Shard(rec.CountTotal, dpn, int(rec.Rail))
	offset, count := coord.Shard(railCount, th.Count, th.Idx)

	d := &allreduceDriver{
		ch:     ch,
		team:   tm.Rail(int(rec.Rail)),
		rt:     j.rt,
		local:  local,
		tag:    fabric.Tag{Kind: fabric.KindReduce, CollID: rec.CollID, Thread: uint32(th.Idx)},
		dt:     rec.Datatype,
		op:     rec.Op,
		dtSize: uint64(rec.Datatype.Size()),
	}
	p := ch.Pipeline
	p.Start(railOffset+offset, count, rec.Datatype.Size())
	p.Run(d)
	if err := ch.Flush(); err != nil {
		fabric.Fatalf("thread %d flush after coll id %d: %v", th.Idx, rec.CollID, err)
	}
	j.serviced.Add(p.CountServiced)
	th.Log.Trace().Uint32("coll_id", rec.CollID).Uint64("offset", railOffset+offset).Uint64("count", count).Msg("Allreduce shard done")

	th.Barrier()
	if th.Coordinator() {
		j.finish(rec)
	}
	ch.ReleaseKeys()
	p.Reset()
}
