package server

import (
	"errors"

	"github.com/Mellanox/ucc/internal/coord"
	"github.com/Mellanox/ucc/internal/fabric"
	"github.com/Mellanox/ucc/internal/hostchannel"
	"github.com/Mellanox/ucc/internal/protocol"
	"github.com/Mellanox/ucc/internal/team"
)

// ringBlock is the data one host receives from one peer: a byte range of
// the peer's source that lands at a byte range of the local host's
// destination.
type ringBlock struct {
	peer      int
	srcOffset uint64
	dstOffset uint64
	bytes     uint64
	elements  uint64
}

// ringStep is one step of the exchange as seen from host index me of a
// team with hosts hosts.
type ringStep struct {
	me, hosts int
}

func (r ringStep) peer(step int) int { return (r.me + step) % r.hosts }

// alltoallBlock splits countTotal evenly across the hosts. A count that
// does not split evenly is fatal.
func alltoallBlock(rec *protocol.SyncRecord, me, peer, hosts int) ringBlock {
	if rec.CountTotal%uint64(hosts) != 0 {
		fabric.Fatalf("coll id %d: alltoall of %d elements does not split across %d hosts",
			rec.CollID, rec.CountTotal, hosts)
	}
	perPeer := rec.CountTotal / uint64(hosts)
	dtSize := uint64(rec.Datatype.Size())
	return ringBlock{
		peer:      peer,
		srcOffset: uint64(me) * perPeer * dtSize,
		dstOffset: uint64(peer) * perPeer * dtSize,
		bytes:     perPeer * dtSize,
		elements:  perPeer,
	}
}

// alltoallvBlock takes the source layout from the peer's record and the
// destination layout from the local one. Both sides must agree on the
// block size in bytes.
func alltoallvBlock(local, peerRec *protocol.SyncRecord, me, peer int) ringBlock {
	src, dst := peerRec.SrcV, local.DstV
	if me >= len(src.Counts) || me >= len(src.Displs) {
		fabric.Fatalf("host %d source layout has %d counts, no block for host %d", peer, len(src.Counts), me)
	}
	if peer >= len(dst.Counts) || peer >= len(dst.Displs) {
		fabric.Fatalf("destination layout has %d counts, no block for host %d", len(dst.Counts), peer)
	}
	sdt, rdt := uint64(src.Datatype.Size()), uint64(dst.Datatype.Size())
	srcBytes := src.Counts[me] * sdt
	dstBytes := dst.Counts[peer] * rdt
	if srcBytes != dstBytes {
		fabric.Fatalf("host %d sends %d bytes to host %d, which expects %d", peer, srcBytes, me, dstBytes)
	}
	return ringBlock{
		peer:      peer,
		srcOffset: src.Displs[me] * sdt,
		dstOffset: dst.Displs[peer] * rdt,
		bytes:     dstBytes,
		elements:  dst.Counts[peer],
	}
}

// alltoall runs the ring exchange. Step i pulls the block from host
// (me+i)%hosts. Steps are dealt round robin over every thread of every rail
// of the host.
func (j *job) alltoall(th *coord.Thread, ch *hostchannel.Channel, rec *protocol.SyncRecord) {
	tm := j.reg.Get(rec.TeamID)
	dpn := int(rec.DPUPerNodeCnt)
	if tm.Size()%dpn != 0 {
		fabric.Fatalf("team %d of %d dpus does not split into %d per node", tm.ID, tm.Size(), dpn)
	}
	ring := ringStep{me: tm.MyIndex / dpn, hosts: tm.Size() / dpn}

	hostRecords := make([]*protocol.SyncRecord, ring.hosts)
	for h := range hostRecords {
		hostRecords[h] = j.records[h*dpn]
	}
	hostRank := hostRankOf(tm, dpn)
	ch.ImportKeys(hostRecords, hostRank)

	slots := dpn * th.Count
	slot := int(rec.Rail)*th.Count + th.Idx
	var elements uint64
	for step := slot; step < ring.hosts; step += slots {
		peer := ring.peer(step)
		var blk ringBlock
		if rec.CollType == fabric.CollAlltoallV {
			blk = alltoallvBlock(rec, hostRecords[peer], ring.me, peer)
		} else {
			blk = alltoallBlock(rec, ring.me, peer, ring.hosts)
		}
		j.copyBlock(ch, hostRank(peer), hostRank(ring.me), blk)
		elements += blk.elements
	}
	j.serviced.Add(elements)

	th.Barrier()
	if th.Coordinator() {
		j.finish(rec)
	}
	ch.ReleaseKeys()
}

// hostRankOf maps a host index of tm to the world rank of the host's
// first DPU, which is where its keys are imported.
func hostRankOf(tm *team.Team, dpn int) func(int) int {
	return func(h int) int { return tm.DPURanks[h*dpn] }
}

// copyBlock moves blk through the channel's staging buffer one chunk at a
// time.
func (j *job) copyBlock(ch *hostchannel.Channel, srcRank, dstRank int, blk ringBlock) {
	staging := ch.Staging()
	for done := uint64(0); done < blk.bytes; {
		n := min(uint64(len(staging)), blk.bytes-done)
		chunk := staging[:n]
		j.await(ch, func() (fabric.Request, error) {
			return ch.IssueGet(srcRank, chunk, blk.srcOffset+done)
		})
		j.await(ch, func() (fabric.Request, error) {
			return ch.IssuePut(dstRank, chunk, blk.dstOffset+done)
		})
		done += n
	}
}

// await issues an operation, reissuing it while the fabric is out of
// resources, and waits for it.
func (j *job) await(ch *hostchannel.Channel, issue func() (fabric.Request, error)) {
	rt := fabric.RuntimeProgresser{Runtime: j.rt}
	var req fabric.Request
	fabric.Spin(func() bool {
		var err error
		req, err = issue()
		if errors.Is(err, fabric.ErrNoResource) {
			ch.Progress()
			rt.Progress()
			return false
		}
		if err != nil {
			fabric.Fatalf("channel %d: %v", ch.Idx, err)
		}
		return true
	})
	if err := fabric.Wait(req, ch, rt); err != nil {
		fabric.Fatalf("channel %d: %v", ch.Idx, err)
	}
}
