// Package protocol defines the control records exchanged between a host
// process and its DPU server, and the bootstrap handshake that precedes
// them.
package protocol

import (
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Mellanox/ucc/internal/fabric"
)

const (
	// WorldTeamID is the team every job starts with. It is never created or
	// destroyed through a sync record.
	WorldTeamID uint16 = 1
	// TeamPoolSize bounds team ids.
	TeamPoolSize = 64

	// ReadyCollID marks the Ready record sent once after bootstrap.
	ReadyCollID uint32 = math.MaxUint32
)

// Message tags on the control channel.
const (
	TagSync       uint64 = 1
	TagCompletion uint64 = 2
)

// MemDesc describes host memory a DPU may access remotely.
type MemDesc struct {
	Addr uint64 `msgpack:"addr"`
	Key  []byte `msgpack:"key"`
	Len  uint64 `msgpack:"len"`
}

// VarArgs carries the per-rank layout of a variable-size collective
// buffer, in elements of Datatype.
type VarArgs struct {
	Counts   []uint64        `msgpack:"counts"`
	Displs   []uint64        `msgpack:"displs"`
	Datatype fabric.Datatype `msgpack:"dt"`
}

// SyncRecord describes one collective posted by a host.
type SyncRecord struct {
	CollID        uint32             `msgpack:"coll_id"`
	CollType      fabric.CollType    `msgpack:"coll_type"`
	TeamID        uint16             `msgpack:"team_id"`
	CreateNewTeam bool               `msgpack:"create_new_team"`
	Rail          uint16             `msgpack:"rail"`
	DPUPerNodeCnt uint16             `msgpack:"dpu_per_node_cnt"`
	CountTotal    uint64             `msgpack:"count_total"`
	Datatype      fabric.Datatype    `msgpack:"dt"`
	Op            fabric.ReductionOp `msgpack:"op"`
	SrcV          VarArgs            `msgpack:"src_v"`
	DstV          VarArgs            `msgpack:"dst_v"`
	// RankList holds the host world rank of every team member, in team
	// order. Only set on team create records.
	RankList []uint32 `msgpack:"rank_list"`
	Src      MemDesc  `msgpack:"src"`
	Dst      MemDesc  `msgpack:"dst"`
}

// Encode serializes the record for the wire.
func (r *SyncRecord) Encode() ([]byte, error) {
	b, err := msgpack.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sync record %d: %w", r.CollID, err)
	}
	return b, nil
}

// DecodeSyncRecord parses a record received from the wire.
func DecodeSyncRecord(b []byte) (*SyncRecord, error) {
	var r SyncRecord
	if err := msgpack.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("failed to decode sync record: %w", err)
	}
	return &r, nil
}

// HasData reports whether the collective moves host memory and therefore
// carries src and dst descriptors.
func (r *SyncRecord) HasData() bool {
	switch r.CollType {
	case fabric.CollAllreduce, fabric.CollAlltoall, fabric.CollAlltoallV:
		return true
	}
	return false
}

// Validate checks the fields every consumer of the record relies on.
func (r *SyncRecord) Validate() error {
	if int(r.TeamID) >= TeamPoolSize {
		return fmt.Errorf("team id %d outside pool of %d", r.TeamID, TeamPoolSize)
	}
	if r.DPUPerNodeCnt == 0 {
		return errors.New("dpu_per_node_cnt is zero")
	}
	if r.Rail >= r.DPUPerNodeCnt {
		return fmt.Errorf("rail %d outside %d dpus per node", r.Rail, r.DPUPerNodeCnt)
	}
	if r.CollType == fabric.CollLast && r.CreateNewTeam && len(r.RankList) == 0 {
		return errors.New("team create record has an empty rank list")
	}
	if r.HasData() {
		if len(r.Src.Key) == 0 || len(r.Dst.Key) == 0 {
			return errors.New("data collective is missing a memory key")
		}
		if r.Src.Addr == 0 || r.Dst.Addr == 0 {
			return errors.New("data collective is missing a buffer address")
		}
	}
	return nil
}

// CompletionRecord acknowledges a serviced collective.
type CompletionRecord struct {
	CollID        uint32 `msgpack:"coll_id"`
	CountServiced int64  `msgpack:"count_serviced"`
}

// ReadyRecord is sent once after bootstrap to signal the DPU accepts
// collectives.
func ReadyRecord() CompletionRecord {
	return CompletionRecord{CollID: ReadyCollID, CountServiced: -1}
}

// IsReady reports whether c is the Ready record.
func (c CompletionRecord) IsReady() bool {
	return c.CollID == ReadyCollID
}

func (c CompletionRecord) Encode() ([]byte, error) {
	b, err := msgpack.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion %d: %w", c.CollID, err)
	}
	return b, nil
}

// DecodeCompletionRecord parses a completion received from the wire.
func DecodeCompletionRecord(b []byte) (CompletionRecord, error) {
	var c CompletionRecord
	if err := msgpack.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("failed to decode completion record: %w", err)
	}
	return c, nil
}
