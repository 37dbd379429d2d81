package protocol

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mellanox/ucc/internal/fabric"
)

func TestBootstrapHandshake(t *testing.T) {
	dpuConn, hostConn := net.Pipe()
	defer dpuConn.Close()
	defer hostConn.Close()

	want := JobInfo{
		HostAddr:   []byte("host-worker"),
		BufferSize: 4096,
		NumBuffers: 4,
		WorldRank:  2,
		WorldSize:  4,
	}

	type result struct {
		addr []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		addr, err := DialBootstrap(hostConn, want)
		done <- result{addr, err}
	}()

	got, err := ServeBootstrap(dpuConn, []byte("dpu-worker"))
	require.NoError(t, err)
	assert.Equal(t, want, *got)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, []byte("dpu-worker"), res.addr)
}

func TestBootstrapRejectsBadPlacement(t *testing.T) {
	var in bytes.Buffer
	binary.Write(&in, binary.LittleEndian, uint64(4))
	in.WriteString("host")
	for _, v := range []any{uint64(1024), uint64(2), uint32(5), uint32(4)} {
		binary.Write(&in, binary.LittleEndian, v)
	}
	conn := &loopback{r: &in}
	_, err := ServeBootstrap(conn, []byte("dpu"))
	assert.ErrorContains(t, err, "world rank 5 outside world of size 4")

	// The DPU address goes out first, length-prefixed.
	assert.Equal(t, uint64(3), binary.LittleEndian.Uint64(conn.w.Bytes()[:8]))
	assert.Equal(t, "dpu", conn.w.String()[8:])
}

func TestBootstrapRejectsTruncatedInput(t *testing.T) {
	var in bytes.Buffer
	binary.Write(&in, binary.LittleEndian, uint64(4))
	in.WriteString("ho")
	_, err := ServeBootstrap(&loopback{r: &in}, []byte("dpu"))
	assert.Error(t, err)
}

type loopback struct {
	r *bytes.Buffer
	w bytes.Buffer
}

func (l *loopback) Read(p []byte) (int, error)  { return l.r.Read(p) }
func (l *loopback) Write(p []byte) (int, error) { return l.w.Write(p) }

func TestSyncRecordWire(t *testing.T) {
	rec := &SyncRecord{
		CollID:        7,
		CollType:      fabric.CollAlltoallV,
		TeamID:        3,
		DPUPerNodeCnt: 1,
		SrcV:          VarArgs{Counts: []uint64{1, 2}, Displs: []uint64{0, 1}, Datatype: fabric.DtInt32},
		DstV:          VarArgs{Counts: []uint64{2, 1}, Displs: []uint64{0, 2}, Datatype: fabric.DtInt32},
		Src:           MemDesc{Addr: 0x1000, Key: []byte{1}, Len: 12},
		Dst:           MemDesc{Addr: 0x2000, Key: []byte{2}, Len: 12},
	}
	b, err := rec.Encode()
	require.NoError(t, err)
	got, err := DecodeSyncRecord(b)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	assert.NoError(t, got.Validate())

	_, err = DecodeSyncRecord([]byte{0xc1})
	assert.Error(t, err)
}

func TestSyncRecordValidate(t *testing.T) {
	tests := []struct {
		name    string
		rec     SyncRecord
		wantErr string
	}{
		{"team id outside pool", SyncRecord{TeamID: TeamPoolSize, DPUPerNodeCnt: 1}, "outside pool"},
		{"zero dpus per node", SyncRecord{TeamID: 1}, "dpu_per_node_cnt is zero"},
		{"rail out of range", SyncRecord{TeamID: 1, DPUPerNodeCnt: 2, Rail: 2}, "rail 2 outside"},
		{"create without ranks", SyncRecord{TeamID: 2, DPUPerNodeCnt: 1, CollType: fabric.CollLast, CreateNewTeam: true}, "empty rank list"},
		{"allreduce without keys", SyncRecord{TeamID: 1, DPUPerNodeCnt: 1, CollType: fabric.CollAllreduce}, "missing a memory key"},
		{"hangup", SyncRecord{TeamID: WorldTeamID, DPUPerNodeCnt: 1, CollType: fabric.CollLast}, ""},
		{"barrier", SyncRecord{TeamID: 1, DPUPerNodeCnt: 1, CollType: fabric.CollBarrier}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestReadyRecord(t *testing.T) {
	b, err := ReadyRecord().Encode()
	require.NoError(t, err)
	got, err := DecodeCompletionRecord(b)
	require.NoError(t, err)
	assert.True(t, got.IsReady())
	assert.Equal(t, int64(-1), got.CountServiced)

	assert.False(t, CompletionRecord{CollID: 1, CountServiced: 1024}.IsReady())
}
