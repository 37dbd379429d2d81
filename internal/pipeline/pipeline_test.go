package pipeline

import (
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mellanox/ucc/internal/fabric"
)

// delayedRequest completes after a fixed number of Test calls.
type delayedRequest struct {
	polls    int
	released bool
}

func (r *delayedRequest) Test() error {
	if r.polls > 0 {
		r.polls--
		return fabric.ErrInProgress
	}
	return nil
}

func (r *delayedRequest) Release() { r.released = true }

type chunk struct{ offset, count uint64 }

// fakeDriver doubles every element it reduces and records what was put.
type fakeDriver struct {
	host      []byte
	delay     int
	noResFor  int
	gets      []chunk
	puts      []chunk
	reduceSeq []uint64
	progress  int
	requests  []*delayedRequest
}

func (d *fakeDriver) request() *delayedRequest {
	r := &delayedRequest{polls: d.delay}
	d.requests = append(d.requests, r)
	return r
}

func (d *fakeDriver) IssueGet(buf *Buffer, data []byte) (fabric.Request, error) {
	if d.noResFor > 0 {
		d.noResFor--
		return nil, fabric.ErrNoResource
	}
	d.gets = append(d.gets, chunk{buf.Offset, buf.Count})
	copy(data, d.host[buf.Offset:])
	return d.request(), nil
}

func (d *fakeDriver) IssueReduce(buf *Buffer, data []byte) (fabric.Request, error) {
	d.reduceSeq = append(d.reduceSeq, buf.Seq)
	for i := range data {
		data[i] *= 2
	}
	return d.request(), nil
}

func (d *fakeDriver) IssuePut(buf *Buffer, data []byte) (fabric.Request, error) {
	d.puts = append(d.puts, chunk{buf.Offset, buf.Count})
	copy(d.host[buf.Offset:], data)
	return d.request(), nil
}

func (d *fakeDriver) Progress() { d.progress++ }

func newHost(n int) []byte {
	host := make([]byte, n)
	for i := range host {
		host[i] = byte(i % 100)
	}
	return host
}

func newPipeline(t *testing.T, numBuffers, bufferSize int) *Pipeline {
	t.Helper()
	p, err := New(make([]byte, numBuffers*bufferSize), numBuffers, bufferSize)
	require.NoError(t, err)
	return p
}

// assertPartition checks that chunks exactly cover [offset, offset+count).
func assertPartition(t *testing.T, chunks []chunk, offset, count uint64) {
	t.Helper()
	sorted := append([]chunk(nil), chunks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].offset < sorted[j].offset })
	next := offset
	for _, c := range sorted {
		require.Equal(t, next, c.offset, "chunks must be contiguous and disjoint")
		require.Positive(t, c.count)
		next += c.count
	}
	assert.Equal(t, offset+count, next)
}

func TestPipelineServicesWholeRange(t *testing.T) {
	tests := []struct {
		name       string
		numBuffers int
		bufferSize int
		offset     uint64
		count      uint64
		delay      int
	}{
		{"single buffer", 1, 16, 0, 100, 0},
		{"many buffers with latency", 4, 16, 10, 250, 3},
		{"range smaller than a buffer", 3, 64, 5, 7, 1},
		{"exact multiple", 2, 10, 0, 40, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDriver{host: newHost(512), delay: tt.delay}
			want := append([]byte(nil), d.host...)
			for i := tt.offset; i < tt.offset+tt.count; i++ {
				want[i] *= 2
			}

			p := newPipeline(t, tt.numBuffers, tt.bufferSize)
			p.Start(tt.offset, tt.count, 1)
			p.Run(d)

			assert.Equal(t, tt.count, p.CountServiced)
			assert.Equal(t, tt.count, p.CountRequested)
			assertPartition(t, d.gets, tt.offset, tt.count)
			assertPartition(t, d.puts, tt.offset, tt.count)
			assert.Equal(t, want, d.host)
			for _, r := range d.requests {
				assert.True(t, r.released)
			}
			for i := 0; i < p.NumBuffers(); i++ {
				assert.Equal(t, Free, p.Buffer(i).State)
			}
		})
	}
}

func TestPipelineChunkSequence(t *testing.T) {
	d := &fakeDriver{host: newHost(128)}
	p := newPipeline(t, 3, 8)
	p.Start(0, 64, 1)
	p.Run(d)

	seqs := append([]uint64(nil), d.reduceSeq...)
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, s := range seqs {
		assert.Equal(t, uint64(i), s)
	}
	assert.Len(t, seqs, 8)
}

func TestPipelineMultiByteElements(t *testing.T) {
	d := &fakeDriver{host: newHost(64)}
	p := newPipeline(t, 2, 10) // 2 int32 elements per buffer, 2 bytes unused
	p.Start(0, 5, 4)
	p.Run(d)
	assert.Equal(t, uint64(5), p.CountServiced)
	for _, c := range d.gets {
		assert.LessOrEqual(t, c.count, uint64(2))
	}
}

func TestPipelineOneTransitionPerProgress(t *testing.T) {
	d := &fakeDriver{host: newHost(256)}
	p := newPipeline(t, 4, 8)
	p.Start(0, 200, 1)

	for !p.Done() {
		before := make([]State, p.NumBuffers())
		for i := range before {
			before[i] = p.Buffer(i).State
		}
		p.Progress(d)
		for i := range before {
			after := p.Buffer(i).State
			if after != before[i] {
				assert.Equal(t, (before[i]+1)%(Done+1), after, "buffer %d jumped stages", i)
			}
			if after == Free || after == Ready || after == Reduced || after == Done {
				assert.False(t, p.Buffer(i).Pending())
			}
		}
		assert.LessOrEqual(t, p.CountServiced, p.CountRequested)
		assert.LessOrEqual(t, p.CountRequested, p.MyCount)
	}
	assert.Zero(t, d.progress%4, "driver progresses before each buffer")
}

func TestPipelineRetriesOnNoResource(t *testing.T) {
	d := &fakeDriver{host: newHost(64), noResFor: 5}
	p := newPipeline(t, 2, 8)
	p.Start(0, 32, 1)
	p.Run(d)
	assert.Equal(t, uint64(32), p.CountServiced)
	assertPartition(t, d.gets, 0, 32)
}

func TestPipelineEmptyRange(t *testing.T) {
	d := &fakeDriver{host: newHost(8)}
	p := newPipeline(t, 2, 8)
	p.Start(0, 0, 4)
	assert.True(t, p.Done())
	p.Run(d)
	assert.Empty(t, d.gets)
}

func TestPipelineFatalOnIssueFailure(t *testing.T) {
	p := newPipeline(t, 1, 8)
	p.Start(0, 8, 1)
	assert.PanicsWithError(t, "integrity violation: failed to issue get on buffer 0: boom", func() {
		p.Progress(failingDriver{})
	})
}

type failingDriver struct{}

func (failingDriver) IssueGet(*Buffer, []byte) (fabric.Request, error) {
	return nil, errors.New("boom")
}
func (failingDriver) IssueReduce(*Buffer, []byte) (fabric.Request, error) { return nil, nil }
func (failingDriver) IssuePut(*Buffer, []byte) (fabric.Request, error)    { return nil, nil }
func (failingDriver) Progress()                                          {}

func TestPipelineReset(t *testing.T) {
	d := &fakeDriver{host: newHost(64), delay: 100}
	p := newPipeline(t, 2, 8)
	p.Start(0, 32, 1)
	p.Progress(d)
	require.True(t, p.Buffer(0).Pending())

	p.Reset()
	assert.Zero(t, p.MyCount)
	assert.Zero(t, p.CountRequested)
	assert.False(t, p.Buffer(0).Pending())
	assert.Equal(t, Free, p.Buffer(0).State)
	assert.True(t, d.requests[0].released)

	p.Start(4, 4, 1)
	assert.Equal(t, uint64(4), p.MyOffset)
}

func TestPipelineRejectsOversizedDatatype(t *testing.T) {
	p := newPipeline(t, 1, 4)
	assert.Panics(t, func() { p.Start(0, 1, 8) })
}
