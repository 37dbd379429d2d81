package fabric

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countdownRequest struct {
	left     int
	err      error
	released bool
}

func (r *countdownRequest) Test() error {
	if r.left > 0 {
		return ErrInProgress
	}
	return r.err
}

func (r *countdownRequest) Release() { r.released = true }

type countdownEngine struct{ req *countdownRequest }

func (e countdownEngine) Progress() int {
	if e.req.left > 0 {
		e.req.left--
	}
	return 1
}

func TestWait(t *testing.T) {
	req := &countdownRequest{left: 200}
	require.NoError(t, Wait(req, countdownEngine{req}))
	assert.True(t, req.released)

	failing := &countdownRequest{left: 1, err: errors.New("boom")}
	assert.EqualError(t, Wait(failing, countdownEngine{failing}), "boom")
	assert.True(t, failing.released)

	assert.NoError(t, Wait(nil))
}

func TestFatalfPanicsWithIntegrityError(t *testing.T) {
	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(*IntegrityError)
		require.True(t, ok)
		assert.Equal(t, "integrity violation: coll_id 3 != 4", err.Error())
	}()
	Fatalf("coll_id %d != %d", 3, 4)
}

func TestDatatypeSizes(t *testing.T) {
	assert.Equal(t, 1, DtInt8.Size())
	assert.Equal(t, 2, DtBfloat16.Size())
	assert.Equal(t, 4, DtFloat32.Size())
	assert.Equal(t, 16, DtUint128.Size())
	assert.Equal(t, 0, Datatype(99).Size())

	dt, err := ParseDatatype("float16")
	require.NoError(t, err)
	assert.Equal(t, DtFloat16, dt)
	_, err = ParseDatatype("complex64")
	assert.Error(t, err)
}

func TestCollTypes(t *testing.T) {
	types := CollTypes()
	assert.Len(t, types, 17)
	assert.Equal(t, CollAllgather, types[0])
	assert.Equal(t, CollLast, types[len(types)-1])
	assert.Equal(t, "Allreduce", CollAllreduce.String())
	assert.Equal(t, "CollType(3)", CollType(3).String())
}

type namedProvider struct{ name string }

func (p namedProvider) Name() string                        { return p.name }
func (p namedProvider) NewWorker() (Worker, error)           { return nil, nil }
func (p namedProvider) NewRuntime(int, int) (Runtime, error) { return nil, nil }

func TestRegistry(t *testing.T) {
	Register(namedProvider{"registry-test"})
	p, err := Open("registry-test")
	require.NoError(t, err)
	assert.Equal(t, "registry-test", p.Name())

	assert.Panics(t, func() { Register(namedProvider{"registry-test"}) })
	_, err = Open("missing")
	assert.Error(t, err)
}
