package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Mellanox/ucc/internal/fabric"
)

// Runtime is the collective runtime of one simulated DPU.
type Runtime struct {
	net       *Network
	worldRank int
	worldSize int

	mu      sync.Mutex
	created map[string]int
	closed  bool
}

// CreateTeam joins the team identified by its member list. Creating the same
// member list again after a destroy yields a new, independent team.
func (r *Runtime) CreateTeam(params fabric.TeamParams) (fabric.Team, error) {
	size := len(params.EPs)
	if size == 0 {
		return nil, errors.New("team has no members")
	}
	if params.MyIndex < 0 || params.MyIndex >= size {
		return nil, fmt.Errorf("team index %d out of range for size %d", params.MyIndex, size)
	}
	if params.EPs[params.MyIndex] != r.worldRank {
		return nil, fmt.Errorf("team member %d is world rank %d, not %d",
			params.MyIndex, params.EPs[params.MyIndex], r.worldRank)
	}
	for _, ep := range params.EPs {
		if ep < 0 || ep >= r.worldSize {
			return nil, fmt.Errorf("team member %d outside world of size %d", ep, r.worldSize)
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fabric.ErrClosed
	}
	members := fmt.Sprint(params.EPs)
	occurrence := r.created[members]
	r.created[members]++
	r.mu.Unlock()

	key := fmt.Sprintf("%s#%d", members, occurrence)
	state := r.net.joinTeam(key, size, params.MyIndex)
	return &Team{state: state, rank: params.MyIndex, size: size}, nil
}

// Progress is a no-op; simulated collectives complete when the last member
// posts.
func (r *Runtime) Progress() {}

func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// teamState is shared by all members of one team.
type teamState struct {
	net  *Network
	key  string
	size int

	mu        sync.Mutex
	joined    int
	destroyed int
	colls     map[fabric.Tag]*collState
}

type collState struct {
	args     []*fabric.CollArgs
	posted   int
	released int
	done     bool
	err      error
}

func (n *Network) joinTeam(key string, size, rank int) *teamState {
	n.mu.Lock()
	state, ok := n.teams[key]
	if !ok {
		state = &teamState{
			net:   n,
			key:   key,
			size:  size,
			colls: make(map[fabric.Tag]*collState),
		}
		n.teams[key] = state
	}
	n.mu.Unlock()

	state.mu.Lock()
	state.joined++
	state.mu.Unlock()
	return state
}

func (n *Network) dropTeam(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.teams, key)
}

// Team is one member's view of a simulated team.
type Team struct {
	state     *teamState
	rank      int
	size      int
	destroyed bool
}

func (t *Team) Size() int { return t.size }
func (t *Team) Rank() int { return t.rank }

func (t *Team) CreateTest() error {
	t.state.mu.Lock()
	defer t.state.mu.Unlock()
	if t.state.joined < t.size {
		return fabric.ErrInProgress
	}
	return nil
}

// Post contributes this member's part of a collective. The collective runs
// when the last member posts a matching tag.
func (t *Team) Post(args fabric.CollArgs) (fabric.Request, error) {
	if t.destroyed {
		return nil, fabric.ErrClosed
	}
	switch args.Type {
	case fabric.CollAllgather, fabric.CollAllreduce, fabric.CollBarrier:
	default:
		return nil, fmt.Errorf("%w: %s", fabric.ErrUnsupported, args.Type)
	}

	s := t.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.joined < s.size {
		return nil, errors.New("team creation has not completed")
	}
	cs, ok := s.colls[args.Tag]
	if !ok {
		cs = &collState{args: make([]*fabric.CollArgs, s.size)}
		s.colls[args.Tag] = cs
	}
	if cs.args[t.rank] != nil {
		return nil, fmt.Errorf("collective %s already posted by rank %d", args.Tag, t.rank)
	}
	posted := args
	cs.args[t.rank] = &posted
	cs.posted++
	if cs.posted == s.size {
		cs.err = runCollective(cs.args)
		cs.done = true
	}
	return &collRequest{state: s, tag: args.Tag, coll: cs}, nil
}

func (t *Team) Destroy() error {
	if t.destroyed {
		return errors.New("team already destroyed")
	}
	t.destroyed = true

	s := t.state
	s.mu.Lock()
	s.destroyed++
	last := s.destroyed == s.size
	s.mu.Unlock()
	if last {
		s.net.dropTeam(s.key)
	}
	return nil
}

type collRequest struct {
	state    *teamState
	tag      fabric.Tag
	coll     *collState
	released bool
}

func (r *collRequest) Test() error {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	if !r.coll.done {
		return fabric.ErrInProgress
	}
	return r.coll.err
}

func (r *collRequest) Release() {
	if r.released {
		return
	}
	r.released = true

	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()
	r.coll.released++
	if r.coll.released == s.size {
		delete(s.colls, r.tag)
	}
}

// runCollective computes a collective once every member has posted. It runs
// with the team lock held, so it may write every member's destination.
func runCollective(args []*fabric.CollArgs) error {
	first := args[0]
	for rank, a := range args {
		if a.Type != first.Type {
			return fmt.Errorf("rank %d posted %s, rank 0 posted %s", rank, a.Type, first.Type)
		}
	}

	switch first.Type {
	case fabric.CollBarrier:
		return nil

	case fabric.CollAllgather:
		block := len(first.Src)
		for rank, a := range args {
			if len(a.Src) != block {
				return fmt.Errorf("allgather rank %d contributes %d bytes, rank 0 %d", rank, len(a.Src), block)
			}
			if len(a.Dst) < block*len(args) {
				return fmt.Errorf("allgather rank %d destination too small: %d < %d", rank, len(a.Dst), block*len(args))
			}
		}
		for _, dst := range args {
			for src, a := range args {
				copy(dst.Dst[src*block:(src+1)*block], a.Src)
			}
		}
		return nil

	case fabric.CollAllreduce:
		dtSize := first.Datatype.Size()
		if dtSize == 0 {
			return fmt.Errorf("%w: datatype %s", fabric.ErrUnsupported, first.Datatype)
		}
		nbytes := first.Count * dtSize
		for rank, a := range args {
			if a.Count != first.Count || a.Datatype != first.Datatype || a.Op != first.Op {
				return fmt.Errorf("allreduce rank %d args (%d %s %s) differ from rank 0 (%d %s %s)",
					rank, a.Count, a.Datatype, a.Op, first.Count, first.Datatype, first.Op)
			}
			if len(a.Src) < nbytes || len(a.Dst) < nbytes {
				return fmt.Errorf("allreduce rank %d buffers shorter than %d bytes", rank, nbytes)
			}
		}
		acc := make([]byte, nbytes)
		copy(acc, first.Src[:nbytes])
		for _, a := range args[1:] {
			if err := Reduce(first.Datatype, first.Op, acc, a.Src[:nbytes]); err != nil {
				return err
			}
		}
		for _, a := range args {
			copy(a.Dst[:nbytes], acc)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", fabric.ErrUnsupported, first.Type)
}
