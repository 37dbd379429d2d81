// Package team keeps the pool of collective teams a DPU participates in and
// translates between team-local indices and world ranks.
package team

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Mellanox/ucc/internal/fabric"
	"github.com/Mellanox/ucc/internal/protocol"
)

// Team is one pool slot.
type Team struct {
	ID     uint16
	Handle fabric.Team
	// DPURanks holds the DPU world rank of each member in team order.
	DPURanks []int
	// HostRanks holds the host world rank of each host in the team. It is
	// nil for the world team, where host and team indices coincide.
	HostRanks []int
	MyIndex   int

	rails map[int]fabric.Team
}

// Size is the number of DPUs in the team.
func (t *Team) Size() int { return len(t.DPURanks) }

// Rail returns the sub-team of members on the given rail, or the team
// itself when each host has a single DPU.
func (t *Team) Rail(rail int) fabric.Team {
	if rt, ok := t.rails[rail]; ok {
		return rt
	}
	return t.Handle
}

// Registry is the fixed-capacity team pool.
type Registry struct {
	rt        fabric.Runtime
	worldRank int
	worldSize int

	mu   sync.RWMutex
	pool [protocol.TeamPoolSize]*Team
}

// NewRegistry creates an empty pool.
func NewRegistry(rt fabric.Runtime, worldRank, worldSize int) *Registry {
	return &Registry{rt: rt, worldRank: worldRank, worldSize: worldSize}
}

// CreateWorld creates the team of every DPU in the job and installs it in
// the world slot.
func (r *Registry) CreateWorld() (*Team, error) {
	ranks := make([]int, r.worldSize)
	for i := range ranks {
		ranks[i] = i
	}
	handle, err := r.createHandle(ranks, r.worldRank)
	if err != nil {
		return nil, fmt.Errorf("failed to create world team: %w", err)
	}
	t := &Team{
		ID:       protocol.WorldTeamID,
		Handle:   handle,
		DPURanks: ranks,
		MyIndex:  r.worldRank,
	}

	r.mu.Lock()
	r.pool[protocol.WorldTeamID] = t
	r.mu.Unlock()
	log.Debug().Int("size", r.worldSize).Msg("Created world team")
	return t, nil
}

// ExpandRanks derives the DPU world ranks of a team from its host ranks:
// each host contributes one DPU per rail.
func ExpandRanks(hostRanks []uint32, dpuPerNode int) []int {
	ranks := make([]int, 0, len(hostRanks)*dpuPerNode)
	for _, h := range hostRanks {
		for rail := 0; rail < dpuPerNode; rail++ {
			ranks = append(ranks, int(h)*dpuPerNode+rail)
		}
	}
	return ranks
}

// Create builds the team described by a team create record and stores it in
// the record's slot.
func (r *Registry) Create(rec *protocol.SyncRecord) (uint16, error) {
	id := rec.TeamID
	if id == protocol.WorldTeamID || int(id) >= protocol.TeamPoolSize {
		fabric.Fatalf("cannot create team in slot %d", id)
	}
	r.mu.RLock()
	occupied := r.pool[id] != nil
	r.mu.RUnlock()
	if occupied {
		fabric.Fatalf("team slot %d is already in use", id)
	}

	dpn := int(rec.DPUPerNodeCnt)
	dpuRanks := ExpandRanks(rec.RankList, dpn)
	myIndex := -1
	for i, rank := range dpuRanks {
		if rank == r.worldRank {
			myIndex = i
			break
		}
	}
	if myIndex < 0 {
		fabric.Fatalf("world rank %d is not a member of team %d %v", r.worldRank, id, dpuRanks)
	}
	for _, rank := range dpuRanks {
		if rank >= r.worldSize {
			fabric.Fatalf("team %d member %d outside world of size %d", id, rank, r.worldSize)
		}
	}

	handle, err := r.createHandle(dpuRanks, myIndex)
	if err != nil {
		return 0, fmt.Errorf("failed to create team %d: %w", id, err)
	}

	hostRanks := make([]int, len(rec.RankList))
	for i, h := range rec.RankList {
		hostRanks[i] = int(h)
	}
	t := &Team{
		ID:        id,
		Handle:    handle,
		DPURanks:  dpuRanks,
		HostRanks: hostRanks,
		MyIndex:   myIndex,
	}
	if dpn > 1 {
		if err := r.createRailTeam(t, int(rec.Rail), dpn); err != nil {
			handle.Destroy()
			return 0, err
		}
	}

	r.mu.Lock()
	r.pool[id] = t
	r.mu.Unlock()

	log.Info().
		Uint16("team_id", id).
		Int("size", t.Size()).
		Int("host_size", len(hostRanks)).
		Int("my_index", myIndex).
		Msg("Created team")
	return id, nil
}

// EnsureRail creates the rail sub-team of an existing team if it does not
// exist yet. Every DPU on the rail must call it at the same point.
func (r *Registry) EnsureRail(id uint16, rail, dpuPerNode int) error {
	if dpuPerNode <= 1 {
		return nil
	}
	t := r.Get(id)
	if _, ok := t.rails[rail]; ok {
		return nil
	}
	return r.createRailTeam(t, rail, dpuPerNode)
}

func (r *Registry) createRailTeam(t *Team, rail, dpuPerNode int) error {
	if r.worldRank%dpuPerNode != rail {
		fabric.Fatalf("world rank %d does not serve rail %d of %d", r.worldRank, rail, dpuPerNode)
	}
	var members []int
	myIndex := -1
	for _, rank := range t.DPURanks {
		if rank%dpuPerNode != rail {
			continue
		}
		if rank == r.worldRank {
			myIndex = len(members)
		}
		members = append(members, rank)
	}
	handle, err := r.createHandle(members, myIndex)
	if err != nil {
		return fmt.Errorf("failed to create rail %d team of team %d: %w", rail, t.ID, err)
	}
	if t.rails == nil {
		t.rails = make(map[int]fabric.Team)
	}
	t.rails[rail] = handle
	log.Debug().Uint16("team_id", t.ID).Int("rail", rail).Int("size", len(members)).Msg("Created rail team")
	return nil
}

// createHandle posts team creation and polls it to completion.
func (r *Registry) createHandle(ranks []int, myIndex int) (fabric.Team, error) {
	handle, err := r.rt.CreateTeam(fabric.TeamParams{EPs: ranks, MyIndex: myIndex})
	if err != nil {
		return nil, fmt.Errorf("team create post: %w", err)
	}
	var testErr error
	fabric.Spin(func() bool {
		r.rt.Progress()
		testErr = handle.CreateTest()
		return !errors.Is(testErr, fabric.ErrInProgress)
	})
	if testErr != nil {
		return nil, fmt.Errorf("team create test: %w", testErr)
	}
	return handle, nil
}

// Destroy tears down a created team and frees its slot. Destroying the
// world team or a free slot is fatal.
func (r *Registry) Destroy(id uint16) error {
	if id == protocol.WorldTeamID {
		fabric.Fatalf("the world team cannot be destroyed by id")
	}
	t := r.Get(id)

	r.mu.Lock()
	r.pool[id] = nil
	r.mu.Unlock()

	var errs []error
	for rail, h := range t.rails {
		if err := h.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("rail %d: %w", rail, err))
		}
	}
	if err := t.Handle.Destroy(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to destroy team %d: %w", id, err)
	}
	log.Info().Uint16("team_id", id).Msg("Destroyed team")
	return nil
}

// Get returns the team in slot id. An unknown id is fatal.
func (r *Registry) Get(id uint16) *Team {
	if int(id) >= protocol.TeamPoolSize {
		fabric.Fatalf("team id %d outside pool of %d", id, protocol.TeamPoolSize)
	}
	r.mu.RLock()
	t := r.pool[id]
	r.mu.RUnlock()
	if t == nil {
		fabric.Fatalf("team %d does not exist", id)
	}
	return t
}

// Lookup is Get without the fatal check.
func (r *Registry) Lookup(id uint16) (*Team, bool) {
	if int(id) >= protocol.TeamPoolSize {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t := r.pool[id]
	return t, t != nil
}

// ResolveRank maps a team index to the member's DPU world rank.
func (r *Registry) ResolveRank(id uint16, index int) int {
	if id == protocol.WorldTeamID {
		return index
	}
	t := r.Get(id)
	if index < 0 || index >= len(t.DPURanks) {
		fabric.Fatalf("index %d outside team %d of size %d", index, id, len(t.DPURanks))
	}
	return t.DPURanks[index]
}

// ResolveHostRank maps a host index within a team to the world rank of the
// first DPU serving that host.
func (r *Registry) ResolveHostRank(id uint16, hostIndex, dpuPerNode int) int {
	world := hostIndex
	if id != protocol.WorldTeamID {
		t := r.Get(id)
		if hostIndex < 0 || hostIndex >= len(t.HostRanks) {
			fabric.Fatalf("host index %d outside team %d of %d hosts", hostIndex, id, len(t.HostRanks))
		}
		world = t.HostRanks[hostIndex]
	}
	return world * dpuPerNode
}

// Close destroys every remaining team, the world team included.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, t := range r.pool {
		if t == nil {
			continue
		}
		for _, h := range t.rails {
			errs = append(errs, h.Destroy())
		}
		errs = append(errs, t.Handle.Destroy())
		r.pool[id] = nil
	}
	return errors.Join(errs...)
}
