// Package summary accounts the collectives a DPU serviced during a job and
// persists a per-job summary.
package summary

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/Mellanox/ucc/internal/fabric"
)

// Counters counts serviced collectives per type. It is owned by the
// coordinator thread.
type Counters struct {
	byType   map[fabric.CollType]uint64
	elements uint64
	bytes    uint64
}

// NewCounters returns zeroed counters.
func NewCounters() *Counters {
	return &Counters{byType: make(map[fabric.CollType]uint64)}
}

// Add counts one collective of type ct that moved elements of dtSize bytes.
func (c *Counters) Add(ct fabric.CollType, elements uint64, dtSize int) {
	c.byType[ct]++
	c.elements += elements
	c.bytes += elements * uint64(dtSize)
}

// Count is the number of collectives of type ct.
func (c *Counters) Count(ct fabric.CollType) uint64 { return c.byType[ct] }

// Total is the number of collectives of all types.
func (c *Counters) Total() uint64 {
	var n uint64
	for _, v := range c.byType {
		n += v
	}
	return n
}

// Reset zeroes every counter.
func (c *Counters) Reset() {
	clear(c.byType)
	c.elements = 0
	c.bytes = 0
}

// Job is the summary of one job on one DPU.
type Job struct {
	ID        string
	JobNumber int
	WorldRank int
	WorldSize int
	Threads   int
	StartedAt time.Time
	Duration  time.Duration
	Counts    map[string]uint64
	Elements  uint64
	Bytes     uint64
}

// NewJob starts a summary for the jobNumber-th job of this server.
func NewJob(jobNumber, worldRank, worldSize, threads int) *Job {
	return &Job{
		ID:        uuid.NewString(),
		JobNumber: jobNumber,
		WorldRank: worldRank,
		WorldSize: worldSize,
		Threads:   threads,
		StartedAt: time.Now(),
		Counts:    make(map[string]uint64),
	}
}

// Finish copies the counters into the summary and resets them.
func (j *Job) Finish(c *Counters) {
	j.Duration = time.Since(j.StartedAt)
	for _, ct := range fabric.CollTypes() {
		if n := c.Count(ct); n > 0 {
			j.Counts[ct.String()] = n
		}
	}
	j.Elements = c.elements
	j.Bytes = c.bytes
	c.Reset()
}

// Total is the number of collectives in the summary.
func (j *Job) Total() uint64 {
	var n uint64
	for _, v := range j.Counts {
		n += v
	}
	return n
}

// String renders the summary the way it is printed at the end of a job.
func (j *Job) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "job %d (%s) rank %d/%d threads %d: %s collectives, %s elements, %s in %s",
		j.JobNumber, j.ID, j.WorldRank, j.WorldSize, j.Threads,
		humanize.Comma(int64(j.Total())), humanize.Comma(int64(j.Elements)),
		humanize.IBytes(j.Bytes), j.Duration.Round(time.Millisecond))
	for _, ct := range fabric.CollTypes() {
		if n, ok := j.Counts[ct.String()]; ok {
			fmt.Fprintf(&b, "\n  %-12s %s", ct.String(), humanize.Comma(int64(n)))
		}
	}
	return b.String()
}
