package summary

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rqlite/gorqlite"
	"github.com/rs/zerolog/log"
)

// Store persists job summaries in rqlite.
type Store struct {
	conn *gorqlite.Connection
}

// OpenStore connects to rqlite at dbURI and creates the schema.
func OpenStore(dbURI string) (*Store, error) {
	log.Info().Str("dbURI", dbURI).Msg("Initializing job summary store with rqlite")

	conn, err := gorqlite.Open(dbURI)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rqlite: %w", err)
	}
	s := &Store{conn: conn}
	if err := s.initializeSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initializeSchema() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS dpu_jobs (
		job_id TEXT PRIMARY KEY,
		job_number INTEGER NOT NULL,
		world_rank INTEGER NOT NULL,
		world_size INTEGER NOT NULL,
		threads INTEGER NOT NULL,
		started_at TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		collectives INTEGER NOT NULL,
		elements INTEGER NOT NULL,
		bytes INTEGER NOT NULL
	);
	`
	createCountsSQL := `
	CREATE TABLE IF NOT EXISTS dpu_job_counts (
		job_id TEXT NOT NULL,
		coll_type TEXT NOT NULL,
		count INTEGER NOT NULL,
		PRIMARY KEY (job_id, coll_type)
	);
	`
	createIndexSQL := `CREATE INDEX IF NOT EXISTS idx_dpu_jobs_started_at ON dpu_jobs (started_at);`

	if _, err := s.conn.WriteOne(createTableSQL); err != nil {
		return fmt.Errorf("failed to create dpu_jobs table: %w", err)
	}
	if _, err := s.conn.WriteOne(createCountsSQL); err != nil {
		return fmt.Errorf("failed to create dpu_job_counts table: %w", err)
	}
	if _, err := s.conn.WriteOne(createIndexSQL); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// Record stores one job summary and its per-type counts in one request.
func (s *Store) Record(ctx context.Context, j *Job) error {
	if _, err := s.conn.WriteParameterizedContext(ctx, recordStatements(j)); err != nil {
		return fmt.Errorf("failed to record job %s: %w", j.ID, err)
	}
	log.Debug().Str("job_id", j.ID).Int("types", len(j.Counts)).Msg("Recorded job summary")
	return nil
}

// recordStatements replaces the job row and its count rows. Count rows are
// ordered by collective type name.
func recordStatements(j *Job) []gorqlite.ParameterizedStatement {
	stmts := []gorqlite.ParameterizedStatement{
		{
			Query: `
	INSERT OR REPLACE INTO dpu_jobs
	(job_id, job_number, world_rank, world_size, threads, started_at, duration_ms, collectives, elements, bytes)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`,
			Arguments: []interface{}{
				j.ID,
				j.JobNumber,
				j.WorldRank,
				j.WorldSize,
				j.Threads,
				j.StartedAt.UTC().Format(time.RFC3339Nano),
				j.Duration.Milliseconds(),
				int64(j.Total()),
				int64(j.Elements),
				int64(j.Bytes),
			},
		},
		{
			Query:     `DELETE FROM dpu_job_counts WHERE job_id = ?;`,
			Arguments: []interface{}{j.ID},
		},
	}

	names := make([]string, 0, len(j.Counts))
	for name := range j.Counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		stmts = append(stmts, gorqlite.ParameterizedStatement{
			Query:     `INSERT INTO dpu_job_counts (job_id, coll_type, count) VALUES (?, ?, ?);`,
			Arguments: []interface{}{j.ID, name, int64(j.Counts[name])},
		})
	}
	return stmts
}

// Recent returns up to limit summaries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Job, error) {
	stmt := gorqlite.ParameterizedStatement{
		Query: `
	SELECT job_id, job_number, world_rank, world_size, threads, started_at, duration_ms, elements, bytes
	FROM dpu_jobs
	ORDER BY started_at DESC
	LIMIT ?;
	`,
		Arguments: []interface{}{limit},
	}
	result, err := s.conn.QueryOneParameterizedContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to query job summaries: %w", err)
	}

	var jobs []*Job
	for result.Next() {
		var (
			j                            Job
			startedAt                    string
			durationMs, elements, nbytes int64
		)
		if err := result.Scan(&j.ID, &j.JobNumber, &j.WorldRank, &j.WorldSize, &j.Threads,
			&startedAt, &durationMs, &elements, &nbytes); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if j.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("job %s has a bad start time: %w", j.ID, err)
		}
		j.Duration = time.Duration(durationMs) * time.Millisecond
		j.Elements = uint64(elements)
		j.Bytes = uint64(nbytes)
		jobs = append(jobs, &j)
	}
	for _, j := range jobs {
		if j.Counts, err = s.counts(ctx, j.ID); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (s *Store) counts(ctx context.Context, jobID string) (map[string]uint64, error) {
	result, err := s.conn.QueryOneParameterizedContext(ctx, gorqlite.ParameterizedStatement{
		Query:     `SELECT coll_type, count FROM dpu_job_counts WHERE job_id = ?;`,
		Arguments: []interface{}{jobID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query counts of job %s: %w", jobID, err)
	}
	counts := make(map[string]uint64)
	for result.Next() {
		var (
			name string
			n    int64
		)
		if err := result.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("failed to scan counts of job %s: %w", jobID, err)
		}
		counts[name] = uint64(n)
	}
	return counts, nil
}

// Close closes the connection.
func (s *Store) Close() error {
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}
