// Package jobs hosts the recurring pipelines and the uniform runner that
// executes them with structured metrics and idempotent persistence.
package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/rs/zerolog"
)

// Stats are the counters a job accumulates while running.
type Stats struct {
	Processed int
	Created   int
	Updated   int
	Skipped   int
}

// Job is one runnable pipeline.
type Job interface {
	Name() string
	Run(ctx context.Context, stats *Stats) error
}

// Runner executes jobs under a per-name single-flight guard and records a
// job_runs row for every execution. At most one instance of a given named
// job runs at a time; an overlapping trigger is skipped, not queued.
type Runner struct {
	db  *sql.DB
	log zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
	jobs     map[string]Job
}

// NewRunner creates a job runner.
func NewRunner(db *sql.DB, log zerolog.Logger) *Runner {
	return &Runner{
		db:       db,
		log:      log.With().Str("component", "job_runner").Logger(),
		inFlight: make(map[string]bool),
		jobs:     make(map[string]Job),
	}
}

// Register makes a job available for scheduled and manual invocation.
func (r *Runner) Register(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.Name()] = job
}

// Names returns the registered job names, sorted.
func (r *Runner) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunByName runs a registered job immediately. Unknown names are NotFound.
func (r *Runner) RunByName(ctx context.Context, name string) (domain.JobReport, error) {
	r.mu.Lock()
	job, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return domain.JobReport{}, domain.NotFoundf("job %s not found", name)
	}
	return r.Run(ctx, job)
}

// Run executes one job, records its report, and returns it. Job-internal
// item failures are the job's to isolate; an error returned here means the
// run as a whole failed and is recorded as such.
func (r *Runner) Run(ctx context.Context, job Job) (domain.JobReport, error) {
	name := job.Name()

	r.mu.Lock()
	if r.inFlight[name] {
		r.mu.Unlock()
		return domain.JobReport{}, domain.Ef(domain.KindResourceExhausted, "job %s is already running", name)
	}
	r.inFlight[name] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inFlight, name)
		r.mu.Unlock()
	}()

	started := time.Now().UTC()
	stats := &Stats{}
	runErr := job.Run(ctx, stats)
	completed := time.Now().UTC()

	report := domain.JobReport{
		Name:           name,
		StartedAt:      started,
		CompletedAt:    completed,
		DurationMS:     completed.Sub(started).Milliseconds(),
		ItemsProcessed: stats.Processed,
		ItemsCreated:   stats.Created,
		ItemsUpdated:   stats.Updated,
		ItemsSkipped:   stats.Skipped,
	}
	if runErr != nil {
		report.Error = runErr.Error()
	}

	if err := r.record(ctx, report); err != nil {
		r.log.Error().Err(err).Str("job", name).Msg("Failed to record job run")
	}

	event := r.log.Info()
	if runErr != nil {
		event = r.log.Error().Err(runErr)
	}
	event.
		Str("job", name).
		Int64("duration_ms", report.DurationMS).
		Int("processed", stats.Processed).
		Int("created", stats.Created).
		Int("updated", stats.Updated).
		Int("skipped", stats.Skipped).
		Msg("Job finished")

	return report, runErr
}

func (r *Runner) record(ctx context.Context, report domain.JobReport) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO job_runs (name, started_at, completed_at, duration_ms, items_processed, items_created, items_updated, items_skipped, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, report.Name, report.StartedAt.Unix(), report.CompletedAt.Unix(), report.DurationMS,
		report.ItemsProcessed, report.ItemsCreated, report.ItemsUpdated, report.ItemsSkipped, report.Error)
	if err != nil {
		return fmt.Errorf("failed to insert job run: %w", err)
	}
	return nil
}

// History returns the most recent runs of one job, newest first.
func (r *Runner) History(ctx context.Context, name string, limit int) ([]domain.JobReport, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, started_at, completed_at, duration_ms, items_processed, items_created, items_updated, items_skipped, error
		FROM job_runs WHERE name = ? ORDER BY started_at DESC LIMIT ?
	`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job runs: %w", err)
	}
	defer rows.Close()

	var reports []domain.JobReport
	for rows.Next() {
		var report domain.JobReport
		var started, completed int64
		err := rows.Scan(&report.Name, &started, &completed, &report.DurationMS,
			&report.ItemsProcessed, &report.ItemsCreated, &report.ItemsUpdated,
			&report.ItemsSkipped, &report.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		report.StartedAt = time.Unix(started, 0).UTC()
		report.CompletedAt = time.Unix(completed, 0).UTC()
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job runs: %w", err)
	}
	return reports, nil
}
