package jobs

import (
	"context"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/portfolios"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/snapshots"
	"github.com/rs/zerolog"
)

// EODSnapshotJob writes an end-of-day snapshot for every portfolio across
// all users. Per-portfolio failures are isolated; re-running on the same
// date updates the existing rows in place.
type EODSnapshotJob struct {
	portfolios *portfolios.Repository
	writer     *snapshots.Writer
	log        zerolog.Logger
	now        func() time.Time
}

// NewEODSnapshotJob creates the eod_snapshot job.
func NewEODSnapshotJob(portfolioRepo *portfolios.Repository, writer *snapshots.Writer, log zerolog.Logger) *EODSnapshotJob {
	return &EODSnapshotJob{
		portfolios: portfolioRepo,
		writer:     writer,
		log:        log.With().Str("job", "eod_snapshot").Logger(),
		now:        time.Now,
	}
}

// Name implements Job.
func (j *EODSnapshotJob) Name() string { return "eod_snapshot" }

// Run implements Job.
func (j *EODSnapshotJob) Run(ctx context.Context, stats *Stats) error {
	all, err := j.portfolios.ListAll(ctx)
	if err != nil {
		return err
	}

	date := j.now().UTC().Format("2006-01-02")
	for i := range all {
		portfolio := &all[i]
		stats.Processed++

		result, err := j.writer.Write(ctx, portfolio, date, domain.SnapshotKindEOD)
		if err != nil {
			j.log.Warn().Err(err).Str("portfolio", portfolio.ID).Msg("Snapshot failed")
			stats.Skipped++
			continue
		}
		if result.Created {
			stats.Created++
		} else {
			stats.Updated++
		}
	}
	return nil
}
