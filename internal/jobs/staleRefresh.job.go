package jobs

import (
	"context"
	"errors"
	"time"

	"catalogsync/internal/models"
	"catalogsync/internal/services"
	"catalogsync/internal/types"

	logger "github.com/Bparsons0904/goLogger"
)

const (
	STALE_MAX_AGE       = 7 * 24 * time.Hour
	STALE_REFRESH_LIMIT = 500
)

type StaleRefresher interface {
	RefreshStale(
		ctx context.Context,
		finder services.StaleKeyFinder,
		kind models.EntityKind,
		maxAge time.Duration,
		limit int,
	) (types.SyncSummary, error)
}

// StaleRefreshJob refetches the oldest stored artists, albums and tracks so
// names and artwork do not drift from the catalog.
type StaleRefreshJob struct {
	sync     StaleRefresher
	finder   services.StaleKeyFinder
	log      logger.Logger
	schedule services.Schedule
}

func NewStaleRefreshJob(
	sync StaleRefresher,
	finder services.StaleKeyFinder,
	schedule services.Schedule,
) *StaleRefreshJob {
	return &StaleRefreshJob{
		sync:     sync,
		finder:   finder,
		log:      logger.New("staleRefreshJob"),
		schedule: schedule,
	}
}

func (j *StaleRefreshJob) Name() string {
	return "StaleRefresh"
}

func (j *StaleRefreshJob) Execute(ctx context.Context) error {
	log := j.log.Function("Execute")

	var errs []error
	for _, kind := range []models.EntityKind{models.KindArtist, models.KindAlbum, models.KindTrack} {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		summary, err := j.sync.RefreshStale(ctx, j.finder, kind, STALE_MAX_AGE, STALE_REFRESH_LIMIT)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		log.Info("Refreshed stale entities", "kind", kind, "existing", summary.Existing, "updated", summary.Updated)
	}

	if err := errors.Join(errs...); err != nil {
		return log.Err("stale refresh incomplete", err, "failed", len(errs))
	}
	return nil
}

func (j *StaleRefreshJob) Schedule() services.Schedule {
	return j.schedule
}
