package jobs

import (
	"context"

	"catalogsync/internal/services"
	"catalogsync/internal/types"

	logger "github.com/Bparsons0904/goLogger"
)

type HeavyRotationSyncer interface {
	SyncHeavyRotation(ctx context.Context) (types.SyncSummary, error)
}

type HeavyRotationSyncJob struct {
	sync     HeavyRotationSyncer
	log      logger.Logger
	schedule services.Schedule
}

func NewHeavyRotationSyncJob(sync HeavyRotationSyncer, schedule services.Schedule) *HeavyRotationSyncJob {
	log := logger.New("heavyRotationSyncJob")
	log.Info("Creating heavy rotation sync job", "schedule", schedule)

	return &HeavyRotationSyncJob{
		sync:     sync,
		log:      log,
		schedule: schedule,
	}
}

func (j *HeavyRotationSyncJob) Name() string {
	return "HeavyRotationSync"
}

func (j *HeavyRotationSyncJob) Execute(ctx context.Context) error {
	log := j.log.Function("Execute")

	summary, err := j.sync.SyncHeavyRotation(ctx)
	if err != nil {
		return log.Err("heavy rotation sync failed", err)
	}

	log.Info("Heavy rotation synced", "created", summary.Created, "updated", summary.Updated)
	return nil
}

func (j *HeavyRotationSyncJob) Schedule() services.Schedule {
	return j.schedule
}
