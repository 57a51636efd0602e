package jobs

import (
	"time"

	"catalogsync/config"
	"catalogsync/internal/services"

	logger "github.com/Bparsons0904/goLogger"
)

const STALE_REFRESH_AT = "03:00"

func RegisterAllJobs(
	schedulerService *services.SchedulerService,
	config config.Config,
	service services.Service,
) error {
	log := logger.New("jobs").Function("RegisterAllJobs")

	if !config.SchedulerEnabled {
		log.Info("Scheduler disabled, skipping job registration")
		return nil
	}

	interval := time.Duration(config.SyncIntervalMinutes) * time.Minute
	heavyRotationJob := NewHeavyRotationSyncJob(service.Sync, services.EveryInterval(interval))
	if err := schedulerService.AddJob(heavyRotationJob); err != nil {
		return log.Err("failed to register heavy rotation sync job", err)
	}

	staleRefreshJob := NewStaleRefreshJob(service.Sync, service.Source, services.DailyAt(STALE_REFRESH_AT))
	if err := schedulerService.AddJob(staleRefreshJob); err != nil {
		return log.Err("failed to register stale refresh job", err)
	}

	log.Info("Registered jobs", "count", schedulerService.GetJobCount())
	return nil
}
