package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/go-co-op/gocron"
)

type ScheduleKind int

const (
	ScheduleInterval ScheduleKind = iota
	ScheduleDaily
)

// Schedule says when a job runs: every Every, or once a day at At (UTC).
type Schedule struct {
	Kind  ScheduleKind
	Every time.Duration
	At    string
}

func EveryInterval(every time.Duration) Schedule {
	return Schedule{Kind: ScheduleInterval, Every: every}
}

func DailyAt(at string) Schedule {
	return Schedule{Kind: ScheduleDaily, At: at}
}

func (s Schedule) String() string {
	if s.Kind == ScheduleDaily {
		return "daily at " + s.At
	}
	return "every " + s.Every.String()
}

// Job represents a scheduled task that can be executed by the scheduler
type Job interface {
	Name() string
	Execute(ctx context.Context) error
	Schedule() Schedule
}

type SchedulerService struct {
	scheduler *gocron.Scheduler
	jobs      []Job
	log       logger.Logger
	started   bool
	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewSchedulerService() *SchedulerService {
	scheduler := gocron.NewScheduler(time.UTC)
	// a sync still running when its next tick fires is not started twice
	scheduler.SingletonModeAll()

	ctx, cancel := context.WithCancel(context.Background())

	return &SchedulerService{
		scheduler: scheduler,
		jobs:      make([]Job, 0),
		log:       logger.New("scheduler"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *SchedulerService) executeJob(ctx context.Context, job Job, log logger.Logger) {
	log.Info("Executing job", "job", job.Name())
	if err := job.Execute(ctx); err != nil {
		log.Er("Job execution failed", err, "job", job.Name())
		return
	}
	log.Info("Job execution completed", "job", job.Name())
}

// AddJob registers a job with the scheduler
func (s *SchedulerService) AddJob(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.log.Function("AddJob")

	schedule := job.Schedule()
	run := func() { s.executeJob(s.ctx, job, log) }

	var err error
	switch schedule.Kind {
	case ScheduleDaily:
		_, err = s.scheduler.Every(1).Day().At(schedule.At).Tag(job.Name()).Do(run)
	case ScheduleInterval:
		if schedule.Every <= 0 {
			return log.Errorf("interval must be positive", job.Name())
		}
		_, err = s.scheduler.Every(schedule.Every).WaitForSchedule().Tag(job.Name()).Do(run)
	default:
		err = fmt.Errorf("unknown schedule kind %d", schedule.Kind)
	}

	if err != nil {
		return log.Err("failed to register job with scheduler", err, "job", job.Name())
	}

	s.jobs = append(s.jobs, job)
	log.Info("Job registered", "job", job.Name(), "schedule", schedule)

	return nil
}

func (s *SchedulerService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.log.Function("Start")

	if s.started {
		log.Info("Scheduler already started")
		return nil
	}

	if len(s.jobs) == 0 {
		log.Info("No jobs registered, scheduler will not start")
		return nil
	}

	s.scheduler.StartAsync()
	s.started = true

	for _, job := range s.scheduler.Jobs() {
		log.Info("Job scheduled", "tags", job.Tags(), "nextRun", job.NextRun())
	}

	log.Info("Scheduler started", "jobCount", len(s.jobs))
	return nil
}

// Stop cancels running jobs and shuts the scheduler down.
func (s *SchedulerService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.log.Function("Stop")

	s.cancel()
	if !s.started {
		return nil
	}

	s.scheduler.Stop()
	s.started = false

	log.Info("Scheduler stopped")
	return nil
}

func (s *SchedulerService) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *SchedulerService) GetJobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// GetNextRunTime returns the earliest next run of any job while the scheduler
// is running.
func (s *SchedulerService) GetNextRunTime() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	var next *time.Time
	for _, job := range s.scheduler.Jobs() {
		run := job.NextRun()
		if next == nil || run.Before(*next) {
			next = &run
		}
	}
	return next
}

// TriggerJobByName runs a registered job now, in the background. The run is
// detached from ctx's cancellation but stops when the scheduler stops.
func (s *SchedulerService) TriggerJobByName(ctx context.Context, jobName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.log.Function("TriggerJobByName")

	var targetJob Job
	for _, job := range s.jobs {
		if job.Name() == jobName {
			targetJob = job
			break
		}
	}

	if targetJob == nil {
		return log.Errorf("job not found", jobName)
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(s.ctx, cancel)
	go func() {
		defer stop()
		defer cancel()
		s.executeJob(jobCtx, targetJob, log)
	}()

	return nil
}
