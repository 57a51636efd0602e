package services

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"catalogsync/internal/database"
	"catalogsync/internal/events"
	"catalogsync/internal/models"
	"catalogsync/internal/store"
	"catalogsync/internal/types"
	"catalogsync/internal/utils"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/valkey-io/valkey-go"
)

// SyncEventPublisher is the part of the event bus used to report sync runs.
type SyncEventPublisher interface {
	Publish(channel events.Channel, event events.Event) error
}

// SyncService runs background syncs in the sync view and pushes their results
// through the primary view into the database. Only one sync runs at a time;
// with a cache configured the lock is shared between processes.
type SyncService struct {
	set        *store.ContextSet
	reconciler *ReconcilerService
	cache      valkey.Client
	eventBus   SyncEventPublisher
	running    atomic.Bool
	now        func() time.Time
	log        logger.Logger
}

type syncOutcome struct {
	existing int
	created  int
	result   store.PropagateResult
	err      error
}

type startSync func(view *store.View, completion ReconcileCompletion) *ReconcileRequest

func NewSyncService(
	set *store.ContextSet,
	reconciler *ReconcilerService,
	cache valkey.Client,
	eventBus SyncEventPublisher,
) *SyncService {
	return &SyncService{
		set:        set,
		reconciler: reconciler,
		cache:      cache,
		eventBus:   eventBus,
		now:        utils.Now,
		log:        logger.New("syncService"),
	}
}

// SyncHeavyRotation upserts the catalog's heavy rotation list.
func (s *SyncService) SyncHeavyRotation(ctx context.Context) (types.SyncSummary, error) {
	return s.execute(ctx, types.SyncTypeHeavyRotation, func(view *store.View, completion ReconcileCompletion) *ReconcileRequest {
		return s.reconciler.ReconcileHeavyRotation(ctx, view, completion)
	})
}

// RefreshKeys refetches keys and overwrites the stored entities with the
// catalog's current data.
func (s *SyncService) RefreshKeys(ctx context.Context, keys []string) (types.SyncSummary, error) {
	return s.execute(ctx, types.SyncTypeRefresh, func(view *store.View, completion ReconcileCompletion) *ReconcileRequest {
		return s.reconciler.Refresh(ctx, keys, view, completion)
	})
}

// StaleKeyFinder lists stored entities that have not been updated recently.
type StaleKeyFinder interface {
	StaleKeys(ctx context.Context, kind models.EntityKind, before time.Time, limit int) ([]string, error)
}

// RefreshStale refreshes up to limit stored entities of kind whose UpdatedAt
// is older than maxAge.
func (s *SyncService) RefreshStale(
	ctx context.Context,
	finder StaleKeyFinder,
	kind models.EntityKind,
	maxAge time.Duration,
	limit int,
) (types.SyncSummary, error) {
	log := s.log.Function("RefreshStale")

	cutoff := s.now().Add(-maxAge)
	keys, err := finder.StaleKeys(ctx, kind, cutoff, limit)
	if err != nil {
		return types.SyncSummary{}, log.Err("failed to collect stale entities", err, "kind", kind)
	}

	log.Info("Refreshing stale entities", "kind", kind, "count", len(keys), "cutoff", cutoff)
	return s.RefreshKeys(ctx, keys)
}

// LastState returns the most recent recorded run of syncType.
func (s *SyncService) LastState(ctx context.Context, syncType types.SyncType) (*types.SyncState, bool, error) {
	if s.cache == nil {
		return nil, false, nil
	}

	var state types.SyncState
	found, err := database.NewCacheBuilder(s.cache, string(syncType)).
		WithHash(SYNC_STATE_HASH).
		WithContext(ctx).
		Get(&state)
	if err != nil || !found {
		return nil, false, err
	}
	return &state, true, nil
}

func (s *SyncService) IsRunning() bool {
	return s.running.Load()
}

func (s *SyncService) execute(ctx context.Context, syncType types.SyncType, start startSync) (types.SyncSummary, error) {
	log := s.log.Function("execute")

	if !s.running.CompareAndSwap(false, true) {
		return types.SyncSummary{}, types.ErrSyncInProgress
	}
	defer s.running.Store(false)

	release, err := s.acquireLock(ctx, syncType)
	if err != nil {
		return types.SyncSummary{}, err
	}
	defer release()

	state := types.NewSyncState(syncType, s.now())
	s.saveState(ctx, state)
	s.publish(events.SYNC_STARTED, state, nil)

	summary, err := s.run(ctx, start)
	summary.StartTime = state.StartTime
	summary.EndTime = s.now()
	summary.Duration = summary.EndTime.Sub(summary.StartTime)

	if err != nil {
		state.Fail(err, summary.EndTime)
		s.saveState(ctx, state)
		s.publish(events.SYNC_ERROR, state, nil)
		return summary, log.Err("sync failed", err, "type", syncType)
	}

	state.Complete(summary)
	s.saveState(ctx, state)
	s.publish(events.SYNC_COMPLETE, state, summary.ToMap())

	log.Info("Sync completed",
		"type", syncType,
		"existing", summary.Existing,
		"created", summary.Created,
		"inserted", summary.Inserted,
		"updated", summary.Updated,
		"merged", summary.Merged,
		"conflicts", summary.Conflicts,
		"duration", summary.Duration,
	)
	return summary, nil
}

// run starts one reconciliation in the sync view and, on success, propagates
// and persists it from the sync queue. A failed reconciliation or a merge the
// primary view rejects discards the sync view's state.
func (s *SyncService) run(ctx context.Context, start startSync) (types.SyncSummary, error) {
	view := s.set.Sync()
	if view.OnQueue(ctx) {
		return types.SyncSummary{}, types.NewUsageError("sync started from the %s queue", view.Name())
	}

	outcomes := make(chan syncOutcome, 1)
	request := start(view, func(qctx context.Context, existing, created map[string]models.Entity, err error) {
		outcome := syncOutcome{existing: len(existing), created: len(created), err: err}
		if err != nil {
			s.reset(qctx, view)
			outcomes <- outcome
			return
		}

		outcome.result, outcome.err = propagateAndPersist(qctx, s.set, view)
		if errors.Is(outcome.err, types.ErrConstraintViolation) {
			s.reset(qctx, view)
		}
		outcomes <- outcome
	})

	var outcome syncOutcome
	var ok bool
	select {
	case outcome = <-outcomes:
	case <-view.Done():
		if outcome, ok = drainOutcome(outcomes); !ok {
			return types.SyncSummary{}, types.NewUsageError("view %s closed before the sync completed", view.Name())
		}
	case <-ctx.Done():
		if request.Cancel() {
			return types.SyncSummary{}, ctx.Err()
		}
		select {
		case outcome = <-outcomes:
		case <-view.Done():
			if outcome, ok = drainOutcome(outcomes); !ok {
				return types.SyncSummary{}, types.NewUsageError("view %s closed before the sync completed", view.Name())
			}
		}
	}

	summary := types.SyncSummary{
		Existing:  outcome.existing,
		Created:   outcome.created,
		Inserted:  outcome.result.Inserted,
		Updated:   outcome.result.Updated,
		Merged:    outcome.result.Merged,
		Conflicts: len(outcome.result.Conflicts),
	}
	return summary, outcome.err
}

// reset drops whatever a failed run left in the sync view so the next run
// cannot propagate it.
func (s *SyncService) reset(ctx context.Context, view *store.View) {
	if err := view.Reset(ctx); err != nil {
		s.log.Function("reset").Er("failed to reset sync view", err)
	}
}

// drainOutcome picks up a completion that ran before the view's queue stopped.
func drainOutcome(outcomes <-chan syncOutcome) (syncOutcome, bool) {
	select {
	case outcome := <-outcomes:
		return outcome, true
	default:
		return syncOutcome{}, false
	}
}

// acquireLock takes the cross-process lock for syncType. Without a cache only
// the in-process guard applies.
func (s *SyncService) acquireLock(ctx context.Context, syncType types.SyncType) (func(), error) {
	log := s.log.Function("acquireLock")

	if s.cache == nil {
		return func() {}, nil
	}

	key := SYNC_LOCK_HASH + ":" + string(syncType)
	err := s.cache.Do(ctx, s.cache.B().Set().Key(key).Value(s.now().Format(time.RFC3339)).Nx().Ex(SyncLockTTL).Build()).
		Error()
	if valkey.IsValkeyNil(err) {
		return nil, types.ErrSyncInProgress
	}
	if err != nil {
		// a broken cache must not stop syncs; the in-process guard still holds
		log.Warn("failed to acquire sync lock", "error", err, "type", syncType)
		return func() {}, nil
	}

	return func() {
		err := database.NewCacheBuilder(s.cache, string(syncType)).
			WithHash(SYNC_LOCK_HASH).
			WithContext(context.WithoutCancel(ctx)).
			Delete()
		if err != nil {
			log.Warn("failed to release sync lock", "error", err, "type", syncType)
		}
	}, nil
}

func (s *SyncService) saveState(ctx context.Context, state *types.SyncState) {
	if s.cache == nil {
		return
	}

	err := database.NewCacheBuilder(s.cache, string(state.Type)).
		WithHash(SYNC_STATE_HASH).
		WithStruct(state).
		WithTTL(SyncStateTTL).
		WithContext(context.WithoutCancel(ctx)).
		Set()
	if err != nil {
		s.log.Function("saveState").Warn("failed to save sync state", "error", err, "type", state.Type)
	}
}

func (s *SyncService) publish(messageType events.MessageType, state *types.SyncState, data map[string]any) {
	if s.eventBus == nil {
		return
	}

	if data == nil {
		data = make(map[string]any)
	}
	data["syncId"] = state.ID
	data["type"] = state.Type
	data["status"] = state.Status
	if state.Error != nil {
		data["error"] = *state.Error
	}

	if err := s.eventBus.Publish(events.SYNC_CHANNEL, events.Event{Type: messageType, Data: data}); err != nil {
		s.log.Function("publish").Warn("failed to publish sync event", "error", err, "type", state.Type)
	}
}
