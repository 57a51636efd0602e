package services

import (
	"context"
	"sort"

	"catalogsync/internal/models"
	"catalogsync/internal/store"
	"catalogsync/internal/types"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/google/uuid"
)

// CatalogService answers API lookups. Reads come from the primary view;
// lookups that may create entities run in a throwaway worker view that is
// propagated and persisted before the answer is returned.
type CatalogService struct {
	set        *store.ContextSet
	reconciler *ReconcilerService
	log        logger.Logger
}

func NewCatalogService(set *store.ContextSet, reconciler *ReconcilerService) *CatalogService {
	return &CatalogService{
		set:        set,
		reconciler: reconciler,
		log:        logger.New("catalogService"),
	}
}

// Lookup finds or creates the entities for keys and persists what was
// created.
func (s *CatalogService) Lookup(
	ctx context.Context,
	kind models.EntityKind,
	keys []string,
) (types.ReconcileResponse, error) {
	log := s.log.Function("Lookup")

	worker, err := s.set.CreateWorkerView(s.set.Primary())
	if err != nil {
		return types.ReconcileResponse{}, log.Err("failed to create worker view", err)
	}
	defer worker.Close()

	result, reconcileErr := s.reconciler.ReconcileAndWait(ctx, keys, kind, worker)

	var response types.ReconcileResponse
	err = worker.PerformAndWait(ctx, func(wctx context.Context) error {
		if reconcileErr == nil {
			if _, err := propagateAndPersist(wctx, s.set, worker); err != nil {
				return err
			}
		}
		// propagation may have re-identified entities, so snapshots are taken
		// afterwards
		response = types.ReconcileResponse{
			Existing: entityResponses(result.Existing),
			Created:  entityResponses(result.Created),
		}
		return nil
	})
	if err != nil {
		return types.ReconcileResponse{}, log.Err("failed to store reconciled entities", err, "kind", kind)
	}
	if reconcileErr != nil {
		return response, log.Err("reconciliation failed", reconcileErr, "kind", kind, "keys", len(keys))
	}

	log.Info("Lookup complete", "kind", kind, "existing", len(response.Existing), "created", len(response.Created))
	return response, nil
}

// Get returns the entity with key from the primary view without contacting
// the catalog.
func (s *CatalogService) Get(
	ctx context.Context,
	kind models.EntityKind,
	key string,
) (types.EntityResponse, bool, error) {
	primary := s.set.Primary()

	var (
		response types.EntityResponse
		found    bool
	)
	err := primary.PerformAndWait(ctx, func(pctx context.Context) error {
		entities, err := primary.ObjectsByKeys(pctx, kind, []string{key})
		if err != nil {
			return err
		}
		if entity, ok := entities[key]; ok {
			response = entityResponse(models.TakeSnapshot(entity))
			found = true
		}
		return nil
	})
	return response, found, err
}

// Rankings returns an album's ranking history, oldest first.
func (s *CatalogService) Rankings(ctx context.Context, albumKey string) (types.RankingsResponse, bool, error) {
	primary := s.set.Primary()

	var (
		response types.RankingsResponse
		found    bool
	)
	err := primary.PerformAndWait(ctx, func(pctx context.Context) error {
		entities, err := primary.ObjectsByKeys(pctx, models.KindAlbum, []string{albumKey})
		if err != nil {
			return err
		}
		album, ok := entities[albumKey].(*models.Album)
		if !ok {
			return nil
		}

		found = true
		response.Album = entityResponse(models.TakeSnapshot(album))
		response.Rankings = make([]types.EntityResponse, 0, len(album.Rankings))
		for _, ranking := range album.Rankings {
			response.Rankings = append(response.Rankings, entityResponse(models.TakeSnapshot(ranking)))
		}
		sort.SliceStable(response.Rankings, func(i, j int) bool {
			return response.Rankings[i].ObservedAt.Before(*response.Rankings[j].ObservedAt)
		})
		return nil
	})
	return response, found, err
}

// propagateAndPersist pushes view's changes up the chain of parents and,
// once they reach the primary view, into the database.
func propagateAndPersist(ctx context.Context, set *store.ContextSet, view *store.View) (store.PropagateResult, error) {
	var total store.PropagateResult

	for current := view; current.Parent() != nil; current = current.Parent() {
		child := current
		err := child.PerformAndWait(ctx, func(qctx context.Context) error {
			result, err := set.Propagate(qctx, child)
			if err != nil {
				return err
			}
			accumulate(&total, result)
			return nil
		})
		if err != nil {
			return total, err
		}
	}

	primary := set.Primary()
	err := primary.PerformAndWait(ctx, func(pctx context.Context) error {
		return primary.Persist(pctx)
	})
	return total, err
}

func accumulate(total *store.PropagateResult, result store.PropagateResult) {
	total.Inserted += result.Inserted
	total.Updated += result.Updated
	total.Deleted += result.Deleted
	total.Merged += result.Merged
	total.Conflicts = append(total.Conflicts, result.Conflicts...)
}

func entityResponses(entities map[string]models.Entity) map[string]types.EntityResponse {
	responses := make(map[string]types.EntityResponse, len(entities))
	for key, entity := range entities {
		responses[key] = entityResponse(models.TakeSnapshot(entity))
	}
	return responses
}

func entityResponse(snap models.Snapshot) types.EntityResponse {
	response := types.EntityResponse{
		ID:          snap.ID,
		Kind:        snap.Kind.String(),
		Key:         snap.Key,
		Name:        snap.Name,
		ImageLink:   snap.ImageLink,
		TrackNumber: snap.TrackNumber,
		ArtistKey:   snap.ArtistKey,
		AlbumKey:    snap.AlbumKey,
		Rank:        snap.Rank,
	}
	if updated := snap.UpdatedTime(); !updated.IsZero() {
		response.UpdatedAt = &updated
	}
	if observed := snap.ObservedTime(); !observed.IsZero() {
		response.ObservedAt = &observed
	}
	if snap.ArtistID != uuid.Nil {
		artistID := snap.ArtistID
		response.ArtistID = &artistID
	}
	if snap.AlbumID != uuid.Nil {
		albumID := snap.AlbumID
		response.AlbumID = &albumID
	}
	return response
}
