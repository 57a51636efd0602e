package store

import (
	"context"

	"catalogsync/internal/models"

	"github.com/google/uuid"
)

// Faulting copies entities into a view together with their connected
// component, so relationship sets inside a view are always complete.

func (v *View) faultKeys(ctx context.Context, kind models.EntityKind, keys []string) error {
	if v.parent != nil {
		return v.faultFromParent(ctx, func(pctx context.Context) ([]models.Entity, error) {
			found, err := v.parent.ObjectsByKeys(pctx, kind, keys)
			if err != nil {
				return nil, err
			}
			return entityValues(found), nil
		})
	}

	seeds, err := v.source.GetByKeys(ctx, kind, keys)
	if err != nil {
		return v.log.Function("faultKeys").Err("failed to load from source", err, "kind", kind)
	}
	return v.faultFromSource(ctx, seeds)
}

func (v *View) faultIDs(ctx context.Context, kind models.EntityKind, ids []uuid.UUID) error {
	if v.parent != nil {
		return v.faultFromParent(ctx, func(pctx context.Context) ([]models.Entity, error) {
			found, err := v.parent.ObjectsByIDs(pctx, kind, ids)
			if err != nil {
				return nil, err
			}
			return entityValues(found), nil
		})
	}

	seeds, err := v.source.GetByIDs(ctx, kind, ids)
	if err != nil {
		return v.log.Function("faultIDs").Err("failed to load from source", err, "kind", kind)
	}
	return v.faultFromSource(ctx, seeds)
}

// faultFromParent runs lookup on the parent's queue and adopts detached
// copies of the components it returns.
func (v *View) faultFromParent(
	ctx context.Context,
	lookup func(context.Context) ([]models.Entity, error),
) error {
	var exported []models.Entity
	err := v.parent.PerformAndWait(ctx, func(pctx context.Context) error {
		seeds, err := lookup(pctx)
		if err != nil {
			return err
		}
		exported = exportComponent(seeds)
		return nil
	})
	if err != nil {
		return err
	}

	v.adopt(exported)
	return nil
}

func (v *View) faultFromSource(ctx context.Context, seeds []models.Entity) error {
	seen := make(map[uuid.UUID]bool)
	var loaded, frontier []models.Entity

	visit := func(entities []models.Entity) {
		for _, entity := range entities {
			id := entity.EntityID()
			if seen[id] || v.known(id) {
				continue
			}
			seen[id] = true
			loaded = append(loaded, entity)
			frontier = append(frontier, entity)
		}
	}

	visit(seeds)
	for len(frontier) > 0 {
		related, err := v.source.GetRelated(ctx, frontier)
		if err != nil {
			return v.log.Function("faultFromSource").Err("failed to load related entities", err)
		}
		frontier = nil
		visit(related)
	}

	v.adopt(loaded)
	return nil
}

func (v *View) known(id uuid.UUID) bool {
	if _, ok := v.objects[id]; ok {
		return true
	}
	_, gone := v.deleted[id]
	return gone
}

// exportComponent walks the relationship graph from seeds and returns
// detached clones of everything reachable.
func exportComponent(seeds []models.Entity) []models.Entity {
	visited := make(map[uuid.UUID]bool)
	var clones []models.Entity

	queue := append([]models.Entity{}, seeds...)
	for len(queue) > 0 {
		entity := queue[0]
		queue = queue[1:]
		if visited[entity.EntityID()] {
			continue
		}
		visited[entity.EntityID()] = true
		clones = append(clones, models.Clone(entity))
		queue = append(queue, models.Neighbors(entity)...)
	}

	sortParentsFirst(clones)
	return clones
}

// adopt registers detached entities that are new to the view and links them.
// An incoming entity whose key is already taken locally is not registered;
// references to it are redirected to the local instance.
func (v *View) adopt(entities []models.Entity) {
	aliases := make(map[uuid.UUID]uuid.UUID)
	var added []models.Entity

	for _, entity := range entities {
		id := entity.EntityID()
		if v.known(id) {
			continue
		}
		if key := models.KeyOf(entity); key != "" {
			if local := v.lookupKey(entity.EntityKind(), key); local != nil {
				aliases[id] = local.EntityID()
				continue
			}
		}
		if ranking, ok := entity.(*models.AlbumRanking); ok {
			if _, albumGone := v.deleted[ranking.AlbumID]; albumGone {
				continue
			}
		}
		v.register(entity)
		added = append(added, entity)
	}

	for _, entity := range v.objects {
		v.link(entity, aliases)
	}
	for _, entity := range added {
		v.dropDeletedReferences(entity)
		v.base[entity.EntityID()] = models.TakeSnapshot(entity)
	}

	v.resolvePending()
}

// dropDeletedReferences clears foreign keys that point at entities this view
// has deleted but not yet propagated.
func (v *View) dropDeletedReferences(entity models.Entity) {
	gone := func(id *uuid.UUID) bool {
		if id == nil {
			return false
		}
		_, deleted := v.deleted[*id]
		return deleted
	}

	switch e := entity.(type) {
	case *models.Album:
		if gone(e.ArtistID) {
			e.ArtistID = nil
		}
	case *models.Track:
		if gone(e.AlbumID) {
			e.AlbumID = nil
		}
		if gone(e.ArtistID) {
			e.ArtistID = nil
		}
	}
}

func entityValues[K comparable](found map[K]models.Entity) []models.Entity {
	entities := make([]models.Entity, 0, len(found))
	for _, entity := range found {
		entities = append(entities, entity)
	}
	return entities
}
