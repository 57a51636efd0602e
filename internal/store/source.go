package store

import (
	"context"
	"sync"

	"catalogsync/internal/models"
	"catalogsync/internal/types"

	"github.com/google/uuid"
)

// Source is the durable collaborator behind a root view. Returned entities
// must be detached: foreign key IDs set, relationship pointers nil.
type Source interface {
	GetByKeys(ctx context.Context, kind models.EntityKind, keys []string) ([]models.Entity, error)
	GetByIDs(ctx context.Context, kind models.EntityKind, ids []uuid.UUID) ([]models.Entity, error)
	// GetRelated returns every entity that references, or is referenced by,
	// one of entities.
	GetRelated(ctx context.Context, entities []models.Entity) ([]models.Entity, error)
	// Apply writes changes atomically.
	Apply(ctx context.Context, changes Changes) error
}

// MemorySource keeps committed snapshots in memory and enforces the same key
// and reference rules as the SQL schema. It backs the test view and is handy
// wherever a database is not wanted.
type MemorySource struct {
	mu    sync.RWMutex
	snaps map[uuid.UUID]models.Snapshot
}

func NewMemorySource(seed ...models.Entity) *MemorySource {
	source := &MemorySource{snaps: make(map[uuid.UUID]models.Snapshot)}
	for _, entity := range seed {
		source.snaps[entity.EntityID()] = models.TakeSnapshot(entity)
	}
	return source
}

func (m *MemorySource) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snaps)
}

// Snapshot returns the committed state of id.
func (m *MemorySource) Snapshot(id uuid.UUID) (models.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[id]
	return snap, ok
}

func (m *MemorySource) GetByKeys(
	ctx context.Context,
	kind models.EntityKind,
	keys []string,
) ([]models.Entity, error) {
	wanted := make(map[string]bool, len(keys))
	for _, key := range keys {
		wanted[key] = true
	}
	return m.collect(func(snap models.Snapshot) bool {
		return snap.Kind == kind && wanted[snap.Key]
	}), nil
}

func (m *MemorySource) GetByIDs(
	ctx context.Context,
	kind models.EntityKind,
	ids []uuid.UUID,
) ([]models.Entity, error) {
	wanted := idSet(ids)
	return m.collect(func(snap models.Snapshot) bool {
		return snap.Kind == kind && wanted[snap.ID]
	}), nil
}

func (m *MemorySource) GetRelated(ctx context.Context, entities []models.Entity) ([]models.Entity, error) {
	owners := make(map[uuid.UUID]bool)
	referenced := make(map[uuid.UUID]bool)
	for _, entity := range entities {
		snap := models.TakeSnapshot(entity)
		owners[snap.ID] = true
		if snap.ArtistID != uuid.Nil {
			referenced[snap.ArtistID] = true
		}
		if snap.AlbumID != uuid.Nil {
			referenced[snap.AlbumID] = true
		}
	}

	return m.collect(func(snap models.Snapshot) bool {
		if referenced[snap.ID] {
			return true
		}
		return (snap.ArtistID != uuid.Nil && owners[snap.ArtistID]) ||
			(snap.AlbumID != uuid.Nil && owners[snap.AlbumID])
	}), nil
}

func (m *MemorySource) collect(match func(models.Snapshot) bool) []models.Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entities []models.Entity
	for _, snap := range m.snaps {
		if match(snap) {
			entities = append(entities, models.FromSnapshot(snap))
		}
	}
	sortParentsFirst(entities)
	return entities
}

func (m *MemorySource) Apply(ctx context.Context, changes Changes) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[uuid.UUID]models.Snapshot, len(m.snaps)+len(changes.Inserted))
	for id, snap := range m.snaps {
		next[id] = snap
	}

	for _, entity := range changes.Inserted {
		snap := models.TakeSnapshot(entity)
		if _, exists := next[snap.ID]; exists {
			return types.NewConstraintViolation(nil, "duplicate id %s", snap.ID)
		}
		next[snap.ID] = snap
	}
	for _, update := range changes.Updated {
		snap := models.TakeSnapshot(update.Entity)
		if _, exists := next[snap.ID]; !exists {
			return types.NewConstraintViolation(nil, "update of missing %s %s", snap.Kind, snap.ID)
		}
		next[snap.ID] = snap
	}
	for _, entity := range changes.Deleted {
		deleteCascade(next, entity.EntityID())
	}

	if err := checkIntegrity(next); err != nil {
		return err
	}

	m.snaps = next
	return nil
}

// deleteCascade mirrors the schema: rankings cascade, other references are
// set to NULL.
func deleteCascade(snaps map[uuid.UUID]models.Snapshot, id uuid.UUID) {
	delete(snaps, id)
	for otherID, snap := range snaps {
		switch {
		case snap.Kind == models.KindAlbumRanking && snap.AlbumID == id:
			delete(snaps, otherID)
		case snap.ArtistID == id:
			snap.ArtistID = uuid.Nil
			snaps[otherID] = snap
		case snap.AlbumID == id:
			snap.AlbumID = uuid.Nil
			snaps[otherID] = snap
		}
	}
}

func checkIntegrity(snaps map[uuid.UUID]models.Snapshot) error {
	keys := make(map[models.EntityKind]map[string]uuid.UUID)
	for id, snap := range snaps {
		if snap.Kind.Keyed() {
			if keys[snap.Kind] == nil {
				keys[snap.Kind] = make(map[string]uuid.UUID)
			}
			if other, dup := keys[snap.Kind][snap.Key]; dup && other != id {
				return types.NewConstraintViolation(nil, "duplicate %s key %q", snap.Kind, snap.Key)
			}
			keys[snap.Kind][snap.Key] = id
		}

		if snap.ArtistID != uuid.Nil {
			if target, ok := snaps[snap.ArtistID]; !ok || target.Kind != models.KindArtist {
				return types.NewConstraintViolation(nil, "%s %s references missing artist", snap.Kind, id)
			}
		}
		if snap.AlbumID != uuid.Nil {
			if target, ok := snaps[snap.AlbumID]; !ok || target.Kind != models.KindAlbum {
				return types.NewConstraintViolation(nil, "%s %s references missing album", snap.Kind, id)
			}
		} else if snap.Kind == models.KindAlbumRanking {
			return types.NewConstraintViolation(nil, "ranking %s without album", id)
		}
	}
	return nil
}

func idSet(ids []uuid.UUID) map[uuid.UUID]bool {
	set := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
