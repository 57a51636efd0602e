package store

import (
	"sort"
	"strings"

	"catalogsync/internal/models"

	"github.com/google/uuid"
)

// Update is a registered entity whose persistent fields differ from the last
// committed snapshot.
type Update struct {
	Entity models.Entity
	Base   models.Snapshot
	Fields []models.Field
}

// Changes are the pending writes of a view. Inserts are ordered parents
// first, deletes children first, which is also the order they can be written
// to a database with foreign keys.
type Changes struct {
	Inserted []models.Entity
	Updated  []Update
	Deleted  []models.Entity
}

func (c Changes) Empty() bool {
	return len(c.Inserted) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

func (c Changes) Count() int {
	return len(c.Inserted) + len(c.Updated) + len(c.Deleted)
}

// ChangeSet is the value published to observers. It holds snapshots only, so
// it can be handed to other goroutines.
type ChangeSet struct {
	View      string
	Role      Role
	Persisted bool
	Inserted  []models.Snapshot
	Updated   []models.Snapshot
	Deleted   []models.Snapshot
}

func (c ChangeSet) Empty() bool {
	return len(c.Inserted) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

// Keys groups the remote keys touched by the change set by kind. Rankings are
// reported under their album's ID.
func (c ChangeSet) Keys() map[models.EntityKind][]string {
	keys := make(map[models.EntityKind][]string)
	seen := make(map[string]bool)
	for _, group := range [][]models.Snapshot{c.Inserted, c.Updated, c.Deleted} {
		for _, snap := range group {
			key := snap.Key
			if key == "" {
				key = snap.AlbumID.String()
			}
			marker := string(snap.Kind) + ":" + key
			if seen[marker] {
				continue
			}
			seen[marker] = true
			keys[snap.Kind] = append(keys[snap.Kind], key)
		}
	}
	for kind := range keys {
		sort.Strings(keys[kind])
	}
	return keys
}

func newChangeSet(v *View, changes Changes, persisted bool) ChangeSet {
	set := ChangeSet{View: v.name, Role: v.role, Persisted: persisted}
	for _, entity := range changes.Inserted {
		set.Inserted = append(set.Inserted, models.TakeSnapshot(entity))
	}
	for _, update := range changes.Updated {
		set.Updated = append(set.Updated, models.TakeSnapshot(update.Entity))
	}
	for _, entity := range changes.Deleted {
		set.Deleted = append(set.Deleted, models.TakeSnapshot(entity))
	}
	return set
}

// Conflict records a field that both the child and the parent changed to
// different values. Winner is the view whose value was kept. An update of an
// entity the parent no longer has is reported with an empty Field.
type Conflict struct {
	Kind   models.EntityKind
	ID     uuid.UUID
	Key    string
	Field  models.Field
	Winner string
	Reason string
}

const (
	ReasonConcurrentChange = "concurrent change"
	ReasonDuplicateKey     = "duplicate key"
	ReasonMissingInParent  = "missing in parent"
)

// PropagateResult summarizes a merge into the parent view.
type PropagateResult struct {
	Inserted  int
	Updated   int
	Deleted   int
	Merged    int
	Conflicts []Conflict
	// Remapped maps child IDs to the parent entity they were merged into.
	Remapped map[uuid.UUID]uuid.UUID
	// resolved holds the parent's final snapshot of every entity where the
	// parent kept at least one of its own values.
	resolved map[uuid.UUID]models.Snapshot
}

func (r PropagateResult) Empty() bool {
	return r.Inserted == 0 && r.Updated == 0 && r.Deleted == 0 && r.Merged == 0
}

var kindOrder = map[models.EntityKind]int{
	models.KindArtist:       0,
	models.KindAlbum:        1,
	models.KindTrack:        2,
	models.KindAlbumRanking: 3,
}

func sortParentsFirst(entities []models.Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		return lessEntity(entities[i], entities[j])
	})
}

func sortChildrenFirst(entities []models.Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		return lessEntity(entities[j], entities[i])
	})
}

func lessEntity(a, b models.Entity) bool {
	if ka, kb := kindOrder[a.EntityKind()], kindOrder[b.EntityKind()]; ka != kb {
		return ka < kb
	}
	return strings.Compare(a.EntityID().String(), b.EntityID().String()) < 0
}
