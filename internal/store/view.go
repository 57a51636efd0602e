package store

import (
	"context"
	"sync/atomic"

	appctx "catalogsync/internal/context"
	"catalogsync/internal/models"
	"catalogsync/internal/types"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/google/uuid"
)

// View is one object context: an isolated working copy of part of the entity
// graph. Everything except the accessors below must run on the view's queue,
// either inside Perform/PerformAndWait or with a context handed out by them.
type View struct {
	set    *ContextSet
	name   string
	role   Role
	parent *View
	depth  int
	queue  *queue
	source Source
	log    logger.Logger
	closed atomic.Bool

	// guarded by queue
	objects  map[uuid.UUID]models.Entity
	byKey    map[models.EntityKind]map[string]models.Entity
	base     map[uuid.UUID]models.Snapshot
	inserted map[uuid.UUID]models.Entity
	deleted  map[uuid.UUID]models.Entity
}

func newView(set *ContextSet, name string, role Role, parent *View, source Source) *View {
	depth := 0
	if parent != nil {
		depth = parent.depth + 1
	}

	view := &View{
		set:    set,
		name:   name,
		role:   role,
		parent: parent,
		depth:  depth,
		queue:  newQueue(name),
		source: source,
		log:    logger.New("store").File("view").With("view", name),
	}
	view.resetState()
	return view
}

func (v *View) resetState() {
	v.objects = make(map[uuid.UUID]models.Entity)
	v.byKey = make(map[models.EntityKind]map[string]models.Entity)
	v.base = make(map[uuid.UUID]models.Snapshot)
	v.inserted = make(map[uuid.UUID]models.Entity)
	v.deleted = make(map[uuid.UUID]models.Entity)
}

func (v *View) Name() string   { return v.name }
func (v *View) Role() Role     { return v.role }
func (v *View) Parent() *View  { return v.parent }
func (v *View) Depth() int     { return v.depth }
func (v *View) IsClosed() bool { return v.closed.Load() }

// Done is closed once the view's queue has stopped. Work still queued at that
// point never runs, so callers waiting on a completion should select on it.
func (v *View) Done() <-chan struct{} { return v.queue.stopped }

// Perform schedules fn on the view's queue and returns immediately. The
// context passed to fn keeps the values of ctx but not its cancellation.
func (v *View) Perform(ctx context.Context, fn func(context.Context)) bool {
	queued := appctx.WithQueue(context.WithoutCancel(ctx), v.queue.token)
	ok := v.queue.post(func() {
		err := runGuarded(queued, func(ctx context.Context) error {
			fn(ctx)
			return nil
		})
		if err != nil {
			v.log.Function("Perform").Er("queued work failed", err)
		}
	})
	if !ok {
		v.log.Function("Perform").Warn("dropping work for closed view")
	}
	return ok
}

// PerformAndWait runs fn on the view's queue and blocks until it returns. When
// ctx already belongs to this queue fn runs inline.
func (v *View) PerformAndWait(ctx context.Context, fn func(context.Context) error) error {
	if appctx.OnQueue(ctx, v.queue.token) {
		return runGuarded(ctx, fn)
	}
	if err := v.checkLockOrder(ctx); err != nil {
		return err
	}

	result := make(chan error, 1)
	queued := appctx.WithQueue(ctx, v.queue.token)
	if !v.queue.post(func() { result <- runGuarded(queued, fn) }) {
		return types.NewUsageError("view %s is closed", v.name)
	}

	select {
	case err := <-result:
		return err
	case <-v.queue.stopped:
		select {
		case err := <-result:
			return err
		default:
			return types.NewUsageError("view %s closed before running work", v.name)
		}
	}
}

// checkLockOrder rejects waits from an ancestor's queue: a parent never waits
// on its child.
func (v *View) checkLockOrder(ctx context.Context) error {
	current, ok := appctx.QueueFrom(ctx)
	if !ok {
		return nil
	}
	for ancestor := v.parent; ancestor != nil; ancestor = ancestor.parent {
		if ancestor.queue.token == current {
			return types.NewUsageError(
				"%s must not wait on its descendant %s", ancestor.name, v.name,
			)
		}
	}
	return nil
}

// OnQueue reports whether ctx was handed out by this view's queue.
func (v *View) OnQueue(ctx context.Context) bool {
	return appctx.OnQueue(ctx, v.queue.token)
}

func (v *View) checkQueue(ctx context.Context, operation string) error {
	if v.closed.Load() {
		return types.NewUsageError("%s on closed view %s", operation, v.name)
	}
	if !appctx.OnQueue(ctx, v.queue.token) {
		return types.NewUsageError(
			"%s called off the %s queue (on %q)", operation, v.name, queueName(ctx),
		)
	}
	return nil
}

// Close stops the queue and releases every registered object. Closing the
// primary or sync view is normally done through ContextSet.Close.
func (v *View) Close() {
	if !v.closed.CompareAndSwap(false, true) {
		return
	}
	v.queue.stop()
	go func() {
		<-v.queue.stopped
		for _, entity := range v.objects {
			v.set.owners.CompareAndDelete(entity, v)
		}
	}()
	v.set.forget(v)
}

func (v *View) register(entity models.Entity) {
	v.objects[entity.EntityID()] = entity
	if key := models.KeyOf(entity); key != "" {
		kind := entity.EntityKind()
		if v.byKey[kind] == nil {
			v.byKey[kind] = make(map[string]models.Entity)
		}
		v.byKey[kind][key] = entity
	}
	v.set.owners.Store(entity, v)
}

func (v *View) unregister(entity models.Entity) {
	delete(v.objects, entity.EntityID())
	if key := models.KeyOf(entity); key != "" {
		if current := v.byKey[entity.EntityKind()][key]; current == entity {
			delete(v.byKey[entity.EntityKind()], key)
		}
	}
	v.set.owners.CompareAndDelete(entity, v)
}

func (v *View) lookupKey(kind models.EntityKind, key string) models.Entity {
	return v.byKey[kind][key]
}

func (v *View) isDeletedKey(kind models.EntityKind, key string) bool {
	for _, entity := range v.deleted {
		if entity.EntityKind() == kind && models.KeyOf(entity) == key {
			return true
		}
	}
	return false
}

// ObjectsByKeys returns the entities of kind with the given keys, faulting
// missing ones in from the parent view or the durable store. Keys that exist
// nowhere are absent from the result.
func (v *View) ObjectsByKeys(
	ctx context.Context,
	kind models.EntityKind,
	keys []string,
) (map[string]models.Entity, error) {
	if err := v.checkQueue(ctx, "ObjectsByKeys"); err != nil {
		return nil, err
	}
	if !kind.Keyed() {
		return nil, types.NewUsageError("%s entities have no key", kind)
	}

	found := make(map[string]models.Entity, len(keys))
	var missing []string
	for _, key := range uniqueStrings(keys) {
		if entity := v.lookupKey(kind, key); entity != nil {
			found[key] = entity
		} else if !v.isDeletedKey(kind, key) {
			missing = append(missing, key)
		}
	}

	if len(missing) > 0 {
		if err := v.faultKeys(ctx, kind, missing); err != nil {
			return nil, err
		}
		for _, key := range missing {
			if entity := v.lookupKey(kind, key); entity != nil {
				found[key] = entity
			}
		}
	}

	return found, nil
}

// ObjectByID returns the entity with id, faulting it in when needed. A nil
// entity and nil error mean it does not exist.
func (v *View) ObjectByID(ctx context.Context, kind models.EntityKind, id uuid.UUID) (models.Entity, error) {
	found, err := v.ObjectsByIDs(ctx, kind, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	return found[id], nil
}

func (v *View) ObjectsByIDs(
	ctx context.Context,
	kind models.EntityKind,
	ids []uuid.UUID,
) (map[uuid.UUID]models.Entity, error) {
	if err := v.checkQueue(ctx, "ObjectsByIDs"); err != nil {
		return nil, err
	}

	found := make(map[uuid.UUID]models.Entity, len(ids))
	var missing []uuid.UUID
	for id := range idSet(ids) {
		if entity, ok := v.objects[id]; ok && entity.EntityKind() == kind {
			found[id] = entity
		} else if _, gone := v.deleted[id]; !gone && !ok {
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 {
		if err := v.faultIDs(ctx, kind, missing); err != nil {
			return nil, err
		}
		for _, id := range missing {
			if entity, ok := v.objects[id]; ok && entity.EntityKind() == kind {
				found[id] = entity
			}
		}
	}

	return found, nil
}

// Registered lists the objects of kind currently loaded in the view.
func (v *View) Registered(ctx context.Context, kind models.EntityKind) ([]models.Entity, error) {
	if err := v.checkQueue(ctx, "Registered"); err != nil {
		return nil, err
	}
	var entities []models.Entity
	for _, entity := range v.objects {
		if entity.EntityKind() == kind {
			entities = append(entities, entity)
		}
	}
	sortParentsFirst(entities)
	return entities, nil
}

// Insert registers new entities. The whole call is rejected when any entity
// is invalid: a missing or duplicate key, or a ranking outside an album of
// this view.
func (v *View) Insert(ctx context.Context, entities ...models.Entity) error {
	if err := v.checkQueue(ctx, "Insert"); err != nil {
		return err
	}

	batchKeys := make(map[models.EntityKind]map[string]bool)
	batchIDs := make(map[uuid.UUID]bool)
	for _, entity := range entities {
		if entity == nil {
			return types.NewUsageError("nil entity passed to Insert")
		}
		if entity.EntityID() == uuid.Nil {
			models.Reidentify(entity, models.NewID())
		}
		batchIDs[entity.EntityID()] = true
	}

	for _, entity := range entities {
		id := entity.EntityID()
		kind := entity.EntityKind()

		if _, exists := v.objects[id]; exists {
			return types.NewUsageError("%s %s is already registered in %s", kind, id, v.name)
		}
		if owner := v.set.ResolveOwningContext(entity); owner != nil && owner != v {
			return types.NewUsageError("%s %s belongs to view %s", kind, id, owner.name)
		}

		if kind.Keyed() {
			key := models.KeyOf(entity)
			if key == "" {
				return types.NewConstraintViolation(nil, "%s without key", kind)
			}
			if v.lookupKey(kind, key) != nil || batchKeys[kind][key] {
				return types.NewConstraintViolation(nil, "duplicate %s key %q in %s", kind, key, v.name)
			}
			if batchKeys[kind] == nil {
				batchKeys[kind] = make(map[string]bool)
			}
			batchKeys[kind][key] = true
			continue
		}

		ranking := entity.(*models.AlbumRanking)
		if ranking.Album == nil {
			return types.NewConstraintViolation(nil, "ranking %s has no album", id)
		}
		if v.objects[ranking.Album.ID] != models.Entity(ranking.Album) && !batchIDs[ranking.Album.ID] {
			return types.NewConstraintViolation(nil, "ranking %s belongs to an album outside %s", id, v.name)
		}
	}

	for _, entity := range entities {
		id := entity.EntityID()
		v.register(entity)
		if _, wasDeleted := v.deleted[id]; wasDeleted {
			// re-inserted before propagation: an update against the baseline
			delete(v.deleted, id)
			continue
		}
		v.inserted[id] = entity
	}
	for _, entity := range entities {
		v.link(entity, nil)
	}
	v.resolvePending()

	return nil
}

// Delete removes entity from the view. References to it are nullified and an
// album's rankings are deleted with it.
func (v *View) Delete(ctx context.Context, entity models.Entity) error {
	if err := v.checkQueue(ctx, "Delete"); err != nil {
		return err
	}
	if entity == nil || v.objects[entity.EntityID()] != entity {
		return types.NewUsageError("entity is not registered in %s", v.name)
	}

	v.deleteEntity(entity)
	return nil
}

func (v *View) deleteEntity(entity models.Entity) {
	cascaded := models.Unlink(entity)
	for _, removed := range append(cascaded, entity) {
		id := removed.EntityID()
		v.unregister(removed)
		if _, isNew := v.inserted[id]; isNew {
			delete(v.inserted, id)
			continue
		}
		v.deleted[id] = removed
	}
}

// Changes reports the pending inserted, updated and deleted entities.
func (v *View) Changes(ctx context.Context) (Changes, error) {
	if err := v.checkQueue(ctx, "Changes"); err != nil {
		return Changes{}, err
	}
	return v.pendingChanges(), nil
}

func (v *View) HasChanges(ctx context.Context) (bool, error) {
	changes, err := v.Changes(ctx)
	if err != nil {
		return false, err
	}
	return !changes.Empty(), nil
}

func (v *View) pendingChanges() Changes {
	var changes Changes

	for _, entity := range v.inserted {
		changes.Inserted = append(changes.Inserted, entity)
	}
	sortParentsFirst(changes.Inserted)

	var updated []models.Entity
	bases := make(map[uuid.UUID]models.Snapshot)
	for id, entity := range v.objects {
		if _, isNew := v.inserted[id]; isNew {
			continue
		}
		base, ok := v.base[id]
		if !ok {
			continue
		}
		if models.TakeSnapshot(entity) != base {
			updated = append(updated, entity)
			bases[id] = base
		}
	}
	sortParentsFirst(updated)
	for _, entity := range updated {
		base := bases[entity.EntityID()]
		changes.Updated = append(changes.Updated, Update{
			Entity: entity,
			Base:   base,
			Fields: base.Diff(models.TakeSnapshot(entity)),
		})
	}

	for _, entity := range v.deleted {
		changes.Deleted = append(changes.Deleted, entity)
	}
	sortChildrenFirst(changes.Deleted)

	return changes
}

// commit makes the current state the new baseline.
func (v *View) commit() {
	for id, entity := range v.objects {
		v.base[id] = models.TakeSnapshot(entity)
	}
	for id := range v.deleted {
		delete(v.base, id)
	}
	v.inserted = make(map[uuid.UUID]models.Entity)
	v.deleted = make(map[uuid.UUID]models.Entity)
}

// Persist writes the primary view's pending changes to durable storage in one
// transaction. On failure the view is left untouched.
func (v *View) Persist(ctx context.Context) error {
	log := v.log.Function("Persist")

	if !v.role.CanPersist() {
		return types.NewUsageError("%s view cannot persist", v.role)
	}
	if err := v.checkQueue(ctx, "Persist"); err != nil {
		return err
	}

	changes := v.pendingChanges()
	if changes.Empty() {
		return nil
	}

	if err := v.source.Apply(ctx, changes); err != nil {
		return log.Err("failed to persist changes", err, "changes", changes.Count())
	}

	v.commit()
	log.Info("persisted changes",
		"inserted", len(changes.Inserted),
		"updated", len(changes.Updated),
		"deleted", len(changes.Deleted),
	)
	v.set.notify(newChangeSet(v, changes, true))
	return nil
}

// Reset discards every pending change and every registered object.
func (v *View) Reset(ctx context.Context) error {
	if err := v.checkQueue(ctx, "Reset"); err != nil {
		return err
	}
	for _, entity := range v.objects {
		v.set.owners.CompareAndDelete(entity, v)
	}
	v.resetState()
	return nil
}

// link connects entity to the view's instances named by its foreign keys.
// aliases redirect foreign IDs to the local entity with the same key.
func (v *View) link(entity models.Entity, aliases map[uuid.UUID]uuid.UUID) {
	resolve := func(id *uuid.UUID) models.Entity {
		if id == nil {
			return nil
		}
		target := *id
		if alias, ok := aliases[target]; ok {
			target = alias
		}
		return v.objects[target]
	}

	switch e := entity.(type) {
	case *models.Album:
		if e.Artist == nil {
			if artist, ok := resolve(e.ArtistID).(*models.Artist); ok {
				models.SetAlbumArtist(e, artist)
			}
		}
	case *models.Track:
		if e.Album == nil {
			if album, ok := resolve(e.AlbumID).(*models.Album); ok {
				models.SetTrackAlbum(e, album)
			}
		}
		if e.Artist == nil {
			if artist, ok := resolve(e.ArtistID).(*models.Artist); ok {
				models.SetTrackArtist(e, artist)
			}
		}
	case *models.AlbumRanking:
		if e.Album == nil {
			albumID := e.AlbumID
			if album, ok := resolve(&albumID).(*models.Album); ok {
				models.AddAlbumRanking(album, e)
			}
		}
	}
}

// resolvePending links entities that only know a related entity by remote key
// to that entity once it is present in the view.
func (v *View) resolvePending() {
	for _, entity := range v.objects {
		switch e := entity.(type) {
		case *models.Album:
			if e.Artist == nil && e.ArtistID == nil && e.ArtistKey != "" {
				if artist, ok := v.lookupKey(models.KindArtist, e.ArtistKey).(*models.Artist); ok {
					models.SetAlbumArtist(e, artist)
				}
			}
		case *models.Track:
			if e.Album == nil && e.AlbumID == nil && e.AlbumKey != "" {
				if album, ok := v.lookupKey(models.KindAlbum, e.AlbumKey).(*models.Album); ok {
					models.SetTrackAlbum(e, album)
				}
			}
			if e.Artist == nil && e.ArtistID == nil && e.ArtistKey != "" {
				if artist, ok := v.lookupKey(models.KindArtist, e.ArtistKey).(*models.Artist); ok {
					models.SetTrackArtist(e, artist)
				}
			}
		}
	}
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	unique := make([]string, 0, len(values))
	for _, value := range values {
		if value == "" || seen[value] {
			continue
		}
		seen[value] = true
		unique = append(unique, value)
	}
	return unique
}
