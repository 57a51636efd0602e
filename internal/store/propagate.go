package store

import (
	"context"

	"catalogsync/internal/models"
	"catalogsync/internal/types"
	"catalogsync/internal/utils"

	"github.com/google/uuid"
)

// payload carries a child's pending changes as plain values so it can be
// read on the parent's queue.
type payload struct {
	from    string
	inserts []models.Snapshot
	updates []payloadUpdate
	deletes []models.Snapshot
}

type payloadUpdate struct {
	base    models.Snapshot
	current models.Snapshot
	fields  []models.Field
}

func newPayload(from string, changes Changes) payload {
	p := payload{from: from}
	for _, entity := range changes.Inserted {
		p.inserts = append(p.inserts, models.TakeSnapshot(entity))
	}
	for _, update := range changes.Updated {
		p.updates = append(p.updates, payloadUpdate{
			base:    update.Base,
			current: models.TakeSnapshot(update.Entity),
			fields:  update.Fields,
		})
	}
	for _, entity := range changes.Deleted {
		p.deletes = append(p.deletes, models.TakeSnapshot(entity))
	}
	return p
}

// Propagate merges the pending changes of child into its parent and makes
// them the child's new baseline. It must be called on the child's queue.
//
// Inserts whose key (or, for rankings, album and UTC day) already exists in
// the parent are merged into the parent's entity and the child's instance is
// re-identified. Fields changed on both sides are resolved by UpdatedAt with
// ties going to the child. A reference the parent cannot resolve fails the
// whole merge with a ConstraintViolation and nothing is applied.
func (s *ContextSet) Propagate(ctx context.Context, child *View) (PropagateResult, error) {
	if child == nil || child.set != s {
		return PropagateResult{}, types.NewUsageError("view does not belong to this context set")
	}
	return child.propagate(ctx)
}

func (v *View) propagate(ctx context.Context) (PropagateResult, error) {
	log := v.log.Function("Propagate")

	if err := v.checkQueue(ctx, "Propagate"); err != nil {
		return PropagateResult{}, err
	}
	if v.parent == nil {
		return PropagateResult{}, types.NewUsageError("%s view has no parent", v.name)
	}

	changes := v.pendingChanges()
	if changes.Empty() {
		return PropagateResult{}, nil
	}

	p := newPayload(v.name, changes)
	var result PropagateResult
	err := v.parent.PerformAndWait(ctx, func(pctx context.Context) error {
		var err error
		result, err = v.parent.merge(pctx, p)
		return err
	})
	if err != nil {
		return PropagateResult{}, log.Err("failed to propagate", err, "parent", v.parent.name)
	}

	v.adoptResult(ctx, result)

	for _, conflict := range result.Conflicts {
		log.Warn("merge conflict",
			"kind", conflict.Kind,
			"key", conflict.Key,
			"field", conflict.Field,
			"winner", conflict.Winner,
			"reason", conflict.Reason,
		)
	}
	log.Info("propagated changes",
		"parent", v.parent.name,
		"inserted", result.Inserted,
		"updated", result.Updated,
		"deleted", result.Deleted,
		"merged", result.Merged,
	)
	return result, nil
}

type fieldApply struct {
	target models.Entity
	snap   models.Snapshot
	fields []models.Field
}

type mergePlan struct {
	from      string
	into      string
	inserts   []models.Snapshot
	applies   []fieldApply
	deletes   []models.Entity
	remap     map[uuid.UUID]uuid.UUID
	resolved  map[uuid.UUID]bool
	conflicts []Conflict
	merged    int
	updated   int
}

// merge runs on the parent's queue.
func (v *View) merge(ctx context.Context, p payload) (PropagateResult, error) {
	if err := v.faultForMerge(ctx, p); err != nil {
		return PropagateResult{}, err
	}

	plan := &mergePlan{
		from:     p.from,
		into:     v.name,
		remap:    make(map[uuid.UUID]uuid.UUID),
		resolved: make(map[uuid.UUID]bool),
	}
	for _, snap := range p.inserts {
		plan.planInsert(v, snap)
	}
	for _, update := range p.updates {
		plan.planUpdate(v, update)
	}
	for _, snap := range p.deletes {
		if target, ok := v.objects[snap.ID]; ok {
			plan.deletes = append(plan.deletes, target)
		}
	}

	if err := plan.validate(v); err != nil {
		return PropagateResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return PropagateResult{}, err
	}

	return plan.apply(v), nil
}

// faultForMerge loads everything the payload touches or references so the
// plan can be computed against complete state.
func (v *View) faultForMerge(ctx context.Context, p payload) error {
	keys := make(map[models.EntityKind][]string)
	ids := make(map[models.EntityKind][]uuid.UUID)

	inserted := make(map[uuid.UUID]bool, len(p.inserts))
	for _, snap := range p.inserts {
		inserted[snap.ID] = true
	}
	addID := func(kind models.EntityKind, id uuid.UUID) {
		if id != uuid.Nil && !inserted[id] {
			ids[kind] = append(ids[kind], id)
		}
	}
	addRefs := func(snap models.Snapshot) {
		addID(models.KindArtist, snap.ArtistID)
		addID(models.KindAlbum, snap.AlbumID)
		if snap.ArtistID == uuid.Nil && snap.ArtistKey != "" {
			keys[models.KindArtist] = append(keys[models.KindArtist], snap.ArtistKey)
		}
		if snap.AlbumID == uuid.Nil && snap.AlbumKey != "" {
			keys[models.KindAlbum] = append(keys[models.KindAlbum], snap.AlbumKey)
		}
	}

	for _, snap := range p.inserts {
		if snap.Kind.Keyed() {
			keys[snap.Kind] = append(keys[snap.Kind], snap.Key)
		}
		addRefs(snap)
	}
	for _, update := range p.updates {
		addID(update.current.Kind, update.current.ID)
		addRefs(update.current)
	}
	for _, snap := range p.deletes {
		addID(snap.Kind, snap.ID)
	}

	for _, kind := range []models.EntityKind{models.KindArtist, models.KindAlbum, models.KindTrack} {
		if len(keys[kind]) > 0 {
			if _, err := v.ObjectsByKeys(ctx, kind, keys[kind]); err != nil {
				return err
			}
		}
	}
	for _, kind := range []models.EntityKind{
		models.KindArtist, models.KindAlbum, models.KindTrack, models.KindAlbumRanking,
	} {
		if len(ids[kind]) > 0 {
			if _, err := v.ObjectsByIDs(ctx, kind, ids[kind]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *mergePlan) remapRefs(snap models.Snapshot) models.Snapshot {
	if id, ok := p.remap[snap.ArtistID]; ok {
		snap.ArtistID = id
	}
	if id, ok := p.remap[snap.AlbumID]; ok {
		snap.AlbumID = id
	}
	return snap
}

// duplicateOf finds the parent entity an inserted snapshot collides with.
func duplicateOf(v *View, snap models.Snapshot) models.Entity {
	if existing, ok := v.objects[snap.ID]; ok && existing.EntityKind() == snap.Kind {
		return existing
	}
	if snap.Kind.Keyed() {
		return v.lookupKey(snap.Kind, snap.Key)
	}

	album, ok := v.objects[snap.AlbumID].(*models.Album)
	if !ok {
		return nil
	}
	for _, ranking := range album.Rankings {
		if utils.SameDay(ranking.ObservedAt, snap.ObservedTime()) {
			return ranking
		}
	}
	return nil
}

func (p *mergePlan) planInsert(v *View, snap models.Snapshot) {
	snap = p.remapRefs(snap)

	target := duplicateOf(v, snap)
	if target == nil {
		p.inserts = append(p.inserts, snap)
		return
	}

	targetID := target.EntityID()
	if targetID != snap.ID {
		p.remap[snap.ID] = targetID
	}
	p.merged++
	p.resolved[targetID] = true

	current := models.TakeSnapshot(target)
	childWins := snap.Stamp() >= current.Stamp()

	var fields []models.Field
	for _, field := range current.Diff(snap) {
		switch {
		case field == models.FieldUpdatedAt:
			fields = append(fields, field)
		case unset(snap, field):
		case childWins:
			fields = append(fields, field)
		default:
			p.conflict(current, field, p.into, ReasonDuplicateKey)
		}
	}
	if len(fields) > 0 {
		p.applies = append(p.applies, fieldApply{target: target, snap: snap, fields: fields})
	}
}

func (p *mergePlan) planUpdate(v *View, update payloadUpdate) {
	current := p.remapRefs(update.current)

	target, ok := v.objects[current.ID]
	if !ok || target.EntityKind() != current.Kind {
		p.conflicts = append(p.conflicts, Conflict{
			Kind:   current.Kind,
			ID:     current.ID,
			Key:    current.Key,
			Winner: p.into,
			Reason: ReasonMissingInParent,
		})
		return
	}

	parent := models.TakeSnapshot(target)
	childWins := current.Stamp() >= parent.Stamp()

	var fields []models.Field
	for _, field := range update.fields {
		switch {
		case field == models.FieldUpdatedAt:
			fields = append(fields, field)
		case parent.Equal(update.base, field):
			fields = append(fields, field)
		case parent.Equal(current, field):
		case childWins:
			fields = append(fields, field)
			p.conflict(parent, field, p.from, ReasonConcurrentChange)
		default:
			p.conflict(parent, field, p.into, ReasonConcurrentChange)
			p.resolved[current.ID] = true
		}
	}

	if len(fields) > 0 {
		p.applies = append(p.applies, fieldApply{target: target, snap: current, fields: fields})
		p.updated++
	}
}

func (p *mergePlan) conflict(snap models.Snapshot, field models.Field, winner, reason string) {
	p.conflicts = append(p.conflicts, Conflict{
		Kind:   snap.Kind,
		ID:     snap.ID,
		Key:    snap.Key,
		Field:  field,
		Winner: winner,
		Reason: reason,
	})
}

// unset reports reference fields the child has no value for; the parent's
// link is kept.
func unset(snap models.Snapshot, field models.Field) bool {
	switch field {
	case models.FieldArtistID:
		return snap.ArtistID == uuid.Nil
	case models.FieldAlbumID:
		return snap.AlbumID == uuid.Nil
	case models.FieldArtistKey:
		return snap.ArtistKey == ""
	case models.FieldAlbumKey:
		return snap.AlbumKey == ""
	}
	return false
}

func (p *mergePlan) validate(v *View) error {
	pending := make(map[uuid.UUID]models.EntityKind, len(p.inserts))
	for _, snap := range p.inserts {
		pending[snap.ID] = snap.Kind
	}
	doomed := make(map[uuid.UUID]bool)
	for _, target := range p.deletes {
		doomed[target.EntityID()] = true
		if album, ok := target.(*models.Album); ok {
			for _, ranking := range album.Rankings {
				doomed[ranking.ID] = true
			}
		}
	}

	check := func(owner models.Snapshot, kind models.EntityKind, id uuid.UUID) error {
		if id == uuid.Nil {
			if owner.Kind == models.KindAlbumRanking {
				return types.NewConstraintViolation(nil, "ranking %s has no album", owner.ID)
			}
			return nil
		}
		if pendingKind, ok := pending[id]; ok && pendingKind == kind {
			return nil
		}
		if entity, ok := v.objects[id]; ok && entity.EntityKind() == kind && !doomed[id] {
			return nil
		}
		return types.NewConstraintViolation(nil,
			"%s %s references %s %s which %s cannot resolve", owner.Kind, owner.ID, kind, id, v.name,
		)
	}

	for _, snap := range p.inserts {
		if err := check(snap, models.KindArtist, snap.ArtistID); err != nil {
			return err
		}
		if err := check(snap, models.KindAlbum, snap.AlbumID); err != nil {
			return err
		}
	}
	for _, apply := range p.applies {
		for _, field := range apply.fields {
			var err error
			switch field {
			case models.FieldArtistID:
				err = check(apply.snap, models.KindArtist, apply.snap.ArtistID)
			case models.FieldAlbumID:
				err = check(apply.snap, models.KindAlbum, apply.snap.AlbumID)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *mergePlan) apply(v *View) PropagateResult {
	var created []models.Entity
	for _, snap := range p.inserts {
		entity := models.FromSnapshot(snap)
		v.register(entity)
		if _, wasDeleted := v.deleted[snap.ID]; wasDeleted {
			delete(v.deleted, snap.ID)
		} else {
			v.inserted[snap.ID] = entity
		}
		created = append(created, entity)
	}
	for _, entity := range created {
		v.link(entity, nil)
	}

	var updated []Update
	for _, apply := range p.applies {
		scalars, references := splitFields(apply.fields)
		models.ApplySnapshot(apply.target, apply.snap, scalars)
		for _, field := range references {
			v.applyReference(apply.target, field, apply.snap)
		}
		updated = append(updated, Update{Entity: apply.target, Fields: apply.fields})
	}

	var deleted []models.Entity
	for _, target := range p.deletes {
		if v.objects[target.EntityID()] != target {
			continue
		}
		v.deleteEntity(target)
		deleted = append(deleted, target)
	}

	v.resolvePending()

	result := PropagateResult{
		Inserted:  len(created),
		Updated:   p.updated,
		Deleted:   len(deleted),
		Merged:    p.merged,
		Conflicts: p.conflicts,
		Remapped:  p.remap,
		resolved:  make(map[uuid.UUID]models.Snapshot, len(p.resolved)),
	}
	for id := range p.resolved {
		if entity, ok := v.objects[id]; ok {
			result.resolved[id] = models.TakeSnapshot(entity)
		}
	}

	v.set.notify(newChangeSet(v, Changes{Inserted: created, Updated: updated, Deleted: deleted}, false))
	return result
}

func splitFields(fields []models.Field) (scalars, references []models.Field) {
	for _, field := range fields {
		if field.IsReference() {
			references = append(references, field)
		} else {
			scalars = append(scalars, field)
		}
	}
	return scalars, references
}

// applyReference points target at the entity named by the reference field of
// snap. A zero ID clears the edge.
func (v *View) applyReference(target models.Entity, field models.Field, snap models.Snapshot) {
	switch field {
	case models.FieldArtistID:
		artist, _ := v.objects[snap.ArtistID].(*models.Artist)
		switch e := target.(type) {
		case *models.Album:
			models.SetAlbumArtist(e, artist)
		case *models.Track:
			models.SetTrackArtist(e, artist)
		}
	case models.FieldAlbumID:
		album, _ := v.objects[snap.AlbumID].(*models.Album)
		switch e := target.(type) {
		case *models.Track:
			models.SetTrackAlbum(e, album)
		case *models.AlbumRanking:
			if album != nil {
				models.AddAlbumRanking(album, e)
			}
		}
	}
}

// adoptResult runs on the child after a successful merge: merged inserts take
// the parent's identity, fields the parent kept are copied back and the
// current state becomes the baseline.
func (v *View) adoptResult(ctx context.Context, result PropagateResult) {
	remapped := make(map[models.EntityKind][]uuid.UUID)
	for childID, parentID := range result.Remapped {
		entity, ok := v.objects[childID]
		if !ok {
			continue
		}
		v.unregister(entity)
		models.Reidentify(entity, parentID)
		v.register(entity)
		remapped[entity.EntityKind()] = append(remapped[entity.EntityKind()], parentID)
	}

	for id, snap := range result.resolved {
		if entity, ok := v.objects[id]; ok {
			v.applyResolved(entity, snap)
		}
	}

	v.commit()

	// Entities merged into existing parent entities may have neighbors the
	// child never loaded.
	for kind, ids := range remapped {
		err := v.faultFromParent(ctx, func(pctx context.Context) ([]models.Entity, error) {
			found, err := v.parent.ObjectsByIDs(pctx, kind, ids)
			if err != nil {
				return nil, err
			}
			return entityValues(found), nil
		})
		if err != nil {
			v.log.Function("adoptResult").Er("failed to load merged neighbors", err, "kind", kind)
		}
	}
}

func (v *View) applyResolved(entity models.Entity, snap models.Snapshot) {
	scalars, references := splitFields(models.TakeSnapshot(entity).Diff(snap))
	models.ApplySnapshot(entity, snap, scalars)

	for _, field := range references {
		var id uuid.UUID
		if field == models.FieldArtistID {
			id = snap.ArtistID
		} else {
			id = snap.AlbumID
		}
		if _, loaded := v.objects[id]; loaded || id == uuid.Nil {
			v.applyReference(entity, field, snap)
			continue
		}
		setDanglingReference(entity, field, id)
	}
}

// setDanglingReference records a foreign key whose target is not loaded in
// the view yet; link connects it once the target is faulted in.
func setDanglingReference(entity models.Entity, field models.Field, id uuid.UUID) {
	switch e := entity.(type) {
	case *models.Album:
		models.SetAlbumArtist(e, nil)
		e.ArtistID = &id
	case *models.Track:
		if field == models.FieldArtistID {
			models.SetTrackArtist(e, nil)
			e.ArtistID = &id
		} else {
			models.SetTrackAlbum(e, nil)
			e.AlbumID = &id
		}
	}
}
