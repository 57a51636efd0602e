package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"catalogsync/internal/catalog"
	"catalogsync/internal/models"
	"catalogsync/internal/store"
	"catalogsync/internal/types"
	"catalogsync/internal/utils"

	logger "github.com/Bparsons0904/goLogger"
	"gorm.io/datatypes"
)

// ReconcileCompletion receives the outcome of a reconciliation on the target
// view's queue. ctx belongs to that queue, so the entities may be used and
// mutated directly.
type ReconcileCompletion func(ctx context.Context, existing, created map[string]models.Entity, err error)

type ReconcileResult struct {
	Existing map[string]models.Entity
	Created  map[string]models.Entity
}

// ReconcileRequest is the handle of one reconciliation. Cancelling it before
// the catalog response is applied suppresses both the mutation and the
// completion.
type ReconcileRequest struct {
	catalog catalog.Client

	mu        sync.Mutex
	inner     *catalog.Request
	cancelled bool
	applied   bool
}

// Cancel reports false once the response has been applied.
func (r *ReconcileRequest) Cancel() bool {
	r.mu.Lock()
	if r.applied {
		r.mu.Unlock()
		return false
	}
	r.cancelled = true
	inner := r.inner
	r.mu.Unlock()

	if inner != nil {
		r.catalog.Cancel(inner)
	}
	return true
}

func (r *ReconcileRequest) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *ReconcileRequest) attach(inner *catalog.Request) {
	r.mu.Lock()
	r.inner = inner
	cancelled := r.cancelled
	r.mu.Unlock()

	if cancelled {
		r.catalog.Cancel(inner)
	}
}

// begin claims the right to mutate the view and run the completion.
func (r *ReconcileRequest) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return false
	}
	r.applied = true
	return true
}

// ReconcilerService maps remote keys to local entities, creating what the
// view does not know yet.
type ReconcilerService struct {
	catalog catalog.Client
	now     func() time.Time
	log     logger.Logger
}

func NewReconcilerService(client catalog.Client) *ReconcilerService {
	return &ReconcilerService{
		catalog: client,
		now:     utils.Now,
		log:     logger.New("reconcilerService"),
	}
}

type upsertMode int

const (
	createOnly upsertMode = iota
	overwrite
)

// Reconcile finds or creates the entities for keys in view. An empty kind
// routes every key by its prefix. When ctx already belongs to view's queue
// the existence check runs before Reconcile returns, and so does the
// completion when nothing is missing.
func (s *ReconcilerService) Reconcile(
	ctx context.Context,
	keys []string,
	kind models.EntityKind,
	view *store.View,
	completion ReconcileCompletion,
) *ReconcileRequest {
	request := &ReconcileRequest{catalog: s.catalog}
	keys = uniqueKeys(keys)

	s.onQueue(ctx, view, func(qctx context.Context) {
		s.partition(qctx, request, keys, kind, view, completion)
	})

	return request
}

// ReconcileHeavyRotation fetches the catalog's ranked list and upserts every
// entry into view. Album ranks are recorded as ranking snapshots.
func (s *ReconcilerService) ReconcileHeavyRotation(
	ctx context.Context,
	view *store.View,
	completion ReconcileCompletion,
) *ReconcileRequest {
	log := s.log.Function("ReconcileHeavyRotation")
	request := &ReconcileRequest{catalog: s.catalog}

	inner := s.catalog.FetchHeavyRotation(ctx, func(bundles map[string]catalog.Bundle, err error) {
		s.perform(ctx, view, func(qctx context.Context) {
			if !request.begin() {
				log.Debug("Heavy rotation cancelled before apply")
				return
			}
			if err != nil {
				finish(qctx, completion, nil, nil, err)
				return
			}
			existing, created, err := s.upsert(qctx, view, "", bundles, nil, overwrite)
			finish(qctx, completion, existing, created, err)
		})
	})
	request.attach(inner)

	return request
}

// Refresh refetches keys whether or not view knows them and overwrites the
// remote fields of the entities it already has.
func (s *ReconcilerService) Refresh(
	ctx context.Context,
	keys []string,
	view *store.View,
	completion ReconcileCompletion,
) *ReconcileRequest {
	request := &ReconcileRequest{catalog: s.catalog}
	keys = uniqueKeys(keys)

	if len(keys) == 0 {
		s.onQueue(ctx, view, func(qctx context.Context) {
			if request.begin() {
				finish(qctx, completion, nil, nil, nil)
			}
		})
		return request
	}

	inner := s.catalog.FetchByKeys(ctx, keys, func(bundles map[string]catalog.Bundle, err error) {
		s.perform(ctx, view, func(qctx context.Context) {
			if !request.begin() {
				return
			}
			if err != nil {
				finish(qctx, completion, nil, nil, err)
				return
			}
			existing, created, err := s.upsert(qctx, view, "", bundles, toSet(keys), overwrite)
			finish(qctx, completion, existing, created, err)
		})
	})
	request.attach(inner)

	return request
}

// ReconcileAndWait blocks until Reconcile completes. It must not be called
// from view's own queue. If ctx ends first the request is cancelled.
func (s *ReconcilerService) ReconcileAndWait(
	ctx context.Context,
	keys []string,
	kind models.EntityKind,
	view *store.View,
) (ReconcileResult, error) {
	if view.OnQueue(ctx) {
		return ReconcileResult{}, types.NewUsageError("ReconcileAndWait called on the %s queue", view.Name())
	}
	if view.IsClosed() {
		return ReconcileResult{}, types.NewUsageError("view %s is closed", view.Name())
	}

	done := make(chan reconcileReply, 1)

	request := s.Reconcile(ctx, keys, kind, view, func(_ context.Context, existing, created map[string]models.Entity, err error) {
		done <- reconcileReply{ReconcileResult{Existing: existing, Created: created}, err}
	})

	select {
	case out := <-done:
		return out.result, out.err
	case <-view.Done():
		return replyAfterClose(view, done)
	case <-ctx.Done():
		if request.Cancel() {
			return ReconcileResult{}, ctx.Err()
		}
		select {
		case out := <-done:
			return out.result, out.err
		case <-view.Done():
			return replyAfterClose(view, done)
		}
	}
}

type reconcileReply struct {
	result ReconcileResult
	err    error
}

// replyAfterClose prefers a completion that ran before the view's queue
// stopped.
func replyAfterClose(view *store.View, done <-chan reconcileReply) (ReconcileResult, error) {
	select {
	case out := <-done:
		return out.result, out.err
	default:
		return ReconcileResult{}, types.NewUsageError("view %s closed before reconciliation completed", view.Name())
	}
}

// onQueue runs fn inline when ctx already belongs to view's queue.
func (s *ReconcilerService) onQueue(ctx context.Context, view *store.View, fn func(context.Context)) {
	if view.OnQueue(ctx) {
		fn(ctx)
		return
	}
	s.perform(ctx, view, fn)
}

// perform always enqueues. Catalog callbacks use it because they run on the
// client's goroutine even when ctx carries the view's queue token.
func (s *ReconcilerService) perform(ctx context.Context, view *store.View, fn func(context.Context)) {
	if !view.Perform(ctx, fn) {
		s.log.Function("perform").Warn("view closed, reconciliation dropped", "view", view.Name())
	}
}

func (s *ReconcilerService) partition(
	ctx context.Context,
	request *ReconcileRequest,
	keys []string,
	kind models.EntityKind,
	view *store.View,
	completion ReconcileCompletion,
) {
	log := s.log.Function("partition")

	if request.Cancelled() {
		return
	}

	present, missing, err := lookupKeys(ctx, view, kind, keys)
	if err != nil {
		if request.begin() {
			finish(ctx, completion, nil, nil, err)
		}
		return
	}

	if len(missing) == 0 {
		if request.begin() {
			finish(ctx, completion, present, nil, nil)
		}
		return
	}

	log.Debug("Fetching missing keys", "view", view.Name(), "present", len(present), "missing", len(missing))

	inner := s.catalog.FetchByKeys(ctx, missing, func(bundles map[string]catalog.Bundle, err error) {
		s.perform(ctx, view, func(qctx context.Context) {
			if !request.begin() {
				log.Debug("Reconciliation cancelled before apply", "view", view.Name())
				return
			}
			if err != nil {
				finish(qctx, completion, present, nil, err)
				return
			}

			existing, created, err := s.upsert(qctx, view, kind, bundles, toSet(missing), createOnly)
			if err != nil {
				finish(qctx, completion, present, nil, err)
				return
			}
			for key, entity := range existing {
				present[key] = entity
			}
			finish(qctx, completion, present, created, nil)
		})
	})
	request.attach(inner)
}

// upsert writes bundles into view. With createOnly, entities the view
// already has are reported as existing and left untouched. wanted limits the
// keys considered; nil accepts every bundle. References are resolved and new
// entities inserted in one step before any existing entity is modified, so
// an error leaves the view unchanged.
func (s *ReconcilerService) upsert(
	ctx context.Context,
	view *store.View,
	kind models.EntityKind,
	bundles map[string]catalog.Bundle,
	wanted map[string]bool,
	mode upsertMode,
) (map[string]models.Entity, map[string]models.Entity, error) {
	log := s.log.Function("upsert")
	now := s.now()

	byKind := make(map[models.EntityKind][]catalog.Bundle)
	for _, key := range sortedKeys(bundles) {
		if wanted != nil && !wanted[key] {
			continue
		}
		bundle := bundles[key]
		bundle.Key = key

		bundleKind, ok := bundle.Kind()
		if !ok {
			bundleKind = kind
		}
		if !bundleKind.Keyed() {
			log.Warn("Skipping bundle with unroutable key", "key", key, "type", bundle.Type)
			continue
		}
		byKind[bundleKind] = append(byKind[bundleKind], bundle)
	}

	existing := make(map[string]models.Entity)
	created := make(map[string]models.Entity)
	var updates []catalog.Bundle
	var inserts []models.Entity

	for _, entityKind := range []models.EntityKind{models.KindArtist, models.KindAlbum, models.KindTrack} {
		group := byKind[entityKind]
		if len(group) == 0 {
			continue
		}

		keys := make([]string, len(group))
		for i, bundle := range group {
			keys[i] = bundle.Key
		}
		found, err := view.ObjectsByKeys(ctx, entityKind, keys)
		if err != nil {
			return nil, nil, err
		}

		for _, bundle := range group {
			if entity, ok := found[bundle.Key]; ok {
				existing[bundle.Key] = entity
				if mode == overwrite {
					updates = append(updates, bundle)
				}
				continue
			}
			entity := newEntity(entityKind, bundle)
			entity.Base().Touch(now)
			entity.Base().ContentHash = contentHash(entity)
			created[bundle.Key] = entity
			inserts = append(inserts, entity)
		}
	}

	refs, err := loadReferenced(ctx, view, inserts, updates, created)
	if err != nil {
		return nil, nil, err
	}

	// new rankings go in with the new entities
	var rankings []*models.AlbumRanking
	for _, entity := range inserts {
		if album, ok := entity.(*models.Album); ok {
			rankings = appendRanking(rankings, album, bundles[album.Key], now)
		}
	}
	for _, bundle := range updates {
		if album, ok := existing[bundle.Key].(*models.Album); ok {
			rankings = appendRanking(rankings, album, bundle, now)
		}
	}

	if len(inserts) > 0 || len(rankings) > 0 {
		batch := inserts
		for _, ranking := range rankings {
			batch = append(batch, ranking)
		}
		if err := view.Insert(ctx, batch...); err != nil {
			for _, ranking := range rankings {
				models.RemoveAlbumRanking(ranking.Album, ranking)
			}
			return nil, nil, log.Err("failed to insert reconciled entities", err, "view", view.Name())
		}
	}

	updated := 0
	for _, bundle := range updates {
		if s.overwrite(existing[bundle.Key], bundle, refs, now) {
			updated++
		}
	}

	log.Info("Reconciled bundles",
		"view", view.Name(),
		"existing", len(existing),
		"created", len(created),
		"updated", updated,
		"rankings", len(rankings),
	)
	return existing, created, nil
}

// appendRanking attaches a new ranking for the bundle's rank unless the album
// already has one for that UTC day. Same-day ranks are written by overwrite.
func appendRanking(
	rankings []*models.AlbumRanking,
	album *models.Album,
	bundle catalog.Bundle,
	now time.Time,
) []*models.AlbumRanking {
	if bundle.Rank <= 0 {
		return rankings
	}
	at := observedAt(bundle, now)
	for _, ranking := range album.Rankings {
		if utils.SameDay(ranking.ObservedAt, at.UTC()) {
			return rankings
		}
	}
	ranking, _ := models.RecordRanking(album, bundle.Rank, at)
	return append(rankings, ranking)
}

// overwrite applies a bundle to an entity the view already has. Remote fields
// are only written when the content hash changed; ranks are recorded either
// way. It cannot fail: references were resolved by loadReferenced.
func (s *ReconcilerService) overwrite(
	entity models.Entity,
	bundle catalog.Bundle,
	refs references,
	now time.Time,
) bool {
	if album, ok := entity.(*models.Album); ok && bundle.Rank > 0 {
		models.RecordRanking(album, bundle.Rank, observedAt(bundle, now))
	}

	candidate := newEntity(entity.EntityKind(), bundle)
	hash := contentHash(candidate)
	if hash == entity.Base().ContentHash {
		return false
	}

	base := entity.Base()
	base.Name = bundle.Name
	base.Raw = datatypes.JSON(bundle.RawJSON())
	base.ContentHash = hash
	base.Touch(now)

	switch e := entity.(type) {
	case *models.Album:
		e.ImageLink = bundle.Icon
		if e.ArtistKey != bundle.ArtistKey {
			e.ArtistKey = bundle.ArtistKey
			models.SetAlbumArtist(e, refs.artists[bundle.ArtistKey])
		}
	case *models.Track:
		e.TrackNumber = bundle.TrackNumber
		if e.AlbumKey != bundle.AlbumKey {
			e.AlbumKey = bundle.AlbumKey
			models.SetTrackAlbum(e, refs.albums[bundle.AlbumKey])
		}
		if e.ArtistKey != bundle.ArtistKey {
			e.ArtistKey = bundle.ArtistKey
			models.SetTrackArtist(e, refs.artists[bundle.ArtistKey])
		}
	}

	return true
}

func newEntity(kind models.EntityKind, bundle catalog.Bundle) models.Entity {
	var entity models.Entity
	switch kind {
	case models.KindArtist:
		entity = models.NewArtist(bundle.Key, bundle.Name)
	case models.KindAlbum:
		album := models.NewAlbum(bundle.Key, bundle.Name)
		album.ImageLink = bundle.Icon
		album.ArtistKey = bundle.ArtistKey
		entity = album
	case models.KindTrack:
		track := models.NewTrack(bundle.Key, bundle.Name)
		track.TrackNumber = bundle.TrackNumber
		track.AlbumKey = bundle.AlbumKey
		track.ArtistKey = bundle.ArtistKey
		entity = track
	default:
		return nil
	}
	entity.Base().Raw = datatypes.JSON(bundle.RawJSON())
	return entity
}

func contentHash(entity models.Entity) string {
	if hashable, ok := entity.(utils.Hashable); ok {
		return utils.GenerateEntityHash(hashable)
	}
	return ""
}

func observedAt(bundle catalog.Bundle, now time.Time) time.Time {
	if bundle.ObservedAt.IsZero() {
		return now
	}
	return bundle.ObservedAt
}

// lookupKeys splits keys into the entities view already has and the keys it
// does not.
func lookupKeys(
	ctx context.Context,
	view *store.View,
	kind models.EntityKind,
	keys []string,
) (map[string]models.Entity, []string, error) {
	byKind := make(map[models.EntityKind][]string)
	var missing []string
	for _, key := range keys {
		keyKind := kind
		if keyKind == "" {
			var ok bool
			if keyKind, ok = models.KindForKey(key); !ok {
				missing = append(missing, key)
				continue
			}
		}
		byKind[keyKind] = append(byKind[keyKind], key)
	}

	present := make(map[string]models.Entity)
	for keyKind, kindKeys := range byKind {
		found, err := view.ObjectsByKeys(ctx, keyKind, kindKeys)
		if err != nil {
			return nil, nil, err
		}
		for _, key := range kindKeys {
			if entity, ok := found[key]; ok {
				present[key] = entity
			} else {
				missing = append(missing, key)
			}
		}
	}

	sort.Strings(missing)
	return present, missing, nil
}

// references are the artists and albums a batch points at by key.
type references struct {
	artists map[string]*models.Artist
	albums  map[string]*models.Album
}

// loadReferenced faults the artists and albums that new entities and updates
// reference by key, so Insert can link them and overwrite never has to go
// back to the source. Entities created in the same batch resolve to the new
// instances.
func loadReferenced(
	ctx context.Context,
	view *store.View,
	inserts []models.Entity,
	updates []catalog.Bundle,
	created map[string]models.Entity,
) (references, error) {
	refs := references{
		artists: make(map[string]*models.Artist),
		albums:  make(map[string]*models.Album),
	}

	var artistKeys, albumKeys []string
	addArtist := func(key string) {
		if _, ok := created[key]; !ok {
			artistKeys = appendKey(artistKeys, key)
		}
	}
	addAlbum := func(key string) {
		if _, ok := created[key]; !ok {
			albumKeys = appendKey(albumKeys, key)
		}
	}

	for _, entity := range inserts {
		switch e := entity.(type) {
		case *models.Artist:
			refs.artists[e.Key] = e
		case *models.Album:
			refs.albums[e.Key] = e
			addArtist(e.ArtistKey)
		case *models.Track:
			addArtist(e.ArtistKey)
			addAlbum(e.AlbumKey)
		}
	}
	for _, bundle := range updates {
		addArtist(bundle.ArtistKey)
		addAlbum(bundle.AlbumKey)
	}

	if len(artistKeys) > 0 {
		found, err := view.ObjectsByKeys(ctx, models.KindArtist, artistKeys)
		if err != nil {
			return references{}, err
		}
		for key, entity := range found {
			if artist, ok := entity.(*models.Artist); ok {
				refs.artists[key] = artist
			}
		}
	}
	if len(albumKeys) > 0 {
		found, err := view.ObjectsByKeys(ctx, models.KindAlbum, albumKeys)
		if err != nil {
			return references{}, err
		}
		for key, entity := range found {
			if album, ok := entity.(*models.Album); ok {
				refs.albums[key] = album
			}
		}
	}
	return refs, nil
}

func finish(
	ctx context.Context,
	completion ReconcileCompletion,
	existing, created map[string]models.Entity,
	err error,
) {
	if completion == nil {
		return
	}
	if existing == nil {
		existing = map[string]models.Entity{}
	}
	if created == nil || err != nil {
		created = map[string]models.Entity{}
	}
	completion(ctx, existing, created, err)
}

func uniqueKeys(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	unique := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, key)
	}
	return unique
}

func appendKey(keys []string, key string) []string {
	if key == "" {
		return keys
	}
	return append(keys, key)
}

func toSet(keys []string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, key := range keys {
		set[key] = true
	}
	return set
}

func sortedKeys(bundles map[string]catalog.Bundle) []string {
	keys := make([]string, 0, len(bundles))
	for key := range bundles {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
