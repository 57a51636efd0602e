package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"catalogsync/internal/catalog"
	"catalogsync/internal/catalog/catalogtest"
	"catalogsync/internal/models"
	"catalogsync/internal/store"
	"catalogsync/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var observedDay = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

type reconcileOutcome struct {
	existing map[string]models.Entity
	created  map[string]models.Entity
	err      error
	onQueue  bool
}

// flakySource fails key lookups for the configured kinds.
type flakySource struct {
	*store.MemorySource

	mu      sync.Mutex
	failing map[models.EntityKind]error
}

func (f *flakySource) fail(kind models.EntityKind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing == nil {
		f.failing = make(map[models.EntityKind]error)
	}
	f.failing[kind] = err
}

func (f *flakySource) GetByKeys(ctx context.Context, kind models.EntityKind, keys []string) ([]models.Entity, error) {
	f.mu.Lock()
	err := f.failing[kind]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.MemorySource.GetByKeys(ctx, kind, keys)
}

func setupReconciler(t *testing.T, seed ...models.Entity) (*ReconcilerService, *catalogtest.Fake, *store.ContextSet) {
	t.Helper()

	set := store.New(store.NewMemorySource(seed...))
	t.Cleanup(set.Close)

	fake := catalogtest.NewFake()
	reconciler := NewReconcilerService(fake)
	reconciler.now = func() time.Time { return observedDay }

	return reconciler, fake, set
}

func collect(view *store.View) (ReconcileCompletion, <-chan reconcileOutcome) {
	outcomes := make(chan reconcileOutcome, 1)
	return func(ctx context.Context, existing, created map[string]models.Entity, err error) {
		outcomes <- reconcileOutcome{existing, created, err, view.OnQueue(ctx)}
	}, outcomes
}

func waitOutcome(t *testing.T, outcomes <-chan reconcileOutcome) reconcileOutcome {
	t.Helper()
	select {
	case outcome := <-outcomes:
		return outcome
	case <-time.After(5 * time.Second):
		t.Fatal("completion never ran")
		return reconcileOutcome{}
	}
}

func runOn(t *testing.T, view *store.View, fn func(ctx context.Context) error) {
	t.Helper()
	require.NoError(t, view.PerformAndWait(context.Background(), fn))
}

func TestReconcile_EmptyKeysCompleteImmediately(t *testing.T) {
	reconciler, fake, set := setupReconciler(t)
	view := set.Sync()

	var outcome reconcileOutcome
	runOn(t, view, func(ctx context.Context) error {
		completion, outcomes := collect(view)
		reconciler.Reconcile(ctx, nil, models.KindTrack, view, completion)

		select {
		case outcome = <-outcomes:
		default:
			t.Fatal("completion did not run before Reconcile returned")
		}
		return nil
	})

	assert.NoError(t, outcome.err)
	assert.Empty(t, outcome.existing)
	assert.Empty(t, outcome.created)
	assert.Zero(t, fake.Calls())
}

func TestReconcile_PartitionsExistingAndCreated(t *testing.T) {
	reconciler, fake, set := setupReconciler(t, models.NewAlbum("a1", "Kid A"))
	fake.Add(catalog.Bundle{Key: "a2", Name: "Amnesiac", Icon: "https://img.example/a2.jpg"})
	view := set.Sync()

	completion, outcomes := collect(view)
	reconciler.Reconcile(context.Background(), []string{"a1", "a2", "a1"}, models.KindAlbum, view, completion)
	outcome := waitOutcome(t, outcomes)

	require.NoError(t, outcome.err)
	assert.True(t, outcome.onQueue, "completion runs on the view's queue")
	assert.Equal(t, []string{"a1"}, mapKeys(outcome.existing))
	assert.Equal(t, []string{"a2"}, mapKeys(outcome.created))
	assert.Equal(t, [][]string{{"a2"}}, fake.Requested())

	album := outcome.created["a2"].(*models.Album)
	assert.Equal(t, "Amnesiac", album.Name)
	assert.Equal(t, "https://img.example/a2.jpg", album.ImageLink)
	assert.Equal(t, observedDay, album.UpdatedAt)
	assert.NotEmpty(t, album.ContentHash)
	assert.Same(t, view, set.ResolveOwningContext(album))
}

func TestReconcile_FullyPresentSkipsCatalog(t *testing.T) {
	reconciler, fake, set := setupReconciler(t, models.NewArtist("r1", "Radiohead"))
	view := set.Sync()

	completion, outcomes := collect(view)
	reconciler.Reconcile(context.Background(), []string{"r1"}, models.KindArtist, view, completion)
	outcome := waitOutcome(t, outcomes)

	require.NoError(t, outcome.err)
	assert.Len(t, outcome.existing, 1)
	assert.Empty(t, outcome.created)
	assert.Zero(t, fake.Calls())
}

func TestReconcile_Idempotent(t *testing.T) {
	reconciler, fake, set := setupReconciler(t)
	fake.Add(catalog.Bundle{Key: "r1", Name: "Radiohead"}, catalog.Bundle{Key: "r2", Name: "Portishead"})
	view := set.Sync()
	keys := []string{"r1", "r2", "r404"}

	first, err := reconciler.ReconcileAndWait(context.Background(), keys, models.KindArtist, view)
	require.NoError(t, err)
	assert.Empty(t, first.Existing)
	assert.Equal(t, []string{"r1", "r2"}, mapKeys(first.Created))

	second, err := reconciler.ReconcileAndWait(context.Background(), keys, models.KindArtist, view)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, mapKeys(second.Existing))
	assert.Empty(t, second.Created)
	assert.Same(t, first.Created["r1"], second.Existing["r1"])

	runOn(t, view, func(ctx context.Context) error {
		artists, err := view.Registered(ctx, models.KindArtist)
		require.NoError(t, err)
		assert.Len(t, artists, 2)
		return nil
	})
	assert.Equal(t, 2, fake.Calls(), "r404 is asked for again because it never materialised")
}

func TestReconcile_TransportErrorKeepsExisting(t *testing.T) {
	reconciler, fake, set := setupReconciler(t, models.NewArtist("r1", "Radiohead"))
	fake.Add(catalog.Bundle{Key: "r2", Name: "Portishead"})
	fake.FailWith(types.NewTransportError(errors.New("connection reset"), "catalog unreachable"))
	view := set.Sync()

	result, err := reconciler.ReconcileAndWait(context.Background(), []string{"r1", "r2"}, models.KindArtist, view)
	assert.ErrorIs(t, err, types.ErrTransport)
	assert.Equal(t, []string{"r1"}, mapKeys(result.Existing))
	assert.Empty(t, result.Created)

	runOn(t, view, func(ctx context.Context) error {
		changes, err := view.Changes(ctx)
		require.NoError(t, err)
		assert.True(t, changes.Empty())
		return nil
	})
}

func TestReconcile_CancelSuppressesCompletionAndMutation(t *testing.T) {
	reconciler, fake, set := setupReconciler(t)
	fake.Manual = true
	fake.Add(catalog.Bundle{Key: "r1", Name: "Radiohead"})
	view := set.Sync()

	called := make(chan struct{}, 1)
	request := reconciler.Reconcile(context.Background(), []string{"r1"}, models.KindArtist, view,
		func(context.Context, map[string]models.Entity, map[string]models.Entity, error) {
			called <- struct{}{}
		})

	require.Eventually(t, func() bool { return fake.Calls() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, request.Cancel())
	fake.Release()

	runOn(t, view, func(ctx context.Context) error {
		changes, err := view.Changes(ctx)
		require.NoError(t, err)
		assert.True(t, changes.Empty())
		return nil
	})

	select {
	case <-called:
		t.Fatal("completion ran after cancel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReconcile_HeterogeneousKeysLinkRelationships(t *testing.T) {
	reconciler, fake, set := setupReconciler(t, models.NewArtist("r1", "Radiohead"))
	fake.Add(
		catalog.Bundle{Key: "a1", Name: "Kid A", ArtistKey: "r1"},
		catalog.Bundle{Key: "t1", Name: "Idioteque", TrackNumber: 8, AlbumKey: "a1", ArtistKey: "r1"},
		catalog.Bundle{Key: "x1", Type: "t", Name: "Motion Picture Soundtrack", AlbumKey: "a1"},
	)
	view := set.Sync()

	result, err := reconciler.ReconcileAndWait(context.Background(), []string{"a1", "t1", "x1"}, "", view)
	require.NoError(t, err)
	require.Len(t, result.Created, 3)

	runOn(t, view, func(ctx context.Context) error {
		album := result.Created["a1"].(*models.Album)
		track := result.Created["t1"].(*models.Track)
		typed := result.Created["x1"].(*models.Track)

		require.NotNil(t, album.Artist)
		assert.Equal(t, "r1", album.Artist.Key)
		assert.Contains(t, album.Artist.Albums, album)

		assert.Same(t, album, track.Album)
		assert.Same(t, album, typed.Album)
		assert.ElementsMatch(t, []*models.Track{track, typed}, album.Tracks)
		assert.Equal(t, 8, track.TrackNumber)
		require.NotNil(t, track.Artist)
		assert.Contains(t, track.Artist.Tracks, track)
		return nil
	})
}

func TestReconcile_AlbumRankRecorded(t *testing.T) {
	reconciler, fake, set := setupReconciler(t)
	fake.Add(catalog.Bundle{Key: "a1", Name: "Kid A", Rank: 4, ObservedAt: observedDay})
	view := set.Sync()

	result, err := reconciler.ReconcileAndWait(context.Background(), []string{"a1"}, models.KindAlbum, view)
	require.NoError(t, err)

	runOn(t, view, func(ctx context.Context) error {
		album := result.Created["a1"].(*models.Album)
		require.Len(t, album.Rankings, 1)
		assert.Equal(t, 4, album.Rankings[0].Rank)

		changes, err := view.Changes(ctx)
		require.NoError(t, err)
		assert.Len(t, changes.Inserted, 2)
		return nil
	})
}

func TestReconcileHeavyRotation_Upserts(t *testing.T) {
	existing := models.NewAlbum("a1", "Kid A")
	reconciler, fake, set := setupReconciler(t, existing)
	view := set.Sync()

	fake.SetHeavyRotation(
		catalog.Bundle{Key: "a1", Name: "Kid A Mnesia", Rank: 1, ObservedAt: observedDay},
		catalog.Bundle{Key: "a2", Name: "Amnesiac", Rank: 2, ObservedAt: observedDay},
		catalog.Bundle{Key: "t9", Name: "Pyramid Song", AlbumKey: "a2"},
	)

	completion, outcomes := collect(view)
	reconciler.ReconcileHeavyRotation(context.Background(), view, completion)
	outcome := waitOutcome(t, outcomes)
	require.NoError(t, outcome.err)

	assert.Equal(t, []string{"a1"}, mapKeys(outcome.existing))
	assert.Equal(t, []string{"a2", "t9"}, mapKeys(outcome.created))

	var firstUpdate time.Time
	runOn(t, view, func(ctx context.Context) error {
		album := outcome.existing["a1"].(*models.Album)
		assert.Equal(t, "Kid A Mnesia", album.Name)
		assert.Equal(t, observedDay, album.UpdatedAt)
		require.Len(t, album.Rankings, 1)
		assert.Equal(t, 1, album.Rankings[0].Rank)
		firstUpdate = album.UpdatedAt

		created := outcome.created["t9"].(*models.Track)
		assert.Same(t, outcome.created["a2"], created.Album)
		return nil
	})

	// same content later the same day: no field change, rank overwritten in place
	reconciler.now = func() time.Time { return observedDay.Add(2 * time.Hour) }
	fake.SetHeavyRotation(
		catalog.Bundle{Key: "a1", Name: "Kid A Mnesia", Rank: 3, ObservedAt: observedDay.Add(2 * time.Hour)},
	)

	completion, outcomes = collect(view)
	reconciler.ReconcileHeavyRotation(context.Background(), view, completion)
	outcome = waitOutcome(t, outcomes)
	require.NoError(t, outcome.err)

	runOn(t, view, func(ctx context.Context) error {
		album := outcome.existing["a1"].(*models.Album)
		assert.Equal(t, firstUpdate, album.UpdatedAt)
		require.Len(t, album.Rankings, 1, "one ranking per album per day")
		assert.Equal(t, 3, album.Rankings[0].Rank)
		return nil
	})
}

func TestReconcileHeavyRotation_NeverRegressesUpdatedAt(t *testing.T) {
	future := observedDay.Add(48 * time.Hour)
	existing := models.NewArtist("r1", "Radiohead")
	existing.UpdatedAt = future
	reconciler, fake, set := setupReconciler(t, existing)
	view := set.Sync()

	fake.SetHeavyRotation(catalog.Bundle{Key: "r1", Name: "Radiohead (UK)"})

	completion, outcomes := collect(view)
	reconciler.ReconcileHeavyRotation(context.Background(), view, completion)
	outcome := waitOutcome(t, outcomes)
	require.NoError(t, outcome.err)

	runOn(t, view, func(ctx context.Context) error {
		artist := outcome.existing["r1"].(*models.Artist)
		assert.Equal(t, "Radiohead (UK)", artist.Name)
		assert.Equal(t, future, artist.UpdatedAt)
		return nil
	})
}

func TestRefresh_RelinksChangedReferences(t *testing.T) {
	radiohead := models.NewArtist("r1", "Radiohead")
	atoms := models.NewArtist("r2", "Atoms for Peace")
	album := models.NewAlbum("a1", "Amok")
	album.ArtistKey = "r1"
	models.SetAlbumArtist(album, radiohead)
	reconciler, fake, set := setupReconciler(t, radiohead, atoms, album)
	view := set.Sync()

	fake.Add(catalog.Bundle{Key: "a1", Name: "Amok", ArtistKey: "r2"})

	completion, outcomes := collect(view)
	reconciler.Refresh(context.Background(), []string{"a1"}, view, completion)
	outcome := waitOutcome(t, outcomes)
	require.NoError(t, outcome.err)

	runOn(t, view, func(ctx context.Context) error {
		refreshed := outcome.existing["a1"].(*models.Album)
		require.NotNil(t, refreshed.Artist)
		assert.Equal(t, "r2", refreshed.Artist.Key)
		assert.Contains(t, refreshed.Artist.Albums, refreshed)

		found, err := view.ObjectsByKeys(ctx, models.KindArtist, []string{"r1"})
		require.NoError(t, err)
		assert.NotContains(t, found["r1"].(*models.Artist).Albums, refreshed)
		return nil
	})
}

func TestRefresh_FailureLeavesViewUntouched(t *testing.T) {
	source := &flakySource{MemorySource: store.NewMemorySource(
		models.NewAlbum("a1", "Kid A"),
		models.NewTrack("t1", "Idioteque"),
	)}
	source.fail(models.KindArtist, errors.New("db down"))
	set := store.New(source)
	t.Cleanup(set.Close)

	fake := catalogtest.NewFake(
		catalog.Bundle{Key: "a1", Name: "Kid A (remaster)", Rank: 4},
		catalog.Bundle{Key: "t1", Name: "Idioteque", ArtistKey: "r9"},
	)
	reconciler := NewReconcilerService(fake)
	reconciler.now = func() time.Time { return observedDay }
	view := set.Sync()

	completion, outcomes := collect(view)
	reconciler.Refresh(context.Background(), []string{"a1", "t1"}, view, completion)
	outcome := waitOutcome(t, outcomes)
	assert.ErrorContains(t, outcome.err, "db down")
	assert.Empty(t, outcome.created)

	runOn(t, view, func(ctx context.Context) error {
		changes, err := view.Changes(ctx)
		require.NoError(t, err)
		assert.True(t, changes.Empty(), "no entity was modified")

		found, err := view.ObjectsByKeys(ctx, models.KindAlbum, []string{"a1"})
		require.NoError(t, err)
		album := found["a1"].(*models.Album)
		assert.Equal(t, "Kid A", album.Name)
		assert.Empty(t, album.Rankings)
		return nil
	})
}

func TestRefresh_NewRankingOnExistingAlbum(t *testing.T) {
	reconciler, fake, set := setupReconciler(t, models.NewAlbum("a1", "Kid A"))
	fake.Add(catalog.Bundle{Key: "a1", Name: "Kid A", Rank: 2})
	view := set.Sync()

	completion, outcomes := collect(view)
	reconciler.Refresh(context.Background(), []string{"a1"}, view, completion)
	outcome := waitOutcome(t, outcomes)
	require.NoError(t, outcome.err)

	runOn(t, view, func(ctx context.Context) error {
		album := outcome.existing["a1"].(*models.Album)
		require.Len(t, album.Rankings, 1)
		assert.Equal(t, 2, album.Rankings[0].Rank)

		changes, err := view.Changes(ctx)
		require.NoError(t, err)
		require.Len(t, changes.Inserted, 1)
		assert.Equal(t, models.KindAlbumRanking, changes.Inserted[0].EntityKind())
		return nil
	})
}

func TestReconcileAndWait_ViewClosedWhileFetching(t *testing.T) {
	reconciler, fake, set := setupReconciler(t)
	fake.Manual = true
	fake.Add(catalog.Bundle{Key: "r1", Name: "Radiohead"})
	worker, err := set.CreateWorkerView(set.Primary())
	require.NoError(t, err)

	go func() {
		for fake.Calls() == 0 {
			time.Sleep(time.Millisecond)
		}
		worker.Close()
		fake.Release()
	}()

	errs := make(chan error, 1)
	go func() {
		_, err := reconciler.ReconcileAndWait(context.Background(), []string{"r1"}, models.KindArtist, worker)
		errs <- err
	}()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, types.ErrUsage)
	case <-time.After(5 * time.Second):
		t.Fatal("ReconcileAndWait kept waiting on a closed view")
	}
}

func TestReconcileAndWait_OnQueueIsUsageError(t *testing.T) {
	reconciler, _, set := setupReconciler(t)
	view := set.Sync()

	runOn(t, view, func(ctx context.Context) error {
		_, err := reconciler.ReconcileAndWait(ctx, []string{"r1"}, models.KindArtist, view)
		assert.ErrorIs(t, err, types.ErrUsage)
		return nil
	})
}

func TestReconcileAndWait_ContextCancelled(t *testing.T) {
	reconciler, fake, set := setupReconciler(t)
	fake.Manual = true
	view := set.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for fake.Calls() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := reconciler.ReconcileAndWait(ctx, []string{"r1"}, models.KindArtist, view)
	assert.ErrorIs(t, err, context.Canceled)
}

func mapKeys(entities map[string]models.Entity) []string {
	keys := make([]string, 0, len(entities))
	for key := range entities {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
