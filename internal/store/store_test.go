package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"catalogsync/internal/models"
	"catalogsync/internal/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

func newTestSet(t *testing.T, seed ...models.Entity) (*ContextSet, *MemorySource) {
	t.Helper()
	source := NewMemorySource(seed...)
	set := New(source)
	t.Cleanup(set.Close)
	return set, source
}

func onQueue(t *testing.T, view *View, fn func(ctx context.Context) error) {
	t.Helper()
	require.NoError(t, view.PerformAndWait(context.Background(), fn))
}

func seededAlbum() (*models.Artist, *models.Album, *models.Track) {
	artist := models.NewArtist("r1", "Radiohead")
	album := models.NewAlbum("a1", "Kid A")
	track := models.NewTrack("t1", "Idioteque")
	models.SetAlbumArtist(album, artist)
	models.SetTrackAlbum(track, album)
	models.SetTrackArtist(track, artist)
	return artist, album, track
}

func TestView_OffQueueCallsAreUsageErrors(t *testing.T) {
	set, _ := newTestSet(t)

	err := set.Sync().Insert(context.Background(), models.NewArtist("r1", "Radiohead"))
	assert.ErrorIs(t, err, types.ErrUsage)

	_, err = set.Primary().ObjectsByKeys(context.Background(), models.KindArtist, []string{"r1"})
	assert.ErrorIs(t, err, types.ErrUsage)

	// a context from another view's queue does not count either
	onQueue(t, set.Sync(), func(ctx context.Context) error {
		assert.ErrorIs(t, set.Primary().Persist(ctx), types.ErrUsage)
		return nil
	})
}

func TestView_PersistOnlyFromPrimary(t *testing.T) {
	set, _ := newTestSet(t)

	for _, view := range []*View{set.Sync(), set.Test()} {
		onQueue(t, view, func(ctx context.Context) error {
			assert.ErrorIs(t, view.Persist(ctx), types.ErrUsage)
			return nil
		})
	}
}

func TestContextSet_WorkerDepthLimit(t *testing.T) {
	set, _ := newTestSet(t)

	worker, err := set.CreateWorkerView(set.Sync())
	require.NoError(t, err)
	assert.Equal(t, 2, worker.Depth())
	assert.Equal(t, RoleWorker, worker.Role())
	assert.Same(t, set.Sync(), worker.Parent())

	_, err = set.CreateWorkerView(worker)
	assert.ErrorIs(t, err, types.ErrUsage)

	worker.Close()
	_, err = set.CreateWorkerView(worker)
	assert.ErrorIs(t, err, types.ErrUsage)
}

func TestView_ParentMustNotWaitOnChild(t *testing.T) {
	set, _ := newTestSet(t)

	err := set.Primary().PerformAndWait(context.Background(), func(ctx context.Context) error {
		return set.Sync().PerformAndWait(ctx, func(context.Context) error { return nil })
	})
	assert.ErrorIs(t, err, types.ErrUsage)

	// the other direction is allowed, and re-entering the same queue runs inline
	err = set.Sync().PerformAndWait(context.Background(), func(ctx context.Context) error {
		return set.Primary().PerformAndWait(ctx, func(pctx context.Context) error {
			return set.Primary().PerformAndWait(pctx, func(context.Context) error { return nil })
		})
	})
	assert.NoError(t, err)
}

func TestView_PanicsBecomeErrors(t *testing.T) {
	set, _ := newTestSet(t)

	err := set.Sync().PerformAndWait(context.Background(), func(context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// the queue keeps running
	onQueue(t, set.Sync(), func(context.Context) error { return nil })
}

func TestView_PerformRecoversPanics(t *testing.T) {
	set, _ := newTestSet(t)

	require.True(t, set.Sync().Perform(context.Background(), func(context.Context) {
		panic("boom")
	}))

	ran := false
	onQueue(t, set.Sync(), func(context.Context) error {
		ran = true
		return nil
	})
	assert.True(t, ran)
}

func TestView_PerformRunsInOrder(t *testing.T) {
	set, _ := newTestSet(t)

	var order []int
	for i := range 5 {
		require.True(t, set.Sync().Perform(context.Background(), func(context.Context) {
			order = append(order, i)
		}))
	}
	onQueue(t, set.Sync(), func(context.Context) error { return nil })
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestView_InsertRejectsDuplicateKeys(t *testing.T) {
	set, _ := newTestSet(t)

	onQueue(t, set.Sync(), func(ctx context.Context) error {
		require.NoError(t, set.Sync().Insert(ctx, models.NewArtist("r1", "Radiohead")))

		err := set.Sync().Insert(ctx, models.NewArtist("r1", "Other"))
		assert.ErrorIs(t, err, types.ErrConstraintViolation)

		err = set.Sync().Insert(ctx, models.NewArtist("r2", "A"), models.NewArtist("r2", "B"))
		assert.ErrorIs(t, err, types.ErrConstraintViolation)

		err = set.Sync().Insert(ctx, models.NewArtist("", "Nameless"))
		assert.ErrorIs(t, err, types.ErrConstraintViolation)

		registered, err := set.Sync().Registered(ctx, models.KindArtist)
		require.NoError(t, err)
		assert.Len(t, registered, 1)
		return nil
	})
}

func TestView_FaultLoadsConnectedComponent(t *testing.T) {
	artist, album, track := seededAlbum()
	set, _ := newTestSet(t, artist, album, track)

	onQueue(t, set.Sync(), func(ctx context.Context) error {
		found, err := set.Sync().ObjectsByKeys(ctx, models.KindTrack, []string{"t1", "missing"})
		require.NoError(t, err)
		require.Len(t, found, 1)

		loaded := found["t1"].(*models.Track)
		assert.NotSame(t, track, loaded)
		require.NotNil(t, loaded.Album)
		require.NotNil(t, loaded.Artist)
		assert.Equal(t, "Kid A", loaded.Album.Name)
		assert.Same(t, loaded.Artist, loaded.Album.Artist)
		assert.Same(t, set.Sync(), set.ResolveOwningContext(loaded))

		changed, err := set.Sync().HasChanges(ctx)
		require.NoError(t, err)
		assert.False(t, changed)
		return nil
	})

	// the parent now holds its own copy
	onQueue(t, set.Primary(), func(ctx context.Context) error {
		registered, err := set.Primary().Registered(ctx, models.KindAlbum)
		require.NoError(t, err)
		require.Len(t, registered, 1)
		assert.Same(t, set.Primary(), set.ResolveOwningContext(registered[0]))
		return nil
	})
}

func TestPropagateAndPersist_RoundTrip(t *testing.T) {
	set, source := newTestSet(t)

	var (
		mu      sync.Mutex
		changes []ChangeSet
	)
	set.OnChange(func(change ChangeSet) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, change)
	})

	artist, album, track := seededAlbum()
	models.RecordRanking(album, 7, day)

	onQueue(t, set.Sync(), func(ctx context.Context) error {
		syncView := set.Sync()
		require.NoError(t, syncView.Insert(ctx, artist, album, track, album.Rankings[0]))

		result, err := set.Propagate(ctx, syncView)
		require.NoError(t, err)
		assert.Equal(t, 4, result.Inserted)
		assert.Zero(t, result.Merged)
		assert.Empty(t, result.Conflicts)

		again, err := set.Propagate(ctx, syncView)
		require.NoError(t, err)
		assert.True(t, again.Empty())

		return set.Primary().PerformAndWait(ctx, set.Primary().Persist)
	})

	assert.Equal(t, 4, source.Len())
	snap, ok := source.Snapshot(track.ID)
	require.True(t, ok)
	assert.Equal(t, album.ID, snap.AlbumID)
	assert.Equal(t, artist.ID, snap.ArtistID)

	onQueue(t, set.Primary(), func(ctx context.Context) error {
		found, err := set.Primary().ObjectsByKeys(ctx, models.KindAlbum, []string{"a1"})
		require.NoError(t, err)
		primaryAlbum := found["a1"].(*models.Album)
		assert.NotSame(t, album, primaryAlbum)
		assert.Len(t, primaryAlbum.Tracks, 1)
		assert.Len(t, primaryAlbum.Rankings, 1)

		changed, err := set.Primary().HasChanges(ctx)
		require.NoError(t, err)
		assert.False(t, changed)
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	assert.Equal(t, "primary", changes[0].View)
	assert.False(t, changes[0].Persisted)
	assert.True(t, changes[1].Persisted)
	assert.Equal(t, []string{"a1"}, changes[1].Keys()[models.KindAlbum])
}

func TestPropagate_DuplicateKeyMergesIntoParent(t *testing.T) {
	existing := models.NewArtist("r1", "radiohead")
	set, source := newTestSet(t, existing)

	onQueue(t, set.Sync(), func(ctx context.Context) error {
		syncView := set.Sync()
		fresh := models.NewArtist("r1", "Radiohead")
		fresh.Touch(day)
		album := models.NewAlbum("a1", "Kid A")
		models.SetAlbumArtist(album, fresh)
		require.NoError(t, syncView.Insert(ctx, fresh, album))
		freshID := fresh.ID

		result, err := set.Propagate(ctx, syncView)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Merged)
		assert.Equal(t, 1, result.Inserted)
		assert.Equal(t, existing.ID, result.Remapped[freshID])
		assert.Equal(t, existing.ID, fresh.ID)
		assert.Equal(t, existing.ID, *album.ArtistID)

		return set.Primary().PerformAndWait(ctx, set.Primary().Persist)
	})

	assert.Equal(t, 2, source.Len())
	snap, ok := source.Snapshot(existing.ID)
	require.True(t, ok)
	assert.Equal(t, "Radiohead", snap.Name)
}

func TestPropagate_LastWriterWins(t *testing.T) {
	artist := models.NewArtist("r1", "Radiohead")
	artist.Touch(day)

	tests := []struct {
		name         string
		parentStamp  time.Time
		childStamp   time.Time
		expectedName string
		winner       string
	}{
		{"parent newer", day.Add(2 * time.Hour), day.Add(time.Hour), "Parent", "primary"},
		{"child newer", day.Add(time.Hour), day.Add(2 * time.Hour), "Child", "sync"},
		{"tie goes to child", day.Add(time.Hour), day.Add(time.Hour), "Child", "sync"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, _ := newTestSet(t, artist)

			var child *models.Artist
			onQueue(t, set.Sync(), func(ctx context.Context) error {
				found, err := set.Sync().ObjectsByKeys(ctx, models.KindArtist, []string{"r1"})
				require.NoError(t, err)
				child = found["r1"].(*models.Artist)
				return nil
			})
			onQueue(t, set.Primary(), func(ctx context.Context) error {
				found, err := set.Primary().ObjectsByKeys(ctx, models.KindArtist, []string{"r1"})
				require.NoError(t, err)
				parent := found["r1"].(*models.Artist)
				parent.Name = "Parent"
				parent.Touch(tt.parentStamp)
				return nil
			})

			onQueue(t, set.Sync(), func(ctx context.Context) error {
				child.Name = "Child"
				child.Touch(tt.childStamp)

				result, err := set.Propagate(ctx, set.Sync())
				require.NoError(t, err)
				require.Len(t, result.Conflicts, 1)
				assert.Equal(t, models.FieldName, result.Conflicts[0].Field)
				assert.Equal(t, tt.winner, result.Conflicts[0].Winner)

				assert.Equal(t, tt.expectedName, child.Name)
				return nil
			})

			onQueue(t, set.Primary(), func(ctx context.Context) error {
				found, err := set.Primary().ObjectsByKeys(ctx, models.KindArtist, []string{"r1"})
				require.NoError(t, err)
				assert.Equal(t, tt.expectedName, found["r1"].Base().Name)
				return nil
			})
		})
	}
}

func TestPropagate_DisjointFieldsBothSurvive(t *testing.T) {
	album := models.NewAlbum("a1", "Kid A")
	set, _ := newTestSet(t, album)

	var child *models.Album
	onQueue(t, set.Sync(), func(ctx context.Context) error {
		found, err := set.Sync().ObjectsByKeys(ctx, models.KindAlbum, []string{"a1"})
		require.NoError(t, err)
		child = found["a1"].(*models.Album)
		child.ImageLink = "https://img.example/kid-a.jpg"
		return nil
	})
	onQueue(t, set.Primary(), func(ctx context.Context) error {
		found, err := set.Primary().ObjectsByKeys(ctx, models.KindAlbum, []string{"a1"})
		require.NoError(t, err)
		found["a1"].Base().Name = "Kid A (Remastered)"
		return nil
	})

	onQueue(t, set.Sync(), func(ctx context.Context) error {
		result, err := set.Propagate(ctx, set.Sync())
		require.NoError(t, err)
		assert.Empty(t, result.Conflicts)
		assert.Equal(t, 1, result.Updated)
		return nil
	})

	onQueue(t, set.Primary(), func(ctx context.Context) error {
		found, err := set.Primary().ObjectsByKeys(ctx, models.KindAlbum, []string{"a1"})
		require.NoError(t, err)
		merged := found["a1"].(*models.Album)
		assert.Equal(t, "Kid A (Remastered)", merged.Name)
		assert.Equal(t, "https://img.example/kid-a.jpg", merged.ImageLink)
		return nil
	})
}

func TestPropagate_UnresolvableReferenceAppliesNothing(t *testing.T) {
	set, _ := newTestSet(t)

	onQueue(t, set.Sync(), func(ctx context.Context) error {
		syncView := set.Sync()
		artist := models.NewArtist("r1", "Radiohead")
		album := models.NewAlbum("a1", "Kid A")
		missing := uuid.New()
		album.ArtistID = &missing
		require.NoError(t, syncView.Insert(ctx, artist, album))

		_, err := set.Propagate(ctx, syncView)
		assert.ErrorIs(t, err, types.ErrConstraintViolation)

		changed, err := syncView.HasChanges(ctx)
		require.NoError(t, err)
		assert.True(t, changed)
		return nil
	})

	onQueue(t, set.Primary(), func(ctx context.Context) error {
		found, err := set.Primary().ObjectsByKeys(ctx, models.KindArtist, []string{"r1"})
		require.NoError(t, err)
		assert.Empty(t, found)
		return nil
	})
}

func TestPropagate_RankingsDedupedPerDay(t *testing.T) {
	album := models.NewAlbum("a1", "Kid A")
	set, _ := newTestSet(t, album)

	var child *models.Album
	onQueue(t, set.Sync(), func(ctx context.Context) error {
		found, err := set.Sync().ObjectsByKeys(ctx, models.KindAlbum, []string{"a1"})
		require.NoError(t, err)
		child = found["a1"].(*models.Album)
		return nil
	})
	onQueue(t, set.Primary(), func(ctx context.Context) error {
		found, err := set.Primary().ObjectsByKeys(ctx, models.KindAlbum, []string{"a1"})
		require.NoError(t, err)
		ranking, created := models.RecordRanking(found["a1"].(*models.Album), 3, day.Add(time.Hour))
		require.True(t, created)
		return set.Primary().Insert(ctx, ranking)
	})

	onQueue(t, set.Sync(), func(ctx context.Context) error {
		ranking, created := models.RecordRanking(child, 5, day.Add(2*time.Hour))
		require.True(t, created)
		require.NoError(t, set.Sync().Insert(ctx, ranking))

		result, err := set.Propagate(ctx, set.Sync())
		require.NoError(t, err)
		assert.Equal(t, 1, result.Merged)
		assert.Zero(t, result.Inserted)
		return nil
	})

	onQueue(t, set.Primary(), func(ctx context.Context) error {
		found, err := set.Primary().ObjectsByKeys(ctx, models.KindAlbum, []string{"a1"})
		require.NoError(t, err)
		rankings := found["a1"].(*models.Album).Rankings
		require.Len(t, rankings, 1)
		assert.Equal(t, 5, rankings[0].Rank)
		return nil
	})
}

func TestDelete_NullifiesReferencesAndCascadesRankings(t *testing.T) {
	artist, album, track := seededAlbum()
	ranking, _ := models.RecordRanking(album, 1, day)
	set, source := newTestSet(t, artist, album, track, ranking)

	onQueue(t, set.Sync(), func(ctx context.Context) error {
		syncView := set.Sync()
		found, err := syncView.ObjectsByKeys(ctx, models.KindAlbum, []string{"a1"})
		require.NoError(t, err)
		local := found["a1"].(*models.Album)
		localTrack := local.Tracks[0]

		require.NoError(t, syncView.Delete(ctx, local))
		assert.Nil(t, localTrack.Album)
		assert.Nil(t, localTrack.AlbumID)
		assert.Equal(t, "a1", localTrack.AlbumKey)

		changes, err := syncView.Changes(ctx)
		require.NoError(t, err)
		assert.Len(t, changes.Deleted, 2)
		assert.Len(t, changes.Updated, 1)

		_, err = set.Propagate(ctx, syncView)
		require.NoError(t, err)
		return set.Primary().PerformAndWait(ctx, set.Primary().Persist)
	})

	_, ok := source.Snapshot(album.ID)
	assert.False(t, ok)
	_, ok = source.Snapshot(ranking.ID)
	assert.False(t, ok)
	snap, ok := source.Snapshot(track.ID)
	require.True(t, ok)
	assert.Equal(t, uuid.Nil, snap.AlbumID)
	assert.Equal(t, artist.ID, snap.ArtistID)
}

func TestView_ResetDiscardsEverything(t *testing.T) {
	set, _ := newTestSet(t)
	artist := models.NewArtist("r1", "Radiohead")

	onQueue(t, set.Sync(), func(ctx context.Context) error {
		require.NoError(t, set.Sync().Insert(ctx, artist))
		assert.Same(t, set.Sync(), set.ResolveOwningContext(artist))

		require.NoError(t, set.Sync().Reset(ctx))
		changed, err := set.Sync().HasChanges(ctx)
		require.NoError(t, err)
		assert.False(t, changed)
		return nil
	})

	assert.Nil(t, set.ResolveOwningContext(artist))
}

func TestTestView_IsIsolated(t *testing.T) {
	set, source := newTestSet(t)

	onQueue(t, set.Test(), func(ctx context.Context) error {
		require.NoError(t, set.Test().Insert(ctx, models.NewArtist("r1", "Radiohead")))
		_, err := set.Propagate(ctx, set.Test())
		assert.ErrorIs(t, err, types.ErrUsage)
		return nil
	})

	onQueue(t, set.Primary(), func(ctx context.Context) error {
		found, err := set.Primary().ObjectsByKeys(ctx, models.KindArtist, []string{"r1"})
		require.NoError(t, err)
		assert.Empty(t, found)
		return nil
	})
	assert.Zero(t, source.Len())
}

func TestPersist_FailureLeavesViewUntouched(t *testing.T) {
	set, source := newTestSet(t)

	onQueue(t, set.Primary(), func(ctx context.Context) error {
		primary := set.Primary()
		album := models.NewAlbum("a1", "Kid A")
		missing := uuid.New()
		album.ArtistID = &missing
		require.NoError(t, primary.Insert(ctx, album))

		assert.ErrorIs(t, primary.Persist(ctx), types.ErrConstraintViolation)
		changed, err := primary.HasChanges(ctx)
		require.NoError(t, err)
		assert.True(t, changed)
		return nil
	})
	assert.Zero(t, source.Len())
}

func TestContextSet_CloseFailsPendingWaits(t *testing.T) {
	set, _ := newTestSet(t)
	set.Close()

	err := set.Sync().PerformAndWait(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, types.ErrUsage)
	assert.True(t, set.Sync().IsClosed())
}

func TestView_DoneClosesWithQueue(t *testing.T) {
	set, _ := newTestSet(t)
	worker, err := set.CreateWorkerView(set.Primary())
	require.NoError(t, err)

	select {
	case <-worker.Done():
		t.Fatal("Done closed before the view")
	default:
	}

	worker.Close()

	select {
	case <-worker.Done():
	case <-time.After(time.Second):
		t.Fatal("Done never closed")
	}
	assert.False(t, worker.Perform(context.Background(), func(context.Context) {}))
}
