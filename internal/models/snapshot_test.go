package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestSnapshot_DiffAndApply(t *testing.T) {
	artist := NewArtist("r1", "Radiohead")
	album := NewAlbum("a1", "Kid A")
	album.UpdatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	SetAlbumArtist(album, artist)

	before := TakeSnapshot(album)
	album.Name = "Kid A Mnesia"
	album.ImageLink = "https://img/kid-a.jpg"
	album.Raw = datatypes.JSON(`{"key":"a1"}`)
	after := TakeSnapshot(album)

	assert.ElementsMatch(t, []Field{FieldName, FieldImageLink, FieldRaw}, before.Diff(after))
	assert.Empty(t, after.Diff(TakeSnapshot(album)))
	assert.Equal(t, artist.ID, after.ArtistID)

	cloned := Clone(album).(*Album)
	ApplySnapshot(cloned, before, []Field{FieldName})
	assert.Equal(t, "Kid A", cloned.Name)
	assert.Equal(t, "https://img/kid-a.jpg", cloned.ImageLink)
	assert.Nil(t, cloned.Artist)
	require.NotNil(t, cloned.ArtistID)
	assert.Equal(t, artist.ID, *cloned.ArtistID)
}

func TestApplySnapshot_UpdatedAtNeverRegresses(t *testing.T) {
	track := NewTrack("t1", "Idioteque")
	newer := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	track.UpdatedAt = newer

	older := TakeSnapshot(track)
	older.UpdatedAt = newer.Add(-time.Hour).UnixNano()
	ApplySnapshot(track, older, []Field{FieldUpdatedAt})

	assert.Equal(t, newer, track.UpdatedAt)
}

func TestFromSnapshot_RoundTrip(t *testing.T) {
	album := NewAlbum("a1", "Kid A")
	ranking, _ := RecordRanking(album, 3, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC))

	rebuilt := FromSnapshot(TakeSnapshot(ranking)).(*AlbumRanking)
	assert.Equal(t, TakeSnapshot(ranking), TakeSnapshot(rebuilt))

	track := NewTrack("t1", "Idioteque")
	track.TrackNumber = 8
	SetTrackAlbum(track, album)
	assert.Equal(t, TakeSnapshot(track), TakeSnapshot(FromSnapshot(TakeSnapshot(track))))
}
