package models

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"catalogsync/internal/utils"
)

// Relationship helpers keep both ends of an edge in step. Clearing an edge
// leaves the remote key in place so the link can be restored when the related
// entity is reconciled again.

func SetAlbumArtist(album *Album, artist *Artist) {
	if album.Artist != nil && album.Artist != artist {
		album.Artist.Albums = removeRef(album.Artist.Albums, album)
	}
	album.Artist = artist
	if artist == nil {
		album.ArtistID = nil
		return
	}
	album.ArtistID = idRef(artist.ID)
	album.ArtistKey = artist.Key
	artist.Albums = appendRef(artist.Albums, album)
}

func SetTrackAlbum(track *Track, album *Album) {
	if track.Album != nil && track.Album != album {
		track.Album.Tracks = removeRef(track.Album.Tracks, track)
	}
	track.Album = album
	if album == nil {
		track.AlbumID = nil
		return
	}
	track.AlbumID = idRef(album.ID)
	track.AlbumKey = album.Key
	album.Tracks = appendRef(album.Tracks, track)
}

func SetTrackArtist(track *Track, artist *Artist) {
	if track.Artist != nil && track.Artist != artist {
		track.Artist.Tracks = removeRef(track.Artist.Tracks, track)
	}
	track.Artist = artist
	if artist == nil {
		track.ArtistID = nil
		return
	}
	track.ArtistID = idRef(artist.ID)
	track.ArtistKey = artist.Key
	artist.Tracks = appendRef(artist.Tracks, track)
}

// AddAlbumRanking moves the ranking into album's set, which stays ordered by
// ObservedAt.
func AddAlbumRanking(album *Album, ranking *AlbumRanking) {
	if ranking.Album != nil && ranking.Album != album {
		ranking.Album.Rankings = removeRef(ranking.Album.Rankings, ranking)
	}
	ranking.Album = album
	ranking.AlbumID = album.ID
	album.Rankings = appendRef(album.Rankings, ranking)
	album.sortRankings()
}

// RemoveAlbumRanking detaches the ranking. An orphaned ranking must be deleted
// by its owning view.
func RemoveAlbumRanking(album *Album, ranking *AlbumRanking) {
	album.Rankings = removeRef(album.Rankings, ranking)
	if ranking.Album == album {
		ranking.Album = nil
	}
}

// RecordRanking stores a rank observation. Only one snapshot is kept per
// album per UTC day; a later observation on the same day overwrites it. The
// boolean reports whether a new ranking was created.
func RecordRanking(album *Album, rank int, observedAt time.Time) (*AlbumRanking, bool) {
	observedAt = observedAt.UTC()
	for _, ranking := range album.Rankings {
		if !utils.SameDay(ranking.ObservedAt, observedAt) {
			continue
		}
		ranking.Rank = rank
		if observedAt.After(ranking.ObservedAt) {
			ranking.ObservedAt = observedAt
			album.sortRankings()
		}
		return ranking, false
	}

	ranking := &AlbumRanking{ID: NewID(), Rank: rank, ObservedAt: observedAt}
	AddAlbumRanking(album, ranking)
	return ranking, true
}

// RankingsByDay indexes the album's rankings by the start of their UTC day.
func RankingsByDay(album *Album) map[time.Time]*AlbumRanking {
	byDay := make(map[time.Time]*AlbumRanking, len(album.Rankings))
	for _, ranking := range album.Rankings {
		byDay[utils.BeginningOfDay(ranking.ObservedAt)] = ranking
	}
	return byDay
}

// Unlink nullifies every edge of entity in preparation for deletion and
// returns the entities whose lifetime is bound to it (an album's rankings).
func Unlink(entity Entity) []Entity {
	var cascaded []Entity

	switch e := entity.(type) {
	case *Artist:
		for _, album := range slices.Clone(e.Albums) {
			SetAlbumArtist(album, nil)
		}
		for _, track := range slices.Clone(e.Tracks) {
			SetTrackArtist(track, nil)
		}
	case *Album:
		SetAlbumArtist(e, nil)
		for _, track := range slices.Clone(e.Tracks) {
			SetTrackAlbum(track, nil)
		}
		for _, ranking := range slices.Clone(e.Rankings) {
			RemoveAlbumRanking(e, ranking)
			cascaded = append(cascaded, ranking)
		}
	case *Track:
		SetTrackAlbum(e, nil)
		SetTrackArtist(e, nil)
	case *AlbumRanking:
		if e.Album != nil {
			RemoveAlbumRanking(e.Album, e)
		}
	}

	return cascaded
}

// Neighbors lists every entity directly linked to entity.
func Neighbors(entity Entity) []Entity {
	var related []Entity

	switch e := entity.(type) {
	case *Artist:
		for _, album := range e.Albums {
			related = append(related, album)
		}
		for _, track := range e.Tracks {
			related = append(related, track)
		}
	case *Album:
		if e.Artist != nil {
			related = append(related, e.Artist)
		}
		for _, track := range e.Tracks {
			related = append(related, track)
		}
		for _, ranking := range e.Rankings {
			related = append(related, ranking)
		}
	case *Track:
		if e.Album != nil {
			related = append(related, e.Album)
		}
		if e.Artist != nil {
			related = append(related, e.Artist)
		}
	case *AlbumRanking:
		if e.Album != nil {
			related = append(related, e.Album)
		}
	}

	return related
}

// Reidentify changes the local ID of entity and rewrites the foreign keys of
// the entities linked to it.
func Reidentify(entity Entity, id uuid.UUID) {
	switch e := entity.(type) {
	case *Artist:
		e.ID = id
		for _, album := range e.Albums {
			album.ArtistID = idRef(id)
		}
		for _, track := range e.Tracks {
			track.ArtistID = idRef(id)
		}
	case *Album:
		e.ID = id
		for _, track := range e.Tracks {
			track.AlbumID = idRef(id)
		}
		for _, ranking := range e.Rankings {
			ranking.AlbumID = id
		}
	case *Track:
		e.ID = id
	case *AlbumRanking:
		e.ID = id
	}
}

func idRef(id uuid.UUID) *uuid.UUID {
	return &id
}

func appendRef[T comparable](list []T, item T) []T {
	if slices.Contains(list, item) {
		return list
	}
	return append(list, item)
}

func removeRef[T comparable](list []T, item T) []T {
	return slices.DeleteFunc(list, func(candidate T) bool { return candidate == item })
}
