package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Field string

const (
	FieldName        Field = "name"
	FieldUpdatedAt   Field = "updatedAt"
	FieldContentHash Field = "contentHash"
	FieldRaw         Field = "raw"
	FieldImageLink   Field = "imageLink"
	FieldTrackNumber Field = "trackNumber"
	FieldArtistID    Field = "artistId"
	FieldArtistKey   Field = "artistKey"
	FieldAlbumID     Field = "albumId"
	FieldAlbumKey    Field = "albumKey"
	FieldRank        Field = "rank"
	FieldObservedAt  Field = "observedAt"
)

// Snapshot is a comparable copy of an entity's persistent fields. Times are
// unix nanoseconds and a nil reference is the zero UUID.
type Snapshot struct {
	Kind        EntityKind
	ID          uuid.UUID
	Key         string
	Name        string
	UpdatedAt   int64
	ContentHash string
	Raw         string
	ImageLink   string
	TrackNumber int
	ArtistID    uuid.UUID
	ArtistKey   string
	AlbumID     uuid.UUID
	AlbumKey    string
	Rank        int
	ObservedAt  int64
}

func TakeSnapshot(entity Entity) Snapshot {
	snap := Snapshot{Kind: entity.EntityKind(), ID: entity.EntityID()}

	if base := entity.Base(); base != nil {
		snap.Key = base.Key
		snap.Name = base.Name
		snap.UpdatedAt = unixNano(base.UpdatedAt)
		snap.ContentHash = base.ContentHash
		snap.Raw = string(base.Raw)
	}

	switch e := entity.(type) {
	case *Album:
		snap.ImageLink = e.ImageLink
		snap.ArtistID = derefID(e.ArtistID)
		snap.ArtistKey = e.ArtistKey
	case *Track:
		snap.TrackNumber = e.TrackNumber
		snap.AlbumID = derefID(e.AlbumID)
		snap.AlbumKey = e.AlbumKey
		snap.ArtistID = derefID(e.ArtistID)
		snap.ArtistKey = e.ArtistKey
	case *AlbumRanking:
		snap.Rank = e.Rank
		snap.ObservedAt = unixNano(e.ObservedAt)
		snap.AlbumID = e.AlbumID
	}

	return snap
}

func (s Snapshot) UpdatedTime() time.Time {
	return fromUnixNano(s.UpdatedAt)
}

func (s Snapshot) ObservedTime() time.Time {
	return fromUnixNano(s.ObservedAt)
}

// Stamp is the last-writer-wins clock of the entity: UpdatedAt for keyed
// entities, ObservedAt for rankings.
func (s Snapshot) Stamp() int64 {
	if s.Kind == KindAlbumRanking {
		return s.ObservedAt
	}
	return s.UpdatedAt
}

// Diff lists the fields whose values differ between s and other.
func (s Snapshot) Diff(other Snapshot) []Field {
	var fields []Field
	add := func(changed bool, field Field) {
		if changed {
			fields = append(fields, field)
		}
	}

	add(s.Name != other.Name, FieldName)
	add(s.UpdatedAt != other.UpdatedAt, FieldUpdatedAt)
	add(s.ContentHash != other.ContentHash, FieldContentHash)
	add(s.Raw != other.Raw, FieldRaw)
	add(s.ImageLink != other.ImageLink, FieldImageLink)
	add(s.TrackNumber != other.TrackNumber, FieldTrackNumber)
	add(s.ArtistID != other.ArtistID, FieldArtistID)
	add(s.ArtistKey != other.ArtistKey, FieldArtistKey)
	add(s.AlbumID != other.AlbumID, FieldAlbumID)
	add(s.AlbumKey != other.AlbumKey, FieldAlbumKey)
	add(s.Rank != other.Rank, FieldRank)
	add(s.ObservedAt != other.ObservedAt, FieldObservedAt)

	return fields
}

// Equal compares a single field.
func (s Snapshot) Equal(other Snapshot, field Field) bool {
	switch field {
	case FieldName:
		return s.Name == other.Name
	case FieldUpdatedAt:
		return s.UpdatedAt == other.UpdatedAt
	case FieldContentHash:
		return s.ContentHash == other.ContentHash
	case FieldRaw:
		return s.Raw == other.Raw
	case FieldImageLink:
		return s.ImageLink == other.ImageLink
	case FieldTrackNumber:
		return s.TrackNumber == other.TrackNumber
	case FieldArtistID:
		return s.ArtistID == other.ArtistID
	case FieldArtistKey:
		return s.ArtistKey == other.ArtistKey
	case FieldAlbumID:
		return s.AlbumID == other.AlbumID
	case FieldAlbumKey:
		return s.AlbumKey == other.AlbumKey
	case FieldRank:
		return s.Rank == other.Rank
	case FieldObservedAt:
		return s.ObservedAt == other.ObservedAt
	}
	return true
}

var fieldColumns = map[Field]string{
	FieldName:        "name",
	FieldUpdatedAt:   "updated_at",
	FieldContentHash: "content_hash",
	FieldRaw:         "raw",
	FieldImageLink:   "image_link",
	FieldTrackNumber: "track_number",
	FieldArtistID:    "artist_id",
	FieldArtistKey:   "artist_key",
	FieldAlbumID:     "album_id",
	FieldAlbumKey:    "album_key",
	FieldRank:        "rank",
	FieldObservedAt:  "observed_at",
}

// Column is the database column holding the field.
func (f Field) Column() string {
	return fieldColumns[f]
}

// IsReference reports fields that hold a local foreign key. Those are applied
// through the relationship helpers, never by ApplySnapshot.
func (f Field) IsReference() bool {
	return f == FieldArtistID || f == FieldAlbumID
}

// ApplySnapshot writes the listed scalar fields of snap onto entity.
// UpdatedAt only moves forward.
func ApplySnapshot(entity Entity, snap Snapshot, fields []Field) {
	base := entity.Base()

	for _, field := range fields {
		if base != nil {
			switch field {
			case FieldName:
				base.Name = snap.Name
			case FieldUpdatedAt:
				base.Touch(snap.UpdatedTime())
			case FieldContentHash:
				base.ContentHash = snap.ContentHash
			case FieldRaw:
				base.Raw = rawJSON(snap.Raw)
			}
		}

		switch e := entity.(type) {
		case *Album:
			switch field {
			case FieldImageLink:
				e.ImageLink = snap.ImageLink
			case FieldArtistKey:
				e.ArtistKey = snap.ArtistKey
			}
		case *Track:
			switch field {
			case FieldTrackNumber:
				e.TrackNumber = snap.TrackNumber
			case FieldAlbumKey:
				e.AlbumKey = snap.AlbumKey
			case FieldArtistKey:
				e.ArtistKey = snap.ArtistKey
			}
		case *AlbumRanking:
			switch field {
			case FieldRank:
				e.Rank = snap.Rank
			case FieldObservedAt:
				e.ObservedAt = fromUnixNano(snap.ObservedAt)
				if e.Album != nil {
					e.Album.sortRankings()
				}
			}
		}
	}
}

// Clone copies entity's persistent fields, foreign keys included, without any
// relationship pointers.
func Clone(entity Entity) Entity {
	switch e := entity.(type) {
	case *Artist:
		return &Artist{CatalogObject: cloneBase(e.CatalogObject)}
	case *Album:
		return &Album{
			CatalogObject: cloneBase(e.CatalogObject),
			ImageLink:     e.ImageLink,
			ArtistID:      cloneID(e.ArtistID),
			ArtistKey:     e.ArtistKey,
		}
	case *Track:
		return &Track{
			CatalogObject: cloneBase(e.CatalogObject),
			TrackNumber:   e.TrackNumber,
			AlbumID:       cloneID(e.AlbumID),
			AlbumKey:      e.AlbumKey,
			ArtistID:      cloneID(e.ArtistID),
			ArtistKey:     e.ArtistKey,
		}
	case *AlbumRanking:
		return &AlbumRanking{ID: e.ID, Rank: e.Rank, ObservedAt: e.ObservedAt, AlbumID: e.AlbumID}
	}
	return nil
}

// FromSnapshot builds a detached entity holding every field of snap.
func FromSnapshot(snap Snapshot) Entity {
	var entity Entity
	switch snap.Kind {
	case KindArtist:
		entity = &Artist{}
	case KindAlbum:
		entity = &Album{ArtistID: refFromID(snap.ArtistID)}
	case KindTrack:
		entity = &Track{AlbumID: refFromID(snap.AlbumID), ArtistID: refFromID(snap.ArtistID)}
	case KindAlbumRanking:
		entity = &AlbumRanking{AlbumID: snap.AlbumID}
	default:
		return nil
	}

	Reidentify(entity, snap.ID)
	if base := entity.Base(); base != nil {
		base.Key = snap.Key
	}
	ApplySnapshot(entity, snap, []Field{
		FieldName, FieldUpdatedAt, FieldContentHash, FieldRaw, FieldImageLink,
		FieldTrackNumber, FieldArtistKey, FieldAlbumKey, FieldRank, FieldObservedAt,
	})
	return entity
}

func cloneBase(base CatalogObject) CatalogObject {
	clone := base
	if base.Raw != nil {
		clone.Raw = append(datatypes.JSON(nil), base.Raw...)
	}
	return clone
}

func cloneID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	return idRef(*id)
}

func derefID(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}

func refFromID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return idRef(id)
}

func rawJSON(raw string) datatypes.JSON {
	if raw == "" {
		return nil
	}
	return datatypes.JSON(raw)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
