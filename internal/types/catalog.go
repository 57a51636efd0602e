package types

import (
	"time"

	"github.com/google/uuid"
)

// EntityResponse is the JSON shape of a catalog entity. Fields that do not
// apply to the entity's kind are omitted.
type EntityResponse struct {
	ID          uuid.UUID  `json:"id"`
	Kind        string     `json:"kind"`
	Key         string     `json:"key,omitempty"`
	Name        string     `json:"name,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
	ImageLink   string     `json:"imageLink,omitempty"`
	TrackNumber int        `json:"trackNumber,omitempty"`
	ArtistID    *uuid.UUID `json:"artistId,omitempty"`
	ArtistKey   string     `json:"artistKey,omitempty"`
	AlbumID     *uuid.UUID `json:"albumId,omitempty"`
	AlbumKey    string     `json:"albumKey,omitempty"`
	Rank        int        `json:"rank,omitempty"`
	ObservedAt  *time.Time `json:"observedAt,omitempty"`
}

type ReconcileResponse struct {
	Existing map[string]EntityResponse `json:"existing"`
	Created  map[string]EntityResponse `json:"created"`
}

type RankingsResponse struct {
	Album    EntityResponse   `json:"album"`
	Rankings []EntityResponse `json:"rankings"`
}
