package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AlbumRanking is a dated popularity snapshot. It only exists inside an
// album's ranking set.
type AlbumRanking struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"                                                     json:"id"`
	Rank       int       `gorm:"type:int;not null"                                                        json:"rank"`
	ObservedAt time.Time `gorm:"not null;index:idx_album_rankings_album_observed,priority:2"              json:"observedAt"`
	AlbumID    uuid.UUID `gorm:"type:uuid;not null;index:idx_album_rankings_album_observed,priority:1"    json:"albumId"`

	Album *Album `gorm:"foreignKey:AlbumID;constraint:OnDelete:CASCADE" json:"-"`
}

func (r *AlbumRanking) EntityKind() EntityKind {
	return KindAlbumRanking
}

func (r *AlbumRanking) EntityID() uuid.UUID {
	return r.ID
}

// Base is nil: rankings have no remote identity.
func (r *AlbumRanking) Base() *CatalogObject {
	return nil
}

func (r *AlbumRanking) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == uuid.Nil || r.AlbumID == uuid.Nil {
		return gorm.ErrInvalidValue
	}
	return nil
}
