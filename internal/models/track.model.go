package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Track struct {
	CatalogObject
	TrackNumber int        `gorm:"type:int"        json:"trackNumber"`
	AlbumID     *uuid.UUID `gorm:"type:uuid;index" json:"albumId,omitempty"`
	AlbumKey    string     `gorm:"type:text;index" json:"albumKey,omitempty"`
	ArtistID    *uuid.UUID `gorm:"type:uuid;index" json:"artistId,omitempty"`
	ArtistKey   string     `gorm:"type:text;index" json:"artistKey,omitempty"`

	Album  *Album  `gorm:"foreignKey:AlbumID;constraint:OnDelete:SET NULL"  json:"-"`
	Artist *Artist `gorm:"foreignKey:ArtistID;constraint:OnDelete:SET NULL" json:"-"`
}

func NewTrack(key, name string) *Track {
	return &Track{CatalogObject: newCatalogObject(key, name)}
}

func (t *Track) EntityKind() EntityKind {
	return KindTrack
}

func (t *Track) BeforeCreate(tx *gorm.DB) (err error) {
	return t.validate()
}

func (t *Track) GetHashableFields() map[string]any {
	return map[string]any{
		"Name":        t.Name,
		"TrackNumber": t.TrackNumber,
		"AlbumKey":    t.AlbumKey,
		"ArtistKey":   t.ArtistKey,
	}
}
