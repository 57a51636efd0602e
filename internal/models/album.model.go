package models

import (
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Album struct {
	CatalogObject
	ImageLink string     `gorm:"type:text"       json:"imageLink"`
	ArtistID  *uuid.UUID `gorm:"type:uuid;index" json:"artistId,omitempty"`
	// ArtistKey keeps the remote reference until the artist is resolved locally.
	ArtistKey string `gorm:"type:text;index" json:"artistKey,omitempty"`

	Artist   *Artist         `gorm:"foreignKey:ArtistID;constraint:OnDelete:SET NULL" json:"-"`
	Tracks   []*Track        `gorm:"foreignKey:AlbumID;constraint:OnDelete:SET NULL"  json:"-"`
	Rankings []*AlbumRanking `gorm:"foreignKey:AlbumID;constraint:OnDelete:CASCADE"   json:"-"`
}

func NewAlbum(key, name string) *Album {
	return &Album{CatalogObject: newCatalogObject(key, name)}
}

func (a *Album) EntityKind() EntityKind {
	return KindAlbum
}

func (a *Album) BeforeCreate(tx *gorm.DB) (err error) {
	return a.validate()
}

func (a *Album) GetHashableFields() map[string]any {
	return map[string]any{
		"Name":      a.Name,
		"ImageLink": a.ImageLink,
		"ArtistKey": a.ArtistKey,
	}
}

func (a *Album) sortRankings() {
	sort.SliceStable(a.Rankings, func(i, j int) bool {
		return a.Rankings[i].ObservedAt.Before(a.Rankings[j].ObservedAt)
	})
}
