package models

import "gorm.io/gorm"

type Artist struct {
	CatalogObject

	Albums []*Album `gorm:"foreignKey:ArtistID;constraint:OnDelete:SET NULL" json:"-"`
	Tracks []*Track `gorm:"foreignKey:ArtistID;constraint:OnDelete:SET NULL" json:"-"`
}

func NewArtist(key, name string) *Artist {
	return &Artist{CatalogObject: newCatalogObject(key, name)}
}

func (a *Artist) EntityKind() EntityKind {
	return KindArtist
}

func (a *Artist) BeforeCreate(tx *gorm.DB) (err error) {
	return a.validate()
}

func (a *Artist) GetHashableFields() map[string]any {
	return map[string]any{
		"Name": a.Name,
	}
}
