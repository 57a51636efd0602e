package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CatalogObject is the common base of every keyed catalog entity. IDs are
// assigned locally and shared by every view that holds a copy of the entity.
type CatalogObject struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"              json:"id"`
	Key         string         `gorm:"type:text;not null;uniqueIndex"    json:"key"`
	Name        string         `gorm:"type:text"                         json:"name"`
	CreatedAt   time.Time      `gorm:"autoCreateTime"                    json:"createdAt"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime:false;not null"     json:"updatedAt"`
	ContentHash string         `gorm:"type:varchar(64)"                  json:"contentHash"`
	Raw         datatypes.JSON `                                         json:"raw,omitempty"`
}

// Entity is implemented by all four catalog kinds.
type Entity interface {
	EntityKind() EntityKind
	EntityID() uuid.UUID
	Base() *CatalogObject
}

func NewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

func newCatalogObject(key, name string) CatalogObject {
	return CatalogObject{ID: NewID(), Key: key, Name: name}
}

func (c *CatalogObject) EntityID() uuid.UUID {
	return c.ID
}

func (c *CatalogObject) Base() *CatalogObject {
	return c
}

// Touch advances UpdatedAt. It never moves backwards.
func (c *CatalogObject) Touch(at time.Time) {
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
}

func (c *CatalogObject) SetContentHash(hash string) {
	c.ContentHash = hash
}

func (c *CatalogObject) GetContentHash() string {
	return c.ContentHash
}

func (c *CatalogObject) validate() error {
	if c.ID == uuid.Nil || c.Key == "" {
		return gorm.ErrInvalidValue
	}
	return nil
}

// KeyOf returns the remote key of a keyed entity, or "" for rankings.
func KeyOf(entity Entity) string {
	if base := entity.Base(); base != nil {
		return base.Key
	}
	return ""
}
