package repositories

import (
	"catalogsync/internal/database"
)

type Repository struct {
	Catalog CatalogRepository
}

func New(db database.DB) Repository {
	return Repository{
		Catalog: NewCatalogRepository(db),
	}
}
