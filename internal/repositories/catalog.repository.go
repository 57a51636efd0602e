package repositories

import (
	"context"
	"time"

	contextutil "catalogsync/internal/context"
	"catalogsync/internal/database"
	"catalogsync/internal/models"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	CATALOG_QUERY_BATCH_SIZE = 500
)

// CatalogRepository loads and writes catalog rows. Loaded entities are
// detached: foreign key columns are set, relationship fields are not.
type CatalogRepository interface {
	GetByKeys(ctx context.Context, kind models.EntityKind, keys []string) ([]models.Entity, error)
	GetByIDs(ctx context.Context, kind models.EntityKind, ids []uuid.UUID) ([]models.Entity, error)
	GetRelated(ctx context.Context, entities []models.Entity) ([]models.Entity, error)
	GetRankingsByAlbumID(ctx context.Context, albumID uuid.UUID) ([]*models.AlbumRanking, error)
	Count(ctx context.Context, kind models.EntityKind) (int64, error)
	StaleKeys(ctx context.Context, kind models.EntityKind, before time.Time, limit int) ([]string, error)
	Create(ctx context.Context, entity models.Entity) error
	Update(ctx context.Context, entity models.Entity, fields []models.Field) error
	Delete(ctx context.Context, entity models.Entity) error
}

type catalogRepository struct {
	db  database.DB
	log logger.Logger
}

func NewCatalogRepository(db database.DB) CatalogRepository {
	return &catalogRepository{
		db:  db,
		log: logger.New("catalogRepository"),
	}
}

func (r *catalogRepository) getDB(ctx context.Context) *gorm.DB {
	if tx, ok := contextutil.GetTransaction(ctx); ok {
		return tx
	}
	return r.db.SQLWithContext(ctx)
}

func (r *catalogRepository) GetByKeys(
	ctx context.Context,
	kind models.EntityKind,
	keys []string,
) ([]models.Entity, error) {
	log := r.log.Function("GetByKeys")

	if len(keys) == 0 || !kind.Keyed() {
		return nil, nil
	}

	var entities []models.Entity
	for start := 0; start < len(keys); start += CATALOG_QUERY_BATCH_SIZE {
		end := min(start+CATALOG_QUERY_BATCH_SIZE, len(keys))
		batch, err := r.find(ctx, kind, "key IN ?", keys[start:end])
		if err != nil {
			return nil, log.Err("failed to get entities by keys", err, "kind", kind, "count", len(keys))
		}
		entities = append(entities, batch...)
	}

	log.Debug("Retrieved entities by keys", "kind", kind, "requested", len(keys), "found", len(entities))
	return entities, nil
}

func (r *catalogRepository) GetByIDs(
	ctx context.Context,
	kind models.EntityKind,
	ids []uuid.UUID,
) ([]models.Entity, error) {
	log := r.log.Function("GetByIDs")

	entities, err := r.findByColumn(ctx, kind, "id", ids)
	if err != nil {
		return nil, log.Err("failed to get entities by IDs", err, "kind", kind, "count", len(ids))
	}
	return entities, nil
}

// GetRelated returns the rows one relationship hop away from entities in
// either direction.
func (r *catalogRepository) GetRelated(ctx context.Context, entities []models.Entity) ([]models.Entity, error) {
	log := r.log.Function("GetRelated")

	var artistIDs, albumIDs, referencedArtists, referencedAlbums []uuid.UUID
	for _, entity := range entities {
		snap := models.TakeSnapshot(entity)
		switch snap.Kind {
		case models.KindArtist:
			artistIDs = append(artistIDs, snap.ID)
		case models.KindAlbum:
			albumIDs = append(albumIDs, snap.ID)
		}
		if snap.ArtistID != uuid.Nil {
			referencedArtists = append(referencedArtists, snap.ArtistID)
		}
		if snap.AlbumID != uuid.Nil {
			referencedAlbums = append(referencedAlbums, snap.AlbumID)
		}
	}

	queries := []struct {
		kind   models.EntityKind
		column string
		ids    []uuid.UUID
	}{
		{models.KindArtist, "id", referencedArtists},
		{models.KindAlbum, "id", referencedAlbums},
		{models.KindAlbum, "artist_id", artistIDs},
		{models.KindTrack, "artist_id", artistIDs},
		{models.KindTrack, "album_id", albumIDs},
		{models.KindAlbumRanking, "album_id", albumIDs},
	}

	var related []models.Entity
	for _, query := range queries {
		found, err := r.findByColumn(ctx, query.kind, query.column, query.ids)
		if err != nil {
			return nil, log.Err("failed to get related entities", err, "kind", query.kind, "column", query.column)
		}
		related = append(related, found...)
	}

	return related, nil
}

func (r *catalogRepository) GetRankingsByAlbumID(
	ctx context.Context,
	albumID uuid.UUID,
) ([]*models.AlbumRanking, error) {
	log := r.log.Function("GetRankingsByAlbumID")

	var rankings []*models.AlbumRanking
	if err := r.getDB(ctx).
		Where("album_id = ?", albumID).
		Order("observed_at ASC").
		Find(&rankings).Error; err != nil {
		return nil, log.Err("failed to get album rankings", err, "albumID", albumID)
	}

	return rankings, nil
}

func (r *catalogRepository) Count(ctx context.Context, kind models.EntityKind) (int64, error) {
	log := r.log.Function("Count")

	model := newModel(kind)
	if model == nil {
		return 0, log.Errorf("unknown entity kind", string(kind))
	}

	var count int64
	if err := r.getDB(ctx).Model(model).Count(&count).Error; err != nil {
		return 0, log.Err("failed to count entities", err, "kind", kind)
	}
	return count, nil
}

// StaleKeys returns the keys of entities last updated before the cutoff,
// oldest first.
func (r *catalogRepository) StaleKeys(
	ctx context.Context,
	kind models.EntityKind,
	before time.Time,
	limit int,
) ([]string, error) {
	log := r.log.Function("StaleKeys")

	if !kind.Keyed() {
		return nil, nil
	}

	query := r.getDB(ctx).
		Model(newModel(kind)).
		Where("updated_at < ?", before).
		Order("updated_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var keys []string
	if err := query.Pluck("key", &keys).Error; err != nil {
		return nil, log.Err("failed to load stale keys", err, "kind", kind)
	}
	return keys, nil
}

func (r *catalogRepository) Create(ctx context.Context, entity models.Entity) error {
	log := r.log.Function("Create")

	if err := r.getDB(ctx).Omit(clause.Associations).Create(entity).Error; err != nil {
		return log.Err("failed to create entity", err, "kind", entity.EntityKind(), "id", entity.EntityID())
	}

	return nil
}

// Update writes only the listed fields so columns owned by the database,
// such as created_at, are left alone.
func (r *catalogRepository) Update(ctx context.Context, entity models.Entity, fields []models.Field) error {
	log := r.log.Function("Update")

	columns := make([]string, 0, len(fields))
	for _, field := range fields {
		if column := field.Column(); column != "" {
			columns = append(columns, column)
		}
	}
	if len(columns) == 0 {
		return nil
	}

	result := r.getDB(ctx).
		Model(entity).
		Omit(clause.Associations).
		Select(columns).
		Updates(entity)
	if result.Error != nil {
		return log.Err("failed to update entity", result.Error, "kind", entity.EntityKind(), "id", entity.EntityID())
	}
	if result.RowsAffected == 0 {
		return log.Err("entity not found", gorm.ErrRecordNotFound, "kind", entity.EntityKind(), "id", entity.EntityID())
	}

	return nil
}

func (r *catalogRepository) Delete(ctx context.Context, entity models.Entity) error {
	log := r.log.Function("Delete")

	model := newModel(entity.EntityKind())
	if model == nil {
		return log.Errorf("unknown entity kind", string(entity.EntityKind()))
	}

	if err := r.getDB(ctx).Delete(model, "id = ?", entity.EntityID()).Error; err != nil {
		return log.Err("failed to delete entity", err, "kind", entity.EntityKind(), "id", entity.EntityID())
	}

	return nil
}

func (r *catalogRepository) findByColumn(
	ctx context.Context,
	kind models.EntityKind,
	column string,
	ids []uuid.UUID,
) ([]models.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var entities []models.Entity
	for start := 0; start < len(ids); start += CATALOG_QUERY_BATCH_SIZE {
		end := min(start+CATALOG_QUERY_BATCH_SIZE, len(ids))
		batch, err := r.find(ctx, kind, column+" IN ?", ids[start:end])
		if err != nil {
			return nil, err
		}
		entities = append(entities, batch...)
	}
	return entities, nil
}

func (r *catalogRepository) find(
	ctx context.Context,
	kind models.EntityKind,
	query string,
	args ...any,
) ([]models.Entity, error) {
	db := r.getDB(ctx)

	switch kind {
	case models.KindArtist:
		return findEntities[models.Artist](db, query, args...)
	case models.KindAlbum:
		return findEntities[models.Album](db, query, args...)
	case models.KindTrack:
		return findEntities[models.Track](db, query, args...)
	case models.KindAlbumRanking:
		return findEntities[models.AlbumRanking](db, query, args...)
	}
	return nil, gorm.ErrInvalidValue
}

func findEntities[T any, PT interface {
	*T
	models.Entity
}](db *gorm.DB, query string, args ...any) ([]models.Entity, error) {
	var rows []PT
	if err := db.Where(query, args...).Find(&rows).Error; err != nil {
		return nil, err
	}

	entities := make([]models.Entity, len(rows))
	for i, row := range rows {
		entities[i] = row
	}
	return entities, nil
}

func newModel(kind models.EntityKind) any {
	switch kind {
	case models.KindArtist:
		return &models.Artist{}
	case models.KindAlbum:
		return &models.Album{}
	case models.KindTrack:
		return &models.Track{}
	case models.KindAlbumRanking:
		return &models.AlbumRanking{}
	}
	return nil
}
