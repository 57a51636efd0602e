package database

import (
	"catalogsync/internal/models"

	logger "github.com/Bparsons0904/goLogger"
)

// MigrateModels runs GORM AutoMigrate for the catalog tables. The models are
// migrated together so GORM can order them by their foreign keys.
func (db *DB) MigrateModels() error {
	log := logger.New("database").Function("MigrateModels")
	log.Info("Starting database migration")

	modelsToMigrate := []any{
		&models.Artist{},
		&models.Album{},
		&models.Track{},
		&models.AlbumRanking{},
	}

	if err := db.SQL.AutoMigrate(modelsToMigrate...); err != nil {
		return log.Err("Failed to migrate models", err)
	}

	log.Info("Database migration completed successfully")
	return db.CreateIndexes()
}

// CreateIndexes creates lookup indexes GORM tags cannot express.
func (db *DB) CreateIndexes() error {
	log := logger.New("database").Function("CreateIndexes")

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_artists_name_lower ON artists(lower(name))",
		"CREATE INDEX IF NOT EXISTS idx_albums_name_lower ON albums(lower(name))",
		"CREATE INDEX IF NOT EXISTS idx_tracks_album_number ON tracks(album_id, track_number)",
	}

	for _, indexSQL := range indexes {
		if err := db.SQL.Exec(indexSQL).Error; err != nil {
			log.Warn("Failed to create index", "sql", indexSQL, "error", err)
		}
	}

	return nil
}
