package seed

import (
	"context"
	"fmt"

	"catalogsync/internal/database"
	"catalogsync/internal/models"
	"catalogsync/internal/repositories"
	"catalogsync/internal/services"
	"catalogsync/internal/store"
	"catalogsync/internal/utils"

	logger "github.com/Bparsons0904/goLogger"
)

type seedAlbum struct {
	key    string
	name   string
	artist string
	rank   int
	tracks []string
}

var seedArtists = map[string]string{
	"r100": "Radiohead",
	"r101": "Portishead",
	"r102": "Massive Attack",
}

var seedAlbums = []seedAlbum{
	{key: "a100", name: "Kid A", artist: "r100", rank: 1, tracks: []string{"Everything In Its Right Place", "Kid A", "The National Anthem"}},
	{key: "a101", name: "Dummy", artist: "r101", rank: 2, tracks: []string{"Mysterons", "Sour Times"}},
	{key: "a102", name: "Mezzanine", artist: "r102", rank: 3, tracks: []string{"Angel", "Risingson", "Teardrop"}},
}

// Seed inserts a small development catalog through the primary view so the
// same key and reference rules apply as at runtime. Keys already stored are
// left alone.
func Seed(ctx context.Context, db database.DB, log logger.Logger) error {
	log = log.Function("Seed")
	log.Info("Seeding development catalog")

	transaction := services.NewTransactionService(db)
	source := services.NewCatalogSourceService(repositories.New(db).Catalog, transaction)
	set := store.New(source)
	defer set.Close()

	primary := set.Primary()
	return primary.PerformAndWait(ctx, func(pctx context.Context) error {
		existing, err := primary.ObjectsByKeys(pctx, models.KindAlbum, albumKeys())
		if err != nil {
			return log.Err("failed to load existing albums", err)
		}

		artistKeys := make([]string, 0, len(seedArtists))
		for key := range seedArtists {
			artistKeys = append(artistKeys, key)
		}
		storedArtists, err := primary.ObjectsByKeys(pctx, models.KindArtist, artistKeys)
		if err != nil {
			return log.Err("failed to load existing artists", err)
		}

		now := utils.Now()
		artists := make(map[string]*models.Artist, len(seedArtists))
		var inserts []models.Entity
		for key, name := range seedArtists {
			if stored, ok := storedArtists[key].(*models.Artist); ok {
				artists[key] = stored
				continue
			}
			artist := models.NewArtist(key, name)
			artist.Touch(now)
			artists[key] = artist
			inserts = append(inserts, artist)
		}

		for _, seeded := range seedAlbums {
			if _, ok := existing[seeded.key]; ok {
				log.Debug("Album already seeded", "key", seeded.key)
				continue
			}

			album := models.NewAlbum(seeded.key, seeded.name)
			album.Touch(now)
			models.SetAlbumArtist(album, artists[seeded.artist])
			inserts = append(inserts, album)

			if ranking, created := models.RecordRanking(album, seeded.rank, now); created {
				inserts = append(inserts, ranking)
			}

			for i, name := range seeded.tracks {
				track := models.NewTrack(fmt.Sprintf("%s-t%d", seeded.key, i+1), name)
				track.TrackNumber = i + 1
				track.Touch(now)
				models.SetTrackAlbum(track, album)
				models.SetTrackArtist(track, artists[seeded.artist])
				inserts = append(inserts, track)
			}
		}

		if len(inserts) == 0 {
			log.Info("Nothing to seed")
			return nil
		}

		if err := primary.Insert(pctx, inserts...); err != nil {
			return log.Err("failed to insert seed entities", err)
		}
		if err := primary.Persist(pctx); err != nil {
			return log.Err("failed to persist seed entities", err)
		}

		log.Info("Seeded development catalog", "entities", len(inserts))
		return nil
	})
}

func albumKeys() []string {
	keys := make([]string, 0, len(seedAlbums))
	for _, album := range seedAlbums {
		keys = append(keys, album.key)
	}
	return keys
}
