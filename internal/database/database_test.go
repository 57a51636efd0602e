package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"catalogsync/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (Cache, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	cache, err := NewCache(server.Addr(), true)
	require.NoError(t, err)
	t.Cleanup(func() {
		cache.General.Close()
		cache.Events.Close()
		cache.ClientAPI.Close()
	})
	return cache, server
}

func TestCacheConstants(t *testing.T) {
	assert.Equal(t, 0, GENERAL_CACHE_INDEX)
	assert.Equal(t, 1, EVENTS_CACHE_INDEX)
	assert.Equal(t, 2, CLIENT_API_CACHE_INDEX)
}

func TestCacheBuilder_SetGetDelete(t *testing.T) {
	cache, server := newTestCache(t)

	type payload struct {
		Name string `json:"name"`
	}

	err := NewCacheBuilder(cache.ClientAPI, "a1").
		WithHash("bundle").
		WithStruct(payload{Name: "Kid A"}).
		WithTTL(time.Minute).
		Set()
	require.NoError(t, err)

	server.Select(CLIENT_API_CACHE_INDEX)
	assert.True(t, server.Exists("bundle:a1"))
	assert.Equal(t, time.Minute, server.TTL("bundle:a1"))

	var result payload
	found, err := NewCacheBuilder(cache.ClientAPI, "a1").WithHash("bundle").Get(&result)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Kid A", result.Name)

	require.NoError(t, NewCacheBuilder(cache.ClientAPI, "a1").WithHash("bundle").Delete())

	found, err = NewCacheBuilder(cache.ClientAPI, "a1").WithHash("bundle").Get(&result)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCacheBuilder_MSetMGetPartial(t *testing.T) {
	cache, _ := newTestCache(t)

	err := NewCacheBuilder(cache.General, "").
		WithHash("bundle").
		MSet(map[string]any{"r1": map[string]string{"name": "Radiohead"}, "a1": "Kid A"})
	require.NoError(t, err)

	values, err := NewCacheBuilder(cache.General, []string{"r1", "t9", "a1"}).WithHash("bundle").MGet()
	require.NoError(t, err)

	assert.Len(t, values, 2)
	assert.JSONEq(t, `{"name":"Radiohead"}`, values["r1"])
	assert.Equal(t, `"Kid A"`, values["a1"])
	_, ok := values["t9"]
	assert.False(t, ok)
}

func TestCacheBuilder_RequiresKey(t *testing.T) {
	cache, _ := newTestCache(t)

	assert.Error(t, NewCacheBuilder(cache.General, "").WithValue("x").Set())
	assert.Error(t, NewCacheBuilder(cache.General, "k").Set())
	_, err := NewCacheBuilder(cache.General, "").Get(&struct{}{})
	assert.Error(t, err)
}

func TestCacheBuilder_RespectsShorterDeadline(t *testing.T) {
	cache, _ := newTestCache(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := NewCacheBuilder(cache.General, "k").
		WithContext(ctx).
		WithTimeout(time.Minute).
		WithValue("v").
		Set()
	assert.NoError(t, err)
}

func TestMigrateModels_SQLite(t *testing.T) {
	sql, err := OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)

	db := NewWithSQL(sql, Cache{})
	require.NoError(t, db.MigrateModels())

	for _, table := range []string{"artists", "albums", "tracks", "album_rankings"} {
		assert.True(t, sql.Migrator().HasTable(table), table)
	}
	assert.True(t, sql.Migrator().HasIndex(&models.AlbumRanking{}, "idx_album_rankings_album_observed"))

	artist := models.NewArtist("r1", "Radiohead")
	require.NoError(t, sql.Create(artist).Error)
	duplicate := models.NewArtist("r1", "Radiohead")
	assert.Error(t, sql.Create(duplicate).Error)
}
