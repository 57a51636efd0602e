package database

import (
	"context"
	"fmt"
	"time"

	"catalogsync/config"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/valkey-io/valkey-go"
)

// Valkey database index organization
const (
	// GENERAL_CACHE_INDEX (DB 0) - miscellaneous caching
	GENERAL_CACHE_INDEX = iota

	// EVENTS_CACHE_INDEX (DB 1) - change-feed pub/sub
	EVENTS_CACHE_INDEX

	// CLIENT_API_CACHE_INDEX (DB 2) - catalog responses
	CLIENT_API_CACHE_INDEX
)

func (s *DB) initializeCacheDB(config config.Config) error {
	log := s.log.Function("initializeCacheDB")
	log.Info("initializing cache database")

	address := fmt.Sprintf("%s:%d", config.DatabaseCacheAddress, config.DatabaseCachePort)

	cacheDB, err := NewCache(address, false)
	if err != nil {
		return log.Err("failed to create valkey clients", err, "address", address)
	}
	s.Cache = cacheDB

	if config.DatabaseCacheReset != -1 {
		go clearCacheDB(config.DatabaseCacheReset, cacheDB)
	}

	return nil
}

// NewCache opens one valkey client per cache index. Client-side caching can
// be disabled for servers that do not support CLIENT TRACKING.
func NewCache(address string, disableClientCache bool) (Cache, error) {
	var cacheDB Cache

	open := func(index int) (CacheClient, error) {
		return valkey.NewClient(valkey.ClientOption{
			InitAddress:  []string{address},
			SelectDB:     index,
			DisableCache: disableClientCache,
		})
	}

	var err error
	if cacheDB.General, err = open(GENERAL_CACHE_INDEX); err != nil {
		return Cache{}, fmt.Errorf("general client: %w", err)
	}
	if cacheDB.Events, err = open(EVENTS_CACHE_INDEX); err != nil {
		cacheDB.General.Close()
		return Cache{}, fmt.Errorf("events client: %w", err)
	}
	if cacheDB.ClientAPI, err = open(CLIENT_API_CACHE_INDEX); err != nil {
		cacheDB.General.Close()
		cacheDB.Events.Close()
		return Cache{}, fmt.Errorf("client api client: %w", err)
	}

	return cacheDB, nil
}

func clearCacheDB(index int, cacheDB Cache) {
	log := logger.New("database").File("cache.database").Function("clearCacheDB")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var client CacheClient
	var dbName string

	switch index {
	case GENERAL_CACHE_INDEX:
		client = cacheDB.General
		dbName = "General"
	case EVENTS_CACHE_INDEX:
		client = cacheDB.Events
		dbName = "Events"
	case CLIENT_API_CACHE_INDEX:
		client = cacheDB.ClientAPI
		dbName = "ClientAPI"
	default:
		log.Warn("Invalid cache database index", "index", index)
		return
	}

	if err := client.Do(ctx, client.B().Flushdb().Build()).Error(); err != nil {
		log.Er("Failed to clear cache database", err, "index", index, "dbName", dbName)
		return
	}

	log.Info("Successfully cleared cache database", "index", index, "dbName", dbName)
}
