package app

import (
	"context"
	"time"

	"catalogsync/config"
	"catalogsync/internal/catalog"
	"catalogsync/internal/database"
	"catalogsync/internal/events"
	"catalogsync/internal/handlers/middleware"
	"catalogsync/internal/jobs"
	"catalogsync/internal/services"
	"catalogsync/internal/websockets"

	logger "github.com/Bparsons0904/goLogger"
)

const SHUTDOWN_TIMEOUT = 10 * time.Second

type App struct {
	Database   database.DB
	Middleware middleware.Middleware
	Websocket  *websockets.Manager
	EventBus   *events.EventBus
	Config     config.Config
	Catalog    catalog.Client
	Services   services.Service
}

func New() (*App, error) {
	log := logger.New("app").Function("New")

	config, err := config.New()
	if err != nil {
		return &App{}, log.Err("failed to initialize config", err)
	}

	db, err := database.New(config)
	if err != nil {
		return &App{}, log.Err("failed to create database", err)
	}

	if err := db.MigrateModels(); err != nil {
		return &App{}, log.Err("failed to migrate database", err)
	}

	return build(config, db)
}

// build wires everything that sits on top of an opened database.
func build(config config.Config, db database.DB) (*App, error) {
	log := logger.New("app").Function("build")

	client := NewCatalogClient(config, db)

	var eventBus *events.EventBus
	if db.Cache.Events != nil {
		eventBus = events.New(db.Cache.Events)
	}

	service, err := services.New(db, client, eventBus, config.APISigningKey)
	if err != nil {
		return &App{}, log.Err("failed to create services", err)
	}

	websocket, err := websockets.New(eventBus, service.Token)
	if err != nil {
		return &App{}, log.Err("failed to create websocket manager", err)
	}

	if err := jobs.RegisterAllJobs(service.Scheduler, config, service); err != nil {
		return &App{}, log.Err("failed to register jobs", err)
	}

	app := &App{
		Database:   db,
		Config:     config,
		Middleware: middleware.New(config, service.Token),
		Websocket:  websocket,
		EventBus:   eventBus,
		Catalog:    client,
		Services:   service,
	}

	if err := app.validate(); err != nil {
		return &App{}, log.Err("failed to validate app", err)
	}

	return app, nil
}

// NewCatalogClient builds the HTTP catalog client, fronted by the valkey
// response cache when one is configured.
func NewCatalogClient(config config.Config, db database.DB) catalog.Client {
	var client catalog.Client = catalog.NewHTTPClient(catalog.HTTPConfig{
		BaseURL:      config.CatalogBaseURL,
		ClientID:     config.CatalogClientID,
		ClientSecret: config.CatalogClientSecret,
		Timeout:      time.Duration(config.CatalogTimeoutSeconds) * time.Second,
		RateLimit:    config.CatalogRateLimit,
		BatchSize:    config.CatalogBatchSize,
	})

	if db.Cache.ClientAPI != nil && config.CatalogCacheTTLMinutes > 0 {
		ttl := time.Duration(config.CatalogCacheTTLMinutes) * time.Minute
		client = catalog.NewCachedClient(client, db.Cache.ClientAPI, ttl)
	}
	return client
}

func (a *App) validate() error {
	log := logger.New("app").Function("validate")
	if a.Database.SQL == nil {
		return log.ErrMsg("database is nil")
	}

	if a.Config == (config.Config{}) {
		return log.ErrMsg("config is nil")
	}

	nilChecks := []any{
		a.Websocket,
		a.Catalog,
		a.Services.Store,
		a.Services.Catalog,
		a.Services.Sync,
		a.Services.Scheduler,
		a.Services.Token,
	}

	for _, check := range nilChecks {
		if check == nil {
			return log.ErrMsg("nil check failed")
		}
	}

	return nil
}

// Start begins scheduled work.
func (a *App) Start(ctx context.Context) error {
	return a.Services.Scheduler.Start(ctx)
}

func (a *App) Close() (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
	defer cancel()

	if a.Websocket != nil {
		a.Websocket.Close()
	}

	if a.Services.Store != nil {
		if closeErr := a.Services.Close(ctx); closeErr != nil {
			err = closeErr
		}
	}

	if a.EventBus != nil {
		if closeErr := a.EventBus.Close(); closeErr != nil {
			err = closeErr
		}
	}

	if dbErr := a.Database.Close(); dbErr != nil {
		err = dbErr
	}

	return err
}
