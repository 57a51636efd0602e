package services

import (
	"context"

	"catalogsync/internal/catalog"
	"catalogsync/internal/database"
	"catalogsync/internal/events"
	"catalogsync/internal/repositories"
	"catalogsync/internal/store"
)

type Service struct {
	Store       *store.ContextSet
	Transaction *TransactionService
	Source      *CatalogSourceService
	Reconciler  *ReconcilerService
	Sync        *SyncService
	Catalog     *CatalogService
	ChangeFeed  *ChangeFeedService
	Scheduler   *SchedulerService
	Token       *TokenService
}

// New wires the context set over the database and the services that use it.
// eventBus may be nil, in which case no change feed is published.
func New(
	db database.DB,
	client catalog.Client,
	eventBus *events.EventBus,
	signingKey string,
) (Service, error) {
	transactionService := NewTransactionService(db)
	repos := repositories.New(db)

	sourceService := NewCatalogSourceService(repos.Catalog, transactionService)
	set := store.New(sourceService)

	reconcilerService := NewReconcilerService(client)

	var syncEvents SyncEventPublisher
	var changeFeedService *ChangeFeedService
	if eventBus != nil {
		syncEvents = eventBus
		changeFeedService = NewChangeFeedService(eventBus)
		changeFeedService.Attach(set)
	}

	syncService := NewSyncService(set, reconcilerService, db.Cache.General, syncEvents)
	catalogService := NewCatalogService(set, reconcilerService)
	schedulerService := NewSchedulerService()
	tokenService := NewTokenService(signingKey)

	return Service{
		Store:       set,
		Transaction: transactionService,
		Source:      sourceService,
		Reconciler:  reconcilerService,
		Sync:        syncService,
		Catalog:     catalogService,
		ChangeFeed:  changeFeedService,
		Scheduler:   schedulerService,
		Token:       tokenService,
	}, nil
}

// Close stops the scheduler, then the change feed, then every view.
func (s Service) Close(ctx context.Context) error {
	err := s.Scheduler.Stop(ctx)
	if s.ChangeFeed != nil {
		s.ChangeFeed.Stop()
	}
	s.Store.Close()
	return err
}
