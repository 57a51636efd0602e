package services

import (
	"context"
	"errors"
	"time"

	"catalogsync/internal/models"
	"catalogsync/internal/repositories"
	"catalogsync/internal/store"
	"catalogsync/internal/types"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CatalogSourceService is the durable store behind the primary view.
type CatalogSourceService struct {
	repo        repositories.CatalogRepository
	transaction *TransactionService
	log         logger.Logger
}

var _ store.Source = (*CatalogSourceService)(nil)

func NewCatalogSourceService(
	repo repositories.CatalogRepository,
	transaction *TransactionService,
) *CatalogSourceService {
	return &CatalogSourceService{
		repo:        repo,
		transaction: transaction,
		log:         logger.New("catalogSourceService"),
	}
}

func (s *CatalogSourceService) GetByKeys(
	ctx context.Context,
	kind models.EntityKind,
	keys []string,
) ([]models.Entity, error) {
	return s.repo.GetByKeys(ctx, kind, keys)
}

func (s *CatalogSourceService) GetByIDs(
	ctx context.Context,
	kind models.EntityKind,
	ids []uuid.UUID,
) ([]models.Entity, error) {
	return s.repo.GetByIDs(ctx, kind, ids)
}

func (s *CatalogSourceService) GetRelated(ctx context.Context, entities []models.Entity) ([]models.Entity, error) {
	return s.repo.GetRelated(ctx, entities)
}

func (s *CatalogSourceService) StaleKeys(
	ctx context.Context,
	kind models.EntityKind,
	before time.Time,
	limit int,
) ([]string, error) {
	return s.repo.StaleKeys(ctx, kind, before, limit)
}

// Apply writes the changes in one transaction. Deletes run first so a key
// freed by a delete can be reused by an insert of the same batch.
func (s *CatalogSourceService) Apply(ctx context.Context, changes store.Changes) error {
	log := s.log.Function("Apply")

	err := s.transaction.Execute(ctx, func(txCtx context.Context, _ *gorm.DB) error {
		for _, entity := range changes.Deleted {
			if err := s.repo.Delete(txCtx, entity); err != nil {
				return types.TranslateDBError(err, "delete")
			}
		}
		for _, entity := range changes.Inserted {
			if err := s.repo.Create(txCtx, entity); err != nil {
				return types.TranslateDBError(err, "insert")
			}
		}
		for _, update := range changes.Updated {
			if err := s.repo.Update(txCtx, update.Entity, update.Fields); err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return types.NewConstraintViolation(err, "update of missing %s %s",
						update.Entity.EntityKind(), update.Entity.EntityID())
				}
				return types.TranslateDBError(err, "update")
			}
		}
		return nil
	})
	if err != nil {
		return log.Err("failed to apply changes", err, "changes", changes.Count())
	}

	return nil
}
