package syncrun

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/listkit/gtm-backend/internal/domain"
	"github.com/listkit/gtm-backend/internal/platform/logger"
)

type SyncRunRepo interface {
	Create(ctx context.Context, tx *gorm.DB, run *types.SyncRun) error
	Finalize(ctx context.Context, tx *gorm.DB, runID uuid.UUID, fields map[string]any) error
	LastSuccessful(ctx context.Context, tx *gorm.DB, source string) (*types.SyncRun, error)
	List(ctx context.Context, tx *gorm.DB, source string, limit int) ([]*types.SyncRun, error)
}

type syncRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSyncRunRepo(db *gorm.DB, baseLog *logger.Logger) SyncRunRepo {
	repoLog := baseLog.With("repo", "SyncRunRepo")
	return &syncRunRepo{db: db, log: repoLog}
}

func (sr *syncRunRepo) Create(ctx context.Context, tx *gorm.DB, run *types.SyncRun) error {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}
	return transaction.WithContext(ctx).Create(run).Error
}

// Finalize writes the terminal state of a run. Runs are immutable once
// completed; callers must finalize exactly once.
func (sr *syncRunRepo) Finalize(ctx context.Context, tx *gorm.DB, runID uuid.UUID, fields map[string]any) error {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}
	return transaction.WithContext(ctx).
		Model(&types.SyncRun{}).
		Where("id = ? AND status = ?", runID, types.RunStatusRunning).
		Updates(fields).Error
}

func (sr *syncRunRepo) LastSuccessful(ctx context.Context, tx *gorm.DB, source string) (*types.SyncRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}

	var result types.SyncRun
	err := transaction.WithContext(ctx).
		Where("source = ? AND status = ?", source, types.RunStatusCompleted).
		Order("started_at DESC").
		First(&result).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (sr *syncRunRepo) List(ctx context.Context, tx *gorm.DB, source string, limit int) ([]*types.SyncRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := transaction.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if source != "" {
		q = q.Where("source = ?", source)
	}

	var results []*types.SyncRun
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
