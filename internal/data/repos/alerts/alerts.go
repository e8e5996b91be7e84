package alerts

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/listkit/gtm-backend/internal/domain"
	pkgerrors "github.com/listkit/gtm-backend/internal/pkg/errors"
	"github.com/listkit/gtm-backend/internal/platform/logger"
)

type AlertRepo interface {
	CreateRecord(ctx context.Context, tx *gorm.DB, record *types.AlertRecord) error
	RecordExists(ctx context.Context, tx *gorm.DB, customerID uuid.UUID, alertType, stateHash string) (bool, error)
	MarkDelivered(ctx context.Context, tx *gorm.DB, recordID uuid.UUID, at time.Time) error
	Acknowledge(ctx context.Context, tx *gorm.DB, recordID uuid.UUID, by string, at time.Time) error
	ListByCustomer(ctx context.Context, tx *gorm.DB, customerID uuid.UUID, limit int) ([]*types.AlertRecord, error)

	GetState(ctx context.Context, tx *gorm.DB, customerID uuid.UUID, alertType string) (*types.AlertState, error)
	SaveState(ctx context.Context, tx *gorm.DB, state *types.AlertState) error
}

type alertRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAlertRepo(db *gorm.DB, baseLog *logger.Logger) AlertRepo {
	repoLog := baseLog.With("repo", "AlertRepo")
	return &alertRepo{db: db, log: repoLog}
}

func (ar *alertRepo) CreateRecord(ctx context.Context, tx *gorm.DB, record *types.AlertRecord) error {
	transaction := tx
	if transaction == nil {
		transaction = ar.db
	}
	return transaction.WithContext(ctx).Create(record).Error
}

func (ar *alertRepo) RecordExists(ctx context.Context, tx *gorm.DB, customerID uuid.UUID, alertType, stateHash string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = ar.db
	}

	var count int64
	if err := transaction.WithContext(ctx).
		Model(&types.AlertRecord{}).
		Where("customer_id = ? AND alert_type = ? AND state_hash = ?", customerID, alertType, stateHash).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (ar *alertRepo) MarkDelivered(ctx context.Context, tx *gorm.DB, recordID uuid.UUID, at time.Time) error {
	transaction := tx
	if transaction == nil {
		transaction = ar.db
	}
	return transaction.WithContext(ctx).
		Model(&types.AlertRecord{}).
		Where("id = ?", recordID).
		Update("delivered_at", at).Error
}

func (ar *alertRepo) Acknowledge(ctx context.Context, tx *gorm.DB, recordID uuid.UUID, by string, at time.Time) error {
	transaction := tx
	if transaction == nil {
		transaction = ar.db
	}

	res := transaction.WithContext(ctx).
		Model(&types.AlertRecord{}).
		Where("id = ? AND acknowledged_at IS NULL", recordID).
		Updates(map[string]any{
			"acknowledged_at": at,
			"acknowledged_by": by,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.ErrNotFound
	}
	return nil
}

func (ar *alertRepo) ListByCustomer(ctx context.Context, tx *gorm.DB, customerID uuid.UUID, limit int) ([]*types.AlertRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = ar.db
	}

	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var results []*types.AlertRecord
	if err := transaction.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("sent_at DESC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (ar *alertRepo) GetState(ctx context.Context, tx *gorm.DB, customerID uuid.UUID, alertType string) (*types.AlertState, error) {
	transaction := tx
	if transaction == nil {
		transaction = ar.db
	}

	var result types.AlertState
	err := transaction.WithContext(ctx).
		Where("customer_id = ? AND alert_type = ?", customerID, alertType).
		First(&result).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (ar *alertRepo) SaveState(ctx context.Context, tx *gorm.DB, state *types.AlertState) error {
	transaction := tx
	if transaction == nil {
		transaction = ar.db
	}
	state.UpdatedAt = time.Now().UTC()
	return transaction.WithContext(ctx).Save(state).Error
}
