package customer

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/listkit/gtm-backend/internal/domain"
	"github.com/listkit/gtm-backend/internal/platform/logger"
)

// ListFilter narrows List results for the read API.
type ListFilter struct {
	HealthStatus string
	MinChurnRisk *float64
	AssignedAM   string
	OrderBy      string // "mrr", "churn_risk", "health_score", "updated_at"
	Limit        int
	Offset       int
}

// StatusSummary is one row of the metrics rollup.
type StatusSummary struct {
	HealthStatus string  `json:"health_status"`
	Customers    int64   `json:"customers"`
	TotalMRR     float64 `json:"total_mrr"`
}

type CustomerRepo interface {
	Create(ctx context.Context, tx *gorm.DB, customer *types.UnifiedCustomer) error
	GetByEmail(ctx context.Context, tx *gorm.DB, email string) (*types.UnifiedCustomer, error)
	GetByEmailForUpdate(ctx context.Context, tx *gorm.DB, email string) (*types.UnifiedCustomer, error)
	GetByEmails(ctx context.Context, tx *gorm.DB, emails []string) ([]*types.UnifiedCustomer, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, customerID uuid.UUID, fields map[string]any) error
	List(ctx context.Context, tx *gorm.DB, filter ListFilter) ([]*types.UnifiedCustomer, error)
	ListEmails(ctx context.Context, tx *gorm.DB) ([]string, error)
	SummaryByStatus(ctx context.Context, tx *gorm.DB) ([]StatusSummary, error)
}

type customerRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCustomerRepo(db *gorm.DB, baseLog *logger.Logger) CustomerRepo {
	repoLog := baseLog.With("repo", "CustomerRepo")
	return &customerRepo{db: db, log: repoLog}
}

func (cr *customerRepo) Create(ctx context.Context, tx *gorm.DB, customer *types.UnifiedCustomer) error {
	transaction := tx
	if transaction == nil {
		transaction = cr.db
	}
	return transaction.WithContext(ctx).Create(customer).Error
}

func (cr *customerRepo) GetByEmail(ctx context.Context, tx *gorm.DB, email string) (*types.UnifiedCustomer, error) {
	transaction := tx
	if transaction == nil {
		transaction = cr.db
	}

	var result types.UnifiedCustomer
	err := transaction.WithContext(ctx).
		Where("email = ?", email).
		First(&result).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetByEmailForUpdate takes a row lock so concurrent merges to the same
// customer serialize at the database as well as in-process. On drivers
// without FOR UPDATE (sqlite) this degrades to a plain read.
func (cr *customerRepo) GetByEmailForUpdate(ctx context.Context, tx *gorm.DB, email string) (*types.UnifiedCustomer, error) {
	transaction := tx
	if transaction == nil {
		transaction = cr.db
	}

	q := transaction.WithContext(ctx)
	if transaction.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var result types.UnifiedCustomer
	err := q.Where("email = ?", email).First(&result).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (cr *customerRepo) GetByEmails(ctx context.Context, tx *gorm.DB, emails []string) ([]*types.UnifiedCustomer, error) {
	transaction := tx
	if transaction == nil {
		transaction = cr.db
	}

	var results []*types.UnifiedCustomer
	if len(emails) == 0 {
		return results, nil
	}

	if err := transaction.WithContext(ctx).
		Where("email IN ?", emails).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (cr *customerRepo) UpdateFields(ctx context.Context, tx *gorm.DB, customerID uuid.UUID, fields map[string]any) error {
	transaction := tx
	if transaction == nil {
		transaction = cr.db
	}
	if len(fields) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.UnifiedCustomer{}).
		Where("id = ?", customerID).
		Updates(fields).Error
}

func (cr *customerRepo) List(ctx context.Context, tx *gorm.DB, filter ListFilter) ([]*types.UnifiedCustomer, error) {
	transaction := tx
	if transaction == nil {
		transaction = cr.db
	}

	q := transaction.WithContext(ctx).Model(&types.UnifiedCustomer{})
	if filter.HealthStatus != "" {
		q = q.Where("health_status = ?", filter.HealthStatus)
	}
	if filter.MinChurnRisk != nil {
		q = q.Where("churn_risk >= ?", *filter.MinChurnRisk)
	}
	if filter.AssignedAM != "" {
		q = q.Where("assigned_am_email = ?", filter.AssignedAM)
	}

	switch filter.OrderBy {
	case "mrr":
		q = q.Order("mrr DESC NULLS LAST")
	case "churn_risk":
		q = q.Order("churn_risk DESC NULLS LAST")
	case "health_score":
		q = q.Order("health_score ASC NULLS LAST")
	default:
		q = q.Order("updated_at DESC")
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q = q.Limit(limit)
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var results []*types.UnifiedCustomer
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (cr *customerRepo) ListEmails(ctx context.Context, tx *gorm.DB) ([]string, error) {
	transaction := tx
	if transaction == nil {
		transaction = cr.db
	}

	var emails []string
	if err := transaction.WithContext(ctx).
		Model(&types.UnifiedCustomer{}).
		Order("email ASC").
		Pluck("email", &emails).Error; err != nil {
		return nil, err
	}
	return emails, nil
}

func (cr *customerRepo) SummaryByStatus(ctx context.Context, tx *gorm.DB) ([]StatusSummary, error) {
	transaction := tx
	if transaction == nil {
		transaction = cr.db
	}

	var rows []StatusSummary
	if err := transaction.WithContext(ctx).
		Model(&types.UnifiedCustomer{}).
		Select("COALESCE(health_status, 'unscored') AS health_status, COUNT(*) AS customers, COALESCE(SUM(mrr), 0) AS total_mrr").
		Group("COALESCE(health_status, 'unscored')").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
