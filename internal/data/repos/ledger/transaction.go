package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/minare/tokenchat-backend/internal/domain"
	"github.com/minare/tokenchat-backend/internal/pkg/dbctx"
	"github.com/minare/tokenchat-backend/internal/pkg/logger"
)

// TokenTransactionRepo is the append-only audit log. Rows are never updated
// or deleted.
type TokenTransactionRepo interface {
	Create(dbc dbctx.Context, rows []*types.TokenTransaction) ([]*types.TokenTransaction, error)
	// ListByUser returns a page ordered newest first plus the total count.
	ListByUser(dbc dbctx.Context, userID uuid.UUID, limit, offset int) ([]*types.TokenTransaction, int64, error)
}

type tokenTransactionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTokenTransactionRepo(db *gorm.DB, log *logger.Logger) TokenTransactionRepo {
	return &tokenTransactionRepo{db: db, log: log.With("repo", "TokenTransactionRepo")}
}

func (r *tokenTransactionRepo) Create(dbc dbctx.Context, rows []*types.TokenTransaction) ([]*types.TokenTransaction, error) {
	if len(rows) == 0 {
		return []*types.TokenTransaction{}, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	if err := txx.WithContext(dbc.Ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *tokenTransactionRepo) ListByUser(dbc dbctx.Context, userID uuid.UUID, limit, offset int) ([]*types.TokenTransaction, int64, error) {
	if userID == uuid.Nil {
		return nil, 0, fmt.Errorf("missing user_id")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}

	var total int64
	if err := txx.WithContext(dbc.Ctx).
		Model(&types.TokenTransaction{}).
		Where("user_id = ?", userID).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var out []*types.TokenTransaction
	if err := txx.WithContext(dbc.Ctx).
		Model(&types.TokenTransaction{}).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}
