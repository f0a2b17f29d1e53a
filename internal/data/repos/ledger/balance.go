package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/minare/tokenchat-backend/internal/domain"
	pkgerrors "github.com/minare/tokenchat-backend/internal/pkg/errors"
	"github.com/minare/tokenchat-backend/internal/pkg/dbctx"
	"github.com/minare/tokenchat-backend/internal/pkg/logger"
)

// TokenBalanceRepo owns the one storage-layer invariant of this system:
// balance mutations are single atomic statements, never read-then-write.
type TokenBalanceRepo interface {
	Get(dbc dbctx.Context, userID uuid.UUID) (*types.TokenBalance, error)
	// Init creates the balance row with the given starting amount. Fails if
	// the row already exists.
	Init(dbc dbctx.Context, userID uuid.UUID, amount int64) (*types.TokenBalance, error)
	// DebitIfEnough decrements atomically ("... WHERE balance >= amount")
	// and returns the post-debit balance. Returns ErrInsufficientTokens when
	// no row matched; two concurrent debits can never both succeed on the
	// last unit.
	DebitIfEnough(dbc dbctx.Context, userID uuid.UUID, amount int64) (int64, error)
	// Credit adds atomically, creating the row first-touch if needed, and
	// returns the post-credit balance.
	Credit(dbc dbctx.Context, userID uuid.UUID, amount int64) (int64, error)
}

type tokenBalanceRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTokenBalanceRepo(db *gorm.DB, log *logger.Logger) TokenBalanceRepo {
	return &tokenBalanceRepo{db: db, log: log.With("repo", "TokenBalanceRepo")}
}

func (r *tokenBalanceRepo) Get(dbc dbctx.Context, userID uuid.UUID) (*types.TokenBalance, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("missing user_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.TokenBalance
	if err := txx.WithContext(dbc.Ctx).
		Where("user_id = ?", userID).
		First(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (r *tokenBalanceRepo) Init(dbc dbctx.Context, userID uuid.UUID, amount int64) (*types.TokenBalance, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("missing user_id")
	}
	if amount < 0 {
		return nil, fmt.Errorf("negative initial balance")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	row := &types.TokenBalance{
		UserID:    userID,
		Balance:   amount,
		UpdatedAt: time.Now().UTC(),
	}
	if err := txx.WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *tokenBalanceRepo) DebitIfEnough(dbc dbctx.Context, userID uuid.UUID, amount int64) (int64, error) {
	if userID == uuid.Nil {
		return 0, fmt.Errorf("missing user_id")
	}
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var newBalance []int64
	if err := txx.WithContext(dbc.Ctx).Raw(`
		UPDATE token_balance
		SET balance = balance - ?, updated_at = now()
		WHERE user_id = ? AND balance >= ?
		RETURNING balance
	`, amount, userID, amount).Scan(&newBalance).Error; err != nil {
		return 0, err
	}
	if len(newBalance) == 0 {
		return 0, pkgerrors.ErrInsufficientTokens
	}
	return newBalance[0], nil
}

func (r *tokenBalanceRepo) Credit(dbc dbctx.Context, userID uuid.UUID, amount int64) (int64, error) {
	if userID == uuid.Nil {
		return 0, fmt.Errorf("missing user_id")
	}
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var newBalance []int64
	if err := txx.WithContext(dbc.Ctx).Raw(`
		INSERT INTO token_balance (user_id, balance, updated_at)
		VALUES (?, ?, now())
		ON CONFLICT (user_id)
		DO UPDATE SET balance = token_balance.balance + EXCLUDED.balance, updated_at = now()
		RETURNING balance
	`, userID, amount).Scan(&newBalance).Error; err != nil {
		return 0, err
	}
	if len(newBalance) == 0 {
		return 0, fmt.Errorf("credit returned no row")
	}
	return newBalance[0], nil
}
