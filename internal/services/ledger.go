package services

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	ledgerrepo "github.com/minare/tokenchat-backend/internal/data/repos/ledger"
	types "github.com/minare/tokenchat-backend/internal/domain"
	"github.com/minare/tokenchat-backend/internal/pkg/dbctx"
	apperrors "github.com/minare/tokenchat-backend/internal/pkg/errors"
	"github.com/minare/tokenchat-backend/internal/pkg/logger"
)

// RefNewConversation tags a debit made before the conversation row exists.
const RefNewConversation = "new"

// TokenLedgerService pairs every balance mutation with its audit row in a
// single storage transaction, so the transaction log replays to the stored
// balance.
type TokenLedgerService interface {
	// GetBalance reads the user's balance, initializing it to zero on first
	// touch instead of reporting absence as an error.
	GetBalance(dbc dbctx.Context, userID uuid.UUID) (int64, error)
	// GrantSignup seeds a fresh account's balance. Callers invoke it once,
	// at registration, inside the registration transaction.
	GrantSignup(dbc dbctx.Context, userID uuid.UUID, amount int64) (int64, error)
	// Debit atomically takes amount from the balance, failing with
	// apperrors.ErrInsufficientTokens when the balance is short. referenceID
	// tags the audit row with the conversation this debit paid for.
	Debit(dbc dbctx.Context, userID uuid.UUID, amount int64, referenceID string) (int64, error)
	// Credit adds amount to the balance, first-touch initializing if
	// needed. Used for purchases (txType purchase) and compensation
	// (txType refund).
	Credit(dbc dbctx.Context, userID uuid.UUID, amount int64, txType, referenceID, description string) (int64, error)
	ListTransactions(dbc dbctx.Context, userID uuid.UUID, limit, offset int) ([]*types.TokenTransaction, int64, error)
}

type tokenLedgerService struct {
	db      *gorm.DB
	log     *logger.Logger
	balRepo ledgerrepo.TokenBalanceRepo
	txRepo  ledgerrepo.TokenTransactionRepo
}

func NewTokenLedgerService(
	db *gorm.DB,
	log *logger.Logger,
	balRepo ledgerrepo.TokenBalanceRepo,
	txRepo ledgerrepo.TokenTransactionRepo,
) TokenLedgerService {
	return &tokenLedgerService{
		db:      db,
		log:     log.With("service", "TokenLedgerService"),
		balRepo: balRepo,
		txRepo:  txRepo,
	}
}

func (s *tokenLedgerService) GetBalance(dbc dbctx.Context, userID uuid.UUID) (int64, error) {
	bal, err := s.balRepo.Get(dbc, userID)
	if err == nil {
		return bal.Balance, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return 0, err
	}
	created, initErr := s.balRepo.Init(dbc, userID, 0)
	if initErr != nil {
		return 0, fmt.Errorf("initialize balance: %w", initErr)
	}
	return created.Balance, nil
}

func (s *tokenLedgerService) GrantSignup(dbc dbctx.Context, userID uuid.UUID, amount int64) (int64, error) {
	var after int64
	err := s.transaction(dbc, func(txc dbctx.Context) error {
		bal, initErr := s.balRepo.Init(txc, userID, amount)
		if initErr != nil {
			return fmt.Errorf("init signup balance: %w", initErr)
		}
		after = bal.Balance
		return s.record(txc, &types.TokenTransaction{
			UserID:       userID,
			Amount:       amount,
			Type:         types.TxTypeSignupBonus,
			Description:  "signup token grant",
			BalanceAfter: after,
		})
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("signup tokens granted", "user_id", userID, "amount", amount)
	return after, nil
}

func (s *tokenLedgerService) Debit(dbc dbctx.Context, userID uuid.UUID, amount int64, referenceID string) (int64, error) {
	var after int64
	err := s.transaction(dbc, func(txc dbctx.Context) error {
		newBalance, debitErr := s.balRepo.DebitIfEnough(txc, userID, amount)
		if debitErr != nil {
			return debitErr
		}
		after = newBalance
		return s.record(txc, &types.TokenTransaction{
			UserID:       userID,
			Amount:       -amount,
			Type:         types.TxTypeChatMessage,
			ReferenceID:  refPtr(referenceID),
			Description:  "chat message",
			BalanceAfter: after,
		})
	})
	if err != nil {
		return 0, err
	}
	return after, nil
}

func (s *tokenLedgerService) Credit(dbc dbctx.Context, userID uuid.UUID, amount int64, txType, referenceID, description string) (int64, error) {
	var after int64
	err := s.transaction(dbc, func(txc dbctx.Context) error {
		newBalance, creditErr := s.balRepo.Credit(txc, userID, amount)
		if creditErr != nil {
			return fmt.Errorf("credit balance: %w", creditErr)
		}
		after = newBalance
		return s.record(txc, &types.TokenTransaction{
			UserID:       userID,
			Amount:       amount,
			Type:         txType,
			ReferenceID:  refPtr(referenceID),
			Description:  description,
			BalanceAfter: after,
		})
	})
	if err != nil {
		return 0, err
	}
	return after, nil
}

func (s *tokenLedgerService) ListTransactions(dbc dbctx.Context, userID uuid.UUID, limit, offset int) ([]*types.TokenTransaction, int64, error) {
	return s.txRepo.ListByUser(dbc, userID, limit, offset)
}

func (s *tokenLedgerService) record(dbc dbctx.Context, row *types.TokenTransaction) error {
	if _, err := s.txRepo.Create(dbc, []*types.TokenTransaction{row}); err != nil {
		return fmt.Errorf("record token transaction: %w", err)
	}
	return nil
}

// transaction runs fn inside the caller's transaction when one is already
// open, otherwise opens one.
func (s *tokenLedgerService) transaction(dbc dbctx.Context, fn func(txc dbctx.Context) error) error {
	if dbc.Tx != nil {
		return fn(dbc)
	}
	return s.db.WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		return fn(dbctx.Context{Ctx: dbc.Ctx, Tx: tx})
	})
}

func refPtr(ref string) *string {
	if ref == "" {
		return nil
	}
	return &ref
}
