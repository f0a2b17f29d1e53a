package services

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/minare/tokenchat-backend/internal/domain"
	"github.com/minare/tokenchat-backend/internal/pkg/dbctx"
	apperrors "github.com/minare/tokenchat-backend/internal/pkg/errors"
)

// markerTx satisfies the open-transaction check without a database; the
// in-memory repos never dereference it.
var markerTx = &gorm.DB{}

// memBalanceRepo mirrors the SQL repo's atomic contract in memory so the
// service's pairing of mutation and audit row can be tested without
// postgres. The SQL statements themselves are covered by the repo's
// integration tests.
type memBalanceRepo struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64
}

func newMemBalanceRepo() *memBalanceRepo {
	return &memBalanceRepo{balances: make(map[uuid.UUID]int64)}
}

func (r *memBalanceRepo) Get(_ dbctx.Context, userID uuid.UUID) (*types.TokenBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bal, ok := r.balances[userID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &types.TokenBalance{UserID: userID, Balance: bal}, nil
}

func (r *memBalanceRepo) Init(_ dbctx.Context, userID uuid.UUID, amount int64) (*types.TokenBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.balances[userID]; ok {
		return nil, errors.New("balance already exists")
	}
	r.balances[userID] = amount
	return &types.TokenBalance{UserID: userID, Balance: amount}, nil
}

func (r *memBalanceRepo) DebitIfEnough(_ dbctx.Context, userID uuid.UUID, amount int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.balances[userID] < amount {
		return 0, apperrors.ErrInsufficientTokens
	}
	r.balances[userID] -= amount
	return r.balances[userID], nil
}

func (r *memBalanceRepo) Credit(_ dbctx.Context, userID uuid.UUID, amount int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[userID] += amount
	return r.balances[userID], nil
}

type memTxRepo struct {
	mu   sync.Mutex
	rows []*types.TokenTransaction
}

func (r *memTxRepo) Create(_ dbctx.Context, rows []*types.TokenTransaction) ([]*types.TokenTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
		r.rows = append(r.rows, row)
	}
	return rows, nil
}

func (r *memTxRepo) ListByUser(_ dbctx.Context, userID uuid.UUID, limit, offset int) ([]*types.TokenTransaction, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*types.TokenTransaction
	for _, row := range r.rows {
		if row.UserID == userID {
			all = append(all, row)
		}
	}
	total := int64(len(all))
	// Newest first.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if offset > len(all) {
		offset = len(all)
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

func newLedgerFixture(t *testing.T) (*memBalanceRepo, *memTxRepo, TokenLedgerService) {
	t.Helper()
	balRepo := newMemBalanceRepo()
	txRepo := &memTxRepo{}
	// db is nil: these tests always pass an open dbctx.Tx-less context and
	// the fakes never touch gorm.
	svc := &tokenLedgerService{
		log:     testLogger(t),
		balRepo: balRepo,
		txRepo:  txRepo,
	}
	return balRepo, txRepo, svc
}

func openTx(t *testing.T) dbctx.Context {
	t.Helper()
	// Tx non-nil makes the service reuse the "caller's transaction", which
	// for the in-memory repos is a no-op marker.
	return dbctx.Context{Ctx: t.Context(), Tx: markerTx}
}

func TestLedgerGetBalanceFirstTouch(t *testing.T) {
	_, _, svc := newLedgerFixture(t)
	userID := uuid.New()

	bal, err := svc.GetBalance(openTx(t), userID)
	if err != nil {
		t.Fatalf("first touch failed: %v", err)
	}
	if bal != 0 {
		t.Fatalf("expected first-touch balance 0, got %d", bal)
	}

	bal, err = svc.GetBalance(openTx(t), userID)
	if err != nil || bal != 0 {
		t.Fatalf("second read failed: %d, %v", bal, err)
	}
}

func TestLedgerAuditFidelity(t *testing.T) {
	balRepo, txRepo, svc := newLedgerFixture(t)
	userID := uuid.New()
	dbc := openTx(t)

	if _, err := svc.GrantSignup(dbc, userID, 10); err != nil {
		t.Fatalf("grant: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := svc.Debit(dbc, userID, 1, "conv-1"); err != nil {
			t.Fatalf("debit %d: %v", i, err)
		}
	}
	if _, err := svc.Credit(dbc, userID, 25, types.TxTypePurchase, "evt-1", "token purchase"); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, err := svc.Credit(dbc, userID, 1, types.TxTypeRefund, "conv-1", "refund"); err != nil {
		t.Fatalf("refund: %v", err)
	}

	// Replaying rows in creation order from zero must reproduce both the
	// stored balance and every row's BalanceAfter snapshot.
	var running int64
	txRepo.mu.Lock()
	for i, row := range txRepo.rows {
		running += row.Amount
		if row.BalanceAfter != running {
			t.Fatalf("row %d: balance_after=%d, replay says %d", i, row.BalanceAfter, running)
		}
	}
	txRepo.mu.Unlock()

	stored := balRepo.balances[userID]
	if running != stored {
		t.Fatalf("replay sum %d != stored balance %d", running, stored)
	}
	if stored != 32 {
		t.Fatalf("expected 10-4+25+1=32, got %d", stored)
	}
}

func TestLedgerConcurrentDebitsNeverOversell(t *testing.T) {
	_, txRepo, svc := newLedgerFixture(t)
	userID := uuid.New()
	dbc := openTx(t)
	if _, err := svc.GrantSignup(dbc, userID, 3); err != nil {
		t.Fatalf("grant: %v", err)
	}

	const attempts = 10
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Debit(openTx(t), userID, 1, "conv-x")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, insufficient := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, apperrors.ErrInsufficientTokens):
			insufficient++
		default:
			t.Fatalf("unexpected debit error: %v", err)
		}
	}
	if succeeded != 3 || insufficient != attempts-3 {
		t.Fatalf("expected 3 successes and %d shortfalls, got %d/%d", attempts-3, succeeded, insufficient)
	}
	if bal, _ := svc.GetBalance(dbc, userID); bal != 0 {
		t.Fatalf("expected final balance 0, got %d", bal)
	}

	txRepo.mu.Lock()
	debits := 0
	for _, row := range txRepo.rows {
		if row.Type == types.TxTypeChatMessage {
			debits++
		}
	}
	txRepo.mu.Unlock()
	if debits != 3 {
		t.Fatalf("expected 3 debit audit rows, got %d", debits)
	}
}

func TestLedgerListTransactionsPaging(t *testing.T) {
	_, _, svc := newLedgerFixture(t)
	userID := uuid.New()
	dbc := openTx(t)
	if _, err := svc.GrantSignup(dbc, userID, 10); err != nil {
		t.Fatalf("grant: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := svc.Debit(dbc, userID, 1, "conv-1"); err != nil {
			t.Fatalf("debit: %v", err)
		}
	}

	rows, total, err := svc.ListTransactions(dbc, userID, 3, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 6 {
		t.Fatalf("expected total 6, got %d", total)
	}
	if len(rows) != 3 {
		t.Fatalf("expected page of 3, got %d", len(rows))
	}
	if rows[0].Type != types.TxTypeChatMessage {
		t.Fatalf("expected newest row first, got %s", rows[0].Type)
	}
}
