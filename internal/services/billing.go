package services

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/google/uuid"
	types "github.com/minare/tokenchat-backend/internal/domain"
	"github.com/minare/tokenchat-backend/internal/pkg/dbctx"
	apperrors "github.com/minare/tokenchat-backend/internal/pkg/errors"
	"github.com/minare/tokenchat-backend/internal/pkg/logger"
)

// IdempotencyStore remembers processed webhook event ids so duplicate
// deliveries credit once. FirstSeen returns false for an id it has seen
// before; Forget releases a reservation whose processing failed so the
// provider's redelivery gets another attempt.
type IdempotencyStore interface {
	FirstSeen(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// PurchaseEvent is one external purchase notification.
type PurchaseEvent struct {
	EventID string
	UserID  uuid.UUID
	Amount  int64
}

// BillingService credits purchased tokens from webhook deliveries.
type BillingService interface {
	// HandlePurchase credits the purchase once per event id and returns the
	// post-credit balance. Duplicate deliveries return the duplicate flag
	// with no balance change.
	HandlePurchase(dbc dbctx.Context, ev PurchaseEvent) (balance int64, duplicate bool, err error)
}

type billingService struct {
	db     *gorm.DB
	log    *logger.Logger
	ledger TokenLedgerService
	seen   IdempotencyStore
}

func NewBillingService(db *gorm.DB, log *logger.Logger, ledger TokenLedgerService, seen IdempotencyStore) BillingService {
	return &billingService{
		db:     db,
		log:    log.With("service", "BillingService"),
		ledger: ledger,
		seen:   seen,
	}
}

func (s *billingService) HandlePurchase(dbc dbctx.Context, ev PurchaseEvent) (int64, bool, error) {
	if strings.TrimSpace(ev.EventID) == "" {
		return 0, false, fmt.Errorf("%w: missing event id", apperrors.ErrInvalidArgument)
	}
	if ev.UserID == uuid.Nil {
		return 0, false, fmt.Errorf("%w: missing user id", apperrors.ErrInvalidArgument)
	}
	if ev.Amount <= 0 {
		return 0, false, fmt.Errorf("%w: non-positive amount", apperrors.ErrInvalidArgument)
	}

	// Reserving the event id first suppresses concurrent duplicate
	// deliveries. A failed credit hands the reservation back so the
	// provider's retry can land; a crash between reserve and credit still
	// drops the event, which operators can replay from the provider.
	first, err := s.seen.FirstSeen(dbc.Ctx, ev.EventID)
	if err != nil {
		return 0, false, fmt.Errorf("idempotency check: %w", err)
	}
	if !first {
		s.log.Info("duplicate purchase event dropped", "event_id", ev.EventID)
		return 0, true, nil
	}

	balance, err := s.ledger.Credit(dbc, ev.UserID, ev.Amount, types.TxTypePurchase, ev.EventID, "token purchase")
	if err != nil {
		if forgetErr := s.seen.Forget(dbc.Ctx, ev.EventID); forgetErr != nil {
			s.log.Error("failed to release event reservation after credit failure",
				"event_id", ev.EventID, "error", forgetErr)
		}
		return 0, false, err
	}
	s.log.Info("purchase credited", "event_id", ev.EventID, "user_id", ev.UserID, "amount", ev.Amount)
	return balance, false, nil
}

const processedEventTTL = 30 * 24 * time.Hour

type redisIdempotencyStore struct {
	rdb    *goredis.Client
	prefix string
}

// NewRedisIdempotencyStore connects to REDIS_ADDR and tracks processed
// event ids with SETNX under a keyspace prefix.
func NewRedisIdempotencyStore(log *logger.Logger) (IdempotencyStore, error) {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("billing idempotency store connected", "addr", addr)
	return &redisIdempotencyStore{rdb: rdb, prefix: "billing:event:"}, nil
}

func (s *redisIdempotencyStore) FirstSeen(ctx context.Context, eventID string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.prefix+eventID, 1, processedEventTTL).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *redisIdempotencyStore) Forget(ctx context.Context, eventID string) error {
	return s.rdb.Del(ctx, s.prefix+eventID).Err()
}

// MemoryIdempotencyStore is the in-process variant used in tests and
// single-node deployments without redis.
type MemoryIdempotencyStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{seen: make(map[string]struct{})}
}

func (s *MemoryIdempotencyStore) FirstSeen(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[eventID]; ok {
		return false, nil
	}
	s.seen[eventID] = struct{}{}
	return true, nil
}

func (s *MemoryIdempotencyStore) Forget(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, eventID)
	return nil
}
