package domain

import (
	"time"

	"github.com/google/uuid"
)

// TokenBalance is the prepaid chat-credit balance for one user. The balance
// never goes negative: every mutation is either an atomic conditional
// decrement or an additive upsert at the storage layer.
type TokenBalance struct {
	UserID    uuid.UUID `gorm:"type:uuid;primaryKey;column:user_id" json:"user_id"`
	Balance   int64     `gorm:"not null;default:0;check:balance >= 0" json:"balance"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (TokenBalance) TableName() string {
	return "token_balance"
}
