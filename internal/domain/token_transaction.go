package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	TxTypeSignupBonus = "signup_bonus"
	TxTypeChatMessage = "chat_message"
	TxTypeRefund      = "refund"
	TxTypePurchase    = "purchase"
)

// TokenTransaction is one row of the append-only ledger audit log.
// BalanceAfter snapshots the balance immediately after the mutation the row
// describes; replaying rows in creation order from zero must reproduce the
// stored balance.
type TokenTransaction struct {
	ID           uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID       uuid.UUID `gorm:"type:uuid;index;not null;column:user_id" json:"user_id"`
	Amount       int64     `gorm:"not null" json:"amount"`
	Type         string    `gorm:"not null;column:type" json:"type"`
	ReferenceID  *string   `gorm:"column:reference_id" json:"reference_id,omitempty"`
	Description  string    `gorm:"column:description" json:"description"`
	BalanceAfter int64     `gorm:"not null;column:balance_after" json:"balance_after"`
	CreatedAt    time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (TokenTransaction) TableName() string {
	return "token_transaction"
}
