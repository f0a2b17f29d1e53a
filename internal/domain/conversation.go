package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Conversation struct {
	ID     uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID *uuid.UUID `gorm:"type:uuid;index;column:user_id" json:"user_id,omitempty"`
	Title  string     `gorm:"not null;column:title" json:"title"`
	// Metadata is reserved for client-side pinning/labels; always valid JSON.
	Metadata  datatypes.JSON `gorm:"type:jsonb;default:'{}'" json:"metadata"`
	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversation"
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is immutable once created; ordering within a conversation is by
// created_at ascending.
type Message struct {
	ID             uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ConversationID uuid.UUID `gorm:"type:uuid;index;not null;column:conversation_id" json:"conversation_id"`
	Role           string    `gorm:"not null;column:role" json:"role"`
	Content        string    `gorm:"not null;column:content" json:"content"`
	CreatedAt      time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt      time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Message) TableName() string {
	return "message"
}
