package services

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	chatrepo "github.com/minare/tokenchat-backend/internal/data/repos/chat"
	types "github.com/minare/tokenchat-backend/internal/domain"
	"github.com/minare/tokenchat-backend/internal/pkg/dbctx"
	apperrors "github.com/minare/tokenchat-backend/internal/pkg/errors"
	"github.com/minare/tokenchat-backend/internal/pkg/logger"
)

const (
	titleMaxRunes       = 50
	defaultHistoryLimit = 200
)

// ConversationService owns the conversation and transcript surface. Every
// operation that takes a userID enforces ownership: a missing id reads as
// ErrNotFound, someone else's conversation as ErrAccessDenied. Ids are
// random uuids, so the existence signal the distinct codes carry is not
// guessable in practice.
type ConversationService interface {
	Create(dbc dbctx.Context, userID uuid.UUID, title string) (*types.Conversation, error)
	Get(dbc dbctx.Context, userID, id uuid.UUID) (*types.Conversation, error)
	List(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.Conversation, error)
	Rename(dbc dbctx.Context, userID, id uuid.UUID, title string) error
	Delete(dbc dbctx.Context, userID, id uuid.UUID) error
	// AppendMessage persists one transcript row and bumps the
	// conversation's updated_at. The row is durably visible to History
	// before this returns.
	AppendMessage(dbc dbctx.Context, conversationID uuid.UUID, role, content string) (*types.Message, error)
	History(dbc dbctx.Context, userID, conversationID uuid.UUID, limit int) ([]*types.Message, error)
}

type conversationService struct {
	db       *gorm.DB
	log      *logger.Logger
	convRepo chatrepo.ConversationRepo
	msgRepo  chatrepo.MessageRepo
}

func NewConversationService(
	db *gorm.DB,
	log *logger.Logger,
	convRepo chatrepo.ConversationRepo,
	msgRepo chatrepo.MessageRepo,
) ConversationService {
	return &conversationService{
		db:       db,
		log:      log.With("service", "ConversationService"),
		convRepo: convRepo,
		msgRepo:  msgRepo,
	}
}

// TitleFromContent derives a new conversation's title from its first
// message: whitespace collapsed, truncated on a rune boundary.
func TitleFromContent(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if title == "" {
		return "New conversation"
	}
	if utf8.RuneCountInString(title) <= titleMaxRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:titleMaxRunes])) + "..."
}

func (s *conversationService) Create(dbc dbctx.Context, userID uuid.UUID, title string) (*types.Conversation, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing user", apperrors.ErrInvalidArgument)
	}
	row := &types.Conversation{
		ID:     uuid.New(),
		UserID: &userID,
		Title:  title,
	}
	created, err := s.convRepo.Create(dbc, []*types.Conversation{row})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return created[0], nil
}

func (s *conversationService) Get(dbc dbctx.Context, userID, id uuid.UUID) (*types.Conversation, error) {
	return s.owned(dbc, userID, id)
}

func (s *conversationService) List(dbc dbctx.Context, userID uuid.UUID, limit int) ([]*types.Conversation, error) {
	return s.convRepo.ListByUser(dbc, userID, limit)
}

func (s *conversationService) Rename(dbc dbctx.Context, userID, id uuid.UUID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("%w: empty title", apperrors.ErrInvalidArgument)
	}
	if _, err := s.owned(dbc, userID, id); err != nil {
		return err
	}
	return s.convRepo.UpdateTitle(dbc, id, title)
}

func (s *conversationService) Delete(dbc dbctx.Context, userID, id uuid.UUID) error {
	if _, err := s.owned(dbc, userID, id); err != nil {
		return err
	}
	// Messages go with it via the FK cascade.
	return s.convRepo.Delete(dbc, id)
}

func (s *conversationService) AppendMessage(dbc dbctx.Context, conversationID uuid.UUID, role, content string) (*types.Message, error) {
	if role != types.RoleUser && role != types.RoleAssistant {
		return nil, fmt.Errorf("%w: unknown role %q", apperrors.ErrInvalidArgument, role)
	}
	row := &types.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
	}
	var created *types.Message
	err := s.db.WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: dbc.Ctx, Tx: tx}
		rows, createErr := s.msgRepo.Create(txc, []*types.Message{row})
		if createErr != nil {
			return fmt.Errorf("append message: %w", createErr)
		}
		created = rows[0]
		return s.convRepo.Touch(txc, conversationID)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *conversationService) History(dbc dbctx.Context, userID, conversationID uuid.UUID, limit int) ([]*types.Message, error) {
	if _, err := s.owned(dbc, userID, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return s.msgRepo.ListRecent(dbc, conversationID, limit)
}

func (s *conversationService) owned(dbc dbctx.Context, userID, id uuid.UUID) (*types.Conversation, error) {
	conv, err := s.convRepo.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	if conv.UserID == nil || *conv.UserID != userID {
		return nil, apperrors.ErrAccessDenied
	}
	return conv, nil
}
