package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	types "github.com/minare/tokenchat-backend/internal/domain"
	"github.com/minare/tokenchat-backend/internal/llm"
	"github.com/minare/tokenchat-backend/internal/pkg/dbctx"
	apperrors "github.com/minare/tokenchat-backend/internal/pkg/errors"
	"github.com/minare/tokenchat-backend/internal/pkg/envutil"
	"github.com/minare/tokenchat-backend/internal/pkg/logger"
	"github.com/minare/tokenchat-backend/internal/rag"
)

const turnTokenCost = 1

// SourceRef is one citation surfaced to the client, index-aligned with the
// bracketed references in the streamed answer.
type SourceRef struct {
	Index  int    `json:"index"`
	Title  string `json:"title"`
	Source string `json:"source"`
}

// TurnNotifier delivers one turn's event sequence to the client transport.
// Implementations are per-connection; calls arrive from the turn's
// goroutine in emission order and must preserve that order on the wire.
type TurnNotifier interface {
	ConversationCreated(conversationID uuid.UUID, title string)
	TokenConsumed(remainingBalance int64)
	Sources(sources []SourceRef)
	StreamChunk(content string)
	StreamDone(saved bool)
	StreamError(message string)
	TokenRefunded(message string)
}

// TurnInput is one inbound send_message request.
type TurnInput struct {
	ConnID         string
	UserID         uuid.UUID
	Content        string
	ConversationID *uuid.UUID
}

// TurnService runs the chat turn state machine: debit, resolve, persist,
// retrieve, stream, persist, with refund compensation when anything fails
// after the debit landed.
type TurnService interface {
	// Run drives one turn to completion. An error return means the turn
	// failed before any side effect (validation, insufficient funds) and
	// nothing was notified; the transport maps it to a generic error event.
	// Failures after the debit are handled internally: the client is told
	// via stream_error/token_refunded and Run returns nil.
	Run(ctx context.Context, in TurnInput, notify TurnNotifier) error
}

type turnService struct {
	log           *logger.Logger
	ledger        TokenLedgerService
	conversations ConversationService
	retriever     rag.Retriever
	client        llm.Client
	active        *ActiveStreams
	maxContentLen int
	contextWindow int
	llmTimeout    time.Duration
}

func NewTurnService(
	log *logger.Logger,
	ledger TokenLedgerService,
	conversations ConversationService,
	retriever rag.Retriever,
	client llm.Client,
	active *ActiveStreams,
) TurnService {
	return &turnService{
		log:           log.With("service", "TurnService"),
		ledger:        ledger,
		conversations: conversations,
		retriever:     retriever,
		client:        client,
		active:        active,
		maxContentLen: envutil.Int("MAX_MESSAGE_LENGTH", 4000),
		contextWindow: envutil.Int("CONTEXT_WINDOW", llm.DefaultContextWindow),
		llmTimeout:    time.Duration(envutil.Int("LLM_REQUEST_TIMEOUT_SECONDS", 300)) * time.Second,
	}
}

func (s *turnService) Run(ctx context.Context, in TurnInput, notify TurnNotifier) error {
	if err := s.validate(in); err != nil {
		return err
	}
	dbc := dbctx.Context{Ctx: ctx}

	// Debit before anything else. From here on every failure owes the user
	// a refund.
	ref := RefNewConversation
	if in.ConversationID != nil {
		ref = in.ConversationID.String()
	}
	remaining, err := s.ledger.Debit(dbc, in.UserID, turnTokenCost, ref)
	if err != nil {
		if errors.Is(err, apperrors.ErrInsufficientTokens) {
			return err
		}
		return fmt.Errorf("debit token: %w", err)
	}

	conv, err := s.resolveConversation(dbc, in, notify)
	if err != nil {
		s.fail(dbc, in, uuid.Nil, notify, err)
		return nil
	}
	notify.TokenConsumed(remaining)

	if _, err := s.conversations.AppendMessage(dbc, conv.ID, types.RoleUser, in.Content); err != nil {
		s.fail(dbc, in, conv.ID, notify, err)
		return nil
	}

	// History and retrieval are independent reads; overlap them. Retrieval
	// is best-effort and must never fail the turn.
	var (
		history   []*types.Message
		retrieved []rag.RetrievedChunk
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, histErr := s.conversations.History(dbctx.Context{Ctx: gctx}, in.UserID, conv.ID, 0)
		if histErr != nil {
			return fmt.Errorf("load history: %w", histErr)
		}
		history = rows
		return nil
	})
	g.Go(func() error {
		chunks, ragErr := s.retriever.Retrieve(gctx, in.Content)
		if ragErr != nil {
			s.log.Warn("retrieval failed, continuing without context",
				"conversation_id", conv.ID, "error", ragErr)
			return nil
		}
		retrieved = chunks
		return nil
	})
	if err := g.Wait(); err != nil {
		s.fail(dbc, in, conv.ID, notify, err)
		return nil
	}

	if len(retrieved) > 0 {
		sources := make([]SourceRef, 0, len(retrieved))
		for _, c := range retrieved {
			sources = append(sources, SourceRef{Index: c.Index, Title: c.Title, Source: c.Source})
		}
		notify.Sources(sources)
	}

	// The stream is bounded by the abort handle and the upstream timeout.
	// An abort is a normal termination; everything else after this point is
	// the refund path.
	streamCtx, cancel := context.WithCancel(ctx)
	streamCtx, timeoutCancel := context.WithTimeout(streamCtx, s.llmTimeout)
	defer timeoutCancel()
	s.active.Register(in.ConnID, cancel)
	defer s.active.Unregister(in.ConnID)

	messages := llm.BuildMessages(llm.HistoryFromMessages(history), rag.FormatContext(retrieved), s.contextWindow)
	stream, err := s.client.StartCompletion(streamCtx, messages)
	if err != nil {
		s.fail(dbc, in, conv.ID, notify, fmt.Errorf("start completion: %w", err))
		return nil
	}

	for chunk := range stream.Chunks() {
		notify.StreamChunk(chunk.Content)
	}
	text, err := stream.Wait(streamCtx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Client abort or disconnect. No assistant message, no refund.
			s.log.Info("stream aborted by client", "conversation_id", conv.ID)
			notify.StreamDone(false)
			return nil
		}
		s.fail(dbc, in, conv.ID, notify, fmt.Errorf("completion stream: %w", err))
		return nil
	}

	if _, err := s.conversations.AppendMessage(dbc, conv.ID, types.RoleAssistant, text); err != nil {
		s.fail(dbc, in, conv.ID, notify, fmt.Errorf("persist assistant message: %w", err))
		return nil
	}
	notify.StreamDone(true)
	return nil
}

func (s *turnService) validate(in TurnInput) error {
	if in.UserID == uuid.Nil {
		return apperrors.ErrUnauthorized
	}
	if len(in.Content) == 0 {
		return fmt.Errorf("%w: empty message", apperrors.ErrInvalidArgument)
	}
	if len(in.Content) > s.maxContentLen {
		return fmt.Errorf("%w: message exceeds %d bytes", apperrors.ErrInvalidArgument, s.maxContentLen)
	}
	return nil
}

func (s *turnService) resolveConversation(dbc dbctx.Context, in TurnInput, notify TurnNotifier) (*types.Conversation, error) {
	if in.ConversationID != nil {
		return s.conversations.Get(dbc, in.UserID, *in.ConversationID)
	}
	conv, err := s.conversations.Create(dbc, in.UserID, TitleFromContent(in.Content))
	if err != nil {
		return nil, err
	}
	notify.ConversationCreated(conv.ID, conv.Title)
	return conv, nil
}

// fail is the post-debit compensation path: tell the client, then try to
// give the token back. A failed refund is logged for operators only; the
// client has already been told the turn failed.
func (s *turnService) fail(dbc dbctx.Context, in TurnInput, conversationID uuid.UUID, notify TurnNotifier, cause error) {
	s.log.Error("chat turn failed", "conversation_id", conversationID, "error", cause)
	notify.StreamError("The assistant could not complete your message. Your token has been returned.")

	ref := RefNewConversation
	if conversationID != uuid.Nil {
		ref = conversationID.String()
	} else if in.ConversationID != nil {
		ref = in.ConversationID.String()
	}
	if _, refundErr := s.ledger.Credit(dbc, in.UserID, turnTokenCost, types.TxTypeRefund, ref, "refund for failed chat turn"); refundErr != nil {
		s.log.Error("token refund failed", "user_id", in.UserID, "conversation_id", conversationID, "error", refundErr)
		return
	}
	notify.TokenRefunded("1 token refunded")
}
