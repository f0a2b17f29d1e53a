package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/minare/tokenchat-backend/internal/pkg/apierr"
	"github.com/minare/tokenchat-backend/internal/pkg/dbctx"
	"github.com/minare/tokenchat-backend/internal/pkg/envutil"
	"github.com/minare/tokenchat-backend/internal/requestdata"
	"github.com/minare/tokenchat-backend/internal/services"
)

type ConversationHandler struct {
	conversations services.ConversationService
}

func NewConversationHandler(conversations services.ConversationService) *ConversationHandler {
	return &ConversationHandler{conversations: conversations}
}

func (ch *ConversationHandler) List(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	limit := envutil.Int("CONVERSATION_LIST_LIMIT", 100)
	rows, err := ch.conversations.List(dbctx.Context{Ctx: c.Request.Context()}, rd.UserID, limit)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{"conversations": rows})
}

func (ch *ConversationHandler) Get(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	conv, err := ch.conversations.Get(dbctx.Context{Ctx: c.Request.Context()}, rd.UserID, id)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{"conversation": conv})
}

func (ch *ConversationHandler) History(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	msgs, err := ch.conversations.History(dbctx.Context{Ctx: c.Request.Context()}, rd.UserID, id, 0)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{"messages": msgs})
}

type renameRequest struct {
	Title string `json:"title"`
}

func (ch *ConversationHandler) Rename(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeInvalidPayload, err)
		return
	}
	if err := ch.conversations.Rename(dbctx.Context{Ctx: c.Request.Context()}, rd.UserID, id, req.Title); err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{"ok": true})
}

func (ch *ConversationHandler) Delete(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	if err := ch.conversations.Delete(dbctx.Context{Ctx: c.Request.Context()}, rd.UserID, id); err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{"ok": true})
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeInvalidPayload, err)
		return uuid.Nil, false
	}
	return id, true
}
