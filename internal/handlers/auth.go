package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/minare/tokenchat-backend/internal/pkg/apierr"
	"github.com/minare/tokenchat-backend/internal/pkg/dbctx"
	"github.com/minare/tokenchat-backend/internal/services"
)

type AuthHandler struct {
	authService services.AuthService
}

func NewAuthHandler(authService services.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (ah *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeInvalidPayload, err)
		return
	}
	user, token, balance, err := ah.authService.Register(dbctx.Context{Ctx: c.Request.Context()}, req.Email, req.Password)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondCreated(c, gin.H{
		"user":    gin.H{"id": user.ID, "email": user.Email},
		"token":   token,
		"balance": balance,
	})
}

func (ah *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeInvalidPayload, err)
		return
	}
	user, token, err := ah.authService.Login(dbctx.Context{Ctx: c.Request.Context()}, req.Email, req.Password)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{
		"user":  gin.H{"id": user.ID, "email": user.Email},
		"token": token,
	})
}
