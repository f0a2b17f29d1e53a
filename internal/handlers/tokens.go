package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/minare/tokenchat-backend/internal/pkg/dbctx"
	"github.com/minare/tokenchat-backend/internal/requestdata"
	"github.com/minare/tokenchat-backend/internal/services"
)

type TokenHandler struct {
	ledger services.TokenLedgerService
}

func NewTokenHandler(ledger services.TokenLedgerService) *TokenHandler {
	return &TokenHandler{ledger: ledger}
}

func (th *TokenHandler) Balance(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	balance, err := th.ledger.GetBalance(dbctx.Context{Ctx: c.Request.Context()}, rd.UserID)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{"balance": balance})
}

func (th *TokenHandler) Transactions(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	if limit > 200 {
		limit = 200
	}
	rows, total, err := th.ledger.ListTransactions(dbctx.Context{Ctx: c.Request.Context()}, rd.UserID, limit, offset)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{
		"transactions": rows,
		"total":        total,
		"limit":        limit,
		"offset":       offset,
	})
}

func queryInt(c *gin.Context, name string, def int) int {
	v := c.Query(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
