package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/minare/tokenchat-backend/internal/pkg/apierr"
	"github.com/minare/tokenchat-backend/internal/pkg/dbctx"
	"github.com/minare/tokenchat-backend/internal/services"
)

// BillingHandler receives purchase webhooks. Deliveries are authenticated
// with an HMAC signature header, not a user token, and may arrive more
// than once per event.
type BillingHandler struct {
	billing services.BillingService
	secret  []byte
}

func NewBillingHandler(billing services.BillingService) *BillingHandler {
	return &BillingHandler{
		billing: billing,
		secret:  []byte(strings.TrimSpace(os.Getenv("BILLING_WEBHOOK_SECRET"))),
	}
}

type purchaseWebhook struct {
	EventID string `json:"event_id"`
	UserID  string `json:"user_id"`
	Amount  int64  `json:"amount"`
}

func (bh *BillingHandler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 64*1024))
	if err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeInvalidPayload, err)
		return
	}
	if !bh.signatureValid(c.GetHeader("X-Webhook-Signature"), body) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bad signature"})
		return
	}

	var payload purchaseWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeInvalidPayload, err)
		return
	}
	userID, err := uuid.Parse(payload.UserID)
	if err != nil {
		RespondError(c, http.StatusBadRequest, apierr.CodeInvalidPayload, err)
		return
	}

	balance, duplicate, err := bh.billing.HandlePurchase(dbctx.Context{Ctx: c.Request.Context()}, services.PurchaseEvent{
		EventID: payload.EventID,
		UserID:  userID,
		Amount:  payload.Amount,
	})
	if err != nil {
		RespondAppError(c, err)
		return
	}
	if duplicate {
		RespondOK(c, gin.H{"duplicate": true})
		return
	}
	RespondOK(c, gin.H{"balance": balance})
}

func (bh *BillingHandler) signatureValid(header string, body []byte) bool {
	if len(bh.secret) == 0 || header == "" {
		return false
	}
	mac := hmac.New(sha256.New, bh.secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.TrimPrefix(header, "sha256=")))
}
