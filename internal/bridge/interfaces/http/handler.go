// Package http 跨链转账接口
package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/wyfcoding/quantumbridge/internal/bridge/application"
	"github.com/wyfcoding/quantumbridge/internal/bridge/domain"
)

type Handler struct {
	service *application.BridgeService
}

func NewHandler(service *application.BridgeService) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/bridge")
	{
		g.POST("/transfers", h.Submit)
		g.GET("/transfers/:id", h.Get)
		g.GET("/users/:id/transfers", h.ListByUser)
	}
}

type SubmitReq struct {
	UserID        string `json:"user_id" binding:"required"`
	Nonce         string `json:"nonce" binding:"required"`
	SourceChain   string `json:"source_chain" binding:"required"`
	DestChain     string `json:"dest_chain" binding:"required"`
	Asset         string `json:"asset" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	SourceAddress string `json:"source_address" binding:"required"`
	DestAddress   string `json:"dest_address" binding:"required"`
}

func (h *Handler) Submit(c *gin.Context) {
	var req SubmitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	tx, err := h.service.Submit(c.Request.Context(), application.SubmitCommand{
		UserID:        req.UserID,
		Nonce:         req.Nonce,
		SourceChain:   req.SourceChain,
		DestChain:     req.DestChain,
		Asset:         req.Asset,
		Amount:        amount,
		SourceAddress: req.SourceAddress,
		DestAddress:   req.DestAddress,
	})
	if err != nil {
		switch {
		case errors.Is(err, application.ErrInvalidAmount),
			errors.Is(err, application.ErrSameChain),
			errors.Is(err, domain.ErrChainNotSupported):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"transaction_id": tx.TransactionID,
		"status":         tx.Status.String(),
		"deadline":       tx.Deadline,
	})
}

func (h *Handler) Get(c *gin.Context) {
	tx, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction_id":  tx.TransactionID,
		"user_id":         tx.UserID,
		"source_chain":    tx.SourceChain,
		"dest_chain":      tx.DestChain,
		"asset":           tx.Asset,
		"amount":          tx.Amount,
		"status":          tx.Status.String(),
		"risk_score":      tx.RiskScore,
		"quantum_key_id":  tx.QuantumKeyID,
		"lock_tx_hash":    tx.LockTxHash,
		"release_tx_hash": tx.ReleaseTxHash,
		"refund_tx_hash":  tx.RefundTxHash,
		"fail_reason":     tx.FailReason,
		"deadline":        tx.Deadline,
		"completed_at":    tx.CompletedAt,
		"events":          tx.Events,
	})
}

func (h *Handler) ListByUser(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	txs, err := h.service.ListByUser(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfers": txs})
}
