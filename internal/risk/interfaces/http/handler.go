// Package http 风险审核队列接口
package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/quantumbridge/internal/risk/application"
	"github.com/wyfcoding/quantumbridge/internal/risk/domain"
)

type Handler struct {
	service *application.RiskService
}

func NewHandler(service *application.RiskService) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/risk")
	{
		g.GET("/reviews", h.ListPending)
		g.GET("/reviews/:id", h.GetReview)
		g.POST("/reviews/:id/claim", h.Claim)
		g.POST("/reviews/:id/approve", h.Approve)
		g.POST("/reviews/:id/reject", h.Reject)
		g.GET("/users/:id/history", h.UserHistory)
	}
}

func (h *Handler) ListPending(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.service.ListPending(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *Handler) GetReview(c *gin.Context) {
	entry, err := h.service.GetReview(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrReviewNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entry)
}

type ClaimReq struct {
	Reviewer string `json:"reviewer" binding:"required"`
}

func (h *Handler) Claim(c *gin.Context) {
	var req ClaimReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry, err := h.service.Claim(c.Request.Context(), c.Param("id"), req.Reviewer)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrReviewNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrReviewAlreadyClaimed):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, entry)
}

type ResolveReq struct {
	Reviewer string `json:"reviewer" binding:"required"`
	Note     string `json:"note"`
}

func (h *Handler) Approve(c *gin.Context) {
	h.resolveEntry(c, true)
}

func (h *Handler) Reject(c *gin.Context) {
	h.resolveEntry(c, false)
}

func (h *Handler) resolveEntry(c *gin.Context, approve bool) {
	var req ResolveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		entry *domain.ReviewQueueEntry
		err   error
	)
	if approve {
		entry, err = h.service.Approve(c.Request.Context(), c.Param("id"), req.Reviewer, req.Note)
	} else {
		entry, err = h.service.Reject(c.Request.Context(), c.Param("id"), req.Reviewer, req.Note)
	}
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrReviewNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrReviewNotClaimed),
			errors.Is(err, domain.ErrReviewTerminal),
			errors.Is(err, domain.ErrNotAssignedReviewer):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *Handler) UserHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	histories, err := h.service.UserHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": histories})
}
