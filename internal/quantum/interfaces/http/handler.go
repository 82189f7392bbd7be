// Package http 量子密钥服务接口
package http

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/quantumbridge/internal/quantum/application"
	"github.com/wyfcoding/quantumbridge/internal/quantum/domain"
)

type Handler struct {
	service *application.KeyService
}

func NewHandler(service *application.KeyService) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/quantum/keys")
	{
		g.POST("", h.Issue)
		g.GET("/:id", h.Get)
		g.GET("/:id/lineage", h.Lineage)
		g.POST("/:id/rotate", h.Rotate)
		g.POST("/:id/validate", h.Validate)
		g.POST("/:id/compromise", h.MarkCompromised)
		g.POST("/:id/encapsulate", h.Encapsulate)
		g.POST("/:id/decapsulate", h.Decapsulate)
	}
}

type IssueReq struct {
	OwnerID   string `json:"owner_id" binding:"required"`
	Algorithm string `json:"algorithm" binding:"required"`
	Purpose   string `json:"purpose" binding:"required"`
	TTLDays   int    `json:"ttl_days"`
}

func (h *Handler) Issue(c *gin.Context) {
	var req IssueReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key, err := h.service.Issue(c.Request.Context(), req.OwnerID, req.Algorithm, req.Purpose, time.Duration(req.TTLDays)*24*time.Hour)
	if err != nil {
		if errors.Is(err, domain.ErrUnsupportedAlgorithm) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, keyView(key))
}

func (h *Handler) Get(c *gin.Context) {
	key, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, keyView(key))
}

func (h *Handler) Lineage(c *gin.Context) {
	lineage, err := h.service.Lineage(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	views := make([]gin.H, 0, len(lineage))
	for _, key := range lineage {
		views = append(views, keyView(key))
	}
	c.JSON(http.StatusOK, gin.H{"lineage": views})
}

type RotateReq struct {
	Reason string `json:"reason"`
}

func (h *Handler) Rotate(c *gin.Context) {
	var req RotateReq
	// 请求体可省略，省略时按计划轮换处理
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = domain.RotationReasonScheduled
	}

	key, err := h.service.Rotate(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrKeyNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrKeyNotActive):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, keyView(key))
}

func (h *Handler) Validate(c *gin.Context) {
	key, err := h.service.Validate(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, domain.ErrKeyCompromised) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "validation_status": key.ValidationStatus.String()})
			return
		}
		if errors.Is(err, domain.ErrInvalidKeySize) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "validation_status": key.ValidationStatus.String()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key_id": key.KeyID, "validation_status": key.ValidationStatus.String()})
}

type CompromiseReq struct {
	Actor  string `json:"actor" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) MarkCompromised(c *gin.Context) {
	var req CompromiseReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key, err := h.service.MarkCompromised(c.Request.Context(), c.Param("id"), req.Actor, req.Reason)
	if err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, keyView(key))
}

func (h *Handler) Encapsulate(c *gin.Context) {
	ciphertext, sharedSecret, err := h.service.Encapsulate(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrKeyNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrKeyNotActive):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ciphertext":         base64.StdEncoding.EncodeToString(ciphertext),
		"shared_secret_hash": secretDigest(sharedSecret),
	})
}

type DecapsulateReq struct {
	Ciphertext string `json:"ciphertext" binding:"required"`
}

func (h *Handler) Decapsulate(c *gin.Context) {
	var req DecapsulateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ciphertext, err := base64.StdEncoding.DecodeString(req.Ciphertext)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ciphertext must be base64 encoded"})
		return
	}

	sharedSecret, err := h.service.Decapsulate(c.Request.Context(), c.Param("id"), ciphertext)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrKeyNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrKeyNotActive):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrInvalidKeySize):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"shared_secret_hash": secretDigest(sharedSecret)})
}

// secretDigest 接口层只返回共享密钥的摘要，原始密钥不出服务
func secretDigest(sharedSecret []byte) string {
	sum := sha256.Sum256(sharedSecret)
	return hex.EncodeToString(sum[:])
}

func keyView(key *domain.QuantumKey) gin.H {
	return gin.H{
		"key_id":            key.KeyID,
		"owner_id":          key.OwnerID,
		"algorithm":         key.Algorithm,
		"purpose":           key.Purpose,
		"public_key":        base64.StdEncoding.EncodeToString(key.PublicKey),
		"generation":        key.Generation,
		"previous_key_id":   key.PreviousKeyID,
		"status":            key.Status.String(),
		"validation_status": key.ValidationStatus.String(),
		"rotation_reason":   key.RotationReason,
		"expires_at":        key.ExpiresAt,
		"rotated_at":        key.RotatedAt,
		"compromised_at":    key.CompromisedAt,
	}
}
