// Package http 分级限流 Gin 中间件与查询接口
package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/quantumbridge/internal/ratelimit/application"
	"github.com/wyfcoding/quantumbridge/internal/ratelimit/domain"
)

// TieredRateLimitMiddleware 分级限流中间件。调用方身份取 X-API-Key，
// 缺省回退到客户端 IP 并按匿名等级限流。
func TieredRateLimitMiddleware(service *application.LimiterService, enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			c.Next()
			return
		}

		callerID := c.GetHeader("X-API-Key")
		tier := domain.ParseTier(c.GetHeader("X-Caller-Tier"))
		if callerID == "" {
			callerID = c.ClientIP()
			tier = domain.TierAnonymous
		}

		result, err := service.Check(c.Request.Context(), application.CheckRequest{
			CallerID: callerID,
			Tier:     tier,
			Path:     c.Request.URL.Path,
		})
		if err != nil {
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Policy.Rate))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))

		if !result.Allowed {
			c.Header("Retry-After", strconv.FormatInt(int64(result.RetryAfter/time.Second), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too Many Requests",
				"retry_after": result.RetryAfter.String(),
			})
			return
		}

		c.Next()
	}
}

// Handler 限流管理查询接口
type Handler struct {
	service *application.LimiterService
}

func NewHandler(service *application.LimiterService) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/admin/ratelimit")
	{
		g.GET("/violations", h.RecentViolations)
		g.GET("/stats", h.Stats)
	}
}

func (h *Handler) RecentViolations(c *gin.Context) {
	hours, _ := strconv.Atoi(c.DefaultQuery("hours", "24"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	violations, err := h.service.RecentViolations(c.Request.Context(), time.Now().Add(-time.Duration(hours)*time.Hour), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"violations": violations})
}

func (h *Handler) Stats(c *gin.Context) {
	hours, _ := strconv.Atoi(c.DefaultQuery("hours", "24"))

	stats, err := h.service.StatsSince(c.Request.Context(), time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}
