package application

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wyfcoding/quantumbridge/internal/audit"
	"github.com/wyfcoding/quantumbridge/internal/ratelimit/domain"
	"github.com/wyfcoding/quantumbridge/pkg/cache"
	"github.com/wyfcoding/quantumbridge/pkg/logger"
	"github.com/wyfcoding/quantumbridge/pkg/metrics"
	"github.com/wyfcoding/quantumbridge/pkg/ratelimit"
)

// CheckRequest 限流检查请求
type CheckRequest struct {
	CallerID string
	Tier     domain.Tier
	Path     string
}

// CheckResult 限流检查结果
type CheckResult struct {
	Allowed    bool
	Class      domain.EndpointClass
	Policy     domain.Policy
	Remaining  int
	RetryAfter time.Duration
}

// LimiterService 分级限流服务
type LimiterService struct {
	limiter    ratelimit.RateLimiter
	cache      *cache.RedisCache
	violations domain.ViolationRepository
	stats      domain.StatRepository
	auditor    *audit.Recorder
	metrics    *metrics.Metrics
}

// NewLimiterService 创建限流服务
func NewLimiterService(
	limiter ratelimit.RateLimiter,
	redisCache *cache.RedisCache,
	violations domain.ViolationRepository,
	stats domain.StatRepository,
	auditor *audit.Recorder,
	m *metrics.Metrics,
) *LimiterService {
	return &LimiterService{
		limiter:    limiter,
		cache:      redisCache,
		violations: violations,
		stats:      stats,
		auditor:    auditor,
		metrics:    m,
	}
}

// Check 按接口分类和调用方等级做限流检查。
// Redis 故障时放行，拒绝比误伤更不可接受的场景由策略表的 0 速率覆盖。
func (s *LimiterService) Check(ctx context.Context, req CheckRequest) (*CheckResult, error) {
	class := domain.ClassifyPath(req.Path)
	policy := domain.PolicyFor(class, req.Tier)

	result := &CheckResult{Class: class, Policy: policy}

	if policy.Blocked() {
		result.Allowed = false
		result.RetryAfter = policy.Window
		s.onRejected(ctx, req, class, policy)
		return result, nil
	}

	key := fmt.Sprintf("rl:%s:%s:%s", class, req.Tier, req.CallerID)
	res, err := s.limiter.Allow(ctx, key, ratelimit.Limit{
		Rate:   policy.Rate,
		Period: policy.Window,
		Burst:  policy.Rate,
	})
	if err != nil {
		logger.Warn(ctx, "rate limiter unavailable, failing open", "key", key, "error", err)
		result.Allowed = true
		return result, nil
	}

	result.Allowed = res.Allowed
	result.Remaining = res.Remaining
	result.RetryAfter = res.RetryAfter

	if res.Allowed {
		s.track(ctx, req, class, "allowed")
	} else {
		s.onRejected(ctx, req, class, policy)
	}
	return result, nil
}

func (s *LimiterService) onRejected(ctx context.Context, req CheckRequest, class domain.EndpointClass, policy domain.Policy) {
	s.metrics.RateLimitRejectionsTotal.Inc()
	s.track(ctx, req, class, "rejected")

	violation := &domain.Violation{
		CallerID:        req.CallerID,
		EndpointClass:   string(class),
		Tier:            string(req.Tier),
		LimitRate:       policy.Rate,
		WindowSeconds:   int(policy.Window.Seconds()),
		ViolationCount:  1,
		LastViolatedAt:  time.Now(),
		LastRequestPath: req.Path,
	}
	if err := s.violations.Upsert(ctx, violation); err != nil {
		logger.Error(ctx, "failed to record rate limit violation", "caller_id", req.CallerID, "error", err)
	}

	event := audit.NewEvent(audit.EventRateLimitViolation, "caller", req.CallerID, string(req.Tier), map[string]any{
		"endpoint_class": class,
		"path":           req.Path,
		"limit":          policy.Rate,
		"window_seconds": int(policy.Window.Seconds()),
	})
	s.auditor.Publish(ctx, event)
}

// track 在 Redis 中累计当前小时窗口的放行/拒绝计数与去重调用方
func (s *LimiterService) track(ctx context.Context, req CheckRequest, class domain.EndpointClass, outcome string) {
	hour := time.Now().Truncate(time.Hour).Unix()
	statsKey := fmt.Sprintf("rlstats:%d", hour)
	field := fmt.Sprintf("%s:%s:%s", class, req.Tier, outcome)

	if _, err := s.cache.HIncrBy(ctx, statsKey, field, 1); err == nil {
		_ = s.cache.Expire(ctx, statsKey, 3*time.Hour)
	}

	callersKey := fmt.Sprintf("rlcallers:%d:%s:%s", hour, class, req.Tier)
	if err := s.cache.PFAdd(ctx, callersKey, req.CallerID); err == nil {
		_ = s.cache.Expire(ctx, callersKey, 3*time.Hour)
	}
}

// RollupHour 将指定小时窗口的 Redis 计数固化为 MySQL 统计行
func (s *LimiterService) RollupHour(ctx context.Context, windowStart time.Time) error {
	hour := windowStart.Truncate(time.Hour)
	statsKey := fmt.Sprintf("rlstats:%d", hour.Unix())

	fields, err := s.cache.HGetAll(ctx, statsKey)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}

	type bucket struct {
		allowed  int64
		rejected int64
	}
	buckets := make(map[string]*bucket)

	for field, raw := range fields {
		parts := strings.Split(field, ":")
		if len(parts) != 3 {
			continue
		}
		count, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		key := parts[0] + ":" + parts[1]
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		if parts[2] == "allowed" {
			b.allowed += count
		} else {
			b.rejected += count
		}
	}

	for key, b := range buckets {
		parts := strings.SplitN(key, ":", 2)
		callersKey := fmt.Sprintf("rlcallers:%d:%s:%s", hour.Unix(), parts[0], parts[1])
		distinct, _ := s.cache.PFCount(ctx, callersKey)

		stat := &domain.HourlyStat{
			WindowStart:     hour,
			EndpointClass:   parts[0],
			Tier:            parts[1],
			AllowedCount:    b.allowed,
			RejectedCount:   b.rejected,
			DistinctCallers: distinct,
		}
		if err := s.stats.Save(ctx, stat); err != nil {
			logger.Error(ctx, "failed to save rate limit stat",
				"window_start", hour, "class", parts[0], "tier", parts[1], "error", err)
		}
	}

	logger.Info(ctx, "rate limit stats rolled up", "window_start", hour, "buckets", len(buckets))
	return nil
}

// RunRollup 启动小时统计固化循环，每个周期固化上一小时窗口
func (s *LimiterService) RunRollup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			previous := time.Now().Add(-time.Hour)
			if err := s.RollupHour(ctx, previous); err != nil {
				logger.Error(ctx, "rate limit rollup failed", "error", err)
			}
		}
	}
}

// RecentViolations 查询近期违规调用方
func (s *LimiterService) RecentViolations(ctx context.Context, since time.Time, limit int) ([]*domain.Violation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.violations.ListRecent(ctx, since, limit)
}

// StatsSince 查询统计
func (s *LimiterService) StatsSince(ctx context.Context, since time.Time) ([]*domain.HourlyStat, error) {
	return s.stats.ListSince(ctx, since)
}
