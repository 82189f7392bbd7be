// Package domain 分级限流策略与违规留痕领域模型
package domain

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
)

// EndpointClass 接口分类
type EndpointClass string

const (
	ClassHealth  EndpointClass = "health"
	ClassAuth    EndpointClass = "auth"
	ClassBridge  EndpointClass = "bridge"
	ClassQuantum EndpointClass = "quantum"
	ClassAdmin   EndpointClass = "admin"
	ClassDefault EndpointClass = "default"
)

// Tier 调用方等级
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierStandard  Tier = "standard"
	TierPremium   Tier = "premium"
	TierAdmin     Tier = "admin"
)

// ParseTier 解析调用方等级，未知值按匿名处理
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(s)) {
	case TierStandard:
		return TierStandard
	case TierPremium:
		return TierPremium
	case TierAdmin:
		return TierAdmin
	default:
		return TierAnonymous
	}
}

// Policy 限流策略：窗口内允许的请求数。Rate 为 0 表示直接拒绝。
type Policy struct {
	Rate   int
	Window time.Duration
}

// Blocked 策略是否为直接拒绝
func (p Policy) Blocked() bool {
	return p.Rate <= 0
}

// policyTable 接口分类 x 调用方等级的限流矩阵
var policyTable = map[EndpointClass]map[Tier]Policy{
	ClassHealth: {
		TierAnonymous: {Rate: 1000, Window: time.Minute},
		TierStandard:  {Rate: 1000, Window: time.Minute},
		TierPremium:   {Rate: 1000, Window: time.Minute},
		TierAdmin:     {Rate: 1000, Window: time.Minute},
	},
	ClassAuth: {
		TierAnonymous: {Rate: 10, Window: time.Minute},
		TierStandard:  {Rate: 20, Window: time.Minute},
		TierPremium:   {Rate: 20, Window: time.Minute},
		TierAdmin:     {Rate: 20, Window: time.Minute},
	},
	ClassBridge: {
		TierAnonymous: {Rate: 5, Window: 5 * time.Minute},
		TierStandard:  {Rate: 50, Window: time.Minute},
		TierPremium:   {Rate: 200, Window: time.Minute},
		TierAdmin:     {Rate: 200, Window: time.Minute},
	},
	ClassQuantum: {
		TierAnonymous: {Rate: 2, Window: time.Minute},
		TierStandard:  {Rate: 20, Window: time.Minute},
		TierPremium:   {Rate: 100, Window: time.Minute},
		TierAdmin:     {Rate: 100, Window: time.Minute},
	},
	ClassAdmin: {
		TierAnonymous: {Rate: 0, Window: time.Minute},
		TierStandard:  {Rate: 0, Window: time.Minute},
		TierPremium:   {Rate: 0, Window: time.Minute},
		TierAdmin:     {Rate: 30, Window: time.Minute},
	},
	ClassDefault: {
		TierAnonymous: {Rate: 30, Window: time.Minute},
		TierStandard:  {Rate: 100, Window: time.Minute},
		TierPremium:   {Rate: 500, Window: time.Minute},
		TierAdmin:     {Rate: 500, Window: time.Minute},
	},
}

// PolicyFor 查询限流策略，未知分类退回 default
func PolicyFor(class EndpointClass, tier Tier) Policy {
	tiers, ok := policyTable[class]
	if !ok {
		tiers = policyTable[ClassDefault]
	}
	policy, ok := tiers[tier]
	if !ok {
		policy = tiers[TierAnonymous]
	}
	return policy
}

// ClassifyPath 按请求路径归类接口
func ClassifyPath(path string) EndpointClass {
	switch {
	case path == "/health" || path == "/healthz" || strings.HasPrefix(path, "/health/"):
		return ClassHealth
	case strings.HasPrefix(path, "/api/v1/auth"):
		return ClassAuth
	case strings.HasPrefix(path, "/api/v1/bridge"):
		return ClassBridge
	case strings.HasPrefix(path, "/api/v1/quantum"):
		return ClassQuantum
	case strings.HasPrefix(path, "/api/v1/admin"), strings.HasPrefix(path, "/api/v1/risk"):
		return ClassAdmin
	default:
		return ClassDefault
	}
}

// Violation 限流违规记录，按调用方 + 接口分类去重累计
type Violation struct {
	gorm.Model
	CallerID        string    `gorm:"column:caller_id;type:varchar(64);uniqueIndex:idx_caller_class;not null" json:"caller_id"`
	EndpointClass   string    `gorm:"column:endpoint_class;type:varchar(16);uniqueIndex:idx_caller_class;not null" json:"endpoint_class"`
	Tier            string    `gorm:"column:tier;type:varchar(16);not null" json:"tier"`
	LimitRate       int       `gorm:"column:limit_rate;not null" json:"limit_rate"`
	WindowSeconds   int       `gorm:"column:window_seconds;not null" json:"window_seconds"`
	ViolationCount  int64     `gorm:"column:violation_count;not null;default:1" json:"violation_count"`
	LastViolatedAt  time.Time `gorm:"column:last_violated_at;index;not null" json:"last_violated_at"`
	LastRequestPath string    `gorm:"column:last_request_path;type:varchar(255)" json:"last_request_path"`
}

// TableName 表名
func (Violation) TableName() string {
	return "rate_limit_violations"
}

// HourlyStat 小时级限流统计
type HourlyStat struct {
	gorm.Model
	WindowStart     time.Time `gorm:"column:window_start;uniqueIndex:idx_window_class_tier;not null" json:"window_start"`
	EndpointClass   string    `gorm:"column:endpoint_class;type:varchar(16);uniqueIndex:idx_window_class_tier;not null" json:"endpoint_class"`
	Tier            string    `gorm:"column:tier;type:varchar(16);uniqueIndex:idx_window_class_tier;not null" json:"tier"`
	AllowedCount    int64     `gorm:"column:allowed_count;not null;default:0" json:"allowed_count"`
	RejectedCount   int64     `gorm:"column:rejected_count;not null;default:0" json:"rejected_count"`
	DistinctCallers int64     `gorm:"column:distinct_callers;not null;default:0" json:"distinct_callers"`
}

// TableName 表名
func (HourlyStat) TableName() string {
	return "rate_limit_hourly_stats"
}

// ViolationRepository 违规记录仓储接口
type ViolationRepository interface {
	// Upsert 记录一次违规，已有记录累加次数
	Upsert(ctx context.Context, v *Violation) error
	ListRecent(ctx context.Context, since time.Time, limit int) ([]*Violation, error)
}

// StatRepository 小时统计仓储接口
type StatRepository interface {
	Save(ctx context.Context, stat *HourlyStat) error
	ListSince(ctx context.Context, since time.Time) ([]*HourlyStat, error)
}
