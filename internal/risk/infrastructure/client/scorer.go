// Package client 外部风险评分服务客户端
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"github.com/wyfcoding/quantumbridge/internal/risk/domain"
	"github.com/wyfcoding/quantumbridge/pkg/logger"
)

// ScorerClient HTTP 风险评分客户端，带熔断器。
// 评分服务故障时快速失败，由上层按不可达保守裁决。
type ScorerClient struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
}

type scoreResponse struct {
	Score       float64  `json:"score"`
	Factors     []string `json:"factors"`
	Blacklisted bool     `json:"blacklisted"`
}

// NewScorerClient 创建评分客户端
func NewScorerClient(baseURL string, timeout time.Duration) *ScorerClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(1)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "risk-scorer",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), "risk scorer breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	return &ScorerClient{http: httpClient, breaker: breaker}
}

// Score 请求外部评分服务
func (c *ScorerClient) Score(ctx context.Context, req domain.ScoreRequest) (domain.ScoreResult, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		var resp scoreResponse
		httpResp, err := c.http.R().
			SetContext(ctx).
			SetBody(req).
			SetResult(&resp).
			Post("/api/v1/score")
		if err != nil {
			return nil, err
		}
		if httpResp.IsError() {
			return nil, fmt.Errorf("scorer returned status %d", httpResp.StatusCode())
		}
		return resp, nil
	})
	if err != nil {
		return domain.ScoreResult{}, err
	}

	resp := result.(scoreResponse)
	if resp.Score < 0 || resp.Score > 1 {
		return domain.ScoreResult{}, fmt.Errorf("scorer returned score out of range: %f", resp.Score)
	}
	return domain.ScoreResult{
		Score:       resp.Score,
		Factors:     resp.Factors,
		Blacklisted: resp.Blacklisted,
	}, nil
}
