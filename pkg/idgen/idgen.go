// Package idgen 提供基于雪花算法的全局唯一 ID 生成器，ID 按创建时间有序，适合范围扫描
package idgen

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	mu   sync.Mutex
	node *snowflake.Node
)

// Init 初始化全局节点，nodeID 取值范围 [0, 1023]
func Init(nodeID int64) error {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return fmt.Errorf("failed to create snowflake node: %w", err)
	}
	mu.Lock()
	node = n
	mu.Unlock()
	return nil
}

// Next 生成下一个 ID
func Next() int64 {
	mu.Lock()
	n := node
	mu.Unlock()
	if n == nil {
		// 未显式初始化时使用节点 0，便于测试
		_ = Init(0)
		mu.Lock()
		n = node
		mu.Unlock()
	}
	return n.Generate().Int64()
}

// NextString 生成字符串形式的 ID，按时间字典序可排序
func NextString() string {
	return fmt.Sprintf("%019d", Next())
}

// WithPrefix 生成带业务前缀的 ID，例如 TX-xxx、QK-xxx、RV-xxx
func WithPrefix(prefix string) string {
	return fmt.Sprintf("%s%019d", prefix, Next())
}
