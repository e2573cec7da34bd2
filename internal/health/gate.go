// 包 health：组件级健康门控
package health

import (
	"context"
	"sync"
)

// 文档注释：健康标志门控
// 背景：组件在存储故障后置为不健康；下次服务前先做一次廉价存活探测再恢复标志，
// 探测失败直接向调用方传播错误，不在核心内重试。
// 约束：探测与翻转在同一把锁内完成，避免并发调用方重复探测。
type Gate struct {
	mu      sync.Mutex
	healthy bool
	probe   func(context.Context) error
}

func NewGate(probe func(context.Context) error) *Gate {
	return &Gate{healthy: true, probe: probe}
}

// Ensure：健康时直接放行；不健康时探测一次并按结果翻转标志
func (g *Gate) Ensure(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.healthy {
		return nil
	}
	if err := g.probe(ctx); err != nil {
		return err
	}
	g.healthy = true
	return nil
}

// MarkDown：存储故障后由组件调用，置为不健康
func (g *Gate) MarkDown() {
	g.mu.Lock()
	g.healthy = false
	g.mu.Unlock()
}

// Healthy：读取当前标志，观测用
func (g *Gate) Healthy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.healthy
}
