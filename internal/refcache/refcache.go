// 包 refcache：进程内 TTL 参考缓存，承载小体量慢变参考集与渲染产物
package refcache

import (
	"context"
	"sync"
	"time"
)

// 文档注释：TTL 缓存
// 背景：国家字典、邮编规则与渲染产物读多写少，进程内缓存即可消化绝大多数读取；
// 过期即删除而非标记陈旧，失败刷新不得回填，避免错误结果在缓存中驻留。
// 约束：锁仅保护槽位的读改写原子性；并发未命中允许各自回源并以后写覆盖（同输入同值，
// 最多一个 TTL 窗口内的少量冗余往返）；时钟可注入以便测试。
type Cache[T any] struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	items map[string]entry[T]
}

type entry[T any] struct {
	value     T
	fetchedAt time.Time
}

// Option 调整缓存构造行为
type Option[T any] func(*Cache[T])

// WithClock：注入时钟，测试用
func WithClock[T any](now func() time.Time) Option[T] {
	return func(c *Cache[T]) { c.now = now }
}

// New：构造缓存；ttl 非正值回退为 5 分钟
func New[T any](ttl time.Duration, opts ...Option[T]) *Cache[T] {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &Cache[T]{ttl: ttl, now: time.Now, items: make(map[string]entry[T])}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get：读取槽位；过期条目在读取路径上即时删除
func (c *Cache[T]) Get(key string) (T, bool) {
	var zero T
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		return zero, false
	}
	if c.now().Sub(e.fetchedAt) >= c.ttl {
		delete(c.items, key)
		return zero, false
	}
	return e.value, true
}

// Put：写入槽位并记录取数时间
func (c *Cache[T]) Put(key string, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry[T]{value: v, fetchedAt: c.now()}
}

// Invalidate：清除槽位
func (c *Cache[T]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// 文档注释：读穿刷新
// 背景：未命中时在锁外回源取数，成功回填、失败清槽，下次调用重试而非长期供给错误；
// 并发回源不加互斥：同输入得同值，后写覆盖无害，代价只是一个 TTL 窗口内的少量冗余往返。
func (c *Cache[T]) GetOrFetch(ctx context.Context, key string, fetch func(context.Context) (T, error)) (T, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}
	v, err := fetch(ctx)
	if err != nil {
		var zero T
		c.Invalidate(key)
		return zero, false, err
	}
	c.Put(key, v)
	return v, false, nil
}

// Len：当前槽位数（含未过期条目），观测用
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
