// 包 maps：边界与瓦片渲染器，产出缩放自适应的 GeoJSON 边界与预编码道路瓦片
package maps

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fegydm/sendeliver-sub000/internal/health"
	"github.com/fegydm/sendeliver-sub000/internal/logger"
	"github.com/fegydm/sendeliver-sub000/internal/metrics"
	"github.com/fegydm/sendeliver-sub000/internal/refcache"
	"github.com/fegydm/sendeliver-sub000/internal/store"
	"github.com/redis/go-redis/v9"
)

// Store: 渲染器消费的存储契约；由 *store.Store 满足，测试注入桩实现
type Store interface {
	QueryBoundaries(ctx context.Context, zoom int, bbox *store.BBox) ([]store.BoundaryRow, error)
	QueryRoadTileMVT(ctx context.Context, z, x, y int) ([]byte, error)
	Ping(ctx context.Context) error
}

// Feature / FeatureCollection: 对外返回的 GeoJSON 结构，几何保持原文透传
type Feature struct {
	Type       string          `json:"type"`
	Properties map[string]any  `json:"properties"`
	Geometry   json.RawMessage `json:"geometry"`
}

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// Renderer: 渲染器，持有产物缓存与可选 Redis 二级缓存
// 约束：两类产物共用同一缓存纪律——按渲染参数作键、TTL 统一、首次请求惰性填充
type Renderer struct {
	st    Store
	gate  *health.Gate
	cache *refcache.Cache[[]byte]
	rc    *redis.Client
	ttl   time.Duration
}

// New：构造渲染器；rc 为 nil 时关闭二级缓存路径
func New(st Store, ttl time.Duration, rc *redis.Client, cacheOpts ...refcache.Option[[]byte]) *Renderer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Renderer{
		st:    st,
		gate:  health.NewGate(st.Ping),
		cache: refcache.New[[]byte](ttl, cacheOpts...),
		rc:    rc,
		ttl:   ttl,
	}
}

// Healthy：当前健康标志，/health 聚合用
func (r *Renderer) Healthy() bool { return r.gate.Healthy() }

// CacheEntries：产物缓存的当前槽位数，指标观测用
func (r *Renderer) CacheEntries() int { return r.cache.Len() }

func boundaryKey(zoom int, bbox *store.BBox) string {
	if bbox == nil {
		return fmt.Sprintf("b:%d:none", zoom)
	}
	return fmt.Sprintf("b:%d:%.4f,%.4f,%.4f,%.4f", zoom, bbox.MinLon, bbox.MinLat, bbox.MaxLon, bbox.MaxLat)
}

func tileKey(kind string, z, x, y int) string {
	return fmt.Sprintf("t:%s:%d/%d/%d", kind, z, x, y)
}

// 文档注释：边界渲染
// 背景：缓存键为 (zoom, bbox 或 none)；未命中时按缩放级别取化简或全精度几何，
// 结果集为空时返回固定兜底要素集而非空集，保证数据缺口期间仍有可渲染内容。
// 约束：健康探测先于任何缓存读取，故障期间缓存命中也不得掩盖探测失败。
// 返回：编码完成的 GeoJSON FeatureCollection 字节。
func (r *Renderer) Boundaries(ctx context.Context, zoom int, bbox *store.BBox) ([]byte, error) {
	metrics.BoundaryRequestsTotal.Inc()
	key := boundaryKey(zoom, bbox)
	if err := r.gate.Ensure(ctx); err != nil {
		return nil, r.storeFail("boundaries_probe", key, err)
	}
	if b, ok := r.cache.Get(key); ok {
		metrics.CacheHitsTotal.Inc()
		return b, nil
	}
	metrics.CacheMissesTotal.Inc()
	if b, ok := r.redisGet(ctx, key); ok {
		r.cache.Put(key, b)
		return b, nil
	}
	rows, err := r.st.QueryBoundaries(ctx, zoom, bbox)
	if err != nil {
		return nil, r.storeFail("boundaries", key, err)
	}
	fc := FeatureCollection{Type: "FeatureCollection", Features: make([]Feature, 0, len(rows))}
	for _, row := range rows {
		fc.Features = append(fc.Features, Feature{
			Type: "Feature",
			Properties: map[string]any{
				"countryCode": row.CountryCode,
				"adminLevel":  row.AdminLevel,
				"name":        row.Name,
			},
			Geometry: json.RawMessage(row.GeoJSON),
		})
	}
	if len(fc.Features) == 0 {
		fc = fallbackCollection()
	}
	b, err := json.Marshal(fc)
	if err != nil {
		return nil, fmt.Errorf("maps boundaries encode: %w", err)
	}
	r.cache.Put(key, b)
	r.redisSet(ctx, key, b)
	logger.L().Debug("boundaries_rendered", "zoom", zoom, "features", len(fc.Features), "bbox", bbox != nil)
	return b, nil
}

// 文档注释：瓦片渲染
// 背景：仅 simple 道路层由服务端渲染，其余层直接返回零长度缓冲由调用方外部获取；
// 几何裁剪与二进制编码在存储侧完成，空相交同样以零长度缓冲表达（对应边界层 204 语义）。
func (r *Renderer) Tile(ctx context.Context, kind string, z, x, y int) ([]byte, error) {
	metrics.TileRequestsTotal.Inc()
	if kind != "simple" {
		metrics.TileEmptyTotal.Inc()
		return []byte{}, nil
	}
	key := tileKey(kind, z, x, y)
	if err := r.gate.Ensure(ctx); err != nil {
		return nil, r.storeFail("tile_probe", key, err)
	}
	if b, ok := r.cache.Get(key); ok {
		metrics.CacheHitsTotal.Inc()
		if len(b) == 0 {
			metrics.TileEmptyTotal.Inc()
		}
		return b, nil
	}
	metrics.CacheMissesTotal.Inc()
	if b, ok := r.redisGet(ctx, key); ok {
		r.cache.Put(key, b)
		if len(b) == 0 {
			metrics.TileEmptyTotal.Inc()
		}
		return b, nil
	}
	buf, err := r.st.QueryRoadTileMVT(ctx, z, x, y)
	if err != nil {
		return nil, r.storeFail("tile", key, err)
	}
	if buf == nil {
		buf = []byte{}
	}
	r.cache.Put(key, buf)
	r.redisSet(ctx, key, buf)
	if len(buf) == 0 {
		metrics.TileEmptyTotal.Inc()
	}
	logger.L().Debug("tile_rendered", "z", z, "x", x, "y", y, "bytes", len(buf))
	return buf, nil
}

// redisGet：二级缓存读取；用 redis.Nil 区分未命中与合法的零长度产物
func (r *Renderer) redisGet(ctx context.Context, key string) ([]byte, bool) {
	if r.rc == nil {
		return nil, false
	}
	b, err := r.rc.Get(ctx, "geodir:"+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.L().Debug("redis_get_error", "key", key, "err", err)
		}
		metrics.RedisMissesTotal.Inc()
		return nil, false
	}
	metrics.RedisHitsTotal.Inc()
	return b, true
}

// redisSet：二级缓存写入；失败仅记日志，不影响主路径
func (r *Renderer) redisSet(ctx context.Context, key string, b []byte) {
	if r.rc == nil {
		return
	}
	if err := r.rc.Set(ctx, "geodir:"+key, b, r.ttl).Err(); err != nil {
		logger.L().Debug("redis_set_error", "key", key, "err", err)
	}
}

// storeFail：存储故障统一出口，翻转健康标志、清除填充中的缓存槽并以通用错误上抛
func (r *Renderer) storeFail(op, key string, err error) error {
	r.gate.MarkDown()
	r.cache.Invalidate(key)
	metrics.StoreFailuresTotal.Inc()
	logger.L().Error("maps_store_error", "op", op, "err", err)
	return fmt.Errorf("maps %s: store failure: %w", op, err)
}

// fallbackCollection：数据缺口期间的固定兜底要素集（覆盖全图的单一多边形）
func fallbackCollection() FeatureCollection {
	geom := json.RawMessage(`{"type":"Polygon","coordinates":[[[-180,-85],[180,-85],[180,85],[-180,85],[-180,-85]]]}`)
	return FeatureCollection{
		Type: "FeatureCollection",
		Features: []Feature{{
			Type:       "Feature",
			Properties: map[string]any{"countryCode": "", "adminLevel": 0, "name": "fallback"},
			Geometry:   geom,
		}},
	}
}
