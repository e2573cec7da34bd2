// 包 directory：地理字典检索引擎，负责国家字典、邮编规则与键集分页的地点检索
package directory

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fegydm/sendeliver-sub000/internal/health"
	"github.com/fegydm/sendeliver-sub000/internal/logger"
	"github.com/fegydm/sendeliver-sub000/internal/metrics"
	"github.com/fegydm/sendeliver-sub000/internal/refcache"
	"github.com/fegydm/sendeliver-sub000/internal/store"
)

// Store: 检索引擎消费的存储契约；由 *store.Store 满足，测试注入桩实现
type Store interface {
	QueryCountries(ctx context.Context) ([]store.CountryRow, error)
	QueryPostalFormat(ctx context.Context, code string) (pattern, regex string, ok bool, err error)
	QueryLocationExists(ctx context.Context, postal, city, country string) (bool, error)
	QuerySearchByCountryExact(ctx context.Context, postal, city, country string, cur *store.Cursor, limitPlus1 int) ([]store.LocationRow, error)
	QuerySearchGeneral(ctx context.Context, postal, city, countryPrefix string, cur *store.Cursor, limitPlus1 int) ([]store.LocationRow, error)
	Ping(ctx context.Context) error
}

// ValidationError: 入参校验失败，在任何存储访问前拒绝且不重试
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// PostalFormat: 邮编格式规则对
type PostalFormat struct {
	Pattern string
	Regex   string
}

// SearchQuery: 检索入参；游标字段取自上一页末行，三件套缺一视为无游标
type SearchQuery struct {
	PostalCode     string
	City           string
	CountryCode    string
	Limit          int
	CursorPostal   string
	CursorPlace    string
	CursorPriority *int
}

// SearchResult: 检索输出，HasMore 为精确的后续页信号
type SearchResult struct {
	Results []store.LocationRow
	HasMore bool
}

// Engine: 检索引擎，持有注入的存储与参考缓存
type Engine struct {
	st           Store
	gate         *health.Gate
	countries    *refcache.Cache[[]store.CountryRow]
	formats      *refcache.Cache[PostalFormat]
	defaultLimit int
	maxLimit     int
}

// 文档注释：构造检索引擎
// 背景：页大小参数来自环境变量并带默认值（DIR_DEFAULT_FETCH_SIZE=100、
// DIR_MAX_QUERY_SIZE=1000）；缓存 TTL 与其余组件统一由 GEO_CACHE_TTL_S 控制。
func New(st Store, ttl time.Duration, cacheOpts ...refcache.Option[[]store.CountryRow]) *Engine {
	def := 100
	if s := os.Getenv("DIR_DEFAULT_FETCH_SIZE"); s != "" {
		if n, e := strconv.Atoi(s); e == nil && n > 0 {
			def = n
		}
	}
	maxq := 1000
	if s := os.Getenv("DIR_MAX_QUERY_SIZE"); s != "" {
		if n, e := strconv.Atoi(s); e == nil && n > 0 {
			maxq = n
		}
	}
	return &Engine{
		st:           st,
		gate:         health.NewGate(st.Ping),
		countries:    refcache.New[[]store.CountryRow](ttl, cacheOpts...),
		formats:      refcache.New[PostalFormat](ttl),
		defaultLimit: def,
		maxLimit:     maxq,
	}
}

// DefaultLimit：外层在未指定页大小时采用的默认值
func (e *Engine) DefaultLimit() int { return e.defaultLimit }

// Healthy：当前健康标志，/health 聚合用
func (e *Engine) Healthy() bool { return e.gate.Healthy() }

// CacheEntries：国家字典与邮编规则缓存的当前槽位数，指标观测用
func (e *Engine) CacheEntries() int { return e.countries.Len() + e.formats.Len() }

// storeFail：存储故障统一出口，翻转健康标志并以通用错误上抛
func (e *Engine) storeFail(op string, err error) error {
	e.gate.MarkDown()
	metrics.StoreFailuresTotal.Inc()
	logger.L().Error("directory_store_error", "op", op, "err", err)
	return fmt.Errorf("directory %s: store failure: %w", op, err)
}

// ListCountries：返回缓存的国家字典，可按英文名/本地名大小写不敏感子串过滤
// 背景：全集由存储查询按英文名升序给出；未命中触发整体重载，失败清槽重试
func (e *Engine) ListCountries(ctx context.Context, filter string) ([]store.CountryRow, error) {
	if err := e.gate.Ensure(ctx); err != nil {
		return nil, e.storeFail("countries_probe", err)
	}
	all, hit, err := e.countries.GetOrFetch(ctx, "countries", e.st.QueryCountries)
	if err != nil {
		return nil, e.storeFail("countries", err)
	}
	if hit {
		metrics.CacheHitsTotal.Inc()
	} else {
		metrics.CacheMissesTotal.Inc()
	}
	if filter == "" {
		// 返回副本，避免调用方原地修改污染缓存中的全集
		out := make([]store.CountryRow, len(all))
		copy(out, all)
		return out, nil
	}
	f := strings.ToLower(filter)
	out := make([]store.CountryRow, 0, len(all))
	for _, c := range all {
		if strings.Contains(strings.ToLower(c.NameEN), f) || strings.Contains(strings.ToLower(c.NameLocal), f) {
			out = append(out, c)
		}
	}
	return out, nil
}

// GetPostalFormat：查询国家邮编格式；国家码先归一化为大写，无匹配以 ok=false 表达
// 约束：健康探测先于缓存读取，故障期间缓存命中也不得掩盖探测失败
func (e *Engine) GetPostalFormat(ctx context.Context, countryCode string) (PostalFormat, bool, error) {
	code := strings.ToUpper(strings.TrimSpace(countryCode))
	if err := e.gate.Ensure(ctx); err != nil {
		return PostalFormat{}, false, e.storeFail("postal_format_probe", err)
	}
	if v, ok := e.formats.Get("fmt:" + code); ok {
		metrics.CacheHitsTotal.Inc()
		return v, true, nil
	}
	metrics.CacheMissesTotal.Inc()
	pattern, regex, ok, err := e.st.QueryPostalFormat(ctx, code)
	if err != nil {
		e.formats.Invalidate("fmt:" + code)
		return PostalFormat{}, false, e.storeFail("postal_format", err)
	}
	if !ok {
		return PostalFormat{}, false, nil
	}
	v := PostalFormat{Pattern: pattern, Regex: regex}
	e.formats.Put("fmt:"+code, v)
	return v, true, nil
}

// CheckExists：存在性快速探测，单次往返，独立于完整检索
func (e *Engine) CheckExists(ctx context.Context, postal, city, countryCode string) (bool, error) {
	if err := e.gate.Ensure(ctx); err != nil {
		return false, e.storeFail("exists_probe", err)
	}
	exists, err := e.st.QueryLocationExists(ctx, postal, city, strings.ToUpper(strings.TrimSpace(countryCode)))
	if err != nil {
		return false, e.storeFail("exists", err)
	}
	return exists, nil
}

// normalizeCursor：游标三件套全有才构成游标，部分给定按无游标处理
func normalizeCursor(q SearchQuery) *store.Cursor {
	if q.CursorPostal == "" || q.CursorPlace == "" || q.CursorPriority == nil {
		return nil
	}
	return &store.Cursor{PostalCode: q.CursorPostal, PlaceName: q.CursorPlace, Priority: *q.CursorPriority}
}

// 文档注释：地点检索
// 背景：国家码归一化后长度 2 走精确变体、长度 1 作通用变体前缀、其余忽略；
// 无邮编无地名且无国家条件时直接回空，绝不发起无约束扫描。请求 limit+1 行以
// 一次往返取得精确的 HasMore 信号，多出的一行在返回前丢弃。
// 约束：limit 必须落在 [1, DIR_MAX_QUERY_SIZE]，越界在访问存储前拒绝。
func (e *Engine) Search(ctx context.Context, q SearchQuery) (SearchResult, error) {
	t0 := time.Now()
	metrics.SearchRequestsTotal.Inc()
	defer func() {
		metrics.SearchDurationMs.Observe(float64(time.Since(t0).Milliseconds()))
	}()
	if q.Limit < 1 || q.Limit > e.maxLimit {
		return SearchResult{}, &ValidationError{Msg: fmt.Sprintf("limit %d out of range [1,%d]", q.Limit, e.maxLimit)}
	}
	cc := strings.ToUpper(strings.TrimSpace(q.CountryCode))
	var exact, prefix string
	switch len(cc) {
	case 2:
		exact = cc
	case 1:
		prefix = cc
	}
	if q.PostalCode == "" && q.City == "" && exact == "" && prefix == "" {
		metrics.SearchShortCircuitTotal.Inc()
		return SearchResult{Results: []store.LocationRow{}, HasMore: false}, nil
	}
	if err := e.gate.Ensure(ctx); err != nil {
		return SearchResult{}, e.storeFail("search_probe", err)
	}
	cur := normalizeCursor(q)
	var rows []store.LocationRow
	var err error
	if exact != "" {
		rows, err = e.st.QuerySearchByCountryExact(ctx, q.PostalCode, q.City, exact, cur, q.Limit+1)
	} else {
		rows, err = e.st.QuerySearchGeneral(ctx, q.PostalCode, q.City, prefix, cur, q.Limit+1)
	}
	if err != nil {
		return SearchResult{}, e.storeFail("search", err)
	}
	hasMore := len(rows) > q.Limit
	if hasMore {
		rows = rows[:q.Limit]
	}
	if rows == nil {
		rows = []store.LocationRow{}
	}
	logger.L().Debug("directory_search",
		"postal", q.PostalCode, "city", q.City, "country", cc,
		"rows", len(rows), "has_more", hasMore, "cursor", cur != nil)
	return SearchResult{Results: rows, HasMore: hasMore}, nil
}
