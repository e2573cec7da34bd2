// 包 fleet：车源匹配器，从近期配送投影出候选并按距离/容量/时间筛选排序
package fleet

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/fegydm/sendeliver-sub000/internal/health"
	"github.com/fegydm/sendeliver-sub000/internal/logger"
	"github.com/fegydm/sendeliver-sub000/internal/metrics"
	"github.com/fegydm/sendeliver-sub000/internal/store"
)

// Store: 匹配器消费的存储契约；由 *store.Store 满足，测试注入桩实现
type Store interface {
	QueryRecentDeliveries(ctx context.Context, windowHours int) ([]store.DeliveryRow, error)
	Ping(ctx context.Context) error
}

// Candidate: 每次调用即时投影出的车辆候选，不落库
type Candidate struct {
	ID              string     `json:"id"`
	VehicleType     string     `json:"vehicleType"`
	CapacityPallets int        `json:"capacityPallets"`
	MaxWeightKG     float64    `json:"maxWeightKg"`
	CountryCode     string     `json:"countryCode"`
	City            string     `json:"city"`
	Latitude        float64    `json:"latitude"`
	Longitude       float64    `json:"longitude"`
	HasCoord        bool       `json:"hasCoord"`
	AvailableAt     *time.Time `json:"availableAt,omitempty"`
	DistanceKM      float64    `json:"distanceKm"`
	DistanceDisplay int        `json:"distanceDisplayKm"`
}

// MatchRequest: 单次匹配入参
type MatchRequest struct {
	PickupLat   float64
	PickupLon   float64
	PickupAt    *time.Time
	DeliveryLat *float64
	DeliveryLon *float64
	Pallets     int
	WeightKG    float64
}

// MatchResult: 过滤排序后的候选与过滤前总数（供外层以 N of M 呈现）
type MatchResult struct {
	Matches         []Candidate
	TotalCandidates int
}

// Matcher: 车源匹配器
type Matcher struct {
	st            Store
	gate          *health.Gate
	maxDistanceKM float64
	windowHours   int
}

// 文档注释：构造匹配器
// 背景：匹配半径与时间窗来自环境变量并带默认值（FLEET_MAX_DISTANCE_KM=300、
// FLEET_WINDOW_HOURS=24）。
func New(st Store) *Matcher {
	maxKM := 300.0
	if s := os.Getenv("FLEET_MAX_DISTANCE_KM"); s != "" {
		if f, e := strconv.ParseFloat(s, 64); e == nil && f > 0 {
			maxKM = f
		}
	}
	hours := 24
	if s := os.Getenv("FLEET_WINDOW_HOURS"); s != "" {
		if n, e := strconv.Atoi(s); e == nil && n > 0 {
			hours = n
		}
	}
	return &Matcher{st: st, gate: health.NewGate(st.Ping), maxDistanceKM: maxKM, windowHours: hours}
}

// Healthy：当前健康标志，/health 聚合用
func (m *Matcher) Healthy() bool { return m.gate.Healthy() }

// MaxDistanceKM：当前匹配半径
func (m *Matcher) MaxDistanceKM() float64 { return m.maxDistanceKM }

// 文档注释：车源检索
// 背景：候选集取自滚动时间窗内的配送记录（每车仅保留最新一条），联查坐标后计算与
// 取货点的大圆距离；坐标缺失的候选不参与距离过滤但仍受容量/重量/时间过滤，排序时
// 置于有坐标候选之后。请求货量为 0 表示该维度不设约束。
// 返回：过滤排序后的候选与过滤前总数。
func (m *Matcher) SearchVehicles(ctx context.Context, req MatchRequest) (MatchResult, error) {
	t0 := time.Now()
	metrics.FleetRequestsTotal.Inc()
	defer func() {
		metrics.FleetDurationMs.Observe(float64(time.Since(t0).Milliseconds()))
	}()
	if err := m.gate.Ensure(ctx); err != nil {
		return MatchResult{}, m.storeFail("probe", err)
	}
	rows, err := m.st.QueryRecentDeliveries(ctx, m.windowHours)
	if err != nil {
		return MatchResult{}, m.storeFail("recent_deliveries", err)
	}
	metrics.FleetCandidatesTotal.Add(float64(len(rows)))
	cands := make([]Candidate, 0, len(rows))
	for _, d := range rows {
		c := Candidate{
			ID:              d.VehicleID,
			VehicleType:     d.VehicleType,
			CapacityPallets: d.CapacityPallets,
			MaxWeightKG:     d.MaxWeightKG,
			CountryCode:     d.CountryCode,
			City:            d.City,
			Latitude:        d.Latitude,
			Longitude:       d.Longitude,
			HasCoord:        d.HasCoord,
			AvailableAt:     d.AvailableAt,
		}
		if c.HasCoord {
			c.DistanceKM = HaversineKM(req.PickupLat, req.PickupLon, c.Latitude, c.Longitude)
			c.DistanceDisplay = RoundKM(c.DistanceKM)
		}
		cands = append(cands, c)
	}
	total := len(cands)
	matches := Filter(cands, req, m.maxDistanceKM)
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].HasCoord != matches[j].HasCoord {
			return matches[i].HasCoord
		}
		return matches[i].DistanceKM < matches[j].DistanceKM
	})
	logger.L().Debug("fleet_search",
		"candidates", total, "matches", len(matches),
		"pallets", req.Pallets, "weight_kg", req.WeightKG)
	return MatchResult{Matches: matches, TotalCandidates: total}, nil
}

// 文档注释：候选过滤
// 背景：距离、托盘、载重、可用时间四项独立判定；过滤为纯函数且幂等，重复施加
// 不改变存活集。时间过滤仅在候选可用时间与取货时间同时存在时生效。
func Filter(cands []Candidate, req MatchRequest, maxDistanceKM float64) []Candidate {
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.HasCoord && c.DistanceKM > maxDistanceKM {
			continue
		}
		if req.Pallets > 0 && c.CapacityPallets < req.Pallets {
			continue
		}
		if req.WeightKG > 0 && c.MaxWeightKG < req.WeightKG {
			continue
		}
		if req.PickupAt != nil && c.AvailableAt != nil && c.AvailableAt.After(*req.PickupAt) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (m *Matcher) storeFail(op string, err error) error {
	m.gate.MarkDown()
	metrics.StoreFailuresTotal.Inc()
	logger.L().Error("fleet_store_error", "op", op, "err", err)
	return fmt.Errorf("fleet %s: store failure: %w", op, err)
}
