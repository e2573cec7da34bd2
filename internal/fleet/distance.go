package fleet

import "math"

// 地球平均半径（公里），大圆距离计算用
const earthRadiusKm = 6371.0

// 文档注释：haversine 大圆距离（公里）
// 背景：候选按与取货点的球面距离排序与过滤；展示值取整公里，过滤与排序保留全精度。
func HaversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// RoundKM：展示用整公里
func RoundKM(km float64) int { return int(math.Round(km)) }
