// 包 store: 提供与 PostgreSQL/PostGIS 的数据访问层，包含地理字典检索、车源候选与几何渲染查询
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fegydm/sendeliver-sub000/internal/logger"

	_ "github.com/lib/pq"
)

// Store: 数据库访问入口，持有连接池并提供参数化查询接口
type Store struct {
	db *sql.DB
}

func AttachDB(db *sql.DB) *Store { return &Store{db: db} }

// Open: 使用 DSN 打开数据库连接并配置连接池参数
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	return &Store{db: db}, nil
}

// Close: 关闭数据库连接
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping: 轻量存活探测，供组件健康门控使用
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// CountryRow: 国家字典行，含邮编格式规则
type CountryRow struct {
	Code         string
	NameEN       string
	NameLocal    string
	NameNative   string
	Priority     int
	PostalFormat string
	PostalRegex  string
}

// LocationRow: 地点字典行，只读参考数据
type LocationRow struct {
	CountryCode string
	PostalCode  string
	PlaceName   string
	Latitude    float64
	Longitude   float64
	Priority    int
}

// Cursor: 键集分页游标，取自上一页末行的自然键
// 约束：三个字段要么全部有效要么视为无游标；由上层 directory 归一化后传入
type Cursor struct {
	PostalCode string
	PlaceName  string
	Priority   int
}

// DeliveryRow: 近期配送投影行，坐标经地点字典联查得到
// 约束：坐标缺失时 HasCoord 为 false，经纬度为零值；上层保留此类候选以便容量类过滤仍然生效
type DeliveryRow struct {
	VehicleID       string
	VehicleType     string
	CapacityPallets int
	MaxWeightKG     float64
	CountryCode     string
	PostalCode      string
	City            string
	Latitude        float64
	Longitude       float64
	HasCoord        bool
	AvailableAt     *time.Time
}

// BoundaryRow: 边界几何行，几何已编码为 GeoJSON 文本
type BoundaryRow struct {
	CountryCode string
	AdminLevel  int
	Name        string
	GeoJSON     string
}

// BBox: 经纬度包围盒（WGS84）
type BBox struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// QueryCountries: 拉取国家字典全集，按英文名升序
func (s *Store) QueryCountries(ctx context.Context) ([]CountryRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT country_code, name_en, name_local, name_native, priority, postal_format, postal_regex
        FROM geo_countries ORDER BY name_en ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CountryRow
	for rows.Next() {
		var c CountryRow
		if err := rows.Scan(&c.Code, &c.NameEN, &c.NameLocal, &c.NameNative, &c.Priority, &c.PostalFormat, &c.PostalRegex); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// QueryPostalFormat: 查询单个国家的邮编格式规则；无匹配行返回 ok=false 而非错误
func (s *Store) QueryPostalFormat(ctx context.Context, code string) (pattern string, regex string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT postal_format, postal_regex FROM geo_countries WHERE country_code=$1`, code)
	if err := row.Scan(&pattern, &regex); err != nil {
		if err == sql.ErrNoRows {
			return "", "", false, nil
		}
		return "", "", false, err
	}
	return pattern, regex, true, nil
}

// QueryLocationExists: 存在性探测，单次往返；任一条件为空则不参与过滤
func (s *Store) QueryLocationExists(ctx context.Context, postal, city, country string) (bool, error) {
	q := `SELECT EXISTS (SELECT 1 FROM geo_locations WHERE 1=1`
	var args []any
	if postal != "" {
		args = append(args, postal)
		q += fmt.Sprintf(` AND postal_code ILIKE $%d || '%%'`, len(args))
	}
	if city != "" {
		args = append(args, city)
		q += fmt.Sprintf(` AND place_name ILIKE $%d || '%%'`, len(args))
	}
	if country != "" {
		args = append(args, country)
		q += fmt.Sprintf(` AND country_code = $%d`, len(args))
	}
	q += `)`
	var exists bool
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// 文档注释：检索查询共用的片段拼装
// 背景：两种检索变体共享过滤/游标/排序逻辑，仅国家条件不同；ORDER BY 固定覆盖全部
// 排序键（邮编、地名、优先级），保证 limit+1 探测在固定游标下结果确定。
// 约束：游标以行比较谓词下推（键集分页），避免 OFFSET 深翻页的线性退化。
func buildSearchQuery(postal, city string, countryExact, countryPrefix string, cur *Cursor, limitPlus1 int) (string, []any) {
	q := `SELECT country_code, postal_code, place_name, latitude, longitude, priority
        FROM geo_locations WHERE 1=1`
	var args []any
	if postal != "" {
		args = append(args, postal)
		q += fmt.Sprintf(` AND postal_code ILIKE $%d || '%%'`, len(args))
	}
	if city != "" {
		args = append(args, city)
		q += fmt.Sprintf(` AND place_name ILIKE $%d || '%%'`, len(args))
	}
	if countryExact != "" {
		args = append(args, countryExact)
		q += fmt.Sprintf(` AND country_code = $%d`, len(args))
	} else if countryPrefix != "" {
		args = append(args, countryPrefix)
		q += fmt.Sprintf(` AND country_code LIKE $%d || '%%'`, len(args))
	}
	if cur != nil {
		args = append(args, cur.PostalCode, cur.PlaceName, cur.Priority)
		q += fmt.Sprintf(` AND (postal_code, place_name, priority) > ($%d, $%d, $%d)`, len(args)-2, len(args)-1, len(args))
	}
	args = append(args, limitPlus1)
	q += fmt.Sprintf(` ORDER BY postal_code ASC, place_name ASC, priority ASC LIMIT $%d`, len(args))
	return q, args
}

// QuerySearchByCountryExact: 精确国家过滤的检索变体
func (s *Store) QuerySearchByCountryExact(ctx context.Context, postal, city, country string, cur *Cursor, limitPlus1 int) ([]LocationRow, error) {
	q, args := buildSearchQuery(postal, city, country, "", cur, limitPlus1)
	return s.searchRows(ctx, q, args)
}

// QuerySearchGeneral: 通用检索变体，国家条件为可选前缀
func (s *Store) QuerySearchGeneral(ctx context.Context, postal, city, countryPrefix string, cur *Cursor, limitPlus1 int) ([]LocationRow, error) {
	q, args := buildSearchQuery(postal, city, "", countryPrefix, cur, limitPlus1)
	return s.searchRows(ctx, q, args)
}

func (s *Store) searchRows(ctx context.Context, q string, args []any) ([]LocationRow, error) {
	logger.L().Debug("store_search", "args", len(args))
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LocationRow
	for rows.Next() {
		var l LocationRow
		if err := rows.Scan(&l.CountryCode, &l.PostalCode, &l.PlaceName, &l.Latitude, &l.Longitude, &l.Priority); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// 文档注释：拉取近期配送候选
// 背景：以滚动时间窗约束候选集，按车辆去重仅保留最新一次配送（DISTINCT ON），
// 并左联地点字典补全坐标；坐标无法解析的候选保留为零坐标行。
// 参数：windowHours 为窗口小时数，非正值回退为 24。
func (s *Store) QueryRecentDeliveries(ctx context.Context, windowHours int) ([]DeliveryRow, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT d.vehicle_id, d.vehicle_type, d.capacity_pallets, d.max_weight_kg,
               d.country_code, d.postal_code, d.city, l.latitude, l.longitude, d.available_at
        FROM (
            SELECT DISTINCT ON (vehicle_id) *
            FROM fleet_deliveries
            WHERE delivery_at >= now() - make_interval(hours => $1)
            ORDER BY vehicle_id, delivery_at DESC
        ) d
        LEFT JOIN geo_locations l
            ON l.country_code = d.country_code AND l.postal_code = d.postal_code`, windowHours)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeliveryRow
	for rows.Next() {
		var d DeliveryRow
		var lat, lon sql.NullFloat64
		var avail sql.NullTime
		if err := rows.Scan(&d.VehicleID, &d.VehicleType, &d.CapacityPallets, &d.MaxWeightKG,
			&d.CountryCode, &d.PostalCode, &d.City, &lat, &lon, &avail); err != nil {
			return nil, err
		}
		if lat.Valid && lon.Valid {
			d.Latitude = lat.Float64
			d.Longitude = lon.Float64
			d.HasCoord = true
		}
		if avail.Valid {
			t := avail.Time
			d.AvailableAt = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// 文档注释：边界几何查询（按缩放级别自适应）
// 背景：低缩放时返回化简后的国家级轮廓（容差约 0.1°），高缩放时返回指定行政级别
// 的全精度区域几何；给定包围盒时叠加空间相交过滤。
// 返回：GeoJSON 文本行；结果集为空不是错误，由上层决定兜底要素。
func (s *Store) QueryBoundaries(ctx context.Context, zoom int, bbox *BBox) ([]BoundaryRow, error) {
	var q string
	var args []any
	if zoom <= 4 {
		q = `SELECT country_code, admin_level, name, ST_AsGeoJSON(ST_Simplify(geom, 0.1))
            FROM geo_boundaries WHERE admin_level = 0`
	} else {
		q = `SELECT country_code, admin_level, name, ST_AsGeoJSON(geom)
            FROM geo_boundaries WHERE admin_level = 1`
	}
	if bbox != nil {
		args = append(args, bbox.MinLon, bbox.MinLat, bbox.MaxLon, bbox.MaxLat)
		q += ` AND geom && ST_MakeEnvelope($1, $2, $3, $4, 4326)`
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BoundaryRow
	for rows.Next() {
		var b BoundaryRow
		if err := rows.Scan(&b.CountryCode, &b.AdminLevel, &b.Name, &b.GeoJSON); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// 文档注释：道路瓦片查询（服务端编码 MVT）
// 背景：几何在库内裁剪到瓦片空间包络并直接编码为瓦片二进制格式，避免在应用层
// 搬运与编码几何；空相交返回零长度缓冲，表示无内容而非错误。
// 约束：仅渲染 simple 道路层；其余层由调用方外部获取。
func (s *Store) QueryRoadTileMVT(ctx context.Context, z, x, y int) ([]byte, error) {
	var buf []byte
	err := s.db.QueryRowContext(ctx, `
        SELECT COALESCE(ST_AsMVT(q, 'roads', 4096, 'geom'), ''::bytea)
        FROM (
            SELECT name,
                   ST_AsMVTGeom(ST_Transform(geom, 3857), ST_TileEnvelope($1, $2, $3), 4096, 64, true) AS geom
            FROM geo_roads
            WHERE kind = 'simple'
              AND geom && ST_Transform(ST_TileEnvelope($1, $2, $3), 4326)
        ) q
        WHERE q.geom IS NOT NULL`, z, x, y).Scan(&buf)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return buf, nil
}
