package migrate

import (
	"database/sql"

	"github.com/fegydm/sendeliver-sub000/internal/logger"
)

// 背景：首次运行自动创建所需表与索引，保障后续导入与查询；参考数据由外部装载任务写入
// 约束：使用 IF NOT EXISTS 避免与既有结构冲突；仅创建最小必需结构；几何列依赖 postgis 扩展
func EnsureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS postgis`,
		`CREATE TABLE IF NOT EXISTS geo_countries (
            country_code CHAR(2) PRIMARY KEY,
            name_en TEXT NOT NULL,
            name_local TEXT NOT NULL DEFAULT '',
            name_native TEXT NOT NULL DEFAULT '',
            priority INT NOT NULL DEFAULT 0,
            postal_format TEXT NOT NULL DEFAULT '',
            postal_regex TEXT NOT NULL DEFAULT ''
        )`,
		`CREATE TABLE IF NOT EXISTS geo_locations (
            country_code CHAR(2) NOT NULL,
            postal_code TEXT NOT NULL,
            place_name TEXT NOT NULL,
            latitude DOUBLE PRECISION NOT NULL,
            longitude DOUBLE PRECISION NOT NULL,
            priority INT NOT NULL DEFAULT 0
        )`,
		`CREATE INDEX IF NOT EXISTS idx_locations_keyset
            ON geo_locations(postal_code, place_name, priority)`,
		`CREATE INDEX IF NOT EXISTS idx_locations_country
            ON geo_locations(country_code, postal_code)`,
		`CREATE INDEX IF NOT EXISTS idx_locations_place_lower
            ON geo_locations(lower(place_name))`,
		`CREATE TABLE IF NOT EXISTS fleet_deliveries (
            id BIGSERIAL PRIMARY KEY,
            vehicle_id TEXT NOT NULL,
            vehicle_type TEXT NOT NULL DEFAULT '',
            capacity_pallets INT NOT NULL DEFAULT 0,
            max_weight_kg DOUBLE PRECISION NOT NULL DEFAULT 0,
            country_code CHAR(2) NOT NULL DEFAULT '',
            postal_code TEXT NOT NULL DEFAULT '',
            city TEXT NOT NULL DEFAULT '',
            delivery_at TIMESTAMPTZ NOT NULL,
            available_at TIMESTAMPTZ
        )`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_window
            ON fleet_deliveries(delivery_at DESC, vehicle_id)`,
		`CREATE TABLE IF NOT EXISTS geo_boundaries (
            country_code CHAR(2) NOT NULL,
            admin_level INT NOT NULL DEFAULT 0,
            name TEXT NOT NULL DEFAULT '',
            geom geometry(MultiPolygon, 4326) NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_boundaries_geom
            ON geo_boundaries USING GIST (geom)`,
		`CREATE TABLE IF NOT EXISTS geo_roads (
            kind TEXT NOT NULL DEFAULT 'simple',
            name TEXT NOT NULL DEFAULT '',
            geom geometry(MultiLineString, 4326) NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_roads_geom
            ON geo_roads USING GIST (geom)`,
	}
	for i, s := range stmts {
		logger.L().Debug("schema_exec", "idx", i)
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	logger.L().Debug("schema_done")
	return nil
}
