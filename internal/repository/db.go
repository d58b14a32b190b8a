package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier 仓库使用的最小数据库接口，*pgxpool.Pool 和 pgxmock 都满足
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB 数据库连接池封装
type DB struct {
	Pool *pgxpool.Pool
}

// New 创建数据库连接
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	// 连接池配置
	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// 测试连接
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close 关闭连接池
func (db *DB) Close() {
	db.Pool.Close()
}

// Ping 健康检查
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Migrate 执行数据库迁移
func Migrate(ctx context.Context, q Querier) error {
	migrations := []string{
		migrationCreateRides,
		migrationCreateDetections,
		migrationCreatePositions,
		migrationCreateLookupTables,
	}

	for _, m := range migrations {
		if _, err := q.Exec(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// 数据库迁移 SQL
const migrationCreateRides = `
CREATE TABLE IF NOT EXISTS rides (
    id UUID PRIMARY KEY,
    device_id VARCHAR(255) NOT NULL DEFAULT '',
    notes TEXT NOT NULL DEFAULT '',
    start_time TIMESTAMP WITH TIME ZONE NOT NULL,
    end_time TIMESTAMP WITH TIME ZONE,
    CONSTRAINT rides_end_after_start CHECK (end_time IS NULL OR end_time >= start_time)
);
CREATE INDEX IF NOT EXISTS idx_rides_start_time ON rides(start_time);
-- 每个设备最多一个进行中的 ride
CREATE UNIQUE INDEX IF NOT EXISTS idx_rides_one_ongoing_per_device ON rides(device_id) WHERE end_time IS NULL;
`

// geo_point 由经纬度生成，插入或更新经纬度时自动重新计算
const migrationCreateDetections = `
CREATE TABLE IF NOT EXISTS detections (
    id UUID PRIMARY KEY,
    ride_id UUID NOT NULL REFERENCES rides(id) ON DELETE CASCADE,
    seq BIGINT NOT NULL,
    timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
    latitude DOUBLE PRECISION NOT NULL CHECK (latitude BETWEEN -90 AND 90),
    longitude DOUBLE PRECISION NOT NULL CHECK (longitude BETWEEN -180 AND 180),
    altitude DOUBLE PRECISION,
    speed DOUBLE PRECISION,
    class VARCHAR(64) NOT NULL,
    confidence DOUBLE PRECISION NOT NULL CHECK (confidence BETWEEN 0 AND 1),
    bbox JSONB,
    image_ref TEXT NOT NULL DEFAULT '',
    geo_point POINT GENERATED ALWAYS AS (point(longitude, latitude)) STORED
);
CREATE INDEX IF NOT EXISTS idx_detections_ride_id ON detections(ride_id);
CREATE INDEX IF NOT EXISTS idx_detections_timestamp ON detections(timestamp);
CREATE INDEX IF NOT EXISTS idx_detections_class ON detections(class);
CREATE INDEX IF NOT EXISTS idx_detections_geo_point ON detections USING gist (geo_point);
`

const migrationCreatePositions = `
CREATE TABLE IF NOT EXISTS positions (
    id BIGSERIAL PRIMARY KEY,
    ride_id UUID NOT NULL REFERENCES rides(id) ON DELETE CASCADE,
    timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
    latitude DOUBLE PRECISION NOT NULL,
    longitude DOUBLE PRECISION NOT NULL,
    altitude DOUBLE PRECISION,
    speed DOUBLE PRECISION,
    fix BOOLEAN NOT NULL DEFAULT true
);
CREATE INDEX IF NOT EXISTS idx_positions_ride_id ON positions(ride_id);
CREATE INDEX IF NOT EXISTS idx_positions_timestamp ON positions(timestamp);
`

// 查找表不与 detections.class 建外键，未知类别照常写入
const migrationCreateLookupTables = `
CREATE TABLE IF NOT EXISTS surface_types (
    name VARCHAR(64) PRIMARY KEY,
    description TEXT NOT NULL DEFAULT '',
    color VARCHAR(16) NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS damage_types (
    name VARCHAR(64) PRIMARY KEY,
    description TEXT NOT NULL DEFAULT '',
    severity INT NOT NULL CHECK (severity BETWEEN 1 AND 5),
    color VARCHAR(16) NOT NULL DEFAULT ''
);
`
