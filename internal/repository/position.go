package repository

import (
	"context"
	"fmt"

	"github.com/langchou/roadscan/internal/models"
)

// PositionRepository 位置数据仓库
type PositionRepository struct {
	db Querier
}

// NewPositionRepository 创建位置仓库
func NewPositionRepository(db Querier) *PositionRepository {
	return &PositionRepository{db: db}
}

// Create 创建位置记录
func (r *PositionRepository) Create(ctx context.Context, p *models.PositionSample) error {
	query := `
		INSERT INTO positions (ride_id, timestamp, latitude, longitude, altitude, speed, fix)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err := r.db.QueryRow(ctx, query,
		p.RideID,
		p.Timestamp,
		p.Latitude,
		p.Longitude,
		p.Altitude,
		p.Speed,
		p.Fix,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// ListByRide 按时间返回 ride 的位置采样
func (r *PositionRepository) ListByRide(ctx context.Context, rideID string) ([]*models.PositionSample, error) {
	query := `
		SELECT id, ride_id, timestamp, latitude, longitude, altitude, speed, fix
		FROM positions WHERE ride_id = $1 ORDER BY timestamp, id
	`
	rows, err := r.db.Query(ctx, query, rideID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var positions []*models.PositionSample
	for rows.Next() {
		p := &models.PositionSample{}
		err := rows.Scan(
			&p.ID,
			&p.RideID,
			&p.Timestamp,
			&p.Latitude,
			&p.Longitude,
			&p.Altitude,
			&p.Speed,
			&p.Fix,
		)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}
	return positions, nil
}
