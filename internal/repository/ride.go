package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/roadscan/internal/models"
)

// RideRepository ride 数据仓库
type RideRepository struct {
	db Querier
}

// NewRideRepository 创建 ride 仓库
func NewRideRepository(db Querier) *RideRepository {
	return &RideRepository{db: db}
}

// Create 创建 ride
func (r *RideRepository) Create(ctx context.Context, ride *models.Ride) error {
	query := `
		INSERT INTO rides (id, device_id, notes, start_time)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.db.Exec(ctx, query, ride.ID, ride.DeviceID, ride.Notes, ride.StartTime)
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

// Complete 结束 ride，已结束的 ride 不会被覆盖
func (r *RideRepository) Complete(ctx context.Context, id string, end time.Time) error {
	query := `UPDATE rides SET end_time = $1 WHERE id = $2 AND end_time IS NULL`
	tag, err := r.db.Exec(ctx, query, end, id)
	if err != nil {
		return fmt.Errorf("complete ride: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete ride %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// ListAll 全部 ride，用于启动恢复
func (r *RideRepository) ListAll(ctx context.Context) ([]*models.Ride, error) {
	query := `SELECT id, device_id, notes, start_time, end_time FROM rides ORDER BY start_time`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list all rides: %w", err)
	}
	defer rows.Close()
	return scanRides(rows)
}

// Delete 删除 ride，检测和位置级联删除
func (r *RideRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM rides WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete ride: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ride %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func scanRides(rows pgx.Rows) ([]*models.Ride, error) {
	var rides []*models.Ride
	for rows.Next() {
		ride := &models.Ride{}
		if err := rows.Scan(&ride.ID, &ride.DeviceID, &ride.Notes, &ride.StartTime, &ride.EndTime); err != nil {
			return nil, fmt.Errorf("scan ride: %w", err)
		}
		rides = append(rides, ride)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rides: %w", err)
	}
	return rides, nil
}
