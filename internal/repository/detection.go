package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/langchou/roadscan/internal/geo"
	"github.com/langchou/roadscan/internal/models"
)

// DetectionRepository 检测记录仓库
type DetectionRepository struct {
	db Querier
}

// NewDetectionRepository 创建检测仓库
func NewDetectionRepository(db Querier) *DetectionRepository {
	return &DetectionRepository{db: db}
}

const detectionColumns = `id, ride_id, seq, timestamp, latitude, longitude, altitude, speed, class, confidence, bbox, image_ref`

// 读取时坐标取自生成列 geo_point
const detectionSelectColumns = `id, ride_id, seq, timestamp, geo_point, altitude, speed, class, confidence, bbox, image_ref`

// Create 写入检测记录，geo_point 由数据库生成
func (r *DetectionRepository) Create(ctx context.Context, d *models.Detection) error {
	query := `
		INSERT INTO detections (` + detectionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	var bbox []byte
	if d.BBox != nil {
		var err error
		if bbox, err = json.Marshal(d.BBox); err != nil {
			return fmt.Errorf("marshal bbox: %w", err)
		}
	}
	_, err := r.db.Exec(ctx, query,
		d.ID,
		d.RideID,
		d.Seq,
		d.Timestamp,
		d.Latitude,
		d.Longitude,
		d.Altitude,
		d.Speed,
		d.Class,
		d.Confidence,
		bbox,
		d.ImageRef,
	)
	if err != nil {
		return fmt.Errorf("insert detection: %w", err)
	}
	return nil
}

// ListByRide 按写入顺序返回 ride 的检测记录
func (r *DetectionRepository) ListByRide(ctx context.Context, rideID string) ([]*models.Detection, error) {
	query := `SELECT ` + detectionSelectColumns + ` FROM detections WHERE ride_id = $1 ORDER BY seq`
	rows, err := r.db.Query(ctx, query, rideID)
	if err != nil {
		return nil, fmt.Errorf("list detections: %w", err)
	}
	defer rows.Close()
	return scanDetections(rows)
}

func scanDetections(rows pgx.Rows) ([]*models.Detection, error) {
	var dets []*models.Detection
	for rows.Next() {
		d := &models.Detection{}
		var bbox []byte
		var pt pgtype.Point
		err := rows.Scan(
			&d.ID,
			&d.RideID,
			&d.Seq,
			&d.Timestamp,
			&pt,
			&d.Altitude,
			&d.Speed,
			&d.Class,
			&d.Confidence,
			&bbox,
			&d.ImageRef,
		)
		if err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		if !pt.Valid {
			return nil, fmt.Errorf("detection %s has no geo_point", d.ID)
		}
		d.Latitude, d.Longitude = geo.GeoPoint{X: pt.P.X, Y: pt.P.Y}.LatLon()
		if len(bbox) > 0 {
			d.BBox = &models.BBox{}
			if err := d.BBox.Scan(bbox); err != nil {
				return nil, err
			}
		}
		dets = append(dets, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate detections: %w", err)
	}
	return dets, nil
}
