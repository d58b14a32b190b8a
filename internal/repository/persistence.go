package repository

import (
	"context"
	"time"

	"github.com/langchou/roadscan/internal/models"
)

// Persistence 组合各仓库，供会话存储写入和启动恢复使用
type Persistence struct {
	Rides      *RideRepository
	Detections *DetectionRepository
	Positions  *PositionRepository
	Lookups    *LookupRepository
}

// NewPersistence 创建组合仓库
func NewPersistence(db Querier) *Persistence {
	return &Persistence{
		Rides:      NewRideRepository(db),
		Detections: NewDetectionRepository(db),
		Positions:  NewPositionRepository(db),
		Lookups:    NewLookupRepository(db),
	}
}

func (p *Persistence) CreateRide(ctx context.Context, ride *models.Ride) error {
	return p.Rides.Create(ctx, ride)
}

func (p *Persistence) CloseRide(ctx context.Context, rideID string, end time.Time) error {
	return p.Rides.Complete(ctx, rideID, end)
}

func (p *Persistence) DeleteRide(ctx context.Context, rideID string) error {
	return p.Rides.Delete(ctx, rideID)
}

func (p *Persistence) InsertDetection(ctx context.Context, d *models.Detection) error {
	return p.Detections.Create(ctx, d)
}

func (p *Persistence) InsertPosition(ctx context.Context, pos *models.PositionSample) error {
	return p.Positions.Create(ctx, pos)
}

func (p *Persistence) LoadRides(ctx context.Context) ([]*models.Ride, error) {
	return p.Rides.ListAll(ctx)
}

func (p *Persistence) LoadDetections(ctx context.Context, rideID string) ([]*models.Detection, error) {
	return p.Detections.ListByRide(ctx, rideID)
}

func (p *Persistence) LoadPositions(ctx context.Context, rideID string) ([]*models.PositionSample, error) {
	return p.Positions.ListByRide(ctx, rideID)
}
