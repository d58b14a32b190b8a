package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/roadscan/internal/metrics"
	"github.com/langchou/roadscan/internal/models"
	"github.com/langchou/roadscan/internal/session"
)

// 无定位检测的处理策略
const (
	NoFixDrop   = "drop"   // 直接丢弃
	NoFixBuffer = "buffer" // 暂存，等下一个有效定位到达后使用该定位写入
)

// 写入结果
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultDropped  = "dropped"
	ResultBuffered = "buffered"
)

// IngestConfig 采集写入配置
type IngestConfig struct {
	NoFixPolicy string
	BufferSize  int           // 每个 ride 最多暂存的无定位检测数
	MaxAge      time.Duration // 暂存检测与定位的最大时间差，超过则丢弃；0 表示不限制
	// Catalog 已知类别，不在其中的类别在指标里记为 unclassified；nil 使用默认类别
	Catalog *models.Catalog
}

// Capture 采集/推理循环产出的一条检测
// HasFix 为 false 时坐标无意义；为 true 时必须带坐标
type Capture struct {
	Timestamp  time.Time    `json:"timestamp"`
	Class      string       `json:"class"`
	Confidence float64      `json:"confidence"`
	BBox       *models.BBox `json:"bbox,omitempty"`
	ImageRef   string       `json:"image_ref,omitempty"`
	HasFix     bool         `json:"has_fix"`
	Latitude   *float64     `json:"latitude,omitempty"`
	Longitude  *float64     `json:"longitude,omitempty"`
	Altitude   *float64     `json:"altitude,omitempty"`
	Speed      *float64     `json:"speed,omitempty"`
}

func (c *Capture) located() bool {
	return c.Latitude != nil && c.Longitude != nil
}

// detection 缺少的坐标填 0，只用于有定位的记录或坐标以外字段的校验
func (c *Capture) detection() models.Detection {
	var lat, lon float64
	if c.located() {
		lat, lon = *c.Latitude, *c.Longitude
	}
	return models.Detection{
		Timestamp:  c.Timestamp,
		Latitude:   lat,
		Longitude:  lon,
		Altitude:   c.Altitude,
		Speed:      c.Speed,
		Class:      c.Class,
		Confidence: c.Confidence,
		BBox:       c.BBox,
		ImageRef:   c.ImageRef,
	}
}

// IngestResult 一次写入的结果
type IngestResult struct {
	Status    string              `json:"status"`
	Detection *models.Detection   `json:"detection,omitempty"`
	Flushed   []*models.Detection `json:"flushed,omitempty"` // 因本次定位而写入的暂存检测
}

// IngestService 采集写入服务：ride 生命周期、检测和位置写入、无定位检测策略
type IngestService struct {
	cfg    IngestConfig
	logger *zap.Logger
	store  *session.Store

	mu      sync.Mutex
	pending map[string][]Capture // ride id -> 暂存的无定位检测
}

// NewIngestService 创建采集写入服务
func NewIngestService(cfg IngestConfig, logger *zap.Logger, store *session.Store) (*IngestService, error) {
	switch cfg.NoFixPolicy {
	case NoFixDrop:
	case NoFixBuffer:
		if cfg.BufferSize <= 0 {
			return nil, fmt.Errorf("no-fix buffer size must be > 0, got %d", cfg.BufferSize)
		}
	default:
		return nil, fmt.Errorf("unknown no-fix policy %q", cfg.NoFixPolicy)
	}
	if cfg.MaxAge < 0 {
		return nil, fmt.Errorf("no-fix max age must be >= 0")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = models.DefaultCatalog()
	}
	return &IngestService{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		pending: make(map[string][]Capture),
	}, nil
}

// StartRide 开始 ride
func (s *IngestService) StartRide(ctx context.Context, deviceID, notes string) (*models.Ride, error) {
	ride, err := s.store.OpenRide(ctx, deviceID, notes)
	if err != nil {
		return nil, err
	}
	s.updateActiveGauge()
	return ride, nil
}

// StopRide 结束 ride，未能获得定位的暂存检测随之丢弃
func (s *IngestService) StopRide(ctx context.Context, rideID string) (*models.Ride, error) {
	ride, err := s.store.CloseRide(ctx, rideID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	dropped := s.pending[rideID]
	delete(s.pending, rideID)
	s.mu.Unlock()
	for _, c := range dropped {
		s.track(c.Class, ResultDropped)
	}
	if len(dropped) > 0 {
		s.logger.Warn("Dropped buffered detections without GPS fix",
			zap.String("ride_id", rideID),
			zap.Int("count", len(dropped)))
	}

	s.updateActiveGauge()
	return ride, nil
}

// DeleteRide 删除已结束的 ride 及其检测和位置
func (s *IngestService) DeleteRide(ctx context.Context, rideID string) error {
	if err := s.store.DeleteRide(ctx, rideID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.pending, rideID)
	s.mu.Unlock()
	return nil
}

// HandleCapture 写入一条检测
// 没有定位时按策略丢弃或暂存，绝不以伪造坐标写入
func (s *IngestService) HandleCapture(ctx context.Context, rideID string, c Capture) (*IngestResult, error) {
	if !c.HasFix {
		return s.handleNoFix(rideID, c)
	}
	if !c.located() {
		s.track(c.Class, ResultRejected)
		return nil, &models.ValidationError{Field: "latitude/longitude", Reason: "required when has_fix is true"}
	}

	d := c.detection()
	if err := d.Validate(); err != nil {
		s.track(c.Class, ResultRejected)
		return nil, err
	}

	// 暂存的检测更早，先写入
	flushed := s.flush(ctx, rideID, c.Timestamp, *c.Latitude, *c.Longitude)

	stored, err := s.store.AppendDetection(ctx, rideID, d)
	if err != nil {
		s.track(c.Class, ResultRejected)
		return nil, err
	}
	s.track(stored.Class, ResultAccepted)
	return &IngestResult{Status: ResultAccepted, Detection: stored, Flushed: flushed}, nil
}

func (s *IngestService) handleNoFix(rideID string, c Capture) (*IngestResult, error) {
	ride, err := s.store.GetRide(rideID)
	if err != nil {
		return nil, err
	}
	if !ride.Ongoing() {
		return nil, fmt.Errorf("ride %s is closed: %w", rideID, models.ErrNotFound)
	}

	// 坐标以外的字段照常校验
	check := c.detection()
	check.Latitude, check.Longitude = 0, 0
	if err := check.Validate(); err != nil {
		s.track(c.Class, ResultRejected)
		return nil, err
	}

	if s.cfg.NoFixPolicy == NoFixDrop {
		s.track(c.Class, ResultDropped)
		s.logger.Debug("Dropped detection without GPS fix",
			zap.String("ride_id", rideID),
			zap.String("class", c.Class))
		return &IngestResult{Status: ResultDropped}, nil
	}

	s.mu.Lock()
	buf := append(s.pending[rideID], c)
	var evicted []Capture
	if over := len(buf) - s.cfg.BufferSize; over > 0 {
		evicted = append(evicted, buf[:over]...)
		buf = append([]Capture(nil), buf[over:]...)
	}
	s.pending[rideID] = buf
	s.mu.Unlock()

	for _, e := range evicted {
		s.track(e.Class, ResultDropped)
	}
	s.track(c.Class, ResultBuffered)
	return &IngestResult{Status: ResultBuffered}, nil
}

// BatchItem 批量写入中单条检测的结果
type BatchItem struct {
	Index     int               `json:"index"`
	Status    string            `json:"status"`
	Error     string            `json:"error,omitempty"`
	Detection *models.Detection `json:"detection,omitempty"`
}

// BatchResult 批量写入结果
type BatchResult struct {
	RideID   string      `json:"ride_id"`
	Accepted int         `json:"accepted"`
	Buffered int         `json:"buffered"`
	Dropped  int         `json:"dropped"`
	Rejected int         `json:"rejected"`
	Flushed  int         `json:"flushed"` // 本批中因定位到达而写入的暂存检测
	Items    []BatchItem `json:"items"`
}

// HandleBatch 按顺序写入一批检测，某条被拒绝不影响其余记录
// ride 不存在或已结束时整批返回 ErrNotFound
func (s *IngestService) HandleBatch(ctx context.Context, rideID string, captures []Capture) (*BatchResult, error) {
	if len(captures) == 0 {
		return nil, &models.ValidationError{Field: "detections", Reason: "must not be empty"}
	}
	ride, err := s.store.GetRide(rideID)
	if err != nil {
		return nil, err
	}
	if !ride.Ongoing() {
		return nil, fmt.Errorf("ride %s is closed: %w", rideID, models.ErrNotFound)
	}

	out := &BatchResult{RideID: rideID, Items: make([]BatchItem, 0, len(captures))}
	for i, c := range captures {
		item := BatchItem{Index: i}
		res, err := s.HandleCapture(ctx, rideID, c)
		if err != nil {
			if !errors.Is(err, models.ErrValidation) {
				s.logger.Warn("Batch item failed",
					zap.String("ride_id", rideID),
					zap.Int("index", i),
					zap.Error(err))
			}
			item.Status = ResultRejected
			item.Error = err.Error()
			out.Rejected++
			out.Items = append(out.Items, item)
			continue
		}
		item.Status = res.Status
		item.Detection = res.Detection
		switch res.Status {
		case ResultAccepted:
			out.Accepted++
		case ResultBuffered:
			out.Buffered++
		case ResultDropped:
			out.Dropped++
		}
		out.Flushed += len(res.Flushed)
		out.Items = append(out.Items, item)
	}

	s.logger.Info("Batch ingested",
		zap.String("ride_id", rideID),
		zap.Int("accepted", out.Accepted),
		zap.Int("buffered", out.Buffered),
		zap.Int("dropped", out.Dropped),
		zap.Int("rejected", out.Rejected),
		zap.Int("flushed", out.Flushed))
	return out, nil
}

// HandlePosition 写入位置采样，有效定位会触发暂存检测的写入
// 无定位的采样不写入
func (s *IngestService) HandlePosition(ctx context.Context, rideID string, p models.PositionSample) ([]*models.Detection, error) {
	if !p.Fix {
		ride, err := s.store.GetRide(rideID)
		if err != nil {
			return nil, err
		}
		if !ride.Ongoing() {
			return nil, fmt.Errorf("ride %s is closed: %w", rideID, models.ErrNotFound)
		}
		metrics.PositionsTotal.WithLabelValues(ResultDropped).Inc()
		return nil, nil
	}
	if err := s.store.AppendPosition(ctx, rideID, p); err != nil {
		metrics.PositionsTotal.WithLabelValues(ResultRejected).Inc()
		return nil, err
	}
	metrics.PositionsTotal.WithLabelValues(ResultAccepted).Inc()
	return s.flush(ctx, rideID, p.Timestamp, p.Latitude, p.Longitude), nil
}

// Pending 某个 ride 暂存的检测数
func (s *IngestService) Pending(rideID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[rideID])
}

// flush 用定位坐标写入暂存检测，与定位时间差超过 MaxAge 的丢弃
func (s *IngestService) flush(ctx context.Context, rideID string, fixTime time.Time, lat, lon float64) []*models.Detection {
	s.mu.Lock()
	buf := s.pending[rideID]
	delete(s.pending, rideID)
	s.mu.Unlock()

	var out []*models.Detection
	for _, c := range buf {
		if age := fixTime.Sub(c.Timestamp); s.cfg.MaxAge > 0 && (age > s.cfg.MaxAge || age < -s.cfg.MaxAge) {
			s.track(c.Class, ResultDropped)
			continue
		}
		c.Latitude, c.Longitude = &lat, &lon
		stored, err := s.store.AppendDetection(ctx, rideID, c.detection())
		if err != nil {
			s.track(c.Class, ResultRejected)
			s.logger.Warn("Failed to write buffered detection",
				zap.String("ride_id", rideID),
				zap.Error(err))
			continue
		}
		s.track(stored.Class, ResultAccepted)
		out = append(out, stored)
	}
	if len(out) > 0 {
		s.logger.Info("Wrote buffered detections after GPS fix",
			zap.String("ride_id", rideID),
			zap.Int("count", len(out)))
	}
	return out
}

// track 按类别记录检测指标，目录外的类别记为 unclassified
func (s *IngestService) track(class, result string) {
	label := class
	if s.cfg.Catalog.Category(class) == models.CategoryUnclassified {
		label = models.CategoryUnclassified
	}
	metrics.TrackDetection(label, result)
}

func (s *IngestService) updateActiveGauge() {
	active := 0
	for _, snap := range s.store.Snapshots() {
		if snap.Ride.Ongoing() {
			active++
		}
	}
	metrics.RidesActive.Set(float64(active))
}
