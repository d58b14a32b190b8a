package live

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/roadscan/internal/cluster"
	"github.com/langchou/roadscan/internal/geo"
	"github.com/langchou/roadscan/internal/metrics"
	"github.com/langchou/roadscan/internal/models"
	"github.com/langchou/roadscan/internal/route"
	"github.com/langchou/roadscan/internal/session"
)

// 实时文档的默认上限
const (
	DefaultMaxRoutePoints = 500
	DefaultMaxGroups      = 50
)

// Publisher 把完整的实时状态整体替换地发布出去
type Publisher interface {
	Name() string
	Publish(ctx context.Context, status *models.LiveStatus) error
}

// Source 读取 ride 的不可变快照，*session.Store 满足该接口
type Source interface {
	Snapshot(rideID string) (*session.Snapshot, error)
}

// Config 发布节奏和文档大小
type Config struct {
	EveryN         int           // 每追加 N 条检测发布一次，0 表示不按数量触发
	Interval       time.Duration // 定时发布当前 ride，0 表示不定时
	RecentWindow   time.Duration // recent_damages 只看最近这段时间内的检测，0 表示全部
	MaxRoutePoints int
	MaxGroups      int
}

// Sync 实时状态同步
// Notify 只登记待发布的 ride，真正的构建和发布在 Run 的协程里完成
type Sync struct {
	logger     *zap.Logger
	src        Source
	aggregator *cluster.Aggregator
	routes     *route.Builder
	catalog    *models.Catalog
	publishers []Publisher
	cfg        Config
	clock      func() time.Time

	publishMu sync.Mutex // 串行化发布，保证各发布者看到的版本顺序一致

	mu      sync.Mutex
	dirty   map[string]struct{}
	current string
	signal  chan struct{}
}

// NewSync 创建实时同步器
// grouping 与导出使用同一份分组参数，recent_damages 在此基础上排除路面类别；catalog 为 nil 时不排除
func NewSync(logger *zap.Logger, src Source, grouping cluster.Config, catalog *models.Catalog, cfg Config, publishers ...Publisher) (*Sync, error) {
	if cfg.MaxRoutePoints <= 0 {
		cfg.MaxRoutePoints = DefaultMaxRoutePoints
	}
	if cfg.MaxGroups <= 0 {
		cfg.MaxGroups = DefaultMaxGroups
	}
	if cfg.EveryN < 0 || cfg.Interval < 0 || cfg.RecentWindow < 0 {
		return nil, errors.New("live: cadence values must be >= 0")
	}

	base := grouping.Filter
	grouping.Filter = func(d *models.Detection) bool {
		if base != nil && !base(d) {
			return false
		}
		return catalog == nil || catalog.Category(d.Class) != models.CategorySurface
	}
	agg, err := cluster.New(grouping)
	if err != nil {
		return nil, fmt.Errorf("live: %w", err)
	}

	return &Sync{
		logger:     logger,
		src:        src,
		aggregator: agg,
		routes:     route.NewBuilder(route.DefaultEpsilonDeg),
		catalog:    catalog,
		publishers: publishers,
		cfg:        cfg,
		clock:      time.Now,
		dirty:      make(map[string]struct{}),
		signal:     make(chan struct{}, 1),
	}, nil
}

// Notify 在检测追加后调用，满足 EveryN 时登记一次发布，从不阻塞
func (s *Sync) Notify(rideID string, count int) {
	s.mu.Lock()
	s.current = rideID
	due := s.cfg.EveryN > 0 && count%s.cfg.EveryN == 0
	if due {
		s.dirty[rideID] = struct{}{}
	}
	s.mu.Unlock()

	if due {
		s.wake()
	}
}

// NotifyClosed 在 ride 结束后调用，登记发布一次 is_running=false 的最终状态
func (s *Sync) NotifyClosed(rideID string) {
	s.mu.Lock()
	s.dirty[rideID] = struct{}{}
	s.mu.Unlock()
	s.wake()
}

// Track 设置定时发布的目标 ride
func (s *Sync) Track(rideID string) {
	s.mu.Lock()
	s.current = rideID
	s.mu.Unlock()
}

func (s *Sync) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Run 处理登记的发布请求和定时发布，直到 ctx 取消
func (s *Sync) Run(ctx context.Context) {
	var tick <-chan time.Time
	if s.cfg.Interval > 0 {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.flush(context.Background())
			return
		case <-s.signal:
			s.flush(ctx)
		case <-tick:
			s.mu.Lock()
			rideID := s.current
			s.mu.Unlock()
			if rideID != "" {
				s.publishLogged(ctx, rideID)
			}
		}
	}
}

func (s *Sync) flush(ctx context.Context) {
	s.mu.Lock()
	pending := s.dirty
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()

	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s.publishLogged(ctx, id)
	}
}

func (s *Sync) publishLogged(ctx context.Context, rideID string) {
	status, err := s.Publish(ctx, rideID)
	if err != nil {
		s.logger.Warn("Failed to publish live status", zap.String("ride_id", rideID), zap.Error(err))
		return
	}
	if !status.IsRunning {
		// 最终状态已发布，停止定时发布该 ride
		s.mu.Lock()
		if s.current == rideID {
			s.current = ""
		}
		s.mu.Unlock()
	}
}

// Publish 立即构建 ride 的实时状态并交给所有发布者
// 某个发布者失败不影响其余发布者，错误合并返回
func (s *Sync) Publish(ctx context.Context, rideID string) (*models.LiveStatus, error) {
	start := time.Now()
	snap, err := s.src.Snapshot(rideID)
	if err != nil {
		return nil, err
	}
	status := s.Build(snap)

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	var errs []error
	for _, p := range s.publishers {
		err := p.Publish(ctx, status)
		metrics.TrackPublish(p.Name(), err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	metrics.LivePublishDuration.Observe(time.Since(start).Seconds())
	return status, errors.Join(errs...)
}

// Build 由快照计算实时状态，结果是新分配的对象，不与快照共享可变数据
func (s *Sync) Build(snap *session.Snapshot) *models.LiveStatus {
	r := s.routes.ForRide(snap.Ride.ID, snap.Positions, snap.Detections)

	status := &models.LiveStatus{
		IsRunning:     snap.Ride.Ongoing(),
		RideID:        snap.Ride.ID,
		DeviceID:      snap.Ride.DeviceID,
		RoutePoints:   route.Tail(r, s.cfg.MaxRoutePoints),
		RecentDamages: s.recentGroups(snap.Detections),
		GeneratedAt:   s.clock(),
		Stats: models.LiveStats{
			ImageCount:     imageCount(snap.Detections),
			DetectionCount: len(snap.Detections),
			DistanceKm:     r.DistanceKm(),
			AvgSpeedKmh:    r.AvgSpeedKmh,
			DurationSec:    snap.Ride.Duration(s.clock()).Seconds(),
		},
	}
	if last, ok := r.LastPoint(); ok {
		status.CurrentPosition = []float64{last.Latitude, last.Longitude}
	}
	if n := len(r.Points); n >= 2 {
		prev, last := r.Points[n-2], r.Points[n-1]
		h := geo.Bearing(
			geo.Point{Lat: prev.Latitude, Lon: prev.Longitude},
			geo.Point{Lat: last.Latitude, Lon: last.Longitude})
		status.Heading = &h
	}
	return status
}

func (s *Sync) recentGroups(dets []*models.Detection) []models.DetectionGroup {
	recent := dets
	if s.cfg.RecentWindow > 0 && len(dets) > 0 {
		latest := dets[0].Timestamp
		for _, d := range dets[1:] {
			if d.Timestamp.After(latest) {
				latest = d.Timestamp
			}
		}
		cutoff := latest.Add(-s.cfg.RecentWindow)
		recent = make([]*models.Detection, 0, len(dets))
		for _, d := range dets {
			if !d.Timestamp.Before(cutoff) {
				recent = append(recent, d)
			}
		}
	}

	groups := s.aggregator.Group(recent)
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].LastSeen.Before(groups[j].LastSeen)
	})
	if len(groups) > s.cfg.MaxGroups {
		groups = groups[len(groups)-s.cfg.MaxGroups:]
	}
	if groups == nil {
		groups = []models.DetectionGroup{}
	}
	return groups
}

// imageCount 不同图片的数量，同一帧上的多个检测只算一次
func imageCount(dets []*models.Detection) int {
	seen := make(map[string]struct{})
	for _, d := range dets {
		if d.ImageRef != "" {
			seen[d.ImageRef] = struct{}{}
		}
	}
	return len(seen)
}
