package query

import (
	"fmt"
	"math"
	"time"

	"github.com/langchou/roadscan/internal/cluster"
	"github.com/langchou/roadscan/internal/geo"
	"github.com/langchou/roadscan/internal/models"
	"github.com/langchou/roadscan/internal/route"
	"github.com/langchou/roadscan/internal/session"
	"github.com/langchou/roadscan/internal/spatial"
	"github.com/langchou/roadscan/internal/state"
)

// Service 只读查询，所有结果都基于 ride 的不可变快照计算，可与写入并发调用
type Service struct {
	store         *session.Store
	aggregator    *cluster.Aggregator
	routes        *route.Builder
	catalog       *models.Catalog
	defaultRadius float64
	clock         func() time.Time
}

// NewService 创建查询服务
func NewService(store *session.Store, aggregator *cluster.Aggregator, catalog *models.Catalog, defaultRadiusM float64) *Service {
	if catalog == nil {
		catalog = models.DefaultCatalog()
	}
	if defaultRadiusM <= 0 {
		defaultRadiusM = spatial.DefaultRadiusM
	}
	return &Service{
		store:         store,
		aggregator:    aggregator,
		routes:        route.NewBuilder(route.DefaultEpsilonDeg),
		catalog:       catalog,
		defaultRadius: defaultRadiusM,
		clock:         time.Now,
	}
}

// Stats 全局统计
type Stats struct {
	TotalRides      int            `json:"total_rides"`
	ActiveRides     int            `json:"active_rides"`
	TotalDetections int            `json:"total_detections"`
	ByClass         map[string]int `json:"by_class"`
	SurfaceTypes    map[string]int `json:"surface_types"`
	DamageTypes     map[string]int `json:"damage_types"`
	Unclassified    map[string]int `json:"unclassified"`
}

// Stats 统计 ride 和检测数量，未知类别计入 unclassified
func (s *Service) Stats() *Stats {
	st := &Stats{
		ByClass:      make(map[string]int),
		SurfaceTypes: make(map[string]int),
		DamageTypes:  make(map[string]int),
		Unclassified: make(map[string]int),
	}
	for _, snap := range s.store.Snapshots() {
		st.TotalRides++
		if snap.Ride.Ongoing() {
			st.ActiveRides++
		}
		for _, d := range snap.Detections {
			st.TotalDetections++
			st.ByClass[d.Class]++
			switch s.catalog.Category(d.Class) {
			case models.CategorySurface:
				st.SurfaceTypes[d.Class]++
			case models.CategoryDamage:
				st.DamageTypes[d.Class]++
			default:
				st.Unclassified[d.Class]++
			}
		}
	}
	return st
}

// RideSummary ride 列表项
type RideSummary struct {
	models.Ride
	DetectionCount int     `json:"detection_count"`
	DurationSec    float64 `json:"duration_sec"`
}

// ListRides 分页列出 ride，按开始时间倒序
func (s *Service) ListRides(limit, offset int) ([]RideSummary, int) {
	now := s.clock()
	rides := s.store.ListRides(limit, offset)
	out := make([]RideSummary, 0, len(rides))
	for _, r := range rides {
		sum := RideSummary{Ride: r, DurationSec: r.Duration(now).Seconds()}
		if snap, err := s.store.Snapshot(r.ID); err == nil {
			sum.DetectionCount = len(snap.Detections)
		}
		out = append(out, sum)
	}
	return out, s.store.CountRides()
}

// Devices 各设备的采集状态
func (s *Service) Devices() []state.DeviceState {
	return s.store.Devices()
}

// RideDetail ride 及其派生的轨迹和分组，可直接导出
type RideDetail struct {
	Ride           models.Ride             `json:"ride"`
	Route          models.Route            `json:"route"`
	Groups         []models.DetectionGroup `json:"groups"`
	DetectionCount int                     `json:"detection_count"`
	GroupingRadius float64                 `json:"grouping_distance_m"`
}

// RideDetail 获取 ride 详情
func (s *Service) RideDetail(rideID string) (*RideDetail, error) {
	snap, err := s.store.Snapshot(rideID)
	if err != nil {
		return nil, err
	}
	return &RideDetail{
		Ride:           snap.Ride,
		Route:          s.routes.ForRide(rideID, snap.Positions, snap.Detections),
		Groups:         s.aggregator.Group(snap.Detections),
		DetectionCount: len(snap.Detections),
		GroupingRadius: s.aggregator.RadiusM(),
	}, nil
}

// NearbyQuery 邻近查询参数，RideID 为空时使用进行中的 ride，否则使用最近的 ride
type NearbyQuery struct {
	RideID  string
	Lat     float64
	Lon     float64
	RadiusM float64 // 0 表示默认半径
	Class   string  // 为空表示所有类别
}

// NearbyResult 邻近查询结果，按距离升序
type NearbyResult struct {
	RideID  string        `json:"ride_id"`
	RadiusM float64       `json:"radius_m"`
	Hits    []spatial.Hit `json:"hits"`
}

// Nearby 查询某点附近的检测
func (s *Service) Nearby(q NearbyQuery) (*NearbyResult, error) {
	if !geo.ValidLatitude(q.Lat) {
		return nil, &models.ValidationError{Field: "lat", Reason: fmt.Sprintf("%v out of [-90, 90]", q.Lat)}
	}
	if !geo.ValidLongitude(q.Lon) {
		return nil, &models.ValidationError{Field: "lon", Reason: fmt.Sprintf("%v out of [-180, 180]", q.Lon)}
	}
	if math.IsNaN(q.RadiusM) || q.RadiusM < 0 {
		return nil, &models.ValidationError{Field: "radius", Reason: "must be >= 0"}
	}
	radius := q.RadiusM
	if radius == 0 {
		radius = s.defaultRadius
	}

	rideID := q.RideID
	if rideID == "" {
		rideID = s.relevantRide()
	} else if _, err := s.store.Snapshot(rideID); err != nil {
		return nil, err
	}

	res := &NearbyResult{RideID: rideID, RadiusM: radius, Hits: []spatial.Hit{}}
	if rideID == "" {
		return res, nil
	}
	res.Hits = s.store.Index().Nearby(rideID, q.Lat, q.Lon, radius, q.Class)
	return res, nil
}

// relevantRide 进行中的 ride 优先，其次是最近开始的 ride
func (s *Service) relevantRide() string {
	if r, ok := s.store.ActiveRide(); ok {
		return r.ID
	}
	if rides := s.store.ListRides(1, 0); len(rides) > 0 {
		return rides[0].ID
	}
	return ""
}

// RouteGeoJSON 轨迹导出为单个 LineString 要素，坐标为 [lon, lat]
func (s *Service) RouteGeoJSON(rideID string) (*models.FeatureCollection, error) {
	snap, err := s.store.Snapshot(rideID)
	if err != nil {
		return nil, err
	}
	r := s.routes.ForRide(rideID, snap.Positions, snap.Detections)

	coords := make([][2]float64, 0, len(r.Points))
	for _, p := range r.Points {
		coords = append(coords, geo.ToGeoPoint(p.Latitude, p.Longitude).Coordinates())
	}

	fc := models.NewFeatureCollection()
	fc.Metadata = map[string]interface{}{
		"generated":   s.clock().UTC().Format(time.RFC3339),
		"ride_id":     rideID,
		"point_count": len(r.Points),
		"source":      r.Source,
	}
	props := map[string]interface{}{
		"ride_id":       rideID,
		"distance_km":   r.DistanceKm(),
		"elapsed_sec":   r.ElapsedSec,
		"avg_speed_kmh": r.AvgSpeedKmh,
		"start_time":    snap.Ride.StartTime,
		"end_time":      snap.Ride.EndTime,
	}
	fc.Features = append(fc.Features, models.Feature{
		Type:       "Feature",
		Geometry:   models.Geometry{Type: "LineString", Coordinates: coords},
		Properties: props,
	})
	return fc, nil
}

// DetectionsGeoJSON 每个分组导出为一个 Point 要素
func (s *Service) DetectionsGeoJSON(rideID string) (*models.FeatureCollection, error) {
	snap, err := s.store.Snapshot(rideID)
	if err != nil {
		return nil, err
	}
	groups := s.aggregator.Group(snap.Detections)

	fc := models.NewFeatureCollection()
	images := make(map[string]struct{})
	for _, g := range groups {
		for _, img := range g.RepresentativeImages {
			images[img] = struct{}{}
		}
		fc.Features = append(fc.Features, models.Feature{
			Type: "Feature",
			Geometry: models.Geometry{
				Type:        "Point",
				Coordinates: geo.ToGeoPoint(g.Latitude, g.Longitude).Coordinates(),
			},
			Properties: map[string]interface{}{
				"id":               g.ID,
				"class":            g.Class,
				"category":         s.catalog.Category(g.Class),
				"confidence_range": [2]float64{g.ConfidenceMin, g.ConfidenceMax},
				"avg_confidence":   g.ConfidenceAvg,
				"member_count":     g.MemberCount(),
				"image_refs":       g.RepresentativeImages,
				"first_seen":       g.FirstSeen,
				"last_seen":        g.LastSeen,
				"severity":         g.Severity,
			},
		})
	}
	fc.Metadata = map[string]interface{}{
		"generated":           s.clock().UTC().Format(time.RFC3339),
		"ride_id":             rideID,
		"total_groups":        len(groups),
		"total_detections":    len(snap.Detections),
		"total_images":        len(images),
		"grouping_distance_m": s.aggregator.RadiusM(),
	}
	return fc, nil
}
