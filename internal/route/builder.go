package route

import (
	"math"
	"sort"

	"github.com/langchou/roadscan/internal/geo"
	"github.com/langchou/roadscan/internal/models"
)

// DefaultEpsilonDeg 相邻点坐标差小于该值时视为同一点 (约 1 cm)
const DefaultEpsilonDeg = 1e-7

// 轨迹数据来源
const (
	SourcePositions  = "positions"
	SourceDetections = "detections"
)

// Builder 由带时间戳的点重建行程轨迹
type Builder struct {
	epsilon float64
}

// NewBuilder 创建轨迹构建器
func NewBuilder(epsilon float64) *Builder {
	if epsilon <= 0 {
		epsilon = DefaultEpsilonDeg
	}
	return &Builder{epsilon: epsilon}
}

// ForRide 优先使用独立的位置流，没有位置流时退回检测坐标
func (b *Builder) ForRide(rideID string, positions []*models.PositionSample, dets []*models.Detection) models.Route {
	if len(positions) > 0 {
		points := make([]models.RoutePoint, 0, len(positions))
		for _, p := range positions {
			points = append(points, models.RoutePoint{Latitude: p.Latitude, Longitude: p.Longitude, Timestamp: p.Timestamp})
		}
		r := b.Build(rideID, points)
		r.Source = SourcePositions
		return r
	}

	points := make([]models.RoutePoint, 0, len(dets))
	for _, d := range dets {
		points = append(points, models.RoutePoint{Latitude: d.Latitude, Longitude: d.Longitude, Timestamp: d.Timestamp})
	}
	r := b.Build(rideID, points)
	r.Source = SourceDetections
	return r
}

// Build 按时间排序、合并连续重复点并计算距离和平均速度
// 零个或一个点时返回退化轨迹而不是错误
func (b *Builder) Build(rideID string, points []models.RoutePoint) models.Route {
	sorted := append([]models.RoutePoint(nil), points...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	r := models.Route{RideID: rideID, Points: make([]models.RoutePoint, 0, len(sorted))}
	for _, p := range sorted {
		if n := len(r.Points); n > 0 {
			last := r.Points[n-1]
			if b.same(last, p) {
				continue
			}
			r.DistanceM += geo.Haversine(
				geo.Point{Lat: last.Latitude, Lon: last.Longitude},
				geo.Point{Lat: p.Latitude, Lon: p.Longitude},
			)
		}
		r.Points = append(r.Points, p)
	}

	if len(sorted) > 1 {
		r.ElapsedSec = sorted[len(sorted)-1].Timestamp.Sub(sorted[0].Timestamp).Seconds()
	}
	r.AvgSpeedKmh = AverageSpeedKmh(r.DistanceM, r.ElapsedSec)
	return r
}

func (b *Builder) same(a, c models.RoutePoint) bool {
	return math.Abs(a.Latitude-c.Latitude) < b.epsilon && math.Abs(a.Longitude-c.Longitude) < b.epsilon
}

// AverageSpeedKmh 平均速度，时长不大于 0 时无定义返回 nil
func AverageSpeedKmh(distanceM, elapsedSec float64) *float64 {
	if elapsedSec <= 0 {
		return nil
	}
	v := distanceM / elapsedSec * 3.6
	return &v
}

// Tail 返回最后 n 个点的 [lat, lon]，n <= 0 表示全部
func Tail(r models.Route, n int) [][2]float64 {
	pts := r.Points
	if n > 0 && len(pts) > n {
		pts = pts[len(pts)-n:]
	}
	out := make([][2]float64, 0, len(pts))
	for _, p := range pts {
		out = append(out, [2]float64{p.Latitude, p.Longitude})
	}
	return out
}
