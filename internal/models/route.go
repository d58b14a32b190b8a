package models

import "time"

// RoutePoint 轨迹点
type RoutePoint struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// Route 行程轨迹，派生数据
type Route struct {
	RideID      string       `json:"ride_id"`
	Points      []RoutePoint `json:"points"`
	DistanceM   float64      `json:"distance_m"`
	ElapsedSec  float64      `json:"elapsed_sec"`
	AvgSpeedKmh *float64     `json:"avg_speed_kmh"` // 时长为 0 时无定义，输出 null
	Source      string       `json:"source"`        // positions 或 detections
}

// DistanceKm 总距离 (千米)
func (r *Route) DistanceKm() float64 {
	return r.DistanceM / 1000
}

// LastPoint 最后一个轨迹点
func (r *Route) LastPoint() (RoutePoint, bool) {
	if len(r.Points) == 0 {
		return RoutePoint{}, false
	}
	return r.Points[len(r.Points)-1], true
}
