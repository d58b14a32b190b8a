package models

import "time"

// LiveStats 实时统计
type LiveStats struct {
	ImageCount     int      `json:"image_count"`
	DetectionCount int      `json:"detection_count"`
	DistanceKm     float64  `json:"distance_km"`
	AvgSpeedKmh    *float64 `json:"avg_speed_kmh"`
	DurationSec    float64  `json:"duration_sec"`
}

// LiveStatus 进行中会话的对外快照，整体替换发布，不会被部分读取
type LiveStatus struct {
	IsRunning       bool             `json:"is_running"`
	RideID          string           `json:"ride_id"`
	DeviceID        string           `json:"device_id,omitempty"`
	Stats           LiveStats        `json:"stats"`
	CurrentPosition []float64        `json:"current_position"` // [lat, lon]，未知时为 null
	Heading         *float64         `json:"heading"`          // 最后一段轨迹的方位角 (度)，少于两个点时为 null
	RoutePoints     [][2]float64     `json:"route_points"`
	RecentDamages   []DetectionGroup `json:"recent_damages"`
	GeneratedAt     time.Time        `json:"generated_at"`
}
