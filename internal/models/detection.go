package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/langchou/roadscan/internal/geo"
)

// BBox 检测框像素坐标 [x1, y1, x2, y2]
type BBox [4]float64

// Value 实现 driver.Valuer 接口，以 JSONB 存储
func (b BBox) Value() (driver.Value, error) {
	return json.Marshal(b)
}

// Scan 实现 sql.Scanner 接口
func (b *BBox) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, b)
	case string:
		return json.Unmarshal([]byte(v), b)
	}
	return fmt.Errorf("scan bbox: unsupported type %T", value)
}

// Detection 一条已分类、带地理坐标的检测记录，写入后不可修改
type Detection struct {
	ID         string    `json:"id" db:"id"`
	RideID     string    `json:"ride_id" db:"ride_id"`
	Seq        int64     `json:"seq" db:"seq"` // 写入顺序
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
	Latitude   float64   `json:"latitude" db:"latitude"`
	Longitude  float64   `json:"longitude" db:"longitude"`
	Altitude   *float64  `json:"altitude,omitempty" db:"altitude"` // 米
	Speed      *float64  `json:"speed,omitempty" db:"speed"`       // km/h
	Class      string    `json:"class" db:"class"`
	Confidence float64   `json:"confidence" db:"confidence"`
	BBox       *BBox     `json:"bbox,omitempty" db:"bbox"`
	ImageRef   string    `json:"image_ref,omitempty" db:"image_ref"`
}

// Point 经纬度点
func (d *Detection) Point() geo.Point {
	return geo.Point{Lat: d.Latitude, Lon: d.Longitude}
}

// Validate 校验坐标和置信度范围
func (d *Detection) Validate() error {
	if !geo.ValidLatitude(d.Latitude) {
		return &ValidationError{Field: "latitude", Reason: fmt.Sprintf("%v out of [-90, 90]", d.Latitude)}
	}
	if !geo.ValidLongitude(d.Longitude) {
		return &ValidationError{Field: "longitude", Reason: fmt.Sprintf("%v out of [-180, 180]", d.Longitude)}
	}
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return &ValidationError{Field: "confidence", Reason: fmt.Sprintf("%v out of [0, 1]", d.Confidence)}
	}
	if d.Class == "" {
		return &ValidationError{Field: "class", Reason: "empty"}
	}
	if d.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "missing"}
	}
	return nil
}

// PositionSample 位置流中的一个采样点，可以与检测无关
type PositionSample struct {
	ID        int64     `json:"id" db:"id"`
	RideID    string    `json:"ride_id" db:"ride_id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Latitude  float64   `json:"latitude" db:"latitude"`
	Longitude float64   `json:"longitude" db:"longitude"`
	Altitude  *float64  `json:"altitude,omitempty" db:"altitude"`
	Speed     *float64  `json:"speed,omitempty" db:"speed"`
	Fix       bool      `json:"fix" db:"fix"`
}

// Point 经纬度点
func (p *PositionSample) Point() geo.Point {
	return geo.Point{Lat: p.Latitude, Lon: p.Longitude}
}

// Validate 校验位置采样，无定位的采样不能作为轨迹点
func (p *PositionSample) Validate() error {
	if !p.Fix {
		return &ValidationError{Field: "fix", Reason: "no usable gps fix"}
	}
	if !geo.ValidLatitude(p.Latitude) {
		return &ValidationError{Field: "latitude", Reason: fmt.Sprintf("%v out of [-90, 90]", p.Latitude)}
	}
	if !geo.ValidLongitude(p.Longitude) {
		return &ValidationError{Field: "longitude", Reason: fmt.Sprintf("%v out of [-180, 180]", p.Longitude)}
	}
	if p.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "missing"}
	}
	return nil
}
