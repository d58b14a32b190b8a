package models

import "time"

// Ride 一次采集会话
type Ride struct {
	ID        string     `json:"id" db:"id"`
	DeviceID  string     `json:"device_id,omitempty" db:"device_id"`
	Notes     string     `json:"notes,omitempty" db:"notes"`
	StartTime time.Time  `json:"start_time" db:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty" db:"end_time"` // nil 表示进行中
}

// Ongoing 会话是否进行中
func (r *Ride) Ongoing() bool {
	return r.EndTime == nil
}

// Duration 会话时长，进行中的会话以 now 计算
func (r *Ride) Duration(now time.Time) time.Duration {
	end := now
	if r.EndTime != nil {
		end = *r.EndTime
	}
	if end.Before(r.StartTime) {
		return 0
	}
	return end.Sub(r.StartTime)
}
