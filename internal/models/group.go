package models

import "time"

// 严重程度 (由置信度和图片数量推导)
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// DetectionGroup 同类、相邻检测去重后的一个标记点，派生数据，不作为事实存储
type DetectionGroup struct {
	ID                   string    `json:"id"`
	Class                string    `json:"class"`
	Latitude             float64   `json:"latitude"` // 成员坐标均值
	Longitude            float64   `json:"longitude"`
	MemberIDs            []string  `json:"member_ids"` // 按时间排序
	RepresentativeImages []string  `json:"representative_images"`
	FirstSeen            time.Time `json:"first_seen"`
	LastSeen             time.Time `json:"last_seen"`
	ConfidenceMin        float64   `json:"confidence_min"`
	ConfidenceMax        float64   `json:"confidence_max"`
	ConfidenceAvg        float64   `json:"confidence_avg"`
	Severity             string    `json:"severity"`
}

// MemberCount 成员数量
func (g *DetectionGroup) MemberCount() int {
	return len(g.MemberIDs)
}
