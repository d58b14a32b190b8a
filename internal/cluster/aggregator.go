package cluster

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/langchou/roadscan/internal/geo"
	"github.com/langchou/roadscan/internal/models"
)

// Config 聚类参数
// RadiusM 没有通用的默认值，必须显式配置
type Config struct {
	RadiusM float64       // 分组半径 (米)
	Window  time.Duration // 分组时间窗口，0 表示不限制
	// Filter 决定哪些检测参与分组，nil 表示全部
	Filter func(d *models.Detection) bool
}

// Aggregator 把同一物理损坏在连续帧中的多次检测合并为一个标记
// 每次调用都完全重新计算，不保留跨调用状态
type Aggregator struct {
	cfg Config
}

// New 创建聚类器
func New(cfg Config) (*Aggregator, error) {
	if math.IsNaN(cfg.RadiusM) || cfg.RadiusM <= 0 {
		return nil, errors.New("cluster: grouping radius must be > 0")
	}
	if cfg.Window < 0 {
		return nil, errors.New("cluster: window must be >= 0")
	}
	return &Aggregator{cfg: cfg}, nil
}

// RadiusM 分组半径
func (a *Aggregator) RadiusM() float64 {
	return a.cfg.RadiusM
}

type builder struct {
	class   string
	sumLat  float64
	sumLon  float64
	members []*models.Detection
}

func (b *builder) centroid() geo.Point {
	n := float64(len(b.members))
	return geo.Point{Lat: b.sumLat / n, Lon: b.sumLon / n}
}

func (b *builder) add(d *models.Detection) {
	b.members = append(b.members, d)
	b.sumLat += d.Latitude
	b.sumLon += d.Longitude
}

func (b *builder) lastSeen() time.Time {
	return b.members[len(b.members)-1].Timestamp
}

// Group 对检测做贪心流式聚类
//  1. 按类别分区
//  2. 区内按 (时间, 纬度, 经度, 写入顺序) 排序
//  3. 依次与同类的开放分组质心比较，距离最近且 <= R 时加入并更新质心 (成员坐标均值)，否则新建分组
//
// 相同时间戳的检测按坐标排序，写入顺序只区分坐标完全相同的检测，因此结果与相同时间戳输入的排列无关
func (a *Aggregator) Group(dets []*models.Detection) []models.DetectionGroup {
	byClass := make(map[string][]*models.Detection)
	for _, d := range dets {
		if a.cfg.Filter != nil && !a.cfg.Filter(d) {
			continue
		}
		byClass[d.Class] = append(byClass[d.Class], d)
	}

	classes := make([]string, 0, len(byClass))
	for class := range byClass {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	var out []models.DetectionGroup
	for _, class := range classes {
		part := byClass[class]
		sort.SliceStable(part, func(i, j int) bool { return less(part[i], part[j]) })

		var groups []*builder
		for _, d := range part {
			best := -1
			bestDist := math.Inf(1)
			for i, g := range groups {
				if a.cfg.Window > 0 && d.Timestamp.Sub(g.lastSeen()) > a.cfg.Window {
					continue
				}
				dist := geo.Haversine(d.Point(), g.centroid())
				// 严格小于保证距离相同时选择更早创建的分组
				if dist <= a.cfg.RadiusM && dist < bestDist {
					best, bestDist = i, dist
				}
			}
			if best >= 0 {
				groups[best].add(d)
				continue
			}
			g := &builder{class: class}
			g.add(d)
			groups = append(groups, g)
		}

		for i, g := range groups {
			out = append(out, finish(fmt.Sprintf("%s-%d", class, i+1), g))
		}
	}

	// 输出按首次出现时间排序，便于展示
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func less(a, b *models.Detection) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.Latitude != b.Latitude {
		return a.Latitude < b.Latitude
	}
	if a.Longitude != b.Longitude {
		return a.Longitude < b.Longitude
	}
	return a.Seq < b.Seq
}

func finish(id string, b *builder) models.DetectionGroup {
	c := b.centroid()
	g := models.DetectionGroup{
		ID:                   id,
		Class:                b.class,
		Latitude:             c.Lat,
		Longitude:            c.Lon,
		MemberIDs:            make([]string, 0, len(b.members)),
		RepresentativeImages: []string{},
		FirstSeen:            b.members[0].Timestamp,
		LastSeen:             b.lastSeen(),
		ConfidenceMin:        math.Inf(1),
		ConfidenceMax:        math.Inf(-1),
	}

	var sum float64
	for _, m := range b.members {
		g.MemberIDs = append(g.MemberIDs, m.ID)
		if m.ImageRef != "" {
			g.RepresentativeImages = append(g.RepresentativeImages, m.ImageRef)
		}
		sum += m.Confidence
		g.ConfidenceMin = math.Min(g.ConfidenceMin, m.Confidence)
		g.ConfidenceMax = math.Max(g.ConfidenceMax, m.Confidence)
	}
	g.ConfidenceAvg = sum / float64(len(b.members))
	g.Severity = Severity(&g)
	return g
}

// Severity 根据类别、最高置信度和图片数量估计严重程度
// 图片越多说明多帧确认，严重程度越可信 (3 张以上封顶)
func Severity(g *models.DetectionGroup) string {
	imageFactor := math.Min(float64(g.MemberCount())/3, 1.0)
	confidence := g.ConfidenceMax

	switch g.Class {
	case "pothole":
		if confidence > 0.8 || imageFactor > 0.7 {
			return models.SeverityHigh
		}
		if confidence > 0.6 {
			return models.SeverityMedium
		}
		return models.SeverityLow
	case "crack", "alligator_crack":
		if confidence > 0.75 && imageFactor > 0.5 {
			return models.SeverityMedium
		}
		return models.SeverityLow
	default:
		return models.SeverityLow
	}
}
