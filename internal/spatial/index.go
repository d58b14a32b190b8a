package spatial

import (
	"maps"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/langchou/roadscan/internal/geo"
	"github.com/langchou/roadscan/internal/models"
)

// DefaultRadiusM 未指定半径时的查询半径 (米)
const DefaultRadiusM = 100.0

// DefaultCellDeg 网格单元边长 (度)，约 110 m 纬度方向
const DefaultCellDeg = 0.001

// Hit 邻近查询结果
type Hit struct {
	Detection *models.Detection `json:"detection"`
	DistanceM float64           `json:"distance_m"`
}

type cellKey struct {
	lat int64
	lon int64
}

// grid 单个 ride 的不可变快照，写入时复制外层 map，读者持有的快照永远不会被修改
type grid struct {
	cells map[cellKey][]*models.Detection
	count int
}

// Index 按 ride 维护的网格空间索引
// 每个 ride 只有一个写者；读者通过原子指针读取快照，不加锁
type Index struct {
	cellDeg float64

	mu    sync.RWMutex // 只保护 rides map 本身
	rides map[string]*atomic.Pointer[grid]
}

// NewIndex 创建空间索引
func NewIndex(cellDeg float64) *Index {
	if cellDeg <= 0 {
		cellDeg = DefaultCellDeg
	}
	return &Index{
		cellDeg: cellDeg,
		rides:   make(map[string]*atomic.Pointer[grid]),
	}
}

func (idx *Index) key(lat, lon float64) cellKey {
	return cellKey{
		lat: int64(math.Floor(lat / idx.cellDeg)),
		lon: int64(math.Floor(lon / idx.cellDeg)),
	}
}

func (idx *Index) ride(rideID string, create bool) *atomic.Pointer[grid] {
	idx.mu.RLock()
	p, ok := idx.rides[rideID]
	idx.mu.RUnlock()
	if ok || !create {
		return p
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if p, ok = idx.rides[rideID]; ok {
		return p
	}
	p = &atomic.Pointer[grid]{}
	p.Store(&grid{cells: map[cellKey][]*models.Detection{}})
	idx.rides[rideID] = p
	return p
}

// Insert 加入一个检测点
// 只能由该 ride 的唯一写者调用，不阻塞读者
func (idx *Index) Insert(rideID string, d *models.Detection) {
	p := idx.ride(rideID, true)
	old := p.Load()

	k := idx.key(d.Latitude, d.Longitude)
	cells := maps.Clone(old.cells)
	// append 只写入旧快照长度之外的位置，旧快照读者不受影响
	cells[k] = append(cells[k], d)

	p.Store(&grid{cells: cells, count: old.count + 1})
}

// Drop 删除 ride 的索引 (级联删除 ride 时使用)
func (idx *Index) Drop(rideID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.rides, rideID)
}

// Len 返回 ride 已索引的点数
func (idx *Index) Len(rideID string) int {
	p := idx.ride(rideID, false)
	if p == nil {
		return 0
	}
	return p.Load().count
}

// Nearby 返回半径内的检测点，按距离升序；radiusM <= 0 时使用默认半径
// class 为空表示不过滤类别；无结果时返回空切片而不是错误
func (idx *Index) Nearby(rideID string, lat, lon, radiusM float64, class string) []Hit {
	hits := []Hit{}
	if radiusM <= 0 {
		radiusM = DefaultRadiusM
	}
	p := idx.ride(rideID, false)
	if p == nil {
		return hits
	}
	g := p.Load()
	if g.count == 0 {
		return hits
	}

	center := geo.Point{Lat: lat, Lon: lon}
	dLat := geo.MetersToLatDegrees(radiusM)
	dLon := geo.MetersToLonDegrees(radiusM, math.Max(math.Abs(lat-dLat), math.Abs(lat+dLat)))

	minK := idx.key(lat-dLat, lon-dLon)
	maxK := idx.key(lat+dLat, lon+dLon)

	// 覆盖范围过大或跨越 180 度经线时直接扫描全部单元
	span := (maxK.lat - minK.lat + 1) * (maxK.lon - minK.lon + 1)
	if span > int64(len(g.cells)) || lon-dLon < -180 || lon+dLon > 180 {
		for _, cell := range g.cells {
			hits = collect(hits, cell, center, radiusM, class)
		}
	} else {
		for la := minK.lat; la <= maxK.lat; la++ {
			for lo := minK.lon; lo <= maxK.lon; lo++ {
				hits = collect(hits, g.cells[cellKey{lat: la, lon: lo}], center, radiusM, class)
			}
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].DistanceM != hits[j].DistanceM {
			return hits[i].DistanceM < hits[j].DistanceM
		}
		return hits[i].Detection.Seq < hits[j].Detection.Seq
	})
	return hits
}

func collect(hits []Hit, cell []*models.Detection, center geo.Point, radiusM float64, class string) []Hit {
	for _, d := range cell {
		if class != "" && d.Class != class {
			continue
		}
		dist := geo.Haversine(center, d.Point())
		if dist <= radiusM {
			hits = append(hits, Hit{Detection: d, DistanceM: dist})
		}
	}
	return hits
}
