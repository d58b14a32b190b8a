package geo

// GeoPoint 由经纬度派生的几何点，与 PostgreSQL point 和 GeoJSON 坐标顺序一致: (x=经度, y=纬度)
// 只能通过 ToGeoPoint 构造或从数据库 point 读回，不单独编辑
type GeoPoint struct {
	X float64
	Y float64
}

// ToGeoPoint 由纬度/经度派生几何点
func ToGeoPoint(lat, lon float64) GeoPoint {
	return GeoPoint{X: lon, Y: lat}
}

// LatLon 还原纬度/经度
func (g GeoPoint) LatLon() (lat, lon float64) {
	return g.Y, g.X
}

// Coordinates GeoJSON 坐标 [lon, lat]
func (g GeoPoint) Coordinates() [2]float64 {
	return [2]float64{g.X, g.Y}
}
