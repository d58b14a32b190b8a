package geo

import "math"

// EarthRadiusM 地球平均半径 (米)
const EarthRadiusM = 6371000.0

// Point 地理坐标点
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Haversine 计算两点之间的大圆距离 (米)
func Haversine(a, b Point) float64 {
	phi1 := radians(a.Lat)
	phi2 := radians(b.Lat)
	dPhi := radians(b.Lat - a.Lat)
	dLambda := radians(b.Lon - a.Lon)

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	// 浮点误差可能让 h 略大于 1
	h = math.Min(1, math.Max(0, h))
	return 2 * EarthRadiusM * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// HaversineKm 计算两点之间的大圆距离 (千米)
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	return Haversine(Point{Lat: lat1, Lon: lon1}, Point{Lat: lat2, Lon: lon2}) / 1000
}

// Bearing 计算从 a 到 b 的初始方位角 (度, 0-360, 正北为 0)
func Bearing(a, b Point) float64 {
	phi1 := radians(a.Lat)
	phi2 := radians(b.Lat)
	dLambda := radians(b.Lon - a.Lon)

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	deg := degrees(math.Atan2(y, x))
	return math.Mod(deg+360, 360)
}

// MetersToLatDegrees 将南北方向距离换算为纬度差
func MetersToLatDegrees(meters float64) float64 {
	return degrees(meters / EarthRadiusM)
}

// MetersToLonDegrees 将给定纬度处的东西方向距离换算为经度差
// 极点附近 cos(lat) 趋近 0，此时返回覆盖全部经度的 360
func MetersToLonDegrees(meters, lat float64) float64 {
	c := math.Cos(radians(lat))
	if c < 1e-9 {
		return 360
	}
	return math.Min(360, degrees(meters/(EarthRadiusM*c)))
}

// ValidLatitude 纬度是否在 [-90, 90]
func ValidLatitude(lat float64) bool {
	return !math.IsNaN(lat) && lat >= -90 && lat <= 90
}

// ValidLongitude 经度是否在 [-180, 180]
func ValidLongitude(lon float64) bool {
	return !math.IsNaN(lon) && lon >= -180 && lon <= 180
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }
