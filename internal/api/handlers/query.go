package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/langchou/roadscan/internal/models"
	"github.com/langchou/roadscan/internal/query"
)

// Nearby 邻近查询
// GET /api/nearby?lat=&lon=&radius=&class=&ride_id=
func (h *Handler) Nearby(c *gin.Context) {
	lat, err := strconv.ParseFloat(c.Query("lat"), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid lat"})
		return
	}
	lon, err := strconv.ParseFloat(c.Query("lon"), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid lon"})
		return
	}
	var radius float64
	if v := c.Query("radius"); v != "" {
		if radius, err = strconv.ParseFloat(v, 64); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid radius"})
			return
		}
	}

	res, err := h.query.Nearby(query.NearbyQuery{
		RideID:  c.Query("ride_id"),
		Lat:     lat,
		Lon:     lon,
		RadiusM: radius,
		Class:   c.Query("class"),
	})
	if err != nil {
		h.writeError(c, "Failed to query nearby detections", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

// Stats 全局统计
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.query.Stats()})
}

// Devices 各设备当前是否在录制
func (h *Handler) Devices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.query.Devices()})
}

// Live 最近发布的实时状态，从未发布时返回空闲状态
func (h *Handler) Live(c *gin.Context) {
	status := h.live.Latest()
	if status == nil {
		status = &models.LiveStatus{
			RoutePoints:   [][2]float64{},
			RecentDamages: []models.DetectionGroup{},
		}
	}
	c.JSON(http.StatusOK, status)
}

// RouteGeoJSON 轨迹导出
func (h *Handler) RouteGeoJSON(c *gin.Context) {
	fc, err := h.query.RouteGeoJSON(c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to export route", err)
		return
	}
	c.Header("Content-Type", "application/geo+json")
	c.JSON(http.StatusOK, fc)
}

// DetectionsGeoJSON 分组导出
func (h *Handler) DetectionsGeoJSON(c *gin.Context) {
	fc, err := h.query.DetectionsGeoJSON(c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to export detections", err)
		return
	}
	c.Header("Content-Type", "application/geo+json")
	c.JSON(http.StatusOK, fc)
}
