package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/roadscan/internal/models"
	"github.com/langchou/roadscan/internal/service"
)

type startRideRequest struct {
	DeviceID string `json:"device_id"`
	Notes    string `json:"notes"`
}

// StartRide 开始 ride
// POST /api/rides
func (h *Handler) StartRide(c *gin.Context) {
	var req startRideRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	ride, err := h.ingest.StartRide(c.Request.Context(), req.DeviceID, req.Notes)
	if err != nil {
		h.writeError(c, "Failed to start ride", err)
		return
	}

	h.logger.Info("Ride started via API", zap.String("ride_id", ride.ID), zap.String("device_id", ride.DeviceID))
	c.JSON(http.StatusCreated, gin.H{"data": ride})
}

// CloseRide 结束 ride，重复结束返回当前状态
// POST /api/rides/:id/close
func (h *Handler) CloseRide(c *gin.Context) {
	ride, err := h.ingest.StopRide(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to close ride", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ride})
}

// ListRides 获取 ride 列表
func (h *Handler) ListRides(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	offset := (page - 1) * perPage
	rides, total := h.query.ListRides(perPage, offset)

	c.JSON(http.StatusOK, gin.H{
		"data": rides,
		"pagination": gin.H{
			"page":     page,
			"per_page": perPage,
			"total":    total,
		},
	})
}

// DeleteRide 删除已结束的 ride 及其检测和位置
// DELETE /api/rides/:id
func (h *Handler) DeleteRide(c *gin.Context) {
	if err := h.ingest.DeleteRide(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, "Failed to delete ride", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetRide 获取 ride 详情（轨迹和分组）
func (h *Handler) GetRide(c *gin.Context) {
	detail, err := h.query.RideDetail(c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to get ride", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": detail})
}

// detectionRequest 缺少坐标视为没有定位；has_fix 缺省时按是否带坐标判断
type detectionRequest struct {
	Timestamp  time.Time    `json:"timestamp"`
	Class      string       `json:"class"`
	Confidence float64      `json:"confidence"`
	BBox       *models.BBox `json:"bbox"`
	ImageRef   string       `json:"image_ref"`
	HasFix     *bool        `json:"has_fix"`
	Latitude   *float64     `json:"latitude"`
	Longitude  *float64     `json:"longitude"`
	Altitude   *float64     `json:"altitude"`
	Speed      *float64     `json:"speed"`
}

func (r *detectionRequest) capture() service.Capture {
	return service.Capture{
		Timestamp:  r.Timestamp,
		Class:      r.Class,
		Confidence: r.Confidence,
		BBox:       r.BBox,
		ImageRef:   r.ImageRef,
		HasFix:     reportsFix(r.HasFix, r.Latitude, r.Longitude),
		Latitude:   r.Latitude,
		Longitude:  r.Longitude,
		Altitude:   r.Altitude,
		Speed:      r.Speed,
	}
}

// reportsFix 显式的定位标志优先，否则带任一坐标即视为有定位 (缺另一个坐标会被拒绝)
func reportsFix(flag *bool, lat, lon *float64) bool {
	if flag != nil {
		return *flag
	}
	return lat != nil || lon != nil
}

// AppendDetection 写入检测
// POST /api/rides/:id/detections
// 写入返回 201，丢弃或暂存返回 202
func (h *Handler) AppendDetection(c *gin.Context) {
	var req detectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	res, err := h.ingest.HandleCapture(c.Request.Context(), c.Param("id"), req.capture())
	if err != nil {
		h.writeError(c, "Failed to append detection", err)
		return
	}

	status := http.StatusCreated
	if res.Status != service.ResultAccepted {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"data": res})
}

type batchRequest struct {
	Detections []detectionRequest `json:"detections"`
}

// AppendDetectionBatch 批量写入检测，逐条返回结果
// POST /api/rides/:id/detections/batch
func (h *Handler) AppendDetectionBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	captures := make([]service.Capture, 0, len(req.Detections))
	for i := range req.Detections {
		captures = append(captures, req.Detections[i].capture())
	}
	res, err := h.ingest.HandleBatch(c.Request.Context(), c.Param("id"), captures)
	if err != nil {
		h.writeError(c, "Failed to append detections", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

// positionRequest 缺少坐标的采样视为没有定位
type positionRequest struct {
	Timestamp time.Time `json:"timestamp"`
	Latitude  *float64  `json:"latitude"`
	Longitude *float64  `json:"longitude"`
	Altitude  *float64  `json:"altitude"`
	Speed     *float64  `json:"speed"`
	Fix       *bool     `json:"fix"`
}

// AppendPosition 写入位置采样
// POST /api/rides/:id/positions
func (h *Handler) AppendPosition(c *gin.Context) {
	var req positionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	p := models.PositionSample{
		Timestamp: req.Timestamp,
		Altitude:  req.Altitude,
		Speed:     req.Speed,
		Fix:       reportsFix(req.Fix, req.Latitude, req.Longitude),
	}
	if p.Fix {
		if req.Latitude == nil || req.Longitude == nil {
			h.writeError(c, "Failed to append position",
				&models.ValidationError{Field: "latitude/longitude", Reason: "required when fix is true"})
			return
		}
		p.Latitude, p.Longitude = *req.Latitude, *req.Longitude
	}
	flushed, err := h.ingest.HandlePosition(c.Request.Context(), c.Param("id"), p)
	if err != nil {
		h.writeError(c, "Failed to append position", err)
		return
	}

	status := http.StatusCreated
	if !p.Fix {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"data": gin.H{"stored": p.Fix, "flushed": len(flushed)}})
}
