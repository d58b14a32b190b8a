package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/roadscan/internal/live"
	"github.com/langchou/roadscan/internal/metrics"
	"github.com/langchou/roadscan/internal/query"
	"github.com/langchou/roadscan/internal/service"
	"github.com/langchou/roadscan/pkg/ws"
)

// Pinger 数据库健康检查
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler HTTP 处理器
type Handler struct {
	logger   *zap.Logger
	ingest   *service.IngestService
	query    *query.Service
	live     *live.MemoryPublisher
	wsHub    *ws.Hub
	db       Pinger // 可为 nil
	upgrader websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(
	logger *zap.Logger,
	ingest *service.IngestService,
	querySvc *query.Service,
	livePub *live.MemoryPublisher,
	wsHub *ws.Hub,
	db Pinger,
) *Handler {
	return &Handler{
		logger: logger,
		ingest: ingest,
		query:  querySvc,
		live:   livePub,
		wsHub:  wsHub,
		db:     db,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 开发环境允许所有来源
			},
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.Use(metrics.PrometheusMiddleware())

	// API 路由
	api := r.Group("/api")
	{
		// ride
		api.GET("/rides", h.ListRides)
		api.POST("/rides", h.StartRide)
		api.GET("/rides/:id", h.GetRide)
		api.POST("/rides/:id/close", h.CloseRide)
		api.DELETE("/rides/:id", h.DeleteRide)

		// 采集写入
		api.POST("/rides/:id/detections", h.AppendDetection)
		api.POST("/rides/:id/detections/batch", h.AppendDetectionBatch)
		api.POST("/rides/:id/positions", h.AppendPosition)

		// 导出
		api.GET("/rides/:id/geojson/route", h.RouteGeoJSON)
		api.GET("/rides/:id/geojson/detections", h.DetectionsGeoJSON)

		// 查询
		api.GET("/nearby", h.Nearby)
		api.GET("/stats", h.Stats)
		api.GET("/devices", h.Devices)
		api.GET("/live", h.Live)
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 健康检查
	r.GET("/health", h.HealthCheck)
	r.GET("/metrics", metrics.Handler())
}

// HandleWebSocket WebSocket 处理
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	if !client.Register() {
		conn.Close()
		return
	}

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	body := gin.H{
		"status":     "ok",
		"ws_clients": h.wsHub.ClientCount(),
		"database":   "disabled",
	}
	if h.db != nil {
		if err := h.db.Ping(c.Request.Context()); err != nil {
			h.logger.Warn("Health check: database unreachable", zap.Error(err))
			body["status"] = "degraded"
			body["database"] = "unreachable"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["database"] = "ok"
	}
	c.JSON(http.StatusOK, body)
}
