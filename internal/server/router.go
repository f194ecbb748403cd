package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/wfunc/pill-dispenser/internal/config"
	"github.com/wfunc/pill-dispenser/internal/errors"
	"github.com/wfunc/pill-dispenser/internal/logger"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type commandRequest struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params"`
}

type statusRequest struct {
	StatusType string                 `json:"status_type"`
	Timestamp  string                 `json:"timestamp"`
	Data       map[string]interface{} `json:"data"`
}

type heartbeatRequest struct {
	Timestamp        string         `json:"timestamp"`
	IPAddress        string         `json:"ip_address"`
	Locked           *bool          `json:"locked"`
	FingerprintCount *int           `json:"fingerprint_count"`
	Positions        map[string]int `json:"positions"`
}

// Router 参考后端路由
type Router struct {
	engine *gin.Engine
	store  *Store
	hub    *Hub
	log    *zap.Logger
}

// NewRouter 创建路由器
func NewRouter(store *Store, hub *Hub, mode string) *Router {
	if mode != "" {
		gin.SetMode(mode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger())

	r := &Router{
		engine: engine,
		store:  store,
		hub:    hub,
		log:    logger.GetModuleLogger("server"),
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.healthCheck)

	devices := r.engine.Group("/api/devices/:id")
	{
		devices.GET("/commands", r.popCommand)
		devices.POST("/commands", r.issueCommand)
		devices.POST("/status", r.recordStatus)
		devices.POST("/heartbeat", r.recordHeartbeat)
		devices.GET("/state", r.deviceState)
		devices.GET("/events", r.events)
	}

	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}

// Engine 获取Gin引擎（用于测试）
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func (r *Router) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"clients": r.hub.ClientCount(),
	})
}

func (r *Router) popCommand(c *gin.Context) {
	pc := r.store.PopPendingCommand(c.Param("id"))
	if pc == nil {
		c.JSON(http.StatusOK, gin.H{"command": nil})
		return
	}
	r.log.Info("command delivered", zap.String("device_id", c.Param("id")), zap.Stringer("command", pc))
	c.JSON(http.StatusOK, gin.H{"command": pc.Command, "params": pc.Params})
}

func (r *Router) issueCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidJSON(c)
		return
	}
	if req.Command == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid or missing command"})
		return
	}

	deviceID := c.Param("id")
	pc, err := r.store.SetPendingCommand(deviceID, req.Command, req.Params)
	if err != nil {
		respondError(c, err)
		return
	}

	r.hub.Publish(EventCommand, deviceID, pc)
	c.JSON(http.StatusOK, gin.H{"ok": true, "id": pc.ID, "command": pc.Command, "params": pc.Params})
}

func (r *Router) recordStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidJSON(c)
		return
	}
	if req.StatusType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status_type is required"})
		return
	}

	deviceID := c.Param("id")
	st := r.store.SetStatus(deviceID, DeviceStatus{
		StatusType: req.StatusType,
		Timestamp:  req.Timestamp,
		Data:       req.Data,
	})
	r.hub.Publish(EventStatus, deviceID, st)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (r *Router) recordHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidJSON(c)
		return
	}

	deviceID := c.Param("id")
	hb := r.store.SetHeartbeat(deviceID, DeviceHeartbeat{
		Timestamp:        req.Timestamp,
		IPAddress:        req.IPAddress,
		Locked:           req.Locked,
		FingerprintCount: req.FingerprintCount,
		Positions:        req.Positions,
	})
	r.hub.Publish(EventHeartbeat, deviceID, hb)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (r *Router) deviceState(c *gin.Context) {
	c.JSON(http.StatusOK, r.store.Snapshot(c.Param("id")))
}

func (r *Router) events(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	r.hub.Attach(conn, c.Param("id"))
}

func invalidJSON(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
}

func respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		msg := appErr.Details
		if msg == "" {
			msg = appErr.Message
		}
		c.JSON(appErr.HTTPStatus(), gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.LogRequest(c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start), c.ClientIP())
	}
}

// Serve 启动HTTP服务，ctx 取消后优雅关闭
func Serve(ctx context.Context, cfg *config.ServerConfig) error {
	log := logger.GetModuleLogger("server")
	hub := NewHub(log)
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go hub.Run(hubCtx)

	router := NewRouter(NewStore(), hub, cfg.Mode)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router.Engine(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("reference backend listening", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	log.Info("shutting down reference backend")
	return srv.Shutdown(shutdownCtx)
}
