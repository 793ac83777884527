package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"agentmesh/cmd/remote-agent/internal/conf"
	"agentmesh/cmd/remote-agent/internal/service"
	apperrors "agentmesh/pkg/errors"
	"agentmesh/pkg/health"
	"agentmesh/pkg/middleware"
	"agentmesh/pkg/monitoring"
	"agentmesh/pkg/protocol"
)

// HTTPServer HTTP 服务器
type HTTPServer struct {
	engine  *gin.Engine
	service *service.AgentService
	health  *health.HealthChecker
	cfg     *conf.Config
	logger  *zap.Logger
}

// NewHTTPServer 创建 HTTP 服务器
func NewHTTPServer(srv *service.AgentService, cfg *conf.Config, logger *zap.Logger) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)

	s := &HTTPServer{
		engine:  gin.New(),
		service: srv,
		health:  health.NewHealthChecker(),
		cfg:     cfg,
		logger:  logger.With(zap.String("module", "http")),
	}

	s.health.Register("task_store", srv.Ready)

	s.registerMiddlewares()
	s.registerRoutes()

	return s
}

// Engine 返回 gin 引擎
func (s *HTTPServer) Engine() *gin.Engine {
	return s.engine
}

func (s *HTTPServer) registerMiddlewares() {
	s.engine.Use(gin.Recovery())
	s.engine.Use(middleware.RequestID())
	s.engine.Use(middleware.Tracing())
	s.engine.Use(middleware.RequestLogger(s.logger))
	s.engine.Use(monitoring.GinMiddleware(s.cfg.Observability.ServiceName))
}

func (s *HTTPServer) registerRoutes() {
	// 健康检查和名片无需鉴权
	s.engine.GET("/health", s.healthz)
	s.engine.GET("/ready", s.ready)
	s.engine.GET(protocol.PathAgentCard, s.agentCard)

	auth := middleware.IdentityAuth(middleware.IdentityAuthConfig{
		Audiences:        s.cfg.Auth.Audiences,
		AllowedClientIDs: s.cfg.Auth.AllowedClientIDs,
		Disabled:         s.cfg.Auth.Disabled,
	}, s.logger)

	api := s.engine.Group("/v1", auth)
	{
		api.POST("/message:send", s.sendMessage)
		api.GET("/tasks/:task_id", s.getTask)
	}
}

func (s *HTTPServer) sendMessage(c *gin.Context) {
	var req protocol.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, apperrors.InvalidRequest("malformed request body: "+err.Error()))
		return
	}

	resp, err := s.service.SendMessage(c.Request.Context(), &req)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) getTask(c *gin.Context) {
	snapshot, err := s.service.GetTask(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *HTTPServer) agentCard(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Card())
}

func (s *HTTPServer) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *HTTPServer) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	report := s.health.Check(ctx)
	if !report.Ready() {
		s.logger.Warn("readiness check failed", zap.Any("checks", report.Checks))
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}
	c.JSON(http.StatusOK, report)
}
