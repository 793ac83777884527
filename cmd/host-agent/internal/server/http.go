package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"agentmesh/cmd/host-agent/internal/conf"
	"agentmesh/cmd/host-agent/internal/service"
	apperrors "agentmesh/pkg/errors"
	"agentmesh/pkg/health"
	"agentmesh/pkg/middleware"
	"agentmesh/pkg/monitoring"
)

// HTTPServer HTTP 服务器
type HTTPServer struct {
	engine  *gin.Engine
	service *service.HostService
	health  *health.HealthChecker
	cfg     *conf.Config
	logger  *zap.Logger
}

// NewHTTPServer 创建 HTTP 服务器
func NewHTTPServer(srv *service.HostService, cfg *conf.Config, logger *zap.Logger) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)

	s := &HTTPServer{
		engine:  gin.New(),
		service: srv,
		health:  health.NewHealthChecker(),
		cfg:     cfg,
		logger:  logger.With(zap.String("module", "http")),
	}

	srv.RegisterChecks(s.health)

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

	corsConfig := cors.DefaultConfig()
	origins := s.cfg.Server.CORSOrigins
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", middleware.RequestIDHeader}
	corsConfig.ExposeHeaders = []string{middleware.RequestIDHeader}
	corsConfig.MaxAge = 12 * time.Hour
	s.engine.Use(cors.New(corsConfig))
}

func (s *HTTPServer) registerRoutes() {
	s.engine.GET("/health", s.healthz)
	s.engine.GET("/ready", s.ready)

	api := s.engine.Group("/api/v1")
	{
		api.GET("/agents", s.listAgents)

		conversations := api.Group("/conversations")
		conversations.POST("", s.createConversation)
		conversations.GET("/:id", s.getConversation)
		conversations.DELETE("/:id", s.resetConversation)
		conversations.POST("/:id/turns", s.sendTurn)
	}
}

func (s *HTTPServer) createConversation(c *gin.Context) {
	c.JSON(http.StatusCreated, gin.H{"conversation_id": s.service.NewConversation()})
}

func (s *HTTPServer) sendTurn(c *gin.Context) {
	var req service.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, apperrors.InvalidRequest("malformed request body: "+err.Error()))
		return
	}

	resp, err := s.service.Turn(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) getConversation(c *gin.Context) {
	view, err := s.service.Conversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *HTTPServer) resetConversation(c *gin.Context) {
	if err := s.service.ResetConversation(c.Request.Context(), c.Param("id")); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *HTTPServer) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.service.Agents(c.Request.Context())})
}

func (s *HTTPServer) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ready 远程不可达只会降级，宿主仍可服务其余远程
func (s *HTTPServer) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	report := s.health.Check(ctx)
	if !report.Ready() {
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}
	if report.Status == health.StatusDegraded {
		s.logger.Warn("remote agents unreachable", zap.Any("checks", report.Checks))
	}
	c.JSON(http.StatusOK, report)
}
