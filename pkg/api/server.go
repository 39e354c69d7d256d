// Package api binds the HTTP surface: chat turns over SSE, file upload
// and download, permission resolution, the WebSocket event mirror, and
// the ops endpoints for the dependency installer.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cowork-ai/cowork/pkg/coreapi"
	"github.com/cowork-ai/cowork/pkg/deps"
	"github.com/cowork-ai/cowork/pkg/events"
	"github.com/cowork-ai/cowork/pkg/queue"
	"github.com/cowork-ai/cowork/pkg/workdir"
)

// Authenticator validates an access token. Implemented by the Core client.
type Authenticator interface {
	Me(ctx context.Context, token string) (*coreapi.User, error)
}

// Server wires the queue manager, event hub, and filesystem into gin
// handlers. Construct with NewServer and mount via Router.
type Server struct {
	manager   *queue.Manager
	auth      Authenticator
	workdir   *workdir.Manager
	hub       *events.Hub
	installer *deps.Installer
}

// NewServer creates the handler set. hub and installer may be nil; the
// corresponding routes then degrade (ws returns 503, ops report idle).
func NewServer(manager *queue.Manager, auth Authenticator, wd *workdir.Manager, hub *events.Hub, installer *deps.Installer) *Server {
	if installer == nil {
		installer = deps.NewInstaller(nil)
	}
	return &Server{
		manager:   manager,
		auth:      auth,
		workdir:   wd,
		hub:       hub,
		installer: installer,
	}
}

// Router builds the route tree.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", s.healthHandler)

	chat := r.Group("/chat", s.requireAuth())
	chat.POST("", s.chatHandler)
	chat.POST("/:project_id/improve", s.improveHandler)
	chat.DELETE("/:project_id", s.stopHandler)
	chat.POST("/:project_id/permission", s.permissionHandler)
	chat.GET("/:project_id/ws", s.wsHandler)

	files := r.Group("/files", s.requireAuth())
	files.POST("/upload", s.uploadHandler)
	files.GET("/generated/:project_id/download", s.downloadHandler)
	files.GET("/:project_id/:file_id", s.fileHandler)

	ops := r.Group("/ops/deps")
	ops.GET("/status", s.depsStatusHandler)
	ops.GET("/install", s.depsInstallHandler)
	ops.GET("/logs", s.depsLogsHandler)
	ops.GET("/stream", s.depsStreamHandler)

	return r
}

func (s *Server) healthHandler(c *gin.Context) {
	body := gin.H{
		"status": "healthy",
		"deps":   s.installer.Status().Phase,
	}
	if s.hub != nil {
		body["websocket_connections"] = s.hub.ActiveConnections()
	}
	c.JSON(http.StatusOK, body)
}

// requestLogger logs each request the way the rest of the service logs:
// slog key-value pairs, one line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
