package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) depsStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.installer.Status())
}

func (s *Server) depsInstallHandler(c *gin.Context) {
	// The install outlives the request; the subprocesses must not die when
	// the handler returns and the request context is cancelled.
	if err := s.installer.Start(context.WithoutCancel(c.Request.Context())); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (s *Server) depsLogsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": s.installer.Status().Phase,
		"logs":   s.installer.Logs(),
	})
}

// depsStreamHandler replays the install log and follows it live as SSE.
// The stream closes when the install finishes.
func (s *Server) depsStreamHandler(c *gin.Context) {
	ch, cancel := s.installer.Subscribe()
	defer cancel()

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", line); err != nil {
				return
			}
			c.Writer.Flush()
		case <-clientGone:
			return
		}
	}
}
