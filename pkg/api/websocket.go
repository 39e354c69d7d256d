package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// wsHandler upgrades to WebSocket and hands the connection to the event
// hub. Channel subscription is client-driven; the project id in the path
// names the channel the client is expected to subscribe to.
func (s *Server) wsHandler(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event hub is not available"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		// Accept already wrote the HTTP error response.
		return
	}
	s.hub.HandleConnection(c.Request.Context(), conn)
}
