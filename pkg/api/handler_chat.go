package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cowork-ai/cowork/pkg/events"
	"github.com/cowork-ai/cowork/pkg/llm"
	"github.com/cowork-ai/cowork/pkg/queue"
	"github.com/cowork-ai/cowork/pkg/toolkit"
	"github.com/cowork-ai/cowork/pkg/workforce"
)

// eventBuffer is the size of the per-request SSE channel. A consumer that
// falls this far behind starts losing events.
const eventBuffer = 256

// AgentSpec is the wire form of a custom agent profile.
type AgentSpec struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	SystemPrompt string   `json:"system_prompt"`
	Tools        []string `json:"tools"`
	AgentID      string   `json:"agent_id"`
}

func toAgents(specs []AgentSpec) []workforce.Agent {
	if len(specs) == 0 {
		return nil
	}
	out := make([]workforce.Agent, 0, len(specs))
	for _, a := range specs {
		out = append(out, workforce.Agent{
			Name:         a.Name,
			Description:  a.Description,
			SystemPrompt: a.SystemPrompt,
			Tools:        a.Tools,
			AgentID:      a.AgentID,
		})
	}
	return out
}

// ChatRequest is the body for POST /chat.
type ChatRequest struct {
	ProjectID     string              `json:"project_id"`
	TaskID        string              `json:"task_id"`
	Question      string              `json:"question"`
	SearchEnabled bool                `json:"search_enabled"`
	Attachments   []string            `json:"attachments"`
	Provider      *llm.ProviderConfig `json:"provider_override"`
	CustomAgents  []AgentSpec         `json:"custom_agents"`
}

// ImproveRequest is the body for POST /chat/:project_id/improve. Same as
// ChatRequest without the project id, which comes from the path.
type ImproveRequest struct {
	TaskID        string              `json:"task_id"`
	Question      string              `json:"question"`
	SearchEnabled bool                `json:"search_enabled"`
	Attachments   []string            `json:"attachments"`
	Provider      *llm.ProviderConfig `json:"provider_override"`
	CustomAgents  []AgentSpec         `json:"custom_agents"`
}

// PermissionRequest answers a pending ask_user prompt.
type PermissionRequest struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	Remember  bool   `json:"remember"`
}

// chatHandler enqueues a turn and streams its step events as SSE until the
// end event. The connection stays open for the whole turn.
func (s *Server) chatHandler(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ProjectID == "" || req.TaskID == "" || req.Question == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project_id, task_id, and question are required"})
		return
	}

	ch := make(chan events.StepEvent, eventBuffer)
	improve := &queue.Improve{
		ProjectID:     req.ProjectID,
		TaskID:        req.TaskID,
		Question:      req.Question,
		SearchEnabled: req.SearchEnabled,
		Attachments:   req.Attachments,
		AuthToken:     authToken(c),
		Provider:      req.Provider,
		CustomAgents:  toAgents(req.CustomAgents),
		Events:        ch,
	}
	if err := s.manager.GetOrCreate(req.ProjectID).Put(queue.Action{Improve: improve}); err != nil {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		return
	}

	writeSSE(c, ch)
}

// writeSSE drains the event channel into the response, flushing after
// every record. The queue closes the channel after the end event.
func writeSSE(c *gin.Context, ch <-chan events.StepEvent) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := events.EncodeSSE(ev)
			if err != nil {
				slog.Warn("Failed to encode step event", "step", ev.Step, "error", err)
				continue
			}
			if _, err := c.Writer.Write(payload); err != nil {
				return
			}
			c.Writer.Flush()
		case <-clientGone:
			// The turn keeps running; events still reach the hub and Core.
			return
		}
	}
}

// improveHandler enqueues a turn without streaming it.
func (s *Server) improveHandler(c *gin.Context) {
	projectID := c.Param("project_id")
	var req ImproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TaskID == "" || req.Question == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id and question are required"})
		return
	}

	improve := &queue.Improve{
		ProjectID:     projectID,
		TaskID:        req.TaskID,
		Question:      req.Question,
		SearchEnabled: req.SearchEnabled,
		Attachments:   req.Attachments,
		AuthToken:     authToken(c),
		Provider:      req.Provider,
		CustomAgents:  toAgents(req.CustomAgents),
	}
	if err := s.manager.GetOrCreate(projectID).Put(queue.Action{Improve: improve}); err != nil {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}

// stopHandler enqueues a stop for the project's current turn.
func (s *Server) stopHandler(c *gin.Context) {
	projectID := c.Param("project_id")
	stop := &queue.Stop{ProjectID: projectID, Reason: "user_stop"}
	if err := s.manager.GetOrCreate(projectID).Put(queue.Action{Stop: stop}); err != nil {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopping"})
}

// permissionHandler resolves a pending toolkit approval.
func (s *Server) permissionHandler(c *gin.Context) {
	projectID := c.Param("project_id")
	var req PermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.RequestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request_id is required"})
		return
	}

	lock := s.manager.Get(projectID)
	if lock == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active turn for project"})
		return
	}
	if !lock.ResolveApproval(req.RequestID, toolkit.Decision{Approved: req.Approved, Remember: req.Remember}) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown or expired permission request"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}
