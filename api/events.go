package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/events"
	"github.com/agentdeck/agentdeck/log"
)

var eventsLogger = log.GetLogger("api.events")

// sseMessage pairs an SSE event name with its payload
type sseMessage struct {
	event   string
	payload []byte
}

// parseDirectories splits the comma-separated directories query parameter
func parseDirectories(raw string) []string {
	if raw == "" {
		return nil
	}
	var dirs []string
	for _, d := range strings.Split(raw, ",") {
		d = strings.TrimSpace(d)
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// EventStream handles GET /api/events/stream (SSE)
// Query params: directories (comma-separated), clientId (optional, generated if absent)
func (h *Handlers) EventStream(c *gin.Context) {
	clientID := c.Query("clientId")
	if clientID == "" {
		clientID = uuid.New().String()
	}
	dirs := parseDirectories(c.Query("directories"))

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	// Buffered channel between the aggregator's fan-out and this stream.
	// A full buffer drops the event rather than block the fan-out.
	msgs := make(chan sseMessage, 64)
	deliver := func(event string, payload []byte) {
		select {
		case msgs <- sseMessage{event: event, payload: payload}:
		default:
			eventsLogger.Warn().Str("clientId", clientID).Msg("event stream buffer full, dropping event")
		}
	}

	remove := h.server.Events().AddClient(clientID, deliver, dirs)
	defer remove()

	// Tell the client its ID so it can drive the mutation endpoints
	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"clientId\":%q}\n\n", clientID)
	c.Writer.Flush()

	eventsLogger.Debug().
		Str("clientId", clientID).
		Strs("directories", dirs).
		Msg("client connected to event stream")

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgs:
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", msg.event, msg.payload)
			c.Writer.Flush()

		case <-ticker.C:
			fmt.Fprintf(c.Writer, ": heartbeat\n\n")
			c.Writer.Flush()

		case <-h.server.ShutdownContext().Done():
			eventsLogger.Debug().Str("clientId", clientID).Msg("event stream closing on shutdown")
			return

		case <-c.Request.Context().Done():
			eventsLogger.Debug().Str("clientId", clientID).Msg("client disconnected from event stream")
			return
		}
	}
}

// AddEventDirectories handles POST /api/events/clients/:id/directories
func (h *Handlers) AddEventDirectories(c *gin.Context) {
	clientID := c.Param("id")

	var body struct {
		Directories []string `json:"directories" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}

	if !h.server.Events().AddDirectories(clientID, body.Directories...) {
		RespondNotFound(c, "Client not found")
		return
	}
	RespondNoContent(c)
}

// RemoveEventDirectories handles DELETE /api/events/clients/:id/directories
func (h *Handlers) RemoveEventDirectories(c *gin.Context) {
	clientID := c.Param("id")

	var body struct {
		Directories []string `json:"directories" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}

	if !h.server.Events().RemoveDirectories(clientID, body.Directories...) {
		RespondNotFound(c, "Client not found")
		return
	}
	RespondNoContent(c)
}

// SetEventVisibility handles PUT /api/events/clients/:id/visibility
// A hidden client keeps its subscriptions but stops counting as a viewer.
func (h *Handlers) SetEventVisibility(c *gin.Context) {
	clientID := c.Param("id")

	var body struct {
		Visible         bool   `json:"visible"`
		ActiveSessionID string `json:"activeSessionId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}

	if !h.server.Events().SetClientVisibility(clientID, body.Visible, body.ActiveSessionID) {
		RespondNotFound(c, "Client not found")
		return
	}
	RespondNoContent(c)
}

// eventStatus is the aggregator state summary returned by GetEventStatus
type eventStatus struct {
	Connections       events.ConnectionStatus `json:"connections"`
	Clients           int                     `json:"clients"`
	ActiveDirectories []string                `json:"activeDirectories"`
	ActiveSessions    map[string][]string     `json:"activeSessions"`
}

// GetEventStatus handles GET /api/events/status
func (h *Handlers) GetEventStatus(c *gin.Context) {
	agg := h.server.Events()
	RespondData(c, eventStatus{
		Connections:       agg.ConnectionStatus(),
		Clients:           agg.ClientCount(),
		ActiveDirectories: agg.ActiveDirectories(),
		ActiveSessions:    agg.ActiveSessions(),
	})
}
