package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/agentdeck/agentdeck/log"
	"github.com/agentdeck/agentdeck/terminal"
)

var termLogger = log.GetLogger("api.terminal")

// ListTerminalSessions handles GET /api/terminal/sessions
func (h *Handlers) ListTerminalSessions(c *gin.Context) {
	sessions := h.server.Terminal().ListSessions()

	result := make([]map[string]interface{}, len(sessions))
	for i, s := range sessions {
		result[i] = s.ToJSON()
	}
	RespondList(c, result)
}

// CreateTerminalSession handles POST /api/terminal/sessions
func (h *Handlers) CreateTerminalSession(c *gin.Context) {
	var body struct {
		WorkingDir string `json:"workingDir"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}

	session, err := h.server.Terminal().CreateSession(body.WorkingDir)
	if err != nil {
		if err == terminal.ErrTooManySessions {
			RespondTooManyRequests(c, "Too many sessions")
			return
		}
		termLogger.Error().Err(err).Msg("failed to create terminal session")
		RespondInternalError(c, "Failed to create session")
		return
	}

	RespondCreated(c, session.ToJSON(), "/api/terminal/sessions/"+session.ID)
}

// DeleteTerminalSession handles DELETE /api/terminal/sessions/:id
func (h *Handlers) DeleteTerminalSession(c *gin.Context) {
	if err := h.server.Terminal().CloseSession(c.Param("id")); err != nil {
		if err == terminal.ErrSessionNotFound {
			RespondNotFound(c, "Session not found")
			return
		}
		RespondInternalError(c, "Failed to close session")
		return
	}
	RespondNoContent(c)
}

// ResizeTerminalSession handles POST /api/terminal/sessions/:id/resize
func (h *Handlers) ResizeTerminalSession(c *gin.Context) {
	var body struct {
		Rows uint16 `json:"rows" binding:"required"`
		Cols uint16 `json:"cols" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}

	if err := h.server.Terminal().Resize(c.Param("id"), body.Rows, body.Cols); err != nil {
		if err == terminal.ErrSessionNotFound {
			RespondNotFound(c, "Session not found")
			return
		}
		RespondInternalError(c, "Failed to resize session")
		return
	}
	RespondNoContent(c)
}

// TerminalWebSocket handles WebSocket connection for terminal I/O
func (h *Handlers) TerminalWebSocket(c *gin.Context) {
	sessionID := c.Param("id")

	session, err := h.server.Terminal().GetSession(sessionID)
	if err != nil {
		RespondNotFound(c, "Session not found")
		return
	}

	// Get the underlying http.ResponseWriter from Gin's wrapper
	var w http.ResponseWriter = c.Writer
	if unwrapper, ok := c.Writer.(interface{ Unwrap() http.ResponseWriter }); ok {
		w = unwrapper.Unwrap()
	}

	conn, err := websocket.Accept(w, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionContextTakeover,
	})
	if err != nil {
		termLogger.Error().Err(err).Str("sessionId", sessionID).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Prevent middleware from writing headers on the hijacked connection
	log.MarkHijacked(c)
	c.Abort()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	client := &terminal.Client{
		Conn: conn,
		Send: make(chan []byte, 256),
	}
	session.AddClient(client)
	defer session.RemoveClient(client)

	// Shell output → WebSocket
	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.server.ShutdownContext().Done():
				cancel()
				return
			case data, ok := <-client.Send:
				if !ok {
					return
				}
				if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
					if ctx.Err() == nil {
						termLogger.Debug().Err(err).Str("sessionId", sessionID).Msg("WebSocket write failed")
					}
					return
				}
			}
		}
	}()

	// Keepalive pings
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-pingTicker.C:
				if err := conn.Ping(ctx); err != nil {
					return
				}
			}
		}
	}()

	// WebSocket → PTY (browser keystrokes to the shell)
	for {
		msgType, msg, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusGoingAway ||
				closeStatus == websocket.StatusNormalClosure ||
				closeStatus == websocket.StatusNoStatusRcvd {
				termLogger.Debug().Str("sessionId", sessionID).Msg("terminal WebSocket closed normally")
			} else {
				termLogger.Info().Err(err).Str("sessionId", sessionID).Msg("terminal WebSocket read error")
			}
			cancel()
			break
		}

		if msgType != websocket.MessageBinary {
			continue
		}

		if _, err := session.PTY.Write(msg); err != nil {
			termLogger.Error().Err(err).Str("sessionId", sessionID).Msg("PTY write failed")
			cancel()
			conn.Close(websocket.StatusInternalError, "PTY write error")
			break
		}

		session.LastActivity = time.Now()
	}

	<-sendDone
	<-pingDone
}
