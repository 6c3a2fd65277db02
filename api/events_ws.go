package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/log"
)

// wsFrame is the JSON frame sent to WebSocket event clients
type wsFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// wsCommand is a client-to-server control message
type wsCommand struct {
	Type            string   `json:"type"` // "subscribe", "unsubscribe", "visibility"
	Directories     []string `json:"directories,omitempty"`
	Visible         bool     `json:"visible,omitempty"`
	ActiveSessionID string   `json:"activeSessionId,omitempty"`
}

// EventWebSocket handles GET /api/events/ws
// A WebSocket alternative to the SSE stream: events flow down as JSON frames,
// subscription changes flow up as commands on the same connection.
func (h *Handlers) EventWebSocket(c *gin.Context) {
	clientID := c.Query("clientId")
	if clientID == "" {
		clientID = uuid.New().String()
	}
	dirs := parseDirectories(c.Query("directories"))

	// Get the underlying http.ResponseWriter from Gin's wrapper
	// Gin wraps the response writer to track state, but WebSocket needs the raw writer
	var w http.ResponseWriter = c.Writer
	if unwrapper, ok := c.Writer.(interface{ Unwrap() http.ResponseWriter }); ok {
		w = unwrapper.Unwrap()
	}

	conn, err := websocket.Accept(w, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Same-host dashboard, no cross-origin clients
		CompressionMode:    websocket.CompressionContextTakeover,
	})
	if err != nil {
		eventsLogger.Error().Err(err).Str("clientId", clientID).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Prevent middleware from writing headers on the hijacked connection
	log.MarkHijacked(c)
	c.Abort()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	send := make(chan wsFrame, 64)
	deliver := func(event string, payload []byte) {
		select {
		case send <- wsFrame{Event: event, Payload: payload}:
		default:
			eventsLogger.Warn().Str("clientId", clientID).Msg("WebSocket send buffer full, dropping event")
		}
	}

	remove := h.server.Events().AddClient(clientID, deliver, dirs)
	defer remove()

	// Initial frame carries the client ID for the mutation endpoints
	connected, _ := json.Marshal(map[string]string{"clientId": clientID})
	if err := conn.Write(ctx, websocket.MessageText, mustMarshalFrame(wsFrame{Event: "connected", Payload: connected})); err != nil {
		return
	}

	// Writer goroutine
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.server.ShutdownContext().Done():
				cancel()
				return
			case frame := <-send:
				if err := conn.Write(ctx, websocket.MessageText, mustMarshalFrame(frame)); err != nil {
					if ctx.Err() == nil {
						eventsLogger.Debug().Err(err).Str("clientId", clientID).Msg("WebSocket write failed")
					}
					cancel()
					return
				}
			}
		}
	}()

	// Ping goroutine
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
					eventsLogger.Debug().Err(err).Msg("WebSocket ping failed")
					cancel()
					return
				}
			}
		}
	}()

	// Read loop: subscription commands from the client
	for {
		msgType, msg, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusGoingAway ||
				closeStatus == websocket.StatusNormalClosure ||
				closeStatus == websocket.StatusNoStatusRcvd {
				eventsLogger.Debug().Str("clientId", clientID).Msg("event WebSocket closed normally")
			} else {
				eventsLogger.Debug().Err(err).Str("clientId", clientID).Msg("event WebSocket read error")
			}
			cancel()
			break
		}

		if msgType != websocket.MessageText {
			continue
		}

		var cmd wsCommand
		if err := json.Unmarshal(msg, &cmd); err != nil {
			eventsLogger.Debug().Err(err).Str("clientId", clientID).Msg("failed to parse WebSocket command")
			continue
		}

		switch cmd.Type {
		case "subscribe":
			h.server.Events().AddDirectories(clientID, cmd.Directories...)
		case "unsubscribe":
			h.server.Events().RemoveDirectories(clientID, cmd.Directories...)
		case "visibility":
			h.server.Events().SetClientVisibility(clientID, cmd.Visible, cmd.ActiveSessionID)
		default:
			eventsLogger.Debug().Str("type", cmd.Type).Msg("unknown WebSocket command")
		}
	}

	<-writeDone
	<-pingDone
}

func mustMarshalFrame(frame wsFrame) []byte {
	data, err := json.Marshal(frame)
	if err == nil {
		return data
	}
	// Upstream payloads are forwarded verbatim even when they are not valid
	// JSON; those get re-encoded as a string payload instead
	data, _ = json.Marshal(struct {
		Event   string `json:"event"`
		Payload string `json:"payload"`
	}{Event: frame.Event, Payload: string(frame.Payload)})
	return data
}
