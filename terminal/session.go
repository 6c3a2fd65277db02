package terminal

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Client represents a WebSocket connection attached to a session
type Client struct {
	Conn *websocket.Conn
	Send chan []byte
}

// Session represents a shell running in a PTY inside a workspace directory
type Session struct {
	ID           string    `json:"id"`
	ProcessID    int       `json:"processId"`
	WorkingDir   string    `json:"workingDir"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	Status       string    `json:"status"` // "active" or "dead"

	// Internal fields (not serialized)
	Cmd     *exec.Cmd        `json:"-"`
	PTY     *os.File         `json:"-"`
	Clients map[*Client]bool `json:"-"`
	mu      sync.RWMutex     `json:"-"`

	backlog   []byte       `json:"-"` // Recent output for new clients
	backlogMu sync.RWMutex `json:"-"`
}

// AddClient registers a new WebSocket client to this session
// and sends the backlog to catch up
func (s *Session) AddClient(client *Client) {
	s.mu.Lock()
	s.Clients[client] = true
	s.mu.Unlock()

	s.backlogMu.RLock()
	if len(s.backlog) > 0 {
		backlogCopy := make([]byte, len(s.backlog))
		copy(backlogCopy, s.backlog)
		s.backlogMu.RUnlock()

		// Send backlog (non-blocking)
		select {
		case client.Send <- backlogCopy:
		default:
		}
	} else {
		s.backlogMu.RUnlock()
	}
}

// RemoveClient unregisters a WebSocket client from this session
func (s *Session) RemoveClient(client *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Clients[client]; ok {
		delete(s.Clients, client)
		close(client.Send)
	}
}

// Broadcast sends data to all connected clients and appends to backlog
func (s *Session) Broadcast(data []byte) {
	s.backlogMu.Lock()
	s.backlog = append(s.backlog, data...)
	if len(s.backlog) > maxBacklogBytes {
		s.backlog = s.backlog[len(s.backlog)-maxBacklogBytes:]
	}
	s.backlogMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for client := range s.Clients {
		select {
		case client.Send <- data:
		default:
			// Client's send buffer is full, skip
		}
	}
}

// ClientCount returns the number of attached clients
func (s *Session) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Clients)
}

// ToJSON returns a JSON-safe representation of the session
func (s *Session) ToJSON() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"id":           s.ID,
		"processId":    s.ProcessID,
		"workingDir":   s.WorkingDir,
		"createdAt":    s.CreatedAt,
		"lastActivity": s.LastActivity,
		"status":       s.Status,
		"clients":      len(s.Clients),
	}
}
