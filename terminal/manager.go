package terminal

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/config"
	"github.com/agentdeck/agentdeck/log"
)

var (
	ErrSessionNotFound = fmt.Errorf("session not found")
	ErrTooManySessions = fmt.Errorf("too many sessions")
)

const (
	MaxSessions     = 10
	maxBacklogBytes = 256 * 1024
)

var logger = log.GetLogger("terminal")

// Manager manages shell sessions in memory
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	// Context for graceful shutdown
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a new session manager
func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// CreateSession spawns a shell in the given workspace directory
func (m *Manager) CreateSession(workingDir string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= MaxSessions {
		return nil, ErrTooManySessions
	}

	if workingDir == "" {
		workingDir = config.Get().DataDir
	}

	shell := config.Get().TerminalShell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/bash"
	}

	session := &Session{
		ID:           uuid.New().String(),
		WorkingDir:   workingDir,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		Status:       "active",
		Clients:      make(map[*Client]bool),
	}

	cmd := exec.Command(shell)
	cmd.Dir = workingDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		logger.Error().Err(err).Str("workingDir", workingDir).Msg("failed to start shell")
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}

	session.PTY = ptmx
	session.Cmd = cmd
	session.ProcessID = cmd.Process.Pid

	m.wg.Add(1)
	go m.readPTY(session)

	m.wg.Add(1)
	go m.monitorProcess(session)

	m.sessions[session.ID] = session

	logger.Info().
		Str("sessionId", session.ID).
		Int("pid", session.ProcessID).
		Str("workingDir", workingDir).
		Msg("created terminal session")

	return session, nil
}

// GetSession retrieves a session by ID
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// ListSessions returns all sessions
func (m *Manager) ListSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// CloseSession kills the shell process and removes the session
func (m *Manager) CloseSession(id string) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	if session.Cmd != nil && session.Cmd.Process != nil {
		session.Cmd.Process.Kill()
	}
	if session.PTY != nil {
		session.PTY.Close()
	}

	logger.Info().Str("sessionId", id).Msg("closed terminal session")
	return nil
}

// Resize adjusts the PTY window size
func (m *Manager) Resize(id string, rows, cols uint16) error {
	session, err := m.GetSession(id)
	if err != nil {
		return err
	}
	return pty.Setsize(session.PTY, &pty.Winsize{Rows: rows, Cols: cols})
}

// Shutdown gracefully stops all sessions and goroutines
func (m *Manager) Shutdown(ctx context.Context) error {
	logger.Info().Msg("shutting down terminal manager")

	m.cancel()

	m.mu.Lock()
	for id, session := range m.sessions {
		logger.Info().Str("sessionId", id).Msg("killing session during shutdown")
		if session.Cmd != nil && session.Cmd.Process != nil {
			session.Cmd.Process.Kill()
		}
		if session.PTY != nil {
			session.PTY.Close()
		}
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("terminal manager shutdown complete")
		return nil
	case <-ctx.Done():
		logger.Warn().Msg("terminal manager shutdown timed out")
		return ctx.Err()
	}
}

// readPTY reads shell output and broadcasts it to all attached clients
func (m *Manager) readPTY(session *Session) {
	defer m.wg.Done()

	buf := make([]byte, 4096)
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		n, err := session.PTY.Read(buf)
		if err != nil {
			// PTY closed, process exited or session closed
			logger.Debug().Err(err).Str("sessionId", session.ID).Msg("PTY read ended")
			return
		}

		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			session.Broadcast(data)
		}
	}
}

// monitorProcess waits for the shell process to exit and marks the session dead
func (m *Manager) monitorProcess(session *Session) {
	defer m.wg.Done()

	if session.Cmd == nil {
		return
	}

	err := session.Cmd.Wait()

	m.mu.Lock()
	if s, ok := m.sessions[session.ID]; ok {
		s.Status = "dead"
	}
	m.mu.Unlock()

	logger.Info().
		Str("sessionId", session.ID).
		Err(err).
		Msg("shell process exited")
}
