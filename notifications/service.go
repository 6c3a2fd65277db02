package notifications

import (
	"sync"
	"time"
)

// EventType represents the type of notification event
type EventType string

const (
	EventConnected       EventType = "connected"
	EventRepoChanged     EventType = "repo-changed"
	EventWorkspaceChange EventType = "workspace-changed"
	EventSessionStatus   EventType = "session-status"
	EventSettingsChanged EventType = "settings-changed"
)

// Event represents a notification event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`
	Path      string    `json:"path,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Service manages SSE subscriptions and event broadcasting
type Service struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	done        chan struct{}
}

// NewService creates a new notification service
func NewService() *Service {
	return &Service{
		subscribers: make(map[chan Event]struct{}),
		done:        make(chan struct{}),
	}
}

// Subscribe creates a new subscription channel
// Returns the event channel and an unsubscribe function
func (s *Service) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 10)

	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		// Only close if the channel is still in subscribers map
		if _, exists := s.subscribers[ch]; exists {
			delete(s.subscribers, ch)
			close(ch)
		}
	}

	return ch, unsubscribe
}

// Notify broadcasts an event to all subscribers
func (s *Service) Notify(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			// Channel full, skip this subscriber
		}
	}
}

// NotifyRepoChanged sends a repo-changed event
// Used when repositories are cloned, pulled, or deleted
func (s *Service) NotifyRepoChanged(repoID string, operation string) {
	s.Notify(Event{
		Type: EventRepoChanged,
		Data: map[string]interface{}{
			"repoId":    repoID,
			"operation": operation,
		},
	})
}

// NotifyWorkspaceChanged sends a workspace-changed event
// Used when files inside a cloned workspace change on disk
func (s *Service) NotifyWorkspaceChanged(path string) {
	s.Notify(Event{
		Type: EventWorkspaceChange,
		Path: path,
	})
}

// NotifySessionStatus sends a session-status event
// Used to surface agent session activity to clients not watching it live
func (s *Service) NotifySessionStatus(directory, sessionID, status string) {
	s.Notify(Event{
		Type: EventSessionStatus,
		Path: directory,
		Data: map[string]interface{}{
			"sessionId": sessionID,
			"status":    status,
		},
	})
}

// NotifySettingsChanged sends a settings-changed event
func (s *Service) NotifySettingsChanged() {
	s.Notify(Event{Type: EventSettingsChanged})
}

// Shutdown closes the notification service
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	close(s.done)

	// Close all subscriber channels
	for ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = make(map[chan Event]struct{})
}

// SubscriberCount returns the number of active subscribers
func (s *Service) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}
