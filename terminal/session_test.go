package terminal

import (
	"bytes"
	"testing"
	"time"
)

func newTestSession() *Session {
	return &Session{
		ID:      "test",
		Status:  "active",
		Clients: make(map[*Client]bool),
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	s := newTestSession()

	c1 := &Client{Send: make(chan []byte, 4)}
	c2 := &Client{Send: make(chan []byte, 4)}
	s.AddClient(c1)
	s.AddClient(c2)

	s.Broadcast([]byte("hello"))

	for _, c := range []*Client{c1, c2} {
		select {
		case data := <-c.Send:
			if !bytes.Equal(data, []byte("hello")) {
				t.Errorf("got %q, want %q", data, "hello")
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for broadcast")
		}
	}
}

func TestNewClientReceivesBacklog(t *testing.T) {
	s := newTestSession()

	s.Broadcast([]byte("earlier "))
	s.Broadcast([]byte("output"))

	c := &Client{Send: make(chan []byte, 4)}
	s.AddClient(c)

	select {
	case data := <-c.Send:
		if string(data) != "earlier output" {
			t.Errorf("got %q, want %q", data, "earlier output")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for backlog")
	}
}

func TestBacklogIsBounded(t *testing.T) {
	s := newTestSession()

	chunk := bytes.Repeat([]byte("x"), 64*1024)
	for i := 0; i < 10; i++ {
		s.Broadcast(chunk)
	}

	s.backlogMu.RLock()
	size := len(s.backlog)
	s.backlogMu.RUnlock()

	if size > maxBacklogBytes {
		t.Errorf("backlog size %d exceeds cap %d", size, maxBacklogBytes)
	}
}

func TestRemoveClientClosesSendChannel(t *testing.T) {
	s := newTestSession()

	c := &Client{Send: make(chan []byte, 4)}
	s.AddClient(c)
	s.RemoveClient(c)

	select {
	case _, ok := <-c.Send:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	// Removing again is a no-op
	s.RemoveClient(c)

	if got := s.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d, want 0", got)
	}
}

func TestSlowClientDoesNotBlockBroadcast(t *testing.T) {
	s := newTestSession()

	slow := &Client{Send: make(chan []byte)} // unbuffered, never read
	s.AddClient(slow)

	done := make(chan struct{})
	go func() {
		s.Broadcast([]byte("data"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on slow client")
	}
}
