package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// Test fakes
// =============================================================================

// fakeConn is an upstream connection fed by the test
type fakeConn struct {
	msgs      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		msgs:   make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.msgs:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out fakeConns and records every dial
type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failures int // fail this many dials before succeeding
	dials    int
}

func (d *fakeDialer) dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func newTestAggregator(t *testing.T, grace time.Duration) (*Aggregator, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{}
	a := New(Options{
		AgentURL:           "http://127.0.0.1:4096",
		IdleGracePeriod:    grace,
		ReconnectBaseDelay: 5 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
		Dial:               dialer.dial,
	})
	t.Cleanup(a.Shutdown)
	return a, dialer
}

// waitFor polls until the condition holds or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func busyEvent(sessionID string) []byte {
	return []byte(fmt.Sprintf(`{"type":"session.status","properties":{"sessionID":%q,"status":{"type":"busy"}}}`, sessionID))
}

func idleEvent(sessionID string) []byte {
	return []byte(fmt.Sprintf(`{"type":"session.status","properties":{"sessionID":%q,"status":{"type":"idle"}}}`, sessionID))
}

// =============================================================================
// Connection reconciliation
// =============================================================================

func TestAddClient_OpensOneConnectionPerDirectory(t *testing.T) {
	a, dialer := newTestAggregator(t, time.Minute)

	a.AddClient("c1", func(string, []byte) {}, []string{"/repo/a"})
	a.AddClient("c2", func(string, []byte) {}, []string{"/repo/a"})
	a.AddClient("c3", func(string, []byte) {}, []string{"/repo/a", "/repo/b"})

	waitFor(t, time.Second, func() bool {
		return a.ConnectionStatus().Connected == 2
	}, "both directories to connect")

	if got := dialer.dialCount(); got != 2 {
		t.Errorf("expected 2 dials (one per directory), got %d", got)
	}
	if got := len(a.ActiveDirectories()); got != 2 {
		t.Errorf("expected 2 active directories, got %d", got)
	}
}

func TestRemoveClient_DisconnectsUnwatchedDirectory(t *testing.T) {
	a, dialer := newTestAggregator(t, time.Minute)

	unsubscribe := a.AddClient("c1", func(string, []byte) {}, []string{"/repo/a"})
	waitFor(t, time.Second, func() bool {
		return a.ConnectionStatus().Connected == 1
	}, "directory to connect")
	conn := dialer.lastConn()

	// No active sessions: teardown is immediate, no grace period
	unsubscribe()

	if got := a.ConnectionStatus().Total; got != 0 {
		t.Errorf("expected no connections after unsubscribe, got %d", got)
	}
	if !conn.isClosed() {
		t.Error("upstream connection not closed after unsubscribe")
	}
}

func TestRemoveClient_Idempotent(t *testing.T) {
	a, _ := newTestAggregator(t, time.Minute)

	a.AddClient("c1", func(string, []byte) {}, nil)
	a.RemoveClient("c1")
	a.RemoveClient("c1")
	a.RemoveClient("never-existed")

	if got := a.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients, got %d", got)
	}
}

func TestAddRemoveDirectories_UnknownClient(t *testing.T) {
	a, _ := newTestAggregator(t, time.Minute)

	if a.AddDirectories("ghost", "/repo/a") {
		t.Error("AddDirectories should return false for unknown client")
	}
	if a.RemoveDirectories("ghost", "/repo/a") {
		t.Error("RemoveDirectories should return false for unknown client")
	}
	if a.SetClientVisibility("ghost", true, "s1") {
		t.Error("SetClientVisibility should return false for unknown client")
	}
}

func TestDirectoryMutations_Reconcile(t *testing.T) {
	a, _ := newTestAggregator(t, time.Minute)

	a.AddClient("c1", func(string, []byte) {}, nil)
	if !a.AddDirectories("c1", "/repo/a", "/repo/b") {
		t.Fatal("AddDirectories failed for known client")
	}
	waitFor(t, time.Second, func() bool {
		return a.ConnectionStatus().Connected == 2
	}, "both directories to connect")

	if !a.RemoveDirectories("c1", "/repo/b") {
		t.Fatal("RemoveDirectories failed for known client")
	}
	if got := a.ActiveDirectories(); len(got) != 1 || got[0] != "/repo/a" {
		t.Errorf("expected only /repo/a connected, got %v", got)
	}
}

// =============================================================================
// Session activity and idle disconnect
// =============================================================================

func TestActiveSession_KeepsConnectionPastUnsubscribe(t *testing.T) {
	const grace = 40 * time.Millisecond
	a, dialer := newTestAggregator(t, grace)

	unsubscribe := a.AddClient("c1", func(string, []byte) {}, []string{"/repo/a"})
	waitFor(t, time.Second, func() bool {
		return a.ConnectionStatus().Connected == 1
	}, "directory to connect")

	a.route("/repo/a", busyEvent("s1"))
	unsubscribe()

	// Session still busy: the link must survive subscription loss
	if got := a.ConnectionStatus().Total; got != 1 {
		t.Fatalf("connection torn down while session busy, total=%d", got)
	}

	a.route("/repo/a", idleEvent("s1"))

	// Inside the grace period the link is still up
	if got := a.ConnectionStatus().Total; got != 1 {
		t.Fatal("connection torn down before grace period elapsed")
	}

	waitFor(t, time.Second, func() bool {
		return a.ConnectionStatus().Total == 0
	}, "idle disconnect after grace period")

	if conn := dialer.lastConn(); !conn.isClosed() {
		t.Error("upstream connection not closed by idle disconnect")
	}
	if dirs := a.ActiveDirectories(); len(dirs) != 0 {
		t.Errorf("expected no active directories, got %v", dirs)
	}
}

func TestIdleDisconnect_CancelledByNewActivity(t *testing.T) {
	const grace = 30 * time.Millisecond
	a, _ := newTestAggregator(t, grace)

	unsubscribe := a.AddClient("c1", func(string, []byte) {}, []string{"/repo/a"})
	waitFor(t, time.Second, func() bool {
		return a.ConnectionStatus().Connected == 1
	}, "directory to connect")

	a.route("/repo/a", busyEvent("s1"))
	unsubscribe()
	a.route("/repo/a", idleEvent("s1"))

	// New activity before the grace period elapses invalidates the schedule
	a.route("/repo/a", busyEvent("s2"))

	time.Sleep(3 * grace)
	if got := a.ConnectionStatus().Total; got != 1 {
		t.Fatal("stale idle disconnect fired despite new activity")
	}

	sessions := a.ActiveSessions()
	if got := sessions["/repo/a"]; len(got) != 1 || got[0] != "s2" {
		t.Errorf("expected active session s2, got %v", got)
	}
}

func TestIdleDisconnect_CancelledByResubscribe(t *testing.T) {
	const grace = 30 * time.Millisecond
	a, _ := newTestAggregator(t, grace)

	unsubscribe := a.AddClient("c1", func(string, []byte) {}, []string{"/repo/a"})
	waitFor(t, time.Second, func() bool {
		return a.ConnectionStatus().Connected == 1
	}, "directory to connect")

	a.route("/repo/a", busyEvent("s1"))
	unsubscribe()
	a.route("/repo/a", idleEvent("s1"))

	// A client re-subscribes inside the grace window
	a.AddClient("c2", func(string, []byte) {}, []string{"/repo/a"})

	time.Sleep(3 * grace)
	if got := a.ConnectionStatus().Total; got != 1 {
		t.Fatal("idle disconnect fired despite re-subscribed client")
	}
}

func TestIdleDisconnect_NotScheduledWhileViewed(t *testing.T) {
	const grace = 20 * time.Millisecond
	a, _ := newTestAggregator(t, grace)

	a.AddClient("c1", func(string, []byte) {}, []string{"/repo/a"})
	waitFor(t, time.Second, func() bool {
		return a.ConnectionStatus().Connected == 1
	}, "directory to connect")

	a.route("/repo/a", busyEvent("s1"))
	a.route("/repo/a", idleEvent("s1"))

	time.Sleep(3 * grace)
	if got := a.ConnectionStatus().Total; got != 1 {
		t.Fatal("connection torn down while a client was still subscribed")
	}
}

func TestUnsubscribe_SessionHistoryRetiresThroughGracePeriod(t *testing.T) {
	const grace = 300 * time.Millisecond
	a, dialer := newTestAggregator(t, grace)

	unsubscribe := a.AddClient("c1", func(string, []byte) {}, []string{"/repo/a"})
	waitFor(t, time.Second, func() bool {
		return a.ConnectionStatus().Connected == 1
	}, "directory to connect")

	// Session goes busy then idle while the client is still watching,
	// so no disconnect is scheduled yet
	a.route("/repo/a", busyEvent("s1"))
	a.route("/repo/a", idleEvent("s1"))

	// The last client leaves a directory with session history: the
	// connection must outlive the unsubscribe until the grace period ends
	unsubscribe()

	if got := a.ConnectionStatus().Total; got != 1 {
		t.Fatalf("connection torn down immediately despite session history, total=%d", got)
	}
	time.Sleep(grace / 3)
	if got := a.ConnectionStatus().Total; got != 1 {
		t.Fatal("connection torn down before grace period elapsed")
	}

	waitFor(t, time.Second, func() bool {
		return a.ConnectionStatus().Total == 0
	}, "disconnect after grace period")

	if conn := dialer.lastConn(); !conn.isClosed() {
		t.Error("upstream connection not closed after grace period")
	}
}

func TestUnsubscribe_ResubscribeWithinGraceKeepsConnection(t *testing.T) {
	const grace = 40 * time.Millisecond
	a, dialer := newTestAggregator(t, grace)

	unsubscribe := a.AddClient("c1", func(string, []byte) {}, []string{"/repo/a"})
	waitFor(t, time.Second, func() bool {
		return a.ConnectionStatus().Connected == 1
	}, "directory to connect")

	a.route("/repo/a", busyEvent("s1"))
	a.route("/repo/a", idleEvent("s1"))
	unsubscribe()

	// A new client arrives inside the grace window: no redial, same link
	a.AddClient("c2", func(string, []byte) {}, []string{"/repo/a"})

	time.Sleep(3 * grace)
	if got := a.ConnectionStatus().Total; got != 1 {
		t.Fatal("pending disconnect fired despite re-subscribed client")
	}
	if got := dialer.dialCount(); got != 1 {
		t.Errorf("expected 1 dial, got %d", got)
	}
}

func TestSessionIdleEvent_DedicatedType(t *testing.T) {
	a, _ := newTestAggregator(t, time.Minute)

	a.AddClient("c1", func(string, []byte) {}, []string{"/repo/a"})
	a.route("/repo/a", busyEvent("s1"))
	a.route("/repo/a", []byte(`{"type":"session.idle","properties":{"sessionID":"s1"}}`))

	if got := a.ActiveSessions(); len(got) != 0 {
		t.Errorf("expected no active sessions after session.idle, got %v", got)
	}
}

// =============================================================================
// Fan-out and broadcast
// =============================================================================

func TestFanOut_OnlySubscribedClients(t *testing.T) {
	a, _ := newTestAggregator(t, time.Minute)

	var aCount, bCount atomic.Int32
	a.AddClient("watcher-a", func(event string, payload []byte) {
		if event != AgentEventName {
			t.Errorf("unexpected event name %q", event)
		}
		aCount.Add(1)
	}, []string{"/repo/a"})
	a.AddClient("watcher-b", func(string, []byte) { bCount.Add(1) }, []string{"/repo/b"})

	a.route("/repo/a", busyEvent("s1"))

	if got := aCount.Load(); got != 1 {
		t.Errorf("subscribed client received %d events, want 1", got)
	}
	if got := bCount.Load(); got != 0 {
		t.Errorf("unsubscribed client received %d events, want 0", got)
	}
}

func TestFanOut_MalformedPayloadDeliveredVerbatim(t *testing.T) {
	a, _ := newTestAggregator(t, time.Minute)

	raw := []byte(`{not json`)
	received := make(chan []byte, 1)
	a.AddClient("c1", func(event string, payload []byte) {
		received <- payload
	}, []string{"/repo/a"})

	a.route("/repo/a", raw)

	select {
	case payload := <-received:
		if string(payload) != string(raw) {
			t.Errorf("payload altered in flight: %q", payload)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("malformed payload was dropped")
	}
}

func TestFanOut_PanickingClientIsolated(t *testing.T) {
	a, _ := newTestAggregator(t, time.Minute)

	var delivered atomic.Int32
	a.AddClient("faulty", func(string, []byte) { panic("boom") }, []string{"/repo/a"})
	a.AddClient("healthy", func(string, []byte) { delivered.Add(1) }, []string{"/repo/a"})

	a.route("/repo/a", busyEvent("s1"))

	if got := delivered.Load(); got != 1 {
		t.Errorf("healthy client received %d events, want 1", got)
	}
}

func TestBroadcastToAll_IgnoresDirectorySubscription(t *testing.T) {
	a, _ := newTestAggregator(t, time.Minute)

	received := make(chan string, 4)
	a.AddClient("c1", func(event string, _ []byte) { received <- event }, []string{"/repo/a"})
	a.AddClient("c2", func(event string, _ []byte) { received <- event }, nil)

	a.BroadcastToAll("credential-prompt", []byte(`{"provider":"github"}`))

	for i := 0; i < 2; i++ {
		select {
		case event := <-received:
			if event != "credential-prompt" {
				t.Errorf("unexpected event name %q", event)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("client %d did not receive broadcast", i)
		}
	}
}

func TestOnEvent_ListenersAndUnsubscribe(t *testing.T) {
	a, _ := newTestAggregator(t, time.Minute)

	a.AddClient("c1", func(string, []byte) {}, []string{"/repo/a"})

	events := make(chan Event, 4)
	unsubscribe := a.OnEvent(func(directory string, ev Event) {
		if directory != "/repo/a" {
			t.Errorf("unexpected directory %q", directory)
		}
		events <- ev
	})

	a.route("/repo/a", busyEvent("s1"))

	select {
	case ev := <-events:
		ss, ok := ev.(*SessionStatusEvent)
		if !ok {
			t.Fatalf("expected SessionStatusEvent, got %T", ev)
		}
		if ss.SessionID != "s1" || !ss.Active() {
			t.Errorf("unexpected event %+v", ss)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("listener did not fire")
	}

	unsubscribe()
	a.route("/repo/a", idleEvent("s1"))
	select {
	case <-events:
		t.Fatal("listener fired after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOnEvent_PanickingListenerIsolated(t *testing.T) {
	a, _ := newTestAggregator(t, time.Minute)

	a.AddClient("c1", func(string, []byte) {}, []string{"/repo/a"})

	var healthy atomic.Int32
	a.OnEvent(func(string, Event) { panic("boom") })
	a.OnEvent(func(string, Event) { healthy.Add(1) })

	a.route("/repo/a", busyEvent("s1"))

	if got := healthy.Load(); got != 1 {
		t.Errorf("healthy listener fired %d times, want 1", got)
	}
}

// =============================================================================
// Visibility
// =============================================================================

func TestIsSessionBeingViewed(t *testing.T) {
	a, _ := newTestAggregator(t, time.Minute)

	a.AddClient("c1", func(string, []byte) {}, []string{"/repo/a"})

	if a.IsSessionBeingViewed("s1") {
		t.Error("session viewed before any visibility report")
	}

	a.SetClientVisibility("c1", true, "s1")
	if !a.IsSessionBeingViewed("s1") {
		t.Error("session not reported as viewed")
	}

	// Hiding the tab clears the active session regardless of the argument
	a.SetClientVisibility("c1", false, "s1")
	if a.IsSessionBeingViewed("s1") {
		t.Error("hidden client still counts as viewing")
	}

	if a.IsSessionBeingViewed("") {
		t.Error("empty session ID should never be viewed")
	}
}

// =============================================================================
// Reconnect policy
// =============================================================================

func TestReconnect_BackoffAndRecovery(t *testing.T) {
	dialer := &fakeDialer{failures: 3}
	a := New(Options{
		AgentURL:           "http://127.0.0.1:4096",
		IdleGracePeriod:    time.Minute,
		ReconnectBaseDelay: 2 * time.Millisecond,
		ReconnectMaxDelay:  8 * time.Millisecond,
		Dial:               dialer.dial,
	})
	defer a.Shutdown()

	a.AddClient("c1", func(string, []byte) {}, []string{"/repo/a"})

	// Three refused dials, then success
	waitFor(t, time.Second, func() bool {
		return a.ConnectionStatus().Connected == 1
	}, "connection after retries")

	if got := dialer.dialCount(); got != 4 {
		t.Errorf("expected 4 dial attempts, got %d", got)
	}

	// Backoff resets to the floor after a successful open
	a.mu.Lock()
	dc := a.conns["/repo/a"]
	backoff := dc.backoff
	a.mu.Unlock()
	if backoff != 2*time.Millisecond {
		t.Errorf("backoff not reset after successful open: %v", backoff)
	}
}

func TestReconnect_AfterConnectionDrop(t *testing.T) {
	a, dialer := newTestAggregator(t, time.Minute)

	a.AddClient("c1", func(string, []byte) {}, []string{"/repo/a"})
	waitFor(t, time.Second, func() bool {
		return a.ConnectionStatus().Connected == 1
	}, "initial connection")

	// Kill the upstream; the link must come back on its own
	dialer.lastConn().Close()
	waitFor(t, time.Second, func() bool {
		return a.ConnectionStatus().Connected == 1 && dialer.dialCount() >= 2
	}, "reconnect after drop")
}

func TestNextDelay(t *testing.T) {
	tests := []struct {
		cur, max, want time.Duration
	}{
		{1 * time.Second, 30 * time.Second, 2 * time.Second},
		{8 * time.Second, 30 * time.Second, 16 * time.Second},
		{16 * time.Second, 30 * time.Second, 30 * time.Second},
		{30 * time.Second, 30 * time.Second, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := nextDelay(tt.cur, tt.max); got != tt.want {
			t.Errorf("nextDelay(%v, %v) = %v, want %v", tt.cur, tt.max, got, tt.want)
		}
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestShutdown_TotalTeardown(t *testing.T) {
	a, dialer := newTestAggregator(t, time.Minute)

	a.AddClient("c1", func(string, []byte) {}, []string{"/repo/a", "/repo/b"})
	waitFor(t, time.Second, func() bool {
		return a.ConnectionStatus().Connected == 2
	}, "connections before shutdown")

	a.route("/repo/a", busyEvent("s1"))

	a.Shutdown()
	a.Shutdown() // second call is a no-op

	if got := a.ConnectionStatus().Total; got != 0 {
		t.Errorf("connections remain after shutdown: %d", got)
	}
	if got := a.ClientCount(); got != 0 {
		t.Errorf("clients remain after shutdown: %d", got)
	}
	for _, conn := range dialer.conns {
		if !conn.isClosed() {
			t.Error("upstream connection left open after shutdown")
		}
	}
}

func TestAddClient_AfterShutdownIsNoop(t *testing.T) {
	a, dialer := newTestAggregator(t, time.Minute)
	a.Shutdown()

	unsubscribe := a.AddClient("c1", func(string, []byte) {}, []string{"/repo/a"})
	unsubscribe()

	if got := dialer.dialCount(); got != 0 {
		t.Errorf("dial attempted after shutdown: %d", got)
	}
}

// =============================================================================
// Full scenario from the dashboard's point of view
// =============================================================================

func TestScenario_TwoClientsOneDirectory(t *testing.T) {
	const grace = 40 * time.Millisecond
	a, _ := newTestAggregator(t, grace)

	c1 := make(chan []byte, 8)
	c2 := make(chan []byte, 8)
	unsub1 := a.AddClient("c1", func(_ string, p []byte) { c1 <- p }, []string{"/repo/a"})
	unsub2 := a.AddClient("c2", func(_ string, p []byte) { c2 <- p }, []string{"/repo/a"})

	waitFor(t, time.Second, func() bool {
		return a.ConnectionStatus().Connected == 1
	}, "single shared connection")

	// Busy event reaches both clients and marks the session active
	a.route("/repo/a", busyEvent("s1"))
	for i, ch := range []chan []byte{c1, c2} {
		select {
		case <-ch:
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("client %d did not receive busy event", i+1)
		}
	}
	if got := a.ActiveSessions()["/repo/a"]; len(got) != 1 || got[0] != "s1" {
		t.Fatalf("expected active set {s1}, got %v", got)
	}

	// Idle with viewers still subscribed: no disconnect scheduled
	a.route("/repo/a", idleEvent("s1"))
	if got := len(a.ActiveSessions()); got != 0 {
		t.Fatalf("active set not emptied, %d directories busy", got)
	}
	time.Sleep(2 * grace)
	if a.ConnectionStatus().Total != 1 {
		t.Fatal("disconnected while clients were subscribed")
	}

	// Both clients leave: the directory saw session activity, so the
	// connection survives until the grace period elapses
	unsub1()
	unsub2()
	if a.ConnectionStatus().Total != 1 {
		t.Fatal("connection torn down immediately despite session history")
	}
	time.Sleep(grace / 2)
	if a.ConnectionStatus().Total != 1 {
		t.Fatal("connection torn down before grace period elapsed")
	}
	waitFor(t, time.Second, func() bool {
		return a.ConnectionStatus().Total == 0
	}, "idle disconnect after both clients left")

	if dirs := a.ActiveDirectories(); len(dirs) != 0 {
		t.Errorf("expected no active directories, got %v", dirs)
	}
}
