// Package events maintains one live event connection to the agent server per
// watched workspace directory and fans incoming events out to any number of
// subscribed dashboard clients. It tracks which agent sessions are busy per
// directory and retires upstream connections that have had no activity and no
// viewers for a grace period.
package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/log"
)

// DeliverFunc receives an event for one client. Implementations are called
// outside the aggregator lock and may block briefly; a panicking callback is
// isolated and logged without affecting other clients.
type DeliverFunc func(event string, payload []byte)

// Listener receives every parsed directory-scoped event
type Listener func(directory string, event Event)

// AgentEventName is the delivery event name used for directory fan-out
const AgentEventName = "agent-event"

// Options configures an Aggregator
type Options struct {
	// AgentURL is the base URL of the agent server, e.g. http://127.0.0.1:4096
	AgentURL string

	// IdleGracePeriod is how long a directory with no busy sessions and no
	// subscribed clients keeps its upstream connection. Default 120s.
	IdleGracePeriod time.Duration

	// Reconnect backoff bounds. Defaults 1s and 30s.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	// Dial opens an upstream connection. Defaults to a WebSocket dial;
	// tests inject fakes here.
	Dial DialFunc
}

func (o *Options) withDefaults() {
	if o.IdleGracePeriod <= 0 {
		o.IdleGracePeriod = 120 * time.Second
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = 1 * time.Second
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
	if o.Dial == nil {
		o.Dial = dialWebSocket
	}
}

// client is a downstream subscriber. Owned exclusively by the aggregator.
type client struct {
	id              string
	deliver         DeliverFunc
	dirs            map[string]struct{}
	visible         bool
	activeSessionID string
}

// ConnectionStatus summarizes upstream link health
type ConnectionStatus struct {
	Connected int `json:"connected"`
	Total     int `json:"total"`
}

// Aggregator is the directory-scoped event aggregator. Construct with New,
// operate, then Shutdown. All internal maps are guarded by mu; timer and
// network callbacks re-acquire it before touching state.
type Aggregator struct {
	opts Options

	mu      sync.Mutex
	clients map[string]*client
	conns   map[string]*directoryConn

	// Session activity per directory. versions is a monotonic fencing token,
	// bumped on every session-active transition; a scheduled idle disconnect
	// captures it and fires only if it is unchanged.
	active     map[string]map[string]struct{}
	versions   map[string]uint64
	idleTimers map[string]*time.Timer

	listeners    map[int]Listener
	nextListener int

	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an aggregator. It opens no connections until a client subscribes.
func New(opts Options) *Aggregator {
	opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		opts:       opts,
		clients:    make(map[string]*client),
		conns:      make(map[string]*directoryConn),
		active:     make(map[string]map[string]struct{}),
		versions:   make(map[string]uint64),
		idleTimers: make(map[string]*time.Timer),
		listeners:  make(map[int]Listener),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// =============================================================================
// Client registry
// =============================================================================

// AddClient registers a downstream client watching the given directories
// (none is fine) and returns an unsubscribe function. Re-registering an
// existing ID replaces it.
func (a *Aggregator) AddClient(id string, deliver DeliverFunc, directories []string) func() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return func() {}
	}
	c := &client{
		id:      id,
		deliver: deliver,
		dirs:    make(map[string]struct{}, len(directories)),
	}
	for _, dir := range directories {
		c.dirs[dir] = struct{}{}
		a.cancelIdleTimerLocked(dir)
	}
	a.clients[id] = c
	a.reconcileLocked()
	a.mu.Unlock()

	log.Debug().Str("clientId", id).Int("directories", len(directories)).Msg("event client added")
	return func() { a.RemoveClient(id) }
}

// RemoveClient removes a client. Idempotent.
func (a *Aggregator) RemoveClient(id string) {
	a.mu.Lock()
	if _, ok := a.clients[id]; !ok {
		a.mu.Unlock()
		return
	}
	delete(a.clients, id)
	a.reconcileLocked()
	a.mu.Unlock()

	log.Debug().Str("clientId", id).Msg("event client removed")
}

// AddDirectories merges directories into a client's watch set.
// Returns false if the client is unknown.
func (a *Aggregator) AddDirectories(id string, dirs ...string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.clients[id]
	if !ok {
		return false
	}
	for _, dir := range dirs {
		c.dirs[dir] = struct{}{}
		a.cancelIdleTimerLocked(dir)
	}
	a.reconcileLocked()
	return true
}

// RemoveDirectories removes directories from a client's watch set.
// Returns false if the client is unknown.
func (a *Aggregator) RemoveDirectories(id string, dirs ...string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.clients[id]
	if !ok {
		return false
	}
	for _, dir := range dirs {
		delete(c.dirs, dir)
	}
	a.reconcileLocked()
	return true
}

// SetClientVisibility records whether a client's tab is visible and which
// session it is looking at. Hidden clients never have an active session.
// Returns false if the client is unknown.
func (a *Aggregator) SetClientVisibility(id string, visible bool, activeSessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.clients[id]
	if !ok {
		return false
	}
	c.visible = visible
	if !visible {
		activeSessionID = ""
	}
	c.activeSessionID = activeSessionID
	return true
}

// IsSessionBeingViewed reports whether some visible client is looking at the
// session. The notification service uses this to suppress pushes for sessions
// already on screen.
func (a *Aggregator) IsSessionBeingViewed(sessionID string) bool {
	if sessionID == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.clients {
		if c.visible && c.activeSessionID == sessionID {
			return true
		}
	}
	return false
}

// requiredLocked is the union of every client's directory set
func (a *Aggregator) requiredLocked() map[string]struct{} {
	required := make(map[string]struct{})
	for _, c := range a.clients {
		for dir := range c.dirs {
			required[dir] = struct{}{}
		}
	}
	return required
}

// hasViewerLocked reports whether any client watches the directory. This is a
// connection-liveness signal, not a visibility signal: a subscribed background
// tab still counts.
func (a *Aggregator) hasViewerLocked(directory string) bool {
	for _, c := range a.clients {
		if _, ok := c.dirs[directory]; ok {
			return true
		}
	}
	return false
}

// =============================================================================
// Connection reconciliation
// =============================================================================

// reconcileLocked makes the set of upstream connections match the set of
// directories clients require. A no-longer-required directory that never saw
// session activity is torn down immediately; one with session history is
// retired through the idle grace period, and one with sessions still busy is
// left to the idle scheduler entirely.
func (a *Aggregator) reconcileLocked() {
	required := a.requiredLocked()

	for dir := range a.conns {
		if _, ok := required[dir]; ok {
			continue
		}
		if len(a.active[dir]) > 0 {
			continue
		}
		if a.versions[dir] > 0 {
			if _, pending := a.idleTimers[dir]; !pending {
				a.scheduleIdleDisconnectLocked(dir)
			}
			continue
		}
		a.teardownLocked(dir)
	}

	for dir := range required {
		if _, ok := a.conns[dir]; ok {
			continue
		}
		dc := newDirectoryConn(a, dir)
		a.conns[dir] = dc
		dc.connectLocked()
	}
}

// teardownLocked closes and forgets a directory's connection and its
// tracking state
func (a *Aggregator) teardownLocked(directory string) {
	dc, ok := a.conns[directory]
	if !ok {
		return
	}
	dc.closeLocked()
	delete(a.conns, directory)
	a.cancelIdleTimerLocked(directory)
	delete(a.active, directory)
	delete(a.versions, directory)

	log.Info().Str("directory", directory).Msg("upstream event connection closed")
}

// =============================================================================
// Session activity tracking + idle disconnect
// =============================================================================

func (a *Aggregator) markSessionActive(directory, sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.versions[directory]++
	a.cancelIdleTimerLocked(directory)
	set := a.active[directory]
	if set == nil {
		set = make(map[string]struct{})
		a.active[directory] = set
	}
	set[sessionID] = struct{}{}
}

func (a *Aggregator) markSessionIdle(directory, sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelIdleTimerLocked(directory)
	set := a.active[directory]
	if set == nil {
		return
	}
	delete(set, sessionID)
	if len(set) > 0 {
		return
	}
	delete(a.active, directory)
	a.scheduleIdleDisconnectLocked(directory)
}

// scheduleIdleDisconnectLocked arms the grace-period timer for a directory
// whose active-session set just became empty. The timer captures the current
// state version; by the time it fires the world may have moved on, so it
// re-validates everything before tearing down.
func (a *Aggregator) scheduleIdleDisconnectLocked(directory string) {
	if a.hasViewerLocked(directory) {
		// Someone is plausibly watching even with no busy session
		return
	}
	version := a.versions[directory]
	a.idleTimers[directory] = time.AfterFunc(a.opts.IdleGracePeriod, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.closed {
			return
		}
		if a.versions[directory] != version {
			// Stale schedule: a session went active again in the meantime
			return
		}
		delete(a.idleTimers, directory)
		if len(a.active[directory]) > 0 || a.hasViewerLocked(directory) {
			return
		}
		// Deferred teardown: the directory may not be "required" at all by
		// now, so bypass reconciliation and close unconditionally.
		a.teardownLocked(directory)
	})
}

func (a *Aggregator) cancelIdleTimerLocked(directory string) {
	if t, ok := a.idleTimers[directory]; ok {
		t.Stop()
		delete(a.idleTimers, directory)
	}
}

// =============================================================================
// Event routing
// =============================================================================

// route is the single entry point for every upstream message. Malformed
// payloads skip internal handling but are still forwarded verbatim.
func (a *Aggregator) route(directory string, payload []byte) {
	ev, err := Parse(payload)
	if err != nil {
		log.Debug().Err(err).Str("directory", directory).Msg("unparseable upstream event")
	} else {
		a.trackEvent(directory, ev)
		a.notifyListeners(directory, ev)
	}
	a.fanOut(directory, payload)
}

func (a *Aggregator) trackEvent(directory string, ev Event) {
	switch e := ev.(type) {
	case *SessionStatusEvent:
		if e.SessionID == "" {
			return
		}
		if e.Active() {
			a.markSessionActive(directory, e.SessionID)
		} else if e.Status == StatusIdle {
			a.markSessionIdle(directory, e.SessionID)
		}
	case *SessionIdleEvent:
		if e.SessionID != "" {
			a.markSessionIdle(directory, e.SessionID)
		}
	}
}

func (a *Aggregator) notifyListeners(directory string, ev Event) {
	a.mu.Lock()
	listeners := make([]Listener, 0, len(a.listeners))
	for _, fn := range a.listeners {
		listeners = append(listeners, fn)
	}
	a.mu.Unlock()

	for _, fn := range listeners {
		a.invokeListener(fn, directory, ev)
	}
}

// invokeListener isolates a panicking listener so it cannot block delivery
// to other listeners or to clients
func (a *Aggregator) invokeListener(fn Listener, directory string, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Str("directory", directory).Msg("event listener panicked")
		}
	}()
	fn(directory, ev)
}

// fanOut delivers the raw payload to every client subscribed to the directory
func (a *Aggregator) fanOut(directory string, payload []byte) {
	a.mu.Lock()
	targets := make([]*client, 0, len(a.clients))
	for _, c := range a.clients {
		if _, ok := c.dirs[directory]; ok {
			targets = append(targets, c)
		}
	}
	a.mu.Unlock()

	for _, c := range targets {
		a.deliverTo(c, AgentEventName, payload)
	}
}

// deliverTo invokes one client's callback, isolating panics per client
func (a *Aggregator) deliverTo(c *client, event string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Str("clientId", c.id).Msg("client delivery panicked")
		}
	}()
	c.deliver(event, payload)
}

// OnEvent registers a listener for every parsed directory-scoped event.
// Returns an unsubscribe function.
func (a *Aggregator) OnEvent(fn Listener) func() {
	a.mu.Lock()
	id := a.nextListener
	a.nextListener++
	a.listeners[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// BroadcastToAll delivers a payload to every registered client regardless of
// directory subscription. Used for events that are not directory-scoped,
// e.g. a credential prompt.
func (a *Aggregator) BroadcastToAll(event string, payload []byte) {
	a.mu.Lock()
	targets := make([]*client, 0, len(a.clients))
	for _, c := range a.clients {
		targets = append(targets, c)
	}
	a.mu.Unlock()

	for _, c := range targets {
		a.deliverTo(c, event, payload)
	}
}

// =============================================================================
// Introspection
// =============================================================================

// ConnectionStatus reports how many upstream links exist and how many are open
func (a *Aggregator) ConnectionStatus() ConnectionStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	status := ConnectionStatus{Total: len(a.conns)}
	for _, dc := range a.conns {
		if dc.connected {
			status.Connected++
		}
	}
	return status
}

// ClientCount returns the number of registered clients
func (a *Aggregator) ClientCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.clients)
}

// ActiveDirectories returns the directories with a live connection entry,
// sorted for stable output
func (a *Aggregator) ActiveDirectories() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	dirs := make([]string, 0, len(a.conns))
	for dir := range a.conns {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

// ActiveSessions returns the busy session IDs per directory
func (a *Aggregator) ActiveSessions() map[string][]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string][]string, len(a.active))
	for dir, set := range a.active {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[dir] = ids
	}
	return out
}

// =============================================================================
// Lifecycle
// =============================================================================

// Shutdown closes every upstream link, cancels every timer, and clears all
// state. Safe to call once; no callback fires after it returns.
func (a *Aggregator) Shutdown() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.cancel()

	for dir, t := range a.idleTimers {
		t.Stop()
		delete(a.idleTimers, dir)
	}
	for dir, dc := range a.conns {
		dc.closeLocked()
		delete(a.conns, dir)
	}
	a.clients = make(map[string]*client)
	a.listeners = make(map[int]Listener)
	a.active = make(map[string]map[string]struct{})
	a.versions = make(map[string]uint64)
	a.mu.Unlock()

	a.wg.Wait()
	log.Info().Msg("event aggregator shut down")
}
