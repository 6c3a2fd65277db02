package events

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/agentdeck/agentdeck/log"
	"github.com/gorilla/websocket"
)

// Conn is a single upstream event connection. The concrete implementation is
// a gorilla WebSocket; tests inject fakes through Options.Dial.
type Conn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// DialFunc opens an upstream connection to the given URL
type DialFunc func(ctx context.Context, url string) (Conn, error)

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// dialWebSocket is the default DialFunc
func dialWebSocket(ctx context.Context, rawURL string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

// eventURL builds the upstream event stream URL for a directory
func eventURL(base, directory string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/event"
	q := u.Query()
	q.Set("directory", directory)
	u.RawQuery = q.Encode()
	return u.String()
}

// directoryConn owns the upstream link for a single directory: the live
// connection, the reconnect timer, and the backoff state. All fields are
// guarded by the aggregator mutex; at most one reconnect timer is outstanding.
type directoryConn struct {
	agg       *Aggregator
	directory string

	conn           Conn
	connected      bool
	closed         bool
	backoff        time.Duration
	reconnectTimer *time.Timer
}

func newDirectoryConn(a *Aggregator, directory string) *directoryConn {
	return &directoryConn{
		agg:       a,
		directory: directory,
		backoff:   a.opts.ReconnectBaseDelay,
	}
}

// connectLocked starts an asynchronous dial. Caller holds the aggregator mutex.
func (dc *directoryConn) connectLocked() {
	dc.agg.wg.Add(1)
	go dc.dial()
}

func (dc *directoryConn) dial() {
	a := dc.agg
	defer a.wg.Done()

	conn, err := a.opts.Dial(a.ctx, eventURL(a.opts.AgentURL, dc.directory))

	a.mu.Lock()
	if dc.closed {
		// Torn down while dialing; discard whatever we got
		a.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		dc.connected = false
		delay := dc.scheduleReconnectLocked()
		a.mu.Unlock()
		log.Warn().
			Err(err).
			Str("directory", dc.directory).
			Dur("retryIn", delay).
			Msg("upstream event connection failed")
		return
	}

	dc.conn = conn
	dc.connected = true
	dc.backoff = a.opts.ReconnectBaseDelay
	a.mu.Unlock()

	log.Info().Str("directory", dc.directory).Msg("upstream event connection open")

	a.wg.Add(1)
	go dc.readLoop(conn)
}

// readLoop pumps messages from one connection into the router until it dies
func (dc *directoryConn) readLoop(conn Conn) {
	a := dc.agg
	defer a.wg.Done()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			conn.Close()
			// Ignore errors from a connection that has already been replaced
			// or torn down
			if dc.closed || dc.conn != conn {
				a.mu.Unlock()
				return
			}
			dc.conn = nil
			dc.connected = false
			delay := dc.scheduleReconnectLocked()
			a.mu.Unlock()
			log.Warn().
				Err(err).
				Str("directory", dc.directory).
				Dur("retryIn", delay).
				Msg("upstream event connection lost")
			return
		}
		a.route(dc.directory, data)
	}
}

// scheduleReconnectLocked arms the reconnect timer with the current backoff
// delay and doubles it for next time, capped at the configured ceiling.
// No-op if a timer is already pending. Returns the delay used.
func (dc *directoryConn) scheduleReconnectLocked() time.Duration {
	if dc.reconnectTimer != nil {
		return 0
	}
	delay := dc.backoff
	dc.backoff = nextDelay(dc.backoff, dc.agg.opts.ReconnectMaxDelay)

	a := dc.agg
	dc.reconnectTimer = time.AfterFunc(delay, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		dc.reconnectTimer = nil
		if dc.closed || a.closed {
			return
		}
		dc.connectLocked()
	})
	return delay
}

// closeLocked tears the link down: pending reconnect cancelled, connection
// closed. A closed directoryConn never dials again.
func (dc *directoryConn) closeLocked() {
	dc.closed = true
	if dc.reconnectTimer != nil {
		dc.reconnectTimer.Stop()
		dc.reconnectTimer = nil
	}
	if dc.conn != nil {
		dc.conn.Close()
		dc.conn = nil
	}
	dc.connected = false
}

// nextDelay doubles a backoff delay, capped at max
func nextDelay(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
