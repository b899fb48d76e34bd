// Package connmgr owns the single persistent WebSocket connection
// shared by every subscriber in the process: dialing, the credential
// handshake, heartbeat liveness, and the reconnect loop.
package connmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"github.com/shopwired/supportchat/internal/events"
	"github.com/shopwired/supportchat/internal/wire"
)

// ErrNotConnected is returned by Publish while the transport is down.
var ErrNotConnected = errors.New("not connected")

// ErrAuthFailed marks a rejected credential at connect time. It is
// never retried; the caller must re-invoke Connect with a fresh
// credential.
var ErrAuthFailed = errors.New("authentication failed")

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

// Config is the connection tuning, all externally supplied.
type Config struct {
	URL               string
	ReconnectDelay    time.Duration // fixed delay, infinite retries
	HeartbeatInterval time.Duration // 2x silence is a dead connection
}

// Manager maintains one connection per process ("tab"). It is
// constructed once at application start and injected into consumers;
// there is no package-level instance.
type Manager struct {
	cfg   Config
	state *events.Stream[bool]

	mu       sync.Mutex
	conn     *liveConn
	cancel   context.CancelFunc
	running  bool
	dispatch func(wire.ServerFrame)

	writeMu sync.Mutex
}

// liveConn pairs a socket with its liveness clock.
type liveConn struct {
	ws       *websocket.Conn
	lastRecv atomic.Int64 // unix nanos of the last inbound frame
}

func (c *liveConn) touch() { c.lastRecv.Store(time.Now().UnixNano()) }

func (c *liveConn) idle() time.Duration {
	return time.Since(time.Unix(0, c.lastRecv.Load()))
}

// New creates a disconnected manager. The state stream immediately
// replays false to subscribers.
func New(cfg Config) *Manager {
	m := &Manager{cfg: cfg, state: events.NewStream[bool]()}
	m.state.Publish(false)
	return m
}

// State is the connection-state stream: true on connect, false on every
// loss. Late subscribers receive the current state immediately.
func (m *Manager) State() *events.Stream[bool] { return m.state }

// Connected reports the current transport state.
func (m *Manager) Connected() bool {
	up, _ := m.state.Latest()
	return up
}

// SetDispatch registers the single inbound-frame sink. All frames
// except pongs flow through it.
func (m *Manager) SetDispatch(fn func(wire.ServerFrame)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatch = fn
}

// Connect starts the connection loop with the given bearer credential.
// It is idempotent: a second call while the loop is alive is a no-op.
// Transport failures are retried forever on a fixed delay; an
// authentication failure stops the loop until Connect is called again.
func (m *Manager) Connect(credential string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	go m.run(ctx, credential)
}

// Disconnect tears down the transport and stops reconnecting. The
// credential reference dies with the loop.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.cancel
	conn := m.conn
	m.cancel = nil
	m.running = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.ws.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

func (m *Manager) run(ctx context.Context, credential string) {
	for {
		conn, err := m.dial(ctx, credential)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrAuthFailed) {
				log.Error().Err(err).Msg("connect rejected, not retrying")
				m.mu.Lock()
				m.running = false
				m.cancel = nil
				m.mu.Unlock()
				return
			}
			log.Warn().Err(err).Dur("retryIn", m.cfg.ReconnectDelay).Msg("connect failed")
			if !sleep(ctx, m.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		log.Info().Str("url", m.cfg.URL).Msg("connected")
		m.state.Publish(true)

		m.serve(ctx, conn)

		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		m.state.Publish(false)

		if ctx.Err() != nil {
			return
		}
		log.Warn().Dur("retryIn", m.cfg.ReconnectDelay).Msg("connection lost")
		if !sleep(ctx, m.cfg.ReconnectDelay) {
			return
		}
	}
}

func (m *Manager) dial(ctx context.Context, credential string) (*liveConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	h := http.Header{}
	if credential != "" {
		// Credential travels in the connect handshake, never in frames.
		h.Set("Authorization", "Bearer "+credential)
	}
	ws, resp, err := websocket.Dial(dialCtx, m.cfg.URL, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrAuthFailed, resp.StatusCode)
		}
		return nil, err
	}
	conn := &liveConn{ws: ws}
	conn.touch()
	return conn, nil
}

// serve runs the read loop until the connection dies. A heartbeat
// goroutine pings on the configured interval and kills the socket when
// the server has been silent for twice that long.
func (m *Manager) serve(ctx context.Context, conn *liveConn) {
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go m.heartbeat(hbCtx, conn)

	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			return
		}
		conn.touch()

		f, err := wire.ParseServerFrame(data)
		if err != nil {
			// One bad frame must not block the pipeline.
			log.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}
		if f.Type == wire.FramePong {
			continue
		}

		m.mu.Lock()
		dispatch := m.dispatch
		m.mu.Unlock()
		if dispatch == nil {
			log.Debug().Str("type", f.Type).Msg("dropping frame, no dispatcher")
			continue
		}
		dispatch(f)
	}
}

func (m *Manager) heartbeat(ctx context.Context, conn *liveConn) {
	t := time.NewTicker(m.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if conn.idle() > 2*m.cfg.HeartbeatInterval {
				log.Warn().Dur("idle", conn.idle()).Msg("heartbeat timeout, closing connection")
				_ = conn.ws.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
				return
			}
			if err := m.write(conn, wire.ClientFrame{Type: wire.FramePing}); err != nil {
				return
			}
		}
	}
}

// Publish sends one frame on the current connection. Returns
// ErrNotConnected while the transport is down; callers decide whether
// that is fatal or just logged.
func (m *Manager) Publish(f wire.ClientFrame) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return m.write(conn, f)
}

func (m *Manager) write(conn *liveConn, f wire.ClientFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.ws.Write(ctx, websocket.MessageText, data)
}

// sleep waits d or until ctx is done; reports whether the wait ran its
// course.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
