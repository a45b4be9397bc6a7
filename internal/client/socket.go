package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jobwatch/jobwatch/internal/push"
)

const (
	reconnectBase = 500 * time.Millisecond
	reconnectCap  = 30 * time.Second
	eventBuffer   = 64
	writeTimeout  = 10 * time.Second
)

// ErrNotConnected is returned by control calls while the socket is down.
var ErrNotConnected = errors.New("push socket not connected")

// SocketConfig configures a Socket.
type SocketConfig struct {
	BaseURL string
	APIKey  string
	UserID  string
	// OnConnect runs after every successful dial, before frames are read.
	// The room manager's Rejoin belongs here.
	OnConnect func(ctx context.Context)
	Logger    *slog.Logger
}

// Socket is a reconnecting push connection. It implements rooms.Transport.
type Socket struct {
	url    string
	header http.Header
	cfg    SocketConfig
	dialer *websocket.Dialer
	logger *slog.Logger
	events chan push.Message

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewSocket prepares a socket for BaseURL's /api/v1/ws endpoint. Call Run to connect.
func NewSocket(cfg SocketConfig) (*Socket, error) {
	wsURL, err := WebSocketURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	header := http.Header{}
	header.Set("X-API-Key", cfg.APIKey)
	if cfg.UserID != "" {
		header.Set("X-User-ID", cfg.UserID)
	}
	return &Socket{
		url:    wsURL,
		header: header,
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		logger: cfg.Logger,
		events: make(chan push.Message, eventBuffer),
	}, nil
}

// WebSocketURL turns an http(s) server base URL into its websocket endpoint.
func WebSocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/ws"
	return u.String(), nil
}

// Events delivers pushed frames. It is closed when Run returns.
func (s *Socket) Events() <-chan push.Message { return s.events }

// Connected reports whether a connection is currently up.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Run keeps the socket connected until ctx is done, redialing with full-jitter backoff.
func (s *Socket) Run(ctx context.Context) {
	defer close(s.events)

	attempt := 0
	for ctx.Err() == nil {
		conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
		if err != nil {
			attempt++
			wait := backoff(attempt)
			s.logger.Warn("push socket: dial failed", "attempt", attempt, "retry_in", wait, "error", err)
			if !sleep(ctx, wait) {
				return
			}
			continue
		}
		attempt = 0
		s.setConn(conn)
		s.logger.Info("push socket: connected", "url", s.url)
		if s.cfg.OnConnect != nil {
			s.cfg.OnConnect(ctx)
		}

		s.readLoop(ctx, conn)

		s.setConn(nil)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		wait := backoff(1)
		s.logger.Warn("push socket: disconnected, polling continues", "retry_in", wait)
		if !sleep(ctx, wait) {
			return
		}
	}
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var msg push.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("push socket: read failed", "error", err)
			}
			return
		}
		if msg.Type == push.MessageTypePong {
			continue
		}
		select {
		case s.events <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Socket) JoinUser(ctx context.Context, userID string) error {
	data, err := json.Marshal(userID)
	if err != nil {
		return err
	}
	return s.write(ctx, push.Message{Type: push.MessageTypeJoinUser, Data: data})
}

func (s *Socket) JoinRoom(ctx context.Context, room string) error {
	return s.write(ctx, push.Message{Type: push.MessageTypeJoin, Room: room})
}

func (s *Socket) LeaveRoom(ctx context.Context, room string) error {
	return s.write(ctx, push.Message{Type: push.MessageTypeLeave, Room: room})
}

func (s *Socket) write(ctx context.Context, msg push.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	msg.Timestamp = time.Now().UTC()
	s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s frame: %w", msg.Type, err)
	}
	return nil
}

func (s *Socket) setConn(c *websocket.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

// backoff returns a random wait in [0, min(cap, base*2^attempt)).
func backoff(attempt int) time.Duration {
	exp := reconnectBase << min(attempt, 16)
	if exp > reconnectCap || exp <= 0 {
		exp = reconnectCap
	}
	return time.Duration(rand.Int64N(int64(exp)))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
