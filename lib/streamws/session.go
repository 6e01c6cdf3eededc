// Package streamws maintains long-lived websocket sessions against the
// remote push endpoint: connect with retry, send, time-boxed receive,
// keepalive probing and a bounded connection pool.
package streamws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	random "github.com/mazen160/go-random"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("hashdive.lib.streamws")

var ErrNotOpen = fmt.Errorf("session is not open")

type FrameKind int

const (
	FrameBinary FrameKind = iota
	FrameText
)

func (k FrameKind) String() string {
	if k == FrameText {
		return "text"
	}
	return "binary"
}

// Frame is one inbound unit on the wire. Immutable once received.
type Frame struct {
	Payload    []byte
	Kind       FrameKind
	Size       int
	ReceivedAt time.Time
}

type Config struct {
	URL              string
	Headers          http.Header
	Subprotocols     []string
	MaxFrameSize     int64
	HandshakeTimeout time.Duration
}

type OpenOptions struct {
	MaxRetries  int
	BackoffBase time.Duration
}

const (
	defaultMaxFrameSize     = 20 * 1024 * 1024
	defaultHandshakeTimeout = time.Second * 30
	pongWait                = time.Second * 5
	writeWait               = time.Second * 10
)

// Session owns one websocket connection. It must have exactly one
// owner at a time, either the pool (while idle) or a single lessee.
type Session struct {
	config Config

	// writes are serialized, reads happen only on the readLoop goroutine
	writeMu sync.Mutex

	mu           sync.Mutex
	conn         *websocket.Conn
	closed       bool
	createdAt    time.Time
	lastActivity time.Time

	frames   chan Frame
	readDone chan struct{}
	stop     chan struct{}
	pong     chan struct{}
}

func NewSession(config Config) *Session {
	if config.MaxFrameSize == 0 {
		config.MaxFrameSize = defaultMaxFrameSize
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Session{config: config}
}

// Open dials the endpoint, retrying with exponentially increasing
// delay between attempts. It returns an error only after every
// attempt has failed and never retries after a success.
func (s *Session) Open(ctx context.Context, opts OpenOptions) error {
	ctx, span := tracer.Start(ctx, "session:Open")
	defer span.End()

	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := opts.BackoffBase * time.Duration(attempt)
			// a little jitter so concurrent re-dials don't line up
			jitterMs, err := random.IntRange(0, 250)
			if err == nil {
				delay += time.Duration(jitterMs) * time.Millisecond
			}
			slog.InfoContext(
				ctx, "retrying connection",
				"attempt", attempt+1, "max", opts.MaxRetries, "delay", delay,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := s.dial(ctx)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt+1))
			slog.InfoContext(ctx, "websocket connection established", "url", s.config.URL)
			return nil
		}
		lastErr = err
		span.AddEvent("attempt failed", trace.WithAttributes(
			attribute.Int("attempt", attempt+1),
			attribute.String("err", err.Error()),
		))
		slog.WarnContext(
			ctx, "connection attempt failed",
			"attempt", attempt+1, "max", opts.MaxRetries, "err", err,
		)
	}

	span.SetStatus(codes.Error, "all connection attempts failed")
	return fmt.Errorf("open %s: %w", s.config.URL, lastErr)
}

func (s *Session) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: s.config.HandshakeTimeout,
		Subprotocols:     s.config.Subprotocols,
	}
	conn, res, err := dialer.DialContext(ctx, s.config.URL, s.config.Headers)
	if err != nil {
		if res != nil {
			return fmt.Errorf("dial: %w (status %d)", err, res.StatusCode)
		}
		return err
	}

	conn.SetReadLimit(s.config.MaxFrameSize)

	s.mu.Lock()
	s.conn = conn
	s.closed = false
	s.createdAt = time.Now()
	s.lastActivity = s.createdAt
	s.frames = make(chan Frame, 32)
	s.readDone = make(chan struct{})
	s.stop = make(chan struct{})
	s.pong = make(chan struct{}, 1)
	s.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		select {
		case s.pong <- struct{}{}:
		default:
		}
		return nil
	})

	go s.readLoop(conn, s.frames, s.readDone, s.stop)
	return nil
}

// readLoop is the sole reader of the connection. Control frames (pong
// included) are processed inside ReadMessage, so the loop must stay
// blocked on it for keepalive probes to work.
func (s *Session) readLoop(conn *websocket.Conn, frames chan Frame, done, stop chan struct{}) {
	defer close(done)
	defer close(frames)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read ended", "err", err)
			}
			return
		}

		kind := FrameBinary
		if msgType == websocket.TextMessage {
			kind = FrameText
		}
		frame := Frame{
			Payload:    data,
			Kind:       kind,
			Size:       len(data),
			ReceivedAt: time.Now(),
		}

		s.mu.Lock()
		s.lastActivity = frame.ReceivedAt
		s.mu.Unlock()

		// the buffer can fill while no one is receiving, Close must
		// still be able to take the loop down
		select {
		case frames <- frame:
		case <-stop:
			return
		}
	}
}

// Send writes one binary frame. It does not reconnect or resend on
// failure, a failed write means the connection is already gone.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	s.mu.Unlock()
	if conn == nil || closed {
		return ErrNotOpen
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteMessage(websocket.BinaryMessage, data)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return nil
}

// Receive blocks for at most `timeout` (indefinitely when zero) for
// the next inbound frame. A timeout or a closed session returns
// ok=false, never an error.
func (s *Session) Receive(ctx context.Context, timeout time.Duration) (Frame, bool) {
	s.mu.Lock()
	frames := s.frames
	s.mu.Unlock()
	if frames == nil {
		return Frame{}, false
	}

	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case frame, ok := <-frames:
		if !ok {
			return Frame{}, false
		}
		return frame, true
	case <-expire:
		return Frame{}, false
	case <-ctx.Done():
		return Frame{}, false
	}
}

// Ping sends a keepalive probe and waits for the peer's pong. It is
// how a lone slow frame is distinguished from a dead connection.
func (s *Session) Ping(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	pong := s.pong
	s.mu.Unlock()
	if conn == nil || closed {
		return ErrNotOpen
	}

	// drop a stale pong from an earlier probe
	select {
	case <-pong:
	default:
	}

	s.writeMu.Lock()
	err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	select {
	case <-pong:
		return nil
	case <-s.readDone:
		return fmt.Errorf("ping: connection closed")
	case <-time.After(pongWait):
		return fmt.Errorf("ping: no pong within %s", pongWait)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close is idempotent. A closed session is never reopened.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed || s.conn == nil {
		s.closed = true
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	stop := s.stop
	s.mu.Unlock()

	close(stop)

	s.writeMu.Lock()
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.writeMu.Unlock()
	conn.Close()
}

// IsAlive reports transport state without blocking, it does not depend
// on data having moved recently.
func (s *Session) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.closed {
		return false
	}
	select {
	case <-s.readDone:
		return false
	default:
		return true
	}
}

func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}
