package streamws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"hashdive-scraper/lib/telemetry"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

// startServer runs a websocket endpoint whose connections are driven
// by handler. It returns a ws:// url for the session under test.
func startServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// consume keeps the server side reading so inbound control frames
// (ping in particular) are processed.
func consume(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func openSession(t *testing.T, url string) *Session {
	sess := NewSession(Config{URL: url})
	err := sess.Open(context.Background(), OpenOptions{MaxRetries: 1})
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	return sess
}

func TestSessionSendReceive(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:lib/streamws")
	defer cleanup()

	url := startServer(t, func(conn *websocket.Conn) {
		// echo the request back, then push two more frames
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.WriteMessage(msgType, data)
		conn.WriteMessage(websocket.BinaryMessage, []byte("second"))
		conn.WriteMessage(websocket.TextMessage, []byte("third"))
		consume(conn)
	})
	sess := openSession(t, url)
	require.True(t, sess.IsAlive())

	err := sess.Send([]byte("hello"))
	require.NoError(t, err)

	ctx := context.Background()

	frame, ok := sess.Receive(ctx, time.Second*5)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), frame.Payload)
	require.Equal(t, FrameBinary, frame.Kind)
	require.Equal(t, 5, frame.Size)
	require.False(t, frame.ReceivedAt.IsZero())

	frame, ok = sess.Receive(ctx, time.Second*5)
	require.True(t, ok)
	require.Equal(t, []byte("second"), frame.Payload)

	frame, ok = sess.Receive(ctx, time.Second*5)
	require.True(t, ok)
	require.Equal(t, FrameText, frame.Kind)

	require.False(t, sess.LastActivity().Before(sess.CreatedAt()))
}

func TestSessionReceiveTimeout(t *testing.T) {
	url := startServer(t, consume)
	sess := openSession(t, url)

	start := time.Now()
	_, ok := sess.Receive(context.Background(), time.Millisecond*100)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), time.Millisecond*100)

	// a receive timeout must not poison the connection
	require.True(t, sess.IsAlive())
	require.NoError(t, sess.Ping(context.Background()))
}

func TestSessionReceiveCancel(t *testing.T) {
	url := startServer(t, consume)
	sess := openSession(t, url)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(time.Millisecond * 50)
		cancel()
	}()
	_, ok := sess.Receive(ctx, 0)
	require.False(t, ok)
}

func TestSessionOpenRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	sess := NewSession(Config{URL: url})
	start := time.Now()
	err := sess.Open(context.Background(), OpenOptions{
		MaxRetries:  3,
		BackoffBase: time.Millisecond * 20,
	})
	require.Error(t, err)
	// two waits happened: base*1 then base*2
	require.GreaterOrEqual(t, time.Since(start), time.Millisecond*60)
	require.False(t, sess.IsAlive())
}

func TestSessionSendAfterClose(t *testing.T) {
	url := startServer(t, consume)
	sess := openSession(t, url)

	sess.Close()
	sess.Close()

	err := sess.Send([]byte("late"))
	require.ErrorIs(t, err, ErrNotOpen)
	require.False(t, sess.IsAlive())
}

func TestSessionDetectsPeerClose(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.BinaryMessage, []byte("only"))
	})
	sess := openSession(t, url)

	_, ok := sess.Receive(context.Background(), time.Second*5)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return !sess.IsAlive()
	}, time.Second*5, time.Millisecond*10)

	_, ok = sess.Receive(context.Background(), time.Millisecond*100)
	require.False(t, ok)
}

func TestReceiveStreamMaxFrames(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn) {
		for i := 0; i < 20; i++ {
			if err := conn.WriteMessage(websocket.BinaryMessage, []byte{byte(i)}); err != nil {
				return
			}
		}
		consume(conn)
	})
	sess := openSession(t, url)

	var got []Frame
	for frame := range sess.ReceiveStream(context.Background(), StreamOptions{
		MaxFrames:       5,
		PerFrameTimeout: time.Second * 5,
	}) {
		got = append(got, frame)
	}
	require.Len(t, got, 5)
	require.Equal(t, []byte{0}, got[0].Payload)
	require.Equal(t, []byte{4}, got[4].Payload)
}

func TestReceiveStreamTotalTimeout(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn) {
		for {
			if err := conn.WriteMessage(websocket.BinaryMessage, []byte("tick")); err != nil {
				return
			}
			time.Sleep(time.Millisecond * 50)
		}
	})
	sess := openSession(t, url)

	start := time.Now()
	count := 0
	for range sess.ReceiveStream(context.Background(), StreamOptions{
		TotalTimeout: time.Millisecond * 300,
	}) {
		count++
	}
	elapsed := time.Since(start)

	require.Greater(t, count, 0)
	require.GreaterOrEqual(t, elapsed, time.Millisecond*300)
	require.Less(t, elapsed, time.Second*2)
}

func TestReceiveStreamSurvivesQuietGap(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn) {
		go consume(conn)
		// one frame, a gap longer than the per-frame timeout, then
		// another frame
		conn.WriteMessage(websocket.BinaryMessage, []byte("a"))
		time.Sleep(time.Millisecond * 250)
		conn.WriteMessage(websocket.BinaryMessage, []byte("b"))
		time.Sleep(time.Millisecond * 250)
	})
	sess := openSession(t, url)

	var got []string
	for frame := range sess.ReceiveStream(context.Background(), StreamOptions{
		MaxFrames:       2,
		PerFrameTimeout: time.Millisecond * 100,
	}) {
		got = append(got, string(frame.Payload))
	}
	// the gap triggers a keepalive probe; the peer answers, so the
	// stream keeps waiting instead of ending early
	require.Equal(t, []string{"a", "b"}, got)
}

func TestReceiveStreamEndsOnPeerClose(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.BinaryMessage, []byte("a"))
		conn.WriteMessage(websocket.BinaryMessage, []byte("b"))
	})
	sess := openSession(t, url)

	count := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range sess.ReceiveStream(context.Background(), StreamOptions{
			PerFrameTimeout: time.Second,
		}) {
			count++
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second * 5):
		t.Fatal("stream did not terminate after peer close")
	}
	require.Equal(t, 2, count)
}

func TestReceiveStreamCancelStopsConsuming(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:lib/streamws")
	defer cleanup()

	// the server pushes one frame per inbound message, so nothing
	// arrives before the test asks for it
	url := startServer(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.BinaryMessage, []byte("first"))
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.BinaryMessage, []byte("second"))
		conn.WriteMessage(websocket.BinaryMessage, []byte("third"))
		consume(conn)
	})
	sess := openSession(t, url)

	ctx, cancel := context.WithCancel(context.Background())
	stream := sess.ReceiveStream(ctx, StreamOptions{PerFrameTimeout: time.Second * 5})

	require.NoError(t, sess.Send([]byte("go")))
	frame, ok := <-stream
	require.True(t, ok)
	require.Equal(t, []byte("first"), frame.Payload)

	// shut the stream down before the session changes hands, draining
	// until the channel closes proves its goroutine is gone
	cancel()
	for range stream {
	}

	// frames arriving now belong to whoever receives next, the
	// finished stream must not eat them
	require.NoError(t, sess.Send([]byte("more")))
	frame, ok = sess.Receive(context.Background(), time.Second*5)
	require.True(t, ok)
	require.Equal(t, []byte("second"), frame.Payload)
	frame, ok = sess.Receive(context.Background(), time.Second*5)
	require.True(t, ok)
	require.Equal(t, []byte("third"), frame.Payload)
}

func TestSessionCloseWithUnconsumedBacklog(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:lib/streamws")
	defer cleanup()

	url := startServer(t, func(conn *websocket.Conn) {
		for i := 0; i < 100; i++ {
			if conn.WriteMessage(websocket.BinaryMessage, []byte("frame")) != nil {
				return
			}
		}
		consume(conn)
	})

	before := runtime.NumGoroutine()
	sess := openSession(t, url)

	// let the receive buffer fill with no consumer attached, the read
	// loop ends up blocked handing over the overflow frame
	time.Sleep(time.Millisecond * 200)
	sess.Close()
	require.False(t, sess.IsAlive())

	// Close must take the read loop down even though no one is
	// receiving
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, time.Second*5, time.Millisecond*50, "read loop still running after Close")

	// what was buffered stays readable, ending on a closed channel
	received := 0
	for {
		_, ok := sess.Receive(context.Background(), time.Second)
		if !ok {
			break
		}
		received++
	}
	require.LessOrEqual(t, received, 32)
}
