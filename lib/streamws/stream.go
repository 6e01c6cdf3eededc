package streamws

import (
	"context"
	"log/slog"
	"time"
)

type StreamOptions struct {
	// stop after this many frames, 0 means unlimited
	MaxFrames int
	// give up waiting for a single frame after this long, but only if
	// a keepalive probe also fails. 0 means wait indefinitely.
	PerFrameTimeout time.Duration
	// stop this long after the stream began regardless of activity,
	// 0 means unlimited
	TotalTimeout time.Duration
}

// ReceiveStream produces frames as they arrive until MaxFrames is
// reached, TotalTimeout elapses, the session closes, or a per-frame
// timeout is confirmed dead by a failed keepalive probe. The channel
// is closed on termination, mid-stream transport failure ends the
// stream gracefully rather than surfacing an error.
func (s *Session) ReceiveStream(ctx context.Context, opts StreamOptions) <-chan Frame {
	out := make(chan Frame)

	go func() {
		defer close(out)

		start := time.Now()
		count := 0

		for {
			if opts.MaxFrames > 0 && count >= opts.MaxFrames {
				slog.DebugContext(ctx, "frame stream reached max frames", "max", opts.MaxFrames)
				return
			}

			wait := opts.PerFrameTimeout
			if opts.TotalTimeout > 0 {
				remaining := opts.TotalTimeout - time.Since(start)
				if remaining <= 0 {
					slog.DebugContext(ctx, "frame stream reached total timeout", "timeout", opts.TotalTimeout)
					return
				}
				if wait == 0 || remaining < wait {
					wait = remaining
				}
			}

			frame, ok := s.Receive(ctx, wait)
			if !ok {
				if ctx.Err() != nil {
					return
				}
				if !s.IsAlive() {
					slog.DebugContext(ctx, "frame stream ended, session closed")
					return
				}
				if opts.TotalTimeout > 0 && time.Since(start) >= opts.TotalTimeout {
					return
				}
				// an isolated slow frame is not itself a failure,
				// probe before declaring the stream dead
				err := s.Ping(ctx)
				if err != nil {
					slog.DebugContext(ctx, "keepalive probe failed, ending frame stream", "err", err)
					return
				}
				continue
			}

			count++
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
