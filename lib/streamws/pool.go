package streamws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

type pooledConn struct {
	sess      *Session
	inUse     bool
	createdAt time.Time
	lastUsed  time.Time
}

type PoolOptions struct {
	// maximum number of managed sessions, never exceeded
	Capacity int
	// idle sessions unused for longer than this are evicted instead
	// of leased
	IdleTTL time.Duration
	// options used when the pool opens a new session
	Open OpenOptions
	// dials a new open session. defaults to NewSession(config)+Open,
	// overridable in tests
	Dial func(ctx context.Context) (*Session, error)
}

// Pool manages a bounded set of sessions. All mutations of pool state
// are serialized under one lock; a session is either idle in the pool
// or leased to exactly one caller, never both.
type Pool struct {
	mu      sync.Mutex
	entries []*pooledConn

	capacity int
	idleTTL  time.Duration
	dial     func(ctx context.Context) (*Session, error)
}

func NewPool(config Config, opts PoolOptions) *Pool {
	if opts.Capacity == 0 {
		opts.Capacity = 10
	}
	if opts.IdleTTL == 0 {
		opts.IdleTTL = time.Minute * 5
	}
	dial := opts.Dial
	if dial == nil {
		dial = func(ctx context.Context) (*Session, error) {
			sess := NewSession(config)
			err := sess.Open(ctx, opts.Open)
			if err != nil {
				return nil, err
			}
			return sess, nil
		}
	}
	return &Pool{
		capacity: opts.Capacity,
		idleTTL:  opts.IdleTTL,
		dial:     dial,
	}
}

// Lease returns an exclusive session, reusing an idle alive one when
// possible and dialing a new one while capacity remains. It returns
// (nil, nil) when the pool is exhausted; the caller is expected to
// fall back to a one-off direct session.
func (p *Pool) Lease(ctx context.Context) (*Session, error) {
	ctx, span := tracer.Start(ctx, "pool:Lease")
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	kept := p.entries[:0]
	var leased *Session
	for _, entry := range p.entries {
		if leased == nil && !entry.inUse {
			if !entry.sess.IsAlive() || now.Sub(entry.lastUsed) >= p.idleTTL {
				entry.sess.Close()
				continue
			}
			entry.inUse = true
			entry.lastUsed = now
			leased = entry.sess
		}
		kept = append(kept, entry)
	}
	p.entries = kept
	if leased != nil {
		span.SetAttributes(attribute.Bool("reused", true))
		slog.DebugContext(ctx, "reusing pooled session")
		return leased, nil
	}

	if len(p.entries) >= p.capacity {
		slog.WarnContext(ctx, "session pool exhausted", "capacity", p.capacity)
		return nil, nil
	}

	sess, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	p.entries = append(p.entries, &pooledConn{
		sess:      sess,
		inUse:     true,
		createdAt: now,
		lastUsed:  now,
	})
	span.SetAttributes(attribute.Int("pool_size", len(p.entries)))
	slog.DebugContext(ctx, "opened pooled session", "size", len(p.entries), "capacity", p.capacity)
	return sess, nil
}

// Release marks a leased session idle again. Releasing a session the
// pool does not manage is a logged no-op.
func (p *Pool) Release(sess *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range p.entries {
		if entry.sess == sess {
			entry.inUse = false
			entry.lastUsed = time.Now()
			return
		}
	}
	slog.Warn("attempted to release unknown session")
}

// SweepExpired closes and evicts idle sessions past the idle TTL.
func (p *Pool) SweepExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	kept := p.entries[:0]
	evicted := 0
	for _, entry := range p.entries {
		if !entry.inUse && now.Sub(entry.lastUsed) > p.idleTTL {
			entry.sess.Close()
			evicted++
			continue
		}
		kept = append(kept, entry)
	}
	p.entries = kept
	if evicted > 0 {
		slog.Info("evicted expired sessions", "count", evicted)
	}
}

// CloseAll closes every managed session, used at process shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range p.entries {
		entry.sess.Close()
	}
	p.entries = nil
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
