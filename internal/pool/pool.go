// Package pool shares a fixed number of pre-connected clients across many
// sessions. Each client is borrowed by exactly one session at a time;
// callers that find no free client wait, bounded by the acquire timeout.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"msgrelay/internal/metrics"
)

var (
	ErrEmptySession   = errors.New("pool: empty session id")
	ErrNotInitialized = errors.New("pool: not initialized")
	ErrAcquireTimeout = errors.New("pool: timed out waiting for a free client")
	ErrPoolClosed     = errors.New("pool: closed")
)

const DefaultAcquireTimeout = 30 * time.Second

// Conn is a long-lived connection owned by the pool.
type Conn interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// PoolClient is a pooled connection plus its checkout state. Callers borrow it
// between GetClient and ReleaseClient and must not keep it afterwards.
type PoolClient[C Conn] struct {
	Client C
	Index  int

	mu           *sync.Mutex // the owning Pool.mu
	sessionID    string
	acquisitions uint64
}

// SessionID returns the session currently holding the client, or "" once it
// was released or the pool cleaned up.
func (pc *PoolClient[C]) SessionID() string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.sessionID
}

// Acquisitions returns how many times the client has been checked out.
func (pc *PoolClient[C]) Acquisitions() uint64 {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.acquisitions
}

type Config struct {
	Size           int
	AcquireTimeout time.Duration
	Logger         *slog.Logger
}

type Pool[C Conn] struct {
	size    int
	timeout time.Duration
	newConn func(index int) C
	logger  *slog.Logger

	// lifecycle serializes Initialize and Cleanup; connects and disconnects
	// run without holding mu.
	lifecycle sync.Mutex

	mu           sync.Mutex
	clients      []*PoolClient[C]
	initialized  bool
	closed       bool
	acquisitions uint64
	ready        chan struct{} // closed while at least one client is free
	readyClosed  bool
	done         chan struct{} // closed by Cleanup
}

// New builds an uninitialized pool. newConn is called once per slot by
// Initialize.
func New[C Conn](cfg Config, newConn func(index int) C) *Pool[C] {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool[C]{
		size:    cfg.Size,
		timeout: cfg.AcquireTimeout,
		newConn: newConn,
		logger:  cfg.Logger.With("component", "pool"),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Initialize connects every client sequentially. On the first failure the
// already-connected clients are disconnected and the connect error is
// returned; the pool stays uninitialized.
func (p *Pool[C]) Initialize(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	already := p.initialized
	p.mu.Unlock()
	if already {
		p.logger.Warn("pool already initialized, ignoring")
		return nil
	}

	clients := make([]*PoolClient[C], 0, p.size)
	for i := range p.size {
		c := p.newConn(i)
		if err := c.Connect(ctx); err != nil {
			p.logger.Error("pool client connect failed, rolling back", "index", i, "err", err)
			for _, pc := range clients {
				if derr := pc.Client.Disconnect(ctx); derr != nil {
					p.logger.Warn("rollback disconnect failed", "index", pc.Index, "err", derr)
				}
			}
			return fmt.Errorf("connect pool client %d: %w", i, err)
		}
		clients = append(clients, &PoolClient[C]{Client: c, Index: i, mu: &p.mu})
	}

	p.mu.Lock()
	p.clients = clients
	p.initialized = true
	p.closed = false
	p.done = make(chan struct{})
	p.refreshReady()
	p.mu.Unlock()

	metrics.ObservePool(0, len(clients))
	p.logger.Info("pool initialized", "size", len(clients))
	return nil
}

// GetClient checks out the first free client for sessionID, waiting up to
// the acquire timeout measured from the start of the call.
func (p *Pool[C]) GetClient(ctx context.Context, sessionID string) (*PoolClient[C], error) {
	if sessionID == "" {
		return nil, ErrEmptySession
	}

	start := time.Now()
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if !p.initialized {
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return nil, ErrPoolClosed
			}
			return nil, ErrNotInitialized
		}
		if pc := p.firstFree(); pc != nil {
			pc.sessionID = sessionID
			pc.acquisitions++
			p.acquisitions++
			p.refreshReady()
			inUse, free := p.countLocked()
			p.mu.Unlock()

			metrics.ObservePool(inUse, free)
			metrics.PoolAcquireWait.Observe(time.Since(start).Seconds())
			return pc, nil
		}
		ready, done := p.ready, p.done
		p.mu.Unlock()

		select {
		case <-ready:
		case <-done:
			return nil, ErrPoolClosed
		case <-timer.C:
			metrics.PoolAcquireTimeouts.Inc()
			return nil, fmt.Errorf("%w: session %s after %s", ErrAcquireTimeout, sessionID, p.timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ReleaseClient frees the client held by sessionID. It reports whether a
// client was found; releasing an unknown session is not an error.
func (p *Pool[C]) ReleaseClient(sessionID string) bool {
	if sessionID == "" {
		return false
	}

	p.mu.Lock()
	var found bool
	for _, pc := range p.clients {
		if pc.sessionID == sessionID {
			pc.sessionID = ""
			found = true
			break
		}
	}
	if found {
		p.refreshReady()
	}
	inUse, free := p.countLocked()
	p.mu.Unlock()

	if found {
		metrics.ObservePool(inUse, free)
	}
	return found
}

// Cleanup blocks new acquisitions, wakes waiters with ErrPoolClosed and
// disconnects every client, including checked-out ones. Disconnect failures
// are logged and do not stop the loop. No-op when never initialized.
func (p *Pool[C]) Cleanup(ctx context.Context) {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return
	}
	clients := p.clients
	held := make([]string, len(clients))
	for i, pc := range clients {
		held[i] = pc.sessionID
		pc.sessionID = ""
	}
	p.clients = nil
	p.initialized = false
	p.closed = true
	if p.readyClosed {
		p.ready = make(chan struct{})
		p.readyClosed = false
	}
	close(p.done)
	p.mu.Unlock()

	for i, pc := range clients {
		if held[i] != "" {
			p.logger.Warn("disconnecting checked-out client", "index", pc.Index, "session", held[i])
		}
		if err := pc.Client.Disconnect(ctx); err != nil {
			p.logger.Error("pool client disconnect failed", "index", pc.Index, "err", err)
		}
	}
	metrics.ObservePool(0, 0)
	p.logger.Info("pool shut down", "clients", len(clients))
}

type Stats struct {
	Initialized  bool   `json:"initialized"`
	Size         int    `json:"size"`
	InUse        int    `json:"in_use"`
	Available    int    `json:"available"`
	Acquisitions uint64 `json:"acquisitions"`
}

func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	inUse, free := p.countLocked()
	return Stats{
		Initialized:  p.initialized,
		Size:         p.size,
		InUse:        inUse,
		Available:    free,
		Acquisitions: p.acquisitions,
	}
}

// firstFree returns the first client with no session. Caller holds mu.
func (p *Pool[C]) firstFree() *PoolClient[C] {
	for _, pc := range p.clients {
		if pc.sessionID == "" {
			return pc
		}
	}
	return nil
}

// refreshReady closes ready when a client is free and swaps in a fresh
// channel when none are. Caller holds mu.
func (p *Pool[C]) refreshReady() {
	free := p.firstFree() != nil
	switch {
	case free && !p.readyClosed:
		close(p.ready)
		p.readyClosed = true
	case !free && p.readyClosed:
		p.ready = make(chan struct{})
		p.readyClosed = false
	}
}

func (p *Pool[C]) countLocked() (inUse, free int) {
	for _, pc := range p.clients {
		if pc.sessionID != "" {
			inUse++
		} else {
			free++
		}
	}
	return inUse, free
}
