package jsengine

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Pool sizing defaults.
const (
	DefaultPoolMinSize    = 5
	DefaultPoolMaxSize    = 10
	DefaultAcquireTimeout = 30 * time.Second
)

// ErrPoolExhausted indicates no runtime became free within the acquire
// timeout.
var ErrPoolExhausted = errors.New("js runtime pool exhausted")

// PoolConfig tunes the runtime pool.
type PoolConfig struct {
	MinSize        int
	MaxSize        int
	AcquireTimeout time.Duration
	Security       SecurityConfig
}

// DefaultPoolConfig returns the standard pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinSize:        DefaultPoolMinSize,
		MaxSize:        DefaultPoolMaxSize,
		AcquireTimeout: DefaultAcquireTimeout,
		Security:       DefaultSecurityConfig(),
	}
}

// Pool is a bounded pool of sandboxed runtimes. Runtimes are reset before
// reuse; a runtime that fails to reset is discarded.
type Pool struct {
	cfg    PoolConfig
	free   chan *Runtime
	mu     sync.Mutex
	total  int
	logger *slog.Logger
}

// NewPool creates a pool and warms the minimum number of runtimes.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultPoolMaxSize
	}
	if cfg.MinSize < 0 || cfg.MinSize > cfg.MaxSize {
		cfg.MinSize = cfg.MaxSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}

	p := &Pool{
		cfg:    cfg,
		free:   make(chan *Runtime, cfg.MaxSize),
		logger: slog.Default(),
	}
	for i := 0; i < cfg.MinSize; i++ {
		rt, err := NewRuntimeWithConfig(cfg.Security)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.total++
		p.free <- rt
	}
	return p, nil
}

// Acquire returns a free runtime, creating one when under the cap, or waits
// until one is released. ErrPoolExhausted after the acquire timeout.
func (p *Pool) Acquire() (*Runtime, error) {
	select {
	case rt := <-p.free:
		return rt, nil
	default:
	}

	p.mu.Lock()
	if p.total < p.cfg.MaxSize {
		p.total++
		p.mu.Unlock()
		rt, err := NewRuntimeWithConfig(p.cfg.Security)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return nil, err
		}
		return rt, nil
	}
	p.mu.Unlock()

	select {
	case rt := <-p.free:
		return rt, nil
	case <-time.After(p.cfg.AcquireTimeout):
		return nil, ErrPoolExhausted
	}
}

// Release resets the runtime and returns it to the pool. A failed reset
// discards the runtime.
func (p *Pool) Release(rt *Runtime) {
	if err := rt.Reset(); err != nil {
		p.logger.Warn("discarding js runtime after failed reset", "error", err)
		rt.Close()
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return
	}
	select {
	case p.free <- rt:
	default:
		// Pool full (over-released); drop the runtime.
		rt.Close()
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
	}
}

// Size reports the number of live runtimes.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Close shuts down all idle runtimes. Runtimes acquired at the time of the
// call are not closed: releasing one afterwards resets it and returns it to
// the idle set.
func (p *Pool) Close() {
	for {
		select {
		case rt := <-p.free:
			rt.Close()
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
		default:
			return
		}
	}
}
