package render

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Pool sizing constants.
const (
	// MinPoolSize ensures at least one browser is available.
	MinPoolSize = 1

	// MaxPoolSize caps browser instances to limit memory (~200MB each).
	MaxPoolSize = 8

	// cpuDivisor leaves headroom for Chrome child processes.
	cpuDivisor = 2
)

// browser is the part of a Chrome instance the pool needs.
type browser interface {
	render(ctx context.Context, doc Document) ([]byte, error)
	healthy() bool
	close() error
}

type launchFunc func() (browser, error)

// defaultHealthTimeout bounds the liveness check after a failed render.
const defaultHealthTimeout = 5 * time.Second

// Pool is an Engine backed by at most size browsers. Browsers are launched
// lazily on first use and replaced when they stop answering.
type Pool struct {
	size          int
	launch        launchFunc
	logger        *zap.Logger
	healthTimeout time.Duration

	// idle holds browsers waiting for work. A nil entry is a slot that is
	// already counted in created but has no browser, because its launch
	// failed or its browser was discarded.
	idle chan browser

	mu      sync.Mutex
	created int
	live    map[browser]struct{}
	closed  bool
}

// NewPool creates a pool of n Chrome browsers. Nothing is launched until
// the first Render.
func NewPool(n int, cfg BrowserConfig, guard URLChecker, logger *zap.Logger) *Pool {
	return newPool(n, func() (browser, error) {
		return launchChrome(cfg, guard, logger)
	}, logger)
}

func newPool(n int, launch launchFunc, logger *zap.Logger) *Pool {
	if n < MinPoolSize {
		n = MinPoolSize
	}
	return &Pool{
		size:          n,
		launch:        launch,
		logger:        logger,
		healthTimeout: defaultHealthTimeout,
		idle:          make(chan browser, n),
		live:          make(map[browser]struct{}, n),
	}
}

// Render runs doc on a pooled browser, blocking until one is free or ctx
// is done.
func (p *Pool) Render(ctx context.Context, doc Document) ([]byte, error) {
	b, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	pdf, err := b.render(ctx, doc)
	p.release(b, err != nil && !p.healthy(b))
	return pdf, err
}

// acquire prefers an idle browser, then launches one while under capacity,
// and only then waits for a release.
func (p *Pool) acquire(ctx context.Context) (browser, error) {
	select {
	case b := <-p.idle:
		return p.ready(b)
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.created < p.size {
		p.created++
		p.mu.Unlock()
		return p.ready(nil)
	}
	p.mu.Unlock()

	select {
	case b := <-p.idle:
		return p.ready(b)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ready turns a slot into a usable browser, launching one into an empty
// slot. On failure the slot goes back to idle empty so a waiter can retry.
func (p *Pool) ready(b browser) (browser, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.idle <- nil
		return nil, ErrPoolClosed
	}
	if b != nil {
		return b, nil
	}

	b, err := p.launch()
	if err != nil {
		p.idle <- nil
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.idle <- nil
		return nil, multierr.Append(ErrPoolClosed, b.close())
	}
	p.live[b] = struct{}{}
	return b, nil
}

// healthy runs the browser's liveness check, treating a check that does
// not answer within healthTimeout as a failure.
func (p *Pool) healthy(b browser) bool {
	done := make(chan bool, 1)
	go func() { done <- b.healthy() }()

	timer := time.NewTimer(p.healthTimeout)
	defer timer.Stop()
	select {
	case ok := <-done:
		return ok
	case <-timer.C:
		return false
	}
}

// release hands b back to the idle set. A broken browser is closed and its
// slot returned empty so the next acquire launches a replacement.
func (p *Pool) release(b browser, broken bool) {
	p.mu.Lock()
	closed := p.closed
	if broken {
		delete(p.live, b)
	}
	p.mu.Unlock()

	if broken {
		p.logger.Warn("discarding unresponsive browser")
		if err := b.close(); err != nil {
			p.logger.Warn("closing browser", zap.Error(err))
		}
		p.idle <- nil
		return
	}
	if closed {
		p.idle <- nil
		return
	}
	p.idle <- b
}

// Close shuts every launched browser down. Renders in flight fail; later
// calls to Render return ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	live := p.live
	p.live = map[browser]struct{}{}
	p.mu.Unlock()

	var err error
	for b := range live {
		err = multierr.Append(err, b.close())
	}
	return err
}

// Size returns the pool capacity.
func (p *Pool) Size() int {
	return p.size
}

// ResolvePoolSize determines the pool size.
// Priority: explicit workers > GOMAXPROCS-based calculation.
func ResolvePoolSize(workers int) int {
	if workers > 0 {
		return workers
	}

	// GOMAXPROCS is adjusted to the container quota by automaxprocs.
	n := runtime.GOMAXPROCS(0) / cpuDivisor
	if n < MinPoolSize {
		return MinPoolSize
	}
	if n > MaxPoolSize {
		return MaxPoolSize
	}
	return n
}
