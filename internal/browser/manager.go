package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"xhssign/internal/config"
	"xhssign/internal/metrics"
)

type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// AssetSource supplies the anti-fingerprint script. ok=false means run
// without it.
type AssetSource interface {
	Load(ctx context.Context) (script string, ok bool)
}

// Session is the live browser page plus the identity token captured when it
// was bootstrapped. The token is never refreshed: rotating identities is what
// trips the platform's abuse defenses.
type Session struct {
	instance      Instance
	identityToken string
	readyAt       time.Time
}

func (s *Session) IdentityToken() string { return s.identityToken }
func (s *Session) ReadyAt() time.Time     { return s.readyAt }

// Manager owns the process-wide browser session. All access goes through
// EnsureReady and the read accessors; initialization is serialized so
// concurrent callers trigger at most one bootstrap sequence.
type Manager struct {
	cfg     config.BrowserConfig
	driver  Driver
	assets  AssetSource
	logger  *zap.Logger
	metrics *metrics.Metrics

	// root outlives every request; the browser is bound to it.
	root   context.Context
	cancel context.CancelFunc

	// initSlot is a one-slot semaphore so waiters can give up on ctx.
	initSlot chan struct{}
	state    atomic.Int32
	warming  atomic.Bool

	mu      sync.RWMutex
	session *Session

	sleep func(ctx context.Context, d time.Duration) error
}

func NewManager(cfg config.BrowserConfig, driver Driver, assets AssetSource, logger *zap.Logger, m *metrics.Metrics) *Manager {
	root, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		driver:   driver,
		assets:   assets,
		logger:   logger.Named("browser"),
		metrics:  m,
		root:     root,
		cancel:   cancel,
		initSlot: make(chan struct{}, 1),
		sleep:    sleepContext,
	}
}

func (m *Manager) State() State { return State(m.state.Load()) }

// Ready reports whether a session page currently exists.
func (m *Manager) Ready() bool { return m.current() != nil }

// IdentityToken returns the captured a1 value, or "" before bootstrap.
func (m *Manager) IdentityToken() string {
	if s := m.current(); s != nil {
		return s.identityToken
	}
	return ""
}

// EnsureReady returns the live session, running the bootstrap sequence if
// none exists. It is a no-op once a session is ready. A failed bootstrap
// leaves the manager uninitialized; the next call starts over.
func (m *Manager) EnsureReady(ctx context.Context) (*Session, error) {
	if s := m.current(); s != nil {
		return s, nil
	}

	select {
	case m.initSlot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.root.Done():
		return nil, ErrClosed
	}
	defer func() { <-m.initSlot }()

	if m.root.Err() != nil {
		return nil, ErrClosed
	}
	// Another caller may have finished while we waited.
	if s := m.current(); s != nil {
		return s, nil
	}
	return m.initialize()
}

// Warm starts initialization in the background unless a session is ready or
// a warm-up is already running. It never blocks.
func (m *Manager) Warm() {
	if m.Ready() || !m.warming.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer m.warming.Store(false)
		if _, err := m.EnsureReady(m.root); err != nil {
			m.logger.Warn("Background browser initialization failed", zap.Error(err))
		}
	}()
}

// Call evaluates window[fn](args...) in the live page.
func (m *Manager) Call(ctx context.Context, fn string, args ...any) (any, error) {
	s := m.current()
	if s == nil {
		return nil, ErrNotReady
	}
	return s.instance.Call(ctx, fn, args...)
}

// Close stops the browser engine. The manager cannot be reused afterwards.
func (m *Manager) Close() error {
	m.cancel()
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.mu.Unlock()
	m.state.Store(int32(StateUninitialized))
	m.metrics.SetReady(false)
	if s == nil {
		return nil
	}
	m.logger.Info("Stopping browser")
	return s.instance.Close()
}

// current returns the session if its page is still alive.
func (m *Manager) current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil || m.session.instance.Closed() {
		return nil
	}
	return m.session
}

// initialize must be called with initSlot held.
func (m *Manager) initialize() (*Session, error) {
	m.discardStale()

	m.state.Store(int32(StateInitializing))
	m.logger.Info("Initializing signing browser session", zap.String("home_url", m.cfg.HomeURL))

	s, err := m.bootstrap()
	if err != nil {
		m.state.Store(int32(StateUninitialized))
		m.metrics.Initialization("error")
		m.logger.Error("Browser initialization failed", zap.Error(err))
		return nil, err
	}

	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
	m.state.Store(int32(StateReady))
	m.metrics.Initialization("ok")
	m.metrics.SetReady(true)
	m.logger.Info("Browser session ready, waiting for sign requests")
	return s, nil
}

// discardStale drops a session whose page was torn down.
func (m *Manager) discardStale() {
	m.mu.Lock()
	stale := m.session
	m.session = nil
	m.mu.Unlock()
	if stale == nil {
		return
	}
	m.metrics.SetReady(false)
	m.logger.Warn("Browser page is gone, re-initializing")
	if err := stale.instance.Close(); err != nil {
		m.logger.Debug("Closing stale browser instance", zap.Error(err))
	}
}

func (m *Manager) bootstrap() (*Session, error) {
	// The asset step is bounded by the fetcher's own per-mirror timeouts and
	// does not eat into the launch and navigation budget.
	script, ok := m.assets.Load(m.root)
	if !ok {
		m.logger.Warn("Anti-fingerprint script unavailable, starting without it")
	}

	ctx := m.root
	if m.cfg.InitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(m.root, m.cfg.InitTimeout)
		defer cancel()
	}

	inst, err := m.launch(ctx, launchOptions(m.cfg, script))
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	if ok {
		m.logger.Info("Anti-fingerprint script registered for new documents")
	}

	if err := inst.Navigate(ctx, m.cfg.HomeURL); err != nil {
		_ = inst.Close()
		return nil, fmt.Errorf("navigate to %s: %w", m.cfg.HomeURL, err)
	}

	m.logger.Info("Waiting for page cookies to settle", zap.Duration("delay", m.cfg.SettleDelay))
	if err := m.sleep(ctx, m.cfg.SettleDelay); err != nil {
		_ = inst.Close()
		return nil, fmt.Errorf("settle: %w", err)
	}

	s := &Session{instance: inst, readyAt: time.Now()}
	cookies, err := inst.Cookies(ctx)
	if err != nil {
		m.logger.Warn("Failed to read browser cookies", zap.Error(err))
	}
	for _, c := range cookies {
		if c.Name == m.cfg.IdentityCookie {
			s.identityToken = c.Value
			break
		}
	}
	if s.identityToken == "" {
		m.logger.Warn("Identity cookie not found, signing may fail", zap.String("cookie", m.cfg.IdentityCookie))
	} else {
		m.logger.Info("Captured identity cookie",
			zap.String("cookie", m.cfg.IdentityCookie), zap.String("value", s.identityToken))
	}
	return s, nil
}

// launch starts the engine bound to root, since the browser outlives ctx, but
// stops waiting once ctx ends. An instance that arrives late is closed.
func (m *Manager) launch(ctx context.Context, opts LaunchOptions) (Instance, error) {
	type result struct {
		inst Instance
		err  error
	}
	done := make(chan result, 1)
	go func() {
		inst, err := m.driver.Launch(m.root, opts)
		done <- result{inst, err}
	}()

	select {
	case r := <-done:
		return r.inst, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.inst != nil {
				_ = r.inst.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
