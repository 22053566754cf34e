package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"revertprobe/internal/wallet"
)

// Session binds one account on the required network to a connected provider. Its fields
// never change; a provider-side change ends the session instead.
type Session struct {
	ID            uuid.UUID
	Provider      wallet.Provider
	Info          wallet.ProviderInfo
	Account       common.Address
	ChainID       uint64
	EstablishedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// Context is cancelled when the session ends. Work bound to the session should run under it.
func (s *Session) Context() context.Context {
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// Ended reports whether the session has been disconnected or invalidated.
func (s *Session) Ended() bool {
	return s.ctx != nil && s.ctx.Err() != nil
}

func (s *Session) end() {
	if s.cancel != nil {
		s.cancel()
	}
}

type (
	EstablishHook func(ctx context.Context, s *Session)
	// TeardownHook receives the ended session (nil when none was active) and the reason,
	// nil for an explicit disconnect.
	TeardownHook func(s *Session, reason error)
)

// Manager owns the single active session.
type Manager struct {
	network       Network
	watchInterval time.Duration
	logger        log.Logger
	now           func() time.Time

	mu        sync.RWMutex
	current   *Session
	stopWatch func()

	hookMu      sync.RWMutex
	onEstablish []EstablishHook
	onTeardown  []TeardownHook
}

type Option func(*Manager)

// WithWatchInterval enables polling eth_accounts and eth_chainId for providers that do not
// push change notifications.
func WithWatchInterval(d time.Duration) Option {
	return func(m *Manager) { m.watchInterval = d }
}

func WithLogger(l log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func NewManager(network Network, opts ...Option) *Manager {
	m := &Manager{
		network: network,
		logger:  log.Root(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.New("component", "session")
	return m
}

func (m *Manager) Network() Network { return m.network }

func (m *Manager) OnEstablish(h EstablishHook) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onEstablish = append(m.onEstablish, h)
}

func (m *Manager) OnTeardown(h TeardownHook) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onTeardown = append(m.onTeardown, h)
}

// Current returns the active session.
func (m *Manager) Current() (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.current != nil
}

// Connect authorizes an account, makes sure the provider is on the required network and
// publishes the session. Any failure leaves no session behind. Nothing is retried.
func (m *Manager) Connect(ctx context.Context, d wallet.Detail) (*Session, error) {
	if d.Provider == nil {
		return nil, errProviderRequired
	}
	if _, ok := m.Current(); ok {
		return nil, ErrAlreadyConnected
	}
	p := d.Provider
	logger := m.logger.New("provider", d.Info.Name)

	var accounts []common.Address
	if err := p.CallContext(ctx, &accounts, "eth_requestAccounts"); err != nil {
		logger.Warn("Account authorization failed", "err", err)
		return nil, fmt.Errorf("request accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}

	chainID, err := chainIDOf(ctx, p)
	if err != nil {
		return nil, err
	}
	if chainID != m.network.ChainID {
		logger.Info("Provider on foreign network, switching", "have", chainID, "want", m.network.ChainID)
		if err := m.assureNetwork(ctx, p); err != nil {
			logger.Warn("Network assurance failed", "err", err)
			return nil, err
		}
		if chainID, err = chainIDOf(ctx, p); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNetworkAssuranceFailed, err)
		}
		if chainID != m.network.ChainID {
			return nil, fmt.Errorf("%w: provider still on chain %d", ErrNetworkAssuranceFailed, chainID)
		}
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		ctx:           sessCtx,
		cancel:        cancel,
		ID:            uuid.New(),
		Provider:      p,
		Info:          d.Info,
		Account:       accounts[0],
		ChainID:       chainID,
		EstablishedAt: m.now(),
	}
	start, stop := m.watch(sess)

	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		stop()
		sess.end()
		return nil, ErrAlreadyConnected
	}
	m.current = sess
	m.stopWatch = stop
	m.mu.Unlock()
	start()

	logger.Info("Wallet connected", "account", sess.Account, "chain", sess.ChainID, "session", sess.ID)
	m.hookMu.RLock()
	hooks := append([]EstablishHook(nil), m.onEstablish...)
	m.hookMu.RUnlock()
	for _, h := range hooks {
		h(ctx, sess)
	}
	return sess, nil
}

// Disconnect ends the active session, if any. Teardown hooks always run.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	sess := m.current
	m.current = nil
	if sess != nil {
		sess.end()
	}
	stop := m.stopWatch
	m.stopWatch = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	if sess != nil {
		m.logger.Info("Wallet disconnected", "session", sess.ID)
	}
	m.runTeardown(sess, nil)
}

// invalidate ends sess if it is still the active session.
func (m *Manager) invalidate(sess *Session, reason error) {
	m.mu.Lock()
	if m.current != sess {
		m.mu.Unlock()
		return
	}
	m.current = nil
	sess.end()
	stop := m.stopWatch
	m.stopWatch = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	m.logger.Warn("Session invalidated", "session", sess.ID, "reason", reason)
	m.runTeardown(sess, reason)
}

func (m *Manager) runTeardown(sess *Session, reason error) {
	m.hookMu.RLock()
	hooks := append([]TeardownHook(nil), m.onTeardown...)
	m.hookMu.RUnlock()
	for _, h := range hooks {
		h(sess, reason)
	}
}

func (m *Manager) assureNetwork(ctx context.Context, p wallet.Provider) error {
	want := m.network.ChainID
	err := p.CallContext(ctx, nil, "wallet_switchEthereumChain", switchChainParams{ChainID: hexutil.Uint64(want)})
	if err == nil {
		return nil
	}
	if !wallet.HasCode(err, wallet.CodeUnrecognizedChain) {
		return fmt.Errorf("%w: switch to chain %d: %w", ErrNetworkAssuranceFailed, want, err)
	}
	// Adding a chain also switches to it.
	if err := p.CallContext(ctx, nil, "wallet_addEthereumChain", m.network.addChainParams()); err != nil {
		return fmt.Errorf("%w: add chain %d: %w", ErrNetworkAssuranceFailed, want, err)
	}
	return nil
}

func chainIDOf(ctx context.Context, p wallet.Provider) (uint64, error) {
	var id hexutil.Uint64
	if err := p.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return 0, fmt.Errorf("query chain id: %w", err)
	}
	return uint64(id), nil
}
