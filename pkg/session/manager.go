package session

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/harmony-one/bonding-curve-prototype/pkg/chain"
	"github.com/harmony-one/bonding-curve-prototype/pkg/trade"
)

var ErrNoSession = errors.New("no active account")

// Manager owns the active session. Switching accounts closes the old session
// and builds a fresh one; nothing carries over except the shared options.
// Status subscribers stay attached across switches.
type Manager struct {
	opts   Options
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	current *Session
	stopFwd func()

	subsMu sync.Mutex
	subs   map[uint64]chan trade.TradeStatus
	nextID uint64
}

func NewManager(opts Options, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		opts:   opts,
		logger: logger,
		subs:   make(map[uint64]chan trade.TradeStatus),
	}
}

// Switch makes ledger's account the active one and returns its new session.
func (m *Manager) Switch(ledger chain.Ledger) *Session {
	s := New(ledger, m.opts, m.logger)
	s.Start()

	m.mu.Lock()
	old, oldStop := m.current, m.stopFwd
	m.current = s
	m.stopFwd = m.forward(s)
	m.mu.Unlock()

	if old != nil {
		oldStop()
		old.Close()
		m.logger.Infow("account_switched", "from", old.Account().Hex(), "to", s.Account().Hex())
	}
	return s
}

// Current returns the active session.
func (m *Manager) Current() (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, ErrNoSession
	}
	return m.current, nil
}

// Subscribe receives the statuses of whichever session is active.
func (m *Manager) Subscribe(buffer int) (<-chan trade.TradeStatus, func()) {
	ch := make(chan trade.TradeStatus, buffer)
	m.subsMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) forward(s *Session) (stop func()) {
	in, cancel := s.Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for st := range in {
			m.subsMu.Lock()
			for _, ch := range m.subs {
				select {
				case ch <- st:
				default:
				}
			}
			m.subsMu.Unlock()
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Close ends the active session.
func (m *Manager) Close() {
	m.mu.Lock()
	s, stop := m.current, m.stopFwd
	m.current, m.stopFwd = nil, nil
	m.mu.Unlock()
	if s != nil {
		stop()
		s.Close()
	}
}
