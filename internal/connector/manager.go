// internal/connector/manager.go
package connector

import (
	"context"
	"fmt"
	"sync"

	"crossflow/internal/model"
	"crossflow/logger"
)

// RegistryKey identifies one connector slot.
type RegistryKey struct {
	Exchange model.Exchange
	Market   model.MarketType
}

// Manager is the registry and lifecycle supervisor for all live
// connectors.
type Manager struct {
	mu          sync.RWMutex
	connectors  map[RegistryKey]Connector
	onReconnect []func(Connector)
	log         *logger.Log
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{
		connectors: make(map[RegistryKey]Connector),
		log:        logger.GetLogger(),
	}
}

// Add registers a connector. Adding a second connector for the same
// (exchange, market type) is an error.
func (m *Manager) Add(c Connector) error {
	key := RegistryKey{Exchange: c.Exchange(), Market: c.MarketType()}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.connectors[key]; exists {
		return fmt.Errorf("connector for %s/%s already registered", key.Exchange, key.Market)
	}
	m.connectors[key] = c
	if rn, ok := c.(reconnectNotifier); ok {
		rn.SetReconnectHook(func() { m.NotifyReconnected(c) })
	}
	m.log.WithComponent("connector_manager").WithFields(logger.Fields{
		"exchange": key.Exchange,
		"market":   key.Market,
	}).Info("connector registered")
	return nil
}

// reconnectNotifier is implemented by Core. Adapters embedding it get the
// manager's reconnect hook installed on registration.
type reconnectNotifier interface {
	SetReconnectHook(fn func())
}

// Remove disconnects and unregisters a connector.
func (m *Manager) Remove(exchange model.Exchange, market model.MarketType) error {
	key := RegistryKey{Exchange: exchange, Market: market}
	m.mu.Lock()
	c, exists := m.connectors[key]
	if exists {
		delete(m.connectors, key)
	}
	m.mu.Unlock()
	if !exists {
		return fmt.Errorf("no connector registered for %s/%s", exchange, market)
	}
	if rn, ok := c.(reconnectNotifier); ok {
		rn.SetReconnectHook(nil)
	}
	return c.Disconnect()
}

// Get returns the connector for one slot.
func (m *Manager) Get(exchange model.Exchange, market model.MarketType) (Connector, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connectors[RegistryKey{Exchange: exchange, Market: market}]
	return c, ok
}

// ByExchange returns the first connector for an exchange regardless of
// market type.
func (m *Manager) ByExchange(exchange model.Exchange) (Connector, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, c := range m.connectors {
		if key.Exchange == exchange {
			return c, true
		}
	}
	return nil, false
}

// All returns every registered connector.
func (m *Manager) All() []Connector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Connector, 0, len(m.connectors))
	for _, c := range m.connectors {
		out = append(out, c)
	}
	return out
}

// ConnectAll connects every registered connector in parallel and returns
// the first error, if any. Connectors that fail keep reconnecting on their
// own; the error is informational.
func (m *Manager) ConnectAll(ctx context.Context) error {
	return m.forAll(func(c Connector) error { return c.Connect(ctx) })
}

// DisconnectAll disconnects every registered connector in parallel.
func (m *Manager) DisconnectAll() error {
	return m.forAll(func(c Connector) error { return c.Disconnect() })
}

func (m *Manager) forAll(fn func(Connector) error) error {
	connectors := m.All()
	var wg sync.WaitGroup
	errs := make(chan error, len(connectors))
	for _, c := range connectors {
		wg.Add(1)
		go func(c Connector) {
			defer wg.Done()
			if err := fn(c); err != nil {
				m.log.WithComponent("connector_manager").WithError(err).WithFields(logger.Fields{
					"exchange": c.Exchange(),
				}).Warn("connector operation failed")
				errs <- err
			}
		}(c)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

// StatusAll polls every connector's status.
func (m *Manager) StatusAll() map[RegistryKey]model.ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[RegistryKey]model.ConnectionStatus, len(m.connectors))
	for key, c := range m.connectors {
		out[key] = c.Status()
	}
	return out
}

// OnReconnect registers a callback invoked whenever a previously
// disconnected connector reports Connected again. The position manager
// hooks reconciliation here.
func (m *Manager) OnReconnect(fn func(Connector)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = append(m.onReconnect, fn)
}

// NotifyReconnected runs the registered reconnect callbacks. The core
// invokes it through the hook installed by Add whenever a previously
// connected adapter reports Connected again.
func (m *Manager) NotifyReconnected(c Connector) {
	m.mu.RLock()
	callbacks := append([]func(Connector){}, m.onReconnect...)
	m.mu.RUnlock()
	for _, fn := range callbacks {
		fn(c)
	}
}
