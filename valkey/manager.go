package valkey

import (
	"sync"

	"njlink/config"
	"njlink/logging"
)

// Manager manages multiple Valkey publishers.
type Manager struct {
	publishers []*Publisher
	mu         sync.RWMutex

	writeHandler WriteHandler
}

// NewManager creates a new Valkey manager.
func NewManager() *Manager {
	return &Manager{publishers: make([]*Publisher, 0)}
}

// LoadFromConfig loads publishers from configuration.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig, namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range configs {
		pub := NewPublisher(&configs[i], namespace)
		pub.SetWriteHandler(m.writeHandler)
		m.publishers = append(m.publishers, pub)
	}
}

// Add adds a new publisher.
func (m *Manager) Add(cfg *config.ValkeyConfig, namespace string) *Publisher {
	m.mu.Lock()
	defer m.mu.Unlock()

	pub := NewPublisher(cfg, namespace)
	pub.SetWriteHandler(m.writeHandler)
	m.publishers = append(m.publishers, pub)
	return pub
}

// Remove removes a publisher by name.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()

	var pubToStop *Publisher
	for i, pub := range m.publishers {
		if pub.config.Name == name {
			pubToStop = pub
			m.publishers = append(m.publishers[:i], m.publishers[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	// Stop outside the lock to prevent blocking
	if pubToStop != nil {
		pubToStop.Stop()
		return true
	}
	return false
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pub := range m.publishers {
		if pub.config.Name == name {
			return pub
		}
	}
	return nil
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, len(m.publishers))
	copy(result, m.publishers)
	return result
}

// StartAll starts all enabled publishers.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled {
			if err := pub.Start(); err != nil {
				logging.DebugError("valkey", "start "+pub.config.Name, err)
			} else {
				logging.DebugLog("valkey", "started %s at %s", pub.config.Name, pub.Address())
				started++
			}
		}
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// Publish publishes a variable value to all running publishers.
func (m *Manager) Publish(plcName, varName, typeName string, value interface{}) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			if err := pub.Publish(plcName, varName, typeName, value); err != nil {
				logging.DebugError("valkey", "publish "+pub.config.Name, err)
			}
		}
	}
}

// PublishHealth publishes controller health status to all running publishers.
func (m *Manager) PublishHealth(plcName string, online bool, status, errMsg string) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			if err := pub.PublishHealth(plcName, online, status, errMsg); err != nil {
				logging.DebugError("valkey", "health publish "+pub.config.Name, err)
			}
		}
	}
}

// SetWriteHandler sets the write handler for all publishers.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeHandler = handler
	for _, pub := range m.publishers {
		pub.SetWriteHandler(handler)
	}
}
