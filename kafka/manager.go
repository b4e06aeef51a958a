package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"njlink/config"
	"njlink/logging"
)

// VariableMessage is the JSON structure produced for variable value changes.
type VariableMessage struct {
	Namespace string      `json:"namespace"`
	PLC       string      `json:"plc"`
	Variable  string      `json:"variable"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// HealthMessage is the JSON structure produced for controller health status.
type HealthMessage struct {
	Namespace string    `json:"namespace"`
	PLC       string    `json:"plc"`
	Online    bool      `json:"online"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// publishJob represents a pending Kafka publish operation.
type publishJob struct {
	producer *Producer
	topic    string
	key      []byte
	payload  []byte
	cacheKey string
	value    interface{}
}

// Manager manages multiple Kafka producer connections and their optional
// write-back consumers.
type Manager struct {
	producers  map[string]*Producer
	consumers  map[string]*Consumer
	mu         sync.RWMutex
	lastValues map[string]interface{} // Last published value per cluster/plc/variable
	lastMu     sync.RWMutex

	writeHandler WriteHandler

	// Worker pool for bounded publish goroutines
	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 10

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 1000

// NewManager creates a new Kafka manager.
func NewManager() *Manager {
	m := &Manager{
		producers:    make(map[string]*Producer),
		consumers:    make(map[string]*Consumer),
		lastValues:   make(map[string]interface{}),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
	m.startWorkers()
	return m
}

// startWorkers starts the publish worker goroutines.
func (m *Manager) startWorkers() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker()
	}
}

// publishWorker processes publish jobs from the queue.
func (m *Manager) publishWorker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopChan:
			return
		case job, ok := <-m.publishQueue:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := job.producer.Produce(ctx, job.topic, job.key, job.payload); err == nil {
				m.lastMu.Lock()
				m.lastValues[job.cacheKey] = job.value
				m.lastMu.Unlock()
			} else {
				logging.DebugError("kafka", "publish "+job.cacheKey, err)
			}
			cancel()
		}
	}
}

// AddCluster adds a new Kafka cluster, creating a write-back consumer when
// the config asks for one.
func (m *Manager) AddCluster(cfg *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.producers[cfg.Name]; exists {
		return
	}

	producer := NewProducer(cfg)
	m.producers[cfg.Name] = producer

	if cfg.EnableWriteback {
		consumer := NewConsumer(cfg, producer)
		consumer.SetWriteHandler(m.writeHandler)
		m.consumers[cfg.Name] = consumer
	}
}

// RemoveCluster removes a Kafka cluster and disconnects.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	producer, exists := m.producers[name]
	consumer := m.consumers[name]
	if exists {
		delete(m.producers, name)
		delete(m.consumers, name)
	}
	m.mu.Unlock()

	// Stop outside the lock to prevent blocking
	if consumer != nil {
		consumer.Stop()
	}
	if exists && producer != nil {
		producer.Disconnect()
	}
}

// GetProducer returns the producer for the named cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// ListClusters returns all cluster names.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	return names
}

// Connect connects to the named Kafka cluster.
func (m *Manager) Connect(name string) error {
	m.mu.RLock()
	producer, exists := m.producers[name]
	consumer := m.consumers[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}

	if err := producer.Connect(); err != nil {
		return err
	}
	if consumer != nil {
		return consumer.Start()
	}
	return nil
}

// Disconnect disconnects from the named Kafka cluster.
func (m *Manager) Disconnect(name string) {
	m.mu.RLock()
	producer, exists := m.producers[name]
	consumer := m.consumers[name]
	m.mu.RUnlock()

	if consumer != nil {
		consumer.Stop()
	}
	if exists && producer != nil {
		producer.Disconnect()
	}
}

// ConnectEnabled connects to all enabled Kafka clusters in the background.
func (m *Manager) ConnectEnabled() {
	m.mu.RLock()
	names := make([]string, 0, len(m.producers))
	for name, p := range m.producers {
		if p.config.Enabled {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()

	for _, name := range names {
		go func(n string) {
			if err := m.Connect(n); err != nil {
				logging.DebugError("kafka", "connect "+n, err)
			}
		}(name)
	}
}

// StopAll disconnects from all Kafka clusters and stops workers.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		m.disconnectAll()
		return
	}

	// Save old channels and create new ones while holding lock
	oldStopChan := m.stopChan
	m.stopChan = make(chan struct{})
	m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
	m.started = false
	m.mu.Unlock()

	close(oldStopChan)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logging.DebugLog("kafka", "timeout waiting for publish workers to stop")
	}

	m.disconnectAll()
}

func (m *Manager) disconnectAll() {
	m.mu.RLock()
	producers := make([]*Producer, 0, len(m.producers))
	consumers := make([]*Consumer, 0, len(m.consumers))
	for _, p := range m.producers {
		producers = append(producers, p)
	}
	for _, c := range m.consumers {
		consumers = append(consumers, c)
	}
	m.mu.RUnlock()

	for _, c := range consumers {
		c.Stop()
	}
	for _, p := range producers {
		p.Disconnect()
	}
}

// Produce sends a message to a topic on the named cluster.
func (m *Manager) Produce(ctx context.Context, clusterName, topic string, key, value []byte) error {
	m.mu.RLock()
	producer, exists := m.producers[clusterName]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("kafka cluster not found: %s", clusterName)
	}

	return producer.Produce(ctx, topic, key, value)
}

// ProduceWithRetry sends a message with the cluster's configured retries.
func (m *Manager) ProduceWithRetry(ctx context.Context, clusterName, topic string, key, value []byte) error {
	m.mu.RLock()
	producer, exists := m.producers[clusterName]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("kafka cluster not found: %s", clusterName)
	}

	cfg := producer.config
	return producer.ProduceWithRetry(ctx, topic, key, value, cfg.MaxRetries, cfg.RetryBackoff)
}

// GetClusterStatus returns the status of a specific cluster.
func (m *Manager) GetClusterStatus(name string) (ConnectionStatus, error) {
	m.mu.RLock()
	producer, exists := m.producers[name]
	m.mu.RUnlock()

	if !exists {
		return StatusDisconnected, fmt.Errorf("cluster not found")
	}

	return producer.GetStatus(), producer.GetError()
}

// LoadFromConfigs loads cluster configurations from the gateway config.
func (m *Manager) LoadFromConfigs(configs []config.KafkaConfig, namespace string) {
	for _, kc := range configs {
		cfg := FromGateway(kc, namespace)
		m.AddCluster(&cfg)
	}
}

// SetWriteHandler sets the write handler for all write-back consumers.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeHandler = handler
	for _, c := range m.consumers {
		c.SetWriteHandler(handler)
	}
}

// Publish sends a variable value to all connected Kafka clusters. Only
// publishes when the value has changed since the last send, unless force is
// true.
func (m *Manager) Publish(plcName, varName, typeName string, value interface{}, force bool) {
	m.startWorkers()

	m.mu.RLock()
	producers := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		producers = append(producers, p)
	}
	m.mu.RUnlock()

	for _, p := range producers {
		if p.GetStatus() != StatusConnected {
			continue
		}

		cacheKey := fmt.Sprintf("%s/%s/%s", p.config.Name, plcName, varName)

		m.lastMu.RLock()
		lastValue, exists := m.lastValues[cacheKey]
		m.lastMu.RUnlock()

		if exists && !force && fmt.Sprintf("%v", lastValue) == fmt.Sprintf("%v", value) {
			continue // No change
		}

		msg := VariableMessage{
			Namespace: p.config.BaseTopic,
			PLC:       plcName,
			Variable:  varName,
			Value:     value,
			Type:      typeName,
			Timestamp: time.Now().UTC(),
		}

		payload, err := json.Marshal(msg)
		if err != nil {
			continue
		}

		job := publishJob{
			producer: p,
			topic:    p.config.VariableTopic(),
			// Keyed per variable so partitioning preserves per-variable order.
			key:      []byte(plcName + "." + varName),
			payload:  payload,
			cacheKey: cacheKey,
			value:    value,
		}
		select {
		case m.publishQueue <- job:
		default:
			logging.DebugLog("kafka", "publish queue full, dropping message for %s", cacheKey)
		}
	}
}

// PublishHealth publishes controller health status to all connected clusters.
func (m *Manager) PublishHealth(plcName string, online bool, status, errMsg string) {
	m.startWorkers()

	m.mu.RLock()
	producers := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		producers = append(producers, p)
	}
	m.mu.RUnlock()

	for _, p := range producers {
		if p.GetStatus() != StatusConnected {
			continue
		}

		msg := HealthMessage{
			Namespace: p.config.BaseTopic,
			PLC:       plcName,
			Online:    online,
			Status:    status,
			Error:     errMsg,
			Timestamp: time.Now().UTC(),
		}

		payload, err := json.Marshal(msg)
		if err != nil {
			continue
		}

		job := publishJob{
			producer: p,
			topic:    p.config.HealthTopic(),
			key:      []byte(plcName),
			payload:  payload,
			cacheKey: fmt.Sprintf("%s/%s/health", p.config.Name, plcName),
			value:    nil, // Health messages are always published
		}
		select {
		case m.publishQueue <- job:
		default:
			logging.DebugLog("kafka", "publish queue full, dropping health message for %s", plcName)
		}
	}
}

// AnyPublishing returns true if any cluster is connected.
func (m *Manager) AnyPublishing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.producers {
		if p.GetStatus() == StatusConnected {
			return true
		}
	}
	return false
}

// ClearLastValues clears the change tracking cache, forcing republish of all
// values.
func (m *Manager) ClearLastValues() {
	m.lastMu.Lock()
	m.lastValues = make(map[string]interface{})
	m.lastMu.Unlock()
}
