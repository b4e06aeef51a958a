// Package mqtt publishes controller variable values to MQTT brokers and
// accepts write-back requests over a per-controller write topic.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"njlink/config"
	"njlink/logging"
)

// writeJob represents a pending write operation.
type writeJob struct {
	client    pahomqtt.Client
	rootTopic string
	plcName   string
	varName   string
	value     interface{}
	handler   WriteHandler
	err       error // pre-validated failure, reported without calling the handler
}

// MaxWriteWorkers is the maximum number of concurrent write goroutines per publisher.
const MaxWriteWorkers = 5

// MaxWriteQueueSize is the maximum number of pending write jobs per publisher.
const MaxWriteQueueSize = 100

// WriteHandler applies a write request to a controller variable.
type WriteHandler func(plcName, varName string, value interface{}) error

// Publisher handles MQTT connection and publishes variable values to a
// single broker.
type Publisher struct {
	config    *config.MQTTConfig
	rootTopic string
	client    pahomqtt.Client
	running   bool
	mu        sync.RWMutex

	// Track last published values to detect changes
	lastValues map[string]string
	lastMu     sync.RWMutex

	writeHandler WriteHandler
	plcNames     []string // controllers to subscribe for writes

	writeQueue chan writeJob
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// VariableMessage is the JSON structure published to MQTT.
type VariableMessage struct {
	PLC       string      `json:"plc"`
	Variable  string      `json:"variable"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// HealthMessage is the JSON structure published to the health topic.
type HealthMessage struct {
	PLC       string `json:"plc"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// WriteRequest is the JSON structure for incoming write requests.
type WriteRequest struct {
	PLC      string      `json:"plc"`
	Variable string      `json:"variable"`
	Value    interface{} `json:"value"`
}

// WriteResponse is the JSON structure for write responses.
type WriteResponse struct {
	PLC       string      `json:"plc"`
	Variable  string      `json:"variable"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// NewPublisher creates a new MQTT publisher for a single broker.  The root
// topic is the instance namespace plus the broker's optional selector.
func NewPublisher(cfg *config.MQTTConfig, namespace string) *Publisher {
	root := namespace
	if cfg.Selector != "" {
		root = namespace + "/" + cfg.Selector
	}
	return &Publisher{
		config:     cfg,
		rootTopic:  root,
		lastValues: make(map[string]string),
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the broker address string.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Start connects to the MQTT broker.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Build options without holding the lock
	opts := pahomqtt.NewClientOptions()
	if p.config.UseTLS {
		opts.AddBroker(fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port))
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		opts.AddBroker(fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port))
	}

	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	client := pahomqtt.NewClient(opts)
	logging.DebugLog("mqtt", "connecting to broker %s:%d", p.config.Broker, p.config.Port)

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("Start %q: connection timeout", p.config.Name)
	}
	if token.Error() != nil {
		return fmt.Errorf("Start %q: %w", p.config.Name, token.Error())
	}

	logging.DebugLog("mqtt", "connected to broker %s:%d", p.config.Broker, p.config.Port)

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	// Clear last values to force republish of all values
	p.lastMu.Lock()
	p.lastValues = make(map[string]string)
	p.lastMu.Unlock()

	p.startWriteWorkers()
	if p.config.EnableWriteback {
		p.subscribeWriteTopics()
	}
	return nil
}

// Stop disconnects from the MQTT broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}

	p.running = false
	client := p.client
	p.client = nil

	oldStopChan := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStopChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.DebugLog("mqtt", "timeout waiting for write workers to stop")
	}

	client.Disconnect(500)
}

// BuildTopic constructs the full topic path for a variable.
func (p *Publisher) BuildTopic(plcName, varName string) string {
	return fmt.Sprintf("%s/%s/variables/%s", p.rootTopic, plcName, varName)
}

// Publish sends a variable value to MQTT if it has changed since the last
// publish.  Returns true when a message actually went out.
func (p *Publisher) Publish(plcName, varName, typeName string, value interface{}, force bool) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	cacheKey := plcName + "/" + varName
	rendered := fmt.Sprintf("%v", value)

	p.lastMu.RLock()
	last, exists := p.lastValues[cacheKey]
	p.lastMu.RUnlock()

	if exists && !force && last == rendered {
		return false
	}

	msg := VariableMessage{
		PLC:       plcName,
		Variable:  varName,
		Value:     value,
		Type:      typeName,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return false
	}

	token := client.Publish(p.BuildTopic(plcName, varName), 1, true, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return false
	}
	if token.Error() != nil {
		return false
	}

	p.lastMu.Lock()
	p.lastValues[cacheKey] = rendered
	p.lastMu.Unlock()

	return true
}

// PublishHealth sends a controller health status message. Health messages
// are always published, never change-filtered.
func (p *Publisher) PublishHealth(plcName string, online bool, status, errMsg string) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	msg := HealthMessage{
		PLC:       plcName,
		Online:    online,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return false
	}

	topic := fmt.Sprintf("%s/%s/health", p.rootTopic, plcName)
	token := client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return false
	}
	return token.Error() == nil
}

// SetWriteHandler sets the callback for handling write requests.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetPLCNames sets the controller names to subscribe for write requests.
func (p *Publisher) SetPLCNames(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plcNames = names
}

func (p *Publisher) startWriteWorkers() {
	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker()
	}
}

// writeWorker processes write jobs from the queue.
func (p *Publisher) writeWorker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case job, ok := <-p.writeQueue:
			if !ok {
				return
			}
			writeErr := job.err
			if writeErr == nil {
				if job.handler == nil {
					writeErr = fmt.Errorf("no write handler configured")
				} else {
					logging.DebugLog("mqtt", "write %s/%s = %v", job.plcName, job.varName, job.value)
					writeErr = job.handler(job.plcName, job.varName, job.value)
					if writeErr != nil {
						logging.DebugError("mqtt", fmt.Sprintf("write %s/%s", job.plcName, job.varName), writeErr)
					}
				}
			}
			p.publishWriteResponse(job.client, job.rootTopic, job.plcName, job.varName, job.value, writeErr)
		}
	}
}

// subscribeWriteTopics subscribes to write topics for all configured controllers.
func (p *Publisher) subscribeWriteTopics() {
	p.mu.RLock()
	client := p.client
	plcNames := p.plcNames
	p.mu.RUnlock()

	if client == nil || len(plcNames) == 0 {
		return
	}

	for _, plcName := range plcNames {
		topic := fmt.Sprintf("%s/%s/write", p.rootTopic, plcName)
		token := client.Subscribe(topic, 1, p.handleWriteMessage)
		if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
			logging.DebugError("mqtt", "subscribe "+topic, token.Error())
			continue
		}
		logging.DebugLog("mqtt", "subscribed to %s", topic)
	}
}

// handleWriteMessage parses an incoming write request and queues it for a
// worker, dropping with an error response when the queue is full.
func (p *Publisher) handleWriteMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	logging.DebugLog("mqtt", "write request on %s: %s", msg.Topic(), msg.Payload())

	p.mu.RLock()
	handler := p.writeHandler
	p.mu.RUnlock()

	job := writeJob{client: client, rootTopic: p.rootTopic, handler: handler}

	var req WriteRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		job.err = fmt.Errorf("invalid JSON: %w", err)
	} else {
		job.plcName = req.PLC
		job.varName = req.Variable
		job.value = req.Value
		if req.PLC == "" || req.Variable == "" {
			job.err = fmt.Errorf("write request missing plc or variable")
		}
	}

	select {
	case p.writeQueue <- job:
	default:
		logging.DebugLog("mqtt", "write queue full, rejecting write for %s/%s", req.PLC, req.Variable)
		go p.publishWriteResponse(client, p.rootTopic, req.PLC, req.Variable, req.Value,
			fmt.Errorf("write queue full, try again later"))
	}
}

// publishWriteResponse publishes a write response to MQTT.
func (p *Publisher) publishWriteResponse(client pahomqtt.Client, rootTopic, plcName, varName string, value interface{}, err error) {
	resp := WriteResponse{
		PLC:       plcName,
		Variable:  varName,
		Value:     value,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
	}

	payload, _ := json.Marshal(resp)

	responseTopic := fmt.Sprintf("%s/%s/write/response", rootTopic, plcName)
	if plcName == "" {
		responseTopic = fmt.Sprintf("%s/write/response", rootTopic)
	}
	token := client.Publish(responseTopic, 1, false, payload)
	token.WaitTimeout(2 * time.Second)
}

// Manager manages multiple MQTT publishers.
type Manager struct {
	publishers   map[string]*Publisher
	mu           sync.RWMutex
	writeHandler WriteHandler
	plcNames     []string
}

// NewManager creates a new MQTT manager.
func NewManager() *Manager {
	return &Manager{publishers: make(map[string]*Publisher)}
}

// Add adds a publisher to the manager and applies the current write
// handler and controller list to it.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	m.publishers[pub.Name()] = pub
	handler := m.writeHandler
	plcNames := m.plcNames
	m.mu.Unlock()

	if handler != nil {
		pub.SetWriteHandler(handler)
	}
	if len(plcNames) > 0 {
		pub.SetPLCNames(plcNames)
	}
}

// Remove removes a publisher by name and stops it.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	pub, exists := m.publishers[name]
	if exists {
		delete(m.publishers, name)
	}
	m.mu.Unlock()

	if exists {
		pub.Stop()
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	return result
}

// LoadFromConfig creates publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, namespace string) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], namespace))
	}
}

// StartAll starts all publishers that are configured as enabled.
// Returns the number of publishers successfully started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled && !pub.IsRunning() {
			if err := pub.Start(); err != nil {
				logging.DebugError("mqtt", "start "+pub.Name(), err)
			} else {
				logging.DebugLog("mqtt", "started %s (%s)", pub.Name(), pub.Address())
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

// Publish publishes a value to all running publishers.
func (m *Manager) Publish(plcName, varName, typeName string, value interface{}, force bool) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.Publish(plcName, varName, typeName, value, force)
		}
	}
}

// PublishHealth publishes a health status message to all running publishers.
func (m *Manager) PublishHealth(plcName string, online bool, status, errMsg string) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishHealth(plcName, online, status, errMsg)
		}
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

// SetWriteHandler sets the write handler for all publishers.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	m.writeHandler = handler
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetWriteHandler(handler)
	}
}

// SetPLCNames sets the controller names for write subscriptions on all
// publishers.
func (m *Manager) SetPLCNames(names []string) {
	m.mu.Lock()
	m.plcNames = names
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetPLCNames(names)
	}
}
