// Package valkey stores controller variable values in a Valkey/Redis server
// and optionally consumes write-back requests from a list-backed queue.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"njlink/config"
	"njlink/logging"
)

// joinKey joins key segments with colons, trimming leading/trailing colons
// from each segment to avoid empty key parts.
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// VariableMessage represents a variable value message stored in Valkey.
type VariableMessage struct {
	Namespace string      `json:"namespace"`
	PLC       string      `json:"plc"`
	Variable  string      `json:"variable"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// WriteRequest represents a write request from the write queue.
type WriteRequest struct {
	Namespace string      `json:"namespace"`
	PLC       string      `json:"plc"`
	Variable  string      `json:"variable"`
	Value     interface{} `json:"value"`
}

// WriteResponse represents a response to a write request.
type WriteResponse struct {
	Namespace string      `json:"namespace"`
	PLC       string      `json:"plc"`
	Variable  string      `json:"variable"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// HealthMessage represents a controller health status message stored in Valkey.
type HealthMessage struct {
	Namespace string    `json:"namespace"`
	PLC       string    `json:"plc"`
	Online    bool      `json:"online"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WriteHandler applies a write request to a controller variable.
type WriteHandler func(plcName, varName string, value interface{}) error

// Publisher handles publishing variable values to a Valkey server.
type Publisher struct {
	config    *config.ValkeyConfig
	namespace string
	client    *redis.Client
	running   bool
	mu        sync.RWMutex

	writeHandler WriteHandler

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a new Valkey publisher.  Keys live under the
// instance namespace plus the optional selector.
func NewPublisher(cfg *config.ValkeyConfig, namespace string) *Publisher {
	ns := namespace
	if cfg.Selector != "" {
		ns = joinKey(namespace, cfg.Selector)
	}
	return &Publisher{
		config:    cfg,
		namespace: ns,
		stopChan:  make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	logging.DebugConnect("valkey", p.config.Address)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		logging.DebugConnectError("valkey", p.config.Address, err)
		return fmt.Errorf("Start %q: %w", p.config.Name, err)
	}
	logging.DebugConnectSuccess("valkey", p.config.Address, fmt.Sprintf("db %d", p.config.Database))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return nil
	}

	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})

	if p.config.EnableWriteback {
		p.wg.Add(1)
		go p.writebackListener()
	}
	return nil
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}

	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// The writeback listener polls with a 1s BLPop timeout, so give it a
	// short grace period rather than blocking shutdown.
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
	}

	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// BuildKey returns the storage key for a variable value.
func (p *Publisher) BuildKey(plcName, varName string) string {
	return joinKey(p.namespace, plcName, "variables", varName)
}

// Publish stores a variable value in Valkey and, when enabled, announces
// the change over Pub/Sub.
func (p *Publisher) Publish(plcName, varName, typeName string, value interface{}) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	cfg := p.config
	p.mu.RUnlock()

	msg := VariableMessage{
		Namespace: p.namespace,
		PLC:       plcName,
		Variable:  varName,
		Value:     value,
		Type:      typeName,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("Publish %s/%s: %w", plcName, varName, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := p.BuildKey(plcName, varName)
	if err := client.Set(ctx, key, data, cfg.KeyTTL).Err(); err != nil {
		return fmt.Errorf("Publish %s/%s: %w", plcName, varName, err)
	}

	if cfg.PublishChanges {
		client.Publish(ctx, joinKey(p.namespace, plcName, "changes"), data)
		client.Publish(ctx, joinKey(p.namespace, "_all", "changes"), data)
	}
	return nil
}

// PublishHealth publishes controller health status to Valkey.
func (p *Publisher) PublishHealth(plcName string, online bool, status, errMsg string) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	cfg := p.config
	p.mu.RUnlock()

	msg := HealthMessage{
		Namespace: p.namespace,
		PLC:       plcName,
		Online:    online,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("PublishHealth %s: %w", plcName, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := joinKey(p.namespace, plcName, "health")
	if err := client.Set(ctx, key, data, cfg.KeyTTL).Err(); err != nil {
		return fmt.Errorf("PublishHealth %s: %w", plcName, err)
	}

	if cfg.PublishChanges {
		client.Publish(ctx, key, data)
	}
	return nil
}

// SetWriteHandler sets the callback for processing write requests.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// writebackListener pops write requests from the namespace write queue and
// applies them through the handler, publishing a response for each.
func (p *Publisher) writebackListener() {
	defer p.wg.Done()

	queueKey := joinKey(p.namespace, "writes")
	responseChannel := joinKey(p.namespace, "write", "responses")

	for {
		select {
		case <-p.stopChan:
			return
		default:
		}

		p.mu.RLock()
		if !p.running || p.client == nil {
			p.mu.RUnlock()
			time.Sleep(100 * time.Millisecond)
			continue
		}
		client := p.client
		p.mu.RUnlock()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		result, err := client.BLPop(ctx, 1*time.Second, queueKey).Result()
		cancel()

		if err != nil {
			if err != redis.Nil {
				logging.DebugError("valkey", "write queue "+queueKey, err)
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		var req WriteRequest
		if err := json.Unmarshal([]byte(result[1]), &req); err != nil {
			logging.DebugError("valkey", "parse write request", err)
			continue
		}

		p.processWriteRequest(client, req, responseChannel)
	}
}

// processWriteRequest handles a single write request.
func (p *Publisher) processWriteRequest(client *redis.Client, req WriteRequest, responseChannel string) {
	p.mu.RLock()
	handler := p.writeHandler
	p.mu.RUnlock()

	response := WriteResponse{
		Namespace: p.namespace,
		PLC:       req.PLC,
		Variable:  req.Variable,
		Value:     req.Value,
		Timestamp: time.Now().UTC(),
	}

	if handler == nil {
		response.Error = "no write handler configured"
	} else if err := handler(req.PLC, req.Variable, req.Value); err != nil {
		response.Error = err.Error()
	} else {
		response.Success = true
	}

	data, _ := json.Marshal(response)
	client.Publish(context.Background(), responseChannel, data)

	logging.DebugLog("valkey", "write %s:%s = %v success=%v", req.PLC, req.Variable, req.Value, response.Success)
}
