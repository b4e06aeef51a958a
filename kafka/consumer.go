package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"njlink/logging"
)

// WriteBackBatchInterval is how often accumulated write requests are
// deduplicated and applied.
const WriteBackBatchInterval = 250 * time.Millisecond

// WriteRequest is the JSON structure for incoming write requests.
type WriteRequest struct {
	PLC       string      `json:"plc"`
	Variable  string      `json:"variable"`
	Value     interface{} `json:"value"`
	RequestID string      `json:"request_id,omitempty"` // Optional correlation ID
}

// WriteResponse is the JSON structure for write responses.
type WriteResponse struct {
	Namespace    string      `json:"namespace"`
	PLC          string      `json:"plc"`
	Variable     string      `json:"variable"`
	Value        interface{} `json:"value"`
	RequestID    string      `json:"request_id,omitempty"`
	Success      bool        `json:"success"`
	Error        string      `json:"error,omitempty"`
	Skipped      bool        `json:"skipped,omitempty"`      // Request was too old
	Deduplicated bool        `json:"deduplicated,omitempty"` // Replaced by a newer request
	Timestamp    time.Time   `json:"timestamp"`
}

// WriteHandler applies a write request to a controller variable.
type WriteHandler func(plcName, varName string, value interface{}) error

// pendingWrite is a write request waiting for batch processing.
type pendingWrite struct {
	request     WriteRequest
	messageTime time.Time // Kafka message timestamp
	offset      int64
}

// Consumer consumes write requests from the namespace write topic. Requests
// to the same variable within a batch interval are deduplicated latest-wins,
// and stale requests are rejected rather than applied long after the writer
// gave up.
type Consumer struct {
	config   *Config
	producer *Producer // For producing responses
	reader   *kafka.Reader
	running  bool
	mu       sync.RWMutex

	writeHandler WriteHandler

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewConsumer creates a new Kafka consumer for write requests.
func NewConsumer(cfg *Config, producer *Producer) *Consumer {
	return &Consumer{
		config:   cfg,
		producer: producer,
		stopChan: make(chan struct{}),
	}
}

// SetWriteHandler sets the callback for processing write requests.
func (c *Consumer) SetWriteHandler(handler WriteHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeHandler = handler
}

// Start begins consuming write requests from Kafka.
func (c *Consumer) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}

	writeTopic := c.config.WriteTopic()
	group := c.config.GetConsumerGroup()

	logging.DebugLog("kafka", "%s: consuming topic %q with group %q", c.config.Name, writeTopic, group)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.config.Brokers,
		Topic:          writeTopic,
		GroupID:        group,
		MinBytes:       1,                      // Fetch immediately when data available
		MaxBytes:       1e6,                    // 1MB max
		MaxWait:        100 * time.Millisecond, // Short wait for responsiveness
		StartOffset:    kafka.LastOffset,       // Start from latest on first join
		CommitInterval: time.Second,
		Dialer:         c.createReaderDialer(),
	})

	c.reader = reader
	c.running = true
	c.stopChan = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consumeLoop()

	return nil
}

// Stop stops the consumer.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}

	c.running = false
	close(c.stopChan)
	reader := c.reader
	c.reader = nil
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logging.DebugLog("kafka", "%s: consumer stop timeout", c.config.Name)
	}

	if reader != nil {
		reader.Close()
	}
}

// IsRunning returns whether the consumer is running.
func (c *Consumer) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// consumeLoop batches incoming write requests and applies them on a ticker.
func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(WriteBackBatchInterval)
	defer ticker.Stop()

	// Pending writes keyed by "plc.variable", latest value wins.
	pending := make(map[string]pendingWrite)
	// Requests replaced by newer ones still get a response.
	var discarded []pendingWrite

	for {
		select {
		case <-c.stopChan:
			if len(pending) > 0 || len(discarded) > 0 {
				c.processBatch(pending, discarded)
			}
			return

		case <-ticker.C:
			if len(pending) > 0 || len(discarded) > 0 {
				c.processBatch(pending, discarded)
				pending = make(map[string]pendingWrite)
				discarded = nil
			}

		default:
			c.mu.RLock()
			reader := c.reader
			running := c.running
			c.mu.RUnlock()

			if !running || reader == nil {
				time.Sleep(10 * time.Millisecond)
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			msg, err := reader.FetchMessage(ctx)
			cancel()

			if err != nil {
				// Timeout or transient error, loop back to the ticker.
				continue
			}

			var req WriteRequest
			if err := json.Unmarshal(msg.Value, &req); err != nil {
				logging.DebugError("kafka", "parse write request", err)
				// Commit the bad message to skip it
				c.commitMessage(reader, msg)
				continue
			}

			key := string(msg.Key)
			if key == "" {
				key = req.PLC + "." + req.Variable
			}

			if existing, exists := pending[key]; exists {
				discarded = append(discarded, existing)
			}

			pending[key] = pendingWrite{
				request:     req,
				messageTime: msg.Time,
				offset:      msg.Offset,
			}

			c.commitMessage(reader, msg)
		}
	}
}

// processBatch applies a batch of deduplicated write requests and publishes
// a response for each request received, including the discarded ones.
func (c *Consumer) processBatch(pending map[string]pendingWrite, discarded []pendingWrite) {
	c.mu.RLock()
	handler := c.writeHandler
	producer := c.producer
	maxAge := c.config.GetWriteMaxAge()
	responseTopic := c.config.WriteResponseTopic()
	c.mu.RUnlock()

	now := time.Now()

	for _, pw := range discarded {
		req := pw.request
		c.sendResponse(producer, responseTopic, WriteResponse{
			Namespace:    c.config.BaseTopic,
			PLC:          req.PLC,
			Variable:     req.Variable,
			Value:        req.Value,
			RequestID:    req.RequestID,
			Success:      false,
			Error:        "request superseded by newer write to same variable",
			Deduplicated: true,
			Timestamp:    now,
		})
	}

	for key, pw := range pending {
		req := pw.request

		age := now.Sub(pw.messageTime)
		if age > maxAge {
			logging.DebugLog("kafka", "skipping stale write for %s (age %v > max %v)", key, age.Round(time.Millisecond), maxAge)
			c.sendResponse(producer, responseTopic, WriteResponse{
				Namespace: c.config.BaseTopic,
				PLC:       req.PLC,
				Variable:  req.Variable,
				Value:     req.Value,
				RequestID: req.RequestID,
				Success:   false,
				Error:     fmt.Sprintf("request expired (age: %v, max: %v)", age.Round(time.Millisecond), maxAge),
				Skipped:   true,
				Timestamp: now,
			})
			continue
		}

		var writeErr error
		if handler != nil {
			writeErr = handler(req.PLC, req.Variable, req.Value)
		} else {
			writeErr = fmt.Errorf("no write handler configured")
		}

		resp := WriteResponse{
			Namespace: c.config.BaseTopic,
			PLC:       req.PLC,
			Variable:  req.Variable,
			Value:     req.Value,
			RequestID: req.RequestID,
			Success:   writeErr == nil,
			Timestamp: now,
		}
		if writeErr != nil {
			resp.Error = writeErr.Error()
			logging.DebugError("kafka", fmt.Sprintf("write %s.%s", req.PLC, req.Variable), writeErr)
		} else {
			logging.DebugLog("kafka", "write %s.%s = %v", req.PLC, req.Variable, req.Value)
		}

		c.sendResponse(producer, responseTopic, resp)
	}
}

// sendResponse publishes a write response to the response topic.
func (c *Consumer) sendResponse(producer *Producer, topic string, resp WriteResponse) {
	if producer == nil || producer.GetStatus() != StatusConnected {
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}

	key := []byte(resp.PLC + "." + resp.Variable)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := producer.Produce(ctx, topic, key, payload); err != nil {
		logging.DebugError("kafka", "publish response to "+topic, err)
	}
}

// commitMessage commits a message offset.
func (c *Consumer) commitMessage(reader *kafka.Reader, msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reader.CommitMessages(ctx, msg); err != nil {
		logging.DebugError("kafka", "commit offset", err)
	}
}

// createReaderDialer creates a Kafka dialer with auth and TLS for the reader.
func (c *Consumer) createReaderDialer() *kafka.Dialer {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	if c.config.UseTLS {
		dialer.TLS = c.config.GetTLSConfig()
	}

	if c.producer != nil {
		if mechanism := c.producer.getSASLMechanism(); mechanism != nil {
			dialer.SASLMechanism = mechanism
		}
	}

	return dialer
}
