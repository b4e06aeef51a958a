// Package kafka publishes controller variable values to Kafka clusters and
// optionally consumes write-back requests from a per-namespace write topic.
package kafka

import (
	"crypto/tls"
	"strings"
	"time"

	"njlink/config"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// Config holds the runtime configuration for one Kafka cluster connection.
// Topic names are derived from the instance namespace plus the optional
// selector, so every cluster entry gets its own topic family.
type Config struct {
	Name          string
	Enabled       bool
	Brokers       []string
	UseTLS        bool
	TLSSkipVerify bool
	SASLMechanism SASLMechanism
	Username      string
	Password      string

	// Producer settings
	RequiredAcks     int // -1=all, 0=none, 1=leader only
	MaxRetries       int
	RetryBackoff     time.Duration
	AutoCreateTopics bool

	// BaseTopic is the namespace-derived prefix for all topics.
	BaseTopic string

	// Writeback settings
	EnableWriteback bool
	ConsumerGroup   string
	WriteMaxAge     time.Duration
}

// FromGateway converts a gateway Kafka entry into a runtime Config, deriving
// the topic prefix from the namespace and the entry's selector.
func FromGateway(kc config.KafkaConfig, namespace string) Config {
	base := namespace
	if kc.Selector != "" {
		base = namespace + "." + kc.Selector
	}
	cfg := Config{
		Name:             kc.Name,
		Enabled:          kc.Enabled,
		Brokers:          kc.Brokers,
		UseTLS:           kc.UseTLS,
		TLSSkipVerify:    kc.TLSSkipVerify,
		SASLMechanism:    SASLMechanism(strings.ToUpper(kc.SASLMechanism)),
		Username:         kc.Username,
		Password:         kc.Password,
		RequiredAcks:     kc.RequiredAcks,
		MaxRetries:       kc.MaxRetries,
		RetryBackoff:     kc.RetryBackoff,
		AutoCreateTopics: true,
		BaseTopic:        base,
		EnableWriteback:  kc.EnableWriteback,
		ConsumerGroup:    kc.ConsumerGroup,
		WriteMaxAge:      kc.WriteMaxAge,
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	return cfg
}

// DefaultConfig returns a Kafka configuration with sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		Enabled:          false,
		Brokers:          []string{"localhost:9092"},
		RequiredAcks:     -1, // All replicas must acknowledge
		MaxRetries:       3,
		RetryBackoff:     100 * time.Millisecond,
		AutoCreateTopics: true,
	}
}

// VariableTopic returns the topic for variable value messages.
func (c *Config) VariableTopic() string {
	return c.BaseTopic + ".variables"
}

// HealthTopic returns the topic for controller health messages.
func (c *Config) HealthTopic() string {
	return c.BaseTopic + ".health"
}

// WriteTopic returns the topic consumed for write-back requests.
func (c *Config) WriteTopic() string {
	return c.BaseTopic + ".writes"
}

// WriteResponseTopic returns the topic write responses are produced to.
func (c *Config) WriteResponseTopic() string {
	return c.BaseTopic + ".write.responses"
}

// GetConsumerGroup returns the consumer group ID, defaulting to a
// cluster-specific group so independent gateways don't steal each other's
// write requests.
func (c *Config) GetConsumerGroup() string {
	if c.ConsumerGroup != "" {
		return c.ConsumerGroup
	}
	return "njlink-" + c.Name + "-writers"
}

// GetWriteMaxAge returns the maximum age of write requests to honor.
func (c *Config) GetWriteMaxAge() time.Duration {
	if c.WriteMaxAge > 0 {
		return c.WriteMaxAge
	}
	return 2 * time.Second
}

// GetTLSConfig returns a TLS configuration if TLS is enabled.
func (c *Config) GetTLSConfig() *tls.Config {
	if !c.UseTLS {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLSSkipVerify,
	}
}
