package nseries

import (
	"fmt"
	"sync"
	"time"

	"njlink/cip"
	"njlink/eip"
	"njlink/logging"
)

// Client reads and writes named variables on one NJ/NX controller over a
// single registered session.  All exchanges are strictly synchronous; the
// underlying session serializes concurrent callers.
type Client struct {
	host    string
	port    uint16
	timeout time.Duration

	eipClient *eip.Client
	sender    rrSender

	mu       sync.Mutex
	registry *Registry
}

// Option adjusts connection parameters before dialing.
type Option func(*Client)

func WithPort(port uint16) Option {
	return func(c *Client) { c.port = port }
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.timeout = timeout }
}

// Connect dials the controller, registers a session and returns a ready
// client.  The variable registry is empty until Discover runs.
func Connect(host string, opts ...Option) (*Client, error) {
	c := &Client{
		host:    host,
		port:    eip.DefaultPort,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.eipClient = eip.NewClientWithPort(c.host, c.port)
	_ = c.eipClient.SetTimeout(c.timeout)
	c.sender = c.eipClient

	if err := c.eipClient.Connect(); err != nil {
		return nil, fmt.Errorf("Connect: %w", err)
	}

	logging.DebugLog("nseries", "connected to %s:%d", c.host, c.port)
	return c, nil
}

// Close unregisters the session and releases the socket.  Safe on every
// exit path, including a client that never connected.
func (c *Client) Close() error {
	if c == nil || c.eipClient == nil {
		return nil
	}
	return c.eipClient.Disconnect()
}

func (c *Client) Host() string {
	if c == nil {
		return ""
	}
	return c.host
}

func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	return c.eipClient.IsConnected()
}

// Keepalive probes the connection with a No-Op frame.
func (c *Client) Keepalive() error {
	if c == nil {
		return fmt.Errorf("Keepalive: nil client")
	}
	return c.eipClient.SendNop()
}

// Identity asks the controller to identify itself.
func (c *Client) Identity() ([]eip.Identity, error) {
	if c == nil {
		return nil, fmt.Errorf("Identity: nil client")
	}
	return c.eipClient.SendListIdentity()
}

// Discover runs one full enumeration and resolution pass against the
// controller's variable table and installs the resulting snapshot as the
// client's registry.
func (c *Client) Discover() (*Registry, error) {
	if c == nil {
		return nil, fmt.Errorf("Discover: nil client")
	}

	res := &resolver{sender: c.sender}
	reg, err := res.discover()
	if err != nil {
		return nil, fmt.Errorf("Discover: %w", err)
	}

	c.mu.Lock()
	c.registry = reg
	c.mu.Unlock()

	logging.DebugLog("nseries", "discover: resolved %d variables (%d user, %d system)",
		reg.Len(), len(reg.UserNames()), len(reg.SystemNames()))

	return reg, nil
}

// Registry returns the current snapshot, nil before the first Discover.
func (c *Client) Registry() *Registry {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry
}

func (c *Client) lookup(name string) (*DataType, error) {
	c.mu.Lock()
	reg := c.registry
	c.mu.Unlock()
	return reg.Lookup(name)
}

// ReadVariable reads one variable by name and decodes it per its resolved
// descriptor.  Values larger than one message arrive through the segmented
// engine; scalars use a direct read.
func (c *Client) ReadVariable(name string) (interface{}, error) {
	if c == nil {
		return nil, fmt.Errorf("ReadVariable: nil client")
	}

	dt, err := c.lookup(name)
	if err != nil {
		return nil, fmt.Errorf("ReadVariable: %w", err)
	}

	switch dt.Kind {
	case KindScalar:
		path, err := cip.EPath().Symbol(name).Build()
		if err != nil {
			return nil, fmt.Errorf("ReadVariable %q: %w", name, err)
		}
		reply, err := transact(c.sender, cip.Request{
			Service: cip.SvcReadTag,
			Path:    path,
			Data:    []byte{0x01, 0x00},
		})
		if err != nil {
			return nil, fmt.Errorf("ReadVariable %q: %w", name, err)
		}
		return DecodeValue(dt, reply.Data)

	case KindAbbreviated:
		return nil, fmt.Errorf("ReadVariable %q: %w", name, ErrUnresolvedType)

	default:
		data, err := readSegmented(c.sender, name, dt)
		if err != nil {
			return nil, fmt.Errorf("ReadVariable: %w", err)
		}
		return DecodeValue(dt, data)
	}
}

// WriteVariable encodes a Go value per the variable's descriptor and writes
// it, segmenting when the encoded form needs more than one message.
func (c *Client) WriteVariable(name string, value interface{}) error {
	if c == nil {
		return fmt.Errorf("WriteVariable: nil client")
	}

	dt, err := c.lookup(name)
	if err != nil {
		return fmt.Errorf("WriteVariable: %w", err)
	}

	if dt.Kind == KindAbbreviated {
		return fmt.Errorf("WriteVariable %q: %w", name, ErrUnresolvedType)
	}

	encoded, err := EncodeValue(dt, value)
	if err != nil {
		return fmt.Errorf("WriteVariable %q: %w", name, err)
	}

	if dt.Kind == KindScalar {
		path, err := cip.EPath().Symbol(name).Build()
		if err != nil {
			return fmt.Errorf("WriteVariable %q: %w", name, err)
		}
		_, err = transact(c.sender, cip.Request{
			Service: cip.SvcWriteTag,
			Path:    path,
			Data:    encoded,
		})
		if err != nil {
			return fmt.Errorf("WriteVariable %q: %w", name, err)
		}
		return nil
	}

	if err := writeSegmented(c.sender, name, dt, encoded); err != nil {
		return fmt.Errorf("WriteVariable: %w", err)
	}
	return nil
}

// GetInstanceList invokes the Omron-specific Get Instance List service
// against a variable's symbolic path and returns the raw reply data.
func (c *Client) GetInstanceList(name string, data []byte) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("GetInstanceList: nil client")
	}

	path, err := cip.EPath().Symbol(name).Build()
	if err != nil {
		return nil, fmt.Errorf("GetInstanceList %q: %w", name, err)
	}

	reply, err := transact(c.sender, cip.Request{
		Service: cip.SvcGetInstanceList,
		Path:    path,
		Data:    data,
	})
	if err != nil {
		return nil, fmt.Errorf("GetInstanceList %q: %w", name, err)
	}
	return reply.Data, nil
}
