package eip

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"njlink/logging"
)

// DefaultPort is the registered EtherNet/IP explicit messaging port.
const DefaultPort uint16 = 44818

// Client holds one TCP connection and its registered session.  All exchanges
// are serialized behind the mutex; the protocol is strictly one request, one
// reply per session.
type Client struct {
	ipAddr  string
	port    uint16
	conn    net.Conn
	session uint32
	timeout time.Duration
	mu      sync.Mutex
}

func NewClient(ipaddr string) *Client {
	return NewClientWithPort(ipaddr, DefaultPort)
}

// Allow for custom ports if needed.
func NewClientWithPort(ipaddr string, port uint16) *Client {
	return &Client{
		ipAddr:  ipaddr,
		port:    port,
		timeout: time.Second * 5,
	}
}

func (e *Client) GetAddr() string {
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ipAddr
}

func (e *Client) GetTimeout() time.Duration {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeout
}

func (e *Client) GetSession() uint32 {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *Client) SetTimeout(dur time.Duration) error {
	if e == nil {
		return fmt.Errorf("SetTimeout: nil client")
	}
	e.mu.Lock()
	e.timeout = dur
	e.mu.Unlock()
	return nil
}

func (e *Client) IsConnected() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn != nil
}

// Connect dials the target and registers a session.
func (e *Client) Connect() error {
	if e == nil {
		return fmt.Errorf("Connect: received nil client")
	}

	e.mu.Lock()
	connString := e.ipAddr + ":" + strconv.Itoa(int(e.port))
	timeout := e.timeout
	e.mu.Unlock()

	logging.DebugConnect("EIP", connString)

	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial("tcp", connString)
	if err != nil {
		logging.DebugConnectError("EIP", connString, err)
		return fmt.Errorf("Connect: dial failed: %w", err)
	}

	logging.DebugLog("EIP", "TCP connection established to %s", connString)

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}

	var oldConn net.Conn

	e.mu.Lock()
	oldConn = e.conn
	oldSession := e.session

	e.conn = conn
	e.session = 0

	session, err := e.registerSession()
	if err != nil {
		e.conn = oldConn
		e.session = oldSession
		e.mu.Unlock()
		_ = conn.Close()
		logging.DebugError("EIP", "RegisterSession", err)
		return fmt.Errorf("Connect: failed to register session: %w", err)
	}

	e.session = session
	e.mu.Unlock()

	logging.DebugConnectSuccess("EIP", connString, fmt.Sprintf("session=0x%08X", session))

	if oldConn != nil {
		_ = oldConn.Close()
	}
	return nil
}

// Disconnect unregisters the session and closes the socket.
func (e *Client) Disconnect() error {
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		e.session = 0
		return nil
	}

	logging.DebugDisconnect("EIP", e.ipAddr, "client disconnect requested")

	if e.session != 0 {
		return e.unRegisterSession()
	}

	err := e.conn.Close()
	e.conn = nil
	e.session = 0

	return err
}

// Register a session with the controller.  The request carries the protocol
// version (1) and zero option flags.
func (e *Client) registerSession() (uint32, error) {
	if e == nil || e.conn == nil {
		return 0, fmt.Errorf("registerSession: not connected")
	}

	msg := Encap{
		Command: RegisterSession,
		Payload: []byte{1, 0, 0, 0},
	}

	resp, err := e.transactEncap(msg)
	if err != nil {
		return 0, fmt.Errorf("registerSession: failed transaction: %w", err)
	}

	if resp.Status != 0 {
		return 0, fmt.Errorf("registerSession: encapsulation status not 0: 0x%08x", resp.Status)
	}

	if resp.SessionHandle == 0 {
		return 0, fmt.Errorf("registerSession: got session handle 0")
	}

	return resp.SessionHandle, nil
}

// De-register the session with the controller and close the socket.
// Caller must hold the mutex.
func (e *Client) unRegisterSession() (err error) {
	if e == nil || e.conn == nil {
		return nil
	}

	if e.session == 0 {
		return nil
	}

	msg := Encap{
		Command:       UnRegisterSession,
		SessionHandle: e.session,
	}

	// Prevent hanging forever on a bad connection.
	_ = e.conn.SetWriteDeadline(time.Now().Add(e.timeout))
	defer e.conn.SetWriteDeadline(time.Time{})

	// Targets do not reply to UnRegisterSession; send and close.
	err = e.sendEncap(msg)

	e.session = 0
	e.conn.Close()
	e.conn = nil

	return err
}

// Atomic transaction.  Caller must hold the mutex.
func (e *Client) transactEncap(msg Encap) (*Encap, error) {
	if e == nil {
		return nil, fmt.Errorf("transactEncap: received nil client")
	}

	if e.conn == nil {
		return nil, fmt.Errorf("transactEncap: not connected")
	}

	_ = e.conn.SetWriteDeadline(time.Now().Add(e.timeout))
	defer e.conn.SetWriteDeadline(time.Time{})
	err := e.sendEncap(msg)
	if err != nil {
		return nil, fmt.Errorf("transactEncap: failed to send message: %w", err)
	}

	_ = e.conn.SetReadDeadline(time.Now().Add(e.timeout))
	defer e.conn.SetReadDeadline(time.Time{})
	resp, err := e.recvEncap()
	if err != nil {
		return nil, fmt.Errorf("transactEncap: failed to read response: %w", err)
	}

	return resp, nil
}

func (e *Client) sendEncap(msg Encap) error {
	if e == nil || e.conn == nil {
		return fmt.Errorf("sendEncap: not connected")
	}
	data := msg.Bytes()
	logging.DebugTX("EIP", data)
	_, err := e.conn.Write(data)
	if err != nil {
		logging.DebugError("EIP", "sendEncap write", err)
	}
	return err
}

// Receive exactly one encapsulated frame: the fixed header first, then a
// payload of the declared length.
func (e *Client) recvEncap() (*Encap, error) {
	if e == nil || e.conn == nil {
		return nil, fmt.Errorf("recvEncap: not connected")
	}
	header := make([]byte, HeaderSize)
	_, err := io.ReadFull(e.conn, header)
	if err != nil {
		logging.DebugError("EIP", "recvEncap read header", err)
		return nil, fmt.Errorf("recvEncap: error reading encap header: %w", err)
	}

	payloadLength := binary.LittleEndian.Uint16(header[2:4])
	sessionHandle := binary.LittleEndian.Uint32(header[4:8])

	if payloadLength > 65511 {
		logging.DebugLog("EIP", "RX excessive payload length: %d", payloadLength)
		return nil, fmt.Errorf("recvEncap: payload excessive: length %d", payloadLength)
	}
	// Session handle validation:
	// - Session 0 in response is always valid (ListIdentity and friends)
	// - Otherwise the response session must match ours
	if sessionHandle != 0 && e.session != 0 && sessionHandle != e.session {
		logging.DebugLog("EIP", "RX session mismatch: expected 0x%08X, got 0x%08X", e.session, sessionHandle)
		return nil, fmt.Errorf("recvEncap: session mismatch in response: need %d, got %d", e.session, sessionHandle)
	}

	payload := make([]byte, payloadLength)
	_, err = io.ReadFull(e.conn, payload)
	if err != nil {
		logging.DebugError("EIP", "recvEncap read payload", err)
		return nil, fmt.Errorf("recvEncap: failed to read payload: %w", err)
	}

	logging.DebugRX("EIP", append(header, payload...))

	frame, err := ParseEncap(append(header, payload...))
	if err != nil {
		return nil, fmt.Errorf("recvEncap: %w", err)
	}
	return frame, nil
}

// SendRRData sends an unconnected explicit message over TCP.
// Requires a connection and a non-zero session handle.
func (e *Client) SendRRData(packet CommonPacket) (*CommonPacket, error) {
	if e == nil {
		return nil, fmt.Errorf("SendRRData: received nil client")
	}

	// Force atomic transaction
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil, fmt.Errorf("SendRRData: not connected.  Did you call Connect()?")
	}
	if e.session == 0 {
		return nil, fmt.Errorf("SendRRData: session handle is 0 (did RegisterSession fail?)")
	}

	packetBytes := packet.Bytes()

	rrdata := CommandData{
		InterfaceHandle: 0,
		Timeout:         0,
		Packet:          packetBytes,
	}

	req := Encap{
		Command:       SendRRData,
		SessionHandle: e.session,
		Payload:       rrdata.Bytes(),
	}

	resp, err := e.transactEncap(req)
	if err != nil {
		return nil, fmt.Errorf("SendRRData: failed to transact packet: %w", err)
	}
	if resp.Status != 0 {
		return nil, fmt.Errorf("SendRRData: encapsulation status=0x%08x", resp.Status)
	}

	cdata, err := ParseCommandData(resp.Payload)
	if err != nil {
		return nil, fmt.Errorf("SendRRData: %w", err)
	}

	cpacket, err := ParseCommonPacket(cdata.Packet)
	if err != nil {
		return nil, fmt.Errorf("SendRRData: %w", err)
	}

	return cpacket, nil
}

// SendNop sends the No-Op command (0x00).  Targets do not reply; this only
// validates that the socket will still take a write.
func (e *Client) SendNop() error {
	if e == nil {
		return fmt.Errorf("SendNop: received nil client")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return fmt.Errorf("SendNop: connection is nil.  Did you call Connect()?")
	}

	msg := Encap{
		Command:       Nop,
		SessionHandle: e.session,
	}

	_ = e.conn.SetWriteDeadline(time.Now().Add(e.timeout))
	defer e.conn.SetWriteDeadline(time.Time{})

	err := e.sendEncap(msg)
	if err != nil {
		return fmt.Errorf("SendNop: failed to transmit message: %w", err)
	}

	return nil
}

// listCommand runs one of the sessionless list commands (ListServices,
// ListIdentity, ListInterfaces) and returns the raw command data.
func (e *Client) listCommand(name string, command uint16) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%s: received nil client", name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil, fmt.Errorf("%s: not connected", name)
	}

	// List commands conventionally run with session handle 0.
	resp, err := e.transactEncap(Encap{Command: command})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if resp.Status != 0 {
		return nil, fmt.Errorf("%s: encapsulation status=0x%08x", name, resp.Status)
	}

	return resp.Payload, nil
}

// SendListServices returns the raw ListServices (0x04) command data.
func (e *Client) SendListServices() ([]byte, error) {
	return e.listCommand("SendListServices", ListServices)
}

// SendListInterfaces returns the raw ListInterfaces (0x64) command data.
func (e *Client) SendListInterfaces() ([]byte, error) {
	return e.listCommand("SendListInterfaces", ListInterfaces)
}
