// Package gateway manages controller connections and background polling.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"njlink/cip"
	"njlink/config"
	"njlink/eip"
	"njlink/logging"
	"njlink/nseries"
)

// ConnectionStatus represents the state of a controller connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// HealthStatus is a point-in-time health snapshot for one controller.
type HealthStatus struct {
	Online    bool
	Status    string
	Error     string
	Timestamp time.Time
}

// ManagedPLC represents a controller under management.
type ManagedPLC struct {
	Config    *config.PLCConfig
	Client    *nseries.Client
	Identity  []eip.Identity
	Registry  *nseries.Registry
	Values    map[string]*VariableValue
	Status    ConnectionStatus
	LastError error
	LastPoll  time.Time
	mu        sync.RWMutex
}

// GetStatus returns the current connection status thread-safely.
func (m *ManagedPLC) GetStatus() ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Status
}

// GetError returns the last error thread-safely.
func (m *ManagedPLC) GetError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastError
}

// GetValues returns a copy of the current variable values.
func (m *ManagedPLC) GetValues() map[string]*VariableValue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]*VariableValue, len(m.Values))
	for k, v := range m.Values {
		result[k] = v
	}
	return result
}

// GetRegistry returns the discovered variable registry, nil before the first
// successful connect.
func (m *ManagedPLC) GetRegistry() *nseries.Registry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Registry
}

// GetIdentity returns the controller's identity responses.
func (m *ManagedPLC) GetIdentity() []eip.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Identity
}

// GetHealthStatus returns a health snapshot.
func (m *ManagedPLC) GetHealthStatus() HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := HealthStatus{
		Online:    m.Status == StatusConnected,
		Status:    m.Status.String(),
		Timestamp: time.Now().UTC(),
	}
	if m.LastError != nil {
		h.Error = m.LastError.Error()
	}
	return h
}

// GetVariableInfo reports whether a variable exists in the registry and its
// rendered type name.
func (m *ManagedPLC) GetVariableInfo(name string) (found bool, typeName string) {
	m.mu.RLock()
	reg := m.Registry
	m.mu.RUnlock()

	dt, err := reg.Lookup(name)
	if err != nil {
		return false, ""
	}
	return true, dt.String()
}

// pollNames returns the variables this controller should poll: the
// configured list, or every discovered user variable when none are
// configured.
func (m *ManagedPLC) pollNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.Config.Variables) > 0 {
		out := make([]string, len(m.Config.Variables))
		copy(out, m.Config.Variables)
		return out
	}
	return m.Registry.UserNames()
}

// ValueChange represents a variable value that has changed.
type ValueChange struct {
	PLCName  string
	VarName  string
	TypeName string
	Value    interface{}
}

// PollStats tracks polling statistics.
type PollStats struct {
	LastPollTime time.Time
	VarsPolled   int
	ChangesFound int
	LastError    error
}

// PLCWorker polls a single controller in its own goroutine.
type PLCWorker struct {
	plc      *ManagedPLC
	manager  *Manager
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pollRate time.Duration

	// Per-worker stats
	varsPolled   int
	changesFound int
	lastError    error
	statsMu      sync.RWMutex
}

func newPLCWorker(plc *ManagedPLC, manager *Manager, pollRate time.Duration) *PLCWorker {
	if plc.Config.PollRate > 0 {
		pollRate = plc.Config.PollRate
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PLCWorker{
		plc:      plc,
		manager:  manager,
		ctx:      ctx,
		cancel:   cancel,
		pollRate: pollRate,
	}
}

// Start begins the worker's poll loop.
func (w *PLCWorker) Start() {
	w.wg.Add(1)
	go w.pollLoop()
}

// Stop halts the worker and waits for it to finish.
func (w *PLCWorker) Stop() {
	w.cancel()
	w.wg.Wait()
}

// GetStats returns the worker's current stats.
func (w *PLCWorker) GetStats() (varsPolled, changesFound int, lastError error) {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return w.varsPolled, w.changesFound, w.lastError
}

func (w *PLCWorker) pollLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollRate)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

// variableError reports whether an error is scoped to one variable rather
// than the connection. Status errors come back from a healthy session, and
// the registry sentinels mean the name or its type is the problem.
func variableError(err error) bool {
	var statusErr *cip.StatusError
	if errors.As(err, &statusErr) {
		return true
	}
	return errors.Is(err, nseries.ErrNameNotFound) || errors.Is(err, nseries.ErrUnresolvedType)
}

func (w *PLCWorker) poll() {
	plc := w.plc

	w.checkAutoReconnect()

	plc.mu.RLock()
	client := plc.Client
	status := plc.Status
	plcName := plc.Config.Name
	oldValues := make(map[string]interface{})
	for k, v := range plc.Values {
		if v != nil && v.Error == nil {
			oldValues[k] = v.Value
		}
	}
	plc.mu.RUnlock()

	if status != StatusConnected || client == nil {
		w.setStats(0, 0, nil)
		return
	}

	names := plc.pollNames()
	if len(names) == 0 {
		w.setStats(0, 0, nil)
		return
	}

	now := time.Now().UTC()
	values := make([]*VariableValue, 0, len(names))
	for _, name := range names {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		val, err := client.ReadVariable(name)
		if err != nil {
			if variableError(err) {
				values = append(values, &VariableValue{Name: name, Error: err, Timestamp: now})
				continue
			}

			// Transport-level failure: the session is gone, stop the
			// sweep and flag the controller for reconnect.
			plc.mu.Lock()
			plc.LastError = err
			plc.Status = StatusError
			plc.mu.Unlock()

			w.setStats(len(names), 0, err)
			w.manager.markStatusDirty()
			logging.DebugError("gateway", "poll "+plcName, err)
			return
		}

		var tn string
		if found, t := plc.GetVariableInfo(name); found {
			tn = t
		}
		values = append(values, &VariableValue{
			Name:      name,
			Type:      tn,
			Value:     val,
			Timestamp: now,
		})
	}

	// Detect changes and update the value cache.
	var changes []ValueChange
	plc.mu.Lock()
	for _, v := range values {
		if v.Error == nil {
			oldVal, existed := oldValues[v.Name]
			if !existed || fmt.Sprintf("%v", oldVal) != fmt.Sprintf("%v", v.Value) {
				changes = append(changes, ValueChange{
					PLCName:  plcName,
					VarName:  v.Name,
					TypeName: v.Type,
					Value:    v.Value,
				})
			}
		}
		plc.Values[v.Name] = v
	}
	plc.LastPoll = time.Now()
	plc.mu.Unlock()

	w.setStats(len(names), len(changes), nil)

	if len(changes) > 0 {
		w.manager.sendChanges(changes)
	}
	w.manager.markStatusDirty()
}

func (w *PLCWorker) setStats(polled, changed int, err error) {
	w.statsMu.Lock()
	w.varsPolled = polled
	w.changesFound = changed
	w.lastError = err
	w.statsMu.Unlock()
}

func (w *PLCWorker) checkAutoReconnect() {
	plc := w.plc

	plc.mu.RLock()
	status := plc.Status
	enabled := plc.Config.Enabled
	plc.mu.RUnlock()

	if !enabled {
		return
	}
	if status == StatusConnected || status == StatusConnecting {
		return
	}

	// Reconnect attempt runs in this worker's goroutine.
	w.manager.connectPLC(plc)
}

// Manager manages multiple controller connections and polling.
type Manager struct {
	plcs    map[string]*ManagedPLC
	workers map[string]*PLCWorker
	mu      sync.RWMutex

	pollRate      time.Duration
	batchInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Callbacks
	onStatusChange func()
	onValueChange  func(changes []ValueChange)

	changeChan  chan []ValueChange
	statusDirty int32

	lastPollStats PollStats
	statsMu       sync.RWMutex
}

// NewManager creates a new gateway manager.
func NewManager(pollRate time.Duration) *Manager {
	if pollRate <= 0 {
		pollRate = time.Second
	}
	return &Manager{
		plcs:          make(map[string]*ManagedPLC),
		workers:       make(map[string]*PLCWorker),
		pollRate:      pollRate,
		batchInterval: 100 * time.Millisecond,
		changeChan:    make(chan []ValueChange, 100),
	}
}

// SetOnStatusChange sets a callback that fires when any controller's
// connection status changes.
func (m *Manager) SetOnStatusChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatusChange = fn
}

// SetOnValueChange sets a callback that fires when variable values change.
func (m *Manager) SetOnValueChange(fn func(changes []ValueChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onValueChange = fn
}

func (m *Manager) markStatusDirty() {
	atomic.StoreInt32(&m.statusDirty, 1)
}

// sendChanges sends value changes to the aggregator channel.
func (m *Manager) sendChanges(changes []ValueChange) {
	select {
	case m.changeChan <- changes:
	default:
		// Channel full, drop oldest and retry
		select {
		case <-m.changeChan:
		default:
		}
		select {
		case m.changeChan <- changes:
		default:
		}
	}
}

// AddPLC adds a controller to management.
func (m *Manager) AddPLC(cfg *config.PLCConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.plcs[cfg.Name]; exists {
		return nil
	}

	plc := &ManagedPLC{
		Config: cfg,
		Status: StatusDisconnected,
		Values: make(map[string]*VariableValue),
	}
	m.plcs[cfg.Name] = plc

	// If the manager is running, start a worker for this controller
	if m.ctx != nil {
		worker := newPLCWorker(plc, m, m.pollRate)
		m.workers[cfg.Name] = worker
		worker.Start()
	}

	return nil
}

// RemovePLC removes a controller from management and disconnects it.
func (m *Manager) RemovePLC(name string) error {
	m.mu.Lock()
	plc, exists := m.plcs[name]
	worker := m.workers[name]
	if exists {
		delete(m.plcs, name)
		delete(m.workers, name)
	}
	m.mu.Unlock()

	// Stop worker first (outside lock)
	if worker != nil {
		worker.Stop()
	}

	if exists && plc.Client != nil {
		plc.Client.Close()
	}

	m.markStatusDirty()
	return nil
}

// connectPLC dials, registers a session and runs discovery. Called from a
// worker goroutine or a connect goroutine.
func (m *Manager) connectPLC(plc *ManagedPLC) error {
	plc.mu.Lock()
	plc.Status = StatusConnecting
	plc.LastError = nil
	plc.mu.Unlock()
	m.markStatusDirty()

	opts := []nseries.Option{}
	if plc.Config.Port > 0 {
		opts = append(opts, nseries.WithPort(plc.Config.Port))
	}
	if plc.Config.Timeout > 0 {
		opts = append(opts, nseries.WithTimeout(plc.Config.Timeout))
	}

	client, err := nseries.Connect(plc.Config.Host, opts...)
	if err != nil {
		plc.mu.Lock()
		plc.Status = StatusError
		plc.LastError = err
		plc.mu.Unlock()
		m.markStatusDirty()
		return err
	}

	identity, _ := client.Identity()

	registry, err := client.Discover()
	if err != nil {
		client.Close()
		plc.mu.Lock()
		plc.Status = StatusError
		plc.LastError = err
		plc.mu.Unlock()
		m.markStatusDirty()
		return err
	}

	plc.mu.Lock()
	plc.Client = client
	plc.Identity = identity
	plc.Registry = registry
	plc.Status = StatusConnected
	plc.mu.Unlock()
	m.markStatusDirty()

	return nil
}

// Connect establishes a connection to the named controller in the
// background.
func (m *Manager) Connect(name string) error {
	m.mu.RLock()
	plc, exists := m.plcs[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("controller not found: %s", name)
	}

	go m.connectPLC(plc)
	return nil
}

// Disconnect closes the connection to the named controller.
func (m *Manager) Disconnect(name string) error {
	m.mu.RLock()
	plc, exists := m.plcs[name]
	m.mu.RUnlock()

	if !exists {
		return nil
	}

	plc.mu.Lock()
	if plc.Client != nil {
		plc.Client.Close()
		plc.Client = nil
	}
	plc.Status = StatusDisconnected
	plc.LastError = nil
	plc.Identity = nil
	plc.mu.Unlock()
	m.markStatusDirty()

	return nil
}

// GetPLC returns the managed controller with the given name.
func (m *Manager) GetPLC(name string) *ManagedPLC {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plcs[name]
}

// ListPLCs returns all managed controllers.
func (m *Manager) ListPLCs() []*ManagedPLC {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*ManagedPLC, 0, len(m.plcs))
	for _, plc := range m.plcs {
		result = append(result, plc)
	}
	return result
}

// Start begins background polling for all controllers.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	for name, plc := range m.plcs {
		worker := newPLCWorker(plc, m, m.pollRate)
		m.workers[name] = worker
		worker.Start()
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.batchedUpdateLoop()

	m.wg.Add(1)
	go m.statsAggregatorLoop()
}

// Stop halts all background polling.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}

	workers := make([]*PLCWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*PLCWorker)
	m.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}

	m.wg.Wait()

	m.mu.Lock()
	m.ctx = nil
	m.cancel = nil
	m.mu.Unlock()
}

// batchedUpdateLoop aggregates changes and fires callbacks at a controlled
// rate.
func (m *Manager) batchedUpdateLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.batchInterval)
	defer ticker.Stop()

	var pendingChanges []ValueChange

	for {
		select {
		case <-m.ctx.Done():
			if len(pendingChanges) > 0 {
				m.flushValueChanges(pendingChanges)
			}
			return

		case changes := <-m.changeChan:
			pendingChanges = append(pendingChanges, changes...)

		case <-ticker.C:
			if atomic.CompareAndSwapInt32(&m.statusDirty, 1, 0) {
				m.mu.RLock()
				fn := m.onStatusChange
				m.mu.RUnlock()
				if fn != nil {
					fn()
				}
			}

			if len(pendingChanges) > 0 {
				m.flushValueChanges(pendingChanges)
				pendingChanges = nil
			}
		}
	}
}

func (m *Manager) flushValueChanges(changes []ValueChange) {
	m.mu.RLock()
	fn := m.onValueChange
	m.mu.RUnlock()
	if fn != nil && len(changes) > 0 {
		fn(changes)
	}
}

func (m *Manager) statsAggregatorLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.aggregateStats()
		}
	}
}

func (m *Manager) aggregateStats() {
	m.mu.RLock()
	workers := make([]*PLCWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.RUnlock()

	totalVars := 0
	totalChanges := 0
	var lastErr error

	for _, w := range workers {
		vars, changes, err := w.GetStats()
		totalVars += vars
		totalChanges += changes
		if err != nil {
			lastErr = err
		}
	}

	m.statsMu.Lock()
	m.lastPollStats = PollStats{
		LastPollTime: time.Now(),
		VarsPolled:   totalVars,
		ChangesFound: totalChanges,
		LastError:    lastErr,
	}
	m.statsMu.Unlock()
}

// ReadVariable reads a single variable from a connected controller.
func (m *Manager) ReadVariable(plcName, varName string) (*VariableValue, error) {
	m.mu.RLock()
	plc, exists := m.plcs[plcName]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("controller not found: %s", plcName)
	}

	plc.mu.RLock()
	client := plc.Client
	status := plc.Status
	plc.mu.RUnlock()

	if client == nil || status != StatusConnected {
		return nil, fmt.Errorf("controller not connected: %s", plcName)
	}

	val, err := client.ReadVariable(varName)
	if err != nil {
		return nil, err
	}

	_, tn := plc.GetVariableInfo(varName)
	return &VariableValue{
		Name:      varName,
		Type:      tn,
		Value:     val,
		Timestamp: time.Now().UTC(),
	}, nil
}

// WriteVariable writes a value to a variable on a connected controller.
func (m *Manager) WriteVariable(plcName, varName string, value interface{}) error {
	m.mu.RLock()
	plc, exists := m.plcs[plcName]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("controller not found: %s", plcName)
	}

	plc.mu.RLock()
	client := plc.Client
	status := plc.Status
	plc.mu.RUnlock()

	if client == nil || status != StatusConnected {
		return fmt.Errorf("controller not connected: %s", plcName)
	}

	return client.WriteVariable(varName, value)
}

// LoadFromConfig adds all controllers from configuration.
func (m *Manager) LoadFromConfig(cfg *config.Config) {
	for i := range cfg.PLCs {
		m.AddPLC(&cfg.PLCs[i])
	}
}

// ConnectEnabled connects all controllers marked as enabled.
func (m *Manager) ConnectEnabled() {
	m.mu.RLock()
	plcs := make([]*ManagedPLC, 0)
	for _, plc := range m.plcs {
		if plc.Config.Enabled {
			plcs = append(plcs, plc)
		}
	}
	m.mu.RUnlock()

	for _, plc := range plcs {
		go m.connectPLC(plc)
	}
}

// DisconnectAll disconnects all controllers.
func (m *Manager) DisconnectAll() {
	m.mu.RLock()
	names := make([]string, 0, len(m.plcs))
	for name := range m.plcs {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.Disconnect(name)
	}
}

// GetPollStats returns the aggregated stats from all workers.
func (m *Manager) GetPollStats() PollStats {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.lastPollStats
}

// GetAllCurrentValues returns all cached variable values for all
// controllers, used for the initial publish when a broker connects.
func (m *Manager) GetAllCurrentValues() []ValueChange {
	m.mu.RLock()
	plcs := make([]*ManagedPLC, 0, len(m.plcs))
	for _, plc := range m.plcs {
		plcs = append(plcs, plc)
	}
	m.mu.RUnlock()

	var results []ValueChange
	for _, plc := range plcs {
		plc.mu.RLock()
		plcName := plc.Config.Name
		for varName, val := range plc.Values {
			if val != nil && val.Error == nil {
				results = append(results, ValueChange{
					PLCName:  plcName,
					VarName:  varName,
					TypeName: val.Type,
					Value:    val.Value,
				})
			}
		}
		plc.mu.RUnlock()
	}
	return results
}
