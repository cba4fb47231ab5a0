package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/blexfer/internal/ble/protocol"
)

// Options configures a Manager.
type Options struct {
	Profile Profile
	Framing protocol.Framing
	// MaxWriteRetries caps consecutive failed writes of one chunk before the
	// send fails. Zero retries forever.
	MaxWriteRetries int
	// StallTimeout ends a transfer whose outstanding read or write has not
	// completed within the timeout. Zero waits forever.
	StallTimeout time.Duration
	// EventBuffer is the capacity of each caller event channel.
	EventBuffer int
}

// DefaultOptions returns the reference protocol settings: 512-byte chunks,
// the "==EOM==" sentinel, unbounded write retry and no stall timeout.
func DefaultOptions() Options {
	return Options{
		Profile:     DefaultProfile(),
		Framing:     protocol.DefaultFraming(),
		EventBuffer: 64,
	}
}

type stallFired struct {
	kind sessionKind
	seq  uint64
}

// Manager owns the endpoint registry, the discovery state machine and the
// transfer engine for one Transport, and dispatches adapter events to them.
// Create one per adapter and share it by reference.
type Manager struct {
	transport Transport
	opts      Options
	registry  *Registry

	// mu serialises event dispatch with caller commands.
	mu       sync.Mutex
	engine   *Engine
	state    AdapterState
	scanning bool

	stalls     chan stallFired
	connEvents chan ConnectionEvent
	xferEvents chan TransferEvent
}

// NewManager creates a manager driving transport.
func NewManager(transport Transport, opts Options) *Manager {
	if opts.Profile.Service == "" {
		opts.Profile = DefaultProfile()
	}
	if opts.Framing.MTU <= 0 {
		opts.Framing.MTU = protocol.MTU
	}
	if len(opts.Framing.Sentinel) == 0 {
		opts.Framing.Sentinel = []byte(protocol.SentinelText)
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	m := &Manager{
		transport:  transport,
		opts:       opts,
		registry:   NewRegistry(),
		stalls:     make(chan stallFired, opts.EventBuffer),
		connEvents: make(chan ConnectionEvent, opts.EventBuffer),
		xferEvents: make(chan TransferEvent, opts.EventBuffer),
	}
	m.engine = NewEngine(transport, EngineOptions{
		Framing:         opts.Framing,
		MaxWriteRetries: opts.MaxWriteRetries,
	})
	if opts.StallTimeout > 0 {
		m.engine.armed = m.armStallTimer
	}
	return m
}

// ConnectionEvents returns the channel of connection-level events.
func (m *Manager) ConnectionEvents() <-chan ConnectionEvent {
	return m.connEvents
}

// TransferEvents returns the channel of transfer-level events.
func (m *Manager) TransferEvents() <-chan TransferEvent {
	return m.xferEvents
}

// Run enables the transport and dispatches its events until ctx is done or
// the event channel is closed.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.transport.Enable(); err != nil {
		return fmt.Errorf("ble: enable transport: %w", err)
	}
	events := m.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				slog.Info("[BLE] transport event channel closed")
				return nil
			}
			m.Dispatch(ev)
		case f := <-m.stalls:
			m.expire(f)
		}
	}
}

// Dispatch routes one adapter event. Run calls it for every event; callers
// driving their own loop may call it directly, one event at a time.
func (m *Manager) Dispatch(ev AdapterEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev := ev.(type) {
	case StateChanged:
		m.onStateChanged(ev)
	case Discovered:
		m.onDiscovered(ev)
	case ScanTimedOut:
		m.onScanTimedOut()
	case Connected:
		m.onConnected(ev)
	case ConnectFailed:
		m.onConnectFailed(ev)
	case Disconnected:
		m.onDisconnected(ev)
	case ServicesDiscovered:
		m.onServicesDiscovered(ev)
	case CharacteristicsDiscovered:
		m.onCharacteristicsDiscovered(ev)
	case NotifyStateChanged:
		m.onNotifyStateChanged(ev)
	case WriteCompleted:
		if out, ok := m.engine.HandleWrite(ev); ok {
			m.emitTransfer(out)
		}
	case ReadCompleted:
		if out, ok := m.engine.HandleRead(ev); ok {
			m.emitTransfer(out)
		}
	case ValueNotified:
		m.onValueNotified(ev)
	default:
		slog.Warn("[BLE] unhandled adapter event", "event", fmt.Sprintf("%T", ev))
	}
}

func (m *Manager) onStateChanged(ev StateChanged) {
	slog.Info("[BLE] adapter state changed", "state", ev.State)
	m.state = ev.State
	if ev.State != AdapterPoweredOn {
		m.scanning = false
	}
	m.emitConnection(ConnectionEvent{Type: EventAdapterStateChanged, State: ev.State})
}

func (m *Manager) onScanTimedOut() {
	slog.Info("[BLE] scan window elapsed", "endpoints", m.registry.Len())
	m.scanning = false
	if m.registry.Len() == 0 {
		m.emitConnection(ConnectionEvent{Type: EventDeviceNotFound, Err: ErrDeviceNotFound})
	}
}

func (m *Manager) onValueNotified(ev ValueNotified) {
	if m.opts.Profile.RoleOf(ev.Characteristic) != RoleNotifier {
		slog.Debug("[BLE] ignoring notification on non-notifier characteristic",
			"endpoint", ev.Endpoint, "char", ev.Characteristic)
		return
	}
	if len(ev.Value) == 0 {
		return
	}
	m.emitTransfer(TransferEvent{
		Type:           EventNotificationReceived,
		Endpoint:       ev.Endpoint,
		Characteristic: ev.Characteristic,
		Value:          append([]byte(nil), ev.Value...),
	})
}

// IsReady reports whether the adapter is powered on.
func (m *Manager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == AdapterPoweredOn
}

// Scanning reports whether a scan started by Scan is still running.
func (m *Manager) Scanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanning
}

// Scan starts scanning for endpoints advertising the session service.
// Endpoints found are connected automatically. A zero window scans until
// StopScan.
func (m *Manager) Scan(window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != AdapterPoweredOn {
		return ErrNotReady
	}
	slog.Info("[BLE] start scanning", "service", m.opts.Profile.Service, "window", window)
	if err := m.transport.Scan(m.opts.Profile.Service, window); err != nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	m.scanning = true
	return nil
}

// StopScan stops a running scan.
func (m *Manager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanning = false
	if err := m.transport.StopScan(); err != nil {
		return fmt.Errorf("ble: stop scan: %w", err)
	}
	return nil
}

// Connect connects to a known endpoint without scanning for it first.
func (m *Manager) Connect(id EndpointID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != AdapterPoweredOn {
		return ErrNotReady
	}
	if !m.connectEndpoint(Endpoint{ID: id}) {
		return fmt.Errorf("ble: endpoint %s already tracked", id)
	}
	return nil
}

// Disconnect requests disconnection of id. The registry is updated when the
// transport reports Disconnected.
func (m *Manager) Disconnect(id EndpointID) error {
	if err := m.transport.Disconnect(id); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", id, err)
	}
	return nil
}

// Endpoints returns the tracked endpoints ordered by ID.
func (m *Manager) Endpoints() []Endpoint {
	return m.registry.List()
}

// Endpoint returns the tracked endpoint with the given ID.
func (m *Manager) Endpoint(id EndpointID) (Endpoint, bool) {
	return m.registry.Get(id)
}

// RoleOf returns the role of a characteristic in the session profile.
func (m *Manager) RoleOf(char CharacteristicID) Role {
	return m.opts.Profile.RoleOf(char)
}

// CharacteristicFor returns the characteristic with role discovered on endpoint.
func (m *Manager) CharacteristicFor(endpoint EndpointID, role Role) (CharacteristicID, bool) {
	ep, ok := m.registry.Get(endpoint)
	if !ok {
		return "", false
	}
	return ep.Characteristic(role)
}

// TrySend starts a chunked send of payload to char on endpoint. It returns
// ErrSessionBusy if a send is already active and ErrNotConnected if endpoint
// is not connected. Completion is reported on TransferEvents.
func (m *Manager) TrySend(payload []byte, endpoint EndpointID, char CharacteristicID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkConnected(endpoint); err != nil {
		return err
	}
	if err := m.engine.BeginSend(payload, endpoint, char); err != nil {
		return err
	}
	slog.Info("[BLE] sending", "endpoint", endpoint, "char", char, "bytes", len(payload),
		"writes", m.opts.Framing.Writes(len(payload)))
	return nil
}

// BeginSend is TrySend reporting only whether the send was accepted.
func (m *Manager) BeginSend(payload []byte, endpoint EndpointID, char CharacteristicID) bool {
	err := m.TrySend(payload, endpoint, char)
	if err != nil {
		slog.Debug("[BLE] send rejected", "endpoint", endpoint, "error", err)
	}
	return err == nil
}

// TryReceive starts reassembling a chunked message read from char on
// endpoint. It returns ErrSessionBusy if a receive is already active and
// ErrNotConnected if endpoint is not connected.
func (m *Manager) TryReceive(endpoint EndpointID, char CharacteristicID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkConnected(endpoint); err != nil {
		return err
	}
	if err := m.engine.BeginReceive(endpoint, char); err != nil {
		return err
	}
	slog.Info("[BLE] receiving", "endpoint", endpoint, "char", char)
	return nil
}

// BeginReceive is TryReceive reporting only whether the receive was accepted.
func (m *Manager) BeginReceive(endpoint EndpointID, char CharacteristicID) bool {
	err := m.TryReceive(endpoint, char)
	if err != nil {
		slog.Debug("[BLE] receive rejected", "endpoint", endpoint, "error", err)
	}
	return err == nil
}

// CancelSend abandons the active send. No event is emitted for it.
func (m *Manager) CancelSend() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.CancelSend()
}

// CancelReceive abandons the active receive. No event is emitted for it.
func (m *Manager) CancelReceive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.CancelReceive()
}

// Sending reports whether a send session is active.
func (m *Manager) Sending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.Sending()
}

// Receiving reports whether a receive session is active.
func (m *Manager) Receiving() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.Receiving()
}

// checkConnected requires endpoint to be tracked with a live link (caller must hold mu).
func (m *Manager) checkConnected(endpoint EndpointID) error {
	ep, ok := m.registry.Get(endpoint)
	if !ok || ep.Status != StatusConnected {
		return fmt.Errorf("%w: %s", ErrNotConnected, endpoint)
	}
	return nil
}

// armStallTimer schedules a stall check for the operation numbered seq.
func (m *Manager) armStallTimer(kind sessionKind, seq uint64) {
	time.AfterFunc(m.opts.StallTimeout, func() {
		select {
		case m.stalls <- stallFired{kind: kind, seq: seq}:
		default:
			slog.Warn("[BLE] stall check queue full", "kind", kind)
		}
	})
}

func (m *Manager) expire(f stallFired) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if out, ok := m.engine.Expire(f.kind, f.seq); ok {
		slog.Warn("[BLE] transfer stalled", "kind", f.kind, "endpoint", out.Endpoint, "timeout", m.opts.StallTimeout)
		m.emitTransfer(out)
	}
}

// emitConnection delivers ev without blocking the dispatch loop.
func (m *Manager) emitConnection(ev ConnectionEvent) {
	select {
	case m.connEvents <- ev:
	default:
		slog.Warn("[BLE] connection event channel full, dropping event", "type", ev.Type, "endpoint", ev.Endpoint)
	}
}

// emitTransfer delivers ev without blocking the dispatch loop.
func (m *Manager) emitTransfer(ev TransferEvent) {
	select {
	case m.xferEvents <- ev:
	default:
		slog.Warn("[BLE] transfer event channel full, dropping event", "type", ev.Type, "endpoint", ev.Endpoint)
	}
}
