package ble

import (
	"fmt"
	"log/slog"
)

// The discovery state machine. Every handler runs with m.mu held.
//
//	Idle -> Connecting -> Connected -> ServicesDiscovered ->
//	        CharacteristicsDiscovered -> Ready
//
// Disconnected is reachable from any state and removes the endpoint.

func (m *Manager) onDiscovered(ev Discovered) {
	ep := Endpoint{ID: ev.Endpoint, Name: ev.Name, RSSI: ev.RSSI}
	if !m.connectEndpoint(ep) {
		slog.Debug("[BLE] ignoring already tracked endpoint", "endpoint", ev.Endpoint)
		return
	}
	slog.Info("[BLE] discovered endpoint", "endpoint", ev.Endpoint, "name", ev.Name, "rssi", ev.RSSI)
}

// connectEndpoint registers ep and issues a connect. It returns false if the
// endpoint was already tracked.
func (m *Manager) connectEndpoint(ep Endpoint) bool {
	ep.Status = StatusDiscovered
	ep.State = StateIdle
	if !m.registry.Track(ep) {
		return false
	}
	m.registry.Update(ep.ID, func(e *Endpoint) {
		e.Status = StatusConnecting
		e.State = StateConnecting
	})
	if err := m.transport.Connect(ep.ID); err != nil {
		m.registry.Remove(ep.ID)
		slog.Error("[BLE] connect command failed", "endpoint", ep.ID, "error", err)
		m.emitConnection(ConnectionEvent{
			Type:     EventConnectFailed,
			Endpoint: ep.ID,
			Err:      fmt.Errorf("%w: %w", ErrConnectFailed, err),
		})
	}
	return true
}

func (m *Manager) onConnected(ev Connected) {
	m.registry.Track(Endpoint{ID: ev.Endpoint})
	m.registry.Update(ev.Endpoint, func(e *Endpoint) {
		e.Status = StatusConnected
		e.State = StateConnected
	})
	slog.Info("[BLE] connected", "endpoint", ev.Endpoint)
	m.emitConnection(ConnectionEvent{Type: EventEndpointConnected, Endpoint: ev.Endpoint})

	if err := m.transport.DiscoverServices(ev.Endpoint, nil); err != nil {
		m.discoveryFailed(ev.Endpoint, "services", err)
	}
}

func (m *Manager) onConnectFailed(ev ConnectFailed) {
	m.registry.Remove(ev.Endpoint)
	slog.Warn("[BLE] connect failed", "endpoint", ev.Endpoint, "error", ev.Err)
	m.emitConnection(ConnectionEvent{
		Type:     EventConnectFailed,
		Endpoint: ev.Endpoint,
		Err:      fmt.Errorf("%w: %w", ErrConnectFailed, ev.Err),
	})
}

func (m *Manager) onDisconnected(ev Disconnected) {
	m.registry.Remove(ev.Endpoint)
	for _, out := range m.engine.Abandon(ev.Endpoint) {
		slog.Warn("[BLE] transfer abandoned on disconnect", "endpoint", ev.Endpoint, "char", out.Characteristic)
		m.emitTransfer(out)
	}
	slog.Info("[BLE] disconnected", "endpoint", ev.Endpoint, "error", ev.Err)
	m.emitConnection(ConnectionEvent{Type: EventEndpointDisconnected, Endpoint: ev.Endpoint, Err: ev.Err})
}

func (m *Manager) onServicesDiscovered(ev ServicesDiscovered) {
	if ev.Err != nil {
		m.discoveryFailed(ev.Endpoint, "services", ev.Err)
		return
	}
	if !m.registry.Update(ev.Endpoint, func(e *Endpoint) { e.State = StateServicesDiscovered }) {
		slog.Debug("[BLE] services for untracked endpoint", "endpoint", ev.Endpoint)
		return
	}

	matched := false
	for _, svc := range ev.Services {
		slog.Debug("[BLE] found service", "endpoint", ev.Endpoint, "service", svc)
		if ServiceID(NormalizeID(string(svc))) != m.opts.Profile.Service {
			continue
		}
		matched = true
		slog.Info("[BLE] discovering characteristics", "endpoint", ev.Endpoint, "service", svc)
		if err := m.transport.DiscoverCharacteristics(ev.Endpoint, svc); err != nil {
			m.discoveryFailed(ev.Endpoint, "characteristics", err)
		}
	}
	if !matched {
		slog.Warn("[BLE] session service not offered", "endpoint", ev.Endpoint, "service", m.opts.Profile.Service)
	}
}

func (m *Manager) onCharacteristicsDiscovered(ev CharacteristicsDiscovered) {
	if ev.Err != nil {
		m.discoveryFailed(ev.Endpoint, "characteristics", ev.Err)
		return
	}
	if ServiceID(NormalizeID(string(ev.Service))) != m.opts.Profile.Service {
		return
	}

	var notifiers []CharacteristicID
	tracked := m.registry.Update(ev.Endpoint, func(e *Endpoint) {
		e.State = StateCharacteristicsDiscovered
		for _, char := range ev.Characteristics {
			role := m.opts.Profile.RoleOf(char)
			slog.Debug("[BLE] discovered characteristic", "endpoint", ev.Endpoint, "char", char, "role", role)
			if role == RoleUnknown {
				continue
			}
			e.Characteristics[char] = role
			if role == RoleNotifier {
				notifiers = append(notifiers, char)
			}
		}
	})
	if !tracked {
		slog.Debug("[BLE] characteristics for untracked endpoint", "endpoint", ev.Endpoint)
		return
	}

	for _, char := range notifiers {
		if err := m.transport.SetNotify(ev.Endpoint, char, true); err != nil {
			slog.Warn("[BLE] subscribe failed", "endpoint", ev.Endpoint, "char", char, "error", err)
		}
	}

	m.registry.Update(ev.Endpoint, func(e *Endpoint) { e.State = StateReady })
	slog.Info("[BLE] endpoint ready", "endpoint", ev.Endpoint, "notifiers", len(notifiers))
	m.emitConnection(ConnectionEvent{Type: EventEndpointReady, Endpoint: ev.Endpoint})
}

func (m *Manager) onNotifyStateChanged(ev NotifyStateChanged) {
	if ev.Err != nil {
		slog.Warn("[BLE] notification state change failed", "endpoint", ev.Endpoint, "char", ev.Characteristic, "error", ev.Err)
		return
	}
	slog.Debug("[BLE] notification state changed", "endpoint", ev.Endpoint, "char", ev.Characteristic, "enabled", ev.Enabled)
}

// discoveryFailed reports a failed discovery step. The endpoint keeps its
// last good state and discovery is not retried.
func (m *Manager) discoveryFailed(id EndpointID, step string, err error) {
	slog.Error("[BLE] discovery failed", "endpoint", id, "step", step, "error", err)
	m.emitConnection(ConnectionEvent{
		Type:     EventDiscoveryFailed,
		Endpoint: id,
		Err:      fmt.Errorf("%w: %s: %w", ErrDiscoveryFailed, step, err),
	})
}
