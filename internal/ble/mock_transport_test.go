package ble

import (
	"fmt"
	"sync"
	"time"
)

// command is one call recorded by mockTransport.
type command struct {
	op      string
	id      EndpointID
	service ServiceID
	char    CharacteristicID
	data    []byte
	enabled bool
}

func (c command) String() string {
	switch c.op {
	case "write":
		return fmt.Sprintf("write %s %q", c.char, c.data)
	case "read":
		return fmt.Sprintf("read %s", c.char)
	case "discover_chars":
		return fmt.Sprintf("discover_chars %s", c.service)
	default:
		return fmt.Sprintf("%s %s", c.op, c.id)
	}
}

// mockTransport records commands and lets tests inject failures. It never
// produces events on its own; tests feed completions to Dispatch.
type mockTransport struct {
	mu       sync.Mutex
	commands []command
	failOps  map[string]error
	events   chan AdapterEvent
	closed   bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		failOps: make(map[string]error),
		events:  make(chan AdapterEvent, 64),
	}
}

func (t *mockTransport) record(c command) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failOps[c.op]; err != nil {
		return err
	}
	t.commands = append(t.commands, c)
	return nil
}

// fail makes every later call of op fail with err. A nil err clears it.
func (t *mockTransport) fail(op string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.failOps, op)
		return
	}
	t.failOps[op] = err
}

func (t *mockTransport) Enable() error {
	return t.record(command{op: "enable"})
}

func (t *mockTransport) Scan(service ServiceID, window time.Duration) error {
	return t.record(command{op: "scan", service: service})
}

func (t *mockTransport) StopScan() error {
	return t.record(command{op: "stop_scan"})
}

func (t *mockTransport) Connect(id EndpointID) error {
	return t.record(command{op: "connect", id: id})
}

func (t *mockTransport) Disconnect(id EndpointID) error {
	return t.record(command{op: "disconnect", id: id})
}

func (t *mockTransport) DiscoverServices(id EndpointID, filter []ServiceID) error {
	return t.record(command{op: "discover_services", id: id})
}

func (t *mockTransport) DiscoverCharacteristics(id EndpointID, service ServiceID) error {
	return t.record(command{op: "discover_chars", id: id, service: service})
}

func (t *mockTransport) SetNotify(id EndpointID, char CharacteristicID, enabled bool) error {
	return t.record(command{op: "notify", id: id, char: char, enabled: enabled})
}

func (t *mockTransport) Write(id EndpointID, char CharacteristicID, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	return t.record(command{op: "write", id: id, char: char, data: cp})
}

func (t *mockTransport) Read(id EndpointID, char CharacteristicID) error {
	return t.record(command{op: "read", id: id, char: char})
}

func (t *mockTransport) Events() <-chan AdapterEvent {
	return t.events
}

func (t *mockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// ops returns the recorded commands of kind op.
func (t *mockTransport) ops(op string) []command {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []command
	for _, c := range t.commands {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

// writes returns the payloads of all recorded writes in order.
func (t *mockTransport) writes() [][]byte {
	var out [][]byte
	for _, c := range t.ops("write") {
		out = append(out, c.data)
	}
	return out
}

func (t *mockTransport) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commands = nil
}

// readyManager returns a manager whose adapter is powered on and which has one
// endpoint through discovery.
func readyManager(transport *mockTransport, opts Options, id EndpointID) *Manager {
	m := NewManager(transport, opts)
	m.Dispatch(StateChanged{State: AdapterPoweredOn})
	m.Dispatch(Discovered{Endpoint: id, Name: "peer"})
	m.Dispatch(Connected{Endpoint: id})
	m.Dispatch(ServicesDiscovered{Endpoint: id, Services: []ServiceID{ServiceUUID}})
	m.Dispatch(CharacteristicsDiscovered{
		Endpoint: id,
		Service:  ServiceUUID,
		Characteristics: []CharacteristicID{
			WritableUUID, ReadableShortUUID, ReadableLargeUUID, NotifierUUID,
		},
	})
	drainConnection(m)
	transport.reset()
	return m
}

func drainConnection(m *Manager) []ConnectionEvent {
	var out []ConnectionEvent
	for {
		select {
		case ev := <-m.ConnectionEvents():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func drainTransfer(m *Manager) []TransferEvent {
	var out []TransferEvent
	for {
		select {
		case ev := <-m.TransferEvents():
			out = append(out, ev)
		default:
			return out
		}
	}
}
