// Package tinygo implements ble.Transport on tinygo.org/x/bluetooth, which
// drives CoreBluetooth on macOS and WinRT on Windows. On Linux it can scan,
// connect, read and subscribe over BlueZ, but Write is refused because BlueZ
// writes through this library are never acknowledged; use the goble driver there.
package tinygo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/blexfer/internal/ble"
	"tinygo.org/x/bluetooth"
)

var errWriteUnsupported = errors.New("tinygo: write with response not supported on this platform")

// Options configures a Transport.
type Options struct {
	// QueueDepth bounds queued commands and undelivered events.
	QueueDepth int
	// ReadBuffer is the size of the buffer handed to each characteristic read.
	ReadBuffer int
}

// Transport runs every stack call on a single worker goroutine and reports
// results as ble.AdapterEvents. On macOS endpoint IDs are CoreBluetooth
// peripheral UUIDs, elsewhere they are MAC addresses.
type Transport struct {
	adapter    *bluetooth.Adapter
	worker     *ble.Worker
	readBuffer int

	// mu protects the maps and scan state below.
	mu         sync.Mutex
	devices    map[ble.EndpointID]bluetooth.Device
	services   map[ble.EndpointID]map[ble.ServiceID]bluetooth.DeviceService
	chars      map[ble.EndpointID]map[ble.CharacteristicID]bluetooth.DeviceCharacteristic
	scanCancel context.CancelFunc
}

// New creates a transport on the system default adapter.
func New(opts Options) *Transport {
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = 512
	}
	return &Transport{
		adapter:    bluetooth.DefaultAdapter,
		worker:     ble.NewWorker(opts.QueueDepth),
		readBuffer: opts.ReadBuffer,
		devices:    make(map[ble.EndpointID]bluetooth.Device),
		services:   make(map[ble.EndpointID]map[ble.ServiceID]bluetooth.DeviceService),
		chars:      make(map[ble.EndpointID]map[ble.CharacteristicID]bluetooth.DeviceCharacteristic),
	}
}

// Compile-time check that Transport implements ble.Transport.
var _ ble.Transport = (*Transport)(nil)

func (t *Transport) Events() <-chan ble.AdapterEvent {
	return t.worker.Events()
}

func (t *Transport) Enable() error {
	t.worker.Start()
	return t.worker.Submit(func() {
		if err := t.adapter.Enable(); err != nil {
			slog.Error("[BLE] enable adapter", "error", err)
			t.worker.Emit(ble.StateChanged{State: ble.AdapterPoweredOff})
			return
		}

		// tinygo reports peripheral disconnects through the adapter-level
		// connect handler with connected=false.
		t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			id := ble.EndpointID(ble.NormalizeID(device.Address.String()))
			if t.forget(id) {
				t.worker.Post(ble.Disconnected{Endpoint: id})
			}
		})
		t.worker.Emit(ble.StateChanged{State: ble.AdapterPoweredOn})
	})
}

func (t *Transport) Scan(service ble.ServiceID, window time.Duration) error {
	want, err := bluetooth.ParseUUID(string(service))
	if err != nil {
		return fmt.Errorf("tinygo: parse service UUID: %w", err)
	}

	t.mu.Lock()
	if t.scanCancel != nil {
		t.mu.Unlock()
		return errors.New("tinygo: scan already running")
	}
	var ctx context.Context
	var cancel context.CancelFunc
	if window > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), window)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	t.scanCancel = cancel
	t.mu.Unlock()

	// Adapter.Scan blocks until StopScan, so it cannot share the worker.
	go t.scan(ctx, cancel, want)
	return nil
}

func (t *Transport) scan(ctx context.Context, cancel context.CancelFunc, want bluetooth.UUID) {
	defer cancel()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = t.adapter.StopScan()
		case <-done:
		}
	}()

	var mu sync.Mutex
	seen := make(map[ble.EndpointID]bool)
	err := t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(want) {
			return
		}
		id := ble.EndpointID(ble.NormalizeID(result.Address.String()))
		mu.Lock()
		defer mu.Unlock()
		if seen[id] {
			return
		}
		seen[id] = true
		t.worker.Post(ble.Discovered{Endpoint: id, Name: result.LocalName(), RSSI: int(result.RSSI)})
	})
	close(done)

	t.mu.Lock()
	t.scanCancel = nil
	t.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		slog.Error("[BLE] scan failed", "error", err)
		return
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		t.worker.Post(ble.ScanTimedOut{})
	}
}

func (t *Transport) StopScan() error {
	t.mu.Lock()
	cancel := t.scanCancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (t *Transport) Connect(id ble.EndpointID) error {
	return t.worker.Submit(func() {
		var addr bluetooth.Address
		addr.Set(string(id))

		device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			t.worker.Emit(ble.ConnectFailed{Endpoint: id, Err: err})
			return
		}
		t.mu.Lock()
		t.devices[id] = device
		t.mu.Unlock()
		t.worker.Emit(ble.Connected{Endpoint: id})
	})
}

func (t *Transport) Disconnect(id ble.EndpointID) error {
	return t.worker.Submit(func() {
		device, ok := t.device(id)
		if !ok {
			t.worker.Emit(ble.Disconnected{Endpoint: id, Err: ble.ErrNotConnected})
			return
		}
		if err := device.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect", "endpoint", id, "error", err)
		}
		if t.forget(id) {
			t.worker.Emit(ble.Disconnected{Endpoint: id})
		}
	})
}

func (t *Transport) DiscoverServices(id ble.EndpointID, filter []ble.ServiceID) error {
	return t.worker.Submit(func() {
		ev := ble.ServicesDiscovered{Endpoint: id}
		ev.Services, ev.Err = t.discoverServices(id, filter)
		t.worker.Emit(ev)
	})
}

func (t *Transport) discoverServices(id ble.EndpointID, filter []ble.ServiceID) ([]ble.ServiceID, error) {
	device, ok := t.device(id)
	if !ok {
		return nil, ble.ErrNotConnected
	}
	var uuids []bluetooth.UUID
	for _, s := range filter {
		u, err := bluetooth.ParseUUID(string(s))
		if err != nil {
			return nil, fmt.Errorf("tinygo: parse service UUID: %w", err)
		}
		uuids = append(uuids, u)
	}

	svcs, err := device.DiscoverServices(uuids)
	if err != nil {
		return nil, fmt.Errorf("tinygo: discover services: %w", err)
	}
	ids := make([]ble.ServiceID, 0, len(svcs))
	byID := make(map[ble.ServiceID]bluetooth.DeviceService, len(svcs))
	for _, svc := range svcs {
		sid := ble.ServiceID(ble.NormalizeID(svc.UUID().String()))
		byID[sid] = svc
		ids = append(ids, sid)
	}
	t.mu.Lock()
	t.services[id] = byID
	t.mu.Unlock()
	return ids, nil
}

func (t *Transport) DiscoverCharacteristics(id ble.EndpointID, service ble.ServiceID) error {
	return t.worker.Submit(func() {
		ev := ble.CharacteristicsDiscovered{Endpoint: id, Service: service}
		ev.Characteristics, ev.Err = t.discoverCharacteristics(id, service)
		t.worker.Emit(ev)
	})
}

func (t *Transport) discoverCharacteristics(id ble.EndpointID, service ble.ServiceID) ([]ble.CharacteristicID, error) {
	t.mu.Lock()
	svc, ok := t.services[id][ble.ServiceID(ble.NormalizeID(string(service)))]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("tinygo: service %s not discovered on %s", service, id)
	}

	chars, err := svc.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, fmt.Errorf("tinygo: discover characteristics: %w", err)
	}
	ids := make([]ble.CharacteristicID, 0, len(chars))
	t.mu.Lock()
	if t.chars[id] == nil {
		t.chars[id] = make(map[ble.CharacteristicID]bluetooth.DeviceCharacteristic)
	}
	for _, c := range chars {
		cid := ble.CharacteristicID(ble.NormalizeID(c.UUID().String()))
		t.chars[id][cid] = c
		ids = append(ids, cid)
	}
	t.mu.Unlock()
	return ids, nil
}

func (t *Transport) SetNotify(id ble.EndpointID, char ble.CharacteristicID, enabled bool) error {
	return t.worker.Submit(func() {
		ev := ble.NotifyStateChanged{Endpoint: id, Characteristic: char, Enabled: enabled}
		c, err := t.characteristic(id, char)
		if err == nil {
			var cb func([]byte)
			if enabled {
				cb = func(buf []byte) {
					t.worker.Post(ble.ValueNotified{Endpoint: id, Characteristic: char, Value: bytes.Clone(buf)})
				}
			}
			err = c.EnableNotifications(cb)
		}
		ev.Err = err
		t.worker.Emit(ev)
	})
}

func (t *Transport) Write(id ble.EndpointID, char ble.CharacteristicID, data []byte) error {
	if !canWriteWithResponse {
		return errWriteUnsupported
	}
	data = bytes.Clone(data)
	return t.worker.Submit(func() {
		c, err := t.characteristic(id, char)
		if err == nil {
			err = writeWithResponse(c, data)
		}
		t.worker.Emit(ble.WriteCompleted{Endpoint: id, Characteristic: char, Err: err})
	})
}

func (t *Transport) Read(id ble.EndpointID, char ble.CharacteristicID) error {
	return t.worker.Submit(func() {
		ev := ble.ReadCompleted{Endpoint: id, Characteristic: char}
		c, err := t.characteristic(id, char)
		if err == nil {
			buf := make([]byte, t.readBuffer)
			var n int
			n, err = c.Read(buf)
			ev.Value = buf[:n]
		}
		ev.Err = err
		t.worker.Emit(ev)
	})
}

// Close stops scanning, drops every connection and stops the worker.
func (t *Transport) Close() error {
	_ = t.StopScan()

	t.mu.Lock()
	devices := make([]bluetooth.Device, 0, len(t.devices))
	for id, d := range t.devices {
		devices = append(devices, d)
		delete(t.devices, id)
	}
	clear(t.services)
	clear(t.chars)
	t.mu.Unlock()

	var errs []error
	for _, d := range devices {
		errs = append(errs, d.Disconnect())
	}
	t.worker.Close()
	return errors.Join(errs...)
}

func (t *Transport) device(id ble.EndpointID) (bluetooth.Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[id]
	return d, ok
}

func (t *Transport) characteristic(id ble.EndpointID, char ble.CharacteristicID) (bluetooth.DeviceCharacteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.devices[id]; !ok {
		return bluetooth.DeviceCharacteristic{}, ble.ErrNotConnected
	}
	c, ok := t.chars[id][ble.CharacteristicID(ble.NormalizeID(string(char)))]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("tinygo: characteristic %s not discovered on %s", char, id)
	}
	return c, nil
}

// forget drops all state for id. It reports whether id was connected.
func (t *Transport) forget(id ble.EndpointID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.devices[id]
	delete(t.devices, id)
	delete(t.services, id)
	delete(t.chars, id)
	return ok
}
