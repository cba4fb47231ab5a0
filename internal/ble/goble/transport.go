// Package goble implements ble.Transport on github.com/go-ble/ble, which
// talks HCI directly to a Linux controller without BlueZ.
package goble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/blexfer/internal/ble"
	goble "github.com/go-ble/ble"
)

const defaultTimeout = 20 * time.Second

// Options configures a Transport.
type Options struct {
	QueueDepth int
	// Timeout bounds dialing and HCI listener operations.
	Timeout time.Duration
}

// Transport runs go-ble calls on a single worker goroutine and reports the
// results as ble.AdapterEvents.
type Transport struct {
	worker    *ble.Worker
	timeout   time.Duration
	newDevice func(timeout time.Duration) (goble.Device, error)

	mu         sync.Mutex
	device     goble.Device
	clients    map[ble.EndpointID]goble.Client
	services   map[ble.EndpointID]map[ble.ServiceID]*goble.Service
	chars      map[ble.EndpointID]map[ble.CharacteristicID]*goble.Characteristic
	scanCancel context.CancelFunc
}

// New creates a transport. The HCI device is opened by Enable.
func New(opts Options) *Transport {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Transport{
		worker:    ble.NewWorker(opts.QueueDepth),
		timeout:   opts.Timeout,
		newDevice: newDevice,
		clients:   make(map[ble.EndpointID]goble.Client),
		services:  make(map[ble.EndpointID]map[ble.ServiceID]*goble.Service),
		chars:     make(map[ble.EndpointID]map[ble.CharacteristicID]*goble.Characteristic),
	}
}

var _ ble.Transport = (*Transport)(nil)

func (t *Transport) Events() <-chan ble.AdapterEvent {
	return t.worker.Events()
}

func (t *Transport) Enable() error {
	t.worker.Start()
	return t.worker.Submit(func() {
		device, err := t.newDevice(t.timeout)
		if err != nil {
			slog.Error("[BLE] open HCI device", "error", err)
			state := ble.AdapterPoweredOff
			if errors.Is(err, errUnsupported) {
				state = ble.AdapterUnsupported
			}
			t.worker.Emit(ble.StateChanged{State: state})
			return
		}
		t.mu.Lock()
		t.device = device
		t.mu.Unlock()
		t.worker.Emit(ble.StateChanged{State: ble.AdapterPoweredOn})
	})
}

func (t *Transport) Scan(service ble.ServiceID, window time.Duration) error {
	want, err := goble.Parse(string(service))
	if err != nil {
		return fmt.Errorf("goble: parse service UUID: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.device == nil {
		return ble.ErrNotReady
	}
	if t.scanCancel != nil {
		return errors.New("goble: scan already running")
	}
	var ctx context.Context
	var cancel context.CancelFunc
	if window > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), window)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	t.scanCancel = cancel

	go t.scan(ctx, cancel, t.device, want)
	return nil
}

func (t *Transport) scan(ctx context.Context, cancel context.CancelFunc, device goble.Device, want goble.UUID) {
	defer cancel()

	var mu sync.Mutex
	seen := make(map[ble.EndpointID]bool)
	err := device.Scan(ctx, false, func(a goble.Advertisement) {
		if !goble.Contains(a.Services(), want) {
			return
		}
		id := ble.EndpointID(ble.NormalizeID(a.Addr().String()))
		mu.Lock()
		defer mu.Unlock()
		if seen[id] {
			return
		}
		seen[id] = true
		t.worker.Post(ble.Discovered{Endpoint: id, Name: a.LocalName(), RSSI: a.RSSI()})
	})

	t.mu.Lock()
	t.scanCancel = nil
	t.mu.Unlock()

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		t.worker.Post(ble.ScanTimedOut{})
	case err != nil && ctx.Err() == nil:
		slog.Error("[BLE] scan failed", "error", err)
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
		t.mu.Lock()
		device := t.device
		t.mu.Unlock()
		if device == nil {
			t.worker.Emit(ble.ConnectFailed{Endpoint: id, Err: ble.ErrNotReady})
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()
		client, err := device.Dial(ctx, goble.NewAddr(string(id)))
		if err != nil {
			t.worker.Emit(ble.ConnectFailed{Endpoint: id, Err: err})
			return
		}
		t.mu.Lock()
		t.clients[id] = client
		t.mu.Unlock()

		go t.watch(id, client.Disconnected())
		t.worker.Emit(ble.Connected{Endpoint: id})
	})
}

// watch reports a link drop the stack noticed on its own.
func (t *Transport) watch(id ble.EndpointID, done <-chan struct{}) {
	<-done
	if t.forget(id) {
		t.worker.Post(ble.Disconnected{Endpoint: id, Err: errors.New("goble: connection lost")})
	}
}

func (t *Transport) Disconnect(id ble.EndpointID) error {
	return t.worker.Submit(func() {
		client, ok := t.client(id)
		if !ok {
			t.worker.Emit(ble.Disconnected{Endpoint: id, Err: ble.ErrNotConnected})
			return
		}
		err := errors.Join(client.ClearSubscriptions(), client.CancelConnection())
		if err != nil {
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
	client, ok := t.client(id)
	if !ok {
		return nil, ble.ErrNotConnected
	}
	var uuids []goble.UUID
	for _, s := range filter {
		u, err := goble.Parse(string(s))
		if err != nil {
			return nil, fmt.Errorf("goble: parse service UUID: %w", err)
		}
		uuids = append(uuids, u)
	}

	svcs, err := client.DiscoverServices(uuids)
	if err != nil {
		return nil, fmt.Errorf("goble: discover services: %w", err)
	}
	ids := make([]ble.ServiceID, 0, len(svcs))
	byID := make(map[ble.ServiceID]*goble.Service, len(svcs))
	for _, svc := range svcs {
		sid := ble.ServiceID(ble.NormalizeID(svc.UUID.String()))
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
	client, ok := t.client(id)
	if !ok {
		return nil, ble.ErrNotConnected
	}
	t.mu.Lock()
	svc, ok := t.services[id][ble.ServiceID(ble.NormalizeID(string(service)))]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("goble: service %s not discovered on %s", service, id)
	}

	chars, err := client.DiscoverCharacteristics(nil, svc)
	if err != nil {
		return nil, fmt.Errorf("goble: discover characteristics: %w", err)
	}
	ids := make([]ble.CharacteristicID, 0, len(chars))
	byID := make(map[ble.CharacteristicID]*goble.Characteristic, len(chars))
	for _, c := range chars {
		// Subscribe needs the CCCD, which only descriptor discovery fills in.
		if c.Property&(goble.CharNotify|goble.CharIndicate) != 0 {
			if _, err := client.DiscoverDescriptors(nil, c); err != nil {
				return nil, fmt.Errorf("goble: discover descriptors: %w", err)
			}
		}
		cid := ble.CharacteristicID(ble.NormalizeID(c.UUID.String()))
		byID[cid] = c
		ids = append(ids, cid)
	}
	t.mu.Lock()
	if t.chars[id] == nil {
		t.chars[id] = make(map[ble.CharacteristicID]*goble.Characteristic)
	}
	for cid, c := range byID {
		t.chars[id][cid] = c
	}
	t.mu.Unlock()
	return ids, nil
}

func (t *Transport) SetNotify(id ble.EndpointID, char ble.CharacteristicID, enabled bool) error {
	return t.worker.Submit(func() {
		ev := ble.NotifyStateChanged{Endpoint: id, Characteristic: char, Enabled: enabled}
		client, c, err := t.characteristic(id, char)
		switch {
		case err != nil:
		case enabled:
			err = client.Subscribe(c, false, func(value []byte) {
				t.worker.Post(ble.ValueNotified{Endpoint: id, Characteristic: char, Value: append([]byte(nil), value...)})
			})
		default:
			err = client.Unsubscribe(c, false)
		}
		ev.Err = err
		t.worker.Emit(ev)
	})
}

func (t *Transport) Write(id ble.EndpointID, char ble.CharacteristicID, data []byte) error {
	data = append([]byte(nil), data...)
	return t.worker.Submit(func() {
		client, c, err := t.characteristic(id, char)
		if err == nil {
			err = client.WriteCharacteristic(c, data, false)
		}
		t.worker.Emit(ble.WriteCompleted{Endpoint: id, Characteristic: char, Err: err})
	})
}

func (t *Transport) Read(id ble.EndpointID, char ble.CharacteristicID) error {
	return t.worker.Submit(func() {
		ev := ble.ReadCompleted{Endpoint: id, Characteristic: char}
		client, c, err := t.characteristic(id, char)
		if err == nil {
			ev.Value, err = client.ReadCharacteristic(c)
		}
		ev.Err = err
		t.worker.Emit(ev)
	})
}

// Close stops scanning, drops every connection, releases the HCI device and
// stops the worker.
func (t *Transport) Close() error {
	_ = t.StopScan()

	t.mu.Lock()
	clients := make([]goble.Client, 0, len(t.clients))
	for id, c := range t.clients {
		clients = append(clients, c)
		delete(t.clients, id)
	}
	clear(t.services)
	clear(t.chars)
	device := t.device
	t.device = nil
	t.mu.Unlock()

	var errs []error
	for _, c := range clients {
		errs = append(errs, c.CancelConnection())
	}
	if device != nil {
		errs = append(errs, device.Stop())
	}
	t.worker.Close()
	return errors.Join(errs...)
}

func (t *Transport) client(id ble.EndpointID) (goble.Client, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.clients[id]
	return c, ok
}

func (t *Transport) characteristic(id ble.EndpointID, char ble.CharacteristicID) (goble.Client, *goble.Characteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	client, ok := t.clients[id]
	if !ok {
		return nil, nil, ble.ErrNotConnected
	}
	c, ok := t.chars[id][ble.CharacteristicID(ble.NormalizeID(string(char)))]
	if !ok {
		return nil, nil, fmt.Errorf("goble: characteristic %s not discovered on %s", char, id)
	}
	return client, c, nil
}

// forget drops all state for id. It reports whether id was connected.
func (t *Transport) forget(id ble.EndpointID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.clients[id]
	delete(t.clients, id)
	delete(t.services, id)
	delete(t.chars, id)
	return ok
}
