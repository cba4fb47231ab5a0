// Package ble manages GATT sessions with remote endpoints: it drives each
// connected endpoint through service and characteristic discovery, and
// moves messages larger than the link MTU over a characteristic pair using
// chunked writes and reads terminated by a sentinel chunk.
package ble

import "time"

//go:generate mockgen -destination=mocks/transport.go -package=mocks github.com/chaz8081/blexfer/internal/ble Transport

// Transport abstracts the BLE stack. Every command is non-blocking: its
// outcome is reported later as an AdapterEvent on Events(). A command returns
// an error only when it could not be queued at all.
//
// Implementations must deliver the events of one link serially and must
// report unsolicited disconnects with a Disconnected event.
type Transport interface {
	// Enable powers on the adapter. The resulting state arrives as StateChanged.
	Enable() error
	// Scan looks for endpoints advertising service. A positive window stops the
	// scan after that long and raises ScanTimedOut; zero scans until StopScan.
	Scan(service ServiceID, window time.Duration) error
	// StopScan ends a running scan without raising ScanTimedOut.
	StopScan() error
	// Connect raises Connected or ConnectFailed.
	Connect(id EndpointID) error
	// Disconnect raises Disconnected.
	Disconnect(id EndpointID) error
	// DiscoverServices raises ServicesDiscovered. A nil filter returns all services.
	DiscoverServices(id EndpointID, filter []ServiceID) error
	// DiscoverCharacteristics raises CharacteristicsDiscovered for service.
	DiscoverCharacteristics(id EndpointID, service ServiceID) error
	// SetNotify raises NotifyStateChanged; values then arrive as ValueNotified.
	SetNotify(id EndpointID, char CharacteristicID, enabled bool) error
	// Write sends data with response and raises WriteCompleted.
	Write(id EndpointID, char CharacteristicID, data []byte) error
	// Read raises ReadCompleted.
	Read(id EndpointID, char CharacteristicID) error
	// Events returns the channel adapter events are delivered on.
	Events() <-chan AdapterEvent
	// Close releases the adapter.
	Close() error
}

// AdapterEvent is one event raised by a Transport. The concrete types below
// form a closed set.
type AdapterEvent interface {
	adapterEvent()
}

// StateChanged reports a change in adapter power state.
type StateChanged struct {
	State AdapterState
}

// Discovered reports an endpoint seen while scanning.
type Discovered struct {
	Endpoint EndpointID
	Name     string
	RSSI     int
}

// ScanTimedOut reports that a scan window elapsed.
type ScanTimedOut struct{}

// Connected reports a successful Connect.
type Connected struct {
	Endpoint EndpointID
}

// ConnectFailed reports a failed Connect.
type ConnectFailed struct {
	Endpoint EndpointID
	Err      error
}

// Disconnected reports that a link went down, requested or not.
type Disconnected struct {
	Endpoint EndpointID
	Err      error
}

// ServicesDiscovered carries the result of DiscoverServices.
type ServicesDiscovered struct {
	Endpoint EndpointID
	Services []ServiceID
	Err      error
}

// CharacteristicsDiscovered carries the result of DiscoverCharacteristics.
type CharacteristicsDiscovered struct {
	Endpoint        EndpointID
	Service         ServiceID
	Characteristics []CharacteristicID
	Err             error
}

// NotifyStateChanged carries the result of SetNotify.
type NotifyStateChanged struct {
	Endpoint       EndpointID
	Characteristic CharacteristicID
	Enabled        bool
	Err            error
}

// WriteCompleted carries the result of Write.
type WriteCompleted struct {
	Endpoint       EndpointID
	Characteristic CharacteristicID
	Err            error
}

// ReadCompleted carries the result of Read. Value may be empty.
type ReadCompleted struct {
	Endpoint       EndpointID
	Characteristic CharacteristicID
	Value          []byte
	Err            error
}

// ValueNotified is an unsolicited value pushed on a subscribed characteristic.
type ValueNotified struct {
	Endpoint       EndpointID
	Characteristic CharacteristicID
	Value          []byte
}

func (StateChanged) adapterEvent()              {}
func (Discovered) adapterEvent()                {}
func (ScanTimedOut) adapterEvent()              {}
func (Connected) adapterEvent()                 {}
func (ConnectFailed) adapterEvent()             {}
func (Disconnected) adapterEvent()              {}
func (ServicesDiscovered) adapterEvent()        {}
func (CharacteristicsDiscovered) adapterEvent() {}
func (NotifyStateChanged) adapterEvent()        {}
func (WriteCompleted) adapterEvent()            {}
func (ReadCompleted) adapterEvent()             {}
func (ValueNotified) adapterEvent()             {}
