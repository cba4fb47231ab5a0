package ble

import "fmt"

// ConnectionEventType identifies a ConnectionEvent.
type ConnectionEventType int

const (
	// EventAdapterStateChanged carries the new adapter state in State.
	EventAdapterStateChanged ConnectionEventType = iota
	// EventDeviceNotFound fires when a scan window closes with no endpoint tracked.
	EventDeviceNotFound
	EventEndpointConnected
	// EventEndpointReady fires once discovery has completed and notifications
	// are requested; transfers may begin.
	EventEndpointReady
	EventEndpointDisconnected
	EventConnectFailed
	EventDiscoveryFailed
)

var connectionEventNames = map[ConnectionEventType]string{
	EventAdapterStateChanged:  "adapter_state",
	EventDeviceNotFound:       "device_not_found",
	EventEndpointConnected:    "connected",
	EventEndpointReady:        "ready",
	EventEndpointDisconnected: "disconnected",
	EventConnectFailed:        "connect_failed",
	EventDiscoveryFailed:      "discovery_failed",
}

func (t ConnectionEventType) String() string {
	if s, ok := connectionEventNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ConnectionEventType(%d)", int(t))
}

// ConnectionEvent is emitted on Manager.ConnectionEvents.
type ConnectionEvent struct {
	Type     ConnectionEventType
	Endpoint EndpointID
	State    AdapterState
	Err      error
}

// TransferEventType identifies a TransferEvent.
type TransferEventType int

const (
	// EventTransferWritten fires when the sentinel write of a send is acknowledged.
	EventTransferWritten TransferEventType = iota
	// EventTransferRead carries a reassembled message in Value.
	EventTransferRead
	// EventNotificationReceived carries one notified value in Value.
	EventNotificationReceived
	// EventTransferFailed ends a session with Err.
	EventTransferFailed
	// EventTransferReadError reports a failed read. The receive session stays
	// open and no further read is issued.
	EventTransferReadError
	// EventTransferStalled ends a session whose outstanding operation timed out.
	EventTransferStalled
	// EventTransferAbandoned ends a session whose endpoint disconnected.
	EventTransferAbandoned
)

var transferEventNames = map[TransferEventType]string{
	EventTransferWritten:      "written",
	EventTransferRead:         "read",
	EventNotificationReceived: "notification",
	EventTransferFailed:       "failed",
	EventTransferReadError:    "read_error",
	EventTransferStalled:      "stalled",
	EventTransferAbandoned:    "abandoned",
}

func (t TransferEventType) String() string {
	if s, ok := transferEventNames[t]; ok {
		return s
	}
	return fmt.Sprintf("TransferEventType(%d)", int(t))
}

// TransferEvent is emitted on Manager.TransferEvents.
type TransferEvent struct {
	Type           TransferEventType
	Endpoint       EndpointID
	Characteristic CharacteristicID
	Value          []byte
	Err            error
}
