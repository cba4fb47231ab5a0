package ble

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Anemomind session service and characteristic UUIDs.
const (
	ServiceUUID       = "f7065dcc-cebe-48fd-bd63-89426bc5f787"
	WritableUUID      = "f7065dcc-aaaa-48fd-bd63-89426bc5f787"
	ReadableShortUUID = "f7065dcc-bbbb-48fd-bd63-89426bc5f787"
	ReadableLargeUUID = "f7065dcc-cccc-48fd-bd63-89426bc5f787"
	NotifierUUID      = "f7065dcc-dddd-48fd-bd63-89426bc5f787"
)

// EndpointID identifies a remote device: a MAC address on Linux and Windows,
// a CoreBluetooth UUID on macOS.
type EndpointID string

// ServiceID is a canonical (lowercase, dashed) GATT service UUID.
type ServiceID string

// CharacteristicID is a canonical (lowercase, dashed) GATT characteristic UUID.
type CharacteristicID string

// NormalizeID canonicalises a UUID string so that IDs reported by different
// stacks compare equal. 16- and 32-bit short UUIDs are only lowercased.
func NormalizeID(s string) string {
	u, err := uuid.Parse(s)
	if err != nil {
		return strings.ToLower(s)
	}
	return u.String()
}

// Role classifies a characteristic of the session service.
type Role int

const (
	RoleUnknown Role = iota
	RoleWritable
	RoleReadableShort
	RoleReadableLarge
	RoleNotifier
)

var roleNames = map[Role]string{
	RoleUnknown:       "unknown",
	RoleWritable:      "writable",
	RoleReadableShort: "short",
	RoleReadableLarge: "large",
	RoleNotifier:      "notifier",
}

func (r Role) String() string {
	if s, ok := roleNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// ParseRole maps a role name ("writable", "short", "large", "notifier") to a Role.
func ParseRole(s string) (Role, error) {
	for r, name := range roleNames {
		if r != RoleUnknown && name == strings.ToLower(s) {
			return r, nil
		}
	}
	return RoleUnknown, fmt.Errorf("ble: unknown characteristic role %q", s)
}

// Profile is the fixed set of identifiers the manager looks for on an endpoint.
type Profile struct {
	Service         ServiceID
	Characteristics map[CharacteristicID]Role
}

// DefaultProfile returns the profile of the reference peripheral firmware.
func DefaultProfile() Profile {
	return Profile{
		Service: ServiceUUID,
		Characteristics: map[CharacteristicID]Role{
			WritableUUID:      RoleWritable,
			ReadableShortUUID: RoleReadableShort,
			ReadableLargeUUID: RoleReadableLarge,
			NotifierUUID:      RoleNotifier,
		},
	}
}

// RoleOf returns the role of id, or RoleUnknown.
func (p Profile) RoleOf(id CharacteristicID) Role {
	return p.Characteristics[CharacteristicID(NormalizeID(string(id)))]
}

// Status is the connection status of an endpoint.
type Status int

const (
	StatusDiscovered Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusDiscovered:
		return "discovered"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// DiscoveryState is the position of an endpoint in the discovery sequence.
type DiscoveryState int

const (
	StateIdle DiscoveryState = iota
	StateConnecting
	StateConnected
	StateServicesDiscovered
	StateCharacteristicsDiscovered
	StateReady
	StateDisconnected
)

func (s DiscoveryState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateServicesDiscovered:
		return "services-discovered"
	case StateCharacteristicsDiscovered:
		return "characteristics-discovered"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("DiscoveryState(%d)", int(s))
	}
}

// AdapterState is the power state of the local adapter.
type AdapterState int

const (
	AdapterUnknown AdapterState = iota
	AdapterResetting
	AdapterUnsupported
	AdapterUnauthorized
	AdapterPoweredOff
	AdapterPoweredOn
)

func (s AdapterState) String() string {
	switch s {
	case AdapterUnknown:
		return "unknown"
	case AdapterResetting:
		return "resetting"
	case AdapterUnsupported:
		return "unsupported"
	case AdapterUnauthorized:
		return "unauthorized"
	case AdapterPoweredOff:
		return "powered-off"
	case AdapterPoweredOn:
		return "powered-on"
	default:
		return fmt.Sprintf("AdapterState(%d)", int(s))
	}
}
