//go:build !linux

package goble

import (
	"time"

	goble "github.com/go-ble/ble"
)

func newDevice(_ time.Duration) (goble.Device, error) {
	return nil, errUnsupported
}
