//go:build !darwin && !windows

package tinygo

import "tinygo.org/x/bluetooth"

// The BlueZ backend only offers WriteWithoutResponse, which never reports
// whether the peer accepted the chunk.
const canWriteWithResponse = false

func writeWithResponse(bluetooth.DeviceCharacteristic, []byte) error {
	return errWriteUnsupported
}
