//go:build darwin || windows

package tinygo

import "tinygo.org/x/bluetooth"

// CoreBluetooth and WinRT both expose write-with-response.
const canWriteWithResponse = true

func writeWithResponse(c bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.Write(data)
	return err
}
