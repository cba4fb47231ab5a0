package goble

import (
	"time"

	goble "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
)

// Scan timing is in units of 0.625ms. Scanning is active so that peripherals
// answer with the scan response carrying their local name, and the 30ms
// window in every 50ms leaves the controller air time for links already open.
func scanParameters() cmd.LESetScanParameters {
	return cmd.LESetScanParameters{
		LEScanType:     0x01,
		LEScanInterval: 0x0050,
		LEScanWindow:   0x0030,
	}
}

func newDevice(timeout time.Duration) (goble.Device, error) {
	device, err := linux.NewDevice(
		goble.OptListenerTimeout(timeout),
		goble.OptDialerTimeout(timeout),
		goble.OptScanParams(scanParameters()),
	)
	if err != nil {
		return nil, err
	}
	return device, nil
}
