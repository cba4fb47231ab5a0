package goble

import "testing"

func TestScanParameters(t *testing.T) {
	p := scanParameters()
	if p.LEScanType != 0x01 {
		t.Errorf("LEScanType = %d, want active scanning", p.LEScanType)
	}
	if p.LEScanWindow == 0 || p.LEScanWindow > p.LEScanInterval {
		t.Errorf("window %#x must be non-zero and no longer than interval %#x", p.LEScanWindow, p.LEScanInterval)
	}
}
