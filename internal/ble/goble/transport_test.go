package goble

import (
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/blexfer/internal/ble"
	goble "github.com/go-ble/ble"
)

func nextEvent(t *testing.T, tr *Transport) ble.AdapterEvent {
	t.Helper()
	select {
	case ev := <-tr.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event within 1s")
		return nil
	}
}

func TestEnableReportsMissingDevice(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ble.AdapterState
	}{
		{"unsupported platform", errUnsupported, ble.AdapterUnsupported},
		{"hci open failure", errors.New("permission denied"), ble.AdapterPoweredOff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := New(Options{})
			tr.newDevice = func(time.Duration) (goble.Device, error) { return nil, tt.err }
			defer tr.Close()

			if err := tr.Enable(); err != nil {
				t.Fatalf("Enable() error = %v", err)
			}
			ev, ok := nextEvent(t, tr).(ble.StateChanged)
			if !ok {
				t.Fatalf("event is not StateChanged")
			}
			if ev.State != tt.want {
				t.Errorf("State = %v, want %v", ev.State, tt.want)
			}
		})
	}
}

func TestScanBeforeEnable(t *testing.T) {
	tr := New(Options{})
	defer tr.Close()

	err := tr.Scan(ble.ServiceUUID, time.Second)
	if !errors.Is(err, ble.ErrNotReady) {
		t.Errorf("Scan() error = %v, want ErrNotReady", err)
	}
}

func TestCommandsOnUnknownEndpoint(t *testing.T) {
	tr := New(Options{})
	tr.worker.Start()
	defer tr.Close()

	if err := tr.Write("aa:bb", ble.WritableUUID, []byte("x")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	ev, ok := nextEvent(t, tr).(ble.WriteCompleted)
	if !ok {
		t.Fatal("event is not WriteCompleted")
	}
	if !errors.Is(ev.Err, ble.ErrNotConnected) {
		t.Errorf("Err = %v, want ErrNotConnected", ev.Err)
	}

	if err := tr.Disconnect("aa:bb"); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if _, ok := nextEvent(t, tr).(ble.Disconnected); !ok {
		t.Error("event is not Disconnected")
	}
}

func TestClosedTransportRejectsCommands(t *testing.T) {
	tr := New(Options{})
	tr.Close()

	if err := tr.Read("aa:bb", ble.ReadableShortUUID); !errors.Is(err, ble.ErrTransportClosed) {
		t.Errorf("Read() error = %v, want ErrTransportClosed", err)
	}
}
