package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"

	"github.com/chaz8081/blexfer/internal/ble"
)

// controller is the part of *ble.Manager the console drives.
type controller interface {
	IsReady() bool
	Scanning() bool
	Sending() bool
	Receiving() bool
	Scan(window time.Duration) error
	StopScan() error
	Connect(id ble.EndpointID) error
	Disconnect(id ble.EndpointID) error
	Endpoints() []ble.Endpoint
	Endpoint(id ble.EndpointID) (ble.Endpoint, bool)
	CharacteristicFor(endpoint ble.EndpointID, role ble.Role) (ble.CharacteristicID, bool)
	TrySend(payload []byte, endpoint ble.EndpointID, char ble.CharacteristicID) error
	TryReceive(endpoint ble.EndpointID, char ble.CharacteristicID) error
	CancelSend() bool
	CancelReceive() bool
}

const helpText = `Commands:
  scan [window]          scan for endpoints (e.g. "scan 30s"; "scan 0" scans until stopped)
  stop                   stop scanning
  connect <id>           connect to a known endpoint address
  disconnect [id]        disconnect the target endpoint
  use <id>               set the target endpoint
  list                   list tracked endpoints
  read short|large       read a message from the target
  write <text>|@file     send text, or the contents of a file, to the target
  cancel send|receive    abandon the active transfer
  status                 show adapter and transfer state
  exit, quit             leave
`

// console is the interactive front end.
type console struct {
	ctl        controller
	scanWindow time.Duration
	readFile   func(string) ([]byte, error)

	mu     sync.Mutex
	out    io.Writer
	target ble.EndpointID
}

func newConsole(ctl controller, out io.Writer, scanWindow time.Duration) *console {
	return &console{
		ctl:        ctl,
		out:        out,
		scanWindow: scanWindow,
		readFile:   os.ReadFile,
	}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// run reads commands from in until exit or EOF.
func (c *console) run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for c.printf("> "); scanner.Scan(); c.printf("> ") {
		args, err := shlex.Split(scanner.Text())
		if err != nil {
			c.printf("Invalid command: %s\n", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if !c.exec(args) {
			return nil
		}
	}
	return scanner.Err()
}

// exec runs one command. It returns false when the console should exit.
func (c *console) exec(args []string) bool {
	switch args[0] {
	case "exit", "quit":
		return false
	case "help":
		c.printf("%s", helpText)
	case "status":
		c.status()
	case "scan":
		c.scan(args[1:])
	case "stop":
		if err := c.ctl.StopScan(); err != nil {
			c.printf("Error: %s\n", err)
		}
	case "connect":
		if len(args) != 2 {
			c.printf("usage: connect <id>\n")
			break
		}
		if err := c.ctl.Connect(ble.EndpointID(ble.NormalizeID(args[1]))); err != nil {
			c.printf("Error: %s\n", err)
		}
	case "disconnect":
		id, ok := c.resolveTarget(args[1:])
		if !ok {
			break
		}
		if err := c.ctl.Disconnect(id); err != nil {
			c.printf("Error: %s\n", err)
		}
	case "use":
		if len(args) != 2 {
			c.printf("usage: use <id>\n")
			break
		}
		id := ble.EndpointID(ble.NormalizeID(args[1]))
		if _, ok := c.ctl.Endpoint(id); !ok {
			c.printf("Unknown endpoint %s\n", id)
			break
		}
		c.mu.Lock()
		c.target = id
		c.mu.Unlock()
		c.printf("Target is now %s\n", id)
	case "list":
		c.list()
	case "read":
		c.read(args[1:])
	case "write":
		c.write(args[1:])
	case "cancel":
		c.cancel(args[1:])
	default:
		c.printf("Unknown command %q (try 'help')\n", args[0])
	}
	return true
}

func (c *console) status() {
	c.printf("adapter ready: %t, scanning: %t\n", c.ctl.IsReady(), c.ctl.Scanning())
	c.printf("sending: %t, receiving: %t\n", c.ctl.Sending(), c.ctl.Receiving())
	if id, ok := c.defaultTarget(); ok {
		c.printf("target: %s\n", id)
	} else {
		c.printf("target: none\n")
	}
}

func (c *console) scan(args []string) {
	window := c.scanWindow
	if len(args) > 0 {
		d, err := time.ParseDuration(args[0])
		if err != nil || d < 0 {
			c.printf("usage: scan [window], e.g. scan 30s\n")
			return
		}
		window = d
	}
	if err := c.ctl.Scan(window); err != nil {
		c.printf("Error: %s\n", err)
		return
	}
	if window > 0 {
		c.printf("Scanning for %s...\n", window)
	} else {
		c.printf("Scanning until stopped...\n")
	}
}

func (c *console) list() {
	endpoints := c.ctl.Endpoints()
	if len(endpoints) == 0 {
		c.printf("No endpoints\n")
		return
	}
	for _, ep := range endpoints {
		name := ep.Name
		if name == "" {
			name = "-"
		}
		c.printf("%s  %-12s %-26s %4d dBm  %s\n", ep.ID, ep.Status, ep.State, ep.RSSI, name)
	}
}

func (c *console) read(args []string) {
	if len(args) != 1 {
		c.printf("usage: read short|large\n")
		return
	}
	var role ble.Role
	switch args[0] {
	case "short":
		role = ble.RoleReadableShort
	case "large":
		role = ble.RoleReadableLarge
	default:
		c.printf("usage: read short|large\n")
		return
	}
	id, char, ok := c.targetCharacteristic(role)
	if !ok {
		return
	}
	if err := c.ctl.TryReceive(id, char); err != nil {
		c.printf("Error: %s\n", err)
		return
	}
	c.printf("Reading %s message from %s...\n", role, id)
}

func (c *console) write(args []string) {
	if len(args) == 0 {
		c.printf("usage: write <text>|@file\n")
		return
	}
	var payload []byte
	if len(args) == 1 && strings.HasPrefix(args[0], "@") {
		data, err := c.readFile(args[0][1:])
		if err != nil {
			c.printf("Error: %s\n", err)
			return
		}
		payload = data
	} else {
		payload = []byte(strings.Join(args, " "))
	}

	id, char, ok := c.targetCharacteristic(ble.RoleWritable)
	if !ok {
		return
	}
	if err := c.ctl.TrySend(payload, id, char); err != nil {
		c.printf("Error: %s\n", err)
		return
	}
	c.printf("Sending %d bytes to %s...\n", len(payload), id)
}

func (c *console) cancel(args []string) {
	if len(args) != 1 {
		c.printf("usage: cancel send|receive\n")
		return
	}
	var cancelled bool
	switch args[0] {
	case "send":
		cancelled = c.ctl.CancelSend()
	case "receive":
		cancelled = c.ctl.CancelReceive()
	default:
		c.printf("usage: cancel send|receive\n")
		return
	}
	if !cancelled {
		c.printf("No active %s\n", args[0])
		return
	}
	c.printf("Cancelled %s\n", args[0])
}

func (c *console) targetCharacteristic(role ble.Role) (ble.EndpointID, ble.CharacteristicID, bool) {
	id, ok := c.defaultTarget()
	if !ok {
		c.printf("No ready endpoint; scan or connect first\n")
		return "", "", false
	}
	char, ok := c.ctl.CharacteristicFor(id, role)
	if !ok {
		c.printf("Endpoint %s has no %s characteristic\n", id, role)
		return "", "", false
	}
	return id, char, true
}

func (c *console) resolveTarget(args []string) (ble.EndpointID, bool) {
	if len(args) > 0 {
		return ble.EndpointID(ble.NormalizeID(args[0])), true
	}
	id, ok := c.defaultTarget()
	if !ok {
		c.printf("No target endpoint\n")
	}
	return id, ok
}

// defaultTarget returns the endpoint chosen with "use" while it is still
// tracked, or else the first ready endpoint.
func (c *console) defaultTarget() (ble.EndpointID, bool) {
	c.mu.Lock()
	target := c.target
	c.mu.Unlock()
	if target != "" {
		if _, ok := c.ctl.Endpoint(target); ok {
			return target, true
		}
	}
	for _, ep := range c.ctl.Endpoints() {
		if ep.State == ble.StateReady {
			return ep.ID, true
		}
	}
	return "", false
}

func describeConnection(ev ble.ConnectionEvent) string {
	switch ev.Type {
	case ble.EventAdapterStateChanged:
		return fmt.Sprintf("[adapter] %s", ev.State)
	case ble.EventDeviceNotFound:
		return "[scan] no device found"
	}
	if ev.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", ev.Type, ev.Endpoint, ev.Err)
	}
	return fmt.Sprintf("[%s] %s", ev.Type, ev.Endpoint)
}

func describeTransfer(ev ble.TransferEvent) string {
	switch ev.Type {
	case ble.EventTransferRead, ble.EventNotificationReceived:
		return fmt.Sprintf("[%s] %s: %d bytes: %s", ev.Type, ev.Endpoint, len(ev.Value), preview(ev.Value))
	}
	if ev.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", ev.Type, ev.Endpoint, ev.Err)
	}
	return fmt.Sprintf("[%s] %s", ev.Type, ev.Endpoint)
}

// preview quotes up to 64 bytes of value for display.
func preview(value []byte) string {
	const limit = 64
	if len(value) <= limit {
		return fmt.Sprintf("%q", value)
	}
	return fmt.Sprintf("%q...", value[:limit])
}
