package ble

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/chaz8081/blexfer/internal/ble/protocol"
)

// transferIO is the part of Transport the engine drives.
type transferIO interface {
	Write(id EndpointID, char CharacteristicID, data []byte) error
	Read(id EndpointID, char CharacteristicID) error
}

type sessionKind int

const (
	kindSend sessionKind = iota
	kindReceive
)

func (k sessionKind) String() string {
	if k == kindSend {
		return "send"
	}
	return "receive"
}

// sendSession is the state of one outbound chunked message.
type sendSession struct {
	endpoint EndpointID
	char     CharacteristicID
	payload  []byte
	offset   int // bytes emitted so far, including the chunk in flight
	inFlight int // size of the chunk in flight
	sentinel bool
	acked    bool
	failures int // consecutive failures of the chunk in flight
	pending  bool
	seq      uint64
}

// receiveSession is the state of one inbound chunked message.
type receiveSession struct {
	endpoint  EndpointID
	char      CharacteristicID
	buf       []byte
	receiving bool
	pending   bool
	seq       uint64
}

// opKey names the link an operation was issued on.
type opKey struct {
	kind     sessionKind
	endpoint EndpointID
	char     CharacteristicID
}

// EngineOptions configures a transfer engine.
type EngineOptions struct {
	Framing protocol.Framing
	// MaxWriteRetries caps consecutive failed writes of one chunk. Zero retries
	// forever.
	MaxWriteRetries int
}

// Engine segments outbound messages into chunked writes and reassembles
// inbound chunked reads. It holds at most one send and one receive session.
// Progress happens only when completion events are handed to HandleWrite and
// HandleRead; the engine never blocks or waits.
//
// Engine is not safe for concurrent use; the Manager serialises access.
type Engine struct {
	io         transferIO
	framing    protocol.Framing
	maxRetries int

	// armed is called with the sequence number of every read or write the
	// engine issues. The owner uses it to detect operations that never complete.
	armed func(kind sessionKind, seq uint64)

	send *sendSession
	recv *receiveSession
	seq  uint64

	// orphans counts completions still owed for operations whose session was
	// dropped. They arrive ahead of any later operation on the same link and
	// are discarded.
	orphans map[opKey]int
}

// NewEngine creates an engine issuing commands on io.
func NewEngine(io transferIO, opts EngineOptions) *Engine {
	if opts.Framing.MTU <= 0 {
		opts.Framing.MTU = protocol.MTU
	}
	if len(opts.Framing.Sentinel) == 0 {
		opts.Framing.Sentinel = []byte(protocol.SentinelText)
	}
	return &Engine{
		io:         io,
		framing:    opts.Framing,
		maxRetries: opts.MaxWriteRetries,
		orphans:    make(map[opKey]int),
	}
}

// Sending reports whether a send session is active.
func (e *Engine) Sending() bool { return e.send != nil }

// Receiving reports whether a receive session is active.
func (e *Engine) Receiving() bool { return e.recv != nil }

// BeginSend starts sending payload to char on endpoint. It returns
// ErrSessionBusy, with no state change, if a send is already active.
func (e *Engine) BeginSend(payload []byte, endpoint EndpointID, char CharacteristicID) error {
	if e.send != nil {
		return ErrSessionBusy
	}
	if e.framing.Collides(payload) {
		slog.Warn("[BLE] payload contains a chunk equal to the sentinel; receiver will end the message early",
			"endpoint", endpoint, "bytes", len(payload))
	}
	e.send = &sendSession{
		endpoint: endpoint,
		char:     char,
		payload:  bytes.Clone(payload),
	}
	if err := e.writeNext(); err != nil {
		e.send = nil
		return err
	}
	return nil
}

// writeNext emits the chunk at the current offset, or the sentinel once all
// data has been emitted.
func (e *Engine) writeNext() error {
	s := e.send
	if !s.sentinel && s.offset >= len(s.payload) {
		s.sentinel = true
	}

	var chunk []byte
	if s.sentinel {
		chunk = e.framing.Sentinel
	} else {
		chunk = e.framing.Chunk(s.payload, s.offset)
		s.offset += len(chunk)
	}
	s.inFlight = len(chunk)
	s.seq = e.nextSeq(kindSend)

	if err := e.io.Write(s.endpoint, s.char, chunk); err != nil {
		return fmt.Errorf("ble: write chunk: %w", err)
	}
	s.pending = true
	return nil
}

// HandleWrite advances the send session on a write completion. It returns a
// caller event when the session ends.
func (e *Engine) HandleWrite(ev WriteCompleted) (TransferEvent, bool) {
	if e.settleOrphan(opKey{kindSend, ev.Endpoint, ev.Characteristic}) {
		return TransferEvent{}, false
	}
	s := e.send
	if s == nil || s.endpoint != ev.Endpoint || s.char != ev.Characteristic {
		slog.Debug("[BLE] ignoring write completion without matching session",
			"endpoint", ev.Endpoint, "char", ev.Characteristic)
		return TransferEvent{}, false
	}
	s.pending = false

	if ev.Err != nil {
		s.failures++
		slog.Warn("[BLE] write failed, resending chunk",
			"endpoint", s.endpoint, "offset", s.offset, "sentinel", s.sentinel,
			"attempt", s.failures, "error", ev.Err)
		if !s.sentinel {
			s.offset -= s.inFlight
		}
		if e.maxRetries > 0 && s.failures > e.maxRetries {
			e.send = nil
			return e.sendEvent(s, EventTransferFailed,
				fmt.Errorf("%w: %d attempts at offset %d: %w", ErrWriteFailed, s.failures, s.offset, ev.Err)), true
		}
		return e.continueSend(s)
	}

	s.failures = 0
	if s.sentinel {
		s.acked = true
		e.send = nil
		slog.Debug("[BLE] send complete", "endpoint", s.endpoint, "bytes", len(s.payload))
		return e.sendEvent(s, EventTransferWritten, nil), true
	}
	slog.Debug("[BLE] chunk sent", "endpoint", s.endpoint, "offset", s.offset, "total", len(s.payload))
	return e.continueSend(s)
}

func (e *Engine) continueSend(s *sendSession) (TransferEvent, bool) {
	if err := e.writeNext(); err != nil {
		e.send = nil
		return e.sendEvent(s, EventTransferFailed, err), true
	}
	return TransferEvent{}, false
}

// BeginReceive starts reassembling a message read from char on endpoint.
// It returns ErrSessionBusy, with no state change, if a receive is active.
func (e *Engine) BeginReceive(endpoint EndpointID, char CharacteristicID) error {
	if e.recv != nil {
		return ErrSessionBusy
	}
	e.recv = &receiveSession{
		endpoint:  endpoint,
		char:      char,
		receiving: true,
	}
	if err := e.readNext(); err != nil {
		e.recv = nil
		return err
	}
	return nil
}

func (e *Engine) readNext() error {
	r := e.recv
	r.seq = e.nextSeq(kindReceive)
	if err := e.io.Read(r.endpoint, r.char); err != nil {
		return fmt.Errorf("ble: read chunk: %w", err)
	}
	r.pending = true
	return nil
}

// HandleRead advances the receive session on a read completion. It returns a
// caller event when a message completes, the session fails, or a read error
// is reported.
func (e *Engine) HandleRead(ev ReadCompleted) (TransferEvent, bool) {
	if e.settleOrphan(opKey{kindReceive, ev.Endpoint, ev.Characteristic}) {
		return TransferEvent{}, false
	}
	r := e.recv
	if r == nil || r.endpoint != ev.Endpoint || r.char != ev.Characteristic {
		slog.Debug("[BLE] ignoring read completion without matching session",
			"endpoint", ev.Endpoint, "char", ev.Characteristic)
		return TransferEvent{}, false
	}
	r.pending = false

	if ev.Err != nil {
		// The session stays open and no read is reissued.
		slog.Error("[BLE] read failed, receive stalled", "endpoint", r.endpoint, "received", len(r.buf), "error", ev.Err)
		return e.receiveEvent(r, EventTransferReadError, nil, fmt.Errorf("%w: %w", ErrReadFailed, ev.Err)), true
	}
	if len(ev.Value) == 0 {
		slog.Debug("[BLE] ignoring empty read", "endpoint", r.endpoint)
		return TransferEvent{}, false
	}

	if e.framing.IsSentinel(ev.Value) {
		msg := r.buf
		if msg == nil {
			msg = []byte{}
		}
		r.receiving = false
		e.recv = nil
		slog.Debug("[BLE] receive complete", "endpoint", r.endpoint, "bytes", len(msg))
		return e.receiveEvent(r, EventTransferRead, msg, nil), true
	}

	r.buf = append(r.buf, ev.Value...)
	slog.Debug("[BLE] chunk received", "endpoint", r.endpoint, "bytes", len(ev.Value), "total", len(r.buf))
	if err := e.readNext(); err != nil {
		e.recv = nil
		return e.receiveEvent(r, EventTransferFailed, nil, err), true
	}
	return TransferEvent{}, false
}

// Expire ends the session of kind if its outstanding operation is still the
// one numbered seq.
func (e *Engine) Expire(kind sessionKind, seq uint64) (TransferEvent, bool) {
	err := fmt.Errorf("%w: no %s completion", ErrStalled, kind)
	switch kind {
	case kindSend:
		if s := e.send; s != nil && s.seq == seq {
			e.dropSend()
			return e.sendEvent(s, EventTransferStalled, err), true
		}
	case kindReceive:
		if r := e.recv; r != nil && r.seq == seq {
			e.dropReceive()
			return e.receiveEvent(r, EventTransferStalled, nil, err), true
		}
	}
	return TransferEvent{}, false
}

// Abandon drops every session bound to endpoint without completing it.
func (e *Engine) Abandon(endpoint EndpointID) []TransferEvent {
	var events []TransferEvent
	err := fmt.Errorf("%w: %s", ErrDisconnected, endpoint)
	// A dropped link owes no completions.
	for k := range e.orphans {
		if k.endpoint == endpoint {
			delete(e.orphans, k)
		}
	}
	if s := e.send; s != nil && s.endpoint == endpoint {
		e.send = nil
		events = append(events, e.sendEvent(s, EventTransferAbandoned, err))
	}
	if r := e.recv; r != nil && r.endpoint == endpoint {
		e.recv = nil
		events = append(events, e.receiveEvent(r, EventTransferAbandoned, nil, err))
	}
	return events
}

// CancelSend drops the active send session. It reports whether one existed.
// The completion of a write still in flight is discarded when it arrives.
func (e *Engine) CancelSend() bool {
	ok := e.send != nil
	e.dropSend()
	return ok
}

// CancelReceive drops the active receive session. It reports whether one existed.
// The completion of a read still in flight is discarded when it arrives.
func (e *Engine) CancelReceive() bool {
	ok := e.recv != nil
	e.dropReceive()
	return ok
}

func (e *Engine) dropSend() {
	if s := e.send; s != nil && s.pending {
		e.orphans[opKey{kindSend, s.endpoint, s.char}]++
	}
	e.send = nil
}

func (e *Engine) dropReceive() {
	if r := e.recv; r != nil && r.pending {
		e.orphans[opKey{kindReceive, r.endpoint, r.char}]++
	}
	e.recv = nil
}

// settleOrphan consumes one owed completion for k. It reports whether the
// completion belonged to a dropped session.
func (e *Engine) settleOrphan(k opKey) bool {
	n := e.orphans[k]
	if n == 0 {
		return false
	}
	if n == 1 {
		delete(e.orphans, k)
	} else {
		e.orphans[k] = n - 1
	}
	slog.Debug("[BLE] discarding completion of dropped session", "kind", k.kind, "endpoint", k.endpoint, "char", k.char)
	return true
}

func (e *Engine) nextSeq(kind sessionKind) uint64 {
	e.seq++
	if e.armed != nil {
		e.armed(kind, e.seq)
	}
	return e.seq
}

func (e *Engine) sendEvent(s *sendSession, typ TransferEventType, err error) TransferEvent {
	return TransferEvent{Type: typ, Endpoint: s.endpoint, Characteristic: s.char, Err: err}
}

func (e *Engine) receiveEvent(r *receiveSession, typ TransferEventType, value []byte, err error) TransferEvent {
	return TransferEvent{Type: typ, Endpoint: r.endpoint, Characteristic: r.char, Value: value, Err: err}
}
