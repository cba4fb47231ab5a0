package ble

import (
	"bytes"
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/chaz8081/blexfer/internal/ble/protocol"
)

var _ = Describe("Manager", func() {
	const peer EndpointID = "11:22:33:44:55:66"

	var (
		transport *mockTransport
		m         *Manager
	)

	BeforeEach(func() {
		transport = newMockTransport()
		m = NewManager(transport, DefaultOptions())
	})

	Context("adapter state", func() {
		It("refuses to scan until powered on", func() {
			Expect(m.Scan(time.Second)).To(MatchError(ErrNotReady))
			Expect(transport.ops("scan")).To(BeEmpty())

			m.Dispatch(StateChanged{State: AdapterPoweredOn})
			Expect(m.IsReady()).To(BeTrue())
			Expect(m.Scan(time.Second)).To(Succeed())
			Expect(transport.ops("scan")).To(HaveLen(1))
			Expect(transport.ops("scan")[0].service).To(Equal(ServiceID(ServiceUUID)))
		})

		It("reports every state change", func() {
			m.Dispatch(StateChanged{State: AdapterPoweredOff})
			events := drainConnection(m)
			Expect(events).To(HaveLen(1))
			Expect(events[0].Type).To(Equal(EventAdapterStateChanged))
			Expect(events[0].State).To(Equal(AdapterPoweredOff))
			Expect(m.IsReady()).To(BeFalse())
		})

		It("reports device not found when a scan window closes empty", func() {
			m.Dispatch(StateChanged{State: AdapterPoweredOn})
			Expect(m.Scan(time.Second)).To(Succeed())
			drainConnection(m)

			m.Dispatch(ScanTimedOut{})
			events := drainConnection(m)
			Expect(events).To(HaveLen(1))
			Expect(events[0].Type).To(Equal(EventDeviceNotFound))
			Expect(events[0].Err).To(MatchError(ErrDeviceNotFound))
			Expect(m.Scanning()).To(BeFalse())
		})
	})

	Context("discovery", func() {
		BeforeEach(func() {
			m.Dispatch(StateChanged{State: AdapterPoweredOn})
			drainConnection(m)
		})

		It("connects each endpoint once", func() {
			m.Dispatch(Discovered{Endpoint: peer, Name: "peer", RSSI: -40})
			m.Dispatch(Discovered{Endpoint: peer, Name: "peer", RSSI: -42})

			Expect(transport.ops("connect")).To(HaveLen(1))
			Expect(m.Endpoints()).To(HaveLen(1))
			ep, ok := m.Endpoint(peer)
			Expect(ok).To(BeTrue())
			Expect(ep.Status).To(Equal(StatusConnecting))
			Expect(ep.RSSI).To(Equal(-40))
		})

		It("connects a known address without scanning", func() {
			Expect(m.Connect(peer)).To(Succeed())
			Expect(transport.ops("connect")).To(HaveLen(1))
			Expect(transport.ops("scan")).To(BeEmpty())

			Expect(m.Connect(peer)).NotTo(Succeed())
			Expect(transport.ops("connect")).To(HaveLen(1))
		})

		It("walks the endpoint to ready and subscribes to the notifier", func() {
			m = readyManager(transport, DefaultOptions(), peer)

			ep, ok := m.Endpoint(peer)
			Expect(ok).To(BeTrue())
			Expect(ep.Status).To(Equal(StatusConnected))
			Expect(ep.State).To(Equal(StateReady))
			Expect(ep.Characteristics).To(HaveLen(4))

			char, ok := m.CharacteristicFor(peer, RoleNotifier)
			Expect(ok).To(BeTrue())
			Expect(char).To(Equal(CharacteristicID(NotifierUUID)))
		})

		It("only discovers characteristics of the session service", func() {
			m.Dispatch(Discovered{Endpoint: peer})
			m.Dispatch(Connected{Endpoint: peer})
			m.Dispatch(ServicesDiscovered{Endpoint: peer, Services: []ServiceID{
				"0000180f-0000-1000-8000-00805f9b34fb",
				"F7065DCC-CEBE-48FD-BD63-89426BC5F787",
			}})

			calls := transport.ops("discover_chars")
			Expect(calls).To(HaveLen(1))
			Expect(NormalizeID(string(calls[0].service))).To(Equal(ServiceUUID))
		})

		It("ignores unknown characteristics", func() {
			m.Dispatch(Discovered{Endpoint: peer})
			m.Dispatch(Connected{Endpoint: peer})
			m.Dispatch(ServicesDiscovered{Endpoint: peer, Services: []ServiceID{ServiceUUID}})
			m.Dispatch(CharacteristicsDiscovered{
				Endpoint:        peer,
				Service:         ServiceUUID,
				Characteristics: []CharacteristicID{WritableUUID, "00002a19-0000-1000-8000-00805f9b34fb"},
			})

			ep, _ := m.Endpoint(peer)
			Expect(ep.Characteristics).To(HaveLen(1))
			Expect(ep.Characteristics).To(HaveKeyWithValue(CharacteristicID(WritableUUID), RoleWritable))
			Expect(transport.ops("notify")).To(BeEmpty())
		})

		It("reports a failed connect and forgets the endpoint", func() {
			m.Dispatch(Discovered{Endpoint: peer})
			drainConnection(m)
			m.Dispatch(ConnectFailed{Endpoint: peer, Err: errors.New("timeout")})

			events := drainConnection(m)
			Expect(events).To(HaveLen(1))
			Expect(events[0].Type).To(Equal(EventConnectFailed))
			Expect(events[0].Err).To(MatchError(ErrConnectFailed))
			Expect(m.Endpoints()).To(BeEmpty())

			m.Dispatch(Discovered{Endpoint: peer})
			Expect(transport.ops("connect")).To(HaveLen(2))
		})

		It("leaves state unchanged when service discovery fails", func() {
			m.Dispatch(Discovered{Endpoint: peer})
			m.Dispatch(Connected{Endpoint: peer})
			drainConnection(m)
			m.Dispatch(ServicesDiscovered{Endpoint: peer, Err: errors.New("gatt error")})

			events := drainConnection(m)
			Expect(events).To(HaveLen(1))
			Expect(events[0].Type).To(Equal(EventDiscoveryFailed))
			Expect(events[0].Err).To(MatchError(ErrDiscoveryFailed))
			ep, _ := m.Endpoint(peer)
			Expect(ep.State).To(Equal(StateConnected))
			Expect(transport.ops("discover_chars")).To(BeEmpty())
		})

		It("removes the endpoint on disconnect", func() {
			m = readyManager(transport, DefaultOptions(), peer)
			m.Dispatch(Disconnected{Endpoint: peer})

			Expect(m.Endpoints()).To(BeEmpty())
			events := drainConnection(m)
			Expect(events).To(HaveLen(1))
			Expect(events[0].Type).To(Equal(EventEndpointDisconnected))
		})
	})

	Context("transfers", func() {
		var writable, large CharacteristicID

		BeforeEach(func() {
			m = readyManager(transport, DefaultOptions(), peer)
			writable, _ = m.CharacteristicFor(peer, RoleWritable)
			large, _ = m.CharacteristicFor(peer, RoleReadableLarge)
		})

		It("rejects transfers to unknown endpoints", func() {
			Expect(m.TrySend([]byte("x"), "nobody", writable)).To(MatchError(ErrNotConnected))
			Expect(m.BeginReceive("nobody", large)).To(BeFalse())
		})

		It("sends a message and reports completion", func() {
			payload := bytes.Repeat([]byte("z"), 1025)
			Expect(m.BeginSend(payload, peer, writable)).To(BeTrue())
			Expect(m.BeginSend([]byte("again"), peer, writable)).To(BeFalse())

			for i := 0; i < 4; i++ {
				m.Dispatch(WriteCompleted{Endpoint: peer, Characteristic: writable})
			}
			Expect(transport.writes()).To(HaveLen(4))
			events := drainTransfer(m)
			Expect(events).To(HaveLen(1))
			Expect(events[0].Type).To(Equal(EventTransferWritten))
			Expect(m.Sending()).To(BeFalse())
		})

		It("receives a message", func() {
			Expect(m.TryReceive(peer, large)).To(Succeed())
			m.Dispatch(ReadCompleted{Endpoint: peer, Characteristic: large, Value: []byte("hello ")})
			m.Dispatch(ReadCompleted{Endpoint: peer, Characteristic: large, Value: []byte("world")})
			m.Dispatch(ReadCompleted{Endpoint: peer, Characteristic: large, Value: []byte(protocol.SentinelText)})

			events := drainTransfer(m)
			Expect(events).To(HaveLen(1))
			Expect(events[0].Type).To(Equal(EventTransferRead))
			Expect(string(events[0].Value)).To(Equal("hello world"))
		})

		It("abandons transfers when the endpoint disconnects", func() {
			Expect(m.TrySend([]byte("x"), peer, writable)).To(Succeed())
			Expect(m.TryReceive(peer, large)).To(Succeed())
			m.Dispatch(Disconnected{Endpoint: peer, Err: errors.New("link lost")})

			events := drainTransfer(m)
			Expect(events).To(HaveLen(2))
			for _, ev := range events {
				Expect(ev.Type).To(Equal(EventTransferAbandoned))
				Expect(ev.Err).To(MatchError(ErrDisconnected))
			}
			Expect(m.Sending()).To(BeFalse())
			Expect(m.Receiving()).To(BeFalse())

			// completions arriving after the disconnect are ignored
			m.Dispatch(WriteCompleted{Endpoint: peer, Characteristic: writable})
			Expect(drainTransfer(m)).To(BeEmpty())
		})

		It("restarts cleanly after a disconnect in the middle of a send", func() {
			old := bytes.Repeat([]byte("o"), 5*protocol.MTU)
			Expect(m.TrySend(old, peer, writable)).To(Succeed())
			m.Dispatch(WriteCompleted{Endpoint: peer, Characteristic: writable})
			m.Dispatch(WriteCompleted{Endpoint: peer, Characteristic: writable})
			Expect(transport.writes()).To(HaveLen(3))

			m.Dispatch(Disconnected{Endpoint: peer})
			events := drainTransfer(m)
			Expect(events).To(HaveLen(1))
			Expect(events[0].Type).To(Equal(EventTransferAbandoned))
			Expect(events[0].Type).NotTo(Equal(EventTransferWritten))
			_, tracked := m.Endpoint(peer)
			Expect(tracked).To(BeFalse())

			m.Dispatch(Connected{Endpoint: peer})
			m.Dispatch(ServicesDiscovered{Endpoint: peer, Services: []ServiceID{ServiceUUID}})
			m.Dispatch(CharacteristicsDiscovered{
				Endpoint:        peer,
				Service:         ServiceUUID,
				Characteristics: []CharacteristicID{WritableUUID, ReadableLargeUUID},
			})
			ep, _ := m.Endpoint(peer)
			Expect(ep.State).To(Equal(StateReady))
			transport.reset()

			fresh := bytes.Repeat([]byte("f"), 2*protocol.MTU)
			Expect(m.BeginSend(fresh, peer, writable)).To(BeTrue())
			writes := transport.writes()
			Expect(writes).To(HaveLen(1))
			Expect(writes[0]).To(Equal(fresh[:protocol.MTU]))

			for i := 0; i < 3; i++ {
				m.Dispatch(WriteCompleted{Endpoint: peer, Characteristic: writable})
			}
			events = drainTransfer(m)
			Expect(events).To(HaveLen(1))
			Expect(events[0].Type).To(Equal(EventTransferWritten))
			Expect(bytes.Join(transport.writes()[:2], nil)).To(Equal(fresh))
		})

		It("cancels a send without an event", func() {
			Expect(m.TrySend([]byte("x"), peer, writable)).To(Succeed())
			Expect(m.CancelSend()).To(BeTrue())
			Expect(m.CancelSend()).To(BeFalse())
			m.Dispatch(WriteCompleted{Endpoint: peer, Characteristic: writable})
			Expect(drainTransfer(m)).To(BeEmpty())
			Expect(m.TrySend([]byte("y"), peer, writable)).To(Succeed())
		})

		It("does not let a cancelled write complete the next send", func() {
			Expect(m.TrySend([]byte("x"), peer, writable)).To(Succeed())
			Expect(m.CancelSend()).To(BeTrue())
			Expect(m.TrySend([]byte("y"), peer, writable)).To(Succeed())
			transport.reset()

			// the first completion belongs to the cancelled write of "x"
			m.Dispatch(WriteCompleted{Endpoint: peer, Characteristic: writable})
			Expect(transport.writes()).To(BeEmpty())
			m.Dispatch(WriteCompleted{Endpoint: peer, Characteristic: writable})
			Expect(transport.writes()).To(Equal([][]byte{[]byte(protocol.SentinelText)}))
			Expect(drainTransfer(m)).To(BeEmpty())

			m.Dispatch(WriteCompleted{Endpoint: peer, Characteristic: writable})
			events := drainTransfer(m)
			Expect(events).To(HaveLen(1))
			Expect(events[0].Type).To(Equal(EventTransferWritten))
		})
	})

	Context("notifications", func() {
		BeforeEach(func() {
			m = readyManager(transport, DefaultOptions(), peer)
		})

		It("delivers notifier values as they arrive", func() {
			value := []byte("ping")
			m.Dispatch(ValueNotified{Endpoint: peer, Characteristic: NotifierUUID, Value: value})
			value[0] = 'x'

			events := drainTransfer(m)
			Expect(events).To(HaveLen(1))
			Expect(events[0].Type).To(Equal(EventNotificationReceived))
			Expect(string(events[0].Value)).To(Equal("ping"))
		})

		It("ignores values from other characteristics", func() {
			m.Dispatch(ValueNotified{Endpoint: peer, Characteristic: WritableUUID, Value: []byte("x")})
			Expect(drainTransfer(m)).To(BeEmpty())
		})
	})

	Context("stall timeout", func() {
		It("fails a send whose write never completes", func() {
			opts := DefaultOptions()
			opts.StallTimeout = 20 * time.Millisecond
			m = readyManager(transport, opts, peer)
			writable, _ := m.CharacteristicFor(peer, RoleWritable)

			ctx, cancel := context.WithCancel(context.Background())
			DeferCleanup(cancel)
			go func() { _ = m.Run(ctx) }()

			Expect(m.TrySend([]byte("x"), peer, writable)).To(Succeed())
			var ev TransferEvent
			Eventually(m.TransferEvents()).Should(Receive(&ev))
			Expect(ev.Type).To(Equal(EventTransferStalled))
			Expect(ev.Err).To(MatchError(ErrStalled))
			Expect(m.Sending()).To(BeFalse())
		})
	})

	Context("run loop", func() {
		It("dispatches transport events until the context ends", func() {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- m.Run(ctx) }()

			transport.events <- StateChanged{State: AdapterPoweredOn}
			Eventually(m.IsReady).Should(BeTrue())
			Expect(transport.ops("enable")).To(HaveLen(1))

			cancel()
			Eventually(done).Should(Receive(MatchError(context.Canceled)))
		})

		It("returns when the transport closes its event channel", func() {
			close(transport.events)
			Expect(m.Run(context.Background())).To(Succeed())
		})

		It("fails fast when the transport cannot be enabled", func() {
			transport.fail("enable", errors.New("no adapter"))
			Expect(m.Run(context.Background())).To(MatchError(ContainSubstring("no adapter")))
		})
	})
})
