// Package relay bridges a ble.Manager to a NATS message bus: caller events go
// out as JSON uplinks, send requests come in as downlinks, and the set of
// connected endpoints is mirrored into Redis for other services.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/chaz8081/blexfer/internal/ble"
)

// Subject prefixes.
const (
	UplinkPrefix   = "ble.uplink."
	UplinkAll      = "ble.uplink.all"
	DownlinkPrefix = "ble.downlink."
)

// Downlink reply statuses.
const (
	StatusAccepted = "accepted"
	StatusBusy     = "busy"
	StatusRejected = "rejected"
)

// Publisher publishes raw messages. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Subscriber registers async subscriptions. *nats.Conn satisfies it.
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Sender is the part of *ble.Manager the relay drives.
type Sender interface {
	TrySend(payload []byte, endpoint ble.EndpointID, char ble.CharacteristicID) error
	CharacteristicFor(endpoint ble.EndpointID, role ble.Role) (ble.CharacteristicID, bool)
	RoleOf(char ble.CharacteristicID) ble.Role
}

// Options configures a Relay.
type Options struct {
	GatewayID  string
	SessionTTL time.Duration
}

// Uplink is the JSON body of every uplink message.
type Uplink struct {
	GatewayID      string    `json:"gateway_id"`
	Kind           string    `json:"kind"` // "connection" or "transfer"
	Type           string    `json:"type"`
	Endpoint       string    `json:"endpoint,omitempty"`
	Characteristic string    `json:"characteristic,omitempty"`
	Role           string    `json:"role,omitempty"`
	State          string    `json:"state,omitempty"`
	Payload        []byte    `json:"payload,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"ts"`
}

// Request is a downlink send request. Role defaults to "writable".
type Request struct {
	Endpoint string `json:"endpoint"`
	Role     string `json:"role"`
	Payload  []byte `json:"payload"`
}

// Reply answers a downlink Request.
type Reply struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Relay forwards manager events to NATS and NATS send requests to the manager.
type Relay struct {
	pub    Publisher
	store  SessionStore
	sender Sender
	opts   Options

	sub *nats.Subscription
	now func() time.Time
}

// New creates a relay. store may be nil to disable the registry mirror.
func New(pub Publisher, store SessionStore, sender Sender, opts Options) *Relay {
	return &Relay{
		pub:    pub,
		store:  store,
		sender: sender,
		opts:   opts,
		now:    time.Now,
	}
}

// PublishConnection publishes ev and updates the registry mirror.
func (r *Relay) PublishConnection(ctx context.Context, ev ble.ConnectionEvent) error {
	u := r.uplink("connection", ev.Type.String(), ev.Endpoint, ev.Err)
	if ev.Type == ble.EventAdapterStateChanged {
		u.State = ev.State.String()
	}

	var errs []error
	if r.store != nil && ev.Endpoint != "" {
		errs = append(errs, r.mirror(ctx, ev))
	}
	errs = append(errs, r.publish(u))
	return errors.Join(errs...)
}

// PublishTransfer publishes ev and renews the endpoint's registry mirror key.
func (r *Relay) PublishTransfer(ctx context.Context, ev ble.TransferEvent) error {
	u := r.uplink("transfer", ev.Type.String(), ev.Endpoint, ev.Err)
	if ev.Characteristic != "" {
		u.Characteristic = string(ev.Characteristic)
		u.Role = r.sender.RoleOf(ev.Characteristic).String()
	}
	u.Payload = ev.Value

	var errs []error
	if ev.Endpoint != "" {
		errs = append(errs, r.RefreshSessions(ctx, []ble.EndpointID{ev.Endpoint}))
	}
	errs = append(errs, r.publish(u))
	return errors.Join(errs...)
}

// RefreshSessions extends the registry mirror keys of ids by the session TTL.
// It is a no-op without a store or without a TTL.
func (r *Relay) RefreshSessions(ctx context.Context, ids []ble.EndpointID) error {
	if r.store == nil || r.opts.SessionTTL <= 0 {
		return nil
	}
	var errs []error
	for _, id := range ids {
		if err := r.store.Touch(ctx, id, r.opts.SessionTTL); err != nil {
			slog.Warn("[Relay] failed to refresh endpoint", "endpoint", id, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// KeepAlive refreshes the mirror keys of the endpoints returned by connected
// every half session TTL until ctx is done, so idle links do not expire.
func (r *Relay) KeepAlive(ctx context.Context, connected func() []ble.EndpointID) {
	if r.store == nil || r.opts.SessionTTL <= 0 {
		return
	}
	ticker := time.NewTicker(r.opts.SessionTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.RefreshSessions(ctx, connected())
		}
	}
}

func (r *Relay) mirror(ctx context.Context, ev ble.ConnectionEvent) error {
	switch ev.Type {
	case ble.EventEndpointConnected, ble.EventEndpointReady:
		value := fmt.Sprintf("%s:%s", r.opts.GatewayID, ev.Type)
		if err := r.store.Register(ctx, ev.Endpoint, value, r.opts.SessionTTL); err != nil {
			slog.Warn("[Relay] failed to register endpoint", "endpoint", ev.Endpoint, "error", err)
			return err
		}
		slog.Debug("[Relay] endpoint registered", "endpoint", ev.Endpoint, "value", value)
	case ble.EventEndpointDisconnected, ble.EventConnectFailed:
		if err := r.store.Unregister(ctx, ev.Endpoint); err != nil {
			slog.Warn("[Relay] failed to unregister endpoint", "endpoint", ev.Endpoint, "error", err)
			return err
		}
	}
	return nil
}

func (r *Relay) uplink(kind, typ string, endpoint ble.EndpointID, err error) Uplink {
	u := Uplink{
		GatewayID: r.opts.GatewayID,
		Kind:      kind,
		Type:      typ,
		Endpoint:  string(endpoint),
		Timestamp: r.now().UTC(),
	}
	if err != nil {
		u.Error = err.Error()
	}
	return u
}

func (r *Relay) publish(u Uplink) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("relay: encode uplink: %w", err)
	}
	err = errors.Join(
		r.pub.Publish(UplinkPrefix+u.Type, data),
		r.pub.Publish(UplinkAll, data),
	)
	if err != nil {
		return fmt.Errorf("relay: publish %s: %w", u.Type, err)
	}
	slog.Debug("[Relay] published uplink", "type", u.Type, "endpoint", u.Endpoint)
	return nil
}

// Listen subscribes to this gateway's downlink subject. Requests carrying a
// reply subject are answered with a Reply.
func (r *Relay) Listen(sub Subscriber) error {
	subject := DownlinkPrefix + r.opts.GatewayID
	s, err := sub.Subscribe(subject, func(msg *nats.Msg) {
		reply := r.HandleDownlink(msg.Data)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			slog.Error("[Relay] encode reply", "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Warn("[Relay] failed to respond to downlink", "id", reply.ID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("relay: subscribe %s: %w", subject, err)
	}
	r.sub = s
	slog.Info("[Relay] listening for downlinks", "subject", subject)
	return nil
}

// HandleDownlink decodes and executes one send request.
func (r *Relay) HandleDownlink(data []byte) Reply {
	reply := Reply{ID: uuid.New().String()}
	reject := func(err error) Reply {
		slog.Warn("[Relay] downlink rejected", "id", reply.ID, "error", err)
		reply.Status = StatusRejected
		reply.Error = err.Error()
		return reply
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return reject(fmt.Errorf("relay: decode request: %w", err))
	}
	if req.Endpoint == "" {
		return reject(errors.New("relay: request has no endpoint"))
	}
	if req.Role == "" {
		req.Role = ble.RoleWritable.String()
	}
	role, err := ble.ParseRole(req.Role)
	if err != nil {
		return reject(err)
	}

	endpoint := ble.EndpointID(req.Endpoint)
	char, ok := r.sender.CharacteristicFor(endpoint, role)
	if !ok {
		return reject(fmt.Errorf("relay: endpoint %s has no %s characteristic", endpoint, role))
	}

	err = r.sender.TrySend(req.Payload, endpoint, char)
	switch {
	case errors.Is(err, ble.ErrSessionBusy):
		reply.Status = StatusBusy
		reply.Error = err.Error()
	case err != nil:
		return reject(err)
	default:
		reply.Status = StatusAccepted
		slog.Info("[Relay] downlink accepted", "id", reply.ID, "endpoint", endpoint, "role", role, "bytes", len(req.Payload))
	}
	return reply
}

// Close removes the downlink subscription.
func (r *Relay) Close() error {
	if r.sub == nil {
		return nil
	}
	err := r.sub.Unsubscribe()
	r.sub = nil
	return err
}
