package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/chaz8081/blexfer/internal/ble"
	"github.com/chaz8081/blexfer/internal/ble/goble"
	"github.com/chaz8081/blexfer/internal/ble/protocol"
	"github.com/chaz8081/blexfer/internal/ble/tinygo"
	"github.com/chaz8081/blexfer/internal/config"
	"github.com/chaz8081/blexfer/internal/relay"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/blexfer/config.yaml)")
	debug := flag.Bool("debug", false, "enable debug logging (overrides log_level)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		} else {
			fmt.Printf("Wrote default config to %s\n", path)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}

	level := config.ParseLogLevel(cfg.LogLevel)
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	printBanner(cfg)

	if err := run(cfg); err != nil {
		slog.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport := newTransport(cfg)
	defer transport.Close()

	mgr := ble.NewManager(transport, managerOptions(cfg))

	var bridge *relay.Relay
	if cfg.Relay.Enabled() {
		r, cleanup, err := startRelay(ctx, cfg, mgr)
		if err != nil {
			return err
		}
		defer cleanup()
		bridge = r
		go bridge.KeepAlive(ctx, func() []ble.EndpointID { return connectedIDs(mgr) })
	}

	runErr := make(chan error, 1)
	go func() { runErr <- mgr.Run(ctx) }()

	con := newConsole(mgr, os.Stdout, cfg.Transport.ScanWindow)
	go func() {
		if err := con.run(os.Stdin); err != nil {
			slog.Error("console", "error", err)
		}
		stop()
	}()

	fmt.Println("Type 'help' for commands. Ctrl+C to quit.")

	inbox := newInbox(cfg.OutputDir)
	for {
		select {
		case <-ctx.Done():
			fmt.Println("Goodbye!")
			return nil

		case err := <-runErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil

		case ev := <-mgr.ConnectionEvents():
			con.printf("%s\n", describeConnection(ev))
			if ev.Type == ble.EventAdapterStateChanged && ev.State == ble.AdapterPoweredOn && cfg.Transport.AutoScan {
				if err := mgr.Scan(cfg.Transport.ScanWindow); err != nil {
					slog.Warn("auto-scan failed", "error", err)
				}
			}
			if bridge != nil {
				if err := bridge.PublishConnection(ctx, ev); err != nil {
					slog.Warn("[Relay] uplink failed", "error", err)
				}
			}

		case ev := <-mgr.TransferEvents():
			con.printf("%s\n", describeTransfer(ev))
			if ev.Type == ble.EventTransferRead && len(ev.Value) > 0 {
				path, err := inbox.save(ev.Value)
				if err != nil {
					slog.Warn("failed to save message", "error", err)
				} else {
					con.printf("  saved %d bytes to %s\n", len(ev.Value), path)
				}
			}
			if bridge != nil {
				if err := bridge.PublishTransfer(ctx, ev); err != nil {
					slog.Warn("[Relay] uplink failed", "error", err)
				}
			}
		}
	}
}

// connectedIDs lists the endpoints with a live link.
func connectedIDs(mgr *ble.Manager) []ble.EndpointID {
	var ids []ble.EndpointID
	for _, ep := range mgr.Endpoints() {
		if ep.Status == ble.StatusConnected {
			ids = append(ids, ep.ID)
		}
	}
	return ids
}

// newTransport builds the radio stack selected by transport.driver.
func newTransport(cfg *config.Config) ble.Transport {
	switch cfg.Transport.Driver {
	case "goble":
		return goble.New(goble.Options{QueueDepth: cfg.Transport.QueueDepth})
	default:
		return tinygo.New(tinygo.Options{QueueDepth: cfg.Transport.QueueDepth, ReadBuffer: cfg.Transfer.MTU})
	}
}

func managerOptions(cfg *config.Config) ble.Options {
	g := cfg.GATT
	return ble.Options{
		Profile: ble.Profile{
			Service: ble.ServiceID(g.Service),
			Characteristics: map[ble.CharacteristicID]ble.Role{
				ble.CharacteristicID(g.Writable):      ble.RoleWritable,
				ble.CharacteristicID(g.ReadableShort): ble.RoleReadableShort,
				ble.CharacteristicID(g.ReadableLarge): ble.RoleReadableLarge,
				ble.CharacteristicID(g.Notifier):      ble.RoleNotifier,
			},
		},
		Framing: protocol.Framing{
			MTU:      cfg.Transfer.MTU,
			Sentinel: []byte(cfg.Transfer.Sentinel),
		},
		MaxWriteRetries: cfg.Transfer.MaxWriteRetries,
		StallTimeout:    cfg.Transfer.StallTimeout,
		EventBuffer:     cfg.Transfer.EventBuffer,
	}
}

// startRelay connects to NATS (and Redis when configured) and starts
// listening for downlinks. The returned cleanup closes everything.
func startRelay(ctx context.Context, cfg *config.Config, mgr *ble.Manager) (*relay.Relay, func(), error) {
	nc, err := nats.Connect(cfg.Relay.NATSURL, nats.Name("blexfer-"+cfg.Relay.GatewayID))
	if err != nil {
		return nil, nil, fmt.Errorf("relay: connect to NATS: %w", err)
	}
	slog.Info("[Relay] connected to NATS", "url", cfg.Relay.NATSURL)

	var store relay.SessionStore
	var rdb *redis.Client
	if cfg.Relay.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Relay.RedisURL)
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("relay: parse redis_url: %w", err)
		}
		rdb = redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			rdb.Close()
			nc.Close()
			return nil, nil, fmt.Errorf("relay: connect to Redis: %w", err)
		}
		slog.Info("[Relay] connected to Redis", "addr", opts.Addr)
		store = relay.NewRedisStore(rdb)
	}

	r := relay.New(nc, store, mgr, relay.Options{
		GatewayID:  cfg.Relay.GatewayID,
		SessionTTL: cfg.Relay.SessionTTL,
	})
	if err := r.Listen(nc); err != nil {
		if rdb != nil {
			rdb.Close()
		}
		nc.Close()
		return nil, nil, err
	}

	cleanup := func() {
		_ = r.Close()
		if rdb != nil {
			_ = rdb.Close()
		}
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}
	return r, cleanup, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		fmt.Printf("Config loaded from %s\n", defaultPath)
		return cfg, nil
	}

	fmt.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	retries := "unbounded"
	if cfg.Transfer.MaxWriteRetries > 0 {
		retries = fmt.Sprint(cfg.Transfer.MaxWriteRetries)
	}
	stall := "off"
	if cfg.Transfer.StallTimeout > 0 {
		stall = cfg.Transfer.StallTimeout.String()
	}
	relayState := "off"
	if cfg.Relay.Enabled() {
		relayState = fmt.Sprintf("%s (gateway %s)", cfg.Relay.NATSURL, cfg.Relay.GatewayID)
	}

	fmt.Println("=== blexfer ===")
	fmt.Printf("  Driver:   %s (scan window %s, auto-scan %t)\n", cfg.Transport.Driver, cfg.Transport.ScanWindow, cfg.Transport.AutoScan)
	fmt.Printf("  Service:  %s\n", cfg.GATT.Service)
	fmt.Printf("  Framing:  %d-byte chunks, sentinel %q\n", cfg.Transfer.MTU, cfg.Transfer.Sentinel)
	fmt.Printf("  Retries:  %s, stall timeout %s\n", retries, stall)
	fmt.Printf("  Inbox:    %s\n", cfg.OutputDir)
	fmt.Printf("  Relay:    %s\n", relayState)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("===============")
}
