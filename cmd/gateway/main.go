package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/joho/godotenv"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hypertuna/gateway/gateway/config"
	"github.com/hypertuna/gateway/gateway/discovery"
	"github.com/hypertuna/gateway/gateway/dispatch"
	"github.com/hypertuna/gateway/gateway/edge"
	"github.com/hypertuna/gateway/gateway/escrow"
	"github.com/hypertuna/gateway/gateway/metrics"
	"github.com/hypertuna/gateway/gateway/mirror"
	"github.com/hypertuna/gateway/gateway/registry"
	"github.com/hypertuna/gateway/gateway/token"
	"github.com/hypertuna/gateway/gateway/vault"
)

// Exit codes: 0 clean shutdown, 1 startup failure, 2 fatal runtime error.
const (
	exitClean   = 0
	exitStartup = 1
	exitRuntime = 2
)

var (
	flagConfig     string
	flagListen     string
	flagP2PPort    int
	flagBootstraps []string
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Public HTTPS/WebSocket gateway fronting a fleet of Hypertuna relay workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		os.Exit(run())
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", "", "path to YAML config file")
	flags.StringVar(&flagListen, "listen", "", "public listen address (overrides config)")
	flags.IntVar(&flagP2PPort, "p2p-port", 0, "libp2p listen port (overrides config)")
	flags.StringSliceVar(&flagBootstraps, "bootstrap", nil, "bootstrap multiaddrs with /p2p/")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("execute root command")
		os.Exit(exitStartup)
	}
}

func run() int {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		log.Error().Err(err).Msg("[gateway] configuration invalid")
		return exitStartup
	}
	if flagListen != "" {
		cfg.Edge.ListenAddr = flagListen
	}
	if flagP2PPort != 0 {
		cfg.P2P.Port = flagP2PPort
	}
	if len(flagBootstraps) > 0 {
		cfg.P2P.Bootstraps = append(cfg.P2P.Bootstraps, flagBootstraps...)
	}

	ctx, cancelCause := context.WithCancelCause(context.Background())
	defer cancelCause(nil)
	sigCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	m := metrics.New()

	stateDB, err := pebble.Open(cfg.Store.Dir, &pebble.Options{})
	if err != nil {
		log.Error().Err(err).Str("dir", cfg.Store.Dir).Msg("[gateway] open state store")
		return exitStartup
	}
	defer stateDB.Close()

	tokens := token.NewService(stateDB,
		time.Duration(cfg.Token.DefaultTTLSec)*time.Second, cfg.Token.RefreshFraction)

	reg := registry.New(stateDB, time.Duration(cfg.Registry.StalenessSec)*time.Second)
	if err := reg.Load(); err != nil {
		log.Error().Err(err).Msg("[gateway] load registry")
		return exitStartup
	}
	reg.StartGC(5 * time.Second)
	defer reg.Stop()

	disp := dispatch.New(dispatch.Config{
		MaxConcurrentJobsPerPeer: cfg.Dispatch.MaxConcurrentJobsPerPeer,
		MaxFailureRate:           cfg.Dispatch.MaxFailureRate,
		ReassignOnLagBlocks:      cfg.Dispatch.ReassignOnLagBlocks,
		CircuitBreakerThreshold:  cfg.Dispatch.CircuitBreakerThreshold,
		CircuitBreakerDuration:   time.Duration(cfg.Dispatch.CircuitBreakerDurationMS) * time.Millisecond,
		WeightLatency:            1,
		WeightInFlight:           25,
		WeightFailure:            500,
	}, m)

	leaseVault := vault.New()
	leaseVault.StartSweeper(30 * time.Second)

	// The mirror degrades to inactive on failure; it never takes the
	// gateway down with it.
	var blindPeer *mirror.Mirror
	if cfg.Mirror.Enabled {
		blindPeer = mirror.New(cfg.Mirror, m)
		if err := blindPeer.Initialize(); err != nil {
			log.Error().Err(err).Msg("[gateway] mirror initialization failed, continuing without blind peer")
			blindPeer = nil
		} else if err := blindPeer.Start(); err != nil {
			log.Error().Err(err).Msg("[gateway] mirror start failed, continuing without blind peer")
			blindPeer = nil
		} else {
			defer blindPeer.Stop()
			reg.SetMirrorInfo(blindPeer.PublicKey(), mirror.ReplicationTopic)
		}
	}

	h, err := edge.MakeHost(ctx, cfg.P2P.Port)
	if err != nil {
		log.Error().Err(err).Msg("[gateway] libp2p host")
		return exitStartup
	}
	defer h.Close()
	edge.ConnectBootstraps(ctx, h, cfg.P2P.Bootstraps)

	hub := edge.NewWorkerHub(reg, disp)
	hub.Attach(h)
	defer hub.Detach(h)

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		log.Error().Err(err).Msg("[gateway] gossipsub")
		return exitStartup
	}
	if blindPeer != nil {
		if err := blindPeer.AttachReplication(ctx, ps); err != nil {
			log.Warn().Err(err).Msg("[gateway] replication topic unavailable")
		}
	}

	// Escrow leg is optional: a gateway without writer delegation still
	// serves reads.
	var watcher *escrow.Watcher
	var renewer *escrow.Renewer
	if cfg.Escrow.BaseURL != "" {
		client, err := escrow.NewClient(cfg.Escrow)
		if err != nil {
			log.Error().Err(err).Msg("[gateway] escrow client")
			return exitStartup
		}

		if cfg.Escrow.DatabaseURL != "" {
			store, err := escrow.NewStore(ctx, cfg.Escrow.DatabaseURL)
			if err != nil {
				log.Error().Err(err).Msg("[gateway] escrow store")
				return exitStartup
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				log.Error().Err(err).Msg("[gateway] escrow migrations")
				return exitStartup
			}
		}

		watcher = escrow.NewWatcher(client, time.Duration(cfg.Escrow.PollIntervalSec)*time.Second)
		watcher.Subscribe(leaseVault)
		watcher.Start()

		renewer = escrow.NewRenewer(client, leaseVault, time.Duration(cfg.Escrow.PollIntervalSec)*time.Second)
		renewer.Start()
	}

	srv := edge.NewServer(cfg.Edge, cfg.Mirror, tokens, reg, disp, hub, blindPeer, m)
	srv.OnFatal(func(err error) {
		cancelCause(err)
	})
	if err := srv.Start(); err != nil {
		log.Error().Err(err).Msg("[gateway] edge listen")
		return exitStartup
	}

	adv, err := discovery.New(cfg.Discovery, cfg.Edge, h, m)
	if err != nil {
		log.Error().Err(err).Msg("[gateway] discovery advertiser")
		return exitStartup
	}
	if err := adv.Start(ctx, ps); err != nil {
		log.Error().Err(err).Msg("[gateway] discovery start")
		return exitStartup
	}

	log.Info().
		Str("listen", cfg.Edge.ListenAddr).
		Str("gateway_id", adv.GatewayID()).
		Bool("discovery", adv.Enabled()).
		Bool("mirror", blindPeer != nil).
		Msg("[gateway] up")

	<-sigCtx.Done()
	runtimeErr := context.Cause(ctx)

	// Shutdown order: stop accepting -> drain in-flight -> wipe the vault
	// -> stop mirror -> stop advertiser. Deferred closes handle the rest.
	log.Info().Msg("[gateway] shutting down...")
	drainCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Edge.DrainTimeoutSec)*time.Second)
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Warn().Err(err).Msg("[gateway] edge shutdown")
	}
	cancel()

	if renewer != nil {
		renewer.Stop()
	}
	if watcher != nil {
		watcher.Stop()
	}
	leaseVault.Destroy("shutdown")
	if blindPeer != nil {
		blindPeer.Stop()
	}
	adv.Stop()

	if runtimeErr != nil && !errors.Is(runtimeErr, context.Canceled) {
		log.Error().Err(runtimeErr).Msg("[gateway] fatal runtime error")
		return exitRuntime
	}
	log.Info().Msg("[gateway] shutdown complete")
	return exitClean
}
