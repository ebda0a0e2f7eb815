package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/radiarr/internal/authgate"
	"github.com/jmylchreest/radiarr/internal/catalog"
	"github.com/jmylchreest/radiarr/internal/config"
	"github.com/jmylchreest/radiarr/internal/fetch"
	internalhttp "github.com/jmylchreest/radiarr/internal/http"
	"github.com/jmylchreest/radiarr/internal/http/handlers"
	"github.com/jmylchreest/radiarr/internal/httpclient"
	"github.com/jmylchreest/radiarr/internal/media"
	"github.com/jmylchreest/radiarr/internal/netmon"
	"github.com/jmylchreest/radiarr/internal/origin"
	"github.com/jmylchreest/radiarr/internal/scheduler"
	"github.com/jmylchreest/radiarr/internal/session"
	"github.com/jmylchreest/radiarr/internal/trust"
	"github.com/jmylchreest/radiarr/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the radiarr server",
	Long: `Start the radiarr streaming engine and HTTP API.

The server provides:
- REST API for browsing streams and controlling playback
- Live audio re-served to HTTP listeners
- Server-sent event feed of session state and track metadata
- Health check endpoint
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server flags
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 7979, "Port to listen on")

	// Playback flags
	serveCmd.Flags().Bool("local-audio", false, "Also play the stream on the local audio device")

	// Bind flags to viper
	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("playback.local_audio", serveCmd.Flags().Lookup("local-audio"))
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	// Unmarshal from the global viper so CLI flags, env vars, and the
	// config file all land in one validated Config.
	var cfg config.Config
	if err := viper.Unmarshal(&cfg, config.DecodeHook()); err != nil {
		return fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Stream catalog
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("loading stream catalog: %w", err)
	}

	// Origin registry and latency-ranked selector
	registry, err := origin.FromConfig(cfg.Origins.Servers)
	if err != nil {
		return fmt.Errorf("building origin registry: %w", err)
	}

	originProbeCfg := httpclient.ProbeConfig(cfg.Origins.ProbeTimeout)
	originProbeCfg.Logger = logger
	originProbeClient := httpclient.New(originProbeCfg)

	selector := origin.NewSelector(origin.SelectorConfig{
		Registry:     registry,
		Client:       originProbeClient,
		ProbeTimeout: cfg.Origins.ProbeTimeout,
		Throttle:     cfg.Origins.SelectionThrottle,
		TTL:          cfg.Origins.SelectionTTL,
		Logger:       logger,
	})

	// Build-model authorization gate
	authProbeCfg := httpclient.ProbeConfig(cfg.Authorization.ProbeTimeout)
	authProbeCfg.Logger = logger
	authProbeClient := httpclient.New(authProbeCfg)

	gate := authgate.NewGate(authgate.GateConfig{
		Domain: cfg.Authorization.Domain,
		Resolver: authgate.NewResolver(authgate.ResolverConfig{
			Addr:   cfg.Authorization.Resolver,
			Logger: logger,
		}),
		ProbeURL:     cfg.Authorization.ProbeURL,
		ProbeClient:  authProbeClient,
		ProbeTimeout: cfg.Authorization.ProbeTimeout,
		Watchdog:     cfg.Authorization.WatchdogTimeout,
		CacheTTL:     cfg.Authorization.CacheTTL,
		Logger:       logger,
	})

	// Certificate trust validator and the fetch bridge that uses it
	validator := trust.New(trust.Config{Logger: logger})

	bridge, err := fetch.NewBridge(fetch.Config{
		Validator: validator,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("building fetch bridge: %w", err)
	}

	// Broadcast ring shared by HTTP listeners
	broadcast := media.NewBroadcast(media.BroadcastConfig{
		RingSize: cfg.Playback.RingSize.Int(),
	})
	defer broadcast.Close()

	// Local audio output is opt-in; the HTTP re-serve endpoint works
	// without it.
	var newPlayer func() (session.Player, error)
	if cfg.Playback.LocalAudio {
		newPlayer = func() (session.Player, error) {
			return media.NewPlayer(media.PlayerConfig{
				Volume: cfg.Playback.Volume,
				Logger: logger,
			}), nil
		}
		logger.Info("local audio output enabled")
	}

	// Playback session controller
	sess, err := session.New(session.Config{
		Catalog:          cat,
		Gate:             gate,
		Selector:         selector,
		Registry:         registry,
		Bridge:           bridge,
		Broadcast:        broadcast,
		NewPlayer:        newPlayer,
		Volume:           cfg.Playback.Volume,
		PrebufferBytes:   cfg.Playback.Prebuffer.Int(),
		StallTimeout:     cfg.Playback.StallTimeout,
		ConnectTimeout:   cfg.Session.ConnectTimeout,
		BufferingTimeout: cfg.Session.BufferingTimeout,
		SettleDelay:      cfg.Session.SettleDelay,
		EventBuffer:      cfg.Session.EventBuffer,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("building playback session: %w", err)
	}
	defer sess.Close()

	// Connectivity monitor feeding the session
	networkProbeCfg := httpclient.ProbeConfig(netmon.DefaultProbeTimeout)
	networkProbeCfg.Logger = logger
	networkProbeClient := httpclient.New(networkProbeCfg)

	monitor := netmon.New(netmon.Config{
		ProbeURL: cfg.Network.ProbeURL,
		Interval: cfg.Network.Interval,
		Client:   networkProbeClient,
		OnChange: func(st netmon.State) {
			sess.NetworkChanged(st == netmon.StateOnline)
		},
		Logger: logger,
	})
	monitor.Start()
	defer monitor.Stop()

	// Background maintenance jobs
	sched := scheduler.NewScheduler().
		WithLogger(logger).
		WithConfig(scheduler.Config{CatchupMissedRuns: cfg.Scheduler.CatchupMissedRuns})

	reprobeJob := scheduler.NewOriginReprobeJob(selector).WithLogger(logger)
	if err := sched.Register(scheduler.JobOriginReprobe, cfg.Scheduler.OriginReprobeCron, reprobeJob.Run); err != nil {
		return fmt.Errorf("registering origin reprobe job: %w", err)
	}

	sweepJob := scheduler.NewCacheSweepJob(gate, scheduler.SweeperFunc(validator.Invalidate)).WithLogger(logger)
	if err := sched.Register(scheduler.JobCacheSweep, cfg.Scheduler.CacheSweepCron, sweepJob.Run); err != nil {
		return fmt.Errorf("registering cache sweep job: %w", err)
	}

	// Initialize HTTP server
	serverConfig := internalhttp.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	if cfg.Server.ReadTimeout > 0 {
		serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout > 0 {
		serverConfig.WriteTimeout = cfg.Server.WriteTimeout
	}
	if cfg.Server.ShutdownTimeout > 0 {
		serverConfig.ShutdownTimeout = cfg.Server.ShutdownTimeout
	}
	serverConfig.CORSOrigins = cfg.Server.CORSOrigins
	server := internalhttp.NewServer(serverConfig, logger, version.Version)

	// Register handlers
	healthHandler := handlers.NewHealthHandler(version.Version).
		WithNetworkMonitor(monitor).
		WithScheduler(sched).
		WithSessionStatus(func() (string, string, string) {
			snap := sess.Status()
			return snap.State.String(), string(snap.Status), snap.Stream.ID
		}).
		WithHTTPClient("origin-probe", originProbeClient).
		WithHTTPClient("authorization-probe", authProbeClient).
		WithHTTPClient("network-probe", networkProbeClient)
	healthHandler.Register(server.API())

	streamsHandler := handlers.NewStreamsHandler(cat).WithLogger(logger)
	streamsHandler.Register(server.API())

	originsHandler := handlers.NewOriginsHandler(registry, selector).WithLogger(logger)
	originsHandler.Register(server.API())

	playbackHandler := handlers.NewPlaybackHandler(sess).WithLogger(logger)
	playbackHandler.Register(server.API())

	listenHandler := handlers.NewListenHandler(broadcast).
		WithStatusSource(sess).
		WithLogger(logger)
	listenHandler.Register(server.API())
	listenHandler.RegisterChiRoutes(server.Router())

	eventsHandler := handlers.NewEventsHandler(sess).WithLogger(logger)
	eventsHandler.RegisterSSE(server.Router())

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	// Start server
	logger.Info("starting radiarr server",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.String("version", version.Version),
		slog.String("default_stream", cat.Default().ID),
		slog.Int("origins", registry.Len()),
	)

	return server.ListenAndServe(ctx)
}
