// flagrun-server runs the capture-the-flag lobby and the game instances it
// spawns, one UDP port per game, plus the optional status API, match
// history and MQTT telemetry.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/flagrun/internal/api"
	"github.com/energizer-project/flagrun/internal/cli"
	"github.com/energizer-project/flagrun/internal/clock"
	"github.com/energizer-project/flagrun/internal/config"
	"github.com/energizer-project/flagrun/internal/connector"
	"github.com/energizer-project/flagrun/internal/db"
	"github.com/energizer-project/flagrun/internal/events"
	"github.com/energizer-project/flagrun/internal/health"
	"github.com/energizer-project/flagrun/internal/network"
	"github.com/energizer-project/flagrun/internal/scheduler"
	"github.com/energizer-project/flagrun/internal/server"
	"github.com/energizer-project/flagrun/internal/telemetry"
	"github.com/energizer-project/flagrun/internal/util"
)

const (
	AppName    = "flagrun-server"
	AppVersion = api.Version
	Banner     = `
   __ _
  / _| | __ _  __ _ _ __ _   _ _ __
 | |_| |/ _' |/ _' | '__| | | | '_ \
 |  _| | (_| | (_| | |  | |_| | | | |
 |_| |_|\__,_|\__, |_|   \__,_|_| |_|
              |___/  server v%s
`
)

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Initialize logger with defaults first (will be reconfigured after config load)
	if err := util.InitLogger(util.DefaultLogConfig(), AppName); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting flagrun server")

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logCfg := cfg.GetLogging()
	if err := util.InitLogger(util.LogConfig(logCfg), AppName); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()
	eventBus.Subscribe(events.EventShutdown, "main", func(context.Context, events.Event) error {
		cancel()
		return nil
	})

	// Match history
	var (
		historyDB *db.HistoryDatabase
		history   api.History
		cliHist   cli.History
	)
	if histCfg := cfg.GetHistory(); histCfg.Enabled {
		runID := time.Now().UTC().Format("20060102T150405")
		historyDB, err = db.NewHistoryDatabase(histCfg.Path, runID)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open match history, history disabled")
		} else {
			historyDB.Subscribe(eventBus)
			history, cliHist = historyDB, historyDB
		}
	}

	// Lobby socket and per-game binder
	netCfg := cfg.GetNetwork()
	listen := func(port uint16) (network.Transport, error) {
		addr := net.JoinHostPort(netCfg.BindAddress, strconv.Itoa(int(port)))
		return network.ListenUDP(ctx, addr, netCfg.QueueSize)
	}
	lobbyTransport, err := listen(uint16(netCfg.LobbyPort))
	if err != nil {
		log.Fatal().Err(err).Int("port", netCfg.LobbyPort).Msg("failed to bind lobby port")
	}

	mgr := server.NewManager(server.SettingsFromConfig(cfg), server.ManagerConfig{
		Transport: lobbyTransport,
		Bind:      listen,
		EventBus:  eventBus,
	}, time.Now())

	if hook := cfg.GetWebhook(); hook.URL != "" {
		connector.NewWebhookNotifier(hook, eventBus).Subscribe()
	}

	var mqttHandler *telemetry.MQTTHandler
	if cfg.GetMQTT().Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	// Lobby and instance tick loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		tick := cfg.GetTiming().Tick()
		log.Info().
			Int("lobby_port", netCfg.LobbyPort).
			Int("max_games", netCfg.MaxGames).
			Dur("tick", tick).
			Msg("starting lobby")
		if err := mgr.Run(ctx, clock.System{}, tick); err != nil {
			errCh <- fmt.Errorf("lobby: %w", err)
		}
	}()

	if cfg.GetAPI().Enabled {
		apiServer := api.NewServer(cfg, mgr, history)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.GetAPI().Port).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	if historyDB != nil {
		sched := scheduler.NewScheduler(cfg, historyDB)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Start(ctx)
		}()
	}

	healthMgr := health.NewManager(cfg, eventBus, mgr)
	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMgr.Start(ctx)
	}()

	// The console is not waited for: it may be blocked reading stdin.
	go cli.NewServerCLI(mgr, cliHist, eventBus, os.Stdout).Start(ctx, os.Stdin)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	case <-ctx.Done():
		log.Info().Msg("shutdown requested from console")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()

	if historyDB != nil {
		if err := historyDB.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close match history")
		}
	}

	log.Info().Msg("flagrun server stopped")
}

// startWithRetry attempts to start a listener/server with retry on bind
// errors, 3 seconds apart.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
