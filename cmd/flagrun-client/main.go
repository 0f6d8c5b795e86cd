// flagrun-client is the console client: it browses the lobby, creates or
// joins games and steers the local player with held direction keys.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/flagrun/internal/cli"
	"github.com/energizer-project/flagrun/internal/clock"
	"github.com/energizer-project/flagrun/internal/config"
	"github.com/energizer-project/flagrun/internal/network"
	"github.com/energizer-project/flagrun/internal/session"
	"github.com/energizer-project/flagrun/internal/util"
)

const AppName = "flagrun-client"

func main() {
	logCfg := util.DefaultLogConfig()
	// The console owns stdout; keep log lines in the file only.
	logCfg.Console = false
	if err := util.InitLogger(logCfg, AppName); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logCfg = util.LogConfig(cfg.GetLogging())
	logCfg.Console = false
	if err := util.InitLogger(logCfg, AppName); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	sessCfg, err := session.ConfigFromConfig(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid client configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientCfg := cfg.GetClient()
	transport, err := network.ListenUDP(ctx, clientCfg.BindAddress, cfg.GetNetwork().QueueSize)
	if err != nil {
		log.Fatal().Err(err).Str("address", clientCfg.BindAddress).Msg("failed to open client socket")
	}

	sess := session.New(sessCfg, transport, time.Now())
	log.Info().
		Str("local", sess.LocalAddr().String()).
		Str("lobby", sessCfg.Lobby.String()).
		Msg("client started")

	requests := make(chan session.Request)
	keys := &cli.HeldKeys{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sess.Run(ctx, clock.System{}, clientCfg.Frame(), keys.Get, requests); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("session stopped")
		}
		cancel()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	cli.NewClientCLI(sess, requests, keys, os.Stdout).Start(ctx, os.Stdin)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("session did not stop in time")
	}

	log.Info().Msg("flagrun client stopped")
}
