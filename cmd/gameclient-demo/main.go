// Command gameclient-demo connects to a game server, joins the game, and
// streams state changes to the log. It exercises the full client path:
// connect, authenticate, subscribe, enter the game, then wander randomly
// until interrupted.
package main

import (
	"context"
	"flag"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/gameclient"
	"github.com/adred-codev/gameclient/pkg/events"
	"github.com/adred-codev/gameclient/pkg/types"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
		name  = flag.String("name", "demo", "player display name")
	)
	flag.Parse()

	cfg, err := gameclient.LoadConfig(nil)
	if err != nil {
		logger := gameclient.NewLogger("info", "pretty")
		logger.Fatal().Err(err).Msg("configuration failed")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	logger := gameclient.NewLogger(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	client, err := gameclient.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("client construction failed")
	}

	client.OnEvent([]events.Kind{events.KindPlayer, events.KindEntity}, func(ev *events.Event) error {
		logger.Info().Str("event", ev.Name()).Msg("game event")
		return nil
	}, events.Async())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("connect failed")
	}
	if err := client.Authenticate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("authentication failed")
	}
	if err := client.Subscribe(ctx, "players", "entities", "circles"); err != nil {
		logger.Fatal().Err(err).Msg("subscribe failed")
	}
	if err := client.EnterGame(ctx, *name); err != nil {
		logger.Fatal().Err(err).Msg("enter game failed")
	}
	logger.Info().Str("name", *name).Msg("in game")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	angle := rand.Float64() * 2 * math.Pi
	for {
		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := client.Close(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("shutdown error")
			}
			return
		case <-tick.C:
			angle += (rand.Float64() - 0.5) * 0.4
			inputCtx, inputCancel := context.WithTimeout(context.Background(), time.Second)
			client.UpdatePlayerInput(inputCtx, types.NewVector(math.Cos(angle), math.Sin(angle)))
			inputCancel()
		}
	}
}
