package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/labdaq/labdaq/cmd/labdaq/commands"
)

// Build metadata, injected through -ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	bootstrapLogger()

	// The real logging config is only known after the config file is
	// parsed, so everything up to that point logs through the global
	// logger set up here. Commands reconfigure it once they load.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		log.Error().Err(err).Msg("labdaq exited with error")
		os.Exit(1)
	}
}

// bootstrapLogger gives early startup a console logger. LOG_LEVEL
// overrides the default of info; anything unparseable is ignored.
func bootstrapLogger() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if level, err := zerolog.ParseLevel(raw); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}
}
