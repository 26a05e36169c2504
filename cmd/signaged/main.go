package main

import (
	"os"

	"github.com/mesophy/signaged/internal/env"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "signaged",
	Short: "Signage fleet server: device liveness tracking and notification delivery",
	Long: `signaged runs the server side of an unattended signage fleet: it accepts
device heartbeats, tracks liveness and content-sync staleness, and pushes
at-least-once ordered notifications to connected players over a persistent
event stream backed by a SQLite delivery log.`,
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.AddCommand(
		newServeCmd(),
		newProvisionCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("signaged command failed")
	}
}
