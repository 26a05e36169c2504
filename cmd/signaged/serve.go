package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mesophy/signaged"
	"github.com/mesophy/signaged/internal/config"
	"github.com/mesophy/signaged/internal/server"
	"github.com/mesophy/signaged/pkg/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		addr   string
		dbPath string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the signage fleet HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()
			log.Info().Str("db", st.Path()).Msg("signaged: store opened")

			cfg := server.Config{
				Addr:              firstNonEmpty(addr, config.String("SIGNAGED_ADDR", ":8080")),
				DrainInterval:     config.Duration("SIGNAGED_DRAIN_INTERVAL", signaged.DefaultDrainInterval),
				HeartbeatInterval: config.Duration("SIGNAGED_HEARTBEAT_INTERVAL", signaged.DefaultHeartbeatInterval),
				ResyncAfter:       config.Duration("SIGNAGED_RESYNC_AFTER", signaged.DefaultResyncAfter),
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return server.New(cfg, st).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides SIGNAGED_ADDR)")
	cmd.Flags().StringVar(&dbPath, "db", "", "sqlite database path (overrides SIGNAGED_DB_PATH)")
	return cmd
}

func newProvisionCmd() *cobra.Command {
	var (
		dbPath string
		name   string
	)
	cmd := &cobra.Command{
		Use:   "provision <device-id>",
		Short: "Provision a device and print its credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()
			device, token, err := st.ProvisionDevice(context.Background(), args[0], name)
			if err != nil {
				return err
			}
			log.Info().
				Str("device_id", device.DeviceID).
				Str("device_token", token).
				Msg("signaged: device provisioned; store the token now, it is not shown again")
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "sqlite database path (overrides SIGNAGED_DB_PATH)")
	cmd.Flags().StringVar(&name, "name", "", "human-readable device name")
	return cmd
}

func openStore(dbPath string) (*store.Store, error) {
	path := dbPath
	if path == "" {
		resolved, err := store.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = resolved
	}
	return store.Open(path)
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if val != "" {
			return val
		}
	}
	return ""
}
