package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"invest-loader/internal/config"
	"invest-loader/internal/host"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	start := time.Now()
	if err := run(); err != nil {
		log.Error().Err(err).Msg("invest-loader failed")
		os.Exit(1)
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("done")
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		configPath string
		debug      bool
	)

	root := &cobra.Command{
		Use:           "invest-loader",
		Short:         "Batch loader of instrument metadata and candle history into PostgreSQL",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	withHost := func(needToken bool, fn func(ctx context.Context, h *host.Host, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if needToken {
				if err := cfg.RequireToken(); err != nil {
					return err
				}
			}
			h, err := host.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer h.Close()
			return fn(ctx, h, args)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "deploy",
			Short: "Create the database, schema and asset type rows",
			Args:  cobra.NoArgs,
			RunE: withHost(false, func(ctx context.Context, h *host.Host, _ []string) error {
				return h.Deploy(ctx)
			}),
		},
		&cobra.Command{
			Use:   "update-instruments [type...]",
			Short: "Sync instrument metadata (bond, currency, etf, future, option, share)",
			RunE: withHost(true, func(ctx context.Context, h *host.Host, args []string) error {
				return h.UpdateInstruments(ctx, args)
			}),
		},
		&cobra.Command{
			Use:   "download-history [figi...]",
			Short: "Download candle history, all known instruments when no FIGI is given",
			RunE: withHost(true, func(ctx context.Context, h *host.Host, args []string) error {
				return h.DownloadHistory(ctx, args)
			}),
		},
	)

	return root.ExecuteContext(ctx)
}
