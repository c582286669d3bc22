package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"bounce/config"
	"bounce/db"
	"bounce/history"
	"bounce/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to every configured network and keep the sessions open",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}

			log, err := newLogger(opts.debug)
			if err != nil {
				return err
			}
			defer log.Sync()

			return run(cmd.Context(), cfg, log)
		},
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) (err error) {
	database, err := db.New(cfg.Core.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if cerr := database.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	hist, err := history.New(cfg.Core.LogDir, history.WithIndexer(database))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := hist.Close(); cerr != nil {
			log.Error("failed to close history log", zap.Error(cerr))
		}
	}()

	srv := server.New(cfg.Core, hist,
		server.WithLogger(log),
		server.WithEventRecorder(database),
	)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()

		outcomes, err := srv.Run(gctx, cfg.Networks)
		for network, outcome := range outcomes {
			log.Info("session finished",
				zap.String("network", network),
				zap.String("session", outcome.Key.String()),
				zap.Duration("uptime", outcome.Ended.Sub(outcome.Started)),
				zap.Error(outcome.Err))
		}
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := srv.ServeControl(gctx, cfg.Core.ControlSocket, cancel)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("control socket unavailable", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}
