package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"

	"github.com/sonirico/sharedws"
	"github.com/sonirico/sharedws/internal/config"
	"github.com/sonirico/sharedws/internal/logging"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			if opts.verbose {
				cfg.Logging.Level = "debug"
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logging.Setup(cfg.Logging, os.Stderr))
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, zl zerolog.Logger) error {
	logger := sharedws.NewZerologLogger(zl)

	broker := sharedws.NewBroker(
		sharedws.NewWebsocketFactory(logger, nil, nil, sharedws.ErrorAdapters{}),
		sharedws.WithBrokerConfig(cfg.Broker()),
		sharedws.WithBrokerLogger(logger),
	)
	defer broker.Close()

	consumers := sharedws.NewConsumerHandler(logger, func(p sharedws.Port) {
		broker.AcceptConsumer(p)
	})

	server := &fasthttp.Server{
		Name: "sharedws-broker",
		Handler: func(rc *fasthttp.RequestCtx) {
			if string(rc.Path()) != cfg.Server.Path {
				rc.Error("not found", fasthttp.StatusNotFound)
				return
			}
			consumers(rc)
		},
	}

	if cfg.Target.Eager {
		params := cfg.OpenConnectionParams()
		broker.ConnectSocket(params.Target(), params.Protocols...)
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info().
			Str("addr", cfg.Server.Addr).
			Str("path", cfg.Server.Path).
			Msg("broker listening")
		errCh <- server.ListenAndServe(cfg.Server.Addr)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "broker server stopped")
	case <-ctx.Done():
	}

	zl.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// consumers block their handlers until their port closes
	broker.Close()

	if err := server.ShutdownWithContext(shutdownCtx); err != nil {
		return errors.Wrap(err, "cannot shut down broker server")
	}
	return nil
}
