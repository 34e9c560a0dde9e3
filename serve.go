package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"etaexport/internal/command"
	"etaexport/internal/session"
	"etaexport/internal/sites/eta"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve [URL]",
		Short: "Keep the portal open and answer commands over HTTP",
		Long: `serve opens the portal, waits for the invoice table and then answers
commands posted to /api/v1/commands until interrupted. The scan of the visible
page is cached until the listing changes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: serve,
	}
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	target := ""
	if len(args) == 1 {
		target = normalizeURL(args[0])
	}

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := eta.Open(ctx, cfg, target, showUI)
	if err != nil {
		return err
	}
	defer sess.Close()

	state := &session.State{}
	d := command.NewDispatcher(sess.Controller, state, cfg.Mode(), cfg.Locale)
	d.Progress = logProgress

	watcher := session.NewWatcher(sess.Client, state, cfg.Messaging.WatchInterval)
	watcher.OnChange = func(_ context.Context, c session.Change) {
		log.Info().Time("at", c.At).Msg("invoice listing changed, cached scan dropped")
	}
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("watcher stopped")
		}
	}()

	app := command.NewServer(d, command.ServerConfig{Secret: cfg.Server.Secret, Timeout: cfg.Server.Timeout})
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(cfg.Server.Addr)
	}()
	log.Info().
		Str("addr", cfg.Server.Addr).
		Bool("auth", cfg.Server.Secret != "").
		Str("mode", string(d.Mode())).
		Msg("command server listening")

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("command server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
