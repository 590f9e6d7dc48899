package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diwise/context-cache/internal/pkg/application/cache"
	"github.com/diwise/context-cache/internal/pkg/application/config"
	"github.com/diwise/context-cache/internal/pkg/application/push"
	"github.com/diwise/context-cache/internal/pkg/infrastructure/router"
	"github.com/diwise/context-cache/internal/pkg/infrastructure/snapshot"
	"github.com/diwise/context-cache/internal/pkg/presentation/api"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var configPath, policiesPath, port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the cache with its push receiver",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, policiesPath, port)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the cache configuration")
	cmd.Flags().StringVar(&policiesPath, "policies", "", "Path to the rego policies of the push receiver")
	cmd.Flags().StringVar(&port, "port", "", "Port to listen for push notifications on")
	return cmd
}

func runServe(configPath, policiesPath, port string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ctx, log, cleanup := o11y.Init(ctx, appName, buildinfo.SourceVersion(), "json")
	defer cleanup()

	cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		log.Error("failed to load configuration", "err", err.Error())
		return err
	}

	c, err := newCache(ctx, cfg)
	if err != nil {
		log.Error("failed to create cache", "err", err.Error())
		return err
	}
	defer c.Close()

	snapshots := restoreSnapshots(ctx, c)
	if snapshots != nil {
		defer func() {
			saveSnapshots(context.WithoutCancel(ctx), snapshots, c)
			snapshots.Close()
		}()
	}

	dispatcher := push.NewDispatcher(c, cfg.Push.QueueSize)
	if err = dispatcher.Start(); err != nil {
		return err
	}
	defer dispatcher.Stop()

	waitForSubscriber, err := subscribe(ctx, cfg, dispatcher, c)
	if err != nil {
		log.Error("invalid push configuration", "err", err.Error())
		return err
	}

	if policiesPath == "" {
		policiesPath = env.GetVariableOrDefault(ctx, "OPA_CONFIG_PATH", defaultPoliciesPath)
	}

	policies, err := os.Open(policiesPath)
	if err != nil {
		log.Error("unable to open opa config file", "path", policiesPath, "err", err.Error())
		return err
	}
	defer policies.Close()

	r := router.New(appName)

	if err = api.RegisterHandlers(ctx, r, policies, dispatcher, c, api.TenantHeader(cfg.TenantHeader)); err != nil {
		log.Error("failed to register api handlers", "err", err.Error())
		return err
	}

	if port == "" {
		port = env.GetVariableOrDefault(ctx, "SERVICE_PORT", "8080")
	}

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownComplete := make(chan struct{})
	go func() {
		defer close(shutdownComplete)
		<-ctx.Done()

		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer done()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("push receiver did not shut down cleanly", "err", err.Error())
		}
	}()

	log.Info("starting to listen for push notifications", "port", port, "resources", c.Resources())

	err = srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("failed to listen for connections", "err", err.Error())
		cancel()
	} else {
		err = nil
	}

	// handlers and the subscriber may still be dispatching until these return
	<-shutdownComplete
	waitForSubscriber()

	dispatcher.Stop()

	log.Info("shutting down")

	return err
}

// subscribe starts the websocket subscriber, if one is configured, and
// returns a func that blocks until it has exited
func subscribe(ctx context.Context, cfg *config.Config, dispatcher push.Dispatcher, c *cache.Cache) (func(), error) {
	ws := cfg.Push.Websocket
	if ws.Endpoint == "" {
		return func() {}, nil
	}

	reconnectTimeout, err := config.Duration(ws.ReconnectTimeout, push.DefaultReconnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("bad reconnect timeout: %w", err)
	}

	readTimeout, err := config.Duration(ws.ReadTimeout, push.DefaultReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("bad read timeout: %w", err)
	}

	header := http.Header{}
	if token := env.GetVariableOrDefault(ctx, "API_TOKEN", ""); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	subscriber := push.NewSubscriber(ws.Endpoint, dispatcher, c.IDField,
		push.ReconnectTimeout(reconnectTimeout),
		push.ReadTimeout(readTimeout),
		push.Header(header),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		subscriber.Run(ctx)
	}()

	return func() { <-done }, nil
}

func restoreSnapshots(ctx context.Context, c *cache.Cache) *snapshot.Repository {
	log := logging.GetFromContext(ctx)

	cfg := snapshot.LoadConfiguration(ctx)
	if !cfg.Enabled() {
		return nil
	}

	repo, err := snapshot.Connect(ctx, cfg)
	if err != nil {
		log.Warn("snapshots disabled, failed to connect to database", "err", err.Error())
		return nil
	}

	for _, name := range c.Resources() {
		s, _ := c.Store(name)
		count, err := repo.Restore(ctx, s)
		if err != nil {
			log.Warn("failed to restore snapshot", "resource", name, "err", err.Error())
			continue
		}
		log.Info("restored snapshot", "resource", name, "count", count)
	}

	return repo
}

func saveSnapshots(ctx context.Context, repo *snapshot.Repository, c *cache.Cache) {
	log := logging.GetFromContext(ctx)

	for _, name := range c.Resources() {
		s, _ := c.Store(name)
		if _, err := repo.Save(ctx, s); err != nil {
			log.Error("failed to save snapshot", "resource", name, "err", err.Error())
		}
	}
}
