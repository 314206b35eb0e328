// ABOUTME: serve subcommand wiring store, delivery, relay engine, Matrix listener and admin API
// ABOUTME: SIGHUP reloads the config; SIGINT/SIGTERM drain in-flight work before exit

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/delivery"
	"github.com/2389/coven-relay/internal/httpapi"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transport/matrix"
)

const shutdownTimeout = 15 * time.Second

func runServe(ctx context.Context, configPath string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("Admin room: %s\n", cfg.Matrix.AdminRoom)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:       %s\n", cfg.HTTP.Addr)
	if cfg.Relay.ProxyURL != "" {
		green.Print("    ▶ ")
		fmt.Printf("Proxy:      %s\n", cfg.Relay.ProxyURL)
	}
	fmt.Println()

	holder := config.NewHolder(configPath, cfg, logger)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	network, err := matrix.New(cfg.Matrix, matrix.Options{ProxyURL: cfg.Relay.ProxyURL, Logger: logger})
	if err != nil {
		return fmt.Errorf("creating matrix transport: %w", err)
	}

	pool := delivery.NewPool(network.Dial, cfg.Relay.ConnectionPoolSize, logger)
	client := delivery.NewClient(pool, delivery.Options{
		Policy:     delivery.PolicyFor(cfg.Relay),
		FailureLog: st,
		Logger:     logger,
	})
	defer client.Close()
	holder.OnReload(func(s *config.Snapshot) {
		client.UpdatePolicy(delivery.PolicyFor(s.Config.Relay))
	})

	engine, err := relay.New(relay.Options{
		Holder:    holder,
		Store:     st,
		Sender:    client,
		AdminChat: network.AdminChat(),
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}
	client.SetReporter(engine)

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpapi.NewRouter(httpapi.Options{
			Holder: holder,
			Store:  st,
			Users:  engine.Directory(),
			Status: engine,
			Logger: logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting coven-relay",
		"config", configPath,
		"admin_room", cfg.Matrix.AdminRoom,
		"http_addr", cfg.HTTP.Addr,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		watchReload(gctx, holder, logger)
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return network.Listen(gctx, engine.Dispatch)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	// Pending media groups are flushed before the sender goes away.
	engine.Close()
	return err
}

// watchReload reloads the config on SIGHUP until ctx ends.
func watchReload(ctx context.Context, holder *config.Holder, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			snap, err := holder.Reload()
			if err != nil {
				logger.Error("config reload failed, keeping current config", "error", err)
				continue
			}
			logger.Info("config reloaded", "version", snap.Version)
		}
	}
}
