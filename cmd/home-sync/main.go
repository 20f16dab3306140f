package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/home-sync/internal/auth"
	"github.com/alexjbarnes/home-sync/internal/config"
	"github.com/alexjbarnes/home-sync/internal/homesync"
	"github.com/alexjbarnes/home-sync/internal/hubapi"
	"github.com/alexjbarnes/home-sync/internal/logging"
	"github.com/alexjbarnes/home-sync/internal/protocol"
	"github.com/alexjbarnes/home-sync/internal/registry"
	"github.com/alexjbarnes/home-sync/internal/state"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("home-sync starting",
		slog.String("version", Version),
		slog.String("hub", cfg.HubHost),
		slog.String("home_id", cfg.HomeID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := openState(cfg)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	catalog, err := loadCatalog(cfg, logger)
	if err != nil {
		return err
	}

	reg := registry.New(logger, catalog)
	warmStart(cfg.HomeID, appState, reg, logger)

	// Persist every registry change so the next start has a warm cache
	// even before the first bootstrap fetch completes.
	unsubscribe := reg.Subscribe(func(devices []protocol.Device) {
		if err := appState.SaveDevices(cfg.HomeID, devices); err != nil {
			logger.Warn("persisting device snapshot failed", slog.String("error", err.Error()))
		}
	})
	defer unsubscribe()

	api := hubapi.NewClient(nil, cfg.APIBaseURL)

	tokens, watchTokens := buildTokenProvider(cfg, api, appState, logger)

	g, gctx := errgroup.WithContext(ctx)

	if watchTokens != nil {
		g.Go(func() error {
			if err := watchTokens(gctx); err != nil && gctx.Err() == nil {
				return fmt.Errorf("watching token file: %w", err)
			}

			return nil
		})
	}

	manager := homesync.NewManager(homesync.Config{
		HubHost:           cfg.HubHost,
		HomeID:            cfg.HomeID,
		Tokens:            tokens,
		Fetcher:           api,
		Registry:          reg,
		Backoff:           cfg.Backoff(),
		HeartbeatInterval: cfg.HeartbeatInterval,
		OnStateChange: func(s homesync.ConnectionState) {
			logger.Info("sync state", slog.String("state", s.String()))
		},
		OnConnectionLost: func(err error) {
			logger.Error("hub connection lost for good", slog.String("error", err.Error()))
			stop()
		},
	}, logger)

	if err := manager.Connect(gctx); err != nil {
		return fmt.Errorf("connecting to hub: %w", err)
	}

	g.Go(func() error {
		<-gctx.Done()
		manager.Disconnect()

		return nil
	})

	err = g.Wait()
	logger.Info("home-sync stopped")

	return err
}

func openState(cfg *config.Config) (*state.State, error) {
	if cfg.StateDBPath != "" {
		return state.LoadAt(cfg.StateDBPath)
	}

	return state.Load()
}

func loadCatalog(cfg *config.Config, logger *slog.Logger) (*registry.ClassCatalog, error) {
	if cfg.ClassCatalogFile == "" {
		return nil, nil
	}

	catalog, err := registry.LoadCatalog(cfg.ClassCatalogFile)
	if err != nil {
		return nil, fmt.Errorf("loading class catalog: %w", err)
	}

	logger.Info("class catalog loaded",
		slog.String("path", cfg.ClassCatalogFile),
		slog.Int("entries", catalog.Len()),
	)

	return catalog, nil
}

// warmStart seeds the registry from the last persisted snapshot so device
// state is available immediately, before the hub connection comes up.
func warmStart(homeID string, appState *state.State, reg *registry.Registry, logger *slog.Logger) {
	devices, err := appState.LoadDevices(homeID)
	if err != nil {
		logger.Warn("loading cached devices failed", slog.String("error", err.Error()))
		return
	}

	if len(devices) == 0 {
		return
	}

	reg.Bootstrap(devices)
	logger.Info("registry warmed from cache", slog.Int("devices", len(devices)))
}

// buildTokenProvider picks the token source from config. A token file wins
// when both are configured; the returned watch function (nil when unused)
// keeps the cached token in sync with external rotations of that file.
func buildTokenProvider(cfg *config.Config, api *hubapi.Client, appState *state.State, logger *slog.Logger) (auth.Provider, func(context.Context) error) {
	if cfg.TokenFile != "" {
		p := auth.NewFileProvider(cfg.TokenFile, logger)
		return p, p.Watch
	}

	return auth.NewHubProvider(api, appState, cfg.RefreshToken, logger), nil
}
