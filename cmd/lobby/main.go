// Package main provides the lobby server binary: the control channel, the
// transfer data channels, match launching, and the admin health endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gamestore/internal/admin"
	"github.com/cory-johannsen/gamestore/internal/assets"
	"github.com/cory-johannsen/gamestore/internal/config"
	"github.com/cory-johannsen/gamestore/internal/lobby"
	"github.com/cory-johannsen/gamestore/internal/match"
	"github.com/cory-johannsen/gamestore/internal/observability"
	"github.com/cory-johannsen/gamestore/internal/server"
	"github.com/cory-johannsen/gamestore/internal/storage/driver"
	"github.com/cory-johannsen/gamestore/internal/transfer"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	migrate := flag.Bool("migrate", false, "apply pending database migrations before serving (postgres driver only)")
	healthInterval := flag.Duration("health-interval", 10*time.Second, "admin health probe interval")
	drainTimeout := flag.Duration("drain-timeout", 5*time.Second, "how long shutdown waits for running matches")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, cfg.Server.Name)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting lobby",
		zap.String("control_addr", cfg.Control.Addr()),
		zap.String("storage", cfg.Storage.Driver),
	)

	store, err := driver.Open(ctx, cfg.Storage, cfg.Database, driver.Options{Migrate: *migrate}, logger)
	if err != nil {
		logger.Fatal("opening store", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing store", zap.Error(err))
		}
	}()

	dir, err := assets.Open(cfg.Storage.UploadDir)
	if err != nil {
		logger.Fatal("opening upload directory", zap.Error(err))
	}

	transfers := transfer.NewManager(cfg.Transfer, logger)
	matches := match.NewLauncher(cfg.Match, logger)
	lobbySrv := lobby.NewServer(cfg.Control, store, dir, transfers, matches, logger)

	lifecycle := server.NewLifecycle(logger)

	matchesDone := make(chan struct{})
	lifecycle.Add("matches", &server.FuncService{
		StartFn: func() error {
			<-matchesDone
			return nil
		},
		StopFn: func() {
			stopCtx, cancel := context.WithTimeout(ctx, *drainTimeout)
			defer cancel()
			if err := matches.Stop(stopCtx); err != nil {
				logger.Warn("matches still running at shutdown",
					zap.Int("count", matches.Count()),
					zap.Error(err),
				)
			}
			close(matchesDone)
		},
	})

	transfersDone := make(chan struct{})
	lifecycle.Add("transfers", &server.FuncService{
		StartFn: func() error {
			<-transfersDone
			return nil
		},
		StopFn: func() {
			transfers.Stop()
			close(transfersDone)
		},
	})

	lifecycle.Add("lobby", &server.FuncService{
		StartFn: lobbySrv.ListenAndServe,
		StopFn:  lobbySrv.Stop,
	})

	if cfg.Admin.Enabled {
		health := admin.NewServer(*healthInterval, logger)
		health.Register("lobby", func(context.Context) error {
			if !lobbySrv.IsRunning() {
				return errors.New("control listener not running")
			}
			return nil
		})
		health.Register("store", store.Ping)

		lifecycle.Add("admin", &server.FuncService{
			StartFn: func() error {
				return health.ListenAndServe(cfg.Admin.Addr())
			},
			StopFn: health.Stop,
		})
	}

	logger.Info("lobby initialized",
		zap.Duration("startup", time.Since(start)),
		zap.Bool("admin", cfg.Admin.Enabled),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Error("server error", zap.Error(err))
	}
}
