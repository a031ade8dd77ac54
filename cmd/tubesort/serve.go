package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/tubesort/internal/api"
	"github.com/banshee-data/tubesort/internal/config"
	"github.com/banshee-data/tubesort/internal/coordinator"
	"github.com/banshee-data/tubesort/internal/db"
	"github.com/banshee-data/tubesort/internal/events"
	"github.com/banshee-data/tubesort/internal/monitoring"
	"github.com/banshee-data/tubesort/internal/orchestrator"
	"github.com/banshee-data/tubesort/internal/version"
)

var (
	listenAddr string
	devMode    bool
)

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides server.listen)")
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "use simulated arm, scanner and classification service")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane and the orchestrator",
	Long: `Run the sorting daemon.

The run state database is reset at start-up so a state left behind by a
crashed process cannot block new runs.

Examples:
  # Run against simulated devices
  tubesort serve --dev

  # Run with a configuration file
  tubesort serve --config /etc/tubesort/config.yaml`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if devMode {
		cfg.Dev = &devMode
	}
	if listenAddr != "" {
		cfg.Server.Listen = &listenAddr
	}

	logger, err := monitoring.NewZapLogger(monitoring.LogOptions{
		Level:  cfg.Log.GetLevel(),
		Format: cfg.Log.GetFormat(),
	})
	if err != nil {
		return err
	}
	flush := monitoring.InstallZap(logger)
	defer flush()
	monitoring.Logf("tubesort %s starting", version.String())

	specs, err := cfg.AllocatorSpecs()
	if err != nil {
		return err
	}
	sources, err := cfg.SourceGrids()
	if err != nil {
		return err
	}

	stateDB, err := db.NewDB(cfg.Server.GetStateDB())
	if err != nil {
		return err
	}
	defer stateDB.Close()

	devs, err := openDevices(cfg)
	if err != nil {
		return err
	}
	defer devs.Close()

	publisher := events.Publisher(events.Nop{})
	if url := cfg.NATS.GetURL(); url != "" {
		p, err := events.NewNATSPublisher(url)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		monitoring.Logf("events: publishing to %s", url)
		publisher = p
	}
	defer publisher.Close()

	coord := coordinator.New(db.NewRunStateStore(stateDB), devs.arm, cfg.CoordinatorConfig())
	svc := orchestrator.NewService(&orchestrator.Runner{
		Coordinator: coord,
		Arm:         devs.arm,
		Scanner:     devs.scanner,
		Classifier:  devs.classifier,
		Specs:       specs,
		DestOrigins: cfg.DestinationOrigins(),
		ScanConfig:  cfg.ScanConfig(),
		PlaceConfig: cfg.PlaceConfig(),
		Events:      publisher,
	}, sources)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Reset(ctx); err != nil {
		return fmt.Errorf("reset run state: %w", err)
	}

	var wg sync.WaitGroup
	devs.monitor(ctx, &wg)

	server := api.NewServer(svc)
	mux := server.ServeMux()
	server.AttachAdminRoutes(mux)
	devs.attachAdminRoutes(mux, cfg)
	if err := stateDB.AttachAdminRoutes(mux); err != nil {
		return err
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		srv := &http.Server{
			Addr:    cfg.Server.GetListen(),
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			monitoring.Logf("control plane listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				monitoring.Logf("failed to start server: %v", err)
				stop()
			}
		}()

		<-ctx.Done()
		monitoring.Logf("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			monitoring.Logf("HTTP server shutdown error: %v", err)
			if err := srv.Close(); err != nil {
				monitoring.Logf("HTTP server force close error: %v", err)
			}
		}
		monitoring.Logf("HTTP server routine stopped")
	}()

	// A run in progress is cancelled and given time to switch the end
	// effector off and record its end.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		runCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := svc.Shutdown(runCtx); err != nil {
			monitoring.Logf("run did not wind down: %v", err)
		}
	}()

	wg.Wait()
	monitoring.Logf("Graceful shutdown complete")
	return nil
}
