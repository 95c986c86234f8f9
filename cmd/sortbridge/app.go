package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/sortbridge/internal/api"
	"github.com/banshee-data/sortbridge/internal/bridge"
	"github.com/banshee-data/sortbridge/internal/config"
	"github.com/banshee-data/sortbridge/internal/db"
	"github.com/banshee-data/sortbridge/internal/monitoring"
	"github.com/banshee-data/sortbridge/internal/protocol"
	"github.com/banshee-data/sortbridge/internal/serialmux"
	"github.com/banshee-data/sortbridge/internal/sorting"
	"github.com/banshee-data/sortbridge/internal/timeutil"
)

const shutdownTimeout = 5 * time.Second

// app is one running bridge: controller link, worker, sort log and HTTP
// surface.
type app struct {
	cfg        *config.Config
	db         *db.DB
	transport  *serialmux.Transport
	worker     *bridge.Worker
	dispatcher *bridge.Dispatcher
	handler    http.Handler
	logger     *monitoring.Logger
}

// newApp wires the bridge. The caller owns the returned app and must Close it.
func newApp(cfg *config.Config, factory serialmux.SerialPortFactory, logger *monitoring.Logger) (*app, error) {
	variant, err := cfg.GetProtocol()
	if err != nil {
		return nil, err
	}
	translator, err := sorting.NewTranslator(cfg.GetCommandTable())
	if err != nil {
		return nil, fmt.Errorf("command table: %w", err)
	}

	database, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	transport, err := serialmux.NewTransport(factory, cfg.TransportConfig(), logger)
	if err != nil {
		database.Close()
		return nil, err
	}

	stats := monitoring.NewActuationStats(cfg.GetStatsWindow())
	alerts := monitoring.NewAlerts(logger, timeutil.RealClock{}, cfg.GetAlertCapacity())

	worker := bridge.NewWorker(transport, protocol.NewCodec(variant), cfg.GetQueueSize(), logger)
	worker.SetStats(stats)
	dispatcher := bridge.NewDispatcher(translator, worker, bridge.NewRecorder(database, logger), alerts, logger)

	server := api.NewServer(api.Options{
		Dispatcher: dispatcher,
		Store:      database,
		Queue:      worker,
		Stats:      stats,
		Alerts:     alerts,
		Config:     cfg.Summarise(),
		Types:      translator.Table().TypeIDs(),
		Logger:     logger,
	})
	mux := server.ServeMux()
	server.AttachAdminRoutes(mux)
	transport.AttachAdminRoutes(mux)
	if err := database.AttachAdminRoutes(mux); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to attach db admin routes: %w", err)
	}

	return &app{
		cfg:        cfg,
		db:         database,
		transport:  transport,
		worker:     worker,
		dispatcher: dispatcher,
		handler:    api.LoggingMiddleware(mux),
		logger:     logger,
	}, nil
}

// serve runs until ctx is cancelled or the HTTP server fails. On the way
// out it stops intake first, then lets the in-flight actuation finish and
// its sort log write land before returning.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	a.worker.Start(gctx)

	server := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Printf("listening on %s (controller %s)", ln.Addr(), a.cfg.GetSerialPort())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		a.worker.Stop()
		a.dispatcher.Wait()
		log.Printf("bridge worker stopped")
		return nil
	})

	return g.Wait()
}

// Close releases the database.
func (a *app) Close() error {
	return a.db.Close()
}

// portFactory picks how the controller is reached.
func portFactory(dev, disabled bool, variant protocol.Variant) serialmux.SerialPortFactory {
	switch {
	case disabled:
		return serialmux.DisabledFactory{}
	case dev:
		respond := serialmux.StructuredResponder()
		if variant == protocol.VariantAck {
			respond = serialmux.AckResponder()
		}
		ctrl := serialmux.NewFakeController(respond)
		ctrl.ActuationDelay = 500 * time.Millisecond
		return ctrl
	default:
		return serialmux.RealPortFactory{}
	}
}
