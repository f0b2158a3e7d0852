package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/alecthomas/kingpin.v2"

	"web/mapcluster/api"
	"web/mapcluster/config"
	"web/mapcluster/logging"
	"web/mapcluster/runner"
)

var (
	app        = kingpin.New("mapcluster", "Map marker clustering server with an in-process runner.")
	configPath = app.Flag("config", "Path to a TOML config file.").Short('c').String()
	httpAddr   = app.Flag("http", "HTTP listen address, overrides server.http_addr.").String()
	dataDir    = app.Flag("data-dir", "Snapshot directory, overrides runner.data_dir.").String()
	numPoints  = app.Flag("points", "Build a synthetic cluster with this many markers at startup.").Int()
)

func main() {
	app.HelpFlag.Short('h')
	kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			kingpin.Fatalf("%v", err)
		}
	}
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if *dataDir != "" {
		cfg.Runner.DataDir = *dataDir
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		kingpin.Fatalf("%v", err)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	clusters, err := runner.New(cfg.Runner, cfg.Cluster, logger, reg)
	if err != nil {
		return err
	}
	defer clusters.Close()

	if cfg.Runner.Preload {
		if err := clusters.Preload(ctx); err != nil {
			logger.Warn("preload failed", "error", err)
		}
	}

	server := api.NewServer(clusters, cfg.Server, logger, reg)
	server.SetDefaultCluster(cfg.Runner.DefaultCluster)

	if *numPoints > 0 {
		resp, err := clusters.CreateCluster(ctx, &runner.CreateClusterRequest{NumPoints: *numPoints})
		if err != nil {
			return err
		}
		server.SetDefaultCluster(resp.Cluster.ID)
	}
	server.InitDefaultCluster(ctx)

	return serveHTTP(ctx, cfg.Server, server, logger)
}

func serveHTTP(ctx context.Context, cfg config.Server, server *api.Server, logger *logging.Logger) error {
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: server.Router()}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTPAddr, "default_cluster", server.DefaultCluster())
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
