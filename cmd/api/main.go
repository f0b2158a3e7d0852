package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/alecthomas/kingpin.v2"

	"web/mapcluster/api"
	"web/mapcluster/config"
	"web/mapcluster/logging"
	"web/mapcluster/runner"
)

var (
	app        = kingpin.New("api", "HTTP API in front of a gRPC cluster runner.")
	configPath = app.Flag("config", "Path to a TOML config file.").Short('c').String()
	httpAddr   = app.Flag("http", "HTTP listen address, overrides server.http_addr.").String()
	runnerAddr = app.Flag("runner", "Runner address, overrides server.grpc_addr.").String()
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
	if *runnerAddr != "" {
		cfg.Server.GRPCAddr = *runnerAddr
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		kingpin.Fatalf("%v", err)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("api failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := runner.Dial(cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	server := api.NewServer(client, cfg.Server, logger, reg)
	server.SetDefaultCluster(cfg.Runner.DefaultCluster)

	listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	server.InitDefaultCluster(listCtx)
	cancel()

	srv := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: server.Router()}
	errc := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.Server.HTTPAddr, "runner", cfg.Server.GRPCAddr)
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
