package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"gopkg.in/alecthomas/kingpin.v2"

	"web/mapcluster/config"
	"web/mapcluster/logging"
	"web/mapcluster/runner"
)

var (
	app         = kingpin.New("runners", "gRPC cluster runner.")
	configPath  = app.Flag("config", "Path to a TOML config file.").Short('c').String()
	addr        = app.Flag("addr", "gRPC listen address, overrides server.grpc_addr.").String()
	maxClusters = app.Flag("max-clusters", "Maximum number of clusters to keep in memory.").Int()
	metricsAddr = app.Flag("metrics-addr", "Serve Prometheus metrics on this address.").String()
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
	if *addr != "" {
		cfg.Server.GRPCAddr = *addr
	}
	if *maxClusters > 0 {
		cfg.Runner.MaxClusters = *maxClusters
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		kingpin.Fatalf("%v", err)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("runner failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	clusterRunner, err := runner.New(cfg.Runner, cfg.Cluster, logger, reg)
	if err != nil {
		return err
	}
	defer clusterRunner.Close()

	if cfg.Runner.Preload {
		if err := clusterRunner.Preload(ctx); err != nil {
			logger.Warn("preload failed", "error", err)
		}
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}

	s := grpc.NewServer()
	runner.RegisterClusterServiceServer(s, clusterRunner)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down gRPC server")
		s.GracefulStop()
	}()

	logger.Info("starting gRPC server", "addr", lis.Addr().String(), "max_clusters", cfg.Runner.MaxClusters)
	return s.Serve(lis)
}
