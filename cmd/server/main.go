package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"pollserver/internal/config"
	"pollserver/internal/logger"
	"pollserver/internal/metrics"
	"pollserver/internal/server"
	"pollserver/internal/sock"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-config file] <data_port> <control_port>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.Must(cfg.Logging)
	defer log.Sync()

	dataPort, err := sock.ParsePort(flag.Arg(0))
	if err != nil {
		log.Fatal("Invalid data port", zap.Error(err))
	}
	controlPort, err := sock.ParsePort(flag.Arg(1))
	if err != nil {
		log.Fatal("Invalid control port", zap.Error(err))
	}

	m := metrics.New()
	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Address, m, log)
	}

	srv := server.New(cfg.Server, log, m)
	if err := srv.Listen(dataPort, controlPort); err != nil {
		log.Fatal("Failed to start listeners", zap.Error(err))
	}

	// The signal goroutine only raises the shutdown flag; the loop does the rest.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigs
		log.Info("Signal caught. No new connections will be accepted.", zap.Stringer("signal", sig))
		srv.Shutdown()
	}()

	if err := srv.Run(); err != nil {
		log.Fatal("Event loop failed", zap.Error(err))
	}
}

func serveMetrics(addr string, m *metrics.Metrics, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	log.Info("Serving metrics", zap.String("address", addr))
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("Metrics endpoint stopped", zap.Error(err))
	}
}
