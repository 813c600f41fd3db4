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

	"github.com/namsral/flag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"gitlab.com/gitlab-org/cogrange/internal/backend/factory"
	"gitlab.com/gitlab-org/cogrange/internal/cache"
	"gitlab.com/gitlab-org/cogrange/internal/config"
	"gitlab.com/gitlab-org/cogrange/internal/errortracking"
	"gitlab.com/gitlab-org/cogrange/internal/logging"
	"gitlab.com/gitlab-org/cogrange/internal/registry"
)

// VERSION stores the information about the semantic version of application
var VERSION = "dev"

// REVISION stores the information about the git revision of application
var REVISION = "HEAD"

const usage = `usage: cogrange [flags] <command> <uri> [ranges...]

commands:
  header <uri>                 print the header length and the TIFF byte order
  read <uri> start-end ...     read inclusive byte ranges with one coalesced read
  info <uri>                   decode the raster and print its bounds and color model

flags:`

func printUsage() {
	fmt.Fprintln(os.Stderr, usage)
	config.PrintDefaults()
}

func fatal(err error, message string) {
	errortracking.CaptureErrWithStackTrace(err)
	log.WithError(err).Fatal(message)
}

func startMetricsServer(addr string) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()

	log.WithFields(log.Fields{
		"listener": addr,
	}).Debug("Set up metrics listener")

	return server
}

func appMain() int {
	cfg, err := config.LoadConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		printUsage()
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		printUsage()
		return 2
	}

	if err := logging.ConfigureLogging(cfg.Log.Format, cfg.Log.Verbose); err != nil {
		log.WithError(err).Fatal("Failed to initialize logging")
	}

	if err := errortracking.Initialize(cfg.Sentry.DSN, cfg.Sentry.Environment, fmt.Sprintf("%s-%s", VERSION, REVISION)); err != nil {
		log.WithError(err).Warn("Failed to initialize error reporting")
	}

	log.WithFields(log.Fields{
		"version":  VERSION,
		"revision": REVISION,
	}).Debug("cogrange")

	config.LogConfig(cfg)

	if len(cfg.General.Args) < 2 {
		printUsage()
		return 2
	}

	if server := startMetricsServer(cfg.General.MetricsAddress); server != nil {
		defer server.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	byteCache := cache.Init(cfg.Cache.CacheConfig())
	defer byteCache.Stop()

	backends := factory.New(cfg.Backends)
	defer backends.Close()

	readers := registry.New(backends, cfg, byteCache)
	defer readers.Close()

	if err := run(ctx, os.Stdout, readers, cfg.General.Args); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
			printUsage()
			return 2
		}

		fatal(err, "command failed")
	}

	return 0
}

func main() {
	log.SetOutput(os.Stderr)

	os.Exit(appMain())
}
