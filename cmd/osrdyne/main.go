// Command osrdyne is the dispatcher process: it loads configuration, dials
// the broker, builds one Pool per configured worker family, and serves the
// status/metrics/health HTTP endpoints until a shutdown signal arrives.
// The overall shape — config load, dependency wiring, start, signal-driven
// graceful shutdown — follows infrastructure/service/runner.go's Run().
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	dockerclient "github.com/docker/docker/client"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/osrd-project/osrdyne/internal/broker"
	"github.com/osrd-project/osrdyne/internal/config"
	"github.com/osrd-project/osrdyne/internal/driver"
	"github.com/osrd-project/osrdyne/internal/metrics"
	"github.com/osrd-project/osrdyne/internal/obslog"
	"github.com/osrd-project/osrdyne/internal/pool"
	"github.com/osrd-project/osrdyne/internal/resilience"
	"github.com/osrd-project/osrdyne/internal/statusapi"
)

// Exit codes per spec.md §6.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitBrokerUnreach  = 2
	exitDriverUnreach  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := obslog.NewFromEnv("osrdyne")
	baseEntry := logger.Entry()

	env, err := config.LoadEnv()
	if err != nil {
		logger.WithError(err).Error("failed to load environment")
		return exitConfigError
	}

	cfg, err := config.LoadFile(env.ConfigFile)
	if err != nil {
		logger.WithError(err).Error("failed to load config file")
		return exitConfigError
	}
	cfg.Merge(env)
	cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Error("invalid configuration")
		return exitConfigError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := broker.DialWithRetry(ctx, cfg.AMQPURI, resilience.DefaultRetryConfig(), baseEntry)
	if err != nil {
		logger.WithError(err).Error("failed to connect to broker")
		return exitBrokerUnreach
	}
	defer conn.Close()

	managementURI := cfg.ManagementURI
	derivedURI, vhost, user, pass, deriveErr := broker.DeriveManagementURI(cfg.AMQPURI)
	if derivedURI == "" || derivedURI != "" && managementURI == "" {
		if deriveErr != nil {
			logger.WithError(deriveErr).Error("failed to derive management URI")
			return exitConfigError
		}
		managementURI = derivedURI
	}
	mgmt, err := broker.NewManagementClient(managementURI, vhost, user, pass)
	if err != nil {
		logger.WithError(err).Error("failed to build management client")
		return exitConfigError
	}

	registry := prometheus.NewRegistry()
	collectors := metrics.New(registry)

	pools := make(map[string]*pool.Pool, len(cfg.Pools))
	statusSources := make(map[string]statusapi.WorkerStatusSource, len(cfg.Pools))

	for _, poolCfg := range cfg.Pools {
		drv, err := buildDriver(poolCfg.Driver, baseEntry)
		if err != nil {
			logger.WithError(err).WithField("pool", poolCfg.PoolID).Error("failed to build driver backend")
			return exitDriverUnreach
		}

		p := pool.New(poolCfg, conn, mgmt, drv, collectors, baseEntry)
		if err := p.Setup(ctx); err != nil {
			logger.WithError(err).WithField("pool", poolCfg.PoolID).Error("pool setup failed")
			return exitBrokerUnreach
		}
		if err := p.Start(ctx); err != nil {
			logger.WithError(err).WithField("pool", poolCfg.PoolID).Error("pool start failed")
			return exitBrokerUnreach
		}

		pools[poolCfg.PoolID] = p
		statusSources[poolCfg.PoolID] = p
	}

	server := statusapi.New(statusSources, registry, baseEntry)
	httpServer := &http.Server{
		Addr:              cfg.BindAddress,
		Handler:           server,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.WithField("address", cfg.BindAddress).Info("status server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("status server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	_ = httpServer.Shutdown(shutdownCtx)
	for id, p := range pools {
		if err := p.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).WithField("pool", id).Warn("pool shutdown did not complete cleanly")
		}
	}
	logger.Info("shutdown complete")
	return exitOK
}

func buildDriver(dc config.DriverConfig, logger *logrus.Entry) (driver.Driver, error) {
	switch dc.Backend {
	case config.DriverNoop:
		return driver.NewNoopDriver(), nil

	case config.DriverDocker:
		cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
		if err != nil {
			return nil, err
		}
		return driver.NewDockerDriver(cli, driver.DockerConfig{Image: dc.Image, Env: dc.Env}, logger), nil

	case config.DriverKubernetes:
		restCfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, err
		}
		clientset, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, err
		}
		return driver.NewKubernetesDriver(clientset, driver.KubernetesConfig{
			Namespace: dc.Namespace,
			Image:     dc.Image,
			Env:       dc.Env,
		}, logger), nil

	default:
		return driver.NewNoopDriver(), nil
	}
}
