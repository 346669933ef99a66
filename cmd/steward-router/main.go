package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/steward/internal/api"
	"github.com/songzhibin97/steward/internal/blacklist"
	"github.com/songzhibin97/steward/internal/config"
	"github.com/songzhibin97/steward/internal/descriptor"
	"github.com/songzhibin97/steward/internal/dispatcher"
	"github.com/songzhibin97/steward/internal/interstitial"
	promsink "github.com/songzhibin97/steward/internal/metrics/driver/prometheus"
	"github.com/songzhibin97/steward/internal/scheduler"
	internalstore "github.com/songzhibin97/steward/internal/store"
	redisdriver "github.com/songzhibin97/steward/internal/store/driver/redis"
	"github.com/songzhibin97/steward/internal/worksteal"
	"github.com/songzhibin97/steward/pkg/metrics"
)

var (
	configFile = flag.String("config", "steward.yaml", "Configuration file path")
	version    = flag.Bool("version", false, "Show version information")
)

const (
	// Version information
	Version   = "v1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Steward Router %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("router_id", cfg.Router.ID))

	// Metrics sink
	var (
		sink           metrics.Sink = metrics.Noop()
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		promSink := promsink.New(promsink.Options{})
		sink = promSink
		metricsHandler = promSink.Handler()
	}

	// Backing stores: etcd for descriptions and scheduler state, redis for
	// cross-router demand counters.
	etcdStore, err := internalstore.NewEtcdStore(cfg.Store.Etcd)
	if err != nil {
		logger.Fatal("failed to connect to etcd", zap.Error(err))
	}
	defer etcdStore.Close()

	descriptions, err := descriptor.New(etcdStore, cfg.Services.DescriptionDefaults(), logger)
	if err != nil {
		logger.Fatal("failed to open description store", zap.Error(err))
	}
	defer descriptions.Close()

	shared, err := redisdriver.New(&cfg.Store.Redis)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer shared.Close()

	// Scheduler state flows: poll -> syncer -> dispatcher + interstitial gate.
	sched := scheduler.NewStoreScheduler(etcdStore)
	syncer := scheduler.NewSyncer(sched, cfg.Scheduler.SyncerInterval(), logger, sink)

	disp := dispatcher.New(dispatcher.Config{
		Blacklist: blacklist.Config{
			BackoffBase: cfg.Blacklist.BackoffBase(),
			MaxDuration: cfg.Blacklist.MaxBlacklistTime(),
		},
		BlacklistInUse: cfg.Blacklist.BlacklistInUse,
		ReserveTimeout: cfg.Cluster.ReserveTimeout(),
		Descriptions:   descriptions,
		Logger:         logger,
		Sink:           sink,
	})

	gate := interstitial.NewGate(logger, sink)

	// Work stealing: serve peer offers, and offer local idle capacity
	// against peers' published demand.
	wsServer := worksteal.NewServer(disp, cfg.Cluster.ReserveTimeout(), logger)
	coordinator := worksteal.NewCoordinator(worksteal.CoordinatorConfig{
		RouterID:     cfg.Router.ID,
		Interval:     cfg.Cluster.OfferHelpInterval(),
		ReplyTimeout: cfg.Cluster.ReserveTimeout(),
		Capacity:     disp,
		Shared:       shared,
		Logger:       logger,
		Sink:         sink,
	})
	peers := make([]*worksteal.Peer, 0, len(cfg.Cluster.Peers))
	for _, peer := range cfg.Cluster.Peers {
		p := worksteal.NewPeer(peer.ID, peer.URL, logger)
		peers = append(peers, p)
		coordinator.AddPeer(peer.ID, p)
	}

	server := api.NewServer(api.Config{
		RouterID:       cfg.Router.ID,
		Address:        cfg.Router.Address,
		Dispatcher:     disp,
		Gate:           gate,
		Descriptions:   descriptions,
		MetricsHandler: metricsHandler,
		MetricsPath:    cfg.Metrics.Path,
		ClusterHandler: wsServer,
		Logger:         logger,
		Sink:           sink,
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	runTask := func(name string, task func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task(ctx)
			logger.Info("task stopped", zap.String("task", name))
		}()
	}
	runTask("syncer", syncer.Run)
	runTask("dispatcher", func(ctx context.Context) { disp.Run(ctx, syncer.Subscribe()) })
	runTask("interstitial", func(ctx context.Context) { gate.Run(ctx, syncer.Subscribe()) })
	runTask("worksteal", coordinator.Run)

	go func() {
		logger.Info("starting steward router", zap.String("address", cfg.Router.Address))
		if err := server.Start(); err != nil {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down steward router")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop taking requests first, then wind the pipeline down.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}
	for _, p := range peers {
		p.Close()
	}
	cancel()
	wg.Wait()
	logger.Info("steward router stopped")
}
