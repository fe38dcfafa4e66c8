package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"

	"github.com/devrev/scaledb/internal/client"
	"github.com/devrev/scaledb/internal/config"
	"github.com/devrev/scaledb/internal/handler"
	"github.com/devrev/scaledb/internal/health"
	"github.com/devrev/scaledb/internal/metrics"
	"github.com/devrev/scaledb/internal/server"
	"github.com/devrev/scaledb/internal/service"
	"github.com/devrev/scaledb/internal/shard"
	"github.com/devrev/scaledb/internal/storage/memstore"
	"github.com/devrev/scaledb/internal/storage/pgstore"
	"github.com/devrev/scaledb/internal/storage/redisstore"
	"github.com/devrev/scaledb/internal/table"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		if _, err := os.Stat("./config.yaml"); err == nil {
			configPath = "./config.yaml"
		}
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("backend", cfg.Shard.Backend),
		zap.Int("local_shards", cfg.Shard.LocalShards),
		zap.String("address", cfg.ListenAddr()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics(cfg.Server.NodeID, prometheus.DefaultRegisterer)

	hc := health.NewHealthChecker(&health.HealthCheckConfig{NodeID: cfg.Server.NodeID}, logger)

	// Gossip starts before the backends so a routing node can discover its
	// shards.
	var gossipSvc *service.GossipService
	if cfg.Gossip.Enabled {
		shardIndex := cfg.Shard.Index
		if cfg.Shard.Backend == config.BackendRemote {
			shardIndex = -1
		}
		gossipSvc, err = service.NewGossipService(
			&service.GossipConfig{
				BindPort:       cfg.Gossip.BindPort,
				SeedNodes:      cfg.Gossip.SeedNodes,
				GossipInterval: cfg.Gossip.GossipInterval,
				ProbeTimeout:   cfg.Gossip.ProbeTimeout,
				ProbeInterval:  cfg.Gossip.ProbeInterval,
			},
			service.NodeInfo{
				NodeID:     cfg.Server.NodeID,
				ShardIndex: shardIndex,
				RPCAddr:    cfg.Server.AdvertiseAddr,
			},
			m,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to initialize gossip service", zap.Error(err))
		}
		defer gossipSvc.Shutdown()
		logger.Info("Gossip service initialized", zap.Int("port", gossipSvc.LocalPort()))
	}

	backends, stats, err := buildBackends(ctx, cfg, gossipSvc, hc, logger)
	if err != nil {
		logger.Fatal("Failed to initialize shard backends", zap.Error(err))
	}
	defer closeAll(backends, logger)

	var root shard.Backend = backends[0]
	if len(backends) > 1 {
		cluster, err := shard.NewCluster(backends...)
		if err != nil {
			logger.Fatal("Failed to build shard cluster", zap.Error(err))
		}
		root = cluster
	}

	dispatcher := service.NewDispatcher(root,
		&service.DispatcherConfig{MaxConcurrency: cfg.Cluster.MaxConcurrency},
		m, logger)
	db := table.NewDB(dispatcher, nil, logger)

	// gRPC server
	unary := []grpc.UnaryServerInterceptor{handler.UnaryMetricsInterceptor(m)}
	stream := []grpc.StreamServerInterceptor{handler.StreamMetricsInterceptor(m)}
	if cfg.RateLimit.Enabled {
		limiter := handler.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, m, logger)
		unary = append(unary, limiter.Unary())
		stream = append(stream, limiter.Stream())
	}
	grpcServer := grpc.NewServer(
		grpc.MaxConcurrentStreams(uint32(cfg.Server.MaxConcurrentStreams)),
		grpc.MaxRecvMsgSize(cfg.Server.MaxRecvMsgSize),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	)
	handler.NewShardHandler(dispatcher, cfg.RPC.BatchSize, m, logger).Register(grpcServer)

	// Health and ops endpoints
	if stats != nil {
		hc.SetKeyCounter(func() int {
			keys, _ := stats()
			return keys
		})
	}
	go hc.Start(ctx)
	if gossipSvc != nil {
		go publishHealth(ctx, hc, gossipSvc)
	}

	var opsServer *server.OpsServer
	if cfg.Metrics.Enabled {
		opts := []server.Option{server.WithHealth(hc), server.WithTables(db)}
		if stats != nil {
			opts = append(opts, server.WithStats(stats))
		}
		if gossipSvc != nil {
			opts = append(opts, server.WithMembers(gossipSvc))
		}
		opsServer = server.NewOpsServer(&server.OpsServerConfig{
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
		}, m, logger, opts...)
		if err := opsServer.Start(); err != nil {
			logger.Fatal("Failed to start ops server", zap.Error(err))
		}
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		logger.Fatal("Failed to listen", zap.Error(err))
	}

	logger.Info("Shard node starting",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("address", cfg.ListenAddr()),
		zap.String("advertise", cfg.Server.AdvertiseAddr))

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down gracefully...")
		hc.SetReadiness(false)

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(cfg.Server.ShutdownTimeout):
			logger.Warn("Graceful stop timed out, forcing")
			grpcServer.Stop()
		}

		if opsServer != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := opsServer.Stop(shutdownCtx); err != nil {
				logger.Error("Failed to stop ops server", zap.Error(err))
			}
			shutdownCancel()
		}
		cancel()
	}()

	if err := grpcServer.Serve(listener); err != nil {
		logger.Fatal("Failed to serve", zap.Error(err))
	}
}

// buildBackends creates the shards this node serves and registers their
// health probes. stats is nil when the node stores nothing locally.
func buildBackends(ctx context.Context, cfg *config.Config, gossipSvc *service.GossipService, hc *health.HealthChecker, logger *zap.Logger) ([]shard.Backend, server.StatsFunc, error) {
	n := cfg.Shard.LocalShards
	var backends []shard.Backend

	switch cfg.Shard.Backend {
	case config.BackendMemory:
		stores := make([]*memstore.Store, n)
		for i := range stores {
			s := memstore.NewStore(&memstore.Config{InitialCapacity: cfg.Shard.InitialCapacity},
				logger.With(zap.Int("shard", i)))
			stores[i] = s
			backends = append(backends, s)
			hc.AddCheck(fmt.Sprintf("store_invariant_%d", i), func(context.Context) error {
				return s.CheckInvariant()
			}, true)
		}
		stats := func() (int, int64) {
			var keys int
			var bytes int64
			for _, s := range stores {
				st := s.Stats()
				keys += st.Keys
				bytes += st.Bytes
			}
			return keys, bytes
		}
		return backends, stats, nil

	case config.BackendRedis:
		for i := 0; i < n; i++ {
			s, err := redisstore.NewStore(&redisstore.Config{
				Addr:      cfg.RedisAddr(),
				Password:  cfg.Redis.Password,
				DB:        cfg.Redis.DB,
				Namespace: fmt.Sprintf("%s:%d", cfg.Redis.Namespace, i),
				ScanBatch: cfg.Redis.ScanBatch,
			}, logger)
			if err != nil {
				closeAll(backends, logger)
				return nil, nil, err
			}
			backends = append(backends, s)
			hc.AddCheck(fmt.Sprintf("redis_%d", i), s.Ping, true)
		}
		return backends, nil, nil

	case config.BackendPostgres:
		for i := 0; i < n; i++ {
			tableName := cfg.Postgres.Table
			if n > 1 {
				tableName = fmt.Sprintf("%s_%d", tableOrDefault(tableName), i)
			}
			s, err := pgstore.NewStore(ctx, &pgstore.Config{
				Host:      cfg.Postgres.Host,
				Port:      cfg.Postgres.Port,
				Database:  cfg.Postgres.Database,
				User:      cfg.Postgres.User,
				Password:  cfg.Postgres.Password,
				MaxConns:  cfg.Postgres.MaxConns,
				MinConns:  cfg.Postgres.MinConns,
				Table:     tableName,
				ScanBatch: cfg.Postgres.ScanBatch,
			}, logger)
			if err != nil {
				closeAll(backends, logger)
				return nil, nil, err
			}
			backends = append(backends, s)
			hc.AddCheck(fmt.Sprintf("postgres_%d", i), s.Ping, true)
		}
		return backends, nil, nil

	case config.BackendRemote:
		addrs := cfg.Cluster.Shards
		if len(addrs) == 0 {
			if gossipSvc == nil {
				return nil, nil, fmt.Errorf("no shard addresses and gossip disabled")
			}
			waitCtx, cancel := context.WithTimeout(ctx, cfg.Cluster.DiscoveryTimeout)
			defer cancel()
			logger.Info("Waiting for shards to join", zap.Int("expected_shards", cfg.Cluster.ExpectedShards))
			discovered, err := gossipSvc.WaitForShards(waitCtx, cfg.Cluster.ExpectedShards, time.Second)
			if err != nil {
				return nil, nil, err
			}
			addrs = discovered
		}
		for i, addr := range addrs {
			r, err := client.NewRemoteShard(addr, &client.Config{
				BatchSize:   cfg.RPC.BatchSize,
				Timeout:     cfg.RPC.Timeout,
				MaxInFlight: cfg.RPC.MaxInFlight,
			}, logger.With(zap.Int("shard", i)))
			if err != nil {
				closeAll(backends, logger)
				return nil, nil, err
			}
			backends = append(backends, r)
			hc.AddCheck(fmt.Sprintf("remote_%d", i), func(ctx context.Context) error {
				_, err := r.RemoteShardCount(ctx)
				return err
			}, false)
		}
		logger.Info("Routing to remote shards", zap.Strings("shards", addrs))
		return backends, nil, nil
	}

	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Shard.Backend)
}

func tableOrDefault(name string) string {
	if name == "" {
		return "scaledb_entities"
	}
	return name
}

func closeAll(backends []shard.Backend, logger *zap.Logger) {
	for _, b := range backends {
		if c, ok := b.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn("Failed to close backend", zap.Error(err))
			}
		}
	}
}

// publishHealth pushes the local health status to gossip peers.
func publishHealth(ctx context.Context, hc *health.HealthChecker, gs *service.GossipService) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			gs.UpdateHealthStatus(hc.GetStatus())
		case <-ctx.Done():
			return
		}
	}
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
