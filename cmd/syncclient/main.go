// Package main 实时事件同步客户端入口
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"opsdash/internal/archive"
	"opsdash/internal/auth"
	"opsdash/internal/config"
	"opsdash/internal/diag"
	"opsdash/internal/snapshot"
	"opsdash/internal/state"
	"opsdash/internal/state/redisstore"
	"opsdash/internal/state/sqlstore"
	"opsdash/internal/sync/batch"
	"opsdash/internal/sync/connection"
	"opsdash/internal/sync/event"
	"opsdash/internal/sync/notify"
	"opsdash/internal/sync/pipeline"
	"opsdash/internal/sync/stats"
	"opsdash/internal/sync/subscription"
	"opsdash/internal/tlsutil"
	"opsdash/pkg/logging"
)

func main() {
	configDir := flag.String("config", "", "配置文件目录（或 YAML 文件路径）")
	flag.Parse()

	if dir := *configDir; dir != "" {
		if strings.HasSuffix(dir, ".yaml") || strings.HasSuffix(dir, ".yml") {
			dir = filepath.Dir(dir)
		}
		config.SetConfigDir(dir)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		Component: "syncclient",
	})
	logger.Info("Starting sync client", "env", cfg.Env, "config", cfg.String(), "loaded_from", cfg.LoadedFrom)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Sync client stopped with error")
		os.Exit(1)
	}
	logger.Info("Sync client stopped")
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionID := cfg.Server.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger = logger.WithSessionID(sessionID)

	// 指标
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	exporter := stats.NewExporter(reg, cfg.Metrics.Namespace)

	// Redis（状态持久化与通知发布共用）
	var redisClient *redis.Client
	if cfg.State.Persister == "redis" {
		client, err := redisstore.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		redisClient = client
		logger.Info("Connected to Redis")
	}

	notifiers := notify.Fanout{notify.NewLogNotifier(logger.Named("notify"))}
	if redisClient != nil && cfg.RedisChannel != "" {
		notifiers = append(notifiers, notify.NewRedisPublisher(redisClient, cfg.RedisChannel, logger.Named("notify")))
	}

	// 领域状态
	backend, err := openPersister(cfg, redisClient, logger)
	if err != nil {
		return err
	}
	var persister *state.AsyncPersister
	if backend != nil {
		persister = state.NewAsyncPersister(backend, cfg.State.QueueSize, logger.Named("state"))
		defer func() {
			if err := persister.Close(); err != nil {
				logger.WithError(err).Warn("Failed to close state persister")
			}
			st := persister.Stats()
			logger.Info("State persister closed", "persisted", st.Persisted, "failed", st.Failed, "dropped", st.Dropped)
		}()
	}
	store := state.NewMemory(state.MemoryConfig{LogLimit: cfg.State.LogLimit}, persister)

	// TLS
	tlsConfig, err := tlsutil.ClientConfig(cfg.Server.CAFile, cfg.Server.Insecure)
	if err != nil {
		return fmt.Errorf("load TLS CA: %w", err)
	}
	httpClient := &http.Client{
		Timeout:   cfg.Connection.DialTimeout,
		Transport: &http.Transport{Proxy: http.ProxyFromEnvironment, TLSClientConfig: tlsConfig},
	}
	transport := connection.NewWebsocketTransport(cfg.Server.WSURL, http.Header{"X-Session-ID": []string{sessionID}})
	transport.Dialer.TLSClientConfig = tlsConfig

	deps := pipeline.Deps{
		Transport: transport,
		Store:     store,
		Notifier:  notifiers,
		Exporter:  exporter,
		Logger:    logger,
	}

	// 认证
	var tokens *auth.TokenSource
	if cfg.Auth.JWTSecret != "" {
		tokens, err = auth.NewTokenSource(auth.Config{Secret: cfg.Auth.JWTSecret, TTL: cfg.Auth.TokenTTL, Issuer: cfg.Auth.Issuer})
		if err != nil {
			return err
		}
		deps.Tokens = tokens
	}

	// 初始快照
	if cfg.Server.SnapshotURL != "" {
		var src snapshot.TokenSource
		if tokens != nil {
			src = tokens
		}
		deps.Snapshot = snapshot.NewClient(snapshot.Config{
			URL:       cfg.Server.SnapshotURL,
			SessionID: sessionID,
			UserID:    cfg.Server.UserID,
			Timeout:   cfg.Connection.DialTimeout,
		}, httpClient, src, logger.Named("snapshot"))
	}

	// 订阅持久化
	if len(cfg.Etcd.Endpoints) > 0 {
		etcdStore, err := subscription.NewEtcdStore(subscription.EtcdConfig{
			Endpoints: cfg.Etcd.Endpoints,
			Prefix:    cfg.Etcd.Prefix + "/sessions/" + sessionID,
		}, logger.Named("subscription"))
		if err != nil {
			return fmt.Errorf("connect etcd: %w", err)
		}
		defer etcdStore.Close()
		deps.Subscriptions = etcdStore
	}

	// 诊断归档
	sink, err := openArchive(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if sink != nil {
		defer sink.Close()
		deps.Archive = sink
	}

	p, err := pipeline.New(pipeline.Config{
		SessionID: sessionID,
		UserID:    cfg.Server.UserID,
		Connection: connection.Config{
			MaxAttempts:       cfg.Connection.MaxAttempts,
			BaseDelay:         cfg.Connection.BaseDelay,
			MaxDelay:          cfg.Connection.MaxDelay,
			HeartbeatInterval: cfg.Connection.HeartbeatInterval,
			HeartbeatTimeout:  cfg.Connection.HeartbeatTimeout,
			DialTimeout:       cfg.Connection.DialTimeout,
		},
		Batch:          batch.Config{Size: cfg.Batch.Size, Timeout: cfg.Batch.Timeout},
		BufferCapacity: cfg.Buffer.Capacity,
		Stats: stats.Config{
			RecentErrors:       cfg.Stats.RecentErrors,
			ErrorRateThreshold: cfg.Stats.ErrorRateThreshold,
			RTTThreshold:       cfg.Stats.RTTThreshold,
		},
	}, deps)
	if err != nil {
		return err
	}
	defer p.Close()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	diag.NewHandler(p, store, logger.Named("diag")).RegisterRoutes(mux)
	srv := &http.Server{
		Addr:         cfg.Metrics.Listen,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Diagnostics listening", "addr", cfg.Metrics.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("diagnostics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down sync client...")
		p.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// 首次连接失败由连接管理器按退避重试，不视为启动失败
	if err := p.Start(ctx, initialSubscriptions(cfg.Subscriptions, logger)...); err != nil {
		logger.WithError(err).Warn("Initial connect failed")
	}

	return g.Wait()
}

// openPersister 按 state.persister 选择持久化后端，none 返回 nil
func openPersister(cfg *config.Config, redisClient *redis.Client, logger *logging.Logger) (state.Persister, error) {
	switch cfg.State.Persister {
	case "", "none":
		return nil, nil
	case "redis":
		return redisstore.NewStoreFromClient(redisClient, redisstore.Config{LogLimit: cfg.State.LogLimit}, logger.Named("redisstore")), nil
	case "postgres", "sqlite":
		s, err := sqlstore.Open(cfg.DatabaseDriver, cfg.DatabaseURL, cfg.State.LogLimit, logger.Named("sqlstore"))
		if err != nil {
			return nil, fmt.Errorf("open %s state store: %w", cfg.DatabaseDriver, err)
		}
		logger.Info("State store opened", "driver", cfg.DatabaseDriver)
		return s, nil
	}
	return nil, fmt.Errorf("unknown state persister %q", cfg.State.Persister)
}

// openArchive 按 archive.backend 选择归档后端，none 返回 nil
func openArchive(ctx context.Context, cfg *config.Config, logger *logging.Logger) (archive.Sink, error) {
	switch cfg.Archive.Backend {
	case archive.BackendNone, "":
		return nil, nil
	case archive.BackendMinIO:
		s, err := archive.NewMinIOSink(archive.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
		}, logger.Named("archive"))
		if err != nil {
			return nil, fmt.Errorf("connect minio: %w", err)
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("ensure bucket: %w", err)
		}
		return s, nil
	case archive.BackendMongo:
		s, err := archive.NewMongoSink(cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection, logger.Named("archive"))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown archive backend %q", cfg.Archive.Backend)
}

func initialSubscriptions(subs []config.SubscriptionConfig, logger *logging.Logger) []subscription.Subscription {
	out := make([]subscription.Subscription, 0, len(subs))
	for _, s := range subs {
		kind := event.Kind(s.Kind)
		if !kind.Valid() {
			logger.Warn("Skipping configured subscription with unknown kind", "kind", s.Kind)
			continue
		}
		out = append(out, subscription.Subscription{Kind: kind, Filter: s.Filter})
	}
	return out
}
