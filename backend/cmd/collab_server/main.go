package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/docopt/docopt-go"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"editorSync/backend/config"
	"editorSync/backend/internal/cache"
	"editorSync/backend/internal/collab"
	"editorSync/backend/internal/httpapi/handlers"
	"editorSync/backend/internal/httpapi/middleware"
	"editorSync/backend/internal/metrics"
	"editorSync/backend/internal/presence"
	"editorSync/backend/internal/store"
	"editorSync/backend/internal/ws"
)

const version = "0.1.0"

const usage = `Collaborative document sync server.

Usage:
    collab_server [--config=<path>] [--port=<port>]
    collab_server -h | --help
    collab_server --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --config=<path>    Path to collabConfig.yaml (default: search ./backend/config, ./config, .).
    --port=<port>      Override running.port.
`

const (
	rosterTTL       = 60 * time.Second
	rosterKeepAlive = 20 * time.Second
)

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		logrus.Fatalf("parse args: %v", err)
	}
	path, _ := opts.String("--config")

	cfg, v, err := config.Load(path)
	if err != nil {
		logrus.Fatalf("init config failed: %v", err)
	}
	if p, err := opts.String("--port"); err == nil && p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			logrus.Fatalf("invalid --port %q", p)
		}
		cfg.Running.Port = port
	}

	log := newLogger(cfg)
	if err := run(cfg, config.ResolvePolicy(config.ViperLookup(v), log), log); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

func newLogger(cfg *config.Config) *logrus.Entry {
	l := logrus.New()
	if cfg.Log.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	return logrus.NewEntry(l).WithField("instance", collab.InstanceID())
}

func run(cfg *config.Config, policy config.Policy, log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec := metrics.New(policy.MetricsEnabled)

	files, closeFiles, err := openFileStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open file store: %w", err)
	}
	defer closeFiles()

	opt := collab.Options{
		Store:           files,
		PersistDebounce: policy.PersistDebounce,
		Metrics:         rec,
		Logger:          log,
	}

	// === Kafka 文档事件 ===
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.WithError(err).Warn("kafka unavailable, document events disabled")
		} else {
			defer producer.Close()
			dispatcher := collab.NewKafkaDispatcher(
				producer,
				cfg.Kafka.Topic,
				collab.NewSemaphoreControl(collab.DefaultSemaphoreSize),
				collab.KafkaDispatcherOptions{
					QueueSize:   10_000,
					Workers:     4,
					MaxRetry:    3,
					BaseBackoff: 50 * time.Millisecond,
					MaxBackoff:  1 * time.Second,
					OnDrop:      func(collab.DocEvent, error) { rec.Inc(metrics.EventsPublishFailed) },
				},
				log,
			)
			// 先于 producer.Close 执行，排空队列
			defer dispatcher.Close()
			opt.Events = dispatcher
		}
	}

	// === flush 历史快照 ===
	var history handlers.SnapshotHistory
	if cfg.Snapshots.Enabled {
		if cfg.Mysql.DSN == "" {
			log.Warn("snapshots enabled without mysql.dsn, snapshot history disabled")
		} else {
			db, err := store.InitMySQL(cfg.Mysql.DSN)
			if err != nil {
				return fmt.Errorf("open snapshot db: %w", err)
			}
			snaps, err := store.NewSnapshotStore(db)
			if err != nil {
				return fmt.Errorf("migrate snapshots: %w", err)
			}
			opt.Snapshots = snaps
			history = snaps
		}
	}

	// === Redis 在线名单镜像 ===
	var mirror presence.Mirror
	var roster handlers.RosterReader
	var rosterCache *cache.RosterCache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis unavailable, presence stays local")
			_ = rdb.Close()
		} else {
			defer rdb.Close()
			rosterCache = cache.NewRosterCache(rdb, policy.Namespace, rosterTTL, log)
			mirror, roster = rosterCache, rosterCache
		}
	}

	registry := collab.NewRegistry(opt)
	tracker := presence.NewTracker(mirror, log)
	hub := ws.NewHub()
	gw := ws.NewGateway(hub, registry, tracker, ws.GatewayOptions{Metrics: rec, Logger: log})
	manager := ws.NewManager(gw, policy, log)
	if rosterCache != nil {
		go rosterCache.KeepAlive(ctx, rosterKeepAlive, tracker)
	}

	if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.CORS(policy))

	auth := middleware.JWTAuth(cfg.Auth.JWTSecret, cfg.Auth.Required, log)
	r.GET(policy.SocketPath, auth, manager.WebSocketConnect)
	// HTTP 接口可以直接覆盖文件内容，配置了密钥时总是要求令牌
	apiAuth := middleware.JWTAuth(cfg.Auth.JWTSecret, true, log)
	if cfg.Auth.JWTSecret == "" {
		log.Warn("auth.jwtSecret is empty, /collab document endpoints are unauthenticated")
	}
	handlers.New(handlers.Deps{
		Policy:    policy,
		Registry:  registry,
		Tracker:   tracker,
		Roster:    roster,
		Snapshots: history,
		Metrics:   rec,
		Broadcast: gw.BroadcastExternal,
		Peers:     hub.PeerCount,
		Logger:    log,
	}).Register(r.Group("/collab"), apiAuth)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "path": policy.SocketPath}).Info("collaboration server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
	case <-ctx.Done():
	}
	log.Info("shutting down")

	timeout := time.Duration(cfg.Running.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	if err := gw.Drain(shutdownCtx); err != nil {
		log.WithError(err).Warn("pending flushes did not finish")
	}
	if err := registry.Close(shutdownCtx); err != nil {
		log.WithError(err).Error("final flush failed")
		return err
	}
	return nil
}

// openFileStore 按 storage.driver 选择持久化后端，返回的 close 在退出时调用
func openFileStore(ctx context.Context, cfg *config.Config, log *logrus.Entry) (collab.FileStore, func(), error) {
	switch cfg.Storage.Driver {
	case "", "local":
		fs, err := store.NewLocalFileStore(cfg.Storage.Root)
		if err != nil {
			return nil, nil, err
		}
		log.WithField("root", cfg.Storage.Root).Info("using local file store")
		return fs, func() {}, nil

	case "mysql":
		db, err := sql.Open("mysql", cfg.Mysql.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		fs := store.NewSQLFileStore(db)
		if err := fs.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Info("using mysql file store")
		return fs, func() { db.Close() }, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		fs := store.NewPostgresFileStore(pool)
		if err := fs.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("using postgres file store")
		return fs, pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}
