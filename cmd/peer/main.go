package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astromechza/automerge-whiteboard/internal/config"
	"github.com/astromechza/automerge-whiteboard/internal/demoboard"
	"github.com/astromechza/automerge-whiteboard/pkg/collab"
	"github.com/astromechza/automerge-whiteboard/pkg/docsync"
	"github.com/astromechza/automerge-whiteboard/pkg/document"
	"github.com/astromechza/automerge-whiteboard/pkg/metrics"
	"github.com/astromechza/automerge-whiteboard/pkg/storage/bolt"
	"github.com/astromechza/automerge-whiteboard/pkg/storage/postgres"
	"github.com/astromechza/automerge-whiteboard/pkg/storage/sqlite"
	"github.com/astromechza/automerge-whiteboard/pkg/transport/redis"
	"github.com/astromechza/automerge-whiteboard/pkg/transport/websocket"
	"github.com/astromechza/automerge-whiteboard/pkg/undo"
	"github.com/astromechza/automerge-whiteboard/pkg/validate"
	"github.com/astromechza/automerge-whiteboard/pkg/viz"
)

type peerConfig struct {
	DocumentID       string        `env:"WHITEBOARD_DOCUMENT_ID" envDefault:"default"`
	Transport        string        `env:"WHITEBOARD_TRANSPORT" envDefault:"websocket"`
	RelayURL         string        `env:"WHITEBOARD_RELAY_URL" envDefault:"ws://localhost:8080"`
	RedisAddr        string        `env:"WHITEBOARD_REDIS_ADDR" envDefault:"localhost:6379"`
	EventStore       string        `env:"WHITEBOARD_EVENT_STORE" envDefault:"sqlite"`
	SQLitePath       string        `env:"WHITEBOARD_SQLITE_PATH" envDefault:"whiteboard.sqlite3"`
	DatabaseURL      string        `env:"WHITEBOARD_DATABASE_URL"`
	CachePath        string        `env:"WHITEBOARD_CACHE_PATH" envDefault:"whiteboard-cache.db"`
	MetricsAddr      string        `env:"WHITEBOARD_METRICS_ADDR"`
	SnapshotInterval time.Duration `env:"WHITEBOARD_SNAPSHOT_INTERVAL" envDefault:"5s"`
	EditInterval     time.Duration `env:"WHITEBOARD_EDIT_INTERVAL" envDefault:"2s"`
	DocumentRule     string        `env:"WHITEBOARD_DOCUMENT_RULE"`
	SnapshotRule     string        `env:"WHITEBOARD_SNAPSHOT_RULE"`
}

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	var cfg peerConfig
	if err := config.ParseEnv(&cfg); err != nil {
		return err
	}
	flag.StringVar(&cfg.DocumentID, "doc", cfg.DocumentID, "the document to join")
	flag.StringVar(&cfg.Transport, "transport", cfg.Transport, "websocket or redis")
	flag.StringVar(&cfg.EventStore, "events", cfg.EventStore, "sqlite or postgres")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "address to serve /metrics on, disabled when empty")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	doc, err := demoboard.New(document.WithLogger(slog.Default()))
	if err != nil {
		return fmt.Errorf("failed to build baseline: %w", err)
	}
	slog.Info("established base doc", "actor", doc.ActorID(), "heads", doc.Heads())

	channel, closeChannel, err := openChannel(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeChannel()

	events, closeEvents, err := openEventStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeEvents()

	cache, err := bolt.Open(cfg.CachePath)
	if err != nil {
		return err
	}
	defer cache.Close()

	documentRule, err := validate.Document(cfg.DocumentRule, slog.Default())
	if err != nil {
		return err
	}
	if documentRule == nil {
		documentRule = demoboard.Valid
	}
	snapshotRule, err := validate.Snapshot(cfg.SnapshotRule, slog.Default())
	if err != nil {
		return err
	}

	service := docsync.New(doc, channel, events, cache, cfg.DocumentID, docsync.Options{
		DocumentValidator: documentRule,
		SnapshotValidator: snapshotRule,
		SnapshotInterval:  cfg.SnapshotInterval,
		Logger:            slog.Default(),
	})
	if err := service.Start(ctx); err != nil {
		return err
	}
	defer service.Close()

	manager := undo.New[string](doc, undo.Config{Validator: demoboard.UndoAllowed, Logger: slog.Default()})
	defer manager.Close()

	wg := new(sync.WaitGroup)

	if cfg.MetricsAddr != "" {
		collector := metrics.NewStatisticsCollector(cfg.DocumentID, service.Statistics())
		defer collector.Close()
		registry := prometheus.NewRegistry()
		registry.MustRegister(collector)

		r := mux.NewRouter()
		r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: r}
		defer httpServer.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics listen failed", "err", err)
			}
		}()
	}

	unsubscribe := service.IsLoading().Subscribe(func(loading bool) {
		slog.Info("loading state", "loading", loading)
	})
	defer unsubscribe()

	e := &editor{doc: doc, undo: manager}
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.editRandomlyContinuously(ctx, cfg.EditInterval)
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = service.Close()

	wg.Wait()

	tf := filepath.Join(os.TempDir(), doc.ActorID()+".automerge")
	if err := os.WriteFile(tf, doc.Store(), 0o600); err != nil {
		return fmt.Errorf("failed to dump: %w", err)
	}
	slog.Info("dumped", "dump", tf)
	if fork, err := doc.Fork(); err != nil {
		slog.Error("failed to fork for render", "err", err)
	} else if svgPath, err := viz.RenderToTemp(fork, doc.Version()); err != nil {
		slog.Error("failed to render", "err", err)
	} else {
		slog.Info("rendered", "path", "file://"+svgPath)
	}
	return nil
}

func openChannel(ctx context.Context, cfg peerConfig) (collab.Channel, func(), error) {
	switch cfg.Transport {
	case "websocket":
		u, err := url.Parse(cfg.RelayURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse relay url: %w", err)
		}
		u = u.JoinPath("rooms", cfg.DocumentID, "ws")
		c := websocket.Dial(ctx, u.String(), slog.Default())
		return c, func() { _ = c.Close() }, nil
	case "redis":
		rdb, err := redis.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return redis.New(rdb, cfg.DocumentID, slog.Default()), func() { _ = rdb.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

func openEventStore(ctx context.Context, cfg peerConfig) (collab.EventStore, func(), error) {
	switch cfg.EventStore {
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("WHITEBOARD_DATABASE_URL is required for the postgres event store")
		}
		s, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown event store %q", cfg.EventStore)
}
