// Command inboxd is the example wiring/entrypoint for the reliable
// inbox engine: it loads a process-level YAML configuration, builds one
// Inbox per declared entry against the configured storage backend,
// registers a demo order-confirmation handler, and runs the manager
// until SIGINT/SIGTERM, the same load-config/build-components/serve
// shape as the teacher's cmd/server/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mixaill76/reliable-inbox/inbox"
	"github.com/mixaill76/reliable-inbox/inbox/cleanup"
	inboxconfig "github.com/mixaill76/reliable-inbox/inbox/config"
	"github.com/mixaill76/reliable-inbox/inbox/logging"
	"github.com/mixaill76/reliable-inbox/inbox/manager"
	"github.com/mixaill76/reliable-inbox/inbox/metrics"
	"github.com/mixaill76/reliable-inbox/inbox/provider"
	"github.com/mixaill76/reliable-inbox/inbox/provider/kvprovider"
	"github.com/mixaill76/reliable-inbox/inbox/provider/memory"
	"github.com/mixaill76/reliable-inbox/inbox/provider/sqlprovider"
	"github.com/mixaill76/reliable-inbox/inbox/registry"
)

// OrderConfirmation is the demo message type registered on every
// configured inbox, standing in for a real caller's payload type.
type OrderConfirmation struct {
	OrderID string `json:"order_id"`
	Email   string `json:"email"`
}

func (o OrderConfirmation) GetGroupID() string { return o.OrderID }

func main() {
	configPath := flag.String("config", "inboxd.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := inboxconfig.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var log *slog.Logger
	if cfg.Logging.Format == "json" {
		log = logging.NewJSON(cfg.Logging.Level)
	} else {
		log = logging.New(cfg.Logging.Level)
	}

	log.Info("starting inboxd", "config", *configPath, "inboxes", len(cfg.Inboxes))

	var sqlPool *sqlprovider.Pool
	var redisClient *redis.Client
	defer func() {
		if redisClient != nil {
			redisClient.Close()
		}
	}()

	met := metrics.New(cfg.Metrics.Enabled)

	ibxs := make([]*inbox.Inbox, 0, len(cfg.Inboxes))
	cleanupTasks := make([]*cleanup.Task, 0, len(cfg.Inboxes)*3)

	for _, ic := range cfg.Inboxes {
		opts, err := ic.Options()
		if err != nil {
			log.Error("invalid inbox options", "inbox", ic.Name, "error", err)
			os.Exit(1)
		}
		fifo := opts.Mode == inbox.FIFO || opts.Mode == inbox.FIFOBatched

		var prov inbox.StorageProvider
		switch ic.Backend {
		case inboxconfig.BackendMemory:
			prov = memory.New(fifo, opts.MaxProcessingTime)
		case inboxconfig.BackendSQL:
			if sqlPool == nil {
				sqlPool, err = sqlprovider.NewPool(context.Background(), cfg.Storage.SQLDSN, 2, 10)
				if err != nil {
					log.Error("failed to open sql pool", "error", err)
					os.Exit(1)
				}
			}
			sp, err := sqlprovider.New(sqlPool, ic.Name, fifo, opts.MaxProcessingTime)
			if err != nil {
				log.Error("invalid sql inbox", "inbox", ic.Name, "error", err)
				os.Exit(1)
			}
			if err := sp.Migrate(context.Background()); err != nil {
				log.Error("sql migrate failed", "inbox", ic.Name, "error", err)
				os.Exit(1)
			}
			prov = provider.Wrap(sp, sqlRetryConfig())
		case inboxconfig.BackendKV:
			if redisClient == nil {
				redisClient = redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})
			}
			prov = kvprovider.New(redisClient, ic.Name, fifo, opts.MaxProcessingTime, opts.DeduplicationInterval)
		default:
			log.Error("unknown backend", "inbox", ic.Name, "backend", ic.Backend)
			os.Exit(1)
		}

		reg := registry.New()
		if err := registry.Register[OrderConfirmation](reg, "order_confirmation"); err != nil {
			log.Error("failed to register message type", "inbox", ic.Name, "error", err)
			os.Exit(1)
		}

		ibx, err := inbox.NewInbox(ic.Name, prov, reg, opts, inbox.JSONSerializer{})
		if err != nil {
			log.Error("failed to build inbox", "inbox", ic.Name, "error", err)
			os.Exit(1)
		}

		if err := registerDemoHandler(ibx, log); err != nil {
			log.Error("failed to register handler", "inbox", ic.Name, "error", err)
			os.Exit(1)
		}

		tasks, err := cleanup.DefaultTasks(ibx, cfg.Cleanup.Interval, cfg.Cleanup.RestartDelay, cfg.Cleanup.BatchSize, log)
		if err != nil {
			log.Error("failed to build cleanup tasks", "inbox", ic.Name, "error", err)
			os.Exit(1)
		}
		cleanupTasks = append(cleanupTasks, tasks...)

		ibxs = append(ibxs, ibx)
	}

	mgr := manager.New(log, ibxs)
	for _, task := range cleanupTasks {
		mgr.RegisterHook(task)
	}
	if sqlPool != nil {
		mgr.RegisterDisposer(closerFunc(sqlPool.Close))
	}

	go serveMetricsAndHealth(mgr, met, log)

	ctx, cancel := context.WithCancel(context.Background())
	if err := mgr.StartAsync(ctx); err != nil {
		log.Error("failed to start inbox manager", "error", err)
		os.Exit(1)
	}
	log.Info("inbox manager started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := mgr.StopAsync(stopCtx); err != nil {
		log.Error("inbox manager stop returned error", "error", err)
	}
	log.Info("inboxd shutdown complete")
}

// registerDemoHandler wires the order_confirmation message type to the
// handler variant matching ibx's delivery mode, logging each outcome.
func registerDemoHandler(ibx *inbox.Inbox, log *slog.Logger) error {
	switch ibx.Options().Mode {
	case inbox.Default, inbox.FIFO:
		return inbox.RegisterSingleHandler(ibx, "order_confirmation", func(ctx context.Context, env inbox.TypedEnvelope[OrderConfirmation]) inbox.Outcome {
			log.Debug("processing order confirmation", "order_id", env.Payload.OrderID, "email", env.Payload.Email)
			return inbox.Success
		})
	case inbox.Batched:
		return inbox.RegisterBatchedHandler(ibx, "order_confirmation", func(ctx context.Context, envs []inbox.TypedEnvelope[OrderConfirmation]) []inbox.MessageResult {
			results := make([]inbox.MessageResult, 0, len(envs))
			for _, env := range envs {
				log.Debug("processing order confirmation", "order_id", env.Payload.OrderID)
				results = append(results, inbox.MessageResult{ID: env.ID, Outcome: inbox.Success})
			}
			return results
		})
	case inbox.FIFOBatched:
		return inbox.RegisterFifoBatchedHandler(ibx, "order_confirmation", func(ctx context.Context, groupID string, envs []inbox.TypedEnvelope[OrderConfirmation]) []inbox.MessageResult {
			results := make([]inbox.MessageResult, 0, len(envs))
			for _, env := range envs {
				log.Debug("processing order confirmation", "group_id", groupID, "order_id", env.Payload.OrderID)
				results = append(results, inbox.MessageResult{ID: env.ID, Outcome: inbox.Success})
			}
			return results
		})
	default:
		return fmt.Errorf("inboxd: unhandled delivery mode %v", ibx.Options().Mode)
	}
}

func sqlRetryConfig() provider.RetryConfig {
	cfg := provider.DefaultRetryConfig()
	cfg.Classify = sqlprovider.Classify
	return cfg
}

// serveMetricsAndHealth exposes /metrics and a per-inbox /healthz
// aggregating each Inbox's storage-provider health metrics, the same
// promhttp.Handler() + hand-rolled status mux shape as the teacher's
// main.go.
func serveMetricsAndHealth(mgr *manager.Manager, met *metrics.Metrics, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		var body strings.Builder
		for _, ibx := range mgr.Inboxes() {
			h, err := ibx.Provider().GetHealthMetrics(ctx)
			if err != nil {
				log.Warn("health check failed", "inbox", ibx.Name(), "error", err)
				status = http.StatusServiceUnavailable
				continue
			}
			met.RecordHealth(ibx.Name(), int(h.PendingCount), int(h.CapturedCount), int(h.DeadLetterCount), h.Lag(time.Now()))
			fmt.Fprintf(&body, "%s queue_depth=%d lag=%s dead_letter=%d\n",
				ibx.Name(), h.QueueDepth(), h.Lag(time.Now()), h.DeadLetterCount)
		}
		w.WriteHeader(status)
		w.Write([]byte(body.String()))
	})

	srv := &http.Server{Addr: ":9090", Handler: mux}
	log.Info("metrics/health server starting", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics/health server failed", "error", err)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
