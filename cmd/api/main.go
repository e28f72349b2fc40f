package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/settld-labs/settld-core/internal/config"
	"github.com/settld-labs/settld-core/internal/domain"
	"github.com/settld-labs/settld-core/internal/httpapi"
	"github.com/settld-labs/settld-core/internal/idempotency"
	"github.com/settld-labs/settld-core/internal/keyring"
	"github.com/settld-labs/settld-core/internal/outbox"
	"github.com/settld-labs/settld-core/internal/scheduler"
	"github.com/settld-labs/settld-core/internal/store"
	"github.com/settld-labs/settld-core/internal/store/memstore"
	"github.com/settld-labs/settld-core/internal/store/pgstore"
)

func main() {
	_ = godotenv.Load()
	logger := log.New(log.Writer(), "[API] ", log.LstdFlags)

	cfgPath := os.Getenv("SETTLD_CONFIG")
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	tenantsPath := os.Getenv("SETTLD_TENANTS_CONFIG")
	var mgr *config.Manager
	if tenantsPath != "" {
		mgr, err = config.NewManager(cfgPath, tenantsPath)
		if err != nil {
			logger.Fatalf("config: %v", err)
		}
	} else {
		mgr = config.NewManagerFromConfig(cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatalf("store: %v", err)
	}

	ring, err := keyring.New(ctx, st)
	if err != nil {
		logger.Fatalf("keyring: %v", err)
	}

	if err := seedDestinations(ctx, st, cfg); err != nil {
		logger.Fatalf("export destinations: %v", err)
	}

	srv := httpapi.New(st, ring, mgr)
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		srv.Idem = idempotency.NewGuard(idempotency.NewRedisStore(redis.NewClient(opts)))
		logger.Printf("idempotency backend: redis")
	}

	timeout := time.Duration(cfg.Delivery.HTTPTimeoutMs) * time.Millisecond
	worker := outbox.NewWorker(st, &http.Client{Timeout: timeout})
	if cfg.Autotick.Enabled {
		sched := scheduler.New(st, worker, srv.Runs, srv.ToolCalls, srv.Disputes, srv.Idem)
		sched.Interval = time.Duration(cfg.Autotick.IntervalMs) * time.Millisecond
		go sched.Run(ctx)
		logger.Printf("autotick every %s", sched.Interval)
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Printf("listening on %s (env=%s store=%s)", httpSrv.Addr, cfg.Server.Env, cfg.Store.Driver)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "pg":
		return pgstore.Open(ctx, pgstore.Options{
			DatabaseURL:      cfg.Store.DatabaseURL,
			Schema:           cfg.Store.Schema,
			MigrateOnStartup: cfg.Store.MigrateOnStartup,
		})
	default:
		return memstore.New(), nil
	}
}

// seedDestinations registers the configured webhook destinations so export
// delivery works from the first pump.
func seedDestinations(ctx context.Context, st store.Store, cfg *config.Config) error {
	for tenantID, dests := range cfg.Delivery.ExportDestinations {
		for _, d := range dests {
			err := st.PutDestination(ctx, &domain.Destination{
				DestinationID: d.DestinationID,
				TenantID:      tenantID,
				URL:           d.URL,
				Secret:        d.Secret,
				Topics:        d.Topics,
				Active:        true,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}
