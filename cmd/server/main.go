package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/listkit/gtm-backend/internal/adapters"
	alertspkg "github.com/listkit/gtm-backend/internal/alerts"
	"github.com/listkit/gtm-backend/internal/clients/calendly"
	"github.com/listkit/gtm-backend/internal/clients/hubspot"
	"github.com/listkit/gtm-backend/internal/clients/intercom"
	"github.com/listkit/gtm-backend/internal/clients/slackx"
	"github.com/listkit/gtm-backend/internal/clients/userflow"
	"github.com/listkit/gtm-backend/internal/data/db"
	alertsrepo "github.com/listkit/gtm-backend/internal/data/repos/alerts"
	"github.com/listkit/gtm-backend/internal/data/repos/customer"
	"github.com/listkit/gtm-backend/internal/data/repos/syncrun"
	"github.com/listkit/gtm-backend/internal/health"
	httpapi "github.com/listkit/gtm-backend/internal/http"
	"github.com/listkit/gtm-backend/internal/http/handlers"
	"github.com/listkit/gtm-backend/internal/observability"
	pkgerrors "github.com/listkit/gtm-backend/internal/pkg/errors"
	"github.com/listkit/gtm-backend/internal/platform/envutil"
	"github.com/listkit/gtm-backend/internal/platform/logger"
	syncpkg "github.com/listkit/gtm-backend/internal/sync"
	"github.com/listkit/gtm-backend/internal/unify"
)

func main() {
	_ = godotenv.Load()

	env := envutil.String("APP_ENV", "development")
	log, err := logger.New(env)
	if err != nil {
		fmt.Printf("failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "gtm-backend",
		Environment: env,
		Version:     envutil.String("APP_VERSION", ""),
	})

	pg, err := db.New(log)
	if err != nil {
		log.Fatal("database init failed", "error", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Fatal("database migration failed", "error", err)
	}
	gdb := pg.DB()

	customers := customer.NewCustomerRepo(gdb, log)
	runs := syncrun.NewSyncRunRepo(gdb, log)
	alertRepo := alertsrepo.NewAlertRepo(gdb, log)

	scoring, err := health.Load(envutil.String("HEALTH_CONFIG_PATH", ""))
	if err != nil {
		log.Fatal("scoring config load failed", "error", err)
	}

	sourceAdapters := buildAdapters(log)
	if len(sourceAdapters) == 0 {
		log.Warn("no source credentials configured, sync passes will be empty")
	}

	var notifier alertspkg.Notifier
	if slackNotifier, err := slackx.NewFromEnv(log); err == nil {
		notifier = slackNotifier
	} else if errors.Is(err, pkgerrors.ErrMissingCredentials) {
		log.Warn("slack not configured, alerts will only be logged")
		notifier = &alertspkg.LogNotifier{Log: log}
	} else {
		log.Fatal("slack notifier init failed", "error", err)
	}

	var rdb *redis.Client
	if addr := envutil.String("REDIS_ADDR", ""); addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: envutil.String("REDIS_PASSWORD", ""),
			DB:       envutil.Int("REDIS_DB", 0),
		})
	}
	throttle := alertspkg.NewRateThrottle(rdb, envutil.Int("ALERTS_MAX_PER_HOUR", 20), log)

	alerter := alertspkg.NewEngine(gdb, alertRepo, notifier, throttle, log)
	unifier := unify.NewEngine(gdb, customers, log)
	orch := syncpkg.NewOrchestrator(gdb, sourceAdapters, unifier, customers, runs, alerter, scoring, log)

	var scheduler *syncpkg.Scheduler
	if envutil.Bool("SYNC_SCHEDULER_ENABLED", true) {
		scheduler, err = syncpkg.NewScheduler(orch, syncpkg.ScheduleFromEnv(), log)
		if err != nil {
			log.Fatal("scheduler init failed", "error", err)
		}
		scheduler.Start()
	}

	server := httpapi.NewServer(httpapi.RouterConfig{
		Log:             log,
		CustomerHandler: handlers.NewCustomerHandler(customers, alertRepo, log),
		MetricsHandler:  handlers.NewMetricsHandler(customers, log),
		SyncHandler:     handlers.NewSyncHandler(runs, orch, log),
		AlertHandler:    handlers.NewAlertHandler(alertRepo, log),
	})

	port := envutil.String("PORT", "8080")
	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "port", port)
		errCh <- server.Run(":" + port)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if scheduler != nil {
		scheduler.Stop()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown failed", "error", err)
	}
	if shutdownOtel != nil {
		if err := shutdownOtel(shutdownCtx); err != nil {
			log.Warn("otel shutdown failed", "error", err)
		}
	}
}

// buildAdapters wires every source whose credentials are present. A source
// with no credentials is skipped with a warning rather than failing boot,
// so partial deployments still sync what they can.
func buildAdapters(log *logger.Logger) []adapters.Adapter {
	var out []adapters.Adapter

	if client, err := intercom.NewFromEnv(log); err == nil {
		out = append(out, adapters.NewIntercomAdapter(client, log))
	} else {
		log.Warn("intercom disabled", "error", err)
	}
	if client, err := hubspot.NewFromEnv(log); err == nil {
		out = append(out, adapters.NewHubspotAdapter(client, log))
	} else {
		log.Warn("hubspot disabled", "error", err)
	}
	if client, err := calendly.NewFromEnv(log); err == nil {
		out = append(out, adapters.NewCalendlyAdapter(client, log))
	} else {
		log.Warn("calendly disabled", "error", err)
	}
	if client, err := userflow.NewFromEnv(log); err == nil {
		out = append(out, adapters.NewUserflowAdapter(client, log))
	} else {
		log.Warn("userflow disabled", "error", err)
	}
	return out
}
