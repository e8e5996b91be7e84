package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/listkit/gtm-backend/internal/adapters"
	alertspkg "github.com/listkit/gtm-backend/internal/alerts"
	"github.com/listkit/gtm-backend/internal/clients/calendly"
	"github.com/listkit/gtm-backend/internal/clients/hubspot"
	"github.com/listkit/gtm-backend/internal/clients/intercom"
	"github.com/listkit/gtm-backend/internal/clients/userflow"
	"github.com/listkit/gtm-backend/internal/data/db"
	alertsrepo "github.com/listkit/gtm-backend/internal/data/repos/alerts"
	"github.com/listkit/gtm-backend/internal/data/repos/customer"
	"github.com/listkit/gtm-backend/internal/data/repos/syncrun"
	types "github.com/listkit/gtm-backend/internal/domain"
	"github.com/listkit/gtm-backend/internal/health"
	"github.com/listkit/gtm-backend/internal/platform/envutil"
	"github.com/listkit/gtm-backend/internal/platform/logger"
	syncpkg "github.com/listkit/gtm-backend/internal/sync"
	"github.com/listkit/gtm-backend/internal/unify"
)

// One-shot pipeline pass for cron jobs and manual runs. Alerts are logged,
// not posted to Slack, so an operator replaying a sync does not re-page the
// account team.
func main() {
	source := flag.String("source", "", "restrict the pass to one source (intercom, hubspot, calendly, userflow)")
	full := flag.Bool("full", false, "repull everything and rescore the whole customer base")
	flag.Parse()

	mode := types.ModeIncremental
	if *full {
		mode = types.ModeFull
	}

	_ = godotenv.Load()

	log, err := logger.New(envutil.String("APP_ENV", "development"))
	if err != nil {
		fmt.Printf("failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := db.New(log)
	if err != nil {
		log.Fatal("database init failed", "error", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Fatal("database migration failed", "error", err)
	}
	gdb := pg.DB()

	scoring, err := health.Load(envutil.String("HEALTH_CONFIG_PATH", ""))
	if err != nil {
		log.Fatal("scoring config load failed", "error", err)
	}

	customers := customer.NewCustomerRepo(gdb, log)
	runs := syncrun.NewSyncRunRepo(gdb, log)
	alertRepo := alertsrepo.NewAlertRepo(gdb, log)

	sourceAdapters := buildAdapters(log)
	if *source != "" {
		var picked []adapters.Adapter
		for _, a := range sourceAdapters {
			if a.Name() == *source {
				picked = append(picked, a)
			}
		}
		if len(picked) == 0 {
			fmt.Fprintf(os.Stderr, "unknown or unconfigured source %q\n", *source)
			os.Exit(2)
		}
		sourceAdapters = picked
	}

	throttle := alertspkg.NewRateThrottle(nil, envutil.Int("ALERTS_MAX_PER_HOUR", 20), log)
	alerter := alertspkg.NewEngine(gdb, alertRepo, &alertspkg.LogNotifier{Log: log}, throttle, log)
	unifier := unify.NewEngine(gdb, customers, log)

	orch := syncpkg.NewOrchestrator(gdb, sourceAdapters, unifier, customers, runs, alerter, scoring, log)

	report, err := orch.Run(ctx, mode)
	if err != nil {
		log.Error("sync pass failed", "mode", mode, "error", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))

	for _, sr := range report.Sources {
		if sr.Status == types.RunStatusFailed {
			os.Exit(1)
		}
	}
}

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
