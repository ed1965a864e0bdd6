package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vantagecrm.org/internal/access"
	"vantagecrm.org/internal/config"
	"vantagecrm.org/internal/guard"
	"vantagecrm.org/internal/httpapi"
	"vantagecrm.org/internal/notify"
	"vantagecrm.org/internal/obs"
	"vantagecrm.org/internal/policy"
	"vantagecrm.org/internal/seclog"
	"vantagecrm.org/internal/store/pg"
	"vantagecrm.org/internal/stream"
)

// Set via -ldflags at build time.
var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, err := pg.Open(cfg.Database.GetDSN())
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	users := store.Users()

	resolver, err := access.NewResolver(store.Roles(), access.WithDirectory(users))
	if err != nil {
		log.Fatalf("init resolver: %v", err)
	}
	admin, err := access.NewAdmin(store.Permissions(), store.Roles())
	if err != nil {
		log.Fatalf("init access admin: %v", err)
	}

	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.Notifications.Enabled {
		notifier = notify.NewWebhookNotifier(cfg.Notifications.WebhookURL, cfg.Notifications.Timeout)
	}

	settings, err := policy.NewService(store.Settings(),
		policy.WithOrganizationDirectory(users),
		policy.WithNotifier(notifier),
	)
	if err != nil {
		log.Fatalf("init policy service: %v", err)
	}
	passwords, err := policy.NewPasswords(store.History(), store.Settings())
	if err != nil {
		log.Fatalf("init password service: %v", err)
	}

	events, err := seclog.NewService(store.Events(), settings)
	if err != nil {
		log.Fatalf("init event log: %v", err)
	}

	alerts := stream.New()

	guardSvc, err := guard.NewService(events, store.Alerts(), store.IPRules(), settings,
		guard.WithNotifier(notifier),
		guard.WithStatsStore(store.Stats()),
		guard.WithAlertSink(alerts.Publish),
	)
	if err != nil {
		log.Fatalf("init guard service: %v", err)
	}
	authn, err := guard.NewAuthenticator(users, guardSvc)
	if err != nil {
		log.Fatalf("init authenticator: %v", err)
	}

	api := httpapi.New(httpapi.Deps{
		ReadyProbe: httpapi.ReadyProbe{DB: store.DB()},
		Version:    version,
		Resolver:   resolver,
		Admin:      admin,
		Settings:   settings,
		Passwords:  passwords,
		Events:     events,
		Guard:      guardSvc,
		Authn:      authn,
		Alerts:     alerts,
		Options: httpapi.Options{
			CORSAllowedOrigins: cfg.Security.CORS.AllowedOrigins,
			CORSAllowedMethods: cfg.Security.CORS.AllowedMethods,
			MaxBodyBytes:       cfg.Security.MaxBodyBytes,
			RateLimitEnabled:   cfg.Security.RateLimiting.Enabled,
			RateLimitPerMinute: cfg.Security.RateLimiting.RequestsPerMinute,
			RateLimitBurst:     cfg.Security.RateLimiting.Burst,
			TokenTTL:           cfg.Auth.TokenTTL,
		},
	})

	srv := &http.Server{
		Addr:              cfg.Server.GetAddress(),
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Retention.Enabled {
		go retentionSweep(rootCtx, users, events, cfg.Retention.SweepInterval)
	}

	log.Printf("Starting vantage-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	cancel()

	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

// retentionSweep periodically purges events older than each
// organization's retention window.
func retentionSweep(ctx context.Context, orgs *pg.Users, events *seclog.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ids, err := orgs.OrganizationIDs(ctx)
		if err != nil {
			obs.LogEvent(map[string]any{
				"level": "warn",
				"msg":   "retention sweep: list organizations failed",
				"error": err.Error(),
			})
			continue
		}
		for _, orgID := range ids {
			deleted, err := events.CleanupOldEvents(ctx, orgID)
			if err != nil {
				obs.LogEvent(map[string]any{
					"level":           "warn",
					"msg":             "retention sweep failed",
					"organization_id": orgID,
					"error":           err.Error(),
				})
				continue
			}
			if deleted > 0 {
				obs.LogEvent(map[string]any{
					"type":            "retention_sweep",
					"organization_id": orgID,
					"deleted":         deleted,
				})
			}
		}
	}
}
