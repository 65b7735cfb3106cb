package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/oauth2"
	oauthgoogle "golang.org/x/oauth2/google"
	calendarapi "google.golang.org/api/calendar/v3"

	"slotbook/internal/config"
	"slotbook/internal/connection"
	"slotbook/internal/provider"
	"slotbook/internal/provider/google"
	"slotbook/internal/service/availability"
	"slotbook/internal/service/sync"
	"slotbook/internal/store/postgres"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With(
		slog.String("service", "slotbook-syncd"),
	)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})).With(
		slog.String("service", "slotbook-syncd"),
	)
	slog.SetDefault(log)

	log.Info("starting",
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.String("log_level", cfg.LogLevel),
	)

	log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
	db, err := postgres.Open(cfg.DatabaseURL, postgres.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
		log.Error("database connection failed", args...)
		os.Exit(1)
	}
	defer func() {
		if err := postgres.Close(db); err != nil {
			log.Warn("database close failed", slog.Any("err", err))
		}
	}()

	appointments := postgres.NewAppointmentRepo(db)
	calendars := postgres.NewCalendarRepo(db)
	contacts := postgres.NewContactRepo(db)
	connections := postgres.NewConnectionRepo(db)
	external := postgres.NewExternalCalendarRepo(db)
	synced := postgres.NewSyncedEventRepo(db)

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		Endpoint:     oauthgoogle.Endpoint,
		Scopes:       []string{calendarapi.CalendarScope},
	}
	factory := connection.ClientFactoryFunc(func(ctx context.Context, token *oauth2.Token) (provider.Client, error) {
		return google.NewClient(ctx, token)
	})
	manager := connection.NewManager(connections, &connection.OAuthRefresher{Config: oauthCfg}, factory, log)

	booking := availability.NewService(calendars, appointments)
	engine := sync.NewEngine(connections, calendars, appointments, contacts, external, synced, booking, manager, sync.Config{
		CallTimeout: cfg.ProviderCallTimeout,
		Retention:   cfg.TrackingRetention,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := cron.New()
	sched.Schedule(cron.Every(cfg.SyncInterval), cron.FuncJob(func() {
		engine.ReconcileAll(ctx)
	}))
	if _, err := sched.AddFunc(cfg.CalendarListRefreshSpec, func() {
		engine.RefreshCalendarLists(ctx)
	}); err != nil {
		log.Error("invalid calendar list refresh schedule",
			slog.Any("err", err),
			slog.String("spec", cfg.CalendarListRefreshSpec),
		)
		os.Exit(1)
	}
	sched.Start()

	// Catch up immediately instead of waiting out the first interval.
	engine.RefreshCalendarLists(ctx)
	engine.ReconcileAll(ctx)

	<-ctx.Done()
	log.Info("shutdown signal received")
	shutdown(log, sched, cfg.ShutdownTimeout)
}

func shutdown(log *slog.Logger, sched *cron.Cron, timeout time.Duration) {
	log.Info("waiting for running jobs", slog.Duration("timeout", timeout))

	stopCtx := sched.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-stopCtx.Done():
		log.Info("scheduler stopped")
	case <-timer.C:
		log.Warn("jobs still running at shutdown deadline; exiting anyway")
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func databaseLogArgs(databaseURL string) []any {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return []any{slog.String("db_url", "invalid")}
	}
	name := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "default"
	}
	if host == "" {
		host = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return []any{
		slog.String("db_host", host),
		slog.String("db_port", port),
		slog.String("db_name", name),
	}
}
