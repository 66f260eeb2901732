package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"loyalty/internal/auth"
	"loyalty/internal/config"
	"loyalty/internal/db"
	httpx "loyalty/internal/http"
	"loyalty/internal/notify"

	"github.com/robfig/cron/v3"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, _ := config.Load()

	gdb, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connect failed", "error", err)
		os.Exit(1)
	}
	if err := db.AutoMigrateAndIndexes(gdb); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}

	// Development transport: logs instead of calling provider APIs. The
	// real email/SMS/push dispatchers plug in here.
	dispatcher := notify.DispatcherFunc(func(ctx context.Context, recipientID string, p notify.Payload) (notify.DeliveryResult, error) {
		slog.Info("dispatching notification", "recipient_id", recipientID, "title", p.Title, "category", p.Category)
		return notify.DeliveryResult{Email: true}, nil
	})

	store := &notify.GormStore{DB: gdb}
	svc, err := notify.New(store, dispatcher, cfg.Queue)
	if err != nil {
		slog.Error("queue init failed", "error", err)
		os.Exit(1)
	}
	svc.StartProcessing(context.Background())

	// nightly retention cleanup
	c := cron.New()
	_, err = c.AddFunc("0 3 * * *", func() {
		if _, err := svc.CleanupOld(context.Background(), cfg.Queue.RetentionDays); err != nil {
			slog.Error("cleanup failed", "error", err)
		}
	})
	if err != nil {
		slog.Error("cron setup failed", "error", err)
		os.Exit(1)
	}
	c.Start()

	jwtSvc := auth.NewJWT(cfg.AdminJWTSecret)
	r := httpx.NewRouter(cfg, svc, jwtSvc)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// graceful shutdown
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	svc.StopProcessing()
	<-c.Stop().Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
