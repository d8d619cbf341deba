package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"queue-management-system/internal/alerts"
	"queue-management-system/internal/callback"
	"queue-management-system/internal/config"
	"queue-management-system/internal/scheduler"
	"queue-management-system/internal/store"
	"queue-management-system/internal/telemetry"
)

// The scheduler assumes it is the only active instance; running replicas
// concurrently would need a distributed lease, which this deployment does
// not provide.
func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	alertSvc := alerts.New(cfg.WebhookURL, cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.AdminEmail)
	monitor := alerts.NewRateMonitor(alertSvc, cfg.FailureRateWindow, cfg.FailureRateThreshold)

	dispatcher := callback.New(callback.Policy{
		MaxAttempts: cfg.CallbackMaxAttempts,
		BaseDelay:   cfg.CallbackBaseDelay,
		Multiplier:  cfg.CallbackMultiplier,
	}, cfg.CallbackTimeout, alertSvc, st, monitor)

	sched := scheduler.New(scheduler.Options{
		CycleInterval:        cfg.CycleInterval,
		ReadyTTL:             cfg.ReadyTTL,
		MaxWaitTime:          cfg.MaxWaitTime,
		QueueLengthThreshold: cfg.QueueLengthThreshold,
	}, st, dispatcher, alertSvc)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	if err := sched.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("scheduler stopped: %v", err)
	}

	// Let in-flight callback deliveries drain before exiting.
	dispatcher.Wait()
}
