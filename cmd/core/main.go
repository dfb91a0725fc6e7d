package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/wacore-labs/runtime/internal/admin"
	"github.com/wacore-labs/runtime/internal/clock"
	"github.com/wacore-labs/runtime/internal/config"
	"github.com/wacore-labs/runtime/internal/database"
	"github.com/wacore-labs/runtime/internal/dispatcher"
	"github.com/wacore-labs/runtime/internal/ephemeral"
	"github.com/wacore-labs/runtime/internal/flow"
	"github.com/wacore-labs/runtime/internal/gateway"
	"github.com/wacore-labs/runtime/internal/handlers"
	"github.com/wacore-labs/runtime/internal/handoff"
	"github.com/wacore-labs/runtime/internal/inbound"
	"github.com/wacore-labs/runtime/internal/llm"
	"github.com/wacore-labs/runtime/internal/ratelimit"
	"github.com/wacore-labs/runtime/internal/repositories"
	"github.com/wacore-labs/runtime/internal/tenant"
	"github.com/wacore-labs/runtime/internal/watchdog"
	"github.com/wacore-labs/runtime/internal/window"
)

func main() {
	cfg := config.Load()
	log.Printf("🚀 starting wacore runtime (env: %s)", cfg.Env)

	gdb, err := database.NewGormDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("❌ failed to open database: %v", err)
	}
	if err := database.AutoMigrate(gdb); err != nil {
		log.Fatalf("❌ failed to auto-migrate: %v", err)
	}

	store, err := ephemeral.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("❌ failed to connect to redis: %v", err)
	}

	clk := clock.Real{}

	organizations := repositories.NewOrganizationRepo(gdb)
	numbers := repositories.NewWhatsAppNumberRepo(gdb)
	contacts := repositories.NewContactRepo(gdb)
	conversations := repositories.NewConversationRepo(gdb)
	windows := repositories.NewWindowRepo(gdb)
	messages := repositories.NewMessageRepo(gdb)
	flows := repositories.NewFlowRepo(gdb)
	adminActions := repositories.NewAdminActionRepo(gdb)

	tenantResolver := tenant.NewResolver(numbers)
	windowEngine := window.NewEngine(windows, clk, cfg.WindowDuration)
	limiter := ratelimit.NewLimiter(store, ratelimit.Limits{
		OfficialPerMinute: cfg.OfficialPerMinute,
		OfficialPerHour:   cfg.OfficialPerHour,
		OfficialPerDay:    cfg.OfficialPerDay,
		QRCodePerHour:     cfg.QRCodePerHour,
		QRCodeMinDelay:    cfg.QRCodeMinDelay,
	}, clk)

	llmSvc := llm.NewService(llm.NewOpenAIProvider(cfg.OpenAIKey, "", 0, 0))
	handoffSvc := handoff.NewService(store)

	registry := gateway.NewRegistry(numbers, cfg.WhatsAppAPIVersion, cfg.WhatsAppStoreURL)

	d := dispatcher.New(messages, conversations, numbers, windowEngine, limiter, registry, clk, dispatcher.Config{
		Workers:      cfg.DispatchWorkers,
		PollInterval: 250 * time.Millisecond,
		JobTimeout:   cfg.HTTPTimeout,
		BaseDelay:    cfg.RetryBaseDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		MaxAttempts:  cfg.RetryMaxAttempt,
	})

	flowEngine := flow.NewEngine(flows, conversations, llmSvc, d, handoffSvc)

	defaultFlowID := func(orgID uuid.UUID) (uuid.UUID, bool) {
		org, err := organizations.Get(context.Background(), orgID)
		if err != nil || org.DefaultFlowID == nil {
			return uuid.Nil, false
		}
		return *org.DefaultFlowID, true
	}

	processor := inbound.NewProcessor(contacts, conversations, messages, numbers, windowEngine, flowEngine, store, defaultFlowID)
	registry.SetInbound(processor)

	adminSvc := admin.NewService(windowEngine, adminActions)
	sched := watchdog.NewScheduler(conversations, flows, windowEngine, d, handoffSvc, flowEngine, clk, time.Duration(cfg.DefaultInactivityMinute)*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := registry.ConnectAll(ctx); err != nil {
		log.Fatalf("❌ failed to connect whatsapp numbers: %v", err)
	}

	d.Start(ctx)
	if err := sched.Start(ctx, cfg.WatchdogInterval); err != nil {
		log.Fatalf("❌ failed to start watchdog scheduler: %v", err)
	}

	webhookHandler := handlers.NewWebhookHandler(tenantResolver, processor, cfg.WhatsAppAppSecret, cfg.WhatsAppVerifyToken)
	adminHandler := handlers.NewAdminHandler(adminSvc, tenantResolver)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /webhook", webhookHandler.VerifySubscription)
	mux.HandleFunc("POST /webhook", webhookHandler.ReceiveWebhook)
	mux.HandleFunc("POST /admin/windows/extend", adminHandler.ExtendWindow)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  cfg.HTTPTimeout,
		WriteTimeout: cfg.HTTPTimeout,
	}

	go func() {
		log.Printf("👂 listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ http server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("🛑 shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ http server shutdown: %v", err)
	}
	sched.Stop()
	d.Stop()
	registry.Disconnect(shutdownCtx)
	cancel()

	log.Println("👋 goodbye")
}
