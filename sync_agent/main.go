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

	"github.com/itskum47/FieldSync/sync_agent/config"
	"github.com/itskum47/FieldSync/sync_agent/connectivity"
	"github.com/itskum47/FieldSync/sync_agent/engine"
	"github.com/itskum47/FieldSync/sync_agent/hooks"
	"github.com/itskum47/FieldSync/sync_agent/idempotency"
	"github.com/itskum47/FieldSync/sync_agent/queue"
	"github.com/itskum47/FieldSync/sync_agent/remote"
	"github.com/itskum47/FieldSync/sync_agent/resilience"
	"github.com/itskum47/FieldSync/sync_agent/scheduler"
	"github.com/itskum47/FieldSync/sync_agent/store"
	"github.com/itskum47/FieldSync/sync_agent/streaming"
	"github.com/itskum47/FieldSync/sync_agent/timeline"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults to $FIELDSYNC_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v", err)
	}
	deviceID, err := config.EnsureDeviceID(cfg.Store.DataDir)
	if err != nil {
		log.Fatalf("❌ Failed to resolve device id: %v", err)
	}
	cfg.DeviceID = deviceID

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := store.Open(ctx, store.Options{
		Backend:       cfg.Store.Backend,
		RedisAddr:     cfg.Store.RedisAddr,
		RedisPassword: cfg.Store.RedisPassword,
		RedisDB:       cfg.Store.RedisDB,
		PostgresURL:   cfg.Store.PostgresURL,
	})
	if err != nil {
		log.Fatalf("❌ Failed to open store: %v", err)
	}
	defer backend.Close()

	bus := streaming.NewBus("fieldsync-agent", 0)
	defer bus.Close()
	tl := timeline.NewStore(0)

	tokens := &remote.StaticToken{}
	client := remote.NewClient(cfg.Remote.BaseURL, tokens, cfg.Remote.Timeout, cfg.Remote.RateLimit, cfg.Remote.Burst)

	// Offline until the first probe answers.
	monitor := connectivity.NewMonitor(
		connectivity.NewHTTPProber(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeTimeout),
		cfg.Connectivity.ProbeInterval, bus, false)
	monitor.Start(ctx)

	eng := engine.New(backend, client, monitor, bus, tl, engine.Config{
		MaxRetries: cfg.Sync.MaxRetries,
		HolderID:   deviceID,
		LeaseTTL:   cfg.Sync.LeaseTTL,
	})

	cache := resilience.NewCache(backend)
	h := hooks.New(cache, eng.Queue(), client, monitor, eng, hooks.Options{
		DedupEnqueue: cfg.Sync.DedupEnqueue,
		FetchTimeout: cfg.Remote.Timeout,
	})

	queue.NewJanitor(backend, cfg.Sync.JanitorInterval, cfg.Sync.DeadLetterRetention).Start(ctx)

	sched := scheduler.New(eng, monitor, scheduler.Config{
		Interval:     cfg.Sync.Interval,
		SettleDelay:  cfg.Sync.SettleDelay,
		StartupDelay: cfg.Sync.StartupDelay,
		RetryBase:    cfg.Sync.RetryBase,
		TriggerRate:  cfg.Sync.TriggerRate,
		TriggerBurst: cfg.Sync.TriggerBurst,
	})
	sched.Start(ctx)

	idem := idempotency.NewStore(10 * time.Minute)
	go sweepIdempotency(ctx, idem, time.Minute)

	api := NewAPI(h, eng, sched, monitor, cache, backend, tokens, idem, bus, deviceID)
	go api.statusHub.Run(ctx)

	server := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     api.Handler(cfg.Server.AllowedOrigins),
		ReadTimeout: 60 * time.Second,
		// POST /sync answers when the cycle ends
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("✅ FieldSync agent %s listening on %s (store=%s, remote=%s)",
			deviceID, server.Addr, cfg.Store.Backend, cfg.Remote.BaseURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down agent...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("❌ Server forced to shutdown: %v", err)
	}
	log.Println("✅ Agent stopped gracefully")
}

func sweepIdempotency(ctx context.Context, s *idempotency.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				log.Printf("[IDEMPOTENCY] swept %d expired responses", n)
			}
		}
	}
}
