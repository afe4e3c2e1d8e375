package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/numbet/settlement-engine/internal/betting"
	"github.com/numbet/settlement-engine/internal/config"
	"github.com/numbet/settlement-engine/internal/events"
	"github.com/numbet/settlement-engine/internal/ledger"
	"github.com/numbet/settlement-engine/internal/logger"
	"github.com/numbet/settlement-engine/internal/loto"
	"github.com/numbet/settlement-engine/internal/metrics"
	"github.com/numbet/settlement-engine/internal/reconcile"
	"github.com/numbet/settlement-engine/internal/rules"
	"github.com/numbet/settlement-engine/internal/store"
)

type pinger interface {
	Ping(ctx context.Context) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.ServiceName, cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var db pinger
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("database connection failed", zap.Error(err))
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal("schema migration failed", zap.Error(err))
		}
		st, db = pg, pg
		log.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				log.Fatal("invalid REDIS_URL", zap.Error(err))
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			log.Info("Redis cache enabled", zap.Duration("ttl", cfg.CacheTTL))
		}
	} else {
		log.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Events ---
	hub := events.NewHub(log)
	go hub.Run(ctx)

	pubs := events.Multi{hub}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.TopicLedger, cfg.TopicSettlement, log)
		cleanup = append(cleanup, func() {
			if err := kp.Close(); err != nil {
				log.Warn("kafka writer close failed", zap.Error(err))
			}
		})
		pubs = append(pubs, kp)
		log.Info("Kafka publishing enabled", zap.Strings("brokers", cfg.KafkaBrokers))
	}

	// --- Services ---
	loc := cfg.Rules.Location()

	ledgerCfg := ledger.Config{MinDeposit: cfg.Rules.MinDeposit, MinWithdrawal: cfg.Rules.MinWithdrawal}
	if cfg.Rules.EnforceWithdrawalHours {
		ledgerCfg.Window = &rules.WithdrawalWindow{Loc: loc}
	}
	ledgerSvc := ledger.NewService(st, pubs, log, ledgerCfg)

	bettingSvc := betting.NewService(st, pubs, log, loc)
	bettingSvc.SetChunkSize(cfg.Rules.SettlementChunkSize)

	lotoSvc := loto.NewService(st, pubs, log, loto.Config{
		RoundLength:     cfg.Rules.LotoRoundLength,
		AutoResultDelay: cfg.Rules.LotoAutoResultDelay,
	})

	var wg sync.WaitGroup
	reconciler := reconcile.NewWorker(map[string]reconcile.Reconciler{
		metrics.KindStandard: bettingSvc,
		metrics.KindLoto:     lotoSvc,
	}, cfg.ReconcileInterval, log)
	reconciler.Start(ctx, &wg)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if db != nil {
			if err := db.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"degraded","service":"` + cfg.ServiceName + `"}`))
				return
			}
		}
		w.Write([]byte(`{"status":"ok","service":"` + cfg.ServiceName + `"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Settlement events stream; no request timeout.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			ledgerSvc.Routes(r)
			bettingSvc.Routes(r)
			lotoSvc.Routes(r)
			r.Post("/reconcile", reconciler.HandleRun)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("settlement-engine listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log.Info("shutting down settlement-engine")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	wg.Wait()
	log.Info("settlement-engine stopped")
}
