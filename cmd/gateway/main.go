package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"idempotency-gateway/middleware/idempotency"
	"idempotency-gateway/middleware/idempotency/application"
	"idempotency-gateway/middleware/idempotency/domain"
	"idempotency-gateway/middleware/idempotency/infra"
	"idempotency-gateway/middleware/throttle"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

type config struct {
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8080"`
	UpstreamURL string `envconfig:"UPSTREAM_URL" required:"true"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	KeyHeader  string        `envconfig:"IDEMPOTENCY_KEY_HEADER" default:"X-Idempotency-Key"`
	RequireKey bool          `envconfig:"IDEMPOTENCY_REQUIRE_KEY" default:"false"`
	TTL        time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	FailOpen   bool          `envconfig:"IDEMPOTENCY_FAIL_OPEN" default:"false"`

	// none: duplicata com original em andamento recebe 425 na hora.
	// resolve: suspende até resolver, limitado por IDEMPOTENCY_WAIT_TIMEOUT.
	Wait        string        `envconfig:"IDEMPOTENCY_WAIT" default:"none"`
	WaitTimeout time.Duration `envconfig:"IDEMPOTENCY_WAIT_TIMEOUT" default:"10s"`

	ConcurrencyMax     int           `envconfig:"CONCURRENCY_MAX" default:"100"`
	ConcurrencyTimeout time.Duration `envconfig:"CONCURRENCY_TIMEOUT" default:"0"`

	StoreBackend  string `envconfig:"STORE_BACKEND" default:"memory"`
	StorePrefix   string `envconfig:"STORE_PREFIX" default:"idempotency"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	CacheTerminal bool   `envconfig:"CACHE_TERMINAL" default:"false"`

	ReapEvery   time.Duration `envconfig:"REAP_EVERY" default:"1m"`
	MaxInFlight time.Duration `envconfig:"MAX_IN_FLIGHT" default:"5m"`

	ThrottleEnabled bool    `envconfig:"THROTTLE_ENABLED" default:"true"`
	ThrottleRPS     float64 `envconfig:"THROTTLE_RPS" default:"1"`
	ThrottleBurst   int     `envconfig:"THROTTLE_BURST" default:"5"`

	StatsEnabled   bool          `envconfig:"STATS_ENABLED" default:"true"`
	StatsBackend   string        `envconfig:"STATS_BACKEND" default:"memory"`
	StatsPrefix    string        `envconfig:"STATS_PREFIX" default:"idempotency:stats"`
	StatsTTL       time.Duration `envconfig:"STATS_TTL" default:"24h"`
	StatsBucket    string        `envconfig:"STATS_BUCKET" default:"minute"`
	StatsTrackKeys bool          `envconfig:"STATS_TRACK_KEYS" default:"false"`

	// AdminAddr vazio desabilita o servidor administrativo.
	AdminAddr string `envconfig:"ADMIN_ADDR"`
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		log.Fatalf("invalid UPSTREAM_URL: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var rdb *redis.Client
	if needsRedis(cfg) {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
		_, err := rdb.Ping(pingCtx).Result()
		cancelPing()
		if err != nil {
			log.Fatalf("redis ping error: %v", err)
		}
	}

	store, err := buildStore(cfg, rdb)
	if err != nil {
		log.Fatalf("store error: %v", err)
	}

	var pool domain.SlotPool
	if cfg.ConcurrencyMax > 0 {
		pool = infra.NewChanPool(cfg.ConcurrencyMax)
	}

	wait := application.WaitNone
	if strings.EqualFold(cfg.Wait, "resolve") {
		wait = application.WaitResolve
	}

	coordinator := &application.Coordinator{
		Store:          store,
		Pool:           pool,
		AcquireTimeout: cfg.ConcurrencyTimeout,
		Wait:           wait,
		WaitTimeout:    cfg.WaitTimeout,
	}

	reaper := &application.Reaper{
		Store:       store,
		Every:       cfg.ReapEvery,
		MaxInFlight: cfg.MaxInFlight,
		Log:         log.WithField("component", "reaper"),
	}
	reaper.Start(ctx)

	var stats domain.StatsStore
	var memStats *infra.MemoryStatsStore
	if cfg.StatsEnabled {
		if strings.EqualFold(cfg.StatsBackend, "redis") {
			stats = infra.NewRedisStatsStore(
				rdb,
				infra.WithStatsPrefix(cfg.StatsPrefix),
				infra.WithStatsTTL(cfg.StatsTTL),
				infra.WithStatsBucket(cfg.StatsBucket),
				infra.WithStatsTrackKeys(cfg.StatsTrackKeys),
			)
		} else {
			memStats = infra.NewMemoryStatsStore(infra.WithTrackKeys(cfg.StatsTrackKeys))
			stats = memStats
		}
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Errorf("proxy error: %v", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	h := http.Handler(proxy)
	h = idempotency.Middleware(idempotency.Options{
		Coordinator: coordinator,
		KeyHeader:   cfg.KeyHeader,
		RequireKey:  cfg.RequireKey,
		TTL:         cfg.TTL,
		FailOpen:    cfg.FailOpen,
		Stats:       stats,
		Log:         log.WithField("component", "idempotency"),
	})(h)
	if cfg.ThrottleEnabled {
		throttleStore := throttle.NewStore(cfg.ThrottleRPS, cfg.ThrottleBurst)
		throttleStore.StartJanitor(ctx)
		h = throttle.Middleware(throttle.Options{
			Store:     throttleStore,
			KeyHeader: cfg.KeyHeader,
		})(h)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	var admin *http.Server
	if cfg.AdminAddr != "" {
		admin = &http.Server{
			Addr:              cfg.AdminAddr,
			Handler:           adminRouter(store, memStats, reaper),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Infof("admin listening on %s", cfg.AdminAddr)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("admin server error: %v", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if admin != nil {
			_ = admin.Shutdown(shutdownCtx)
		}
	}()

	log.Infof("gateway listening on %s -> %s", cfg.ListenAddr, target)
	log.Infof("idempotency: backend=%s ttl=%s wait=%s requireKey=%v failOpen=%v", cfg.StoreBackend, cfg.TTL, cfg.Wait, cfg.RequireKey, cfg.FailOpen)
	log.Infof("concurrency: max=%d acquireTimeout=%s", cfg.ConcurrencyMax, cfg.ConcurrencyTimeout)
	log.Infof("reaper: every=%s maxInFlight=%s", cfg.ReapEvery, cfg.MaxInFlight)
	log.Infof("throttle: enabled=%v rps=%.3f burst=%d", cfg.ThrottleEnabled, cfg.ThrottleRPS, cfg.ThrottleBurst)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}

func loadConfig() (config, error) {
	if os.Getenv("ENV") != "production" {
		// best-effort em desenvolvimento; produção injeta env de verdade.
		_ = godotenv.Load(".env")
	}

	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		return config{}, err
	}

	if cfg.TTL <= 0 {
		return config{}, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.ConcurrencyMax < 0 {
		return config{}, errors.New("CONCURRENCY_MAX must be >= 0")
	}
	if needsRedis(cfg) && strings.TrimSpace(cfg.RedisAddr) == "" {
		return config{}, errors.New("REDIS_ADDR is required when a redis backend is selected")
	}
	if cfg.ThrottleEnabled && cfg.ThrottleRPS <= 0 {
		return config{}, errors.New("THROTTLE_RPS must be > 0")
	}
	return cfg, nil
}

func needsRedis(cfg config) bool {
	return strings.EqualFold(cfg.StoreBackend, "redis") ||
		(cfg.StatsEnabled && strings.EqualFold(cfg.StatsBackend, "redis"))
}

func buildStore(cfg config, rdb *redis.Client) (domain.Store, error) {
	var store domain.Store
	if strings.EqualFold(cfg.StoreBackend, "redis") {
		store = infra.NewRedisStore(rdb, infra.WithPrefix(cfg.StorePrefix))
	} else {
		store = infra.NewMemoryStore()
	}

	if cfg.CacheTerminal {
		cached, err := infra.NewCachedStore(store)
		if err != nil {
			return nil, err
		}
		store = cached
	}
	return store, nil
}

// adminRouter expõe diagnóstico fora da porta de tráfego:
// healthcheck, contadores de decisão e consulta de registro por chave.
func adminRouter(store domain.Store, memStats *infra.MemoryStatsStore, reaper *application.Reaper) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		if memStats == nil {
			http.Error(w, "stats not tracked in memory", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{
			"total":        memStats.Total(),
			"by_operation": memStats.ByOperation(),
			"by_key":       memStats.ByKey(),
		})
	})

	r.Get("/keys", func(w http.ResponseWriter, r *http.Request) {
		operation := r.URL.Query().Get("operation")
		key := r.URL.Query().Get("key")
		if operation == "" || key == "" {
			http.Error(w, "operation and key query params are required", http.StatusBadRequest)
			return
		}

		rec, ok, err := store.Get(r.Context(), domain.Key{Operation: operation, Value: key})
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if !ok {
			http.Error(w, "record not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{
			"key":          rec.Key.String(),
			"status":       rec.Status,
			"payload_hash": rec.PayloadHash,
			"created_at":   rec.CreatedAt,
			"expires_at":   rec.ExpiresAt,
		})
	})

	r.Post("/sweep", func(w http.ResponseWriter, r *http.Request) {
		reaper.Sweep(r.Context())
		w.WriteHeader(http.StatusAccepted)
	})

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
