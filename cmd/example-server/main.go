package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"idempotency-gateway/middleware/idempotency"
	"idempotency-gateway/middleware/idempotency/application"
	"idempotency-gateway/middleware/idempotency/infra"

	log "github.com/sirupsen/logrus"
)

func main() {
	// Exemplo: injetando o middleware diretamente no seu webserver (sem proxy)
	store := infra.NewMemoryStore()

	coordinator := &application.Coordinator{
		Store:       store,
		Pool:        infra.NewChanPool(50),
		Wait:        application.WaitResolve,
		WaitTimeout: 5 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reaper := &application.Reaper{Store: store, Every: time.Minute, MaxInFlight: 5 * time.Minute}
	reaper.Start(ctx)

	var orders atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /orders", func(w http.ResponseWriter, r *http.Request) {
		// reenvie com o mesmo X-Idempotency-Key e o id não avança
		id := orders.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]int64{"orderId": id})
	})

	h := http.Handler(mux)
	h = idempotency.Middleware(idempotency.Options{
		Coordinator: coordinator,
		RequireKey:  true,
		TTL:         time.Hour,
	})(h)

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("example server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}
