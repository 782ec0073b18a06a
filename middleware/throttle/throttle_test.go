package throttle

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestMiddleware_AllowsThenShedsSameKey(t *testing.T) {
	store := NewStore(0.02, 1)

	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})

	h := Middleware(Options{Store: store})(next)

	r1 := httptest.NewRequest(http.MethodPost, "http://example/orders", nil)
	r1.Header.Set("X-Idempotency-Key", "order-42")
	w1 := httptest.NewRecorder()
	h.ServeHTTP(w1, r1)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w1.Code)
	}

	// segunda com a mesma chave deve ser contida (burst=1 e rps bem baixo)
	r2 := httptest.NewRequest(http.MethodPost, "http://example/orders", nil)
	r2.Header.Set("X-Idempotency-Key", "order-42")
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, r2)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w2.Code)
	}

	retryAfter := w2.Header().Get("Retry-After")
	if retryAfter == "" {
		t.Fatalf("expected Retry-After header to be set")
	}
	if secs, err := strconv.Atoi(retryAfter); err != nil || secs < 1 {
		t.Fatalf("expected Retry-After >= 1 second, got %q", retryAfter)
	}

	if calls != 1 {
		t.Fatalf("expected next handler to be called once, got %d", calls)
	}
}

func TestMiddleware_DifferentKeysDoNotShareBucket(t *testing.T) {
	store := NewStore(0.02, 1)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	h := Middleware(Options{Store: store})(next)

	for _, key := range []string{"k1", "k2"} {
		r := httptest.NewRequest(http.MethodPost, "http://example/", nil)
		r.Header.Set("X-Idempotency-Key", key)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200 for key %s, got %d", key, w.Code)
		}
	}
}

func TestMiddleware_MissingKeyPassesThrough(t *testing.T) {
	store := NewStore(0.02, 1)

	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})

	h := Middleware(Options{Store: store})(next)

	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodPost, "http://example/", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200 without key, got %d", w.Code)
		}
	}
	if calls != 3 {
		t.Fatalf("requests without key must never be shed, got %d calls", calls)
	}
}

func TestMiddleware_NilStoreDisables(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	h := Middleware(Options{})(next)

	r := httptest.NewRequest(http.MethodPost, "http://example/", nil)
	r.Header.Set("X-Idempotency-Key", "k")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected middleware disabled, got %d", w.Code)
	}
}

func TestStore_GetSameKeyReturnsSameLimiter(t *testing.T) {
	s := NewStore(10, 1)

	l1 := s.Get("k")
	l2 := s.Get("k")
	if l1 != l2 {
		t.Fatalf("expected same limiter pointer for same key")
	}
}

func TestStore_CleanupRemovesIdleEntries(t *testing.T) {
	s := NewStore(10, 1, WithIdleTTL(2*time.Millisecond), WithCleanupEvery(0))

	before := s.Get("k")
	time.Sleep(4 * time.Millisecond)

	s.Cleanup()

	after := s.Get("k")
	if before == after {
		t.Fatalf("expected limiter to be recreated after cleanup")
	}
}
