package idempotency

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"idempotency-gateway/middleware/idempotency/application"
	"idempotency-gateway/middleware/idempotency/domain"
	"idempotency-gateway/middleware/idempotency/infra"
)

func newTestCoordinator() *application.Coordinator {
	return &application.Coordinator{Store: infra.NewMemoryStore()}
}

func postWithKey(target, key, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	r.Header.Set(DefaultKeyHeader, key)
	r.RemoteAddr = "10.0.0.1:1234"
	return r
}

func TestMiddleware_DuplicateReplaysWithoutReexecuting(t *testing.T) {
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"orderId":42}`)
	})

	h := Middleware(Options{Coordinator: newTestCoordinator(), TTL: time.Hour})(next)

	// 1) primeira executa de verdade
	w1 := httptest.NewRecorder()
	h.ServeHTTP(w1, postWithKey("http://example/orders", "order-42", `{"item":"abc"}`))
	if w1.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w1.Code)
	}
	if got := w1.Header().Get(ReplayHeader); got != "" {
		t.Fatalf("first response must not be marked as replay, got %q", got)
	}

	// 2) duplicata recebe resposta idêntica sem o handler rodar de novo
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, postWithKey("http://example/orders", "order-42", `{"item":"abc"}`))
	if w2.Code != http.StatusCreated {
		t.Fatalf("expected 201 on replay, got %d", w2.Code)
	}
	if w2.Body.String() != `{"orderId":42}` {
		t.Fatalf("expected byte-identical body, got %q", w2.Body.String())
	}
	if got := w2.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected replayed Content-Type, got %q", got)
	}
	if got := w2.Header().Get(ReplayHeader); got != "true" {
		t.Fatalf("expected %s=true, got %q", ReplayHeader, got)
	}

	if calls != 1 {
		t.Fatalf("expected handler to be called once, got %d", calls)
	}
}

func TestMiddleware_KeyReuseWithDifferentPayloadConflicts(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	h := Middleware(Options{Coordinator: newTestCoordinator(), TTL: time.Hour})(next)

	w1 := httptest.NewRecorder()
	h.ServeHTTP(w1, postWithKey("http://example/orders", "order-42", `{"item":"abc"}`))
	if w1.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w1.Code)
	}

	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, postWithKey("http://example/orders", "order-42", `{"item":"xyz"}`))
	if w2.Code != http.StatusConflict {
		t.Fatalf("expected 409 for key reuse with different payload, got %d", w2.Code)
	}
}

func TestMiddleware_InFlightDuplicateGets425(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var startedOnce sync.Once

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedOnce.Do(func() { close(started) })
		<-release
		w.WriteHeader(http.StatusCreated)
	})

	h := Middleware(Options{Coordinator: newTestCoordinator(), TTL: time.Hour})(next)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w1 := httptest.NewRecorder()
		h.ServeHTTP(w1, postWithKey("http://example/orders", "order-42", `{"item":"abc"}`))
		if w1.Code != http.StatusCreated {
			t.Errorf("expected first request 201, got %d", w1.Code)
		}
	}()

	select {
	case <-started:
	case <-time.After(200 * time.Millisecond):
		close(release)
		wg.Wait()
		t.Fatalf("timeout waiting first request to start")
	}

	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, postWithKey("http://example/orders", "order-42", `{"item":"abc"}`))
	if w2.Code != http.StatusTooEarly {
		t.Fatalf("expected 425 while original is in flight, got %d", w2.Code)
	}

	close(release)
	wg.Wait()
}

func TestMiddleware_ServerErrorAllowsRetry(t *testing.T) {
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "done")
	})

	h := Middleware(Options{Coordinator: newTestCoordinator(), TTL: time.Hour})(next)

	// 5xx é falha retryable por default: o chamador vê o erro real...
	w1 := httptest.NewRecorder()
	h.ServeHTTP(w1, postWithKey("http://example/pay", "pay-7", `{"amount":10}`))
	if w1.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 passed through, got %d", w1.Code)
	}

	// ...e a mesma chave pode re-tentar e concluir.
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, postWithKey("http://example/pay", "pay-7", `{"amount":10}`))
	if w2.Code != http.StatusCreated {
		t.Fatalf("expected 201 on retry, got %d", w2.Code)
	}
	if calls != 2 {
		t.Fatalf("expected handler to run twice, got %d", calls)
	}
}

func TestMiddleware_ClientErrorIsRecordedOutcome(t *testing.T) {
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "invalid item", http.StatusUnprocessableEntity)
	})

	h := Middleware(Options{Coordinator: newTestCoordinator(), TTL: time.Hour})(next)

	w1 := httptest.NewRecorder()
	h.ServeHTTP(w1, postWithKey("http://example/orders", "order-42", `{"item":""}`))
	if w1.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w1.Code)
	}

	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, postWithKey("http://example/orders", "order-42", `{"item":""}`))
	if w2.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected replayed 422, got %d", w2.Code)
	}
	if got := w2.Header().Get(ReplayHeader); got != "true" {
		t.Fatalf("expected replay marker, got %q", got)
	}
	if calls != 1 {
		t.Fatalf("4xx outcome is recorded, handler must run once, got %d", calls)
	}
}

func TestMiddleware_MissingKeyPassesThroughUnlessRequired(t *testing.T) {
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	})

	h := Middleware(Options{Coordinator: newTestCoordinator(), TTL: time.Hour})(next)

	r := httptest.NewRequest(http.MethodPost, "http://example/orders", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusCreated || calls != 1 {
		t.Fatalf("expected pass-through without key, code=%d calls=%d", w.Code, calls)
	}

	strict := Middleware(Options{Coordinator: newTestCoordinator(), TTL: time.Hour, RequireKey: true})(next)
	w2 := httptest.NewRecorder()
	strict.ServeHTTP(w2, httptest.NewRequest(http.MethodPost, "http://example/orders", strings.NewReader("{}")))
	if w2.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when key is required, got %d", w2.Code)
	}
}

func TestMiddleware_NonMutatingMethodsBypass(t *testing.T) {
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})

	h := Middleware(Options{Coordinator: newTestCoordinator(), TTL: time.Hour})(next)

	for i := 0; i < 2; i++ {
		r := httptest.NewRequest(http.MethodGet, "http://example/orders", nil)
		r.Header.Set(DefaultKeyHeader, "order-42")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("GET must bypass dedup, expected 2 calls, got %d", calls)
	}
}

// downStore simula backend fora do ar.
type downStore struct{}

func (downStore) BeginOrGet(context.Context, domain.Key, string, time.Duration) (domain.BeginResult, error) {
	return domain.BeginResult{}, fmt.Errorf("%w: connection refused", domain.ErrStorageUnavailable)
}
func (downStore) Complete(context.Context, domain.Handle, domain.Status, []byte) (domain.Record, error) {
	return domain.Record{}, domain.ErrStorageUnavailable
}
func (downStore) Delete(context.Context, domain.Handle) error { return domain.ErrStorageUnavailable }
func (downStore) Get(context.Context, domain.Key) (domain.Record, bool, error) {
	return domain.Record{}, false, domain.ErrStorageUnavailable
}
func (downStore) EvictExpired(context.Context, time.Time) (int, error) {
	return 0, domain.ErrStorageUnavailable
}
func (downStore) PendingSince(context.Context, time.Time) ([]domain.Record, error) {
	return nil, domain.ErrStorageUnavailable
}

func TestMiddleware_StorageDownFailsClosedByDefault(t *testing.T) {
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	})

	h := Middleware(Options{
		Coordinator: &application.Coordinator{Store: downStore{}},
		TTL:         time.Hour,
	})(next)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, postWithKey("http://example/orders", "order-42", "{}"))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 failing closed, got %d", w.Code)
	}
	if calls != 0 {
		t.Fatalf("failing closed must not reach the handler, got %d calls", calls)
	}
}

func TestMiddleware_StorageDownFailOpenPassesThrough(t *testing.T) {
	calls := 0
	var seenBody string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
		w.WriteHeader(http.StatusCreated)
	})

	h := Middleware(Options{
		Coordinator: &application.Coordinator{Store: downStore{}},
		TTL:         time.Hour,
		FailOpen:    true,
	})(next)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, postWithKey("http://example/orders", "order-42", `{"item":"abc"}`))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 failing open, got %d", w.Code)
	}
	if calls != 1 {
		t.Fatalf("failing open must reach the handler once, got %d", calls)
	}
	if seenBody != `{"item":"abc"}` {
		t.Fatalf("body must be restored after hashing, got %q", seenBody)
	}
}

// completeFailStore concede posse, mas o backend cai antes de gravar o
// resultado terminal.
type completeFailStore struct{ domain.Store }

func (completeFailStore) Complete(context.Context, domain.Handle, domain.Status, []byte) (domain.Record, error) {
	return domain.Record{}, fmt.Errorf("%w: connection reset", domain.ErrStorageUnavailable)
}

func TestMiddleware_StoreFailsAfterExecutionServesResultWithoutRerun(t *testing.T) {
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"orderId":42}`)
	})

	h := Middleware(Options{
		Coordinator: &application.Coordinator{Store: completeFailStore{Store: infra.NewMemoryStore()}},
		TTL:         time.Hour,
		FailOpen:    true,
	})(next)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, postWithKey("http://example/orders", "order-42", "{}"))

	if calls != 1 {
		t.Fatalf("handler executions for one request: %d, want 1", calls)
	}
	if w.Code != http.StatusCreated {
		t.Fatalf("expected the produced 201 despite the storage failure, got %d", w.Code)
	}
	if got := w.Body.String(); got != `{"orderId":42}` {
		t.Fatalf("expected the produced body to be served, got %q", got)
	}
}

// brokenBody simula um cliente que morre no meio do upload.
type brokenBody struct{}

func (brokenBody) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestMiddleware_BodyReadErrorIsNotConfusedWithTooLarge(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run when the body cannot be read")
	})

	h := Middleware(Options{Coordinator: newTestCoordinator(), TTL: time.Hour})(next)

	r := httptest.NewRequest(http.MethodPost, "http://example/orders", brokenBody{})
	r.Header.Set(DefaultKeyHeader, "order-42")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a broken body stream, got %d", w.Code)
	}
}

func TestMiddleware_BodyOverLimitReturns413(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run for an oversized body")
	})

	h := Middleware(Options{
		Coordinator:  newTestCoordinator(),
		TTL:          time.Hour,
		MaxBodyBytes: 8,
	})(next)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, postWithKey("http://example/orders", "order-42", strings.Repeat("x", 9)))

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized body, got %d", w.Code)
	}
}

func TestMiddleware_NilCoordinatorPassesThrough(t *testing.T) {
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	})

	h := Middleware(Options{})(next)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, postWithKey("http://example/orders", "order-42", "{}"))

	if w.Code != http.StatusCreated {
		t.Fatalf("expected pass-through without a coordinator, got %d", w.Code)
	}
	if calls != 1 {
		t.Fatalf("expected the handler to run once, got %d", calls)
	}
}
