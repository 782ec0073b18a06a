package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"idempotency-gateway/middleware/idempotency/application"
	"idempotency-gateway/middleware/idempotency/domain"

	"github.com/sirupsen/logrus"
)

type Options struct {
	Coordinator *application.Coordinator

	// KeyHeader de onde extrair a chave. Default X-Idempotency-Key.
	KeyHeader string
	KeyFn     KeyFunc
	// RequireKey: quando true, requisições elegíveis sem chave recebem 400.
	// Quando false, passam direto sem deduplicação.
	RequireKey bool

	// TTL de retenção do resultado registrado. Default 24h.
	TTL time.Duration

	// Methods elegíveis. Default: POST, PUT, PATCH, DELETE (métodos com
	// efeito colateral; GET/HEAD já são idempotentes por contrato HTTP).
	Methods []string

	OperationFn OperationFunc

	// MaxBodyBytes limita o corpo lido para o hash. Default 1MiB.
	MaxBodyBytes int64

	// FailOpen: com o storage fora, true deixa a requisição passar sem a
	// garantia (logado, nunca silencioso); false responde 503.
	FailOpen bool

	Stats domain.StatsStore
	Log   logrus.FieldLogger
}

func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.Coordinator == nil {
		// sem coordenador não há deduplicação: passa direto.
		return func(next http.Handler) http.Handler { return next }
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.KeyFn == nil {
		opts.KeyFn = HeaderKeyFunc(opts.KeyHeader)
	}
	if opts.OperationFn == nil {
		opts.OperationFn = DefaultOperationFunc
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if len(opts.Methods) == 0 {
		opts.Methods = []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}
	}
	eligible := make(map[string]bool, len(opts.Methods))
	for _, m := range opts.Methods {
		eligible[m] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !eligible[r.Method] {
				next.ServeHTTP(w, r)
				return
			}

			key := opts.KeyFn(r)
			if key == "" {
				if opts.RequireKey {
					http.Error(w, DefaultKeyHeader+" header is required", http.StatusBadRequest)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			body, err := readBody(r, opts.MaxBodyBytes)
			if err != nil {
				if errors.Is(err, errTooLarge) {
					http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
					return
				}
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}

			operation := opts.OperationFn(r)
			res, err := opts.Coordinator.Execute(r.Context(), operation, key, PayloadHash(body), opts.TTL,
				func(ctx context.Context) ([]byte, error) {
					rec := newRecorder()
					r2 := r.WithContext(ctx)
					r2.Body = io.NopCloser(bytes.NewReader(body))
					next.ServeHTTP(rec, r2)

					cap := rec.captured()
					encoded, encErr := cap.encode()
					if encErr != nil {
						return nil, encErr
					}
					if cap.StatusCode >= http.StatusInternalServerError {
						// 5xx é falha da operação: o destino do registro segue
						// a política de falha configurada para a operação.
						return nil, &upstreamError{captured: cap, encoded: encoded}
					}
					return encoded, nil
				})

			record(opts.Stats, r, key, operation, res, err)

			switch {
			case err == nil:
				writeOutcome(w, opts.Log, res)
			case errors.Is(err, domain.ErrKeyReuseMismatch):
				http.Error(w, "idempotency key conflict: request payload does not match previous request", http.StatusConflict)
			case errors.Is(err, domain.ErrConcurrentInFlight):
				http.Error(w, "request with this idempotency key is already being processed", http.StatusTooEarly)
			case errors.Is(err, domain.ErrCapacityExhausted):
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			case errors.Is(err, domain.ErrStorageUnavailable):
				if res.Executed {
					// o handler já rodou; o storage falhou só ao gravar o
					// registro. Entregar o resultado produzido, nunca
					// re-executar o efeito colateral na mesma requisição.
					opts.Log.WithError(err).Warn("idempotency: store unavailable after execution, serving local result without a record")
					writeOutcome(w, opts.Log, res)
					return
				}
				if opts.FailOpen {
					opts.Log.WithError(err).Warn("idempotency: store unavailable, failing open without dedup guarantee")
					r.Body = io.NopCloser(bytes.NewReader(body))
					next.ServeHTTP(w, r)
					return
				}
				opts.Log.WithError(err).Error("idempotency: store unavailable, failing closed")
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			default:
				var ue *upstreamError
				if errors.As(err, &ue) {
					// falha retryable: o registro foi descartado para permitir
					// novo attempt, mas este chamador recebe a resposta real.
					ue.captured.writeTo(w, false)
					return
				}
				opts.Log.WithError(err).Error("idempotency: execute failed")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		})
	}
}

// writeOutcome entrega o Record ao cliente: replay byte a byte para
// duplicatas, resposta recém-capturada para o executor.
func writeOutcome(w http.ResponseWriter, log logrus.FieldLogger, res application.Result) {
	raw := res.Record.Result
	if res.Record.Status == domain.StatusFailed {
		raw = res.Record.ErrorInfo
	}

	cap, ok := decodeCaptured(raw)
	if !ok {
		// registro gravado por outro transporte (ou corrompido): devolve o
		// payload cru em vez de perder a resposta.
		log.WithField("key", res.Record.Key.String()).Warn("idempotency: stored result is not a captured response")
		w.Header().Set("Content-Type", "application/octet-stream")
		if !res.Executed {
			w.Header().Set(ReplayHeader, "true")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(raw)
		return
	}
	cap.writeTo(w, !res.Executed)
}

func record(stats domain.StatsStore, r *http.Request, key, operation string, res application.Result, err error) {
	if stats == nil {
		return
	}

	outcome := domain.OutcomeError
	switch {
	case err == nil && res.Executed:
		outcome = domain.OutcomeExecuted
	case err == nil:
		outcome = domain.OutcomeReplayed
	case errors.Is(err, domain.ErrConcurrentInFlight):
		outcome = domain.OutcomeInFlight
	case errors.Is(err, domain.ErrKeyReuseMismatch):
		outcome = domain.OutcomeMismatch
	}

	_ = stats.Record(r.Context(), domain.StatsEvent{
		Key:       domain.Key{Operation: operation, Value: key},
		Operation: operation,
		Outcome:   outcome,
		At:        time.Now(),
	})
}

func readBody(r *http.Request, max int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(r.Body, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > max {
		return nil, errTooLarge
	}
	return body, nil
}

var errTooLarge = errors.New("request body exceeds limit")
