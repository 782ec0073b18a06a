package throttle

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// KeyFunc extrai a chave a ser contida. Vazio = requisição passa direto.
type KeyFunc func(r *http.Request) string

type Options struct {
	// Store de token buckets por chave. Nil desabilita o middleware.
	Store *Store

	// KeyHeader de onde extrair a chave. Default X-Idempotency-Key.
	KeyHeader string
	KeyFn     KeyFunc

	// RejectStatus na contenção. Default 429.
	RejectStatus int
}

func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.Store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.KeyFn == nil {
		header := opts.KeyHeader
		if header == "" {
			header = "X-Idempotency-Key"
		}
		opts.KeyFn = func(r *http.Request) string {
			return strings.TrimSpace(r.Header.Get(header))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := opts.KeyFn(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			// Reserve em vez de Allow para calcular um Retry-After honesto a
			// partir do próprio bucket, em vez de um valor fixo de config.
			res := opts.Store.Get(key).Reserve()
			if res.OK() && res.Delay() == 0 {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := time.Duration(0)
			if res.OK() {
				retryAfter = res.Delay()
				res.Cancel()
			}
			w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
			http.Error(w, http.StatusText(opts.RejectStatus), opts.RejectStatus)
		})
	}
}

// retryAfterSeconds arredonda para cima e nunca abaixo de 1: Retry-After=0
// convida o cliente a re-tentar imediatamente, que é o que queremos conter.
func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
