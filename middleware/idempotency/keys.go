package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// DefaultKeyHeader é onde o protocolo carrega a chave de idempotência.
const DefaultKeyHeader = "X-Idempotency-Key"

// KeyFunc extrai a chave de idempotência da requisição. Vazio = sem chave.
type KeyFunc func(r *http.Request) string

// OperationFunc identifica o tipo de operação. A chave final é escopada por
// esse identificador, para que "order-42" em rotas diferentes não colida.
type OperationFunc func(r *http.Request) string

func HeaderKeyFunc(header string) KeyFunc {
	if header == "" {
		header = DefaultKeyHeader
	}
	return func(r *http.Request) string {
		return strings.TrimSpace(r.Header.Get(header))
	}
}

func DefaultOperationFunc(r *http.Request) string {
	return r.Method + " " + r.URL.Path
}

// PayloadHash produz o hash estável do corpo usado na detecção de reuso de
// chave com payload diferente. Corpo vazio vira hash vazio: requisições sem
// payload não participam da checagem de conflito.
func PayloadHash(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
