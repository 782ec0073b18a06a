package domain

import "errors"

// Taxonomia de erros do coordenador.
//
// Sempre compare com errors.Is: implementações embrulham estes sentinelas com
// contexto adicional (%w).
var (
	// ErrStorageUnavailable indica backend de storage inacessível. Nunca deve
	// ser tratado silenciosamente como "sem duplicata".
	ErrStorageUnavailable = errors.New("idempotency: storage unavailable")

	// ErrConcurrentInFlight indica que uma duplicata chegou enquanto a
	// execução original ainda está em andamento (ou o tempo de espera esgotou).
	ErrConcurrentInFlight = errors.New("idempotency: request already in flight")

	// ErrKeyReuseMismatch indica a mesma chave reutilizada com payload
	// diferente. É bug do cliente, não condição operacional.
	ErrKeyReuseMismatch = errors.New("idempotency: key reused with different payload")

	// ErrInvalidHandle indica violação de invariante interna (posse de um
	// registro que não existe mais). Sempre defeito, nunca esperado.
	ErrInvalidHandle = errors.New("idempotency: invalid record handle")

	// ErrCapacityExhausted indica que o limite de execuções concorrentes foi
	// atingido e nenhuma vaga abriu dentro do timeout.
	ErrCapacityExhausted = errors.New("idempotency: execution capacity exhausted")
)
