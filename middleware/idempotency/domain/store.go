package domain

import (
	"context"
	"time"
)

// Store é o mapeamento chave -> Record com expiração por TTL.
//
// Implementações precisam garantir que BeginOrGet seja um único
// check-and-insert atômico: duas chamadas simultâneas com a mesma chave nunca
// podem ambas receber Began. Uma leitura seguida de uma escrita separada
// reintroduz exatamente a corrida que este contrato existe para fechar.
//
// A checagem de TTL em tempo de leitura é a autoridade: um registro terminal
// expirado mas ainda não varrido deve ser tratado como ausente por BeginOrGet
// e por Get. EvictExpired é apenas recuperação de memória.
//
// Indisponibilidade do backend é sinalizada embrulhando ErrStorageUnavailable;
// decidir entre fail-open e fail-closed é política do chamador, não do store.
type Store interface {
	// BeginOrGet checa atomicamente se key existe e não expirou. Se ausente,
	// insere um registro pending com ExpiresAt = now+ttl e retorna Began com o
	// handle de posse exclusiva. Se presente, retorna o registro sem mutação.
	BeginOrGet(ctx context.Context, key Key, payloadHash string, ttl time.Duration) (BeginResult, error)

	// Complete transiciona um registro pending (obtido via Began) para estado
	// terminal, gravando Result ou ErrorInfo. Retorna ErrInvalidHandle se o
	// registro foi removido ou concluído por outro caminho.
	Complete(ctx context.Context, h Handle, status Status, payload []byte) (Record, error)

	// Delete remove um registro pending de posse do chamador (política de
	// falha retryable). Retorna ErrInvalidHandle se a posse não confere.
	Delete(ctx context.Context, h Handle) error

	// Get é leitura pura, para diagnóstico e testes.
	Get(ctx context.Context, key Key) (Record, bool, error)

	// EvictExpired remove registros terminais com ExpiresAt <= now e retorna
	// quantos removeu. Nunca remove registros pending.
	EvictExpired(ctx context.Context, now time.Time) (int, error)

	// PendingSince lista registros pending criados até cutoff, para o alarme
	// de execução travada do reaper.
	PendingSince(ctx context.Context, cutoff time.Time) ([]Record, error)
}
