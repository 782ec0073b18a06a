package domain

// Camada de domínio da idempotência.
//
// Tipos e regras sobre o ciclo de vida de um resultado registrado, sem
// dependência de net/http nem de storage concreto.

import "time"

// Key identifica uma requisição lógica para fins de deduplicação.
//
// O escopo por Operation evita colisão quando o mesmo valor literal de chave
// é usado em operações diferentes (ex: "order-42" em POST /orders e em
// POST /payments são requisições distintas).
type Key struct {
	Operation string
	Value     string
}

func (k Key) String() string {
	return k.Operation + ":" + k.Value
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record é o resultado registrado de uma execução.
//
// Invariante: exatamente um entre Result e ErrorInfo está preenchido quando o
// status é terminal; nenhum dos dois enquanto pending.
type Record struct {
	Key         Key
	Status      Status
	PayloadHash string

	// Result só existe quando Status == StatusCompleted.
	Result []byte
	// ErrorInfo só existe quando Status == StatusFailed.
	ErrorInfo []byte

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Terminal indica se o registro já não pode mais mudar de estado.
func (r Record) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Expired indica se o registro deve ser tratado como ausente.
//
// O TTL governa apenas a retenção pós-conclusão: um registro pending nunca
// expira por TTL, porque a operação dona ainda pode estar executando e
// removê-lo permitiria uma duplicata re-executar o efeito colateral. O teto
// de execução (max in-flight) é responsabilidade do reaper, como alarme.
func (r Record) Expired(now time.Time) bool {
	return r.Terminal() && !r.ExpiresAt.After(now)
}

// Handle prova a posse exclusiva de um registro pending obtido via BeginOrGet.
//
// O Token impede que um dono atrasado conclua um registro que já foi removido
// e recriado por outra execução.
type Handle struct {
	Key   Key
	Token string
}

// BeginResult é o resultado de Store.BeginOrGet.
//
// Exatamente um dos dois lados vale: Began=true com Handle preenchido, ou
// Began=false com o Record existente (em qualquer estado).
type BeginResult struct {
	Began  bool
	Handle Handle
	Record Record
}

// FailurePolicy decide o destino de um registro quando a operação falha.
type FailurePolicy int

const (
	// PolicyRetryable remove o registro pending para que uma nova chamada com
	// a mesma chave possa tentar de novo (falha transitória, ex: timeout).
	// É o default: na dúvida, não envenenar a chave permanentemente.
	PolicyRetryable FailurePolicy = iota
	// PolicyPermanent grava FAILED com o erro, para que duplicatas recebam a
	// mesma falha de forma determinística (ex: payload rejeitado por validação).
	PolicyPermanent
)
