package domain

import (
	"context"
	"time"
)

// Outcome classifica o desfecho de uma passagem pelo coordenador.
type Outcome string

const (
	// OutcomeExecuted: a operação real foi invocada por esta chamada.
	OutcomeExecuted Outcome = "executed"
	// OutcomeReplayed: resultado terminal devolvido sem re-executar.
	OutcomeReplayed Outcome = "replayed"
	// OutcomeInFlight: duplicata rejeitada com a original ainda executando.
	OutcomeInFlight Outcome = "in_flight"
	// OutcomeMismatch: mesma chave com payload diferente.
	OutcomeMismatch Outcome = "mismatch"
	// OutcomeError: falha de storage ou de capacidade.
	OutcomeError Outcome = "error"
)

// StatsEvent representa um evento de decisão do coordenador.
//
// Ele é propositalmente agnóstico de HTTP: Operation é uma string genérica
// (ex: "POST /orders") e serve para web, mensageria, etc.
//
// Observação: cuidado com cardinalidade — gravar Key sem controle pode
// explodir o número de chaves no backend de estatísticas.
type StatsEvent struct {
	Key       Key
	Operation string
	Outcome   Outcome

	At time.Time
}

// StatsStore é a estratégia de persistência para estatísticas de deduplicação.
//
// Implementações podem armazenar em Redis, memória, etc. Quem chama deve
// tratar erro como best-effort (não derrubar request).
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}
