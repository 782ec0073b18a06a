// Package throttle fornece um middleware HTTP de contenção de tempestade de
// retries, por chave de idempotência.
//
// Ele fica na frente do coordenador de deduplicação: um cliente reenviando a
// mesma chave em loop é barrado com 429 e Retry-After dinâmico antes de
// tocar o store, via token bucket por chave (golang.org/x/time/rate).
//
// Requisições sem chave de idempotência passam direto: o objetivo aqui não é
// rate limit geral por cliente, é proteger o caminho de deduplicação.
package throttle
