// Package infra contém implementações concretas (infraestrutura) para os
// contratos definidos no pacote domain.
//
// Exemplos:
//   - MemoryStore: mapa protegido por mutex, válido para um único processo
//   - RedisStore: check-and-insert atômico via scripts Lua (go-redis)
//   - CachedStore: frente ristretto para registros terminais imutáveis
//   - ChanPool: semáforo simples para limite de execuções concorrentes
package infra
