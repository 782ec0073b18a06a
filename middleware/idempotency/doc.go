// Package idempotency fornece o adapter HTTP (net/http) para deduplicação de
// requisições com chave de idempotência.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: casos de uso (single-flight, políticas de falha, reaper)
//   - infra: implementações concretas (memória, Redis, frente ristretto)
//   - idempotency (este pacote): middleware HTTP + extração de chave/hash do
//     payload + captura/replay de resposta + tradução de erros para status
//
// Fluxo no gateway:
//
//  1. Extrai a chave do header X-Idempotency-Key e o hash sha256 do corpo
//  2. Chama a camada application; o primeiro chamador executa o handler real
//  3. Duplicata com resultado registrado recebe a resposta idêntica, com o
//     header X-Idempotent-Replay, sem o handler executar de novo
//  4. Conflito de payload responde 409; original em andamento, 425; storage
//     fora, 503 (ou passa adiante se configurado fail-open)
//
// Variáveis de ambiente do binário gateway (cmd/gateway) controlam o
// comportamento, como IDEMPOTENCY_TTL, IDEMPOTENCY_WAIT e STORE_BACKEND.
package idempotency
