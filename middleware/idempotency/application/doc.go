// Package application contém os casos de uso (regras de aplicação) da
// deduplicação de requisições.
//
// Ele depende apenas do pacote domain e não conhece net/http.
// Ex.: Coordinator.Execute(op, key, hash, ttl, fn) garante no máximo uma
// execução real por chave dentro da janela de TTL.
package application
