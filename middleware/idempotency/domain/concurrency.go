package domain

import "context"

// SlotPool limita quantas operações de negócio executam ao mesmo tempo.
//
// A semântica é: Acquire bloqueia até conseguir uma vaga ou até o ctx encerrar.
// Ao adquirir, retorna uma função de release que deve ser chamada exatamente
// uma vez. Duplicatas em espera não consomem vaga; só o executor consome.
type SlotPool interface {
	Acquire(ctx context.Context) (release func(), ok bool)
}
