package domain

import (
	"context"
	"errors"
)

// ErrSaturated indica que o grupo de rotas não tinha vaga livre dentro do
// tempo de espera.
var ErrSaturated = errors.New("ratelimit: route group saturated")

// SlotPool é o semáforo de um grupo de rotas (ex: "maps" protege a cota da
// API de mapas, "default" o resto do upstream).
//
// Acquire bloqueia até obter uma vaga ou até o ctx encerrar. O release
// retornado é idempotente.
type SlotPool interface {
	Acquire(ctx context.Context) (release func(), ok bool)
	InUse() int
	Cap() int
}

// ConcurrencyMetrics recebe as rejeições de cada grupo e a variação de
// vagas ocupadas (+1 ao entrar, -1 ao sair).
type ConcurrencyMetrics interface {
	Rejected(group string)
	InFlight(group string, delta int)
}
