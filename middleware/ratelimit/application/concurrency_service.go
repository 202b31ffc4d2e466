package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"terrains-gateway/middleware/ratelimit/domain"
)

// Bulkhead limita quantas requisições de um grupo de rotas seguem para o
// upstream ao mesmo tempo. Grupos diferentes não disputam vagas entre si:
// rajada em /api/maps não derruba a listagem de anúncios. Não conhece HTTP.
type Bulkhead struct {
	Group   string
	Pool    domain.SlotPool
	Wait    time.Duration
	Metrics domain.ConcurrencyMetrics
}

// Enter reserva uma vaga e devolve a função que a devolve.
//
// Wait <= 0 espera até o ctx do chamador encerrar. Sem pool, sempre entra.
// Sem vaga, o erro envolve domain.ErrSaturated.
func (b Bulkhead) Enter(ctx context.Context) (leave func(), err error) {
	if b.Pool == nil {
		return func() {}, nil
	}
	if b.Wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Wait)
		defer cancel()
	}

	release, ok := b.Pool.Acquire(ctx)
	if !ok {
		if b.Metrics != nil {
			b.Metrics.Rejected(b.Group)
		}
		return nil, fmt.Errorf("%w: %s (%d in flight)", domain.ErrSaturated, b.Group, b.Pool.InUse())
	}
	b.inFlight(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			release()
			b.inFlight(-1)
		})
	}, nil
}

func (b Bulkhead) inFlight(delta int) {
	if b.Metrics != nil {
		b.Metrics.InFlight(b.Group, delta)
	}
}
