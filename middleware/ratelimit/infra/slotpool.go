package infra

import (
	"context"
	"sync"
	"sync/atomic"

	"terrains-gateway/middleware/ratelimit/domain"
)

// SlotPool é um semáforo em channel com contagem de vagas ocupadas.
type SlotPool struct {
	sem   chan struct{}
	inUse atomic.Int64
}

var _ domain.SlotPool = (*SlotPool)(nil)

// NewSlotPool cria um pool com max vagas (mínimo 1).
func NewSlotPool(max int) *SlotPool {
	if max < 1 {
		max = 1
	}
	return &SlotPool{sem: make(chan struct{}, max)}
}

func (p *SlotPool) Acquire(ctx context.Context) (func(), bool) {
	// vaga livre entra mesmo com ctx já encerrado
	select {
	case p.sem <- struct{}{}:
	default:
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, false
		}
	}
	p.inUse.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			p.inUse.Add(-1)
			<-p.sem
		})
	}, true
}

func (p *SlotPool) InUse() int { return int(p.inUse.Load()) }

func (p *SlotPool) Cap() int { return cap(p.sem) }
