// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - RedisCounterStore: sliding log em sorted set (MULTI/EXEC)
//   - MemoryCounterStore: mesma semântica em memória, para testes/dev
//   - RedisStatsStore / MemoryStatsStore: contadores de decisão
//   - PrometheusMetrics: métricas de decisão e latência do store
//   - ChanPool: semáforo simples para limite de concorrência
package infra
