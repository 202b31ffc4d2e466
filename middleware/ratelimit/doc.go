// Package ratelimit fornece adapters HTTP (net/http) para rate limit e limite de concorrência.
//
// Visão geral (camadas):
//
//   - domain: políticas, identidade, Result e contratos de store (sem net/http)
//   - application: Limiter (janela deslizante, fail-open) e Bulkhead (vagas por grupo de rotas)
//   - infra: Redis, memória, Prometheus, semáforo
//   - ratelimit (este pacote): middlewares HTTP, extração de identidade, 429/headers
//
// Fluxo por requisição:
//
//  1. Deriva a identidade (token > X-Forwarded-For > X-Real-IP > anônimo)
//  2. Avalia a política no Limiter (store compartilhado entre instâncias)
//  3. Negado: 429 com corpo JSON, X-RateLimit-* e Retry-After
//  4. Permitido: X-RateLimit-* e segue para o próximo handler
//
// Store indisponível nunca bloqueia: a requisição passa (fail-open).
package ratelimit
