// Package application contém os casos de uso do gateway: a avaliação de rate
// limit por janela deslizante (Limiter.Evaluate) e o limite de concorrência.
//
// Depende apenas do pacote domain e não conhece net/http.
// Ex.: Limiter.Evaluate(ctx, policy, identity, now) retorna um domain.Result.
package application
