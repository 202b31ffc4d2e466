// Package domain define contratos e tipos de domínio do rate limit por janela
// deslizante: Policy e a tabela de políticas, Identity, Result, o CounterStore
// atômico e os sinais de estatística/métrica.
//
// Este pacote não depende de net/http nem de implementações concretas.
package domain
