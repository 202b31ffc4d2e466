// Package cache é um cache JSON sobre Redis para respostas de API e
// resultados caros (mapas, listagens).
//
// Sem Redis configurado o cache fica desligado e tudo passa direto.
package cache
