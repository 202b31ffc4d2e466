// Package redistest sobe Redis para testes: miniredis em processo por
// padrão, ou o servidor de REDIS_ADDR quando definido.
package redistest

import (
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// Server sobe um miniredis que vive até o fim do teste.
func Server(t testing.TB) *miniredis.Miniredis {
	t.Helper()
	return miniredis.RunT(t)
}

// Client devolve um client para um Redis limpo. Com REDIS_ADDR o teste
// roda contra o servidor real (o banco é esvaziado no início).
func Client(t testing.TB) *redis.Client {
	t.Helper()
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c := NewClient(t, addr)
		if err := c.FlushDB(t.Context()).Err(); err != nil {
			t.Fatalf("flush %s: %v", addr, err)
		}
		return c
	}
	return NewClient(t, Server(t).Addr())
}

// NewClient abre um client com os deadlines de contexto respeitados, igual
// ao gateway em produção.
func NewClient(t testing.TB, addr string) *redis.Client {
	t.Helper()
	c := redis.NewClient(&redis.Options{
		Addr:                  addr,
		ContextTimeoutEnabled: true,
		MaxRetries:            -1,
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// HungAddr abre um listener TCP que aceita conexões e nunca responde:
// simula um Redis travado (rede particionada, servidor em swap).
func HungAddr(t testing.TB) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		<-done
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}

// HungClient é um client apontado para HungAddr. Sem deadline no contexto
// as chamadas só voltam pelo ReadTimeout, longo de propósito.
func HungClient(t testing.TB) *redis.Client {
	t.Helper()
	c := redis.NewClient(&redis.Options{
		Addr:                  HungAddr(t),
		ContextTimeoutEnabled: true,
		MaxRetries:            -1,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}
