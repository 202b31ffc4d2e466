package domain

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy é a configuração imutável de uma classe de operação protegida.
// Construída uma vez no startup via NewPolicy e referenciada por nome.
type Policy struct {
	name      string
	window    time.Duration
	max       int
	keyPrefix string
}

// NewPolicy valida e constrói uma Policy. keyPrefix vazio usa o nome.
func NewPolicy(name string, window time.Duration, max int, keyPrefix string) (Policy, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Policy{}, fmt.Errorf("%w: empty name", ErrInvalidPolicy)
	}
	if window < time.Millisecond {
		return Policy{}, fmt.Errorf("%w: %s: window must be >= 1ms, got %s", ErrInvalidPolicy, name, window)
	}
	if max <= 0 {
		return Policy{}, fmt.Errorf("%w: %s: max must be > 0, got %d", ErrInvalidPolicy, name, max)
	}
	keyPrefix = strings.TrimSpace(keyPrefix)
	if keyPrefix == "" {
		keyPrefix = name
	}
	return Policy{
		name:      name,
		window:    window.Truncate(time.Millisecond),
		max:       max,
		keyPrefix: keyPrefix,
	}, nil
}

func (p Policy) Name() string          { return p.name }
func (p Policy) Window() time.Duration { return p.window }
func (p Policy) Max() int              { return p.max }
func (p Policy) KeyPrefix() string     { return p.keyPrefix }

// IsZero reporta se a Policy não foi construída via NewPolicy.
func (p Policy) IsZero() bool { return p.name == "" }

// Key monta a chave do counter: keyPrefix + ":" + identity.
func (p Policy) Key(id Identity) string {
	return p.keyPrefix + ":" + string(id)
}

// TTL é ceil(windowMs / 1000) segundos.
func (p Policy) TTL() time.Duration {
	secs := p.window / time.Second
	if p.window%time.Second != 0 {
		secs++
	}
	return secs * time.Second
}

// Policies é a tabela de políticas registradas no startup.
type Policies struct {
	byName map[string]Policy
}

// NewPolicies registra as políticas; nomes repetidos são rejeitados.
func NewPolicies(ps ...Policy) (*Policies, error) {
	out := &Policies{byName: make(map[string]Policy, len(ps))}
	for _, p := range ps {
		if p.IsZero() {
			return nil, fmt.Errorf("%w: zero policy", ErrInvalidPolicy)
		}
		if _, dup := out.byName[p.name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePolicy, p.name)
		}
		out.byName[p.name] = p
	}
	return out, nil
}

// Lookup retorna a política pelo nome ou ErrUnknownPolicy.
func (ps *Policies) Lookup(name string) (Policy, error) {
	if ps != nil {
		if p, ok := ps.byName[name]; ok {
			return p, nil
		}
	}
	return Policy{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
}

// Names retorna os nomes em ordem alfabética.
func (ps *Policies) Names() []string {
	if ps == nil {
		return nil
	}
	names := make([]string, 0, len(ps.byName))
	for n := range ps.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// OwnsPattern reporta se um glob de keys fica dentro do namespace de alguma
// política ("form:ip:41.82.*" sim, "*" ou "cache:*" não). Operações em massa
// sobre contadores só aceitam patterns assim.
func (ps *Policies) OwnsPattern(pattern string) bool {
	if ps == nil {
		return false
	}
	for _, p := range ps.byName {
		if strings.HasPrefix(pattern, p.keyPrefix+":") {
			return true
		}
	}
	return false
}

// Nomes das políticas padrão.
const (
	PolicyPublic        = "public"
	PolicyAuthenticated = "authenticated"
	PolicyExpensive     = "expensive"
	PolicyForms         = "forms"
	PolicyUploads       = "uploads"
)

type policyDef struct {
	Window    time.Duration
	Max       int
	KeyPrefix string
}

// policyOverride distingue campo ausente de campo zerado: ausente herda
// da tabela padrão, zerado é inválido.
type policyOverride struct {
	Window    *time.Duration `yaml:"window"`
	Max       *int           `yaml:"max"`
	KeyPrefix *string        `yaml:"key_prefix"`
}

var defaultPolicyDefs = map[string]policyDef{
	PolicyPublic:        {Window: time.Minute, Max: 60, KeyPrefix: "public"},
	PolicyAuthenticated: {Window: time.Minute, Max: 120, KeyPrefix: "auth"},
	PolicyExpensive:     {Window: time.Minute, Max: 20, KeyPrefix: "expensive"},
	PolicyForms:         {Window: time.Minute, Max: 5, KeyPrefix: "form"},
	PolicyUploads:       {Window: time.Minute, Max: 10, KeyPrefix: "upload"},
}

// DefaultPolicies retorna a tabela padrão (public, authenticated, expensive,
// forms, uploads).
func DefaultPolicies() *Policies {
	ps, err := buildPolicies(defaultPolicyDefs)
	if err != nil {
		// a tabela padrão é constante; chegar aqui é bug
		panic(err)
	}
	return ps
}

// ParsePolicies lê um YAML no formato
//
//	forms:
//	  window: 60s
//	  max: 3
//	  key_prefix: form
//
// e aplica sobre a tabela padrão. Entradas novas são adicionadas; campos
// omitidos herdam o valor padrão.
func ParsePolicies(data []byte) (*Policies, error) {
	var overrides map[string]policyOverride
	dec := yaml.NewDecoder(bytes.NewReader(data))
	// campo desconhecido (ex: "maxx") é erro, não default silencioso
	dec.KnownFields(true)
	if err := dec.Decode(&overrides); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parse policies: %v", ErrInvalidPolicy, err)
	}
	defs := make(map[string]policyDef, len(defaultPolicyDefs)+len(overrides))
	for name, def := range defaultPolicyDefs {
		defs[name] = def
	}
	for name, o := range overrides {
		def := defs[name]
		if o.Window != nil {
			def.Window = *o.Window
		}
		if o.Max != nil {
			def.Max = *o.Max
		}
		if o.KeyPrefix != nil {
			def.KeyPrefix = *o.KeyPrefix
		}
		defs[name] = def
	}
	return buildPolicies(defs)
}

func buildPolicies(defs map[string]policyDef) (*Policies, error) {
	names := make([]string, 0, len(defs))
	for n := range defs {
		names = append(names, n)
	}
	sort.Strings(names)

	list := make([]Policy, 0, len(defs))
	for _, name := range names {
		def := defs[name]
		p, err := NewPolicy(name, def.Window, def.Max, def.KeyPrefix)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return NewPolicies(list...)
}
