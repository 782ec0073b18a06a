package infra

import (
	"context"
	"sync"

	"idempotency-gateway/middleware/idempotency/domain"
)

// MemoryStatsStore é uma implementação simples em memória.
// Útil para testes, desenvolvimento e para o endpoint de diagnóstico.
//
// Não faz expiração e não é indicada para produção de longa duração.
type MemoryStatsStore struct {
	mu          sync.Mutex
	total       map[domain.Outcome]int64
	byOperation map[string]map[domain.Outcome]int64

	trackKeys bool
	byKey     map[string]map[domain.Outcome]int64
}

type MemoryStatsOption func(*MemoryStatsStore)

func WithTrackKeys(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackKeys = track }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		total:       make(map[domain.Outcome]int64),
		byOperation: make(map[string]map[domain.Outcome]int64),
		byKey:       make(map[string]map[domain.Outcome]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total[ev.Outcome]++
	bump(s.byOperation, ev.Operation, ev.Outcome)
	if s.trackKeys {
		bump(s.byKey, ev.Key.String(), ev.Outcome)
	}
	return nil
}

func (s *MemoryStatsStore) Total() map[domain.Outcome]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneCounters(s.total)
}

func (s *MemoryStatsStore) ByOperation() map[string]map[domain.Outcome]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]map[domain.Outcome]int64, len(s.byOperation))
	for op, c := range s.byOperation {
		out[op] = cloneCounters(c)
	}
	return out
}

func (s *MemoryStatsStore) ByKey() map[string]map[domain.Outcome]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]map[domain.Outcome]int64, len(s.byKey))
	for k, c := range s.byKey {
		out[k] = cloneCounters(c)
	}
	return out
}

func bump(m map[string]map[domain.Outcome]int64, key string, outcome domain.Outcome) {
	c, ok := m[key]
	if !ok {
		c = make(map[domain.Outcome]int64)
		m[key] = c
	}
	c[outcome]++
}

func cloneCounters(c map[domain.Outcome]int64) map[domain.Outcome]int64 {
	out := make(map[domain.Outcome]int64, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

var _ domain.StatsStore = (*MemoryStatsStore)(nil)
