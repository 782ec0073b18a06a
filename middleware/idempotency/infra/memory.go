package infra

import (
	"context"
	"sync"
	"time"

	"idempotency-gateway/middleware/idempotency/domain"

	"github.com/google/uuid"
)

// MemoryStore é uma implementação de domain.Store em memória.
//
// A atomicidade do check-and-insert vem de um único mutex cobrindo o mapa.
// Correto apenas para um único processo: em implantação multi-instância cada
// processo enxergaria só as próprias chaves, use RedisStore.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

type memEntry struct {
	rec   domain.Record
	token string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry)}
}

// BeginOrGet implementa domain.Store.
//
// A expiração é checada aqui, em tempo de leitura: um registro terminal já
// expirado é sobrescrito por um pending novo mesmo que EvictExpired nunca
// tenha rodado.
func (s *MemoryStore) BeginOrGet(_ context.Context, key domain.Key, payloadHash string, ttl time.Duration) (domain.BeginResult, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.entries[key.String()]; ok && !ent.rec.Expired(now) {
		return domain.BeginResult{Record: cloneRecord(ent.rec)}, nil
	}

	token := uuid.NewString()
	s.entries[key.String()] = &memEntry{
		rec: domain.Record{
			Key:         key,
			Status:      domain.StatusPending,
			PayloadHash: payloadHash,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		},
		token: token,
	}
	return domain.BeginResult{Began: true, Handle: domain.Handle{Key: key, Token: token}}, nil
}

func (s *MemoryStore) Complete(_ context.Context, h domain.Handle, status domain.Status, payload []byte) (domain.Record, error) {
	if status != domain.StatusCompleted && status != domain.StatusFailed {
		return domain.Record{}, domain.ErrInvalidHandle
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ent := s.owned(h)
	if ent == nil {
		return domain.Record{}, domain.ErrInvalidHandle
	}

	ent.rec.Status = status
	if status == domain.StatusCompleted {
		ent.rec.Result = append([]byte(nil), payload...)
	} else {
		ent.rec.ErrorInfo = append([]byte(nil), payload...)
	}
	return cloneRecord(ent.rec), nil
}

func (s *MemoryStore) Delete(_ context.Context, h domain.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.owned(h) == nil {
		return domain.ErrInvalidHandle
	}
	delete(s.entries, h.Key.String())
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key domain.Key) (domain.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key.String()]
	if !ok || ent.rec.Expired(time.Now()) {
		return domain.Record{}, false, nil
	}
	return cloneRecord(ent.rec), true, nil
}

func (s *MemoryStore) EvictExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, ent := range s.entries {
		if ent.rec.Expired(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) PendingSince(_ context.Context, cutoff time.Time) ([]domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Record
	for _, ent := range s.entries {
		if ent.rec.Status == domain.StatusPending && !ent.rec.CreatedAt.After(cutoff) {
			out = append(out, cloneRecord(ent.rec))
		}
	}
	return out, nil
}

// owned valida posse: registro existente, ainda pending, token conferindo.
func (s *MemoryStore) owned(h domain.Handle) *memEntry {
	ent, ok := s.entries[h.Key.String()]
	if !ok || ent.token != h.Token || ent.rec.Status != domain.StatusPending {
		return nil
	}
	return ent
}

func cloneRecord(r domain.Record) domain.Record {
	r.Result = append([]byte(nil), r.Result...)
	r.ErrorInfo = append([]byte(nil), r.ErrorInfo...)
	return r
}

var _ domain.Store = (*MemoryStore)(nil)
