package infra

import (
	"context"
	"time"

	"idempotency-gateway/middleware/idempotency/domain"

	"github.com/dgraph-io/ristretto/v2"
)

// CachedStore coloca uma frente ristretto sobre outro domain.Store.
//
// Só registros terminais entram no cache: eles são imutáveis até expirar,
// então uma duplicata quente (ex: cliente reenviando em loop) responde da
// memória local sem ida ao Redis. Registros pending e todas as mutações
// passam direto para o store interno, que continua sendo a autoridade.
type CachedStore struct {
	inner domain.Store
	cache *ristretto.Cache[string, domain.Record]
}

func NewCachedStore(inner domain.Store) (*CachedStore, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, domain.Record]{
		NumCounters: 10000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedStore{inner: inner, cache: cache}, nil
}

func (s *CachedStore) BeginOrGet(ctx context.Context, key domain.Key, payloadHash string, ttl time.Duration) (domain.BeginResult, error) {
	if rec, ok := s.lookup(key); ok {
		return domain.BeginResult{Record: rec}, nil
	}

	res, err := s.inner.BeginOrGet(ctx, key, payloadHash, ttl)
	if err != nil {
		return domain.BeginResult{}, err
	}
	if !res.Began && res.Record.Terminal() {
		s.admit(res.Record)
	}
	return res, nil
}

func (s *CachedStore) Complete(ctx context.Context, h domain.Handle, status domain.Status, payload []byte) (domain.Record, error) {
	rec, err := s.inner.Complete(ctx, h, status, payload)
	if err != nil {
		return domain.Record{}, err
	}
	s.admit(rec)
	return rec, nil
}

func (s *CachedStore) Delete(ctx context.Context, h domain.Handle) error {
	// pending nunca entra no cache, mas a remoção é barata e cobre o caso de
	// um terminal antigo da mesma chave ainda admitido.
	s.cache.Del(h.Key.String())
	return s.inner.Delete(ctx, h)
}

func (s *CachedStore) Get(ctx context.Context, key domain.Key) (domain.Record, bool, error) {
	if rec, ok := s.lookup(key); ok {
		return rec, true, nil
	}
	return s.inner.Get(ctx, key)
}

func (s *CachedStore) EvictExpired(ctx context.Context, now time.Time) (int, error) {
	return s.inner.EvictExpired(ctx, now)
}

func (s *CachedStore) PendingSince(ctx context.Context, cutoff time.Time) ([]domain.Record, error) {
	return s.inner.PendingSince(ctx, cutoff)
}

// Wait drena o buffer de admissão do ristretto. Útil em testes; a admissão é
// assíncrona e best-effort por natureza.
func (s *CachedStore) Wait() {
	s.cache.Wait()
}

func (s *CachedStore) Close() {
	s.cache.Close()
}

func (s *CachedStore) lookup(key domain.Key) (domain.Record, bool) {
	rec, ok := s.cache.Get(key.String())
	if !ok {
		return domain.Record{}, false
	}
	if rec.Expired(time.Now()) {
		s.cache.Del(key.String())
		return domain.Record{}, false
	}
	return rec, true
}

func (s *CachedStore) admit(rec domain.Record) {
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return
	}
	cost := int64(len(rec.Result)+len(rec.ErrorInfo)) + 1
	s.cache.SetWithTTL(rec.Key.String(), rec, cost, ttl)
}

var _ domain.Store = (*CachedStore)(nil)
