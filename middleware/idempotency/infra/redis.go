package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"idempotency-gateway/middleware/idempotency/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore implementa domain.Store sobre Redis, adequado para implantação
// multi-instância: o check-and-insert atômico é um único script Lua, nunca um
// GET seguido de SET separado.
//
// Registros pending são gravados sem TTL do Redis (o TTL governa retenção
// pós-conclusão, não o tempo de execução); o TTL do Redis é aplicado em
// Complete, com o tempo que restar até ExpiresAt.
type RedisStore struct {
	rdb *redis.Client

	prefix string
}

type RedisStoreOption func(*RedisStore)

func WithPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

func NewRedisStore(rdb *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "idempotency",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// redisRecord é a forma serializada de domain.Record.
// Timestamps em unix ms para os scripts Lua compararem com tonumber.
type redisRecord struct {
	Operation   string `json:"op"`
	Value       string `json:"key"`
	Status      string `json:"status"`
	PayloadHash string `json:"payload_hash,omitempty"`
	Result      []byte `json:"result,omitempty"`
	ErrorInfo   []byte `json:"error_info,omitempty"`
	Token       string `json:"token,omitempty"`
	CreatedAtMs int64  `json:"created_at_ms"`
	ExpiresAtMs int64  `json:"expires_at_ms"`
}

var beginScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local rec = cjson.decode(cur)
  if rec.status == 'pending' or tonumber(ARGV[2]) < tonumber(rec.expires_at_ms) then
    return {0, cur}
  end
end
redis.call('SET', KEYS[1], ARGV[1])
return {1, ''}
`)

var completeScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return '' end
local rec = cjson.decode(cur)
if rec.status ~= 'pending' or rec.token ~= ARGV[2] then return '' end
local px = tonumber(rec.expires_at_ms) - tonumber(ARGV[3])
if px < 1 then px = 1 end
redis.call('SET', KEYS[1], ARGV[1], 'PX', px)
return ARGV[1]
`)

var deleteScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
local rec = cjson.decode(cur)
if rec.status ~= 'pending' or rec.token ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
return 1
`)

var evictScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
local rec = cjson.decode(cur)
if rec.status == 'pending' then return 0 end
if tonumber(rec.expires_at_ms) <= tonumber(ARGV[1]) then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

func (s *RedisStore) BeginOrGet(ctx context.Context, key domain.Key, payloadHash string, ttl time.Duration) (domain.BeginResult, error) {
	now := time.Now()
	token := uuid.NewString()

	pending := redisRecord{
		Operation:   key.Operation,
		Value:       key.Value,
		Status:      string(domain.StatusPending),
		PayloadHash: payloadHash,
		Token:       token,
		CreatedAtMs: now.UnixMilli(),
		ExpiresAtMs: now.Add(ttl).UnixMilli(),
	}
	raw, err := json.Marshal(pending)
	if err != nil {
		return domain.BeginResult{}, fmt.Errorf("marshal pending record: %w", err)
	}

	res, err := beginScript.Run(ctx, s.rdb, []string{s.redisKey(key)}, raw, now.UnixMilli()).Slice()
	if err != nil {
		return domain.BeginResult{}, storageErr(err)
	}
	if len(res) != 2 {
		return domain.BeginResult{}, fmt.Errorf("%w: unexpected begin script reply", domain.ErrStorageUnavailable)
	}

	began, _ := res[0].(int64)
	if began == 1 {
		return domain.BeginResult{Began: true, Handle: domain.Handle{Key: key, Token: token}}, nil
	}

	cur, _ := res[1].(string)
	rec, err := decodeRecord(cur)
	if err != nil {
		return domain.BeginResult{}, err
	}
	return domain.BeginResult{Record: rec}, nil
}

func (s *RedisStore) Complete(ctx context.Context, h domain.Handle, status domain.Status, payload []byte) (domain.Record, error) {
	if status != domain.StatusCompleted && status != domain.StatusFailed {
		return domain.Record{}, domain.ErrInvalidHandle
	}

	now := time.Now()

	// O registro terminal é montado a partir do pending atual; como não dá
	// para ler e escrever em passos separados, o script reaproveita apenas o
	// que o terminal precisa carregar (hash e timestamps vêm junto no JSON).
	cur, err := s.rdb.Get(ctx, s.redisKey(h.Key)).Result()
	if err == redis.Nil {
		return domain.Record{}, domain.ErrInvalidHandle
	}
	if err != nil {
		return domain.Record{}, storageErr(err)
	}

	var rr redisRecord
	if err := json.Unmarshal([]byte(cur), &rr); err != nil {
		return domain.Record{}, fmt.Errorf("%w: corrupt record: %v", domain.ErrStorageUnavailable, err)
	}
	if rr.Status != string(domain.StatusPending) || rr.Token != h.Token {
		return domain.Record{}, domain.ErrInvalidHandle
	}

	rr.Status = string(status)
	rr.Token = ""
	if status == domain.StatusCompleted {
		rr.Result = payload
	} else {
		rr.ErrorInfo = payload
	}
	raw, err := json.Marshal(rr)
	if err != nil {
		return domain.Record{}, fmt.Errorf("marshal terminal record: %w", err)
	}

	// A validação de token repete dentro do script: a leitura acima serve só
	// para montar o JSON; quem decide é o compare-and-set atômico.
	out, err := completeScript.Run(ctx, s.rdb, []string{s.redisKey(h.Key)}, raw, h.Token, now.UnixMilli()).Text()
	if err != nil {
		return domain.Record{}, storageErr(err)
	}
	if out == "" {
		return domain.Record{}, domain.ErrInvalidHandle
	}
	return decodeRecord(out)
}

func (s *RedisStore) Delete(ctx context.Context, h domain.Handle) error {
	n, err := deleteScript.Run(ctx, s.rdb, []string{s.redisKey(h.Key)}, h.Token).Int()
	if err != nil {
		return storageErr(err)
	}
	if n == 0 {
		return domain.ErrInvalidHandle
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key domain.Key) (domain.Record, bool, error) {
	cur, err := s.rdb.Get(ctx, s.redisKey(key)).Result()
	if err == redis.Nil {
		return domain.Record{}, false, nil
	}
	if err != nil {
		return domain.Record{}, false, storageErr(err)
	}

	rec, err := decodeRecord(cur)
	if err != nil {
		return domain.Record{}, false, err
	}
	if rec.Expired(time.Now()) {
		return domain.Record{}, false, nil
	}
	return rec, true, nil
}

func (s *RedisStore) EvictExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.scan(ctx, func(redisKey string) error {
		n, err := evictScript.Run(ctx, s.rdb, []string{redisKey}, now.UnixMilli()).Int()
		if err != nil {
			return err
		}
		removed += n
		return nil
	})
	if err != nil {
		return removed, storageErr(err)
	}
	return removed, nil
}

func (s *RedisStore) PendingSince(ctx context.Context, cutoff time.Time) ([]domain.Record, error) {
	var out []domain.Record
	err := s.scan(ctx, func(redisKey string) error {
		cur, err := s.rdb.Get(ctx, redisKey).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		rec, err := decodeRecord(cur)
		if err != nil {
			return nil // registro corrompido não derruba a varredura
		}
		if rec.Status == domain.StatusPending && !rec.CreatedAt.After(cutoff) {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}

func (s *RedisStore) scan(ctx context.Context, fn func(redisKey string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.prefix+":*", 100).Result()
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := fn(k); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *RedisStore) redisKey(key domain.Key) string {
	return s.prefix + ":" + key.Operation + ":" + key.Value
}

func decodeRecord(raw string) (domain.Record, error) {
	var rr redisRecord
	if err := json.Unmarshal([]byte(raw), &rr); err != nil {
		return domain.Record{}, fmt.Errorf("%w: corrupt record: %v", domain.ErrStorageUnavailable, err)
	}
	return domain.Record{
		Key:         domain.Key{Operation: rr.Operation, Value: rr.Value},
		Status:      domain.Status(rr.Status),
		PayloadHash: rr.PayloadHash,
		Result:      rr.Result,
		ErrorInfo:   rr.ErrorInfo,
		CreatedAt:   time.UnixMilli(rr.CreatedAtMs),
		ExpiresAt:   time.UnixMilli(rr.ExpiresAtMs),
	}, nil
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}

var _ domain.Store = (*RedisStore)(nil)
