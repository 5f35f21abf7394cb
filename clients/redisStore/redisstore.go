// Package redisstore keeps the entitlement ledger in Redis: one JSON value per
// entitlement, a set of all keys, and a sorted set of expiring keys scored by
// expiry in unix milliseconds.
package redisstore

import (
	"context"
	"encoding/json"
	"iter"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/leon1996x/telegram-subscribe-bot/entitlement"
)

type Store struct {
	rdb   *redis.Client
	keyNS string
}

func New(rdb *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "subscribe:"
	}
	return &Store{rdb: rdb, keyNS: keyPrefix}
}

func (s *Store) key(k entitlement.Key) string { return s.keyNS + "ent:" + k.String() }
func (s *Store) allKey() string               { return s.keyNS + "keys" }
func (s *Store) expiringKey() string          { return s.keyNS + "expiring" }

func (s *Store) Get(ctx context.Context, subjectID int64, resourceID string) (*entitlement.Entitlement, error) {
	val, err := s.rdb.Get(ctx, s.key(entitlement.Key{SubjectID: subjectID, ResourceID: resourceID})).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, entitlement.Unavailable("get", err)
	}
	var e entitlement.Entitlement
	if err := json.Unmarshal(val, &e); err != nil {
		return nil, entitlement.Unavailable("decode", err)
	}
	return &e, nil
}

func (s *Store) Put(ctx context.Context, e entitlement.Entitlement) error {
	b, err := json.Marshal(e)
	if err != nil {
		return entitlement.Unavailable("encode", err)
	}
	member := e.Key().String()

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key(e.Key()), b, 0)
	pipe.SAdd(ctx, s.allKey(), member)
	if e.ExpiresAt != nil {
		pipe.ZAdd(ctx, s.expiringKey(), redis.Z{Score: float64(e.ExpiresAt.UnixMilli()), Member: member})
	} else {
		pipe.ZRem(ctx, s.expiringKey(), member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return entitlement.Unavailable("put", err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, subjectID int64, resourceID string) error {
	k := entitlement.Key{SubjectID: subjectID, ResourceID: resourceID}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.key(k))
	pipe.SRem(ctx, s.allKey(), k.String())
	pipe.ZRem(ctx, s.expiringKey(), k.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return entitlement.Unavailable("remove", err)
	}
	return nil
}

// ListExpired asks the sorted set for candidates and re-checks each value, since
// scores are truncated to milliseconds.
func (s *Store) ListExpired(ctx context.Context, now time.Time) iter.Seq2[entitlement.Entitlement, error] {
	return func(yield func(entitlement.Entitlement, error) bool) {
		members, err := s.rdb.ZRangeByScore(ctx, s.expiringKey(), &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(now.UnixMilli(), 10),
		}).Result()
		if err != nil {
			yield(entitlement.Entitlement{}, entitlement.Unavailable("list expired", err))
			return
		}
		list, err := s.load(ctx, members)
		if err != nil {
			yield(entitlement.Entitlement{}, err)
			return
		}
		for _, e := range list {
			if !e.Expired(now) {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *Store) List(ctx context.Context) ([]entitlement.Entitlement, error) {
	members, err := s.rdb.SMembers(ctx, s.allKey()).Result()
	if err != nil {
		return nil, entitlement.Unavailable("list", err)
	}
	return s.load(ctx, members)
}

func (s *Store) load(ctx context.Context, members []string) ([]entitlement.Entitlement, error) {
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = s.keyNS + "ent:" + m
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, entitlement.Unavailable("load", err)
	}

	out := make([]entitlement.Entitlement, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			// removed between the index read and MGET
			continue
		}
		var e entitlement.Entitlement
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			return nil, entitlement.Unavailable("decode", err)
		}
		out = append(out, e)
	}
	entitlement.SortEntitlements(out)
	return out, nil
}
