// Package redisstore stores documents as JSON strings in Redis.
//
// A document lives under "{prefix}:/{collection}/{id}" and its id is indexed in the set
// "{prefix}:/{collection}". Transactions use WATCH on every key they touch and apply their
// writes in a single MULTI/EXEC block.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/quizbank/internal/docstore"
)

type Config struct {
	Redis  redis.UniversalClient
	Prefix string
}

type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ docstore.Store = (*Store)(nil)

func New(c Config) *Store {
	return &Store{
		rdb:    c.Redis,
		prefix: c.Prefix,
	}
}

func (s *Store) GenerateID() string {
	return docstore.NewID()
}

func (s *Store) Get(ctx context.Context, p docstore.Path, dst any) error {
	b, err := s.rdb.Get(ctx, s.key(p)).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("get %s: %w", p, docstore.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", p, err)
	}

	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("decode %s: %w", p, err)
	}

	return nil
}

func (s *Store) Set(ctx context.Context, p docstore.Path, doc any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p, err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.queueSet(ctx, pipe, p, b)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", p, err)
	}

	return nil
}

func (s *Store) Delete(ctx context.Context, p docstore.Path) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.queueDelete(ctx, pipe, p)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}

	return nil
}

func (s *Store) Find(ctx context.Context, collection string, filter docstore.Filter, fn func(docstore.Decoder) error) error {
	ids, err := s.rdb.SMembers(ctx, s.indexKey(collection)).Result()
	if err != nil {
		return fmt.Errorf("find %s: %w", collection, err)
	}
	if len(ids) == 0 {
		return nil
	}

	// Ids are time-ordered, so sorting yields creation order.
	slices.Sort(ids)
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.key(docstore.Path{Collection: collection, ID: id}))
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("find %s: %w", collection, err)
	}

	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // deleted between SMEMBERS and MGET
		}

		ok, err := matches([]byte(raw), filter)
		if err != nil {
			return fmt.Errorf("find %s: %w", collection, err)
		}
		if !ok {
			continue
		}

		if err := fn(func(dst any) error { return json.Unmarshal([]byte(raw), dst) }); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Txn) error) error {
	err := s.rdb.Watch(ctx, func(rtx *redis.Tx) error {
		t := &txn{ctx: ctx, s: s, rtx: rtx}
		if err := fn(ctx, t); err != nil {
			return err
		}

		if len(t.writes) == 0 {
			return nil
		}

		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, w := range t.writes {
				w(pipe)
			}
			return nil
		})
		return err
	})

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %v", docstore.ErrAborted, err)
	}

	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close(context.Context) error {
	return s.rdb.Close()
}

func (s *Store) queueSet(ctx context.Context, pipe redis.Pipeliner, p docstore.Path, b []byte) {
	pipe.Set(ctx, s.key(p), b, 0)
	pipe.SAdd(ctx, s.indexKey(p.Collection), p.ID)
}

func (s *Store) queueDelete(ctx context.Context, pipe redis.Pipeliner, p docstore.Path) {
	pipe.Del(ctx, s.key(p))
	pipe.SRem(ctx, s.indexKey(p.Collection), p.ID)
}

func (s *Store) key(p docstore.Path) string {
	if s.prefix == "" {
		return p.String()
	}
	return s.prefix + ":" + p.String()
}

func (s *Store) indexKey(collection string) string {
	if s.prefix == "" {
		return "/" + collection
	}
	return s.prefix + ":/" + collection
}

type txn struct {
	ctx    context.Context
	s      *Store
	rtx    *redis.Tx
	writes []func(redis.Pipeliner)
}

func (t *txn) Get(p docstore.Path, dst any) error {
	if len(t.writes) > 0 {
		return docstore.ErrReadAfterWrite
	}

	key := t.s.key(p)
	if err := t.rtx.Watch(t.ctx, key).Err(); err != nil {
		return fmt.Errorf("watch %s: %w", p, err)
	}

	b, err := t.rtx.Get(t.ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("get %s: %w", p, docstore.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", p, err)
	}

	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("decode %s: %w", p, err)
	}

	return nil
}

func (t *txn) Set(p docstore.Path, doc any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p, err)
	}

	if err := t.rtx.Watch(t.ctx, t.s.key(p)).Err(); err != nil {
		return fmt.Errorf("watch %s: %w", p, err)
	}

	t.writes = append(t.writes, func(pipe redis.Pipeliner) {
		t.s.queueSet(t.ctx, pipe, p, b)
	})
	return nil
}

func (t *txn) Delete(p docstore.Path) error {
	if err := t.rtx.Watch(t.ctx, t.s.key(p)).Err(); err != nil {
		return fmt.Errorf("watch %s: %w", p, err)
	}

	t.writes = append(t.writes, func(pipe redis.Pipeliner) {
		t.s.queueDelete(t.ctx, pipe, p)
	})
	return nil
}

func matches(raw []byte, filter docstore.Filter) (bool, error) {
	if len(filter) == 0 {
		return true, nil
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false, err
	}

	for k, want := range filter {
		got, ok := fields[k].(string)
		if !ok || got != want {
			return false, nil
		}
	}

	return true, nil
}
