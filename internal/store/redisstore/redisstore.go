// Package redisstore implements store.Store on Redis.
//
// Layout under a key prefix:
//
//	<prefix>:item:<id>      JSON-encoded store.Record
//	<prefix>:items          sorted set of ids scored by enqueue time
//	<prefix>:batch:<batch>  set of ids in a batch
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cofretracker/cofre_tracker/internal/store"
)

const DefaultPrefix = "cofre:scanqueue"

type Store struct {
	rdb    *redis.Client
	prefix string
}

// Open dials addr and verifies the connection.
func Open(ctx context.Context, addr, password string, db int, prefix string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctxPing).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return New(rdb, prefix), nil
}

// New wraps an existing client. The store owns rdb and closes it on Close.
func New(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) itemKey(id string) string     { return s.prefix + ":item:" + id }
func (s *Store) indexKey() string             { return s.prefix + ":items" }
func (s *Store) batchKey(batch string) string { return s.prefix + ":batch:" + batch }

// insertScript writes the item and both indexes in one step, or nothing
// when the item key already exists.
//
//	KEYS: item, index, batch    ARGV: record JSON, score, id
var insertScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
redis.call("SADD", KEYS[3], ARGV[3])
return 1
`)

func (s *Store) Insert(ctx context.Context, rec store.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", rec.ID, err)
	}
	keys := []string{s.itemKey(rec.ID), s.indexKey(), s.batchKey(rec.BatchID)}
	n, err := insertScript.Run(ctx, s.rdb, keys, b, rec.EnqueuedAt, rec.ID).Int()
	if err != nil {
		return fmt.Errorf("insert %s: %w", rec.ID, err)
	}
	if n == 0 {
		return store.ErrDuplicate
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (store.Record, error) {
	b, err := s.rdb.Get(ctx, s.itemKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("get %s: %w", id, err)
	}
	var rec store.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return store.Record{}, fmt.Errorf("decode %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context) ([]store.Record, error) {
	ids, err := s.rdb.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return s.load(ctx, ids)
}

// ListByBatch reads only the batch's members, ordered by their enqueue
// score.
func (s *Store) ListByBatch(ctx context.Context, batchID string) ([]store.Record, error) {
	members, err := s.rdb.SMembers(ctx, s.batchKey(batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list batch %s: %w", batchID, err)
	}
	if len(members) == 0 {
		return []store.Record{}, nil
	}

	cmds, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range members {
			p.ZScore(ctx, s.indexKey(), id)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list batch %s: %w", batchID, err)
	}

	type scored struct {
		id    string
		score float64
	}
	ordered := make([]scored, 0, len(members))
	for i, cmd := range cmds {
		score, err := cmd.(*redis.FloatCmd).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list batch %s: %w", batchID, err)
		}
		ordered = append(ordered, scored{id: members[i], score: score})
	}
	sort.Slice(ordered, func(a, b int) bool {
		if ordered[a].score != ordered[b].score {
			return ordered[a].score < ordered[b].score
		}
		return ordered[a].id < ordered[b].id
	})

	ids := make([]string, len(ordered))
	for i, o := range ordered {
		ids[i] = o.id
	}
	return s.load(ctx, ids)
}

// load fetches ids in order, skipping ids whose item key has vanished.
func (s *Store) load(ctx context.Context, ids []string) ([]store.Record, error) {
	out := make([]store.Record, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.itemKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec store.Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", ids[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, rec store.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", rec.ID, err)
	}
	ok, err := s.rdb.SetXX(ctx, s.itemKey(rec.ID), b, redis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("update %s: %w", rec.ID, err)
	}
	if !ok {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	rec, err := s.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.itemKey(id))
		p.ZRem(ctx, s.indexKey(), id)
		p.SRem(ctx, s.batchKey(rec.BatchID), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

func (s *Store) DeleteAll(ctx context.Context) error {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, s.prefix+":*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("delete all: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete all: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
