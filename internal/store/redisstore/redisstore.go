// Package redisstore backs the store contract with Redis. Scalar fields
// live in a hash per document, array fields in Redis lists (RPUSH gives
// the atomic append the contract requires), and subscriptions ride on
// pub/sub: every write publishes the document key and subscribers
// re-read the snapshot. Pub/sub is in publish order per channel and
// snapshot reads may observe the same state twice, which satisfies the
// at-least-once, duplicate-tolerant contract.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sparebook/callkit/internal/metrics"
	"github.com/sparebook/callkit/internal/store"
)

type Redis struct {
	rdb *redis.Client
}

// New connects to addr ("host:port" or a redis:// URL).
func New(addr string) *Redis {
	opt, err := redis.ParseURL(addr)
	if err != nil {
		opt = &redis.Options{Addr: addr}
	}
	return &Redis{rdb: redis.NewClient(opt)}
}

// NewFromClient wraps an existing client, used by tests.
func NewFromClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func docKey(collection, id string) string {
	return fmt.Sprintf("doc:%s:%s", collection, id)
}

func arrKey(collection, id, f string) string {
	return fmt.Sprintf("doc:%s:%s:arr:%s", collection, id, f)
}

func arrSetKey(collection, id string) string {
	return fmt.Sprintf("doc:%s:%s:arrfields", collection, id)
}

func indexKey(collection string) string {
	return fmt.Sprintf("docindex:%s", collection)
}

func changeChannel(collection, id string) string {
	return fmt.Sprintf("docchange:%s:%s", collection, id)
}

func (r *Redis) Create(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := uuid.NewString()

	stamped := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		stamped[k] = v
	}
	stamped["createdAt"] = time.Now().UTC()

	encoded, err := encodeFields(stamped)
	if err != nil {
		return "", err
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, docKey(collection, id), encoded)
	pipe.SAdd(ctx, indexKey(collection), id)
	pipe.Publish(ctx, changeChannel(collection, id), "create")
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.StoreOperationsTotal.WithLabelValues("create", "error").Inc()
		return "", fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	metrics.StoreOperationsTotal.WithLabelValues("create", "ok").Inc()
	return id, nil
}

func (r *Redis) Get(ctx context.Context, collection, id string) (store.Record, error) {
	raw, err := r.rdb.HGetAll(ctx, docKey(collection, id)).Result()
	if err != nil {
		return store.Record{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if len(raw) == 0 {
		return store.Record{}, fmt.Errorf("%w: %s/%s", store.ErrNotFound, collection, id)
	}

	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			return store.Record{}, fmt.Errorf("decode field %q of %s/%s: %w", k, collection, id, err)
		}
		fields[k] = decoded
	}

	arrayFields, err := r.rdb.SMembers(ctx, arrSetKey(collection, id)).Result()
	if err != nil {
		return store.Record{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	for _, field := range arrayFields {
		items, err := r.rdb.LRange(ctx, arrKey(collection, id, field), 0, -1).Result()
		if err != nil {
			return store.Record{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
		arr := make([]any, 0, len(items))
		for _, item := range items {
			var decoded any
			if err := json.Unmarshal([]byte(item), &decoded); err != nil {
				return store.Record{}, fmt.Errorf("decode array element of %q: %w", field, err)
			}
			arr = append(arr, decoded)
		}
		fields[field] = arr
	}

	return store.Record{ID: id, Fields: fields}, nil
}

func (r *Redis) UpdateFields(ctx context.Context, collection, id string, fields map[string]any) error {
	exists, err := r.rdb.Exists(ctx, docKey(collection, id)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s/%s", store.ErrNotFound, collection, id)
	}

	encoded, err := encodeFields(fields)
	if err != nil {
		return err
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, docKey(collection, id), encoded)
	pipe.Publish(ctx, changeChannel(collection, id), "update")
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.StoreOperationsTotal.WithLabelValues("update", "error").Inc()
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	metrics.StoreOperationsTotal.WithLabelValues("update", "ok").Inc()
	return nil
}

func (r *Redis) AppendToArray(ctx context.Context, collection, id, field string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode array element for %q: %w", field, err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, arrKey(collection, id, field), string(encoded))
	pipe.SAdd(ctx, arrSetKey(collection, id), field)
	pipe.Publish(ctx, changeChannel(collection, id), "append")
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.StoreOperationsTotal.WithLabelValues("append", "error").Inc()
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	metrics.StoreOperationsTotal.WithLabelValues("append", "ok").Inc()
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, collection, id string, fn store.ChangeHandler) (func(), error) {
	pubsub := r.rdb.Subscribe(ctx, changeChannel(collection, id))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	go func() {
		for range pubsub.Channel() {
			rec, err := r.Get(ctx, collection, id)
			if err != nil {
				slog.Warn("failed to read document after change notification",
					"collection", collection, "id", id, "error", err)
				continue
			}
			fn(rec)
		}
	}()
	metrics.StoreSubscriptions.Inc()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = pubsub.Close()
			metrics.StoreSubscriptions.Dec()
		})
	}
	return cancel, nil
}

func (r *Redis) Query(ctx context.Context, collection string, preds ...store.Predicate) ([]store.Record, error) {
	ids, err := r.rdb.SMembers(ctx, indexKey(collection)).Result()
	if err != nil {
		metrics.StoreOperationsTotal.WithLabelValues("query", "error").Inc()
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	var out []store.Record
	for _, id := range ids {
		rec, err := r.Get(ctx, collection, id)
		if err != nil {
			continue // removed between SMembers and Get
		}
		if store.Matches(rec, preds) {
			out = append(out, rec)
		}
	}
	metrics.StoreOperationsTotal.WithLabelValues("query", "ok").Inc()
	return out, nil
}

func encodeFields(fields map[string]any) (map[string]any, error) {
	encoded := make(map[string]any, len(fields))
	for k, v := range fields {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", k, err)
		}
		encoded[k] = string(data)
	}
	return encoded, nil
}
