package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps baselines, hosts and assignments in Redis. Catalog order
// is the order in which baselines were first written.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "trust"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) baselineKey(id string) string {
	return fmt.Sprintf("%s:baseline:%s", s.prefix, id)
}

func (s *RedisStore) layerIndexKey(layer Layer) string {
	return fmt.Sprintf("%s:baselines:%s", s.prefix, strings.ToLower(string(layer)))
}

func (s *RedisStore) naturalKeyIndex() string {
	return s.prefix + ":baseline-keys"
}

func (s *RedisStore) hostKey(id string) string {
	return fmt.Sprintf("%s:host:%s", s.prefix, id)
}

func (s *RedisStore) assignmentKey(hostID string) string {
	return fmt.Sprintf("%s:assigned:%s", s.prefix, hostID)
}

func (s *RedisStore) PutBaseline(ctx context.Context, b *ReferenceBaseline) error {
	if err := b.Validate(); err != nil {
		return err
	}

	existing, err := s.client.HGet(ctx, s.naturalKeyIndex(), b.Key()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return NewStorageError(err, "put_baseline", b.Key())
	}
	isNew := existing == ""
	switch {
	case !isNew:
		b.ID = existing
	case b.ID == "":
		b.ID = uuid.New().String()
	}

	data, err := json.Marshal(b)
	if err != nil {
		return NewStorageError(err, "put_baseline", b.ID)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.baselineKey(b.ID), data, 0)
	pipe.HSet(ctx, s.naturalKeyIndex(), b.Key(), b.ID)
	if isNew {
		pipe.RPush(ctx, s.layerIndexKey(b.Layer), b.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return NewStorageError(err, "put_baseline", b.ID)
	}
	return nil
}

func (s *RedisStore) getBaseline(ctx context.Context, id string) (*ReferenceBaseline, error) {
	data, err := s.client.Get(ctx, s.baselineKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrBaselineNotFound
	}
	if err != nil {
		return nil, NewStorageError(err, "get_baseline", id)
	}
	var b ReferenceBaseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, NewStorageError(err, "get_baseline", id)
	}
	return &b, nil
}

// layerBaselines loads every baseline of a layer in catalog order.
func (s *RedisStore) layerBaselines(ctx context.Context, layer Layer) ([]*ReferenceBaseline, error) {
	ids, err := s.client.LRange(ctx, s.layerIndexKey(layer), 0, -1).Result()
	if err != nil {
		return nil, NewStorageError(err, "list_baselines", string(layer))
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.baselineKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, NewStorageError(err, "list_baselines", string(layer))
	}

	out := make([]*ReferenceBaseline, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var b ReferenceBaseline
		if err := json.Unmarshal([]byte(str), &b); err != nil {
			return nil, NewStorageError(err, "list_baselines", ids[i])
		}
		out = append(out, &b)
	}
	return out, nil
}

func (s *RedisStore) FindCandidates(ctx context.Context, query CandidateQuery) ([]*ReferenceBaseline, error) {
	all, err := s.layerBaselines(ctx, query.Layer)
	if err != nil {
		return nil, err
	}
	var out []*ReferenceBaseline
	for _, b := range all {
		if query.Matches(b) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *RedisStore) FindByNamePrefix(ctx context.Context, layer Layer, prefix string) ([]*ReferenceBaseline, error) {
	all, err := s.layerBaselines(ctx, layer)
	if err != nil {
		return nil, err
	}
	var out []*ReferenceBaseline
	for _, b := range all {
		if strings.HasPrefix(b.Name, prefix) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *RedisStore) GetAssignedBaseline(ctx context.Context, hostID string, layer Layer) (*ReferenceBaseline, error) {
	id, err := s.client.HGet(ctx, s.assignmentKey(hostID), string(layer)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrBaselineNotFound
	}
	if err != nil {
		return nil, NewStorageError(err, "get_assignment", hostID)
	}
	return s.getBaseline(ctx, id)
}

func (s *RedisStore) SetAssignedBaseline(ctx context.Context, hostID string, layer Layer, b *ReferenceBaseline) error {
	key := s.assignmentKey(hostID)
	if b == nil {
		if err := s.client.HDel(ctx, key, string(layer)).Err(); err != nil {
			return NewStorageError(err, "clear_assignment", hostID)
		}
		return nil
	}
	if err := s.client.HSet(ctx, key, string(layer), b.ID).Err(); err != nil {
		return NewStorageError(err, "set_assignment", hostID)
	}
	return nil
}

func (s *RedisStore) GetHost(ctx context.Context, hostID string) (*Host, error) {
	data, err := s.client.Get(ctx, s.hostKey(hostID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrHostNotFound
	}
	if err != nil {
		return nil, NewStorageError(err, "get_host", hostID)
	}
	var h Host
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, NewStorageError(err, "get_host", hostID)
	}
	return &h, nil
}

func (s *RedisStore) SaveHost(ctx context.Context, host *Host) error {
	data, err := json.Marshal(host)
	if err != nil {
		return NewStorageError(err, "save_host", host.ID)
	}
	if err := s.client.Set(ctx, s.hostKey(host.ID), data, 0).Err(); err != nil {
		return NewStorageError(err, "save_host", host.ID)
	}
	return nil
}
