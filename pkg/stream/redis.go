package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/settld-labs/settld/pkg/eventchain"
)

// redisAppendScript compares and swaps the chain head and appends the event
// body in one atomic step.
// KEYS[1] = head key
// KEYS[2] = events list key
// ARGV[1] = expected head (genesis sentinel for an empty stream)
// ARGV[2] = genesis sentinel
// ARGV[3] = new chain hash
// ARGV[4] = event body (json)
var redisAppendScript = redis.NewScript(`
local head = redis.call("GET", KEYS[1])
if not head then
    head = ARGV[2]
end
if head ~= ARGV[1] then
    return {0, head}
end
redis.call("SET", KEYS[1], ARGV[3])
local length = redis.call("RPUSH", KEYS[2], ARGV[4])
return {1, ARGV[3], length}
`)

// RedisStore implements Store on Redis. Atomicity comes from running the
// head compare and the list push inside one Lua script.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb, prefix: "stream"}
}

// NewRedisStoreFromClient wraps an existing client, for tests and shared pools.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "stream"}
}

func (s *RedisStore) headKey(id ID) string {
	return fmt.Sprintf("%s:head:%s", s.prefix, id.String())
}

func (s *RedisStore) eventsKey(id ID) string {
	return fmt.Sprintf("%s:events:%s", s.prefix, id.String())
}

func (s *RedisStore) Head(ctx context.Context, id ID) (Head, error) {
	if err := id.Validate(); err != nil {
		return Head{}, err
	}
	pipe := s.client.Pipeline()
	headCmd := pipe.Get(ctx, s.headKey(id))
	lenCmd := pipe.LLen(ctx, s.eventsKey(id))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Head{}, fmt.Errorf("stream: redis head: %w", err)
	}
	hash, err := headCmd.Result()
	if err == redis.Nil {
		return EmptyHead(), nil
	}
	if err != nil {
		return Head{}, fmt.Errorf("stream: redis head: %w", err)
	}
	return Head{ChainHash: hash, Length: int(lenCmd.Val())}, nil
}

func (s *RedisStore) Append(ctx context.Context, id ID, expectedHead string, ev eventchain.Event) (Head, error) {
	if err := id.Validate(); err != nil {
		return Head{}, err
	}
	if ev.PrevChainHash != expectedHead {
		return Head{}, fmt.Errorf("stream: event links %s, append names %s", ev.PrevChainHash, expectedHead)
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return Head{}, fmt.Errorf("stream: encode event: %w", err)
	}

	res, err := redisAppendScript.Run(ctx, s.client,
		[]string{s.headKey(id), s.eventsKey(id)},
		expectedHead, eventchain.Genesis, ev.ChainHash, body).Result()
	if err != nil {
		return Head{}, fmt.Errorf("stream: redis append: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) < 2 {
		return Head{}, fmt.Errorf("stream: invalid response from append script")
	}
	won, _ := results[0].(int64)
	if won != 1 {
		actual, _ := results[1].(string)
		return Head{}, headConflict(id, expectedHead, actual)
	}
	length := int64(0)
	if len(results) == 3 {
		length, _ = results[2].(int64)
	}
	return Head{ChainHash: ev.ChainHash, Length: int(length)}, nil
}

func (s *RedisStore) Events(ctx context.Context, id ID) ([]eventchain.Event, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	raw, err := s.client.LRange(ctx, s.eventsKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("stream: redis events: %w", err)
	}
	events := make([]eventchain.Event, 0, len(raw))
	for _, item := range raw {
		var ev eventchain.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("stream: decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}
