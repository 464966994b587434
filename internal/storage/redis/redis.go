// Package redisstore keeps queue collections in Redis.
//
// All keys of a namespace share the hash tag {database:collection} so the
// scripts below touch a single slot. Layout per namespace:
//
//	{db:coll}:avail      ZSET of available items, score = priority, member =
//	                     zero-padded queued_at nanos : sequence : id
//	{db:coll}:claimed    SET of claimed, unfinished ids
//	{db:coll}:finished   ZSET of finished ids scored by expiry time (ms)
//	{db:coll}:item:<id>  HASH with the item fields
//	{db:coll}:seq        insertion counter
//	{db:coll}:meta       HASH holding retention_ms
//
// Every mutation is one Lua script, which Redis runs atomically. Finished
// item hashes carry a PEXPIRE of the retention, so no reaper is needed.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"priorityq/internal/models"
	"priorityq/internal/queue"
)

var insertScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[2])
local member = ARGV[4] .. ':' .. string.format('%019d', seq) .. ':' .. ARGV[2]
redis.call('HSET', KEYS[3],
	'id', ARGV[2], 'priority', ARGV[3], 'queued_at', ARGV[4],
	'payload', ARGV[5], 'grp', ARGV[6], 'member', member)
redis.call('ZADD', KEYS[1], ARGV[3], member)
return 1
`)

// claimScript walks the available set in order and claims the first item
// whose group is not excluded. ARGV[4..] are the excluded groups.
var claimScript = redis.NewScript(`
local excluded = {}
for i = 4, #ARGV do excluded[ARGV[i]] = true end
local offset = 0
while true do
	local members = redis.call('ZRANGE', KEYS[1], offset, offset + 99)
	if #members == 0 then return false end
	for _, m in ipairs(members) do
		local id = string.match(m, '^[^:]*:[^:]*:(.*)$')
		local key = ARGV[1] .. id
		local grp = redis.call('HGET', key, 'grp')
		if grp and (grp == '' or not excluded[grp]) then
			redis.call('ZREM', KEYS[1], m)
			redis.call('HSET', key, 'started_at', ARGV[2], 'claim_token', ARGV[3])
			redis.call('SADD', KEYS[2], id)
			return redis.call('HGETALL', key)
		end
	end
	offset = offset + #members
end
`)

var finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'claim_token') ~= ARGV[1] then return 0 end
local ret = tonumber(redis.call('HGET', KEYS[4], 'retention_ms') or ARGV[5])
redis.call('HSET', KEYS[1], 'finished_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ret)
redis.call('SREM', KEYS[2], ARGV[3])
redis.call('ZADD', KEYS[3], tonumber(ARGV[4]) + ret, ARGV[3])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'claim_token') ~= ARGV[1] then return 0 end
if redis.call('HEXISTS', KEYS[1], 'finished_at') == 1 then return 0 end
redis.call('HDEL', KEYS[1], 'started_at', 'claim_token')
local f = redis.call('HMGET', KEYS[1], 'priority', 'member')
redis.call('ZADD', KEYS[2], f[1], f[2])
redis.call('SREM', KEYS[3], ARGV[2])
return 1
`)

var statsScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
return {redis.call('ZCARD', KEYS[1]), redis.call('SCARD', KEYS[2]), redis.call('ZCARD', KEYS[3])}
`)

type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

type Store struct {
	client redis.UniversalClient
	now    func() time.Time
}

// Open connects to a single Redis server.
func Open(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return New(client), nil
}

// New wraps an existing client.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client, now: time.Now}
}

func (s *Store) Client() redis.UniversalClient { return s.client }

func (s *Store) Close() error { return s.client.Close() }

type keys struct {
	prefix string
}

func keysFor(ns models.Namespace) keys {
	return keys{prefix: "{" + ns.Database + ":" + ns.Collection + "}:"}
}

func (k keys) avail() string         { return k.prefix + "avail" }
func (k keys) claimed() string       { return k.prefix + "claimed" }
func (k keys) finished() string      { return k.prefix + "finished" }
func (k keys) seq() string           { return k.prefix + "seq" }
func (k keys) meta() string          { return k.prefix + "meta" }
func (k keys) itemPrefix() string    { return k.prefix + "item:" }
func (k keys) item(id string) string { return k.itemPrefix() + id }

// Provision records the retention for the namespace. The sorted set is the
// (priority, queued_at) index, the claimed set the started_at index, and key
// TTLs replace the finished_at expiry index. An existing retention is kept.
func (s *Store) Provision(ctx context.Context, ns models.Namespace, retention time.Duration) error {
	return s.client.HSetNX(ctx, keysFor(ns).meta(), "retention_ms", retention.Milliseconds()).Err()
}

func (s *Store) Insert(ctx context.Context, ns models.Namespace, item models.Item) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	k := keysFor(ns)
	return insertScript.Run(ctx, s.client,
		[]string{k.avail(), k.seq(), k.item(item.ID)},
		k.itemPrefix(), item.ID, item.Priority, padNanos(item.QueuedAt), item.Payload, item.Group,
	).Err()
}

func (s *Store) ClaimNext(ctx context.Context, ns models.Namespace, req queue.ClaimRequest) (models.Item, error) {
	k := keysFor(ns)
	args := []interface{}{k.itemPrefix(), req.Now.UnixNano(), req.Token}
	for _, g := range req.ExcludeGroups {
		args = append(args, g)
	}

	res, err := claimScript.Run(ctx, s.client, []string{k.avail(), k.claimed()}, args...).Slice()
	if errors.Is(err, redis.Nil) {
		return models.Item{}, queue.ErrEmpty
	}
	if err != nil {
		return models.Item{}, err
	}
	return parseFlatHash(res)
}

func (s *Store) MarkFinished(ctx context.Context, ns models.Namespace, id, token string, at time.Time) (bool, error) {
	k := keysFor(ns)
	n, err := finishScript.Run(ctx, s.client,
		[]string{k.item(id), k.claimed(), k.finished(), k.meta()},
		token, at.UnixNano(), id, at.UnixMilli(), queue.DefaultRetention.Milliseconds(),
	).Int()
	return n == 1, err
}

func (s *Store) Release(ctx context.Context, ns models.Namespace, id, token string) (bool, error) {
	k := keysFor(ns)
	n, err := releaseScript.Run(ctx, s.client,
		[]string{k.item(id), k.avail(), k.claimed()},
		token, id,
	).Int()
	return n == 1, err
}

// Stats drops finished entries whose TTL has passed before counting.
func (s *Store) Stats(ctx context.Context, ns models.Namespace) (models.Stats, error) {
	k := keysFor(ns)
	res, err := statsScript.Run(ctx, s.client,
		[]string{k.avail(), k.claimed(), k.finished()},
		s.now().UnixMilli(),
	).Slice()
	if err != nil {
		return models.Stats{}, err
	}
	if len(res) != 3 {
		return models.Stats{}, fmt.Errorf("stats: unexpected reply %v", res)
	}
	counts := make([]int64, 3)
	for i, v := range res {
		n, ok := v.(int64)
		if !ok {
			return models.Stats{}, fmt.Errorf("stats: unexpected value %T", v)
		}
		counts[i] = n
	}
	return models.Stats{Available: counts[0], Claimed: counts[1], Finished: counts[2]}, nil
}

// Get returns the item with id, or redis.Nil when it does not exist.
func (s *Store) Get(ctx context.Context, ns models.Namespace, id string) (models.Item, error) {
	fields, err := s.client.HGetAll(ctx, keysFor(ns).item(id)).Result()
	if err != nil {
		return models.Item{}, err
	}
	if len(fields) == 0 {
		return models.Item{}, redis.Nil
	}
	return itemFromMap(fields)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func padNanos(t time.Time) string {
	return fmt.Sprintf("%019d", t.UnixNano())
}

func parseFlatHash(res []interface{}) (models.Item, error) {
	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}
	return itemFromMap(fields)
}

func itemFromMap(f map[string]string) (models.Item, error) {
	priority, err := strconv.Atoi(f["priority"])
	if err != nil {
		return models.Item{}, fmt.Errorf("item %s: priority: %w", f["id"], err)
	}
	queued, err := parseNanos(f["queued_at"])
	if err != nil {
		return models.Item{}, fmt.Errorf("item %s: queued_at: %w", f["id"], err)
	}

	item := models.Item{
		ID:         f["id"],
		Priority:   priority,
		QueuedAt:   queued,
		Payload:    f["payload"],
		Group:      f["grp"],
		ClaimToken: f["claim_token"],
	}
	if v, ok := f["started_at"]; ok {
		t, err := parseNanos(v)
		if err != nil {
			return models.Item{}, fmt.Errorf("item %s: started_at: %w", item.ID, err)
		}
		item.StartedAt = &t
	}
	if v, ok := f["finished_at"]; ok {
		t, err := parseNanos(v)
		if err != nil {
			return models.Item{}, fmt.Errorf("item %s: finished_at: %w", item.ID, err)
		}
		item.FinishedAt = &t
	}
	return item, nil
}

func parseNanos(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}
