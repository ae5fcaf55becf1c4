package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"pos-payments-go/internal/models"

	"github.com/redis/go-redis/v9"
)

// cancelFlagTTL bounds how long a cancel flag outlives its job.
const cancelFlagTTL = 24 * time.Hour

// KEYS[1]=jobs hash, KEYS[2]=due zset, KEYS[3]=cancel flag
// ARGV[1]=id, ARGV[2]=job json, ARGV[3]=run_at ms
const luaPut = `
redis.call('DEL', KEYS[3])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`

// KEYS[1]=jobs hash, KEYS[2]=due zset
// ARGV[1]=now ms, ARGV[2]=leased run_at ms, ARGV[3]=limit
const luaClaim = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for _, id in ipairs(ids) do
  local raw = redis.call('HGET', KEYS[1], id)
  if raw then
    redis.call('ZADD', KEYS[2], ARGV[2], id)
    table.insert(out, raw)
  else
    redis.call('ZREM', KEYS[2], id)
  end
end
return out
`

// KEYS[1]=jobs hash, KEYS[2]=due zset, KEYS[3]=cancel flag
// ARGV[1]=id, ARGV[2]=job json, ARGV[3]=run_at ms
const luaReschedule = `
if redis.call('EXISTS', KEYS[3]) == 1 then
  redis.call('DEL', KEYS[3])
  redis.call('ZREM', KEYS[2], ARGV[1])
  redis.call('HDEL', KEYS[1], ARGV[1])
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`

// KEYS[1]=jobs hash, KEYS[2]=due zset, KEYS[3]=cancel flag
// ARGV[1]=id, ARGV[2]=flag ttl ms
const luaCancel = `
redis.call('SET', KEYS[3], '1', 'PX', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[1], ARGV[1])
return 1
`

// RedisStore shares jobs between processor instances. Claims are atomic, so
// each due job is handed to one worker per lease.
type RedisStore struct {
	rdb           redis.UniversalClient
	prefix        string
	scrPut        *redis.Script
	scrClaim      *redis.Script
	scrReschedule *redis.Script
	scrCancel     *redis.Script
}

// Compile-time check: *RedisStore must satisfy Store.
var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "pos:jobs"
	}
	return &RedisStore{
		rdb:           rdb,
		prefix:        prefix,
		scrPut:        redis.NewScript(luaPut),
		scrClaim:      redis.NewScript(luaClaim),
		scrReschedule: redis.NewScript(luaReschedule),
		scrCancel:     redis.NewScript(luaCancel),
	}
}

// NewRedisClient connects to the configured Redis and checks it answers.
func NewRedisClient(ctx context.Context, cfg models.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("unable to reach redis at %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

func (r *RedisStore) keyJobs() string { return r.prefix + ":jobs" }
func (r *RedisStore) keyDue() string  { return r.prefix + ":due" }
func (r *RedisStore) keyCancel(id string) string {
	return r.prefix + ":cancel:" + id
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (r *RedisStore) Put(ctx context.Context, job Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	keys := []string{r.keyJobs(), r.keyDue(), r.keyCancel(job.Id)}
	return r.scrPut.Run(ctx, r.rdb, keys, job.Id, string(b), millis(job.RunAt)).Err()
}

func (r *RedisStore) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	keys := []string{r.keyJobs(), r.keyDue()}
	raw, err := r.scrClaim.Run(ctx, r.rdb, keys, millis(now), millis(now.Add(lease)), limit).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	jobs := make([]Job, 0, len(raw))
	for _, s := range raw {
		var job Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			return nil, fmt.Errorf("corrupt job payload: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *RedisStore) Reschedule(ctx context.Context, job Job) (bool, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	keys := []string{r.keyJobs(), r.keyDue(), r.keyCancel(job.Id)}
	kept, err := r.scrReschedule.Run(ctx, r.rdb, keys, job.Id, string(b), millis(job.RunAt)).Int()
	if err != nil {
		return false, err
	}
	return kept == 1, nil
}

func (r *RedisStore) Cancel(ctx context.Context, id string) error {
	keys := []string{r.keyJobs(), r.keyDue(), r.keyCancel(id)}
	return r.scrCancel.Run(ctx, r.rdb, keys, id, cancelFlagTTL.Milliseconds()).Err()
}

func (r *RedisStore) Remove(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.ZRem(ctx, r.keyDue(), id)
	pipe.HDel(ctx, r.keyJobs(), id)
	pipe.Del(ctx, r.keyCancel(id))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	raw, err := r.rdb.HGet(ctx, r.keyJobs(), id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("corrupt job payload: %w", err)
	}
	return &job, nil
}
