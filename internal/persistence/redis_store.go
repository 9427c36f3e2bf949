package persistence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/chronicle/pkg/api"
)

// RedisStore is a Store backed by Redis.
// It uses a simple key structure:
//
//	<prefix>exec:<wf>/<run>      => gob-encoded api.WorkflowExecution
//	<prefix>status:<wf>/<run>    => status of the execution
//	<prefix>latest:<wf>          => run id of the most recent run
//	<prefix>running:<wf>         => run id of the running run, if any
//	<prefix>events:<wf>/<run>    => LIST of gob-encoded events, index+1 is Seq
//	<prefix>dedupe:<wf>/<run>    => HASH dedupe key -> Seq
//	<prefix>idx:all              => ZSET of execution keys scored by creation order
//	<prefix>idx:counter          => creation counter
//
// Every mutation of more than one key runs as a Lua script, so the list
// length and the dedupe hash never disagree.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "chronicle:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "chronicle:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) keyExec(key api.ExecutionKey) string {
	return s.prefix + "exec:" + key.String()
}

func (s *RedisStore) keyStatus(key api.ExecutionKey) string {
	return s.prefix + "status:" + key.String()
}

func (s *RedisStore) keyLatest(workflowID string) string {
	return s.prefix + "latest:" + workflowID
}

func (s *RedisStore) keyRunning(workflowID string) string {
	return s.prefix + "running:" + workflowID
}

func (s *RedisStore) keyEvents(key api.ExecutionKey) string {
	return s.prefix + "events:" + key.String()
}

func (s *RedisStore) keyDedupe(key api.ExecutionKey) string {
	return s.prefix + "dedupe:" + key.String()
}

func (s *RedisStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisStore) keyCounter() string {
	return s.prefix + "idx:counter"
}

// KEYS: exec, running, latest, idx:all, idx:counter, status
// ARGV: body, run id, status
var redisCreateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then return 0 end
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[6], ARGV[3])
if ARGV[3] == 'RUNNING' then redis.call('SET', KEYS[2], ARGV[2]) end
redis.call('SET', KEYS[3], ARGV[2])
local n = redis.call('INCR', KEYS[5])
redis.call('ZADD', KEYS[4], n, KEYS[1])
return 1
`)

// KEYS: exec, running, status
// ARGV: body, run id, status
// Returns 1 on success, 0 when missing, -1 when the execution is closed.
var redisUpdateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
local current = redis.call('GET', KEYS[3])
if current and current ~= 'RUNNING' and current ~= ARGV[3] then return -1 end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[3], ARGV[3])
if ARGV[3] ~= 'RUNNING' and redis.call('GET', KEYS[2]) == ARGV[2] then
  redis.call('DEL', KEYS[2])
end
return 1
`)

// KEYS: exec, events, dedupe
// ARGV: dedupe key, body
// Returns {seq, duplicate}; seq is -1 when the execution does not exist.
var redisAppendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {-1, 0} end
if ARGV[1] ~= '' then
  local seq = redis.call('HGET', KEYS[3], ARGV[1])
  if seq then return {tonumber(seq), 1} end
end
local seq = redis.call('RPUSH', KEYS[2], ARGV[2])
if ARGV[1] ~= '' then redis.call('HSET', KEYS[3], ARGV[1], seq) end
return {seq, 0}
`)

// classifyRedis maps connection failures to api.ErrStorageUnavailable.
func classifyRedis(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, redis.ErrClosed) || isConnectionError(err) ||
		strings.Contains(err.Error(), "connection refused") {
		return unavailable(err)
	}
	return err
}

func (s *RedisStore) CreateExecution(ctx context.Context, exec *api.WorkflowExecution) error {
	body, err := EncodeValue(exec)
	if err != nil {
		return err
	}
	keys := []string{
		s.keyExec(exec.Key),
		s.keyRunning(exec.Key.WorkflowID),
		s.keyLatest(exec.Key.WorkflowID),
		s.keyAll(),
		s.keyCounter(),
		s.keyStatus(exec.Key),
	}
	created, err := redisCreateScript.Run(ctx, s.client, keys, body, exec.Key.RunID, string(exec.Status)).Int()
	if err != nil {
		return classifyRedis(err)
	}
	if created == 0 {
		return api.ErrExecutionAlreadyStarted
	}
	return nil
}

func (s *RedisStore) GetExecution(ctx context.Context, key api.ExecutionKey) (*api.WorkflowExecution, error) {
	if key.RunID == "" {
		runID, err := s.client.Get(ctx, s.keyLatest(key.WorkflowID)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, api.ErrExecutionNotFound
		}
		if err != nil {
			return nil, classifyRedis(err)
		}
		key.RunID = runID
	}

	data, err := s.client.Get(ctx, s.keyExec(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, api.ErrExecutionNotFound
	}
	if err != nil {
		return nil, classifyRedis(err)
	}
	exec, err := DecodeValue[api.WorkflowExecution](data)
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *RedisStore) UpdateExecution(ctx context.Context, exec *api.WorkflowExecution) error {
	body, err := EncodeValue(exec)
	if err != nil {
		return err
	}
	keys := []string{s.keyExec(exec.Key), s.keyRunning(exec.Key.WorkflowID), s.keyStatus(exec.Key)}
	updated, err := redisUpdateScript.Run(ctx, s.client, keys, body, exec.Key.RunID, string(exec.Status)).Int()
	if err != nil {
		return classifyRedis(err)
	}
	if updated < 1 {
		return missingOrTerminal(updated < 0)
	}
	return nil
}

func (s *RedisStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.WorkflowExecution, error) {
	members, err := s.client.ZRange(ctx, s.keyAll(), 0, -1).Result()
	if err != nil {
		return nil, classifyRedis(err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, members...).Result()
	if err != nil {
		return nil, classifyRedis(err)
	}

	var result []*api.WorkflowExecution
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		exec, err := DecodeValue[api.WorkflowExecution]([]byte(str))
		if err != nil {
			return nil, err
		}
		if filter.Matches(&exec) {
			result = append(result, &exec)
		}
	}
	return result, nil
}

func (s *RedisStore) Append(ctx context.Context, ev api.Event) (int64, error) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	body, err := encodeEvent(ev)
	if err != nil {
		return 0, err
	}

	keys := []string{s.keyExec(ev.Key), s.keyEvents(ev.Key), s.keyDedupe(ev.Key)}
	res, err := redisAppendScript.Run(ctx, s.client, keys, ev.DedupeKey, body).Int64Slice()
	if err != nil {
		return 0, classifyRedis(err)
	}
	seq, duplicate := res[0], res[1] == 1
	switch {
	case seq < 0:
		return 0, api.ErrExecutionNotFound
	case duplicate:
		return seq, api.ErrDuplicateEvent
	}
	return seq, nil
}

func (s *RedisStore) Read(ctx context.Context, key api.ExecutionKey, fromSeq int64) ([]api.Event, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	items, err := s.client.LRange(ctx, s.keyEvents(key), fromSeq-1, -1).Result()
	if err != nil {
		return nil, classifyRedis(err)
	}

	out := make([]api.Event, 0, len(items))
	for i, item := range items {
		ev, err := decodeEvent(key, fromSeq+int64(i), []byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
