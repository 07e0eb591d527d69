package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reachinbox/scheduler/model"
	"github.com/reachinbox/scheduler/observability"
)

const scheduledSetKey = "emailQueue:scheduled"

func taskKey(id string) string {
	return "emailQueue:task:" + id
}

// enqueueScript performs the existence check and the scheduled-set
// insert in one round-trip so two concurrent enqueues for the same
// dispatch can't both "win".
const enqueueScript = `
local taskKey = KEYS[1]
local setKey = KEYS[2]
local taskID = ARGV[1]
local payload = ARGV[2]
local score = ARGV[3]

if redis.call("EXISTS", taskKey) == 1 then
    return 0
end
redis.call("SET", taskKey, payload)
redis.call("ZADD", setKey, score, taskID)
return 1
`

// reserveScript atomically pops the earliest due task: finds the
// lowest-score member at or before "now", removes it from the
// scheduled set and deletes its payload key, and returns its id and
// payload in one round-trip so two concurrent workers never reserve
// the same task. The payload key is deleted here, not in Ack: a
// reserved task is in flight and no longer lives in the durable
// queue until Reschedule writes it back (on rate-limit or retry), so
// a worker that reserves a task and then crashes leaves nothing
// behind for the sweeper's re-enqueue to collide with.
const reserveScript = `
local setKey = KEYS[1]
local now = ARGV[1]

local due = redis.call("ZRANGEBYSCORE", setKey, "-inf", now, "LIMIT", 0, 1)
if #due == 0 then
    return false
end
local taskID = due[1]
local payload = redis.call("GET", "emailQueue:task:" .. taskID)
redis.call("ZREM", setKey, taskID)
redis.call("DEL", "emailQueue:task:" .. taskID)
return {taskID, payload}
`

// RedisQueue is the production Queue backed by a Redis sorted set
// (score = scheduled unix milliseconds) plus one string key per task
// payload. Both Lua scripts are preloaded and invoked by SHA,
// reloading on a NOSCRIPT response.
type RedisQueue struct {
	client *redis.Client

	enqueueSHA string
	reserveSHA string
}

func NewRedisQueue(ctx context.Context, client *redis.Client) (*RedisQueue, error) {
	enqueueSHA, err := client.ScriptLoad(ctx, enqueueScript).Result()
	if err != nil {
		return nil, err
	}
	reserveSHA, err := client.ScriptLoad(ctx, reserveScript).Result()
	if err != nil {
		return nil, err
	}
	return &RedisQueue{client: client, enqueueSHA: enqueueSHA, reserveSHA: reserveSHA}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, task *model.Task) (bool, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	id := model.TaskID(task.DispatchID)
	payload, err := json.Marshal(task)
	if err != nil {
		return false, err
	}
	score := task.ScheduledAt.UnixMilli()

	result, err := q.evalEnqueue(ctx, id, payload, score)
	if err != nil {
		return false, err
	}
	if result == 1 {
		observability.QueueDepth.Inc()
	}
	return result == 1, nil
}

func (q *RedisQueue) evalEnqueue(ctx context.Context, id string, payload []byte, score int64) (int64, error) {
	keys := []string{taskKey(id), scheduledSetKey}
	result, err := q.client.EvalSha(ctx, q.enqueueSHA, keys, id, string(payload), score).Result()
	if err != nil && isNoScript(err) {
		sha, loadErr := q.client.ScriptLoad(ctx, enqueueScript).Result()
		if loadErr != nil {
			return 0, loadErr
		}
		q.enqueueSHA = sha
		result, err = q.client.EvalSha(ctx, q.enqueueSHA, keys, id, string(payload), score).Result()
	}
	if err != nil {
		return 0, err
	}
	n, ok := result.(int64)
	if !ok {
		return 0, errors.New("queue: unexpected enqueue result type")
	}
	return n, nil
}

func (q *RedisQueue) Reserve(ctx context.Context) (*model.Task, error) {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	now := time.Now().UnixMilli()
	result, err := q.evalReserve(ctx, now)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	pair, ok := result.([]interface{})
	if !ok || len(pair) != 2 {
		return nil, errors.New("queue: unexpected reserve result shape")
	}
	payload, ok := pair[1].(string)
	if !ok {
		return nil, errors.New("queue: missing task payload on reserve")
	}

	var task model.Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return nil, err
	}
	observability.QueueDepth.Dec()
	return &task, nil
}

func (q *RedisQueue) evalReserve(ctx context.Context, now int64) (interface{}, error) {
	keys := []string{scheduledSetKey}
	result, err := q.client.EvalSha(ctx, q.reserveSHA, keys, now).Result()
	if err != nil && isNoScript(err) {
		sha, loadErr := q.client.ScriptLoad(ctx, reserveScript).Result()
		if loadErr != nil {
			return nil, loadErr
		}
		q.reserveSHA = sha
		result, err = q.client.EvalSha(ctx, q.reserveSHA, keys, now).Result()
	}
	if err != nil {
		return nil, err
	}
	if b, ok := result.(bool); ok && !b {
		return nil, nil
	}
	return result, nil
}

// Ack removes the task's payload key. Reserve already deletes it, so
// this is a defensive no-op in the normal path; it only does real
// work if a caller holds a task that was never reserved through this
// queue (e.g. a test fixture).
func (q *RedisQueue) Ack(ctx context.Context, dispatchID string) error {
	id := model.TaskID(dispatchID)
	return q.client.Del(ctx, taskKey(id)).Err()
}

func (q *RedisQueue) Reschedule(ctx context.Context, task *model.Task, scheduledAt time.Time) error {
	task.ScheduledAt = scheduledAt
	id := model.TaskID(task.DispatchID)
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, taskKey(id), payload, 0)
	pipe.ZAdd(ctx, scheduledSetKey, redis.Z{Score: float64(scheduledAt.UnixMilli()), Member: id})
	_, err = pipe.Exec(ctx)
	if err == nil {
		observability.QueueDepth.Inc()
	}
	return err
}

func (q *RedisQueue) Fail(ctx context.Context, task *model.Task) (bool, error) {
	if task.Attempt >= MaxAttempts {
		if err := q.Ack(ctx, task.DispatchID); err != nil {
			return false, err
		}
		return false, nil
	}
	task.Attempt++
	observability.TaskRetries.Inc()
	nextRun := time.Now().Add(BackoffFor(task.Attempt))
	return true, q.Reschedule(ctx, task, nextRun)
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, scheduledSetKey).Result()
}

func isNoScript(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "NOSCRIPT"
}
