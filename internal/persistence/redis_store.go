package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/virta/pkg/api"
)

// RedisRunStore is a RunStore backed by Redis. It uses a simple key
// structure:
//
//	<prefix>run:<workflowID>:<runID>  => JSON-encoded run record
//	<prefix>cur:<workflowID>          => current run ID for the workflow
//	<prefix>open:<workflowID>         => run ID of the open run, if any
//	<prefix>idx:runs                  => ZSET of run keys, lex-ordered
//
// The open: key is the already-running guard: it is set atomically on
// create and cleared when the run reaches a terminal status.
type RedisRunStore struct {
	client *redis.Client
	prefix string
}

var _ RunStore = (*RedisRunStore)(nil)

type redisRunPayload struct {
	WorkflowID       string          `json:"workflow_id"`
	RunID            string          `json:"run_id"`
	WorkflowType     string          `json:"workflow_type"`
	TaskQueue        string          `json:"task_queue"`
	Status           string          `json:"status"`
	Input            json.RawMessage `json:"input,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	HaltReason       string          `json:"halt_reason,omitempty"`
	CancelRequested  bool            `json:"cancel_requested,omitempty"`
	ParentWorkflowID string          `json:"parent_workflow_id,omitempty"`
	ParentRunID      string          `json:"parent_run_id,omitempty"`
	ParentScheduleID int64           `json:"parent_schedule_id,omitempty"`
	NewRunID         string          `json:"new_run_id,omitempty"`
	RunTimeoutNanos  int64           `json:"run_timeout_nanos,omitempty"`
	StartedAtNanos   int64           `json:"started_at_nanos"`
	ClosedAtNanos    int64           `json:"closed_at_nanos,omitempty"`
}

// NewRedisRunStore creates a RedisRunStore.
// prefix is optional but recommended (e.g. "virta:").
func NewRedisRunStore(client *redis.Client, prefix string) *RedisRunStore {
	if prefix == "" {
		prefix = "virta:"
	}
	return &RedisRunStore{client: client, prefix: prefix}
}

func (s *RedisRunStore) keyRun(workflowID, runID string) string {
	return s.prefix + "run:" + workflowID + ":" + runID
}

func (s *RedisRunStore) keyCurrent(workflowID string) string {
	return s.prefix + "cur:" + workflowID
}

func (s *RedisRunStore) keyOpen(workflowID string) string {
	return s.prefix + "open:" + workflowID
}

func (s *RedisRunStore) keyIndex() string {
	return s.prefix + "idx:runs"
}

func encodeRunRecord(rec *RunRecord) ([]byte, error) {
	payload := redisRunPayload{
		WorkflowID:       rec.WorkflowID,
		RunID:            rec.RunID,
		WorkflowType:     rec.WorkflowType,
		TaskQueue:        rec.TaskQueue,
		Status:           string(rec.Status),
		Input:            rec.Input,
		Result:           rec.Result,
		Error:            rec.Error,
		HaltReason:       rec.HaltReason,
		CancelRequested:  rec.CancelRequested,
		ParentWorkflowID: rec.ParentWorkflowID,
		ParentRunID:      rec.ParentRunID,
		ParentScheduleID: rec.ParentScheduleID,
		NewRunID:         rec.NewRunID,
		RunTimeoutNanos:  int64(rec.RunTimeout),
		StartedAtNanos:   rec.StartedAt.UnixNano(),
		ClosedAtNanos:    closedAtNano(rec.ClosedAt),
	}
	return json.Marshal(&payload)
}

func decodeRunRecord(data []byte) (*RunRecord, error) {
	var payload redisRunPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	rec := &RunRecord{
		WorkflowID:       payload.WorkflowID,
		RunID:            payload.RunID,
		WorkflowType:     payload.WorkflowType,
		TaskQueue:        payload.TaskQueue,
		Status:           api.Status(payload.Status),
		Input:            payload.Input,
		Result:           payload.Result,
		Error:            payload.Error,
		HaltReason:       payload.HaltReason,
		CancelRequested:  payload.CancelRequested,
		ParentWorkflowID: payload.ParentWorkflowID,
		ParentRunID:      payload.ParentRunID,
		ParentScheduleID: payload.ParentScheduleID,
		NewRunID:         payload.NewRunID,
		RunTimeout:       time.Duration(payload.RunTimeoutNanos),
		StartedAt:        time.Unix(0, payload.StartedAtNanos),
	}
	if payload.ClosedAtNanos != 0 {
		rec.ClosedAt = time.Unix(0, payload.ClosedAtNanos)
	}
	return rec, nil
}

// createRunScript refuses the create when an open run exists, then writes
// the record, the current-run pointer, the open marker, and the index entry
// in one atomic step.
//
// KEYS[1] open:<wid>  KEYS[2] run:<wid>:<rid>  KEYS[3] cur:<wid>  KEYS[4] idx
// ARGV[1] runID  ARGV[2] payload  ARGV[3] runKey
var createRunScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("SET", KEYS[2], ARGV[2])
redis.call("SET", KEYS[3], ARGV[1])
redis.call("ZADD", KEYS[4], 0, ARGV[3])
return 1
`)

func (s *RedisRunStore) CreateRun(ctx context.Context, rec *RunRecord) error {
	data, err := encodeRunRecord(rec)
	if err != nil {
		return err
	}
	created, err := createRunScript.Run(ctx, s.client,
		[]string{
			s.keyOpen(rec.WorkflowID),
			s.keyRun(rec.WorkflowID, rec.RunID),
			s.keyCurrent(rec.WorkflowID),
			s.keyIndex(),
		},
		rec.RunID, data, RunKey(rec.WorkflowID, rec.RunID),
	).Int()
	if err != nil {
		return err
	}
	if created == 0 {
		return api.ErrWorkflowAlreadyRunning
	}
	return nil
}

func (s *RedisRunStore) GetRun(ctx context.Context, workflowID, runID string) (*RunRecord, error) {
	data, err := s.client.Get(ctx, s.keyRun(workflowID, runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, api.ErrRunNotFound
		}
		return nil, err
	}
	return decodeRunRecord(data)
}

func (s *RedisRunStore) CurrentRun(ctx context.Context, workflowID string) (*RunRecord, error) {
	runID, err := s.client.Get(ctx, s.keyCurrent(workflowID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, api.ErrRunNotFound
		}
		return nil, err
	}
	return s.GetRun(ctx, workflowID, runID)
}

// updateRunScript overwrites an existing record and drops the open marker
// when the run has reached a terminal status.
//
// KEYS[1] run:<wid>:<rid>  KEYS[2] open:<wid>
// ARGV[1] payload  ARGV[2] runID  ARGV[3] "1" when terminal
var updateRunScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1])
if ARGV[3] == "1" and redis.call("GET", KEYS[2]) == ARGV[2] then
	redis.call("DEL", KEYS[2])
end
return 1
`)

func (s *RedisRunStore) UpdateRun(ctx context.Context, rec *RunRecord) error {
	data, err := encodeRunRecord(rec)
	if err != nil {
		return err
	}
	terminal := "0"
	if rec.Status.IsTerminal() {
		terminal = "1"
	}
	updated, err := updateRunScript.Run(ctx, s.client,
		[]string{
			s.keyRun(rec.WorkflowID, rec.RunID),
			s.keyOpen(rec.WorkflowID),
		},
		data, rec.RunID, terminal,
	).Int()
	if err != nil {
		return err
	}
	if updated == 0 {
		return api.ErrRunNotFound
	}
	return nil
}

func (s *RedisRunStore) ListRuns(ctx context.Context, f RunFilter, afterKey string, limit int) ([]*RunRecord, error) {
	min := "-"
	if afterKey != "" {
		min = "(" + afterKey
	}

	var out []*RunRecord
	cursor := min
	for {
		batch := int64(256)
		keys, err := s.client.ZRangeByLex(ctx, s.keyIndex(), &redis.ZRangeBy{
			Min: cursor, Max: "+", Count: batch,
		}).Result()
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			return out, nil
		}

		pipe := s.client.Pipeline()
		cmds := make([]*redis.StringCmd, len(keys))
		for i, key := range keys {
			wid, rid, _ := splitRunKey(key)
			cmds[i] = pipe.Get(ctx, s.keyRun(wid, rid))
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}

		for _, cmd := range cmds {
			data, err := cmd.Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				return nil, err
			}
			rec, err := decodeRunRecord(data)
			if err != nil {
				return nil, err
			}
			if f.WorkflowType != "" && rec.WorkflowType != f.WorkflowType {
				continue
			}
			if f.Status != "" && rec.Status != f.Status {
				continue
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}

		cursor = "(" + keys[len(keys)-1]
	}
}

// RedisEventLog is an EventLog backed by Redis. Each run's history is a
// list of JSON-encoded events; the append script checks the list length
// against the expected sequence before pushing, so a whole batch lands
// atomically or not at all.
type RedisEventLog struct {
	client *redis.Client
	prefix string
}

var _ EventLog = (*RedisEventLog)(nil)

// NewRedisEventLog creates a RedisEventLog with the given key prefix.
func NewRedisEventLog(client *redis.Client, prefix string) *RedisEventLog {
	if prefix == "" {
		prefix = "virta:"
	}
	return &RedisEventLog{client: client, prefix: prefix}
}

func (l *RedisEventLog) keyEvents(runID string) string {
	return l.prefix + "events:" + runID
}

// KEYS[1] events:<runID>  ARGV[1] expectedSeq  ARGV[2..] payloads
var appendEventsScript = redis.NewScript(`
if redis.call("LLEN", KEYS[1]) ~= tonumber(ARGV[1]) then
	return 0
end
for i = 2, #ARGV do
	redis.call("RPUSH", KEYS[1], ARGV[i])
end
return 1
`)

func (l *RedisEventLog) Append(ctx context.Context, runID string, expectedSeq int64, events []api.Event) error {
	if len(events) == 0 {
		return nil
	}
	args := make([]any, 0, len(events)+1)
	args = append(args, expectedSeq)
	for i, ev := range events {
		ev.Seq = expectedSeq + int64(i)
		data, err := json.Marshal(&ev)
		if err != nil {
			return err
		}
		args = append(args, data)
	}
	ok, err := appendEventsScript.Run(ctx, l.client,
		[]string{l.keyEvents(runID)}, args...).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return api.ErrSequenceConflict
	}
	return nil
}

func (l *RedisEventLog) Read(ctx context.Context, runID string, fromSeq int64) ([]api.Event, error) {
	raw, err := l.client.LRange(ctx, l.keyEvents(runID), fromSeq, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.Event, 0, len(raw))
	for i, item := range raw {
		var ev api.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, err
		}
		ev.Seq = fromSeq + int64(i)
		out = append(out, ev)
	}
	return out, nil
}

func (l *RedisEventLog) Length(ctx context.Context, runID string) (int64, error) {
	return l.client.LLen(ctx, l.keyEvents(runID)).Result()
}

// RedisLockStore is a LockStore backed by Redis, using per-run keys with a
// TTL. Acquisition is SET NX PX with a re-entrancy check; renew and release
// verify the holder server-side.
type RedisLockStore struct {
	client *redis.Client
	prefix string
}

var _ LockStore = (*RedisLockStore)(nil)

// NewRedisLockStore creates a RedisLockStore with the given key prefix.
func NewRedisLockStore(client *redis.Client, prefix string) *RedisLockStore {
	if prefix == "" {
		prefix = "virta:"
	}
	return &RedisLockStore{client: client, prefix: prefix}
}

func (s *RedisLockStore) keyLock(runID string) string {
	return s.prefix + "lock:" + runID
}

// KEYS[1] lock:<runID>  ARGV[1] holder  ARGV[2] ttl millis
var acquireLeaseScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false or cur == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`)

func (s *RedisLockStore) TryAcquireLease(ctx context.Context, runID, holder string, ttl time.Duration) (bool, error) {
	ok, err := acquireLeaseScript.Run(ctx, s.client,
		[]string{s.keyLock(runID)}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return ok == 1, nil
}

// KEYS[1] lock:<runID>  ARGV[1] holder  ARGV[2] ttl millis
var renewLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

func (s *RedisLockStore) RenewLease(ctx context.Context, runID, holder string, ttl time.Duration) error {
	ok, err := renewLeaseScript.Run(ctx, s.client,
		[]string{s.keyLock(runID)}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return api.ErrLeaseLost
	}
	return nil
}

// KEYS[1] lock:<runID>  ARGV[1] holder
var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
end
return 1
`)

func (s *RedisLockStore) ReleaseLease(ctx context.Context, runID, holder string) error {
	return releaseLeaseScript.Run(ctx, s.client,
		[]string{s.keyLock(runID)}, holder).Err()
}

func (s *RedisLockStore) LeaseHolder(ctx context.Context, runID string) (string, time.Time, bool, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, s.keyLock(runID))
	ttlCmd := pipe.PTTL(ctx, s.keyLock(runID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return "", time.Time{}, false, err
	}

	holder, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}
	ttl, err := ttlCmd.Result()
	if err != nil {
		return "", time.Time{}, false, err
	}
	if ttl < 0 {
		return holder, time.Time{}, true, nil
	}
	return holder, time.Now().Add(ttl), true, nil
}
