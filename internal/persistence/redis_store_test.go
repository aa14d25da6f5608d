package persistence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/virta/internal/testutil"
	"github.com/petrijr/virta/pkg/api"
)

const redisTestPrefix = "virta:test:"

type RedisStoreTestSuite struct {
	suite.Suite
	client *redis.Client
	ctx    context.Context

	runs   *RedisRunStore
	events *RedisEventLog
	locks  *RedisLockStore
}

func TestRedisStoreSuite(t *testing.T) {
	testsuite := new(RedisStoreTestSuite)
	initTestRedisStores(t, testsuite)
	suite.Run(t, testsuite)
}

// initTestRedisStores connects to the shared test Redis and builds all three
// stores under a test-specific prefix.
func initTestRedisStores(t *testing.T, ts *RedisStoreTestSuite) {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: testutil.GetRedisAddress(t),
	})
	t.Cleanup(func() {
		_ = client.Close()
	})
	ts.client = client
	ts.ctx = context.Background()

	if err := client.Ping(ts.ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}

	ts.runs = NewRedisRunStore(client, redisTestPrefix)
	ts.events = NewRedisEventLog(client, redisTestPrefix)
	ts.locks = NewRedisLockStore(client, redisTestPrefix)
}

func (r *RedisStoreTestSuite) SetupTest() {
	// Clean up all keys with this prefix.
	iter := r.client.Scan(r.ctx, 0, redisTestPrefix+"*", 0).Iterator()
	for iter.Next(r.ctx) {
		err := r.client.Del(r.ctx, iter.Val()).Err()
		r.NoErrorf(err, "redis DEL %q failed", iter.Val())
	}
	r.NoError(iter.Err(), "redis SCAN failed")
}

func (r *RedisStoreTestSuite) TestRunStore_CreateGetUpdate() {
	rec := newRunRecord("wf-redis-1", "run-1")
	r.Require().NoError(r.runs.CreateRun(r.ctx, rec))

	got, err := r.runs.GetRun(r.ctx, "wf-redis-1", "run-1")
	r.Require().NoError(err)
	r.Equal("test-wf", got.WorkflowType)
	r.Equal(api.StatusRunning, got.Status)
	r.JSONEq(`{"n":1}`, string(got.Input))

	cur, err := r.runs.CurrentRun(r.ctx, "wf-redis-1")
	r.Require().NoError(err)
	r.Equal("run-1", cur.RunID)

	got.Status = api.StatusCompleted
	got.Result = json.RawMessage(`"done"`)
	got.ClosedAt = time.Now()
	r.Require().NoError(r.runs.UpdateRun(r.ctx, got))

	got2, err := r.runs.GetRun(r.ctx, "wf-redis-1", "run-1")
	r.Require().NoError(err)
	r.Equal(api.StatusCompleted, got2.Status)
	r.Equal(`"done"`, string(got2.Result))
	r.False(got2.ClosedAt.IsZero())
}

func (r *RedisStoreTestSuite) TestRunStore_MissingRuns() {
	_, err := r.runs.GetRun(r.ctx, "wf-missing", "run-x")
	r.ErrorIs(err, api.ErrRunNotFound)

	_, err = r.runs.CurrentRun(r.ctx, "wf-missing")
	r.ErrorIs(err, api.ErrRunNotFound)

	err = r.runs.UpdateRun(r.ctx, newRunRecord("wf-missing", "run-x"))
	r.ErrorIs(err, api.ErrRunNotFound)
}

func (r *RedisStoreTestSuite) TestRunStore_OpenRunGuard() {
	r.Require().NoError(r.runs.CreateRun(r.ctx, newRunRecord("wf-guard", "run-1")))

	// A second open run for the same workflow ID must be refused.
	err := r.runs.CreateRun(r.ctx, newRunRecord("wf-guard", "run-2"))
	r.ErrorIs(err, api.ErrWorkflowAlreadyRunning)

	// Closing the run frees the workflow ID for a fresh start.
	rec, err := r.runs.GetRun(r.ctx, "wf-guard", "run-1")
	r.Require().NoError(err)
	rec.Status = api.StatusFailed
	rec.Error = "boom"
	rec.ClosedAt = time.Now()
	r.Require().NoError(r.runs.UpdateRun(r.ctx, rec))

	r.Require().NoError(r.runs.CreateRun(r.ctx, newRunRecord("wf-guard", "run-2")))

	cur, err := r.runs.CurrentRun(r.ctx, "wf-guard")
	r.Require().NoError(err)
	r.Equal("run-2", cur.RunID)
}

func (r *RedisStoreTestSuite) TestRunStore_ListRunsFilterAndPagination() {
	for i, id := range []string{"wf-l-a", "wf-l-b", "wf-l-c", "wf-l-d"} {
		rec := newRunRecord(id, "run-1")
		if i%2 == 1 {
			rec.WorkflowType = "other-wf"
		}
		r.Require().NoError(r.runs.CreateRun(r.ctx, rec))
	}

	byType, err := r.runs.ListRuns(r.ctx, RunFilter{WorkflowType: "other-wf"}, "", 0)
	r.Require().NoError(err)
	r.Len(byType, 2)

	// Page through everything two at a time.
	var seen []string
	after := ""
	for {
		page, err := r.runs.ListRuns(r.ctx, RunFilter{}, after, 2)
		r.Require().NoError(err)
		if len(page) == 0 {
			break
		}
		for _, rec := range page {
			seen = append(seen, rec.WorkflowID)
		}
		last := page[len(page)-1]
		after = RunKey(last.WorkflowID, last.RunID)
	}
	r.Equal([]string{"wf-l-a", "wf-l-b", "wf-l-c", "wf-l-d"}, seen)
}

func (r *RedisStoreTestSuite) TestEventLog_AppendReadConflict() {
	ev1, err := api.NewEvent(api.EventWorkflowStarted, time.Now(), api.WorkflowStartedAttributes{WorkflowType: "test-wf"})
	r.Require().NoError(err)
	ev2, err := api.NewEvent(api.EventSignalReceived, time.Now(), api.SignalReceivedAttributes{Name: "go"})
	r.Require().NoError(err)

	r.Require().NoError(r.events.Append(r.ctx, "run-ev", 0, []api.Event{ev1, ev2}))

	// A stale expected sequence must refuse the whole batch.
	err = r.events.Append(r.ctx, "run-ev", 1, []api.Event{ev2})
	r.ErrorIs(err, api.ErrSequenceConflict)

	n, err := r.events.Length(r.ctx, "run-ev")
	r.Require().NoError(err)
	r.EqualValues(2, n)

	all, err := r.events.Read(r.ctx, "run-ev", 0)
	r.Require().NoError(err)
	r.Require().Len(all, 2)
	r.EqualValues(0, all[0].Seq)
	r.Equal(api.EventWorkflowStarted, all[0].Kind)
	r.EqualValues(1, all[1].Seq)
	r.Equal(api.EventSignalReceived, all[1].Kind)

	tail, err := r.events.Read(r.ctx, "run-ev", 1)
	r.Require().NoError(err)
	r.Require().Len(tail, 1)
	r.EqualValues(1, tail[0].Seq)
}

func (r *RedisStoreTestSuite) TestLockStore_AcquireRenewRelease() {
	ok, err := r.locks.TryAcquireLease(r.ctx, "run-lk", "worker-a", time.Minute)
	r.Require().NoError(err)
	r.True(ok)

	// Re-entrant for the same holder, refused for anyone else.
	ok, err = r.locks.TryAcquireLease(r.ctx, "run-lk", "worker-a", time.Minute)
	r.Require().NoError(err)
	r.True(ok)
	ok, err = r.locks.TryAcquireLease(r.ctx, "run-lk", "worker-b", time.Minute)
	r.Require().NoError(err)
	r.False(ok)

	holder, expiry, held, err := r.locks.LeaseHolder(r.ctx, "run-lk")
	r.Require().NoError(err)
	r.True(held)
	r.Equal("worker-a", holder)
	r.True(expiry.After(time.Now()))

	r.NoError(r.locks.RenewLease(r.ctx, "run-lk", "worker-a", time.Minute))
	r.ErrorIs(r.locks.RenewLease(r.ctx, "run-lk", "worker-b", time.Minute), api.ErrLeaseLost)

	// Release by a non-holder is a no-op, by the holder it frees the run.
	r.NoError(r.locks.ReleaseLease(r.ctx, "run-lk", "worker-b"))
	_, _, held, err = r.locks.LeaseHolder(r.ctx, "run-lk")
	r.Require().NoError(err)
	r.True(held)

	r.NoError(r.locks.ReleaseLease(r.ctx, "run-lk", "worker-a"))
	_, _, held, err = r.locks.LeaseHolder(r.ctx, "run-lk")
	r.Require().NoError(err)
	r.False(held)
}

func (r *RedisStoreTestSuite) TestLockStore_LeaseExpires() {
	ok, err := r.locks.TryAcquireLease(r.ctx, "run-exp", "worker-a", 50*time.Millisecond)
	r.Require().NoError(err)
	r.True(ok)

	time.Sleep(120 * time.Millisecond)

	ok, err = r.locks.TryAcquireLease(r.ctx, "run-exp", "worker-b", time.Minute)
	r.Require().NoError(err)
	r.True(ok)
}
