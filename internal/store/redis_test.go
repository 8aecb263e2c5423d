package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdart-go/hstqueue/internal/model"
)

func redisURL(mr *miniredis.Miniredis) string {
	return "redis://" + mr.Addr() + "/0"
}

func TestRedisStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		mr := miniredis.RunT(t)
		st, err := CreateRedis(context.Background(), redisURL(mr))
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func TestRedisStore_OpenMissing(t *testing.T) {
	mr := miniredis.RunT(t)
	_, err := OpenRedis(context.Background(), redisURL(mr))
	assert.ErrorIs(t, err, ErrStoreMissing)
}

func TestRedisStore_CreateTwice(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	st, err := CreateRedis(ctx, redisURL(mr))
	require.NoError(t, err)
	defer st.Close()

	_, err = CreateRedis(ctx, redisURL(mr))
	assert.ErrorIs(t, err, ErrStoreExists)
}

func TestRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	url := redisURL(mr)
	mr.Close()

	_, err := OpenRedis(context.Background(), url)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrStoreMissing)
}

func TestRedisStore_NextRunnableSkipsStaleIndex(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	st, err := CreateRedis(ctx, redisURL(mr))
	require.NoError(t, err)
	defer st.Close()

	_, err = st.Enqueue(ctx, newTask("00001", "", 1, 9))
	require.NoError(t, err)
	_, err = st.Enqueue(ctx, newTask("00002", "", 0, 10))
	require.NoError(t, err)

	// Drop the record but leave its queue index entry behind.
	mr.HDel("hstq:tasks", "00001||1")

	next, err := st.NextRunnable(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, model.TaskKey{ProposalID: "00002", Stage: 0}, next.TaskKey)

	members, err := mr.ZMembers("hstq:queued")
	require.NoError(t, err)
	assert.Equal(t, []string{"00002||0"}, members)
}

func TestBootstrap_Redis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	first, err := Bootstrap(ctx, redisURL(mr), ModeFresh)
	require.NoError(t, err)
	_, err = first.Enqueue(ctx, newTask("00001", "", 0, 10))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	kept, err := Bootstrap(ctx, redisURL(mr), ModeContinue)
	require.NoError(t, err)
	tasks, err := kept.Tasks(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
	require.NoError(t, kept.Close())

	erased, err := Bootstrap(ctx, redisURL(mr), ModeFresh)
	require.NoError(t, err)
	defer erased.Close()
	tasks, err = erased.Tasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestRedisStore_EnqueueIndexesRecord(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	st, err := CreateRedis(ctx, redisURL(mr))
	require.NoError(t, err)
	defer st.Close()

	ok, err := st.Enqueue(ctx, newTask("00001", "01", 4, 6))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.Enqueue(ctx, newTask("00001", "01", 4, 1))
	require.NoError(t, err)
	require.False(t, ok)

	members, err := mr.ZMembers("hstq:queued")
	require.NoError(t, err)
	assert.Equal(t, []string{"00001|01|4"}, members, "a duplicate leaves the index untouched")
	score, err := mr.ZScore("hstq:queued", "00001|01|4")
	require.NoError(t, err)
	assert.Equal(t, queueScore(6, 1), score)
}

func TestRedisStore_ClaimRefusesStaleRecord(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	st, err := CreateRedis(ctx, redisURL(mr))
	require.NoError(t, err)
	defer st.Close()

	key := model.TaskKey{ProposalID: "00002", Stage: 0}
	_, err = st.Enqueue(ctx, newTask(key.ProposalID, key.Visit, key.Stage, 10))
	require.NoError(t, err)
	queued := mr.HGet("hstq:tasks", "00002||0")
	require.NotEmpty(t, queued)

	// The record disappears between the read and the claim.
	require.NoError(t, st.Remove(ctx, key))
	n, err := claimScript.Run(ctx, st.rdb,
		[]string{"hstq:tasks", "hstq:queued"},
		"00002||0", queued, `{"status":"running"}`,
	).Int()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, mr.HGet("hstq:tasks", "00002||0"), "a removed record is not written back")
}

func TestRedisStore_ConcurrentReservations(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	first, err := CreateRedis(ctx, redisURL(mr))
	require.NoError(t, err)
	defer first.Close()
	second, err := OpenRedis(ctx, redisURL(mr))
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, 2, reserveConcurrently(t, []Store{first, second}, 6, 2))
	n, err := first.SlotCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestQueueScore(t *testing.T) {
	assert.Less(t, queueScore(2, 900), queueScore(3, 1))
	assert.Less(t, queueScore(5, 1), queueScore(5, 2))
}
