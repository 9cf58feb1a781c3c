package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
)

func TestResultQueueFIFO(t *testing.T) {
	t.Parallel()

	q := NewResultQueue(4)
	_, ok := q.TryDequeue()
	require.False(t, ok, "empty queue never blocks")

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, q.Enqueue(context.Background(), crawler.CrowdResult{ItemID: i}))
	}
	require.Equal(t, 3, q.Len())
	for i := int64(1); i <= 3; i++ {
		res, ok := q.TryDequeue()
		require.True(t, ok)
		require.Equal(t, i, res.ItemID)
	}
}

func TestResultQueueEnqueueHonorsContext(t *testing.T) {
	t.Parallel()

	q := NewResultQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), crawler.CrowdResult{ItemID: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Enqueue(ctx, crawler.CrowdResult{ItemID: 2})
	require.EqualError(t, err, "enqueue canceled: context canceled")
}

func TestResultQueueClose(t *testing.T) {
	t.Parallel()

	q := NewResultQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), crawler.CrowdResult{ItemID: 9}))
	q.Close()
	q.Close()

	require.ErrorIs(t, q.Enqueue(context.Background(), crawler.CrowdResult{}), ErrClosed)
	res, ok := q.TryDequeue()
	require.True(t, ok, "buffered results survive close")
	require.Equal(t, int64(9), res.ItemID)
	_, ok = q.TryDequeue()
	require.False(t, ok)
}
