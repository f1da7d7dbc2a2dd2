package roomyapi

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomy-chat/discord-bridge/bridge/types"
)

func testEvent(n int) types.Event {
	return types.Event{
		ID:   fmt.Sprintf("event-%03d", n),
		Type: types.TypeCreateMessage,
	}
}

func TestBatcherFlushesAtThreshold(t *testing.T) {
	ctx := context.Background()
	var batches [][]types.Event
	b := NewBatcher(3, func(_ context.Context, events []types.Event) error {
		batch := make([]types.Event, len(events))
		copy(batch, events)
		batches = append(batches, batch)
		return nil
	})

	for i := 0; i < 7; i++ {
		require.NoError(t, b.Add(ctx, testEvent(i), nil))
	}
	require.Len(t, batches, 2)
	assert.Equal(t, 1, b.Len())

	require.NoError(t, b.Flush(ctx))
	require.Len(t, batches, 3)
	assert.Zero(t, b.Len())

	// Order is preserved across flushes.
	var got []string
	for _, batch := range batches {
		for _, event := range batch {
			got = append(got, event.ID)
		}
	}
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i])
	}
}

func TestBatcherFlushEmptyIsNoop(t *testing.T) {
	calls := 0
	b := NewBatcher(3, func(context.Context, []types.Event) error {
		calls++
		return nil
	})
	require.NoError(t, b.Flush(context.Background()))
	assert.Zero(t, calls)
}

func TestBatcherRetainsBufferOnError(t *testing.T) {
	ctx := context.Background()
	fail := true
	b := NewBatcher(10, func(context.Context, []types.Event) error {
		if fail {
			return fmt.Errorf("leaf unavailable")
		}
		return nil
	})

	require.NoError(t, b.Add(ctx, testEvent(1), nil))
	require.Error(t, b.Flush(ctx))
	assert.Equal(t, 1, b.Len())

	fail = false
	require.NoError(t, b.Flush(ctx))
	assert.Zero(t, b.Len())
}

func TestBatcherCommitsRunAfterDelivery(t *testing.T) {
	ctx := context.Background()
	fail := true
	b := NewBatcher(10, func(context.Context, []types.Event) error {
		if fail {
			return fmt.Errorf("leaf unavailable")
		}
		return nil
	})

	var committed []string
	commitFor := func(id string) func(context.Context) error {
		return func(context.Context) error {
			committed = append(committed, id)
			return nil
		}
	}
	require.NoError(t, b.Add(ctx, testEvent(1), commitFor("a")))
	require.NoError(t, b.Add(ctx, testEvent(2), commitFor("b")))

	// A failed send commits nothing; the retry delivers and commits in
	// insertion order.
	require.Error(t, b.Flush(ctx))
	assert.Empty(t, committed)

	fail = false
	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, []string{"a", "b"}, committed)

	// Commits run once; a later flush does not replay them.
	require.NoError(t, b.Add(ctx, testEvent(3), nil))
	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, []string{"a", "b"}, committed)
}
