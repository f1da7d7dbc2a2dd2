package roomyapi

import (
	"context"

	"github.com/roomy-chat/discord-bridge/bridge/types"
)

// DefaultBatchThreshold is how many events a batcher buffers before
// flushing on its own during backfill.
const DefaultBatchThreshold = 50

// A SendFunc writes a batch of events to a space in order.
type SendFunc func(ctx context.Context, events []types.Event) error

// A Batcher buffers events during history import so many events reach
// the space in a few writes. Insertion order is preserved within and
// across flushes. Not safe for concurrent use; each backfill channel
// task owns its own batcher.
type Batcher struct {
	threshold int
	send      SendFunc
	buf       []types.Event
	commits   []func(ctx context.Context) error
}

func NewBatcher(threshold int, send SendFunc) *Batcher {
	if threshold <= 0 {
		threshold = DefaultBatchThreshold
	}
	return &Batcher{threshold: threshold, send: send}
}

// Add buffers one event, flushing when the threshold is reached. The
// commit callback, if any, runs only after a flush has delivered the
// event; callers use it to record the event as synced, so a send
// failure leaves no record and the retry re-emits.
func (b *Batcher) Add(ctx context.Context, event types.Event, commit func(ctx context.Context) error) error {
	b.buf = append(b.buf, event)
	if commit != nil {
		b.commits = append(b.commits, commit)
	}
	if len(b.buf) >= b.threshold {
		return b.Flush(ctx)
	}
	return nil
}

// Flush writes any buffered events, then runs their commit callbacks
// in insertion order. On a send error both buffers are retained so the
// caller can retry without losing events; commits are idempotent, so a
// failure partway through them is safe to rerun.
func (b *Batcher) Flush(ctx context.Context) error {
	if len(b.buf) == 0 {
		return nil
	}
	if err := b.send(ctx, b.buf); err != nil {
		return err
	}
	b.buf = b.buf[:0]
	commits := b.commits
	b.commits = nil
	for _, commit := range commits {
		if err := commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of buffered events.
func (b *Batcher) Len() int { return len(b.buf) }
