package jetstream

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// JetStreamConsumer starts a durable pull consumer on the given subject.
// The returned error is from the subscription attempt; consumption
// itself runs on a goroutine until the context is cancelled. The
// handler returns true to acknowledge the messages and advance, or
// false to have them redelivered after the ack wait.
func JetStreamConsumer(
	ctx context.Context, js nats.JetStreamContext, subj, durable string, batch int,
	f func(ctx context.Context, msgs []*nats.Msg) bool,
	opts ...nats.SubOpt,
) error {
	sub, err := js.PullSubscribe(subj, durable, opts...)
	if err != nil {
		log.WithError(err).Error(fmt.Errorf("%s: failed to pull subscribe", durable))
		return err
	}
	go jetStreamConsumerWorker(ctx, sub, subj, batch, f)
	return nil
}

func jetStreamConsumerWorker(
	ctx context.Context, sub *nats.Subscription, subj string, batch int,
	f func(ctx context.Context, msgs []*nats.Msg) bool,
) {
	for {
		// If the parent context has given up then there's no point in
		// carrying on doing anything anymore. We can stop the loop.
		if ctx.Err() != nil {
			return
		}
		msgs, err := sub.Fetch(batch, nats.Context(ctx))
		if err != nil {
			if err == context.Canceled || err == context.DeadlineExceeded {
				return
			}
			// Unfortunately, there's no ErrTimeout sentinel exported by
			// the client for an empty fetch, so compare the string.
			if err == nats.ErrTimeout || err.Error() == "nats: timeout" {
				continue
			}
			log.WithContext(ctx).WithField("subject", subj).WithError(err).
				Warn("Error on pull subscriber fetch")
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) < 1 {
			continue
		}
		for _, msg := range msgs {
			if err = msg.InProgress(nats.Context(ctx)); err != nil {
				log.WithContext(ctx).WithField("subject", subj).WithError(err).
					Warn("Error marking message as in progress")
				return
			}
		}
		if f(ctx, msgs) {
			for _, msg := range msgs {
				if err = msg.AckSync(nats.Context(ctx)); err != nil {
					log.WithContext(ctx).WithField("subject", subj).WithError(err).
						Warn("Error acknowledging message")
				}
			}
		} else {
			for _, msg := range msgs {
				if err = msg.Nak(nats.Context(ctx)); err != nil {
					log.WithContext(ctx).WithField("subject", subj).WithError(err).
						Warn("Error requeueing message")
				}
			}
		}
	}
}
