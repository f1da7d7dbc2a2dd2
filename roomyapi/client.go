// Package roomyapi is the client for Leaf-hosted Roomy spaces: a
// single websocket carrying per-space subscriptions, a pull API for
// backfill and the event write API. The bridge is a client of the
// Roomy transport, never an implementation of it.
package roomyapi

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/roomy-chat/discord-bridge/bridge/types"
)

const (
	dialTimeout    = 15 * time.Second
	requestTimeout = 30 * time.Second
	maxBackoff     = 30 * time.Second
)

var eventsReceived = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "roomybridge",
		Subsystem: "roomyapi",
		Name:      "events_received_total",
		Help:      "Roomy events received by space.",
	},
	[]string{"space"},
)

func init() {
	prometheus.MustRegister(eventsReceived)
}

// A BatchHandler consumes one subscription batch for a space. It is
// invoked from the connection's single read loop, so it must not issue
// RPCs on this client for the same space while holding the batch.
type BatchHandler func(ctx context.Context, spaceDid string, items []types.SubscriptionItem, isBackfill bool) error

// A StartFn yields the index to resume a space's subscription from;
// consulted on every (re)connect so replays start at cursor+1.
type StartFn func() uint64

type subscription struct {
	start   StartFn
	handler BatchHandler
}

// wire frames
type clientFrame struct {
	Type   string        `json:"type"`
	ID     uint64        `json:"id,omitempty"`
	Space  string        `json:"space,omitempty"`
	Start  uint64        `json:"start,omitempty"`
	Limit  int           `json:"limit,omitempty"`
	Events []types.Event `json:"events,omitempty"`
}

type serverFrame struct {
	Type     string                   `json:"type"`
	ID       uint64                   `json:"id,omitempty"`
	Space    string                   `json:"space,omitempty"`
	Backfill bool                     `json:"backfill,omitempty"`
	Items    []types.SubscriptionItem `json:"items,omitempty"`
	Error    string                   `json:"error,omitempty"`
}

// Client speaks to one Leaf server. It is shared by every space the
// bridge has bound; subscriptions survive reconnects.
type Client struct {
	url       string
	serverDid string

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string]subscription
	pending map[uint64]chan serverFrame
	nextID  atomic.Uint64
}

func NewClient(url, serverDid string) *Client {
	return &Client{
		url:       url,
		serverDid: serverDid,
		subs:      make(map[string]subscription),
		pending:   make(map[uint64]chan serverFrame),
	}
}

// Subscribe registers the space's handler. If the client is connected
// the subscription is sent immediately; otherwise the next connect
// picks it up.
func (c *Client) Subscribe(spaceDid string, start StartFn, handler BatchHandler) {
	c.mu.Lock()
	c.subs[spaceDid] = subscription{start: start, handler: handler}
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.sendSubscribe(spaceDid, start())
	}
}

// Unsubscribe stops delivery for the space.
func (c *Client) Unsubscribe(spaceDid string) {
	c.mu.Lock()
	delete(c.subs, spaceDid)
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.write(clientFrame{Type: "unsubscribe", Space: spaceDid})
	}
}

// Run maintains the connection until ctx is cancelled, resubscribing
// every registered space from its durable cursor after each reconnect.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithError(err).WithField("leaf_url", c.url).Warn("Leaf connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial leaf %s: %w", c.url, err)
	}
	defer conn.Close() // nolint: errcheck

	if err := conn.WriteJSON(clientFrame{Type: "hello", Space: c.serverDid}); err != nil {
		return fmt.Errorf("leaf hello: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	subs := make(map[string]subscription, len(c.subs))
	for spaceDid, sub := range c.subs {
		subs[spaceDid] = sub
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		// Fail every in-flight request; callers retry after reconnect.
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()

	for spaceDid, sub := range subs {
		c.sendSubscribe(spaceDid, sub.start())
	}

	for {
		if ctx.Err() != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return ctx.Err()
		}
		var frame serverFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("leaf read: %w", err)
		}
		switch frame.Type {
		case "events":
			c.deliver(ctx, frame)
		case "response":
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			delete(c.pending, frame.ID)
			c.mu.Unlock()
			if ok {
				ch <- frame
			}
		default:
			log.WithField("frame_type", frame.Type).Debug("Ignoring unknown leaf frame")
		}
	}
}

func (c *Client) deliver(ctx context.Context, frame serverFrame) {
	c.mu.Lock()
	sub, ok := c.subs[frame.Space]
	c.mu.Unlock()
	if !ok {
		return
	}
	eventsReceived.WithLabelValues(frame.Space).Add(float64(len(frame.Items)))
	// Handler errors are the handler's to report; the subscription
	// keeps flowing and the durable cursor controls what is retried.
	if err := sub.handler(ctx, frame.Space, frame.Items, frame.Backfill); err != nil {
		log.WithError(err).WithField("space", frame.Space).Error("Subscription batch handler failed")
	}
}

func (c *Client) sendSubscribe(spaceDid string, cursor uint64) {
	c.write(clientFrame{Type: "subscribe", Space: spaceDid, Start: cursor + 1})
}

func (c *Client) write(frame clientFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		log.WithError(err).Debug("Leaf write failed")
	}
}

// request performs one correlated RPC over the shared connection.
func (c *Client) request(ctx context.Context, frame clientFrame) (serverFrame, error) {
	id := c.nextID.Add(1)
	frame.ID = id
	ch := make(chan serverFrame, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return serverFrame{}, fmt.Errorf("leaf not connected")
	}
	c.pending[id] = ch
	err := conn.WriteJSON(frame)
	c.mu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return serverFrame{}, fmt.Errorf("leaf write: %w", err)
	}

	timeout := time.NewTimer(requestTimeout)
	defer timeout.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return serverFrame{}, fmt.Errorf("leaf connection closed during request")
		}
		if resp.Error != "" {
			return serverFrame{}, fmt.Errorf("leaf: %s", resp.Error)
		}
		return resp, nil
	case <-timeout.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return serverFrame{}, fmt.Errorf("leaf request timed out")
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return serverFrame{}, ctx.Err()
	}
}

// FetchEvents pulls a page of events for backfill, starting at the
// 1-based index.
func (c *Client) FetchEvents(ctx context.Context, spaceDid string, start uint64, limit int) ([]types.SubscriptionItem, error) {
	resp, err := c.request(ctx, clientFrame{Type: "fetchEvents", Space: spaceDid, Start: start, Limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// SendEvent appends one event to the space.
func (c *Client) SendEvent(ctx context.Context, spaceDid string, event types.Event) error {
	return c.SendEvents(ctx, spaceDid, []types.Event{event})
}

// SendEvents appends events to the space preserving order.
func (c *Client) SendEvents(ctx context.Context, spaceDid string, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}
	_, err := c.request(ctx, clientFrame{Type: "sendEvents", Space: spaceDid, Events: events})
	return err
}
