package client

import (
	"chitchat/contract"
	"chitchat/errors"
	"chitchat/infrastructure/bus"
	"chitchat/infrastructure/grpc/eventhub"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
)

// EventHubClient is the networked EventBus. Handlers run one at a time on
// a dispatcher goroutine, in arrival order; they may subscribe, unsubscribe
// and publish freely.
//
// Subscriptions are persistent: they are kept locally while the hub is
// unreachable and sent again on every reconnection. Run is meant to be
// restarted by a supervisor when the stream breaks.
type EventHubClient struct {
	log      *slog.Logger
	cc       grpc.ClientConnInterface
	registry *bus.Registry
	inbox    *inbox

	// subMu serializes the decision to (un)subscribe a channel on the hub.
	subMu  sync.Mutex
	sendMu sync.Mutex

	mu     sync.Mutex
	stream eventhub.ConnectClient
	ready  chan struct{}
	acks   map[string]chan error
}

var (
	_ contract.IEventBus = (*EventHubClient)(nil)
	_ contract.Worker    = (*EventHubClient)(nil)
)

func NewEventHubClient(cc grpc.ClientConnInterface, log *slog.Logger) *EventHubClient {
	return &EventHubClient{
		log:      log,
		cc:       cc,
		registry: bus.NewRegistry(),
		inbox:    newInbox(),
		ready:    make(chan struct{}),
		acks:     make(map[string]chan error),
	}
}

// Run opens the stream, replays the subscriptions and pumps frames until
// the stream breaks or ctx is cancelled.
func (c *EventHubClient) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	stream, err := eventhub.Connect(ctx, c.cc, grpc.WaitForReady(true))
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("event hub connect: %w", err)
	}
	// Holding subMu until the stream is published means a subscription is
	// either in the replayed snapshot or sent on the new stream.
	c.subMu.Lock()
	channels := c.registry.Channels()
	for _, channel := range channels {
		if err := c.send(stream, eventhub.Frame{Op: eventhub.OpSubscribe, Channel: channel}); err != nil {
			c.subMu.Unlock()
			return fmt.Errorf("event hub resubscribe: %w", err)
		}
	}
	c.setStream(stream)
	c.subMu.Unlock()
	defer c.clearStream()
	c.log.Info("Connected to event hub", "subscriptions", len(channels))

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.dispatch(ctx)
	}()

	for {
		msg, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event hub stream: %w", err)
		}
		frame, err := eventhub.FrameFromStruct(msg)
		if err != nil {
			c.log.Warn("Dropping malformed frame", "error", err)
			continue
		}
		switch frame.Op {
		case eventhub.OpSubscribed:
			c.resolveAck(frame.ID, nil)
		case eventhub.OpEvent:
			c.inbox.push(delivery{channel: frame.Channel, payload: frame.Payload})
		default:
			c.log.Warn("Unexpected frame from hub", "op", frame.Op)
		}
	}
}

// Subscribe returns once the hub acknowledged the channel. While no stream
// is open the subscription is only recorded, and sent on the next
// connection. A subscription sent but never acknowledged is withdrawn and
// reported with ErrHubNotConnected.
func (c *EventHubClient) Subscribe(ctx context.Context, channel string, handler contract.Handler) (string, error) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id, first := c.registry.Add(channel, handler)
	if !first {
		return id, nil
	}
	stream, ok := c.current()
	if !ok {
		c.log.Debug("Hub unreachable, subscription deferred", "channel", channel)
		return id, nil
	}

	ackID := uuid.NewString()
	ack := c.expectAck(ackID)
	if err := c.send(stream, eventhub.Frame{Op: eventhub.OpSubscribe, Channel: channel, ID: ackID}); err != nil {
		c.resolveAck(ackID, err)
		c.registry.Remove(channel, id)
		return "", fmt.Errorf("subscribe %s: %w: %v", channel, errors.ErrHubNotConnected, err)
	}
	select {
	case err := <-ack:
		if err != nil {
			c.registry.Remove(channel, id)
			return "", fmt.Errorf("subscribe %s: %w", channel, err)
		}
		return id, nil
	case <-ctx.Done():
		c.resolveAck(ackID, ctx.Err())
		c.unsubscribeLocked(channel, id)
		return "", ctx.Err()
	}
}

func (c *EventHubClient) Unsubscribe(channel, id string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.unsubscribeLocked(channel, id)
}

func (c *EventHubClient) unsubscribeLocked(channel, id string) {
	if !c.registry.Remove(channel, id) {
		return
	}
	stream, ok := c.current()
	if !ok {
		return
	}
	if err := c.send(stream, eventhub.Frame{Op: eventhub.OpUnsubscribe, Channel: channel}); err != nil {
		c.log.Debug("Unsubscribe not sent", "channel", channel, "error", err)
	}
}

// Publish sends payload through the hub. A local publish skips the hub and
// only reaches the handlers of this process.
func (c *EventHubClient) Publish(ctx context.Context, channel string, payload []byte, local bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if local {
		c.inbox.push(delivery{channel: channel, payload: payload})
		return nil
	}
	stream, ok := c.current()
	if !ok {
		return fmt.Errorf("publish %s: %w", channel, errors.ErrHubNotConnected)
	}
	return c.send(stream, eventhub.Frame{Op: eventhub.OpPublish, Channel: channel, Payload: payload})
}

// WaitConnected blocks until a stream is open.
func (c *EventHubClient) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *EventHubClient) Connected() bool {
	_, ok := c.current()
	return ok
}

func (c *EventHubClient) current() (eventhub.ConnectClient, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream, c.stream != nil
}

func (c *EventHubClient) setStream(stream eventhub.ConnectClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream = stream
	close(c.ready)
}

// clearStream fails the pending acknowledgements so no subscriber waits on
// a dead stream.
func (c *EventHubClient) clearStream() {
	c.mu.Lock()
	c.stream = nil
	c.ready = make(chan struct{})
	acks := c.acks
	c.acks = make(map[string]chan error)
	c.mu.Unlock()

	for _, ack := range acks {
		ack <- errors.ErrHubNotConnected
	}
}

func (c *EventHubClient) expectAck(id string) chan error {
	ack := make(chan error, 1)
	c.mu.Lock()
	c.acks[id] = ack
	c.mu.Unlock()
	return ack
}

func (c *EventHubClient) resolveAck(id string, err error) {
	c.mu.Lock()
	ack, ok := c.acks[id]
	delete(c.acks, id)
	c.mu.Unlock()
	if ok {
		ack <- err
	}
}

func (c *EventHubClient) send(stream eventhub.ConnectClient, f eventhub.Frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return stream.Send(f.ToStruct())
}

func (c *EventHubClient) dispatch(ctx context.Context) {
	for {
		d, ok := c.inbox.pop(ctx)
		if !ok {
			return
		}
		for _, handler := range c.registry.Handlers(d.channel) {
			c.deliver(handler, d)
		}
	}
}

func (c *EventHubClient) deliver(handler contract.Handler, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Handler panicked", "channel", d.channel, "panic", r)
		}
	}()
	handler(d.payload)
}

type delivery struct {
	channel string
	payload []byte
}

// inbox is an unbounded FIFO so the receive loop never blocks on a handler.
type inbox struct {
	mu     sync.Mutex
	items  []delivery
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (q *inbox) push(d delivery) {
	q.mu.Lock()
	q.items = append(q.items, d)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *inbox) pop(ctx context.Context) (delivery, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			d := q.items[0]
			q.items[0] = delivery{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return d, true
		}
		q.mu.Unlock()
		select {
		case <-q.signal:
		case <-ctx.Done():
			return delivery{}, false
		}
	}
}
