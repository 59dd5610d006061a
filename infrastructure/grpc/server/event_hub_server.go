package server

import (
	"chitchat/errors"
	"chitchat/infrastructure/grpc/eventhub"
	"chitchat/observability"
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// EventHubServer relays published frames to every session subscribed to
// the channel, the publisher included. It keeps no history: a session only
// receives what is published after its subscription was acknowledged.
type EventHubServer struct {
	log        *slog.Logger
	metrics    *observability.HubMetrics
	outboxSize int

	mu       sync.RWMutex
	channels map[string]map[string]*session // channel -> session id -> session
	sessions int
}

var _ eventhub.EventHubServer = (*EventHubServer)(nil)

type session struct {
	id    string
	out   chan *structpb.Struct
	evict context.CancelCauseFunc
	// channels and closed are guarded by the server mutex.
	channels map[string]struct{}
	closed   bool
}

func NewEventHubServer(log *slog.Logger, metrics *observability.HubMetrics, outboxSize int) *EventHubServer {
	return &EventHubServer{
		log:        log,
		metrics:    metrics,
		outboxSize: outboxSize,
		channels:   make(map[string]map[string]*session),
	}
}

// Connect serves one client session until it disconnects.
// Frames are read and written by dedicated goroutines, so a slow client
// never blocks publishers. A session whose outbox overflows is disconnected
// with ResourceExhausted: its client reconnects and subscribes again rather
// than silently missing events.
func (s *EventHubServer) Connect(stream eventhub.ConnectServer) error {
	ctx, cancel := context.WithCancelCause(stream.Context())
	defer cancel(nil)
	sess := &session{
		id:       uuid.NewString(),
		out:      make(chan *structpb.Struct, s.outboxSize),
		evict:    cancel,
		channels: make(map[string]struct{}),
	}
	s.metrics.Sessions.Inc()
	s.mu.Lock()
	s.sessions++
	s.mu.Unlock()
	s.log.Debug("Session connected", "session", sess.id)
	defer func() {
		s.drop(sess)
		s.metrics.Sessions.Dec()
		s.log.Debug("Session disconnected", "session", sess.id)
	}()

	done := make(chan error, 2)
	go func() { done <- s.read(ctx, stream, sess) }()
	go func() { done <- s.write(ctx, stream, sess) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(context.Cause(ctx), errors.ErrSlowSession) {
			return status.Error(codes.ResourceExhausted, errors.ErrSlowSession.Error())
		}
		return nil
	}
}

func (s *EventHubServer) read(ctx context.Context, stream eventhub.ConnectServer, sess *session) error {
	for {
		msg, err := stream.Recv()
		if err == io.EOF || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}

		frame, err := eventhub.FrameFromStruct(msg)
		if err != nil {
			s.log.Warn("Dropping malformed frame", "session", sess.id, "error", err)
			continue
		}
		s.metrics.Frames.WithLabelValues(string(frame.Op)).Inc()

		switch frame.Op {
		case eventhub.OpSubscribe:
			s.subscribe(sess, frame.Channel)
			if frame.ID == "" {
				continue
			}
			ack := eventhub.Frame{Op: eventhub.OpSubscribed, Channel: frame.Channel, ID: frame.ID}
			select {
			case sess.out <- ack.ToStruct():
			case <-ctx.Done():
				return nil
			}
		case eventhub.OpUnsubscribe:
			s.unsubscribe(sess, frame.Channel)
		case eventhub.OpPublish:
			s.publish(frame.Channel, frame.Payload)
		default:
			s.log.Warn("Unexpected frame from client", "session", sess.id, "op", frame.Op)
		}
	}
}

func (s *EventHubServer) write(ctx context.Context, stream eventhub.ConnectServer, sess *session) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-sess.out:
			if err := stream.Send(msg); err != nil {
				s.log.Error("Failed to push frame to stream", "session", sess.id, "error", err)
				return err
			}
		}
	}
}

func (s *EventHubServer) subscribe(sess *session, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := sess.channels[channel]; ok || sess.closed {
		return
	}
	sess.channels[channel] = struct{}{}
	if _, ok := s.channels[channel]; !ok {
		s.channels[channel] = make(map[string]*session)
	}
	s.channels[channel][sess.id] = sess
	s.metrics.Subscriptions.Inc()
}

func (s *EventHubServer) unsubscribe(sess *session, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribeLocked(sess, channel)
}

func (s *EventHubServer) unsubscribeLocked(sess *session, channel string) {
	if _, ok := sess.channels[channel]; !ok {
		return
	}
	delete(sess.channels, channel)
	if members, ok := s.channels[channel]; ok {
		delete(members, sess.id)
		if len(members) == 0 {
			delete(s.channels, channel)
		}
	}
	s.metrics.Subscriptions.Dec()
}

// drop removes every subscription of a closed session.
func (s *EventHubServer) drop(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions--
	sess.closed = true
	for channel := range sess.channels {
		s.unsubscribeLocked(sess, channel)
	}
}

func (s *EventHubServer) publish(channel string, payload []byte) {
	s.mu.RLock()
	targets := make([]*session, 0, len(s.channels[channel]))
	for _, sess := range s.channels[channel] {
		targets = append(targets, sess)
	}
	s.mu.RUnlock()

	msg := eventhub.Frame{Op: eventhub.OpEvent, Channel: channel, Payload: payload}.ToStruct()
	for _, sess := range targets {
		select {
		case sess.out <- msg:
			s.metrics.Delivered.Inc()
		default:
			s.metrics.Dropped.Inc()
			s.log.Warn("Session outbox full, disconnecting it", "session", sess.id, "channel", channel)
			sess.evict(errors.ErrSlowSession)
		}
	}
}

// Subscribers returns how many sessions listen on channel.
func (s *EventHubServer) Subscribers(channel string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels[channel])
}

func (s *EventHubServer) Stats() observability.HubStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := observability.HubStats{Sessions: s.sessions, Channels: len(s.channels)}
	for _, sessions := range s.channels {
		stats.Subscriptions += len(sessions)
	}
	return stats
}
