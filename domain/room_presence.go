package domain

import (
	"chitchat/contract"
	"chitchat/domain/event"
	"chitchat/runtime"
	"context"
	"fmt"
)

// Join brings participant into the room. It is a no-op when the
// participant is already present or a join/leave for it is in flight.
//
// The Participants row is upserted first, then the room channels are
// subscribed; the join is only announced once the message channel
// subscription is acknowledged, so the joiner cannot miss its own echo.
// Stored messages are loaded last.
func (r *Room) Join(ctx context.Context, participant string) error {
	if !r.beginTransition(participant, Joining) {
		return r.usable()
	}
	defer r.endTransition(participant)

	docID := ParticipantDocID(participant, r.info.Name)
	var subscribed []string

	err := runtime.NewSaga("join "+r.info.Name, r.log).
		Step("persist participant",
			func(ctx context.Context) error {
				return r.store.ReplaceOne(ctx, ParticipantsCollection,
					contract.Document{"_id": docID}, participantDocument(participant, r.info.Name), true)
			},
			func(ctx context.Context) error {
				_, err := r.store.DeleteMany(ctx, ParticipantsCollection, contract.Document{"_id": docID})
				return err
			}).
		Step("subscribe room channels",
			func(ctx context.Context) error {
				var err error
				subscribed, err = r.subscribeRoomChannels(ctx)
				return err
			},
			func(context.Context) error {
				r.unsubscribeChannels(subscribed)
				return nil
			}).
		Step("announce join",
			func(ctx context.Context) error {
				return r.publish(ctx, event.JoinChannel(r.info.Name),
					event.ParticipantJoined{Room: r.info.Name, Participant: participant}, false)
			}, nil).
		Run(ctx)
	if err != nil {
		return fmt.Errorf("join %s: %w", r.info.Name, err)
	}

	if err := r.LoadMessages(ctx); err != nil {
		return fmt.Errorf("join %s: %w", r.info.Name, err)
	}
	r.log.Debug("Participant joined", "participant", participant)
	return nil
}

// Leave removes participant from the room. It is a no-op when the
// participant is absent. Unsubscription happens in the leave handler so a
// removal triggered by another client terminates the same way.
func (r *Room) Leave(ctx context.Context, participant string) error {
	if !r.beginTransition(participant, Leaving) {
		return nil
	}
	defer r.endTransition(participant)

	docID := ParticipantDocID(participant, r.info.Name)
	var removed []contract.Document

	err := runtime.NewSaga("leave "+r.info.Name, r.log).
		Step("delete participant",
			func(ctx context.Context) error {
				rows, err := r.store.Find(ctx, ParticipantsCollection, contract.Document{"_id": docID})
				if err != nil {
					return err
				}
				removed = rows
				_, err = r.store.DeleteMany(ctx, ParticipantsCollection, contract.Document{"_id": docID})
				return err
			},
			func(ctx context.Context) error {
				for _, row := range removed {
					if err := r.store.ReplaceOne(ctx, ParticipantsCollection, contract.Document{"_id": docID}, row, true); err != nil {
						return err
					}
				}
				return nil
			}).
		Step("announce leave",
			func(ctx context.Context) error {
				return r.publish(ctx, event.LeaveChannel(r.info.Name),
					event.ParticipantLeft{Room: r.info.Name, Participant: participant}, false)
			}, nil).
		Run(ctx)
	if err != nil {
		return fmt.Errorf("leave %s: %w", r.info.Name, err)
	}
	r.log.Debug("Participant left", "participant", participant)
	return nil
}

// beginTransition marks participant as joining or leaving. It refuses when
// the room is unusable, a transition is already in flight, or the roster
// already reflects the target state.
func (r *Room) beginTransition(participant string, to PresenceState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.usableLocked() != nil {
		return false
	}
	if _, busy := r.pending[participant]; busy {
		return false
	}
	_, present := r.participants[participant]
	if (to == Joining && present) || (to == Leaving && !present) {
		return false
	}
	r.pending[participant] = to
	return true
}

func (r *Room) endTransition(participant string) {
	r.mu.Lock()
	delete(r.pending, participant)
	r.mu.Unlock()
}

func (r *Room) usable() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usableLocked()
}

// subscribeRoomChannels subscribes message, join and leave channels in that
// order and returns the channels it newly subscribed.
func (r *Room) subscribeRoomChannels(ctx context.Context) ([]string, error) {
	name := r.info.Name
	var subscribed []string
	for _, s := range []struct {
		channel string
		handler contract.Handler
	}{
		{event.MessageChannel(name), r.onMessage},
		{event.JoinChannel(name), r.onJoin},
		{event.LeaveChannel(name), r.onLeave},
	} {
		fresh, err := r.subscribe(ctx, s.channel, s.handler)
		if err != nil {
			r.unsubscribeChannels(subscribed)
			return nil, err
		}
		if fresh {
			subscribed = append(subscribed, s.channel)
		}
	}
	return subscribed, nil
}

func (r *Room) unsubscribeChannels(channels []string) {
	r.mu.Lock()
	subs := make(map[string]string, len(channels))
	for _, channel := range channels {
		if id, ok := r.subs[channel]; ok {
			subs[channel] = id
			delete(r.subs, channel)
		}
	}
	r.mu.Unlock()
	r.unsubscribeAll(subs)
}

// keepWhenAbsent retains the deletion channel, which lives as long as the
// room is listed, whether or not this client is a participant.
func (r *Room) keepWhenAbsent(channel string) bool {
	return channel == event.DeleteChannel(r.info.Name)
}

func (r *Room) onJoin(payload []byte) {
	evt, err := event.Decode[event.ParticipantJoined](payload)
	if err != nil {
		r.log.Warn("Dropping join event", "error", err)
		return
	}
	if evt.Room != r.info.Name {
		return
	}

	r.mu.Lock()
	if r.usableLocked() != nil {
		r.mu.Unlock()
		return
	}
	if _, ok := r.participants[evt.Participant]; ok {
		r.mu.Unlock()
		return
	}
	r.participants[evt.Participant] = struct{}{}
	c := r.colors.Assign(evt.Participant)
	snap := r.snapshotLocked()
	view := r.view
	r.mu.Unlock()

	view.Repaint(evt.Participant, c)
	view.Refresh(snap)
	r.refreshRooms(evt.Participant)
}

func (r *Room) onLeave(payload []byte) {
	evt, err := event.Decode[event.ParticipantLeft](payload)
	if err != nil {
		r.log.Warn("Dropping leave event", "error", err)
		return
	}
	if evt.Room != r.info.Name {
		return
	}

	r.mu.Lock()
	if r.usableLocked() != nil {
		r.mu.Unlock()
		return
	}
	if _, ok := r.participants[evt.Participant]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.participants, evt.Participant)
	r.colors.Release(evt.Participant)

	var subs map[string]string
	if evt.Participant == r.self {
		// Our own departure: stop delivery and free the local messages.
		subs = r.takeSubsLocked(r.keepWhenAbsent)
		r.purgeMessagesLocked()
	}
	snap := r.snapshotLocked()
	view := r.view
	r.mu.Unlock()

	r.unsubscribeAll(subs)
	view.Repaint(evt.Participant, DepartedColor)
	view.Refresh(snap)
	r.refreshRooms(evt.Participant)
}

func (r *Room) purgeMessagesLocked() {
	r.messages = nil
	r.index = make(map[string]*Message)
	r.replyTarget = nil
}
