package domain

import (
	"chitchat/contract"
	"chitchat/domain/event"
	"chitchat/errors"
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/samber/lo"
)

// Publish posts text from the given author. Without a reply target a root
// message is pushed onto the room document and broadcast; the author sees
// it only when the broadcast comes back. With a reply target the message
// becomes a reply of the target, and the target is cleared on success.
func (r *Room) Publish(ctx context.Context, from, text string) (MessageData, error) {
	if r.filter != nil {
		var censored []string
		text, censored = r.filter.Censor(text)
		if len(censored) > 0 {
			r.log.Info("Message censored", "from", from, "words", censored)
		}
	}

	r.mu.Lock()
	if err := r.usableLocked(); err != nil {
		r.mu.Unlock()
		return MessageData{}, err
	}
	target := r.replyTarget
	date := r.now()
	r.mu.Unlock()

	m := NewMessage(from, text, date)
	if target != nil {
		if err := target.Reply(ctx, r, m); err != nil {
			return MessageData{}, err
		}
		r.mu.Lock()
		if r.replyTarget == target {
			r.replyTarget = nil
		}
		r.mu.Unlock()
		return m.Data(), nil
	}

	data := m.Data()
	doc, err := messageDocument(data)
	if err != nil {
		return MessageData{}, err
	}
	err = r.store.UpdateOne(ctx, RoomsCollection,
		contract.Document{"_id": r.info.Name},
		contract.Document{"$push": contract.Document{"messages": doc}})
	if err != nil {
		return MessageData{}, fmt.Errorf("publish in %s: %w", r.info.Name, err)
	}
	if err := r.broadcastMessage(ctx, data); err != nil {
		return MessageData{}, err
	}
	return data, nil
}

// SetReplyTo makes the next Publish a reply. Targeting a reply targets its
// root since threads are one level deep.
func (r *Room) SetReplyTo(messageID string) error {
	r.mu.Lock()
	if err := r.usableLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	m, ok := r.index[messageID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", errors.ErrUnknownMessage, messageID)
	}
	r.replyTarget = m.root()
	snap := r.snapshotLocked()
	view := r.view
	r.mu.Unlock()

	view.Refresh(snap)
	return nil
}

func (r *Room) ClearReplyTo() {
	r.mu.Lock()
	r.replyTarget = nil
	snap := r.snapshotLocked()
	view := r.view
	r.mu.Unlock()

	view.Refresh(snap)
}

// ReplyTarget returns the id of the current reply target, if any.
func (r *Room) ReplyTarget() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replyTarget == nil {
		return "", false
	}
	return r.replyTarget.id, true
}

// Like toggles participant's like on the message with that id.
func (r *Room) Like(ctx context.Context, messageID, participant string) error {
	m, ok := r.Message(messageID)
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrUnknownMessage, messageID)
	}
	return m.Like(ctx, r, participant)
}

// Dislike toggles participant's dislike on the message with that id.
func (r *Room) Dislike(ctx context.Context, messageID, participant string) error {
	m, ok := r.Message(messageID)
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrUnknownMessage, messageID)
	}
	return m.Dislike(ctx, r, participant)
}

// LoadMessages reads the stored root messages, replies included, and
// merges them into the local copy. The view is told about every message
// it has not seen yet.
func (r *Room) LoadMessages(ctx context.Context) error {
	doc, err := r.store.FindOne(ctx, RoomsCollection, contract.Document{"_id": r.info.Name})
	if err != nil {
		return fmt.Errorf("load messages of %s: %w", r.info.Name, err)
	}
	stored, _ := doc["messages"].([]any)

	loaded := make([]*Message, 0, len(stored))
	for _, raw := range stored {
		d, err := MessageDataFromDocument(raw)
		if err != nil {
			r.log.Warn("Skipping stored message", "error", err)
			continue
		}
		m, err := messageFromData(d)
		if err != nil {
			r.log.Warn("Skipping stored message", "error", err)
			continue
		}
		loaded = append(loaded, m)
	}

	r.mu.Lock()
	if err := r.usableLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	var appended, updated []MessageData
	for _, m := range loaded {
		if existing, ok := r.index[m.id]; ok {
			if existing.parent == nil {
				existing.mergeLocked(m.Data(), r.index)
				updated = append(updated, existing.Data())
			}
			continue
		}
		r.appendLocked(m)
		appended = append(appended, m.Data())
	}
	var snap *RoomSnapshot
	if r.orderLocked(loaded) {
		s := r.snapshotLocked()
		snap = &s
	}
	view := r.view
	r.mu.Unlock()

	for _, d := range appended {
		view.AppendMessage(d)
	}
	for _, d := range updated {
		view.UpdateMessage(d)
	}
	if snap != nil {
		view.Refresh(*snap)
	}
	r.trackVotes(ctx)
	return nil
}

// orderLocked puts the stored root messages first, in stored order, and
// keeps after them the ones only received live. It reports whether the
// order changed.
func (r *Room) orderLocked(stored []*Message) bool {
	ordered := make([]*Message, 0, len(r.messages))
	placed := make(map[string]struct{}, len(stored))
	for _, m := range stored {
		local, ok := r.index[m.id]
		if !ok || local.parent != nil {
			continue
		}
		if _, dup := placed[m.id]; dup {
			continue
		}
		placed[m.id] = struct{}{}
		ordered = append(ordered, local)
	}
	for _, m := range r.messages {
		if _, ok := placed[m.id]; !ok {
			ordered = append(ordered, m)
		}
	}
	changed := !slices.Equal(ordered, r.messages)
	r.messages = ordered
	return changed
}

func (r *Room) appendLocked(m *Message) {
	r.messages = append(r.messages, m)
	r.index[m.id] = m
	for _, reply := range m.replies {
		r.index[reply.id] = reply
	}
}

// rewriteRootMessage replaces a root message in place inside the room document.
func (r *Room) rewriteRootMessage(ctx context.Context, data MessageData) error {
	doc, err := messageDocument(data)
	if err != nil {
		return err
	}
	return r.store.UpdateOne(ctx, RoomsCollection,
		contract.Document{"_id": r.info.Name, "messages._id": data.ID},
		contract.Document{"$set": contract.Document{"messages.$": doc}})
}

func (r *Room) broadcastMessage(ctx context.Context, data MessageData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return r.publish(ctx, event.MessageChannel(r.info.Name),
		event.MessagePosted{Room: r.info.Name, Message: raw}, false)
}

func (r *Room) broadcastVote(ctx context.Context, data MessageData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return r.publish(ctx, event.VoteChannel(data.ID),
		event.MessageVoted{Room: r.info.Name, Message: raw}, false)
}

// onMessage appends an unseen root message or merges a rewritten one.
func (r *Room) onMessage(payload []byte) {
	evt, err := event.Decode[event.MessagePosted](payload)
	if err != nil {
		r.log.Warn("Dropping message event", "error", err)
		return
	}
	if evt.Room != r.info.Name {
		return
	}
	d, err := UnmarshalMessageData(evt.Message)
	if err != nil {
		r.log.Warn("Dropping message event", "error", err)
		return
	}

	r.mu.Lock()
	if r.usableLocked() != nil {
		r.mu.Unlock()
		return
	}
	var notify func(RoomView)
	if existing, ok := r.index[d.ID]; ok {
		if existing.parent != nil {
			r.mu.Unlock()
			return
		}
		existing.mergeLocked(d, r.index)
		merged := existing.Data()
		notify = func(v RoomView) { v.UpdateMessage(merged) }
	} else {
		m, err := messageFromData(d)
		if err != nil {
			r.mu.Unlock()
			r.log.Warn("Dropping message event", "error", err)
			return
		}
		r.appendLocked(m)
		appended := m.Data()
		notify = func(v RoomView) { v.AppendMessage(appended) }
	}
	view := r.view
	r.mu.Unlock()

	notify(view)
	r.trackVotes(context.Background())
}

// onVote replaces the vote sets of a known message.
func (r *Room) onVote(payload []byte) {
	evt, err := event.Decode[event.MessageVoted](payload)
	if err != nil {
		r.log.Warn("Dropping vote event", "error", err)
		return
	}
	if evt.Room != r.info.Name {
		return
	}
	d, err := UnmarshalMessageData(evt.Message)
	if err != nil {
		r.log.Warn("Dropping vote event", "error", err)
		return
	}

	r.mu.Lock()
	m, ok := r.index[d.ID]
	if !ok || r.usableLocked() != nil {
		r.mu.Unlock()
		return
	}
	m.likes = lo.Uniq(d.Likes)
	m.dislikes = lo.Uniq(d.Dislikes)
	root := m.root().Data()
	view := r.view
	r.mu.Unlock()

	view.UpdateMessage(root)
}

// trackVotes subscribes the vote channel of every known message. It only
// runs while the room message channel is subscribed, so a participant who
// left stops tracking votes.
func (r *Room) trackVotes(ctx context.Context) {
	r.mu.Lock()
	if _, ok := r.subs[event.MessageChannel(r.info.Name)]; !ok {
		r.mu.Unlock()
		return
	}
	var channels []string
	for id := range r.index {
		channel := event.VoteChannel(id)
		if _, ok := r.subs[channel]; !ok {
			channels = append(channels, channel)
		}
	}
	r.mu.Unlock()

	for _, channel := range channels {
		if _, err := r.subscribe(ctx, channel, r.onVote); err != nil {
			r.log.Warn("Vote channel not subscribed", "channel", channel, "error", err)
		}
	}
}
