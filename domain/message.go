// Package domain contains core concepts of the chat system.
// This file defines Messages, their votes and their one-level reply threads.
package domain

import (
	"chitchat/contract"
	"chitchat/errors"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var validate = validator.New()

// MessageData is the canonical, serializable form of a Message.
// Views only ever receive MessageData, never the live Message.
type MessageData struct {
	ID       string        `json:"_id" validate:"required"`
	From     string        `json:"from" validate:"required"`
	Text     string        `json:"text"`
	Date     time.Time     `json:"date"`
	Likes    []string      `json:"likes"`
	Dislikes []string      `json:"dislikes"`
	Replies  []MessageData `json:"replies" validate:"dive"`
}

// Message is a unit of chat content. A message is either a root message
// owned by a room, or a reply attached to exactly one root message.
// Mutable state (votes, replies) is guarded by the owning room.
type Message struct {
	id       string
	from     string
	text     string
	date     time.Time
	likes    []string
	dislikes []string
	replies  []*Message
	// parent is local only: never serialized, rebuilt on decode.
	parent *Message
}

func NewMessage(from, text string, date time.Time) *Message {
	return &Message{
		id:   uuid.NewString(),
		from: from,
		text: text,
		date: date.UTC(),
	}
}

func (m *Message) ID() string      { return m.id }
func (m *Message) From() string    { return m.from }
func (m *Message) Text() string    { return m.text }
func (m *Message) Date() time.Time { return m.date }
func (m *Message) IsReply() bool   { return m.parent != nil }

// ParentID is empty for root messages.
func (m *Message) ParentID() string {
	if m.parent == nil {
		return ""
	}
	return m.parent.id
}

func (m *Message) root() *Message {
	if m.parent != nil {
		return m.parent
	}
	return m
}

// Data returns a deep copy. Slices are never nil so they serialize as [].
func (m *Message) Data() MessageData {
	d := MessageData{
		ID:       m.id,
		From:     m.from,
		Text:     m.text,
		Date:     m.date,
		Likes:    append([]string{}, m.likes...),
		Dislikes: append([]string{}, m.dislikes...),
		Replies:  make([]MessageData, 0, len(m.replies)),
	}
	for _, r := range m.replies {
		d.Replies = append(d.Replies, r.Data())
	}
	return d
}

// Marshal is the canonical JSON used for persistence and wire payloads.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m.Data())
}

// UnmarshalMessage decodes a message and relinks its replies to it.
func UnmarshalMessage(b []byte) (*Message, error) {
	d, err := UnmarshalMessageData(b)
	if err != nil {
		return nil, err
	}
	return messageFromData(d)
}

func UnmarshalMessageData(b []byte) (MessageData, error) {
	var d MessageData
	if err := json.Unmarshal(b, &d); err != nil {
		return MessageData{}, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
	}
	if err := validate.Struct(d); err != nil {
		return MessageData{}, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
	}
	return d, nil
}

func messageFromData(d MessageData) (*Message, error) {
	m := &Message{
		id:       d.ID,
		from:     d.From,
		text:     d.Text,
		date:     d.Date.UTC(),
		likes:    lo.Uniq(d.Likes),
		dislikes: lo.Uniq(d.Dislikes),
	}
	for _, rd := range d.Replies {
		if len(rd.Replies) > 0 {
			return nil, fmt.Errorf("message %s: %w", rd.ID, errors.ErrNestedReply)
		}
		r, err := messageFromData(rd)
		if err != nil {
			return nil, err
		}
		r.parent = m
		m.replies = append(m.replies, r)
	}
	return m, nil
}

// messageDocument converts message data into a store document.
func messageDocument(d MessageData) (contract.Document, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var doc contract.Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// MessageDataFromDocument reads back a message embedded in a room document.
func MessageDataFromDocument(doc any) (MessageData, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return MessageData{}, err
	}
	return UnmarshalMessageData(b)
}

// toggleVote applies an exclusive, togglable vote. Voting the same way
// twice withdraws the vote; voting the other way moves it.
func (m *Message) toggleVote(participant string, like bool) {
	same, other := &m.likes, &m.dislikes
	if !like {
		same, other = other, same
	}
	if lo.Contains(*same, participant) {
		*same = lo.Without(*same, participant)
		return
	}
	*same = append(*same, participant)
	*other = lo.Without(*other, participant)
}

func (m *Message) Liked(participant string) bool {
	return lo.Contains(m.likes, participant)
}

func (m *Message) Disliked(participant string) bool {
	return lo.Contains(m.dislikes, participant)
}

// Reply attaches child to this message thread and rewrites the whole
// parent in the room document. Replying to a reply attaches to its root.
// The local append is kept when persistence fails.
func (m *Message) Reply(ctx context.Context, room *Room, child *Message) error {
	if len(child.replies) > 0 {
		return errors.ErrNestedReply
	}

	room.mu.Lock()
	if err := room.usableLocked(); err != nil {
		room.mu.Unlock()
		return err
	}
	parent := m.root()
	if room.index[parent.id] != parent {
		room.mu.Unlock()
		return fmt.Errorf("%w: %s", errors.ErrUnknownMessage, parent.id)
	}
	child.parent = parent
	parent.replies = append(parent.replies, child)
	room.index[child.id] = child
	data := parent.Data()
	room.mu.Unlock()

	if err := room.rewriteRootMessage(ctx, data); err != nil {
		return fmt.Errorf("reply to %s: %w", parent.id, err)
	}
	return room.broadcastMessage(ctx, data)
}

// Like toggles the participant like. Liking clears a dislike.
func (m *Message) Like(ctx context.Context, room *Room, participant string) error {
	return m.vote(ctx, room, participant, true)
}

// Dislike toggles the participant dislike. Disliking clears a like.
func (m *Message) Dislike(ctx context.Context, room *Room, participant string) error {
	return m.vote(ctx, room, participant, false)
}

func (m *Message) vote(ctx context.Context, room *Room, participant string, like bool) error {
	room.mu.Lock()
	if err := room.usableLocked(); err != nil {
		room.mu.Unlock()
		return err
	}
	if room.index[m.id] != m {
		room.mu.Unlock()
		return fmt.Errorf("%w: %s", errors.ErrUnknownMessage, m.id)
	}
	m.toggleVote(participant, like)
	rootData := m.root().Data()
	data := m.Data()
	room.mu.Unlock()

	if err := room.rewriteRootMessage(ctx, rootData); err != nil {
		return fmt.Errorf("vote on %s: %w", m.id, err)
	}
	return room.broadcastVote(ctx, data)
}

// mergeLocked makes m reflect d, reusing the reply objects already known
// by id. Replies missing from d are dropped from the index.
func (m *Message) mergeLocked(d MessageData, index map[string]*Message) []string {
	m.likes = lo.Uniq(d.Likes)
	m.dislikes = lo.Uniq(d.Dislikes)

	var added []string
	kept := make(map[string]struct{}, len(d.Replies))
	replies := make([]*Message, 0, len(d.Replies))
	for _, rd := range d.Replies {
		if len(rd.Replies) > 0 {
			continue
		}
		kept[rd.ID] = struct{}{}
		if existing, ok := index[rd.ID]; ok && existing.parent == m {
			existing.likes = lo.Uniq(rd.Likes)
			existing.dislikes = lo.Uniq(rd.Dislikes)
			replies = append(replies, existing)
			continue
		}
		r, err := messageFromData(rd)
		if err != nil {
			continue
		}
		r.parent = m
		index[r.id] = r
		replies = append(replies, r)
		added = append(added, r.id)
	}
	for _, old := range m.replies {
		if _, ok := kept[old.id]; !ok && index[old.id] == old {
			delete(index, old.id)
		}
	}
	m.replies = replies
	return added
}
