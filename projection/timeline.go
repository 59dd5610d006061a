// Package projection keeps what a room view has been told, in memory.
// It never talks to the bus or the store.
package projection

import (
	"chitchat/domain"
	"slices"
	"sync"
)

// Timeline is a RoomView recording the rendered state of one room:
// root messages in arrival order, participant colours and the last snapshot.
type Timeline struct {
	Owner string

	mu       sync.Mutex
	messages []domain.MessageData
	colors   map[string]domain.Color
	snapshot domain.RoomSnapshot
	detached bool
}

var _ domain.RoomView = (*Timeline)(nil)

func NewTimeline(owner string) *Timeline {
	return &Timeline{
		Owner:  owner,
		colors: make(map[string]domain.Color),
	}
}

// AppendMessage adds a root message, or replaces it when already shown.
func (t *Timeline) AppendMessage(m domain.MessageData) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.upsertLocked(m)
}

func (t *Timeline) UpdateMessage(m domain.MessageData) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.upsertLocked(m)
}

func (t *Timeline) upsertLocked(m domain.MessageData) {
	i := slices.IndexFunc(t.messages, func(d domain.MessageData) bool { return d.ID == m.ID })
	if i < 0 {
		t.messages = append(t.messages, m)
		return
	}
	t.messages[i] = m
}

func (t *Timeline) Repaint(participant string, c domain.Color) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.colors[participant] = c
}

// Refresh takes the snapshot as the new truth for messages.
func (t *Timeline) Refresh(s domain.RoomSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshot = s
	t.messages = slices.Clone(s.Messages)
}

func (t *Timeline) Detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.detached = true
}

func (t *Timeline) Messages() []domain.MessageData {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.messages)
}

// Message finds a shown message by id, replies included.
func (t *Timeline) Message(id string) (domain.MessageData, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.messages {
		if m.ID == id {
			return m, true
		}
		for _, r := range m.Replies {
			if r.ID == id {
				return r, true
			}
		}
	}
	return domain.MessageData{}, false
}

// ColorOf returns the colour the participant was last painted with.
func (t *Timeline) ColorOf(participant string) (domain.Color, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.colors[participant]
	return c, ok
}

func (t *Timeline) Snapshot() domain.RoomSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot
}

func (t *Timeline) Detached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detached
}
