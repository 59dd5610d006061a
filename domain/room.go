// Package domain contains core concepts of the chat system.
// This file defines the Room aggregate: identity, roster, colours and the
// local copy of its messages.
package domain

import (
	"chitchat/contract"
	"chitchat/domain/event"
	"chitchat/errors"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
)

type RoomType int

const (
	Private RoomType = 1
	Public  RoomType = 2
)

func (t RoomType) String() string {
	if t == Private {
		return "private"
	}
	return "public"
}

// Deps are the backend handles a room talks to.
type Deps struct {
	Bus   contract.IEventBus
	Store contract.IDocumentStore
	Log   *slog.Logger
	// Application namespaces the access-control resources of rooms.
	Application string
}

// RoomInfo is the immutable identity of a room, also its wire form.
type RoomInfo struct {
	Name     string   `json:"name" validate:"required"`
	Type     RoomType `json:"type" validate:"oneof=1 2"`
	Creator  string   `json:"creator" validate:"required"`
	Subjects []string `json:"subjects"`
}

func (i RoomInfo) Validate() error {
	if err := validate.Struct(i); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidDocument, err)
	}
	return nil
}

// TextFilter rewrites outgoing text, returning the words it replaced.
type TextFilter interface {
	Censor(text string) (string, []string)
}

type Option func(*Room)

func WithView(v RoomView) Option {
	return func(r *Room) {
		if v != nil {
			r.view = v
		}
	}
}

func WithTextFilter(f TextFilter) Option {
	return func(r *Room) { r.filter = f }
}

// WithRand seeds colour picking, mostly for tests.
func WithRand(rnd *rand.Rand) Option {
	return func(r *Room) { r.rnd = rnd }
}

func WithClock(now func() time.Time) Option {
	return func(r *Room) { r.now = now }
}

// WithParticipants restores the roster read from the Participants collection.
func WithParticipants(participants ...string) Option {
	return func(r *Room) { r.restored = append(r.restored, participants...) }
}

// Room is one client's copy of a chat room. Its roster, colours and
// messages are only mutated by its own methods and bus handlers; the mutex
// is never held across store or bus calls.
type Room struct {
	mu       sync.Mutex
	bus      contract.IEventBus
	store    contract.IDocumentStore
	log      *slog.Logger
	app      string
	info     RoomInfo
	self     string
	view     RoomView
	filter   TextFilter
	now      func() time.Time
	rnd      *rand.Rand
	restored []string

	participants map[string]struct{}
	pending      map[string]PresenceState
	colors       *ColorPool
	messages     []*Message
	index        map[string]*Message
	replyTarget  *Message
	// subs maps a channel to the subscription id this room holds on it.
	subs    map[string]string
	deleted bool
	closed  bool
}

// NewRoom builds the local copy of a room for the account self.
// The palette is cloned.
func NewRoom(deps Deps, info RoomInfo, self string, palette []Color, opts ...Option) (*Room, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	r := &Room{
		bus:          deps.Bus,
		store:        deps.Store,
		log:          log.With("room", info.Name),
		app:          deps.Application,
		info:         RoomInfo{Name: info.Name, Type: info.Type, Creator: info.Creator, Subjects: slices.Clone(info.Subjects)},
		self:         self,
		view:         nopView{},
		now:          time.Now,
		participants: make(map[string]struct{}),
		pending:      make(map[string]PresenceState),
		index:        make(map[string]*Message),
		subs:         make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.colors = NewColorPool(palette, r.rnd)
	for _, p := range r.restored {
		r.participants[p] = struct{}{}
		r.colors.Assign(p)
	}
	r.restored = nil
	return r, nil
}

func (r *Room) ID() string         { return r.info.Name }
func (r *Room) Name() string       { return r.info.Name }
func (r *Room) Type() RoomType     { return r.info.Type }
func (r *Room) Creator() string    { return r.info.Creator }
func (r *Room) Self() string       { return r.self }
func (r *Room) Subjects() []string { return slices.Clone(r.info.Subjects) }
func (r *Room) Info() RoomInfo {
	info := r.info
	info.Subjects = slices.Clone(r.info.Subjects)
	return info
}

// SetView attaches a view and hands it the current state.
func (r *Room) SetView(v RoomView) {
	if v == nil {
		v = nopView{}
	}
	r.mu.Lock()
	r.view = v
	snap := r.snapshotLocked()
	r.mu.Unlock()
	v.Refresh(snap)
}

// Participants returns the roster sorted by name.
func (r *Room) Participants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.participantsLocked()
}

func (r *Room) participantsLocked() []string {
	ps := lo.Keys(r.participants)
	slices.Sort(ps)
	return ps
}

func (r *Room) IsPresent(participant string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.participants[participant]
	return ok
}

func (r *Room) PresenceState(participant string) PresenceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.pending[participant]; ok {
		return s
	}
	if _, ok := r.participants[participant]; ok {
		return Joined
	}
	return Absent
}

func (r *Room) ColorOf(participant string) (Color, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.colors.ColorOf(participant)
}

// ColorAssignment returns a copy of the participant colours.
func (r *Room) ColorAssignment() map[string]Color {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.colors.Assignment()
}

// AvailableColors returns the colours still in the pool.
func (r *Room) AvailableColors() []Color {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.colors.Available()
}

// Messages returns copies of the root messages, replies included.
func (r *Room) Messages() []MessageData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messagesLocked()
}

func (r *Room) messagesLocked() []MessageData {
	return lo.Map(r.messages, func(m *Message, _ int) MessageData { return m.Data() })
}

// Message returns the live message with that id, root or reply.
func (r *Room) Message(id string) (*Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.index[id]
	return m, ok
}

func (r *Room) Deleted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleted
}

func (r *Room) Snapshot() RoomSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Room) snapshotLocked() RoomSnapshot {
	snap := RoomSnapshot{
		Info:         r.Info(),
		Participants: r.participantsLocked(),
		Colors:       r.colors.Assignment(),
		Messages:     r.messagesLocked(),
		Deleted:      r.deleted,
	}
	if r.replyTarget != nil {
		snap.ReplyTarget = r.replyTarget.id
	}
	return snap
}

func (r *Room) usableLocked() error {
	if r.deleted || r.closed {
		return fmt.Errorf("%w: %s", errors.ErrRoomDeleted, r.info.Name)
	}
	return nil
}

// Marshal returns the wire form of the room identity.
func (r *Room) Marshal() ([]byte, error) {
	return json.Marshal(r.Info())
}

func UnmarshalRoomInfo(b []byte) (RoomInfo, error) {
	var info RoomInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return RoomInfo{}, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
	}
	if err := validate.Struct(info); err != nil {
		return RoomInfo{}, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
	}
	return info, nil
}

// RoomDocument is the document stored in the Rooms collection for a new room.
func RoomDocument(info RoomInfo) contract.Document {
	return contract.Document{
		"_id":      info.Name,
		"name":     info.Name,
		"type":     int(info.Type),
		"creator":  info.Creator,
		"subjects": lo.Map(info.Subjects, func(s string, _ int) any { return s }),
		"messages": []any{},
	}
}

// RoomInfoFromDocument reads the identity part of a stored room.
func RoomInfoFromDocument(doc contract.Document) (RoomInfo, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return RoomInfo{}, err
	}
	info, err := UnmarshalRoomInfo(b)
	if err != nil {
		return RoomInfo{}, err
	}
	if info.Name == "" {
		if id, ok := doc["_id"].(string); ok {
			info.Name = id
		}
	}
	return info, nil
}

// Open subscribes to the room deletion channel. The directory opens every
// room it lists so deletions tear down local copies.
func (r *Room) Open(ctx context.Context) error {
	_, err := r.subscribe(ctx, event.DeleteChannel(r.info.Name), r.onDelete)
	return err
}

// Close tears down this client's copy without touching the store.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := r.takeSubsLocked(nil)
	view := r.view
	r.view = nopView{}
	r.mu.Unlock()

	r.unsubscribeAll(subs)
	view.Detach()
}

// subscribe is idempotent per channel. It reports whether a new
// subscription was made.
func (r *Room) subscribe(ctx context.Context, channel string, h contract.Handler) (bool, error) {
	r.mu.Lock()
	if err := r.usableLocked(); err != nil {
		r.mu.Unlock()
		return false, err
	}
	if _, ok := r.subs[channel]; ok {
		r.mu.Unlock()
		return false, nil
	}
	r.mu.Unlock()

	id, err := r.bus.Subscribe(ctx, channel, h)
	if err != nil {
		return false, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	r.mu.Lock()
	_, raced := r.subs[channel]
	if !raced {
		r.subs[channel] = id
	}
	r.mu.Unlock()
	if raced {
		r.bus.Unsubscribe(channel, id)
		return false, nil
	}
	return true, nil
}

// takeSubsLocked removes and returns every subscription keep does not
// retain; a nil keep takes them all.
func (r *Room) takeSubsLocked(keep func(channel string) bool) map[string]string {
	taken := make(map[string]string)
	for channel, id := range r.subs {
		if keep != nil && keep(channel) {
			continue
		}
		taken[channel] = id
		delete(r.subs, channel)
	}
	return taken
}

func (r *Room) unsubscribeAll(subs map[string]string) {
	for channel, id := range subs {
		r.bus.Unsubscribe(channel, id)
	}
}

func (r *Room) publish(ctx context.Context, channel string, p event.Payload, local bool) error {
	payload, err := event.Encode(p)
	if err != nil {
		return err
	}
	if err := r.bus.Publish(ctx, channel, payload, local); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// refreshRooms asks local room lists to repaint. Fire and forget.
func (r *Room) refreshRooms(participant string) {
	err := r.publish(context.Background(), event.RefreshRoomsChannel,
		event.RoomsRefresh{Participant: participant}, true)
	if err != nil {
		r.log.Warn("Room list refresh not published", "error", err)
	}
}
