package services

import (
	"chitchat/contract"
	"chitchat/domain"
	"chitchat/domain/event"
	"chitchat/errors"
	"chitchat/runtime"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

type IRoomDirectory interface {
	Open(ctx context.Context) error
	LoadRooms(ctx context.Context) error
	CreateRoom(ctx context.Context, name string, roomType domain.RoomType, subjects []string) (*domain.Room, error)
	Enter(ctx context.Context, name string) (*domain.Room, error)
	Leave(ctx context.Context) error
	Exit(ctx context.Context) error
	Room(name string) (*domain.Room, bool)
	Current() (*domain.Room, bool)
	Rooms() []RoomSummary
}

// DirectoryView renders the room list.
type DirectoryView interface {
	ListRooms(rooms []RoomSummary)
}

// RoomSummary is one line of the room list.
type RoomSummary struct {
	Name         string
	Type         domain.RoomType
	Creator      string
	Subjects     []string
	Participants int
	Joined       bool
}

type DirectoryOption func(*RoomDirectory)

func WithDirectoryView(v DirectoryView) DirectoryOption {
	return func(d *RoomDirectory) {
		if v != nil {
			d.view = v
		}
	}
}

// WithRoomViews gives every listed room its own view.
func WithRoomViews(newView func(room string) domain.RoomView) DirectoryOption {
	return func(d *RoomDirectory) { d.newView = newView }
}

func WithFilter(f domain.TextFilter) DirectoryOption {
	return func(d *RoomDirectory) { d.filter = f }
}

func WithPalette(palette []domain.Color) DirectoryOption {
	return func(d *RoomDirectory) { d.palette = palette }
}

func WithDirectoryClock(now func() time.Time) DirectoryOption {
	return func(d *RoomDirectory) { d.now = now }
}

// RoomDirectory is the room list of one account: it keeps a local Room
// for every stored room, follows room creations and deletions, and knows
// which room the account is currently in.
type RoomDirectory struct {
	deps    domain.Deps
	self    string
	log     *slog.Logger
	palette []domain.Color
	filter  domain.TextFilter
	view    DirectoryView
	newView func(room string) domain.RoomView
	now     func() time.Time

	mu      sync.Mutex
	rooms   map[string]*domain.Room
	current string
	subs    map[string]string
}

var _ IRoomDirectory = (*RoomDirectory)(nil)

func NewRoomDirectory(deps domain.Deps, self string, opts ...DirectoryOption) *RoomDirectory {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	d := &RoomDirectory{
		deps:  deps,
		self:  self,
		log:   log.With("participant", self),
		view:  nopDirectoryView{},
		now:   time.Now,
		rooms: make(map[string]*domain.Room),
		subs:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.palette == nil {
		d.palette = domain.DefaultPalette()
	}
	return d
}

// Open follows room creations and list refreshes, then loads the stored rooms.
func (d *RoomDirectory) Open(ctx context.Context) error {
	for channel, handler := range map[string]contract.Handler{
		event.NewRoomChannel:      d.onNewRoom,
		event.RefreshRoomsChannel: d.onRefresh,
	} {
		d.mu.Lock()
		_, done := d.subs[channel]
		d.mu.Unlock()
		if done {
			continue
		}
		id, err := d.deps.Bus.Subscribe(ctx, channel, handler)
		if err != nil {
			return fmt.Errorf("open directory: subscribe %s: %w", channel, err)
		}
		d.mu.Lock()
		d.subs[channel] = id
		d.mu.Unlock()
	}
	return d.LoadRooms(ctx)
}

// LoadRooms builds a local Room for every stored room not listed yet, with
// its stored participants.
func (d *RoomDirectory) LoadRooms(ctx context.Context) error {
	docs, err := d.deps.Store.Find(ctx, domain.RoomsCollection, contract.Document{})
	if err != nil {
		return fmt.Errorf("load rooms: %w", err)
	}
	for _, doc := range docs {
		info, err := domain.RoomInfoFromDocument(doc)
		if err != nil {
			d.log.Warn("Skipping stored room", "error", err)
			continue
		}
		if _, ok := d.Room(info.Name); ok {
			continue
		}
		rows, err := d.deps.Store.Find(ctx, domain.ParticipantsCollection, contract.Document{"room": info.Name})
		if err != nil {
			return fmt.Errorf("load participants of %s: %w", info.Name, err)
		}
		// A row of our own is stale: this account only enters a room through Enter.
		participants := lo.Without(lo.Uniq(lo.FilterMap(rows, func(row contract.Document, _ int) (string, bool) {
			p, ok := row["participant"].(string)
			return p, ok && p != ""
		})), d.self)
		if _, err := d.addRoom(ctx, info, participants); err != nil {
			return err
		}
	}
	d.refresh()
	return nil
}

// CreateRoom stores a new room owned by this account, registers its access
// resource and announces it to every directory.
func (d *RoomDirectory) CreateRoom(ctx context.Context, name string, roomType domain.RoomType, subjects []string) (*domain.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.ErrEmptyName
	}
	if _, ok := d.Room(name); ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrRoomExists, name)
	}
	info := domain.RoomInfo{Name: name, Type: roomType, Creator: d.self, Subjects: slices.Clone(subjects)}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidDocument, err)
	}
	resourceID := domain.ResourceID(d.deps.Application, name)

	err = runtime.NewSaga("create "+name, d.log).
		Step("insert room",
			func(ctx context.Context) error {
				err := d.deps.Store.InsertOne(ctx, domain.RoomsCollection, domain.RoomDocument(info))
				if errors.Is(err, errors.ErrDuplicateDocument) {
					return fmt.Errorf("%w: %s", errors.ErrRoomExists, name)
				}
				return err
			},
			func(ctx context.Context) error {
				_, err := d.deps.Store.DeleteMany(ctx, domain.RoomsCollection, contract.Document{"_id": name})
				return err
			}).
		Step("register access resource",
			func(ctx context.Context) error {
				return d.deps.Store.ReplaceOne(ctx, domain.ResourcesCollection,
					contract.Document{"_id": resourceID}, d.resourceDocument(resourceID, name), true)
			},
			func(ctx context.Context) error {
				_, err := d.deps.Store.DeleteMany(ctx, domain.ResourcesCollection, contract.Document{"_id": resourceID})
				return err
			}).
		Step("announce room",
			func(ctx context.Context) error {
				payload, err := event.Encode(event.RoomCreated{Room: raw})
				if err != nil {
					return err
				}
				return d.deps.Bus.Publish(ctx, event.NewRoomChannel, payload, false)
			}, nil).
		Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("create room %s: %w", name, err)
	}

	room, err := d.addRoom(ctx, info, nil)
	if err != nil {
		return nil, err
	}
	d.refresh()
	d.log.Info("Room created", "room", name)
	return room, nil
}

func (d *RoomDirectory) resourceDocument(id, name string) contract.Document {
	return contract.Document{
		"_id":      id,
		"path":     domain.ResourcePath(d.deps.Application),
		"name":     name,
		"owner":    d.self,
		"modified": d.now().UTC().Format(time.RFC3339),
	}
}

// Enter joins the named room, leaving the room the account was in.
func (d *RoomDirectory) Enter(ctx context.Context, name string) (*domain.Room, error) {
	room, ok := d.Room(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownRoom, name)
	}
	d.mu.Lock()
	previous := d.current
	d.mu.Unlock()

	if previous != "" && previous != name {
		if err := d.Leave(ctx); err != nil {
			return nil, err
		}
	}
	if err := room.Join(ctx, d.self); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.current = name
	d.mu.Unlock()
	return room, nil
}

// Leave leaves the current room, if any.
func (d *RoomDirectory) Leave(ctx context.Context) error {
	room, ok := d.Current()
	if !ok {
		return nil
	}
	if err := room.Leave(ctx, d.self); err != nil {
		return err
	}
	d.mu.Lock()
	if d.current == room.Name() {
		d.current = ""
	}
	d.mu.Unlock()
	return nil
}

// Exit leaves the current room, closes every local room and removes every
// Participants row of the account, including rows left by a crash.
func (d *RoomDirectory) Exit(ctx context.Context) error {
	var errs []error
	if err := d.Leave(ctx); err != nil {
		errs = append(errs, err)
	}

	d.mu.Lock()
	rooms := lo.Values(d.rooms)
	subs := d.subs
	d.rooms = make(map[string]*domain.Room)
	d.subs = make(map[string]string)
	d.current = ""
	d.mu.Unlock()

	for channel, id := range subs {
		d.deps.Bus.Unsubscribe(channel, id)
	}
	for _, room := range rooms {
		room.Close()
	}
	removed, err := d.deps.Store.DeleteMany(ctx, domain.ParticipantsCollection, contract.Document{"participant": d.self})
	if err != nil {
		errs = append(errs, fmt.Errorf("exit: %w", err))
	}
	d.log.Info("Exited", "rows_removed", removed)
	return errors.Join(errs...)
}

func (d *RoomDirectory) Room(name string) (*domain.Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	room, ok := d.rooms[name]
	return room, ok
}

// Current returns the room the account is in.
func (d *RoomDirectory) Current() (*domain.Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == "" {
		return nil, false
	}
	room, ok := d.rooms[d.current]
	return room, ok
}

// Rooms lists the live rooms sorted by name.
func (d *RoomDirectory) Rooms() []RoomSummary {
	d.mu.Lock()
	rooms := lo.Values(d.rooms)
	d.mu.Unlock()

	summaries := make([]RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		if room.Deleted() {
			continue
		}
		summaries = append(summaries, RoomSummary{
			Name:         room.Name(),
			Type:         room.Type(),
			Creator:      room.Creator(),
			Subjects:     room.Subjects(),
			Participants: len(room.Participants()),
			Joined:       room.IsPresent(d.self),
		})
	}
	slices.SortFunc(summaries, func(a, b RoomSummary) int { return strings.Compare(a.Name, b.Name) })
	return summaries
}

// addRoom lists a room once and opens it so its deletion is followed.
func (d *RoomDirectory) addRoom(ctx context.Context, info domain.RoomInfo, participants []string) (*domain.Room, error) {
	if room, ok := d.Room(info.Name); ok {
		return room, nil
	}
	opts := []domain.Option{domain.WithParticipants(participants...), domain.WithTextFilter(d.filter)}
	if d.newView != nil {
		opts = append(opts, domain.WithView(d.newView(info.Name)))
	}
	room, err := domain.NewRoom(d.deps, info, d.self, d.palette, opts...)
	if err != nil {
		return nil, err
	}
	if err := room.Open(ctx); err != nil {
		return nil, fmt.Errorf("open room %s: %w", info.Name, err)
	}

	d.mu.Lock()
	existing, raced := d.rooms[info.Name]
	if !raced {
		d.rooms[info.Name] = room
	}
	d.mu.Unlock()
	if raced {
		room.Close()
		return existing, nil
	}
	return room, nil
}

// prune forgets the rooms deleted since the last refresh.
func (d *RoomDirectory) prune() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, room := range d.rooms {
		if !room.Deleted() {
			continue
		}
		delete(d.rooms, name)
		if d.current == name {
			d.current = ""
		}
	}
}

func (d *RoomDirectory) refresh() {
	d.prune()
	d.view.ListRooms(d.Rooms())
}

func (d *RoomDirectory) onNewRoom(payload []byte) {
	evt, err := event.Decode[event.RoomCreated](payload)
	if err != nil {
		d.log.Warn("Dropping room creation", "error", err)
		return
	}
	info, err := domain.UnmarshalRoomInfo(evt.Room)
	if err != nil {
		d.log.Warn("Dropping room creation", "error", err)
		return
	}
	if _, err := d.addRoom(context.Background(), info, nil); err != nil {
		d.log.Warn("Room not listed", "room", info.Name, "error", err)
		return
	}
	d.refresh()
}

func (d *RoomDirectory) onRefresh(payload []byte) {
	if _, err := event.Decode[event.RoomsRefresh](payload); err != nil {
		d.log.Warn("Dropping room list refresh", "error", err)
		return
	}
	d.refresh()
}

type nopDirectoryView struct{}

func (nopDirectoryView) ListRooms([]RoomSummary) {}
