package domain_test

import (
	"chitchat/contract"
	"chitchat/domain"
	"chitchat/domain/event"
	"chitchat/errors"
	"chitchat/infrastructure/bus"
	"chitchat/infrastructure/storage"
	"chitchat/mocks"
	"chitchat/projection"
	"chitchat/runtime"
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const application = "chitchat"

var (
	r1      = domain.RoomInfo{Name: "R1", Type: domain.Public, Creator: "alice", Subjects: []string{"demo"}}
	fixedAt = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
)

// backend is what every client of a test shares: one bus, one store.
type backend struct {
	bus   *bus.LocalBus
	store *storage.BadgerStore
	log   *slog.Logger
}

func newBackend(t *testing.T) backend {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	return backend{bus: bus.NewLocalBus(log), store: storage.NewBadgerStore(db, log), log: log}
}

func (b backend) deps() domain.Deps {
	return domain.Deps{Bus: b.bus, Store: b.store, Log: b.log, Application: application}
}

func (b backend) createRoom(t *testing.T, info domain.RoomInfo) {
	require.NoError(t, b.store.InsertOne(context.Background(), domain.RoomsCollection, domain.RoomDocument(info)))
}

// client opens the local copy of a room for self, as the directory would.
func (b backend) client(t *testing.T, info domain.RoomInfo, self string, opts ...domain.Option) (*domain.Room, *projection.Timeline) {
	view := projection.NewTimeline(self)
	opts = append([]domain.Option{
		domain.WithView(view),
		domain.WithRand(rand.New(rand.NewPCG(1, 2))),
		domain.WithClock(func() time.Time { return fixedAt }),
	}, opts...)
	room, err := domain.NewRoom(b.deps(), info, self, domain.DefaultPalette(), opts...)
	require.NoError(t, err)
	require.NoError(t, room.Open(context.Background()))
	t.Cleanup(room.Close)
	return room, view
}

// listen records the raw payloads published on channel.
func (b backend) listen(t *testing.T, channel string) *[][]byte {
	var received [][]byte
	id, err := b.bus.Subscribe(context.Background(), channel, func(p []byte) { received = append(received, p) })
	require.NoError(t, err)
	t.Cleanup(func() { b.bus.Unsubscribe(channel, id) })
	return &received
}

func storedMessages(t *testing.T, store contract.IDocumentStore, room string) []domain.MessageData {
	doc, err := store.FindOne(context.Background(), domain.RoomsCollection, contract.Document{"_id": room})
	require.NoError(t, err)
	raw, _ := doc["messages"].([]any)
	return lo.Map(raw, func(m any, _ int) domain.MessageData {
		d, err := domain.MessageDataFromDocument(m)
		require.NoError(t, err)
		return d
	})
}

func votes(t *testing.T, payloads [][]byte) [][]string {
	return lo.Map(payloads, func(p []byte, _ int) []string {
		evt, err := event.Decode[event.MessageVoted](p)
		require.NoError(t, err)
		d, err := domain.UnmarshalMessageData(evt.Message)
		require.NoError(t, err)
		return d.Likes
	})
}

func TestRoom_Join_Binds_A_Colour_And_Refreshes_Once(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	b := newBackend(t)
	b.createRoom(t, r1)
	refreshes := b.listen(t, event.RefreshRoomsChannel)
	bob, view := b.client(t, r1, "bob")

	// When bob joins R1
	req.NoError(bob.Join(ctx, "bob"))

	// Then he is the only participant, coloured from the pool
	req.Equal([]string{"bob"}, bob.Participants())
	req.Equal(domain.Joined, bob.PresenceState("bob"))
	c, ok := bob.ColorOf("bob")
	req.True(ok)
	req.Contains(domain.DefaultPalette(), c)
	req.NotContains(bob.AvailableColors(), c)
	painted, ok := view.ColorOf("bob")
	req.True(ok)
	req.Equal(c, painted)
	req.Len(*refreshes, 1)

	// And the Participants row exists
	row, err := b.store.FindOne(ctx, domain.ParticipantsCollection, contract.Document{"_id": "bob_R1"})
	req.NoError(err)
	req.Equal("bob", row["participant"])
	req.Equal("R1", row["room"])
}

func TestRoom_Join_Twice_Upserts_Once(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockIDocumentStore(ctrl)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	deps := domain.Deps{Bus: bus.NewLocalBus(log), Store: store, Log: log, Application: application}
	room, err := domain.NewRoom(deps, r1, "bob", domain.DefaultPalette())
	req.NoError(err)

	store.EXPECT().
		ReplaceOne(gomock.Any(), domain.ParticipantsCollection, contract.Document{"_id": "bob_R1"}, gomock.Any(), true).
		Return(nil).
		Times(1)
	store.EXPECT().
		FindOne(gomock.Any(), domain.RoomsCollection, contract.Document{"_id": "R1"}).
		Return(domain.RoomDocument(r1), nil).
		Times(1)

	// When bob joins twice
	req.NoError(room.Join(ctx, "bob"))
	req.NoError(room.Join(ctx, "bob"))

	// Then the roster is unchanged by the second call
	req.Equal([]string{"bob"}, room.Participants())
}

func TestRoom_Leave_Absent_Participant_Is_A_No_Op(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockIDocumentStore(ctrl)
	eventBus := mocks.NewMockIEventBus(ctrl)
	room, err := domain.NewRoom(domain.Deps{Bus: eventBus, Store: store, Log: logs.GetLoggerFromLevel(slog.LevelDebug)},
		r1, "bob", domain.DefaultPalette())
	req.NoError(err)

	// No store or bus call is expected
	req.NoError(room.Leave(context.Background(), "bob"))
	req.Equal(domain.Absent, room.PresenceState("bob"))
}

func TestRoom_Join_Compensates_When_Announcement_Fails(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	b := newBackend(t)
	b.createRoom(t, r1)
	eventBus := mocks.NewMockIEventBus(ctrl)
	deps := b.deps()
	deps.Bus = eventBus
	room, err := domain.NewRoom(deps, r1, "bob", domain.DefaultPalette())
	req.NoError(err)

	gomock.InOrder(
		eventBus.EXPECT().Subscribe(gomock.Any(), event.MessageChannel("R1"), gomock.Any()).Return("s1", nil),
		eventBus.EXPECT().Subscribe(gomock.Any(), event.JoinChannel("R1"), gomock.Any()).Return("s2", nil),
		eventBus.EXPECT().Subscribe(gomock.Any(), event.LeaveChannel("R1"), gomock.Any()).Return("s3", nil),
		eventBus.EXPECT().Publish(gomock.Any(), event.JoinChannel("R1"), gomock.Any(), false).Return(errors.ErrHubNotConnected),
	)
	eventBus.EXPECT().Unsubscribe(event.MessageChannel("R1"), "s1")
	eventBus.EXPECT().Unsubscribe(event.JoinChannel("R1"), "s2")
	eventBus.EXPECT().Unsubscribe(event.LeaveChannel("R1"), "s3")

	// When the join cannot be announced
	err = room.Join(ctx, "bob")

	// Then the failing step is reported
	req.ErrorIs(err, errors.ErrHubNotConnected)
	var stepErr *runtime.StepError
	req.True(errors.As(err, &stepErr))
	req.Equal("announce join", stepErr.Step)

	// And nothing of the join remains
	_, err = b.store.FindOne(ctx, domain.ParticipantsCollection, contract.Document{"_id": "bob_R1"})
	req.ErrorIs(err, errors.ErrDocumentNotFound)
	req.Empty(room.Participants())
	req.Equal(domain.Absent, room.PresenceState("bob"))
}

func TestRoom_Join_Loads_Stored_Messages(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	b := newBackend(t)
	doc := domain.RoomDocument(r1)
	doc["messages"] = []any{map[string]any{
		"_id": "m1", "from": "alice", "text": "hi", "date": "2024-03-01T10:00:00Z",
		"likes": []any{"bob"}, "dislikes": []any{},
		"replies": []any{map[string]any{
			"_id": "r1", "from": "bob", "text": "ok", "date": "2024-03-01T10:01:00Z",
			"likes": []any{}, "dislikes": []any{}, "replies": []any{},
		}},
	}}
	req.NoError(b.store.InsertOne(ctx, domain.RoomsCollection, doc))
	bob, view := b.client(t, r1, "bob")

	// When bob joins
	req.NoError(bob.Join(ctx, "bob"))

	// Then the stored thread is materialized with its reply linked to its root
	messages := bob.Messages()
	req.Len(messages, 1)
	req.Equal([]string{"bob"}, messages[0].Likes)
	reply, ok := bob.Message("r1")
	req.True(ok)
	req.True(reply.IsReply())
	req.Equal("m1", reply.ParentID())
	req.Len(view.Messages(), 1)

	// And every message vote channel is tracked
	req.Equal(1, b.bus.Subscribers(event.VoteChannel("m1")))
	req.Equal(1, b.bus.Subscribers(event.VoteChannel("r1")))
}

func TestRoom_Publish_Root_Message(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	b := newBackend(t)
	b.createRoom(t, r1)
	alice, aliceView := b.client(t, r1, "alice")
	bob, bobView := b.client(t, r1, "bob")
	req.NoError(alice.Join(ctx, "alice"))
	req.NoError(bob.Join(ctx, "bob"))
	posted := b.listen(t, event.MessageChannel("R1"))

	// When alice publishes with no reply target
	data, err := alice.Publish(ctx, "alice", "hi")

	// Then a root message is broadcast on R1_channel
	req.NoError(err)
	req.Equal("hi", data.Text)
	req.Equal([]string{}, data.Likes)
	req.Equal([]string{}, data.Dislikes)
	req.Len(*posted, 1)
	evt, err := event.Decode[event.MessagePosted]((*posted)[0])
	req.NoError(err)
	req.Equal("R1", evt.Room)

	// And it is appended to the room document
	stored := storedMessages(t, b.store, "R1")
	req.Len(stored, 1)
	req.Equal(data.ID, stored[0].ID)
	req.True(stored[0].Date.Equal(fixedAt))

	// And both clients show it once
	for _, room := range []*domain.Room{alice, bob} {
		req.Len(room.Messages(), 1)
		req.Equal(data, room.Messages()[0])
	}
	req.Len(aliceView.Messages(), 1)
	req.Len(bobView.Messages(), 1)
}

type darnFilter struct{}

func (darnFilter) Censor(text string) (string, []string) {
	if text == "darn" {
		return "****", []string{"darn"}
	}
	return text, nil
}

func TestRoom_Publish_Filters_Text(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	b := newBackend(t)
	b.createRoom(t, r1)
	alice, _ := b.client(t, r1, "alice", domain.WithTextFilter(darnFilter{}))
	req.NoError(alice.Join(ctx, "alice"))

	data, err := alice.Publish(ctx, "alice", "darn")

	req.NoError(err)
	req.Equal("****", data.Text)
	req.Equal("****", storedMessages(t, b.store, "R1")[0].Text)
}

func TestRoom_Like_Twice_Toggles_Off(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	b := newBackend(t)
	b.createRoom(t, r1)
	alice, _ := b.client(t, r1, "alice")
	bob, _ := b.client(t, r1, "bob")
	req.NoError(alice.Join(ctx, "alice"))
	req.NoError(bob.Join(ctx, "bob"))
	msg, err := alice.Publish(ctx, "alice", "hi")
	req.NoError(err)
	broadcasts := b.listen(t, event.VoteChannel(msg.ID))

	// When bob likes the message twice
	req.NoError(bob.Like(ctx, msg.ID, "bob"))
	req.NoError(bob.Like(ctx, msg.ID, "bob"))

	// Then the first broadcast carried his like and the second withdrew it
	req.Equal([][]string{{"bob"}, {}}, votes(t, *broadcasts))
	req.Empty(storedMessages(t, b.store, "R1")[0].Likes)
	m, ok := alice.Message(msg.ID)
	req.True(ok)
	req.False(m.Liked("bob"))
}

func TestRoom_Like_Then_Dislike_Is_Exclusive(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	b := newBackend(t)
	b.createRoom(t, r1)
	alice, aliceView := b.client(t, r1, "alice")
	bob, _ := b.client(t, r1, "bob")
	req.NoError(alice.Join(ctx, "alice"))
	req.NoError(bob.Join(ctx, "bob"))
	msg, err := alice.Publish(ctx, "alice", "hi")
	req.NoError(err)

	// When bob likes then dislikes
	req.NoError(bob.Like(ctx, msg.ID, "bob"))
	req.NoError(bob.Dislike(ctx, msg.ID, "bob"))

	// Then every copy only holds the dislike
	for _, room := range []*domain.Room{alice, bob} {
		m, ok := room.Message(msg.ID)
		req.True(ok)
		req.False(m.Liked("bob"))
		req.True(m.Disliked("bob"))
	}
	stored := storedMessages(t, b.store, "R1")[0]
	req.Empty(stored.Likes)
	req.Equal([]string{"bob"}, stored.Dislikes)
	shown, ok := aliceView.Message(msg.ID)
	req.True(ok)
	req.Equal([]string{"bob"}, shown.Dislikes)
}

func TestRoom_Vote_On_Unknown_Message(t *testing.T) {
	req := require.New(t)
	b := newBackend(t)
	b.createRoom(t, r1)
	bob, _ := b.client(t, r1, "bob")

	err := bob.Like(context.Background(), "missing", "bob")

	req.ErrorIs(err, errors.ErrUnknownMessage)
}

func TestRoom_Reply_Rewrites_The_Parent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	b := newBackend(t)
	b.createRoom(t, r1)
	alice, _ := b.client(t, r1, "alice")
	bob, bobView := b.client(t, r1, "bob")
	req.NoError(alice.Join(ctx, "alice"))
	req.NoError(bob.Join(ctx, "bob"))
	msg, err := bob.Publish(ctx, "bob", "hi")
	req.NoError(err)

	// When alice replies to it
	req.NoError(alice.SetReplyTo(msg.ID))
	reply, err := alice.Publish(ctx, "alice", "ok")

	// Then the reply hangs under the parent, not under the room
	req.NoError(err)
	req.Empty(reply.Replies)
	stored := storedMessages(t, b.store, "R1")
	req.Len(stored, 1)
	req.Len(stored[0].Replies, 1)
	req.Equal(reply.ID, stored[0].Replies[0].ID)
	req.Equal("ok", stored[0].Replies[0].Text)

	// And the reply target is consumed
	_, set := alice.ReplyTarget()
	req.False(set)

	// And the other client merged the rewritten parent
	req.Len(bob.Messages(), 1)
	req.Len(bob.Messages()[0].Replies, 1)
	shown, ok := bobView.Message(reply.ID)
	req.True(ok)
	req.Equal("ok", shown.Text)
}

func TestRoom_SetReplyTo_A_Reply_Targets_Its_Root(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	b := newBackend(t)
	b.createRoom(t, r1)
	alice, _ := b.client(t, r1, "alice")
	req.NoError(alice.Join(ctx, "alice"))
	root, err := alice.Publish(ctx, "alice", "hi")
	req.NoError(err)
	req.NoError(alice.SetReplyTo(root.ID))
	first, err := alice.Publish(ctx, "alice", "first")
	req.NoError(err)

	// When replying to the reply
	req.NoError(alice.SetReplyTo(first.ID))
	target, _ := alice.ReplyTarget()
	second, err := alice.Publish(ctx, "alice", "second")

	// Then threads stay one level deep
	req.NoError(err)
	req.Equal(root.ID, target)
	m, ok := alice.Message(second.ID)
	req.True(ok)
	req.Equal(root.ID, m.ParentID())
	stored := storedMessages(t, b.store, "R1")
	req.Len(stored, 1)
	req.Len(stored[0].Replies, 2)
	for _, r := range stored[0].Replies {
		req.Empty(r.Replies)
	}
}

func TestRoom_SetReplyTo_Unknown_Message(t *testing.T) {
	req := require.New(t)
	b := newBackend(t)
	b.createRoom(t, r1)
	alice, _ := b.client(t, r1, "alice")

	req.ErrorIs(alice.SetReplyTo("missing"), errors.ErrUnknownMessage)
	alice.ClearReplyTo()
	_, set := alice.ReplyTarget()
	req.False(set)
}

func TestRoom_Leave_Self_Stops_Room_Delivery(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	b := newBackend(t)
	b.createRoom(t, r1)
	alice, _ := b.client(t, r1, "alice")
	bob, bobView := b.client(t, r1, "bob")
	req.NoError(alice.Join(ctx, "alice"))
	req.NoError(bob.Join(ctx, "bob"))
	msg, err := alice.Publish(ctx, "alice", "hi")
	req.NoError(err)
	bobColour, _ := alice.ColorOf("bob")

	// When bob leaves
	req.NoError(bob.Leave(ctx, "bob"))

	// Then his copy forgets the messages and its room subscriptions
	req.Empty(bob.Messages())
	req.Equal([]string{"alice"}, alice.Participants())
	req.Equal(1, b.bus.Subscribers(event.MessageChannel("R1")))
	req.Equal(1, b.bus.Subscribers(event.VoteChannel(msg.ID)))
	req.Equal(2, b.bus.Subscribers(event.DeleteChannel("R1")))

	// And everyone repainted him as departed and recycled his colour
	painted, _ := bobView.ColorOf("bob")
	req.Equal(domain.DepartedColor, painted)
	req.Contains(alice.AvailableColors(), bobColour)
	req.ElementsMatch(alice.Participants(), lo.Keys(alice.ColorAssignment()))

	// And his row is gone
	_, err = b.store.FindOne(ctx, domain.ParticipantsCollection, contract.Document{"_id": "bob_R1"})
	req.ErrorIs(err, errors.ErrDocumentNotFound)
}

func TestRoom_Colour_Assignment_Follows_Participants(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	b := newBackend(t)
	b.createRoom(t, r1)
	palette := domain.DefaultPalette()[:2]
	room, err := domain.NewRoom(b.deps(), r1, "alice", palette, domain.WithParticipants("zoe"))
	req.NoError(err)
	req.ElementsMatch([]string{"zoe"}, lo.Keys(room.ColorAssignment()))

	for _, p := range []string{"alice", "bob", "clara"} {
		req.NoError(room.Join(ctx, p))
		req.ElementsMatch(room.Participants(), lo.Keys(room.ColorAssignment()))
	}
	c, _ := room.ColorOf("clara")
	req.Equal(domain.OverflowColor, c)

	for _, p := range []string{"bob", "zoe"} {
		req.NoError(room.Leave(ctx, p))
		req.ElementsMatch(room.Participants(), lo.Keys(room.ColorAssignment()))
	}
	req.Len(room.AvailableColors(), 1)
}

func TestRoom_Delete_Purges_Every_Client(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	b := newBackend(t)
	b.createRoom(t, r1)
	req.NoError(b.store.InsertOne(ctx, domain.ResourcesCollection, contract.Document{
		"_id": domain.ResourceID(application, "R1"), "path": domain.ResourcePath(application), "name": "R1", "owner": "alice",
	}))
	alice, aliceView := b.client(t, r1, "alice")
	bob, bobView := b.client(t, r1, "bob")
	req.NoError(alice.Join(ctx, "alice"))
	req.NoError(bob.Join(ctx, "bob"))
	_, err := alice.Publish(ctx, "alice", "hi")
	req.NoError(err)

	// When alice deletes R1
	req.NoError(alice.Delete(ctx, "alice"))

	// Then both copies are emptied and their views detached
	for _, room := range []*domain.Room{alice, bob} {
		req.True(room.Deleted())
		req.Empty(room.Messages())
		req.Empty(room.Participants())
	}
	for _, view := range []*projection.Timeline{aliceView, bobView} {
		req.True(view.Detached())
		req.Empty(view.Messages())
	}
	req.Zero(b.bus.Subscribers(event.MessageChannel("R1")))
	req.Zero(b.bus.Subscribers(event.DeleteChannel("R1")))

	// And the store forgot the room
	_, err = b.store.FindOne(ctx, domain.RoomsCollection, contract.Document{"_id": "R1"})
	req.ErrorIs(err, errors.ErrDocumentNotFound)
	rows, err := b.store.Find(ctx, domain.ParticipantsCollection, contract.Document{"room": "R1"})
	req.NoError(err)
	req.Empty(rows)
	_, err = b.store.FindOne(ctx, domain.ResourcesCollection, contract.Document{"_id": domain.ResourceID(application, "R1")})
	req.ErrorIs(err, errors.ErrDocumentNotFound)

	// And the deleted copy refuses further use
	_, err = bob.Publish(ctx, "bob", "anyone?")
	req.ErrorIs(err, errors.ErrRoomDeleted)
}

func TestRoom_Delete_By_Someone_Else(t *testing.T) {
	req := require.New(t)
	b := newBackend(t)
	b.createRoom(t, r1)
	bob, _ := b.client(t, r1, "bob")

	err := bob.Delete(context.Background(), "bob")

	req.ErrorIs(err, errors.ErrNotRoomCreator)
	req.False(bob.Deleted())
}

func TestRoom_Delete_Restores_Documents_When_Announcement_Fails(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	b := newBackend(t)
	b.createRoom(t, r1)
	resource := contract.Document{"_id": domain.ResourceID(application, "R1"), "name": "R1", "owner": "alice"}
	req.NoError(b.store.InsertOne(ctx, domain.ResourcesCollection, resource))
	req.NoError(b.store.InsertOne(ctx, domain.ParticipantsCollection,
		contract.Document{"_id": "bob_R1", "participant": "bob", "room": "R1"}))

	eventBus := mocks.NewMockIEventBus(ctrl)
	eventBus.EXPECT().
		Publish(gomock.Any(), event.DeleteChannel("R1"), gomock.Any(), false).
		Return(errors.ErrHubNotConnected)
	deps := b.deps()
	deps.Bus = eventBus
	room, err := domain.NewRoom(deps, r1, "alice", domain.DefaultPalette())
	req.NoError(err)

	// When the deletion cannot be announced
	err = room.Delete(ctx, "alice")

	// Then every removed document is back
	req.ErrorIs(err, errors.ErrHubNotConnected)
	req.False(room.Deleted())
	_, err = b.store.FindOne(ctx, domain.RoomsCollection, contract.Document{"_id": "R1"})
	req.NoError(err)
	_, err = b.store.FindOne(ctx, domain.ParticipantsCollection, contract.Document{"_id": "bob_R1"})
	req.NoError(err)
	_, err = b.store.FindOne(ctx, domain.ResourcesCollection, contract.Document{"_id": domain.ResourceID(application, "R1")})
	req.NoError(err)
}

func TestRoom_Ignores_Invalid_Events(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	b := newBackend(t)
	b.createRoom(t, r1)
	bob, _ := b.client(t, r1, "bob")
	req.NoError(bob.Join(ctx, "bob"))

	// When garbage and foreign events arrive on the room channels
	req.NoError(b.bus.Publish(ctx, event.MessageChannel("R1"), []byte("garbage"), false))
	left, err := event.Encode(event.ParticipantLeft{Room: "R1", Participant: "bob"})
	req.NoError(err)
	req.NoError(b.bus.Publish(ctx, event.JoinChannel("R1"), left, false))
	other, err := event.Encode(event.ParticipantJoined{Room: "R2", Participant: "eve"})
	req.NoError(err)
	req.NoError(b.bus.Publish(ctx, event.JoinChannel("R1"), other, false))

	// Then the local state is untouched
	req.Equal([]string{"bob"}, bob.Participants())
	req.Empty(bob.Messages())
}

func TestRoom_Close_Leaves_The_Store_Alone(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	b := newBackend(t)
	b.createRoom(t, r1)
	bob, view := b.client(t, r1, "bob")
	req.NoError(bob.Join(ctx, "bob"))

	bob.Close()

	req.True(view.Detached())
	req.Zero(b.bus.Subscribers(event.MessageChannel("R1")))
	req.Zero(b.bus.Subscribers(event.DeleteChannel("R1")))
	_, err := b.store.FindOne(ctx, domain.ParticipantsCollection, contract.Document{"_id": "bob_R1"})
	req.NoError(err)
	req.ErrorIs(bob.Join(ctx, "clara"), errors.ErrRoomDeleted)
}

func TestRoom_Marshal_Round_Trip(t *testing.T) {
	req := require.New(t)
	room, err := domain.NewRoom(newBackend(t).deps(), r1, "bob", domain.DefaultPalette())
	req.NoError(err)

	b, err := room.Marshal()
	req.NoError(err)
	info, err := domain.UnmarshalRoomInfo(b)

	req.NoError(err)
	req.Equal(r1, info)
}

func TestNewRoom_Rejects_Invalid_Info(t *testing.T) {
	req := require.New(t)

	_, err := domain.NewRoom(newBackend(t).deps(), domain.RoomInfo{Type: domain.Public, Creator: "alice"}, "bob", nil)

	req.ErrorIs(err, errors.ErrInvalidDocument)
}

// threadedRoom has alice and bob in R1 with a root message from bob and a
// reply from alice.
func threadedRoom(t *testing.T, b backend) (alice, bob *domain.Room, root, reply domain.MessageData) {
	ctx := context.Background()
	b.createRoom(t, r1)
	alice, _ = b.client(t, r1, "alice")
	bob, _ = b.client(t, r1, "bob")
	require.NoError(t, alice.Join(ctx, "alice"))
	require.NoError(t, bob.Join(ctx, "bob"))
	root, err := bob.Publish(ctx, "bob", "hi")
	require.NoError(t, err)
	require.NoError(t, alice.SetReplyTo(root.ID))
	reply, err = alice.Publish(ctx, "alice", "ok")
	require.NoError(t, err)
	return alice, bob, root, reply
}

func TestRoom_Like_A_Reply_Rewrites_Its_Root(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	b := newBackend(t)
	alice, bob, root, reply := threadedRoom(t, b)
	broadcasts := b.listen(t, event.VoteChannel(reply.ID))

	// When bob likes alice's reply
	req.NoError(bob.Like(ctx, reply.ID, "bob"))

	// Then the stored root carries the vote inside its reply
	stored := storedMessages(t, b.store, "R1")
	req.Len(stored, 1)
	req.Equal(root.ID, stored[0].ID)
	req.Empty(stored[0].Likes)
	req.Len(stored[0].Replies, 1)
	req.Equal([]string{"bob"}, stored[0].Replies[0].Likes)

	// And the vote was broadcast for the reply, reaching both copies
	req.Equal([][]string{{"bob"}}, votes(t, *broadcasts))
	for _, room := range []*domain.Room{alice, bob} {
		m, ok := room.Message(reply.ID)
		req.True(ok)
		req.True(m.Liked("bob"))
	}
}

func TestRoom_Failed_Vote_Keeps_The_Local_Change(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	b := newBackend(t)
	_, bob, _, reply := threadedRoom(t, b)
	broadcasts := b.listen(t, event.VoteChannel(reply.ID))

	// Given the room document is gone from the store
	_, err := b.store.DeleteMany(ctx, domain.RoomsCollection, contract.Document{"_id": "R1"})
	req.NoError(err)

	// When bob likes the reply
	err = bob.Like(ctx, reply.ID, "bob")

	// Then the error is returned, nothing is broadcast and the like stays local
	req.ErrorIs(err, errors.ErrDocumentNotFound)
	req.Empty(*broadcasts)
	m, ok := bob.Message(reply.ID)
	req.True(ok)
	req.True(m.Liked("bob"))
}

func TestRoom_Failed_Reply_Keeps_The_Local_Reply(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	b := newBackend(t)
	alice, _, root, _ := threadedRoom(t, b)
	posted := b.listen(t, event.MessageChannel("R1"))
	_, err := b.store.DeleteMany(ctx, domain.RoomsCollection, contract.Document{"_id": "R1"})
	req.NoError(err)

	// When alice replies again and the rewrite of the root fails
	req.NoError(alice.SetReplyTo(root.ID))
	_, err = alice.Publish(ctx, "alice", "again")

	// Then the error is returned and the reply is not rolled back
	req.ErrorIs(err, errors.ErrDocumentNotFound)
	req.Empty(*posted)
	m, ok := alice.Message(root.ID)
	req.True(ok)
	req.Len(m.Data().Replies, 2)
	req.Equal("again", m.Data().Replies[1].Text)

	// And the reply target is still set
	target, set := alice.ReplyTarget()
	req.True(set)
	req.Equal(root.ID, target)
}

func TestRoom_Store_Errors_Keep_Vote_And_Reply_Local(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	b := newBackend(t)
	b.createRoom(t, r1)

	// Given a store that accepts the first message then rejects every update
	store := mocks.NewMockIDocumentStore(ctrl)
	store.EXPECT().Find(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(b.store.Find).AnyTimes()
	store.EXPECT().FindOne(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(b.store.FindOne).AnyTimes()
	store.EXPECT().InsertOne(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(b.store.InsertOne).AnyTimes()
	store.EXPECT().ReplaceOne(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(b.store.ReplaceOne).AnyTimes()
	store.EXPECT().DeleteMany(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(b.store.DeleteMany).AnyTimes()
	first := store.EXPECT().UpdateOne(gomock.Any(), domain.RoomsCollection, gomock.Any(), gomock.Any()).
		DoAndReturn(b.store.UpdateOne)
	store.EXPECT().UpdateOne(gomock.Any(), domain.RoomsCollection, gomock.Any(), gomock.Any()).
		Return(errors.ErrInvalidDocument).Times(2).After(first)

	deps := b.deps()
	deps.Store = store
	bob, err := domain.NewRoom(deps, r1, "bob", domain.DefaultPalette())
	req.NoError(err)
	req.NoError(bob.Open(ctx))
	t.Cleanup(bob.Close)
	req.NoError(bob.Join(ctx, "bob"))
	root, err := bob.Publish(ctx, "bob", "hi")
	req.NoError(err)

	// When bob votes and replies
	errVote := bob.Like(ctx, root.ID, "bob")
	req.NoError(bob.SetReplyTo(root.ID))
	_, errReply := bob.Publish(ctx, "bob", "ok")

	// Then both errors surface and both changes stay local
	req.ErrorIs(errVote, errors.ErrInvalidDocument)
	req.ErrorIs(errReply, errors.ErrInvalidDocument)
	m, ok := bob.Message(root.ID)
	req.True(ok)
	req.True(m.Liked("bob"))
	req.Len(m.Data().Replies, 1)

	// And the store still holds the message as first pushed
	stored := storedMessages(t, b.store, "R1")
	req.Len(stored, 1)
	req.Empty(stored[0].Likes)
	req.Empty(stored[0].Replies)
}

// hookedStore runs beforeLoad once, right before room messages are read.
type hookedStore struct {
	*storage.BadgerStore
	beforeLoad func()
}

func (s *hookedStore) FindOne(ctx context.Context, collection string, filter contract.Document) (contract.Document, error) {
	if collection == domain.RoomsCollection && s.beforeLoad != nil {
		hook := s.beforeLoad
		s.beforeLoad = nil
		hook()
	}
	return s.BadgerStore.FindOne(ctx, collection, filter)
}

func TestRoom_Join_Keeps_Stored_Order_When_A_Message_Arrives_Early(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	b := newBackend(t)
	doc := domain.RoomDocument(r1)
	doc["messages"] = []any{
		map[string]any{"_id": "m1", "from": "alice", "text": "first", "date": "2024-03-01T10:00:00Z",
			"likes": []any{}, "dislikes": []any{}, "replies": []any{}},
		map[string]any{"_id": "m2", "from": "alice", "text": "second", "date": "2024-03-01T10:01:00Z",
			"likes": []any{}, "dislikes": []any{}, "replies": []any{}},
	}
	req.NoError(b.store.InsertOne(ctx, domain.RoomsCollection, doc))

	store := &hookedStore{BadgerStore: b.store}
	deps := b.deps()
	deps.Store = store
	view := projection.NewTimeline("bob")
	bob, err := domain.NewRoom(deps, r1, "bob", domain.DefaultPalette(), domain.WithView(view))
	req.NoError(err)
	req.NoError(bob.Open(ctx))
	t.Cleanup(bob.Close)

	late := domain.NewMessage("alice", "third", fixedAt.Add(5*time.Minute)).Data()
	raw, err := json.Marshal(late)
	req.NoError(err)
	payload, err := event.Encode(event.MessagePosted{Room: "R1", Message: raw})
	req.NoError(err)
	store.beforeLoad = func() {
		req.NoError(b.bus.Publish(ctx, event.MessageChannel("R1"), payload, false))
	}

	// When a live message reaches bob before his history is read
	req.NoError(bob.Join(ctx, "bob"))

	// Then the history comes first, in stored order, in the room and its view
	ids := func(ms []domain.MessageData) []string {
		return lo.Map(ms, func(m domain.MessageData, _ int) string { return m.ID })
	}
	req.Equal([]string{"m1", "m2", late.ID}, ids(bob.Messages()))
	req.Equal([]string{"m1", "m2", late.ID}, ids(view.Messages()))
}
