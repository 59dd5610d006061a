package ui

import (
	"chitchat/domain"
	"chitchat/errors"
	"chitchat/infrastructure/bus"
	"chitchat/infrastructure/storage"
	"chitchat/services"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

type session struct {
	dir   *services.RoomDirectory
	shell *Shell
	out   *screen
}

func newSession(t *testing.T) session {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	deps := domain.Deps{Bus: bus.NewLocalBus(log), Store: storage.NewBadgerStore(db, log), Log: log, Application: "chitchat"}

	out := &screen{}
	console := NewConsole(out)
	dir := services.NewRoomDirectory(deps, "alice",
		services.WithDirectoryView(console),
		services.WithRoomViews(console.ForRoom))
	require.NoError(t, dir.Open(context.Background()))
	t.Cleanup(func() { _ = dir.Exit(context.Background()) })
	return session{dir: dir, shell: NewShell(log, dir, console, "alice"), out: out}
}

func (s session) exec(t *testing.T, line string) {
	quit, err := s.shell.Execute(context.Background(), line)
	require.NoError(t, err, line)
	require.False(t, quit, line)
}

func (s session) printed(text string) bool {
	for _, line := range s.out.Lines() {
		if strings.Contains(line, text) {
			return true
		}
	}
	return false
}

func TestShell_Conversation(t *testing.T) {
	req := require.New(t)
	s := newSession(t)

	// Given alice created and entered a private room
	s.exec(t, "/create R1 private go chat")
	s.exec(t, "/enter R1")
	room, ok := s.dir.Current()
	req.True(ok)
	req.Equal(domain.Private, room.Type())
	req.Equal([]string{"go", "chat"}, room.Subjects())
	req.True(s.printed("created R1"))
	req.True(s.printed("[R1] alice joined"))

	// When she writes, likes her message by its short id and replies to it
	s.exec(t, "hello")
	root := room.Messages()[0]
	s.exec(t, "/like "+root.ID[:8])
	s.exec(t, "/reply "+root.ID[:8])
	s.exec(t, "indeed")
	s.exec(t, "/reply")

	// Then the room holds the thread and the console showed it
	messages := room.Messages()
	req.Len(messages, 1)
	req.Equal("hello", messages[0].Text)
	req.Equal([]string{"alice"}, messages[0].Likes)
	req.Len(messages[0].Replies, 1)
	req.Equal("indeed", messages[0].Replies[0].Text)
	_, replying := room.ReplyTarget()
	req.False(replying)
	req.True(s.printed("alice: hello"))
	req.True(s.printed("+1 -0"))
	req.True(s.printed("> " + messages[0].Replies[0].ID[:8]))
}

func TestShell_Dislike_And_Delete(t *testing.T) {
	req := require.New(t)
	s := newSession(t)
	s.exec(t, "/create R1")
	s.exec(t, "/enter R1")
	s.exec(t, "hello")
	room, _ := s.dir.Current()

	// When alice dislikes then deletes her room
	s.exec(t, "/dislike "+room.Messages()[0].ID)
	req.Equal([]string{"alice"}, room.Messages()[0].Dislikes)
	s.exec(t, "/delete")

	// Then it is gone from her list
	req.True(room.Deleted())
	req.Empty(s.dir.Rooms())
	req.True(s.printed("[R1] room deleted"))
}

func TestShell_Errors(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newSession(t)

	_, err := s.shell.Execute(ctx, "hello")
	req.Error(err)

	_, err = s.shell.Execute(ctx, "/enter R9")
	req.ErrorIs(err, errors.ErrUnknownRoom)

	_, err = s.shell.Execute(ctx, "/dance")
	req.ErrorContains(err, "unknown command")

	s.exec(t, "/create R1")
	_, err = s.shell.Execute(ctx, "/create R1")
	req.ErrorIs(err, errors.ErrRoomExists)

	s.exec(t, "/enter R1")
	_, err = s.shell.Execute(ctx, "/like zzz")
	req.ErrorIs(err, errors.ErrUnknownMessage)

	quit, err := s.shell.Execute(ctx, "/quit")
	req.NoError(err)
	req.True(quit)
}

func TestShell_Run_Stops_At_Quit(t *testing.T) {
	req := require.New(t)
	s := newSession(t)
	in := strings.NewReader("/create R1\n/enter R1\n/dance\nhi\n/quit\nnever sent\n")

	// When the input quits before its last line
	err := s.shell.Run(context.Background(), in)

	// Then the failed command was reported and the last line ignored
	req.NoError(err)
	room, ok := s.dir.Current()
	req.True(ok)
	req.Len(room.Messages(), 1)
	req.Equal("hi", room.Messages()[0].Text)
	req.True(s.printed("error: unknown command /dance"))
}

func TestResolveMessage(t *testing.T) {
	req := require.New(t)
	messages := []domain.MessageData{
		{ID: "abc1", Replies: []domain.MessageData{{ID: "def1"}}},
		{ID: "abc2"},
	}

	id, err := resolveMessage(messages, "def")
	req.NoError(err)
	req.Equal("def1", id)

	id, err = resolveMessage(messages, "abc2")
	req.NoError(err)
	req.Equal("abc2", id)

	_, err = resolveMessage(messages, "abc")
	req.ErrorIs(err, errors.ErrAmbiguousMessage)

	_, err = resolveMessage(messages, "xyz")
	req.ErrorIs(err, errors.ErrUnknownMessage)
}
