package ui

import (
	"bufio"
	"chitchat/domain"
	"chitchat/errors"
	"chitchat/services"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Shell reads commands from the user and applies them to the directory.
// A line that is not a command is published in the current room.
type Shell struct {
	log     *slog.Logger
	dir     services.IRoomDirectory
	console *Console
	self    string
}

func NewShell(log *slog.Logger, dir services.IRoomDirectory, console *Console, self string) *Shell {
	return &Shell{log: log, dir: dir, console: console, self: self}
}

const help = `/rooms                          list rooms
/create <name> [public|private] [subject...]
/enter <name>                   join a room, leaving the current one
/leave                          leave the current room
/who                            participants of the current room
/reply <id> | /reply            reply to a message | stop replying
/like <id>  /dislike <id>       toggle a vote
/delete                         delete the current room (creator only)
/quit`

// Run executes lines from in until /quit, end of input or cancellation.
// Command failures are printed and never stop the shell.
func (s *Shell) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := s.Execute(ctx, line)
			if err != nil {
				s.log.Debug("Command failed", "line", line, "error", err)
				s.console.Failure(err)
			}
			if quit {
				return nil
			}
		}
	}
}

// Execute applies a single line. It reports whether the user asked to quit.
func (s *Shell) Execute(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, s.publish(ctx, line)
	}

	fields := strings.Fields(line)
	command, args := fields[0], fields[1:]
	switch command {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		s.console.Notice("%s", help)
	case "/rooms":
		s.console.ListRooms(s.dir.Rooms())
	case "/create":
		return false, s.create(ctx, args)
	case "/enter":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /enter <name>")
		}
		_, err := s.dir.Enter(ctx, args[0])
		return false, err
	case "/leave":
		return false, s.dir.Leave(ctx)
	case "/who":
		room, err := s.current()
		if err != nil {
			return false, err
		}
		s.console.Notice("%s: %s", room.Name(), strings.Join(room.Participants(), ", "))
	case "/reply":
		return false, s.reply(args)
	case "/like", "/dislike":
		return false, s.vote(ctx, command, args)
	case "/delete":
		room, err := s.current()
		if err != nil {
			return false, err
		}
		return false, room.Delete(ctx, s.self)
	default:
		return false, fmt.Errorf("unknown command %s, try /help", command)
	}
	return false, nil
}

func (s *Shell) publish(ctx context.Context, text string) error {
	room, err := s.current()
	if err != nil {
		return err
	}
	_, err = room.Publish(ctx, s.self, text)
	return err
}

func (s *Shell) create(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: /create <name> [public|private] [subject...]")
	}
	roomType, subjects := domain.Public, args[1:]
	if len(subjects) > 0 {
		switch strings.ToLower(subjects[0]) {
		case "public":
			subjects = subjects[1:]
		case "private":
			roomType, subjects = domain.Private, subjects[1:]
		}
	}
	room, err := s.dir.CreateRoom(ctx, args[0], roomType, subjects)
	if err != nil {
		return err
	}
	s.console.Notice("created %s", room.Name())
	return nil
}

func (s *Shell) reply(args []string) error {
	room, err := s.current()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		room.ClearReplyTo()
		return nil
	}
	id, err := resolveMessage(room.Messages(), args[0])
	if err != nil {
		return err
	}
	return room.SetReplyTo(id)
}

func (s *Shell) vote(ctx context.Context, command string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s <id>", command)
	}
	room, err := s.current()
	if err != nil {
		return err
	}
	id, err := resolveMessage(room.Messages(), args[0])
	if err != nil {
		return err
	}
	if command == "/like" {
		return room.Like(ctx, id, s.self)
	}
	return room.Dislike(ctx, id, s.self)
}

func (s *Shell) current() (*domain.Room, error) {
	room, ok := s.dir.Current()
	if !ok {
		return nil, fmt.Errorf("not in a room, /enter one first")
	}
	return room, nil
}

// resolveMessage finds the single message, root or reply, whose id starts
// with prefix.
func resolveMessage(messages []domain.MessageData, prefix string) (string, error) {
	var found []string
	var walk func([]domain.MessageData)
	walk = func(ms []domain.MessageData) {
		for _, m := range ms {
			if strings.HasPrefix(m.ID, prefix) {
				found = append(found, m.ID)
			}
			walk(m.Replies)
		}
	}
	walk(messages)

	switch len(found) {
	case 0:
		return "", fmt.Errorf("%w: %s", errors.ErrUnknownMessage, prefix)
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("%w: %s matches %d messages", errors.ErrAmbiguousMessage, prefix, len(found))
	}
}
