package e2e

import (
	"chitchat/domain"
	"chitchat/infrastructure/grpc/client"
	"chitchat/infrastructure/storage"
	"chitchat/projection"
	"chitchat/services"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

const connectTimeout = 10 * time.Second

// BaseGrpcSuite runs scenarios against a live hub and a Mongo store.
// It is skipped when HUB_ADDR or MONGO_URI is unset.
type BaseGrpcSuite struct {
	suite.Suite
	Config Config
	mongo  *mongo.Client
}

// SetupSuite loads the environment configuration before running tests
func (s *BaseGrpcSuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
	if s.Config.HubAddr == "" || s.Config.MongoURI == "" {
		s.T().Skip("HUB_ADDR and MONGO_URI are required for end to end scenarios")
	}
	s.mongo, err = storage.ConnectMongo(context.Background(), s.Config.MongoURI, connectTimeout)
	s.Require().NoError(err)
}

func (s *BaseGrpcSuite) TearDownSuite() {
	if s.mongo != nil {
		_ = s.mongo.Disconnect(context.Background())
	}
}

// GrpcConn initializes a gRPC connection logging every hub frame
func (s *BaseGrpcSuite) GrpcConn(t *testing.T, name string) *grpc.ClientConn {
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	t.Log(header)

	marshaler := protojson.MarshalOptions{UseProtoNames: true, EmitUnpopulated: true}
	conn, err := grpc.NewClient(s.Config.HubAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStreamInterceptor(func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
			stream, err := streamer(ctx, desc, cc, method, opts...)
			if err != nil || !s.Config.DebugJSON {
				return stream, err
			}
			return &loggedStream{ClientStream: stream, log: func(direction string, m any) {
				if msg, ok := m.(proto.Message); ok {
					t.Logf("%s %s %s", name, direction, marshaler.Format(msg))
				}
			}}, nil
		}),
	)
	s.Require().NoError(err, "Failed to connect to the hub at "+s.Config.HubAddr)
	return conn
}

type loggedStream struct {
	grpc.ClientStream
	log func(direction string, m any)
}

func (l *loggedStream) SendMsg(m any) error {
	l.log("SEND", m)
	return l.ClientStream.SendMsg(m)
}

func (l *loggedStream) RecvMsg(m any) error {
	err := l.ClientStream.RecvMsg(m)
	if err == nil {
		l.log("RECV", m)
	}
	return err
}

// Client is one chat account connected to the hub and the store.
type Client struct {
	Name      string
	Directory *services.RoomDirectory

	mu    sync.Mutex
	views map[string]*projection.Timeline
}

// View returns what the client rendered for room.
func (c *Client) View(room string) *projection.Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.views[room]
}

// NewClient connects name to the hub, opens its directory and exits it at
// the end of the test.
func (s *BaseGrpcSuite) NewClient(name string) *Client {
	t := s.T()
	log := logs.GetLoggerFromLevel(slog.LevelDebug).With("participant", name)
	conn := s.GrpcConn(t, name)
	hub := client.NewEventHubClient(conn, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	connectCtx, connectCancel := context.WithTimeout(ctx, connectTimeout)
	defer connectCancel()
	s.Require().NoError(hub.WaitConnected(connectCtx))

	c := &Client{Name: name, views: make(map[string]*projection.Timeline)}
	deps := domain.Deps{
		Bus:         hub,
		Store:       storage.NewMongoStore(s.mongo.Database(s.Config.MongoDatabase), log),
		Log:         log,
		Application: "chitchat_e2e",
	}
	c.Directory = services.NewRoomDirectory(deps, name, services.WithRoomViews(func(room string) domain.RoomView {
		view := projection.NewTimeline(name)
		c.mu.Lock()
		c.views[room] = view
		c.mu.Unlock()
		return view
	}))
	s.Require().NoError(c.Directory.Open(ctx))

	t.Cleanup(func() {
		_ = c.Directory.Exit(context.Background())
		cancel()
		<-done
		_ = conn.Close()
	})
	return c
}

// Step logs a colourized scenario step
func (s *BaseGrpcSuite) Step(format string, args ...any) {
	line := "  >> " + strings.TrimSpace(fmt.Sprintf(format, args...))
	if s.Config.Colours {
		line = color.Cyan.Render(line)
	}
	s.T().Log(line)
}
