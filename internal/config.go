package internal

import (
	"fmt"
	"time"
)

// ClientConfig configures a chat client: one account talking to a hub and
// a document store.
type ClientConfig struct {
	LogLevel        string        `env:"LOG_LEVEL,default=INFO"`
	Participant     string        `env:"PARTICIPANT,required=true"`
	Application     string        `env:"APPLICATION,default=chitchat"`
	HubAddr         string        `env:"HUB_ADDR,default=localhost:7070"`
	RestartInterval time.Duration `env:"RESTART_INTERVAL,default=2s"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT,default=10s"`
	// MongoURI selects the Mongo store when set, the badger store otherwise.
	MongoURI        string `env:"MONGO_URI"`
	MongoDatabase   string `env:"MONGO_DATABASE,default=chitchat"`
	BadgerFilepath  string `env:"BADGER_FILEPATH,default=./data/chitchat"`
	PaletteFilepath string `env:"PALETTE_FILEPATH"`
	CharReplacement string `env:"CHARACTER_REPLACEMENT,default=*"`
	Moderation      bool   `env:"MODERATION,default=true"`
}

// HubConfig configures the event hub server.
type HubConfig struct {
	LogLevel    string `env:"LOG_LEVEL,default=INFO"`
	Host        string `env:"HOST,default=0.0.0.0"`
	Port        int    `env:"PORT,default=7070"`
	MetricsPort int    `env:"METRICS_PORT,default=9090"`
	// OutboxSize bounds the frames waiting for a slow client before it is
	// disconnected.
	OutboxSize int `env:"OUTBOX_SIZE,default=256"`
}

func (c HubConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c HubConfig) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.MetricsPort)
}

func CharacterRune(str string) (rune, error) {
	r := []rune(str)
	if len(r) != 1 {
		return 0, fmt.Errorf(
			"CHARACTER_REPLACEMENT must be a single character, got %q",
			str,
		)
	}
	return r[0], nil
}
