package e2e

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	HubAddr       string `envconfig:"HUB_ADDR"`
	MongoURI      string `envconfig:"MONGO_URI"`
	MongoDatabase string `envconfig:"MONGO_DATABASE" default:"chitchat_e2e"`
	// E2E_DEBUG_JSON dumps every hub frame as JSON
	DebugJSON bool `envconfig:"E2E_DEBUG_JSON" default:"false"`
	// E2E_COLOURS enables colorized output for better log readability
	Colours bool `envconfig:"E2E_COLOURS" default:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
