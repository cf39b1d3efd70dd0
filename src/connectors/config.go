package connectors

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	KiteBaseURL     string        `envconfig:"KITE_BASE_URL" default:"https://api.kite.trade"`
	KiteWSURL       string        `envconfig:"KITE_WS_URL" default:"wss://ws.kite.trade"`
	KiteAPIKey      string        `envconfig:"KITE_API_KEY"`
	KiteAccessToken string        `envconfig:"KITE_ACCESS_TOKEN"`
	RequestTimeout  time.Duration `envconfig:"KITE_REQUEST_TIMEOUT" default:"8s"`
	RetryCount      int           `envconfig:"KITE_RETRY_COUNT" default:"2"`
	RetryWaitTime   time.Duration `envconfig:"KITE_RETRY_WAIT" default:"500ms"`
}

var config *Config

func GetConfig() *Config {
	if config == nil {
		config = &Config{}
		err := envconfig.Process("", config)
		if err != nil {
			panic(err)
		}
	}
	return config
}
