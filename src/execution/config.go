package execution

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// PollInterval is the gap between confirmation polls after placement.
	PollInterval time.Duration `envconfig:"ORDER_POLL_INTERVAL" default:"3s"`
	// WaitBudget bounds the total confirmation wait; an order still open
	// when it expires is left pending, never treated as failed.
	WaitBudget time.Duration `envconfig:"ORDER_WAIT_BUDGET" default:"90s"`
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
