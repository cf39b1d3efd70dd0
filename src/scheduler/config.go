package scheduler

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Timezone is the trading timezone all HH:MM targets are read in.
	Timezone string `envconfig:"SCHEDULER_TIMEZONE" default:"Asia/Kolkata"`
	// DefaultSquareOffTime is used when a position carries no explicit
	// target. 15:15 leaves a margin before the 15:30 NSE close.
	DefaultSquareOffTime string        `envconfig:"SQUARE_OFF_TIME" default:"15:15"`
	HealthCheckInterval  time.Duration `envconfig:"SCHEDULER_HEALTH_INTERVAL" default:"30s"`
	// StallThreshold is how long a task may sit in executing before it is
	// treated as orphaned by a crashed process.
	StallThreshold   time.Duration `envconfig:"SCHEDULER_STALL_THRESHOLD" default:"5m"`
	ExecutionTimeout time.Duration `envconfig:"SCHEDULER_EXECUTION_TIMEOUT" default:"2m"`
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
