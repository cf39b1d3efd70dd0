package controller

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// UnderlyingName is the index the options book is filtered on.
	UnderlyingName string `envconfig:"OPTIONS_UNDERLYING" default:"NIFTY"`
	// UnderlyingQuote is the quote key for the index spot.
	UnderlyingQuote string `envconfig:"OPTIONS_UNDERLYING_QUOTE" default:"NSE:NIFTY 50"`
	OptionsExchange string `envconfig:"OPTIONS_EXCHANGE" default:"NFO"`
	// DefaultLotSize backstops instruments missing a lot size in the dump.
	DefaultLotSize int `envconfig:"OPTIONS_DEFAULT_LOT_SIZE" default:"50"`
	// Intraday positions get an auto square-off task at SquareOffTime.
	Intraday      bool   `envconfig:"POSITIONS_INTRADAY" default:"true"`
	SquareOffTime string `envconfig:"SQUARE_OFF_TIME" default:"15:15"`
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
