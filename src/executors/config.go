package executors

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	LoopPeriod time.Duration `envconfig:"LOOP_PERIOD" default:"10s"`
	// SealedAccessToken, when set, is decrypted with the credentials key
	// and takes precedence over the plaintext KITE_ACCESS_TOKEN.
	SealedAccessToken string `envconfig:"KITE_ACCESS_TOKEN_SEALED"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
