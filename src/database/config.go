package database

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Driver       string `envconfig:"DB_DRIVER" default:"postgres"` // postgres or sqlite
	DatabaseURL  string `envconfig:"DATABASE_URL" default:"host=localhost user=tradebot password=tradebot dbname=tradebot port=5432 sslmode=disable"`
	SQLitePath   string `envconfig:"SQLITE_PATH" default:"tradebot.db"`
	GormLogLevel int    `envconfig:"GORM_LOG_LEVEL" default:"1"`
	MaxOpenConns int    `envconfig:"DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns int    `envconfig:"DB_MAX_IDLE_CONNS" default:"10"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
