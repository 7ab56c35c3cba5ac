package config

import (
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const envPrefix = "commerce"

type Config struct {
	MySQLDSN          string   `envconfig:"MYSQL_DSN" default:"commerce:commerce@tcp(localhost:3306)/commerce"`
	RedisURL          string   `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	RedisNamespace    string   `envconfig:"REDIS_NAMESPACE" default:"commerce"`
	KafkaBrokers      []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopic        string   `envconfig:"KAFKA_TOPIC" default:"commerce.events"`
	GRPCAddr          string   `envconfig:"GRPC_ADDR" default:":9090"`
	ShippingRatesFile string   `envconfig:"SHIPPING_RATES_FILE"`
	LogLevel          string   `envconfig:"LOG_LEVEL" default:"info"`
	MaxCASAttempts    int      `envconfig:"MAX_CAS_ATTEMPTS" default:"64"`
	Currency          string   `envconfig:"CURRENCY" default:"USD"`
}

// Load reads COMMERCE_* environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "read configuration")
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func (c Config) validate() error {
	if c.MaxCASAttempts <= 0 {
		return errors.Errorf("MAX_CAS_ATTEMPTS must be positive, got %d", c.MaxCASAttempts)
	}
	if len(c.Currency) != 3 {
		return errors.Errorf("CURRENCY must be a three-letter code, got %q", c.Currency)
	}
	if len(c.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS must name at least one broker")
	}
	return nil
}
