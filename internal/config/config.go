package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Server  Server  `yaml:"server" json:"server"` // configuration of the public REST server
	Name    string  `yaml:"name" json:"name" env:"APP_NAME" env-default:"procflow"`
	Store   Store   `yaml:"store" json:"store"`
	Sweep   Sweep   `yaml:"sweep" json:"sweep"`
	Notify  Notify  `yaml:"notify" json:"notify"`
	Assist  Assist  `yaml:"assist" json:"assist"`
	Tracing Tracing `yaml:"tracing" json:"tracing"`
}

type Server struct {
	Context string `yaml:"context" json:"context" env:"REST_API_CONTEXT" env-default:"/"`
	Addr    string `yaml:"addr" json:"addr" env:"REST_API_ADDR" env-default:":8080"`
}

// Store selects the persistence backend. With an empty DSN the service keeps
// everything in memory, which only makes sense for local development.
type Store struct {
	PostgresDSN string `yaml:"postgresDsn" json:"postgresDsn" env:"STORE_POSTGRES_DSN"`
}

type Sweep struct {
	Enabled  bool          `yaml:"enabled" json:"enabled" env:"SWEEP_ENABLED" env-default:"true"`
	Interval time.Duration `yaml:"interval" json:"interval" env:"SWEEP_INTERVAL" env-default:"1m"`
}

type Notify struct {
	WebhookURL     string        `yaml:"webhookUrl" json:"webhookUrl" env:"NOTIFY_WEBHOOK_URL"`
	WebhookTimeout time.Duration `yaml:"webhookTimeout" json:"webhookTimeout" env:"NOTIFY_WEBHOOK_TIMEOUT" env-default:"5s"`
}

// Assist configures the optional escalation summary assistant. Disabled
// unless an API key is set.
type Assist struct {
	ApiKey  string        `yaml:"apiKey" json:"apiKey" env:"ASSIST_API_KEY"`
	BaseURL string        `yaml:"baseUrl" json:"baseUrl" env:"ASSIST_BASE_URL"`
	Model   string        `yaml:"model" json:"model" env:"ASSIST_MODEL"`
	Timeout time.Duration `yaml:"timeout" json:"timeout" env:"ASSIST_TIMEOUT" env-default:"10s"`
}

type Tracing struct {
	Enabled         bool     `yaml:"enabled" json:"enabled" env:"TRACING_ENABLED"`
	Name            string   `yaml:"name" json:"name" env:"TRACING_NAME"`
	Endpoint        string   `yaml:"endpoint" json:"endpoint" env:"TRACING_ENDPOINT"`
	TransferHeaders []string `yaml:"transferHeaders" json:"transferHeaders" env:"TRACING_TRANSFER_HEADERS"`
}

func (c Config) defaults() Config {
	if c.Tracing.Name == "" {
		c.Tracing.Name = c.Name
	}
	return c
}

func InitConfig() Config {
	c := Config{}
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c.defaults()
}
