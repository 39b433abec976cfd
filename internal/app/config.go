package app

import (
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
)

type Config struct {
	Env      string `env:"APP_ENV,default=dev"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
	Port     string `env:"PORT,default=5000"`

	DBPath string `env:"CODEROOM_DB_PATH,default=./data/coderoom.db"`

	// Comma-separated origin allowlist
	CORSAllow string `env:"CORS_ALLOW,default=http://localhost:3000"`

	JDoodleURL          string        `env:"JDOODLE_URL,default=https://api.jdoodle.com/v1/execute"`
	JDoodleClientID     string        `env:"JDOODLE_CLIENT_ID"`
	JDoodleClientSecret string        `env:"JDOODLE_CLIENT_SECRET"`
	ExecTimeout         time.Duration `env:"EXEC_TIMEOUT,default=15s"`

	RunRatePerMinute  int           `env:"RUN_RATE_PER_MIN,default=30"`
	RunRetention      time.Duration `env:"RUN_RETENTION,default=168h"`
	RunKeepPerRoom    int           `env:"RUN_KEEP_PER_ROOM,default=50"`
	RetentionInterval time.Duration `env:"RETENTION_INTERVAL,default=10m"`
}

// LoadConfig reads the process environment into a Config
func LoadConfig() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ExecTimeout <= 0 {
		return fmt.Errorf("config: EXEC_TIMEOUT must be positive, got %s", c.ExecTimeout)
	}
	if c.RunRatePerMinute <= 0 {
		return fmt.Errorf("config: RUN_RATE_PER_MIN must be positive, got %d", c.RunRatePerMinute)
	}
	if c.RetentionInterval <= 0 {
		return fmt.Errorf("config: RETENTION_INTERVAL must be positive, got %s", c.RetentionInterval)
	}
	return nil
}

// Addr is the listen address for the HTTP server
func (c Config) Addr() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

// Origins splits CORSAllow into trimmed, non-empty entries
func (c Config) Origins() []string {
	var out []string
	for _, s := range strings.Split(c.CORSAllow, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
