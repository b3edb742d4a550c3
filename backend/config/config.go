// Package config loads the server configuration from defaults, an optional
// YAML file and CODEROOM_ environment variables, in increasing precedence.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/xerrors"
)

// EnvPrefix prefixes every environment override, e.g. CODEROOM_STORE_DSN.
const EnvPrefix = "CODEROOM"

type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		AllowedOrigins  []string      `mapstructure:"allowedOrigins"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	} `mapstructure:"server"`
	Log struct {
		Level   string `mapstructure:"level"`
		Console bool   `mapstructure:"console"`
	} `mapstructure:"log"`
	Auth struct {
		Secret string        `mapstructure:"secret"`
		Issuer string        `mapstructure:"issuer"`
		Leeway time.Duration `mapstructure:"leeway"`
	} `mapstructure:"auth"`
	Store struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"store"`
	Room struct {
		MailboxSize  int           `mapstructure:"mailboxSize"`
		SaveInterval time.Duration `mapstructure:"saveInterval"`
		IdleTimeout  time.Duration `mapstructure:"idleTimeout"`
		DrainTimeout time.Duration `mapstructure:"drainTimeout"`
		LoadTimeout  time.Duration `mapstructure:"loadTimeout"`
		TTL          time.Duration `mapstructure:"ttl"`
	} `mapstructure:"room"`
	Session struct {
		JoinTimeout time.Duration `mapstructure:"joinTimeout"`
		SendTimeout time.Duration `mapstructure:"sendTimeout"`
		OutboxSize  int           `mapstructure:"outboxSize"`
		MaxBacklog  int           `mapstructure:"maxBacklog"`
	} `mapstructure:"session"`
	Persistence struct {
		Workers        int           `mapstructure:"workers"`
		MaxAttempts    int           `mapstructure:"maxAttempts"`
		InitialBackoff time.Duration `mapstructure:"initialBackoff"`
		MaxBackoff     time.Duration `mapstructure:"maxBackoff"`
		OpTimeout      time.Duration `mapstructure:"opTimeout"`
		RetryCooldown  time.Duration `mapstructure:"retryCooldown"`
	} `mapstructure:"persistence"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowedOrigins", []string{"http://localhost", "http://127.0.0.1"})
	v.SetDefault("server.shutdownTimeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "coderoom")
	v.SetDefault("auth.leeway", 30*time.Second)

	v.SetDefault("store.dsn", "bolt://coderoom.db")

	v.SetDefault("room.mailboxSize", 256)
	v.SetDefault("room.saveInterval", 2*time.Second)
	v.SetDefault("room.idleTimeout", 30*time.Second)
	v.SetDefault("room.drainTimeout", 30*time.Second)
	v.SetDefault("room.loadTimeout", 10*time.Second)
	v.SetDefault("room.ttl", 72*time.Hour)

	v.SetDefault("session.joinTimeout", 10*time.Second)
	v.SetDefault("session.sendTimeout", 10*time.Second)
	v.SetDefault("session.outboxSize", 256)
	v.SetDefault("session.maxBacklog", 4096)

	v.SetDefault("persistence.workers", 4)
	v.SetDefault("persistence.maxAttempts", 5)
	v.SetDefault("persistence.initialBackoff", 100*time.Millisecond)
	v.SetDefault("persistence.maxBackoff", 5*time.Second)
	v.SetDefault("persistence.opTimeout", 5*time.Second)
	v.SetDefault("persistence.retryCooldown", 30*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "coderoom.events")
}

// Load reads the configuration. With an empty path, coderoom.yaml is looked
// up in . and ./config and is optional.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("coderoom")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, xerrors.Errorf("failed to read config: %v", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, xerrors.Errorf("failed to unmarshal config: %v", err)
	}
	return cfg, nil
}

// Validate checks the bounds the server relies on.
func (c *Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return xerrors.New("server.addr is required")
	case c.Room.MailboxSize <= 0:
		return xerrors.New("room.mailboxSize must be positive")
	case c.Room.SaveInterval <= 0:
		return xerrors.New("room.saveInterval must be positive")
	case c.Room.DrainTimeout <= 0:
		return xerrors.New("room.drainTimeout must be positive")
	case c.Session.OutboxSize <= 0:
		return xerrors.New("session.outboxSize must be positive")
	case c.Session.MaxBacklog < c.Session.OutboxSize:
		return xerrors.New("session.maxBacklog must be at least session.outboxSize")
	case c.Persistence.Workers <= 0:
		return xerrors.New("persistence.workers must be positive")
	case c.Persistence.MaxAttempts <= 0:
		return xerrors.New("persistence.maxAttempts must be positive")
	case c.Persistence.MaxBackoff < c.Persistence.InitialBackoff:
		return xerrors.New("persistence.maxBackoff must be at least persistence.initialBackoff")
	case len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "":
		return xerrors.New("kafka.topic is required with kafka.brokers")
	}
	return nil
}
