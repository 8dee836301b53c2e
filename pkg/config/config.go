package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Database DatabaseConfig `mapstructure:"database"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Session  SessionConfig  `mapstructure:"session"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Server   ServerConfig   `mapstructure:"server"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
	// OwnerID is the tenant every Telegram chat is attributed to.
	OwnerID string `mapstructure:"owner_id"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type OpenAIConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	BaseURL           string  `mapstructure:"base_url"`
	Model             string  `mapstructure:"model"`
	MaxTokens         int     `mapstructure:"max_tokens"`
	Temperature       float64 `mapstructure:"temperature"`
	RequestsPerMinute int     `mapstructure:"requests_per_minute"`
}

// SessionConfig holds the lifecycle thresholds. They are process-wide here;
// per-tenant overrides are resolved by callers.
type SessionConfig struct {
	MaxMessagesPerSession int           `mapstructure:"max_messages_per_session"`
	TimeoutHours          int           `mapstructure:"timeout_hours"`
	MinMessagesForSummary int           `mapstructure:"min_messages_for_summary"`
	SummaryTimeout        time.Duration `mapstructure:"summary_timeout"`
	// SummaryWorkers bounds the summaries written in the background for
	// sessions closed by the message or age trigger.
	SummaryWorkers int `mapstructure:"summary_workers"`
}

type SweeperConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	Concurrency       int           `mapstructure:"concurrency"`
	StaleSummaryAfter time.Duration `mapstructure:"stale_summary_after"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Timeout returns the session timeout as a duration.
func (c SessionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutHours) * time.Hour
}

// DSN renders the database settings as a postgres:// URL.
func (c DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		if _, err := fmt.Sscanf(u.Port(), "%d", &port); err != nil {
			return DatabaseConfig{}, fmt.Errorf("invalid port %q: %w", u.Port(), err)
		}
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "chatdigest")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 800)
	v.SetDefault("openai.temperature", 0.3)
	v.SetDefault("openai.requests_per_minute", 60)
	v.SetDefault("session.max_messages_per_session", 50)
	v.SetDefault("session.timeout_hours", 24)
	v.SetDefault("session.min_messages_for_summary", 1)
	v.SetDefault("session.summary_timeout", "60s")
	v.SetDefault("session.summary_workers", 4)
	v.SetDefault("sweeper.interval", "5m")
	v.SetDefault("sweeper.concurrency", 4)
	v.SetDefault("sweeper.stale_summary_after", "10m")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("telegram.owner_id", "telegram")
}

// LoadConfig reads the yaml file at path (skipped when path is empty) and
// applies environment overrides. Nested keys map to upper-case env names with
// dots replaced by underscores, e.g. SESSION_TIMEOUT_HOURS.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}

	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.Session.MaxMessagesPerSession <= 0 {
		return fmt.Errorf("session.max_messages_per_session must be positive, got %d", c.Session.MaxMessagesPerSession)
	}
	if c.Session.TimeoutHours <= 0 {
		return fmt.Errorf("session.timeout_hours must be positive, got %d", c.Session.TimeoutHours)
	}
	if c.Session.MinMessagesForSummary < 0 {
		return fmt.Errorf("session.min_messages_for_summary must not be negative, got %d", c.Session.MinMessagesForSummary)
	}
	if c.Session.SummaryTimeout <= 0 {
		return fmt.Errorf("session.summary_timeout must be positive")
	}
	return nil
}
