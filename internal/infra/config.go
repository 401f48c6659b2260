// Package infra — конфигурация и сборка окружения процесса.
// Источники по приоритету: флаги запуска < файл < переменные окружения.
package infra

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xela07ax/browsergate/internal/domain"
)

// Config полная конфигурация шлюза
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Approval ApprovalConfig `mapstructure:"approval"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type BridgeConfig struct {
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

type PolicyConfig struct {
	// Allowlist host или *.host -> правило; всё остальное — default deny
	Allowlist map[string]domain.DomainPolicy `mapstructure:"allowlist"`

	StepBudget        int      `mapstructure:"step_budget"`
	Enforcement       string   `mapstructure:"enforcement"` // advisory | blocking
	RatePerMinute     int      `mapstructure:"rate_per_minute"`
	RatePerHour       int      `mapstructure:"rate_per_hour"`
	FailureThreshold  int      `mapstructure:"failure_threshold"`
	SensitivePatterns []string `mapstructure:"sensitive_patterns"` // Дополнительные regex к встроенным
}

type AuthConfig struct {
	// JWTSecret общий HS256-секрет исполнителей и консоли
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`

	// Оператор консоли; пароль хранится только bcrypt-хэшем
	OperatorID           string `mapstructure:"operator_id"`
	OperatorPasswordHash string `mapstructure:"operator_password_hash"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PostgresConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

type AuditConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type ApprovalConfig struct {
	DecisionTimeout time.Duration `mapstructure:"decision_timeout"`
}

type LoggerConfig struct {
	Level    string `mapstructure:"level"`    // debug | info | warn | error
	Encoding string `mapstructure:"encoding"` // json | console
}

// Load читает конфигурацию из файла (если задан) и окружения BROWSERGATE_*
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BROWSERGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		// Файла может и не быть: дефолты + окружение — валидный минимум
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("bridge.command_timeout", "30s")

	v.SetDefault("policy.step_budget", 500)
	v.SetDefault("policy.enforcement", "advisory")
	v.SetDefault("policy.rate_per_minute", 30)
	v.SetDefault("policy.rate_per_hour", 400)
	v.SetDefault("policy.failure_threshold", 5)

	v.SetDefault("auth.token_ttl", "12h")
	v.SetDefault("auth.operator_id", "operator")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("postgres.enabled", false)

	v.SetDefault("audit.buffer_size", 1024)
	v.SetDefault("audit.batch_size", 64)
	v.SetDefault("audit.flush_interval", "3s")

	v.SetDefault("approval.decision_timeout", "2m")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "json")
}

func (c *Config) validate() error {
	switch c.Policy.Enforcement {
	case "advisory", "blocking":
	default:
		return fmt.Errorf("config: policy.enforcement must be advisory or blocking, got %q", c.Policy.Enforcement)
	}
	if c.Policy.Enforcement == "blocking" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: blocking enforcement requires auth.jwt_secret for the operator console")
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.enabled requires postgres.dsn")
	}
	for key := range c.Policy.Allowlist {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("config: empty domain key in policy.allowlist")
		}
	}
	return nil
}
