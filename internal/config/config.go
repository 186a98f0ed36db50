package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "SUBS_RELAY"

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type Config struct {
	Env            string         `mapstructure:"env" validate:"oneof=local dev prod"`
	Server         ServerConfig   `mapstructure:"http_server"`
	Storage        string         `mapstructure:"storage" validate:"oneof=memory postgres"`
	Pg             PgConfig       `mapstructure:"postgres"`
	Redis          RedisConfig    `mapstructure:"redis"`
	Protocol       ProtocolConfig `mapstructure:"protocol"`
	MigrationsPath string         `mapstructure:"migrations_path"`
}

type ServerConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	Timeout     time.Duration `mapstructure:"timeout"`
	CORSOrigins []string      `mapstructure:"cors_origins"`
	// AuthMaxAge bounds the clock skew of a signed X-Issued-At
	AuthMaxAge time.Duration `mapstructure:"auth_max_age" validate:"gte=0"`
}

type PgConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Db       string `mapstructure:"db"`
}

// DSN returns the pgx connection string
func (p PgConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", p.User, p.Password, p.Host, p.Port, p.Db)
}

// RedisConfig - event stream. Empty Addr disables publishing.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"max_len"`
}

// ProtocolConfig - deployment of the ledger and the registry.
// Addresses are 0x-prefixed hex, amounts decimal strings in base units.
type ProtocolConfig struct {
	ChainID            int64         `mapstructure:"chain_id" validate:"gt=0"`
	DomainName         string        `mapstructure:"domain_name" validate:"required"`
	DomainVersion      string        `mapstructure:"domain_version" validate:"required"`
	LedgerAddress      string        `mapstructure:"ledger_address" validate:"required,eth_addr"`
	RegistryAddress    string        `mapstructure:"registry_address" validate:"required,eth_addr"`
	StakeToken         string        `mapstructure:"stake_token" validate:"required,eth_addr"`
	Owner              string        `mapstructure:"owner" validate:"required,eth_addr"`
	Treasury           string        `mapstructure:"treasury" validate:"required,eth_addr"`
	SupportedTokens    []string      `mapstructure:"supported_tokens" validate:"min=1,dive,eth_addr"`
	MinimumStake       string        `mapstructure:"minimum_stake" validate:"omitempty,numeric"`
	WithdrawalCooldown time.Duration `mapstructure:"withdrawal_cooldown"`
	SlashThreshold     uint64        `mapstructure:"slash_threshold"`
	SlashAmount        string        `mapstructure:"slash_amount" validate:"omitempty,numeric"`
	// Faucet enables the mint endpoint of the in-process token bank
	Faucet bool `mapstructure:"faucet"`
}

func resolvePath(cwd, p string) string {
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	if up, ok := findUp(cwd, p, 8); ok {
		return up
	}
	return filepath.Join(cwd, p)
}

func findUp(start, rel string, max int) (string, bool) {
	dir := start
	for i := 0; i <= max; i++ {
		p := filepath.Join(dir, rel)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "local")
	v.SetDefault("storage", StorageMemory)
	v.SetDefault("http_server.host", "localhost")
	v.SetDefault("http_server.port", 8080)
	v.SetDefault("http_server.timeout", 5*time.Second)
	v.SetDefault("http_server.auth_max_age", 5*time.Minute)
	v.SetDefault("protocol.domain_name", "SubsRelay")
	v.SetDefault("protocol.domain_version", "1")
	v.SetDefault("protocol.withdrawal_cooldown", 7*24*time.Hour)
	v.SetDefault("migrations_path", "migrations")
}

// LoadConfig reads .env (ENV_FILE or .env/local.env found upwards), then the
// YAML file (CONFIG_PATH or configs/local.yaml found upwards) with ${VAR}
// expansion. SUBS_RELAY_* variables override single keys.
func LoadConfig() (*Config, error) {
	cwd, _ := os.Getwd()

	envPath := os.Getenv("ENV_FILE")
	if envPath == "" {
		if up, ok := findUp(cwd, ".env/local.env", 8); ok {
			envPath = up
		}
	} else {
		envPath = resolvePath(cwd, envPath)
	}
	if envPath != "" {
		if err := godotenv.Overload(envPath); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		up, ok := findUp(cwd, "configs/local.yaml", 8)
		if !ok {
			return nil, fmt.Errorf("CONFIG_PATH not set and configs/local.yaml not found")
		}
		path = up
	} else {
		path = resolvePath(cwd, path)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadConfig(bytes.NewBufferString(os.ExpandEnv(string(raw)))); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if !filepath.IsAbs(cfg.MigrationsPath) {
		cfg.MigrationsPath = resolvePath(filepath.Dir(path), cfg.MigrationsPath)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}
