// Package config loads the txpolicy configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/txpolicy/internal/domain"
)

// Load reads .env if present and overlays TXPOLICY_* variables on the
// defaults. A missing .env file is not an error.
func Load() (*domain.Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to read .env file", "error", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the current environment only.
func FromEnv() (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	var errs envErrors

	cfg.Server.Host = getEnv(cfg.Server.Host, "TXPOLICY_HOST")
	cfg.Server.Port = errs.intVar(cfg.Server.Port, "TXPOLICY_PORT", "APP_LISTENING_PORT")
	cfg.Server.ReadTimeout = errs.intVar(cfg.Server.ReadTimeout, "TXPOLICY_READ_TIMEOUT")
	cfg.Server.WriteTimeout = errs.intVar(cfg.Server.WriteTimeout, "TXPOLICY_WRITE_TIMEOUT")

	cfg.Repository.Driver = getEnv(cfg.Repository.Driver, "TXPOLICY_DB_DRIVER")
	cfg.Repository.SQLitePath = getEnv(cfg.Repository.SQLitePath, "TXPOLICY_SQLITE_PATH")
	cfg.Repository.PostgresDSN = getEnv(cfg.Repository.PostgresDSN, "TXPOLICY_POSTGRES_DSN")
	cfg.Repository.PostgresHost = getEnv(cfg.Repository.PostgresHost, "TXPOLICY_POSTGRES_HOST", "DB_HOST")
	cfg.Repository.PostgresPort = errs.intVar(cfg.Repository.PostgresPort, "TXPOLICY_POSTGRES_PORT", "DB_PORT")
	cfg.Repository.PostgresUser = getEnv(cfg.Repository.PostgresUser, "TXPOLICY_POSTGRES_USER", "DB_USER")
	cfg.Repository.PostgresPassword = getEnv(cfg.Repository.PostgresPassword, "TXPOLICY_POSTGRES_PASSWORD", "DB_PASSWORD")
	cfg.Repository.PostgresDB = getEnv(cfg.Repository.PostgresDB, "TXPOLICY_POSTGRES_DB", "DB_NAME")

	cfg.Cache.Type = getEnv(cfg.Cache.Type, "TXPOLICY_CACHE_TYPE")
	cfg.Cache.LocalMaxSize = errs.intVar(cfg.Cache.LocalMaxSize, "TXPOLICY_CACHE_SIZE")
	cfg.Cache.LocalTTL = errs.durationVar(cfg.Cache.LocalTTL, "TXPOLICY_CACHE_TTL")
	cfg.Cache.RedisAddr = getEnv(cfg.Cache.RedisAddr, "TXPOLICY_REDIS_ADDR")
	cfg.Cache.RedisPassword = getEnv(cfg.Cache.RedisPassword, "TXPOLICY_REDIS_PASSWORD")
	cfg.Cache.RedisDB = errs.intVar(cfg.Cache.RedisDB, "TXPOLICY_REDIS_DB")
	cfg.Cache.EnableTwoPhase = errs.boolVar(cfg.Cache.EnableTwoPhase, "TXPOLICY_CACHE_TWO_PHASE")
	cfg.Cache.DecisionTTL = errs.durationVar(cfg.Cache.DecisionTTL, "TXPOLICY_DECISION_TTL")

	cfg.EventBus.Type = getEnv(cfg.EventBus.Type, "TXPOLICY_BUS_TYPE")
	cfg.EventBus.ChannelBufferSize = errs.intVar(cfg.EventBus.ChannelBufferSize, "TXPOLICY_BUS_BUFFER")
	cfg.EventBus.NATSUrl = getEnv(cfg.EventBus.NATSUrl, "TXPOLICY_NATS_URL")
	cfg.EventBus.NATSToken = getEnv(cfg.EventBus.NATSToken, "TXPOLICY_NATS_TOKEN")
	cfg.EventBus.NATSMaxReconnects = errs.intVar(cfg.EventBus.NATSMaxReconnects, "TXPOLICY_NATS_MAX_RECONNECTS")
	cfg.EventBus.NATSReconnectWait = errs.intVar(cfg.EventBus.NATSReconnectWait, "TXPOLICY_NATS_RECONNECT_WAIT")

	cfg.Pricing.URL = getEnv(cfg.Pricing.URL, "TXPOLICY_PRICING_URL")
	cfg.Pricing.Timeout = errs.durationVar(cfg.Pricing.Timeout, "TXPOLICY_PRICING_TIMEOUT")

	cfg.Policy.DocumentPath = getEnv(cfg.Policy.DocumentPath, "TXPOLICY_POLICY_FILE")
	cfg.Policy.GroupsPath = getEnv(cfg.Policy.GroupsPath, "TXPOLICY_GROUPS_FILE")
	cfg.Policy.EnableInitiatorCheck = errs.boolVar(cfg.Policy.EnableInitiatorCheck, "TXPOLICY_ENABLE_INITIATOR_CHECK")
	cfg.Policy.EnableApproverCheck = errs.boolVar(cfg.Policy.EnableApproverCheck, "TXPOLICY_ENABLE_APPROVER_CHECK")

	cfg.Auth.CosignerPublicKeyPath = getEnv(cfg.Auth.CosignerPublicKeyPath, "TXPOLICY_COSIGNER_PUBLIC_KEY", "COSIGNER_PUBLIC_KEY_PATH")
	cfg.Auth.CallbackPrivateKeyPath = getEnv(cfg.Auth.CallbackPrivateKeyPath, "TXPOLICY_CALLBACK_PRIVATE_KEY", "CALLBACK_PRIVATE_KEY_PATH")
	cfg.Auth.Disabled = errs.boolVar(cfg.Auth.Disabled, "TXPOLICY_AUTH_DISABLED")

	cfg.AsyncWorker = errs.boolVar(cfg.AsyncWorker, "TXPOLICY_ASYNC_WORKER")

	cfg.Logging.Level = getEnv(cfg.Logging.Level, "TXPOLICY_LOG_LEVEL")
	cfg.Logging.Format = getEnv(cfg.Logging.Format, "TXPOLICY_LOG_FORMAT")
	if errs.boolVar(false, "TXPOLICY_DEBUG") {
		cfg.Logging.Level = "debug"
	}

	cfg.Tracing.Enabled = errs.boolVar(cfg.Tracing.Enabled, "TXPOLICY_TRACING")
	cfg.Tracing.ServiceName = getEnv(cfg.Tracing.ServiceName, "TXPOLICY_SERVICE_NAME")

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrConfiguration, errs)
	}
	return cfg, nil
}

// Validate runs the startup checks: a known repository driver and, unless
// authentication is disabled, readable key files.
func Validate(cfg *domain.Config) error {
	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: unsupported repository driver %q", domain.ErrConfiguration, cfg.Repository.Driver)
	}

	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: unsupported log format %q", domain.ErrConfiguration, cfg.Logging.Format)
	}

	if cfg.Auth.Disabled {
		return nil
	}
	for name, path := range map[string]string{
		"cosigner public key":  cfg.Auth.CosignerPublicKeyPath,
		"callback private key": cfg.Auth.CallbackPrivateKeyPath,
	} {
		if path == "" {
			return fmt.Errorf("%w: %s path is required", domain.ErrConfiguration, name)
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrConfiguration, name, err)
		}
		f.Close()
	}
	return nil
}

// ParseLevel maps a level name to slog. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(defaultVal string, keys ...string) string {
	if key, val := lookup(keys); key != "" {
		return val
	}
	return defaultVal
}

// envErrors collects malformed values so every bad variable is reported at once.
type envErrors []string

func (e envErrors) String() string {
	return strings.Join(e, "; ")
}

func (e *envErrors) intVar(defaultVal int, keys ...string) int {
	key, val := lookup(keys)
	if key == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		*e = append(*e, fmt.Sprintf("%s=%q is not an integer", key, val))
		return defaultVal
	}
	return i
}

func (e *envErrors) boolVar(defaultVal bool, keys ...string) bool {
	key, val := lookup(keys)
	if key == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		*e = append(*e, fmt.Sprintf("%s=%q is not a boolean", key, val))
		return defaultVal
	}
	return b
}

// durationVar accepts Go durations ("90s") or a bare number of seconds.
func (e *envErrors) durationVar(defaultVal time.Duration, keys ...string) time.Duration {
	key, val := lookup(keys)
	if key == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		*e = append(*e, fmt.Sprintf("%s=%q is not a duration", key, val))
		return defaultVal
	}
	return d
}

func lookup(keys []string) (string, string) {
	for _, key := range keys {
		if val, ok := os.LookupEnv(key); ok && val != "" {
			return key, val
		}
	}
	return "", ""
}
