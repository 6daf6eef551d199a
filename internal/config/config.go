package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"titan/internal/breaker"
	"titan/pkg/crypto"
	"titan/pkg/utils"
)

// Config содержит всю конфигурацию гейта
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Security SecurityConfig
	Guard    GuardConfig
	Breaker  BreakerConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port           int
	Host           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string // CORS и Origin для /ws/events; пусто - любые
}

// DatabaseConfig - настройки подключения к БД аудита
type DatabaseConfig struct {
	Enabled      bool
	Host         string
	Port         int
	Name         string
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	Retention    time.Duration // 0 - журнал не чистится
}

// SecurityConfig - секреты подписи и учетная запись оператора.
// Значения секретов могут быть запечатаны префиксом "enc:" (см. pkg/crypto).
type SecurityConfig struct {
	PrimarySecret    string
	PrimaryKeyID     string
	SecondarySecret  string
	SecondaryKeyID   string
	EncryptionKey    string
	OperatorUser     string
	OperatorPassHash string
	OperatorRatePerM int
}

// GuardConfig - параметры конвейера команд
type GuardConfig struct {
	PolicyPath         string
	ExpectedPolicyHash string
	ReplayWindow       time.Duration
	StateDir           string
	Shards             int
	QueueSize          int
	WatchPolicy        bool
	ProducerID         string  // собственный producer гейта для операторского flatten
	InitialBalance     float64 // стартовый баланс теневого счета
	AuditQueue         int
}

// BreakerConfig - пороги и тайминги автомата режимов
type BreakerConfig struct {
	CautiousConfidence    float64
	CautiousDrawdownPct   float64
	DefensiveConfidence   float64
	DefensiveDrawdownPct  float64
	DefensiveDeviationPct float64
	EmergencyConfidence   float64
	EmergencyDrawdownPct  float64
	Dwell                 time.Duration
	StaleAfter            time.Duration
	CheckInterval         time.Duration
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level       string
	Format      string
	Output      string
	Development bool
}

// Load загружает конфигурацию из .env (если есть) и переменных окружения.
// Переменные окружения имеют приоритет над .env.
func Load() (*Config, error) {
	if err := loadDotEnv(getEnv("DOTENV_PATH", ".env")); err != nil {
		return nil, err
	}

	defaults := breaker.DefaultConfig()
	th := defaults.Thresholds

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvAsInt("SERVER_PORT", 8080),
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS"),
		},
		Database: DatabaseConfig{
			Enabled:      getEnvAsBool("DB_ENABLED", false),
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			Name:         getEnv("DB_NAME", "titan"),
			User:         getEnv("DB_USER", "titan"),
			Password:     getEnv("DB_PASSWORD", ""),
			SSLMode:      getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			Retention:    getEnvAsDuration("DB_RETENTION", 0),
		},
		Security: securityFromEnv(),
		Guard: GuardConfig{
			PolicyPath:         getEnv("POLICY_PATH", "policy.yaml"),
			ExpectedPolicyHash: strings.ToLower(getEnv("EXPECTED_POLICY_HASH", "")),
			ReplayWindow:       getEnvAsDuration("REPLAY_WINDOW", 5*time.Second),
			StateDir:           getEnv("STATE_DIR", "./state"),
			Shards:             getEnvAsInt("SHARDS", 0), // 0 = по числу CPU
			QueueSize:          getEnvAsInt("SHARD_QUEUE_SIZE", 256),
			WatchPolicy:        getEnvAsBool("WATCH_POLICY", true),
			ProducerID:         getEnv("PRODUCER_ID", "titan-guard"),
			InitialBalance:     getEnvAsFloat("INITIAL_BALANCE", 10000),
			AuditQueue:         getEnvAsInt("AUDIT_QUEUE_SIZE", 1024),
		},
		Breaker: BreakerConfig{
			CautiousConfidence:    getEnvAsFloat("BREAKER_CAUTIOUS_CONFIDENCE", th.CautiousConfidence),
			CautiousDrawdownPct:   getEnvAsFloat("BREAKER_CAUTIOUS_DRAWDOWN_PCT", th.CautiousDrawdownPct),
			DefensiveConfidence:   getEnvAsFloat("BREAKER_DEFENSIVE_CONFIDENCE", th.DefensiveConfidence),
			DefensiveDrawdownPct:  getEnvAsFloat("BREAKER_DEFENSIVE_DRAWDOWN_PCT", th.DefensiveDrawdownPct),
			DefensiveDeviationPct: getEnvAsFloat("BREAKER_DEFENSIVE_DEVIATION_PCT", th.DefensiveDeviationPct),
			EmergencyConfidence:   getEnvAsFloat("BREAKER_EMERGENCY_CONFIDENCE", th.EmergencyConfidence),
			EmergencyDrawdownPct:  getEnvAsFloat("BREAKER_EMERGENCY_DRAWDOWN_PCT", th.EmergencyDrawdownPct),
			Dwell:                 getEnvAsDuration("BREAKER_DWELL", defaults.Dwell),
			StaleAfter:            getEnvAsDuration("SIGNAL_STALE_AFTER", defaults.StaleAfter),
			CheckInterval:         getEnvAsDuration("BREAKER_CHECK_INTERVAL", time.Second),
		},
		Logging: LoggingConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Format:      getEnv("LOG_FORMAT", "json"),
			Output:      getEnv("LOG_OUTPUT", "stdout"),
			Development: getEnvAsBool("LOG_DEVELOPMENT", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadSecurity читает только секцию секретов: для CLI-команд (sign),
// которым не нужна остальная конфигурация сервера.
func LoadSecurity() (SecurityConfig, error) {
	if err := loadDotEnv(getEnv("DOTENV_PATH", ".env")); err != nil {
		return SecurityConfig{}, err
	}
	return securityFromEnv(), nil
}

func securityFromEnv() SecurityConfig {
	return SecurityConfig{
		PrimarySecret:    getEnv("HMAC_PRIMARY_SECRET", ""),
		PrimaryKeyID:     getEnv("HMAC_PRIMARY_KEY_ID", "primary"),
		SecondarySecret:  getEnv("HMAC_SECONDARY_SECRET", ""),
		SecondaryKeyID:   getEnv("HMAC_SECONDARY_KEY_ID", "secondary"),
		EncryptionKey:    getEnv("ENCRYPTION_KEY", ""),
		OperatorUser:     getEnv("OPERATOR_USER", ""),
		OperatorPassHash: getEnv("OPERATOR_PASSWORD_HASH", ""),
		OperatorRatePerM: getEnvAsInt("OPERATOR_RATE_PER_MIN", 30),
	}
}

// loadDotEnv подхватывает .env. Отсутствующий файл - не ошибка,
// уже заданные переменные окружения не перезаписываются.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Validate проверяет параметры. Любая ошибка фатальна для serve.
func (c *Config) Validate() error {
	if err := c.validateSecurity(); err != nil {
		return err
	}
	return c.validateRanges()
}

// validateSecurity проверяет секреты и учетную запись оператора
func (c *Config) validateSecurity() error {
	if c.Security.PrimarySecret == "" && c.Security.SecondarySecret == "" {
		return fmt.Errorf("HMAC_PRIMARY_SECRET is required: %w", crypto.ErrNoSecrets)
	}

	if c.Security.EncryptionKey != "" && len(c.Security.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes for AES-256")
	}

	if _, err := c.Security.Keyring(); err != nil {
		return err
	}

	if err := c.Security.Credential().Configured(); err != nil {
		return fmt.Errorf("OPERATOR_USER and OPERATOR_PASSWORD_HASH are required: %w", err)
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Enabled && (c.Database.Port < 1 || c.Database.Port > 65535) {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if c.Guard.ReplayWindow <= 0 {
		return fmt.Errorf("REPLAY_WINDOW must be positive, got %v", c.Guard.ReplayWindow)
	}

	if c.Guard.PolicyPath == "" {
		return fmt.Errorf("POLICY_PATH is required")
	}

	if c.Guard.StateDir == "" {
		return fmt.Errorf("STATE_DIR is required")
	}

	if c.Guard.Shards < 0 {
		return fmt.Errorf("SHARDS cannot be negative, got %d", c.Guard.Shards)
	}

	if c.Guard.InitialBalance <= 0 {
		return fmt.Errorf("INITIAL_BALANCE must be positive, got %v", c.Guard.InitialBalance)
	}

	if h := c.Guard.ExpectedPolicyHash; h != "" && !utils.IsHexDigest(h) {
		return fmt.Errorf("EXPECTED_POLICY_HASH must be a hex SHA-256 digest")
	}

	b := c.Breaker
	for name, v := range map[string]float64{
		"BREAKER_CAUTIOUS_CONFIDENCE":  b.CautiousConfidence,
		"BREAKER_DEFENSIVE_CONFIDENCE": b.DefensiveConfidence,
		"BREAKER_EMERGENCY_CONFIDENCE": b.EmergencyConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %v", name, v)
		}
	}
	if !(b.EmergencyConfidence <= b.DefensiveConfidence && b.DefensiveConfidence <= b.CautiousConfidence) {
		return fmt.Errorf("confidence thresholds must satisfy emergency <= defensive <= cautious")
	}
	if !(b.CautiousDrawdownPct <= b.DefensiveDrawdownPct && b.DefensiveDrawdownPct <= b.EmergencyDrawdownPct) {
		return fmt.Errorf("drawdown thresholds must satisfy cautious <= defensive <= emergency")
	}
	if b.Dwell <= 0 || b.StaleAfter <= 0 || b.CheckInterval <= 0 {
		return fmt.Errorf("BREAKER_DWELL, SIGNAL_STALE_AFTER and BREAKER_CHECK_INTERVAL must be positive")
	}

	return nil
}

// Keyring расшифровывает секреты и собирает набор для верификации (primary первым)
func (s SecurityConfig) Keyring() (*crypto.Keyring, error) {
	key := []byte(s.EncryptionKey)

	var secrets []crypto.Secret
	for _, raw := range []struct{ id, value, env string }{
		{s.PrimaryKeyID, s.PrimarySecret, "HMAC_PRIMARY_SECRET"},
		{s.SecondaryKeyID, s.SecondarySecret, "HMAC_SECONDARY_SECRET"},
	} {
		if raw.value == "" {
			continue
		}
		value, err := crypto.ResolveSecret(raw.value, key)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", raw.env, err)
		}
		secrets = append(secrets, crypto.Secret{KeyID: raw.id, Value: value})
	}

	kr := crypto.NewKeyring(secrets...)
	if err := kr.Ready(); err != nil {
		return nil, fmt.Errorf("hmac keyring: %w", err)
	}
	return kr, nil
}

// Credential - учетная запись оператора
func (s SecurityConfig) Credential() crypto.Credential {
	return crypto.Credential{User: s.OperatorUser, PasswordHash: s.OperatorPassHash}
}

// BreakerSettings переводит секцию в конфигурацию автомата
func (b BreakerConfig) BreakerSettings() breaker.Config {
	return breaker.Config{
		Thresholds: breaker.Thresholds{
			CautiousConfidence:    b.CautiousConfidence,
			CautiousDrawdownPct:   b.CautiousDrawdownPct,
			DefensiveConfidence:   b.DefensiveConfidence,
			DefensiveDrawdownPct:  b.DefensiveDrawdownPct,
			DefensiveDeviationPct: b.DefensiveDeviationPct,
			EmergencyConfidence:   b.EmergencyConfidence,
			EmergencyDrawdownPct:  b.EmergencyDrawdownPct,
		},
		Dwell:      b.Dwell,
		StaleAfter: b.StaleAfter,
	}
}

// LogSettings переводит секцию в конфигурацию логгера
func (l LoggingConfig) LogSettings() utils.LogConfig {
	return utils.LogConfig{Level: l.Level, Format: l.Format, Output: l.Output, Development: l.Development}
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList - значения через запятую, пустые элементы отбрасываются
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
