package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location. CATALOG_CONFIG overrides it.
var ConfigPath = defaultConfigPath()

func defaultConfigPath() string {
	if v := strings.TrimSpace(os.Getenv("CATALOG_CONFIG")); v != "" {
		return v
	}
	return "config.yaml"
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	LogLevel      string `yaml:"logLevel"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	SessionTTL          string `yaml:"sessionTTL"`
	JWTSecret           string `yaml:"jwtSecret"`
	JWTPrivateKeyPath   string `yaml:"jwtPrivateKeyPath"`
	JWTPublicKeyPath    string `yaml:"jwtPublicKeyPath"`
	JWTKeyID            string `yaml:"jwtKeyId"`
	JWTVerifyPublicKeys string `yaml:"jwtVerifyPublicKeys"`
	JWTIssuer           string `yaml:"jwtIssuer"`
	JWTAudience         string `yaml:"jwtAudience"`
	JWTLeeway           string `yaml:"jwtLeeway"`
	BcryptCost          int    `yaml:"bcryptCost"`

	MaxActiveLoans      int  `yaml:"maxActiveLoans"`
	AllowDuplicateLoans bool `yaml:"allowDuplicateLoans"`

	LoginRateLimitPerMinute    int      `yaml:"loginRateLimitPerMinute"`
	RegisterRateLimitPerMinute int      `yaml:"registerRateLimitPerMinute"`
	TrustedProxies             []string `yaml:"trustedProxies"`

	NotifySender  string `yaml:"notifySender"`
	NotifyQueue   string `yaml:"notifyQueue"`
	NotifyWorkers int    `yaml:"notifyWorkers"`
	NotifyBuffer  int    `yaml:"notifyBuffer"`
	NotifyTimeout string `yaml:"notifyTimeout"`

	SMTPHost     string `yaml:"smtpHost"`
	SMTPPort     int    `yaml:"smtpPort"`
	SMTPUsername string `yaml:"smtpUsername"`
	SMTPPassword string `yaml:"smtpPassword"`
	SMTPFrom     string `yaml:"smtpFrom"`

	AMQPURL     string `yaml:"amqpURL"`
	AMQPQueue   string `yaml:"amqpQueue"`
	RedisStream string `yaml:"redisStream"`
}

// Load reads config from path (defaults to ConfigPath), applies environment
// overrides and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	str := map[string]*string{
		"PORT":                   &cfg.Port,
		"CATALOG_LOG_LEVEL":      &cfg.LogLevel,
		"DATABASE_URL":           &cfg.DatabaseURL,
		"REDIS_ADDR":             &cfg.RedisAddr,
		"REDIS_PASSWORD":         &cfg.RedisPassword,
		"CATALOG_SESSION_TTL":    &cfg.SessionTTL,
		"JWT_SECRET":             &cfg.JWTSecret,
		"JWT_PRIVATE_KEY_PATH":   &cfg.JWTPrivateKeyPath,
		"JWT_PUBLIC_KEY_PATH":    &cfg.JWTPublicKeyPath,
		"JWT_KEY_ID":             &cfg.JWTKeyID,
		"JWT_VERIFY_PUBLIC_KEYS": &cfg.JWTVerifyPublicKeys,
		"JWT_ISSUER":             &cfg.JWTIssuer,
		"JWT_AUDIENCE":           &cfg.JWTAudience,
		"JWT_LEEWAY":             &cfg.JWTLeeway,
		"CATALOG_NOTIFY_SENDER":  &cfg.NotifySender,
		"CATALOG_NOTIFY_QUEUE":   &cfg.NotifyQueue,
		"CATALOG_NOTIFY_TIMEOUT": &cfg.NotifyTimeout,
		"SMTP_HOST":              &cfg.SMTPHost,
		"SMTP_USERNAME":          &cfg.SMTPUsername,
		"SMTP_PASSWORD":          &cfg.SMTPPassword,
		"SMTP_FROM":              &cfg.SMTPFrom,
		"AMQP_URL":               &cfg.AMQPURL,
	}
	for env, dst := range str {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"SMTP_PORT":                              &cfg.SMTPPort,
		"CATALOG_BCRYPT_COST":                    &cfg.BcryptCost,
		"CATALOG_MAX_ACTIVE_LOANS":               &cfg.MaxActiveLoans,
		"CATALOG_LOGIN_RATE_LIMIT_PER_MINUTE":    &cfg.LoginRateLimitPerMinute,
		"CATALOG_REGISTER_RATE_LIMIT_PER_MINUTE": &cfg.RegisterRateLimitPerMinute,
		"CATALOG_NOTIFY_WORKERS":                 &cfg.NotifyWorkers,
	}
	for env, dst := range ints {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	if v := os.Getenv("CATALOG_ALLOW_DUPLICATE_LOANS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AllowDuplicateLoans = b
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.NotifySender == "" {
		cfg.NotifySender = "log"
	}
	if cfg.NotifyQueue == "" {
		cfg.NotifyQueue = "memory"
	}
	if cfg.MaxActiveLoans == 0 {
		cfg.MaxActiveLoans = 3
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" && strings.TrimSpace(cfg.JWTPrivateKeyPath) == "" {
		return errors.New("config: jwtSecret or jwtPrivateKeyPath is required (set JWT_SECRET)")
	}
	if cfg.JWTPrivateKeyPath == "" && cfg.JWTPublicKeyPath != "" {
		return errors.New("config: jwtPublicKeyPath requires jwtPrivateKeyPath")
	}
	if cfg.MaxActiveLoans < 0 {
		return errors.New("config: maxActiveLoans must be >= 0")
	}
	if cfg.LoginRateLimitPerMinute < 0 || cfg.RegisterRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.NotifyWorkers < 0 || cfg.NotifyBuffer < 0 {
		return errors.New("config: notifyWorkers and notifyBuffer must be >= 0")
	}
	switch cfg.NotifySender {
	case "log":
	case "smtp":
		if strings.TrimSpace(cfg.SMTPHost) == "" {
			return errors.New("config: smtpHost is required when notifySender is smtp")
		}
	default:
		return fmt.Errorf("config: unknown notifySender %q (want log or smtp)", cfg.NotifySender)
	}
	switch cfg.NotifyQueue {
	case "memory":
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required when notifyQueue is redis")
		}
	case "amqp":
		if strings.TrimSpace(cfg.AMQPURL) == "" {
			return errors.New("config: amqpURL is required when notifyQueue is amqp")
		}
	default:
		return fmt.Errorf("config: unknown notifyQueue %q (want memory, redis or amqp)", cfg.NotifyQueue)
	}
	for name, raw := range map[string]string{
		"sessionTTL":    cfg.SessionTTL,
		"jwtLeeway":     cfg.JWTLeeway,
		"notifyTimeout": cfg.NotifyTimeout,
	} {
		if _, err := ParseDuration(name, raw); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if _, err := ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ParseDuration parses an optional duration setting; empty means zero.
func ParseDuration(name, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must not be negative", name)
	}
	return dur, nil
}

// ParseSessionTTL parses optional session TTL duration string.
func ParseSessionTTL(ttlStr string) (time.Duration, error) {
	return ParseDuration("sessionTTL", ttlStr)
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	return ParseDuration("jwtLeeway", leewayStr)
}

// ParseVerifyPublicKeys parses "kid=path,kid2=path2" into a map.
func ParseVerifyPublicKeys(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kid, path, ok := strings.Cut(pair, "=")
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if !ok || kid == "" || path == "" {
			return nil, fmt.Errorf("invalid jwtVerifyPublicKeys entry %q", pair)
		}
		out[kid] = path
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
