package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the file read when CONFIG_PATH is unset.
const ConfigPath = "config.yaml"

const (
	defaultPort             = "4000"
	defaultServiceName      = "mangoscan-backend"
	defaultMaxImageBytes    = 10 * 1024 * 1024
	defaultAIServiceTimeout = 10000
)

// FileConfig represents configuration loaded from YAML and the environment.
type FileConfig struct {
	Port               string   `yaml:"port"`
	LogLevel           string   `yaml:"logLevel"`
	ServiceName        string   `yaml:"serviceName"`
	DatabaseURL        string   `yaml:"databaseURL"`
	JWTSecret          string   `yaml:"jwtSecret"`
	JWTIssuer          string   `yaml:"jwtIssuer"`
	JWTAudience        string   `yaml:"jwtAudience"`
	JWTLeeway          string   `yaml:"jwtLeeway"`
	AIServiceURL       string   `yaml:"aiServiceURL"`
	AIServiceTimeoutMS int      `yaml:"aiServiceTimeoutMs"`
	MaxImageSizeBytes  int64    `yaml:"maxImageSizeBytes"`
	RedisAddr          string   `yaml:"redisAddr"`
	RedisPassword      string   `yaml:"redisPassword"`
	TrustedProxyCIDRs  []string `yaml:"trustedProxyCidrs"`
	CORSAllowedOrigins []string `yaml:"corsAllowedOrigins"`
}

// Load reads config from path (defaults to CONFIG_PATH, then config.yaml),
// applies environment overrides and validates the result. A missing file is
// not an error; the environment alone can configure the service.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	explicit := path != ""
	if path == "" {
		path = strings.TrimSpace(os.Getenv("CONFIG_PATH"))
		explicit = path != ""
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) error {
	setString := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v := strings.TrimSpace(os.Getenv(key)); v != "" {
				*dst = v
				return
			}
		}
	}
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.ServiceName, "SERVICE_NAME")
	setString(&cfg.DatabaseURL, "DATABASE_URL", "MONGO_URI")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.JWTIssuer, "JWT_ISSUER")
	setString(&cfg.JWTAudience, "JWT_AUDIENCE")
	setString(&cfg.JWTLeeway, "JWT_LEEWAY")
	setString(&cfg.AIServiceURL, "AI_SERVICE_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")

	if v := strings.TrimSpace(os.Getenv("AI_SERVICE_TIMEOUT_MS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: AI_SERVICE_TIMEOUT_MS: %w", err)
		}
		cfg.AIServiceTimeoutMS = n
	}
	if v := strings.TrimSpace(os.Getenv("MAX_IMAGE_SIZE_BYTES")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: MAX_IMAGE_SIZE_BYTES: %w", err)
		}
		cfg.MaxImageSizeBytes = n
	}
	if v := os.Getenv("TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
	return nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxImageSizeBytes == 0 {
		cfg.MaxImageSizeBytes = defaultMaxImageBytes
	}
	if cfg.AIServiceTimeoutMS == 0 {
		cfg.AIServiceTimeoutMS = defaultAIServiceTimeout
	}
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set DATABASE_URL or MONGO_URI)")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("config: jwtSecret is required (set JWT_SECRET)")
	}
	if strings.TrimSpace(cfg.AIServiceURL) == "" {
		return errors.New("config: aiServiceURL is required (set AI_SERVICE_URL)")
	}
	u, err := url.Parse(cfg.AIServiceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: aiServiceURL must be an absolute http(s) URL, got %q", cfg.AIServiceURL)
	}
	if n, err := strconv.Atoi(cfg.Port); err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("config: invalid port %q", cfg.Port)
	}
	if cfg.MaxImageSizeBytes < 0 {
		return errors.New("config: maxImageSizeBytes must be >= 0")
	}
	if cfg.AIServiceTimeoutMS < 0 {
		return errors.New("config: aiServiceTimeoutMs must be >= 0")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// AIServiceTimeout returns the classifier timeout as a duration.
func (c FileConfig) AIServiceTimeout() time.Duration {
	return time.Duration(c.AIServiceTimeoutMS) * time.Millisecond
}

// Addr returns the listen address for the HTTP server.
func (c FileConfig) Addr() string {
	return ":" + c.Port
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}
