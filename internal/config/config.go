package config

import (
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	DBMaxConns    int
	JWTSecret     string
	MigrationsDir string
	CORSOrigin    string
	// Proxies whose X-Forwarded-For is honoured; IPs or CIDRs
	TrustedProxies []string
	// Version snapshots
	SnapshotBackend string
	ReposDir        string
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucket     string
	MinIOUseSSL     bool
	// Collaboration timing
	EditDebounce          time.Duration
	EditMaxDelay          time.Duration
	PresenceTimeout       time.Duration
	PresenceSweepInterval time.Duration
	CursorUpdatesPerSec   int
	// SMTP Configuration
	SMTPHost          string
	SMTPPort          string
	SMTPUsername      string
	SMTPPassword      string
	SMTPFrom          string
	SMTPFromName      string
	NotifyEmailDomain string
	// Redis presence mirror, disabled when empty
	RedisURL string
	// Logging
	LogLevel  string
	LogFormat string
}

func Load() Config {
	return Config{
		Addr:                  getenv("API_ADDR", ":8787"),
		DatabaseURL:           getenv("DATABASE_URL", ""),
		DBMaxConns:            getenvInt("DOCFLOW_DB_MAX_CONNS", 20),
		JWTSecret:             getenv("DOCFLOW_JWT_SECRET", "docflow-dev-secret"),
		MigrationsDir:         getenv("DOCFLOW_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:            getenv("DOCFLOW_CORS_ORIGIN", "*"),
		TrustedProxies:        getenvList("DOCFLOW_TRUSTED_PROXIES"),
		SnapshotBackend:       getenv("DOCFLOW_SNAPSHOT_BACKEND", "git"),
		ReposDir:              getenv("DOCFLOW_REPOS_DIR", "./data/repos"),
		MinIOEndpoint:         getenv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:        getenv("MINIO_ACCESS_KEY", "docflow"),
		MinIOSecretKey:        getenv("MINIO_SECRET_KEY", "docflow-secret"),
		MinIOBucket:           getenv("MINIO_BUCKET", "docflow-snapshots"),
		MinIOUseSSL:           getenvBool("MINIO_USE_SSL", false),
		EditDebounce:          getenvDuration("DOCFLOW_EDIT_DEBOUNCE", 2*time.Second),
		EditMaxDelay:          getenvDuration("DOCFLOW_EDIT_MAX_DELAY", 30*time.Second),
		PresenceTimeout:       getenvDuration("DOCFLOW_PRESENCE_TIMEOUT", 45*time.Second),
		PresenceSweepInterval: getenvDuration("DOCFLOW_PRESENCE_SWEEP", 5*time.Second),
		CursorUpdatesPerSec:   getenvInt("DOCFLOW_CURSOR_RATE", 20),
		// SMTP - empty by default, notifications are only logged if not configured
		SMTPHost:          getenv("SMTP_HOST", ""),
		SMTPPort:          getenv("SMTP_PORT", "587"),
		SMTPUsername:      getenv("SMTP_USERNAME", ""),
		SMTPPassword:      getenv("SMTP_PASSWORD", ""),
		SMTPFrom:          getenv("SMTP_FROM", ""),
		SMTPFromName:      getenv("SMTP_FROM_NAME", "Docflow"),
		NotifyEmailDomain: getenv("DOCFLOW_NOTIFY_DOMAIN", "docflow.local"),
		RedisURL:          getenv("REDIS_URL", ""),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		LogFormat:         getenv("LOG_FORMAT", "json"),
	}
}

// fileConfig is the optional YAML overlay. Durations are strings ("2s").
type fileConfig struct {
	Server struct {
		Addr           string   `yaml:"addr"`
		CORSOrigin     string   `yaml:"cors_origin"`
		TrustedProxies []string `yaml:"trusted_proxies"`
	} `yaml:"server"`
	Database struct {
		URL           string `yaml:"url"`
		MigrationsDir string `yaml:"migrations_dir"`
		MaxConns      int    `yaml:"max_conns"`
	} `yaml:"database"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Snapshots struct {
		Backend  string `yaml:"backend"`
		ReposDir string `yaml:"repos_dir"`
		MinIO    struct {
			Endpoint  string `yaml:"endpoint"`
			AccessKey string `yaml:"access_key"`
			SecretKey string `yaml:"secret_key"`
			Bucket    string `yaml:"bucket"`
			UseSSL    *bool  `yaml:"use_ssl"`
		} `yaml:"minio"`
	} `yaml:"snapshots"`
	Collab struct {
		EditDebounce    string `yaml:"edit_debounce"`
		EditMaxDelay    string `yaml:"edit_max_delay"`
		PresenceTimeout string `yaml:"presence_timeout"`
		PresenceSweep   string `yaml:"presence_sweep"`
		CursorRate      int    `yaml:"cursor_rate"`
	} `yaml:"collab"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// LoadFile reads a YAML overlay and applies every non-empty value on top of base.
// ${VAR} references inside the file are expanded from the environment.
func LoadFile(base Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config file: %w", err)
	}
	var file fileConfig
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &file); err != nil {
		return base, fmt.Errorf("parse config file: %w", err)
	}

	cfg := base
	setString(&cfg.Addr, file.Server.Addr)
	setString(&cfg.CORSOrigin, file.Server.CORSOrigin)
	if len(file.Server.TrustedProxies) > 0 {
		cfg.TrustedProxies = file.Server.TrustedProxies
	}
	setString(&cfg.DatabaseURL, file.Database.URL)
	setString(&cfg.MigrationsDir, file.Database.MigrationsDir)
	if file.Database.MaxConns > 0 {
		cfg.DBMaxConns = file.Database.MaxConns
	}
	setString(&cfg.JWTSecret, file.Auth.JWTSecret)
	setString(&cfg.SnapshotBackend, file.Snapshots.Backend)
	setString(&cfg.ReposDir, file.Snapshots.ReposDir)
	setString(&cfg.MinIOEndpoint, file.Snapshots.MinIO.Endpoint)
	setString(&cfg.MinIOAccessKey, file.Snapshots.MinIO.AccessKey)
	setString(&cfg.MinIOSecretKey, file.Snapshots.MinIO.SecretKey)
	setString(&cfg.MinIOBucket, file.Snapshots.MinIO.Bucket)
	if file.Snapshots.MinIO.UseSSL != nil {
		cfg.MinIOUseSSL = *file.Snapshots.MinIO.UseSSL
	}
	setString(&cfg.RedisURL, file.Redis.URL)
	setString(&cfg.LogLevel, file.Logging.Level)
	setString(&cfg.LogFormat, file.Logging.Format)
	if file.Collab.CursorRate > 0 {
		cfg.CursorUpdatesPerSec = file.Collab.CursorRate
	}

	durations := []struct {
		name   string
		raw    string
		target *time.Duration
	}{
		{name: "collab.edit_debounce", raw: file.Collab.EditDebounce, target: &cfg.EditDebounce},
		{name: "collab.edit_max_delay", raw: file.Collab.EditMaxDelay, target: &cfg.EditMaxDelay},
		{name: "collab.presence_timeout", raw: file.Collab.PresenceTimeout, target: &cfg.PresenceTimeout},
		{name: "collab.presence_sweep", raw: file.Collab.PresenceSweep, target: &cfg.PresenceSweepInterval},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return base, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.target = parsed
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.EditDebounce <= 0 {
		return fmt.Errorf("edit debounce must be positive")
	}
	if c.EditMaxDelay < c.EditDebounce {
		return fmt.Errorf("edit max delay must be at least the debounce interval")
	}
	if c.PresenceTimeout <= 0 {
		return fmt.Errorf("presence timeout must be positive")
	}
	switch c.SnapshotBackend {
	case "git", "minio":
	default:
		return fmt.Errorf("snapshot backend must be git or minio, got %q", c.SnapshotBackend)
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a single-host
// prefix.
func (c Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

func setString(target *string, value string) {
	if strings.TrimSpace(value) != "" {
		*target = value
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvList(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
