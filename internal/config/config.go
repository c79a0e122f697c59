// Package config resolves the bootstrapper's settings from built-in defaults,
// an optional environment file and explicit overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/joho/godotenv"
)

// Recognized setting keys. They double as environment file keys.
const (
	KeyUser                = "POSTGRES_USER"
	KeyPassword            = "POSTGRES_PASSWORD"
	KeyHost                = "POSTGRES_HOST"
	KeyPort                = "POSTGRES_PORT"
	KeyDatabase            = "POSTGRES_DB"
	KeyContainer           = "DB_CONTAINER"
	KeyService             = "DB_SERVICE"
	KeyComposeFile         = "COMPOSE_FILE"
	KeyDumpPath            = "DUMP_PATH"
	KeyDatabaseURL         = "DATABASE_URL"
	KeyBackupFile          = "BACKUP_FILE"
	KeySecretKey           = "SECRET_KEY"
	KeyBaselineRevision    = "BASELINE_REVISION"
	KeyForeignVersionTable = "FOREIGN_VERSION_TABLE"
	KeyReadyAttempts       = "READY_ATTEMPTS"
	KeyReadyInterval       = "READY_INTERVAL"
	KeyAppCommand          = "APP_COMMAND"
	KeyLogLevel            = "LOG_LEVEL"
	KeyLogFile             = "LOG_FILE"
	KeyMetricsFile         = "METRICS_FILE"
	KeyS3Endpoint          = "S3_ENDPOINT"
	KeyS3Region            = "S3_REGION"
	KeyS3AccessKeyID       = "S3_ACCESS_KEY_ID"
	KeyS3SecretAccessKey   = "S3_SECRET_ACCESS_KEY"
)

// DefaultEnvFile is read when no environment file is named explicitly.
const DefaultEnvFile = ".env"

// ErrMissingConfigFile is returned when a required environment file is absent.
var ErrMissingConfigFile = errors.New("config file not found")

// ErrURLMismatch is returned when an explicit DATABASE_URL names a different
// server, role or database than the individual settings.
var ErrURLMismatch = errors.New("DATABASE_URL disagrees with connection settings")

// ErrUnknownKey is returned for an override naming a key this tool does not know.
var ErrUnknownKey = errors.New("unknown config key")

var defaults = map[string]string{
	KeyUser:                "gkrp",
	KeyPassword:            "gkrp",
	KeyHost:                "localhost",
	KeyPort:                "5432",
	KeyDatabase:            "gkrp",
	KeyContainer:           "gkrp_db",
	KeyService:             "db",
	KeyComposeFile:         "docker-compose.yml",
	KeyDumpPath:            "/tmp/backup.dump",
	KeyDatabaseURL:         "",
	KeyBackupFile:          "",
	KeySecretKey:           "",
	KeyBaselineRevision:    "0001_base_schema",
	KeyForeignVersionTable: "alembic_version",
	KeyReadyAttempts:       "60",
	KeyReadyInterval:       "1s",
	KeyAppCommand:          "python -m gkrp_data_portal",
	KeyLogLevel:            "info",
	KeyLogFile:             "",
	KeyMetricsFile:         "",
	KeyS3Endpoint:          "",
	KeyS3Region:            "us-east-1",
	KeyS3AccessKeyID:       "",
	KeyS3SecretAccessKey:   "",
}

// Keys returns every recognized key, sorted alphabetically.
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Config is the fully resolved configuration for one invocation. It is a
// plain value: components receive it explicitly and never mutate it.
type Config struct {
	User                string
	Password            string
	Host                string
	Port                int
	Database            string
	Container           string
	Service             string
	ComposeFile         string
	DumpPath            string
	ExplicitURL         string
	BackupFile          string
	SecretKey           string
	BaselineRevision    string
	ForeignVersionTable string
	ReadyAttempts       int
	ReadyInterval       time.Duration
	AppCommand          string
	LogLevel            string
	LogFile             string
	MetricsFile         string
	S3                  S3Settings

	// Source is the environment file the values were read from, if any.
	Source string
}

// S3Settings hold the credentials used when BACKUP_FILE is an s3:// URI.
// Empty keys fall back to the AWS default credential chain.
type S3Settings struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// LoadOptions controls where Load reads values from.
type LoadOptions struct {
	// EnvFile is the environment file to read. Empty means DefaultEnvFile.
	EnvFile string
	// EnvFileRequired makes a missing EnvFile an error. The default file is
	// always optional.
	EnvFileRequired bool
	// Overrides take precedence over the environment file and defaults.
	Overrides map[string]string
}

// Load resolves the configuration. Each key is resolved independently:
// override, then environment file, then built-in default.
func Load(opts LoadOptions) (Config, error) {
	path := opts.EnvFile
	if path == "" {
		path = DefaultEnvFile
	}

	fileValues, err := readEnvFile(path, opts.EnvFileRequired)
	if err != nil {
		return Config{}, err
	}

	for k := range opts.Overrides {
		if _, ok := defaults[k]; !ok {
			return Config{}, fmt.Errorf("%w: %s", ErrUnknownKey, k)
		}
	}

	resolved := make(map[string]string, len(defaults))
	for k, def := range defaults {
		resolved[k] = resolve(k, def, fileValues, opts.Overrides)
	}

	cfg, err := fromValues(resolved)
	if err != nil {
		return Config{}, err
	}
	if fileValues != nil {
		cfg.Source = path
	}
	return cfg, nil
}

// Default returns the configuration built from defaults alone.
func Default() Config {
	cfg, err := fromValues(defaults)
	if err != nil {
		panic(fmt.Sprintf("invalid built-in defaults: %v", err))
	}
	return cfg
}

// ParseOverrides turns KEY=VALUE pairs into an override map. Only the first
// '=' separates key from value so values may contain '='.
func ParseOverrides(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid override %q: expected KEY=VALUE", pair)
		}
		out[strings.ToUpper(key)] = value
	}
	return out, nil
}

func readEnvFile(path string, required bool) (map[string]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			if required {
				return nil, fmt.Errorf("%w: %s", ErrMissingConfigFile, path)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrMissingConfigFile, path)
	}

	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return values, nil
}

func resolve(key, def string, file, overrides map[string]string) string {
	if v, ok := overrides[key]; ok {
		return v
	}
	if v, ok := file[key]; ok {
		return v
	}
	return def
}

func fromValues(v map[string]string) (Config, error) {
	port, err := strconv.Atoi(strings.TrimSpace(v[KeyPort]))
	if err != nil || port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("invalid %s %q", KeyPort, v[KeyPort])
	}

	attempts, err := strconv.Atoi(strings.TrimSpace(v[KeyReadyAttempts]))
	if err != nil || attempts <= 0 {
		return Config{}, fmt.Errorf("invalid %s %q", KeyReadyAttempts, v[KeyReadyAttempts])
	}

	interval, err := parseInterval(v[KeyReadyInterval])
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", KeyReadyInterval, v[KeyReadyInterval], err)
	}

	cfg := Config{
		User:                v[KeyUser],
		Password:            v[KeyPassword],
		Host:                v[KeyHost],
		Port:                port,
		Database:            v[KeyDatabase],
		Container:           v[KeyContainer],
		Service:             v[KeyService],
		ComposeFile:         v[KeyComposeFile],
		DumpPath:            v[KeyDumpPath],
		ExplicitURL:         strings.TrimSpace(v[KeyDatabaseURL]),
		BackupFile:          v[KeyBackupFile],
		SecretKey:           v[KeySecretKey],
		BaselineRevision:    v[KeyBaselineRevision],
		ForeignVersionTable: v[KeyForeignVersionTable],
		ReadyAttempts:       attempts,
		ReadyInterval:       interval,
		AppCommand:          v[KeyAppCommand],
		LogLevel:            strings.ToLower(v[KeyLogLevel]),
		LogFile:             v[KeyLogFile],
		MetricsFile:         v[KeyMetricsFile],
		S3: S3Settings{
			Endpoint:        v[KeyS3Endpoint],
			Region:          v[KeyS3Region],
			AccessKeyID:     v[KeyS3AccessKeyID],
			SecretAccessKey: v[KeyS3SecretAccessKey],
		},
	}
	if err := cfg.checkExplicitURL(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// checkExplicitURL makes sure an explicit DATABASE_URL addresses the same
// server, role and database as the individual fields. The restore steps use
// the fields and the migrations use the URL, so they must agree.
func (c Config) checkExplicitURL() error {
	if c.ExplicitURL == "" {
		return nil
	}
	pc, err := pgconn.ParseConfig(c.ExplicitURL)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", KeyDatabaseURL, err)
	}

	var diff []string
	if pc.User != c.User {
		diff = append(diff, KeyUser)
	}
	if pc.Password != "" && pc.Password != c.Password {
		diff = append(diff, KeyPassword)
	}
	if pc.Host != c.Host {
		diff = append(diff, KeyHost)
	}
	if int(pc.Port) != c.Port {
		diff = append(diff, KeyPort)
	}
	if pc.Database != c.Database {
		diff = append(diff, KeyDatabase)
	}
	if len(diff) > 0 {
		return fmt.Errorf("%w: %s", ErrURLMismatch, strings.Join(diff, ", "))
	}
	return nil
}

// DefaultPassword reports whether the password is still the built-in one or
// equal to the role name, which the redacted display cannot hide.
func (c Config) DefaultPassword() bool {
	return c.Password == defaults[KeyPassword] || c.Password == c.User
}

// parseInterval accepts a Go duration ("500ms") or a bare number of seconds.
func parseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, errors.New("negative interval")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("negative interval")
	}
	return d, nil
}

// DerivedURL builds the connection URL from the individual fields.
func (c Config) DerivedURL() string {
	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	return u.String()
}

// DatabaseURL returns the connection URL handed to the migration runner and
// the application. An explicit DATABASE_URL always wins over the derived one.
func (c Config) DatabaseURL() string {
	if c.ExplicitURL != "" {
		return c.ExplicitURL
	}
	return c.DerivedURL()
}

// value returns the raw string form of a key, used for display.
func (c Config) value(key string) string {
	switch key {
	case KeyUser:
		return c.User
	case KeyPassword:
		return c.Password
	case KeyHost:
		return c.Host
	case KeyPort:
		return strconv.Itoa(c.Port)
	case KeyDatabase:
		return c.Database
	case KeyContainer:
		return c.Container
	case KeyService:
		return c.Service
	case KeyComposeFile:
		return c.ComposeFile
	case KeyDumpPath:
		return c.DumpPath
	case KeyDatabaseURL:
		return c.DatabaseURL()
	case KeyBackupFile:
		return c.BackupFile
	case KeySecretKey:
		return c.SecretKey
	case KeyBaselineRevision:
		return c.BaselineRevision
	case KeyForeignVersionTable:
		return c.ForeignVersionTable
	case KeyReadyAttempts:
		return strconv.Itoa(c.ReadyAttempts)
	case KeyReadyInterval:
		return c.ReadyInterval.String()
	case KeyAppCommand:
		return c.AppCommand
	case KeyLogLevel:
		return c.LogLevel
	case KeyLogFile:
		return c.LogFile
	case KeyMetricsFile:
		return c.MetricsFile
	case KeyS3Endpoint:
		return c.S3.Endpoint
	case KeyS3Region:
		return c.S3.Region
	case KeyS3AccessKeyID:
		return c.S3.AccessKeyID
	case KeyS3SecretAccessKey:
		return c.S3.SecretAccessKey
	}
	return ""
}

// ReadyTimeout is the effective readiness budget: attempts times interval.
func (c Config) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyAttempts) * c.ReadyInterval
}
