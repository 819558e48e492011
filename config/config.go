package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/milanbella/sa-oauth/logger"
	"github.com/milanbella/sa-oauth/stringutils"
)

const (
	defaultDBDriver          = "mysql"
	defaultDBHost            = "127.0.0.1"
	defaultDBPort            = 3306
	defaultDBUser            = "sa_oauth"
	defaultDBPassword        = ""
	defaultDBName            = "sa_oauth"
	defaultDBMaxOpenConns    = 10
	defaultDBMaxIdleConns    = 5
	defaultDBConnMaxLifetime = time.Minute * 15
	defaultDBPingTimeout     = 5 * time.Second

	defaultAuthLoginPath   = "/login"
	defaultAccessTokenTTL  = 5 * time.Minute
	defaultRefreshTokenTTL = 24 * time.Hour
	defaultAuthCodeTTL     = 60 * time.Second
	defaultTokenBytes      = 40
	minTokenBytes          = 32
	defaultGrantTypes      = "authorization_code,client_credentials,refresh_token"
	defaultPasswordHasher  = "bcrypt"

	defaultLogEnv   = "dev"
	defaultLogLevel = "info"

	defaultHTTPAddr = ":8080"
)

type Config struct {
	Database DBConfig
	Auth     AuthConfig
	Log      logger.Config
	HTTP     HTTPConfig
}

type DBConfig struct {
	Driver          string
	DSN             string
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
	AutoMigrate     bool
}

type AuthConfig struct {
	LoginPath       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
	TokenBytes      int
	GrantTypes      []string
	DefaultScopes   []string
	RequireScope    bool
	PasswordHasher  string
}

type HTTPConfig struct {
	Addr string
}

// source resolves a setting from the process environment first and the
// optional YAML file second.
type source struct {
	file map[string]string
}

// Load reads .env (if present), the YAML file named by CONFIG_FILE (if set)
// and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, logger.LogErr(fmt.Errorf("load .env: %w", err))
	}

	src := &source{file: map[string]string{}}
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, logger.LogErr(err)
		}
		src.file = file
	}

	return src.load()
}

func (s *source) load() (*Config, error) {
	dbCfg, err := s.loadDBConfig()
	if err != nil {
		return nil, logger.LogErr(err)
	}

	authCfg, err := s.loadAuthConfig()
	if err != nil {
		return nil, logger.LogErr(err)
	}

	addr := strings.TrimSpace(s.getOrDefault("HTTP_ADDR", defaultHTTPAddr))
	if addr == "" {
		return nil, logger.LogErr(fmt.Errorf("HTTP_ADDR must not be empty"))
	}

	return &Config{
		Database: *dbCfg,
		Auth:     *authCfg,
		Log: logger.Config{
			Env:   s.getOrDefault("LOG_ENV", defaultLogEnv),
			Level: s.getOrDefault("LOG_LEVEL", defaultLogLevel),
		},
		HTTP: HTTPConfig{Addr: addr},
	}, nil
}

func (s *source) loadDBConfig() (*DBConfig, error) {
	driver := strings.ToLower(strings.TrimSpace(s.getOrDefault("DB_DRIVER", defaultDBDriver)))
	switch driver {
	case "mysql", "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("DB_DRIVER must be one of mysql, postgres, sqlite")
	}

	port, err := s.getInt("DB_PORT", defaultDBPort)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	maxOpenConns, err := s.getInt("DB_MAX_OPEN_CONNS", defaultDBMaxOpenConns)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_OPEN_CONNS: %w", err)
	}

	maxIdleConns, err := s.getInt("DB_MAX_IDLE_CONNS", defaultDBMaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_IDLE_CONNS: %w", err)
	}

	connMaxLifetime, err := s.getDuration("DB_CONN_MAX_LIFETIME", defaultDBConnMaxLifetime)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME: %w", err)
	}

	pingTimeout, err := s.getDuration("DB_PING_TIMEOUT", defaultDBPingTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PING_TIMEOUT: %w", err)
	}

	autoMigrate, err := s.getBool("DB_AUTO_MIGRATE", false)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_AUTO_MIGRATE: %w", err)
	}

	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("DB_PORT must be between 1 and 65535")
	}

	if maxOpenConns <= 0 {
		return nil, fmt.Errorf("DB_MAX_OPEN_CONNS must be greater than zero")
	}

	if maxIdleConns < 0 {
		return nil, fmt.Errorf("DB_MAX_IDLE_CONNS must be zero or a positive integer")
	}

	if connMaxLifetime < 0 {
		return nil, fmt.Errorf("DB_CONN_MAX_LIFETIME must be zero or a positive duration")
	}

	if pingTimeout <= 0 {
		return nil, fmt.Errorf("DB_PING_TIMEOUT must be greater than zero")
	}

	dsn := strings.TrimSpace(s.getOrDefault("DB_DSN", ""))
	if driver == "sqlite" && dsn == "" {
		return nil, fmt.Errorf("DB_DSN is required when DB_DRIVER is sqlite")
	}

	return &DBConfig{
		Driver:          driver,
		DSN:             dsn,
		Host:            s.getOrDefault("DB_HOST", defaultDBHost),
		Port:            port,
		User:            s.getOrDefault("DB_USER", defaultDBUser),
		Password:        s.getOrDefault("DB_PASSWORD", defaultDBPassword),
		Name:            s.getOrDefault("DB_NAME", defaultDBName),
		MaxOpenConns:    maxOpenConns,
		MaxIdleConns:    maxIdleConns,
		ConnMaxLifetime: connMaxLifetime,
		PingTimeout:     pingTimeout,
		AutoMigrate:     autoMigrate,
	}, nil
}

func (s *source) loadAuthConfig() (*AuthConfig, error) {
	loginPath := strings.TrimSpace(s.getOrDefault("AUTH_LOGIN_PATH", defaultAuthLoginPath))
	if loginPath == "" {
		return nil, fmt.Errorf("AUTH_LOGIN_PATH must not be empty")
	}
	if strings.HasPrefix(loginPath, "http://") || strings.HasPrefix(loginPath, "https://") {
		return nil, fmt.Errorf("AUTH_LOGIN_PATH must be relative")
	}
	if !strings.HasPrefix(loginPath, "/") {
		loginPath = "/" + loginPath
	}

	accessTTL, err := s.getDuration("AUTH_ACCESS_TOKEN_TTL", defaultAccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTH_ACCESS_TOKEN_TTL: %w", err)
	}
	if accessTTL <= 0 {
		return nil, fmt.Errorf("AUTH_ACCESS_TOKEN_TTL must be greater than zero")
	}

	refreshTTL, err := s.getDuration("AUTH_REFRESH_TOKEN_TTL", defaultRefreshTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTH_REFRESH_TOKEN_TTL: %w", err)
	}
	if refreshTTL <= 0 {
		return nil, fmt.Errorf("AUTH_REFRESH_TOKEN_TTL must be greater than zero")
	}

	codeTTL, err := s.getDuration("AUTH_CODE_TTL", defaultAuthCodeTTL)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTH_CODE_TTL: %w", err)
	}
	if codeTTL <= 0 {
		return nil, fmt.Errorf("AUTH_CODE_TTL must be greater than zero")
	}

	tokenBytes, err := s.getInt("AUTH_TOKEN_BYTES", defaultTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTH_TOKEN_BYTES: %w", err)
	}
	if tokenBytes < minTokenBytes {
		return nil, fmt.Errorf("AUTH_TOKEN_BYTES must be at least %d", minTokenBytes)
	}

	requireScope, err := s.getBool("AUTH_REQUIRE_SCOPE", false)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTH_REQUIRE_SCOPE: %w", err)
	}

	grantTypes := stringutils.SplitList(s.getOrDefault("AUTH_GRANT_TYPES", defaultGrantTypes), ',')
	if len(grantTypes) == 0 {
		return nil, fmt.Errorf("AUTH_GRANT_TYPES must name at least one grant type")
	}

	hasher := strings.ToLower(strings.TrimSpace(s.getOrDefault("AUTH_PASSWORD_HASHER", defaultPasswordHasher)))
	if hasher != "bcrypt" && hasher != "argon2id" {
		return nil, fmt.Errorf("AUTH_PASSWORD_HASHER must be bcrypt or argon2id")
	}

	return &AuthConfig{
		LoginPath:       loginPath,
		AccessTokenTTL:  accessTTL,
		RefreshTokenTTL: refreshTTL,
		AuthCodeTTL:     codeTTL,
		TokenBytes:      tokenBytes,
		GrantTypes:      grantTypes,
		DefaultScopes:   stringutils.SplitList(s.getOrDefault("AUTH_DEFAULT_SCOPES", ""), ','),
		RequireScope:    requireScope,
		PasswordHasher:  hasher,
	}, nil
}

// readFile flattens a YAML document of sections into environment style keys:
// "auth: {access_token_ttl: 5m}" becomes AUTH_ACCESS_TOKEN_TTL.
func readFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var doc map[string]map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	prefixes := map[string]string{
		"database": "DB",
		"db":       "DB",
		"auth":     "AUTH",
		"log":      "LOG",
		"http":     "HTTP",
	}

	out := make(map[string]string)
	for section, values := range doc {
		prefix, ok := prefixes[strings.ToLower(section)]
		if !ok {
			return nil, fmt.Errorf("config file %s: unknown section %q", path, section)
		}
		for key, value := range values {
			name := prefix + "_" + strings.ToUpper(key)
			switch v := value.(type) {
			case []any:
				items := make([]string, 0, len(v))
				for _, item := range v {
					items = append(items, fmt.Sprint(item))
				}
				out[name] = strings.Join(items, ",")
			case nil:
				out[name] = ""
			default:
				out[name] = fmt.Sprint(v)
			}
		}
	}

	return out, nil
}

func (s *source) lookup(key string) (string, bool) {
	if value, ok := os.LookupEnv(key); ok {
		return value, true
	}
	value, ok := s.file[key]
	return value, ok
}

func (s *source) getOrDefault(key string, defaultValue string) string {
	if value, ok := s.lookup(key); ok {
		return value
	}
	return defaultValue
}

func (s *source) getInt(key string, defaultValue int) (int, error) {
	valueStr, ok := s.lookup(key)
	if !ok || valueStr == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		return 0, err
	}

	return value, nil
}

func (s *source) getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr, ok := s.lookup(key)
	if !ok || valueStr == "" {
		return defaultValue, nil
	}

	value, err := time.ParseDuration(strings.TrimSpace(valueStr))
	if err != nil {
		return 0, err
	}

	return value, nil
}

func (s *source) getBool(key string, defaultValue bool) (bool, error) {
	valueStr, ok := s.lookup(key)
	if !ok || valueStr == "" {
		return defaultValue, nil
	}

	return strconv.ParseBool(strings.TrimSpace(valueStr))
}
