package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is everything the API process reads from its environment. Packages
// receive the sections they need; nothing else calls os.Getenv.
type Config struct {
	App     AppConfig
	DB      DBConfig
	Redis   RedisConfig
	Auth    AuthConfig
	Twilio  TwilioConfig
	Engine  EngineConfig
	Calls   CallsConfig
	Webhook WebhookConfig
}

type AppConfig struct {
	Env  string
	Port int

	// Storage selects the backing stores: "postgres" (Postgres + Redis) or
	// "memory" (process-local, local/dev only).
	Storage string

	// PublicBaseURL is the origin Twilio reaches callbacks on.
	PublicBaseURL string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode accepts disable, require, verify-ca, verify-full.
	SSLMode string

	// AutoMigrate applies migrations/*.sql at startup.
	AutoMigrate bool
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	APIBaseURL string
}

type EngineConfig struct {
	MaxSteps int
}

type CallsConfig struct {
	MaxConcurrentPerWorkspace int
	SessionTTL                time.Duration
	NotifyStream              string
	Record                    bool
}

type WebhookConfig struct {
	DedupTTL    time.Duration
	DedupBucket time.Duration
}

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Load reads the process environment. Unset optional values stay zero and
// Validate fills their defaults; malformed values are reported together.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	e := env{lookup: lookup}
	var c Config

	c.App.Env = e.str("APP_ENV")
	c.App.Port = e.requiredInt("APP_PORT")
	c.App.Storage = e.str("STORAGE_BACKEND")
	c.App.PublicBaseURL = e.str("PUBLIC_BASE_URL")

	if c.App.Storage != StorageMemory {
		c.DB = DBConfig{
			Host:        e.str("DB_HOST"),
			Port:        e.requiredInt("DB_PORT"),
			User:        e.str("DB_USER"),
			Password:    e.raw("DB_PASSWORD"),
			Name:        e.str("DB_NAME"),
			SSLMode:     e.str("DB_SSLMODE"),
			AutoMigrate: e.boolean("DB_AUTO_MIGRATE"),
		}
		c.Redis = RedisConfig{Host: e.str("REDIS_HOST"), Port: e.requiredInt("REDIS_PORT")}
	}

	c.Auth = AuthConfig{
		JWTSecret:       e.raw("JWT_SECRET"),
		JWTIssuer:       e.str("JWT_ISSUER"),
		JWTAudience:     e.str("JWT_AUDIENCE"),
		AccessTokenTTL:  e.duration("JWT_ACCESS_TTL"),
		RefreshTokenTTL: e.duration("JWT_REFRESH_TTL"),
	}
	c.Twilio = TwilioConfig{
		AccountSID: e.str("TWILIO_ACCOUNT_SID"),
		AuthToken:  e.raw("TWILIO_AUTH_TOKEN"),
		FromNumber: e.str("TWILIO_FROM_NUMBER"),
		APIBaseURL: e.str("TWILIO_API_BASE_URL"),
	}
	c.Engine.MaxSteps = e.optionalInt("ENGINE_MAX_STEPS")
	c.Calls = CallsConfig{
		MaxConcurrentPerWorkspace: e.optionalInt("CALLS_MAX_CONCURRENT_PER_WORKSPACE"),
		SessionTTL:                e.duration("CALLS_SESSION_TTL"),
		NotifyStream:              e.str("NOTIFY_STREAM"),
		Record:                    e.boolean("CALLS_RECORD"),
	}
	c.Webhook = WebhookConfig{
		DedupTTL:    e.duration("WEBHOOK_DEDUP_TTL"),
		DedupBucket: e.duration("WEBHOOK_DEDUP_BUCKET"),
	}

	if err := joinErrors(e.errs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once and fills in defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	switch c.App.Storage {
	case "":
		c.App.Storage = StoragePostgres
	case StoragePostgres:
	case StorageMemory:
		if c.App.Env != "local" && c.App.Env != "dev" {
			errs = append(errs, fmt.Errorf("STORAGE_BACKEND=memory is only allowed in local and dev, got APP_ENV %q", c.App.Env))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be one of postgres, memory, got %q", c.App.Storage))
	}

	if c.App.PublicBaseURL == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("PUBLIC_BASE_URL is required in production"))
		}
	} else if u, err := url.Parse(c.App.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL, got %q", c.App.PublicBaseURL))
	}

	if c.App.Storage == StoragePostgres {
		errs = append(errs, c.validateStores()...)
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	// Webhook signatures cannot be checked without the auth token, and
	// unverifiable webhooks are refused in production.
	if c.IsProduction() {
		if c.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required in production"))
		}
		if c.Twilio.AccountSID == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required in production"))
		}
	}
	if c.Twilio.APIBaseURL == "" {
		c.Twilio.APIBaseURL = "https://api.twilio.com"
	}

	if c.Engine.MaxSteps == 0 {
		c.Engine.MaxSteps = 50
	} else if c.Engine.MaxSteps < 0 {
		errs = append(errs, fmt.Errorf("ENGINE_MAX_STEPS must be > 0, got %d", c.Engine.MaxSteps))
	}
	if c.Calls.MaxConcurrentPerWorkspace == 0 {
		c.Calls.MaxConcurrentPerWorkspace = 100
	} else if c.Calls.MaxConcurrentPerWorkspace < 0 {
		errs = append(errs, fmt.Errorf("CALLS_MAX_CONCURRENT_PER_WORKSPACE must be > 0, got %d", c.Calls.MaxConcurrentPerWorkspace))
	}
	if c.Calls.SessionTTL <= 0 {
		c.Calls.SessionTTL = 4 * time.Hour
	}
	if c.Calls.NotifyStream == "" {
		c.Calls.NotifyStream = "calls:events"
	}
	if c.Webhook.DedupTTL <= 0 {
		c.Webhook.DedupTTL = 24 * time.Hour
	}
	if c.Webhook.DedupBucket <= 0 {
		c.Webhook.DedupBucket = 10 * time.Second
	}

	return joinErrors(errs)
}

func (c *Config) validateStores() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) UsesMemoryStorage() bool {
	return c.App.Storage == StorageMemory
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// PostgresDSN is a postgres:// URL for the pgx driver. It embeds the
// password; never log it.
func (c Config) PostgresDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DB.User, c.DB.Password),
		Host:     net.JoinHostPort(c.DB.Host, strconv.Itoa(c.DB.Port)),
		Path:     "/" + c.DB.Name,
		RawQuery: url.Values{"sslmode": {c.DB.SSLMode}}.Encode(),
	}
	return u.String()
}

func (c Config) RedisAddr() string {
	return net.JoinHostPort(c.Redis.Host, strconv.Itoa(c.Redis.Port))
}

// env reads typed values and keeps every parse error.
type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

// raw returns the value untrimmed, for secrets.
func (e *env) raw(key string) string {
	v, _ := e.lookup(key)
	return v
}

func (e *env) str(key string) string { return strings.TrimSpace(e.raw(key)) }

func (e *env) requiredInt(key string) int {
	if e.str(key) == "" {
		e.errs = append(e.errs, fmt.Errorf("%s is required", key))
		return 0
	}
	return e.optionalInt(key)
}

func (e *env) optionalInt(key string) int {
	v := e.str(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n
}

func (e *env) duration(key string) time.Duration {
	v := e.str(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s must be a duration such as 90s or 4h, got %q", key, v))
	}
	return d
}

func (e *env) boolean(key string) bool {
	v := e.str(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s must be true or false, got %q", key, v))
	}
	return b
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

// joinErrors lists every problem on its own line under one heading.
func joinErrors(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	lines := make([]string, 0, len(errs))
	for _, e := range errs {
		lines = append(lines, "  "+e.Error())
	}
	return fmt.Errorf("config: %d problems:\n%s", len(errs), strings.Join(lines, "\n"))
}
