package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/storefront/accounts/internal/ratelimit"
)

// Config holds the application configuration
type Config struct {
	Env         string `env:"APP_ENV" env-default:"development" env-description:"deployment environment"`
	Port        string `env:"PORT" env-default:"8080" env-description:"HTTP listen port"`
	LogLevel    string `env:"LOG_LEVEL" env-default:"info" env-description:"debug, info, warn or error"`
	DatabaseURL string `env:"DATABASE_URL" env-description:"PostgreSQL connection URL; required in production, empty keeps accounts in process"`
	RedisURL    string `env:"REDIS_URL" env-description:"shared store; empty keeps state in process (single instance only)"`

	MetricsEnabled bool     `env:"METRICS_ENABLED" env-default:"true" env-description:"serve Prometheus metrics on /metrics"`
	CORSOrigins    []string `env:"CORS_ALLOWED_ORIGINS" env-separator:"," env-description:"comma separated browser origins"`
	TrustProxy     bool     `env:"TRUST_PROXY_HEADERS" env-default:"false" env-description:"take the client IP from X-Forwarded-For/X-Real-IP; enable only behind a proxy"`
	BcryptCost     int      `env:"BCRYPT_COST" env-default:"10"`

	JWT       JWT
	OTP       OTP
	RateLimit RateLimit
	Notify    Notify
	HTTP      HTTPServer

	// Limits is filled from RateLimit by Load.
	Limits Limits
}

type JWT struct {
	AccessSecret   string        `env:"JWT_SECRET" env-required:"true" env-description:"HMAC key for access tokens"`
	RefreshSecret  string        `env:"JWT_REFRESH_SECRET" env-required:"true" env-description:"HMAC key for refresh tokens"`
	Issuer         string        `env:"JWT_ISSUER" env-default:"storefront-accounts"`
	AccessTTL      time.Duration `env:"JWT_ACCESS_TTL" env-default:"1h"`
	RefreshTTL     time.Duration `env:"JWT_REFRESH_TTL" env-default:"168h"`
	ReuseDetection bool          `env:"REFRESH_REUSE_DETECTION" env-default:"true" env-description:"revoke all sessions when a rotated refresh token is replayed"`
	ReuseGrace     time.Duration `env:"REFRESH_REUSE_GRACE" env-default:"10s"`
}

type OTP struct {
	Salt        string        `env:"OTP_SALT" env-required:"true" env-description:"salt mixed into stored code hashes"`
	TTL         time.Duration `env:"OTP_TTL" env-default:"5m"`
	MaxAttempts int           `env:"OTP_MAX_ATTEMPTS" env-default:"5"`
}

// RateLimit policies are written as "limit/window", e.g. "5/1m".
type RateLimit struct {
	Register       string `env:"RATE_LIMIT_REGISTER" env-default:"5/1m"`
	Login          string `env:"RATE_LIMIT_LOGIN" env-default:"10/1m"`
	Refresh        string `env:"RATE_LIMIT_REFRESH" env-default:"20/1m"`
	ForgotPassword string `env:"RATE_LIMIT_FORGOT_PASSWORD" env-default:"3/1m"`
	VerifyOTP      string `env:"RATE_LIMIT_VERIFY_OTP" env-default:"10/1m"`
	ResetPassword  string `env:"RATE_LIMIT_RESET_PASSWORD" env-default:"5/1m"`
	Requests       string `env:"RATE_LIMIT_REQUESTS" env-default:"120/1m" env-description:"per-IP ceiling across /accounts; 0/1m disables"`
}

// Limits are the parsed RateLimit policies.
type Limits struct {
	Register       ratelimit.Policy
	Login          ratelimit.Policy
	Refresh        ratelimit.Policy
	ForgotPassword ratelimit.Policy
	VerifyOTP      ratelimit.Policy
	ResetPassword  ratelimit.Policy
	Requests       ratelimit.Policy
}

// Parse decodes every policy, naming the variable that failed.
func (r RateLimit) Parse() (Limits, error) {
	var l Limits
	fields := []struct {
		env string
		raw string
		dst *ratelimit.Policy
	}{
		{"RATE_LIMIT_REGISTER", r.Register, &l.Register},
		{"RATE_LIMIT_LOGIN", r.Login, &l.Login},
		{"RATE_LIMIT_REFRESH", r.Refresh, &l.Refresh},
		{"RATE_LIMIT_FORGOT_PASSWORD", r.ForgotPassword, &l.ForgotPassword},
		{"RATE_LIMIT_VERIFY_OTP", r.VerifyOTP, &l.VerifyOTP},
		{"RATE_LIMIT_RESET_PASSWORD", r.ResetPassword, &l.ResetPassword},
		{"RATE_LIMIT_REQUESTS", r.Requests, &l.Requests},
	}
	for _, f := range fields {
		p, err := ratelimit.ParsePolicy(f.raw)
		if err != nil {
			return Limits{}, fmt.Errorf("%s: %w", f.env, err)
		}
		*f.dst = p
	}
	return l, nil
}

type Notify struct {
	WebhookURL string        `env:"NOTIFY_WEBHOOK_URL" env-description:"SMS gateway webhook; empty logs deliveries instead"`
	Timeout    time.Duration `env:"NOTIFY_TIMEOUT" env-default:"3s"`
}

type HTTPServer struct {
	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" env-default:"5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" env-default:"10s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" env-default:"120s"`
	ShutdownTimeout   time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	limits, err := cfg.RateLimit.Parse()
	if err != nil {
		return nil, err
	}
	cfg.Limits = limits
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.DatabaseURL == "" && c.IsProduction():
		return errors.New("DATABASE_URL is required in production")
	case c.JWT.AccessSecret == "" || c.JWT.RefreshSecret == "":
		return errors.New("JWT_SECRET and JWT_REFRESH_SECRET are required")
	case c.OTP.Salt == "":
		return errors.New("OTP_SALT is required")
	}
	if c.JWT.AccessSecret == c.JWT.RefreshSecret {
		return errors.New("JWT_SECRET and JWT_REFRESH_SECRET must differ")
	}
	if c.OTP.MaxAttempts <= 0 {
		return errors.New("OTP_MAX_ATTEMPTS must be positive")
	}
	if c.OTP.TTL <= 0 || c.JWT.AccessTTL <= 0 || c.JWT.RefreshTTL <= 0 {
		return errors.New("OTP_TTL, JWT_ACCESS_TTL and JWT_REFRESH_TTL must be positive")
	}
	return nil
}

// IsProduction reports whether APP_ENV names a production deployment.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Usage describes every environment variable.
func Usage() string {
	header := "Environment variables:"
	desc, err := cleanenv.GetDescription(&Config{}, &header)
	if err != nil {
		return err.Error()
	}
	return desc
}
