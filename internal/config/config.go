// Package config loads relay settings from the environment using Viper.
package config

import (
	"errors"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds relay configuration loaded from the environment.
type Config struct {
	// Host and Port form the HTTP listen address.
	Host string `mapstructure:"HOST"`
	Port string `mapstructure:"PORT"`
	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`

	// DataDir holds the users file and the signing secret unless overridden.
	DataDir string `mapstructure:"DATA_DIR"`
	// UsersFile is the JSON credential store written by cmd/createuser.
	UsersFile string `mapstructure:"USERS_FILE"`
	// JWTSecret overrides the secret file when set.
	JWTSecret string `mapstructure:"JWT_SECRET"`
	// JWTSecretFile is read, or generated, when JWTSecret is empty.
	JWTSecretFile string        `mapstructure:"JWT_SECRET_FILE"`
	TokenTTL      time.Duration `mapstructure:"TOKEN_TTL"`

	// SessionDB is the sqlite DSN of the whatsmeow device store.
	SessionDB            string        `mapstructure:"SESSION_DB"`
	MaxQRAttempts        int           `mapstructure:"MAX_QR_ATTEMPTS"`
	ReconnectDelay       time.Duration `mapstructure:"RECONNECT_DELAY"`
	MaxReconnectAttempts int           `mapstructure:"MAX_RECONNECT_ATTEMPTS"`
	RestartDelay         time.Duration `mapstructure:"RESTART_DELAY"`
	PollInterval         time.Duration `mapstructure:"POLL_INTERVAL"`
	MessageBuffer        int           `mapstructure:"MESSAGE_BUFFER"`
	ProfilePictureTTL    time.Duration `mapstructure:"PROFILE_PICTURE_TTL"`
	// QRTerminal prints every QR code to stdout as well.
	QRTerminal bool `mapstructure:"QR_TERMINAL"`

	MaxUploadMB    int64   `mapstructure:"MAX_UPLOAD_MB"`
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
	// CORSOrigins is a comma-separated allow list, "*" allows any origin.
	CORSOrigins string `mapstructure:"CORS_ORIGINS"`
	// TrustProxy takes client addresses from X-Forwarded-For and X-Real-IP.
	// Only enable it behind a proxy that overwrites those headers.
	TrustProxy bool `mapstructure:"TRUST_PROXY"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	// WebhookURL receives incoming text messages; empty disables forwarding.
	WebhookURL     string        `mapstructure:"WEBHOOK_URL"`
	WebhookTimeout time.Duration `mapstructure:"WEBHOOK_TIMEOUT"`
}

// Load builds and validates Config from the environment via Viper.
// Call godotenv first if values should come from a .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("HOST", "")
	v.SetDefault("PORT", "8080")
	v.SetDefault("TLS_CERT_FILE", "")
	v.SetDefault("TLS_KEY_FILE", "")
	v.SetDefault("DATA_DIR", "data")
	v.SetDefault("USERS_FILE", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_SECRET_FILE", "")
	v.SetDefault("TOKEN_TTL", "8h")
	v.SetDefault("SESSION_DB", "file:store/whatsapp.db?_foreign_keys=on")
	v.SetDefault("MAX_QR_ATTEMPTS", 5)
	v.SetDefault("RECONNECT_DELAY", "5s")
	v.SetDefault("MAX_RECONNECT_ATTEMPTS", 5)
	v.SetDefault("RESTART_DELAY", "2s")
	v.SetDefault("POLL_INTERVAL", "5s")
	v.SetDefault("MESSAGE_BUFFER", 500)
	v.SetDefault("PROFILE_PICTURE_TTL", "1h")
	v.SetDefault("QR_TERMINAL", true)
	v.SetDefault("MAX_UPLOAD_MB", 16)
	v.SetDefault("RATE_LIMIT_RPS", 10)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("TRUST_PROXY", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("WEBHOOK_URL", "")
	v.SetDefault("WEBHOOK_TIMEOUT", "120s")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.UsersFile == "" {
		cfg.UsersFile = filepath.Join(cfg.DataDir, "users.json")
	}
	if cfg.JWTSecretFile == "" {
		cfg.JWTSecretFile = filepath.Join(cfg.DataDir, ".jwt_secret")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the relay cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Port == "":
		return errors.New("config: PORT must be set")
	case c.TokenTTL <= 0:
		return errors.New("config: TOKEN_TTL must be positive")
	case c.MaxQRAttempts <= 0:
		return errors.New("config: MAX_QR_ATTEMPTS must be positive")
	case c.ReconnectDelay <= 0:
		return errors.New("config: RECONNECT_DELAY must be positive")
	case c.MaxReconnectAttempts <= 0:
		return errors.New("config: MAX_RECONNECT_ATTEMPTS must be positive")
	case c.RestartDelay < 0:
		return errors.New("config: RESTART_DELAY must not be negative")
	case c.PollInterval <= 0:
		return errors.New("config: POLL_INTERVAL must be positive")
	case c.MessageBuffer <= 0:
		return errors.New("config: MESSAGE_BUFFER must be positive")
	case c.MaxUploadMB <= 0:
		return errors.New("config: MAX_UPLOAD_MB must be positive")
	case c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0:
		return errors.New("config: RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	case (c.TLSCertFile == "") != (c.TLSKeyFile == ""):
		return errors.New("config: TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// TLSEnabled reports whether the server should serve HTTPS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// MaxUploadBytes is the multipart size limit for send-media.
func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}

// AllowedOrigins splits CORSOrigins into a list.
func (c *Config) AllowedOrigins() []string {
	parts := strings.Split(c.CORSOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
