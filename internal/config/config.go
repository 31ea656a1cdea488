package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/justinjstark/SmtpRouter/internal/relay"
	"github.com/justinjstark/SmtpRouter/internal/smtpserver"
)

type Config struct {
	SMTPAddr            string
	SMTPDomain          string
	SMTPAuthEnabled     bool
	SMTPAuthRequired    bool
	SMTPAuthAcceptAny   bool
	SMTPUsername        string
	SMTPPassword        string
	SMTPMaxMessageBytes int64
	SMTPMaxRecipients   int
	ProcessTimeout      time.Duration

	RelayHost     string
	RelayPort     int
	RelaySecurity string
	RelayUsername string
	RelayPassword string
	RelayHelo     string

	HTTPAddr string
	DBPath   string
	// JournalRetention is how long journal entries are kept. Zero keeps
	// them forever.
	JournalRetention time.Duration
	LogLevel         string
	LogFormat        string
	RoutesFile       string
}

func Load() Config {
	username := getEnvString("SMTP_USERNAME", "")
	return Config{
		SMTPAddr:            getEnvString("SMTP_ADDR", ":2525"),
		SMTPDomain:          getEnvString("SMTP_DOMAIN", "smtprouter"),
		SMTPAuthEnabled:     getEnvBool("SMTP_AUTH_ENABLED", true),
		SMTPAuthRequired:    getEnvBool("SMTP_AUTH_REQUIRED", false),
		SMTPAuthAcceptAny:   getEnvBool("SMTP_AUTH_ACCEPT_ANY", username == ""),
		SMTPUsername:        username,
		SMTPPassword:        getEnvString("SMTP_PASSWORD", ""),
		SMTPMaxMessageBytes: int64(getEnvInt("SMTP_MAX_MESSAGE_BYTES", 25<<20)),
		SMTPMaxRecipients:   getEnvInt("SMTP_MAX_RECIPIENTS", 100),
		ProcessTimeout:      getEnvDuration("PROCESS_TIMEOUT", 2*time.Minute),

		RelayHost:     getEnvString("RELAY_HOST", "localhost"),
		RelayPort:     getEnvInt("RELAY_PORT", 25),
		RelaySecurity: strings.ToLower(getEnvString("RELAY_SECURITY", string(relay.SecurityNone))),
		RelayUsername: getEnvString("RELAY_USERNAME", ""),
		RelayPassword: getEnvString("RELAY_PASSWORD", ""),
		RelayHelo:     getEnvString("RELAY_HELO", ""),

		HTTPAddr:         getEnvString("HTTP_ADDR", ":3025"),
		DBPath:           getEnvString("DB_PATH", ""),
		JournalRetention: getEnvDuration("JOURNAL_RETENTION", 7*24*time.Hour),
		LogLevel:         strings.ToLower(getEnvString("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(getEnvString("LOG_FORMAT", "text")),
		RoutesFile:       getEnvString("ROUTES_FILE", ""),
	}
}

// Server returns the inbound listener settings. SMTP_USERNAME, when set,
// is the only account accepted unless SMTP_AUTH_ACCEPT_ANY is true.
func (c Config) Server() smtpserver.Config {
	auth := smtpserver.AuthConfig{
		Enabled:   c.SMTPAuthEnabled,
		Required:  c.SMTPAuthEnabled && c.SMTPAuthRequired,
		AcceptAny: c.SMTPAuthAcceptAny,
	}
	if c.SMTPUsername != "" {
		auth.Users = map[string]string{c.SMTPUsername: c.SMTPPassword}
	}
	return smtpserver.Config{
		Addr:            c.SMTPAddr,
		Domain:          c.SMTPDomain,
		Auth:            auth,
		MaxMessageBytes: c.SMTPMaxMessageBytes,
		MaxRecipients:   c.SMTPMaxRecipients,
		ProcessTimeout:  c.ProcessTimeout,
	}
}

func (c Config) Relay() (relay.Config, error) {
	security, err := relay.ParseSecurity(c.RelaySecurity)
	if err != nil {
		return relay.Config{}, err
	}
	return relay.Config{
		Host:     c.RelayHost,
		Port:     c.RelayPort,
		Security: security,
		Username: c.RelayUsername,
		Password: c.RelayPassword,
		HeloName: c.RelayHelo,
	}, nil
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") and plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}
