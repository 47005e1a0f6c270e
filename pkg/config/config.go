package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config holds gateway configuration resolved from the environment.
type Config struct {
	// Port the gateway HTTP/WebSocket surface listens on.
	Port string

	// NINABaseURL is the imaging host, e.g. "http://astro-pc". The WebSocket
	// feed lives at ws://<host>:<port>/v2/socket and the history endpoint at
	// http://<host>:<port>/api/nina/event-history.
	NINABaseURL       string
	NINAAPIPort       int
	NINATimeout       time.Duration
	NINARetryAttempts int

	// NINATimezoneOffset is applied to upstream timestamps that carry no
	// offset of their own. Format "-05:00".
	NINATimezoneOffset string
	NINALocation       *time.Location

	// DatabasePath is the gateway's own SQLite file (event log + state).
	DatabasePath string

	// SchedulerDatabasePath is the target-scheduler SQLite file, opened
	// read-only. Empty disables the scheduler views.
	SchedulerDatabasePath string

	MaxDashboardClients int
	EventReplayWindow   int
}

// Load resolves gateway configuration from the environment. It returns an
// error only for values that make the gateway unable to boot.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                  GetEnv("PORT", "8080"),
		NINABaseURL:           GetEnv("NINA_BASE_URL", "http://localhost"),
		NINAAPIPort:           GetEnvInt("NINA_API_PORT", 1888),
		NINATimeout:           GetEnvDuration("NINA_TIMEOUT", 10*time.Second),
		NINARetryAttempts:     GetEnvInt("NINA_RETRY_ATTEMPTS", 10),
		NINATimezoneOffset:    GetEnv("NINA_TIMEZONE_OFFSET", "-05:00"),
		DatabasePath:          GetEnv("DATABASE_PATH", "./skywatch.db"),
		SchedulerDatabasePath: GetEnv("SCHEDULER_DATABASE_PATH", ""),
		MaxDashboardClients:   GetEnvInt("MAX_DASHBOARD_CLIENTS", 100),
		EventReplayWindow:     GetEnvInt("EVENT_REPLAY_WINDOW", 20),
	}

	loc, err := ParseUTCOffset(cfg.NINATimezoneOffset)
	if err != nil {
		return nil, fmt.Errorf("invalid NINA_TIMEZONE_OFFSET %q: %w", cfg.NINATimezoneOffset, err)
	}
	cfg.NINALocation = loc

	if cfg.MaxDashboardClients <= 0 {
		return nil, fmt.Errorf("MAX_DASHBOARD_CLIENTS must be positive, got %d", cfg.MaxDashboardClients)
	}
	if cfg.EventReplayWindow <= 0 {
		return nil, fmt.Errorf("EVENT_REPLAY_WINDOW must be positive, got %d", cfg.EventReplayWindow)
	}

	return cfg, nil
}

// NINASocketURL returns the upstream WebSocket endpoint.
func (c *Config) NINASocketURL() string {
	return fmt.Sprintf("ws://%s:%d/v2/socket", c.ninaHost(), c.NINAAPIPort)
}

// NINAHistoryURL returns the upstream event history endpoint.
func (c *Config) NINAHistoryURL() string {
	return fmt.Sprintf("http://%s:%d/api/nina/event-history", c.ninaHost(), c.NINAAPIPort)
}

func (c *Config) ninaHost() string {
	host := c.NINABaseURL
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimPrefix(host, "https://")
	return strings.TrimSuffix(host, "/")
}

// ParseUTCOffset parses an offset of the form "-05:00" or "+01:30" into a
// fixed time.Location.
func ParseUTCOffset(offset string) (*time.Location, error) {
	s := strings.TrimSpace(offset)
	if s == "" || s == "Z" {
		return time.UTC, nil
	}
	sign := 1
	switch s[0] {
	case '-':
		sign = -1
		s = s[1:]
	case '+':
		s = s[1:]
	}
	parts := strings.SplitN(s, ":", 2)
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("bad hours: %w", err)
	}
	minutes := 0
	if len(parts) == 2 {
		minutes, err = strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("bad minutes: %w", err)
		}
	}
	if hours > 14 || minutes > 59 {
		return nil, fmt.Errorf("offset out of range")
	}
	seconds := sign * (hours*3600 + minutes*60)
	return time.FixedZone(offset, seconds), nil
}
