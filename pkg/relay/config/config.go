package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

var defaultCORSOrigins = []string{
	"http://localhost:5173",
	"http://localhost:5174",
	"https://nnicholas-c.github.io",
}

type Config struct {
	Addr string

	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// If true, the client address is taken from X-Forwarded-For / X-Real-IP.
	// Only enable behind a trusted proxy.
	TrustProxyHeaders bool

	// Daily call quota.
	DailySessionLimit int
	RateLimitLocation *time.Location

	TranscriptDir string

	// Voice agent.
	DeepgramAPIKey      string
	DeepgramAgentURL    string
	AgentProfilePath    string
	AgentPromptPath     string
	UpstreamDialTimeout time.Duration
	UpstreamKeepAlive   time.Duration

	// Call WebSocket.
	WSMaxMessageBytes  int64
	WSPingInterval     time.Duration
	WSWriteTimeout     time.Duration
	WSHandshakeTimeout time.Duration
	MaxPictureBytes    int64

	// Transcript handoff targets; each is optional.
	AnalyzerCommand    string
	AnalyzerArgs       []string
	AnalyzerDir        string
	CloudFunctionURL   string
	CloudUploadTimeout time.Duration
	NATSURL            string
	NATSSubject        string

	// Optional Postgres mirror of finalized transcripts.
	DatabaseURL string

	FinalizeTimeout time.Duration

	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration

	LogLevel  slog.Level
	LogFormat string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("CIVICGRID_ADDR", ":3000"),
		CORSAllowedOrigins:  make(map[string]struct{}),
		TrustProxyHeaders:   envBoolOr("CIVICGRID_TRUST_PROXY_HEADERS", false),
		DailySessionLimit:   envIntOr("CIVICGRID_DAILY_SESSION_LIMIT", 100),
		TranscriptDir:       envOr("CIVICGRID_TRANSCRIPT_DIR", "transcripts"),
		DeepgramAPIKey:      envOr("DEEPGRAM_API_KEY", ""),
		DeepgramAgentURL:    envOr("CIVICGRID_DEEPGRAM_AGENT_URL", ""),
		AgentProfilePath:    envOr("CIVICGRID_AGENT_PROFILE", ""),
		AgentPromptPath:     envOr("CIVICGRID_AGENT_PROMPT_FILE", ""),
		UpstreamDialTimeout: envDurationOr("CIVICGRID_UPSTREAM_DIAL_TIMEOUT", 10*time.Second),
		UpstreamKeepAlive:   envDurationOr("CIVICGRID_UPSTREAM_KEEPALIVE", 5*time.Second),
		WSMaxMessageBytes:   envInt64Or("CIVICGRID_WS_MAX_MESSAGE_BYTES", 12<<20), // 12 MiB
		WSPingInterval:      envDurationOr("CIVICGRID_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:      envDurationOr("CIVICGRID_WS_WRITE_TIMEOUT", 5*time.Second),
		WSHandshakeTimeout:  envDurationOr("CIVICGRID_WS_HANDSHAKE_TIMEOUT", 5*time.Second),
		MaxPictureBytes:     envInt64Or("CIVICGRID_MAX_PICTURE_BYTES", 8<<20), // 8 MiB of base64
		AnalyzerCommand:     envOr("CIVICGRID_ANALYZER_CMD", ""),
		AnalyzerArgs:        splitCSV(os.Getenv("CIVICGRID_ANALYZER_ARGS")),
		AnalyzerDir:         envOr("CIVICGRID_ANALYZER_DIR", ""),
		CloudFunctionURL:    envOr("CIVICGRID_CLOUD_FUNCTION_URL", ""),
		CloudUploadTimeout:  envDurationOr("CIVICGRID_CLOUD_UPLOAD_TIMEOUT", 10*time.Second),
		NATSURL:             envOr("CIVICGRID_NATS_URL", ""),
		NATSSubject:         envOr("CIVICGRID_NATS_SUBJECT", "civicgrid.transcript.finalized"),
		DatabaseURL:         envOr("CIVICGRID_DATABASE_URL", envOr("DATABASE_URL", "")),
		FinalizeTimeout:     envDurationOr("CIVICGRID_FINALIZE_TIMEOUT", 5*time.Second),
		ReadHeaderTimeout:   envDurationOr("CIVICGRID_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:         envDurationOr("CIVICGRID_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod: envDurationOr("CIVICGRID_SHUTDOWN_GRACE_PERIOD", 15*time.Second),
		LogFormat:           strings.ToLower(envOr("CIVICGRID_LOG_FORMAT", "text")),
	}

	origins := defaultCORSOrigins
	if raw, ok := os.LookupEnv("CIVICGRID_CORS_ORIGINS"); ok {
		origins = splitCSV(raw)
	}
	for _, origin := range origins {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	tz := envOr("CIVICGRID_RATE_LIMIT_TZ", "Local")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Config{}, fmt.Errorf("CIVICGRID_RATE_LIMIT_TZ: %w", err)
	}
	cfg.RateLimitLocation = loc

	if err := cfg.LogLevel.UnmarshalText([]byte(envOr("CIVICGRID_LOG_LEVEL", "info"))); err != nil {
		return Config{}, fmt.Errorf("CIVICGRID_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("CIVICGRID_LOG_FORMAT must be one of text|json")
	}

	if strings.TrimSpace(cfg.DeepgramAPIKey) == "" {
		return Config{}, fmt.Errorf("DEEPGRAM_API_KEY must be set")
	}
	if cfg.DailySessionLimit < 1 {
		return Config{}, fmt.Errorf("CIVICGRID_DAILY_SESSION_LIMIT must be >= 1")
	}
	if strings.TrimSpace(cfg.TranscriptDir) == "" {
		return Config{}, fmt.Errorf("CIVICGRID_TRANSCRIPT_DIR must not be empty")
	}
	if cfg.UpstreamDialTimeout <= 0 {
		return Config{}, fmt.Errorf("CIVICGRID_UPSTREAM_DIAL_TIMEOUT must be > 0")
	}
	if cfg.UpstreamKeepAlive <= 0 {
		return Config{}, fmt.Errorf("CIVICGRID_UPSTREAM_KEEPALIVE must be > 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("CIVICGRID_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("CIVICGRID_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("CIVICGRID_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("CIVICGRID_WS_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.MaxPictureBytes <= 0 {
		return Config{}, fmt.Errorf("CIVICGRID_MAX_PICTURE_BYTES must be > 0")
	}
	if cfg.MaxPictureBytes > cfg.WSMaxMessageBytes {
		return Config{}, fmt.Errorf("CIVICGRID_MAX_PICTURE_BYTES must be <= CIVICGRID_WS_MAX_MESSAGE_BYTES")
	}
	if cfg.CloudUploadTimeout <= 0 {
		return Config{}, fmt.Errorf("CIVICGRID_CLOUD_UPLOAD_TIMEOUT must be > 0")
	}
	if cfg.NATSURL != "" && strings.TrimSpace(cfg.NATSSubject) == "" {
		return Config{}, fmt.Errorf("CIVICGRID_NATS_SUBJECT must not be empty when CIVICGRID_NATS_URL is set")
	}
	if cfg.FinalizeTimeout <= 0 {
		return Config{}, fmt.Errorf("CIVICGRID_FINALIZE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("CIVICGRID_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("CIVICGRID_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CIVICGRID_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// ReadinessIssues lists configuration gaps that do not stop the relay from
// serving calls but leave part of it idle.
func (c Config) ReadinessIssues() []string {
	var issues []string
	if c.AnalyzerCommand == "" && c.CloudFunctionURL == "" && c.NATSURL == "" {
		issues = append(issues, "no transcript handoff target configured")
	}
	return issues
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
