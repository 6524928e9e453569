package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "STATIONLINK_LISTEN_ADDR"
	envVarPublicBaseURL   = "STATIONLINK_PUBLIC_BASE_URL"
	envVarMode            = "STATIONLINK_MODE"
	envVarLogFormat       = "STATIONLINK_LOG_FORMAT"
	envVarLogLevel        = "STATIONLINK_LOG_LEVEL"
	envVarShutdownTimeout = "STATIONLINK_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Token verification. Exactly one key-resolution strategy must be
	// configured when AUTH_MODE=token; see internal/auth.
	envVarAuthMode         = "AUTH_MODE"
	envVarAuthJWKSURL      = "AUTH_JWKS_URL"
	envVarAuthPublicKey    = "AUTH_PUBLIC_KEY"
	envVarAuthPublicKeyAlg = "AUTH_PUBLIC_KEY_ALG"
	envVarAuthSecret       = "AUTH_SECRET"
	envVarAuthIssuer       = "AUTH_ISSUER"
	envVarAuthAudience     = "AUTH_AUDIENCE"
	envVarAuthClockSkew    = "AUTH_CLOCK_SKEW"

	// Directory store (Redis). When REDIS_ADDR is empty the broker runs with
	// the in-process store, which is only correct for single-instance
	// deployments.
	envVarRedisAddr      = "REDIS_ADDR"
	envVarRedisPassword  = "REDIS_PASSWORD"
	envVarRedisDB        = "REDIS_DB"
	envVarRedisKeyPrefix = "REDIS_KEY_PREFIX"

	// Telemetry ingress (NATS). Disabled when NATS_URL is empty.
	envVarNATSURL                = "NATS_URL"
	envVarTelemetrySubjectPrefix = "TELEMETRY_SUBJECT_PREFIX"

	// Signaling / WebSocket hardening.
	envVarSignalingAuthTimeout          = "SIGNALING_AUTH_TIMEOUT"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// Lifecycle timers and TTLs.
	envVarSessionTTL            = "SESSION_TTL"
	envVarStationTTL            = "STATION_TTL"
	envVarStatusFlushInterval   = "STATUS_FLUSH_INTERVAL"
	envVarStatusStalenessWindow = "STATUS_STALENESS_WINDOW"
	envVarMonitorPushInterval   = "MONITOR_PUSH_INTERVAL"

	// coturn TURN REST (ephemeral) credentials for /webrtc/ice.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultAuthMode  AuthMode = AuthModeToken
	DefaultClockSkew          = 30 * time.Second

	DefaultRedisKeyPrefix         = "stationlink"
	DefaultTelemetrySubjectPrefix = "stations"

	DefaultSignalingAuthTimeout          = 2 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	// DefaultSessionTTL is a crash-safety backstop: sessions are replaced on
	// new logins, not expired in normal operation.
	DefaultSessionTTL = 7 * 24 * time.Hour
	// DefaultStationTTL is likewise a backstop; the primary station lifecycle
	// control is explicit cleanup on transport close.
	DefaultStationTTL = 60 * time.Second

	DefaultStatusFlushInterval   = 1 * time.Second
	DefaultStatusStalenessWindow = 15 * time.Second
	DefaultMonitorPushInterval   = 2 * time.Second

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "stationlink"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone  AuthMode = "none"
	AuthModeToken AuthMode = "token"
)

type AuthConfig struct {
	Mode AuthMode

	// Key-resolution strategies, tried in fixed priority:
	// JWKSURL > PublicKeyPEM > Secret.
	JWKSURL      string
	PublicKeyPEM string
	PublicKeyAlg string
	Secret       string

	Issuer    string
	Audience  []string
	ClockSkew time.Duration
}

// KeyMaterialCount reports how many key-resolution strategies are configured.
func (a AuthConfig) KeyMaterialCount() int {
	n := 0
	if strings.TrimSpace(a.JWKSURL) != "" {
		n++
	}
	if strings.TrimSpace(a.PublicKeyPEM) != "" {
		n++
	}
	if strings.TrimSpace(a.Secret) != "" {
		n++
	}
	return n
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

type TelemetryConfig struct {
	NATSURL       string
	SubjectPrefix string
}

func (t TelemetryConfig) Enabled() bool {
	return strings.TrimSpace(t.NATSURL) != ""
}

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	Auth      AuthConfig
	Redis     RedisConfig
	Telemetry TelemetryConfig

	SignalingAuthTimeout          time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	SessionTTL            time.Duration
	StationTTL            time.Duration
	StatusFlushInterval   time.Duration
	StatusStalenessWindow time.Duration
	MonitorPushInterval   time.Duration

	ICEServers []ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if !envLogFormatOK || envLogFormat == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if !envLogLevelOK || envLogLevel == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	fs := flag.NewFlagSet("stationlink-signaling", flag.ContinueOnError)
	flagListenAddr := fs.String("listen-addr", envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "TCP listen address")
	flagMode := fs.String("mode", modeDefault, "deployment mode (dev|prod)")
	flagLogFormat := fs.String("log-format", logFormatDefault, "log format (text|json)")
	flagLogLevel := fs.String("log-level", logLevelDefault, "log level (debug|info|warn|error)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode := Mode(strings.ToLower(strings.TrimSpace(*flagMode)))
	switch mode {
	case ModeDev, ModeProd:
	default:
		return Config{}, fmt.Errorf("invalid mode %q (want dev|prod)", *flagMode)
	}

	logFormat := LogFormat(strings.ToLower(strings.TrimSpace(*flagLogFormat)))
	switch logFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return Config{}, fmt.Errorf("invalid log format %q (want text|json)", *flagLogFormat)
	}

	logLevel, err := parseLogLevel(*flagLogLevel)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	authModeStr := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	authMode := AuthMode(strings.ToLower(strings.TrimSpace(authModeStr)))
	switch authMode {
	case AuthModeNone, AuthModeToken:
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want none|token)", envVarAuthMode, authModeStr)
	}

	clockSkew, err := envDurationOrDefault(lookup, envVarAuthClockSkew, DefaultClockSkew)
	if err != nil {
		return Config{}, err
	}
	audience, err := parseAudience(envOrDefault(lookup, envVarAuthAudience, ""))
	if err != nil {
		return Config{}, err
	}

	auth := AuthConfig{
		Mode:         authMode,
		JWKSURL:      strings.TrimSpace(envOrDefault(lookup, envVarAuthJWKSURL, "")),
		PublicKeyPEM: envOrDefault(lookup, envVarAuthPublicKey, ""),
		PublicKeyAlg: strings.TrimSpace(envOrDefault(lookup, envVarAuthPublicKeyAlg, "")),
		Secret:       envOrDefault(lookup, envVarAuthSecret, ""),
		Issuer:       strings.TrimSpace(envOrDefault(lookup, envVarAuthIssuer, "")),
		Audience:     audience,
		ClockSkew:    clockSkew,
	}
	if auth.Mode == AuthModeToken && auth.KeyMaterialCount() == 0 {
		return Config{}, fmt.Errorf(
			"%s=token requires one of %s, %s or %s",
			envVarAuthMode, envVarAuthJWKSURL, envVarAuthPublicKey, envVarAuthSecret,
		)
	}

	redisDB, err := envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return Config{}, err
	}

	signalingAuthTimeout, err := envDurationOrDefault(lookup, envVarSignalingAuthTimeout, DefaultSignalingAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	maxMsgBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, int(DefaultMaxSignalingMessageBytes))
	if err != nil {
		return Config{}, err
	}
	maxMsgPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	sessionTTL, err := envDurationOrDefault(lookup, envVarSessionTTL, DefaultSessionTTL)
	if err != nil {
		return Config{}, err
	}
	stationTTL, err := envDurationOrDefault(lookup, envVarStationTTL, DefaultStationTTL)
	if err != nil {
		return Config{}, err
	}
	statusFlushInterval, err := envDurationOrDefault(lookup, envVarStatusFlushInterval, DefaultStatusFlushInterval)
	if err != nil {
		return Config{}, err
	}
	statusStalenessWindow, err := envDurationOrDefault(lookup, envVarStatusStalenessWindow, DefaultStatusStalenessWindow)
	if err != nil {
		return Config{}, err
	}
	monitorPushInterval, err := envDurationOrDefault(lookup, envVarMonitorPushInterval, DefaultMonitorPushInterval)
	if err != nil {
		return Config{}, err
	}

	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}

	cfg := Config{
		ListenAddr:      envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		PublicBaseURL:   envOrDefault(lookup, envVarPublicBaseURL, ""),
		AllowedOrigins:  splitCommaSeparated(envOrDefault(lookup, envVarAllowedOrigins, "")),
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		Auth: auth,
		Redis: RedisConfig{
			Addr:      strings.TrimSpace(envOrDefault(lookup, envVarRedisAddr, "")),
			Password:  envOrDefault(lookup, envVarRedisPassword, ""),
			DB:        redisDB,
			KeyPrefix: envOrDefault(lookup, envVarRedisKeyPrefix, DefaultRedisKeyPrefix),
		},
		Telemetry: TelemetryConfig{
			NATSURL:       strings.TrimSpace(envOrDefault(lookup, envVarNATSURL, "")),
			SubjectPrefix: envOrDefault(lookup, envVarTelemetrySubjectPrefix, DefaultTelemetrySubjectPrefix),
		},

		SignalingAuthTimeout:          signalingAuthTimeout,
		MaxSignalingMessageBytes:      int64(maxMsgBytes),
		MaxSignalingMessagesPerSecond: maxMsgPerSecond,

		SessionTTL:            sessionTTL,
		StationTTL:            stationTTL,
		StatusFlushInterval:   statusFlushInterval,
		StatusStalenessWindow: statusStalenessWindow,
		MonitorPushInterval:   monitorPushInterval,

		TURNREST: TurnRESTConfig{
			SharedSecret:   envOrDefault(lookup, envVarTURNRESTSharedSecret, ""),
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix),
			Realm:          envOrDefault(lookup, envVarTURNRESTRealm, ""),
		},
	}

	// Command-line overrides win over env for the flags we expose.
	cfg.ListenAddr = *flagListenAddr

	iceServers, iceErr := parseICEServersFromValues(
		envOrDefault(lookup, envICEServersJSON, ""),
		envOrDefault(lookup, envStunURLs, ""),
		envOrDefault(lookup, envTurnURLs, ""),
		envOrDefault(lookup, envTurnUsername, ""),
		envOrDefault(lookup, envTurnCredential, ""),
		cfg.TURNREST.Enabled(),
	)
	cfg.ICEServers = iceServers
	cfg.iceConfigErr = iceErr

	return cfg, nil
}

// parseAudience accepts either a comma-separated list or a JSON string array.
func parseAudience(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		out, err := parseJSONStringArray(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", envVarAuthAudience, raw, err)
		}
		return out, nil
	}
	return splitCommaSeparated(raw), nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q (want debug|info|warn|error)", raw)
	}
}
