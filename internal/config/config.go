package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/linkup/internal/linkup"
	"github.com/wilsonzlin/aero/proxy/linkup/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/linkup/internal/origin"
	"github.com/wilsonzlin/aero/proxy/linkup/internal/signaling"
)

const (
	EnvConfigFile      = "LINKUP_CONFIG_FILE"
	EnvListenAddr      = "LINKUP_LISTEN_ADDR"
	EnvMode            = "LINKUP_MODE"
	EnvLogFormat       = "LINKUP_LOG_FORMAT"
	EnvLogLevel        = "LINKUP_LOG_LEVEL"
	EnvShutdownTimeout = "LINKUP_SHUTDOWN_TIMEOUT"

	// Relay server.
	EnvAllowedOrigins       = "LINKUP_ALLOWED_ORIGINS"
	EnvPingInterval         = "LINKUP_PING_INTERVAL"
	EnvIdleTimeout          = "LINKUP_IDLE_TIMEOUT"
	EnvMaxMessageBytes      = "LINKUP_MAX_MESSAGE_BYTES"
	EnvMaxMessagesPerSecond = "LINKUP_MAX_MESSAGES_PER_SECOND"

	// Client connections to relays.
	EnvQueueMaxBytes = "LINKUP_QUEUE_MAX_BYTES"
	EnvRedialMin     = "LINKUP_REDIAL_MIN"
	EnvRedialMax     = "LINKUP_REDIAL_MAX"
	EnvDialTimeout   = "LINKUP_DIAL_TIMEOUT"
	EnvWriteTimeout  = "LINKUP_WRITE_TIMEOUT"
	EnvClientOrigin  = "LINKUP_CLIENT_ORIGIN"

	// Peer.
	EnvLocal            = "LINKUP_LOCAL"
	EnvRemote           = "LINKUP_REMOTE"
	EnvMessage          = "LINKUP_MESSAGE"
	EnvICEGatherTimeout = "LINKUP_ICE_GATHER_TIMEOUT"
	EnvConnectTimeout   = "LINKUP_CONNECT_TIMEOUT"
	EnvWebRTCLogLevel   = "LINKUP_WEBRTC_LOG_LEVEL"
)

const (
	DefaultListenAddr = "127.0.0.1:8080"
	DefaultMode       = ModeDev
	DefaultShutdown   = 15 * time.Second

	DefaultICEGatherTimeout = 10 * time.Second
	DefaultConnectTimeout   = 30 * time.Second
	DefaultWebRTCLogLevel   = "warn"
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

// Config covers both binaries. Each reads the sections it needs; the shared
// flag set means either accepts every flag.
type Config struct {
	ConfigFile      string
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	Relay  RelayConfig
	Client ClientConfig
	Peer   PeerConfig
}

type RelayConfig struct {
	AllowedOrigins       []string
	PingInterval         time.Duration
	IdleTimeout          time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

// SignalingConfig builds the relay server configuration.
func (c RelayConfig) SignalingConfig(logger *slog.Logger, m *metrics.Metrics) signaling.Config {
	return signaling.Config{
		Logger:               logger,
		Metrics:              m,
		AllowedOrigins:       c.AllowedOrigins,
		PingInterval:         c.PingInterval,
		IdleTimeout:          c.IdleTimeout,
		MaxMessageBytes:      c.MaxMessageBytes,
		MaxMessagesPerSecond: c.MaxMessagesPerSecond,
	}
}

type ClientConfig struct {
	QueueMaxBytes int
	RedialMin     time.Duration
	RedialMax     time.Duration
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	// Origin is sent on websocket handshakes to relays that enforce an
	// allowlist.
	Origin string
}

// ManagerOptions builds linkup options dialing relays with gorilla/websocket.
func (c ClientConfig) ManagerOptions(logger *slog.Logger, m *metrics.Metrics) linkup.Options {
	return linkup.Options{
		Dialer: linkup.WebSocketDialer{
			Origin:       c.Origin,
			WriteTimeout: c.WriteTimeout,
		},
		Logger:        logger,
		Metrics:       m,
		QueueMaxBytes: c.QueueMaxBytes,
		RedialMin:     c.RedialMin,
		RedialMax:     c.RedialMax,
		DialTimeout:   c.DialTimeout,
	}
}

type PeerConfig struct {
	Local   linkup.Endpoint
	Remote  linkup.Endpoint
	Message string

	ICEServers       []webrtc.ICEServer
	ICEGatherTimeout time.Duration
	ConnectTimeout   time.Duration
	WebRTCLogLevel   string
}

// Validate checks the settings only the peer binary needs.
func (c PeerConfig) Validate() error {
	if !c.Local.Valid() {
		return fmt.Errorf("%s/--local is required (e.g. wss://relay.example/my-id)", EnvLocal)
	}
	return nil
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(envLookup func(string) (string, bool), args []string) (Config, error) {
	configFile := configFilePath(envLookup, args)
	lookup := envLookup
	if configFile != "" {
		fileValues, err := loadFile(configFile)
		if err != nil {
			return Config{}, err
		}
		lookup = layered(envLookup, fileValues)
	}

	envMode, _ := lookup(EnvMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}
	envLogFormat, envLogFormatOK := lookup(EnvLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	envLogLevel, envLogLevelOK := lookup(EnvLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""

	listenAddr := envOrDefault(lookup, EnvListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, EnvAllowedOrigins, "")
	clientOrigin := envOrDefault(lookup, EnvClientOrigin, "")
	localStr := envOrDefault(lookup, EnvLocal, "")
	remoteStr := envOrDefault(lookup, EnvRemote, "")
	message := envOrDefault(lookup, EnvMessage, "")
	webrtcLogLevel := envOrDefault(lookup, EnvWebRTCLogLevel, DefaultWebRTCLogLevel)

	var ice ICEConfig
	ice.ServersJSON = envOrDefault(lookup, EnvICEServersJSON, "")
	ice.STUNURLs = envOrDefault(lookup, EnvSTUNURLs, "")
	ice.TURNURLs = envOrDefault(lookup, EnvTURNURLs, "")
	ice.TURNUsername = envOrDefault(lookup, EnvTURNUsername, "")
	ice.TURNCredential = envOrDefault(lookup, EnvTURNCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, EnvShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, EnvPingInterval, signaling.DefaultPingInterval)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, EnvIdleTimeout, signaling.DefaultIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes, err := envInt64OrDefault(lookup, EnvMaxMessageBytes, signaling.DefaultMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, EnvMaxMessagesPerSecond, signaling.DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	queueMaxBytes, err := envIntOrDefault(lookup, EnvQueueMaxBytes, linkup.DefaultQueueMaxBytes)
	if err != nil {
		return Config{}, err
	}
	redialMin, err := envDurationOrDefault(lookup, EnvRedialMin, linkup.DefaultRedialMin)
	if err != nil {
		return Config{}, err
	}
	redialMax, err := envDurationOrDefault(lookup, EnvRedialMax, linkup.DefaultRedialMax)
	if err != nil {
		return Config{}, err
	}
	dialTimeout, err := envDurationOrDefault(lookup, EnvDialTimeout, linkup.DefaultDialTimeout)
	if err != nil {
		return Config{}, err
	}
	writeTimeout, err := envDurationOrDefault(lookup, EnvWriteTimeout, linkup.DefaultWriteTimeout)
	if err != nil {
		return Config{}, err
	}
	iceGatherTimeout, err := envDurationOrDefault(lookup, EnvICEGatherTimeout, DefaultICEGatherTimeout)
	if err != nil {
		return Config{}, err
	}
	connectTimeout, err := envDurationOrDefault(lookup, EnvConnectTimeout, DefaultConnectTimeout)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("linkup", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&configFile, "config", configFile, "Optional TOML config file (env "+EnvConfigFile+")")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", "", "Log format: text or json (default depends on mode)")
	fs.StringVar(&logLevelStr, "log-level", "", "Log level: debug, info, warn, error (default depends on mode)")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated browser origins allowed to connect; * allows any (env "+EnvAllowedOrigins+")")
	fs.DurationVar(&pingInterval, "ping-interval", pingInterval, "Send relay ping messages at this interval (must be < --idle-timeout; env "+EnvPingInterval+")")
	fs.DurationVar(&idleTimeout, "idle-timeout", idleTimeout, "Close relay connections silent for this long (env "+EnvIdleTimeout+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound relay message size in bytes (env "+EnvMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-messages-per-second", maxMessagesPerSecond, "Max inbound relay messages per second per connection (env "+EnvMaxMessagesPerSecond+")")

	fs.IntVar(&queueMaxBytes, "queue-max-bytes", queueMaxBytes, "Max queued outbound bytes per relay connection; negative = unbounded (env "+EnvQueueMaxBytes+")")
	fs.DurationVar(&redialMin, "redial-min", redialMin, "Initial delay before redialing a dropped relay (env "+EnvRedialMin+")")
	fs.DurationVar(&redialMax, "redial-max", redialMax, "Max delay between relay redials (env "+EnvRedialMax+")")
	fs.DurationVar(&dialTimeout, "dial-timeout", dialTimeout, "Relay websocket dial timeout (env "+EnvDialTimeout+")")
	fs.DurationVar(&writeTimeout, "write-timeout", writeTimeout, "Relay websocket write timeout (env "+EnvWriteTimeout+")")
	fs.StringVar(&clientOrigin, "client-origin", clientOrigin, "Origin header sent when dialing relays (env "+EnvClientOrigin+")")

	fs.StringVar(&localStr, "local", localStr, "Local linkup endpoint URL to listen on, e.g. wss://relay.example/my-id (env "+EnvLocal+")")
	fs.StringVar(&remoteStr, "remote", remoteStr, "Remote linkup endpoint URL to call; omit to only answer (env "+EnvRemote+")")
	fs.StringVar(&message, "message", message, "Text to send over the data channel once open (env "+EnvMessage+")")
	fs.DurationVar(&iceGatherTimeout, "ice-gather-timeout", iceGatherTimeout, "Max time to wait for ICE gathering (env "+EnvICEGatherTimeout+")")
	fs.DurationVar(&connectTimeout, "connect-timeout", connectTimeout, "Max time to wait for the data channel to open (env "+EnvConnectTimeout+")")
	fs.StringVar(&webrtcLogLevel, "webrtc-log-level", webrtcLogLevel, "pion log level: trace, debug, info, warn, error, disabled (env "+EnvWebRTCLogLevel+")")
	fs.StringVar(&ice.ServersJSON, "ice-servers-json", ice.ServersJSON, "ICE server JSON config ("+EnvICEServersJSON+")")
	fs.StringVar(&ice.STUNURLs, "stun-urls", ice.STUNURLs, "comma-separated STUN URLs ("+EnvSTUNURLs+")")
	fs.StringVar(&ice.TURNURLs, "turn-urls", ice.TURNURLs, "comma-separated TURN URLs ("+EnvTURNURLs+")")
	fs.StringVar(&ice.TURNUsername, "turn-username", ice.TURNUsername, "TURN username ("+EnvTURNUsername+")")
	fs.StringVar(&ice.TURNCredential, "turn-credential", ice.TURNCredential, "TURN credential ("+EnvTURNCredential+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	// Log defaults follow the final mode unless set explicitly.
	if logFormatStr == "" {
		logFormatStr = envLogFormat
		if !envLogFormatSet {
			logFormatStr = defaultLogFormatForMode(string(mode))
		}
	}
	if logLevelStr == "" {
		logLevelStr = envLogLevel
		if !envLogLevelSet {
			logLevelStr = defaultLogLevelForMode(string(mode))
		}
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(listenAddr) == "" {
		return Config{}, fmt.Errorf("%s/--listen-addr must not be empty", EnvListenAddr)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", EnvShutdownTimeout)
	}
	if pingInterval <= 0 || idleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s and %s must be > 0", EnvPingInterval, EnvIdleTimeout)
	}
	if pingInterval >= idleTimeout {
		return Config{}, fmt.Errorf("%s (%s) must be < %s (%s)", EnvPingInterval, pingInterval, EnvIdleTimeout, idleTimeout)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-message-bytes must be > 0", EnvMaxMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-messages-per-second must be > 0", EnvMaxMessagesPerSecond)
	}
	if queueMaxBytes == 0 {
		return Config{}, fmt.Errorf("%s/--queue-max-bytes must not be 0 (use a negative value for unbounded)", EnvQueueMaxBytes)
	}
	if redialMin <= 0 || redialMax < redialMin {
		return Config{}, fmt.Errorf("%s/%s must satisfy 0 < min <= max (got %s, %s)", EnvRedialMin, EnvRedialMax, redialMin, redialMax)
	}
	if dialTimeout <= 0 || writeTimeout <= 0 {
		return Config{}, fmt.Errorf("%s and %s must be > 0", EnvDialTimeout, EnvWriteTimeout)
	}
	if iceGatherTimeout <= 0 || connectTimeout <= 0 {
		return Config{}, fmt.Errorf("%s and %s must be > 0", EnvICEGatherTimeout, EnvConnectTimeout)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", EnvAllowedOrigins, "--allowed-origins", err)
	}
	if strings.TrimSpace(clientOrigin) != "" {
		normalized, _, ok := origin.Normalize(clientOrigin)
		if !ok {
			return Config{}, fmt.Errorf("invalid %s/%s %q", EnvClientOrigin, "--client-origin", clientOrigin)
		}
		clientOrigin = normalized
	}

	local, err := parseEndpoint(EnvLocal, "--local", localStr)
	if err != nil {
		return Config{}, err
	}
	remote, err := parseEndpoint(EnvRemote, "--remote", remoteStr)
	if err != nil {
		return Config{}, err
	}
	if err := validateWebRTCLogLevel(webrtcLogLevel); err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q: %w", EnvWebRTCLogLevel, "--webrtc-log-level", webrtcLogLevel, err)
	}

	iceServers, err := ice.Servers()
	if err != nil {
		return Config{}, err
	}

	return Config{
		ConfigFile:      configFile,
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Relay: RelayConfig{
			AllowedOrigins:       allowedOrigins,
			PingInterval:         pingInterval,
			IdleTimeout:          idleTimeout,
			MaxMessageBytes:      maxMessageBytes,
			MaxMessagesPerSecond: maxMessagesPerSecond,
		},
		Client: ClientConfig{
			QueueMaxBytes: queueMaxBytes,
			RedialMin:     redialMin,
			RedialMax:     redialMax,
			DialTimeout:   dialTimeout,
			WriteTimeout:  writeTimeout,
			Origin:        clientOrigin,
		},
		Peer: PeerConfig{
			Local:            local,
			Remote:           remote,
			Message:          message,
			ICEServers:       iceServers,
			ICEGatherTimeout: iceGatherTimeout,
			ConnectTimeout:   connectTimeout,
			WebRTCLogLevel:   strings.ToLower(strings.TrimSpace(webrtcLogLevel)),
		},
	}, nil
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

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
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

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
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
		return 0, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func validateWebRTCLogLevel(raw string) error {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace", "debug", "info", "warn", "error", "disabled":
		return nil
	default:
		return fmt.Errorf("expected trace, debug, info, warn, error or disabled")
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range splitCommaSeparated(raw) {
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}

func parseEndpoint(envName, flagName, raw string) (linkup.Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return linkup.Endpoint{}, nil
	}
	ep := linkup.ParseEndpoint(raw)
	if !ep.Valid() {
		return linkup.Endpoint{}, fmt.Errorf("invalid %s/%s %q (expected <server-url>/<linkup-id>)", envName, flagName, raw)
	}
	if !strings.HasPrefix(ep.ServerURL, "ws://") && !strings.HasPrefix(ep.ServerURL, "wss://") {
		return linkup.Endpoint{}, fmt.Errorf("invalid %s/%s %q (expected ws:// or wss://)", envName, flagName, raw)
	}
	return ep, nil
}
