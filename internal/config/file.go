package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// fileConfig is the optional TOML layer. Values it defines sit between the
// built-in defaults and the environment.
type fileConfig struct {
	ListenAddr      string `toml:"listen_addr"`
	Mode            string `toml:"mode"`
	LogFormat       string `toml:"log_format"`
	LogLevel        string `toml:"log_level"`
	ShutdownTimeout string `toml:"shutdown_timeout"`

	Relay struct {
		AllowedOrigins       []string `toml:"allowed_origins"`
		PingInterval         string   `toml:"ping_interval"`
		IdleTimeout          string   `toml:"idle_timeout"`
		MaxMessageBytes      int64    `toml:"max_message_bytes"`
		MaxMessagesPerSecond int      `toml:"max_messages_per_second"`
	} `toml:"relay"`

	Client struct {
		QueueMaxBytes int    `toml:"queue_max_bytes"`
		RedialMin     string `toml:"redial_min"`
		RedialMax     string `toml:"redial_max"`
		DialTimeout   string `toml:"dial_timeout"`
		WriteTimeout  string `toml:"write_timeout"`
		Origin        string `toml:"origin"`
	} `toml:"client"`

	Peer struct {
		Local            string   `toml:"local"`
		Remote           string   `toml:"remote"`
		Message          string   `toml:"message"`
		ICEGatherTimeout string   `toml:"ice_gather_timeout"`
		ConnectTimeout   string   `toml:"connect_timeout"`
		WebRTCLogLevel   string   `toml:"webrtc_log_level"`
		ICEServersJSON   string   `toml:"ice_servers_json"`
		STUNURLs         []string `toml:"stun_urls"`
		TURNURLs         []string `toml:"turn_urls"`
		TURNUsername     string   `toml:"turn_username"`
		TURNCredential   string   `toml:"turn_credential"`
	} `toml:"peer"`
}

// loadFile decodes path and returns the values it defines keyed by the
// environment variable they stand in for.
func loadFile(path string) (map[string]string, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load config file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("load config file %s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	out := make(map[string]string)
	set := func(env string, v string, key ...string) {
		if meta.IsDefined(key...) {
			out[env] = v
		}
	}

	set(EnvListenAddr, raw.ListenAddr, "listen_addr")
	set(EnvMode, raw.Mode, "mode")
	set(EnvLogFormat, raw.LogFormat, "log_format")
	set(EnvLogLevel, raw.LogLevel, "log_level")
	set(EnvShutdownTimeout, raw.ShutdownTimeout, "shutdown_timeout")

	set(EnvAllowedOrigins, strings.Join(raw.Relay.AllowedOrigins, ","), "relay", "allowed_origins")
	set(EnvPingInterval, raw.Relay.PingInterval, "relay", "ping_interval")
	set(EnvIdleTimeout, raw.Relay.IdleTimeout, "relay", "idle_timeout")
	set(EnvMaxMessageBytes, strconv.FormatInt(raw.Relay.MaxMessageBytes, 10), "relay", "max_message_bytes")
	set(EnvMaxMessagesPerSecond, strconv.Itoa(raw.Relay.MaxMessagesPerSecond), "relay", "max_messages_per_second")

	set(EnvQueueMaxBytes, strconv.Itoa(raw.Client.QueueMaxBytes), "client", "queue_max_bytes")
	set(EnvRedialMin, raw.Client.RedialMin, "client", "redial_min")
	set(EnvRedialMax, raw.Client.RedialMax, "client", "redial_max")
	set(EnvDialTimeout, raw.Client.DialTimeout, "client", "dial_timeout")
	set(EnvWriteTimeout, raw.Client.WriteTimeout, "client", "write_timeout")
	set(EnvClientOrigin, raw.Client.Origin, "client", "origin")

	set(EnvLocal, raw.Peer.Local, "peer", "local")
	set(EnvRemote, raw.Peer.Remote, "peer", "remote")
	set(EnvMessage, raw.Peer.Message, "peer", "message")
	set(EnvICEGatherTimeout, raw.Peer.ICEGatherTimeout, "peer", "ice_gather_timeout")
	set(EnvConnectTimeout, raw.Peer.ConnectTimeout, "peer", "connect_timeout")
	set(EnvWebRTCLogLevel, raw.Peer.WebRTCLogLevel, "peer", "webrtc_log_level")
	set(EnvICEServersJSON, raw.Peer.ICEServersJSON, "peer", "ice_servers_json")
	set(EnvSTUNURLs, strings.Join(raw.Peer.STUNURLs, ","), "peer", "stun_urls")
	set(EnvTURNURLs, strings.Join(raw.Peer.TURNURLs, ","), "peer", "turn_urls")
	set(EnvTURNUsername, raw.Peer.TURNUsername, "peer", "turn_username")
	set(EnvTURNCredential, raw.Peer.TURNCredential, "peer", "turn_credential")

	return out, nil
}

// layered prefers non-empty environment values and falls back to the file.
func layered(env func(string) (string, bool), file map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := env(key); ok && strings.TrimSpace(v) != "" {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}
}

// configFilePath finds --config before the flag set is parsed, since the file
// supplies flag defaults. The last occurrence wins, as with flag parsing.
func configFilePath(lookup func(string) (string, bool), args []string) string {
	path, _ := lookup(EnvConfigFile)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" || arg == "-" || !strings.HasPrefix(arg, "-") {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if hasValue {
			if name == "config" {
				path = value
			}
			continue
		}
		// Every flag in the set takes a value, so the next argument is it.
		if i+1 < len(args) {
			i++
			if name == "config" {
				path = args[i]
			}
		}
	}
	return strings.TrimSpace(path)
}
