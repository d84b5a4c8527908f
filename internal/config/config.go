package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the voice assistant.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	SIPServer      string // registrar host or host:port (e.g. "pbx.example.com:5060")
	SIPUsername    string
	SIPPassword    string
	SIPDisplayName string
	SIPTransport   string // "udp" or "tcp"
	SIPPort        int    // local SIP listen port
	RTPPortMin     int
	RTPPortMax     int
	ExternalIP     string // IP to advertise in SDP (auto-detected if empty)

	RegisterExpiry int // requested REGISTER expiry in seconds

	OpenAIAPIKey string
	OpenAIModel  string
	OpenAIVoice  string

	HomeAssistantURL   string
	HomeAssistantToken string

	CallerConfigPath string // path to callers.yaml
	ToolConfigPath   string // path to tools.yaml

	LogLevel  string
	LogFormat string // log output format: "text" or "json"
}

// defaults
const (
	defaultSIPDisplayName = "Voice Assistant"
	defaultSIPTransport   = "udp"
	defaultSIPPort        = 5060
	defaultRTPPortMin     = 10000
	defaultRTPPortMax     = 20000
	defaultRegisterExpiry = 300
	defaultOpenAIModel    = "gpt-realtime"
	defaultOpenAIVoice    = "alloy"
	defaultHomeAssistant  = "http://localhost:8123"
	defaultCallerConfig   = "config/callers.yaml"
	defaultToolConfig     = "config/tools.yaml"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
)

// envPrefix is the prefix for all environment variables.
const envPrefix = "HAVOICE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("havoice", flag.ContinueOnError)

	fs.StringVar(&cfg.SIPServer, "sip-server", "", "SIP registrar host or host:port")
	fs.StringVar(&cfg.SIPUsername, "sip-username", "", "SIP account username")
	fs.StringVar(&cfg.SIPPassword, "sip-password", "", "SIP account password")
	fs.StringVar(&cfg.SIPDisplayName, "sip-display-name", defaultSIPDisplayName, "display name used in SIP From headers")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp)")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "local SIP listen port")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP media")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP media")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "IP address to advertise in SDP (auto-detected if empty)")
	fs.IntVar(&cfg.RegisterExpiry, "register-expiry", defaultRegisterExpiry, "requested REGISTER expiry in seconds")
	fs.StringVar(&cfg.OpenAIAPIKey, "openai-api-key", "", "OpenAI API key for the realtime session")
	fs.StringVar(&cfg.OpenAIModel, "openai-model", defaultOpenAIModel, "OpenAI realtime model name")
	fs.StringVar(&cfg.OpenAIVoice, "openai-voice", defaultOpenAIVoice, "voice used for assistant speech")
	fs.StringVar(&cfg.HomeAssistantURL, "homeassistant-url", defaultHomeAssistant, "base URL of the Home Assistant instance")
	fs.StringVar(&cfg.HomeAssistantToken, "homeassistant-token", "", "long-lived access token for the Home Assistant API")
	fs.StringVar(&cfg.CallerConfigPath, "caller-config", defaultCallerConfig, "path to the caller profile YAML file")
	fs.StringVar(&cfg.ToolConfigPath, "tool-config", defaultToolConfig, "path to the tool definition YAML file")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	// The supervisor injects a token in add-on deployments; use it when no
	// explicit token is configured.
	if cfg.HomeAssistantToken == "" {
		cfg.HomeAssistantToken = os.Getenv("SUPERVISOR_TOKEN")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"sip-server":          envPrefix + "SIP_SERVER",
		"sip-username":        envPrefix + "SIP_USERNAME",
		"sip-password":        envPrefix + "SIP_PASSWORD",
		"sip-display-name":    envPrefix + "SIP_DISPLAY_NAME",
		"sip-transport":       envPrefix + "SIP_TRANSPORT",
		"sip-port":            envPrefix + "SIP_PORT",
		"rtp-port-min":        envPrefix + "RTP_PORT_MIN",
		"rtp-port-max":        envPrefix + "RTP_PORT_MAX",
		"external-ip":         envPrefix + "EXTERNAL_IP",
		"register-expiry":     envPrefix + "REGISTER_EXPIRY",
		"openai-api-key":      envPrefix + "OPENAI_API_KEY",
		"openai-model":        envPrefix + "OPENAI_MODEL",
		"openai-voice":        envPrefix + "OPENAI_VOICE",
		"homeassistant-url":   envPrefix + "HOMEASSISTANT_URL",
		"homeassistant-token": envPrefix + "HOMEASSISTANT_TOKEN",
		"caller-config":       envPrefix + "CALLER_CONFIG",
		"tool-config":         envPrefix + "TOOL_CONFIG",
		"log-level":           envPrefix + "LOG_LEVEL",
		"log-format":          envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "sip-server":
			cfg.SIPServer = val
		case "sip-username":
			cfg.SIPUsername = val
		case "sip-password":
			cfg.SIPPassword = val
		case "sip-display-name":
			cfg.SIPDisplayName = val
		case "sip-transport":
			cfg.SIPTransport = val
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "rtp-port-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMin = v
			}
		case "rtp-port-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMax = v
			}
		case "external-ip":
			cfg.ExternalIP = val
		case "register-expiry":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RegisterExpiry = v
			}
		case "openai-api-key":
			cfg.OpenAIAPIKey = val
		case "openai-model":
			cfg.OpenAIModel = val
		case "openai-voice":
			cfg.OpenAIVoice = val
		case "homeassistant-url":
			cfg.HomeAssistantURL = val
		case "homeassistant-token":
			cfg.HomeAssistantToken = val
		case "caller-config":
			cfg.CallerConfigPath = val
		case "tool-config":
			cfg.ToolConfigPath = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.SIPServer == "" {
		return fmt.Errorf("sip-server is required")
	}
	if c.SIPUsername == "" {
		return fmt.Errorf("sip-username is required")
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("openai-api-key is required")
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP ports must be even (RTP uses even ports, RTCP uses the next odd port).
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}
	if c.RegisterExpiry < 60 {
		return fmt.Errorf("register-expiry must be at least 60 seconds, got %d", c.RegisterExpiry)
	}
	transport := strings.ToLower(c.SIPTransport)
	if transport != "udp" && transport != "tcp" {
		return fmt.Errorf("sip-transport must be udp or tcp, got %q", c.SIPTransport)
	}
	c.SIPTransport = transport

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// SIPServerHost returns the registrar hostname without any port suffix.
func (c *Config) SIPServerHost() string {
	if host, _, err := net.SplitHostPort(c.SIPServer); err == nil {
		return host
	}
	return c.SIPServer
}

// SIPServerAddr returns the registrar address as host:port, applying the
// default SIP port when none is given.
func (c *Config) SIPServerAddr() string {
	if _, _, err := net.SplitHostPort(c.SIPServer); err == nil {
		return c.SIPServer
	}
	return net.JoinHostPort(c.SIPServer, "5060")
}

// MediaIP returns the IP address to use in SDP answers. If ExternalIP is
// configured, it is returned directly. Otherwise the function attempts to
// detect the machine's primary non-loopback IPv4 address. Falls back to
// "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
