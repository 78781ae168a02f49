package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for chatcore.
type Config struct {
	// Relay WebSocket endpoint, ws:// or wss://.
	RelayURL string `env:"RELAY_URL"`

	// Relay HTTP API base. Derived from RELAY_URL when empty.
	RelayAPIURL string `env:"RELAY_API_URL"`

	// Identity of this client as known to the relay.
	UserID string `env:"CHAT_USER_ID"`

	// Credential. At most one of these may be set; when neither is, the
	// last accepted token in the state file is used.
	Token     string `env:"CHAT_TOKEN"`
	TokenFile string `env:"CHAT_TOKEN_FILE"`

	// Conversation opened at startup. PeerID is required with it.
	ConversationID string `env:"CHAT_CONVERSATION_ID"`
	PeerID         string `env:"CHAT_PEER_ID"`

	// bbolt state file. Defaults to ~/.chatcore/state.db.
	StatePath string `env:"STATE_PATH"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// allow or block sending to recipients without a known key.
	PlaintextPolicy string `env:"PLAINTEXT_POLICY" envDefault:"allow"`

	SendAckTimeout      time.Duration `env:"SEND_ACK_TIMEOUT" envDefault:"10s"`
	ConnectTimeout      time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"15s"`

	// Calls
	ICEServersFile string `env:"ICE_SERVERS_FILE"`
	EnableMedia    bool   `env:"ENABLE_MEDIA" envDefault:"true"`
	iceServers     []ICEServer

	// MCP server settings (required when MCP is enabled)
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAPIKey     string `env:"MCP_API_KEY"`
}

// ICEServer is one STUN or TURN server entry.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// mcpAPIKeyMinLen is the shortest accepted MCP_API_KEY.
const mcpAPIKeyMinLen = 16

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.RelayAPIURL == "" {
		apiURL, err := deriveAPIURL(cfg.RelayURL)
		if err != nil {
			return nil, err
		}

		cfg.RelayAPIURL = apiURL
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	if cfg.ICEServersFile != "" {
		servers, err := LoadICEServers(cfg.ICEServersFile)
		if err != nil {
			return nil, err
		}

		cfg.iceServers = servers
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.RelayURL == "" {
		return fmt.Errorf("RELAY_URL is required")
	}

	u, err := url.Parse(c.RelayURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("RELAY_URL must be a ws:// or wss:// URL")
	}

	if c.UserID == "" {
		return fmt.Errorf("CHAT_USER_ID is required")
	}

	if c.Token != "" && c.TokenFile != "" {
		return fmt.Errorf("CHAT_TOKEN and CHAT_TOKEN_FILE are mutually exclusive")
	}

	if c.ConversationID != "" && c.PeerID == "" {
		return fmt.Errorf("CHAT_PEER_ID is required when CHAT_CONVERSATION_ID is set")
	}

	switch c.PlaintextPolicy {
	case "allow", "block":
	default:
		return fmt.Errorf("PLAINTEXT_POLICY must be allow or block, got %q", c.PlaintextPolicy)
	}

	for name, d := range map[string]time.Duration{
		"SEND_ACK_TIMEOUT":      c.SendAckTimeout,
		"CONNECT_TIMEOUT":       c.ConnectTimeout,
		"HEALTH_CHECK_INTERVAL": c.HealthCheckInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.EnableMCP {
		if c.MCPAPIKey == "" {
			return fmt.Errorf("MCP_API_KEY is required when MCP is enabled")
		}

		if len(c.MCPAPIKey) < mcpAPIKeyMinLen {
			return fmt.Errorf("MCP_API_KEY too short (minimum %d characters)", mcpAPIKeyMinLen)
		}
	}

	return nil
}

// deriveAPIURL maps ws(s)://host/anything to http(s)://host.
func deriveAPIURL(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("parsing RELAY_URL: %w", err)
	}

	scheme := "https"
	if u.Scheme == "ws" {
		scheme = "http"
	}

	return (&url.URL{Scheme: scheme, Host: u.Host}).String(), nil
}

// DefaultStatePath returns ~/.chatcore/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chatcore", "state.db"), nil
}

// LoadICEServers reads a YAML file of the form
//
//	iceServers:
//	  - urls: ["stun:stun.example.com:3478"]
//	  - urls: ["turn:turn.example.com"]
//	    username: user
//	    credential: secret
func LoadICEServers(path string) ([]ICEServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ICE servers file: %w", err)
	}

	var doc struct {
		ICEServers []ICEServer `yaml:"iceServers"`
	}

	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing ICE servers file: %w", err)
	}

	for i, s := range doc.ICEServers {
		if len(s.URLs) == 0 {
			return nil, fmt.Errorf("ICE server %d has no urls", i+1)
		}

		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") &&
				!strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return nil, fmt.Errorf("ICE server %d: unsupported url %q", i+1, u)
			}
		}
	}

	return doc.ICEServers, nil
}

// ICEServers returns the servers loaded from ICE_SERVERS_FILE.
func (c *Config) ICEServers() []ICEServer {
	return c.iceServers
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
