package config

import (
	"log"
	"os"
	"strings"
	"time"
)

type BridgeConfig struct {
	DiscordBotToken string
	RelayURL        string
	RelayAPIURL     string
	DataDir         string
	// BridgeDataDir is where the bot persists its own state (the generated
	// identity). DataDir may be a read-only shared mount; this one must be
	// writable. Defaults to DataDir when unset.
	BridgeDataDir      string
	EventLogDir        string
	ConfigPollInterval time.Duration
	KeepaliveInterval  time.Duration
	MaxReconnectDelay  time.Duration
	LogLevel           string
}

type RelayServerConfig struct {
	HTTPPort         string
	Env              string
	DataDir          string
	FederationConfig string
	LogLevel         string
	Storage          StorageConfig
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	PublicURL string
}

func (s StorageConfig) Enabled() bool {
	return s.Endpoint != "" && s.AccessKey != "" && s.SecretKey != "" && s.Bucket != ""
}

func LoadBridge() *BridgeConfig {
	dataDir := getEnv("DATA_DIR", "data")
	return &BridgeConfig{
		DiscordBotToken:    strings.TrimSpace(getEnv("DISCORD_BOT_TOKEN", "")),
		RelayURL:           getEnv("RELAY_URL", "ws://localhost:8420/ws"),
		RelayAPIURL:        getEnv("RELAY_API_URL", "http://localhost:8420"),
		DataDir:            dataDir,
		BridgeDataDir:      getEnv("BRIDGE_DATA_DIR", dataDir),
		EventLogDir:        getEnv("EVENT_LOG_DIR", ""),
		ConfigPollInterval: getDuration("CONFIG_POLL_INTERVAL", 30*time.Second),
		KeepaliveInterval:  getDuration("KEEPALIVE_INTERVAL", 30*time.Second),
		MaxReconnectDelay:  getDuration("MAX_RECONNECT_DELAY", time.Minute),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}
}

func LoadRelayServer() *RelayServerConfig {
	storage := StorageConfig{
		Endpoint:  getEnv("STORAGE_ENDPOINT", ""),
		AccessKey: getEnv("STORAGE_ACCESS_KEY", ""),
		SecretKey: getEnv("STORAGE_SECRET_KEY", ""),
		Bucket:    getEnv("STORAGE_BUCKET", ""),
		Region:    getEnv("STORAGE_REGION", ""),
		UseSSL:    getEnv("STORAGE_USE_SSL", "false") == "true",
		PublicURL: getEnv("STORAGE_PUBLIC_URL", ""),
	}

	return &RelayServerConfig{
		HTTPPort:         getEnv("HTTP_PORT", "8420"),
		Env:              getEnv("APP_ENV", "development"),
		DataDir:          getEnv("DATA_DIR", "data"),
		FederationConfig: getEnv("FEDERATION_CONFIG", "relay.yaml"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		Storage:          storage,
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("invalid %s=%q, using %s", key, v, def)
		return def
	}
	return d
}

func MustLoadBridge() *BridgeConfig {
	cfg := LoadBridge()
	if cfg.DiscordBotToken == "" {
		log.Fatal("DISCORD_BOT_TOKEN required")
	}
	if cfg.RelayURL == "" || cfg.RelayAPIURL == "" {
		log.Fatal("RELAY_URL and RELAY_API_URL required")
	}
	return cfg
}

func MustLoadRelayServer() *RelayServerConfig {
	cfg := LoadRelayServer()
	if cfg.HTTPPort == "" {
		log.Fatal("HTTP_PORT required")
	}
	return cfg
}
