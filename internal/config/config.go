package config

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all harness configuration
type Config struct {
	//Remote end configuration
	RemoteURL      string        `toml:"remote_url"`
	DebugHost      string        `toml:"debug_host"`
	DebugPort      string        `toml:"debug_port"`
	ConnectTimeout time.Duration `toml:"connect_timeout"`
	CommandTimeout time.Duration `toml:"command_timeout"`
	EventLimit     int           `toml:"event_limit"`

	//Local server launch, used when no remote URL is given
	ServerBinary string   `toml:"server_binary"`
	ServerArgs   []string `toml:"server_args"`

	//Image comparison
	Tolerance      uint8  `toml:"tolerance"`
	DiffDir        string `toml:"diff_dir"`
	ViewportWidth  int    `toml:"viewport_width"`
	ViewportHeight int    `toml:"viewport_height"`

	//Reference assets
	AssetDir      string        `toml:"asset_dir"`
	RedisAddr     string        `toml:"redis_addr"`
	RedisPassword string        `toml:"redis_password"`
	RedisDB       int           `toml:"redis_db"`
	AssetTTL      time.Duration `toml:"asset_ttl"`

	//Fake remote server
	ListenPort string `toml:"listen_port"`

	//Logging
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		DebugHost:      "localhost",
		DebugPort:      "9222",
		ConnectTimeout: 10 * time.Second,
		CommandTimeout: 10 * time.Second,
		EventLimit:     1024,
		ViewportWidth:  200,
		ViewportHeight: 200,
		AssetDir:       "testdata",
		AssetTTL:       1 * time.Hour,
		ListenPort:     "8080",
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load builds the configuration from defaults, the optional TOML file named by
// BIDI_HARNESS_CONFIG, and environment variables, in that order of precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("BIDI_HARNESS_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a TOML file over the defaults without looking at the environment
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys in config file %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) applyEnv() {
	c.RemoteURL = getEnv("BIDI_REMOTE_URL", c.RemoteURL)
	c.DebugHost = getEnv("BIDI_DEBUG_HOST", c.DebugHost)
	c.DebugPort = getEnv("BIDI_DEBUG_PORT", c.DebugPort)
	c.ConnectTimeout = getEnvAsDuration("BIDI_CONNECT_TIMEOUT", c.ConnectTimeout)
	c.CommandTimeout = getEnvAsDuration("BIDI_COMMAND_TIMEOUT", c.CommandTimeout)
	c.EventLimit = getEnvAsInt("BIDI_EVENT_LIMIT", c.EventLimit)

	c.ServerBinary = getEnv("BIDI_SERVER_BINARY", c.ServerBinary)
	if args := os.Getenv("BIDI_SERVER_ARGS"); args != "" {
		c.ServerArgs = strings.Fields(args)
	}

	c.Tolerance = uint8(getEnvAsInt("BIDI_TOLERANCE", int(c.Tolerance)))
	c.DiffDir = getEnv("BIDI_DIFF_DIR", c.DiffDir)

	c.AssetDir = getEnv("BIDI_ASSET_DIR", c.AssetDir)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvAsInt("REDIS_DB", c.RedisDB)
	c.AssetTTL = getEnvAsDuration("BIDI_ASSET_TTL", c.AssetTTL)

	c.ListenPort = getEnv("SERVER_PORT", c.ListenPort)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

// Validate rejects values the harness cannot work with
func (c *Config) Validate() error {
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive, got %s", c.ConnectTimeout)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive, got %s", c.CommandTimeout)
	}
	if c.ViewportWidth <= 0 || c.ViewportHeight <= 0 {
		return fmt.Errorf("viewport must be positive, got %dx%d", c.ViewportWidth, c.ViewportHeight)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log format must be text or json, got %q", c.LogFormat)
	}
	if c.RemoteURL != "" && !strings.HasPrefix(c.RemoteURL, "ws://") && !strings.HasPrefix(c.RemoteURL, "wss://") {
		return fmt.Errorf("remote URL must use ws:// or wss://, got %s", c.RemoteURL)
	}
	return nil
}

// Level parses LogLevel ("debug", "info", "warn", "error")
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func getEnv(key string, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}

	return duration
}

// FindChromium locates a Chromium binary for a launched server to drive
func FindChromium() (string, error) {

	// Check if CHROMIUM_PATH environment variable is set
	customPath := os.Getenv("CHROMIUM_PATH")
	if customPath != "" {

		// Validate the custom path exists
		if !fileExists(customPath) {
			return "", fmt.Errorf("chromium binary not found at path: %s", customPath)
		}

		// Validate the custom path is executable
		if !isExecutable(customPath) {
			return "", fmt.Errorf("chromium binary found but not executable: %s", customPath)
		}
		return customPath, nil
	}

	// Get current operating system
	currentOS := runtime.GOOS

	// Search through common paths for this OS
	for _, path := range getChromiumPaths(currentOS) {
		if fileExists(path) && isExecutable(path) {
			return path, nil
		}
	}

	// If we get here, chromium wasn't found anywhere
	return "", fmt.Errorf("chromium not found in common paths for %s, set CHROMIUM_PATH environment variable", currentOS)
}

// getChromiumPaths returns common Chromium installation paths based on OS.
func getChromiumPaths(operatingSystem string) []string {
	// macOS paths
	if operatingSystem == "darwin" {
		return []string{
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		}
	}

	// Linux paths
	if operatingSystem == "linux" {
		return []string{
			"/usr/bin/chromium-browser",
			"/usr/bin/chromium",
			"/usr/bin/google-chrome",
			"/snap/bin/chromium",
		}
	}

	// Unsupported OS
	return []string{}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode()&0o111 != 0
}
