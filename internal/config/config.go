// Package config loads the layered host configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/srymh/template-electron/pkg/ipc"
)

// Environment variables consulted by Load.
const (
	EnvConfig        = "TEMPLATE_ELECTRON_CONFIG"
	EnvConfigContent = "TEMPLATE_ELECTRON_CONFIG_CONTENT"
	EnvPort          = "TEMPLATE_ELECTRON_PORT"
	EnvLogLevel      = "TEMPLATE_ELECTRON_LOG_LEVEL"
	EnvDataDir       = "TEMPLATE_ELECTRON_DATA_DIR"
)

// Config is the full host configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Log       LogConfig       `json:"log"`
	Data      DataConfig      `json:"data"`
	Theme     ThemeConfig     `json:"theme"`
	MCP       MCPConfig       `json:"mcp"`
	AIChat    AIChatConfig    `json:"aiChat"`
	AIAgent   AIAgentConfig   `json:"aiAgent"`
	Kakeibo   DatabaseConfig  `json:"kakeibo"`
	Auth      DatabaseConfig  `json:"auth"`
	WebSocket WebSocketConfig `json:"websocket"`
}

type ServerConfig struct {
	Host string   `json:"host"`
	Port int      `json:"port"`
	CORS []string `json:"cors,omitempty"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LogConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
	File   bool   `json:"file"`
}

type DataConfig struct {
	Dir string `json:"dir"`
}

type ThemeConfig struct {
	// Source is the initial theme: system, light or dark.
	Source      string `json:"source"`
	AccentColor string `json:"accentColor"`
	// WatchFile is an optional JSON file {"theme":..,"accentColor":..}
	// watched for external changes.
	WatchFile string `json:"watchFile,omitempty"`
}

type MCPConfig struct {
	Port int `json:"port"`
}

type AIChatConfig struct {
	BaseURL string `json:"baseURL"`
	Model   string `json:"model"`
	APIKey  string `json:"apiKey,omitempty"`
}

type AIAgentConfig struct {
	Instructions string   `json:"instructions,omitempty"`
	BaseURL      string   `json:"baseURL"`
	Model        string   `json:"model"`
	APIKey       string   `json:"apiKey,omitempty"`
	Temperature  *float32 `json:"temperature,omitempty"`
	MCPServers   []string `json:"mcpServers,omitempty"`
}

type DatabaseConfig struct {
	Database string `json:"database"`
}

type WebSocketConfig struct {
	Path                 string `json:"path"`
	MaxReconnectAttempts int    `json:"maxReconnectAttempts"`
	ReconnectDelayMS     int    `json:"reconnectDelayMs"`
}

// ReconnectDelay returns the configured delay as a duration.
func (w WebSocketConfig) ReconnectDelay() time.Duration {
	return time.Duration(w.ReconnectDelayMS) * time.Millisecond
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 5174},
		Log:    LogConfig{Level: "info"},
		Data:   DataConfig{Dir: GetPaths().Data},
		Theme:  ThemeConfig{Source: "system", AccentColor: "#0078d4"},
		MCP:    MCPConfig{Port: 3001},
		AIChat: AIChatConfig{
			BaseURL: "http://localhost:11434/v1",
			Model:   "gpt-oss:20b-cloud",
		},
		AIAgent: AIAgentConfig{
			BaseURL: "http://localhost:11434/v1",
			Model:   "gpt-oss:20b-cloud",
		},
		Kakeibo: DatabaseConfig{Database: "kakeibo.db"},
		Auth:    DatabaseConfig{Database: "auth.db"},
		WebSocket: WebSocketConfig{
			Path:                 "/ws",
			MaxReconnectAttempts: 5,
			ReconnectDelayMS:     1000,
		},
	}
}

// Load builds the configuration from these layers, lowest priority first:
//  1. built-in defaults
//  2. global config (~/.config/template-electron/config.{json,jsonc,yaml,yml})
//  3. project config (<directory>/template-electron.{json,jsonc,yaml,yml})
//  4. TEMPLATE_ELECTRON_CONFIG file
//  5. TEMPLATE_ELECTRON_CONFIG_CONTENT inline JSON
//  6. environment variables
//
// A .env file in directory is loaded first; it never overrides variables
// that are already set. Branches merge key by key; a later layer's leaf
// replaces an earlier one.
func Load(directory string) (*Config, error) {
	if directory != "" {
		if err := godotenv.Load(filepath.Join(directory, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	base, err := toMap(Default())
	if err != nil {
		return nil, err
	}
	merged := ipc.Freeze(base)

	loaded := make(map[string]bool)
	apply := func(path, baseDir string) error {
		abs, err := filepath.Abs(path)
		if err != nil || loaded[abs] {
			return nil
		}
		layer, err := loadConfigFile(path, baseDir)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
		loaded[abs] = true
		merged = ipc.MergeTrees(merged, ipc.Freeze(layer))
		return nil
	}

	globalDir := GetPaths().Config
	for _, name := range configNames("config") {
		if err := apply(filepath.Join(globalDir, name), globalDir); err != nil {
			return nil, err
		}
	}

	if directory != "" {
		for _, name := range configNames(AppName) {
			if err := apply(filepath.Join(directory, name), directory); err != nil {
				return nil, err
			}
		}
	}

	if path := os.Getenv(EnvConfig); path != "" {
		if err := apply(path, filepath.Dir(path)); err != nil {
			return nil, err
		}
	}

	if content := os.Getenv(EnvConfigContent); content != "" {
		var inline map[string]any
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), &inline); err != nil {
			return nil, fmt.Errorf("%s: %w", EnvConfigContent, err)
		}
		merged = ipc.MergeTrees(merged, ipc.Freeze(inline))
	}

	cfg, err := fromMap(merged.Map())
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func configNames(stem string) []string {
	return []string{stem + ".json", stem + ".jsonc", stem + ".yaml", stem + ".yml"}
}

// loadConfigFile reads one layer. JSON files may carry comments; YAML is
// chosen by extension.
func loadConfigFile(path, baseDir string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	data = interpolate(data, baseDir)

	var layer map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &layer); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &layer); err != nil {
			return nil, err
		}
	}
	if layer == nil {
		layer = map[string]any{}
	}
	return layer, nil
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match
		}

		// Escape for a JSON string; trailing newline dropped.
		quoted, _ := json.Marshal(strings.TrimRight(string(content), "\r\n"))
		return string(quoted[1 : len(quoted)-1])
	})

	return []byte(str)
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]any) (*Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode merged config: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode merged config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv(EnvPort); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = n
		}
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		cfg.Log.Level = level
	}
	if dir := os.Getenv(EnvDataDir); dir != "" {
		cfg.Data.Dir = dir
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if cfg.AIChat.APIKey == "" {
			cfg.AIChat.APIKey = key
		}
		if cfg.AIAgent.APIKey == "" {
			cfg.AIAgent.APIKey = key
		}
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" {
		cfg.AIChat.BaseURL = url
		cfg.AIAgent.BaseURL = url
	}
}

// DataPath resolves name against the data directory unless it is absolute.
func (c *Config) DataPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Data.Dir, name)
}

// Save writes cfg as indented JSON.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
