package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"github.com/BurntSushi/toml"
)

// Config represents the TOML configuration structure
type Config struct {
	Server struct {
		Host     string `toml:"host"`
		MaxQueue int    `toml:"max_queue"`
	} `toml:"server"`

	Model struct {
		Config string `toml:"config"`
	} `toml:"model"`

	Sampling struct {
		Solver      string   `toml:"solver"`
		Steps       int      `toml:"steps"`
		Shift       float64  `toml:"shift"`
		GuideScale  *float64 `toml:"guide_scale"`
		CFGZeroStep *int     `toml:"cfg_zero_step"`
	} `toml:"sampling"`

	Memory struct {
		Offload  *bool `toml:"offload"`
		TileSize int   `toml:"tile_size"`
	} `toml:"memory"`

	Logging struct {
		Debug int `toml:"debug"`
	} `toml:"logging"`
}

var (
	configOnce sync.Once
	config     *Config
	configPath string
)

// GetConfigPaths returns the list of possible config file paths for the current OS.
// VIDEOGEN_CONFIG, when set, is the only candidate.
func GetConfigPaths() []string {
	if p := clean("VIDEOGEN_CONFIG"); p != "" {
		return []string{p}
	}

	var paths []string

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths, filepath.Join(appData, "videogen", "config.toml"))
		}
		if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
			paths = append(paths, filepath.Join(userProfile, ".videogen", "config.toml"))
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err == nil {
			paths = append(paths,
				filepath.Join(home, "Library", "Application Support", "videogen", "config.toml"),
				filepath.Join(home, ".config", "videogen", "config.toml"),
				filepath.Join(home, ".videogen", "config.toml"),
			)
		}
	default: // Linux and others
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			paths = append(paths, filepath.Join(xdgConfig, "videogen", "config.toml"))
		}
		home, err := os.UserHomeDir()
		if err == nil {
			paths = append(paths,
				filepath.Join(home, ".config", "videogen", "config.toml"),
				filepath.Join(home, ".videogen", "config.toml"),
			)
		}
		paths = append(paths, "/etc/videogen/config.toml")
	}

	return paths
}

// loadConfig loads the first available configuration file
func loadConfig() (*Config, string, error) {
	for _, path := range GetConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			var cfg Config
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, "", fmt.Errorf("error parsing config file %s: %w", path, err)
			}
			return &cfg, path, nil
		}
	}
	return nil, "", nil
}

// ReloadFileConfig forgets the loaded file so the next lookup reads it again.
func ReloadFileConfig() {
	configOnce = sync.Once{}
	config, configPath = nil, ""
}

// ConfigPath returns the path of the loaded config file, if any.
func ConfigPath() string {
	GetConfigValue("")
	return configPath
}

// GetConfigValue returns the value for a given environment variable key from the config file
func GetConfigValue(key string) string {
	configOnce.Do(func() {
		var err error
		config, configPath, err = loadConfig()
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
		} else if config != nil {
			slog.Debug("loaded config file", "path", configPath)
		}
	})

	if config == nil {
		return ""
	}

	// Map environment variables to config values
	switch key {
	case "OLLAMA_HOST":
		return config.Server.Host
	case "VIDEOGEN_MAX_QUEUE":
		if config.Server.MaxQueue > 0 {
			return strconv.Itoa(config.Server.MaxQueue)
		}
	case "VIDEOGEN_MODEL_CONFIG":
		return config.Model.Config
	case "VIDEOGEN_SOLVER":
		return config.Sampling.Solver
	case "VIDEOGEN_STEPS":
		if config.Sampling.Steps > 0 {
			return strconv.Itoa(config.Sampling.Steps)
		}
	case "VIDEOGEN_SHIFT":
		if config.Sampling.Shift > 0 {
			return strconv.FormatFloat(config.Sampling.Shift, 'g', -1, 64)
		}
	case "VIDEOGEN_GUIDE_SCALE":
		if config.Sampling.GuideScale != nil {
			return strconv.FormatFloat(*config.Sampling.GuideScale, 'g', -1, 64)
		}
	case "VIDEOGEN_CFG_ZERO_STEP":
		if config.Sampling.CFGZeroStep != nil {
			return strconv.Itoa(*config.Sampling.CFGZeroStep)
		}
	case "VIDEOGEN_OFFLOAD":
		if config.Memory.Offload != nil {
			return strconv.FormatBool(*config.Memory.Offload)
		}
	case "VIDEOGEN_TILE_SIZE":
		if config.Memory.TileSize > 0 {
			return strconv.Itoa(config.Memory.TileSize)
		}
	case "OLLAMA_DEBUG":
		if config.Logging.Debug > 0 {
			return strconv.Itoa(config.Logging.Debug)
		}
	}

	return ""
}

// GenerateExampleConfig returns a commented example TOML configuration
func GenerateExampleConfig() string {
	return `# videogen configuration file
# Environment variables take precedence over the values below.

[server]
# Network binding address (default: "127.0.0.1:11435")
host = "127.0.0.1:11435"
# Maximum number of queued generation requests (default: 4)
max_queue = 4

[model]
# Path to the model config.json
config = "/path/to/config.json"

[sampling]
# Solver: "unipc", "dpm++" or "euler" (default: "unipc")
solver = "unipc"
# Number of sampling steps (default: 40)
steps = 40
# Noise schedule shift (default: 5)
shift = 5.0
# Classifier-free guidance scale (default: 5)
guide_scale = 5.0
# Steps whose guided prediction is zeroed (default: 5)
cfg_zero_step = 5

[memory]
# Offload weights and latents between steps (default: true)
offload = true
# VAE decode tile size in latent cells, 0 disables tiling (default: 0)
tile_size = 0

[logging]
# 1 enables debug logging, 2 adds per-step traces (default: 0)
debug = 0
`
}
