package envconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/ollama/videogen/logutil"
)

var ErrInvalidHostPort = errors.New("invalid port specified in OLLAMA_HOST")

const defaultPort = "11435"

var (
	// Set via OLLAMA_DEBUG in the environment
	Debug bool
	// Set via OLLAMA_DEBUG=2 in the environment
	Trace bool
	// Set via VIDEOGEN_OFFLOAD in the environment
	Offload bool
	// Set via VIDEOGEN_SOLVER in the environment
	Solver string
	// Set via VIDEOGEN_STEPS in the environment
	Steps int
	// Set via VIDEOGEN_SHIFT in the environment
	Shift float64
	// Set via VIDEOGEN_GUIDE_SCALE in the environment
	GuideScale float64
	// Set via VIDEOGEN_CFG_ZERO_STEP in the environment
	CFGZeroStep int
	// Set via VIDEOGEN_TILE_SIZE in the environment
	TileSize int
	// Set via VIDEOGEN_MAX_QUEUE in the environment
	MaxQueue int
	// Set via VIDEOGEN_MODEL_CONFIG in the environment
	ModelConfig string
	// Set via OLLAMA_ORIGINS in the environment
	AllowOrigins []string
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"OLLAMA_DEBUG":           {"OLLAMA_DEBUG", Debug, "Show additional debug information (e.g. OLLAMA_DEBUG=1, OLLAMA_DEBUG=2 for per-step traces)"},
		"OLLAMA_HOST":            {"OLLAMA_HOST", "", "IP Address for the videogen server (default 127.0.0.1:" + defaultPort + ")"},
		"OLLAMA_ORIGINS":         {"OLLAMA_ORIGINS", AllowOrigins, "A comma separated list of allowed origins"},
		"VIDEOGEN_CONFIG":        {"VIDEOGEN_CONFIG", os.Getenv("VIDEOGEN_CONFIG"), "Path to a TOML file with default settings"},
		"VIDEOGEN_OFFLOAD":       {"VIDEOGEN_OFFLOAD", Offload, "Offload weights and latents between steps (default true)"},
		"VIDEOGEN_SOLVER":        {"VIDEOGEN_SOLVER", Solver, "Default solver: unipc, dpm++ or euler (default \"unipc\")"},
		"VIDEOGEN_STEPS":         {"VIDEOGEN_STEPS", Steps, "Default number of sampling steps (default 40)"},
		"VIDEOGEN_SHIFT":         {"VIDEOGEN_SHIFT", Shift, "Default noise schedule shift (default 5)"},
		"VIDEOGEN_GUIDE_SCALE":   {"VIDEOGEN_GUIDE_SCALE", GuideScale, "Default classifier-free guidance scale (default 5)"},
		"VIDEOGEN_CFG_ZERO_STEP": {"VIDEOGEN_CFG_ZERO_STEP", CFGZeroStep, "Steps to zero the guided prediction for (default 5)"},
		"VIDEOGEN_TILE_SIZE":     {"VIDEOGEN_TILE_SIZE", TileSize, "VAE decode tile size in latent cells, 0 disables tiling"},
		"VIDEOGEN_MAX_QUEUE":     {"VIDEOGEN_MAX_QUEUE", MaxQueue, "Maximum number of queued generation requests (default 4)"},
		"VIDEOGEN_MODEL_CONFIG":  {"VIDEOGEN_MODEL_CONFIG", ModelConfig, "Path to the model config.json"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

var defaultAllowOrigins = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// lookup prefers the environment over the config file.
func lookup(key string) string {
	if v := clean(key); v != "" {
		return v
	}
	return GetConfigValue(key)
}

func init() {
	LoadConfig()
}

func setDefaults() {
	Debug, Trace = false, false
	Offload = true
	Solver = "unipc"
	Steps = 40
	Shift = 5
	GuideScale = 5
	CFGZeroStep = 5
	TileSize = 0
	MaxQueue = 4
	ModelConfig = ""
	AllowOrigins = nil
}

func LoadConfig() {
	setDefaults()

	if debug := lookup("OLLAMA_DEBUG"); debug != "" {
		if n, err := strconv.Atoi(debug); err == nil {
			Debug = n > 0
			Trace = n > 1
		} else if d, err := strconv.ParseBool(debug); err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	if offload := lookup("VIDEOGEN_OFFLOAD"); offload != "" {
		d, err := strconv.ParseBool(offload)
		if err != nil {
			slog.Error("invalid setting, ignoring", "VIDEOGEN_OFFLOAD", offload, "error", err)
		} else {
			Offload = d
		}
	}

	if solver := lookup("VIDEOGEN_SOLVER"); solver != "" {
		Solver = strings.ToLower(solver)
	}

	if steps := lookup("VIDEOGEN_STEPS"); steps != "" {
		n, err := strconv.Atoi(steps)
		if err != nil || n <= 0 {
			slog.Error("invalid setting must be greater than zero", "VIDEOGEN_STEPS", steps, "error", err)
		} else {
			Steps = n
		}
	}

	if shift := lookup("VIDEOGEN_SHIFT"); shift != "" {
		f, err := strconv.ParseFloat(shift, 64)
		if err != nil || f <= 0 {
			slog.Error("invalid setting must be greater than zero", "VIDEOGEN_SHIFT", shift, "error", err)
		} else {
			Shift = f
		}
	}

	if scale := lookup("VIDEOGEN_GUIDE_SCALE"); scale != "" {
		f, err := strconv.ParseFloat(scale, 64)
		if err != nil {
			slog.Error("invalid setting, ignoring", "VIDEOGEN_GUIDE_SCALE", scale, "error", err)
		} else {
			GuideScale = f
		}
	}

	if zero := lookup("VIDEOGEN_CFG_ZERO_STEP"); zero != "" {
		n, err := strconv.Atoi(zero)
		if err != nil || n < 0 {
			slog.Error("invalid setting, ignoring", "VIDEOGEN_CFG_ZERO_STEP", zero, "error", err)
		} else {
			CFGZeroStep = n
		}
	}

	if tile := lookup("VIDEOGEN_TILE_SIZE"); tile != "" {
		n, err := strconv.Atoi(tile)
		if err != nil || n < 0 {
			slog.Error("invalid setting, ignoring", "VIDEOGEN_TILE_SIZE", tile, "error", err)
		} else {
			TileSize = n
		}
	}

	if queue := lookup("VIDEOGEN_MAX_QUEUE"); queue != "" {
		n, err := strconv.Atoi(queue)
		if err != nil || n <= 0 {
			slog.Error("invalid setting must be greater than zero", "VIDEOGEN_MAX_QUEUE", queue, "error", err)
		} else {
			MaxQueue = n
		}
	}

	ModelConfig = lookup("VIDEOGEN_MODEL_CONFIG")

	if origins := clean("OLLAMA_ORIGINS"); origins != "" {
		AllowOrigins = strings.Split(origins, ",")
	}
	for _, allowOrigin := range defaultAllowOrigins {
		AllowOrigins = append(AllowOrigins,
			fmt.Sprintf("http://%s", allowOrigin),
			fmt.Sprintf("https://%s", allowOrigin),
			fmt.Sprintf("http://%s:*", allowOrigin),
			fmt.Sprintf("https://%s:*", allowOrigin),
		)
	}
}

// LogLevel is the slog level selected by OLLAMA_DEBUG.
func LogLevel() slog.Level {
	switch {
	case Trace:
		return logutil.LevelTrace
	case Debug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Host returns the host:port the server listens on, from OLLAMA_HOST.
func Host() (string, error) {
	defaultHost := "127.0.0.1"

	s := lookup("OLLAMA_HOST")
	s = strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "\"'"))
	s = strings.TrimPrefix(strings.TrimPrefix(s, "http://"), "https://")
	if s == "" {
		return net.JoinHostPort(defaultHost, defaultPort), nil
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host, port = s, defaultPort
		if ip := net.ParseIP(strings.Trim(s, "[]")); ip != nil {
			host = ip.String()
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		return "", ErrInvalidHostPort
	}
	return net.JoinHostPort(host, port), nil
}
