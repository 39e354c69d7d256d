// Package config loads the service configuration from environment
// variables and an optional YAML settings file. Env vars hold deployment
// wiring (ports, Core endpoint, feature switches); the settings file holds
// the custom agent roster and tunables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults.
const (
	defaultPort            = 8080
	defaultCoreURL         = "http://localhost:8000"
	defaultApprovalTimeout = 120 * time.Second
)

// Config is the resolved service configuration.
type Config struct {
	Port   int    // COWORK_PORT, falling back to HTTP_PORT
	AppEnv string // APP_ENV: development or production

	WorkdirRoot string // COWORK_WORKDIR, falling back to CAMEL_WORKDIR

	CoreAPIURL         string // CORE_API_URL
	CoreAPIInternalKey string // CORE_API_INTERNAL_KEY

	SkillsMode    string // RUNTIME_SKILLS_V2: on, shadow, or off
	SkillPackRoot string // COWORK_SKILLS_DIR, falling back to SKILL_PACK_DIR

	MemorySearchPastChats bool // MEMORY_SEARCH_PAST_CHATS

	ApprovalTimeout time.Duration // TOOL_PERMISSION_TIMEOUT_SECONDS
	DefaultAllow    bool          // TOOL_PERMISSION_DEFAULT_ALLOW, else APP_ENV == development

	SearchEndpoint string // COWORK_SEARCH_ENDPOINT

	DepsInstallCommand string // COWORK_DEPS_INSTALL, shell-split into one install step

	SettingsFile string // COWORK_SETTINGS
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// Load reads .env (when present) and the environment, and validates the
// result.
func Load() (*Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from the given lookup. Split out for tests.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		Port:               defaultPort,
		AppEnv:             "production",
		CoreAPIURL:         defaultCoreURL,
		ApprovalTimeout:    defaultApprovalTimeout,
		SkillsMode:         "off",
		WorkdirRoot:        getenv("COWORK_WORKDIR"),
		CoreAPIInternalKey: getenv("CORE_API_INTERNAL_KEY"),
		SkillPackRoot:      getenv("COWORK_SKILLS_DIR"),
		SearchEndpoint:     getenv("COWORK_SEARCH_ENDPOINT"),
		DepsInstallCommand: getenv("COWORK_DEPS_INSTALL"),
		SettingsFile:       getenv("COWORK_SETTINGS"),
	}

	if cfg.WorkdirRoot == "" {
		cfg.WorkdirRoot = getenv("CAMEL_WORKDIR")
	}
	if cfg.SkillPackRoot == "" {
		cfg.SkillPackRoot = getenv("SKILL_PACK_DIR")
	}

	if v := getenv("APP_ENV"); v != "" {
		cfg.AppEnv = strings.ToLower(strings.TrimSpace(v))
	}
	if v := getenv("CORE_API_URL"); v != "" {
		cfg.CoreAPIURL = strings.TrimRight(v, "/")
	}
	if v := getenv("RUNTIME_SKILLS_V2"); v != "" {
		cfg.SkillsMode = strings.ToLower(strings.TrimSpace(v))
	}

	portVar := "COWORK_PORT"
	portVal := getenv(portVar)
	if portVal == "" {
		portVar, portVal = "HTTP_PORT", getenv("HTTP_PORT")
	}
	if portVal != "" {
		port, err := strconv.Atoi(portVal)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s %q", portVar, portVal)
		}
		cfg.Port = port
	}

	if v := getenv("TOOL_PERMISSION_TIMEOUT_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 1 {
			return nil, fmt.Errorf("invalid TOOL_PERMISSION_TIMEOUT_SECONDS %q", v)
		}
		cfg.ApprovalTimeout = time.Duration(secs) * time.Second
	}

	// Approval fallback on timeout: explicit override wins, otherwise
	// development approves and production denies.
	cfg.DefaultAllow = cfg.IsDevelopment()
	if v := getenv("TOOL_PERMISSION_DEFAULT_ALLOW"); v != "" {
		cfg.DefaultAllow = parseBool(v)
	}

	cfg.MemorySearchPastChats = parseBool(getenv("MEMORY_SEARCH_PAST_CHATS"))

	return cfg, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
