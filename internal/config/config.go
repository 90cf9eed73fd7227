package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/PabloGalante/threadchat/internal/domain"
)

type Mode string

const (
	ModeLocal Mode = "local"
	ModeGCP   Mode = "gcp"
)

type Config struct {
	Mode Mode `yaml:"mode"`

	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	LLMBackend   string `yaml:"llm_backend"` // "mock", "gemini" or "vertex"
	GCPProjectID string `yaml:"gcp_project"`
	GCPLocation  string `yaml:"gcp_location"`
	ModelName    string `yaml:"model_name"`
	ProModelName string `yaml:"pro_model_name"` // used by the coder mode
	PersonaName  string `yaml:"persona_name"`
	MockDelayMS  int    `yaml:"mock_delay_ms"`

	StorageBackend string `yaml:"storage_backend"` // "memory", "bolt", "sqlite" or "firestore"
	DataDir        string `yaml:"data_dir"`

	// Initial settings, used until the user saves their own.
	APIKey        string `yaml:"api_key"`
	DefaultLocale string `yaml:"default_locale"`
	DefaultMode   string `yaml:"default_mode"`
	DefaultSearch bool   `yaml:"default_search"`

	WelcomeMessage string `yaml:"welcome_message"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
	// TrustProxy honors X-Forwarded-For for rate limiting. On by default in
	// gcp mode, where Cloud Run sets the header.
	TrustProxy bool `yaml:"trust_proxy"`
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if v == "1" || v == "true" || v == "TRUE" {
		return true
	}
	return false
}

func getIntEnv(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func getFloatEnv(key string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return def
	}
	return v
}

func defaults() *Config {
	return &Config{
		Mode:           ModeLocal,
		Port:           "8080",
		LogLevel:       "info",
		GCPLocation:    "us-central1",
		ModelName:      "gemini-2.5-flash",
		ProModelName:   "gemini-2.5-pro",
		PersonaName:    "Thanh AI",
		MockDelayMS:    40,
		StorageBackend: "bolt",
		DataDir:        filepath.Join(".", "data"),
		DefaultLocale:  "en",
		DefaultMode:    string(domain.ModeGeneral),
		DefaultSearch:  true,
		RateLimitRPS:   5,
		RateLimitBurst: 20,
	}
}

// Load builds the config from defaults, the optional YAML file named by
// THREADCHAT_CONFIG, and finally environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("THREADCHAT_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := getEnv("THREADCHAT_MODE", string(c.Mode)); v == string(ModeGCP) {
		c.Mode = ModeGCP
	} else {
		c.Mode = ModeLocal
	}

	c.Port = getEnv("THREADCHAT_PORT", getEnv("PORT", c.Port))
	c.LogLevel = getEnv("THREADCHAT_LOG_LEVEL", c.LogLevel)

	c.GCPProjectID = getEnv("THREADCHAT_GCP_PROJECT", c.GCPProjectID)
	c.GCPLocation = getEnv("THREADCHAT_GCP_LOCATION", c.GCPLocation)
	c.ModelName = getEnv("THREADCHAT_MODEL_NAME", c.ModelName)
	c.ProModelName = getEnv("THREADCHAT_PRO_MODEL_NAME", c.ProModelName)
	c.PersonaName = getEnv("THREADCHAT_PERSONA_NAME", c.PersonaName)
	c.MockDelayMS = getIntEnv("THREADCHAT_MOCK_DELAY_MS", c.MockDelayMS)

	c.StorageBackend = getEnv("THREADCHAT_STORAGE_BACKEND", c.StorageBackend)
	c.DataDir = getEnv("THREADCHAT_DATA_DIR", c.DataDir)

	c.APIKey = getEnv("THREADCHAT_API_KEY", getEnv("GEMINI_API_KEY", c.APIKey))
	c.DefaultLocale = getEnv("THREADCHAT_LOCALE", c.DefaultLocale)
	c.DefaultMode = getEnv("THREADCHAT_DEFAULT_MODE", c.DefaultMode)
	c.DefaultSearch = getBoolEnv("THREADCHAT_SEARCH", c.DefaultSearch)
	c.WelcomeMessage = getEnv("THREADCHAT_WELCOME_MESSAGE", c.WelcomeMessage)

	c.RateLimitRPS = getFloatEnv("THREADCHAT_RATE_LIMIT_RPS", c.RateLimitRPS)
	c.RateLimitBurst = getIntEnv("THREADCHAT_RATE_LIMIT_BURST", c.RateLimitBurst)
	c.TrustProxy = getBoolEnv("THREADCHAT_TRUST_PROXY", c.TrustProxy || c.Mode == ModeGCP)

	// In local mode the mock LLM is the default, like the in-memory dev setup.
	if c.LLMBackend == "" {
		if c.Mode == ModeGCP {
			c.LLMBackend = "vertex"
		} else {
			c.LLMBackend = "mock"
		}
	}
	c.LLMBackend = getEnv("THREADCHAT_LLM_BACKEND", c.LLMBackend)
	if getBoolEnv("THREADCHAT_USE_MOCK_LLM", false) {
		c.LLMBackend = "mock"
	}
}

// Validate checks the combinations that cannot work at runtime.
func (c *Config) Validate() error {
	switch c.LLMBackend {
	case "mock", "gemini":
	case "vertex":
		if c.GCPProjectID == "" {
			return fmt.Errorf("THREADCHAT_GCP_PROJECT must be set for the vertex backend")
		}
	default:
		return fmt.Errorf("unknown llm backend %q", c.LLMBackend)
	}

	switch c.StorageBackend {
	case "memory", "bolt", "sqlite":
	case "firestore":
		if c.GCPProjectID == "" {
			return fmt.Errorf("THREADCHAT_GCP_PROJECT must be set for the firestore backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}

	if c.Mode == ModeGCP && c.GCPProjectID == "" {
		return fmt.Errorf("THREADCHAT_GCP_PROJECT must be set in gcp mode")
	}
	if !domain.InteractionMode(c.DefaultMode).Valid() {
		return fmt.Errorf("default mode %q: %w", c.DefaultMode, domain.ErrInvalidMode)
	}
	if !domain.ValidLocale(c.DefaultLocale) {
		return fmt.Errorf("default locale %q: %w", c.DefaultLocale, domain.ErrInvalidLocale)
	}
	return nil
}

// DefaultSettings returns the settings used before the user saves any.
func (c *Config) DefaultSettings() domain.Settings {
	return domain.Settings{
		Credential:    c.APIKey,
		Locale:        c.DefaultLocale,
		Mode:          domain.InteractionMode(c.DefaultMode),
		SearchEnabled: c.DefaultSearch,
	}
}
