package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start main server.
type Profile struct {
	// Unified LLM configuration (OpenAI-compatible protocol)
	LLMProvider string // Provider identifier: deepseek, openai, siliconflow, dashscope, openrouter, ollama
	LLMAPIKey   string
	LLMBaseURL  string // Optional, has default per provider
	LLMModel    string
	LLMTimeout  int // Request timeout in seconds (default: 120)

	// Assistant reply pipeline tuning
	SystemPrompt     string
	HistoryThreshold int     // Summarize history once a scope holds more messages than this
	SmoothingSpeed   float64 // Base reveal speed in characters per second
	SummaryRate      float64 // Background summaries per second

	UNIXSock string
	Mode     string
	DSN      string
	Driver   string
	Version  string
	Addr     string
	Data     string
	Port     int
}

// Provider default configurations for LLM.
// Used when the base URL or model is not explicitly set.
var llmProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o",
	},
	"siliconflow": {
		BaseURL: "https://api.siliconflow.cn/v1",
		Model:   "Qwen/Qwen2.5-72B-Instruct",
	},
	"dashscope": {
		BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1",
		Model:   "qwen-max-latest",
	},
	"openrouter": {
		BaseURL: "https://openrouter.ai/api/v1",
		Model:   "deepseek/deepseek-chat",
	},
	"ollama": {
		BaseURL: "http://localhost:11434/v1",
		Model:   "llama3.1",
	},
}

const (
	DefaultHistoryThreshold = 20
	DefaultSmoothingSpeed   = 60
	DefaultSummaryRate      = 0.2
	DefaultSystemPrompt     = "You are a careful personal investment assistant. Answer with facts from the user's portfolio and cite sources when you use them."
)

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAIEnabled returns true if the LLM API key is configured.
func (p *Profile) IsAIEnabled() bool {
	return p.LLMAPIKey != "" || p.LLMProvider == "ollama"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.LLMProvider = getEnvOrDefault("INVEST_AI_LLM_PROVIDER", "deepseek")
	p.LLMAPIKey = getEnvOrDefault("INVEST_AI_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("INVEST_AI_LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("INVEST_AI_LLM_MODEL", "")
	p.LLMTimeout = getEnvOrDefaultInt("INVEST_AI_LLM_TIMEOUT_SECONDS", 120)

	if _, ok := llmProviderDefaults[p.LLMProvider]; !ok {
		slog.Warn("Unknown LLM provider, using default: deepseek", "provider", p.LLMProvider)
		p.LLMProvider = "deepseek"
	}
	if defaults, ok := llmProviderDefaults[p.LLMProvider]; ok {
		if p.LLMBaseURL == "" {
			p.LLMBaseURL = defaults.BaseURL
		}
		if p.LLMModel == "" {
			p.LLMModel = defaults.Model
		}
	}

	p.SystemPrompt = getEnvOrDefault("INVEST_AI_SYSTEM_PROMPT", DefaultSystemPrompt)
	p.HistoryThreshold = getEnvOrDefaultInt("INVEST_AI_HISTORY_THRESHOLD", DefaultHistoryThreshold)
	p.SmoothingSpeed = getEnvOrDefaultFloat("INVEST_AI_SMOOTHING_SPEED", DefaultSmoothingSpeed)
	p.SummaryRate = getEnvOrDefaultFloat("INVEST_AI_SUMMARY_RATE", DefaultSummaryRate)
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		absDir, err := filepath.Abs(dataDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "investd")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/investd"
		}
	}
	if p.Data == "" {
		p.Data = "."
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", p.Data), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	if p.Driver == "" {
		p.Driver = "sqlite"
	}
	if p.Driver == "sqlite" && p.DSN == "" {
		p.DSN = filepath.Join(dataDir, fmt.Sprintf("investd_%s.db", p.Mode))
	}
	if p.Driver != "sqlite" && p.DSN == "" {
		return errors.Errorf("dsn required for driver %s", p.Driver)
	}

	if p.HistoryThreshold <= 0 {
		p.HistoryThreshold = DefaultHistoryThreshold
	}
	if p.SmoothingSpeed <= 0 {
		p.SmoothingSpeed = DefaultSmoothingSpeed
	}
	if p.SummaryRate <= 0 {
		p.SummaryRate = DefaultSummaryRate
	}
	return nil
}
