package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Assistant  AssistantConfig   `mapstructure:"assistant"`
	Auth       AuthConfig        `mapstructure:"auth"`
	LLM        LLMConfig         `mapstructure:"llm"`
	Server     ServerConfig      `mapstructure:"server"`
	MCPServers []MCPServerConfig `mapstructure:"mcp_servers"`
	History    HistoryConfig     `mapstructure:"history"`
	Log        LogConfig         `mapstructure:"log"`
}

// AssistantConfig locates the remote chat service the client talks to.
type AssistantConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AuthConfig holds the bearer token sources of the chat client.
type AuthConfig struct {
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"`
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	Provider     string `mapstructure:"provider"`
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

// ServerConfig holds the assistant service configuration
type ServerConfig struct {
	Host      string          `mapstructure:"host"`
	Port      string          `mapstructure:"port"`
	Tokens    []string        `mapstructure:"tokens"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig bounds requests per client on the assistant service.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// ClientType selects the MCP transport.
type ClientType string

const (
	ClientTypeSSE            ClientType = "sse"
	ClientTypeStreamableHTTP ClientType = "streamable_http"
	ClientTypeStdio          ClientType = "stdio"
)

// MCPServerConfig describes one tool server the agent connects to.
type MCPServerConfig struct {
	Name    string            `mapstructure:"name"`
	Type    ClientType        `mapstructure:"type"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

// HistoryConfig holds the turn log location of the assistant service.
type HistoryConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// LogConfig holds logging options.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

const envPrefix = "TRIPMATE"

func setDefaults(v *viper.Viper) {
	v.SetDefault("assistant.base_url", "http://localhost:8080")
	v.SetDefault("assistant.timeout", 10*time.Second)
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.token_file", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.rate_limit.rps", 5)
	v.SetDefault("server.rate_limit.burst", 10)
	v.SetDefault("history.db_path", "history.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("llm.model", "gpt-4o-mini")
}

// Load reads the configuration. The file comes from path, then CONFIG_PATH,
// then config.yaml in the working directory; a missing file is not an error.
// Values may be overridden through TRIPMATE_* environment variables, and a
// .env file in the working directory is loaded first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	config.Assistant.BaseURL = strings.TrimRight(config.Assistant.BaseURL, "/")

	return &config, nil
}
