package llm

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/tripmate/internal/config"
)

// Client is the part of openai.Client the agent calls; tests substitute a fake.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

const requestTimeout = 60 * time.Second

// NewClient creates an OpenAI-compatible client. Provider "azure" switches
// to the Azure endpoint layout; anything else is treated as OpenAI-compatible.
func NewClient(cfg config.LLMConfig) *openai.Client {
	var clientCfg openai.ClientConfig
	switch strings.ToLower(cfg.Provider) {
	case "azure":
		clientCfg = openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
	default:
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = cfg.BaseURL
		}
	}
	clientCfg.HTTPClient = &http.Client{Timeout: requestTimeout}

	return openai.NewClientWithConfig(clientCfg)
}
