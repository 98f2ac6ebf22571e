package agent

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"taskpilot/internal/config"
)

// ConfigError means no language model provider is usable right now. The chat
// endpoint maps it to a 503.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return e.Reason
}

// Gateway selects a provider and builds a chat model per request. Selection
// is re-evaluated every turn so newly set credentials or a freshly started
// local runtime take effect without a restart.
type Gateway struct {
	cfg        *config.Config
	httpClient *http.Client
}

// NewGateway builds the model gateway from app config.
func NewGateway(cfg *config.Config) *Gateway {
	return &Gateway{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: time.Second},
	}
}

var providerKeyEnvs = map[string]string{
	"gemini": "GEMINI_API_KEY",
	"claude": "ANTHROPIC_API_KEY",
	"openai": "OPENAI_API_KEY",
}

// ChatModel returns a fresh tool-calling model for this turn. Remote wins
// when a credential is present; otherwise the local runtime is probed; with
// neither available a ConfigError is returned.
func (g *Gateway) ChatModel(ctx context.Context) (model.ToolCallingChatModel, string, error) {
	remote := g.cfg.Agent.RemoteProvider
	if token := g.remoteToken(remote); token != "" {
		chatModel, err := g.buildRemote(ctx, remote, token)
		if err != nil {
			return nil, "", fmt.Errorf("init %s model: %w", remote, err)
		}
		return chatModel, remote, nil
	}

	local := g.cfg.Agent.LocalProvider
	if localCfg, ok := g.cfg.Providers[local]; ok && g.localAvailable(ctx, localCfg.BaseURL) {
		chatModel, err := g.buildLocal(ctx, localCfg)
		if err != nil {
			return nil, "", fmt.Errorf("init %s model: %w", local, err)
		}
		return chatModel, local, nil
	}

	return nil, "", &ConfigError{Reason: fmt.Sprintf(
		"no language model provider available: set the %s credential or start the %s runtime",
		remote, local,
	)}
}

func (g *Gateway) remoteToken(provider string) string {
	if provCfg, ok := g.cfg.Providers[provider]; ok && provCfg.APIKey != "" {
		return provCfg.APIKey
	}
	if env, ok := providerKeyEnvs[provider]; ok {
		return strings.TrimSpace(os.Getenv(env))
	}
	return ""
}

// localAvailable probes the local runtime's tag listing with a short timeout.
func (g *Gateway) localAvailable(ctx context.Context, baseURL string) bool {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:11434"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (g *Gateway) buildRemote(ctx context.Context, provider, token string) (model.ToolCallingChatModel, error) {
	provCfg, ok := g.cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	maxTokens := g.cfg.Agent.MaxTokens
	temperature := g.cfg.Agent.Temperature

	switch provider {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:     provCfg.BaseURL,
			Model:       provCfg.Model,
			APIKey:      token,
			MaxTokens:   &maxTokens,
			Temperature: &temperature,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: token})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client:      client,
			Model:       provCfg.Model,
			MaxTokens:   &maxTokens,
			Temperature: &temperature,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:      token,
			Model:       provCfg.Model,
			BaseURL:     baseURLPtr,
			MaxTokens:   maxTokens,
			Temperature: &temperature,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

// buildLocal talks to the local runtime through its OpenAI-compatible
// endpoint, so the same model component serves both paths.
func (g *Gateway) buildLocal(ctx context.Context, provCfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	baseURL := provCfg.BaseURL
	if baseURL == "" {
		baseURL = "http://127.0.0.1:11434"
	}
	modelName := provCfg.Model
	if modelName == "" {
		modelName = "llama3.2"
	}
	maxTokens := g.cfg.Agent.MaxTokens
	temperature := g.cfg.Agent.Temperature
	log.Printf("using local model %s at %s", modelName, baseURL)
	return openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL:     strings.TrimRight(baseURL, "/") + "/v1",
		Model:       modelName,
		APIKey:      "ollama",
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
	})
}
