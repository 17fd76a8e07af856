package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// OpenAICompatConfig configures a backend speaking the OpenAI chat API.
// Works with llama.cpp server, LM Studio, and vLLM.
type OpenAICompatConfig struct {
	Name    string        `yaml:"name" json:"name"`
	BaseURL string        `yaml:"base_url" json:"base_url"`
	APIKey  string        `yaml:"api_key" json:"api_key"`
	Model   string        `yaml:"model" json:"model"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// OpenAICompatBackend talks to any OpenAI-compatible local server.
type OpenAICompatBackend struct {
	cfg        OpenAICompatConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewOpenAICompatBackend creates an OpenAI-compatible backend with defaults
// filled in.
func NewOpenAICompatBackend(cfg OpenAICompatConfig, logger *zap.Logger) *OpenAICompatBackend {
	if cfg.Name == "" {
		cfg.Name = "openai-compat"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAICompatBackend{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With(zap.String("component", "openai_compat_backend")),
	}
}

func (b *OpenAICompatBackend) Name() string { return b.cfg.Name }

// IsAvailable checks the models listing endpoint.
func (b *OpenAICompatBackend) IsAvailable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, b.cfg.BaseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	b.authorize(req)
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// SendChatRequest calls the /v1/chat/completions endpoint.
func (b *OpenAICompatBackend) SendChatRequest(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = b.cfg.Model
	}

	payload := map[string]any{
		"model":    model,
		"messages": req.Messages,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	b.authorize(httpReq)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", b.cfg.Name, err)
	}
	defer resp.Body.Close()

	var out openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", b.cfg.Name, err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("%s error: %s", b.cfg.Name, out.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", b.cfg.Name, resp.StatusCode)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", b.cfg.Name)
	}

	return &ChatResponse{
		Content: out.Choices[0].Message.Content,
		Model:   out.Model,
		Latency: time.Since(start),
	}, nil
}

func (b *OpenAICompatBackend) authorize(req *http.Request) {
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
}
