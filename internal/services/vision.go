package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"medstudy/internal/logger"
)

// ZAIVisionCompleter calls the Z.AI chat completions endpoint with inline
// page images. Transient failures are retried; 4xx responses are not.
type ZAIVisionCompleter struct {
	apiKey     string
	baseURL    string
	model      string
	maxRetries int
	backoff    time.Duration
	httpClient *http.Client
	log        *logger.Logger
}

func NewZAIVisionCompleter(apiKey, baseURL, model string, log *logger.Logger) *ZAIVisionCompleter {
	if baseURL == "" {
		baseURL = "https://open.bigmodel.cn/api/paas/v4/"
	}
	if baseURL[len(baseURL)-1] != '/' {
		baseURL = baseURL + "/"
	}
	if model == "" {
		model = "glm-4.5v"
	}
	if log == nil {
		log = logger.Nop()
	}

	return &ZAIVisionCompleter{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		maxRetries: 2,
		backoff:    2 * time.Second,
		httpClient: &http.Client{
			Timeout: 300 * time.Second,
		},
		log: log,
	}
}

func (s *ZAIVisionCompleter) Configured() bool {
	return s != nil && s.apiKey != ""
}

type zaiContent struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *zaiImageURL `json:"image_url,omitempty"`
}

type zaiImageURL struct {
	URL string `json:"url"`
}

type zaiMessage struct {
	Role    string       `json:"role"`
	Content []zaiContent `json:"content"`
}

type zaiThinking struct {
	Type string `json:"type"`
}

type zaiRequest struct {
	Model       string       `json:"model"`
	Messages    []zaiMessage `json:"messages"`
	Thinking    zaiThinking  `json:"thinking"`
	Stream      bool         `json:"stream"`
	Temperature float32      `json:"temperature"`
	TopP        float64      `json:"top_p"`
	MaxTokens   int          `json:"max_tokens"`
}

type zaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (s *ZAIVisionCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	if !s.Configured() {
		return "", ErrAIUnavailable
	}

	// Images first, then the instruction text.
	content := make([]zaiContent, 0, len(p.Images)+1)
	for _, img := range p.Images {
		content = append(content, zaiContent{Type: "image_url", ImageURL: &zaiImageURL{URL: img}})
	}
	content = append(content, zaiContent{Type: "text", Text: p.User})

	messages := make([]zaiMessage, 0, 2)
	if p.System != "" {
		messages = append(messages, zaiMessage{Role: "system", Content: []zaiContent{{Type: "text", Text: p.System}}})
	}
	messages = append(messages, zaiMessage{Role: "user", Content: content})

	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 16384
	}
	reqBody, err := json.Marshal(zaiRequest{
		Model:       s.model,
		Messages:    messages,
		Thinking:    zaiThinking{Type: "enabled"},
		Temperature: p.Temperature,
		TopP:        0.6,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal vision request: %w", err)
	}
	s.log.Debug("vision request", "images", len(p.Images), "payload_kb", len(reqBody)/1024)

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.log.Warn("retrying vision call", "attempt", attempt+1, "max", s.maxRetries+1, "error", lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * s.backoff):
			}
		}

		result, retry, err := s.do(ctx, reqBody)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retry {
			return "", err
		}
	}
	return "", fmt.Errorf("vision api failed after %d attempts: %w", s.maxRetries+1, lastErr)
}

// do performs one HTTP round trip and reports whether a failure is worth retrying.
func (s *ZAIVisionCompleter) do(ctx context.Context, reqBody []byte) (string, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", false, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept-Language", "en-US,en")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return "", ctx.Err() == nil, fmt.Errorf("execute vision request: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return "", true, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("vision api error: status=%d, body=%s", resp.StatusCode, sanitizeForPrompt(string(body), 300))
		return "", resp.StatusCode >= 500, err
	}

	var visionResp zaiResponse
	if err := json.Unmarshal(body, &visionResp); err != nil {
		return "", true, fmt.Errorf("unmarshal vision response: %w", err)
	}
	if len(visionResp.Choices) == 0 {
		return "", true, errNoChoices
	}
	result := visionResp.Choices[0].Message.Content
	if result == "" {
		return "", true, fmt.Errorf("vision api returned empty content")
	}
	return result, false, nil
}
