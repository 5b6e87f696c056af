package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"medstudy/internal/logger"
	"medstudy/internal/metrics"
)

var (
	// ErrAIUnavailable is returned before any network call when no LLM provider is configured.
	ErrAIUnavailable = errors.New("llm integration is not configured")
	errNoChoices     = errors.New("llm returned no choices")
)

// Prompt is one completion request. Images are data URIs.
type Prompt struct {
	System      string
	User        string
	Images      []string
	MaxTokens   int
	Temperature float32
}

// Completer returns the raw text of a single LLM completion.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// requireCompleter fails fast when the provider is missing.
func requireCompleter(c Completer) error {
	if c == nil {
		return ErrAIUnavailable
	}
	if u, ok := c.(interface{ Configured() bool }); ok && !u.Configured() {
		return ErrAIUnavailable
	}
	return nil
}

// OpenAICompleter talks to any OpenAI-compatible chat completions endpoint.
type OpenAICompleter struct {
	client *openai.Client
	model  string
}

func NewOpenAICompleter(apiKey, endpoint, model string) *OpenAICompleter {
	if apiKey == "" {
		return &OpenAICompleter{}
	}
	cfg := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		cfg.BaseURL = endpoint
	}
	return &OpenAICompleter{client: openai.NewClientWithConfig(cfg), model: model}
}

func (c *OpenAICompleter) Configured() bool {
	return c != nil && c.client != nil && c.model != ""
}

func (c *OpenAICompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	if !c.Configured() {
		return "", ErrAIUnavailable
	}

	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if len(p.Images) == 0 {
		user.Content = p.User
	} else {
		parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: p.User}}
		for _, img := range p.Images {
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: img},
			})
		}
		user.MultiContent = parts
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if p.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: p.System})
	}
	messages = append(messages, user)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("request openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errNoChoices
	}
	return resp.Choices[0].Message.Content, nil
}

// GeminiCompleter uses the Gemini API with every safety category set to permissive.
type GeminiCompleter struct {
	client    *genai.Client
	modelName string
}

func NewGeminiCompleter(ctx context.Context, apiKey, model string) (*GeminiCompleter, error) {
	if apiKey == "" {
		return &GeminiCompleter{}, nil
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiCompleter{client: client, modelName: model}, nil
}

func (c *GeminiCompleter) Configured() bool {
	return c != nil && c.client != nil && c.modelName != ""
}

func (c *GeminiCompleter) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

var permissiveSafety = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
}

func (c *GeminiCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	if !c.Configured() {
		return "", ErrAIUnavailable
	}

	// GenerativeModel carries per-request settings, so each call gets its own.
	model := c.client.GenerativeModel(c.modelName)
	model.SetTemperature(p.Temperature)
	if p.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(p.MaxTokens))
	}
	model.SafetySettings = permissiveSafety
	if p.System != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(p.System))
	}

	parts := []genai.Part{genai.Text(p.User)}
	for _, img := range p.Images {
		mimeType, data, err := decodeDataURI(img)
		if err != nil {
			return "", err
		}
		parts = append(parts, genai.Blob{MIMEType: mimeType, Data: data})
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("Gemini API error: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errNoChoices
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String(), nil
}

// decodeDataURI splits "data:<mime>;base64,<payload>" into its MIME type and bytes.
func decodeDataURI(uri string) (string, []byte, error) {
	header, payload, ok := strings.Cut(uri, ",")
	if !ok || !strings.HasPrefix(header, "data:") || !strings.HasSuffix(header, ";base64") {
		return "", nil, fmt.Errorf("unsupported image uri %q", sanitizeForPrompt(uri, 40))
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode image data: %w", err)
	}
	mimeType := strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
	return mimeType, data, nil
}

// Router sends image-bearing prompts to a dedicated vision provider when one is
// configured and everything else to the text provider. Either provider serves
// all prompts when it is the only one configured.
type Router struct {
	Text   Completer
	Vision Completer
}

func (r *Router) Configured() bool {
	return requireCompleter(r.Text) == nil || requireCompleter(r.Vision) == nil
}

func (r *Router) Complete(ctx context.Context, p Prompt) (string, error) {
	if len(p.Images) > 0 && requireCompleter(r.Vision) == nil {
		return r.Vision.Complete(ctx, p)
	}
	if requireCompleter(r.Text) == nil {
		return r.Text.Complete(ctx, p)
	}
	if requireCompleter(r.Vision) == nil {
		return r.Vision.Complete(ctx, p)
	}
	return "", ErrAIUnavailable
}

// LimitedCompleter paces calls through a token bucket, applies a per-call
// timeout and records request metrics.
type LimitedCompleter struct {
	next     Completer
	provider string
	limiter  *rate.Limiter
	timeout  time.Duration
	metrics  *metrics.Metrics
	log      *logger.Logger
}

func NewLimitedCompleter(next Completer, provider string, requestsPerMinute int, timeout time.Duration, m *metrics.Metrics, log *logger.Logger) *LimitedCompleter {
	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(requestsPerMinute))
	}
	if log == nil {
		log = logger.Nop()
	}
	return &LimitedCompleter{
		next:     next,
		provider: provider,
		limiter:  rate.NewLimiter(limit, 1),
		timeout:  timeout,
		metrics:  m,
		log:      log,
	}
}

func (c *LimitedCompleter) Configured() bool {
	return requireCompleter(c.next) == nil
}

func (c *LimitedCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	if err := requireCompleter(c.next); err != nil {
		return "", err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("wait for llm rate limit: %w", err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := c.next.Complete(ctx, p)
	status := "ok"
	if err != nil {
		status = "error"
		c.log.Warn("llm call failed", "provider", c.provider, "images", len(p.Images), "error", err)
	}
	if c.metrics != nil {
		c.metrics.LLMRequests.WithLabelValues(c.provider, status).Inc()
		c.metrics.LLMDuration.WithLabelValues(c.provider).Observe(time.Since(start).Seconds())
	}
	return out, err
}
