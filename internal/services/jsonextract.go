package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoJSON means the text holds no opening bracket or no matching closing one.
	ErrNoJSON = errors.New("no json found in response")
	// ErrInvalidJSON means a bracketed span was found but did not parse.
	ErrInvalidJSON = errors.New("invalid json in response")
)

// ExtractJSON locates the JSON value inside free-form LLM output. The span runs
// from the first '{' or '[' to the last closing bracket of the same kind;
// everything outside it is discarded.
func ExtractJSON(text string) (json.RawMessage, error) {
	start := strings.IndexAny(text, "{[")
	if start == -1 {
		return nil, ErrNoJSON
	}
	closer := "}"
	if text[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(text, closer)
	if end < start {
		return nil, ErrNoJSON
	}

	span := text[start : end+1]
	if !json.Valid([]byte(span)) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidJSON, sanitizeForPrompt(span, 120))
	}
	return json.RawMessage(span), nil
}

// decodeLLMJSON runs ExtractJSON and unmarshals the result into dst.
func decodeLLMJSON(text string, dst any) error {
	raw, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return nil
}

func sanitizeForPrompt(input string, limit int) string {
	collapsed := strings.Join(strings.Fields(strings.TrimSpace(input)), " ")
	if limit <= 0 {
		return collapsed
	}
	runes := []rune(collapsed)
	if len(runes) <= limit {
		return collapsed
	}
	if limit > 3 {
		return string(runes[:limit-3]) + "..."
	}
	return string(runes[:limit])
}
