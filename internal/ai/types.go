package ai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Request is one text completion.
type Request struct {
	Model        string
	SystemPrompt string
	Prompt       string
	Temperature  float64
	MaxTokens    int
}

type Response struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Client is a text completion provider such as OpenAI or Anthropic.
type Client interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// Credentials are supplied per enhancement job and never stored.
type Credentials struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
}

var (
	ErrRateLimited    = errors.New("rate_limited")
	ErrContentRefused = errors.New("content_refused")
)

func IsRateLimited(err error) bool    { return errors.Is(err, ErrRateLimited) }
func IsContentRefused(err error) bool { return errors.Is(err, ErrContentRefused) }

// NewClient builds the client named by cred.Provider.
func NewClient(cred Credentials, httpClient *http.Client) (Client, error) {
	if strings.TrimSpace(cred.APIKey) == "" {
		return nil, &ValidationError{Message: "api key is required"}
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	switch strings.ToLower(cred.Provider) {
	case "", "openai":
		return NewOpenAIClient(cred.APIKey, cred.BaseURL, httpClient), nil
	case "anthropic":
		return NewAnthropicClient(cred.APIKey, cred.BaseURL, httpClient), nil
	default:
		return nil, &ValidationError{Message: "unknown provider " + cred.Provider}
	}
}
