package statuscheck

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Pinger models a dependency that can be probed with a round trip.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker aggregates health checks for external dependencies.
type Checker struct {
	redis        Pinger
	s3           Pinger
	tesseract    func() (string, error)
	mupdf        func() error
	httpClient   *http.Client
	openAIKey    string
	openAIURL    string
	anthropicKey string
	anthropicURL string
}

// Options configures the Checker. Nil dependencies are reported as not
// configured.
type Options struct {
	Redis        Pinger
	S3           Pinger
	Tesseract    func() (string, error)
	MuPDF        func() error
	HTTPClient   *http.Client
	OpenAIKey    string
	OpenAIURL    string
	AnthropicKey string
	AnthropicURL string
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	Redis     Status `json:"redis"`
	S3        Status `json:"s3"`
	Tesseract Status `json:"tesseract"`
	MuPDF     Status `json:"mupdf"`
	OpenAI    Status `json:"openai"`
	Anthropic Status `json:"anthropic"`
}

// Ready reports whether recognition can run: both engines must work.
func (s Summary) Ready() bool { return s.Tesseract.OK && s.MuPDF.OK }

func New(opts Options) *Checker {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if opts.OpenAIURL == "" {
		opts.OpenAIURL = "https://api.openai.com/v1"
	}
	if opts.AnthropicURL == "" {
		opts.AnthropicURL = "https://api.anthropic.com/v1"
	}
	return &Checker{
		redis:        opts.Redis,
		s3:           opts.S3,
		tesseract:    opts.Tesseract,
		mupdf:        opts.MuPDF,
		httpClient:   client,
		openAIKey:    strings.TrimSpace(opts.OpenAIKey),
		openAIURL:    strings.TrimRight(opts.OpenAIURL, "/"),
		anthropicKey: strings.TrimSpace(opts.AnthropicKey),
		anthropicURL: strings.TrimRight(opts.AnthropicURL, "/"),
	}
}

// Summary runs every check concurrently and returns the snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	var s Summary
	var wg sync.WaitGroup
	run := func(dst *Status, fn func() Status) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			*dst = fn()
		}()
	}
	run(&s.Redis, func() Status { return c.ping(ctx, c.redis, 2*time.Second) })
	run(&s.S3, func() Status { return c.ping(ctx, c.s3, 5*time.Second) })
	run(&s.Tesseract, c.checkTesseract)
	run(&s.MuPDF, c.checkMuPDF)
	run(&s.OpenAI, func() Status {
		return c.checkAPI(ctx, c.openAIKey, c.openAIURL+"/models?limit=1", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+c.openAIKey)
		})
	})
	run(&s.Anthropic, func() Status {
		return c.checkAPI(ctx, c.anthropicKey, c.anthropicURL+"/models", func(r *http.Request) {
			r.Header.Set("x-api-key", c.anthropicKey)
			r.Header.Set("anthropic-version", "2023-06-01")
		})
	})
	wg.Wait()
	return s
}

func (c *Checker) ping(ctx context.Context, p Pinger, timeout time.Duration) Status {
	if p == nil {
		return Status{OK: false, Message: "Not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkTesseract() Status {
	if c.tesseract == nil {
		return Status{OK: false, Message: "Not configured"}
	}
	v, err := c.tesseract()
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Version " + v}
}

func (c *Checker) checkMuPDF() Status {
	if c.mupdf == nil {
		return Status{OK: false, Message: "Not configured"}
	}
	if err := c.mupdf(); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Available"}
}

func (c *Checker) checkAPI(ctx context.Context, key, url string, auth func(*http.Request)) Status {
	if key == "" {
		return Status{OK: false, Message: "API key missing"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	auth(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Status{OK: false, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	return Status{OK: true, Message: "Available"}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
