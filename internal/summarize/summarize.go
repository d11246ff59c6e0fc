// Package summarize produces analyst-facing incident summaries, using Gemini
// when configured and a deterministic template otherwise.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"arc-sentinel/internal/forensics"
	"arc-sentinel/internal/incident"
)

// ErrEmptyResponse is returned when the API produced no text.
var ErrEmptyResponse = errors.New("summarize: empty response")

// Config configures the Gemini client.
type Config struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
	// Endpoint overrides the Gemini API base URL. Empty uses the SDK default.
	Endpoint    string        `yaml:"endpoint"`
	APIVersion  string        `yaml:"api_version"`
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int32         `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default settings. The API key is empty, which
// selects the fallback summary.
func DefaultConfig() Config {
	return Config{
		Model:       "gemini-pro",
		APIVersion:  "v1beta",
		Temperature: 0.2,
		MaxTokens:   2048,
		Timeout:     30 * time.Second,
	}
}

// Summarizer writes incident summaries.
type Summarizer struct {
	config Config

	once      sync.Once
	client    *genai.Client
	clientErr error
}

// New creates a Summarizer. The Gemini client is built on first use.
func New(cfg Config) *Summarizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Summarizer{config: cfg}
}

// Configured reports whether an API key is set.
func (s *Summarizer) Configured() bool {
	return s.config.APIKey != ""
}

// Summarize returns a markdown summary of the incident and its forensic report.
// report may be nil. API failures fall back to the template summary and are
// logged, never returned.
func (s *Summarizer) Summarize(ctx context.Context, inc *incident.Incident, report *forensics.Report) (string, error) {
	v := newView(inc, report)
	if s.Configured() {
		prompt, err := render(promptTemplate, v)
		if err != nil {
			return "", err
		}
		text, err := s.generate(ctx, prompt)
		if err == nil {
			return text, nil
		}
		slog.Warn("gemini summary failed, using fallback", "incident_id", inc.ID, "error", err)
	}
	return render(fallbackTemplate, v)
}

func (s *Summarizer) genaiClient(ctx context.Context) (*genai.Client, error) {
	s.once.Do(func() {
		s.client, s.clientErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:     s.config.APIKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: &http.Client{Timeout: s.config.Timeout},
			HTTPOptions: genai.HTTPOptions{
				BaseURL:    s.config.Endpoint,
				APIVersion: s.config.APIVersion,
			},
		})
	})
	return s.client, s.clientErr
}

func (s *Summarizer) generate(ctx context.Context, prompt string) (string, error) {
	client, err := s.genaiClient(ctx)
	if err != nil {
		return "", fmt.Errorf("gemini client: %w", err)
	}

	resp, err := client.Models.GenerateContent(ctx, s.config.Model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(s.config.Temperature),
		TopP:            genai.Ptr[float32](0.8),
		TopK:            genai.Ptr[float32](40),
		MaxOutputTokens: s.config.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("gemini request failed: %w", err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
