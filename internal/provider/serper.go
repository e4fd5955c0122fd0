// Package provider fetches organic search rankings from Serper.dev.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rankwatch/backend/internal/models"
)

const (
	DefaultBaseURL = "https://google.serper.dev"
	DefaultTimeout = 30 * time.Second

	// resultsPerQuery is the deepest ranking requested per search.
	resultsPerQuery = 100
)

// ErrNotConfigured is returned when no API key was supplied.
var ErrNotConfigured = errors.New("provider: api key not configured")

// ProviderError wraps every fetch failure. StatusCode is zero when the
// request never produced an HTTP response.
type ProviderError struct {
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// SerperProvider calls the Serper.dev search endpoint. It never retries.
type SerperProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewSerperProvider(apiKey, baseURL string, timeout time.Duration) *SerperProvider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SerperProvider{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

// Fetch returns the organic results for term, positions 1..N in response
// order. An empty body or a response without organic results yields zero
// entries and no error.
func (p *SerperProvider) Fetch(ctx context.Context, term, country, language string) ([]models.SerpEntry, error) {
	if p.apiKey == "" {
		return nil, &ProviderError{Err: ErrNotConfigured}
	}

	q := url.Values{}
	q.Set("q", term)
	q.Set("gl", country)
	q.Set("hl", language)
	q.Set("num", fmt.Sprint(resultsPerQuery))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, &ProviderError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("X-API-KEY", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status: %s", truncate(body, 200))}
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var parsed serperResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode body: %w", err)}
	}

	entries := make([]models.SerpEntry, 0, len(parsed.Organic))
	for i, o := range parsed.Organic {
		entries = append(entries, models.SerpEntry{
			Position: i + 1,
			URL:      o.Link,
			Title:    o.Title,
			Snippet:  o.Snippet,
			Domain:   ExtractDomain(o.Link),
		})
	}
	return entries, nil
}

// ExtractDomain returns the lowercased host of rawURL without scheme, port
// or path. Bare hosts such as "example.com/a" are accepted.
func ExtractDomain(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "//" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
