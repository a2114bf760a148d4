package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/3leaps/deviceingest/pkg/jobspec"
)

// DefaultHTTPTimeout bounds a single export download.
const DefaultHTTPTimeout = 60 * time.Second

// HTTPFetcher downloads a source export over HTTP GET.
//
// The target is the config's "url", falling back to BaseURL. Credentials
// come from "token" (bearer) or "username"/"password" (basic auth).
type HTTPFetcher struct {
	Source  jobspec.SourceKey
	BaseURL string
	Client  *http.Client

	// Limiter throttles requests when set. Shared limiters apply across sources.
	Limiter *rate.Limiter

	// Ext is the filename extension used when the URL path has none.
	Ext string
}

var _ Fetcher = (*HTTPFetcher)(nil)

// Fetch performs the download and returns the open response body.
func (f *HTTPFetcher) Fetch(ctx context.Context, cfg jobspec.SourceConfig) (*Payload, error) {
	s, err := DecodeSettings(cfg)
	if err != nil {
		return nil, err
	}

	target := strings.TrimSpace(s.URL)
	if target == "" {
		target = strings.TrimSpace(f.BaseURL)
	}
	if target == "" {
		return nil, fmt.Errorf("%s: no export url configured", f.Source)
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%s: invalid export url %q", f.Source, target)
	}

	if f.Limiter != nil {
		if err := f.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: rate limiter: %w", f.Source, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", f.Source, err)
	}
	switch {
	case s.Token != "":
		req.Header.Set("Authorization", "Bearer "+s.Token)
	case s.Username != "":
		req.SetBasicAuth(s.Username, s.Password)
	}

	resp, err := f.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", f.Source, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		msg := strings.TrimSpace(string(snippet))
		if msg == "" {
			return nil, fmt.Errorf("%s: unexpected status %d", f.Source, resp.StatusCode)
		}
		return nil, fmt.Errorf("%s: unexpected status %d: %s", f.Source, resp.StatusCode, msg)
	}

	return &Payload{Body: resp.Body, Filename: f.filename(u)}, nil
}

func (f *HTTPFetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return &http.Client{Timeout: DefaultHTTPTimeout}
}

func (f *HTTPFetcher) filename(u *url.URL) string {
	base := path.Base(u.Path)
	if path.Ext(base) != "" {
		return string(f.Source) + path.Ext(base)
	}
	return string(f.Source) + f.Ext
}
