package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"exploitwatch/internal/incident"
	"exploitwatch/internal/version"
)

const maxBodyBytes = 16 << 20

// HTTPOptions are shared by the HTTP-backed fetchers.
type HTTPOptions struct {
	Client        *http.Client
	UserAgent     string
	RatePerSecond float64
	Burst         int
}

type httpFetcher struct {
	name      string
	client    *http.Client
	userAgent string
	limiter   *rate.Limiter
}

func newHTTPFetcher(name string, opts HTTPOptions) httpFetcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "exploitwatch/" + version.Version
	}
	f := httpFetcher{name: name, client: client, userAgent: ua}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return f
}

// do sends req once and returns the body of a 2xx response.
func (f httpFetcher) do(ctx context.Context, req *http.Request) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, f.classify(err)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.classify(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, f.classify(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseHTTPError(f.name, resp.StatusCode, payload)
	}
	return payload, nil
}

func (f httpFetcher) get(ctx context.Context, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", f.name, err)
	}
	req.Header.Set("Accept", accept)
	return f.do(ctx, req)
}

func (f httpFetcher) classify(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s: %w", incident.ErrFetchTimeout, f.name, err)
	}
	return fmt.Errorf("%w: %s: %w", incident.ErrFetchTransport, f.name, err)
}

func (f httpFetcher) malformed(what string, err error) error {
	return fmt.Errorf("%w: %s: decode %s: %w", incident.ErrFetchTransport, f.name, what, err)
}

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(name string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Errorf("%w: %s api error (%d): %s", incident.ErrFetchTransport, name, status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("%w: %s api error (%d): %s", incident.ErrFetchTransport, name, status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("%w: %s api error (%d): %s", incident.ErrFetchTransport, name, status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		body := strings.TrimSpace(string(payload))
		if len(body) > 200 {
			body = body[:200]
		}
		return fmt.Errorf("%w: %s api error (%d): %s", incident.ErrFetchTransport, name, status, body)
	}
	return fmt.Errorf("%w: %s api error (%d)", incident.ErrFetchTransport, name, status)
}
