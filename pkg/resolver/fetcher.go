package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Accept headers sent for component documents and images.
const (
	AcceptJSON  = "application/ld+json, application/json"
	AcceptImage = "image/png, image/svg+xml, image/*"
)

// ErrBodyTooLarge is returned when a response exceeds the configured body limit.
var ErrBodyTooLarge = errors.New("response body too large")

// StatusError is a non-200 response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.StatusCode)
}

// Response is a fetched remote document.
type Response struct {
	// URL is the final URL after redirects.
	URL         string
	ContentType string
	Body        []byte
}

// Fetcher retrieves remote documents.
type Fetcher interface {
	Fetch(ctx context.Context, url, accept string) (*Response, error)
}

// FetcherOptions tunes an HTTPFetcher.
type FetcherOptions struct {
	// Timeout bounds each attempt.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt for
	// network errors and 5xx responses.
	MaxRetries int

	// MaxBodyBytes bounds the response size.
	MaxBodyBytes int64

	AllowPrivateHosts bool
	UserAgent         string
	Logger            *zap.Logger
}

// DefaultFetcherOptions returns the options used when none are given.
func DefaultFetcherOptions() FetcherOptions {
	return FetcherOptions{
		Timeout:      10 * time.Second,
		MaxRetries:   2,
		MaxBodyBytes: 2 << 20,
		UserAgent:    "badgehub-core/1.0",
	}
}

// HTTPFetcher fetches over HTTP with per-attempt timeouts and exponential backoff.
type HTTPFetcher struct {
	client *http.Client
	urls   *URLValidator
	opts   FetcherOptions
	logger *zap.Logger

	// initialInterval is the first backoff delay.
	initialInterval time.Duration
}

// NewHTTPFetcher creates an HTTPFetcher. Zero option fields take the defaults.
func NewHTTPFetcher(opts FetcherOptions) *HTTPFetcher {
	def := DefaultFetcherOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = def.MaxBodyBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	urls := NewURLValidator(opts.AllowPrivateHosts)
	client := &http.Client{
		Transport: transport(opts.AllowPrivateHosts),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("stopped after 5 redirects")
			}
			_, err := urls.Validate(req.URL.String())
			return err
		},
	}
	return &HTTPFetcher{
		client:          client,
		urls:            urls,
		opts:            opts,
		logger:          logger,
		initialInterval: 200 * time.Millisecond,
	}
}

// transport returns the default transport, with dials to private addresses
// refused unless allowPrivate is set.
func transport(allowPrivate bool) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if !allowPrivate {
		dialer := &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
			Control:   refusePrivateDial,
		}
		t.DialContext = dialer.DialContext
	}
	return t
}

// Fetch retrieves url with the given Accept header. A fetch that has started
// runs to completion or to its timeout even if ctx is cancelled meanwhile;
// ctx is checked before the first attempt and between retries.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL, accept string) (*Response, error) {
	if _, err := f.urls.Validate(rawURL); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var resp *Response
	operation := func() error {
		var opErr error
		resp, opErr = f.attempt(ctx, rawURL, accept)
		if opErr == nil {
			return nil
		}
		var se *StatusError
		if errors.As(opErr, &se) && se.StatusCode < 500 {
			return backoff.Permanent(opErr)
		}
		if errors.Is(opErr, ErrBodyTooLarge) || errors.Is(opErr, ErrUnsafeURL) {
			return backoff.Permanent(opErr)
		}
		return opErr
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.initialInterval
	b.MaxElapsedTime = 0
	err := backoff.RetryNotify(
		operation,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(f.opts.MaxRetries)), ctx),
		func(err error, d time.Duration) {
			f.logger.Warn("Fetch attempt failed",
				zap.String("url", rawURL),
				zap.Error(err),
				zap.Duration("backoff", d))
		},
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (f *HTTPFetcher) attempt(ctx context.Context, rawURL, accept string) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > f.opts.MaxBodyBytes {
		return nil, fmt.Errorf("%w: more than %d bytes from %s", ErrBodyTooLarge, f.opts.MaxBodyBytes, rawURL)
	}

	contentType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}
	return &Response{URL: resp.Request.URL.String(), ContentType: contentType, Body: body}, nil
}

// Get implements crypto.Getter so key documents share the fetch policy.
func (f *HTTPFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	resp, err := f.Fetch(ctx, url, AcceptJSON+", application/x-pem-file")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
