// Package fetch reads JSON from the upstream API on behalf of the resident credentials, serving
// repeated reads from a TTL cache and collapsing concurrent identical reads into one request.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"credlayer/internal/cachekey"
	"credlayer/internal/dedup"
	"credlayer/internal/ttlcache"
	"credlayer/internal/types"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	log "github.com/sirupsen/logrus"
)

const maxBodySize = 8 << 20

// Credentials is the part of the credential manager the client needs.
type Credentials interface {
	Credentials() (types.CredentialSet, bool)
	ResetActivityTimer()
}

type Options struct {
	BaseURL string
	// Timeout bounds one upstream round trip. Defaults to types.DefaultUpstreamTimeout.
	Timeout time.Duration
	// HTTPClient replaces the default gzip-aware client; Timeout is ignored when it is set.
	HTTPClient *http.Client
}

// GetOptions tune a single read.
type GetOptions struct {
	// TTL of the cached result; zero uses the cache default.
	TTL time.Duration
	// Select is a JMESPath expression applied to the decoded body before it is returned.
	// The cache always holds the full body.
	Select string
	// Refresh skips the cache lookup; the fresh result still replaces the cached one.
	Refresh bool
}

// UpstreamError is returned when the upstream answers with a non-2xx status.
type UpstreamError struct {
	Status int
	Path   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d for %s", e.Status, e.Path)
}

type Client struct {
	base    *url.URL
	http    *http.Client
	creds   Credentials
	cache   *ttlcache.TTL[string, any]
	flights *dedup.Group[any]

	// resets is bumped by Reset; a request started before a reset does not populate the cache.
	resets atomic.Uint64
}

func New(creds Credentials, cache *ttlcache.TTL[string, any], flights *dedup.Group[any], opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, types.Err(types.ErrInvalidConfig, err, "upstream base url %q", opts.BaseURL)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = types.DefaultUpstreamTimeout
		}
		httpClient = &http.Client{
			Transport: gzhttp.Transport(http.DefaultTransport),
			Timeout:   timeout,
		}
	}
	return &Client{
		base:    base,
		http:    httpClient,
		creds:   creds,
		cache:   cache,
		flights: flights,
	}, nil
}

// Get returns the JSON document at path with params as query string. A successful upstream read
// counts as user activity and extends the credential session.
func (c *Client) Get(ctx context.Context, path string, params map[string]any, opts GetOptions) (any, error) {
	if _, ok := c.creds.Credentials(); !ok {
		return nil, types.ErrNoCredentials
	}
	key := cachekey.Derive(path, params)

	if !opts.Refresh {
		if v, ok := c.cache.Get(key); ok {
			return project(v, opts.Select)
		}
	}

	v, err := c.flights.Do(ctx, key, func(ctx context.Context) (any, error) {
		resets := c.resets.Load()
		body, err := c.roundTrip(ctx, path, params)
		if err != nil {
			return nil, err
		}
		if c.resets.Load() != resets {
			return nil, types.ErrNoCredentials
		}
		c.cache.SetWithTTL(key, body, opts.TTL)
		c.creds.ResetActivityTimer()
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return project(v, opts.Select)
}

// Reset drops every cached result and forgets the in-flight requests. Called when the credentials
// go away so that nothing read with them is served afterwards.
func (c *Client) Reset() {
	c.resets.Add(1)
	c.flights.CancelAll()
	c.cache.Clear()
}

func (c *Client) roundTrip(ctx context.Context, path string, params map[string]any) (any, error) {
	creds, ok := c.creds.Credentials()
	if !ok {
		return nil, types.ErrNoCredentials
	}

	u := c.base.JoinPath(path)
	if len(params) > 0 {
		q := u.Query()
		for name, v := range params {
			if values, ok := v.([]string); ok {
				q[name] = slices.Clone(values)
				continue
			}
			q.Set(name, queryValue(v))
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set(types.IdentityKeyHdrName, creds.IdentityKey)
	req.Header.Set(types.AccessKeyHdrName, creds.AccessKey)
	req.Header.Set(types.RequestIDHdrName, requestID)

	logger := log.WithFields(log.Fields{"path": u.Path, "request_id": requestID})
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		logger.WithError(err).Warn("upstream request failed")
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	logger.WithFields(log.Fields{
		"status":  resp.StatusCode,
		"elapsed": time.Since(start),
	}).Debug("upstream responded")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return nil, &UpstreamError{Status: resp.StatusCode, Path: u.Path}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode upstream body of %s: %w", u.Path, err)
	}
	return body, nil
}

func queryValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return strings.Trim(string(b), `"`)
	}
}
