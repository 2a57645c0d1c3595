package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/artpar/quotagate/adapters/metrics"
	"github.com/artpar/quotagate/ports"
)

// maxDemoResponse caps the demo API body read into memory.
const maxDemoResponse = 1 << 20

// ErrUpstreamStatus is returned when the demo API answers with an error status.
var ErrUpstreamStatus = errors.New("demo api returned an error status")

// DemoClient calls the outbound demo API.
type DemoClient struct {
	client  *http.Client
	url     *url.URL
	metrics *metrics.Collector
}

// DemoConfig contains configuration for the demo API client.
type DemoConfig struct {
	URL             string
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	Metrics         *metrics.Collector
}

// NewDemoClient creates a new demo API client.
func NewDemoClient(cfg DemoConfig) (*DemoClient, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse demo api URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("demo api URL must be http or https, got %q", cfg.URL)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = 10
	}

	idleConnTimeout := cfg.IdleConnTimeout
	if idleConnTimeout == 0 {
		idleConnTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConns,
		IdleConnTimeout:     idleConnTimeout,
	}

	return &DemoClient{
		client:  &http.Client{Transport: transport, Timeout: timeout},
		url:     u,
		metrics: cfg.Metrics,
	}, nil
}

// Call performs a GET against the demo API and returns its JSON body.
func (c *DemoClient) Call(ctx context.Context) (json.RawMessage, error) {
	start := time.Now()
	status := "error"
	defer func() {
		if c.metrics != nil {
			c.metrics.DemoAPIDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url.String(), nil)
	if err != nil {
		c.countError("request")
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "quotagate")

	resp, err := c.client.Do(req)
	if err != nil {
		c.countError("transport")
		return nil, fmt.Errorf("call demo api: %w", err)
	}
	defer resp.Body.Close()
	status = strconv.Itoa(resp.StatusCode)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDemoResponse))
	if err != nil {
		c.countError("read")
		return nil, fmt.Errorf("read demo api response: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.countError("status")
		return nil, fmt.Errorf("%w: %d", ErrUpstreamStatus, resp.StatusCode)
	}
	if !json.Valid(body) {
		c.countError("decode")
		return nil, fmt.Errorf("demo api response is not valid JSON")
	}
	return json.RawMessage(body), nil
}

func (c *DemoClient) countError(kind string) {
	if c.metrics != nil {
		c.metrics.DemoAPIErrors.WithLabelValues(kind).Inc()
	}
}

// HealthCheck verifies the demo API is reachable.
func (c *DemoClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url.String(), nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	// Any response (even 404) means the host is reachable
	return nil
}

// Close closes idle connections.
func (c *DemoClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// Ensure interface compliance.
var _ ports.DemoAPI = (*DemoClient)(nil)
