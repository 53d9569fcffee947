package subscriber

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/darkden-lab/quakewatch/internal/aggregator"
	"github.com/darkden-lab/quakewatch/internal/quake"
)

var (
	// ErrLookupUnavailable means the detail lookup failed or did not answer
	// 200. The agent falls back to the raw event.
	ErrLookupUnavailable = errors.New("detail lookup unavailable")
	// ErrReportUnavailable means the aggregator did not accept a report. The
	// report is dropped.
	ErrReportUnavailable = errors.New("aggregator report unavailable")
)

// Lookup fetches the enriched detail of a quake.
type Lookup interface {
	Detail(ctx context.Context, id string) (quake.Detail, error)
}

// Reporter delivers a disposition report to the aggregator.
type Reporter interface {
	Report(ctx context.Context, report aggregator.Report) error
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, id string) (quake.Detail, error)

func (f LookupFunc) Detail(ctx context.Context, id string) (quake.Detail, error) {
	return f(ctx, id)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, report aggregator.Report) error

func (f ReporterFunc) Report(ctx context.Context, report aggregator.Report) error {
	return f(ctx, report)
}

// ClientConfig configures the HTTP collaborators of an agent.
type ClientConfig struct {
	LookupURL     string
	AggregatorURL string
	LookupTimeout time.Duration
	ReportTimeout time.Duration
}

// Client talks to the lookup service and the aggregator over HTTP. It
// implements both Lookup and Reporter.
type Client struct {
	http          *http.Client
	lookupURL     string
	aggregatorURL string
	lookupTimeout time.Duration
	reportTimeout time.Duration
}

// NewClient creates a Client. Zero timeouts default to 5s for lookups and 3s
// for reports.
func NewClient(cfg ClientConfig) *Client {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 5 * time.Second
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 3 * time.Second
	}
	return &Client{
		http:          newHTTPClient(),
		lookupURL:     strings.TrimRight(cfg.LookupURL, "/"),
		aggregatorURL: strings.TrimRight(cfg.AggregatorURL, "/"),
		lookupTimeout: cfg.LookupTimeout,
		reportTimeout: cfg.ReportTimeout,
	}
}

// newHTTPClient returns a client with bounded dial and handshake times.
// Per-request deadlines come from the caller's context.
func newHTTPClient() *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 3 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 3 * time.Second,
	}
	return &http.Client{Transport: tr}
}

// Detail performs GET {LookupURL}/quakes/{id}.
func (c *Client) Detail(ctx context.Context, id string) (quake.Detail, error) {
	ctx, cancel := context.WithTimeout(ctx, c.lookupTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.lookupURL+"/quakes/"+url.PathEscape(id), nil)
	if err != nil {
		return quake.Detail{}, fmt.Errorf("%w: %v", ErrLookupUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return quake.Detail{}, fmt.Errorf("%w: %v", ErrLookupUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return quake.Detail{}, fmt.Errorf("%w: status %d", ErrLookupUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return quake.Detail{}, fmt.Errorf("%w: read body: %v", ErrLookupUnavailable, err)
	}
	detail, err := quake.DecodeDetail(body)
	if err != nil {
		return quake.Detail{}, fmt.Errorf("%w: %v", ErrLookupUnavailable, err)
	}
	return detail, nil
}

// Report performs POST {AggregatorURL}/regions/report.
func (c *Client) Report(ctx context.Context, report aggregator.Report) error {
	ctx, cancel := context.WithTimeout(ctx, c.reportTimeout)
	defer cancel()

	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("%w: encode report: %v", ErrReportUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.aggregatorURL+"/regions/report", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReportUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReportUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrReportUnavailable, resp.StatusCode)
	}
	return nil
}
