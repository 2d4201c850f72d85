// Package restfetcher implements ingest.Fetcher for the JSON APIs the
// adapters call. Each call waits on the source's rate limiter, runs under its
// own deadline, and reports failures as *ingest.FetchError. It never retries.
package restfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
	"github.com/JakeFAU/baseddata-vacuum/internal/telemetry"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxBodyBytes = 32 << 20
	errorSnippetLen     = 160
)

// Limiter gates outbound calls per provider.
type Limiter interface {
	Wait(ctx context.Context, source string) error
	ReportResult(ctx context.Context, source string, statusCode int, retryAfter time.Duration)
}

// Archiver stores raw response bodies and returns their URI.
type Archiver interface {
	Archive(ctx context.Context, req ingest.FetchRequest, body []byte) (string, error)
}

// Config controls transport behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// Fetcher implements ingest.Fetcher over net/http.
type Fetcher struct {
	client   *http.Client
	limiter  Limiter
	archiver Archiver
	cfg      Config
	logger   *zap.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithArchiver stores every successful body through a.
func WithArchiver(a Archiver) Option {
	return func(f *Fetcher) {
		f.archiver = a
	}
}

// New builds a Fetcher. A nil client gets a pooled transport; a nil limiter
// disables throttling.
func New(client *http.Client, limiter Limiter, cfg Config, logger *zap.Logger, opts ...Option) *Fetcher {
	if client == nil {
		client = &http.Client{Transport: newHTTPTransport()}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		client:  client,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch executes one request.
func (f *Fetcher) Fetch(ctx context.Context, req ingest.FetchRequest) (ingest.FetchResponse, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "fetch")
	defer span.End()
	span.SetAttributes(
		attribute.String("vacuum.source", req.Source),
		attribute.String("vacuum.partition", req.Label),
		attribute.Int("vacuum.page", req.Page),
	)

	resp, err := f.fetch(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ingest.FetchResponse{}, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, nil
}

func (f *Fetcher) fetch(ctx context.Context, req ingest.FetchRequest) (ingest.FetchResponse, error) {
	key := req.LimitKey()
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, key); err != nil {
			return ingest.FetchResponse{}, f.fail(req, ingest.FetchNetwork, 0, err)
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := f.buildRequest(callCtx, req)
	if err != nil {
		return ingest.FetchResponse{}, f.fail(req, ingest.FetchNetwork, 0, err)
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return ingest.FetchResponse{}, f.transportFailure(ctx, callCtx, req, err, time.Since(start))
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Debug("failed to close response body", zap.Error(cerr))
		}
	}()

	body, err := f.readBody(resp.Body)
	duration := time.Since(start)
	if err != nil {
		kind := ingest.FetchDecode
		if callCtx.Err() != nil {
			kind = ingest.FetchTimeout
		}
		telemetry.ObserveFetch(req.Source, string(kind), len(body), duration)
		return ingest.FetchResponse{}, f.fail(req, kind, resp.StatusCode, err)
	}

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	if f.limiter != nil {
		f.limiter.ReportResult(ctx, key, resp.StatusCode, retryAfter)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		telemetry.ObserveFetch(req.Source, string(ingest.FetchRateLimited), len(body), duration)
		fe := f.fail(req, ingest.FetchRateLimited, resp.StatusCode, nil)
		fe.RetryAfter = retryAfter
		return ingest.FetchResponse{}, fe
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		telemetry.ObserveFetch(req.Source, string(ingest.FetchHTTPStatus), len(body), duration)
		var detail error
		if snippet := snippetOf(body); snippet != "" {
			detail = errors.New(snippet)
		}
		return ingest.FetchResponse{}, f.fail(req, ingest.FetchHTTPStatus, resp.StatusCode, detail)
	}

	telemetry.ObserveFetch(req.Source, "success", len(body), duration)
	f.logger.Debug("fetched page",
		zap.String("source", req.Source),
		zap.String("partition", req.Label),
		zap.Int("page", req.Page),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
		zap.Duration("duration", duration),
	)

	out := ingest.FetchResponse{
		URL:        httpReq.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		Duration:   duration,
	}
	if f.archiver != nil {
		uri, aerr := f.archiver.Archive(ctx, req, body)
		if aerr != nil {
			f.logger.Warn("failed to archive response", zap.String("source", req.Source), zap.Error(aerr))
		} else {
			out.ArchiveURI = uri
		}
	}
	return out, nil
}

func (f *Fetcher) buildRequest(ctx context.Context, req ingest.FetchRequest) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	target := req.URL
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.Query.Encode()
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if f.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	return httpReq, nil
}

func (f *Fetcher) readBody(r io.Reader) ([]byte, error) {
	limited := io.LimitReader(r, f.cfg.MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return body, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return body[:f.cfg.MaxBodyBytes], fmt.Errorf("response exceeds %d bytes", f.cfg.MaxBodyBytes)
	}
	return body, nil
}

// transportFailure separates our own deadline from caller cancellation and
// plain network errors.
func (f *Fetcher) transportFailure(
	parent, callCtx context.Context,
	req ingest.FetchRequest,
	err error,
	duration time.Duration,
) *ingest.FetchError {
	kind := ingest.FetchNetwork
	var netErr net.Error
	switch {
	case parent.Err() != nil:
		err = parent.Err()
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		kind = ingest.FetchTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = ingest.FetchTimeout
	}
	telemetry.ObserveFetch(req.Source, string(kind), 0, duration)
	if kind == ingest.FetchTimeout {
		return f.fail(req, kind, 0, nil)
	}
	// url.Error repeats the full URL, api_key included.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	return f.fail(req, kind, 0, err)
}

func (f *Fetcher) fail(req ingest.FetchRequest, kind ingest.FetchErrorKind, status int, err error) *ingest.FetchError {
	return &ingest.FetchError{
		Source:     req.Source,
		Label:      req.Label,
		Page:       req.Page,
		Kind:       kind,
		StatusCode: status,
		Err:        err,
	}
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func snippetOf(body []byte) string {
	s := strings.Join(strings.Fields(string(body)), " ")
	if len(s) > errorSnippetLen {
		s = s[:errorSnippetLen] + "..."
	}
	return s
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}
