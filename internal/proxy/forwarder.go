// Package proxy forwards gateway requests to backend services with
// circuit breaking, bounded retries, and an error taxonomy that maps
// upstream failures onto stable gateway status codes.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cloudgate/gateway/internal/apierror"
	"github.com/cloudgate/gateway/internal/circuitbreaker"
	"github.com/cloudgate/gateway/internal/config"
	"github.com/cloudgate/gateway/internal/metrics"
)

// ErrUnknownService is returned when a request names a service that has
// no entry in the routing table.
var ErrUnknownService = errors.New("unknown service")

// forwardHeaders is the allowlist of request headers passed through to
// backends. Everything else is dropped at the gateway boundary.
var forwardHeaders = []string{
	"Authorization",
	"Content-Type",
	"Accept",
	"X-Request-ID",
	"X-Correlation-ID",
	"User-Agent",
}

// methods whose bodies are forwarded upstream.
func hasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// Forwarder proxies requests to configured backend services. Each service
// gets its own circuit breaker, created lazily on first use so that
// unknown service names never pollute the registry.
type Forwarder struct {
	targets  map[string]*url.URL
	registry *circuitbreaker.Registry
	breaker  circuitbreaker.Config
	client   *http.Client
	cfg      config.ProxyConfig
	logger   *slog.Logger
}

// New builds a Forwarder from the service table. Every service URL must
// parse as an absolute URL or construction fails.
func New(services map[string]config.ServiceConfig, proxyCfg config.ProxyConfig, breakerCfg circuitbreaker.Config, registry *circuitbreaker.Registry, logger *slog.Logger) (*Forwarder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	targets := make(map[string]*url.URL, len(services))
	for name, svc := range services {
		target, err := url.Parse(svc.URL)
		if err != nil || !target.IsAbs() {
			return nil, fmt.Errorf("invalid URL %q for service %q: %w", svc.URL, name, err)
		}
		targets[name] = target
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: proxyCfg.ConnectTimeout,
		}).DialContext,
		MaxIdleConns:        proxyCfg.MaxIdleConns,
		MaxIdleConnsPerHost: proxyCfg.MaxIdlePerHost,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Forwarder{
		targets:  targets,
		registry: registry,
		breaker:  breakerCfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   proxyCfg.RequestTimeout,
		},
		cfg:    proxyCfg,
		logger: logger,
	}, nil
}

// ServiceNames returns the configured service names, sorted.
func (f *Forwarder) ServiceNames() []string {
	names := make([]string, 0, len(f.targets))
	for name := range f.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasService reports whether service is in the routing table.
func (f *Forwarder) HasService(service string) bool {
	_, ok := f.targets[service]
	return ok
}

// Forward proxies the request to the named service at path, writing the
// backend response (or a gateway error) to w. The routing table is
// consulted before the breaker registry, so a typo'd service name never
// materializes a breaker.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, service, path string) {
	start := time.Now()

	target, ok := f.targets[service]
	if !ok {
		f.logger.Warn("request for unknown service", "service", service, "path", path)
		apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UnknownService,
			fmt.Sprintf("unknown service %q", service))
		return
	}

	breaker := f.registry.GetOrCreate(service, f.breaker)
	if !breaker.CanExecute() {
		metrics.CircuitBreakerRejections.WithLabelValues(service).Inc()
		f.logger.Warn("circuit breaker rejected request", "service", service, "path", path)
		w.Header().Set("Retry-After", strconv.Itoa(int(breaker.RecoveryTimeout().Seconds())))
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.CircuitOpen,
			"circuit breaker open")
		f.observe(service, r.Method, http.StatusServiceUnavailable, start)
		return
	}

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	resp, err := f.doWithRetries(r, service, target, path)
	if err != nil {
		// An oversized body tripping the inbound limit is the client's
		// fault, not the backend's; it must not feed the breaker.
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge,
				apierror.RequestTooLarge, "request body exceeds the configured limit")
			f.observe(service, r.Method, http.StatusRequestEntityTooLarge, start)
			return
		}
		breaker.RecordFailure()
		status, code, kind, message := classify(err)
		metrics.UpstreamErrors.WithLabelValues(service, kind).Inc()
		f.logger.Error("upstream request failed",
			"service", service, "path", path, "kind", kind, "error", err)
		apierror.WriteJSON(w, r, status, code, message)
		f.observe(service, r.Method, status, start)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		breaker.RecordFailure()
		metrics.UpstreamErrors.WithLabelValues(service, "status_5xx").Inc()
	} else {
		breaker.RecordSuccess()
	}

	// Relay the backend response unchanged. Backend errors below 500 are
	// application-level outcomes, not gateway failures.
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		f.logger.Debug("error streaming response body", "service", service, "error", err)
	}

	f.observe(service, r.Method, resp.StatusCode, start)
}

// doWithRetries issues the outbound request up to MaxAttempts times with
// exponential backoff. Only transport errors are retried; any HTTP
// response, including a 5xx, is final. The request body is buffered once
// so every attempt replays identical bytes.
func (f *Forwarder) doWithRetries(r *http.Request, service string, target *url.URL, path string) (*http.Response, error) {
	var body []byte
	if hasBody(r.Method) && r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		r.Body.Close()
	}

	outURL := *target
	outURL.Path = singleJoin(target.Path, path)
	if r.URL.RawPath != "" && path == r.URL.Path {
		// Relay the client's percent-encoding verbatim; re-encoding the
		// decoded path would mangle encoded separators like %2F.
		outURL.RawPath = singleJoin(target.EscapedPath(), r.URL.RawPath)
	}
	outURL.RawQuery = r.URL.RawQuery

	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}

		out, err := http.NewRequestWithContext(r.Context(), r.Method, outURL.String(), reqBody)
		if err != nil {
			return nil, fmt.Errorf("building upstream request: %w", err)
		}
		for _, h := range forwardHeaders {
			if v := r.Header.Get(h); v != "" {
				out.Header.Set(h, v)
			}
		}
		out.Header.Set("X-Forwarded-By", "cloudgate-gateway")

		resp, err := f.client.Do(out)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt == f.cfg.MaxAttempts || r.Context().Err() != nil {
			break
		}

		metrics.RetryTotal.WithLabelValues(service).Inc()
		backoff := f.backoff(attempt)
		f.logger.Warn("retrying upstream request",
			"service", service, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-r.Context().Done():
			return nil, r.Context().Err()
		}
	}
	return nil, lastErr
}

// backoff doubles per attempt from the base, capped at the max.
func (f *Forwarder) backoff(attempt int) time.Duration {
	d := f.cfg.BackoffBase << (attempt - 1)
	if d > f.cfg.BackoffMax {
		d = f.cfg.BackoffMax
	}
	return d
}

// HealthCheck probes the named service's health endpoint. A 2xx response
// means healthy; anything else, including transport errors, is reported
// as an error.
func (f *Forwarder) HealthCheck(ctx context.Context, service string) error {
	target, ok := f.targets[service]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownService, service)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	healthURL := *target
	healthURL.Path = singleJoin(target.Path, "/health")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL.String(), nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check for %q: %w", service, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check for %q: status %d", service, resp.StatusCode)
	}
	return nil
}

func (f *Forwarder) observe(service, method string, status int, start time.Time) {
	statusStr := strconv.Itoa(status)
	metrics.RequestsTotal.WithLabelValues(service, method, statusStr).Inc()
	metrics.RequestDuration.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
}

// classify maps a transport error to the gateway status, error code,
// metric kind, and client-facing message.
func classify(err error) (int, apierror.ErrorCode, string, string) {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return http.StatusGatewayTimeout, apierror.UpstreamTimeout, "timeout",
			"upstream service timed out"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return http.StatusServiceUnavailable, apierror.UpstreamUnavailable, "connect",
			"upstream service unavailable"
	}

	return http.StatusBadGateway, apierror.UpstreamProtocolError, "protocol",
		"error communicating with upstream service"
}

// hop-by-hop headers are stripped when relaying backend responses.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func copyHeaders(dst, src http.Header) {
	for k, vals := range src {
		if hopByHop[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// singleJoin joins base and path with exactly one slash between them.
func singleJoin(base, path string) string {
	switch {
	case base == "":
		return path
	case strings.HasSuffix(base, "/") && strings.HasPrefix(path, "/"):
		return base + path[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(path, "/"):
		return base + "/" + path
	}
	return base + path
}
