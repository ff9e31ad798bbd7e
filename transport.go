package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/goliatone/go-print"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// HeaderRequestID correlates a logical request across retries and logs
const HeaderRequestID = "X-Request-ID"

const maxRedirects = 10

// AuthFailureHandler is called once per logical request that ended in an
// unrecoverable auth failure.
type AuthFailureHandler func(ctx context.Context, err error)

// Transport is an http.RoundTripper that attaches credentials through an
// AuthScheme and retries a rejected request at most once after the scheme
// renewed the credentials.
type Transport struct {
	base             http.RoundTripper
	scheme           AuthScheme
	limiter          *rate.Limiter
	onAuthFailure    AuthFailureHandler
	invalidNonceCode string
	redactHeaders    []string
	logger           Logger
	metrics          *Metrics
}

type TransportOption func(*Transport)

func WithAuthFailureHandler(fn AuthFailureHandler) TransportOption {
	return func(t *Transport) {
		t.onAuthFailure = fn
	}
}

// WithRateLimit throttles outgoing requests. rps <= 0 disables it.
func WithRateLimit(rps float64) TransportOption {
	return func(t *Transport) {
		if rps <= 0 {
			t.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithInvalidNonceCode(code string) TransportOption {
	return func(t *Transport) {
		if code != "" {
			t.invalidNonceCode = code
		}
	}
}

func WithTransportLogger(logger Logger) TransportOption {
	return func(t *Transport) {
		t.logger = normalizeLogger(logger)
	}
}

func WithTransportMetrics(m *Metrics) TransportOption {
	return func(t *Transport) {
		t.metrics = m
	}
}

// NewTransport wraps base (http.DefaultTransport when nil) with scheme
func NewTransport(base http.RoundTripper, scheme AuthScheme, opts ...TransportOption) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if scheme == nil {
		scheme = NoAuth{}
	}

	t := &Transport{
		base:             base,
		scheme:           scheme,
		invalidNonceCode: DefaultInvalidNonceCode,
		logger:           defLogger{},
	}

	if ns, ok := scheme.(*NonceScheme); ok {
		t.redactHeaders = append(t.redactHeaders, ns.Header())
		t.invalidNonceCode = ns.invalidCode
	}

	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Scheme returns the auth scheme used by the transport
func (t *Transport) Scheme() AuthScheme {
	return t.scheme
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	marker, nested := markerFrom(ctx)
	if !nested {
		ctx, marker = withMarker(ctx)
	}

	out := req.Clone(ctx)
	requestID := out.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
		out.Header.Set(HeaderRequestID, requestID)
	}

	resp, err := t.send(ctx, out, requestID)
	if err != nil {
		return nil, err
	}

	// inner transports leave the retry budget to the outermost one
	if nested || !t.scheme.Rejects(resp) {
		return resp, nil
	}

	if marker.retried || !replayable(out) {
		return nil, t.fail(ctx, resp, requestID, nil)
	}

	recovery, rerr := t.scheme.Recover(ctx, out)
	if rerr != nil && KindOf(rerr) == KindNetwork {
		drain(resp)
		t.metrics.failure(KindNetwork)
		return nil, rerr
	}

	if recovery != RecoveryRetry {
		return nil, t.fail(ctx, resp, requestID, rerr)
	}

	drain(resp)
	marker.retried = true
	t.metrics.retry(t.scheme.Name())

	retry, err := rebuild(ctx, out)
	if err != nil {
		return nil, ClassifyError(err, requestID)
	}

	t.logger.Debug("retrying request after credential renewal", "request_id", requestID, "scheme", t.scheme.Name())

	resp, err = t.send(ctx, retry, requestID)
	if err != nil {
		return nil, err
	}

	if t.scheme.Rejects(resp) {
		return nil, t.fail(ctx, resp, requestID, nil)
	}
	return resp, nil
}

func (t *Transport) send(ctx context.Context, req *http.Request, requestID string) (*http.Response, error) {
	if t.limiter != nil {
		// Wait also fails early when the deadline can not be met
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, kindError(KindNetwork, "request throttled past its deadline", err, map[string]any{"request_id": requestID})
		}
	}

	if err := t.scheme.Attach(ctx, req); err != nil {
		err = ClassifyError(err, requestID)
		kind := KindOf(err)
		t.metrics.failure(kind)
		if kind != KindNetwork && t.onAuthFailure != nil {
			t.onAuthFailure(ctx, err)
		}
		return nil, err
	}

	t.logger.Debug("auth request",
		"request_id", requestID,
		"scheme", t.scheme.Name(),
		"method", req.Method,
		"url", req.URL.Redacted(),
		"headers", print.MaybePrettyJSON(RedactHeaders(req.Header, t.redactHeaders...)),
	)

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		err = ClassifyError(err, requestID)
		t.metrics.failure(KindOf(err))
		return nil, err
	}
	return resp, nil
}

// fail turns a rejected response into the terminal auth error and tells
// the session about it.
func (t *Transport) fail(ctx context.Context, resp *http.Response, requestID string, cause error) error {
	err := ClassifyResponse(resp, requestID, t.invalidNonceCode)
	drain(resp)

	if !IsAuthFailure(err) {
		base := ErrSessionExpired
		if t.scheme.Name() == "nonce" {
			base = ErrInvalidNonce
		}
		err = withMetadata(base, err, map[string]any{"request_id": requestID})
	}

	details := errorDetails(err)
	details["request_id"] = requestID
	details["scheme"] = t.scheme.Name()
	details["kind"] = string(KindOf(err))
	if resp != nil {
		details["status"] = resp.StatusCode
	}
	if cause != nil {
		details["cause"] = cause.Error()
	}
	t.logger.Info("auth request rejected", "details", redactDetails(details))

	t.metrics.failure(KindOf(err))
	if t.onAuthFailure != nil {
		t.onAuthFailure(ctx, err)
	}
	return err
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func rebuild(ctx context.Context, req *http.Request) (*http.Request, error) {
	retry := req.Clone(ctx)
	if req.Body == nil || req.Body == http.NoBody {
		return retry, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	retry.Body = body
	return retry, nil
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}

// Client wraps an http.Client built around a Transport and classifies every
// non successful outcome.
type Client struct {
	HTTP             *http.Client
	InvalidNonceCode string
}

// NewClient creates a client for rt with a bounded timeout. Redirects that
// leave the origin of the first request are refused. jar may be nil, in
// which case a fresh cookie jar is used.
func NewClient(rt http.RoundTripper, timeout time.Duration, jar http.CookieJar) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if jar == nil {
		jar = NewCookieJar()
	}

	code := DefaultInvalidNonceCode
	if t, ok := rt.(*Transport); ok {
		code = t.invalidNonceCode
	}

	return &Client{
		HTTP: &http.Client{
			Transport:     rt,
			Timeout:       timeout,
			Jar:           jar,
			CheckRedirect: sameOriginRedirect,
		},
		InvalidNonceCode: code,
	}
}

// NewCookieJar returns an in memory cookie jar
func NewCookieJar() http.CookieJar {
	jar, _ := cookiejar.New(nil)
	return jar
}

func sameOriginRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	origin := via[0].URL
	if req.URL.Scheme != origin.Scheme || req.URL.Host != origin.Host {
		return withMetadata(ErrCrossOriginRedirect, nil, map[string]any{
			"from": origin.Scheme + "://" + origin.Host,
			"to":   req.URL.Scheme + "://" + req.URL.Host,
		})
	}
	return nil
}

// Do sends req. Transport failures and responses with status >= 400 come
// back as classified errors; on success the caller owns the body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	requestID := req.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
		req.Header.Set(HeaderRequestID, requestID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, ClassifyError(err, requestID)
	}

	if cerr := ClassifyResponse(resp, requestID, c.InvalidNonceCode); cerr != nil {
		drain(resp)
		return nil, cerr
	}
	return resp, nil
}

// JSON sends in (when not nil) as a JSON body and decodes the response into
// out (when not nil).
func (c *Client) JSON(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return withMetadata(ErrMalformedPayload, err, map[string]any{"payload": "request"})
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return kindError(KindClientFault, "invalid request", err, map[string]any{"url": url})
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return withMetadata(ErrMalformedPayload, err, map[string]any{
			"request_id": req.Header.Get(HeaderRequestID),
		})
	}
	return nil
}
