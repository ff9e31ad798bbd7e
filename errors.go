package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"

	goerrors "github.com/goliatone/go-errors"
)

// Kind is the failure taxonomy attached to every error surfaced by the
// request pipeline.
type Kind string

const (
	KindNetwork            Kind = "network"
	KindCrossOriginBlocked Kind = "cross_origin_blocked"
	KindAuthExpired        Kind = "auth_expired"
	KindInvalidNonce       Kind = "invalid_nonce"
	KindValidation         Kind = "validation"
	KindServerFault        Kind = "server_fault"
	KindClientFault        Kind = "client_fault"
	KindUnknown            Kind = "unknown"
)

const (
	TextCodeNetwork            = "NETWORK_ERROR"
	TextCodeCrossOriginBlocked = "CROSS_ORIGIN_BLOCKED"
	TextCodeAuthExpired        = "AUTH_EXPIRED"
	TextCodeInvalidNonce       = "INVALID_NONCE"
	TextCodeValidation         = "VALIDATION_FAILED"
	TextCodeServerFault        = "SERVER_FAULT"
	TextCodeClientFault        = "CLIENT_FAULT"
	TextCodeUnknown            = "UNKNOWN_ERROR"

	textCodeNoSession      = "NO_SESSION"
	textCodeNoRefreshToken = "NO_REFRESH_TOKEN"
)

// DefaultInvalidNonceCode is the error code the admin API returns with a
// 403 when the nonce is stale.
const DefaultInvalidNonceCode = "rest_cookie_invalid_nonce"

// maxErrorBody bounds how much of an error response we buffer for
// classification
const maxErrorBody = 64 << 10

// ErrNoSession is returned by actions that need an authenticated session
var ErrNoSession = goerrors.New("no active session", goerrors.CategoryAuth).
	WithTextCode(textCodeNoSession).
	WithCode(goerrors.CodeUnauthorized)

// ErrNoRefreshToken is returned when a refresh is requested without a refresh token
var ErrNoRefreshToken = goerrors.New("no refresh token available", goerrors.CategoryAuth).
	WithTextCode(textCodeNoRefreshToken).
	WithCode(goerrors.CodeUnauthorized)

// ErrSessionExpired is surfaced when a bearer request still fails after one
// refresh-and-retry cycle.
var ErrSessionExpired = goerrors.New("session expired", goerrors.CategoryAuth).
	WithTextCode(TextCodeAuthExpired).
	WithCode(goerrors.CodeUnauthorized)

// ErrInvalidNonce is surfaced when an admin request still fails after one
// nonce renewal.
var ErrInvalidNonce = goerrors.New("invalid nonce", goerrors.CategoryAuth).
	WithTextCode(TextCodeInvalidNonce).
	WithCode(goerrors.CodeForbidden)

// ErrMalformedPayload is returned when a backend payload fails validation
var ErrMalformedPayload = goerrors.New("malformed payload", goerrors.CategoryValidation).
	WithTextCode(TextCodeValidation).
	WithCode(goerrors.CodeBadRequest)

// ErrCrossOriginRedirect is returned by the client redirect policy when a
// response tries to move an authenticated request to another origin.
var ErrCrossOriginRedirect = goerrors.New("cross-origin redirect blocked", goerrors.CategoryAuthz).
	WithTextCode(TextCodeCrossOriginBlocked).
	WithCode(goerrors.CodeForbidden)

var kindByTextCode = map[string]Kind{
	TextCodeNetwork:            KindNetwork,
	TextCodeCrossOriginBlocked: KindCrossOriginBlocked,
	TextCodeAuthExpired:        KindAuthExpired,
	TextCodeInvalidNonce:       KindInvalidNonce,
	TextCodeValidation:         KindValidation,
	TextCodeServerFault:        KindServerFault,
	TextCodeClientFault:        KindClientFault,
	TextCodeUnknown:            KindUnknown,
	textCodeNoSession:          KindAuthExpired,
	textCodeNoRefreshToken:     KindAuthExpired,
}

// KindOf reports the taxonomy kind of err. It returns an empty Kind for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var richErr *goerrors.Error
	if stderrors.As(err, &richErr) && richErr != nil {
		if kind, ok := kindByTextCode[richErr.TextCode]; ok {
			return kind
		}
	}

	if isNetworkError(err) {
		return KindNetwork
	}

	return KindUnknown
}

// IsAuthFailure reports whether err should end the session
func IsAuthFailure(err error) bool {
	switch KindOf(err) {
	case KindAuthExpired, KindInvalidNonce:
		return true
	default:
		return false
	}
}

// errorDetails copies the metadata attached to err
func errorDetails(err error) map[string]any {
	out := map[string]any{}
	var richErr *goerrors.Error
	if stderrors.As(err, &richErr) && richErr != nil {
		for k, v := range richErr.Metadata {
			out[k] = v
		}
	}
	return out
}

// FieldErrors returns the field level validation detail attached to err
func FieldErrors(err error) map[string]string {
	var richErr *goerrors.Error
	if !stderrors.As(err, &richErr) || richErr == nil || richErr.Metadata == nil {
		return nil
	}

	fields, ok := richErr.Metadata["fields"].(map[string]string)
	if !ok {
		return nil
	}
	return fields
}

// ClassifyError classifies a transport level failure, i.e. a request that
// produced no response.
func ClassifyError(err error, requestID string) error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if stderrors.As(err, &richErr) && richErr != nil {
		if _, ok := kindByTextCode[richErr.TextCode]; ok {
			return richErr
		}
	}

	meta := map[string]any{}
	if requestID != "" {
		meta["request_id"] = requestID
	}

	if stderrors.Is(err, ErrCrossOriginRedirect) {
		return kindError(KindCrossOriginBlocked, "request blocked by cross-origin redirect", err, meta)
	}

	if isNetworkError(err) {
		return kindError(KindNetwork, "network request failed", err, meta)
	}

	return kindError(KindUnknown, "request failed", err, meta)
}

// ClassifyResponse classifies a non successful response. The response body
// is buffered and restored so callers can still read it. It returns nil for
// 1xx-3xx responses.
func ClassifyResponse(resp *http.Response, requestID string, invalidNonceCode string) error {
	if resp == nil || resp.StatusCode < http.StatusBadRequest {
		return nil
	}

	if invalidNonceCode == "" {
		invalidNonceCode = DefaultInvalidNonceCode
	}

	body := peekErrorBody(resp)

	meta := map[string]any{"status": resp.StatusCode}
	if requestID != "" {
		meta["request_id"] = requestID
	}
	if body.Code != "" {
		meta["code"] = body.Code
	}

	message := body.Message
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return kindError(KindAuthExpired, message, nil, meta)
	case resp.StatusCode == http.StatusForbidden && body.Code == invalidNonceCode:
		return kindError(KindInvalidNonce, message, nil, meta)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		if fields := body.fields(); len(fields) > 0 {
			meta["fields"] = fields
		}
		return kindError(KindValidation, message, nil, meta).WithCode(resp.StatusCode)
	case resp.StatusCode >= http.StatusInternalServerError:
		return kindError(KindServerFault, message, nil, meta).WithCode(resp.StatusCode)
	default:
		return kindError(KindClientFault, message, nil, meta).WithCode(resp.StatusCode)
	}
}

func kindError(kind Kind, message string, source error, meta map[string]any) *goerrors.Error {
	var richErr *goerrors.Error
	switch kind {
	case KindNetwork:
		richErr = goerrors.New(message, goerrors.CategoryOperation).
			WithTextCode(TextCodeNetwork)
	case KindCrossOriginBlocked:
		richErr = goerrors.New(message, goerrors.CategoryAuthz).
			WithTextCode(TextCodeCrossOriginBlocked).
			WithCode(goerrors.CodeForbidden)
	case KindAuthExpired:
		richErr = goerrors.New(message, goerrors.CategoryAuth).
			WithTextCode(TextCodeAuthExpired).
			WithCode(goerrors.CodeUnauthorized)
	case KindInvalidNonce:
		richErr = goerrors.New(message, goerrors.CategoryAuth).
			WithTextCode(TextCodeInvalidNonce).
			WithCode(goerrors.CodeForbidden)
	case KindValidation:
		richErr = goerrors.New(message, goerrors.CategoryValidation).
			WithTextCode(TextCodeValidation).
			WithCode(goerrors.CodeBadRequest)
	case KindServerFault:
		richErr = goerrors.New(message, goerrors.CategoryInternal).
			WithTextCode(TextCodeServerFault).
			WithCode(goerrors.CodeInternal)
	case KindClientFault:
		richErr = goerrors.New(message, goerrors.CategoryBadInput).
			WithTextCode(TextCodeClientFault).
			WithCode(goerrors.CodeBadRequest)
	default:
		richErr = goerrors.New(message, goerrors.CategoryInternal).
			WithTextCode(TextCodeUnknown)
	}

	if source != nil {
		richErr.Source = source
	}
	if len(meta) > 0 {
		richErr = richErr.WithMetadata(meta)
	}
	return richErr
}

// withMetadata clones a catalogue error and attaches metadata to the copy
func withMetadata(base *goerrors.Error, source error, meta map[string]any) error {
	clone := base.Clone()
	if clone == nil {
		return base
	}
	if source != nil {
		clone.Source = source
	}
	if len(meta) > 0 {
		clone = clone.WithMetadata(meta)
	}
	return clone
}

func isNetworkError(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return true
	}

	// connections dropped mid exchange surface as bare EOFs
	if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}

	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return true
	}

	var urlErr *url.Error
	return stderrors.As(err, &urlErr)
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Errors  map[string]any `json:"errors"`
}

func (b errorBody) fields() map[string]string {
	if len(b.Errors) == 0 {
		return nil
	}

	keys := make([]string, 0, len(b.Errors))
	for k := range b.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		switch v := b.Errors[k].(type) {
		case string:
			out[k] = v
		case []any:
			if len(v) > 0 {
				out[k] = fmt.Sprint(v[0])
			}
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

func peekErrorBody(resp *http.Response) errorBody {
	var body errorBody
	if resp.Body == nil || resp.Body == http.NoBody {
		return body
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil || len(raw) == 0 {
		return body
	}

	_ = json.Unmarshal(raw, &body)
	return body
}
