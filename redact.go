package authclient

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/goliatone/go-print"
)

const redacted = "[REDACTED]"

var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"set-cookie":    true,
	"x-wp-nonce":    true,
}

var sensitiveFields = map[string]bool{
	"token":         true,
	"refreshtoken":  true,
	"refresh_token": true,
	"access_token":  true,
	"accesstoken":   true,
	"password":      true,
	"nonce":         true,
}

// RedactHeaders returns a flat copy of h safe for logging. extra names
// additional headers to hide (for example a custom nonce header).
func RedactHeaders(h http.Header, extra ...string) map[string]string {
	hidden := map[string]bool{}
	for _, name := range extra {
		hidden[strings.ToLower(name)] = true
	}

	out := make(map[string]string, len(h))
	for name, values := range h {
		lower := strings.ToLower(name)
		if sensitiveHeaders[lower] || hidden[lower] {
			out[name] = redactValue(lower, strings.Join(values, ", "))
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// RedactJSON hides credential fields in a JSON document. Non JSON input is
// replaced entirely.
func RedactJSON(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return redacted
	}

	return print.MaybePrettyJSON(redactAny(doc))
}

// redactDetails renders metadata for a log line
func redactDetails(details map[string]any) string {
	return print.MaybePrettyJSON(redactAny(details))
}

func redactAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if sensitiveFields[strings.ToLower(k)] {
				out[k] = redacted
				continue
			}
			out[k] = redactAny(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redactAny(val)
		}
		return out
	default:
		return v
	}
}

func redactValue(header, value string) string {
	if header == "authorization" {
		if scheme, _, ok := strings.Cut(value, " "); ok {
			return scheme + " " + redacted
		}
	}
	return redacted
}
