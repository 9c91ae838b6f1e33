package logger

import (
	"net/url"
	"strings"
)

const redactedValue = "[REDACTED]"

// sensitiveKeywords mark field keys whose string values are never written out.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey", "authorization", "dsn",
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(k, kw) {
			return true
		}
	}
	return false
}

// RedactURL strips credentials, query and fragment from a channel URL so it can
// be logged. Notification URLs routinely embed bot tokens and passwords in the
// userinfo or query.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return redactedValue
	}
	if u.User != nil {
		u.User = url.User(redactedValue)
	}
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	u.Fragment = ""
	return u.String()
}
