package logger

import (
	"net/url"
	"sort"
	"strings"
)

// SanitizedEmail masks an email address for logging (e.g., "u***@e***.com")
func SanitizedEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "[invalid-email]"
	}

	username := parts[0]
	domain := parts[1]

	if len(username) > 1 {
		username = string(username[0]) + strings.Repeat("*", len(username)-1)
	}

	// keep the TLD only
	domainParts := strings.Split(domain, ".")
	if len(domainParts) > 1 {
		for i := 0; i < len(domainParts)-1; i++ {
			domainParts[i] = strings.Repeat("*", len(domainParts[i]))
		}
		domain = strings.Join(domainParts, ".")
	}

	return username + "@" + domain
}

var secretParams = map[string]bool{
	"token":         true,
	"captcha_token": true,
	"secret":        true,
	"api_key":       true,
	"password":      true,
	"auth":          true,
}

// RedactQuery returns rawQuery with secret parameter values replaced and
// email values masked. Unparseable queries are redacted entirely.
func RedactQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "[REDACTED]"
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		lower := strings.ToLower(k)
		for _, v := range values[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			switch {
			case secretParams[lower]:
				v = "[REDACTED]"
			case lower == "email":
				v = SanitizedEmail(v)
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return b.String()
}
