package settings

import (
	"net/url"
	"strings"
)

var (
	sensitiveFragments = []string{
		"secret",
		"passphrase",
		"apikey",
		"privatekey",
		"token",
		"password",
		"accesskey",
	}

	keyReplacer = strings.NewReplacer("-", "", "_", "", " ", "")
)

// Sanitize returns a copy of cfg with sensitive keys removed and credentials
// stripped from URL-like values such as DSNs.
func Sanitize(cfg map[string]any) map[string]any {
	if len(cfg) == 0 {
		return nil
	}
	clean := make(map[string]any, len(cfg))
	for key, value := range cfg {
		if sensitiveKey(key) {
			continue
		}
		if v := sanitizeValue(value); v != nil {
			clean[key] = v
		}
	}
	if len(clean) == 0 {
		return nil
	}
	return clean
}

func sanitizeValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return Sanitize(v)
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			if s := sanitizeValue(item); s != nil {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []string:
		return append([]string(nil), v...)
	case string:
		return redactURL(v)
	default:
		return value
	}
}

// redactURL masks the password of URL values carrying user info.
func redactURL(value string) string {
	if !strings.Contains(value, "://") || !strings.Contains(value, "@") {
		return value
	}
	u, err := url.Parse(value)
	if err != nil || u.User == nil {
		return value
	}
	if _, has := u.User.Password(); !has {
		return value
	}
	return u.Redacted()
}

func sensitiveKey(key string) bool {
	normalized := keyReplacer.Replace(strings.ToLower(strings.TrimSpace(key)))
	if normalized == "" {
		return false
	}
	for _, fragment := range sensitiveFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}
