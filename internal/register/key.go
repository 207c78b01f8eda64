package register

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"unicode"
)

// NormalizeKey canonicalizes a source key so that trivially different
// spellings of the same artifact map to one ID. Paths are cleaned and use
// forward slashes; URLs get a lower-case scheme and host and encoded spaces.
func NormalizeKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: control character in %q", ErrInvalidKey, key)
		}
	}
	if strings.Contains(key, "://") {
		return normalizeURL(key)
	}
	return normalizePath(key)
}

func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.ReplaceAll(raw, " ", "%20"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidKey, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: url without host %q", ErrInvalidKey, raw)
	}
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return u.String(), nil
}

func normalizePath(raw string) (string, error) {
	p := path.Clean(strings.ReplaceAll(raw, "\\", "/"))
	p = strings.TrimPrefix(p, "./")
	if p == "." || p == "/" || p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("%w: path %q does not name a document", ErrInvalidKey, raw)
	}
	return p, nil
}
