package cache

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

// MaxKeyLength bounds the size of a request key.
const MaxKeyLength = 4096

// RequestKey builds the canonical identity of a request from its method and URL.
// Scheme and host are lower-cased and the fragment is dropped; path and query
// are kept verbatim so that distinct resources never collide.
//
// Example: RequestKey("get", "HTTPS://Example.com/a?b=1#top") -> "GET https://example.com/a?b=1"
func RequestKey(method, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return RequestKeyFromURL(method, u)
}

// RequestKeyFromURL is like RequestKey but takes a parsed URL.
func RequestKeyFromURL(method string, u *url.URL) (string, error) {
	if u == nil {
		return "", ErrInvalidKey
	}
	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	c.Fragment = ""
	c.RawFragment = ""
	c.User = nil
	if c.Path == "" && c.Host != "" {
		c.Path = "/"
	}

	key := strings.ToUpper(strings.TrimSpace(method)) + " " + c.String()
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

// ValidateKey checks if a request key is valid.
// Returns nil if the key is valid, or an error describing the problem.
//
// Rules:
// - Non-empty string
// - Maximum length of MaxKeyLength bytes
// - No control characters
// - No leading or trailing whitespace
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key too long (max %d characters)", ErrInvalidKey, MaxKeyLength)
	}

	for _, r := range key {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: key contains control character", ErrInvalidKey)
		}
	}

	if strings.TrimSpace(key) != key {
		return fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}

	return nil
}

// ValidateNamespace checks that a namespace name is usable by every backend.
// Namespaces may not be empty, contain whitespace or control characters, or contain ':'
// (used as a separator by the persistent backends).
func ValidateNamespace(namespace string) error {
	if namespace == "" {
		return ErrInvalidNamespace
	}
	for _, r := range namespace {
		if unicode.IsControl(r) || unicode.IsSpace(r) || r == ':' {
			return fmt.Errorf("%w: %q", ErrInvalidNamespace, namespace)
		}
	}
	return nil
}
