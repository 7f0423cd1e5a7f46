// Package guard provides the security primitives ghostwork applies at its
// trust boundaries: secret validation, URL safety checks for LLM-planned
// api_call steps (SSRF prevention), identifier validation for tenant-supplied
// IDs, and bounded I/O helpers.
package guard

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	// MinSecretLen is the minimum acceptable length for symmetric secrets
	// (service tokens, device secrets). 32 bytes = 256 bits of entropy.
	MinSecretLen = 32

	// MaxResponseBody is the default cap for HTTP response body reads (1 MiB).
	// Applies to api_call step outputs and LLM provider responses.
	MaxResponseBody int64 = 1 << 20

	maxIdentLen = 256
)

var (
	// ErrSecretTooShort is returned when a secret does not meet MinSecretLen.
	ErrSecretTooShort = fmt.Errorf("guard: secret must be at least %d bytes", MinSecretLen)

	// ErrSSRF is returned when a URL targets a private, loopback, link-local,
	// or unspecified address.
	ErrSSRF = errors.New("guard: URL targets a private or loopback address")

	// ErrUnsafeScheme is returned when a URL uses a non-HTTP(S) scheme.
	ErrUnsafeScheme = errors.New("guard: only http and https schemes are allowed")

	// ErrTooLarge is returned by LimitedReadAll when a body exceeds its cap.
	ErrTooLarge = errors.New("guard: body exceeds size limit")
)

// ValidateSecret checks that secret is at least MinSecretLen bytes.
func ValidateSecret(secret []byte) error {
	if len(secret) < MinSecretLen {
		return ErrSecretTooShort
	}
	return nil
}

// blockedIP reports whether dialing ip from inside the deployment could reach
// something the caller shouldn't. Unspecified addresses are blocked too:
// 0.0.0.0 connects to localhost on Linux.
func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// ValidateEndpoint checks that rawURL uses http/https, has a hostname, and
// does not point at a blocked address. Execution plans come from an LLM, so
// every api_call target passes through here before the request is made.
// Hostnames are resolved so an internal name cannot smuggle a private IP
// past a literal-only check.
func ValidateEndpoint(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("guard: invalid URL: %w", err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("guard: URL has no host")
	}

	if ip := net.ParseIP(host); ip != nil {
		if blockedIP(ip) {
			return ErrSSRF
		}
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable host: let the dial fail with a real network error
		// instead of masking it as a policy rejection.
		return nil
	}
	for _, ip := range ips {
		if blockedIP(ip) {
			return ErrSSRF
		}
	}
	return nil
}

// ValidateIdentifier rejects identifiers unsuitable for SQL parameters, log
// fields, or URL path segments. Allows alphanumeric, underscore, hyphen, and
// dot. Org IDs, ghost IDs, and device fingerprints arriving over HTTP are
// validated with this before any query runs.
func ValidateIdentifier(s string) error {
	switch {
	case s == "":
		return errors.New("guard: identifier must not be empty")
	case len(s) > maxIdentLen:
		return fmt.Errorf("guard: identifier too long (max %d)", maxIdentLen)
	}
	if i := strings.IndexFunc(s, invalidIdentRune); i >= 0 {
		r, _ := utf8.DecodeRuneInString(s[i:])
		return fmt.Errorf("guard: invalid character %q in identifier", r)
	}
	return nil
}

func invalidIdentRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case r == '_', r == '-', r == '.':
		return false
	}
	return true
}

// LimitedReadAll reads at most maxBytes from r, returning ErrTooLarge when
// the source holds more.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w (max %d bytes)", ErrTooLarge, maxBytes)
	}
	return data, nil
}
