package seigen

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// KeyExtractor derives the client key of an HTTP request. Requests with the
// same key share one identity, and so one set of windows and bans.
type KeyExtractor func(*http.Request) (string, error)

// ExtractIP keys clients by the host part of r.RemoteAddr.
func ExtractIP() KeyExtractor {
	return func(r *http.Request) (string, error) {
		ip := remoteIP(r)
		if ip == "" {
			return "", fmt.Errorf("%w: empty remote address", ErrKeyExtractionFailed)
		}
		return ip, nil
	}
}

// ExtractIPWithProxy keys clients by the first valid address in
// X-Forwarded-For, then X-Real-IP, then r.RemoteAddr.
// Only use it behind a proxy that overwrites these headers.
func ExtractIPWithProxy() KeyExtractor {
	return func(r *http.Request) (string, error) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Leftmost entry is the original client
			first, _, _ := strings.Cut(xff, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String(), nil
			}
		}

		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			if ip := net.ParseIP(xri); ip != nil {
				return ip.String(), nil
			}
		}

		ip := remoteIP(r)
		if ip == "" {
			return "", fmt.Errorf("%w: empty remote address", ErrKeyExtractionFailed)
		}
		return ip, nil
	}
}

// ExtractHeader keys clients by the value of a header, e.g. an API key.
func ExtractHeader(headerName string) KeyExtractor {
	return func(r *http.Request) (string, error) {
		value := r.Header.Get(headerName)
		if value == "" {
			return "", fmt.Errorf("%w: header %s not found or empty", ErrKeyExtractionFailed, headerName)
		}
		return fmt.Sprintf("header:%s:%s", headerName, value), nil
	}
}

// ExtractBearer keys clients by the token in "Authorization: Bearer <token>".
func ExtractBearer() KeyExtractor {
	return func(r *http.Request) (string, error) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			return "", fmt.Errorf("%w: Authorization header not found", ErrKeyExtractionFailed)
		}

		scheme, token, found := strings.Cut(auth, " ")
		if !found || !strings.EqualFold(scheme, "bearer") {
			return "", fmt.Errorf("%w: invalid Authorization header format", ErrKeyExtractionFailed)
		}

		token = strings.TrimSpace(token)
		if token == "" {
			return "", fmt.Errorf("%w: empty bearer token", ErrKeyExtractionFailed)
		}
		return "bearer:" + token, nil
	}
}

// ExtractComposite tries extractors in order and returns the first non-empty key.
//
// Example:
//
//	extractor := ExtractComposite(
//	    ExtractHeader("X-API-Key"),
//	    ExtractIPWithProxy(),
//	)
func ExtractComposite(extractors ...KeyExtractor) KeyExtractor {
	return func(r *http.Request) (string, error) {
		if len(extractors) == 0 {
			return "", fmt.Errorf("%w: no extractors provided", ErrKeyExtractionFailed)
		}

		var lastErr error
		for _, extractor := range extractors {
			key, err := extractor(r)
			if err == nil && key != "" {
				return key, nil
			}
			lastErr = err
		}
		if lastErr != nil {
			return "", fmt.Errorf("%w: all extractors failed: %v", ErrKeyExtractionFailed, lastErr)
		}
		return "", fmt.Errorf("%w: all extractors returned empty key", ErrKeyExtractionFailed)
	}
}

// ExtractStatic puts every request into one identity, for a global limit.
func ExtractStatic(key string) KeyExtractor {
	return func(r *http.Request) (string, error) {
		if key == "" {
			return "", fmt.Errorf("%w: static key is empty", ErrKeyExtractionFailed)
		}
		return key, nil
	}
}

// ExtractCookie keys clients by a cookie value, e.g. a session id.
func ExtractCookie(cookieName string) KeyExtractor {
	return func(r *http.Request) (string, error) {
		cookie, err := r.Cookie(cookieName)
		if err != nil {
			return "", fmt.Errorf("%w: cookie %s not found: %v", ErrKeyExtractionFailed, cookieName, err)
		}
		if cookie.Value == "" {
			return "", fmt.Errorf("%w: cookie %s has empty value", ErrKeyExtractionFailed, cookieName)
		}
		return fmt.Sprintf("cookie:%s:%s", cookieName, cookie.Value), nil
	}
}

// ParseKeyExtractorConfig builds a KeyExtractor from its config form:
//
//	ip                 ExtractIP()
//	ip-proxy           ExtractIPWithProxy()
//	header:X-API-Key   ExtractHeader("X-API-Key")
//	bearer             ExtractBearer()
//	cookie:session_id  ExtractCookie("session_id")
//	static:global      ExtractStatic("global")
//
// Several forms joined with "|" are tried in order, as with ExtractComposite.
func ParseKeyExtractorConfig(config string) (KeyExtractor, error) {
	if strings.Contains(config, "|") {
		var extractors []KeyExtractor
		for _, part := range strings.Split(config, "|") {
			extractor, err := ParseKeyExtractorConfig(strings.TrimSpace(part))
			if err != nil {
				return nil, err
			}
			extractors = append(extractors, extractor)
		}
		return ExtractComposite(extractors...), nil
	}

	kind, arg, hasArg := strings.Cut(config, ":")
	needArg := func(format string) error {
		if !hasArg || arg == "" {
			return fmt.Errorf("%w: %s extractor requires format '%s'", ErrInvalidConfig, kind, format)
		}
		return nil
	}

	switch kind {
	case "ip":
		return ExtractIP(), nil
	case "ip-proxy":
		return ExtractIPWithProxy(), nil
	case "bearer":
		return ExtractBearer(), nil
	case "header":
		if err := needArg("header:HeaderName"); err != nil {
			return nil, err
		}
		return ExtractHeader(arg), nil
	case "cookie":
		if err := needArg("cookie:CookieName"); err != nil {
			return nil, err
		}
		return ExtractCookie(arg), nil
	case "static":
		if err := needArg("static:key"); err != nil {
			return nil, err
		}
		return ExtractStatic(arg), nil
	default:
		return nil, fmt.Errorf("%w: unknown key extractor type: %q", ErrInvalidConfig, kind)
	}
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not carry a port
		return r.RemoteAddr
	}
	return ip
}
