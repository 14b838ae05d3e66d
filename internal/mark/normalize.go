// Package mark holds the pure functions the sync core uses to identify and
// fingerprint bookmarks: URL canonicalization, content hashing, and the
// filter deciding which URLs are eligible for synchronization at all.
package mark

import (
	"net/url"
	"sort"
	"strings"
)

// trackingParams are query parameters stripped during normalization. They
// carry campaign metadata, not identity: two URLs differing only in these
// refer to the same resource.
var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"igshid":  true,
	"mc_cid":  true,
	"mc_eid":  true,
	"ref":     true,
	"ref_src": true,
}

func isTrackingParam(key string) bool {
	if strings.HasPrefix(strings.ToLower(key), "utm_") {
		return true
	}
	return trackingParams[strings.ToLower(key)]
}

// NormalizeURL returns the canonical form of a URL used for matching local
// bookmarks against remote items: lowercased scheme and host, no trailing
// slash, tracking parameters removed, remaining query parameters sorted by
// key, fragment dropped. Malformed input degrades to lowercasing and
// trailing-slash stripping of the raw string. Idempotent.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return strings.TrimSuffix(strings.ToLower(raw), "/")
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	parsed.RawFragment = ""

	if parsed.RawQuery != "" {
		values, parseErr := url.ParseQuery(parsed.RawQuery)
		if parseErr != nil {
			values = url.Values{}
		}
		keys := make([]string, 0, len(values))
		for key := range values {
			if isTrackingParam(key) {
				continue
			}
			keys = append(keys, key)
		}
		sort.Strings(keys)
		var builder strings.Builder
		for _, key := range keys {
			for _, value := range values[key] {
				if builder.Len() > 0 {
					builder.WriteByte('&')
				}
				builder.WriteString(url.QueryEscape(key))
				if value != "" {
					builder.WriteByte('=')
					builder.WriteString(url.QueryEscape(value))
				}
			}
		}
		parsed.RawQuery = builder.String()
	}

	normalized := parsed.String()
	if strings.HasSuffix(parsed.Path, "/") && parsed.Path != "" {
		// Strip exactly one trailing slash from the path portion.
		if idx := strings.LastIndex(normalized, "?"); idx >= 0 {
			base := normalized[:idx]
			normalized = strings.TrimSuffix(base, "/") + normalized[idx:]
		} else {
			normalized = strings.TrimSuffix(normalized, "/")
		}
	}
	return normalized
}

// IsValidSyncURL reports whether a URL may be synchronized to the remote
// store. Internal browser schemes, local files, and script URLs never leave
// the machine.
func IsValidSyncURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	return parsed.Host != ""
}
