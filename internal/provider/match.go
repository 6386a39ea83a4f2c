package provider

import "strings"

// MatchHostPattern reports whether host matches a registry host pattern.
// Three pattern forms are accepted, all compared case-insensitively with any
// :port stripped from host first:
//
//	exact     "api.openai.com"                  matches only that host
//	suffix    "openai.com"                      matches the domain and its subdomains
//	wildcard  "*.openai.azure.com"              matches subdomains only, not the apex;
//	          "bedrock-runtime.*.amazonaws.com" a single * spans one or more labels
//
// Suffix matches respect label boundaries: "misanthropic.com" does not
// match the pattern "anthropic.com".
func MatchHostPattern(host, pattern string) bool {
	host = strings.ToLower(stripHostPort(host))
	pattern = strings.ToLower(pattern)

	if i := strings.IndexByte(pattern, '*'); i >= 0 {
		pre, suf := pattern[:i], pattern[i+1:]
		return len(host) > len(pre)+len(suf) &&
			strings.HasPrefix(host, pre) && strings.HasSuffix(host, suf)
	}
	if host == pattern {
		return true
	}
	return strings.HasSuffix(host, "."+pattern)
}

// MatchDomainSuffix is MatchHostPattern restricted to the exact+suffix
// forms; the user-facing intercept_hosts config goes through this.
func MatchDomainSuffix(host, suffix string) bool {
	if strings.ContainsRune(suffix, '*') {
		return false
	}
	return MatchHostPattern(host, suffix)
}

// stripHostPort removes a trailing :port. Anything non-numeric after the
// last colon means there was no port (the registry never carries bracketed
// IPv6 hosts).
func stripHostPort(host string) string {
	i := strings.LastIndexByte(host, ':')
	if i < 0 {
		return host
	}
	for _, c := range host[i+1:] {
		if c < '0' || c > '9' {
			return host
		}
	}
	return host[:i]
}
