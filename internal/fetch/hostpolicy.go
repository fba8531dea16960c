package fetch

import "strings"

// hostPatterns stores exact hosts and suffix wildcards derived from configuration.
type hostPatterns struct {
	exact    map[string]struct{}
	suffixes []string
}

func newHostPatterns(patterns []string) *hostPatterns {
	matcher := &hostPatterns{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := normalizeHost(raw)
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			matcher.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			matcher.addSuffix(strings.TrimPrefix(value, "."))
		default:
			matcher.exact[value] = struct{}{}
		}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (p *hostPatterns) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range p.suffixes {
		if existing == suffix {
			return
		}
	}
	p.suffixes = append(p.suffixes, suffix)
}

func (p *hostPatterns) matches(host string) bool {
	if p == nil || host == "" {
		return false
	}
	if _, exact := p.exact[host]; exact {
		return true
	}
	for _, suffix := range p.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// HostPolicy applies the blocklist, then the allowlist when one is configured.
type HostPolicy struct {
	blocked *hostPatterns
	allowed *hostPatterns
}

// NewHostPolicy builds a HostPolicy. An empty allowed list permits every host that
// is not blocked.
func NewHostPolicy(allowed, blocked []string) HostPolicy {
	return HostPolicy{
		blocked: newHostPatterns(blocked),
		allowed: newHostPatterns(allowed),
	}
}

// Check returns CodeBlockedHost, CodeHostNotAllowed, or "" when host may be fetched.
func (p HostPolicy) Check(host string) Code {
	host = normalizeHost(host)
	if p.blocked.matches(host) {
		return CodeBlockedHost
	}
	if p.allowed != nil && !p.allowed.matches(host) {
		return CodeHostNotAllowed
	}
	return ""
}

func normalizeHost(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}
