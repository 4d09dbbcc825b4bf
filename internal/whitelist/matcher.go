package whitelist

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"

	"github.com/tabwatch/tabwatch/internal/storage"
)

// Matcher answers whether a host or page URL is whitelisted. Exclude
// patterns take precedence over include patterns, which take precedence
// over plain hostname entries.
type Matcher struct {
	excludes []compiledPattern
	includes []compiledPattern
	hosts    map[string]struct{}
}

// compiledPattern holds both forms of one pattern: the host form keeps
// '.' as a separator so wildcards respect domain labels, the url form
// drops it so path-scoped patterns can span a full URL.
type compiledPattern struct {
	host glob.Glob
	url  glob.Glob
}

// NewMatcher compiles a matcher from stored whitelist entries. Entries
// whose pattern fails to compile are skipped with a warning rather than
// poisoning the whole set.
func NewMatcher(entries []storage.WhitelistEntry) *Matcher {
	m := &Matcher{
		hosts: make(map[string]struct{}),
	}

	logger := log.With().Str("component", "whitelist").Logger()

	for _, entry := range entries {
		pattern := strings.ToLower(strings.TrimSpace(entry.Pattern))
		if pattern == "" {
			continue
		}

		switch entry.Kind {
		case storage.WhitelistHost:
			m.hosts[pattern] = struct{}{}
			continue
		case storage.WhitelistInclude, storage.WhitelistExclude:
		default:
			logger.Warn().Str("id", entry.ID).Str("kind", string(entry.Kind)).Msg("Unknown whitelist entry kind, skipping")
			continue
		}

		hostGlob, err := glob.Compile(pattern, '.')
		if err != nil {
			logger.Warn().Err(err).Str("id", entry.ID).Str("pattern", pattern).Msg("Invalid whitelist pattern, skipping")
			continue
		}
		urlGlob, err := glob.Compile(pattern)
		if err != nil {
			logger.Warn().Err(err).Str("id", entry.ID).Str("pattern", pattern).Msg("Invalid whitelist pattern, skipping")
			continue
		}
		cp := compiledPattern{host: hostGlob, url: urlGlob}
		if entry.Kind == storage.WhitelistExclude {
			m.excludes = append(m.excludes, cp)
		} else {
			m.includes = append(m.includes, cp)
		}
	}

	return m
}

// Whitelisted reports whether host or url bypasses tracking and limit
// evaluation. Include and exclude patterns match either the host or the
// full page URL, so path-scoped patterns work; plain hostname entries
// match the host only.
func (m *Matcher) Whitelisted(host, url string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	url = strings.ToLower(strings.TrimSpace(url))
	if host == "" && url == "" {
		return false
	}

	for _, cp := range m.excludes {
		if cp.matches(host, url) {
			return false
		}
	}
	for _, cp := range m.includes {
		if cp.matches(host, url) {
			return true
		}
	}
	_, ok := m.hosts[host]
	return ok
}

func (cp compiledPattern) matches(host, url string) bool {
	return (host != "" && cp.host.Match(host)) || (url != "" && cp.url.Match(url))
}

// Validate reports whether a pattern compiles, for rejecting bad entries
// at the API boundary before they reach the store.
func Validate(entry storage.WhitelistEntry) error {
	pattern := strings.TrimSpace(entry.Pattern)
	if pattern == "" {
		return fmt.Errorf("whitelist pattern is required")
	}
	switch entry.Kind {
	case storage.WhitelistHost:
		return nil
	case storage.WhitelistInclude, storage.WhitelistExclude:
		if _, err := glob.Compile(strings.ToLower(pattern), '.'); err != nil {
			return fmt.Errorf("invalid whitelist pattern %q: %w", pattern, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown whitelist kind: %q", entry.Kind)
	}
}
