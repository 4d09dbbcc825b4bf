package whitelist

import (
	"testing"

	"github.com/tabwatch/tabwatch/internal/storage"
)

func TestMatcher_Precedence(t *testing.T) {
	m := NewMatcher([]storage.WhitelistEntry{
		{ID: "1", Kind: storage.WhitelistInclude, Pattern: "*.example.com"},
		{ID: "2", Kind: storage.WhitelistExclude, Pattern: "ads.example.com"},
		{ID: "3", Kind: storage.WhitelistHost, Pattern: "docs.internal"},
	})

	tests := []struct {
		name string
		host string
		url  string
		want bool
	}{
		{
			name: "include pattern matches subdomain",
			host: "mail.example.com",
			want: true,
		},
		{
			name: "exclude overrides include",
			host: "ads.example.com",
			want: false,
		},
		{
			name: "plain host entry",
			host: "docs.internal",
			want: true,
		},
		{
			name: "unrelated host",
			host: "news.site.com",
			url:  "https://news.site.com/story",
			want: false,
		},
		{
			name: "host matching is case-insensitive",
			host: "Docs.Internal",
			want: true,
		},
		{
			name: "empty host never matches",
			host: "",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Whitelisted(tt.host, tt.url); got != tt.want {
				t.Errorf("Whitelisted(%q, %q) = %v, want %v", tt.host, tt.url, got, tt.want)
			}
		})
	}
}

func TestMatcher_URLPatterns(t *testing.T) {
	m := NewMatcher([]storage.WhitelistEntry{
		{ID: "1", Kind: storage.WhitelistInclude, Pattern: "*example.com/docs*"},
		{ID: "2", Kind: storage.WhitelistExclude, Pattern: "*example.com/docs/private*"},
	})

	if !m.Whitelisted("example.com", "https://example.com/docs/guide") {
		t.Error("path-scoped include should match the page URL")
	}
	if m.Whitelisted("example.com", "https://example.com/docs/private/keys") {
		t.Error("path-scoped exclude should override the include")
	}
	if m.Whitelisted("example.com", "https://example.com/blog") {
		t.Error("URL outside the included path should not match")
	}
	if m.Whitelisted("example.com", "") {
		t.Error("path-scoped pattern should not match on host alone")
	}
}

func TestMatcher_ExactPatternDoesNotMatchSubdomains(t *testing.T) {
	m := NewMatcher([]storage.WhitelistEntry{
		{ID: "1", Kind: storage.WhitelistInclude, Pattern: "example.com"},
	})

	if !m.Whitelisted("example.com", "") {
		t.Error("apex domain should match its own pattern")
	}
	if m.Whitelisted("www.example.com", "") {
		t.Error("subdomain should not match an exact pattern")
	}
}

func TestMatcher_SkipsInvalidPatterns(t *testing.T) {
	m := NewMatcher([]storage.WhitelistEntry{
		{ID: "1", Kind: storage.WhitelistInclude, Pattern: "[invalid"},
		{ID: "2", Kind: storage.WhitelistInclude, Pattern: "good.example.com"},
	})

	if !m.Whitelisted("good.example.com", "") {
		t.Error("valid pattern should survive an invalid sibling")
	}
	if m.Whitelisted("anything.else", "") {
		t.Error("invalid pattern should be dropped, not match everything")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		entry   storage.WhitelistEntry
		wantErr bool
	}{
		{
			name:  "valid include pattern",
			entry: storage.WhitelistEntry{Kind: storage.WhitelistInclude, Pattern: "*.example.com"},
		},
		{
			name:  "plain host",
			entry: storage.WhitelistEntry{Kind: storage.WhitelistHost, Pattern: "example.com"},
		},
		{
			name:    "empty pattern",
			entry:   storage.WhitelistEntry{Kind: storage.WhitelistHost, Pattern: "  "},
			wantErr: true,
		},
		{
			name:    "malformed glob",
			entry:   storage.WhitelistEntry{Kind: storage.WhitelistExclude, Pattern: "[invalid"},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			entry:   storage.WhitelistEntry{Kind: "BOGUS", Pattern: "example.com"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.entry)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
