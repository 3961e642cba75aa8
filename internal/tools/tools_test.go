package tools

import "testing"

func TestCanonical(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"web_search", "websearch"},
		{"web-search", "websearch"},
		{"WebSearch", "websearch"},
		{"Web_Search-20250305", "websearch20250305"},
		{"lookup", "lookup"},
	}
	for _, tt := range tests {
		if got := Canonical(tt.in); got != tt.want {
			t.Errorf("Canonical(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsWebSearch(t *testing.T) {
	for _, name := range []string{"web_search", "web-search", "WebSearch", "SEARCH", "search_web"} {
		if !IsWebSearch(name) {
			t.Errorf("IsWebSearch(%q) = false, want true", name)
		}
	}
	for _, name := range []string{"calculator", "fetch_page", ""} {
		if IsWebSearch(name) {
			t.Errorf("IsWebSearch(%q) = true, want false", name)
		}
	}
}

func TestPolicy_WebSearchEnabledAllowsEverything(t *testing.T) {
	p := NewPolicy(nil, true)

	// Including unrecognized names, to tolerate upstream naming variants.
	for _, name := range []string{"web_search", "websearch_v2", "totally_unknown"} {
		if d := p.Check(name); !d.Allow {
			t.Errorf("Check(%q).Allow = false with web search enabled", name)
		}
	}
}

func TestPolicy_CustomToolsOnly(t *testing.T) {
	p := NewPolicy([]Descriptor{{Name: "calculator"}}, false)

	if d := p.Check("calculator"); !d.Allow {
		t.Error("configured tool denied")
	}

	d := p.Check("web_search")
	if d.Allow {
		t.Fatal("unconfigured tool allowed with web search disabled")
	}
	if d.Reason == "" {
		t.Error("denial carries no reason")
	}
}
