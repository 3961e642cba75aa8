// Package tools defines tool descriptors and the permission policy applied
// to tool requests coming back from the upstream runtime.
package tools

import "strings"

// Descriptor describes a single custom tool offered to the upstream runtime.
// Properties and Required follow JSON Schema conventions.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Properties  map[string]any `json:"properties,omitempty"`
	Required    []string       `json:"required,omitempty"`
}

// WebSearchName is the canonical name of the built-in web search tool.
const WebSearchName = "web_search"

// webSearchAliases are canonical forms the upstream runtime has been observed
// to use for its built-in search tool. Matched after Canonical().
var webSearchAliases = map[string]struct{}{
	"websearch":       {},
	"search":          {},
	"searchweb":       {},
	"internetsearch":  {},
	"websearchresult": {},
}

// Canonical folds case and strips "-" and "_" so tool names survive upstream
// naming drift ("web_search", "web-search", "WebSearch" all compare equal).
func Canonical(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if r == '-' || r == '_' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsWebSearch reports whether name refers to the built-in web search tool
// under any known alias.
func IsWebSearch(name string) bool {
	_, ok := webSearchAliases[Canonical(name)]
	return ok
}

// Decision is the outcome of a permission check for one tool request.
type Decision struct {
	Allow  bool
	Reason string // set when denied
}

// Policy decides whether a tool request from the upstream runtime may run.
//
// When web search is enabled every request is allowed, including names the
// policy does not recognize; the upstream runtime renames its built-in search
// tool across versions and a denial there would break search entirely.
// Otherwise only configured custom tool names pass.
type Policy struct {
	webSearch bool
	allowed   map[string]struct{}
}

// NewPolicy builds a policy from the configured custom tools and the
// web-search toggle.
func NewPolicy(custom []Descriptor, webSearch bool) *Policy {
	allowed := make(map[string]struct{}, len(custom))
	for _, d := range custom {
		allowed[d.Name] = struct{}{}
	}
	return &Policy{webSearch: webSearch, allowed: allowed}
}

// Check returns the permission decision for a single tool name.
func (p *Policy) Check(name string) Decision {
	if p.webSearch {
		return Decision{Allow: true}
	}
	if _, ok := p.allowed[name]; ok {
		return Decision{Allow: true}
	}
	return Decision{
		Allow:  false,
		Reason: "tool " + name + " is not in the configured tool list",
	}
}
