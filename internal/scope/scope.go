// Package scope implements exception scope-string matching for kException
// messages: mechanical prefix matching and stripping of a configured
// DataFlowScope string, with no hierarchical semantics.
package scope

import "strings"

// Matcher holds one processor's configured scope prefix.
type Matcher struct {
	prefix string
}

// New constructs a Matcher for the given configured scope prefix.
func New(prefix string) Matcher {
	return Matcher{prefix: prefix}
}

// Matches reports whether exceptionScope applies to this processor: the
// exception's scope string has this Matcher's prefix.  An empty configured
// prefix matches every exception scope, mirroring an operator with no
// DataFlowScope configured receiving all exceptions.
func (m Matcher) Matches(exceptionScope string) bool {
	if m.prefix == "" {
		return true
	}
	return strings.HasPrefix(exceptionScope, m.prefix)
}

// Strip mechanically removes the configured prefix from exceptionScope, if
// present, returning the remainder unchanged otherwise. No hierarchical
// interpretation (e.g. "/"-segment awareness) is applied.
func (m Matcher) Strip(exceptionScope string) string {
	return strings.TrimPrefix(exceptionScope, m.prefix)
}
