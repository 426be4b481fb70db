package ds

import "strings"

// StreamKey identifies a logical stream of documents.
//
// A key may redirect to a non-default collection using the namespaced form
// "@<collection>/<key>". Keys without the "@" prefix target the configured
// default collection unchanged.
type StreamKey string

// StreamTarget is the resolved collection/key pair for a StreamKey.
// An empty Collection means "use the configured default collection".
type StreamTarget struct {
	Collection string
	Key        string
}

// Resolve splits the key into its target collection and partition key.
//
// Only the exact two-segment "@<collection>/<key>" shape is honored. Any
// other "@"-prefixed form (no separator, extra separators) resolves to an
// empty target rather than an error, so a mistyped namespace degrades to
// default handling instead of writing under a partial override.
func (k StreamKey) Resolve() StreamTarget {
	s := string(k)
	if !strings.HasPrefix(s, "@") {
		return StreamTarget{Key: s}
	}
	parts := strings.Split(s[1:], "/")
	if len(parts) != 2 {
		return StreamTarget{}
	}
	return StreamTarget{Collection: parts[0], Key: parts[1]}
}

// String returns the key unchanged.
func (k StreamKey) String() string {
	return string(k)
}
